package vectorstore

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/knoguchi/medrag/internal/document"
)

const (
	// contentKey holds the point text in the payload.
	contentKey = "content"

	// Older ingestion scripts wrote {"text": ..., "metadata": {...}}.
	legacyContentKey  = "text"
	legacyMetadataKey = "metadata"
)

// toPointID converts a 32-hex identity (or any UUID form) to a Qdrant point id.
func toPointID(id string) (*qdrant.PointId, error) {
	u, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("%w: point id %q is not a uuid: %v", ErrInvalidArgument, id, err)
	}
	return qdrant.NewIDUUID(u.String()), nil
}

// fromPointID returns ids in the 32-hex form produced by document.DeriveID.
func fromPointID(id *qdrant.PointId) string {
	if id == nil {
		return ""
	}
	if s := id.GetUuid(); s != "" {
		if u, err := uuid.Parse(s); err == nil {
			return strings.ReplaceAll(u.String(), "-", "")
		}
		return s
	}
	return strconv.FormatUint(id.GetNum(), 10)
}

func toQdrantDistance(d Distance) qdrant.Distance {
	switch d {
	case Euclidean:
		return qdrant.Distance_Euclid
	case DotProduct:
		return qdrant.Distance_Dot
	default:
		return qdrant.Distance_Cosine
	}
}

func fromQdrantDistance(d qdrant.Distance) Distance {
	switch d {
	case qdrant.Distance_Euclid:
		return Euclidean
	case qdrant.Distance_Dot:
		return DotProduct
	case qdrant.Distance_Cosine:
		return Cosine
	default:
		return 0
	}
}

// encodePayload converts metadata and content to Qdrant values.
func encodePayload(content string, md document.Metadata) (map[string]*qdrant.Value, error) {
	normalized, err := md.Normalize()
	if err != nil {
		return nil, err
	}

	payload := make(map[string]*qdrant.Value, len(normalized)+1)
	for k, v := range normalized {
		switch val := v.(type) {
		case string:
			payload[k] = qdrant.NewValueString(val)
		case bool:
			payload[k] = qdrant.NewValueBool(val)
		case int64:
			payload[k] = qdrant.NewValueInt(val)
		case float64:
			// Integral values are stored as integers so equality filters match
			// regardless of how the number was decoded upstream.
			if isIntegral(val) {
				payload[k] = qdrant.NewValueInt(int64(val))
			} else {
				payload[k] = qdrant.NewValueDouble(val)
			}
		}
	}
	payload[contentKey] = qdrant.NewValueString(content)
	return payload, nil
}

// decodePayload splits a Qdrant payload into content and scalar metadata.
// Non-scalar values are dropped, except a legacy nested "metadata" object
// whose scalar fields are lifted to the top level.
func decodePayload(payload map[string]*qdrant.Value) (string, document.Metadata) {
	md := make(document.Metadata, len(payload))
	var content string
	hasContent := false

	for k, v := range payload {
		if k == contentKey {
			content = v.GetStringValue()
			hasContent = true
			continue
		}
		if k == legacyMetadataKey {
			if s := v.GetStructValue(); s != nil {
				for nk, nv := range s.GetFields() {
					if _, exists := payload[nk]; exists {
						continue
					}
					if scalar, ok := scalarValue(nv); ok {
						md[nk] = scalar
					}
				}
				continue
			}
		}
		if scalar, ok := scalarValue(v); ok {
			md[k] = scalar
		}
	}

	if !hasContent {
		if legacy, ok := md[legacyContentKey].(string); ok {
			content = legacy
			delete(md, legacyContentKey)
		}
	}
	return content, md
}

func scalarValue(v *qdrant.Value) (any, bool) {
	switch val := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return val.StringValue, true
	case *qdrant.Value_IntegerValue:
		return val.IntegerValue, true
	case *qdrant.Value_DoubleValue:
		return val.DoubleValue, true
	case *qdrant.Value_BoolValue:
		return val.BoolValue, true
	default:
		return nil, false
	}
}

// buildFilter translates equality constraints into a Qdrant must-filter.
// Conditions are emitted in key order.
func buildFilter(f Filter) (*qdrant.Filter, error) {
	if len(f) == 0 {
		return nil, nil
	}
	normalized, err := document.Metadata(f).Normalize()
	if err != nil {
		return nil, fmt.Errorf("%w: filter: %v", ErrInvalidArgument, err)
	}

	keys := make([]string, 0, len(normalized))
	for k := range normalized {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	conditions := make([]*qdrant.Condition, 0, len(keys))
	for _, k := range keys {
		switch v := normalized[k].(type) {
		case string:
			conditions = append(conditions, qdrant.NewMatch(k, v))
		case bool:
			conditions = append(conditions, qdrant.NewMatchBool(k, v))
		case int64:
			conditions = append(conditions, qdrant.NewMatchInt(k, v))
		case float64:
			if isIntegral(v) {
				conditions = append(conditions, qdrant.NewMatchInt(k, int64(v)))
			} else {
				val := v
				conditions = append(conditions, qdrant.NewRange(k, &qdrant.Range{Gte: &val, Lte: &val}))
			}
		}
	}
	return &qdrant.Filter{Must: conditions}, nil
}

func isIntegral(v float64) bool {
	return v == math.Trunc(v) && math.Abs(v) < 1<<53
}
