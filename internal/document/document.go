// Package document defines the text documents indexed by the retrieval layer
// and the content-addressed identity derived from them.
package document

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// Well-known metadata keys.
const (
	// KeyFileStem identifies the source document a summary or chunk belongs to.
	// It selects the per-document chunk collection.
	KeyFileStem = "file_stem"

	// KeySource is the origin (path or URL) of a chunk.
	KeySource = "source"

	// KeyChunkIndex is the position of a chunk within its source document.
	KeyChunkIndex = "chunk_index"
)

// ErrInvalidMetadata is returned when metadata holds a value outside the
// supported scalar types.
var ErrInvalidMetadata = errors.New("invalid metadata")

// Metadata is a schema-less set of annotations. Values are restricted to
// strings, booleans and numbers.
type Metadata map[string]any

// Document is a chunk or summary of text together with its annotations.
type Document struct {
	Content  string
	Metadata Metadata
}

// ID returns the content-addressed identity of the document.
func (d Document) ID() (string, error) {
	return DeriveID(d.Content, d.Metadata)
}

// Validate reports an error for nil values, nested structures and any type
// other than string, bool or a Go numeric type.
func (m Metadata) Validate() error {
	for k, v := range m {
		if _, err := normalizeValue(v); err != nil {
			return fmt.Errorf("%w: key %q: %v", ErrInvalidMetadata, k, err)
		}
	}
	return nil
}

// Normalize returns a copy with numbers widened to int64 or float64.
func (m Metadata) Normalize() (Metadata, error) {
	if m == nil {
		return Metadata{}, nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		nv, err := normalizeValue(v)
		if err != nil {
			return nil, fmt.Errorf("%w: key %q: %v", ErrInvalidMetadata, k, err)
		}
		out[k] = nv
	}
	return out, nil
}

// String returns the value of key if it holds a string.
func (m Metadata) String(key string) (string, bool) {
	v, ok := m[key].(string)
	return v, ok
}

// Clone returns a shallow copy; values are scalars so this is a full copy.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// FromJSON converts an object decoded with json.Decoder.UseNumber into
// Metadata, turning integral numbers into int64 and others into float64.
func FromJSON(in map[string]any) (Metadata, error) {
	if in == nil {
		return nil, nil
	}
	md := make(Metadata, len(in))
	for k, v := range in {
		n, ok := v.(json.Number)
		if !ok {
			md[k] = v
			continue
		}
		if i, err := n.Int64(); err == nil {
			md[k] = i
			continue
		}
		f, err := n.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: key %q: %v", ErrInvalidMetadata, k, err)
		}
		md[k] = f
	}
	if err := md.Validate(); err != nil {
		return nil, err
	}
	return md, nil
}

func normalizeValue(v any) (any, error) {
	switch val := v.(type) {
	case string, bool, int64:
		return val, nil
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return nil, fmt.Errorf("non-finite number %v", val)
		}
		return val, nil
	case float32:
		return normalizeValue(float64(val))
	case int:
		return int64(val), nil
	case int8:
		return int64(val), nil
	case int16:
		return int64(val), nil
	case int32:
		return int64(val), nil
	case uint:
		return checkedUint(uint64(val))
	case uint8:
		return int64(val), nil
	case uint16:
		return int64(val), nil
	case uint32:
		return int64(val), nil
	case uint64:
		return checkedUint(val)
	case nil:
		return nil, errors.New("nil value")
	default:
		return nil, fmt.Errorf("unsupported type %T", v)
	}
}

func checkedUint(v uint64) (any, error) {
	if v > math.MaxInt64 {
		return nil, fmt.Errorf("integer %d overflows int64", v)
	}
	return int64(v), nil
}
