package document

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadata_Validate(t *testing.T) {
	tests := []struct {
		name    string
		md      Metadata
		wantErr bool
	}{
		{"nil", nil, false},
		{"scalars", Metadata{"s": "x", "b": true, "i": 3, "u8": uint8(1), "f": 1.5}, false},
		{"nil value", Metadata{"k": nil}, true},
		{"nested", Metadata{"k": map[string]any{"a": 1}}, true},
		{"slice", Metadata{"k": []string{"a"}}, true},
		{"uint overflow", Metadata{"k": uint64(1 << 63)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.md.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidMetadata)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMetadata_Normalize(t *testing.T) {
	got, err := Metadata{"i": 3, "f": float32(0.5), "s": "x"}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, Metadata{"i": int64(3), "f": float64(0.5), "s": "x"}, got)

	got, err = Metadata(nil).Normalize()
	require.NoError(t, err)
	assert.Equal(t, Metadata{}, got)
}

func TestMetadata_Clone(t *testing.T) {
	orig := Metadata{"a": "b"}
	cp := orig.Clone()
	cp["a"] = "c"
	assert.Equal(t, "b", orig["a"])
	assert.Nil(t, Metadata(nil).Clone())
}

func TestFromJSON(t *testing.T) {
	var in map[string]any
	dec := json.NewDecoder(bytes.NewReader([]byte(`{"page": 2, "score": 0.75, "big": 1e3, "ward": "icu", "ok": true}`)))
	dec.UseNumber()
	require.NoError(t, dec.Decode(&in))

	md, err := FromJSON(in)
	require.NoError(t, err)
	assert.Equal(t, Metadata{
		"page":  int64(2),
		"score": 0.75,
		"big":   float64(1000),
		"ward":  "icu",
		"ok":    true,
	}, md)

	// Integers decoded through JSON derive the same id as Go ints.
	a, err := DeriveID("x", md)
	require.NoError(t, err)
	b, err := DeriveID("x", Metadata{"page": 2, "score": 0.75, "big": 1000, "ward": "icu", "ok": true})
	require.NoError(t, err)
	assert.Equal(t, a, b)

	_, err = FromJSON(map[string]any{"tags": []any{"a"}})
	assert.ErrorIs(t, err, ErrInvalidMetadata)

	md, err = FromJSON(nil)
	require.NoError(t, err)
	assert.Nil(t, md)
}
