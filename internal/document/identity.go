package document

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// IDLength is the number of hex characters kept from the SHA-256 digest.
const IDLength = 32

// DeriveID returns the first 32 hex characters of
// sha256(content || canonical JSON of metadata).
//
// The metadata encoding is a JSON object with lexicographically sorted keys
// and no insignificant whitespace, so the field insertion order never affects
// the result, and it always ends the hashed input as a single delimited
// object. Nil and empty metadata both encode as "{}".
func DeriveID(content string, metadata Metadata) (string, error) {
	canon, err := CanonicalJSON(metadata)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	h.Write([]byte(content))
	h.Write(canon)
	return hex.EncodeToString(h.Sum(nil))[:IDLength], nil
}

// MustDeriveID is like DeriveID but panics on invalid metadata.
func MustDeriveID(content string, metadata Metadata) string {
	id, err := DeriveID(content, metadata)
	if err != nil {
		panic(err)
	}
	return id
}

// CanonicalJSON encodes metadata with sorted keys, no HTML escaping and no
// trailing newline.
func CanonicalJSON(metadata Metadata) ([]byte, error) {
	normalized, err := metadata.Normalize()
	if err != nil {
		return nil, err
	}

	// encoding/json writes map keys in sorted order.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(map[string]any(normalized)); err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
