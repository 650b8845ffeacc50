// Package sha256 provides SHA-256 hashing utilities used for content-change
// detection and vector index document keys.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// DocKeyLen is the length of a derived index document key: the first 32 hex
// characters (128 bits) of the digest, short enough for index key limits.
const DocKeyLen = 32

// Hasher implements crawl.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// DocKey derives the stable index document key for an item id. Hashing the
// raw id keeps the key independent of URL-encoding quirks in source
// documents.
func DocKey(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])[:DocKeyLen]
}
