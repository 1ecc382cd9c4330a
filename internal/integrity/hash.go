package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"sort"
)

// Hash returns the SHA-256 digest of b.
func Hash(b []byte) [32]byte {
	return sha256.Sum256(b)
}

// HashHex returns the lowercase hex-encoded SHA-256 digest of b.
func HashHex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// MerkleRoot computes SHA-256 over the sorted concatenation of entry
// hashes, per §4.1/§4.7. Entries are pre-sorted lexicographically on their
// hex digest so the result is independent of insertion order.
func MerkleRoot(entryHashes []string) string {
	sorted := make([]string, len(entryHashes))
	copy(sorted, entryHashes)
	sort.Strings(sorted)

	h := sha256.New()
	for _, digest := range sorted {
		h.Write([]byte(digest))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// StreamHasher wraps sha256.New so C7/C8 can update a running digest as
// bytes are written, without ever reading a file a second time.
type StreamHasher struct {
	h hash.Hash
}

// NewStreamHasher returns a fresh incremental SHA-256 hasher.
func NewStreamHasher() *StreamHasher {
	return &StreamHasher{h: sha256.New()}
}

// Write feeds bytes into the running digest. Never returns an error.
func (s *StreamHasher) Write(p []byte) (int, error) {
	return s.h.Write(p)
}

// SumHex returns the current hex-encoded digest. Sum is non-destructive,
// so the hasher may keep being written to afterwards.
func (s *StreamHasher) SumHex() string {
	return hex.EncodeToString(s.h.Sum(nil))
}
