package alerts

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/ransomeye/drc/internal/storage"
)

// EntityID computes the deterministic id for a normalized (type, value)
// pair: the first 128 bits of sha256(type || ":" || value), hex-encoded
// (§3.3). Callers must normalize value first — NormalizeEntity does both.
func EntityID(t storage.EntityType, value string) string {
	sum := sha256.Sum256([]byte(string(t) + ":" + value))
	return hex.EncodeToString(sum[:16])
}

// NormalizedEntity is an extracted entity with its normalized value and
// deterministic id already computed.
type NormalizedEntity struct {
	ID    string
	Type  storage.EntityType
	Value string
	Label string
}

// NormalizeEntity normalizes raw per the §6.2 rules for t and computes its
// id. An empty, unrecognized raw value yields ok=false.
func NormalizeEntity(t storage.EntityType, raw string) (NormalizedEntity, bool) {
	if raw == "" {
		return NormalizedEntity{}, false
	}
	value, ok := normalizeValue(t, raw)
	if !ok {
		return NormalizedEntity{}, false
	}
	return NormalizedEntity{
		ID:    EntityID(t, value),
		Type:  t,
		Value: value,
		Label: value,
	}, true
}
