package integrity

import (
	"fmt"
	"time"
)

// ManifestEntry describes one file recorded in a bundle manifest (§3.6).
type ManifestEntry struct {
	Path       string `json:"path"`
	Size       int64  `json:"size"`
	SHA256     string `json:"sha256"`
	ChunkOf    string `json:"chunk_of,omitempty"`
	ChunkIndex *int   `json:"chunk_index,omitempty"`
}

// ManifestScope pins what an incident bundle actually covers.
type ManifestScope struct {
	IncidentID string   `json:"incident_id"`
	Since      string   `json:"since,omitempty"`
	Entities   []string `json:"entities,omitempty"`
}

// ManifestProducer identifies what built the bundle, for audit trails.
type ManifestProducer struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	NodeID  string `json:"node_id"`
}

// Manifest is the canonical schema from §6.3. Field order in this struct
// is cosmetic — Canonical() re-sorts object keys regardless — but it's
// kept in the spec's documented order for readability.
type Manifest struct {
	Version    string           `json:"version"`
	Producer   ManifestProducer `json:"producer"`
	CreatedAt  string           `json:"created_at"`
	Algorithms ManifestAlgos    `json:"algorithms"`
	Scope      ManifestScope    `json:"scope"`
	Entries    []ManifestEntry  `json:"entries"`
	MerkleRoot string           `json:"merkle_root"`
}

// ManifestAlgos records which primitives were actually used, so a verifier
// never has to guess (e.g. gzip fallback when zstd was unavailable).
type ManifestAlgos struct {
	Hash        string `json:"hash"`
	Signature   string `json:"signature"`
	Compression string `json:"compression"`
}

// BuildManifest assembles a Manifest from accumulated entries and computes
// its merkle root. created_at is stamped by the caller (components must
// not call time.Now() internally — see clock.Clock) so the result stays
// deterministic in tests.
func BuildManifest(producer ManifestProducer, scope ManifestScope, entries []ManifestEntry, compression string, createdAt time.Time) (Manifest, error) {
	if len(entries) == 0 {
		return Manifest{}, fmt.Errorf("%w: manifest must have at least one entry", ErrValidation)
	}
	hashes := make([]string, len(entries))
	for i, e := range entries {
		if e.SHA256 == "" {
			return Manifest{}, fmt.Errorf("%w: entry %q has no sha256", ErrValidation, e.Path)
		}
		hashes[i] = e.SHA256
	}
	return Manifest{
		Version:  "1",
		Producer: producer,
		CreatedAt: createdAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		Algorithms: ManifestAlgos{
			Hash:        "sha-256",
			Signature:   "rsa-pss-sha256",
			Compression: compression,
		},
		Scope:      scope,
		Entries:    entries,
		MerkleRoot: MerkleRoot(hashes),
	}, nil
}

// ToCanonicalValue converts a Manifest to the generic any-tree that
// Canonical() consumes, since Go structs aren't directly accepted.
func (m Manifest) ToCanonicalValue() map[string]any {
	entries := make([]any, len(m.Entries))
	for i, e := range m.Entries {
		entry := map[string]any{
			"path":   e.Path,
			"size":   e.Size,
			"sha256": e.SHA256,
		}
		if e.ChunkOf != "" {
			entry["chunk_of"] = e.ChunkOf
		}
		if e.ChunkIndex != nil {
			entry["chunk_index"] = *e.ChunkIndex
		}
		entries[i] = entry
	}
	scope := map[string]any{"incident_id": m.Scope.IncidentID}
	if m.Scope.Since != "" {
		scope["since"] = m.Scope.Since
	}
	if len(m.Scope.Entities) > 0 {
		ents := make([]any, len(m.Scope.Entities))
		for i, e := range m.Scope.Entities {
			ents[i] = e
		}
		scope["entities"] = ents
	}
	return map[string]any{
		"version": m.Version,
		"producer": map[string]any{
			"name":    m.Producer.Name,
			"version": m.Producer.Version,
			"node_id": m.Producer.NodeID,
		},
		"created_at": m.CreatedAt,
		"algorithms": map[string]any{
			"hash":        m.Algorithms.Hash,
			"signature":   m.Algorithms.Signature,
			"compression": m.Algorithms.Compression,
		},
		"scope":       scope,
		"entries":     entries,
		"merkle_root": m.MerkleRoot,
	}
}

// VerifyMerkleRoot recomputes the merkle root from entries and compares it
// with what the manifest claims. Fail-closed: any mismatch is ErrIntegrity.
func VerifyMerkleRoot(m Manifest) error {
	hashes := make([]string, len(m.Entries))
	for i, e := range m.Entries {
		hashes[i] = e.SHA256
	}
	got := MerkleRoot(hashes)
	if got != m.MerkleRoot {
		return fmt.Errorf("%w: merkle root mismatch: manifest says %s, recomputed %s", ErrIntegrity, m.MerkleRoot, got)
	}
	return nil
}
