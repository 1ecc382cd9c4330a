// Package update implements the signed-update protocol (§4.4): a
// fail-closed verify, atomic install-directory swap, self-test with
// timeout, and automatic rollback on self-test failure.
package update

import (
	"fmt"
	"time"

	"github.com/ransomeye/drc/internal/integrity"
)

// Manifest describes one signed update bundle: the payload files that
// replace the install directory, the self-test script to run after
// swap-in, and the merkle root binding them together.
type Manifest struct {
	Version         string                   `json:"version"`
	Producer        integrity.ManifestProducer `json:"producer"`
	CreatedAt       string                   `json:"created_at"`
	TargetVersion   string                   `json:"target_version"`
	SelfTestPath    string                   `json:"self_test_path"`
	SelfTestTimeout int                      `json:"self_test_timeout_seconds"`
	Entries         []integrity.ManifestEntry `json:"entries"`
	MerkleRoot      string                   `json:"merkle_root"`
}

// BuildManifest assembles a Manifest and computes its merkle root.
// createdAt is caller-supplied so the result stays deterministic in tests.
func BuildManifest(producer integrity.ManifestProducer, targetVersion, selfTestPath string, selfTestTimeout time.Duration, entries []integrity.ManifestEntry, createdAt time.Time) (Manifest, error) {
	if len(entries) == 0 {
		return Manifest{}, fmt.Errorf("%w: update manifest must have at least one payload entry", integrity.ErrValidation)
	}
	hashes := make([]string, len(entries))
	for i, e := range entries {
		if e.SHA256 == "" {
			return Manifest{}, fmt.Errorf("%w: entry %q has no sha256", integrity.ErrValidation, e.Path)
		}
		hashes[i] = e.SHA256
	}
	if selfTestTimeout <= 0 {
		selfTestTimeout = 60 * time.Second
	}
	return Manifest{
		Version:         "1",
		Producer:        producer,
		CreatedAt:       createdAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		TargetVersion:   targetVersion,
		SelfTestPath:    selfTestPath,
		SelfTestTimeout: int(selfTestTimeout / time.Second),
		Entries:         entries,
		MerkleRoot:      integrity.MerkleRoot(hashes),
	}, nil
}

// ToCanonicalValue converts a Manifest to the generic any-tree that
// integrity.Canonical consumes for signing and verification.
func (m Manifest) ToCanonicalValue() map[string]any {
	entries := make([]any, len(m.Entries))
	for i, e := range m.Entries {
		entries[i] = map[string]any{
			"path":   e.Path,
			"size":   e.Size,
			"sha256": e.SHA256,
		}
	}
	return map[string]any{
		"version": m.Version,
		"producer": map[string]any{
			"name":    m.Producer.Name,
			"version": m.Producer.Version,
			"node_id": m.Producer.NodeID,
		},
		"created_at":                 m.CreatedAt,
		"target_version":             m.TargetVersion,
		"self_test_path":             m.SelfTestPath,
		"self_test_timeout_seconds":  m.SelfTestTimeout,
		"entries":                    entries,
		"merkle_root":                m.MerkleRoot,
	}
}

// SelfTestTimeoutDuration converts the manifest's stored integer seconds
// back into a time.Duration.
func (m Manifest) SelfTestTimeoutDuration() time.Duration {
	if m.SelfTestTimeout <= 0 {
		return 60 * time.Second
	}
	return time.Duration(m.SelfTestTimeout) * time.Second
}

// VerifyMerkleRoot recomputes the merkle root from entries and compares it
// with what the manifest claims. Fail-closed: any mismatch is ErrIntegrity.
func VerifyMerkleRoot(m Manifest) error {
	hashes := make([]string, len(m.Entries))
	for i, e := range m.Entries {
		hashes[i] = e.SHA256
	}
	got := integrity.MerkleRoot(hashes)
	if got != m.MerkleRoot {
		return fmt.Errorf("%w: merkle root mismatch: manifest says %s, recomputed %s", integrity.ErrIntegrity, m.MerkleRoot, got)
	}
	return nil
}
