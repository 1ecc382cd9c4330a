package update

import (
	"testing"
	"time"

	"github.com/ransomeye/drc/internal/integrity"
)

func testEntries() []integrity.ManifestEntry {
	return []integrity.ManifestEntry{
		{Path: "bin/agent", Size: 10, SHA256: "a"},
		{Path: "VERSION", Size: 5, SHA256: "b"},
	}
}

func TestBuildManifestRejectsEmptyEntries(t *testing.T) {
	_, err := BuildManifest(integrity.ManifestProducer{Name: "drc"}, "v2", "selftest.sh", 0, nil, time.Now())
	if err == nil {
		t.Fatal("expected error for empty entries")
	}
}

func TestBuildManifestDeterministicMerkleRoot(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m1, err := BuildManifest(integrity.ManifestProducer{Name: "drc"}, "v2", "selftest.sh", 30*time.Second, testEntries(), created)
	if err != nil {
		t.Fatalf("BuildManifest: %v", err)
	}
	m2, err := BuildManifest(integrity.ManifestProducer{Name: "drc"}, "v2", "selftest.sh", 30*time.Second, testEntries(), created)
	if err != nil {
		t.Fatalf("BuildManifest: %v", err)
	}
	if m1.MerkleRoot != m2.MerkleRoot {
		t.Fatalf("expected deterministic merkle root, got %s vs %s", m1.MerkleRoot, m2.MerkleRoot)
	}
	if m1.SelfTestTimeout != 30 {
		t.Fatalf("expected 30s timeout, got %d", m1.SelfTestTimeout)
	}
}

func TestVerifyMerkleRootDetectsTamper(t *testing.T) {
	m, err := BuildManifest(integrity.ManifestProducer{Name: "drc"}, "v2", "selftest.sh", 0, testEntries(), time.Now())
	if err != nil {
		t.Fatalf("BuildManifest: %v", err)
	}
	if err := VerifyMerkleRoot(m); err != nil {
		t.Fatalf("expected valid merkle root, got %v", err)
	}
	m.Entries[0].SHA256 = "tampered"
	if err := VerifyMerkleRoot(m); err == nil {
		t.Fatal("expected merkle root mismatch after tamper")
	}
}

func TestSelfTestTimeoutDurationDefaultsWhenUnset(t *testing.T) {
	m := Manifest{}
	if m.SelfTestTimeoutDuration() != 60*time.Second {
		t.Fatalf("expected default 60s, got %v", m.SelfTestTimeoutDuration())
	}
}
