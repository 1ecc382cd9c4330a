package integrity

import (
	"errors"
	"testing"
	"time"
)

func testEntries() []ManifestEntry {
	return []ManifestEntry{
		{Path: "alerts.ndjson", Size: 100, SHA256: HashHex([]byte("alerts"))},
		{Path: "entities.ndjson", Size: 50, SHA256: HashHex([]byte("entities"))},
	}
}

func TestBuildManifestRejectsEmptyEntries(t *testing.T) {
	_, err := BuildManifest(ManifestProducer{}, ManifestScope{IncidentID: "inc1"}, nil, "zstd", time.Unix(0, 0))
	if !errors.Is(err, ErrValidation) {
		t.Errorf("BuildManifest() error = %v, want ErrValidation", err)
	}
}

func TestBuildManifestDeterministicMerkleRoot(t *testing.T) {
	producer := ManifestProducer{Name: "drc", Version: "1.0.0", NodeID: "node-1"}
	scope := ManifestScope{IncidentID: "inc1"}
	createdAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	m1, err := BuildManifest(producer, scope, testEntries(), "zstd", createdAt)
	if err != nil {
		t.Fatalf("BuildManifest() error = %v", err)
	}
	m2, err := BuildManifest(producer, scope, testEntries(), "zstd", createdAt)
	if err != nil {
		t.Fatalf("BuildManifest() second call error = %v", err)
	}
	if m1.MerkleRoot != m2.MerkleRoot {
		t.Errorf("MerkleRoot differs across identical builds: %s vs %s", m1.MerkleRoot, m2.MerkleRoot)
	}
}

func TestManifestCanonicalRoundTrip(t *testing.T) {
	producer := ManifestProducer{Name: "drc", Version: "1.0.0", NodeID: "node-1"}
	scope := ManifestScope{IncidentID: "inc1"}
	createdAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	m, err := BuildManifest(producer, scope, testEntries(), "zstd", createdAt)
	if err != nil {
		t.Fatalf("BuildManifest() error = %v", err)
	}

	b1, err := Canonical(m.ToCanonicalValue())
	if err != nil {
		t.Fatalf("Canonical() error = %v", err)
	}
	b2, err := Canonical(m.ToCanonicalValue())
	if err != nil {
		t.Fatalf("Canonical() second call error = %v", err)
	}
	if string(b1) != string(b2) {
		t.Error("Canonical(manifest) not stable across repeated calls")
	}
}

func TestVerifyMerkleRootDetectsTamper(t *testing.T) {
	producer := ManifestProducer{Name: "drc", Version: "1.0.0", NodeID: "node-1"}
	scope := ManifestScope{IncidentID: "inc1"}
	createdAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	m, err := BuildManifest(producer, scope, testEntries(), "zstd", createdAt)
	if err != nil {
		t.Fatalf("BuildManifest() error = %v", err)
	}

	if err := VerifyMerkleRoot(m); err != nil {
		t.Errorf("VerifyMerkleRoot() on untampered manifest error = %v, want nil", err)
	}

	m.Entries[0].SHA256 = HashHex([]byte("tampered"))
	if err := VerifyMerkleRoot(m); !errors.Is(err, ErrIntegrity) {
		t.Errorf("VerifyMerkleRoot() on tampered manifest error = %v, want ErrIntegrity", err)
	}
}
