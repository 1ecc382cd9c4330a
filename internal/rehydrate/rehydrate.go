// Package rehydrate implements the bundle rehydrator (C8): fail-closed
// verify, then unpack, then reconcile a C7 bundle back into storage
// (§4.8). No storage mutation happens until every byte in the archive has
// been re-hashed and matched against the signed manifest.
package rehydrate

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/ransomeye/drc/internal/clock"
	"github.com/ransomeye/drc/internal/integrity"
	"github.com/ransomeye/drc/internal/logging"
	"github.com/ransomeye/drc/internal/storage"
)

// store is the subset of *storage.DB the rehydrator needs.
type store interface {
	UpsertEntity(ctx context.Context, e storage.Entity) error
	UpsertEdge(ctx context.Context, e storage.Edge) error
	UpsertAlert(ctx context.Context, a storage.Alert) error
	AssignEntityIncident(ctx context.Context, entityID, incidentID string) error
	AssignAlertIncident(ctx context.Context, alertID, incidentID string) error
	GetIncident(ctx context.Context, incidentID string) (storage.Incident, error)
	CreateIncident(ctx context.Context, incidentID string, now time.Time) error
	TouchIncident(ctx context.Context, incidentID string, now time.Time) error
}

// Config wires a Rehydrator's dependencies.
type Config struct {
	Store     store
	PublicKey *rsa.PublicKey
	Clock     clock.Clock
	Log       *logging.Logger
}

// Rehydrator runs the §4.8 algorithm against bundles produced by
// internal/bundler.
type Rehydrator struct {
	cfg Config
}

// NewRehydrator validates cfg and returns a ready Rehydrator.
func NewRehydrator(cfg Config) (*Rehydrator, error) {
	if cfg.Store == nil || cfg.PublicKey == nil || cfg.Clock == nil {
		return nil, fmt.Errorf("%w: rehydrator config missing store, public key, or clock", integrity.ErrValidation)
	}
	return &Rehydrator{cfg: cfg}, nil
}

// Result summarizes what a rehydrate run applied.
type Result struct {
	IncidentID   string
	EntityCount  int
	EdgeCount    int
	AlertCount   int
}

// Rehydrate loads bundlePath (an archive produced by bundler.Build, with
// "<path>.manifest.json" and "<path>.manifest.sig" siblings), verifies it
// fail-closed, and applies its contents to storage. Rehydrating the same
// bundle twice, or an overlapping one, converges to the union without
// duplicating edges or alerts.
func (r *Rehydrator) Rehydrate(ctx context.Context, bundlePath string) (Result, error) {
	manifest, err := loadManifest(bundlePath)
	if err != nil {
		return Result{}, err
	}
	if err := verifySignature(bundlePath, manifest, r.cfg.PublicKey); err != nil {
		return Result{}, err
	}
	if err := integrity.VerifyMerkleRoot(manifest); err != nil {
		return Result{}, err
	}

	scratchDir, err := os.MkdirTemp("", "rehydrate-*")
	if err != nil {
		return Result{}, fmt.Errorf("%w: allocate scratch dir: %v", integrity.ErrFatal, err)
	}
	defer os.RemoveAll(scratchDir)

	if err := extractAndVerify(bundlePath, manifest, scratchDir); err != nil {
		return Result{}, err
	}

	entities, err := readChunkedNDJSON[storage.Entity](scratchDir, manifest, "entities.ndjson")
	if err != nil {
		return Result{}, err
	}
	edges, err := readChunkedNDJSON[storage.Edge](scratchDir, manifest, "edges.ndjson")
	if err != nil {
		return Result{}, err
	}
	alerts, err := readChunkedNDJSON[storage.Alert](scratchDir, manifest, "alerts.ndjson")
	if err != nil {
		return Result{}, err
	}

	incidentID := manifest.Scope.IncidentID
	now := r.cfg.Clock.Now()
	if _, err := r.cfg.Store.GetIncident(ctx, incidentID); err != nil {
		if err := r.cfg.Store.CreateIncident(ctx, incidentID, now); err != nil {
			return Result{}, err
		}
	} else if err := r.cfg.Store.TouchIncident(ctx, incidentID, now); err != nil {
		return Result{}, err
	}

	for _, e := range entities {
		if err := r.cfg.Store.UpsertEntity(ctx, e); err != nil {
			return Result{}, err
		}
		if err := r.cfg.Store.AssignEntityIncident(ctx, e.ID, incidentID); err != nil {
			return Result{}, err
		}
	}
	for _, e := range edges {
		if err := r.cfg.Store.UpsertEdge(ctx, e); err != nil {
			return Result{}, err
		}
	}
	for _, a := range alerts {
		if err := r.cfg.Store.UpsertAlert(ctx, a); err != nil {
			return Result{}, err
		}
		if err := r.cfg.Store.AssignAlertIncident(ctx, a.AlertID, incidentID); err != nil {
			return Result{}, err
		}
	}

	if r.cfg.Log != nil {
		r.cfg.Log.Info("bundle rehydrated", "incident_id", incidentID,
			"entities", len(entities), "edges", len(edges), "alerts", len(alerts))
	}

	return Result{
		IncidentID:  incidentID,
		EntityCount: len(entities),
		EdgeCount:   len(edges),
		AlertCount:  len(alerts),
	}, nil
}

func loadManifest(bundlePath string) (integrity.Manifest, error) {
	body, err := os.ReadFile(bundlePath + ".manifest.json")
	if err != nil {
		return integrity.Manifest{}, fmt.Errorf("%w: read manifest: %v", integrity.ErrFormat, err)
	}
	var m integrity.Manifest
	if err := json.Unmarshal(body, &m); err != nil {
		return integrity.Manifest{}, fmt.Errorf("%w: parse manifest: %v", integrity.ErrFormat, err)
	}
	return m, nil
}

func verifySignature(bundlePath string, m integrity.Manifest, pub *rsa.PublicKey) error {
	sig, err := os.ReadFile(bundlePath + ".manifest.sig")
	if err != nil {
		return fmt.Errorf("%w: read manifest signature: %v", integrity.ErrFormat, err)
	}
	canon, err := integrity.Canonical(m.ToCanonicalValue())
	if err != nil {
		return fmt.Errorf("%w: canonicalize manifest: %v", integrity.ErrFormat, err)
	}
	if err := integrity.Verify(pub, canon, sig); err != nil {
		return fmt.Errorf("%w: manifest signature invalid: %v", integrity.ErrSignature, err)
	}
	return nil
}

// extractAndVerify streams the archive's tar entries into dir, recomputing
// each entry's sha256 as it is written and comparing against the manifest
// before any later step is allowed to run (§4.8 step 3).
func extractAndVerify(bundlePath string, m integrity.Manifest, dir string) error {
	f, err := os.Open(bundlePath)
	if err != nil {
		return fmt.Errorf("%w: open bundle archive: %v", integrity.ErrFormat, err)
	}
	defer f.Close()

	var r io.Reader
	switch m.Algorithms.Compression {
	case "zstd":
		dec, err := zstd.NewReader(f)
		if err != nil {
			return fmt.Errorf("%w: open zstd stream: %v", integrity.ErrFormat, err)
		}
		defer dec.Close()
		r = dec
	case "gzip":
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("%w: open gzip stream: %v", integrity.ErrFormat, err)
		}
		defer gz.Close()
		r = gz
	default:
		return fmt.Errorf("%w: unknown compression algorithm %q", integrity.ErrFormat, m.Algorithms.Compression)
	}

	expected := make(map[string]integrity.ManifestEntry, len(m.Entries))
	for _, e := range m.Entries {
		expected[e.Path] = e
	}

	tr := tar.NewReader(r)
	seen := make(map[string]bool, len(m.Entries))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: read tar entry: %v", integrity.ErrFormat, err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		entry, ok := expected[hdr.Name]
		if !ok {
			return fmt.Errorf("%w: archive entry %s not present in manifest", integrity.ErrIntegrity, hdr.Name)
		}

		destPath := filepath.Join(dir, hdr.Name)
		if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
			return fmt.Errorf("%w: mkdir for %s: %v", integrity.ErrFatal, hdr.Name, err)
		}
		out, err := os.Create(destPath)
		if err != nil {
			return fmt.Errorf("%w: create scratch file for %s: %v", integrity.ErrFatal, hdr.Name, err)
		}
		hasher := integrity.NewStreamHasher()
		n, copyErr := io.Copy(io.MultiWriter(out, hasher), tr)
		closeErr := out.Close()
		if copyErr != nil {
			return fmt.Errorf("%w: extract %s: %v", integrity.ErrFatal, hdr.Name, copyErr)
		}
		if closeErr != nil {
			return fmt.Errorf("%w: close scratch file for %s: %v", integrity.ErrFatal, hdr.Name, closeErr)
		}
		if n != entry.Size {
			return fmt.Errorf("%w: entry %s size mismatch: manifest says %d, got %d", integrity.ErrIntegrity, hdr.Name, entry.Size, n)
		}
		if got := hasher.SumHex(); got != entry.SHA256 {
			return fmt.Errorf("%w: entry %s hash mismatch", integrity.ErrIntegrity, hdr.Name)
		}
		seen[hdr.Name] = true
	}
	for path := range expected {
		if !seen[path] {
			return fmt.Errorf("%w: manifest entry %s missing from archive", integrity.ErrIntegrity, path)
		}
	}
	return nil
}

// readChunkedNDJSON reassembles a logical NDJSON stream (entities.ndjson,
// edges.ndjson, alerts.ndjson) from its manifest entries — either a single
// whole file, or a set of chunks ordered by chunk_index — and decodes it
// into records. Every byte has already been hash-verified by
// extractAndVerify before this runs.
func readChunkedNDJSON[T any](dir string, m integrity.Manifest, logicalName string) ([]T, error) {
	var whole *integrity.ManifestEntry
	var chunks []integrity.ManifestEntry
	for _, e := range m.Entries {
		if e.Path == logicalName {
			whole = &e
		} else if e.ChunkOf == logicalName {
			chunks = append(chunks, e)
		}
	}

	var records []T
	decodeFrom := func(r io.Reader) error {
		dec := json.NewDecoder(r)
		for dec.More() {
			var rec T
			if err := dec.Decode(&rec); err != nil {
				return fmt.Errorf("%w: decode %s record: %v", integrity.ErrFormat, logicalName, err)
			}
			records = append(records, rec)
		}
		return nil
	}

	if whole != nil {
		f, err := os.Open(filepath.Join(dir, whole.Path))
		if err != nil {
			return nil, fmt.Errorf("%w: open %s: %v", integrity.ErrFatal, whole.Path, err)
		}
		defer f.Close()
		if err := decodeFrom(f); err != nil {
			return nil, err
		}
		return records, nil
	}
	if len(chunks) == 0 {
		return nil, nil
	}

	sort.Slice(chunks, func(i, j int) bool {
		ii, jj := 0, 0
		if chunks[i].ChunkIndex != nil {
			ii = *chunks[i].ChunkIndex
		}
		if chunks[j].ChunkIndex != nil {
			jj = *chunks[j].ChunkIndex
		}
		return ii < jj
	})
	readers := make([]io.Reader, 0, len(chunks))
	for _, c := range chunks {
		f, err := os.Open(filepath.Join(dir, c.Path))
		if err != nil {
			return nil, fmt.Errorf("%w: open chunk %s: %v", integrity.ErrFatal, c.Path, err)
		}
		defer f.Close()
		readers = append(readers, f)
	}
	if err := decodeFrom(io.MultiReader(readers...)); err != nil {
		return nil, err
	}
	return records, nil
}
