// Package bundler implements the bundle builder (C7): a streaming,
// single-pass export of one incident's alerts, entities, and edges (plus
// any artifacts its entities reference) into a signed, content-addressed
// archive (§4.7).
package bundler

import (
	"archive/tar"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/ransomeye/drc/internal/clock"
	"github.com/ransomeye/drc/internal/integrity"
	"github.com/ransomeye/drc/internal/logging"
	"github.com/ransomeye/drc/internal/storage"
)

const copyBlockSize = 64 * 1024

// store is the subset of *storage.DB the bundler needs.
type store interface {
	EntitiesForIncident(ctx context.Context, incidentID string) ([]storage.Entity, error)
	EdgesForIncident(ctx context.Context, incidentID string) ([]storage.Edge, error)
	AlertsForIncident(ctx context.Context, incidentID string) ([]storage.Alert, error)
	CreateBundleRecord(ctx context.Context, b storage.BundleRecord) error
}

// ArtifactSource resolves the persisted artifact bytes an entity refers
// to, if any (e.g. a quarantined sample behind a file_hash entity). Not
// every entity has one.
type ArtifactSource interface {
	Open(ctx context.Context, entityID string) (r io.ReadCloser, size int64, found bool, err error)
}

// Scope selects what an incident bundle actually covers (§4.7 Input).
type Scope struct {
	IncidentID string
	Since      time.Time   // zero value means "full"
	Entities   []string    // non-empty means "subset of entities"
}

// Config wires a Builder's dependencies.
type Config struct {
	Store       store
	Artifacts   ArtifactSource // may be nil if no entity ever carries an artifact
	PrivateKey  *rsa.PrivateKey
	Clock       clock.Clock
	Log         *logging.Logger
	ScratchRoot string // parent of per-build scratch directories
	BundleDir   string // where finished bundles are stored
	ChunkSize   int64  // default 8 MiB
	CompressionLevel int
	NodeID      string
}

// Builder runs the §4.7 bundling algorithm.
type Builder struct {
	cfg Config
}

// NewBuilder validates cfg and returns a ready Builder.
func NewBuilder(cfg Config) (*Builder, error) {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 8 << 20
	}
	if cfg.Store == nil || cfg.PrivateKey == nil || cfg.Clock == nil {
		return nil, fmt.Errorf("%w: bundler config missing store, private key, or clock", integrity.ErrValidation)
	}
	return &Builder{cfg: cfg}, nil
}

// Result describes a finished bundle.
type Result struct {
	BundleID    string
	StoragePath string
	Manifest    integrity.Manifest
}

// Build runs the complete algorithm for one incident: gather scoped data,
// stream it to a scratch directory with inline hashing, compress with a
// zstd-or-gzip fallback, sign the manifest, and atomically publish.
func (b *Builder) Build(ctx context.Context, scope Scope, idempotencyKey string) (Result, error) {
	now := b.cfg.Clock.Now()

	entities, edges, alerts, err := b.gather(ctx, scope)
	if err != nil {
		return Result{}, err
	}

	scratchDir, err := os.MkdirTemp(b.cfg.ScratchRoot, "bundle-*")
	if err != nil {
		return Result{}, fmt.Errorf("%w: allocate scratch dir: %v", integrity.ErrFatal, err)
	}
	defer os.RemoveAll(scratchDir)

	var entries []integrity.ManifestEntry

	entityEntries, err := writeNDJSON(scratchDir, "entities.ndjson", b.cfg.ChunkSize, entities)
	if err != nil {
		return Result{}, err
	}
	entries = append(entries, entityEntries...)

	edgeEntries, err := writeNDJSON(scratchDir, "edges.ndjson", b.cfg.ChunkSize, edges)
	if err != nil {
		return Result{}, err
	}
	entries = append(entries, edgeEntries...)

	alertEntries, err := writeNDJSON(scratchDir, "alerts.ndjson", b.cfg.ChunkSize, alerts)
	if err != nil {
		return Result{}, err
	}
	entries = append(entries, alertEntries...)

	artifactEntries, err := b.writeArtifacts(ctx, scratchDir, entities)
	if err != nil {
		return Result{}, err
	}
	entries = append(entries, artifactEntries...)

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })

	id, err := integrity.NewULIDAt(now)
	if err != nil {
		return Result{}, fmt.Errorf("%w: generate bundle id: %v", integrity.ErrFatal, err)
	}
	bundleID := id.String()

	manifestScope := integrity.ManifestScope{IncidentID: scope.IncidentID, Entities: scope.Entities}
	if !scope.Since.IsZero() {
		manifestScope.Since = scope.Since.UTC().Format(time.RFC3339)
	}

	archivePath := filepath.Join(b.cfg.ScratchRoot, bundleID+".archive.tmp")
	compression, err := b.writeArchive(scratchDir, archivePath)
	if err != nil {
		return Result{}, err
	}
	defer os.Remove(archivePath)

	manifest, err := integrity.BuildManifest(
		integrity.ManifestProducer{Name: "drc-bundler", Version: "1", NodeID: b.cfg.NodeID},
		manifestScope, entries, compression, now,
	)
	if err != nil {
		return Result{}, err
	}

	canon, err := integrity.Canonical(manifest.ToCanonicalValue())
	if err != nil {
		return Result{}, fmt.Errorf("%w: canonicalize manifest: %v", integrity.ErrFatal, err)
	}
	sig, err := integrity.Sign(b.cfg.PrivateKey, canon)
	if err != nil {
		return Result{}, fmt.Errorf("%w: sign manifest: %v", integrity.ErrFatal, err)
	}

	finalPath := filepath.Join(b.cfg.BundleDir, bundleID+".bundle")
	if err := os.MkdirAll(b.cfg.BundleDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("%w: mkdir bundle dir: %v", integrity.ErrFatal, err)
	}
	if err := os.Rename(archivePath, finalPath); err != nil {
		return Result{}, fmt.Errorf("%w: publish bundle archive: %v", integrity.ErrFatal, err)
	}
	manifestPath := finalPath + ".manifest.json"
	if err := integrity.WriteAtomic(manifestPath, canon, 0o644); err != nil {
		return Result{}, err
	}
	sigPath := finalPath + ".manifest.sig"
	if err := integrity.WriteAtomic(sigPath, sig, 0o644); err != nil {
		return Result{}, err
	}

	var idemKey *string
	if idempotencyKey != "" {
		idemKey = &idempotencyKey
	}
	record := storage.BundleRecord{
		BundleID:       bundleID,
		IncidentID:     scope.IncidentID,
		StoragePath:    finalPath,
		ManifestSHA256: integrity.HashHex(canon),
		MerkleRoot:     manifest.MerkleRoot,
		Compression:    compression,
		IdempotencyKey: idemKey,
	}
	if err := b.cfg.Store.CreateBundleRecord(ctx, record); err != nil {
		return Result{}, err
	}

	return Result{BundleID: bundleID, StoragePath: finalPath, Manifest: manifest}, nil
}

func (b *Builder) gather(ctx context.Context, scope Scope) ([]storage.Entity, []storage.Edge, []storage.Alert, error) {
	entities, err := b.cfg.Store.EntitiesForIncident(ctx, scope.IncidentID)
	if err != nil {
		return nil, nil, nil, err
	}
	edges, err := b.cfg.Store.EdgesForIncident(ctx, scope.IncidentID)
	if err != nil {
		return nil, nil, nil, err
	}
	alerts, err := b.cfg.Store.AlertsForIncident(ctx, scope.IncidentID)
	if err != nil {
		return nil, nil, nil, err
	}

	if len(scope.Entities) > 0 {
		allow := make(map[string]bool, len(scope.Entities))
		for _, id := range scope.Entities {
			allow[id] = true
		}
		entities = filterEntities(entities, allow)
		edges = filterEdges(edges, allow)
		alerts = filterAlerts(alerts, allow)
	}
	if !scope.Since.IsZero() {
		entities = filterEntitiesSince(entities, scope.Since)
	}
	return entities, edges, alerts, nil
}

func filterEntities(entities []storage.Entity, allow map[string]bool) []storage.Entity {
	out := entities[:0:0]
	for _, e := range entities {
		if allow[e.ID] {
			out = append(out, e)
		}
	}
	return out
}

func filterEdges(edges []storage.Edge, allow map[string]bool) []storage.Edge {
	out := edges[:0:0]
	for _, e := range edges {
		if allow[e.SrcID] && allow[e.DstID] {
			out = append(out, e)
		}
	}
	return out
}

func filterAlerts(alerts []storage.Alert, allow map[string]bool) []storage.Alert {
	out := alerts[:0:0]
	for _, a := range alerts {
		for _, eid := range a.Entities {
			if allow[eid] {
				out = append(out, a)
				break
			}
		}
	}
	return out
}

func filterEntitiesSince(entities []storage.Entity, since time.Time) []storage.Entity {
	out := entities[:0:0]
	for _, e := range entities {
		if !e.LastSeen.Before(since) {
			out = append(out, e)
		}
	}
	return out
}

// writeNDJSON streams a slice of records as newline-delimited JSON through
// a chunkedWriter, so the contract ("no file read twice to hash") holds
// for the metadata streams exactly as it does for artifacts.
func writeNDJSON[T any](dir, name string, chunkSize int64, records []T) ([]integrity.ManifestEntry, error) {
	w, err := newChunkedWriter(dir, name, chunkSize)
	if err != nil {
		return nil, err
	}
	enc := json.NewEncoder(w)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return nil, fmt.Errorf("%w: encode %s record: %v", integrity.ErrFatal, name, err)
		}
	}
	return w.Close()
}

// writeArtifacts streams every entity's referenced artifact, if any, into
// the scratch directory's artifacts/ subtree.
func (b *Builder) writeArtifacts(ctx context.Context, dir string, entities []storage.Entity) ([]integrity.ManifestEntry, error) {
	if b.cfg.Artifacts == nil {
		return nil, nil
	}
	artifactsDir := filepath.Join(dir, "artifacts")
	if err := os.MkdirAll(artifactsDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: mkdir artifacts: %v", integrity.ErrFatal, err)
	}

	var entries []integrity.ManifestEntry
	for _, e := range entities {
		rc, _, found, err := b.cfg.Artifacts.Open(ctx, e.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: open artifact for %s: %v", integrity.ErrUnavailable, e.ID, err)
		}
		if !found {
			continue
		}
		logicalName := filepath.Join("artifacts", e.ID)
		w, err := newChunkedWriter(dir, logicalName, b.cfg.ChunkSize)
		if err != nil {
			rc.Close()
			return nil, err
		}
		buf := make([]byte, copyBlockSize)
		_, copyErr := io.CopyBuffer(w, rc, buf)
		closeErr := rc.Close()
		if copyErr != nil {
			return nil, fmt.Errorf("%w: copy artifact for %s: %v", integrity.ErrFatal, e.ID, copyErr)
		}
		if closeErr != nil {
			return nil, fmt.Errorf("%w: close artifact source for %s: %v", integrity.ErrFatal, e.ID, closeErr)
		}
		fileEntries, err := w.Close()
		if err != nil {
			return nil, err
		}
		entries = append(entries, fileEntries...)
	}
	return entries, nil
}

// writeArchive tars the scratch directory and compresses it, falling back
// from zstd to gzip if the encoder can't be constructed (§4.7 step 6).
func (b *Builder) writeArchive(scratchDir, destPath string) (string, error) {
	out, err := os.Create(destPath)
	if err != nil {
		return "", fmt.Errorf("%w: create archive: %v", integrity.ErrFatal, err)
	}
	defer out.Close()

	enc, compression := compressWithFallback(out, b.cfg.CompressionLevel)
	if compression == "gzip" && b.cfg.Log != nil {
		b.cfg.Log.Warn("zstd encoder unavailable, falling back to gzip")
	}
	tw := tar.NewWriter(enc)

	err = filepath.Walk(scratchDir, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(scratchDir, path)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("%w: write archive: %v", integrity.ErrFatal, err)
	}
	if err := tw.Close(); err != nil {
		return "", fmt.Errorf("%w: close tar writer: %v", integrity.ErrFatal, err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("%w: close compressor: %v", integrity.ErrFatal, err)
	}
	return compression, nil
}
