package rehydrate

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ransomeye/drc/internal/bundler"
	"github.com/ransomeye/drc/internal/clock"
	"github.com/ransomeye/drc/internal/integrity"
	"github.com/ransomeye/drc/internal/logging"
	"github.com/ransomeye/drc/internal/storage"
)

// fakeBundlerStore satisfies bundler's internal store interface so a test
// bundle can be built without a live Postgres.
type fakeBundlerStore struct {
	entities []storage.Entity
	edges    []storage.Edge
	alerts   []storage.Alert
}

func (f *fakeBundlerStore) EntitiesForIncident(ctx context.Context, incidentID string) ([]storage.Entity, error) {
	return f.entities, nil
}

func (f *fakeBundlerStore) EdgesForIncident(ctx context.Context, incidentID string) ([]storage.Edge, error) {
	return f.edges, nil
}

func (f *fakeBundlerStore) AlertsForIncident(ctx context.Context, incidentID string) ([]storage.Alert, error) {
	return f.alerts, nil
}

func (f *fakeBundlerStore) CreateBundleRecord(ctx context.Context, b storage.BundleRecord) error {
	return nil
}

// fakeRehydrateStore is an in-memory stand-in for storage, recording every
// mutation so tests can assert convergence and idempotency.
type fakeRehydrateStore struct {
	entities      map[string]storage.Entity
	edges         map[string]storage.Edge
	alerts        map[string]storage.Alert
	entityIncident map[string]string
	alertIncident  map[string]string
	incidents      map[string]storage.Incident
}

func newFakeRehydrateStore() *fakeRehydrateStore {
	return &fakeRehydrateStore{
		entities:       map[string]storage.Entity{},
		edges:          map[string]storage.Edge{},
		alerts:         map[string]storage.Alert{},
		entityIncident: map[string]string{},
		alertIncident:  map[string]string{},
		incidents:      map[string]storage.Incident{},
	}
}

func (f *fakeRehydrateStore) UpsertEntity(ctx context.Context, e storage.Entity) error {
	f.entities[e.ID] = e
	return nil
}

func (f *fakeRehydrateStore) UpsertEdge(ctx context.Context, e storage.Edge) error {
	f.edges[e.SrcID+"|"+e.DstID+"|"+e.Relation] = e
	return nil
}

func (f *fakeRehydrateStore) UpsertAlert(ctx context.Context, a storage.Alert) error {
	if _, exists := f.alerts[a.AlertID]; exists {
		return nil
	}
	f.alerts[a.AlertID] = a
	return nil
}

func (f *fakeRehydrateStore) AssignEntityIncident(ctx context.Context, entityID, incidentID string) error {
	f.entityIncident[entityID] = incidentID
	return nil
}

func (f *fakeRehydrateStore) AssignAlertIncident(ctx context.Context, alertID, incidentID string) error {
	f.alertIncident[alertID] = incidentID
	return nil
}

func (f *fakeRehydrateStore) GetIncident(ctx context.Context, incidentID string) (storage.Incident, error) {
	inc, ok := f.incidents[incidentID]
	if !ok {
		return storage.Incident{}, errors.New("not found")
	}
	return inc, nil
}

func (f *fakeRehydrateStore) CreateIncident(ctx context.Context, incidentID string, now time.Time) error {
	f.incidents[incidentID] = storage.Incident{IncidentID: incidentID, FirstSeen: now, LastSeen: now}
	return nil
}

func (f *fakeRehydrateStore) TouchIncident(ctx context.Context, incidentID string, now time.Time) error {
	inc := f.incidents[incidentID]
	inc.LastSeen = now
	f.incidents[incidentID] = inc
	return nil
}

func TestRehydrateAppliesBundleContents(t *testing.T) {
	now := time.Now()
	entities := []storage.Entity{
		{ID: "ent-a", Type: storage.EntityHost, Value: "host-a", Label: "host-a", FirstSeen: now, LastSeen: now},
		{ID: "ent-b", Type: storage.EntityIP, Value: "10.0.0.1", Label: "10.0.0.1", FirstSeen: now, LastSeen: now},
	}
	edges := []storage.Edge{
		{SrcID: "ent-a", DstID: "ent-b", Relation: "co_occurrence", FirstSeen: now, LastSeen: now},
	}
	alerts := []storage.Alert{
		{AlertID: "alert-1", PolicyID: "p1", Severity: storage.SeverityHigh, Entities: []string{"ent-a", "ent-b"}, Status: storage.AlertOpen, DedupKey: "d1", HitCount: 1, CreatedAt: now, UpdatedAt: now},
	}

	signingKey, err := integrity.GenerateSigningKey()
	if err != nil {
		t.Fatalf("GenerateSigningKey: %v", err)
	}

	bStore := &fakeBundlerStore{entities: entities, edges: edges, alerts: alerts}
	b, err := bundler.NewBuilder(bundler.Config{
		Store:       bStore,
		PrivateKey:  signingKey,
		Clock:       clock.Real{},
		Log:         logging.New(false),
		ScratchRoot: t.TempDir(),
		BundleDir:   filepath.Join(t.TempDir(), "bundles"),
		ChunkSize:   8 << 20,
		NodeID:      "node-1",
	})
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	built, err := b.Build(context.Background(), bundler.Scope{IncidentID: "incident-1"}, "")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	rStore := newFakeRehydrateStore()
	r, err := NewRehydrator(Config{
		Store:     rStore,
		PublicKey: &signingKey.PublicKey,
		Clock:     clock.Real{},
		Log:       logging.New(false),
	})
	if err != nil {
		t.Fatalf("NewRehydrator: %v", err)
	}

	res, err := r.Rehydrate(context.Background(), built.StoragePath)
	if err != nil {
		t.Fatalf("Rehydrate: %v", err)
	}
	if res.EntityCount != 2 || res.EdgeCount != 1 || res.AlertCount != 1 {
		t.Fatalf("unexpected result counts: %+v", res)
	}
	if rStore.entityIncident["ent-a"] != "incident-1" || rStore.entityIncident["ent-b"] != "incident-1" {
		t.Fatalf("expected both entities assigned to incident-1, got %+v", rStore.entityIncident)
	}
	if rStore.alertIncident["alert-1"] != "incident-1" {
		t.Fatalf("expected alert-1 assigned to incident-1, got %+v", rStore.alertIncident)
	}
	if _, ok := rStore.edges["ent-a|ent-b|co_occurrence"]; !ok {
		t.Fatal("expected the co_occurrence edge to be upserted")
	}

	// Rehydrating the same bundle again must be a no-op on top of the
	// existing state (idempotency, §4.8).
	res2, err := r.Rehydrate(context.Background(), built.StoragePath)
	if err != nil {
		t.Fatalf("second Rehydrate: %v", err)
	}
	if res2.EntityCount != 2 || res2.EdgeCount != 1 || res2.AlertCount != 1 {
		t.Fatalf("unexpected second-run result counts: %+v", res2)
	}
	if len(rStore.entities) != 2 || len(rStore.alerts) != 1 || len(rStore.edges) != 1 {
		t.Fatalf("expected no duplication after replay: entities=%d alerts=%d edges=%d",
			len(rStore.entities), len(rStore.alerts), len(rStore.edges))
	}
}

func TestRehydrateRejectsBadSignature(t *testing.T) {
	now := time.Now()
	entities := []storage.Entity{
		{ID: "ent-a", Type: storage.EntityHost, Value: "host-a", Label: "host-a", FirstSeen: now, LastSeen: now},
	}
	signingKey, err := integrity.GenerateSigningKey()
	if err != nil {
		t.Fatalf("GenerateSigningKey: %v", err)
	}
	otherKey, err := integrity.GenerateSigningKey()
	if err != nil {
		t.Fatalf("GenerateSigningKey: %v", err)
	}

	bStore := &fakeBundlerStore{entities: entities, alerts: []storage.Alert{{AlertID: "a1", PolicyID: "p", Status: storage.AlertOpen, DedupKey: "d", HitCount: 1, CreatedAt: now, UpdatedAt: now}}}
	b, err := bundler.NewBuilder(bundler.Config{
		Store:       bStore,
		PrivateKey:  signingKey,
		Clock:       clock.Real{},
		Log:         logging.New(false),
		ScratchRoot: t.TempDir(),
		BundleDir:   filepath.Join(t.TempDir(), "bundles"),
		NodeID:      "node-1",
	})
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	built, err := b.Build(context.Background(), bundler.Scope{IncidentID: "incident-1"}, "")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	r, err := NewRehydrator(Config{
		Store:     newFakeRehydrateStore(),
		PublicKey: &otherKey.PublicKey,
		Clock:     clock.Real{},
		Log:       logging.New(false),
	})
	if err != nil {
		t.Fatalf("NewRehydrator: %v", err)
	}

	if _, err := r.Rehydrate(context.Background(), built.StoragePath); !errors.Is(err, integrity.ErrSignature) {
		t.Fatalf("expected ErrSignature, got %v", err)
	}
}

func TestRehydrateRejectsTamperedArchive(t *testing.T) {
	now := time.Now()
	entities := []storage.Entity{
		{ID: "ent-a", Type: storage.EntityHost, Value: "host-a", Label: "host-a", FirstSeen: now, LastSeen: now},
	}
	signingKey, err := integrity.GenerateSigningKey()
	if err != nil {
		t.Fatalf("GenerateSigningKey: %v", err)
	}

	bStore := &fakeBundlerStore{entities: entities, alerts: []storage.Alert{{AlertID: "a1", PolicyID: "p", Status: storage.AlertOpen, DedupKey: "d", HitCount: 1, CreatedAt: now, UpdatedAt: now}}}
	b, err := bundler.NewBuilder(bundler.Config{
		Store:       bStore,
		PrivateKey:  signingKey,
		Clock:       clock.Real{},
		Log:         logging.New(false),
		ScratchRoot: t.TempDir(),
		BundleDir:   filepath.Join(t.TempDir(), "bundles"),
		NodeID:      "node-1",
	})
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	built, err := b.Build(context.Background(), bundler.Scope{IncidentID: "incident-1"}, "")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	body, err := os.ReadFile(built.StoragePath)
	if err != nil {
		t.Fatalf("read archive for tampering: %v", err)
	}
	if len(body) < 10 {
		t.Fatalf("archive too small to tamper: %d bytes", len(body))
	}
	body[len(body)/2] ^= 0xFF
	if err := os.WriteFile(built.StoragePath, body, 0o644); err != nil {
		t.Fatalf("write tampered archive: %v", err)
	}

	r, err := NewRehydrator(Config{
		Store:     newFakeRehydrateStore(),
		PublicKey: &signingKey.PublicKey,
		Clock:     clock.Real{},
		Log:       logging.New(false),
	})
	if err != nil {
		t.Fatalf("NewRehydrator: %v", err)
	}
	if _, err := r.Rehydrate(context.Background(), built.StoragePath); err == nil {
		t.Fatal("expected tampered archive to fail verification")
	}
}
