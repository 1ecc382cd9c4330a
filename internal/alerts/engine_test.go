package alerts

import (
	"context"
	"testing"
	"time"

	"github.com/ransomeye/drc/internal/clock"
	"github.com/ransomeye/drc/internal/events"
	"github.com/ransomeye/drc/internal/logging"
	"github.com/ransomeye/drc/internal/storage"
)

type fakeAlertStore struct {
	byDedupKey map[string]*storage.Alert
	created    []storage.Alert
	bumped     []string
}

func newFakeAlertStore() *fakeAlertStore {
	return &fakeAlertStore{byDedupKey: make(map[string]*storage.Alert)}
}

func (f *fakeAlertStore) FindByDedupKey(ctx context.Context, dedupKey string, window time.Duration) (*storage.Alert, error) {
	return f.byDedupKey[dedupKey], nil
}

func (f *fakeAlertStore) BumpAlert(ctx context.Context, alertID, eventID string) error {
	f.bumped = append(f.bumped, alertID)
	return nil
}

func (f *fakeAlertStore) CreateAlert(ctx context.Context, a storage.Alert) error {
	f.created = append(f.created, a)
	f.byDedupKey[a.DedupKey] = &a
	return nil
}

func newTestEngine(t *testing.T, bundle string) (*Engine, *fakeAlertStore) {
	t.Helper()
	ps, err := compilePolicySet([]byte(bundle))
	if err != nil {
		t.Fatalf("compilePolicySet: %v", err)
	}
	store := &PolicyStore{}
	store.current.Store(ps)
	fs := newFakeAlertStore()
	return NewEngine(store, fs, events.New(), logging.New(false), clock.Real{}, nil), fs
}

func TestEngineAdmitCreatesAlert(t *testing.T) {
	e, fs := newTestEngine(t, testBundle)
	res, err := e.Admit(context.Background(), "event-1", storage.EventKindFile, map[string]any{"path": "/x/y.encrypted", "host": "h1"})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if !res.Admitted || res.Bumped {
		t.Fatalf("expected a fresh alert, got %+v", res)
	}
	if len(fs.created) != 1 {
		t.Fatalf("expected one alert created, got %d", len(fs.created))
	}
	if fs.created[0].PolicyID != "ransomware-note" {
		t.Fatalf("expected ransomware-note policy to fire, got %s", fs.created[0].PolicyID)
	}
}

func TestEngineAdmitDedupsSecondEvent(t *testing.T) {
	e, fs := newTestEngine(t, testBundle)
	payload := map[string]any{"path": "/x/y.encrypted", "host": "h1"}
	if _, err := e.Admit(context.Background(), "event-1", storage.EventKindFile, payload); err != nil {
		t.Fatalf("Admit 1: %v", err)
	}
	res, err := e.Admit(context.Background(), "event-2", storage.EventKindFile, payload)
	if err != nil {
		t.Fatalf("Admit 2: %v", err)
	}
	if !res.Bumped {
		t.Fatal("expected second identical event to bump the existing alert")
	}
	if len(fs.created) != 1 {
		t.Fatalf("expected only one alert ever created, got %d", len(fs.created))
	}
	if len(fs.bumped) != 1 {
		t.Fatalf("expected one bump, got %d", len(fs.bumped))
	}
}

func TestEngineAdmitRejectsEntitylessNonIntegrityEvent(t *testing.T) {
	e, _ := newTestEngine(t, testBundle)
	_, err := e.Admit(context.Background(), "event-1", storage.EventKindFile, map[string]any{})
	if err == nil {
		t.Fatal("expected error for an event with no extractable entities")
	}
}

func TestEngineAdmitAllowsEmptyEntitiesForIntegrityKind(t *testing.T) {
	e, fs := newTestEngine(t, testBundle)
	res, err := e.Admit(context.Background(), "event-1", storage.EventKindIntegrity, map[string]any{})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if !res.Admitted {
		t.Fatal("expected catch-all policy to admit an integrity event")
	}
	if len(fs.created) != 1 {
		t.Fatalf("expected one alert created, got %d", len(fs.created))
	}
}
