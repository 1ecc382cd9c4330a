package alerts

import (
	"context"
	"fmt"
	"time"

	"github.com/ransomeye/drc/internal/clock"
	"github.com/ransomeye/drc/internal/events"
	"github.com/ransomeye/drc/internal/integrity"
	"github.com/ransomeye/drc/internal/logging"
	"github.com/ransomeye/drc/internal/storage"
)

// alertStore is the subset of *storage.DB the engine needs, narrowed so
// tests can substitute a fake.
type alertStore interface {
	FindByDedupKey(ctx context.Context, dedupKey string, window time.Duration) (*storage.Alert, error)
	BumpAlert(ctx context.Context, alertID, eventID string) error
	CreateAlert(ctx context.Context, a storage.Alert) error
}

// Engine runs the §4.5 admission pipeline: normalize, policy match, dedup,
// emit.
type Engine struct {
	policies *PolicyStore
	store    alertStore
	bus      *events.Bus
	log      *logging.Logger
	clk      clock.Clock
	extra    map[storage.EventKind][]FieldExtractor
}

// NewEngine constructs an Engine. extra may be nil to use only the
// built-in extraction table.
func NewEngine(policies *PolicyStore, store alertStore, bus *events.Bus, log *logging.Logger, clk clock.Clock, extra map[storage.EventKind][]FieldExtractor) *Engine {
	return &Engine{policies: policies, store: store, bus: bus, log: log, clk: clk, extra: extra}
}

// AdmitResult reports what the pipeline did with an event.
type AdmitResult struct {
	Admitted bool
	AlertID  string
	Bumped   bool // true if an existing alert's hit counter was incremented instead
}

// Admit runs one event through normalize -> policy match -> dedup -> emit.
func (e *Engine) Admit(ctx context.Context, eventID string, kind storage.EventKind, payload map[string]any) (AdmitResult, error) {
	entities := ExtractEntities(kind, payload, e.extra)
	if len(entities) == 0 && kind != storage.EventKindIntegrity {
		return AdmitResult{}, ErrNoEntities
	}

	rule := e.matchPolicy(kind, payload, entities)
	if rule == nil {
		return AdmitResult{}, nil // no policy fired; not an error, just no alert
	}

	entityIDs := make([]string, len(entities))
	for i, en := range entities {
		entityIDs[i] = en.ID
	}
	dedupKey, err := DedupKey(rule.ID(), entityIDs, rule.DedupBucket().String())
	if err != nil {
		return AdmitResult{}, fmt.Errorf("%w: compute dedup key: %v", integrity.ErrFatal, err)
	}

	existing, err := e.store.FindByDedupKey(ctx, dedupKey, rule.DedupBucket())
	if err != nil {
		return AdmitResult{}, err
	}
	if existing != nil {
		if err := e.store.BumpAlert(ctx, existing.AlertID, eventID); err != nil {
			return AdmitResult{}, err
		}
		return AdmitResult{Admitted: true, AlertID: existing.AlertID, Bumped: true}, nil
	}

	id, err := integrity.NewULIDAt(e.clk.Now())
	if err != nil {
		return AdmitResult{}, fmt.Errorf("%w: generate alert id: %v", integrity.ErrFatal, err)
	}
	alertID := id.String()
	alert := storage.Alert{
		AlertID:      alertID,
		PolicyID:     rule.ID(),
		Severity:     rule.Severity(),
		SourceEvents: []string{eventID},
		Entities:     entityIDs,
		Status:       storage.AlertOpen,
		DedupKey:     dedupKey,
		HitCount:     1,
	}
	if err := e.store.CreateAlert(ctx, alert); err != nil {
		return AdmitResult{}, err
	}

	if e.bus != nil {
		e.bus.Publish(events.Notification{
			Kind:      events.KindAlertCreated,
			AlertID:   alertID,
			Message:   rule.ID(),
			Timestamp: e.clk.Now(),
		})
	}
	return AdmitResult{Admitted: true, AlertID: alertID}, nil
}

func (e *Engine) matchPolicy(kind storage.EventKind, payload map[string]any, entities []NormalizedEntity) *Rule {
	ctx := matchContext{Kind: kind, Payload: payload, Entities: entities}
	for _, rule := range e.policies.Active().Rules() {
		if rule.Match(ctx) {
			return rule
		}
	}
	return nil
}
