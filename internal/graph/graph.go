package graph

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ransomeye/drc/internal/alerts"
	"github.com/ransomeye/drc/internal/clock"
	"github.com/ransomeye/drc/internal/events"
	"github.com/ransomeye/drc/internal/integrity"
	"github.com/ransomeye/drc/internal/logging"
	"github.com/ransomeye/drc/internal/storage"
)

// store is the subset of *storage.DB the graph needs, narrowed for tests.
type store interface {
	UpsertEntity(ctx context.Context, e storage.Entity) error
	UpsertEdge(ctx context.Context, e storage.Edge) error
	EntityIncident(ctx context.Context, entityID string) (string, error)
	AssignEntityIncident(ctx context.Context, entityID, incidentID string) error
	AssignAlertIncident(ctx context.Context, alertID, incidentID string) error
	IncidentsTouching(ctx context.Context, entityIDs []string) ([]string, error)
	CreateIncident(ctx context.Context, incidentID string, now time.Time) error
	TouchIncident(ctx context.Context, incidentID string, now time.Time) error
	GetIncident(ctx context.Context, incidentID string) (storage.Incident, error)
	MergeIncidents(ctx context.Context, survivor string, absorbed []string, now time.Time) error
}

// scoreEnqueuer is the narrow slice of scorer.Hook the graph depends on.
type scoreEnqueuer interface {
	Enqueue(incidentID string)
}

// Engine runs the §4.6 incremental correlation-graph construction.
type Engine struct {
	store store
	cache *Cache
	hook  scoreEnqueuer
	bus   *events.Bus
	clk   clock.Clock
	log   *logging.Logger
}

// NewEngine builds an Engine. cache and hook may be nil: a nil cache
// degrades to always-miss (every lookup hits storage); a nil hook simply
// skips scoring.
func NewEngine(store store, cache *Cache, hook scoreEnqueuer, bus *events.Bus, clk clock.Clock, log *logging.Logger) *Engine {
	return &Engine{store: store, cache: cache, hook: hook, bus: bus, clk: clk, log: log}
}

// Process runs one admitted alert's entities through extraction (already
// done by the caller), upsert, component lookup, and create/append/merge
// (§4.6 steps 2-4), returning the incident id the alert now belongs to.
func (e *Engine) Process(ctx context.Context, alertID string, entities []alerts.NormalizedEntity) (string, error) {
	now := e.clk.Now()

	for _, en := range entities {
		if err := e.store.UpsertEntity(ctx, storage.Entity{
			ID:        en.ID,
			Type:      en.Type,
			Value:     en.Value,
			Label:     en.Label,
			FirstSeen: now,
			LastSeen:  now,
		}); err != nil {
			return "", err
		}
	}

	for _, edge := range pairwiseEdges(entities, now) {
		if err := e.store.UpsertEdge(ctx, edge); err != nil {
			return "", err
		}
	}

	entityIDs := make([]string, len(entities))
	for i, en := range entities {
		entityIDs[i] = en.ID
	}

	incidentID, err := e.resolveIncident(ctx, entityIDs, now)
	if err != nil {
		return "", err
	}

	for _, id := range entityIDs {
		if err := e.store.AssignEntityIncident(ctx, id, incidentID); err != nil {
			return "", err
		}
		e.cache.Invalidate(ctx, id)
		e.cache.Set(ctx, id, incidentID)
	}

	if alertID != "" {
		if err := e.store.AssignAlertIncident(ctx, alertID, incidentID); err != nil {
			return "", err
		}
	}

	if e.bus != nil {
		e.bus.Publish(events.Notification{
			Kind:       events.KindIncidentMerged,
			IncidentID: incidentID,
			AlertID:    alertID,
			Timestamp:  now,
		})
	}
	if e.hook != nil {
		e.hook.Enqueue(incidentID)
	}
	return incidentID, nil
}

// resolveIncident implements §4.6 step 4: create, append, or merge
// depending on how many distinct incidents already touch entityIDs.
func (e *Engine) resolveIncident(ctx context.Context, entityIDs []string, now time.Time) (string, error) {
	touching, err := e.store.IncidentsTouching(ctx, entityIDs)
	if err != nil {
		return "", err
	}

	switch len(touching) {
	case 0:
		id, err := integrity.NewULIDAt(now)
		if err != nil {
			return "", fmt.Errorf("%w: generate incident id: %v", integrity.ErrFatal, err)
		}
		incidentID := id.String()
		if err := e.store.CreateIncident(ctx, incidentID, now); err != nil {
			return "", err
		}
		return incidentID, nil
	case 1:
		if err := e.store.TouchIncident(ctx, touching[0], now); err != nil {
			return "", err
		}
		return touching[0], nil
	default:
		survivor, absorbed, err := e.chooseSurvivor(ctx, touching)
		if err != nil {
			return "", err
		}
		if err := e.store.MergeIncidents(ctx, survivor, absorbed, now); err != nil {
			return "", err
		}
		for _, id := range absorbed {
			if e.bus != nil {
				e.bus.Publish(events.Notification{
					Kind:       events.KindIncidentMerged,
					IncidentID: survivor,
					Message:    "absorbed:" + id,
					Timestamp:  now,
				})
			}
		}
		return survivor, nil
	}
}

// chooseSurvivor picks the incident with the oldest first_seen, tiebreaking
// on the lexicographically smaller incident_id (§4.6 step 4).
func (e *Engine) chooseSurvivor(ctx context.Context, candidates []string) (survivor string, absorbed []string, err error) {
	type info struct {
		id        string
		firstSeen time.Time
	}
	infos := make([]info, 0, len(candidates))
	for _, id := range candidates {
		inc, err := e.store.GetIncident(ctx, id)
		if err != nil {
			return "", nil, err
		}
		infos = append(infos, info{id: id, firstSeen: inc.FirstSeen})
	}
	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].firstSeen.Equal(infos[j].firstSeen) {
			return infos[i].firstSeen.Before(infos[j].firstSeen)
		}
		return infos[i].id < infos[j].id
	})
	survivor = infos[0].id
	for _, inf := range infos[1:] {
		absorbed = append(absorbed, inf.id)
	}
	return survivor, absorbed, nil
}

// pairwiseEdges builds the canonicalized edge set X = {(a,b): a,b in E,
// a != b} for a single alert's entity set (§4.6 step 1).
func pairwiseEdges(entities []alerts.NormalizedEntity, now time.Time) []storage.Edge {
	var edges []storage.Edge
	for i := 0; i < len(entities); i++ {
		for j := i + 1; j < len(entities); j++ {
			src, dst := entities[i].ID, entities[j].ID
			if src == dst {
				continue
			}
			if src > dst {
				src, dst = dst, src
			}
			edges = append(edges, storage.Edge{
				SrcID:     src,
				DstID:     dst,
				Relation:  "co_occurrence",
				FirstSeen: now,
				LastSeen:  now,
			})
		}
	}
	return edges
}

// EntityIncident looks up the incident currently owning entityID, serving
// cached reads when available and populating the cache on a miss.
func (e *Engine) EntityIncident(ctx context.Context, entityID string) (string, error) {
	if id, found := e.cache.Get(ctx, entityID); found {
		return id, nil
	}
	id, err := e.store.EntityIncident(ctx, entityID)
	if err != nil {
		return "", err
	}
	e.cache.Set(ctx, entityID, id)
	return id, nil
}
