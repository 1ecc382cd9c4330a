package scorer

import (
	"context"
	"errors"
	"time"

	"github.com/ransomeye/drc/internal/clock"
	"github.com/ransomeye/drc/internal/integrity"
	"github.com/ransomeye/drc/internal/logging"
)

// FeatureProvider computes the current feature vector for an incident.
// cmd/drc implements this over storage's ComputeIncidentFeatures.
type FeatureProvider interface {
	IncidentFeatures(ctx context.Context, incidentID string) (Features, error)
}

// ScoreStore persists a freshly computed score, enforcing the monotonic
// scored_at invariant (§4.6) itself.
type ScoreStore interface {
	UpdateIncidentScore(ctx context.Context, incidentID string, score float64, scoredAt time.Time) error
}

// Hook enqueues incidents for scoring and applies results as they
// complete, asynchronously and without blocking the mutation path that
// triggered them (§4.6 "Scoring hook").
type Hook struct {
	scorer   Scorer
	features FeatureProvider
	store    ScoreStore
	clk      clock.Clock
	log      *logging.Logger
	queue    chan string
	done     chan struct{}
}

// NewHook builds a Hook with a bounded backlog; a full backlog drops the
// oldest pending request rather than blocking the caller, since a scoring
// request is idempotent to re-derive from current graph state.
func NewHook(s Scorer, fp FeatureProvider, store ScoreStore, clk clock.Clock, log *logging.Logger, backlog int) *Hook {
	if backlog <= 0 {
		backlog = 256
	}
	return &Hook{
		scorer:   s,
		features: fp,
		store:    store,
		clk:      clk,
		log:      log,
		queue:    make(chan string, backlog),
		done:     make(chan struct{}),
	}
}

// Enqueue schedules incidentID for (re)scoring. Non-blocking: if the
// backlog is full, the oldest pending request is dropped to make room.
func (h *Hook) Enqueue(incidentID string) {
	select {
	case h.queue <- incidentID:
	default:
		select {
		case <-h.queue:
		default:
		}
		select {
		case h.queue <- incidentID:
		default:
			h.log.Warn("scoring backlog full, dropping request", "incident_id", incidentID)
		}
	}
}

// Run processes the queue until ctx is cancelled.
func (h *Hook) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			return
		case incidentID := <-h.queue:
			h.scoreOne(ctx, incidentID)
		}
	}
}

func (h *Hook) scoreOne(ctx context.Context, incidentID string) {
	f, err := h.features.IncidentFeatures(ctx, incidentID)
	if err != nil {
		h.log.Warn("compute incident features failed", "incident_id", incidentID, "error", err)
		return
	}
	res, err := h.scorer.Score(ctx, f)
	if err != nil {
		h.log.Warn("scorer request failed", "incident_id", incidentID, "error", err)
		return
	}
	if err := h.store.UpdateIncidentScore(ctx, incidentID, res.Score, h.clk.Now()); err != nil {
		if errors.Is(err, integrity.ErrConflict) {
			return // a newer score already landed; not an error
		}
		h.log.Warn("persist incident score failed", "incident_id", incidentID, "error", err)
	}
}
