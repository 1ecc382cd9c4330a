package httpapi

import (
	"context"
	"fmt"
	"time"

	"github.com/ransomeye/drc/internal/alerts"
	"github.com/ransomeye/drc/internal/graph"
	"github.com/ransomeye/drc/internal/integrity"
	"github.com/ransomeye/drc/internal/storage"
)

// eventStore is the slice of *storage.DB the ingest path needs.
type eventStore interface {
	AdmitEvent(ctx context.Context, ev storage.Event, window time.Duration) (string, bool, error)
}

// Ingestor drives one event through admission (C1), alerting (C5), and
// correlation (C6), mirroring the pipeline a queue worker would run for
// replayed telemetry.
type Ingestor struct {
	Store   eventStore
	Alerts  *alerts.Engine
	Graph   *graph.Engine
	Window  time.Duration
}

// Receipt is returned to the caller of POST /events: proof the server
// admitted (or deduplicated) the event, signed so the agent can verify its
// telemetry was durably recorded (§3.1, §6.1).
type Receipt struct {
	EventID    string `json:"event_id"`
	BodySHA256 string `json:"body_sha256"`
	ServerTS   int64  `json:"server_ts"`
	Duplicate  bool   `json:"duplicate"`
}

// Ingest admits ev, then if it is fresh (not a dedup hit) runs it through
// the alert and correlation engines. A duplicate event never re-triggers
// alerting, matching the at-least-once delivery contract in §3.1.
func (in *Ingestor) Ingest(ctx context.Context, ev storage.Event) (eventID string, duplicate bool, err error) {
	eventID, duplicate, err = in.Store.AdmitEvent(ctx, ev, in.Window)
	if err != nil {
		return "", false, err
	}
	if duplicate || in.Alerts == nil {
		return eventID, duplicate, nil
	}

	res, err := in.Alerts.Admit(ctx, eventID, ev.Kind, ev.Payload)
	if err != nil && err != alerts.ErrNoEntities {
		return eventID, duplicate, fmt.Errorf("%w: admit alert: %v", integrity.ErrFatal, err)
	}
	if !res.Admitted || in.Graph == nil {
		return eventID, duplicate, nil
	}

	entities := alerts.ExtractEntities(ev.Kind, ev.Payload, nil)
	if len(entities) == 0 {
		return eventID, duplicate, nil
	}
	if _, err := in.Graph.Process(ctx, res.AlertID, entities); err != nil {
		return eventID, duplicate, err
	}
	return eventID, duplicate, nil
}
