package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ransomeye/drc/internal/integrity"
)

// AdmitEvent inserts an event unless a prior event from the same agent
// with the same fingerprint was received within window (§3.1 dedup
// invariant). Returns the admitted event's id (which is ev.EventID on a
// fresh insert, or the id of the earlier duplicate) and whether it was a
// duplicate.
func (db *DB) AdmitEvent(ctx context.Context, ev Event, window time.Duration) (eventID string, duplicate bool, err error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return "", false, fmt.Errorf("%w: marshal payload: %v", integrity.ErrValidation, err)
	}

	tx, err := db.DB.BeginTxx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("%w: begin tx: %v", integrity.ErrUnavailable, err)
	}
	defer tx.Rollback()

	var existingID string
	cutoff := time.UnixMilli(ev.ReceivedAt).Add(-window)
	err = tx.GetContext(ctx, &existingID, `
		SELECT event_id FROM events
		WHERE agent_id = $1 AND fingerprint = $2
		  AND received_at >= $3
		ORDER BY received_at ASC
		LIMIT 1`,
		ev.AgentID, ev.Fingerprint, cutoff.UnixMilli(),
	)
	switch {
	case err == nil:
		return existingID, true, tx.Commit()
	case errors.Is(err, sql.ErrNoRows):
		// fall through to insert
	default:
		return "", false, fmt.Errorf("%w: dedup lookup: %v", integrity.ErrUnavailable, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (event_id, agent_id, tenant_id, occurred_at, received_at, kind, payload, fingerprint)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ev.EventID, ev.AgentID, ev.TenantID, ev.OccurredAt, ev.ReceivedAt, ev.Kind, payload, ev.Fingerprint,
	)
	if err != nil {
		return "", false, fmt.Errorf("%w: insert event: %v", integrity.ErrUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("%w: commit: %v", integrity.ErrUnavailable, err)
	}
	return ev.EventID, false, nil
}

// GetEvent fetches a single event by id.
func (db *DB) GetEvent(ctx context.Context, eventID string) (Event, error) {
	var ev Event
	err := db.DB.GetContext(ctx, &ev, `
		SELECT event_id, agent_id, tenant_id, occurred_at, received_at, kind, payload, fingerprint
		FROM events WHERE event_id = $1`, eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, fmt.Errorf("%w: event %s not found", integrity.ErrValidation, eventID)
	}
	if err != nil {
		return Event{}, fmt.Errorf("%w: get event: %v", integrity.ErrUnavailable, err)
	}
	if len(ev.PayloadJSON) > 0 {
		_ = json.Unmarshal(ev.PayloadJSON, &ev.Payload)
	}
	return ev, nil
}
