package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ransomeye/drc/internal/integrity"
)

// FindByDedupKey looks up the alert sharing dedupKey, whatever its status,
// whose updated_at falls within window, for the suppression check in
// §3.2/§6.2.
func (db *DB) FindByDedupKey(ctx context.Context, dedupKey string, window time.Duration) (*Alert, error) {
	var a Alert
	err := db.DB.GetContext(ctx, &a, `
		SELECT alert_id, policy_id, severity, status, dedup_key, hit_count, created_at, updated_at
		FROM alerts
		WHERE dedup_key = $1 AND updated_at >= $2`,
		dedupKey, time.Now().Add(-window),
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: find by dedup key: %v", integrity.ErrUnavailable, err)
	}
	return &a, nil
}

// BumpAlert increments hit_count on a suppressed duplicate and appends the
// new source event, without changing status (§3.2).
func (db *DB) BumpAlert(ctx context.Context, alertID, eventID string) error {
	tx, err := db.DB.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", integrity.ErrUnavailable, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE alerts SET hit_count = hit_count + 1, updated_at = now() WHERE alert_id = $1`, alertID); err != nil {
		return fmt.Errorf("%w: bump hit count: %v", integrity.ErrUnavailable, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO alert_source_events (alert_id, event_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, alertID, eventID); err != nil {
		return fmt.Errorf("%w: link source event: %v", integrity.ErrUnavailable, err)
	}
	return tx.Commit()
}

// CreateAlert inserts a new alert together with its source-event and entity
// links (§3.2, §4.6 step 1).
func (db *DB) CreateAlert(ctx context.Context, a Alert) error {
	tx, err := db.DB.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", integrity.ErrUnavailable, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO alerts (alert_id, policy_id, severity, status, dedup_key, hit_count)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		a.AlertID, a.PolicyID, a.Severity, a.Status, a.DedupKey, a.HitCount,
	)
	if err != nil {
		return fmt.Errorf("%w: insert alert: %v", integrity.ErrUnavailable, err)
	}
	for _, eventID := range a.SourceEvents {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO alert_source_events (alert_id, event_id) VALUES ($1, $2)`, a.AlertID, eventID); err != nil {
			return fmt.Errorf("%w: link source event %s: %v", integrity.ErrUnavailable, eventID, err)
		}
	}
	for _, entityID := range a.Entities {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO alert_entities (alert_id, entity_id) VALUES ($1, $2)`, a.AlertID, entityID); err != nil {
			return fmt.Errorf("%w: link entity %s: %v", integrity.ErrUnavailable, entityID, err)
		}
	}
	return tx.Commit()
}

// GetAlert fetches an alert with its source events and entities populated.
func (db *DB) GetAlert(ctx context.Context, alertID string) (Alert, error) {
	var a Alert
	err := db.DB.GetContext(ctx, &a, `
		SELECT alert_id, policy_id, severity, status, dedup_key, hit_count, created_at, updated_at
		FROM alerts WHERE alert_id = $1`, alertID)
	if errors.Is(err, sql.ErrNoRows) {
		return Alert{}, fmt.Errorf("%w: alert %s not found", integrity.ErrValidation, alertID)
	}
	if err != nil {
		return Alert{}, fmt.Errorf("%w: get alert: %v", integrity.ErrUnavailable, err)
	}
	if err := db.DB.SelectContext(ctx, &a.SourceEvents, `
		SELECT event_id FROM alert_source_events WHERE alert_id = $1`, alertID); err != nil {
		return Alert{}, fmt.Errorf("%w: load source events: %v", integrity.ErrUnavailable, err)
	}
	if err := db.DB.SelectContext(ctx, &a.Entities, `
		SELECT entity_id FROM alert_entities WHERE alert_id = $1`, alertID); err != nil {
		return Alert{}, fmt.Errorf("%w: load entities: %v", integrity.ErrUnavailable, err)
	}
	return a, nil
}

// TransitionAlert moves an alert's status, enforcing the §4.5 FSM.
func (db *DB) TransitionAlert(ctx context.Context, alertID string, to AlertStatus) error {
	var from AlertStatus
	if err := db.DB.GetContext(ctx, &from, `SELECT status FROM alerts WHERE alert_id = $1`, alertID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: alert %s not found", integrity.ErrValidation, alertID)
		}
		return fmt.Errorf("%w: load alert status: %v", integrity.ErrUnavailable, err)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: alert %s cannot transition %s -> %s", integrity.ErrValidation, alertID, from, to)
	}
	_, err := db.DB.ExecContext(ctx, `
		UPDATE alerts SET status = $1, updated_at = now() WHERE alert_id = $2`, to, alertID)
	if err != nil {
		return fmt.Errorf("%w: transition alert: %v", integrity.ErrUnavailable, err)
	}
	return nil
}

// AlertEntityIDs returns the entity ids linked to an alert, used by the
// correlation graph to find which incidents an alert touches (§4.6).
func (db *DB) AlertEntityIDs(ctx context.Context, alertID string) ([]string, error) {
	var ids []string
	err := db.DB.SelectContext(ctx, &ids, `SELECT entity_id FROM alert_entities WHERE alert_id = $1`, alertID)
	if err != nil {
		return nil, fmt.Errorf("%w: alert entity ids: %v", integrity.ErrUnavailable, err)
	}
	return ids, nil
}

// AlertFilter narrows a ListAlerts query. Zero values are "no filter".
// After is a keyset cursor: the alert_id to page after, ordered by
// created_at, alert_id (§6.1 GET /alerts pagination).
type AlertFilter struct {
	Status   AlertStatus
	Severity *Severity
	After    string
	Limit    int
}

// ListAlerts returns alerts matching filter, most recently created first,
// bounded by filter.Limit (default 50, max 500).
func (db *DB) ListAlerts(ctx context.Context, filter AlertFilter) ([]Alert, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	query := `SELECT alert_id, policy_id, severity, status, dedup_key, hit_count, created_at, updated_at FROM alerts WHERE 1=1`
	args := []any{}
	argN := 0
	next := func(v any) string {
		argN++
		args = append(args, v)
		return fmt.Sprintf("$%d", argN)
	}
	if filter.Status != "" {
		query += " AND status = " + next(filter.Status)
	}
	if filter.Severity != nil {
		query += " AND severity = " + next(*filter.Severity)
	}
	if filter.After != "" {
		query += ` AND (created_at, alert_id) < (
			SELECT created_at, alert_id FROM alerts WHERE alert_id = ` + next(filter.After) + `)`
	}
	query += " ORDER BY created_at DESC, alert_id DESC LIMIT " + next(limit)

	var alerts []Alert
	if err := db.DB.SelectContext(ctx, &alerts, query, args...); err != nil {
		return nil, fmt.Errorf("%w: list alerts: %v", integrity.ErrUnavailable, err)
	}
	for i := range alerts {
		if err := db.DB.SelectContext(ctx, &alerts[i].SourceEvents, `
			SELECT event_id FROM alert_source_events WHERE alert_id = $1`, alerts[i].AlertID); err != nil {
			return nil, fmt.Errorf("%w: alert %s source events: %v", integrity.ErrUnavailable, alerts[i].AlertID, err)
		}
		if err := db.DB.SelectContext(ctx, &alerts[i].Entities, `
			SELECT entity_id FROM alert_entities WHERE alert_id = $1`, alerts[i].AlertID); err != nil {
			return nil, fmt.Errorf("%w: alert %s entities: %v", integrity.ErrUnavailable, alerts[i].AlertID, err)
		}
	}
	return alerts, nil
}
