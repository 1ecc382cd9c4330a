package storage

import (
	"context"
	"fmt"

	"github.com/ransomeye/drc/internal/integrity"
)

// UpsertAlert inserts an alert and its source-event/entity links if
// alert_id hasn't been seen before, and is a no-op otherwise. Unlike
// CreateAlert (used by the live alert engine, which owns alert_id
// generation and never expects a collision), this is the rehydrator's
// entry point (§4.8 step 5): replaying the same bundle, or an overlapping
// one, must converge without duplicating rows.
func (db *DB) UpsertAlert(ctx context.Context, a Alert) error {
	tx, err := db.DB.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin rehydrate alert tx: %v", integrity.ErrUnavailable, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO alerts (alert_id, policy_id, severity, status, dedup_key, hit_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (alert_id) DO NOTHING`,
		a.AlertID, a.PolicyID, a.Severity, a.Status, a.DedupKey, a.HitCount, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: upsert alert: %v", integrity.ErrUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected: %v", integrity.ErrUnavailable, err)
	}
	if n == 0 {
		return tx.Commit()
	}
	for _, eventID := range a.SourceEvents {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO alert_source_events (alert_id, event_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING`, a.AlertID, eventID); err != nil {
			return fmt.Errorf("%w: link source event %s: %v", integrity.ErrUnavailable, eventID, err)
		}
	}
	for _, entityID := range a.Entities {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO alert_entities (alert_id, entity_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING`, a.AlertID, entityID); err != nil {
			return fmt.Errorf("%w: link entity %s: %v", integrity.ErrUnavailable, entityID, err)
		}
	}
	return tx.Commit()
}
