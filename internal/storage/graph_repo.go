package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ransomeye/drc/internal/integrity"
)

// UpsertEntity records first_seen/last_seen for a deterministically-id'd
// entity (§4.6 step 2). first_seen only moves backward (earliest wins);
// last_seen only moves forward.
func (db *DB) UpsertEntity(ctx context.Context, e Entity) error {
	_, err := db.DB.ExecContext(ctx, `
		INSERT INTO entities (id, type, value, label, first_seen, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			first_seen = LEAST(entities.first_seen, EXCLUDED.first_seen),
			last_seen  = GREATEST(entities.last_seen, EXCLUDED.last_seen)`,
		e.ID, e.Type, e.Value, e.Label, e.FirstSeen, e.LastSeen,
	)
	if err != nil {
		return fmt.Errorf("%w: upsert entity: %v", integrity.ErrUnavailable, err)
	}
	return nil
}

// UpsertEdge upserts a canonicalized edge (src_id < dst_id), extending
// last_seen on conflict and taking min(first_seen)/max(last_seen) — the
// same rule used both incrementally by C6 and during C8 reconciliation
// (Open Question §E.4 resolution).
func (db *DB) UpsertEdge(ctx context.Context, e Edge) error {
	if e.SrcID >= e.DstID {
		return fmt.Errorf("%w: edge endpoints not canonicalized: src=%s dst=%s", integrity.ErrValidation, e.SrcID, e.DstID)
	}
	_, err := db.DB.ExecContext(ctx, `
		INSERT INTO edges (src_id, dst_id, relation, first_seen, last_seen)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (src_id, dst_id, relation) DO UPDATE SET
			first_seen = LEAST(edges.first_seen, EXCLUDED.first_seen),
			last_seen  = GREATEST(edges.last_seen, EXCLUDED.last_seen)`,
		e.SrcID, e.DstID, e.Relation, e.FirstSeen, e.LastSeen,
	)
	if err != nil {
		return fmt.Errorf("%w: upsert edge: %v", integrity.ErrUnavailable, err)
	}
	return nil
}

// EntityIncident returns the incident id currently containing entityID,
// or "" if the entity doesn't belong to one yet.
func (db *DB) EntityIncident(ctx context.Context, entityID string) (string, error) {
	var incidentID sql.NullString
	err := db.DB.GetContext(ctx, &incidentID, `SELECT incident_id FROM entities WHERE id = $1`, entityID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: lookup entity incident: %v", integrity.ErrUnavailable, err)
	}
	return incidentID.String, nil
}

// AssignEntityIncident moves an entity's incident membership.
func (db *DB) AssignEntityIncident(ctx context.Context, entityID, incidentID string) error {
	_, err := db.DB.ExecContext(ctx, `UPDATE entities SET incident_id = $1 WHERE id = $2`, incidentID, entityID)
	if err != nil {
		return fmt.Errorf("%w: assign entity incident: %v", integrity.ErrUnavailable, err)
	}
	return nil
}

// AssignAlertIncident links an alert to the incident it was folded into
// (§4.6 step 4).
func (db *DB) AssignAlertIncident(ctx context.Context, alertID, incidentID string) error {
	_, err := db.DB.ExecContext(ctx, `UPDATE alerts SET incident_id = $1 WHERE alert_id = $2`, incidentID, alertID)
	if err != nil {
		return fmt.Errorf("%w: assign alert incident: %v", integrity.ErrUnavailable, err)
	}
	return nil
}

// CreateIncident inserts a brand-new incident.
func (db *DB) CreateIncident(ctx context.Context, incidentID string, now time.Time) error {
	_, err := db.DB.ExecContext(ctx, `
		INSERT INTO incidents (incident_id, first_seen, last_seen, last_mutated)
		VALUES ($1, $2, $2, $2)`, incidentID, now)
	if err != nil {
		return fmt.Errorf("%w: create incident: %v", integrity.ErrUnavailable, err)
	}
	return nil
}

// TouchIncident bumps last_seen/last_mutated on an existing incident.
func (db *DB) TouchIncident(ctx context.Context, incidentID string, now time.Time) error {
	_, err := db.DB.ExecContext(ctx, `
		UPDATE incidents SET last_seen = GREATEST(last_seen, $2), last_mutated = $2
		WHERE incident_id = $1`, incidentID, now)
	if err != nil {
		return fmt.Errorf("%w: touch incident: %v", integrity.ErrUnavailable, err)
	}
	return nil
}

// GetIncident fetches an incident by id, for GET /incidents/{id}.
func (db *DB) GetIncident(ctx context.Context, incidentID string) (Incident, error) {
	var inc Incident
	err := db.DB.GetContext(ctx, &inc, `
		SELECT incident_id, score, scored_at, merged_into, first_seen, last_seen, last_mutated
		FROM incidents WHERE incident_id = $1`, incidentID)
	if errors.Is(err, sql.ErrNoRows) {
		return Incident{}, fmt.Errorf("%w: incident %s not found", integrity.ErrValidation, incidentID)
	}
	if err != nil {
		return Incident{}, fmt.Errorf("%w: get incident: %v", integrity.ErrUnavailable, err)
	}
	return inc, nil
}

// IncidentsTouching returns the distinct set of non-absorbed incident ids
// that currently own any of the given entity ids (§4.6 step 4).
func (db *DB) IncidentsTouching(ctx context.Context, entityIDs []string) ([]string, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}
	var ids []string
	err := db.DB.SelectContext(ctx, &ids, `
		SELECT DISTINCT e.incident_id FROM entities e
		JOIN incidents i ON i.incident_id = e.incident_id
		WHERE e.id = ANY($1) AND e.incident_id IS NOT NULL AND i.merged_into IS NULL`,
		entityIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: incidents touching: %v", integrity.ErrUnavailable, err)
	}
	return ids, nil
}

// MergeIncidents moves every entity and alert from each id in absorbed
// into survivor, then marks the absorbed incidents merged_into=survivor
// and freezes them (§3.4, §4.6 step 4).
func (db *DB) MergeIncidents(ctx context.Context, survivor string, absorbed []string, now time.Time) error {
	if len(absorbed) == 0 {
		return nil
	}
	tx, err := db.DB.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin merge tx: %v", integrity.ErrUnavailable, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE entities SET incident_id = $1 WHERE incident_id = ANY($2)`, survivor, absorbed); err != nil {
		return fmt.Errorf("%w: move entities: %v", integrity.ErrUnavailable, err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE alerts SET incident_id = $1 WHERE incident_id = ANY($2)`, survivor, absorbed); err != nil {
		return fmt.Errorf("%w: move alerts: %v", integrity.ErrUnavailable, err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE incidents SET merged_into = $1, last_mutated = $2 WHERE incident_id = ANY($3)`,
		survivor, now, absorbed); err != nil {
		return fmt.Errorf("%w: freeze absorbed incidents: %v", integrity.ErrUnavailable, err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE incidents SET last_mutated = $1 WHERE incident_id = $2`, now, survivor); err != nil {
		return fmt.Errorf("%w: touch survivor: %v", integrity.ErrUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit merge: %v", integrity.ErrUnavailable, err)
	}
	return nil
}

// IncidentFeatures is the fixed feature vector §6.4 defines for the
// external scorer: host/user counts, alert counts by severity, span, and
// entity type distribution.
type IncidentFeatures struct {
	HostCount         int
	UserCount         int
	SeverityCounts    map[Severity]int
	SpanSeconds       int64
	EntityTypeCounts  map[EntityType]int
}

// ComputeIncidentFeatures aggregates the current state of an incident's
// nodes and alerts into the feature vector the scorer consumes (§6.4).
func (db *DB) ComputeIncidentFeatures(ctx context.Context, incidentID string) (IncidentFeatures, error) {
	var inc Incident
	if err := db.DB.GetContext(ctx, &inc, `
		SELECT incident_id, score, scored_at, merged_into, first_seen, last_seen, last_mutated
		FROM incidents WHERE incident_id = $1`, incidentID); err != nil {
		return IncidentFeatures{}, fmt.Errorf("%w: load incident for features: %v", integrity.ErrUnavailable, err)
	}

	type typeCount struct {
		Type  EntityType `db:"type"`
		Count int        `db:"count"`
	}
	var typeCounts []typeCount
	if err := db.DB.SelectContext(ctx, &typeCounts, `
		SELECT type, count(*) AS count FROM entities WHERE incident_id = $1 GROUP BY type`, incidentID); err != nil {
		return IncidentFeatures{}, fmt.Errorf("%w: entity type distribution: %v", integrity.ErrUnavailable, err)
	}
	entityTypeCounts := make(map[EntityType]int, len(typeCounts))
	hosts, users := 0, 0
	for _, tc := range typeCounts {
		entityTypeCounts[tc.Type] = tc.Count
		switch tc.Type {
		case EntityHost:
			hosts = tc.Count
		case EntityUser:
			users = tc.Count
		}
	}

	type sevCount struct {
		Severity Severity `db:"severity"`
		Count    int      `db:"count"`
	}
	var sevCounts []sevCount
	if err := db.DB.SelectContext(ctx, &sevCounts, `
		SELECT severity, count(*) AS count FROM alerts WHERE incident_id = $1 GROUP BY severity`, incidentID); err != nil {
		return IncidentFeatures{}, fmt.Errorf("%w: alert severity distribution: %v", integrity.ErrUnavailable, err)
	}
	severityCounts := make(map[Severity]int, len(sevCounts))
	for _, sc := range sevCounts {
		severityCounts[sc.Severity] = sc.Count
	}

	return IncidentFeatures{
		HostCount:        hosts,
		UserCount:        users,
		SeverityCounts:   severityCounts,
		SpanSeconds:      int64(inc.LastSeen.Sub(inc.FirstSeen).Seconds()),
		EntityTypeCounts: entityTypeCounts,
	}, nil
}

// UpdateIncidentScore writes a new score, enforcing the monotonic
// scored_at invariant from §4.6: a stale score never overwrites a newer
// one.
func (db *DB) UpdateIncidentScore(ctx context.Context, incidentID string, score float64, scoredAt time.Time) error {
	res, err := db.DB.ExecContext(ctx, `
		UPDATE incidents SET score = $1, scored_at = $2
		WHERE incident_id = $3 AND (scored_at IS NULL OR scored_at < $2)`,
		score, scoredAt, incidentID,
	)
	if err != nil {
		return fmt.Errorf("%w: update incident score: %v", integrity.ErrUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected: %v", integrity.ErrUnavailable, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: stale score for incident %s", integrity.ErrConflict, incidentID)
	}
	return nil
}
