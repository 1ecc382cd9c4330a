package storage

import (
	"context"
	"fmt"

	"github.com/ransomeye/drc/internal/integrity"
)

// EntitiesForIncident lists every entity currently assigned to incidentID,
// for the bundle builder's scope (§4.7).
func (db *DB) EntitiesForIncident(ctx context.Context, incidentID string) ([]Entity, error) {
	var entities []Entity
	err := db.DB.SelectContext(ctx, &entities, `
		SELECT id, type, value, label, first_seen, last_seen
		FROM entities WHERE incident_id = $1 ORDER BY id`, incidentID)
	if err != nil {
		return nil, fmt.Errorf("%w: entities for incident: %v", integrity.ErrUnavailable, err)
	}
	return entities, nil
}

// EdgesForIncident lists every edge whose endpoints both belong to
// incidentID.
func (db *DB) EdgesForIncident(ctx context.Context, incidentID string) ([]Edge, error) {
	var edges []Edge
	err := db.DB.SelectContext(ctx, &edges, `
		SELECT e.src_id, e.dst_id, e.relation, e.first_seen, e.last_seen
		FROM edges e
		JOIN entities es ON es.id = e.src_id
		JOIN entities ed ON ed.id = e.dst_id
		WHERE es.incident_id = $1 AND ed.incident_id = $1
		ORDER BY e.src_id, e.dst_id`, incidentID)
	if err != nil {
		return nil, fmt.Errorf("%w: edges for incident: %v", integrity.ErrUnavailable, err)
	}
	return edges, nil
}

// AlertsForIncident lists every alert folded into incidentID, including
// their source events and entity links.
func (db *DB) AlertsForIncident(ctx context.Context, incidentID string) ([]Alert, error) {
	var alerts []Alert
	err := db.DB.SelectContext(ctx, &alerts, `
		SELECT alert_id, policy_id, severity, status, dedup_key, hit_count, created_at, updated_at
		FROM alerts WHERE incident_id = $1 ORDER BY alert_id`, incidentID)
	if err != nil {
		return nil, fmt.Errorf("%w: alerts for incident: %v", integrity.ErrUnavailable, err)
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

// CreateBundleRecord records a materialized bundle for catalog/query
// purposes (§3.6). Idempotent on idempotency_key.
func (db *DB) CreateBundleRecord(ctx context.Context, b BundleRecord) error {
	_, err := db.DB.ExecContext(ctx, `
		INSERT INTO bundles (bundle_id, incident_id, storage_path, manifest_sha256, merkle_root, compression, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING`,
		b.BundleID, b.IncidentID, b.StoragePath, b.ManifestSHA256, b.MerkleRoot, b.Compression, b.IdempotencyKey,
	)
	if err != nil {
		return fmt.Errorf("%w: create bundle record: %v", integrity.ErrUnavailable, err)
	}
	return nil
}

// GetBundleRecord fetches a bundle's catalog row by id, for the rehydrator
// and operator surfaces.
func (db *DB) GetBundleRecord(ctx context.Context, bundleID string) (BundleRecord, error) {
	var b BundleRecord
	err := db.DB.GetContext(ctx, &b, `
		SELECT bundle_id, incident_id, storage_path, manifest_sha256, merkle_root, compression, idempotency_key, created_at
		FROM bundles WHERE bundle_id = $1`, bundleID)
	if err != nil {
		return BundleRecord{}, fmt.Errorf("%w: get bundle record: %v", integrity.ErrUnavailable, err)
	}
	return b, nil
}
