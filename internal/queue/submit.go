package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ransomeye/drc/internal/integrity"
	"github.com/ransomeye/drc/internal/storage"
)

// BuildBundlePayload is the job payload for a build_bundle job (§6.1
// POST /bundles).
type BuildBundlePayload struct {
	IncidentID string `json:"incident_id"`
	Scope      string `json:"scope"`
}

// RehydratePayload is the job payload for a rehydrate_bundle job
// (§6.1 POST /rehydrate).
type RehydratePayload struct {
	BundlePath string `json:"bundle_path"`
}

// SubmitBuildBundle enqueues a bundle-build job, defaulting maxAttempts to
// 8 and the idempotency TTL to 24h (§4.2 enqueue contract).
func SubmitBuildBundle(ctx context.Context, db *storage.DB, incidentID, scope string, idempotencyKey *string) (string, error) {
	payload, err := json.Marshal(BuildBundlePayload{IncidentID: incidentID, Scope: scope})
	if err != nil {
		return "", fmt.Errorf("%w: marshal build_bundle payload: %v", integrity.ErrValidation, err)
	}
	return db.EnqueueJob(ctx, storage.JobBuildBundle, payload, idempotencyKey, 8, 24*time.Hour)
}

// SubmitRehydrate enqueues a bundle rehydration job.
func SubmitRehydrate(ctx context.Context, db *storage.DB, bundlePath string, idempotencyKey *string) (string, error) {
	payload, err := json.Marshal(RehydratePayload{BundlePath: bundlePath})
	if err != nil {
		return "", fmt.Errorf("%w: marshal rehydrate_bundle payload: %v", integrity.ErrValidation, err)
	}
	return db.EnqueueJob(ctx, storage.JobRehydrateBundle, payload, idempotencyKey, 8, 24*time.Hour)
}
