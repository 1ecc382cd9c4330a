package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/ransomeye/drc/internal/integrity"
	"github.com/ransomeye/drc/internal/queue"
	"github.com/ransomeye/drc/internal/storage"
)

// jobDefaultMaxAttempts and jobDefaultTTL mirror internal/queue's enqueue
// defaults for the two job kinds C9 can submit.
const (
	jobDefaultMaxAttempts = 8
	jobDefaultTTL         = 24 * time.Hour
)

type postBundlesRequest struct {
	IncidentID     string  `json:"incident_id"`
	Scope          string  `json:"scope"`
	IdempotencyKey *string `json:"idempotency_key,omitempty"`
}

func (h *handler) postBundles(w http.ResponseWriter, r *http.Request) {
	var req postBundlesRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "decode request: "+err.Error())
		return
	}
	if req.IncidentID == "" {
		writeError(w, http.StatusBadRequest, "incident_id is required")
		return
	}
	payload, err := json.Marshal(queue.BuildBundlePayload{IncidentID: req.IncidentID, Scope: req.Scope})
	if err != nil {
		writeErr(w, fmt.Errorf("%w: marshal build_bundle payload: %v", integrity.ErrValidation, err))
		return
	}
	jobID, err := h.cfg.Store.EnqueueJob(r.Context(), storage.JobBuildBundle, payload, req.IdempotencyKey, jobDefaultMaxAttempts, jobDefaultTTL)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (h *handler) getJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := h.cfg.Store.GetJob(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// postRehydrate accepts either a JSON {"bundle_path": "..."} reference to a
// bundle already on shared storage, or a raw bundle upload
// (application/octet-stream) that gets staged under UploadDir before the
// job is enqueued (§6.1 "upload or reference a bundle").
func (h *handler) postRehydrate(w http.ResponseWriter, r *http.Request) {
	var bundlePath string
	if ct := r.Header.Get("Content-Type"); ct == "application/octet-stream" {
		if h.cfg.UploadDir == "" {
			writeError(w, http.StatusServiceUnavailable, "bundle upload not configured")
			return
		}
		id, err := integrity.NewULID()
		if err != nil {
			writeErr(w, err)
			return
		}
		dest := filepath.Join(h.cfg.UploadDir, id.String()+".bundle")
		if err := os.MkdirAll(h.cfg.UploadDir, 0o755); err != nil {
			writeErr(w, fmt.Errorf("%w: mkdir upload dir: %v", integrity.ErrFatal, err))
			return
		}
		f, err := os.Create(dest)
		if err != nil {
			writeErr(w, fmt.Errorf("%w: stage upload: %v", integrity.ErrFatal, err))
			return
		}
		_, copyErr := io.Copy(f, io.LimitReader(r.Body, 4<<30))
		closeErr := f.Close()
		if copyErr != nil || closeErr != nil {
			writeErr(w, fmt.Errorf("%w: write upload: %v", integrity.ErrFatal, firstNonNil(copyErr, closeErr)))
			return
		}
		bundlePath = dest
	} else {
		var req queue.RehydratePayload
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "decode request: "+err.Error())
			return
		}
		if req.BundlePath == "" {
			writeError(w, http.StatusBadRequest, "bundle_path is required")
			return
		}
		bundlePath = req.BundlePath
	}

	payload, err := json.Marshal(queue.RehydratePayload{BundlePath: bundlePath})
	if err != nil {
		writeErr(w, fmt.Errorf("%w: marshal rehydrate_bundle payload: %v", integrity.ErrValidation, err))
		return
	}
	jobID, err := h.cfg.Store.EnqueueJob(r.Context(), storage.JobRehydrateBundle, payload, nil, jobDefaultMaxAttempts, jobDefaultTTL)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func firstNonNil(errs ...error) error {
	for _, e := range errs {
		if e != nil {
			return e
		}
	}
	return nil
}
