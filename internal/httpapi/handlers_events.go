package httpapi

import (
	"io"
	"net/http"
	"time"

	"github.com/ransomeye/drc/internal/integrity"
	"github.com/ransomeye/drc/internal/storage"
)

// eventRequest is the POST /events wire shape (§3.1, §6.1).
type eventRequest struct {
	AgentID     string         `json:"agent_id"`
	TenantID    string         `json:"tenant_id"`
	OccurredAt  int64          `json:"occurred_at"`
	Kind        string         `json:"kind"`
	Payload     map[string]any `json:"payload"`
	Fingerprint string         `json:"fingerprint"`
}

func (h *handler) postEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	var req eventRequest
	if err := decodeBody(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "decode event: "+err.Error())
		return
	}
	if req.AgentID == "" || req.Fingerprint == "" {
		writeError(w, http.StatusBadRequest, "agent_id and fingerprint are required")
		return
	}

	id, err := integrity.NewULID()
	if err != nil {
		writeErr(w, err)
		return
	}
	now := time.Now()
	ev := storage.Event{
		EventID:     id.String(),
		AgentID:     req.AgentID,
		TenantID:    req.TenantID,
		OccurredAt:  req.OccurredAt,
		ReceivedAt:  now.UnixMilli(),
		Kind:        storage.EventKind(req.Kind),
		Payload:     req.Payload,
		Fingerprint: req.Fingerprint,
	}

	window := h.cfg.DedupWindow
	if window <= 0 {
		window = 60 * time.Second
	}

	var eventID string
	var duplicate bool
	if h.cfg.Ingest != nil {
		eventID, duplicate, err = h.cfg.Ingest.Ingest(r.Context(), ev)
	} else {
		eventID, duplicate, err = h.cfg.Store.AdmitEvent(r.Context(), ev, window)
	}
	if err != nil {
		writeErr(w, err)
		return
	}

	receipt := Receipt{
		EventID:    eventID,
		BodySHA256: integrity.HashHex(body),
		ServerTS:   now.UnixMilli(),
		Duplicate:  duplicate,
	}
	if h.cfg.ReceiptKey != nil {
		canon, err := integrity.Canonical(map[string]any{
			"event_id":    receipt.EventID,
			"body_sha256": receipt.BodySHA256,
			"server_ts":   receipt.ServerTS,
		})
		if err == nil {
			if sig, err := integrity.Sign(h.cfg.ReceiptKey, canon); err == nil {
				writeJSON(w, statusFor(duplicate), struct {
					Receipt
					Sig string `json:"sig"`
				}{receipt, sigB64(sig)})
				return
			}
		}
	}
	writeJSON(w, statusFor(duplicate), receipt)
}

func statusFor(duplicate bool) int {
	if duplicate {
		return http.StatusConflict
	}
	return http.StatusCreated
}
