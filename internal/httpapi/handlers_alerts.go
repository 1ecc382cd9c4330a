package httpapi

import (
	"net/http"
	"time"

	"github.com/ransomeye/drc/internal/alerts"
	"github.com/ransomeye/drc/internal/integrity"
	"github.com/ransomeye/drc/internal/storage"
)

// legacyAlertBatchItem is one entry of the POST /alerts/batch body: the
// same shape accepted by POST /events, reused for legacy clients that
// still submit pre-batched alerts rather than a live event stream.
type legacyAlertBatchItem struct {
	AgentID     string         `json:"agent_id"`
	TenantID    string         `json:"tenant_id"`
	OccurredAt  int64          `json:"occurred_at"`
	Kind        string         `json:"kind"`
	Payload     map[string]any `json:"payload"`
	Fingerprint string         `json:"fingerprint"`
}

type batchOutcome struct {
	Index     int    `json:"index"`
	EventID   string `json:"event_id,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (h *handler) postAlertsBatch(w http.ResponseWriter, r *http.Request) {
	var items []legacyAlertBatchItem
	if err := decodeJSON(r, &items); err != nil {
		writeError(w, http.StatusBadRequest, "decode batch: "+err.Error())
		return
	}

	window := h.cfg.DedupWindow
	if window <= 0 {
		window = 60 * time.Second
	}

	outcomes := make([]batchOutcome, len(items))
	for i, item := range items {
		outcomes[i] = batchOutcome{Index: i}
		if item.AgentID == "" || item.Fingerprint == "" {
			outcomes[i].Error = "agent_id and fingerprint are required"
			continue
		}
		id, err := newEventID()
		if err != nil {
			outcomes[i].Error = err.Error()
			continue
		}
		ev := storage.Event{
			EventID:     id,
			AgentID:     item.AgentID,
			TenantID:    item.TenantID,
			OccurredAt:  item.OccurredAt,
			ReceivedAt:  time.Now().UnixMilli(),
			Kind:        storage.EventKind(item.Kind),
			Payload:     item.Payload,
			Fingerprint: item.Fingerprint,
		}
		var eventID string
		var duplicate bool
		if h.cfg.Ingest != nil {
			eventID, duplicate, err = h.cfg.Ingest.Ingest(r.Context(), ev)
		} else {
			eventID, duplicate, err = h.cfg.Store.AdmitEvent(r.Context(), ev, window)
		}
		if err != nil {
			outcomes[i].Error = err.Error()
			continue
		}
		outcomes[i].EventID = eventID
		outcomes[i].Duplicate = duplicate
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcomes": outcomes})
}

func (h *handler) listAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.AlertFilter{
		Status: storage.AlertStatus(q.Get("status")),
		After:  q.Get("after"),
	}
	if limit := q.Get("limit"); limit != "" {
		filter.Limit = atoiOr(limit, 50)
	}
	if sev := q.Get("severity"); sev != "" {
		if parsed, ok := storage.ParseSeverity(sev); ok {
			filter.Severity = &parsed
		} else {
			writeError(w, http.StatusBadRequest, "unknown severity "+sev)
			return
		}
	}

	alertsOut, err := h.cfg.Store.ListAlerts(r.Context(), filter)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alertsOut})
}

type patchAlertRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

func (h *handler) patchAlert(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req patchAlertRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "decode patch: "+err.Error())
		return
	}
	if req.Status == "" {
		writeError(w, http.StatusBadRequest, "status is required")
		return
	}
	if err := h.cfg.Store.TransitionAlert(r.Context(), id, storage.AlertStatus(req.Status)); err != nil {
		writeErr(w, err)
		return
	}
	alert, err := h.cfg.Store.GetAlert(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

// correlationIngestItem lets an internal caller (e.g. a migrated legacy
// alert source) hand the correlation graph an already-admitted alert's
// entities directly, bypassing normalization and policy matching.
type correlationIngestItem struct {
	AlertID  string              `json:"alert_id"`
	Entities []correlationEntity `json:"entities"`
}

type correlationEntity struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

func (h *handler) postCorrelationIngest(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Ingest == nil || h.cfg.Ingest.Graph == nil {
		writeError(w, http.StatusServiceUnavailable, "correlation graph not configured")
		return
	}
	var items []correlationIngestItem
	if err := decodeJSON(r, &items); err != nil {
		writeError(w, http.StatusBadRequest, "decode batch: "+err.Error())
		return
	}

	outcomes := make([]batchOutcome, len(items))
	for i, item := range items {
		outcomes[i] = batchOutcome{Index: i}
		if item.AlertID == "" {
			outcomes[i].Error = "alert_id is required"
			continue
		}
		var entities []alerts.NormalizedEntity
		for _, ce := range item.Entities {
			ne, ok := alerts.NormalizeEntity(storage.EntityType(ce.Type), ce.Value)
			if !ok {
				continue
			}
			entities = append(entities, ne)
		}
		if len(entities) == 0 {
			outcomes[i].Error = "no valid entities"
			continue
		}
		if _, err := h.cfg.Ingest.Graph.Process(r.Context(), item.AlertID, entities); err != nil {
			outcomes[i].Error = err.Error()
			continue
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcomes": outcomes})
}

func newEventID() (string, error) {
	id, err := integrity.NewULID()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
