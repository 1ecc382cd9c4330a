package httpapi

import (
	"net/http"
	"time"
)

type heartbeatRequest struct {
	AgentID  string           `json:"agent_id"`
	Version  string           `json:"version"`
	Counters map[string]int64 `json:"counters"`
}

type heartbeatResponse struct {
	PendingUpdate bool   `json:"pending_update"`
	TargetVersion string `json:"target_version,omitempty"`
}

// postAgentHeartbeat records an agent's self-reported version (§D.4's
// skew detection) and acknowledges with any update the server has
// flagged for it. versionTracker is nil on a node that doesn't run skew
// detection, in which case every heartbeat is acknowledged as up to date.
func (h *handler) postAgentHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed heartbeat body")
		return
	}
	if req.AgentID == "" {
		writeError(w, http.StatusBadRequest, "agent_id is required")
		return
	}

	resp := heartbeatResponse{}
	if h.cfg.VersionTracker != nil {
		h.cfg.VersionTracker.RecordHeartbeat(req.AgentID, req.Version, time.Now())
		if target, pending := h.cfg.VersionTracker.PendingUpdate(req.AgentID); pending {
			resp.PendingUpdate = true
			resp.TargetVersion = target
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
