package httpapi

import "net/http"

// incidentView is the GET /incidents/{id} response: the correlation
// graph's component plus its derived score (§3.4, §6.1).
type incidentView struct {
	IncidentID string  `json:"incident_id"`
	Score      float64 `json:"score"`
	Nodes      []any   `json:"nodes"`
	Edges      []any   `json:"edges"`
	Alerts     []any   `json:"alerts"`
}

func (h *handler) getIncident(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	incident, err := h.cfg.Store.GetIncident(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	entities, err := h.cfg.Store.EntitiesForIncident(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	edges, err := h.cfg.Store.EdgesForIncident(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	alertsOut, err := h.cfg.Store.AlertsForIncident(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}

	nodes := make([]any, len(entities))
	for i, e := range entities {
		nodes[i] = e
	}
	edgeList := make([]any, len(edges))
	for i, e := range edges {
		edgeList[i] = e
	}
	alertList := make([]any, len(alertsOut))
	for i, a := range alertsOut {
		alertList[i] = a
	}

	writeJSON(w, http.StatusOK, incidentView{
		IncidentID: incident.IncidentID,
		Score:      incident.Score,
		Nodes:      nodes,
		Edges:      edgeList,
		Alerts:     alertList,
	})
}
