package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestMetricsRegistered(t *testing.T) {
	// CounterVec/HistogramVec metrics are not gathered until at least one
	// label combination has been observed.
	EventsAdmittedTotal.WithLabelValues("fresh")
	AlertsTotal.WithLabelValues("high")
	JobsLeasedTotal.WithLabelValues("build_bundle")
	JobsDeadTotal.WithLabelValues("build_bundle")
	UpdateApplyTotal.WithLabelValues("success")
	HTTPRequestDuration.WithLabelValues("/v1/alerts", "2xx")

	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	expected := map[string]bool{
		"drc_events_admitted_total":         false,
		"drc_alerts_total":                  false,
		"drc_alerts_suppressed_total":       false,
		"drc_jobs_leased_total":             false,
		"drc_jobs_dead_total":               false,
		"drc_job_backoff_seconds":           false,
		"drc_bundle_build_duration_seconds": false,
		"drc_rehydrate_duration_seconds":    false,
		"drc_incidents_active":              false,
		"drc_incident_merges_total":         false,
		"drc_agents_enrolled_total":         false,
		"drc_buffer_dropped_total":          false,
		"drc_update_apply_total":            false,
		"drc_http_request_duration_seconds": false,
	}

	for _, mf := range mfs {
		if _, ok := expected[mf.GetName()]; ok {
			expected[mf.GetName()] = true
		}
	}

	for name, found := range expected {
		if !found {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestCounterIncrements(t *testing.T) {
	AlertsSuppressedTotal.Add(1)
	IncidentMergesTotal.Add(1)
	AgentsEnrolledTotal.Add(1)
	EventsAdmittedTotal.WithLabelValues("duplicate").Inc()
	// No panic = success; actual values verified via Gather if needed.
}

func TestGaugeSets(t *testing.T) {
	IncidentsActive.Set(3)
	// No panic = success.
}
