package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Only JobsLeasedTotal (internal/queue) and BufferDroppedTotal
// (internal/transport) are updated outside this package; the other
// collectors are registered and exported but nothing in the module
// increments, observes or sets them.
var (
	EventsAdmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "drc_events_admitted_total",
		Help: "Total events admitted by C1, labeled by whether they were a dedup hit.",
	}, []string{"outcome"})
	AlertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "drc_alerts_total",
		Help: "Total alerts created by the engine, labeled by severity.",
	}, []string{"severity"})
	AlertsSuppressedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "drc_alerts_suppressed_total",
		Help: "Total alert hits suppressed by the dedup window.",
	})
	JobsLeasedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "drc_jobs_leased_total",
		Help: "Total jobs leased from the durable queue, labeled by kind.",
	}, []string{"kind"})
	JobsDeadTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "drc_jobs_dead_total",
		Help: "Total jobs moved to the dead letter state, labeled by kind.",
	}, []string{"kind"})
	JobBackoffSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "drc_job_backoff_seconds",
		Help:    "Computed retry backoff duration for failed jobs.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})
	BundleBuildDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "drc_bundle_build_duration_seconds",
		Help:    "Duration of bundle build operations.",
		Buckets: prometheus.DefBuckets,
	})
	RehydrateDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "drc_rehydrate_duration_seconds",
		Help:    "Duration of bundle rehydration operations.",
		Buckets: prometheus.DefBuckets,
	})
	IncidentsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "drc_incidents_active",
		Help: "Number of incidents that have not been merged away.",
	})
	IncidentMergesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "drc_incident_merges_total",
		Help: "Total incident merge operations performed by the correlation graph.",
	})
	AgentsEnrolledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "drc_agents_enrolled_total",
		Help: "Total agents successfully enrolled via the CA.",
	})
	BufferDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "drc_buffer_dropped_total",
		Help: "Total pending events dropped from the agent-local buffer due to quota overflow.",
	})
	UpdateApplyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "drc_update_apply_total",
		Help: "Total signed-update apply attempts, labeled by outcome.",
	}, []string{"outcome"})
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "drc_http_request_duration_seconds",
		Help:    "Duration of HTTP requests served by C9, labeled by route and status class.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "status_class"})
)
