// Package httpapi exposes the RansomEye DRC server's REST surfaces (C9,
// §6.1): event ingest, alert query/mutation, correlation ingest, incident
// lookup, bundle/rehydrate job submission, job status, health, and
// Prometheus metrics.
package httpapi

import (
	"context"
	"crypto/rsa"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ransomeye/drc/internal/logging"
	"github.com/ransomeye/drc/internal/storage"
	"github.com/ransomeye/drc/internal/update"
)

// jobStore is the slice of *storage.DB the HTTP surfaces touch directly,
// narrowed for tests.
type jobStore interface {
	AdmitEvent(ctx context.Context, ev storage.Event, window time.Duration) (string, bool, error)
	GetAlert(ctx context.Context, alertID string) (storage.Alert, error)
	ListAlerts(ctx context.Context, filter storage.AlertFilter) ([]storage.Alert, error)
	TransitionAlert(ctx context.Context, alertID string, to storage.AlertStatus) error
	GetIncident(ctx context.Context, incidentID string) (storage.Incident, error)
	EntitiesForIncident(ctx context.Context, incidentID string) ([]storage.Entity, error)
	EdgesForIncident(ctx context.Context, incidentID string) ([]storage.Edge, error)
	AlertsForIncident(ctx context.Context, incidentID string) ([]storage.Alert, error)
	GetJob(ctx context.Context, jobID string) (storage.Job, error)
	EnqueueJob(ctx context.Context, kind storage.JobKind, payload []byte, idempotencyKey *string, maxAttempts int, ttl time.Duration) (string, error)
}

// Config wires a Handler's dependencies. Ingest may be nil on a node that
// only serves query/job-management surfaces.
type Config struct {
	Store          jobStore
	Ingest         *Ingestor
	Log            *logging.Logger
	DedupWindow    time.Duration
	ReceiptKey     *rsa.PrivateKey
	UploadDir      string
	BearerJWTKey   string
	MTLSEnabled    bool
	RateLimitRPS   float64
	RateLimitBurst int
	AllowedOrigins []string
	VersionTracker *update.VersionTracker // optional; nil disables skew detection acks
}

// NewHandler builds the root http.Handler: CORS, then auth, then rate
// limiting, then routing, outermost-in (mirroring the teacher's authed/perm middleware
// composition, generalized from session cookies to mTLS-or-bearer-JWT).
func NewHandler(cfg Config) http.Handler {
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 50
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 100
	}

	h := &handler{cfg: cfg}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.health)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /events", h.postEvent)
	mux.HandleFunc("POST /alerts/batch", h.postAlertsBatch)
	mux.HandleFunc("GET /alerts", h.listAlerts)
	mux.HandleFunc("PATCH /alerts/{id}", h.patchAlert)
	mux.HandleFunc("POST /correlation/ingest", h.postCorrelationIngest)
	mux.HandleFunc("GET /incidents/{id}", h.getIncident)
	mux.HandleFunc("POST /bundles", h.postBundles)
	mux.HandleFunc("GET /jobs/{id}", h.getJob)
	mux.HandleFunc("POST /rehydrate", h.postRehydrate)
	mux.HandleFunc("POST /agents/heartbeat", h.postAgentHeartbeat)

	auth := newAuthenticator(cfg.BearerJWTKey, cfg.MTLSEnabled)
	limiter := newRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	return withCORS(cfg.AllowedOrigins, auth.wrap(limiter.wrap(mux)))
}

type handler struct {
	cfg Config
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
