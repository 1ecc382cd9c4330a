// Command drc is the RansomEye Detection-to-Response Core binary. A bare
// invocation defaults to server mode; "drc agent" and "drc probe" hand off
// to the agent-side transport and signed-update code paths instead.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ransomeye/drc/internal/alerts"
	"github.com/ransomeye/drc/internal/bundler"
	"github.com/ransomeye/drc/internal/clock"
	"github.com/ransomeye/drc/internal/config"
	"github.com/ransomeye/drc/internal/events"
	"github.com/ransomeye/drc/internal/graph"
	"github.com/ransomeye/drc/internal/httpapi"
	"github.com/ransomeye/drc/internal/integrity"
	"github.com/ransomeye/drc/internal/logging"
	"github.com/ransomeye/drc/internal/queue"
	"github.com/ransomeye/drc/internal/rehydrate"
	"github.com/ransomeye/drc/internal/scorer"
	"github.com/ransomeye/drc/internal/storage"
	"github.com/ransomeye/drc/internal/transport"
	"github.com/ransomeye/drc/internal/update"
)

// checkVersionsInterval governs how often runServer compares connected
// agents' heartbeat-reported versions against this build (§D.4).
const checkVersionsInterval = 5 * time.Minute

var version = "dev"
var commit = "unknown"

func versionString() string {
	if commit != "" && commit != "unknown" {
		return version + " (" + commit + ")"
	}
	return version
}

func main() {
	mode := ""
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "server", "agent", "probe":
			mode = os.Args[1]
			os.Args = append(os.Args[:1], os.Args[2:]...)
		}
	}

	cfg := config.Load()
	if mode != "" {
		cfg.Mode = mode
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.LogJSON)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	fmt.Println("RansomEye DRC " + versionString())
	fmt.Printf("Mode: %s\n", effectiveMode(cfg))
	fmt.Println("=============================================")

	switch {
	case cfg.IsAgent() && cfg.Mode == "probe":
		runProbe(ctx, cfg, log)
	case cfg.IsAgent():
		runAgent(ctx, cfg, log)
	default:
		runServer(ctx, cfg, log)
	}
}

func effectiveMode(cfg *config.Config) string {
	if cfg.Mode == "" {
		return "server"
	}
	return cfg.Mode
}

// runServer wires C2, C5, C6, C7, C8, C9 together: storage, the durable job
// queue, the alert and correlation engines, the bundle builder and
// rehydrator, and the HTTP surfaces, then blocks until the HTTP listener
// stops. The queue worker runs in its own goroutine and is not waited for.
func runServer(ctx context.Context, cfg *config.Config, log *logging.Logger) {
	db, err := storage.Open(cfg.DSN(), cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime)
	if err != nil {
		log.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	bus := events.New()
	clk := clock.Real{}
	keys := integrity.NewKeyStore(cfg.KeyDir, cfg.KeyPassphrase)

	policies, err := alerts.NewPolicyStore(cfg.PolicyPath, log, bus)
	if err != nil {
		log.Error("failed to load policy bundle", "path", cfg.PolicyPath, "error", err)
		os.Exit(1)
	}
	go policies.Watch(ctx, clk, cfg.PolicyReloadInterval())
	alertEngine := alerts.NewEngine(policies, db, bus, log, clk, nil)

	var cache *graph.Cache
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		cache = graph.NewCache(rdb)
	}

	var scoreHook *scorer.Hook
	if scorerURL := os.Getenv("SCORER_URL"); scorerURL != "" {
		client := scorer.NewHTTPClient(scorerURL, 10*time.Second)
		scoreHook = scorer.NewHook(client, featureAdapter{db}, db, clk, log, 256)
		go scoreHook.Run(ctx)
	}

	graphEngine := graph.NewEngine(db, cache, scoreHookAdapter{scoreHook}, bus, clk, log)

	receiptKey, err := keys.PrivateKey(integrity.PurposeReceipt)
	if err != nil {
		log.Warn("receipt signing key unavailable, receipts will be unsigned", "error", err)
	}

	bundlePrivateKey, err := keys.PrivateKey(integrity.PurposeBundle)
	if err != nil {
		log.Warn("bundle signing key unavailable, build_bundle jobs will fail", "error", err)
	}
	builder, err := bundler.NewBuilder(bundler.Config{
		Store:       db,
		PrivateKey:  bundlePrivateKey,
		Clock:       clk,
		Log:         log,
		ScratchRoot: os.TempDir(),
		BundleDir:   envOr("BUNDLE_DIR", "/var/lib/ransomeye/bundles"),
		ChunkSize:   cfg.BundleChunkSize(),
		NodeID:      envOr("NODE_ID", "drc-0"),
	})
	if err != nil {
		log.Warn("bundle builder unavailable", "error", err)
	}

	bundlePublicKey, err := keys.PublicKey(integrity.PurposeBundle)
	if err != nil {
		log.Warn("bundle verification key unavailable, rehydrate jobs will fail", "error", err)
	}
	rehydrator, err := rehydrate.NewRehydrator(rehydrate.Config{
		Store:     db,
		PublicKey: bundlePublicKey,
		Clock:     clk,
		Log:       log,
	})
	if err != nil {
		log.Warn("rehydrator unavailable", "error", err)
	}

	worker := queue.New(db, bus, log, clk, queue.Config{
		WorkerID:     envOr("NODE_ID", "drc-0"),
		Concurrency:  cfg.QueueConcurrency(),
		PollInterval: 2 * time.Second,
		LeaseTTL:     cfg.QueueLeaseTTL(),
		BackoffBase:  time.Second,
		BackoffCap:   5 * time.Minute,
	})
	if builder != nil {
		worker.Register(storage.JobBuildBundle, buildBundleHandler(builder))
	}
	if rehydrator != nil {
		worker.Register(storage.JobRehydrateBundle, rehydrateHandler(rehydrator))
	}
	go func() {
		if err := worker.Run(ctx); err != nil {
			log.Error("queue worker exited", "error", err)
		}
	}()

	versions := update.NewVersionTracker(log)
	go func() {
		ticker := clk.After(checkVersionsInterval)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker:
				versions.CheckVersions(versionString())
				ticker = clk.After(checkVersionsInterval)
			}
		}
	}()

	ingestor := &httpapi.Ingestor{Store: db, Alerts: alertEngine, Graph: graphEngine, Window: cfg.DedupWindow()}
	handler := httpapi.NewHandler(httpapi.Config{
		Store:          db,
		Ingest:         ingestor,
		Log:            log,
		DedupWindow:    cfg.DedupWindow(),
		ReceiptKey:     receiptKey,
		UploadDir:      envOr("REHYDRATE_UPLOAD_DIR", "/var/lib/ransomeye/uploads"),
		BearerJWTKey:   cfg.BearerJWTKey,
		MTLSEnabled:    cfg.HTTPClientCA != "",
		RateLimitRPS:   50,
		RateLimitBurst: 100,
		VersionTracker: versions,
	})

	srv, err := httpapi.NewServer(handler, httpapi.ServerConfig{
		Addr:     cfg.HTTPAddr,
		TLSCert:  cfg.HTTPTLSCert,
		TLSKey:   cfg.HTTPTLSKey,
		ClientCA: cfg.HTTPClientCA,
	})
	if err != nil {
		log.Error("failed to configure HTTP server", "error", err)
		os.Exit(1)
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	log.Info("drc server started", "addr", cfg.HTTPAddr, "version", version, "commit", commit)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("http server error", "error", err)
	}
	log.Info("drc server shutdown complete")
}

// runAgent enrolls (if needed) and runs the telemetry transport loop (C3).
func runAgent(ctx context.Context, cfg *config.Config, log *logging.Logger) {
	log.Info("starting agent mode", "server", cfg.CoreAPIURL, "host", cfg.HostID)

	creds := transport.Credentials{CertPath: cfg.AgentCertPath, KeyPath: cfg.AgentKeyPath, CAPath: cfg.CACertPath}
	if !transport.IsEnrolled(creds) {
		if cfg.EnrollURL == "" || cfg.EnrollToken == "" {
			log.Error("agent not enrolled and no ENROLL_URL/ENROLL_TOKEN configured")
			os.Exit(1)
		}
		log.Info("enrolling agent", "enroll_url", cfg.EnrollURL)
		if err := transport.Enroll(ctx, cfg.EnrollURL, cfg.HostID, cfg.EnrollToken, creds, cfg.InsecureBootstrap); err != nil {
			log.Error("enrollment failed", "error", err)
			os.Exit(1)
		}
		log.Info("enrollment complete")
	}

	if err := os.MkdirAll(cfg.AgentDataDir, 0700); err != nil {
		log.Error("failed to create agent data directory", "error", err)
		os.Exit(1)
	}
	journal, err := transport.OpenJournal(filepath.Join(cfg.AgentDataDir, "journal.db"))
	if err != nil {
		log.Error("failed to open agent journal", "error", err)
		os.Exit(1)
	}
	defer journal.Close()

	var client *transport.Client
	buffer, err := transport.NewBufferDir(cfg.BufferDir, int64(cfg.MaxBufferMB), func(name string) {
		if client != nil {
			client.RecordDrop(name)
		}
	})
	if err != nil {
		log.Error("failed to open buffer directory", "error", err)
		os.Exit(1)
	}

	clk := clock.Real{}
	client, err = transport.NewClient(transport.ClientConfig{
		BaseURL:          cfg.CoreAPIURL,
		AgentID:          cfg.HostID,
		Version:          versionString(),
		Creds:            creds,
		ServerPubKeyPath: cfg.UpdatePubkeyPath,
		HeartbeatEvery:   time.Duration(cfg.HeartbeatIntervalS) * time.Second,
		DrainBackoffBase: time.Second,
		DrainBackoffCap:  time.Minute,
		OutageGrace:      5 * time.Minute,
	}, buffer, journal, log, clk)
	if err != nil {
		log.Error("failed to build transport client", "error", err)
		os.Exit(1)
	}

	log.Info("agent running", "version", version, "commit", commit)
	if err := client.Run(ctx); err != nil {
		log.Error("agent exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("agent shutdown complete")
}

// runProbe performs a one-shot self-test invocation and exits — used by the
// signed-update protocol (C4) to validate a freshly-applied agent build
// before the rollback grace period elapses.
func runProbe(ctx context.Context, cfg *config.Config, log *logging.Logger) {
	if cfg.SelfTestCmd == "" {
		log.Error("SELF_TEST_CMD not configured")
		os.Exit(1)
	}
	runner := update.ExecSelfTest{}
	if err := runner.Run(ctx, cfg.SelfTestCmd, 30*time.Second); err != nil {
		log.Error("self-test failed", "error", err)
		os.Exit(1)
	}
	log.Info("self-test passed")
}

func buildBundleHandler(b *bundler.Builder) queue.Handler {
	return func(ctx context.Context, job storage.Job) error {
		var p queue.BuildBundlePayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return fmt.Errorf("%w: decode build_bundle payload: %v", integrity.ErrValidation, err)
		}
		idempotencyKey := ""
		if job.IdempotencyKey != nil {
			idempotencyKey = *job.IdempotencyKey
		}
		_, err := b.Build(ctx, bundler.Scope{IncidentID: p.IncidentID}, idempotencyKey)
		return err
	}
}

func rehydrateHandler(r *rehydrate.Rehydrator) queue.Handler {
	return func(ctx context.Context, job storage.Job) error {
		var p queue.RehydratePayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return fmt.Errorf("%w: decode rehydrate_bundle payload: %v", integrity.ErrValidation, err)
		}
		_, err := r.Rehydrate(ctx, p.BundlePath)
		return err
	}
}

// featureAdapter bridges storage.DB.ComputeIncidentFeatures to
// scorer.FeatureProvider, translating storage's enum-keyed counts into the
// external scorer's string-keyed wire vector (§6.4).
type featureAdapter struct {
	db *storage.DB
}

func (a featureAdapter) IncidentFeatures(ctx context.Context, incidentID string) (scorer.Features, error) {
	f, err := a.db.ComputeIncidentFeatures(ctx, incidentID)
	if err != nil {
		return scorer.Features{}, err
	}
	sevCounts := make(map[string]int, len(f.SeverityCounts))
	for k, v := range f.SeverityCounts {
		sevCounts[k.String()] = v
	}
	typeCounts := make(map[string]int, len(f.EntityTypeCounts))
	for k, v := range f.EntityTypeCounts {
		typeCounts[string(k)] = v
	}
	return scorer.Features{
		HostCount:            f.HostCount,
		UserCount:            f.UserCount,
		AlertCountBySeverity: sevCounts,
		SpanSeconds:          f.SpanSeconds,
		EntityTypeDist:       typeCounts,
	}, nil
}

// scoreHookAdapter lets a possibly-nil *scorer.Hook satisfy graph's
// scoreEnqueuer interface — scoring is optional (SCORER_URL unset skips
// it entirely) without the graph engine needing a nil check of its own.
type scoreHookAdapter struct {
	hook *scorer.Hook
}

func (a scoreHookAdapter) Enqueue(incidentID string) {
	if a.hook != nil {
		a.hook.Enqueue(incidentID)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
