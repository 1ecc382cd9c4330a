// Package queue runs the durable job queue's worker side: it leases jobs
// from internal/storage, dispatches them to a registered Handler by kind,
// keeps the lease alive while the handler runs, and reports the outcome
// back to storage so retries, backoff, and dead-lettering happen exactly as
// internal/storage.CompleteJob defines them.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ransomeye/drc/internal/clock"
	"github.com/ransomeye/drc/internal/events"
	"github.com/ransomeye/drc/internal/logging"
	"github.com/ransomeye/drc/internal/metrics"
	"github.com/ransomeye/drc/internal/storage"
)

// Handler processes one leased job. A returned error schedules a retry (or
// dead-letters the job once max_attempts is exhausted); a nil error marks
// the job succeeded.
type Handler func(ctx context.Context, job storage.Job) error

// Worker polls for jobs of the configured kinds and runs them with bounded
// concurrency.
type Worker struct {
	db       *storage.DB
	bus      *events.Bus
	log      *logging.Logger
	clock    clock.Clock
	handlers map[storage.JobKind]Handler
	kinds    []storage.JobKind

	workerID      string
	concurrency   int
	pollInterval  time.Duration
	leaseTTL      time.Duration
	backoffBase   time.Duration
	backoffCap    time.Duration
}

// Config carries the tunables a Worker needs beyond its dependencies.
type Config struct {
	WorkerID     string
	Concurrency  int
	PollInterval time.Duration
	LeaseTTL     time.Duration
	BackoffBase  time.Duration
	BackoffCap   time.Duration
}

// New creates a Worker with no handlers registered. Call Register for each
// job kind before calling Run.
func New(db *storage.DB, bus *events.Bus, log *logging.Logger, clk clock.Clock, cfg Config) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Worker{
		db:           db,
		bus:          bus,
		log:          log,
		clock:        clk,
		handlers:     make(map[storage.JobKind]Handler),
		workerID:     cfg.WorkerID,
		concurrency:  cfg.Concurrency,
		pollInterval: cfg.PollInterval,
		leaseTTL:     cfg.LeaseTTL,
		backoffBase:  cfg.BackoffBase,
		backoffCap:   cfg.BackoffCap,
	}
}

// Register binds a Handler to a job kind and adds it to the set this
// Worker leases.
func (w *Worker) Register(kind storage.JobKind, h Handler) {
	w.handlers[kind] = h
	w.kinds = append(w.kinds, kind)
}

// Run polls for leasable jobs at pollInterval, running up to concurrency
// handlers at once, until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	sem := make(chan struct{}, w.concurrency)
	var wg sync.WaitGroup

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		case sem <- struct{}{}:
		}

		job, err := w.db.LeaseJob(ctx, w.kinds, w.workerID, w.leaseTTL)
		if err != nil {
			w.log.Error("lease job failed", "error", err)
			<-sem
			select {
			case <-w.clock.After(w.pollInterval):
			case <-ctx.Done():
				wg.Wait()
				return nil
			}
			continue
		}
		if job == nil {
			<-sem
			select {
			case <-w.clock.After(w.pollInterval):
			case <-ctx.Done():
				wg.Wait()
				return nil
			}
			continue
		}

		metrics.JobsLeasedTotal.WithLabelValues(string(job.Kind)).Inc()
		wg.Add(1)
		go func(j storage.Job) {
			defer wg.Done()
			defer func() { <-sem }()
			w.process(ctx, j)
		}(*job)
	}
}

// process runs the handler for a single leased job, keeping its lease alive
// with a heartbeat goroutine, then reports success or failure to storage.
func (w *Worker) process(ctx context.Context, job storage.Job) {
	handler, ok := w.handlers[job.Kind]
	if !ok {
		w.log.Error("no handler registered for job kind", "kind", job.Kind, "job_id", job.JobID)
		_ = w.db.CompleteJob(ctx, job.JobID, w.workerID, false, fmt.Sprintf("no handler for kind %s", job.Kind), w.backoffBase, w.backoffCap)
		return
	}

	hbCtx, cancelHB := context.WithCancel(ctx)
	defer cancelHB()
	go w.heartbeatLoop(hbCtx, job.JobID)

	err := handler(ctx, job)
	cancelHB()

	lastErr := ""
	if err != nil {
		lastErr = err.Error()
		w.log.Warn("job handler failed", "job_id", job.JobID, "kind", job.Kind, "error", err)
	}
	if completeErr := w.db.CompleteJob(ctx, job.JobID, w.workerID, err == nil, lastErr, w.backoffBase, w.backoffCap); completeErr != nil {
		w.log.Error("failed to record job completion", "job_id", job.JobID, "error", completeErr)
		return
	}

	status := "succeeded"
	if err != nil {
		status = "retry_scheduled"
	}
	w.bus.Publish(events.Notification{
		Kind:      events.KindJobStatus,
		JobID:     job.JobID,
		Message:   status,
		Timestamp: w.clock.Now(),
	})
}

// heartbeatLoop extends a job's lease at half the lease TTL until ctx is
// cancelled (the handler finished or the worker is shutting down).
func (w *Worker) heartbeatLoop(ctx context.Context, jobID string) {
	interval := w.leaseTTL / 2
	if interval <= 0 {
		interval = time.Second
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.clock.After(interval):
			if ok, err := w.db.Heartbeat(ctx, jobID, w.workerID, w.leaseTTL); err != nil {
				w.log.Warn("heartbeat failed", "job_id", jobID, "error", err)
			} else if !ok {
				w.log.Warn("heartbeat found lease no longer owned", "job_id", jobID)
				return
			}
		}
	}
}
