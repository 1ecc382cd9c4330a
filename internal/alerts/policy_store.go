package alerts

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ransomeye/drc/internal/clock"
	"github.com/ransomeye/drc/internal/events"
	"github.com/ransomeye/drc/internal/logging"
)

// PolicyStore holds the currently-active PolicySet behind an atomic
// pointer so readers never observe a partially-swapped set: "never mixes
// rules from two versions within a single event's evaluation" (§4.5).
type PolicyStore struct {
	path    string
	current atomic.Pointer[PolicySet]
	log     *logging.Logger
	bus     *events.Bus
}

// NewPolicyStore loads the bundle at path once and returns a ready store.
func NewPolicyStore(path string, log *logging.Logger, bus *events.Bus) (*PolicyStore, error) {
	ps, err := LoadPolicySet(path)
	if err != nil {
		return nil, err
	}
	s := &PolicyStore{path: path, log: log, bus: bus}
	s.current.Store(ps)
	return s, nil
}

// Active returns the currently active, fully-compiled policy set.
func (s *PolicyStore) Active() *PolicySet {
	return s.current.Load()
}

// Watch polls the bundle path every interval and swaps in a new compiled
// set when its content hash changes and it validates cleanly. A bundle
// that fails to parse or validate is logged and the previous set stays
// active (§4.5 hot-reload).
func (s *PolicyStore) Watch(ctx context.Context, clk clock.Clock, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-clk.After(interval):
			s.ReloadOnce()
		}
	}
}

// ReloadOnce performs a single reload attempt; exported so tests and a
// manual "reload now" operator action can drive it directly.
func (s *PolicyStore) ReloadOnce() {
	next, err := LoadPolicySet(s.path)
	if err != nil {
		s.log.Warn("policy bundle reload failed, keeping previous set", "path", s.path, "error", err)
		return
	}
	if current := s.current.Load(); current != nil && current.SourceID() == next.SourceID() {
		return // unchanged
	}
	s.current.Store(next)
	s.log.Info("policy bundle reloaded", "path", s.path, "source_id", next.SourceID(), "rules", len(next.Rules()))
	if s.bus != nil {
		s.bus.Publish(events.Notification{Kind: events.KindPolicyReloaded, Message: next.SourceID()})
	}
}
