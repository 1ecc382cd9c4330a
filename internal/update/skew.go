package update

import (
	"strings"
	"sync"
	"time"

	"github.com/ransomeye/drc/internal/logging"
)

// AgentStatus is the server's last view of one agent, built up from its
// heartbeats (§4.3). There is no persistence here by design: like the
// teacher's in-memory stream registry, this is reconstructed as agents
// reconnect and is never treated as a durable source of truth.
type AgentStatus struct {
	Version       string
	LastSeen      time.Time
	PendingUpdate bool
	TargetVersion string
}

// VersionTracker records agent-reported versions from heartbeats and flags
// agents running a version other than the server's for a signed update
// (§4.4), adapted from the teacher's CheckAgentVersions/updateAgentContainer
// pair. Where the teacher pushes an update over its open gRPC stream, DRC
// agents poll over HTTP, so "push" here means setting PendingUpdate and
// surfacing it in the next heartbeat's response for the agent to act on.
type VersionTracker struct {
	mu     sync.RWMutex
	agents map[string]AgentStatus
	log    *logging.Logger
}

// NewVersionTracker returns an empty tracker. log may be nil in tests.
func NewVersionTracker(log *logging.Logger) *VersionTracker {
	return &VersionTracker{agents: make(map[string]AgentStatus), log: log}
}

// RecordHeartbeat updates agentID's last-known version and clears its
// pending-update flag once it reports having reached the target version.
func (t *VersionTracker) RecordHeartbeat(agentID, version string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.agents[agentID]
	st.Version = version
	st.LastSeen = now
	if st.PendingUpdate && baseVersion(version) == st.TargetVersion {
		st.PendingUpdate = false
		st.TargetVersion = ""
	}
	t.agents[agentID] = st
}

// PendingUpdate reports whether agentID has been flagged for an update and,
// if so, which version it should move to. Consulted when building a
// heartbeat acknowledgement.
func (t *VersionTracker) PendingUpdate(agentID string) (targetVersion string, pending bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.agents[agentID]
	if !ok || !st.PendingUpdate {
		return "", false
	}
	return st.TargetVersion, true
}

// CheckVersions compares every tracked agent's last-reported version
// against serverVersion and flags mismatched agents for update, returning
// their ids. Skipped entirely when serverVersion is empty or "dev", exactly
// as the teacher skips local/untagged builds.
func (t *VersionTracker) CheckVersions(serverVersion string) []string {
	base := baseVersion(serverVersion)
	if base == "" || base == "dev" {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var flagged []string
	for id, st := range t.agents {
		agentBase := baseVersion(st.Version)
		if agentBase == "" || agentBase == "dev" || agentBase == base {
			continue
		}
		st.PendingUpdate = true
		st.TargetVersion = base
		t.agents[id] = st
		flagged = append(flagged, id)
		if t.log != nil {
			t.log.Info("agent version skew detected",
				"agent_id", id, "agent_version", st.Version, "target_version", base)
		}
	}
	return flagged
}

// baseVersion strips a commit-hash suffix from a version string, e.g.
// "v2.0.1 (abc1234)" -> "v2.0.1", "dev" -> "dev", "" -> "".
func baseVersion(v string) string {
	v = strings.TrimSpace(v)
	if idx := strings.Index(v, " ("); idx != -1 {
		return v[:idx]
	}
	return v
}
