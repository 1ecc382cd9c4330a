package update

import (
	"testing"
	"time"
)

func TestCheckVersionsFlagsMismatchedAgents(t *testing.T) {
	vt := NewVersionTracker(nil)
	now := time.Now()
	vt.RecordHeartbeat("agent-old", "v1.0.0", now)
	vt.RecordHeartbeat("agent-current", "v2.0.0 (abc1234)", now)

	flagged := vt.CheckVersions("v2.0.0 (def5678)")
	if len(flagged) != 1 || flagged[0] != "agent-old" {
		t.Fatalf("expected only agent-old flagged, got %v", flagged)
	}

	target, pending := vt.PendingUpdate("agent-old")
	if !pending || target != "v2.0.0" {
		t.Fatalf("expected agent-old pending update to v2.0.0, got target=%q pending=%v", target, pending)
	}
	if _, pending := vt.PendingUpdate("agent-current"); pending {
		t.Fatalf("agent-current should not be pending")
	}
}

func TestCheckVersionsSkipsDevAndEmptyServerVersion(t *testing.T) {
	vt := NewVersionTracker(nil)
	vt.RecordHeartbeat("agent-1", "v1.0.0", time.Now())

	if flagged := vt.CheckVersions("dev"); flagged != nil {
		t.Fatalf("expected no agents flagged for dev server version, got %v", flagged)
	}
	if flagged := vt.CheckVersions(""); flagged != nil {
		t.Fatalf("expected no agents flagged for empty server version, got %v", flagged)
	}
}

func TestRecordHeartbeatClearsPendingUpdateOnMatch(t *testing.T) {
	vt := NewVersionTracker(nil)
	now := time.Now()
	vt.RecordHeartbeat("agent-1", "v1.0.0", now)
	vt.CheckVersions("v2.0.0")

	if _, pending := vt.PendingUpdate("agent-1"); !pending {
		t.Fatalf("expected agent-1 pending before reporting new version")
	}

	vt.RecordHeartbeat("agent-1", "v2.0.0 (feedface)", now.Add(time.Minute))
	if _, pending := vt.PendingUpdate("agent-1"); pending {
		t.Fatalf("expected pending update cleared once agent reports target version")
	}
}
