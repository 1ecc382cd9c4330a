// Package storage is the relational persistence layer behind C2, C5, C6,
// and C8: jobs, alerts, entities, edges, incidents, and bundles all live in
// Postgres, queried through sqlx on top of a pgx-backed database/sql
// driver.
package storage

import "time"

// EventKind enumerates the telemetry kinds an agent or probe can report.
type EventKind string

const (
	EventKindProcess   EventKind = "process"
	EventKindNetwork   EventKind = "network"
	EventKindFile      EventKind = "file"
	EventKindAuth      EventKind = "auth"
	EventKindIntegrity EventKind = "integrity"
	EventKindScan      EventKind = "scan"
)

// Event is the telemetry unit produced by an agent or probe (§3.1).
type Event struct {
	EventID     string         `db:"event_id" json:"event_id"`
	AgentID     string         `db:"agent_id" json:"agent_id"`
	TenantID    string         `db:"tenant_id" json:"tenant_id"`
	OccurredAt  int64          `db:"occurred_at" json:"occurred_at"`
	ReceivedAt  int64          `db:"received_at" json:"received_at"`
	Kind        EventKind      `db:"kind" json:"kind"`
	Payload     map[string]any `db:"-" json:"payload"`
	PayloadJSON []byte         `db:"payload" json:"-"`
	Fingerprint string         `db:"fingerprint" json:"fingerprint"`
}

// Severity is an ordered enum: info < low < medium < high < critical.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseSeverity parses a severity string, defaulting to SeverityInfo on an
// unrecognized value (callers should validate against a policy beforehand).
func ParseSeverity(s string) (Severity, bool) {
	switch s {
	case "info":
		return SeverityInfo, true
	case "low":
		return SeverityLow, true
	case "medium":
		return SeverityMedium, true
	case "high":
		return SeverityHigh, true
	case "critical":
		return SeverityCritical, true
	default:
		return SeverityInfo, false
	}
}

// AlertStatus is the §4.5 status FSM.
type AlertStatus string

const (
	AlertOpen          AlertStatus = "open"
	AlertAcknowledged  AlertStatus = "acknowledged"
	AlertResolved      AlertStatus = "resolved"
	AlertFalsePositive AlertStatus = "false_positive"
)

// CanTransition reports whether the status FSM permits from -> to.
// resolved -> open (reopen) is allowed but callers must separately record
// an audit entry, per §3.2/§4.5.
func CanTransition(from, to AlertStatus) bool {
	if from == to {
		return false
	}
	switch from {
	case AlertOpen:
		return to == AlertAcknowledged || to == AlertResolved || to == AlertFalsePositive
	case AlertAcknowledged:
		return to == AlertResolved || to == AlertFalsePositive
	case AlertResolved:
		return to == AlertOpen
	case AlertFalsePositive:
		return false // terminal
	default:
		return false
	}
}

// Alert is derived by the alert engine (C5) from one or more events (§3.2).
type Alert struct {
	AlertID      string      `db:"alert_id" json:"alert_id"`
	PolicyID     string      `db:"policy_id" json:"policy_id"`
	Severity     Severity    `db:"severity" json:"severity"`
	SourceEvents []string    `db:"-" json:"source_events"`
	Entities     []string    `db:"-" json:"entities"`
	Status       AlertStatus `db:"status" json:"status"`
	DedupKey     string      `db:"dedup_key" json:"dedup_key"`
	HitCount     int         `db:"hit_count" json:"hit_count"`
	CreatedAt    time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time   `db:"updated_at" json:"updated_at"`
}

// EntityType enumerates the kinds of real-world objects tracked by the
// correlation graph (§3.3).
type EntityType string

const (
	EntityHost      EntityType = "host"
	EntityIP        EntityType = "ip"
	EntityDomain    EntityType = "domain"
	EntityFileHash  EntityType = "file_hash"
	EntityUser      EntityType = "user"
	EntityURL       EntityType = "url"
	EntityProcess   EntityType = "process"
)

// Entity is the canonical representation of a real-world object (§3.3).
type Entity struct {
	ID        string     `db:"id" json:"id"`
	Type      EntityType `db:"type" json:"type"`
	Value     string     `db:"value" json:"value"`
	Label     string     `db:"label" json:"label"`
	FirstSeen time.Time  `db:"first_seen" json:"first_seen"`
	LastSeen  time.Time  `db:"last_seen" json:"last_seen"`
}

// Edge connects two entities that co-occurred in an admitted alert (§3.4).
// SrcID is always lexicographically less than DstID — canonicalized at
// construction time, never at read time.
type Edge struct {
	SrcID     string    `db:"src_id" json:"src_id"`
	DstID     string    `db:"dst_id" json:"dst_id"`
	Relation  string    `db:"relation" json:"relation"`
	FirstSeen time.Time `db:"first_seen" json:"first_seen"`
	LastSeen  time.Time `db:"last_seen" json:"last_seen"`
}

// Incident is a connected component of the correlation graph (§3.4).
type Incident struct {
	IncidentID  string    `db:"incident_id" json:"incident_id"`
	Score       float64   `db:"score" json:"score"`
	ScoredAt    time.Time `db:"scored_at" json:"scored_at"`
	MergedInto  string    `db:"merged_into" json:"merged_into,omitempty"`
	FirstSeen   time.Time `db:"first_seen" json:"first_seen"`
	LastSeen    time.Time `db:"last_seen" json:"last_seen"`
	LastMutated time.Time `db:"last_mutated" json:"last_mutated"`
}

// JobStatus is the §3.5 job FSM.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobLeased    JobStatus = "leased"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobDead      JobStatus = "dead"
)

// JobKind enumerates the durable-queue job kinds (§3.5).
type JobKind string

const (
	JobBuildBundle     JobKind = "build_bundle"
	JobRehydrateBundle JobKind = "rehydrate_bundle"
)

// Job is a unit of work in the durable queue (C2, §3.5).
type Job struct {
	JobID          string     `db:"job_id" json:"job_id"`
	Kind           JobKind    `db:"kind" json:"kind"`
	Payload        []byte     `db:"payload" json:"-"`
	IdempotencyKey *string    `db:"idempotency_key" json:"idempotency_key,omitempty"`
	Status         JobStatus  `db:"status" json:"status"`
	LeaseOwner     *string    `db:"lease_owner" json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time `db:"lease_expires_at" json:"lease_expires_at,omitempty"`
	Attempts       int        `db:"attempts" json:"attempts"`
	MaxAttempts    int        `db:"max_attempts" json:"max_attempts"`
	NextVisibleAt  time.Time  `db:"next_visible_at" json:"next_visible_at"`
	LastError      *string    `db:"last_error" json:"last_error,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

// BundleRecord tracks a materialized C7 artifact for catalog/query
// purposes; the artifact bytes themselves live on disk or object storage,
// addressed by StoragePath.
type BundleRecord struct {
	BundleID       string    `db:"bundle_id" json:"bundle_id"`
	IncidentID     string    `db:"incident_id" json:"incident_id"`
	StoragePath    string    `db:"storage_path" json:"storage_path"`
	ManifestSHA256 string    `db:"manifest_sha256" json:"manifest_sha256"`
	MerkleRoot     string    `db:"merkle_root" json:"merkle_root"`
	Compression    string    `db:"compression" json:"compression"`
	IdempotencyKey *string   `db:"idempotency_key" json:"idempotency_key,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}
