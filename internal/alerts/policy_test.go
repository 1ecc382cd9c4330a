package alerts

import (
	"strings"
	"testing"
	"time"

	"github.com/ransomeye/drc/internal/storage"
)

const testBundle = `
policies:
  - id: ransomware-note
    kind: file
    severity: critical
    dedup_bucket: 5m
    match:
      field: path
      contains: ".encrypted"
  - id: any-scan
    kind: scan
    severity: low
    match:
      entity_type: ip
  - id: catch-all
    kind: "*"
    severity: info
`

func TestCompilePolicySetOrderedMatch(t *testing.T) {
	ps, err := compilePolicySet([]byte(testBundle))
	if err != nil {
		t.Fatalf("compilePolicySet: %v", err)
	}
	if len(ps.Rules()) != 3 {
		t.Fatalf("expected 3 rules, got %d", len(ps.Rules()))
	}

	ctx := matchContext{Kind: storage.EventKindFile, Payload: map[string]any{"path": "/x/readme.encrypted"}}
	var fired *Rule
	for _, r := range ps.Rules() {
		if r.Match(ctx) {
			fired = r
			break
		}
	}
	if fired == nil || fired.ID() != "ransomware-note" {
		t.Fatalf("expected ransomware-note to fire first, got %v", fired)
	}
}

func TestCompilePolicySetCatchAllAppliesToAnyKind(t *testing.T) {
	ps, err := compilePolicySet([]byte(testBundle))
	if err != nil {
		t.Fatalf("compilePolicySet: %v", err)
	}
	ctx := matchContext{Kind: storage.EventKindAuth, Payload: map[string]any{}}
	var fired *Rule
	for _, r := range ps.Rules() {
		if r.Match(ctx) {
			fired = r
			break
		}
	}
	if fired == nil || fired.ID() != "catch-all" {
		t.Fatalf("expected catch-all to fire, got %v", fired)
	}
}

func TestCompilePolicySetDefaultDedupBucket(t *testing.T) {
	ps, err := compilePolicySet([]byte(testBundle))
	if err != nil {
		t.Fatalf("compilePolicySet: %v", err)
	}
	for _, r := range ps.Rules() {
		if r.ID() == "any-scan" && r.DedupBucket() != 60*time.Second {
			t.Fatalf("expected default 60s dedup bucket, got %v", r.DedupBucket())
		}
	}
}

func TestCompilePolicySetRejectsDuplicateID(t *testing.T) {
	body := strings.ReplaceAll(testBundle, "catch-all", "ransomware-note")
	if _, err := compilePolicySet([]byte(body)); err == nil {
		t.Fatal("expected error for duplicate policy id")
	}
}

func TestCompilePolicySetRejectsInvalidSeverity(t *testing.T) {
	body := `
policies:
  - id: bad
    kind: file
    severity: catastrophic
`
	if _, err := compilePolicySet([]byte(body)); err == nil {
		t.Fatal("expected error for invalid severity")
	}
}

func TestCompilePolicySetRejectsEmptyBundle(t *testing.T) {
	if _, err := compilePolicySet([]byte(`policies: []`)); err == nil {
		t.Fatal("expected error for empty policy bundle")
	}
}

func TestCompilePolicySetSourceIDStableForIdenticalBytes(t *testing.T) {
	a, err := compilePolicySet([]byte(testBundle))
	if err != nil {
		t.Fatalf("compilePolicySet: %v", err)
	}
	b, err := compilePolicySet([]byte(testBundle))
	if err != nil {
		t.Fatalf("compilePolicySet: %v", err)
	}
	if a.SourceID() != b.SourceID() {
		t.Fatalf("expected stable source id for identical bundle bytes")
	}
}

func TestCompileNestedAllAnyNot(t *testing.T) {
	body := `
policies:
  - id: nested
    kind: network
    severity: high
    match:
      all:
        - any:
            - field: domain
              contains: "evil"
            - field: domain
              contains: "bad"
        - not:
            field: domain
            equals: "badword.example"
`
	ps, err := compilePolicySet([]byte(body))
	if err != nil {
		t.Fatalf("compilePolicySet: %v", err)
	}
	ctx := matchContext{Kind: storage.EventKindNetwork, Payload: map[string]any{"domain": "evil.example.com"}}
	if !ps.Rules()[0].Match(ctx) {
		t.Fatal("expected nested all/any/not match to fire")
	}
	ctx2 := matchContext{Kind: storage.EventKindNetwork, Payload: map[string]any{"domain": "badword.example"}}
	if ps.Rules()[0].Match(ctx2) {
		t.Fatal("expected not-clause to exclude badword.example")
	}
}
