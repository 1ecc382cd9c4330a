package alerts

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ransomeye/drc/internal/integrity"
	"github.com/ransomeye/drc/internal/storage"
)

// matchContext is what a compiled matcher evaluates against (§4.5 step 2:
// "a predicate over (kind, payload, entities)").
type matchContext struct {
	Kind     storage.EventKind
	Payload  map[string]any
	Entities []NormalizedEntity
}

// matcher is the tagged-union predicate interface every rule variant
// implements. Policies compile into a tree of these at load time — see
// Design Note §9 in DESIGN.md for why this replaces a stringly-typed
// dynamic-dispatch predicate.
type matcher interface {
	matches(ctx matchContext) bool
}

type fieldEquals struct {
	field string
	value string
}

func (m fieldEquals) matches(ctx matchContext) bool {
	v, ok := ctx.Payload[m.field]
	if !ok {
		return false
	}
	s, ok := v.(string)
	return ok && s == m.value
}

type fieldContains struct {
	field  string
	substr string
}

func (m fieldContains) matches(ctx matchContext) bool {
	v, ok := ctx.Payload[m.field]
	if !ok {
		return false
	}
	s, ok := v.(string)
	return ok && strings.Contains(s, m.substr)
}

type entityTypePresent struct {
	entityType storage.EntityType
}

func (m entityTypePresent) matches(ctx matchContext) bool {
	for _, e := range ctx.Entities {
		if e.Type == m.entityType {
			return true
		}
	}
	return false
}

type allOf struct{ children []matcher }

func (m allOf) matches(ctx matchContext) bool {
	for _, c := range m.children {
		if !c.matches(ctx) {
			return false
		}
	}
	return true
}

type anyOf struct{ children []matcher }

func (m anyOf) matches(ctx matchContext) bool {
	for _, c := range m.children {
		if c.matches(ctx) {
			return true
		}
	}
	return false
}

type notMatch struct{ child matcher }

func (m notMatch) matches(ctx matchContext) bool {
	return !m.child.matches(ctx)
}

// rawMatch is the YAML shape a policy's match tree is authored in.
type rawMatch struct {
	Field      string      `yaml:"field,omitempty"`
	Equals     string      `yaml:"equals,omitempty"`
	Contains   string      `yaml:"contains,omitempty"`
	EntityType string      `yaml:"entity_type,omitempty"`
	All        []*rawMatch `yaml:"all,omitempty"`
	Any        []*rawMatch `yaml:"any,omitempty"`
	Not        *rawMatch   `yaml:"not,omitempty"`
}

func (r *rawMatch) compile() (matcher, error) {
	switch {
	case r == nil:
		return allOf{}, nil // an absent match tree matches every event of the policy's kind
	case len(r.All) > 0:
		children, err := compileAll(r.All)
		if err != nil {
			return nil, err
		}
		return allOf{children: children}, nil
	case len(r.Any) > 0:
		children, err := compileAll(r.Any)
		if err != nil {
			return nil, err
		}
		return anyOf{children: children}, nil
	case r.Not != nil:
		child, err := r.Not.compile()
		if err != nil {
			return nil, err
		}
		return notMatch{child: child}, nil
	case r.EntityType != "":
		return entityTypePresent{entityType: storage.EntityType(r.EntityType)}, nil
	case r.Field != "" && r.Equals != "":
		return fieldEquals{field: r.Field, value: r.Equals}, nil
	case r.Field != "" && r.Contains != "":
		return fieldContains{field: r.Field, substr: r.Contains}, nil
	default:
		return nil, fmt.Errorf("%w: unrecognized match clause", integrity.ErrValidation)
	}
}

func compileAll(raw []*rawMatch) ([]matcher, error) {
	out := make([]matcher, len(raw))
	for i, r := range raw {
		m, err := r.compile()
		if err != nil {
			return nil, err
		}
		out[i] = m
	}
	return out, nil
}

// rawPolicy is one entry of the YAML policy bundle.
type rawPolicy struct {
	ID          string    `yaml:"id"`
	Kind        string    `yaml:"kind"` // event kind this policy applies to, or "*"
	Severity    string    `yaml:"severity"`
	DedupBucket string    `yaml:"dedup_bucket"` // duration string, e.g. "5m"
	Match       *rawMatch `yaml:"match,omitempty"`
}

type rawBundle struct {
	Policies []rawPolicy `yaml:"policies"`
}

// Rule is one compiled policy: a kind filter, a predicate, a severity, and
// a dedup bucket window.
type Rule struct {
	id          string
	kind        storage.EventKind
	anyKind     bool
	matcher     matcher
	severity    storage.Severity
	dedupBucket time.Duration
}

func (r *Rule) ID() string                     { return r.id }
func (r *Rule) Severity() storage.Severity     { return r.severity }
func (r *Rule) DedupBucket() time.Duration     { return r.dedupBucket }

// Match reports whether the rule fires for this event.
func (r *Rule) Match(ctx matchContext) bool {
	if !r.anyKind && ctx.Kind != r.kind {
		return false
	}
	return r.matcher.matches(ctx)
}

// PolicySet is an ordered, compiled rule list. The first matching rule
// wins — ordering is explicit in the source bundle (§4.5 step 2).
type PolicySet struct {
	rules    []*Rule
	sourceID string // content hash of the bundle this set was compiled from
}

// Rules returns the compiled rules in evaluation order.
func (p *PolicySet) Rules() []*Rule { return p.rules }

// SourceID identifies the bundle content this PolicySet was built from.
func (p *PolicySet) SourceID() string { return p.sourceID }

// compilePolicySet parses and compiles a YAML policy bundle, validating
// every rule before returning (§4.5 hot-reload: "parses and validates the
// new set in a staging location").
func compilePolicySet(body []byte) (*PolicySet, error) {
	var raw rawBundle
	if err := yaml.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: parse policy bundle: %v", integrity.ErrFormat, err)
	}
	if len(raw.Policies) == 0 {
		return nil, fmt.Errorf("%w: policy bundle has no policies", integrity.ErrValidation)
	}

	seen := make(map[string]bool)
	rules := make([]*Rule, 0, len(raw.Policies))
	for _, rp := range raw.Policies {
		if rp.ID == "" {
			return nil, fmt.Errorf("%w: policy missing id", integrity.ErrValidation)
		}
		if seen[rp.ID] {
			return nil, fmt.Errorf("%w: duplicate policy id %q", integrity.ErrValidation, rp.ID)
		}
		seen[rp.ID] = true

		sev, ok := storage.ParseSeverity(rp.Severity)
		if !ok {
			return nil, fmt.Errorf("%w: policy %q has invalid severity %q", integrity.ErrValidation, rp.ID, rp.Severity)
		}
		bucket := 60 * time.Second
		if rp.DedupBucket != "" {
			d, err := time.ParseDuration(rp.DedupBucket)
			if err != nil || d <= 0 {
				return nil, fmt.Errorf("%w: policy %q has invalid dedup_bucket %q", integrity.ErrValidation, rp.ID, rp.DedupBucket)
			}
			bucket = d
		}
		m, err := rp.Match.compile()
		if err != nil {
			return nil, fmt.Errorf("%w: policy %q: %v", integrity.ErrValidation, rp.ID, err)
		}
		rules = append(rules, &Rule{
			id:          rp.ID,
			kind:        storage.EventKind(rp.Kind),
			anyKind:     rp.Kind == "" || rp.Kind == "*",
			matcher:     m,
			severity:    sev,
			dedupBucket: bucket,
		})
	}

	sourceID := integrity.HashHex(body)
	return &PolicySet{rules: rules, sourceID: sourceID}, nil
}

// LoadPolicySet reads and compiles the bundle at path.
func LoadPolicySet(path string) (*PolicySet, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read policy bundle: %v", integrity.ErrUnavailable, err)
	}
	return compilePolicySet(body)
}
