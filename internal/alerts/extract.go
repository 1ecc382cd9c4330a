package alerts

import (
	"fmt"

	"github.com/PaesslerAG/jsonpath"

	"github.com/ransomeye/drc/internal/integrity"
	"github.com/ransomeye/drc/internal/storage"
)

// FieldExtractor pulls one entity candidate out of an event's opaque
// payload via a JSONPath expression. HashAlgo is only meaningful for
// EntityFileHash extractors: the payload field is expected to hold a bare
// hex digest, and HashAlgo supplies the `md5:`/`sha1:`/`sha256:` tag the
// normalization rules require to already be present in the raw value.
type FieldExtractor struct {
	Type     storage.EntityType
	Path     string
	HashAlgo string
}

// defaultExtractors is the built-in kind-to-field-path table (§6.2); a
// deployment-specific override set can be supplied via ExtractEntities'
// extra parameter without needing a code change.
var defaultExtractors = map[storage.EventKind][]FieldExtractor{
	storage.EventKindProcess: {
		{Type: storage.EntityHost, Path: "$.host"},
		{Type: storage.EntityUser, Path: "$.user"},
		{Type: storage.EntityProcess, Path: "$.command_line"},
		{Type: storage.EntityFileHash, Path: "$.image_sha256", HashAlgo: "sha256"},
	},
	storage.EventKindNetwork: {
		{Type: storage.EntityHost, Path: "$.host"},
		{Type: storage.EntityIP, Path: "$.src_ip"},
		{Type: storage.EntityIP, Path: "$.dst_ip"},
		{Type: storage.EntityDomain, Path: "$.domain"},
		{Type: storage.EntityURL, Path: "$.url"},
	},
	storage.EventKindFile: {
		{Type: storage.EntityHost, Path: "$.host"},
		{Type: storage.EntityUser, Path: "$.user"},
		{Type: storage.EntityFileHash, Path: "$.sha256", HashAlgo: "sha256"},
	},
	storage.EventKindAuth: {
		{Type: storage.EntityHost, Path: "$.host"},
		{Type: storage.EntityUser, Path: "$.user"},
		{Type: storage.EntityIP, Path: "$.source_ip"},
	},
	storage.EventKindScan: {
		{Type: storage.EntityHost, Path: "$.host"},
		{Type: storage.EntityIP, Path: "$.target_ip"},
	},
	// integrity events carry no entity-bearing payload fields; they are
	// admitted with zero entities, which §4.5 step 1 explicitly permits.
	storage.EventKindIntegrity: {},
}

// ExtractEntities derives the normalized entity set for an event payload
// per §4.5 step 1 / §6.2. extra, if non-nil, overrides the built-in
// extractor table for kind.
func ExtractEntities(kind storage.EventKind, payload map[string]any, extra map[storage.EventKind][]FieldExtractor) []NormalizedEntity {
	rules := defaultExtractors[kind]
	if extra != nil {
		if override, ok := extra[kind]; ok {
			rules = override
		}
	}

	seen := make(map[string]bool)
	var out []NormalizedEntity
	for _, rule := range rules {
		raw, ok := extractField(rule, payload)
		if !ok {
			continue
		}
		if rule.Type == storage.EntityFileHash && rule.HashAlgo != "" {
			raw = rule.HashAlgo + ":" + raw
		}
		ne, ok := NormalizeEntity(rule.Type, raw)
		if !ok || seen[ne.ID] {
			continue
		}
		seen[ne.ID] = true
		out = append(out, ne)
	}
	return out
}

func extractField(rule FieldExtractor, payload map[string]any) (string, bool) {
	v, err := jsonpath.Get(rule.Path, map[string]any(payload))
	if err != nil {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// ErrNoEntities is returned by the engine when an event yields no
// extractable entities and its kind does not permit that (§4.5 step 1).
var ErrNoEntities = fmt.Errorf("%w: event has no extractable entities", integrity.ErrValidation)
