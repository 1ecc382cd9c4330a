package alerts

import (
	"sort"

	"github.com/ransomeye/drc/internal/integrity"
)

// DedupKey computes the §3.2/§6.2 dedup key: sha256 over the canonical
// form of (policy_id, sorted entity ids, bucket label), so the key is
// stable under entity-set permutation.
func DedupKey(policyID string, entityIDs []string, bucket string) (string, error) {
	sorted := make([]string, len(entityIDs))
	copy(sorted, entityIDs)
	sort.Strings(sorted)

	canon, err := integrity.Canonical(map[string]any{
		"policy_id": policyID,
		"entities":  sorted,
		"bucket":    bucket,
	})
	if err != nil {
		return "", err
	}
	return integrity.HashHex(canon), nil
}
