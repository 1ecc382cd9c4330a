package alerts

import "testing"

func TestDedupKeyStableUnderEntityPermutation(t *testing.T) {
	k1, err := DedupKey("policy-1", []string{"a", "b", "c"}, "5m0s")
	if err != nil {
		t.Fatalf("DedupKey: %v", err)
	}
	k2, err := DedupKey("policy-1", []string{"c", "a", "b"}, "5m0s")
	if err != nil {
		t.Fatalf("DedupKey: %v", err)
	}
	if k1 != k2 {
		t.Fatalf("expected permutation-stable dedup key, got %q vs %q", k1, k2)
	}
}

func TestDedupKeyDiffersByPolicyOrBucket(t *testing.T) {
	base, _ := DedupKey("policy-1", []string{"a"}, "5m0s")
	otherPolicy, _ := DedupKey("policy-2", []string{"a"}, "5m0s")
	otherBucket, _ := DedupKey("policy-1", []string{"a"}, "1m0s")
	if base == otherPolicy {
		t.Fatal("expected different policy id to change the dedup key")
	}
	if base == otherBucket {
		t.Fatal("expected different bucket to change the dedup key")
	}
}
