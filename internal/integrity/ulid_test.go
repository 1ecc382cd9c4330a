package integrity

import (
	"testing"
	"time"
)

func TestULIDStringLength(t *testing.T) {
	id, err := NewULID()
	if err != nil {
		t.Fatalf("NewULID() error = %v", err)
	}
	if got := len(id.String()); got != 26 {
		t.Errorf("len(ULID.String()) = %d, want 26", got)
	}
}

func TestULIDParseRoundTrip(t *testing.T) {
	id, err := NewULID()
	if err != nil {
		t.Fatalf("NewULID() error = %v", err)
	}
	s := id.String()

	parsed, err := ParseULID(s)
	if err != nil {
		t.Fatalf("ParseULID() error = %v", err)
	}
	if parsed != id {
		t.Errorf("ParseULID(%q) = %v, want %v", s, parsed, id)
	}
}

func TestULIDLexicographicOrderMatchesTime(t *testing.T) {
	t1 := time.UnixMilli(1_700_000_000_000)
	t2 := t1.Add(time.Second)

	id1, err := NewULIDAt(t1)
	if err != nil {
		t.Fatalf("NewULIDAt(t1) error = %v", err)
	}
	id2, err := NewULIDAt(t2)
	if err != nil {
		t.Fatalf("NewULIDAt(t2) error = %v", err)
	}

	if id1.String() >= id2.String() {
		t.Errorf("ULID(%s) for earlier time should sort before ULID(%s) for later time", id1, id2)
	}
}

func TestULIDTimeRoundTrip(t *testing.T) {
	ts := time.UnixMilli(1_700_000_000_000)
	id, err := NewULIDAt(ts)
	if err != nil {
		t.Fatalf("NewULIDAt() error = %v", err)
	}
	if got := id.Time().UnixMilli(); got != ts.UnixMilli() {
		t.Errorf("ULID.Time().UnixMilli() = %d, want %d", got, ts.UnixMilli())
	}
}

func TestParseULIDRejectsBadLength(t *testing.T) {
	if _, err := ParseULID("too-short"); err == nil {
		t.Error("ParseULID() error = nil, want error for wrong length")
	}
}

func TestParseULIDRejectsInvalidCharacters(t *testing.T) {
	// 'U' is not in the Crockford alphabet.
	bad := "U0000000000000000000000000"[:26]
	if _, err := ParseULID(bad); err == nil {
		t.Error("ParseULID() error = nil, want error for invalid character")
	}
}

func TestULIDMonotonicWithinSameMillisecond(t *testing.T) {
	ts := time.UnixMilli(1_700_000_000_123)

	first, err := NewULIDAt(ts)
	if err != nil {
		t.Fatalf("NewULIDAt() error = %v", err)
	}
	second, err := NewULIDAt(ts)
	if err != nil {
		t.Fatalf("NewULIDAt() error = %v", err)
	}

	if first.String() >= second.String() {
		t.Errorf("two ULIDs minted in the same millisecond were not monotonically increasing: %s, %s", first, second)
	}
}
