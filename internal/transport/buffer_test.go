package transport

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestBuffer(t *testing.T, quotaMB int64, onDrop func(name string)) *BufferDir {
	t.Helper()
	dir := t.TempDir()
	b, err := NewBufferDir(dir, quotaMB, onDrop)
	if err != nil {
		t.Fatalf("NewBufferDir: %v", err)
	}
	return b
}

func TestNewBufferDirCreatesSubdirs(t *testing.T) {
	dir := t.TempDir()
	if _, err := NewBufferDir(dir, 0, nil); err != nil {
		t.Fatalf("NewBufferDir: %v", err)
	}
	for _, sub := range []string{"pending", "inflight", "archived"} {
		if info, err := os.Stat(filepath.Join(dir, sub)); err != nil || !info.IsDir() {
			t.Fatalf("expected %s to be a directory, got err=%v", sub, err)
		}
	}
}

func TestRecordWritesPendingFile(t *testing.T) {
	b := newTestBuffer(t, 0, nil)
	if err := b.Record("evt-1", []byte(`{"a":1}`)); err != nil {
		t.Fatalf("Record: %v", err)
	}
	names, err := b.Pending()
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(names) != 1 || names[0] != "evt-1.json" {
		t.Fatalf("expected [evt-1.json], got %v", names)
	}
}

func TestPendingOrderedAscending(t *testing.T) {
	b := newTestBuffer(t, 0, nil)
	for _, id := range []string{"c", "a", "b"} {
		if err := b.Record(id, []byte("{}")); err != nil {
			t.Fatalf("Record(%s): %v", id, err)
		}
	}
	names, err := b.Pending()
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	want := []string{"a.json", "b.json", "c.json"}
	for i, n := range want {
		if names[i] != n {
			t.Fatalf("names = %v, want %v", names, want)
		}
	}
}

func TestToInflightThenToArchived(t *testing.T) {
	b := newTestBuffer(t, 0, nil)
	if err := b.Record("evt-1", []byte(`{"a":1}`)); err != nil {
		t.Fatalf("Record: %v", err)
	}
	body, err := b.ToInflight("evt-1.json")
	if err != nil {
		t.Fatalf("ToInflight: %v", err)
	}
	if string(body) != `{"a":1}` {
		t.Fatalf("unexpected body: %s", body)
	}
	if err := b.ToArchived("evt-1.json", "deadbeef"); err != nil {
		t.Fatalf("ToArchived: %v", err)
	}
	if _, err := os.Stat(filepath.Join(b.root, "archived", "deadbeef.json")); err != nil {
		t.Fatalf("expected archived file, got err=%v", err)
	}
	if _, err := os.Stat(filepath.Join(b.root, "inflight", "evt-1.json")); !os.IsNotExist(err) {
		t.Fatalf("expected inflight file to be gone, err=%v", err)
	}
}

func TestToPendingReturnsInflightFile(t *testing.T) {
	b := newTestBuffer(t, 0, nil)
	_ = b.Record("evt-1", []byte("{}"))
	if _, err := b.ToInflight("evt-1.json"); err != nil {
		t.Fatalf("ToInflight: %v", err)
	}
	if err := b.ToPending("evt-1.json"); err != nil {
		t.Fatalf("ToPending: %v", err)
	}
	names, _ := b.Pending()
	if len(names) != 1 || names[0] != "evt-1.json" {
		t.Fatalf("expected file back in pending, got %v", names)
	}
}

func TestQuarantineMovesInflightFile(t *testing.T) {
	b := newTestBuffer(t, 0, nil)
	_ = b.Record("evt-1", []byte("{}"))
	if _, err := b.ToInflight("evt-1.json"); err != nil {
		t.Fatalf("ToInflight: %v", err)
	}
	if err := b.Quarantine("evt-1.json"); err != nil {
		t.Fatalf("Quarantine: %v", err)
	}
	if _, err := os.Stat(filepath.Join(b.root, "quarantine", "evt-1.json")); err != nil {
		t.Fatalf("expected quarantined file, got err=%v", err)
	}
}

func TestEnforceQuotaDropsOldestOnOverflow(t *testing.T) {
	drops := 0
	b := newTestBuffer(t, 0, func(name string) { drops++ })
	b.quotaMB = 1 // 1 MiB quota, set directly since bytes-scale fixtures are easier to reason about in MB

	big := make([]byte, 700*1024)
	if err := b.Record("a", big); err != nil {
		t.Fatalf("Record(a): %v", err)
	}
	if err := b.Record("b", big); err != nil {
		t.Fatalf("Record(b): %v", err)
	}

	names, err := b.Pending()
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(names) != 1 || names[0] != "b.json" {
		t.Fatalf("expected only b.json to survive, got %v", names)
	}
	if drops != 1 {
		t.Fatalf("expected 1 drop, got %d", drops)
	}
}

func TestEnforceQuotaNoOpWhenUnset(t *testing.T) {
	b := newTestBuffer(t, 0, nil)
	if err := b.Record("a", make([]byte, 10*1024*1024)); err != nil {
		t.Fatalf("Record: %v", err)
	}
	names, err := b.Pending()
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(names) != 1 {
		t.Fatalf("expected file to survive with quota disabled, got %v", names)
	}
}
