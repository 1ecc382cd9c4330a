// Package transport implements the agent-side half of C3: local atomic
// event buffering, authenticated mTLS upload with receipt verification,
// and enrollment against the core's built-in CA.
package transport

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/ransomeye/drc/internal/integrity"
)

// BufferDir is the three-stage atomic buffer described in §3.7: pending,
// inflight, and archived. Files move between stages only by atomic
// rename; the directory itself is the only shared state the collector,
// uploader, and heartbeat workers touch concurrently.
type BufferDir struct {
	root    string
	quotaMB int64
	dropped func(name string)
}

// NewBufferDir creates (if needed) the pending/inflight/archived
// sub-directories under root.
func NewBufferDir(root string, quotaMB int64, onDrop func(name string)) (*BufferDir, error) {
	b := &BufferDir{root: root, quotaMB: quotaMB, dropped: onDrop}
	for _, sub := range []string{"pending", "inflight", "archived"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0700); err != nil {
			return nil, fmt.Errorf("create buffer dir %s: %w", sub, err)
		}
	}
	return b, nil
}

func (b *BufferDir) path(sub, name string) string {
	return filepath.Join(b.root, sub, name)
}

// Record writes an event's canonical bytes to pending/<eventID>.json, then
// enforces the buffer quota by rotating out the oldest pending file if the
// directory now exceeds it (§4.3 record()).
func (b *BufferDir) Record(eventID string, canonicalBytes []byte) error {
	if err := integrity.WriteAtomic(b.path("pending", eventID+".json"), canonicalBytes, 0600); err != nil {
		return fmt.Errorf("record event %s: %w", eventID, err)
	}
	return b.enforceQuota()
}

// enforceQuota drops the oldest pending file (by ULID-ordered filename,
// which is also chronological) while total pending bytes exceed the quota.
func (b *BufferDir) enforceQuota() error {
	if b.quotaMB <= 0 {
		return nil
	}
	quotaBytes := b.quotaMB * 1024 * 1024
	for {
		names, sizes, total, err := b.pendingSizes()
		if err != nil {
			return err
		}
		if total <= quotaBytes || len(names) == 0 {
			return nil
		}
		oldest := names[0]
		if err := os.Remove(b.path("pending", oldest)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("rotate out %s: %w", oldest, err)
		}
		_ = sizes
		if b.dropped != nil {
			b.dropped(oldest)
		}
	}
}

func (b *BufferDir) pendingSizes() (names []string, sizes map[string]int64, total int64, err error) {
	entries, err := os.ReadDir(filepath.Join(b.root, "pending"))
	if err != nil {
		return nil, nil, 0, fmt.Errorf("list pending: %w", err)
	}
	sizes = make(map[string]int64, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		names = append(names, e.Name())
		sizes[e.Name()] = info.Size()
		total += info.Size()
	}
	sort.Strings(names) // ULID filenames sort chronologically
	return names, sizes, total, nil
}

// Pending lists pending event filenames in ascending (chronological) ULID
// order, ready for drain().
func (b *BufferDir) Pending() ([]string, error) {
	names, _, _, err := b.pendingSizes()
	return names, err
}

// ToInflight atomically renames a pending file into inflight, returning
// its bytes.
func (b *BufferDir) ToInflight(name string) ([]byte, error) {
	src := b.path("pending", name)
	dst := b.path("inflight", name)
	if err := os.Rename(src, dst); err != nil {
		return nil, fmt.Errorf("pending->inflight %s: %w", name, err)
	}
	return os.ReadFile(dst)
}

// ToArchived atomically renames an inflight file to a content-addressed
// archived name (§4.3 step 4).
func (b *BufferDir) ToArchived(name, bodySHA256Hex string) error {
	src := b.path("inflight", name)
	dst := b.path("archived", bodySHA256Hex+".json")
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("inflight->archived %s: %w", name, err)
	}
	return nil
}

// ToPending returns an inflight file to pending after a retriable failure
// (§4.3 step 5).
func (b *BufferDir) ToPending(name string) error {
	src := b.path("inflight", name)
	dst := b.path("pending", name)
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("inflight->pending %s: %w", name, err)
	}
	return nil
}

// Quarantine moves an inflight file to a quarantine sub-directory for
// operator inspection (§4.3 steps 3 and 6: receipt mismatch or non-409
// 4xx).
func (b *BufferDir) Quarantine(name string) error {
	qdir := filepath.Join(b.root, "quarantine")
	if err := os.MkdirAll(qdir, 0700); err != nil {
		return fmt.Errorf("create quarantine dir: %w", err)
	}
	src := b.path("inflight", name)
	dst := filepath.Join(qdir, name)
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("inflight->quarantine %s: %w", name, err)
	}
	return nil
}
