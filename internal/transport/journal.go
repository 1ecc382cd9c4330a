package transport

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/ransomeye/drc/internal/logging"
)

var (
	bucketQuarantine = []byte("quarantine")
	bucketRotations  = []byte("rotations")
)

// JournalEntry is one agent-local decision: a quarantined event or a
// buffer rotation that dropped a pending file. Entries are recorded when
// the decision is made, whether or not the server is reachable.
type JournalEntry struct {
	Kind      string    `json:"kind"` // "quarantine" or "rotation"
	EventID   string    `json:"event_id"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Journal persists agent-local audit events (quarantine, buffer rotation)
// to a bucket-per-concern BoltDB so an operator can review what the agent
// did during an outage, and so the agent can replay a summary once it
// reconnects past the outage grace period (§D.3).
type Journal struct {
	db *bolt.DB
}

// OpenJournal opens (creating if needed) the journal database at path.
func OpenJournal(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketQuarantine, bucketRotations} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create journal buckets: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close closes the underlying BoltDB.
func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) record(bucket []byte, entry JournalEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		key := []byte(entry.Timestamp.UTC().Format(time.RFC3339Nano))
		return b.Put(key, data)
	})
}

// RecordQuarantine appends a quarantine decision to the journal.
func (j *Journal) RecordQuarantine(eventID, reason string, at time.Time) error {
	return j.record(bucketQuarantine, JournalEntry{
		Kind: "quarantine", EventID: eventID, Reason: reason, Timestamp: at,
	})
}

// RecordRotation appends a buffer-rotation (quota drop) decision to the
// journal.
func (j *Journal) RecordRotation(eventID string, at time.Time) error {
	return j.record(bucketRotations, JournalEntry{
		Kind: "rotation", EventID: eventID, Timestamp: at,
	})
}

// Since returns every recorded entry across both buckets with a timestamp
// at or after cutoff, oldest first.
func (j *Journal) Since(cutoff time.Time) ([]JournalEntry, error) {
	var entries []JournalEntry
	err := j.db.View(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketQuarantine, bucketRotations} {
			b := tx.Bucket(bucket)
			c := b.Cursor()
			for k, v := c.First(); k != nil; k, v = c.Next() {
				var e JournalEntry
				if err := json.Unmarshal(v, &e); err != nil {
					continue
				}
				if !e.Timestamp.Before(cutoff) {
					entries = append(entries, e)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortEntriesByTime(entries)
	return entries, nil
}

func sortEntriesByTime(entries []JournalEntry) {
	for i := 1; i < len(entries); i++ {
		for k := i; k > 0 && entries[k].Timestamp.Before(entries[k-1].Timestamp); k-- {
			entries[k], entries[k-1] = entries[k-1], entries[k]
		}
	}
}

// Replay logs a summary of everything recorded since outageStart, for
// operator audit after a prolonged disconnection. It does not prune the
// journal; entries remain in the BoltDB file.
func (j *Journal) Replay(log *logging.Logger, outageStart time.Time) error {
	entries, err := j.Since(outageStart)
	if err != nil {
		return fmt.Errorf("read journal since %s: %w", outageStart, err)
	}
	if len(entries) == 0 {
		return nil
	}
	var quarantined, rotated int
	for _, e := range entries {
		switch e.Kind {
		case "quarantine":
			quarantined++
		case "rotation":
			rotated++
		}
	}
	log.Warn("replaying agent-local journal after reconnect",
		"outage_start", outageStart, "entries", len(entries),
		"quarantined", quarantined, "rotated", rotated)
	for _, e := range entries {
		log.Info("journal entry", "kind", e.Kind, "event_id", e.EventID, "reason", e.Reason, "timestamp", e.Timestamp)
	}
	return nil
}
