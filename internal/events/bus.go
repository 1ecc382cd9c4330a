// Package events provides a fan-out pub/sub event bus used to push
// real-time notifications to the operator-facing SSE surface (C9).
package events

import (
	"sync"
	"time"
)

// Kind identifies the kind of notification carried by a Notification.
type Kind string

const (
	KindAlertCreated    Kind = "alert_created"
	KindAlertTransition Kind = "alert_transition"
	KindIncidentMerged  Kind = "incident_merged"
	KindIncidentScored  Kind = "incident_scored"
	KindJobStatus       Kind = "job_status"
	KindBundleReady     Kind = "bundle_ready"
	KindPolicyReloaded  Kind = "policy_reloaded"
)

// Notification is a single event published through the bus and streamed to
// SSE clients subscribed to /v1/stream.
type Notification struct {
	Kind       Kind      `json:"kind"`
	IncidentID string    `json:"incident_id,omitempty"`
	AlertID    string    `json:"alert_id,omitempty"`
	JobID      string    `json:"job_id,omitempty"`
	Message    string    `json:"message,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Bus is a fan-out pub/sub event bus. Subscribers receive all notifications
// published after they subscribe. Slow subscribers that fall behind have
// notifications dropped rather than blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Notification
	next uint64
}

// New creates a ready-to-use Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[uint64]chan Notification),
	}
}

// Publish sends a notification to all current subscribers. If a
// subscriber's buffer is full, the notification is dropped for that
// subscriber (non-blocking).
func (b *Bus) Publish(n Notification) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- n:
		default:
			// subscriber buffer full -- drop rather than block the publisher
		}
	}
}

// Subscribe returns a channel that receives all future notifications and a
// cancel function that unsubscribes and closes the channel. The caller must
// invoke cancel when done to avoid resource leaks.
func (b *Bus) Subscribe() (<-chan Notification, func()) {
	ch := make(chan Notification, subscriberBufferSize)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}

	return ch, cancel
}
