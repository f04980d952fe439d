// Package events provides the in-process fan-out bus that connects the
// registry to the discovery index and health monitor.
package events

import (
	"sync"
	"time"
)

const defaultEventBuffer = 256

// Type categorizes bus events.
type Type string

const (
	// TypeServerChanged is emitted on server register/edit/delete/toggle.
	TypeServerChanged Type = "server.changed"
	// TypeAgentChanged is emitted on agent register/edit/delete/toggle.
	TypeAgentChanged Type = "agent.changed"
	// TypePolicyReloaded is emitted after a successful policy reload.
	TypePolicyReloaded Type = "policy.reloaded"
	// TypeHealthChanged is emitted when a probe changes a server's status.
	TypeHealthChanged Type = "health.changed"
)

// Event is a typed notification published on the bus.
type Event struct {
	Type      Type           `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Bus fans events out to subscribers. Publishing never blocks; slow
// subscribers drop events.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[chan Event]struct{})}
}

// Subscribe registers a new subscriber channel. Callers must not close the
// returned channel; use Unsubscribe when finished.
func (b *Bus) Subscribe() chan Event {
	ch := make(chan Event, defaultEventBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes the subscriber and closes the channel.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish delivers an event to all subscribers without blocking.
func (b *Bus) Publish(eventType Type, payload map[string]any) {
	evt := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	b.mu.RLock()
	for ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
	b.mu.RUnlock()
}
