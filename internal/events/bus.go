// Package events distributes job events to SSE, websocket and MQTT
// subscribers, with a replay ring for reconnecting clients.
package events

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/snarg/minutes-engine/internal/metrics"
)

// Event types.
const (
	// TypeJob carries a full job snapshot; SubType is the job status.
	TypeJob = "job"
	// TypeChunk reports one finished chunk; SubType is "ok" or "failed".
	TypeChunk = "chunk"
)

// Event is one published event as delivered to subscribers.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	SubType   string          `json:"sub_type,omitempty"`
	Timestamp string          `json:"timestamp"`
	JobID     string          `json:"job_id,omitempty"`
	Data      json.RawMessage `json:"data"`
}

// Filter selects events. Empty fields match everything. Types accepts
// "type" or compound "type:subtype" entries.
type Filter struct {
	Types  []string
	JobIDs []string
}

// Bus provides pub-sub event distribution.
// It maintains a ring buffer for replay on reconnect.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[uint64]subscriber
	nextID      uint64
	seq         atomic.Uint64
	now         func() time.Time

	ring     []Event
	ringSize int
	ringHead int
	ringMu   sync.RWMutex
}

type subscriber struct {
	ch     chan Event
	filter Filter
}

// NewBus creates an event bus with the given ring buffer size.
func NewBus(ringSize int) *Bus {
	ringSize = max(ringSize, 1)
	return &Bus{
		subscribers: make(map[uint64]subscriber),
		ring:        make([]Event, ringSize),
		ringSize:    ringSize,
		now:         time.Now,
	}
}

// Subscribe registers a new subscriber and returns a channel and cancel function.
// Slow subscribers miss events rather than block publishers.
func (b *Bus) Subscribe(filter Filter) (<-chan Event, func()) {
	return b.SubscribeBuffered(filter, 64)
}

// SubscribeBuffered is Subscribe with an explicit channel buffer.
func (b *Bus) SubscribeBuffered(filter Filter, buffer int) (<-chan Event, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, buffer)
	b.subscribers[id] = subscriber{ch: ch, filter: filter}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, id)
			b.mu.Unlock()
		})
	}
	return ch, cancel
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// ReplaySince returns buffered events published after lastEventID. When the
// ID has already been overwritten, every buffered event is returned so the
// client does not silently miss everything.
func (b *Bus) ReplaySince(lastEventID string, filter Filter) []Event {
	b.ringMu.RLock()
	defer b.ringMu.RUnlock()

	ordered := make([]Event, 0, b.ringSize)
	for i := range b.ringSize {
		e := b.ring[(b.ringHead+i)%b.ringSize]
		if e.ID != "" {
			ordered = append(ordered, e)
		}
	}

	if lastEventID != "" {
		if i := slices.IndexFunc(ordered, func(e Event) bool { return e.ID == lastEventID }); i >= 0 {
			ordered = ordered[i+1:]
		}
	}

	var events []Event
	for _, e := range ordered {
		if matchesFilter(e, filter) {
			events = append(events, e)
		}
	}
	return events
}

// EventData holds all fields needed to publish an event.
type EventData struct {
	Type    string
	SubType string
	JobID   string
	Payload any
}

// Publish sends an event to all matching subscribers and adds it to the ring buffer.
func (b *Bus) Publish(e EventData) {
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return
	}

	now := b.now()
	seq := b.seq.Add(1)
	event := Event{
		ID:        fmt.Sprintf("%d-%d", now.UnixMilli(), seq),
		Type:      e.Type,
		SubType:   e.SubType,
		Timestamp: now.UTC().Format(time.RFC3339),
		JobID:     e.JobID,
		Data:      data,
	}

	b.ringMu.Lock()
	b.ring[b.ringHead] = event
	b.ringHead = (b.ringHead + 1) % b.ringSize
	b.ringMu.Unlock()

	b.mu.RLock()
	for _, sub := range b.subscribers {
		if matchesFilter(event, sub.filter) {
			select {
			case sub.ch <- event:
			default:
				// Drop if subscriber is slow
			}
		}
	}
	b.mu.RUnlock()
	metrics.EventsPublishedTotal.Inc()
}

func matchesFilter(e Event, f Filter) bool {
	if len(f.Types) > 0 {
		match := false
		for _, t := range f.Types {
			t = strings.TrimSpace(t)
			if base, sub, ok := strings.Cut(t, ":"); ok {
				// Compound filter: "job:completed" matches type + subtype
				if base == e.Type && sub == e.SubType {
					match = true
					break
				}
			} else if t == e.Type {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	if len(f.JobIDs) > 0 && !slices.Contains(f.JobIDs, e.JobID) {
		return false
	}
	return true
}
