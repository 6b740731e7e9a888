package reconcile

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Event is one observable state-change notification from the reconciler.
// The State field is a value copy of the affected slot's state at publish
// time, so subscribers never observe later mutations.
type Event struct {
	ID        string   `json:"event_id"`
	Type      string   `json:"event_type"` // "hypothesis", "confirm", "reset"
	Slot      string   `json:"slot"`
	SourceID  string   `json:"source_id"`
	Timestamp string   `json:"timestamp"`
	State     Snapshot `json:"state"`
}

// Filter specifies which events a subscriber wants to receive. Empty fields
// match everything.
type Filter struct {
	Types []string
	Slots []string
}

// EventBus provides pub-sub distribution of reconciler updates with a ring
// buffer for replay on reconnect.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[uint64]subscriber
	nextID      uint64
	seq         atomic.Uint64

	ring     []Event
	ringSize int
	ringHead int
	ringMu   sync.RWMutex
}

type subscriber struct {
	ch     chan Event
	filter Filter
}

// NewEventBus creates an event bus with the given ring buffer size.
func NewEventBus(ringSize int) *EventBus {
	return &EventBus{
		subscribers: make(map[uint64]subscriber),
		ring:        make([]Event, ringSize),
		ringSize:    ringSize,
	}
}

// Subscribe registers a new subscriber and returns a channel and cancel function.
func (eb *EventBus) Subscribe(filter Filter) (<-chan Event, func()) {
	eb.mu.Lock()
	id := eb.nextID
	eb.nextID++
	ch := make(chan Event, 64)
	eb.subscribers[id] = subscriber{ch: ch, filter: filter}
	eb.mu.Unlock()

	cancel := func() {
		eb.mu.Lock()
		delete(eb.subscribers, id)
		eb.mu.Unlock()
	}
	return ch, cancel
}

// SubscriberCount reports the number of currently registered subscribers.
func (eb *EventBus) SubscriberCount() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subscribers)
}

// ReplaySince returns buffered events after the given event ID. When the ID
// has already been overwritten by ring wrap, everything available is returned
// so the client does not silently miss events.
func (eb *EventBus) ReplaySince(lastEventID string, filter Filter) []Event {
	eb.ringMu.RLock()
	defer eb.ringMu.RUnlock()

	var events []Event
	after := -1

	for i := 0; i < eb.ringSize; i++ {
		idx := (eb.ringHead + i) % eb.ringSize
		e := eb.ring[idx]
		if e.ID == "" {
			continue
		}
		if e.ID == lastEventID {
			after = len(events)
			continue
		}
		if matchesFilter(e, filter) {
			events = append(events, e)
		}
	}

	if after >= 0 {
		return events[after:]
	}
	return events
}

// Publish stamps the event, records it in the ring buffer, and distributes it
// to matching subscribers. Slow subscribers lose events rather than blocking
// the reconciler.
func (eb *EventBus) Publish(e Event) {
	seq := eb.seq.Add(1)
	e.ID = fmt.Sprintf("%d-%d", time.Now().UnixMilli(), seq)
	e.Timestamp = time.Now().UTC().Format(time.RFC3339)

	eb.ringMu.Lock()
	eb.ring[eb.ringHead] = e
	eb.ringHead = (eb.ringHead + 1) % eb.ringSize
	eb.ringMu.Unlock()

	eb.mu.RLock()
	for _, sub := range eb.subscribers {
		if matchesFilter(e, sub.filter) {
			select {
			case sub.ch <- e:
			default:
				// Drop if subscriber is slow
			}
		}
	}
	eb.mu.RUnlock()
}

func matchesFilter(e Event, f Filter) bool {
	if len(f.Types) > 0 {
		match := false
		for _, t := range f.Types {
			if t == e.Type {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	if len(f.Slots) > 0 {
		match := false
		for _, s := range f.Slots {
			if s == e.Slot {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	return true
}
