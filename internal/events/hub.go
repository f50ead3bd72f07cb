// Package events is the record-update broadcast hub. Consumers get an
// explicit bounded queue with drop-oldest overflow, and their lifetime
// is their own: unsubscribe releases everything, so the hub never holds
// state whose lifetime equals the longest-lived consumer.
package events

import (
	"sync"
	"time"
)

// EventType names what happened to a record.
type EventType string

const (
	EventCommitted EventType = "committed"
	EventDeleted   EventType = "deleted"
)

// Event is one record-update notification.
type Event struct {
	Type       EventType `json:"type"`
	DID        string    `json:"did"`
	RecordType string    `json:"recordType,omitempty"`
	Storage    string    `json:"storage,omitempty"`
	At         time.Time `json:"at"`
}

// queueCap bounds each consumer's queue.
const queueCap = 64

// Subscriber is one consumer's bounded queue.
type Subscriber struct {
	id uint64
	// C delivers events. Slow consumers lose the oldest undelivered
	// events, never block the publisher.
	C chan Event

	dropped uint64
}

// Dropped returns how many events this subscriber lost to overflow.
func (s *Subscriber) Dropped() uint64 { return s.dropped }

// Hub fans record updates out to subscribers.
type Hub struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscriber
	nextID uint64
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]*Subscriber)}
}

// Subscribe registers a new consumer.
func (h *Hub) Subscribe() *Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	sub := &Subscriber{id: h.nextID, C: make(chan Event, queueCap)}
	h.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a consumer and closes its queue.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub.id]; !ok {
		return
	}
	delete(h.subs, sub.id)
	close(sub.C)
}

// Publish delivers ev to every subscriber, dropping each full queue's
// oldest event to make room. Publish never blocks.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		for {
			select {
			case sub.C <- ev:
			default:
				select {
				case <-sub.C:
					sub.dropped++
				default:
				}
				continue
			}
			break
		}
	}
}

// Subscribers returns the current consumer count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
