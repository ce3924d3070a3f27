package live

import (
	"sync"

	"github.com/google/uuid"

	"github.com/LeventeLantos/guest-messaging/internal/model"
)

const defaultBuffer = 32

type subscriber struct {
	ch chan model.DeliveryUpdate
}

// Hub fans delivery updates out to subscribers of an event. All subscribers
// of one event share a single registry entry.
type Hub struct {
	mu     sync.RWMutex
	events map[uuid.UUID]map[*subscriber]struct{}
	buffer int
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{
		events: make(map[uuid.UUID]map[*subscriber]struct{}),
		buffer: buffer,
	}
}

// Subscribe registers interest in eventID. The returned func unsubscribes and
// closes the channel; calling it more than once is a no-op.
func (h *Hub) Subscribe(eventID uuid.UUID) (<-chan model.DeliveryUpdate, func()) {
	s := &subscriber{ch: make(chan model.DeliveryUpdate, h.buffer)}

	h.mu.Lock()
	subs, ok := h.events[eventID]
	if !ok {
		subs = make(map[*subscriber]struct{})
		h.events[eventID] = subs
	}
	subs[s] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if subs, ok := h.events[eventID]; ok {
				delete(subs, s)
				if len(subs) == 0 {
					delete(h.events, eventID)
				}
			}
			close(s.ch)
		})
	}
}

// Publish delivers u to every subscriber of u.EventID without blocking.
// Subscribers with a full buffer miss the update. It returns the number of
// subscribers that received it.
func (h *Hub) Publish(u model.DeliveryUpdate) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for s := range h.events[u.EventID] {
		select {
		case s.ch <- u:
			n++
		default:
		}
	}
	return n
}

// Events reports how many events currently have subscribers.
func (h *Hub) Events() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.events)
}
