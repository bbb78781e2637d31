// Package eventhub fans workbench updates out to observers.
package eventhub

import (
	"sync"
	"time"

	"workbench/internal/action"
)

// Event is any update published through the hub.
type Event interface {
	EventType() string
}

// ActionUpdate reports a status change of one action.
type ActionUpdate struct {
	ArtifactID string       `json:"artifact_id"`
	State      action.State `json:"action"`
	At         time.Time    `json:"at"`
}

func (ActionUpdate) EventType() string { return "action" }

// ArtifactUpdate reports an artifact being opened, retitled or closed.
type ArtifactUpdate struct {
	ArtifactID string    `json:"artifact_id"`
	Title      string    `json:"title"`
	Closed     bool      `json:"closed"`
	At         time.Time `json:"at"`
}

func (ArtifactUpdate) EventType() string { return "artifact" }

// FileUpdate reports a mirror change for one path.
type FileUpdate struct {
	Path     string    `json:"path"`
	Removed  bool      `json:"removed,omitempty"`
	Modified bool      `json:"modified"`
	At       time.Time `json:"at"`
}

func (FileUpdate) EventType() string { return "file" }

// Hub delivers events to subscribers. Publishing never blocks: a subscriber
// whose buffer is full misses the event.
type Hub struct {
	mu      sync.Mutex
	subs    map[uint64]chan Event
	nextID  uint64
	dropped uint64
}

// New creates an empty hub.
func New() *Hub {
	return &Hub{subs: map[uint64]chan Event{}}
}

// Subscribe registers a listener with the given buffer size. Call the cleanup
// function to stop receiving events; it closes the channel.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			h.mu.Lock()
			if sub, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(sub)
			}
			h.mu.Unlock()
		})
	}
	return ch, cleanup
}

// Publish delivers ev to every subscriber.
func (h *Hub) Publish(ev Event) {
	if h == nil || ev == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.dropped++
		}
	}
}

// Subscribers returns the number of active subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped because a buffer was full.
func (h *Hub) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}
