package sensor

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
)

// ErrHubStopped is returned when adding a listener to a stopped hub
var ErrHubStopped = errors.New("sensor: hub stopped")

// Listener receives the event kinds it accepts. HandleSensorEvent is called
// on the producer's goroutine and must not block.
type Listener interface {
	Accepts() Kinds
	HandleSensorEvent(Event)
}

// Publisher is what sources emit into
type Publisher interface {
	Publish(Event)
}

// Source produces events while started
type Source interface {
	Start(Publisher) error
	Stop()
}

// Hub is the listener registry. Registration is serialized by a mutex and
// replaces the listener slice; Publish iterates whatever slice was current
// when it began, so delivery never races with registration.
//
// The source is only running while at least one listener is registered.
type Hub struct {
	source Source

	listeners atomic.Pointer[[]Listener]

	sourceRunning bool
	stopped       bool
	mutex         sync.Mutex

	published atomic.Uint64
	delivered atomic.Uint64
}

// NewHub creates a hub around source (may be nil for a push-only hub)
func NewHub(source Source) *Hub {
	h := &Hub{source: source}
	empty := []Listener{}
	h.listeners.Store(&empty)
	return h
}

// AddListener registers l and starts the source if it was idle. Adding the
// same listener twice is a no-op.
func (h *Hub) AddListener(l Listener) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.stopped {
		return ErrHubStopped
	}

	current := *h.listeners.Load()
	for _, existing := range current {
		if existing == l {
			return nil
		}
	}

	next := make([]Listener, len(current), len(current)+1)
	copy(next, current)
	next = append(next, l)
	h.listeners.Store(&next)

	if !h.sourceRunning && h.source != nil {
		if err := h.source.Start(h); err != nil {
			h.listeners.Store(&current)
			return fmt.Errorf("start sensor source: %w", err)
		}
		h.sourceRunning = true
		log.Printf("[SENSOR] Source started")
	}

	log.Printf("[SENSOR] Listener added (%d total, accepts %s)", len(next), l.Accepts())
	return nil
}

// RemoveListener unregisters l; the source stops with the last listener.
func (h *Hub) RemoveListener(l Listener) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	current := *h.listeners.Load()
	next := make([]Listener, 0, len(current))
	for _, existing := range current {
		if existing != l {
			next = append(next, existing)
		}
	}
	if len(next) == len(current) {
		return
	}
	h.listeners.Store(&next)

	log.Printf("[SENSOR] Listener removed (%d left)", len(next))

	if len(next) == 0 {
		h.stopSourceLocked()
	}
}

// Publish delivers e to every listener that accepts its kind
func (h *Hub) Publish(e Event) {
	h.published.Add(1)
	snapshot := *h.listeners.Load()
	for _, l := range snapshot {
		if l.Accepts().Has(e.Kind()) {
			l.HandleSensorEvent(e)
			h.delivered.Add(1)
		}
	}
}

// ListenerCount returns the number of registered listeners
func (h *Hub) ListenerCount() int {
	return len(*h.listeners.Load())
}

// IsSourceRunning reports whether the source is currently started
func (h *Hub) IsSourceRunning() bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.sourceRunning
}

// Stop stops the source and drops all listeners. Safe to call repeatedly.
func (h *Hub) Stop() {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.stopped {
		return
	}
	h.stopped = true
	h.stopSourceLocked()

	empty := []Listener{}
	h.listeners.Store(&empty)
	log.Printf("[SENSOR] Hub stopped")
}

func (h *Hub) stopSourceLocked() {
	if !h.sourceRunning || h.source == nil {
		return
	}
	h.source.Stop()
	h.sourceRunning = false
	log.Printf("[SENSOR] Source stopped (no listeners)")
}

// GetStats returns hub statistics
func (h *Hub) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"listeners":      h.ListenerCount(),
		"source_running": h.IsSourceRunning(),
		"published":      h.published.Load(),
		"delivered":      h.delivered.Load(),
	}
}
