package protocol

import (
	"log"
	"math/rand"
	"sync"
	"time"
)

// Broadcaster sends a packet to every connected peer
type Broadcaster interface {
	Broadcast(data []byte)
}

// Heartbeat sends Pling packets to the connected peers at a jittered
// interval so both sides can tell a live session from a stale one.
type Heartbeat struct {
	nodeID   string
	sender   Broadcaster
	interval time.Duration
	jitter   time.Duration
	sent     uint64

	// Run control
	running bool
	stopCh  chan struct{}
	mutex   sync.RWMutex
}

// NewHeartbeat creates a heartbeat; each tick waits interval plus a random
// share of jitter.
func NewHeartbeat(nodeID string, sender Broadcaster, interval, jitter time.Duration) *Heartbeat {
	if interval <= 0 {
		interval = time.Second
	}
	if jitter < 0 {
		jitter = 0
	}
	return &Heartbeat{
		nodeID:   nodeID,
		sender:   sender,
		interval: interval,
		jitter:   jitter,
		stopCh:   make(chan struct{}),
	}
}

// Start begins sending plings
func (h *Heartbeat) Start() {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.running {
		return
	}

	h.running = true
	h.stopCh = make(chan struct{})
	log.Printf("[HEARTBEAT] Starting for %s (every %v +%v)", h.nodeID, h.interval, h.jitter)

	go h.loop(h.stopCh)
}

// Stop halts the heartbeat. Safe to call more than once.
func (h *Heartbeat) Stop() {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if !h.running {
		return
	}

	h.running = false
	close(h.stopCh)
	log.Printf("[HEARTBEAT] Stopped for %s", h.nodeID)
}

func (h *Heartbeat) loop(stopCh chan struct{}) {
	for {
		wait := h.interval
		if h.jitter > 0 {
			wait += time.Duration(rand.Int63n(int64(h.jitter)))
		}

		select {
		case <-time.After(wait):
			h.Beat()
		case <-stopCh:
			return
		}
	}
}

// Beat sends one pling immediately
func (h *Heartbeat) Beat() {
	h.sender.Broadcast(EncodePling())

	h.mutex.Lock()
	h.sent++
	h.mutex.Unlock()
}

// GetStats returns heartbeat statistics
func (h *Heartbeat) GetStats() map[string]interface{} {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	return map[string]interface{}{
		"node_id":  h.nodeID,
		"running":  h.running,
		"interval": h.interval.String(),
		"sent":     h.sent,
	}
}
