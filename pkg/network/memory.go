package network

import (
	"fmt"
	"log"
	"sync"
)

// DropFunc decides whether a packet from one node to another is lost
type DropFunc func(from, to string, data []byte) bool

type link struct{ a, b string }

func newLink(x, y string) link {
	if x > y {
		x, y = y, x
	}
	return link{x, y}
}

// MemoryHub connects MemoryTransports inside one process. Every started
// transport discovers every other one. Delivery is synchronous: Send returns
// after the receiver's handler has run.
type MemoryHub struct {
	nodes map[string]*MemoryTransport
	links map[link]bool
	drop  DropFunc
	mutex sync.Mutex
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		nodes: make(map[string]*MemoryTransport),
		links: make(map[link]bool),
	}
}

// SetDropFunc installs a loss filter; nil delivers everything
func (h *MemoryHub) SetDropFunc(f DropFunc) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.drop = f
}

// NewTransport creates a transport attached to the hub
func (h *MemoryHub) NewTransport(id, displayName string) *MemoryTransport {
	return &MemoryTransport{hub: h, id: id, displayName: displayName}
}

// Separate simulates two nodes moving out of range of each other: the
// session between them drops and both lose sight of the other.
func (h *MemoryHub) Separate(a, b string) {
	h.mutex.Lock()
	na, nb := h.nodes[a], h.nodes[b]
	wasLinked := h.links[newLink(a, b)]
	delete(h.links, newLink(a, b))
	h.mutex.Unlock()

	if na == nil || nb == nil {
		return
	}
	if wasLinked {
		na.handler.PeerDisconnected(b)
		nb.handler.PeerDisconnected(a)
	}
	na.handler.PeerLost(b)
	nb.handler.PeerLost(a)
}

func (h *MemoryHub) lookup(id string) (*MemoryTransport, bool) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	n, ok := h.nodes[id]
	return n, ok
}

// MemoryTransport is the in-process Transport used by tests and the local
// demo.
type MemoryTransport struct {
	hub         *MemoryHub
	id          string
	displayName string
	handler     Handler
}

// LocalID returns the node id
func (t *MemoryTransport) LocalID() string { return t.id }

// Start registers the node and exchanges discovery events with the nodes
// already on the hub.
func (t *MemoryTransport) Start(handler Handler) error {
	h := t.hub
	h.mutex.Lock()
	if _, exists := h.nodes[t.id]; exists {
		h.mutex.Unlock()
		return fmt.Errorf("network: node %s already started", t.id)
	}
	t.handler = handler
	others := make([]*MemoryTransport, 0, len(h.nodes))
	for _, n := range h.nodes {
		others = append(others, n)
	}
	h.nodes[t.id] = t
	h.mutex.Unlock()

	log.Printf("[NET] %s joined in-memory hub (%d peers)", t.id, len(others))

	for _, n := range others {
		n.handler.PeerDiscovered(t.id, t.displayName)
		handler.PeerDiscovered(n.id, n.displayName)
	}
	return nil
}

// Connect asks the remote handler to accept a session
func (t *MemoryTransport) Connect(peerID string) error {
	if _, ok := t.hub.lookup(t.id); !ok {
		return ErrStopped
	}
	remote, ok := t.hub.lookup(peerID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}

	if !remote.handler.ConnectionRequested(t.id) {
		return fmt.Errorf("%w by %s", ErrRejected, peerID)
	}

	t.hub.mutex.Lock()
	l := newLink(t.id, peerID)
	already := t.hub.links[l]
	t.hub.links[l] = true
	t.hub.mutex.Unlock()

	if already {
		return nil
	}

	remote.handler.PeerConnected(t.id)
	t.handler.PeerConnected(peerID)
	return nil
}

// Disconnect ends the session with peerID, if any
func (t *MemoryTransport) Disconnect(peerID string) {
	t.hub.mutex.Lock()
	l := newLink(t.id, peerID)
	linked := t.hub.links[l]
	delete(t.hub.links, l)
	remote := t.hub.nodes[peerID]
	t.hub.mutex.Unlock()

	if !linked {
		return
	}
	if remote != nil {
		remote.handler.PeerDisconnected(t.id)
	}
	t.handler.PeerDisconnected(peerID)
}

// Send delivers a copy of data to the peer unless the drop filter eats it
func (t *MemoryTransport) Send(peerID string, data []byte) error {
	h := t.hub
	h.mutex.Lock()
	linked := h.links[newLink(t.id, peerID)]
	remote := h.nodes[peerID]
	drop := h.drop
	h.mutex.Unlock()

	if !linked || remote == nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, peerID)
	}
	if drop != nil && drop(t.id, peerID, data) {
		return nil
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	remote.handler.Receive(t.id, buf)
	return nil
}

// Stop leaves the hub; peers see the session drop and the node vanish
func (t *MemoryTransport) Stop() error {
	h := t.hub
	h.mutex.Lock()
	if h.nodes[t.id] != t {
		h.mutex.Unlock()
		return nil
	}
	delete(h.nodes, t.id)

	var linked, others []*MemoryTransport
	for _, n := range h.nodes {
		others = append(others, n)
		if h.links[newLink(t.id, n.id)] {
			delete(h.links, newLink(t.id, n.id))
			linked = append(linked, n)
		}
	}
	h.mutex.Unlock()

	for _, n := range linked {
		n.handler.PeerDisconnected(t.id)
	}
	for _, n := range others {
		n.handler.PeerLost(t.id)
	}

	log.Printf("[NET] %s left in-memory hub", t.id)
	return nil
}
