package network

import (
	"sort"
	"sync"
	"time"
)

// Peer is a node seen by a transport
type Peer struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	Address     string    `json:"address,omitempty"`
	Connected   bool      `json:"connected"`
	LastSeen    time.Time `json:"last_seen"`
}

// PeerTable keeps the peers a transport currently knows about. With a
// positive timeout, peers not seen for that long are removed.
type PeerTable struct {
	peers   map[string]*Peer
	mutex   sync.RWMutex
	timeout time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewPeerTable creates a table; timeout <= 0 keeps peers until removed.
func NewPeerTable(timeout time.Duration) *PeerTable {
	pt := &PeerTable{
		peers:   make(map[string]*Peer),
		timeout: timeout,
		stopCh:  make(chan struct{}),
	}

	if timeout > 0 {
		go pt.cleanupExpired()
	}

	return pt
}

// AddOrUpdate records a peer sighting
func (pt *PeerTable) AddOrUpdate(id, displayName, address string) {
	pt.mutex.Lock()
	defer pt.mutex.Unlock()

	p, ok := pt.peers[id]
	if !ok {
		p = &Peer{ID: id}
		pt.peers[id] = p
	}
	if displayName != "" {
		p.DisplayName = displayName
	}
	if address != "" {
		p.Address = address
	}
	p.LastSeen = time.Now()
}

// Touch refreshes LastSeen of a known peer
func (pt *PeerTable) Touch(id string) {
	pt.mutex.Lock()
	defer pt.mutex.Unlock()

	if p, ok := pt.peers[id]; ok {
		p.LastSeen = time.Now()
	}
}

// SetConnected marks the session state of a known peer
func (pt *PeerTable) SetConnected(id string, connected bool) {
	pt.mutex.Lock()
	defer pt.mutex.Unlock()

	if p, ok := pt.peers[id]; ok {
		p.Connected = connected
	}
}

// Remove forgets a peer
func (pt *PeerTable) Remove(id string) {
	pt.mutex.Lock()
	defer pt.mutex.Unlock()
	delete(pt.peers, id)
}

// Get returns a copy of a peer entry
func (pt *PeerTable) Get(id string) (Peer, bool) {
	pt.mutex.RLock()
	defer pt.mutex.RUnlock()

	p, ok := pt.peers[id]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// DisplayName returns the name announced by the peer. When the peer never
// announced one, the id is returned and isRealName is false.
func (pt *PeerTable) DisplayName(id string) (name string, isRealName bool) {
	pt.mutex.RLock()
	defer pt.mutex.RUnlock()

	if p, ok := pt.peers[id]; ok && p.DisplayName != "" {
		return p.DisplayName, true
	}
	return id, false
}

// GetActivePeers returns the peers that have not expired, sorted by id
func (pt *PeerTable) GetActivePeers() []Peer {
	pt.mutex.RLock()
	defer pt.mutex.RUnlock()

	now := time.Now()
	active := make([]Peer, 0, len(pt.peers))

	for _, p := range pt.peers {
		if pt.timeout <= 0 || now.Sub(p.LastSeen) < pt.timeout {
			active = append(active, *p)
		}
	}

	sort.Slice(active, func(i, j int) bool { return active[i].ID < active[j].ID })
	return active
}

// Count returns the number of active peers
func (pt *PeerTable) Count() int {
	return len(pt.GetActivePeers())
}

// Stop ends the cleanup goroutine
func (pt *PeerTable) Stop() {
	pt.stopOnce.Do(func() { close(pt.stopCh) })
}

// cleanupExpired removes expired peers once per second
func (pt *PeerTable) cleanupExpired() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pt.mutex.Lock()
			now := time.Now()
			for id, p := range pt.peers {
				if now.Sub(p.LastSeen) >= pt.timeout {
					delete(pt.peers, id)
				}
			}
			pt.mutex.Unlock()
		case <-pt.stopCh:
			return
		}
	}
}

// GetStats returns peer table statistics
func (pt *PeerTable) GetStats() map[string]interface{} {
	active := pt.GetActivePeers()
	connected := 0
	for _, p := range active {
		if p.Connected {
			connected++
		}
	}

	return map[string]interface{}{
		"peers_active":    len(active),
		"peers_connected": connected,
		"timeout_seconds": pt.timeout.Seconds(),
	}
}
