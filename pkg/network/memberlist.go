package network

import (
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
)

// frame kinds carried over memberlist's reliable channel
const (
	frameConnect    byte = 1
	frameAccept     byte = 2
	frameReject     byte = 3
	frameData       byte = 4
	frameDisconnect byte = 5
)

var errBadFrame = errors.New("network: malformed frame")

// MemberlistConfig configures a SWIM-backed transport
type MemberlistConfig struct {
	NodeID         string   // unique id, also the memberlist node name
	DisplayName    string   // announced to peers in node metadata
	BindAddr       string   // e.g. "0.0.0.0"
	BindPort       int      // 0 picks a free port
	Seeds          []string // host:port of nodes to join
	ConnectTimeout time.Duration
	QueueSize      int
	Quiet          bool // silence memberlist's internal logger
}

// DefaultMemberlistConfig returns the LAN defaults used by the node
func DefaultMemberlistConfig(nodeID string) MemberlistConfig {
	return MemberlistConfig{
		NodeID:         nodeID,
		DisplayName:    nodeID,
		BindAddr:       "0.0.0.0",
		BindPort:       7946,
		ConnectTimeout: 3 * time.Second,
		QueueSize:      256,
	}
}

// MemberlistTransport discovers peers through SWIM membership and carries
// packets over memberlist's reliable (TCP) channel. All handler callbacks
// except those triggered by Connect run on one worker goroutine.
type MemberlistTransport struct {
	config MemberlistConfig
	ml     *memberlist.Memberlist
	peers  *PeerTable

	handler  Handler
	sessions map[string]bool
	pending  map[string]chan bool

	queue   chan func()
	running bool
	stopCh  chan struct{}
	mutex   sync.RWMutex

	sent     uint64
	received uint64
	dropped  uint64
}

// NewMemberlistTransport creates a transport; nothing listens until Start.
func NewMemberlistTransport(config MemberlistConfig) *MemberlistTransport {
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 3 * time.Second
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}
	return &MemberlistTransport{
		config:   config,
		peers:    NewPeerTable(0),
		sessions: make(map[string]bool),
		pending:  make(map[string]chan bool),
	}
}

// LocalID returns the memberlist node name
func (t *MemberlistTransport) LocalID() string { return t.config.NodeID }

// Peers exposes the table of discovered peers
func (t *MemberlistTransport) Peers() *PeerTable { return t.peers }

// Start creates the memberlist, starts the worker and joins the seeds
func (t *MemberlistTransport) Start(handler Handler) error {
	t.mutex.Lock()
	if t.running {
		t.mutex.Unlock()
		return nil
	}
	t.handler = handler
	t.queue = make(chan func(), t.config.QueueSize)
	t.stopCh = make(chan struct{})
	t.running = true
	t.mutex.Unlock()

	go t.worker(t.queue, t.stopCh)

	cfg := memberlist.DefaultLANConfig()
	cfg.Name = t.config.NodeID
	cfg.BindAddr = t.config.BindAddr
	cfg.BindPort = t.config.BindPort
	cfg.AdvertisePort = t.config.BindPort
	cfg.Delegate = &memberlistDelegate{t: t}
	cfg.Events = &memberlistEvents{t: t}
	cfg.PushPullInterval = 30 * time.Second
	cfg.ProbeTimeout = time.Second
	cfg.ProbeInterval = 5 * time.Second
	if t.config.Quiet {
		cfg.LogOutput = io.Discard
	}

	ml, err := memberlist.Create(cfg)
	if err != nil {
		t.mutex.Lock()
		t.running = false
		close(t.stopCh)
		t.mutex.Unlock()
		return fmt.Errorf("network: creating memberlist: %w", err)
	}

	t.mutex.Lock()
	t.ml = ml
	t.mutex.Unlock()

	log.Printf("[NET] Node %s listening on %s", t.config.NodeID, ml.LocalNode().Address())

	seeds := make([]string, 0, len(t.config.Seeds))
	for _, seed := range t.config.Seeds {
		if seed != t.config.NodeID && seed != ml.LocalNode().Address() {
			seeds = append(seeds, seed)
		}
	}
	if len(seeds) > 0 {
		if n, err := ml.Join(seeds); err != nil {
			log.Printf("[NET] Warning: could not join seeds %v: %v", seeds, err)
		} else {
			log.Printf("[NET] Joined %d seed nodes", n)
		}
	}
	return nil
}

// Address returns host:port of the local memberlist node
func (t *MemberlistTransport) Address() string {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	if t.ml == nil {
		return ""
	}
	return t.ml.LocalNode().Address()
}

// Join adds a node to the cluster at runtime
func (t *MemberlistTransport) Join(addr string) error {
	t.mutex.RLock()
	ml := t.ml
	t.mutex.RUnlock()
	if ml == nil {
		return ErrStopped
	}
	if _, err := ml.Join([]string{addr}); err != nil {
		return fmt.Errorf("network: joining %s: %w", addr, err)
	}
	return nil
}

// Connect opens a session and waits for the peer's answer
func (t *MemberlistTransport) Connect(peerID string) error {
	t.mutex.Lock()
	if !t.running || t.ml == nil {
		t.mutex.Unlock()
		return ErrStopped
	}
	if t.sessions[peerID] {
		t.mutex.Unlock()
		return nil
	}
	reply := make(chan bool, 1)
	t.pending[peerID] = reply
	t.mutex.Unlock()

	defer func() {
		t.mutex.Lock()
		if t.pending[peerID] == reply {
			delete(t.pending, peerID)
		}
		t.mutex.Unlock()
	}()

	if err := t.sendFrame(peerID, frameConnect, nil); err != nil {
		return err
	}

	select {
	case accepted := <-reply:
		if !accepted {
			return fmt.Errorf("%w by %s", ErrRejected, peerID)
		}
	case <-time.After(t.config.ConnectTimeout):
		return fmt.Errorf("network: connect to %s timed out", peerID)
	}

	t.mutex.Lock()
	already := t.sessions[peerID]
	t.sessions[peerID] = true
	handler := t.handler
	t.mutex.Unlock()

	t.peers.SetConnected(peerID, true)
	if !already {
		handler.PeerConnected(peerID)
	}
	return nil
}

// Disconnect closes the session with peerID
func (t *MemberlistTransport) Disconnect(peerID string) {
	if !t.endSession(peerID) {
		return
	}
	if err := t.sendFrame(peerID, frameDisconnect, nil); err != nil {
		log.Printf("[NET] Disconnect notice to %s failed: %v", peerID, err)
	}
	t.notify(func(h Handler) { h.PeerDisconnected(peerID) })
}

// Send carries data over the session with peerID
func (t *MemberlistTransport) Send(peerID string, data []byte) error {
	t.mutex.RLock()
	connected := t.sessions[peerID]
	t.mutex.RUnlock()

	if !connected {
		return fmt.Errorf("%w: %s", ErrNotConnected, peerID)
	}
	return t.sendFrame(peerID, frameData, data)
}

// Stop tells connected peers goodbye, leaves the cluster and shuts down
func (t *MemberlistTransport) Stop() error {
	t.mutex.Lock()
	if !t.running {
		t.mutex.Unlock()
		return nil
	}
	t.running = false
	ml := t.ml
	connected := make([]string, 0, len(t.sessions))
	for id := range t.sessions {
		connected = append(connected, id)
	}
	t.mutex.Unlock()

	for _, id := range connected {
		if err := t.sendFrameVia(ml, id, frameDisconnect, nil); err != nil {
			log.Printf("[NET] Disconnect notice to %s failed: %v", id, err)
		}
	}

	var result error
	if ml != nil {
		if err := ml.Leave(5 * time.Second); err != nil {
			result = fmt.Errorf("network: leaving cluster: %w", err)
		}
		if err := ml.Shutdown(); err != nil && result == nil {
			result = fmt.Errorf("network: shutting down memberlist: %w", err)
		}
	}

	t.mutex.Lock()
	close(t.stopCh)
	t.sessions = make(map[string]bool)
	t.ml = nil
	t.mutex.Unlock()

	log.Printf("[NET] Node %s stopped", t.config.NodeID)
	return result
}

func (t *MemberlistTransport) endSession(peerID string) bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if !t.sessions[peerID] {
		return false
	}
	delete(t.sessions, peerID)
	t.peers.SetConnected(peerID, false)
	return true
}

func (t *MemberlistTransport) sendFrame(peerID string, kind byte, payload []byte) error {
	t.mutex.RLock()
	ml := t.ml
	t.mutex.RUnlock()
	return t.sendFrameVia(ml, peerID, kind, payload)
}

func (t *MemberlistTransport) sendFrameVia(ml *memberlist.Memberlist, peerID string, kind byte, payload []byte) error {
	if ml == nil {
		return ErrStopped
	}
	var node *memberlist.Node
	for _, n := range ml.Members() {
		if n.Name == peerID {
			node = n
			break
		}
	}
	if node == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}

	frame, err := encodeFrame(kind, t.config.NodeID, payload)
	if err != nil {
		return err
	}
	if err := ml.SendReliable(node, frame); err != nil {
		return fmt.Errorf("network: sending to %s: %w", peerID, err)
	}

	t.mutex.Lock()
	t.sent++
	t.mutex.Unlock()
	return nil
}

// encodeFrame lays out [kind][len(sender)][sender][payload]
func encodeFrame(kind byte, sender string, payload []byte) ([]byte, error) {
	if len(sender) == 0 || len(sender) > 255 {
		return nil, fmt.Errorf("network: node id length %d out of range", len(sender))
	}
	frame := make([]byte, 0, 2+len(sender)+len(payload))
	frame = append(frame, kind, byte(len(sender)))
	frame = append(frame, sender...)
	return append(frame, payload...), nil
}

func decodeFrame(buf []byte) (kind byte, sender string, payload []byte, err error) {
	if len(buf) < 2 {
		return 0, "", nil, errBadFrame
	}
	n := int(buf[1])
	if n == 0 || len(buf) < 2+n {
		return 0, "", nil, errBadFrame
	}
	kind = buf[0]
	if kind < frameConnect || kind > frameDisconnect {
		return 0, "", nil, errBadFrame
	}
	return kind, string(buf[2 : 2+n]), buf[2+n:], nil
}

// handleFrame runs inside memberlist's delivery path and must not block
func (t *MemberlistTransport) handleFrame(buf []byte) {
	kind, from, payload, err := decodeFrame(buf)
	if err != nil {
		t.mutex.Lock()
		t.dropped++
		t.mutex.Unlock()
		return
	}

	t.mutex.Lock()
	t.received++
	t.mutex.Unlock()
	t.peers.Touch(from)

	switch kind {
	case frameAccept, frameReject:
		t.mutex.RLock()
		reply := t.pending[from]
		t.mutex.RUnlock()
		if reply != nil {
			select {
			case reply <- kind == frameAccept:
			default:
			}
		}

	case frameConnect:
		// off the worker: the worker may itself be blocked in Connect
		// towards the same peer
		go t.answerConnect(from)

	case frameData:
		data := make([]byte, len(payload))
		copy(data, payload)
		t.enqueue(func() {
			t.mutex.RLock()
			connected := t.sessions[from]
			handler := t.handler
			t.mutex.RUnlock()

			if !connected {
				t.mutex.Lock()
				t.dropped++
				t.mutex.Unlock()
				return
			}
			handler.Receive(from, data)
		})

	case frameDisconnect:
		t.enqueue(func() {
			if t.endSession(from) {
				t.handler.PeerDisconnected(from)
			}
		})
	}
}

func (t *MemberlistTransport) answerConnect(from string) {
	t.mutex.RLock()
	handler, running := t.handler, t.running
	t.mutex.RUnlock()
	if !running {
		return
	}

	if !handler.ConnectionRequested(from) {
		if err := t.sendFrame(from, frameReject, nil); err != nil {
			log.Printf("[NET] Reject to %s failed: %v", from, err)
		}
		return
	}

	t.mutex.Lock()
	already := t.sessions[from]
	t.sessions[from] = true
	t.mutex.Unlock()
	t.peers.SetConnected(from, true)

	if !already {
		handler.PeerConnected(from)
	}
	if err := t.sendFrame(from, frameAccept, nil); err != nil {
		log.Printf("[NET] Accept to %s failed: %v", from, err)
	}
}

func (t *MemberlistTransport) notify(fn func(h Handler)) {
	t.enqueue(func() {
		t.mutex.RLock()
		handler := t.handler
		t.mutex.RUnlock()
		fn(handler)
	})
}

func (t *MemberlistTransport) enqueue(fn func()) {
	t.mutex.RLock()
	queue, stopCh, running := t.queue, t.stopCh, t.running
	t.mutex.RUnlock()
	if !running {
		return
	}

	select {
	case queue <- fn:
	case <-stopCh:
	default:
		t.mutex.Lock()
		t.dropped++
		t.mutex.Unlock()
		log.Printf("[NET] Event queue full, dropping event")
	}
}

func (t *MemberlistTransport) worker(queue chan func(), stopCh chan struct{}) {
	for {
		select {
		case fn := <-queue:
			fn()
		case <-stopCh:
			return
		}
	}
}

// GetStats returns transport statistics
func (t *MemberlistTransport) GetStats() map[string]interface{} {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	stats := map[string]interface{}{
		"node_id":         t.config.NodeID,
		"running":         t.running,
		"sessions":        len(t.sessions),
		"frames_sent":     t.sent,
		"frames_received": t.received,
		"frames_dropped":  t.dropped,
	}
	if t.ml != nil {
		stats["total_members"] = t.ml.NumMembers()
		stats["local_addr"] = t.ml.LocalNode().Address()
	}
	for k, v := range t.peers.GetStats() {
		stats[k] = v
	}
	return stats
}

// memberlistDelegate carries the display name and inbound frames
type memberlistDelegate struct {
	t *MemberlistTransport
}

func (d *memberlistDelegate) NodeMeta(limit int) []byte {
	name := d.t.config.DisplayName
	if len(name) > limit {
		name = name[:limit]
	}
	return []byte(name)
}

func (d *memberlistDelegate) NotifyMsg(buf []byte) {
	// buf is reused by memberlist after return
	frame := make([]byte, len(buf))
	copy(frame, buf)
	d.t.handleFrame(frame)
}

func (d *memberlistDelegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (d *memberlistDelegate) LocalState(join bool) []byte              { return nil }
func (d *memberlistDelegate) MergeRemoteState(buf []byte, join bool)   {}

// memberlistEvents turns membership changes into discovery callbacks
type memberlistEvents struct {
	t *MemberlistTransport
}

func (e *memberlistEvents) NotifyJoin(n *memberlist.Node) {
	if n.Name == e.t.config.NodeID {
		return
	}
	log.Printf("[NET] Node %s (%s) joined", n.Name, n.Address())

	name := string(n.Meta)
	e.t.peers.AddOrUpdate(n.Name, name, n.Addr.String()+":"+strconv.Itoa(int(n.Port)))
	e.t.notify(func(h Handler) { h.PeerDiscovered(n.Name, name) })
}

func (e *memberlistEvents) NotifyLeave(n *memberlist.Node) {
	if n.Name == e.t.config.NodeID {
		return
	}
	log.Printf("[NET] Node %s left", n.Name)

	id := n.Name
	hadSession := e.t.endSession(id)
	e.t.peers.Remove(id)
	e.t.notify(func(h Handler) {
		if hadSession {
			h.PeerDisconnected(id)
		}
		h.PeerLost(id)
	})
}

func (e *memberlistEvents) NotifyUpdate(n *memberlist.Node) {
	if n.Name == e.t.config.NodeID {
		return
	}
	e.t.peers.AddOrUpdate(n.Name, string(n.Meta), "")
}
