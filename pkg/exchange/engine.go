// Package exchange runs the peer position exchange: per-peer sessions over a
// network.Transport, the Estimate, ACK, ACKACK handshake and the
// reconciliation of both claims into a corrected position.
//
// The initiator sends its estimate and waits for an ACK carrying the peer's
// position. On the ACK it reconciles, applies the correction and answers with
// an ACKACK repeating its original estimate, so the responder can reconcile
// the same pair. Lost packets are never retried: a pending entry that times
// out is dropped and the next periodic exchange supersedes it.
package exchange

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/heitortanoue/reckon/internal/metrics"
	"github.com/heitortanoue/reckon/pkg/location"
	"github.com/heitortanoue/reckon/pkg/network"
	"github.com/heitortanoue/reckon/pkg/protocol"
)

var (
	// ErrNotStarted is returned by operations that need a running engine
	ErrNotStarted = errors.New("exchange: engine not started")
	// ErrInvalidBeacon is returned when beacon mode gets a position without origin
	ErrInvalidBeacon = errors.New("exchange: beacon position has no origin")
)

// Packet drop reasons, used as metric labels
const (
	dropMalformed  = "malformed"
	dropUnexpected = "unexpected"
	dropCollision  = "collision"
	dropNoPosition = "no_position"
)

// PositionSource is the local side of an exchange: it decides whether a peer
// is worth meeting, provides the position to send and takes corrections.
type PositionSource interface {
	ShouldConnectToPeer(peerID string) bool
	PositionForExchange() (location.Absolute, bool)
	DidReceivePeerPosition(peerID string, pos location.Absolute, displayName string, isRealName bool)
	ApplyExchangeCorrection(peerID string, before, after location.Absolute)
}

// SoundEmitter is asked to start the audio side channel
type SoundEmitter interface {
	StartSoundEmission(peerID string, channel uint8)
}

// Config tunes the engine
type Config struct {
	DisplayName string
	// pending entries older than this are dropped
	AckTimeout time.Duration
	// a session without a successful exchange for this long is closed
	StaleAfter time.Duration
	// minimum time between two attempts with the same peer
	ExchangeInterval time.Duration
	// minimum time between two successful exchanges with the same peer
	Cooldown      time.Duration
	SweepInterval time.Duration
	HistorySize   int
	Reconciler    Reconciler
	Sound         SoundEmitter
}

func DefaultConfig() Config {
	return Config{
		AckTimeout:       5 * time.Second,
		StaleAfter:       2 * time.Minute,
		ExchangeInterval: 10 * time.Second,
		Cooldown:         30 * time.Second,
		SweepInterval:    time.Second,
		HistorySize:      100,
		Reconciler:       PreferLowerDeviation{},
	}
}

// Engine is the peer exchange state machine. It implements network.Handler;
// the engine mutex is never held while calling the transport or the source.
type Engine struct {
	config    Config
	transport network.Transport
	localID   string
	source    PositionSource
	metrics   *metrics.Collector
	history   *History

	mode           Mode
	beaconPosition location.Absolute
	channel        uint8
	peers          map[string]*peerState

	running bool
	stopCh  chan struct{}
	mutex   sync.RWMutex

	now func() time.Time
}

func NewEngine(config Config, transport network.Transport, source PositionSource, m *metrics.Collector) *Engine {
	defaults := DefaultConfig()
	if config.AckTimeout <= 0 {
		config.AckTimeout = defaults.AckTimeout
	}
	if config.ExchangeInterval <= 0 {
		config.ExchangeInterval = defaults.ExchangeInterval
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = defaults.SweepInterval
	}
	if config.Reconciler == nil {
		config.Reconciler = defaults.Reconciler
	}
	if config.DisplayName == "" {
		config.DisplayName = transport.LocalID()
	}

	return &Engine{
		config:    config,
		transport: transport,
		localID:   transport.LocalID(),
		source:    source,
		metrics:   m,
		history:   NewHistory(config.HistorySize),
		peers:     make(map[string]*peerState),
		now:       time.Now,
	}
}

// StartWalkerMode takes part in exchanges as a walker. A non-zero channel is
// sent to every peer this side connects to as a StartSoundEmission request.
func (e *Engine) StartWalkerMode(channel uint8) error {
	return e.start(ModeWalker, location.Absolute{}, channel)
}

// StartBeaconMode answers exchanges from a fixed position
func (e *Engine) StartBeaconMode(pos location.Absolute) error {
	if !pos.IsValid() {
		return ErrInvalidBeacon
	}
	return e.start(ModeBeacon, pos, 0)
}

func (e *Engine) start(mode Mode, beacon location.Absolute, channel uint8) error {
	e.mutex.Lock()
	if e.running {
		// switching mode keeps the transport and the sessions
		e.mode, e.beaconPosition, e.channel = mode, beacon, channel
		e.mutex.Unlock()
		log.Printf("[EXCHANGE] Switched to %s mode", mode)
		return nil
	}
	e.mode, e.beaconPosition, e.channel = mode, beacon, channel
	e.peers = make(map[string]*peerState)
	e.running = true
	e.stopCh = make(chan struct{})
	stopCh := e.stopCh
	e.mutex.Unlock()

	log.Printf("[EXCHANGE] Starting %s mode as %s (%s)", mode, e.localID, e.config.DisplayName)

	if err := e.transport.Start(e); err != nil {
		e.mutex.Lock()
		e.running = false
		e.mode = ModeOff
		close(e.stopCh)
		e.mutex.Unlock()
		return fmt.Errorf("exchange: starting transport: %w", err)
	}

	go e.sweepLoop(stopCh)
	return nil
}

// Stop leaves every session and forgets all per-peer state. It does not wait
// for callbacks already in flight; they find the engine stopped and return.
func (e *Engine) Stop() {
	e.mutex.Lock()
	if !e.running {
		e.mutex.Unlock()
		return
	}
	e.running = false
	e.mode = ModeOff
	close(e.stopCh)
	e.peers = make(map[string]*peerState)
	e.mutex.Unlock()

	if err := e.transport.Stop(); err != nil {
		log.Printf("[EXCHANGE] Transport stop: %v", err)
	}
	e.metrics.SetConnectedPeers(0)
	log.Printf("[EXCHANGE] Stopped")
}

func (e *Engine) IsRunning() bool {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.running
}

func (e *Engine) Mode() Mode {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.mode
}

func (e *Engine) IsBeacon() bool { return e.Mode() == ModeBeacon }
func (e *Engine) IsWalker() bool { return e.Mode() == ModeWalker }

// BeaconPosition returns the fixed position of beacon mode
func (e *Engine) BeaconPosition() (location.Absolute, bool) {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.beaconPosition, e.mode == ModeBeacon
}

// State returns the session state with peerID
func (e *Engine) State(peerID string) ConnectionState {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	if !e.running {
		return Off
	}
	if p, ok := e.peers[peerID]; ok {
		return p.state
	}
	return Disconnected
}

// DisplayName returns the name a peer announced, or its id
func (e *Engine) DisplayName(peerID string) (string, bool) {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	if p, ok := e.peers[peerID]; ok && p.realName {
		return p.displayName, true
	}
	return peerID, false
}

// Peers lists the known peers sorted by id
func (e *Engine) Peers() []PeerInfo {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	out := make([]PeerInfo, 0, len(e.peers))
	for _, p := range e.peers {
		out = append(out, p.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// History returns the record of finished exchanges
func (e *Engine) History() *History { return e.history }

// Broadcast sends data to every connected peer
func (e *Engine) Broadcast(data []byte) {
	for _, id := range e.connectedPeers() {
		if err := e.transport.Send(id, data); err != nil {
			log.Printf("[EXCHANGE] Broadcast to %s failed: %v", id, err)
		}
	}
}

// RequestSoundEmission asks a connected peer to emit on the audio channel
func (e *Engine) RequestSoundEmission(peerID string, channel uint8) error {
	if !e.IsRunning() {
		return ErrNotStarted
	}
	return e.transport.Send(peerID, protocol.EncodeStartSoundEmission(channel))
}

// ExchangeWith starts an exchange with a connected peer right away
func (e *Engine) ExchangeWith(peerID string) error {
	if !e.IsRunning() {
		return ErrNotStarted
	}
	if !e.initiate(peerID) {
		return fmt.Errorf("exchange: cannot start exchange with %s", peerID)
	}
	return nil
}

func (e *Engine) connectedPeers() []string {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	ids := make([]string, 0, len(e.peers))
	for id, p := range e.peers {
		if p.state == Connected {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// peerLocked returns the state of peerID, creating it. Caller holds the lock.
func (e *Engine) peerLocked(peerID string) *peerState {
	p, ok := e.peers[peerID]
	if !ok {
		p = &peerState{id: peerID, displayName: peerID, state: Disconnected}
		e.peers[peerID] = p
	}
	return p
}

func (e *Engine) countConnectedLocked() int {
	n := 0
	for _, p := range e.peers {
		if p.state == Connected {
			n++
		}
	}
	return n
}

func setName(p *peerState, name string) {
	if name != "" {
		p.displayName = name
		p.realName = true
	}
}

// PeerDiscovered consults the local policy and connects when it says yes
func (e *Engine) PeerDiscovered(peerID, displayName string) {
	e.mutex.Lock()
	if !e.running {
		e.mutex.Unlock()
		return
	}
	p := e.peerLocked(peerID)
	setName(p, displayName)
	idle := p.state == Disconnected
	e.mutex.Unlock()

	log.Printf("[EXCHANGE] Discovered %s (%s)", peerID, displayName)
	if idle {
		e.connect(peerID)
	}
}

// connect asks the source and opens a session if it agrees
func (e *Engine) connect(peerID string) {
	e.mutex.Lock()
	if p, ok := e.peers[peerID]; ok {
		p.lastAttempt = e.now()
	}
	e.mutex.Unlock()

	if !e.source.ShouldConnectToPeer(peerID) {
		return
	}

	e.mutex.Lock()
	p, ok := e.peers[peerID]
	if !e.running || !ok || p.state != Disconnected {
		e.mutex.Unlock()
		return
	}
	p.state = Connecting
	p.outbound = true
	e.mutex.Unlock()

	if err := e.transport.Connect(peerID); err != nil {
		log.Printf("[EXCHANGE] Connect to %s failed: %v", peerID, err)

		e.mutex.Lock()
		if p, ok := e.peers[peerID]; ok && p.state == Connecting {
			p.state = Disconnected
			p.outbound = false
		}
		e.mutex.Unlock()
	}
}

// PeerLost forgets the peer
func (e *Engine) PeerLost(peerID string) {
	e.mutex.Lock()
	if !e.running {
		e.mutex.Unlock()
		return
	}
	delete(e.peers, peerID)
	n := e.countConnectedLocked()
	e.mutex.Unlock()

	e.metrics.SetConnectedPeers(n)
	log.Printf("[EXCHANGE] Lost %s", peerID)
}

// ConnectionRequested accepts: the remote side already said yes
func (e *Engine) ConnectionRequested(peerID string) bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if !e.running {
		return false
	}
	p := e.peerLocked(peerID)
	if p.state == Disconnected {
		p.state = Connecting
	}
	return true
}

func (e *Engine) PeerConnected(peerID string) {
	e.mutex.Lock()
	if !e.running {
		e.mutex.Unlock()
		return
	}
	p := e.peerLocked(peerID)
	now := e.now()
	p.state = Connected
	p.connectedAt = now
	p.lastHeard = now
	outbound := p.outbound
	walker := e.mode == ModeWalker
	channel := e.channel
	n := e.countConnectedLocked()
	e.mutex.Unlock()

	e.metrics.SetConnectedPeers(n)
	log.Printf("[EXCHANGE] Connected to %s (outbound=%v)", peerID, outbound)

	if walker && outbound {
		if channel != 0 {
			if err := e.transport.Send(peerID, protocol.EncodeStartSoundEmission(channel)); err != nil {
				log.Printf("[EXCHANGE] Sound request to %s failed: %v", peerID, err)
			}
		}
		e.initiate(peerID)
	}
}

// PeerDisconnected drops the session and its pending exchanges
func (e *Engine) PeerDisconnected(peerID string) {
	e.mutex.Lock()
	if !e.running {
		e.mutex.Unlock()
		return
	}
	p, ok := e.peers[peerID]
	aborted := 0
	if ok {
		if p.pendingACK != nil {
			aborted++
		}
		if p.pendingACKACK != nil {
			aborted++
		}
		p.clearPending()
		p.state = Disconnected
		p.outbound = false
	}
	n := e.countConnectedLocked()
	e.mutex.Unlock()

	for i := 0; i < aborted; i++ {
		e.metrics.IncExchange(metrics.ExchangeSuperseded)
	}
	e.metrics.SetConnectedPeers(n)
	log.Printf("[EXCHANGE] Disconnected from %s", peerID)
}

// Receive decodes one packet; malformed packets are dropped
func (e *Engine) Receive(peerID string, data []byte) {
	pkt, err := protocol.Decode(data)
	if err != nil {
		e.metrics.IncPacketDropped(dropMalformed)
		log.Printf("[EXCHANGE] Dropping malformed packet from %s: %v", peerID, err)
		return
	}
	e.metrics.IncPacketReceived(pkt.Type.String())

	e.mutex.Lock()
	if !e.running {
		e.mutex.Unlock()
		return
	}
	p := e.peerLocked(peerID)
	now := e.now()
	p.lastHeard = now
	if p.state != Connected {
		// the transport only delivers over an open session
		p.state = Connected
		p.connectedAt = now
	}
	e.mutex.Unlock()

	switch pkt.Type {
	case protocol.Pling:
	case protocol.StartSoundEmission:
		if e.config.Sound != nil {
			e.config.Sound.StartSoundEmission(peerID, pkt.Channel)
		} else {
			log.Printf("[EXCHANGE] %s asked for sound on channel %d", peerID, pkt.Channel)
		}
	case protocol.PositionEstimate:
		e.handleEstimate(peerID, pkt.Estimate)
	case protocol.PositionEstimateACK:
		e.handleAck(peerID, pkt.Estimate)
	case protocol.PositionEstimateACKACK:
		e.handleAckAck(peerID, pkt.Estimate)
	}
}

func (e *Engine) positionForExchange() (location.Absolute, bool) {
	e.mutex.RLock()
	mode, beacon := e.mode, e.beaconPosition
	e.mutex.RUnlock()

	switch mode {
	case ModeBeacon:
		return beacon.WithTimestamp(float64(e.now().UnixNano()) / 1e9), true
	case ModeWalker:
		return e.source.PositionForExchange()
	default:
		return location.Absolute{}, false
	}
}

func (e *Engine) send(peerID string, t protocol.PacketType, pos location.Absolute) error {
	data, err := protocol.EncodeEstimate(t, protocol.EstimatePayload{
		Position:    pos,
		DisplayName: e.config.DisplayName,
	})
	if err != nil {
		return err
	}
	return e.transport.Send(peerID, data)
}

// initiate sends a fresh estimate, replacing any estimate still waiting for
// an ACK. It does nothing while this side is answering the peer.
func (e *Engine) initiate(peerID string) bool {
	pos, ok := e.positionForExchange()
	if !ok {
		return false
	}

	e.mutex.Lock()
	p, known := e.peers[peerID]
	if !e.running || e.mode != ModeWalker || !known || p.state != Connected || p.pendingACKACK != nil {
		e.mutex.Unlock()
		return false
	}
	replaced := p.pendingACK != nil
	pend := &pendingEstimate{id: uuid.New(), local: pos, sentAt: e.now()}
	p.pendingACK = pend
	p.lastAttempt = pend.sentAt
	e.mutex.Unlock()

	if replaced {
		e.metrics.IncExchange(metrics.ExchangeSuperseded)
	}
	e.metrics.IncExchange(metrics.ExchangeStarted)
	log.Printf("[EXCHANGE] %s: estimate to %s at %s (dev %.2f)", pend.id, peerID, pos.Position(), pos.Deviation())

	if err := e.send(peerID, protocol.PositionEstimate, pos); err != nil {
		log.Printf("[EXCHANGE] %s: send to %s failed: %v", pend.id, peerID, err)
		e.mutex.Lock()
		if p, ok := e.peers[peerID]; ok && p.pendingACK == pend {
			p.pendingACK = nil
		}
		e.mutex.Unlock()
		return false
	}
	return true
}

// handleEstimate answers with an ACK carrying the local position
func (e *Engine) handleEstimate(peerID string, est protocol.EstimatePayload) {
	pos, ok := e.positionForExchange()
	if !ok {
		e.metrics.IncPacketDropped(dropNoPosition)
		log.Printf("[EXCHANGE] No position to answer %s", peerID)
		return
	}

	e.mutex.Lock()
	if !e.running {
		e.mutex.Unlock()
		return
	}
	p := e.peerLocked(peerID)
	setName(p, est.DisplayName)

	superseded := 0
	if p.pendingACK != nil {
		// both sides started: the lower id keeps the initiator role
		if e.localID < peerID {
			e.mutex.Unlock()
			e.metrics.IncPacketDropped(dropCollision)
			log.Printf("[EXCHANGE] Collision with %s, keeping initiator role", peerID)
			return
		}
		p.pendingACK = nil
		superseded++
	}
	if p.pendingACKACK != nil {
		superseded++
	}
	pend := &pendingEstimate{id: uuid.New(), local: pos, remote: est.Position, sentAt: e.now()}
	p.pendingACKACK = pend
	name, real := p.displayName, p.realName
	e.mutex.Unlock()

	for i := 0; i < superseded; i++ {
		e.metrics.IncExchange(metrics.ExchangeSuperseded)
	}

	e.source.DidReceivePeerPosition(peerID, est.Position, name, real)

	if err := e.send(peerID, protocol.PositionEstimateACK, pos); err != nil {
		log.Printf("[EXCHANGE] %s: ACK to %s failed: %v", pend.id, peerID, err)
		e.mutex.Lock()
		if p, ok := e.peers[peerID]; ok && p.pendingACKACK == pend {
			p.pendingACKACK = nil
		}
		e.mutex.Unlock()
		return
	}
	e.metrics.IncExchange(metrics.ExchangeAnswered)
}

// handleAck completes the initiator side and sends the ACKACK
func (e *Engine) handleAck(peerID string, est protocol.EstimatePayload) {
	e.mutex.Lock()
	p, ok := e.peers[peerID]
	if !e.running || !ok || p.pendingACK == nil {
		e.mutex.Unlock()
		e.metrics.IncPacketDropped(dropUnexpected)
		log.Printf("[EXCHANGE] Unexpected ACK from %s", peerID)
		return
	}
	pend := p.pendingACK
	p.pendingACK = nil
	setName(p, est.DisplayName)
	now := e.now()
	p.lastExchange = now
	p.exchanges++
	walker := e.mode == ModeWalker
	name, real := p.displayName, p.realName
	e.mutex.Unlock()

	e.source.DidReceivePeerPosition(peerID, est.Position, name, real)

	corrected := e.config.Reconciler.Reconcile(pend.local, est.Position)
	if walker {
		e.source.ApplyExchangeCorrection(peerID, pend.local, corrected)
	}

	if err := e.send(peerID, protocol.PositionEstimateACKACK, pend.local); err != nil {
		log.Printf("[EXCHANGE] %s: ACKACK to %s failed: %v", pend.id, peerID, err)
	}

	e.finish(pend, peerID, true, corrected, now)
}

// handleAckAck completes the responder side
func (e *Engine) handleAckAck(peerID string, est protocol.EstimatePayload) {
	e.mutex.Lock()
	p, ok := e.peers[peerID]
	if !e.running || !ok || p.pendingACKACK == nil {
		e.mutex.Unlock()
		e.metrics.IncPacketDropped(dropUnexpected)
		log.Printf("[EXCHANGE] Unexpected ACKACK from %s", peerID)
		return
	}
	pend := p.pendingACKACK
	p.pendingACKACK = nil
	now := e.now()
	p.lastExchange = now
	p.exchanges++
	walker := e.mode == ModeWalker
	e.mutex.Unlock()

	corrected := e.config.Reconciler.Reconcile(pend.local, est.Position)
	if walker {
		e.source.ApplyExchangeCorrection(peerID, pend.local, corrected)
	}

	e.finish(pend, peerID, false, corrected, now)
}

func (e *Engine) finish(pend *pendingEstimate, peerID string, initiator bool, corrected location.Absolute, now time.Time) {
	d := now.Sub(pend.sentAt)
	e.metrics.IncExchange(metrics.ExchangeCompleted)
	e.metrics.ObserveExchange(d)

	e.history.Add(Record{
		ID:        pend.id,
		PeerID:    peerID,
		Initiator: initiator,
		Before:    pend.local,
		After:     corrected,
		Moved:     pend.local.Distance(corrected),
		Duration:  d,
		At:        now,
	})

	log.Printf("[EXCHANGE] %s: completed with %s in %v, moved %.2f m (dev %.2f -> %.2f)",
		pend.id, peerID, d, pend.local.Distance(corrected), pend.local.Deviation(), corrected.Deviation())
}

func (e *Engine) sweepLoop(stopCh chan struct{}) {
	ticker := time.NewTicker(e.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.Sweep()
		case <-stopCh:
			return
		}
	}
}

// Sweep expires pending exchanges, closes stale sessions, retries
// connections and starts the periodic exchanges that are due.
func (e *Engine) Sweep() {
	now := e.now()
	timeouts := 0
	var stale, due, retry []string

	e.mutex.Lock()
	if !e.running {
		e.mutex.Unlock()
		return
	}
	walker := e.mode == ModeWalker

	for id, p := range e.peers {
		if p.pendingACK != nil && now.Sub(p.pendingACK.sentAt) >= e.config.AckTimeout {
			log.Printf("[EXCHANGE] %s: no ACK from %s, giving up", p.pendingACK.id, id)
			p.pendingACK = nil
			timeouts++
		}
		if p.pendingACKACK != nil && now.Sub(p.pendingACKACK.sentAt) >= e.config.AckTimeout {
			log.Printf("[EXCHANGE] %s: no ACKACK from %s, giving up", p.pendingACKACK.id, id)
			p.pendingACKACK = nil
			timeouts++
		}

		switch p.state {
		case Connected:
			since := p.connectedAt
			if p.lastExchange.After(since) {
				since = p.lastExchange
			}
			if e.config.StaleAfter > 0 && now.Sub(since) >= e.config.StaleAfter {
				stale = append(stale, id)
				continue
			}
			if !walker || p.busy() || now.Sub(p.lastAttempt) < e.config.ExchangeInterval {
				continue
			}
			if !p.lastExchange.IsZero() && now.Sub(p.lastExchange) < e.config.Cooldown {
				continue
			}
			due = append(due, id)
		case Disconnected:
			if walker && now.Sub(p.lastAttempt) >= e.config.ExchangeInterval {
				retry = append(retry, id)
			}
		}
	}
	e.mutex.Unlock()

	for i := 0; i < timeouts; i++ {
		e.metrics.IncExchange(metrics.ExchangeTimedOut)
	}

	sort.Strings(stale)
	sort.Strings(due)
	sort.Strings(retry)

	for _, id := range stale {
		log.Printf("[EXCHANGE] Session with %s is stale, disconnecting", id)
		e.transport.Disconnect(id)
	}
	for _, id := range due {
		if e.source.ShouldConnectToPeer(id) {
			e.initiate(id)
		} else {
			e.mutex.Lock()
			if p, ok := e.peers[id]; ok {
				p.lastAttempt = now
			}
			e.mutex.Unlock()
		}
	}
	for _, id := range retry {
		e.connect(id)
	}
}

// GetStats returns engine statistics
func (e *Engine) GetStats() map[string]interface{} {
	e.mutex.RLock()
	connected, pendingACK, pendingACKACK := 0, 0, 0
	for _, p := range e.peers {
		if p.state == Connected {
			connected++
		}
		if p.pendingACK != nil {
			pendingACK++
		}
		if p.pendingACKACK != nil {
			pendingACKACK++
		}
	}
	stats := map[string]interface{}{
		"node_id":         e.localID,
		"display_name":    e.config.DisplayName,
		"mode":            e.mode.String(),
		"running":         e.running,
		"reconciler":      e.config.Reconciler.Name(),
		"peers_known":     len(e.peers),
		"peers_connected": connected,
		"pending_ack":     pendingACK,
		"pending_ackack":  pendingACKACK,
	}
	e.mutex.RUnlock()

	stats["history"] = e.history.GetStats()
	return stats
}
