package exchange

import (
	"time"

	"github.com/google/uuid"

	"github.com/heitortanoue/reckon/pkg/location"
)

// ConnectionState is the lifecycle of the session with one peer
type ConnectionState int

const (
	Off ConnectionState = iota
	Disconnected
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Off:
		return "OFF"
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Mode selects how the engine takes part in exchanges
type Mode int

const (
	ModeOff Mode = iota
	// ModeWalker starts exchanges and applies corrections to its own path
	ModeWalker
	// ModeBeacon answers from a fixed position and never corrects itself
	ModeBeacon
)

func (m Mode) String() string {
	switch m {
	case ModeWalker:
		return "walker"
	case ModeBeacon:
		return "beacon"
	default:
		return "off"
	}
}

// pendingEstimate is one in-flight exchange
type pendingEstimate struct {
	id     uuid.UUID
	local  location.Absolute // what this side sent
	remote location.Absolute // what the peer sent, once known
	sentAt time.Time
}

// peerState is everything the engine tracks for one peer. Guarded by the
// engine mutex.
type peerState struct {
	id          string
	displayName string
	realName    bool
	state       ConnectionState
	// this side asked for the session
	outbound bool

	connectedAt  time.Time
	lastExchange time.Time
	lastAttempt  time.Time
	lastHeard    time.Time

	// estimate sent, waiting for the peer's ACK
	pendingACK *pendingEstimate
	// ACK sent, waiting for the peer's ACKACK
	pendingACKACK *pendingEstimate

	exchanges int
}

func (p *peerState) clearPending() {
	p.pendingACK = nil
	p.pendingACKACK = nil
}

func (p *peerState) busy() bool {
	return p.pendingACK != nil || p.pendingACKACK != nil
}

// PeerInfo is a read-only view of a peer for status endpoints
type PeerInfo struct {
	ID            string    `json:"id"`
	DisplayName   string    `json:"display_name"`
	IsRealName    bool      `json:"is_real_name"`
	State         string    `json:"state"`
	Outbound      bool      `json:"outbound"`
	Exchanges     int       `json:"exchanges"`
	LastExchange  time.Time `json:"last_exchange,omitempty"`
	PendingACK    bool      `json:"pending_ack"`
	PendingACKACK bool      `json:"pending_ackack"`
}

func (p *peerState) info() PeerInfo {
	return PeerInfo{
		ID:            p.id,
		DisplayName:   p.displayName,
		IsRealName:    p.realName,
		State:         p.state.String(),
		Outbound:      p.outbound,
		Exchanges:     p.exchanges,
		LastExchange:  p.lastExchange,
		PendingACK:    p.pendingACK != nil,
		PendingACKACK: p.pendingACKACK != nil,
	}
}
