package network

import "errors"

var (
	// ErrUnknownPeer is returned for a peer the transport has not discovered
	ErrUnknownPeer = errors.New("network: unknown peer")
	// ErrNotConnected is returned when sending to a peer without a session
	ErrNotConnected = errors.New("network: peer not connected")
	// ErrRejected is returned when the remote side refused the connection
	ErrRejected = errors.New("network: connection rejected")
	// ErrStopped is returned by a transport that is not running
	ErrStopped = errors.New("network: transport stopped")
)

// Handler receives transport events. Callbacks may arrive on any goroutine;
// implementations must not call back into the transport while holding their
// own locks.
type Handler interface {
	PeerDiscovered(peerID, displayName string)
	PeerLost(peerID string)
	// ConnectionRequested asks whether an inbound session should be accepted
	ConnectionRequested(peerID string) bool
	PeerConnected(peerID string)
	PeerDisconnected(peerID string)
	Receive(peerID string, data []byte)
}

// Transport discovers peers and carries opaque packets over sessions with
// them. Delivery on a session is reliable and ordered; sessions themselves
// can drop at any time.
type Transport interface {
	Start(h Handler) error
	LocalID() string
	Connect(peerID string) error
	Disconnect(peerID string)
	Send(peerID string, data []byte) error
	Stop() error
}
