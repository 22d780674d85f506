package network

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestFrame_RoundTrip(t *testing.T) {
	frame, err := encodeFrame(frameData, "node-a", []byte{7, 8})
	if err != nil {
		t.Fatal(err)
	}
	expected := []byte{frameData, 6, 'n', 'o', 'd', 'e', '-', 'a', 7, 8}
	if !bytes.Equal(frame, expected) {
		t.Fatalf("expected %v, got %v", expected, frame)
	}

	kind, sender, payload, err := decodeFrame(frame)
	if err != nil {
		t.Fatal(err)
	}
	if kind != frameData || sender != "node-a" || !bytes.Equal(payload, []byte{7, 8}) {
		t.Errorf("decoded (%d, %s, %v)", kind, sender, payload)
	}
}

func TestFrame_Malformed(t *testing.T) {
	testCases := []struct {
		name string
		buf  []byte
	}{
		{"empty", nil},
		{"header only", []byte{frameData}},
		{"zero id", []byte{frameData, 0}},
		{"short id", []byte{frameData, 5, 'a'}},
		{"unknown kind", []byte{42, 1, 'a'}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, _, err := decodeFrame(tc.buf); err != errBadFrame {
				t.Errorf("expected errBadFrame, got %v", err)
			}
		})
	}

	if _, err := encodeFrame(frameData, "", nil); err == nil {
		t.Error("empty sender should be rejected")
	}
	if _, err := encodeFrame(frameData, strings.Repeat("x", 256), nil); err == nil {
		t.Error("sender longer than 255 bytes should be rejected")
	}
}

// syncHandler is a recordingHandler that signals each event
type syncHandler struct {
	recordingHandler
	signal chan string
}

func newSyncHandler(accept bool) *syncHandler {
	return &syncHandler{recordingHandler: recordingHandler{accept: accept}, signal: make(chan string, 64)}
}

func (h *syncHandler) PeerDiscovered(peerID, displayName string) {
	h.recordingHandler.PeerDiscovered(peerID, displayName)
	h.signal <- "discovered:" + peerID + ":" + displayName
}

func (h *syncHandler) PeerConnected(peerID string) {
	h.recordingHandler.PeerConnected(peerID)
	h.signal <- "connected:" + peerID
}

func (h *syncHandler) PeerDisconnected(peerID string) {
	h.recordingHandler.PeerDisconnected(peerID)
	h.signal <- "disconnected:" + peerID
}

func (h *syncHandler) Receive(peerID string, data []byte) {
	h.recordingHandler.Receive(peerID, data)
	h.signal <- fmt.Sprintf("receive:%s:%v", peerID, data)
}

func waitFor(t *testing.T, h *syncHandler, expected string) {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for {
		select {
		case e := <-h.signal:
			if e == expected {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", expected)
		}
	}
}

func newLoopbackTransport(t *testing.T, id, name string, seeds ...string) *MemberlistTransport {
	t.Helper()
	cfg := DefaultMemberlistConfig(id)
	cfg.DisplayName = name
	cfg.BindAddr = "127.0.0.1"
	cfg.BindPort = findFreeTCPPort()
	cfg.Seeds = seeds
	cfg.Quiet = true
	return NewMemberlistTransport(cfg)
}

func TestMemberlistTransport_Loopback(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real sockets")
	}

	ha := newSyncHandler(true)
	hb := newSyncHandler(true)

	a := newLoopbackTransport(t, "node-a", "Alice")
	if err := a.Start(ha); err != nil {
		t.Fatalf("start a: %v", err)
	}
	defer a.Stop()

	b := newLoopbackTransport(t, "node-b", "Bob", a.Address())
	if err := b.Start(hb); err != nil {
		t.Fatalf("start b: %v", err)
	}
	defer b.Stop()

	waitFor(t, ha, "discovered:node-b:Bob")
	waitFor(t, hb, "discovered:node-a:Alice")

	if name, real := a.Peers().DisplayName("node-b"); name != "Bob" || !real {
		t.Errorf("display name not taken from node meta: %s %v", name, real)
	}

	if err := a.Connect("node-b"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, hb, "connected:node-a")

	if err := a.Send("node-b", []byte{1, 2, 3}); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, hb, "receive:node-a:[1 2 3]")

	a.Disconnect("node-b")
	waitFor(t, hb, "disconnected:node-a")

	if err := a.Send("node-b", []byte{1}); err == nil {
		t.Error("send after disconnect should fail")
	}
}

func TestMemberlistTransport_RejectedConnect(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real sockets")
	}

	ha := newSyncHandler(true)
	hb := newSyncHandler(false)

	a := newLoopbackTransport(t, "node-a", "")
	if err := a.Start(ha); err != nil {
		t.Fatal(err)
	}
	defer a.Stop()
	b := newLoopbackTransport(t, "node-b", "", a.Address())
	if err := b.Start(hb); err != nil {
		t.Fatal(err)
	}
	defer b.Stop()

	waitFor(t, ha, "discovered:node-b:")

	if err := a.Connect("node-b"); err == nil {
		t.Fatal("connect should be rejected")
	}
	if stats := a.GetStats(); stats["sessions"] != 0 {
		t.Errorf("no session expected, got %v", stats["sessions"])
	}
}

func TestMemberlistTransport_StopIdempotent(t *testing.T) {
	tr := NewMemberlistTransport(DefaultMemberlistConfig("solo"))
	if err := tr.Stop(); err != nil {
		t.Errorf("stopping a transport that never started should be a no-op: %v", err)
	}
	if err := tr.Connect("x"); err != ErrStopped {
		t.Errorf("expected ErrStopped, got %v", err)
	}
	if err := tr.Send("x", nil); err == nil {
		t.Error("send without session should fail")
	}
}
