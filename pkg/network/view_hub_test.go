package network

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/heitortanoue/reckon/pkg/location"
)

func TestViewHub_PushesEvents(t *testing.T) {
	hub := NewViewHub()
	go hub.Run()
	defer hub.Stop()

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	origin := location.Coordinate{Latitude: 52.52, Longitude: 13.405}
	pos := location.At(12, origin, 3)

	// registration is asynchronous; keep publishing until the client reads
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				hub.PeerPositionUpdated(pos, "Bob", true)
			case <-stop:
				return
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("no event received: %v", err)
	}
	var event ViewEvent
	if err := json.Unmarshal(msg, &event); err != nil {
		t.Fatal(err)
	}

	if event.Type != "peer_position" || event.Peer != "Bob" || !event.IsRealName {
		t.Errorf("unexpected event %+v", event)
	}
	if event.Position == nil || event.Position.Deviation != 3 || event.Position.Timestamp != 12 {
		t.Errorf("unexpected position %+v", event.Position)
	}
}

func TestViewHub_PublishWithoutRunDoesNotBlock(t *testing.T) {
	hub := NewViewHub()

	done := make(chan struct{})
	go func() {
		origin := location.Coordinate{Latitude: 1, Longitude: 1}
		for i := 0; i < 1000; i++ {
			hub.PositionUpdated(location.At(float64(i), origin, 0), false)
		}
		hub.CompletePath(nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publishing blocked without a running hub")
	}

	if sent := hub.GetStats()["messages_sent"].(uint64); sent != 256 {
		t.Errorf("expected the broadcast buffer to hold 256 messages, got %d", sent)
	}
	hub.Stop()
	hub.Stop()
}
