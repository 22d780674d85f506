package network

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/heitortanoue/reckon/pkg/location"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	clientSendSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ViewPosition is the JSON form of a position pushed to browsers
type ViewPosition struct {
	Timestamp float64 `json:"ts"`
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
	Deviation float64 `json:"dev"`
}

func toViewPosition(pos location.Absolute) ViewPosition {
	c := pos.Position()
	return ViewPosition{
		Timestamp: pos.Timestamp(),
		Latitude:  c.Latitude,
		Longitude: c.Longitude,
		Deviation: pos.Deviation(),
	}
}

// ViewEvent is one message on the /ws feed
type ViewEvent struct {
	Type         string         `json:"type"`
	Position     *ViewPosition  `json:"position,omitempty"`
	FromExchange bool           `json:"from_exchange,omitempty"`
	Peer         string         `json:"peer,omitempty"`
	IsRealName   bool           `json:"is_real_name,omitempty"`
	Path         []ViewPosition `json:"path,omitempty"`
}

type viewClient struct {
	hub  *ViewHub
	conn *websocket.Conn
	send chan []byte
}

// ViewHub pushes position updates to websocket clients. Slow clients that
// fill their buffer are disconnected.
type ViewHub struct {
	clients    map[*viewClient]bool
	broadcast  chan []byte
	register   chan *viewClient
	unregister chan *viewClient

	running atomic.Bool
	stopCh  chan struct{}
	once    sync.Once

	sent atomic.Uint64
}

func NewViewHub() *ViewHub {
	return &ViewHub{
		clients:    make(map[*viewClient]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *viewClient),
		unregister: make(chan *viewClient),
		stopCh:     make(chan struct{}),
	}
}

// Run dispatches messages until Stop
func (h *ViewHub) Run() {
	h.running.Store(true)
	defer h.running.Store(false)

	for {
		select {
		case c := <-h.register:
			h.clients[c] = true
		case c := <-h.unregister:
			if h.clients[c] {
				delete(h.clients, c)
				close(c.send)
			}
		case msg := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					delete(h.clients, c)
					close(c.send)
				}
			}
		case <-h.stopCh:
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			return
		}
	}
}

// Stop ends Run and closes every client
func (h *ViewHub) Stop() {
	h.once.Do(func() { close(h.stopCh) })
}

// ServeWS upgrades the request and attaches the client to the hub
func (h *ViewHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[HTTP] Websocket upgrade failed: %v", err)
		return
	}

	c := &viewClient{hub: h, conn: conn, send: make(chan []byte, clientSendSize)}
	select {
	case h.register <- c:
	case <-h.stopCh:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

func (h *ViewHub) publish(e ViewEvent) {
	msg, err := json.Marshal(e)
	if err != nil {
		log.Printf("[HTTP] Cannot encode view event: %v", err)
		return
	}
	select {
	case h.broadcast <- msg:
		h.sent.Add(1)
	case <-h.stopCh:
	default:
		// hub not keeping up; the next update supersedes this one
	}
}

// PositionUpdated implements the position view
func (h *ViewHub) PositionUpdated(pos location.Absolute, fromExchange bool) {
	p := toViewPosition(pos)
	h.publish(ViewEvent{Type: "position", Position: &p, FromExchange: fromExchange})
}

func (h *ViewHub) PeerPositionUpdated(pos location.Absolute, peerName string, isRealName bool) {
	p := toViewPosition(pos)
	h.publish(ViewEvent{Type: "peer_position", Position: &p, Peer: peerName, IsRealName: isRealName})
}

func (h *ViewHub) CompletePath(path []location.Absolute) {
	out := make([]ViewPosition, len(path))
	for i, pos := range path {
		out[i] = toViewPosition(pos)
	}
	h.publish(ViewEvent{Type: "path", Path: out})
}

// GetStats returns hub statistics
func (h *ViewHub) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"running":       h.running.Load(),
		"messages_sent": h.sent.Load(),
	}
}

// readPump only handles control frames; the feed is one-way
func (c *viewClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stopCh:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *viewClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
