package exchange

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/heitortanoue/reckon/pkg/location"
)

// Record describes one finished exchange
type Record struct {
	ID        uuid.UUID         `json:"id"`
	PeerID    string            `json:"peer_id"`
	Initiator bool              `json:"initiator"`
	Before    location.Absolute `json:"-"`
	After     location.Absolute `json:"-"`
	Moved     float64           `json:"moved_m"`
	Duration  time.Duration     `json:"duration"`
	At        time.Time         `json:"at"`
}

// History keeps the most recent exchange records, newest first. It is an LRU
// keyed by exchange id: adding a known id refreshes it.
type History struct {
	capacity int
	records  map[uuid.UUID]*historyNode
	head     *historyNode
	tail     *historyNode
	mutex    sync.RWMutex
}

type historyNode struct {
	record Record
	prev   *historyNode
	next   *historyNode
}

func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = 100
	}

	head := &historyNode{}
	tail := &historyNode{}
	head.next = tail
	tail.prev = head

	return &History{
		capacity: capacity,
		records:  make(map[uuid.UUID]*historyNode),
		head:     head,
		tail:     tail,
	}
}

// Add stores a record, evicting the oldest beyond capacity
func (h *History) Add(r Record) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if node, exists := h.records[r.ID]; exists {
		node.record = r
		h.moveToHead(node)
		return
	}

	node := &historyNode{record: r}
	h.records[r.ID] = node
	h.addToHead(node)

	if len(h.records) > h.capacity {
		oldest := h.removeTail()
		delete(h.records, oldest.record.ID)
	}
}

// Recent returns up to n records, newest first; n <= 0 returns all
func (h *History) Recent(n int) []Record {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if n <= 0 || n > len(h.records) {
		n = len(h.records)
	}
	out := make([]Record, 0, n)
	for node := h.head.next; node != h.tail && len(out) < n; node = node.next {
		out = append(out, node.record)
	}
	return out
}

func (h *History) Size() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.records)
}

func (h *History) GetStats() map[string]interface{} {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	return map[string]interface{}{
		"capacity": h.capacity,
		"size":     len(h.records),
	}
}

func (h *History) addToHead(node *historyNode) {
	node.prev = h.head
	node.next = h.head.next
	h.head.next.prev = node
	h.head.next = node
}

func (h *History) removeNode(node *historyNode) {
	node.prev.next = node.next
	node.next.prev = node.prev
}

func (h *History) moveToHead(node *historyNode) {
	h.removeNode(node)
	h.addToHead(node)
}

func (h *History) removeTail() *historyNode {
	last := h.tail.prev
	h.removeNode(last)
	return last
}
