package network

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestPeerTable_NewPeerTable(t *testing.T) {
	pt := NewPeerTable(5 * time.Second)
	defer pt.Stop()

	if pt.timeout != 5*time.Second {
		t.Errorf("expected timeout 5s, got %v", pt.timeout)
	}
	if count := pt.Count(); count != 0 {
		t.Errorf("table should start empty, got %d peers", count)
	}
}

func TestPeerTable_AddOrUpdate(t *testing.T) {
	pt := NewPeerTable(0)

	pt.AddOrUpdate("node-b", "Bob", "10.0.0.2:7946")
	pt.AddOrUpdate("node-a", "", "")

	peers := pt.GetActivePeers()
	if len(peers) != 2 {
		t.Fatalf("expected 2 peers, got %d", len(peers))
	}
	if peers[0].ID != "node-a" || peers[1].ID != "node-b" {
		t.Errorf("peers should be sorted by id, got %s, %s", peers[0].ID, peers[1].ID)
	}

	// empty fields do not erase what is known
	pt.AddOrUpdate("node-b", "", "")
	p, ok := pt.Get("node-b")
	if !ok {
		t.Fatal("node-b should be known")
	}
	if p.DisplayName != "Bob" || p.Address != "10.0.0.2:7946" {
		t.Errorf("update lost fields: %+v", p)
	}
}

func TestPeerTable_DisplayName(t *testing.T) {
	pt := NewPeerTable(0)
	pt.AddOrUpdate("node-a", "Alice", "")
	pt.AddOrUpdate("node-b", "", "")

	testCases := []struct {
		id       string
		name     string
		realName bool
	}{
		{"node-a", "Alice", true},
		{"node-b", "node-b", false},
		{"node-x", "node-x", false},
	}

	for _, tc := range testCases {
		name, real := pt.DisplayName(tc.id)
		if name != tc.name || real != tc.realName {
			t.Errorf("DisplayName(%s) = (%s, %v), expected (%s, %v)", tc.id, name, real, tc.name, tc.realName)
		}
	}
}

func TestPeerTable_ConnectedAndRemove(t *testing.T) {
	pt := NewPeerTable(0)
	pt.AddOrUpdate("node-a", "Alice", "")
	pt.SetConnected("node-a", true)
	pt.SetConnected("unknown", true)

	stats := pt.GetStats()
	if stats["peers_connected"] != 1 {
		t.Errorf("expected 1 connected peer, got %v", stats["peers_connected"])
	}

	pt.Remove("node-a")
	if _, ok := pt.Get("node-a"); ok {
		t.Error("node-a should be gone")
	}
	if _, ok := pt.Get("unknown"); ok {
		t.Error("SetConnected must not create peers")
	}
}

func TestPeerTable_Expiry(t *testing.T) {
	pt := NewPeerTable(200 * time.Millisecond)
	defer pt.Stop()

	pt.AddOrUpdate("old", "", "")
	time.Sleep(250 * time.Millisecond)
	pt.AddOrUpdate("fresh", "", "")

	active := pt.GetActivePeers()
	if len(active) != 1 || active[0].ID != "fresh" {
		t.Fatalf("only the fresh peer should be active, got %+v", active)
	}

	// the cleanup goroutine runs once per second
	time.Sleep(1200 * time.Millisecond)
	if _, ok := pt.Get("old"); ok {
		t.Error("expired peer should have been removed")
	}
}

func TestPeerTable_Touch(t *testing.T) {
	pt := NewPeerTable(0)
	pt.AddOrUpdate("node-a", "", "")
	before, _ := pt.Get("node-a")

	time.Sleep(5 * time.Millisecond)
	pt.Touch("node-a")
	after, _ := pt.Get("node-a")

	if !after.LastSeen.After(before.LastSeen) {
		t.Error("Touch should refresh LastSeen")
	}
}

func TestPeerTable_ConcurrentAccess(t *testing.T) {
	pt := NewPeerTable(time.Minute)
	defer pt.Stop()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				id := fmt.Sprintf("node-%d", i%10)
				pt.AddOrUpdate(id, fmt.Sprintf("n%d", g), "")
				pt.SetConnected(id, i%2 == 0)
				pt.GetActivePeers()
				pt.DisplayName(id)
			}
		}(g)
	}
	wg.Wait()

	if count := pt.Count(); count != 10 {
		t.Errorf("expected 10 peers, got %d", count)
	}
}

func TestPeerTable_StopTwice(t *testing.T) {
	pt := NewPeerTable(time.Second)
	pt.Stop()
	pt.Stop()
}
