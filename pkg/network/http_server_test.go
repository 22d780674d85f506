package network

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// findFreeTCPPort asks the kernel for an unused port
func findFreeTCPPort() int {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port
}

func TestHTTPServer_NewHTTPServer(t *testing.T) {
	server := NewHTTPServer("node-1", 8080)

	if server.nodeID != "node-1" {
		t.Errorf("expected node id node-1, got %s", server.nodeID)
	}
	if server.server.Addr != ":8080" {
		t.Errorf("expected addr :8080, got %s", server.server.Addr)
	}
	if server.Handler() == nil {
		t.Error("handler should not be nil")
	}
}

func TestHTTPServer_Health(t *testing.T) {
	server := NewHTTPServer("node-1", 8080)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["node_id"] != "node-1" || body["status"] != "healthy" {
		t.Errorf("unexpected health body %v", body)
	}
}

func TestHTTPServer_NotImplementedRoutes(t *testing.T) {
	server := NewHTTPServer("node-1", 8080)

	routes := []struct {
		path        string
		messageType string
	}{
		{"/position", "POSITION"},
		{"/path", "PATH"},
		{"/peers", "PEERS"},
		{"/stats", "STATS"},
		{"/correction", "CORRECTION"},
		{"/rotate", "ROTATE"},
		{"/sound", "SOUND"},
		{"/ws", "VIEW"},
		{"/metrics", ""},
	}

	for _, r := range routes {
		t.Run(r.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, r.path, nil))

			if rec.Code != http.StatusNotImplemented {
				t.Errorf("expected 501, got %d", rec.Code)
			}
			if got := rec.Header().Get("X-Message-Type"); got != r.messageType {
				t.Errorf("expected X-Message-Type %q, got %q", r.messageType, got)
			}
		})
	}
}

func TestHTTPServer_HandlersAssignedAfterConstruction(t *testing.T) {
	server := NewHTTPServer("node-1", 8080)
	server.PositionHandler = func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("here"))
	}
	server.MetricsHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("metrics"))
	})

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/position", nil))
	if rec.Body.String() != "here" {
		t.Errorf("expected custom handler output, got %q", rec.Body.String())
	}
	if rec.Header().Get("X-Node-ID") != "node-1" {
		t.Error("X-Node-ID header missing")
	}

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Body.String() != "metrics" {
		t.Errorf("expected metrics handler output, got %q", rec.Body.String())
	}
}

func TestHTTPServer_StartStop(t *testing.T) {
	port := findFreeTCPPort()
	if port == 0 {
		t.Fatal("could not find a free TCP port")
	}

	server := NewHTTPServer("node-1", port)
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	client := &http.Client{Timeout: 2 * time.Second}
	url := fmt.Sprintf("http://127.0.0.1:%d/health", port)

	var resp *http.Response
	var err error
	for i := 0; i < 50; i++ {
		resp, err = client.Get(url)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("server did not come up: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if err := server.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if err := <-errCh; err != http.ErrServerClosed {
		t.Errorf("expected ErrServerClosed, got %v", err)
	}
}
