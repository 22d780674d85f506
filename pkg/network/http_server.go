package network

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"
)

// HTTPServer serves node status and control endpoints. Route behaviour is
// plugged in through the handler fields; unset routes answer 501.
type HTTPServer struct {
	port   int
	mux    *http.ServeMux
	nodeID string
	server *http.Server

	PositionHandler   http.HandlerFunc
	PathHandler       http.HandlerFunc
	PeersHandler      http.HandlerFunc
	StatsHandler      http.HandlerFunc
	CorrectionHandler http.HandlerFunc
	RotateHandler     http.HandlerFunc
	SoundHandler      http.HandlerFunc
	MetricsHandler    http.Handler
	ViewHandler       http.HandlerFunc
}

func NewHTTPServer(nodeID string, port int) *HTTPServer {
	mux := http.NewServeMux()

	s := &HTTPServer{
		nodeID: nodeID,
		port:   port,
		mux:    mux,
		server: &http.Server{
			Addr:              ":" + strconv.Itoa(port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}

	s.setupRoutes()
	return s
}

func (s *HTTPServer) setupRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/position", s.wrap("POSITION", "Position handler", func() http.HandlerFunc { return s.PositionHandler }))
	s.mux.HandleFunc("/path", s.wrap("PATH", "Path handler", func() http.HandlerFunc { return s.PathHandler }))
	s.mux.HandleFunc("/peers", s.wrap("PEERS", "Peers handler", func() http.HandlerFunc { return s.PeersHandler }))
	s.mux.HandleFunc("/stats", s.wrap("STATS", "Stats handler", func() http.HandlerFunc { return s.StatsHandler }))
	s.mux.HandleFunc("/correction", s.wrap("CORRECTION", "Correction handler", func() http.HandlerFunc { return s.CorrectionHandler }))
	s.mux.HandleFunc("/rotate", s.wrap("ROTATE", "Rotate handler", func() http.HandlerFunc { return s.RotateHandler }))
	s.mux.HandleFunc("/sound", s.wrap("SOUND", "Sound handler", func() http.HandlerFunc { return s.SoundHandler }))
	s.mux.HandleFunc("/ws", s.wrap("VIEW", "View feed", func() http.HandlerFunc { return s.ViewHandler }))
	s.mux.HandleFunc("/metrics", s.handleMetrics)
}

// Handler exposes the router, mainly for httptest
func (s *HTTPServer) Handler() http.Handler { return s.mux }

// Start blocks serving HTTP until Stop
func (s *HTTPServer) Start() error {
	log.Printf("[HTTP] Server started on port %d", s.port)
	return s.server.ListenAndServe()
}

// Stop shuts the server down, waiting up to five seconds for open requests
func (s *HTTPServer) Stop() error {
	log.Printf("[HTTP] Stopping server on port %d", s.port)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"node_id": s.nodeID,
		"status":  "healthy",
		"port":    s.port,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// wrap tags the response and delegates to the handler current at request time
func (s *HTTPServer) wrap(messageType, feature string, current func() http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Message-Type", messageType)
		w.Header().Set("X-Node-ID", s.nodeID)
		if h := current(); h != nil {
			h(w, r)
		} else {
			s.sendNotImplemented(w, feature)
		}
	}
}

func (s *HTTPServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.MetricsHandler != nil {
		s.MetricsHandler.ServeHTTP(w, r)
		return
	}
	s.sendNotImplemented(w, "Metrics")
}

func (s *HTTPServer) sendNotImplemented(w http.ResponseWriter, feature string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotImplemented)

	response := map[string]interface{}{
		"error":   "Not implemented",
		"feature": feature,
	}

	json.NewEncoder(w).Encode(response)
}

// GetStats returns HTTP server statistics
func (s *HTTPServer) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"http_port": s.port,
		"node_id":   s.nodeID,
	}
}
