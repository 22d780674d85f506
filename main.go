package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/heitortanoue/reckon/internal/config"
	"github.com/heitortanoue/reckon/internal/metrics"
	"github.com/heitortanoue/reckon/logging"
	"github.com/heitortanoue/reckon/pkg/exchange"
	"github.com/heitortanoue/reckon/pkg/location"
	"github.com/heitortanoue/reckon/pkg/network"
	"github.com/heitortanoue/reckon/pkg/pdr"
	"github.com/heitortanoue/reckon/pkg/protocol"
	"github.com/heitortanoue/reckon/pkg/sensor"
	"github.com/heitortanoue/reckon/pkg/store"
)

var startTime = time.Now() // For uptime calculation

func main() {
	// Command line flags
	var (
		configPath = flag.String("config", "", "YAML or JSON configuration file")
		nodeID     = flag.String("id", "", "Unique ID of this node")
		name       = flag.String("name", "", "Display name shown to peers")
		httpPort   = flag.Int("http-port", 0, "HTTP port for status and control")
		gossipPort = flag.Int("gossip-port", 0, "Port for peer discovery and exchange")
		bindAddr   = flag.String("bind", "", "Bind address")
		seeds      = flag.String("seeds", "", "Comma separated host:port of known peers")
		beacon     = flag.Bool("beacon", false, "Run as a beacon at the start position")
		channel    = flag.Int("channel", -1, "Audio channel requested from peers, 0 disables")
		record     = flag.String("record", "", "SQLite file to record the session into")
		showUsage  = flag.Bool("help", false, "Show usage help")
	)
	flag.Parse()

	if *showUsage {
		printUsage()
		return
	}

	loader := config.NewLoader(*configPath)
	cfg, err := loader.Load()
	if err != nil {
		log.Fatalf("Error loading configuration: %v", err)
	}

	// Flags win over file and environment
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "id":
			cfg.NodeID = *nodeID
		case "name":
			cfg.DisplayName = *name
		case "http-port":
			cfg.HTTPPort = *httpPort
		case "gossip-port":
			cfg.GossipPort = *gossipPort
		case "bind":
			cfg.BindAddr = *bindAddr
		case "seeds":
			cfg.Seeds = splitSeeds(*seeds)
		case "beacon":
			cfg.BeaconMode = *beacon
		case "channel":
			cfg.SoundChannel = uint8(*channel)
		case "record":
			cfg.RecordPath = *record
		}
	})
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	collector, err := metrics.NewCollector(prometheus.NewRegistry())
	if err != nil {
		log.Fatalf("Error creating metrics: %v", err)
	}

	settings := pdr.NewSettings(cfg.Settings())

	// Collaborators of the controller
	viewHub := network.NewViewHub()
	events := logging.NewEventLogger(cfg.NodeID)
	loggers := pdr.NewMultiLogger(events)

	var recorder *store.Recorder
	if cfg.RecordPath != "" {
		recorder, err = store.Open(cfg.RecordPath)
		if err != nil {
			log.Fatalf("Error opening recording: %v", err)
		}
		if _, err := recorder.StartRecording(cfg.NodeID); err != nil {
			log.Fatalf("Error starting recording: %v", err)
		}
		loggers.Add(recorder)
	}

	controller := pdr.NewController(settings, viewHub, loggers, collector)

	// Sensors feed the step detector, the controller (GPS) and the recorder
	stepDetector := pdr.NewStepDetector(pdr.StepDetectorConfigFor(cfg.SampleRate), settings, controller.HandleStep, collector)

	walkCfg := sensor.DefaultWalkConfig()
	walkCfg.SampleRate = cfg.SampleRate
	walkCfg.Cadence = cfg.Cadence
	walkCfg.Heading = cfg.Heading
	walkCfg.TurnRate = cfg.TurnRate
	start := cfg.Start().Position()
	walkCfg.Fix = &start
	sensorHub := sensor.NewHub(sensor.NewWalkSimulator(cfg.NodeID, walkCfg, cfg.Seed))

	// Peer exchange
	mlCfg := network.DefaultMemberlistConfig(cfg.NodeID)
	mlCfg.DisplayName = cfg.Exchange().DisplayName
	mlCfg.BindAddr = cfg.BindAddr
	mlCfg.BindPort = cfg.GossipPort
	mlCfg.Seeds = cfg.Seeds
	transport := network.NewMemberlistTransport(mlCfg)

	engine := exchange.NewEngine(cfg.Exchange(), transport, controller, collector)
	heartbeat := protocol.NewHeartbeat(cfg.NodeID, engine, cfg.HeartbeatInterval, cfg.HeartbeatJitter)

	loader.Watch(func(next *config.Config) {
		applySettings(next, settings, engine, events)
	})

	httpServer := network.NewHTTPServer(cfg.NodeID, cfg.HTTPPort)

	// Handlers integration
	httpServer.PositionHandler = createPositionHandler(controller, engine)
	httpServer.PathHandler = createPathHandler(controller)
	httpServer.PeersHandler = createPeersHandler(engine, transport)
	httpServer.StatsHandler = createStatsHandler(controller, stepDetector, sensorHub, engine, transport, heartbeat, viewHub, recorder, httpServer)
	httpServer.CorrectionHandler = createCorrectionHandler(controller, events)
	httpServer.RotateHandler = createRotateHandler(controller, events)
	httpServer.SoundHandler = createSoundHandler(engine, events)
	httpServer.ViewHandler = viewHub.ServeWS
	httpServer.MetricsHandler = collector.Handler()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Println("\nShutdown signal received, stopping...")

		fmt.Println("Stopping heartbeat...")
		heartbeat.Stop()

		fmt.Println("Stopping exchange...")
		engine.Stop()

		fmt.Println("Stopping sensors...")
		sensorHub.Stop()
		stepDetector.Stop()
		controller.StopPDRSession()

		if recorder != nil {
			fmt.Println("Closing recording...")
			if err := recorder.Close(); err != nil {
				fmt.Printf("Error closing recording: %v\n", err)
			}
		}

		viewHub.Stop()

		fmt.Println("Stopping HTTP server...")
		if err := httpServer.Stop(); err != nil {
			fmt.Printf("Error stopping HTTP: %v\n", err)
		}

		os.Exit(0)
	}()

	// Startup info
	fmt.Printf("=== Node %s (%s) ===\n", cfg.NodeID, cfg.Exchange().DisplayName)
	fmt.Printf("HTTP: http://%s:%d\n", cfg.BindAddr, cfg.HTTPPort)
	fmt.Printf("Discovery: %s:%d seeds=%v\n", cfg.BindAddr, cfg.GossipPort, cfg.Seeds)
	fmt.Printf("Mode: beacon=%v exchange=%v reconciler=%s\n", cfg.BeaconMode, cfg.ExchangeEnabled, cfg.Reconciler)
	fmt.Printf("Start: %s ±%.1fm\n", start, cfg.StartDeviation)
	if recorder != nil {
		fmt.Printf("Recording: %s (session %s)\n", cfg.RecordPath, recorder.Session())
	}
	fmt.Printf("Starting...\n\n")

	// Start components
	go viewHub.Run()

	if !cfg.BeaconMode {
		stepDetector.Start()
		if err := sensorHub.AddListener(controller); err != nil {
			log.Fatalf("Error attaching controller: %v", err)
		}
		if err := sensorHub.AddListener(stepDetector); err != nil {
			log.Fatalf("Error attaching step detector: %v", err)
		}
		if recorder != nil {
			if err := sensorHub.AddListener(recorder); err != nil {
				log.Fatalf("Error attaching recorder: %v", err)
			}
		}
	}

	if cfg.ExchangeEnabled {
		if err := startExchange(cfg, engine); err != nil {
			log.Fatalf("Error starting exchange: %v", err)
		}
	}
	heartbeat.Start()

	if err := httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Error starting HTTP server: %v", err)
	}
	select {}
}

func splitSeeds(s string) []string {
	var out []string
	for _, seed := range strings.Split(s, ",") {
		if seed = strings.TrimSpace(seed); seed != "" {
			out = append(out, seed)
		}
	}
	return out
}

func startExchange(cfg *config.Config, engine *exchange.Engine) error {
	if cfg.BeaconMode {
		return engine.StartBeaconMode(cfg.Start())
	}
	return engine.StartWalkerMode(cfg.SoundChannel)
}

// applySettings pushes a reloaded configuration into the running node.
// Only the runtime settings are reloadable; ports and identity need a restart.
// Disabling exchange is enforced by the controller's connection policy.
func applySettings(next *config.Config, settings *pdr.Settings, engine *exchange.Engine, events *logging.EventLogger) {
	previous := settings.Get()
	if err := settings.Set(next.Settings()); err != nil {
		events.LogError("reload", err)
		return
	}

	enable := next.ExchangeEnabled && !engine.IsRunning()
	switchMode := engine.IsRunning() && previous.BeaconMode != next.BeaconMode
	if enable || switchMode {
		if err := startExchange(next, engine); err != nil {
			events.LogError("reload", err)
		}
	}
}

// positionJSON is the wire form of a position in HTTP responses
type positionJSON struct {
	Timestamp float64 `json:"timestamp"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Deviation float64 `json:"deviation"`
	Encoded   string  `json:"encoded"`
}

func toPositionJSON(pos location.Absolute) positionJSON {
	p := pos.Position()
	return positionJSON{
		Timestamp: pos.Timestamp(),
		Latitude:  p.Latitude,
		Longitude: p.Longitude,
		Deviation: pos.Deviation(),
		Encoded:   pos.Encode(),
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// printUsage shows available options and endpoints
func printUsage() {
	fmt.Fprintf(os.Stderr, `
=== Collaborative PDR Node ===

USAGE:
  %s [options]

EXAMPLES:
  %s -id=walker-1 -name=Ana
  %s -id=walker-2 -http-port=8081 -gossip-port=7947 -seeds=127.0.0.1:7946
  %s -id=beacon-1 -beacon -http-port=8082 -gossip-port=7948 -seeds=127.0.0.1:7946
  %s -config=node.yaml -record=session.db

OPTIONS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])

	flag.PrintDefaults()

	fmt.Fprintf(os.Stderr, `
ENVIRONMENT:
  %s_<KEY> overrides any configuration key, e.g. %s_STEP_LENGTH=0.8

ENDPOINTS (HTTP):
  GET  /position   - Current position and mode
  GET  /path       - Complete path
  GET  /peers      - Known peers and session states
  GET  /stats      - Node statistics
  POST /correction - Manual position {latitude, longitude, deviation}
  POST /rotate     - Heading correction {radians, pin_latitude?, pin_longitude?}
  POST /sound      - Ask a connected peer to emit on an audio channel {peer, channel}
  GET  /ws         - Live position feed (websocket)
  GET  /metrics    - Prometheus metrics
`, config.EnvPrefix, config.EnvPrefix)
}

// createPositionHandler handles GET /position
func createPositionHandler(controller *pdr.Controller, engine *exchange.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		response := map[string]interface{}{
			"mode":    engine.Mode().String(),
			"session": controller.IsSessionRunning(),
		}
		if pos, ok := engine.BeaconPosition(); ok {
			response["position"] = toPositionJSON(pos)
		} else if pos, ok := controller.Path().Current(); ok {
			response["position"] = toPositionJSON(pos)
			response["walked_m"] = controller.Path().Walked()
		}

		writeJSON(w, http.StatusOK, response)
	}
}

// createPathHandler handles GET /path
func createPathHandler(controller *pdr.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		snapshot := controller.Path().Snapshot()
		path := make([]positionJSON, len(snapshot))
		for i, pos := range snapshot {
			path[i] = toPositionJSON(pos)
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"path":           path,
			"points":         len(path),
			"heading_offset": controller.Path().HeadingOffset(),
		})
	}
}

// createPeersHandler handles GET /peers
func createPeersHandler(engine *exchange.Engine, transport *network.MemberlistTransport) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"sessions":  engine.Peers(),
			"members":   transport.Peers().GetActivePeers(),
			"exchanges": engine.History().Recent(20),
		})
	}
}

// createStatsHandler handles GET /stats
func createStatsHandler(
	controller *pdr.Controller,
	stepDetector *pdr.StepDetector,
	sensorHub *sensor.Hub,
	engine *exchange.Engine,
	transport *network.MemberlistTransport,
	heartbeat *protocol.Heartbeat,
	viewHub *network.ViewHub,
	recorder *store.Recorder,
	httpServer *network.HTTPServer,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		response := map[string]interface{}{
			"pdr":       controller.GetStats(),
			"steps":     stepDetector.GetStats(),
			"sensors":   sensorHub.GetStats(),
			"exchange":  engine.GetStats(),
			"network":   transport.GetStats(),
			"heartbeat": heartbeat.GetStats(),
			"view":      viewHub.GetStats(),
			"http":      httpServer.GetStats(),
			"uptime":    time.Since(startTime).Seconds(),
		}
		if recorder != nil {
			response["recorder"] = recorder.GetStats()
		}

		writeJSON(w, http.StatusOK, response)
	}
}

// createCorrectionHandler handles POST /correction
func createCorrectionHandler(controller *pdr.Controller, events *logging.EventLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req struct {
			Latitude  float64 `json:"latitude"`
			Longitude float64 `json:"longitude"`
			Deviation float64 `json:"deviation"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}

		c := location.Coordinate{Latitude: req.Latitude, Longitude: req.Longitude}
		if !c.Valid() || req.Deviation < 0 {
			http.Error(w, "Invalid position", http.StatusBadRequest)
			return
		}

		pos := location.At(float64(time.Now().UnixNano())/1e9, c, req.Deviation)
		if err := controller.ManualPositionCorrection(pos); err != nil {
			events.LogError("correction", err)
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"message":  "Position corrected",
			"position": toPositionJSON(pos),
		})
	}
}

// createRotateHandler handles POST /rotate
func createRotateHandler(controller *pdr.Controller, events *logging.EventLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req struct {
			Radians      float64  `json:"radians"`
			PinLatitude  *float64 `json:"pin_latitude"`
			PinLongitude *float64 `json:"pin_longitude"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}

		var err error
		pivot := -1
		if req.PinLatitude != nil && req.PinLongitude != nil {
			pin := location.Coordinate{Latitude: *req.PinLatitude, Longitude: *req.PinLongitude}
			var segment []location.Absolute
			pivot, segment = controller.PartOfPathToBeRotated(pin)
			if pivot < 0 || len(segment) == 0 {
				http.Error(w, "No path to rotate", http.StatusConflict)
				return
			}
			err = controller.RotatePathAround(pivot, req.Radians)
		} else {
			err = controller.RotatePathBy(req.Radians)
		}
		if err != nil {
			events.LogError("rotate", err)
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"message":        "Path rotated",
			"pivot":          pivot,
			"heading_offset": controller.Path().HeadingOffset(),
		})
	}
}

// createSoundHandler handles POST /sound
func createSoundHandler(engine *exchange.Engine, events *logging.EventLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req struct {
			Peer    string `json:"peer"`
			Channel uint8  `json:"channel"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
		if req.Peer == "" {
			http.Error(w, "Missing peer", http.StatusBadRequest)
			return
		}

		if err := engine.RequestSoundEmission(req.Peer, req.Channel); err != nil {
			events.LogError("sound", err)
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"message": "Sound emission requested",
			"peer":    req.Peer,
			"channel": req.Channel,
		})
	}
}
