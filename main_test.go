package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/heitortanoue/reckon/internal/config"
	"github.com/heitortanoue/reckon/logging"
	"github.com/heitortanoue/reckon/pkg/exchange"
	"github.com/heitortanoue/reckon/pkg/location"
	"github.com/heitortanoue/reckon/pkg/network"
	"github.com/heitortanoue/reckon/pkg/pdr"
	"github.com/heitortanoue/reckon/pkg/protocol"
	"github.com/heitortanoue/reckon/pkg/store"
)

var testStart = location.Coordinate{Latitude: 48.137154, Longitude: 11.576124}

// testNode is one node of an in-memory deployment
type testNode struct {
	settings   *pdr.Settings
	controller *pdr.Controller
	engine     *exchange.Engine
	recorder   *store.Recorder
}

func newTestNode(t *testing.T, hub *network.MemoryHub, id string, values pdr.SettingsValues) *testNode {
	t.Helper()

	recorder, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open recorder: %v", err)
	}
	if _, err := recorder.StartRecording(id); err != nil {
		t.Fatalf("start recording: %v", err)
	}

	settings := pdr.NewSettings(values)
	controller := pdr.NewController(settings, pdr.NopView{}, pdr.NewMultiLogger(recorder), nil)

	cfg := exchange.DefaultConfig()
	cfg.DisplayName = id
	cfg.SweepInterval = time.Hour
	engine := exchange.NewEngine(cfg, hub.NewTransport(id, id), controller, nil)

	n := &testNode{settings: settings, controller: controller, engine: engine, recorder: recorder}
	t.Cleanup(func() {
		engine.Stop()
		recorder.Close()
	})
	return n
}

func walkNorth(c *pdr.Controller, steps int) {
	for i := 1; i <= steps; i++ {
		c.HandleStep(location.NewRelative(float64(i), 0, 0.7, 0.1))
	}
}

func TestIntegration_WalkersMeetAndAgree(t *testing.T) {
	hub := network.NewMemoryHub()
	alice := newTestNode(t, hub, "alice", pdr.DefaultSettings())
	bob := newTestNode(t, hub, "bob", pdr.DefaultSettings())

	if err := alice.controller.StartPDRSession(location.At(0, testStart, 5)); err != nil {
		t.Fatal(err)
	}
	walkNorth(alice.controller, 20)

	bobStart := location.NewAbsolute(0, 4, 12, testStart, 1)
	if err := bob.controller.StartPDRSession(bobStart); err != nil {
		t.Fatal(err)
	}

	if err := alice.engine.StartWalkerMode(0); err != nil {
		t.Fatal(err)
	}
	if err := bob.engine.StartWalkerMode(0); err != nil {
		t.Fatal(err)
	}

	if s := alice.engine.State("bob"); s != exchange.Connected {
		t.Fatalf("expected CONNECTED, got %s", s)
	}

	a, _ := alice.controller.Path().Current()
	b, _ := bob.controller.Path().Current()
	if d := a.Distance(b); d > 1e-6 {
		t.Errorf("walkers should agree after the exchange, %.3f m apart", d)
	}
	if a.Deviation() != 1 {
		t.Errorf("alice should take bob's deviation, got %.2f", a.Deviation())
	}

	for _, n := range []*testNode{alice, bob} {
		count, err := n.recorder.Count("exchange_corrections", n.recorder.Session())
		if err != nil {
			t.Fatal(err)
		}
		if count != 1 {
			t.Errorf("expected one recorded correction, got %d", count)
		}
	}

	// they just met, so alice does not ask for another meeting
	if alice.controller.ShouldConnectToPeer("bob") {
		t.Error("alice should wait for the meeting distance")
	}
	walkNorth(alice.controller, 50)
	if !alice.controller.ShouldConnectToPeer("bob") {
		t.Error("alice walked far enough for another meeting")
	}

	queries, _ := alice.recorder.Count("connection_queries", alice.recorder.Session())
	if queries != 3 {
		t.Errorf("expected 3 audited connection queries, got %d", queries)
	}
}

func TestIntegration_StepsDuringExchangeAreKept(t *testing.T) {
	hub := network.NewMemoryHub()
	alice := newTestNode(t, hub, "alice", pdr.DefaultSettings())
	bob := newTestNode(t, hub, "bob", pdr.DefaultSettings())

	// hold back bob's answer so alice keeps walking while it is in flight
	var ack []byte
	hub.SetDropFunc(func(from, to string, data []byte) bool {
		if from == "bob" && len(data) > 0 && protocol.PacketType(data[0]) == protocol.PositionEstimateACK {
			ack = append([]byte(nil), data...)
			return true
		}
		return false
	})

	if err := alice.controller.StartPDRSession(location.At(0, testStart, 5)); err != nil {
		t.Fatal(err)
	}
	bobPos := location.NewAbsolute(0, 4, 12, testStart, 1)
	if err := bob.controller.StartPDRSession(bobPos); err != nil {
		t.Fatal(err)
	}
	if err := alice.engine.StartWalkerMode(0); err != nil {
		t.Fatal(err)
	}
	if err := bob.engine.StartWalkerMode(0); err != nil {
		t.Fatal(err)
	}
	if ack == nil {
		t.Fatal("bob never answered")
	}

	walkNorth(alice.controller, 3)
	hub.SetDropFunc(nil)
	alice.engine.Receive("bob", ack)

	cur, _ := alice.controller.Path().Current()
	want := bobPos.Move(location.NewRelative(0, 0, 2.1, 0))
	if d := cur.Distance(want); d > 1e-6 {
		t.Errorf("alice should stand 3 steps north of bob, %.3f m off", d)
	}
	if dev := cur.Deviation(); dev < 1.3-1e-9 || dev > 1.3+1e-9 {
		t.Errorf("expected bob's deviation plus three steps, got %.3f", dev)
	}
}

func TestIntegration_BeaconAnchorsWalker(t *testing.T) {
	hub := network.NewMemoryHub()
	beaconSettings := pdr.DefaultSettings()
	beaconSettings.BeaconMode = true

	walker := newTestNode(t, hub, "walker", pdr.DefaultSettings())
	beacon := newTestNode(t, hub, "beacon", beaconSettings)

	if err := walker.controller.StartPDRSession(location.At(0, testStart, 3)); err != nil {
		t.Fatal(err)
	}
	walkNorth(walker.controller, 10)

	beaconPos := location.At(0, location.Coordinate{Latitude: 48.1372, Longitude: 11.5762}, 0)
	if err := walker.engine.StartWalkerMode(0); err != nil {
		t.Fatal(err)
	}
	if err := beacon.engine.StartBeaconMode(beaconPos); err != nil {
		t.Fatal(err)
	}

	cur, _ := walker.controller.Path().Current()
	if d := cur.Distance(beaconPos); d > 1e-6 {
		t.Errorf("walker should stand at the beacon, %.3f m away", d)
	}
	if cur.Deviation() != 0 {
		t.Errorf("beacon position is exact, got deviation %.2f", cur.Deviation())
	}
	if beacon.controller.IsSessionRunning() {
		t.Error("beacon never runs a PDR session")
	}
	corrections, _ := beacon.recorder.Count("exchange_corrections", beacon.recorder.Session())
	if corrections != 0 {
		t.Errorf("beacon must not correct itself, got %d", corrections)
	}
}

func TestIntegration_ReloadSwitchesMode(t *testing.T) {
	hub := network.NewMemoryHub()
	node := newTestNode(t, hub, "node", pdr.DefaultSettings())
	events := logging.NewEventLogger("node")

	next := config.DefaultConfig()
	next.ExchangeEnabled = true
	applySettings(next, node.settings, node.engine, events)
	if !node.engine.IsWalker() {
		t.Fatalf("enabling exchange should start walker mode, got %s", node.engine.Mode())
	}

	next.BeaconMode = true
	applySettings(next, node.settings, node.engine, events)
	if !node.engine.IsBeacon() {
		t.Errorf("expected beacon mode, got %s", node.engine.Mode())
	}
	if !node.settings.BeaconMode() {
		t.Error("settings not applied")
	}

	bad := config.DefaultConfig()
	bad.StepLength = 5
	applySettings(bad, node.settings, node.engine, events)
	if node.settings.StepLength() == 5 {
		t.Error("invalid settings must be rejected")
	}
}

func newTestServer(t *testing.T) (*network.HTTPServer, *pdr.Controller) {
	t.Helper()

	controller := pdr.NewController(pdr.NewSettings(pdr.DefaultSettings()), nil, nil, nil)
	engine := exchange.NewEngine(exchange.DefaultConfig(), network.NewMemoryHub().NewTransport("n", "N"), controller, nil)
	transport := network.NewMemberlistTransport(network.DefaultMemberlistConfig("n"))
	events := logging.NewEventLogger("n")

	s := network.NewHTTPServer("n", 0)
	s.PositionHandler = createPositionHandler(controller, engine)
	s.PathHandler = createPathHandler(controller)
	s.PeersHandler = createPeersHandler(engine, transport)
	s.CorrectionHandler = createCorrectionHandler(controller, events)
	s.RotateHandler = createRotateHandler(controller, events)
	s.SoundHandler = createSoundHandler(engine, events)
	return s, controller
}

func do(t *testing.T, s *network.HTTPServer, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(method, path, &buf))
	return rr
}

func TestHandlers_CorrectionAndPosition(t *testing.T) {
	s, controller := newTestServer(t)

	correction := map[string]float64{"latitude": 48.2, "longitude": 11.6, "deviation": 2}
	if rr := do(t, s, http.MethodPost, "/correction", correction); rr.Code != http.StatusConflict {
		t.Errorf("correction without session: expected 409, got %d", rr.Code)
	}

	if err := controller.StartPDRSession(location.At(0, testStart, 5)); err != nil {
		t.Fatal(err)
	}
	if rr := do(t, s, http.MethodPost, "/correction", correction); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body)
	}

	rr := do(t, s, http.MethodGet, "/position", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var response struct {
		Mode     string       `json:"mode"`
		Position positionJSON `json:"position"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatal(err)
	}
	if response.Mode != "off" {
		t.Errorf("expected mode off, got %s", response.Mode)
	}
	if response.Position.Deviation != 2 {
		t.Errorf("expected corrected deviation 2, got %.2f", response.Position.Deviation)
	}
	if _, err := location.DecodeAbsolute(response.Position.Encoded); err != nil {
		t.Errorf("encoded position should decode: %v", err)
	}
}

func TestHandlers_Validation(t *testing.T) {
	s, _ := newTestServer(t)

	testCases := []struct {
		name   string
		method string
		path   string
		body   interface{}
		code   int
	}{
		{"position needs GET", http.MethodPost, "/position", nil, http.StatusMethodNotAllowed},
		{"correction needs POST", http.MethodGet, "/correction", nil, http.StatusMethodNotAllowed},
		{"correction bad JSON", http.MethodPost, "/correction", nil, http.StatusBadRequest},
		{"correction out of range", http.MethodPost, "/correction", map[string]float64{"latitude": 91}, http.StatusBadRequest},
		{"rotate without session", http.MethodPost, "/rotate", map[string]float64{"radians": 0.1}, http.StatusConflict},
		{"sound needs POST", http.MethodGet, "/sound", nil, http.StatusMethodNotAllowed},
		{"sound bad JSON", http.MethodPost, "/sound", nil, http.StatusBadRequest},
		{"sound without peer", http.MethodPost, "/sound", map[string]int{"channel": 2}, http.StatusBadRequest},
		{"sound with engine stopped", http.MethodPost, "/sound", map[string]interface{}{"peer": "bob", "channel": 2}, http.StatusConflict},
		{"stats not wired", http.MethodGet, "/stats", nil, http.StatusNotImplemented},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if rr := do(t, s, tc.method, tc.path, tc.body); rr.Code != tc.code {
				t.Errorf("expected %d, got %d", tc.code, rr.Code)
			}
		})
	}
}

func TestHandlers_RotateAndPath(t *testing.T) {
	s, controller := newTestServer(t)
	if err := controller.StartPDRSession(location.At(0, testStart, 0)); err != nil {
		t.Fatal(err)
	}
	walkNorth(controller, 4)

	pin := controller.Path().Snapshot()[2].Position()
	rr := do(t, s, http.MethodPost, "/rotate", map[string]float64{
		"radians": 0.5, "pin_latitude": pin.Latitude, "pin_longitude": pin.Longitude,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body)
	}
	var rotated struct {
		Pivot int `json:"pivot"`
	}
	json.NewDecoder(rr.Body).Decode(&rotated)
	if rotated.Pivot != 2 {
		t.Errorf("expected pivot 2, got %d", rotated.Pivot)
	}

	rr = do(t, s, http.MethodGet, "/path", nil)
	var path struct {
		Points int            `json:"points"`
		Path   []positionJSON `json:"path"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&path); err != nil {
		t.Fatal(err)
	}
	if path.Points != 5 || len(path.Path) != 5 {
		t.Errorf("expected 5 points, got %d", path.Points)
	}

	rr = do(t, s, http.MethodGet, "/peers", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("peers: expected 200, got %d", rr.Code)
	}
}

type soundLog struct {
	peers    []string
	channels []uint8
}

func (l *soundLog) StartSoundEmission(peerID string, channel uint8) {
	l.peers = append(l.peers, peerID)
	l.channels = append(l.channels, channel)
}

func TestHandlers_SoundReachesPeer(t *testing.T) {
	hub := network.NewMemoryHub()
	alice := newTestNode(t, hub, "alice", pdr.DefaultSettings())

	heard := &soundLog{}
	cfg := exchange.DefaultConfig()
	cfg.SweepInterval = time.Hour
	cfg.Sound = heard
	bobController := pdr.NewController(pdr.NewSettings(pdr.DefaultSettings()), nil, nil, nil)
	bob := exchange.NewEngine(cfg, hub.NewTransport("bob", "bob"), bobController, nil)
	t.Cleanup(bob.Stop)

	if err := alice.engine.StartWalkerMode(0); err != nil {
		t.Fatal(err)
	}
	if err := bob.StartWalkerMode(0); err != nil {
		t.Fatal(err)
	}

	s := network.NewHTTPServer("alice", 0)
	s.SoundHandler = createSoundHandler(alice.engine, logging.NewEventLogger("alice"))

	rr := do(t, s, http.MethodPost, "/sound", map[string]interface{}{"peer": "bob", "channel": 4})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body)
	}
	if len(heard.channels) != 1 || heard.channels[0] != 4 || heard.peers[0] != "alice" {
		t.Errorf("bob should be asked once for channel 4 by alice, got %v from %v", heard.channels, heard.peers)
	}
}

func TestSplitSeeds(t *testing.T) {
	got := splitSeeds(" a:1, ,b:2,")
	if len(got) != 2 || got[0] != "a:1" || got[1] != "b:2" {
		t.Errorf("unexpected seeds %v", got)
	}
	if splitSeeds("") != nil {
		t.Error("empty flag should give no seeds")
	}
}
