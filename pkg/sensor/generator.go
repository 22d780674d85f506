package sensor

import (
	"log"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/heitortanoue/reckon/pkg/location"
)

// WalkConfig describes the synthetic walk
type WalkConfig struct {
	SampleRate   float64 // motion samples per second
	Cadence      float64 // steps per second
	Amplitude    float64 // peak vertical acceleration swing in g
	Heading      float64 // initial heading, degrees clockwise from north
	TurnRate     float64 // degrees per second, positive turns right
	Noise        float64 // gaussian noise stddev in g
	CompassEvery int     // one compass sample every N motion samples, 0 disables

	// Fix, when set, is published once when the simulator starts
	Fix *location.Coordinate
}

// DefaultWalkConfig returns a 50 Hz walk at roughly 1.8 steps per second
func DefaultWalkConfig() WalkConfig {
	return WalkConfig{
		SampleRate:   50,
		Cadence:      1.8,
		Amplitude:    0.35,
		Heading:      0,
		TurnRate:     0,
		Noise:        0.02,
		CompassEvery: 10,
	}
}

// WalkSimulator is a Source producing motion and compass samples of a person
// walking. Timestamps advance by exactly 1/SampleRate per sample starting at
// the wall clock time of Start, so the output is reproducible for a seed.
type WalkSimulator struct {
	sourceID string
	config   WalkConfig
	rng      *rand.Rand

	sample  int
	t0      float64
	running bool
	stopCh  chan struct{}
	mutex   sync.Mutex

	now func() time.Time
}

// NewWalkSimulator creates a simulator; seed makes the noise reproducible.
func NewWalkSimulator(sourceID string, config WalkConfig, seed int64) *WalkSimulator {
	if config.SampleRate <= 0 {
		config.SampleRate = 50
	}
	return &WalkSimulator{
		sourceID: sourceID,
		config:   config,
		rng:      rand.New(rand.NewSource(seed)),
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
}

// Start begins publishing to p at the configured sample rate
func (ws *WalkSimulator) Start(p Publisher) error {
	ws.mutex.Lock()
	defer ws.mutex.Unlock()

	if ws.running {
		return nil
	}

	ws.running = true
	ws.stopCh = make(chan struct{})
	ws.t0 = float64(ws.now().UnixNano()) / 1e9
	ws.sample = 0

	log.Printf("[SENSOR] Starting walk simulator %s (%.0f Hz, cadence %.2f/s)",
		ws.sourceID, ws.config.SampleRate, ws.config.Cadence)

	if ws.config.Fix != nil {
		p.Publish(GPSFix{
			Timestamp:          ws.t0,
			Coordinate:         *ws.config.Fix,
			HorizontalAccuracy: 5,
			VerticalAccuracy:   -1,
			Course:             -1,
			Speed:              -1,
		})
	}

	go ws.loop(p, ws.stopCh)
	return nil
}

// Stop halts sample generation
func (ws *WalkSimulator) Stop() {
	ws.mutex.Lock()
	defer ws.mutex.Unlock()

	if !ws.running {
		return
	}

	ws.running = false
	close(ws.stopCh)
	log.Printf("[SENSOR] Stopping walk simulator %s", ws.sourceID)
}

func (ws *WalkSimulator) loop(p Publisher, stopCh chan struct{}) {
	period := time.Duration(float64(time.Second) / ws.config.SampleRate)
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ws.Generate(1, p)
		case <-stopCh:
			return
		}
	}
}

// Generate publishes the next n samples synchronously
func (ws *WalkSimulator) Generate(n int, p Publisher) {
	for i := 0; i < n; i++ {
		ws.mutex.Lock()
		idx := ws.sample
		ws.sample++
		noise := ws.rng.NormFloat64() * ws.config.Noise
		ws.mutex.Unlock()

		for _, e := range ws.eventsAt(idx, noise) {
			p.Publish(e)
		}
	}
}

// HeadingAt returns the simulated true heading in degrees after sample idx
func (ws *WalkSimulator) HeadingAt(idx int) float64 {
	dt := float64(idx) / ws.config.SampleRate
	return math.Mod(ws.config.Heading+ws.config.TurnRate*dt+360, 360)
}

func (ws *WalkSimulator) eventsAt(idx int, noise float64) []Event {
	cfg := ws.config
	dt := float64(idx) / cfg.SampleRate
	ts := ws.t0 + dt

	vertical := 1 + cfg.Amplitude*math.Sin(2*math.Pi*cfg.Cadence*dt) + noise
	heading := ws.HeadingAt(idx)
	yaw := -heading * math.Pi / 180

	events := []Event{MotionSample{
		Timestamp:    ts,
		Acceleration: Vector3{Z: vertical},
		RotationRate: Vector3{Z: -cfg.TurnRate * math.Pi / 180},
		Yaw:          yaw,
	}}

	if cfg.CompassEvery > 0 && idx%cfg.CompassEvery == 0 {
		events = append(events, CompassSample{
			Timestamp:       ts,
			MagneticHeading: heading,
			TrueHeading:     heading,
			Accuracy:        10,
		})
	}
	return events
}

// GetStats returns statistics for the simulator
func (ws *WalkSimulator) GetStats() map[string]interface{} {
	ws.mutex.Lock()
	defer ws.mutex.Unlock()

	return map[string]interface{}{
		"source_id":   ws.sourceID,
		"running":     ws.running,
		"sample_rate": ws.config.SampleRate,
		"cadence":     ws.config.Cadence,
		"samples":     ws.sample,
	}
}
