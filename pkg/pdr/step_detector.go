package pdr

import (
	"log"
	"math"
	"sync"

	"github.com/heitortanoue/reckon/internal/metrics"
	"github.com/heitortanoue/reckon/pkg/dsp"
	"github.com/heitortanoue/reckon/pkg/location"
	"github.com/heitortanoue/reckon/pkg/sensor"
)

// StepDetectorConfig tunes the detector. Window, Hop and Margin are in
// samples.
type StepDetectorConfig struct {
	SampleRate      float64 // Hz, the low-pass is designed for it
	Cutoff          float64 // low-pass cut-off, Hz
	Window          int
	Hop             int
	Margin          int
	Threshold       float64 // peak hysteresis in g
	MinStepInterval float64 // seconds
	StepDeviation   float64 // deviation added per step, metres
	QueueSize       int
	CompassAlpha    float64
}

// DefaultStepDetectorConfig is tuned for a 50 Hz motion feed
func DefaultStepDetectorConfig() StepDetectorConfig {
	return StepDetectorConfigFor(50)
}

// StepDetectorConfigFor keeps the 50 Hz timing (3 s window, 0.5 s hop,
// 0.2 s margin) at another sample rate.
func StepDetectorConfigFor(sampleRate float64) StepDetectorConfig {
	samples := func(seconds float64) int {
		return int(math.Round(seconds * sampleRate))
	}
	return StepDetectorConfig{
		SampleRate:      sampleRate,
		Cutoff:          3,
		Window:          samples(3),
		Hop:             samples(0.5),
		Margin:          samples(0.2),
		Threshold:       0.1,
		MinStepInterval: 0.25,
		StepDeviation:   0.05,
		QueueSize:       256,
		CompassAlpha:    0.98,
	}
}

type stepSample struct {
	timestamp float64
	magnitude float64
	heading   float64
}

// StepSink receives every detected step
type StepSink func(delta location.Relative)

// StepDetector turns motion and compass samples into step deltas. Samples
// are queued by HandleSensorEvent and processed on the detector's own
// goroutine; when the queue is full new samples are dropped so the producer
// never blocks.
type StepDetector struct {
	config   StepDetectorConfig
	settings *Settings
	heading  *HeadingEstimator
	sink     StepSink
	metrics  *metrics.Collector

	a, b []float64

	// owned by the processing goroutine
	buffer        []stepSample
	total         int
	sinceDetect   int
	lastStepIndex int
	lastDownIndex int // starts above lastStepIndex so the first up peak counts
	lastStepTime  float64

	queue   chan sensor.Event
	dropped uint64
	steps   uint64

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	mutex   sync.Mutex
}

// NewStepDetector creates a detector that reads the step length from
// settings and reports to sink. It panics if Cutoff is not below half the
// sample rate.
func NewStepDetector(config StepDetectorConfig, settings *Settings, sink StepSink, m *metrics.Collector) *StepDetector {
	if config.SampleRate <= 0 {
		config.SampleRate = 50
	}
	if config.Cutoff <= 0 {
		config.Cutoff = 3
	}
	if config.Window <= 0 {
		config.Window = 150
	}
	if config.Hop <= 0 {
		config.Hop = 25
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}
	a, b := dsp.ButterworthLowPass2(config.Cutoff, config.SampleRate)
	return &StepDetector{
		config:        config,
		settings:      settings,
		heading:       NewHeadingEstimator(config.CompassAlpha),
		sink:          sink,
		metrics:       m,
		a:             a,
		b:             b,
		buffer:        make([]stepSample, 0, config.Window),
		lastStepIndex: -1,
		lastStepTime:  math.Inf(-1),
		queue:         make(chan sensor.Event, config.QueueSize),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// Accepts declares the sensor kinds the detector consumes
func (sd *StepDetector) Accepts() sensor.Kinds {
	return sensor.KindsOf(sensor.KindMotion, sensor.KindCompass)
}

// HandleSensorEvent queues e without blocking
func (sd *StepDetector) HandleSensorEvent(e sensor.Event) {
	select {
	case sd.queue <- e:
	default:
		sd.mutex.Lock()
		sd.dropped++
		sd.mutex.Unlock()
		sd.metrics.IncSamplesDropped()
	}
}

// Start launches the processing goroutine
func (sd *StepDetector) Start() {
	sd.mutex.Lock()
	defer sd.mutex.Unlock()

	if sd.running {
		return
	}
	sd.running = true
	sd.stopCh = make(chan struct{})
	sd.doneCh = make(chan struct{})

	log.Printf("[PDR] Step detector started (window=%d hop=%d threshold=%.2f)",
		sd.config.Window, sd.config.Hop, sd.config.Threshold)

	go sd.run(sd.stopCh, sd.doneCh)
}

// Stop halts processing. Queued samples are discarded.
func (sd *StepDetector) Stop() {
	sd.mutex.Lock()
	if !sd.running {
		sd.mutex.Unlock()
		return
	}
	sd.running = false
	close(sd.stopCh)
	done := sd.doneCh
	sd.mutex.Unlock()

	<-done
	log.Printf("[PDR] Step detector stopped")
}

func (sd *StepDetector) run(stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	for {
		select {
		case e := <-sd.queue:
			sd.Process(e)
		case <-stopCh:
			return
		}
	}
}

// Process handles one event synchronously. It must only be called from one
// goroutine at a time; Start does that for queued events.
func (sd *StepDetector) Process(e sensor.Event) {
	sd.heading.Update(e)

	m, ok := e.(sensor.MotionSample)
	if !ok {
		return
	}

	acc := m.Acceleration
	sample := stepSample{
		timestamp: m.Timestamp,
		magnitude: math.Sqrt(acc.X*acc.X + acc.Y*acc.Y + acc.Z*acc.Z),
		heading:   sd.heading.Heading(),
	}

	if len(sd.buffer) == sd.config.Window {
		copy(sd.buffer, sd.buffer[1:])
		sd.buffer = sd.buffer[:len(sd.buffer)-1]
	}
	sd.buffer = append(sd.buffer, sample)
	sd.total++
	sd.sinceDetect++

	if sd.sinceDetect >= sd.config.Hop && len(sd.buffer) == sd.config.Window {
		sd.sinceDetect = 0
		sd.detect()
	}
}

func (sd *StepDetector) detect() {
	n := len(sd.buffer)
	if !dsp.CanFiltFilt(sd.a, sd.b, n) {
		return
	}

	magnitudes := make([]float64, n)
	for i, s := range sd.buffer {
		magnitudes[i] = s.magnitude
	}

	filtered := dsp.FiltFilt(sd.a, sd.b, magnitudes)
	peaks := dsp.PeakDet(filtered, 0, n, sd.config.Threshold)

	for _, i := range sd.stepPeaks(peaks, sd.total-n, n) {
		sd.emit(sd.buffer[i])
	}
}

// stepPeaks returns the window indices of new steps: confirmed up peaks
// with a down peak between them and the previous step, at least
// MinStepInterval apart. base is the absolute index of the window start.
func (sd *StepDetector) stepPeaks(peaks []dsp.PeakEntry, base, n int) []int {
	var steps []int
	for _, p := range peaks {
		// peaks near the window edges are not confirmed yet
		if p.Index < sd.config.Margin || p.Index >= n-sd.config.Margin {
			continue
		}
		abs := base + p.Index
		if p.Type == dsp.PeakDown {
			if abs > sd.lastDownIndex {
				sd.lastDownIndex = abs
			}
			continue
		}
		if p.Type != dsp.PeakUp || abs <= sd.lastStepIndex || sd.lastDownIndex <= sd.lastStepIndex {
			continue
		}
		ts := sd.buffer[p.Index].timestamp
		if ts-sd.lastStepTime < sd.config.MinStepInterval {
			continue
		}

		sd.lastStepIndex = abs
		sd.lastStepTime = ts
		steps = append(steps, p.Index)
	}
	return steps
}

func (sd *StepDetector) emit(s stepSample) {
	length := sd.settings.StepLength()
	sin, cos := math.Sincos(s.heading)
	delta := location.NewRelative(s.timestamp, length*sin, length*cos, sd.config.StepDeviation)

	sd.mutex.Lock()
	sd.steps++
	sd.mutex.Unlock()
	sd.metrics.IncSteps()

	if sd.sink != nil {
		sd.sink(delta)
	}
}

// Heading exposes the fused heading in radians
func (sd *StepDetector) Heading() float64 {
	return sd.heading.Heading()
}

// GetStats returns detector statistics
func (sd *StepDetector) GetStats() map[string]interface{} {
	sd.mutex.Lock()
	defer sd.mutex.Unlock()

	return map[string]interface{}{
		"running":     sd.running,
		"steps":       sd.steps,
		"dropped":     sd.dropped,
		"queued":      len(sd.queue),
		"heading_deg": sd.heading.Heading() * 180 / math.Pi,
	}
}
