package pdr

import (
	"math"
	"sync"

	"github.com/heitortanoue/reckon/pkg/sensor"
)

// HeadingEstimator fuses the gyroscope z rate with compass headings using a
// complementary filter. Headings are radians clockwise from north in [0, 2π).
type HeadingEstimator struct {
	// weight kept from the gyro track on each compass sample
	alpha float64

	heading     float64
	lastMotion  float64
	initialized bool
	mutex       sync.RWMutex
}

// NewHeadingEstimator creates an estimator; alpha in [0,1], 1 ignores the
// compass after the first reading.
func NewHeadingEstimator(alpha float64) *HeadingEstimator {
	if alpha < 0 {
		alpha = 0
	}
	if alpha > 1 {
		alpha = 1
	}
	return &HeadingEstimator{alpha: alpha}
}

// Update folds in one sensor event; other kinds are ignored.
func (h *HeadingEstimator) Update(e sensor.Event) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	switch ev := e.(type) {
	case sensor.MotionSample:
		if h.lastMotion > 0 {
			dt := ev.Timestamp - h.lastMotion
			if dt > 0 && dt < 1 {
				// counterclockwise z rotation turns the heading left
				h.heading = normalizeAngle(h.heading - ev.RotationRate.Z*dt)
			}
		}
		h.lastMotion = ev.Timestamp

	case sensor.CompassSample:
		if ev.Accuracy < 0 {
			return
		}
		c := normalizeAngle(ev.TrueHeading * math.Pi / 180)
		if !h.initialized {
			h.heading = c
			h.initialized = true
			return
		}
		h.heading = normalizeAngle(h.heading + (1-h.alpha)*angleDiff(c, h.heading))
	}
}

// Heading returns the fused heading. Manual corrections are applied by the
// path, not here.
func (h *HeadingEstimator) Heading() float64 {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.heading
}

// Initialized reports whether a compass reading has been seen
func (h *HeadingEstimator) Initialized() bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.initialized
}

func normalizeAngle(a float64) float64 {
	a = math.Mod(a, 2*math.Pi)
	if a < 0 {
		a += 2 * math.Pi
	}
	return a
}

// angleDiff returns a-b wrapped into (-π, π]
func angleDiff(a, b float64) float64 {
	d := math.Mod(a-b, 2*math.Pi)
	if d > math.Pi {
		d -= 2 * math.Pi
	} else if d <= -math.Pi {
		d += 2 * math.Pi
	}
	return d
}
