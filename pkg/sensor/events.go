// Package sensor is the boundary between raw sample producers and the
// consumers inside the node (step detector, recorder).
//
// Producers publish a fixed set of event variants through a Hub. Each
// listener declares the variants it wants up front; the hub only delivers
// those.
package sensor

import (
	"fmt"
	"strings"

	"github.com/heitortanoue/reckon/pkg/location"
)

// Kind identifies an event variant
type Kind uint8

const (
	KindMotion Kind = iota
	KindCompass
	KindGPS
)

func (k Kind) String() string {
	switch k {
	case KindMotion:
		return "motion"
	case KindCompass:
		return "compass"
	case KindGPS:
		return "gps"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Kinds is a set of event variants
type Kinds uint8

// KindsOf builds a set from the given kinds
func KindsOf(kinds ...Kind) Kinds {
	var s Kinds
	for _, k := range kinds {
		s |= 1 << k
	}
	return s
}

// AllKinds accepts every variant
var AllKinds = KindsOf(KindMotion, KindCompass, KindGPS)

// Has reports whether k is in the set
func (s Kinds) Has(k Kind) bool { return s&(1<<k) != 0 }

func (s Kinds) String() string {
	var names []string
	for _, k := range []Kind{KindMotion, KindCompass, KindGPS} {
		if s.Has(k) {
			names = append(names, k.String())
		}
	}
	return "{" + strings.Join(names, ",") + "}"
}

// Event is a timestamped sample. Timestamps are seconds since the Unix epoch.
type Event interface {
	Kind() Kind
	Time() float64
}

// Vector3 is a three axis reading in device coordinates
type Vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// MotionSample is one reading of the fused motion sensor. Acceleration is in
// g including gravity, RotationRate in rad/s, Yaw in radians.
type MotionSample struct {
	Timestamp    float64 `json:"timestamp"`
	Acceleration Vector3 `json:"acceleration"`
	RotationRate Vector3 `json:"rotation_rate"`
	Yaw          float64 `json:"yaw"`
}

func (MotionSample) Kind() Kind { return KindMotion }
func (m MotionSample) Time() float64 { return m.Timestamp }

// CompassSample headings are in degrees clockwise from north. A negative
// Accuracy means the reading is invalid.
type CompassSample struct {
	Timestamp       float64 `json:"timestamp"`
	MagneticHeading float64 `json:"magnetic_heading"`
	TrueHeading     float64 `json:"true_heading"`
	Accuracy        float64 `json:"accuracy"`
}

func (CompassSample) Kind() Kind { return KindCompass }
func (c CompassSample) Time() float64 { return c.Timestamp }

// GPSFix is a satellite position. Accuracies are in metres; negative means
// unknown.
type GPSFix struct {
	Timestamp          float64             `json:"timestamp"`
	Coordinate         location.Coordinate `json:"coordinate"`
	Altitude           float64             `json:"altitude"`
	Speed              float64             `json:"speed"`
	Course             float64             `json:"course"`
	HorizontalAccuracy float64             `json:"horizontal_accuracy"`
	VerticalAccuracy   float64             `json:"vertical_accuracy"`
}

func (GPSFix) Kind() Kind { return KindGPS }
func (g GPSFix) Time() float64 { return g.Timestamp }

// Absolute turns the fix into a position with the horizontal accuracy as
// deviation.
func (g GPSFix) Absolute() location.Absolute {
	dev := g.HorizontalAccuracy
	if dev < 0 {
		dev = 0
	}
	return location.At(g.Timestamp, g.Coordinate, dev)
}
