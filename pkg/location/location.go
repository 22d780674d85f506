// Package location holds the position model shared by the dead reckoner, the
// peer exchange and the logging/view collaborators.
//
// A position is either Relative (a displacement in local metres since some
// reference) or Absolute (a displacement anchored at a geographic origin).
// Only Absolute values can be projected, encoded or shown on a map.
package location

import (
	"fmt"
	"math"
)

// Location is implemented by Relative and Absolute only.
type Location interface {
	Delta() Relative
	isLocation()
}

// Coordinate is a WGS84 latitude/longitude pair in degrees.
type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Valid reports whether the coordinate is inside the range the Mercator
// projection can represent.
func (c Coordinate) Valid() bool {
	return !math.IsNaN(c.Latitude) && !math.IsNaN(c.Longitude) &&
		c.Latitude > -maxLatitude && c.Latitude < maxLatitude &&
		c.Longitude >= -180 && c.Longitude <= 180
}

func (c Coordinate) String() string {
	return fmt.Sprintf("(%.7f, %.7f)", c.Latitude, c.Longitude)
}

// Relative is a displacement in metres (east, north) at a point in time with
// an error estimate.
type Relative struct {
	timestamp     float64
	eastingDelta  float64
	northingDelta float64
	deviation     float64
}

// NewRelative creates a relative entry. timestamp is in seconds since the
// Unix epoch.
func NewRelative(timestamp, eastingDelta, northingDelta, deviation float64) Relative {
	return Relative{
		timestamp:     timestamp,
		eastingDelta:  eastingDelta,
		northingDelta: northingDelta,
		deviation:     deviation,
	}
}

func (r Relative) Timestamp() float64 { return r.timestamp }
func (r Relative) EastingDelta() float64 { return r.eastingDelta }
func (r Relative) NorthingDelta() float64 { return r.northingDelta }
func (r Relative) Deviation() float64 { return r.deviation }
func (r Relative) Delta() Relative { return r }
func (Relative) isLocation() {}

// Rotate returns the displacement rotated clockwise (as a heading) by radians.
func (r Relative) Rotate(radians float64) Relative {
	sin, cos := math.Sincos(radians)
	r.eastingDelta, r.northingDelta =
		r.eastingDelta*cos+r.northingDelta*sin,
		-r.eastingDelta*sin+r.northingDelta*cos
	return r
}

// Add returns the sum of both displacements, keeping the timestamp and
// deviation of o.
func (r Relative) Add(o Relative) Relative {
	return Relative{
		timestamp:     o.timestamp,
		eastingDelta:  r.eastingDelta + o.eastingDelta,
		northingDelta: r.northingDelta + o.northingDelta,
		deviation:     o.deviation,
	}
}

// Length is the euclidean length of the displacement in metres.
func (r Relative) Length() float64 {
	return math.Hypot(r.eastingDelta, r.northingDelta)
}

// WithDeviation returns a copy with a different deviation.
func (r Relative) WithDeviation(deviation float64) Relative {
	r.deviation = deviation
	return r
}

// WithTimestamp returns a copy with a different timestamp.
func (r Relative) WithTimestamp(timestamp float64) Relative {
	r.timestamp = timestamp
	return r
}

// Anchor attaches the displacement to a geographic origin.
func (r Relative) Anchor(origin Coordinate) Absolute {
	e, n := project(origin)
	return Absolute{
		Relative:       r,
		origin:         origin,
		originEasting:  e,
		originNorthing: n,
		scale:          scaleFactor(origin.Latitude),
	}
}

func (r Relative) String() string {
	return fmt.Sprintf("Relative{t=%.3f e=%.3f n=%.3f dev=%.3f}",
		r.timestamp, r.eastingDelta, r.northingDelta, r.deviation)
}
