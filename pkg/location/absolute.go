package location

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrInvalidEncoding is returned when a position string cannot be decoded.
var ErrInvalidEncoding = errors.New("location: invalid position encoding")

const (
	earthRadius = 6378137.0 // WGS84 semi-major axis, metres
	maxLatitude = 85.05112878

	encodedFields = 6
	encodedSize   = encodedFields * 8
)

// Absolute is a displacement anchored at a geographic origin. The absolute
// easting/northing are spherical Mercator metres; the local deltas are scaled
// by the Mercator scale factor of the origin's latitude.
type Absolute struct {
	Relative

	origin         Coordinate
	originEasting  float64
	originNorthing float64
	scale          float64
}

// NewAbsolute creates a position eastingDelta/northingDelta metres away from
// origin.
func NewAbsolute(timestamp, eastingDelta, northingDelta float64, origin Coordinate, deviation float64) Absolute {
	return NewRelative(timestamp, eastingDelta, northingDelta, deviation).Anchor(origin)
}

// At creates a position exactly at c (zero deltas, c as origin).
func At(timestamp float64, c Coordinate, deviation float64) Absolute {
	return NewAbsolute(timestamp, 0, 0, c, deviation)
}

// IsValid reports whether a was built with an origin. The zero Absolute is
// not a position.
func (a Absolute) IsValid() bool { return a.scale != 0 }

func (a Absolute) Origin() Coordinate { return a.origin }
func (a Absolute) MercatorScaleFactor() float64 { return a.scale }

// Easting is the absolute Mercator easting in metres.
func (a Absolute) Easting() float64 {
	return a.originEasting + a.eastingDelta*a.scale
}

// Northing is the absolute Mercator northing in metres.
func (a Absolute) Northing() float64 {
	return a.originNorthing + a.northingDelta*a.scale
}

// Position is the geographic coordinate of the entry.
func (a Absolute) Position() Coordinate {
	return unproject(a.Easting(), a.Northing())
}

// Rebase expresses the same point relative to another origin. Timestamp and
// deviation are kept.
func (a Absolute) Rebase(origin Coordinate) Absolute {
	if origin == a.origin {
		return a
	}
	e0, n0 := project(origin)
	k := scaleFactor(origin.Latitude)
	return Absolute{
		Relative: Relative{
			timestamp:     a.timestamp,
			eastingDelta:  (a.Easting() - e0) / k,
			northingDelta: (a.Northing() - n0) / k,
			deviation:     a.deviation,
		},
		origin:         origin,
		originEasting:  e0,
		originNorthing: n0,
		scale:          k,
	}
}

// Offset returns the local displacement from a to o, in metres around a's
// origin.
func (a Absolute) Offset(o Absolute) Relative {
	b := o.Rebase(a.origin)
	return NewRelative(o.timestamp, b.eastingDelta-a.eastingDelta, b.northingDelta-a.northingDelta, o.deviation)
}

// Distance is the ground distance between two positions in metres.
func (a Absolute) Distance(o Absolute) float64 {
	return a.Offset(o).Length()
}

// Move returns the position displaced by d (in local metres). The result
// takes d's timestamp and deviation.
func (a Absolute) Move(d Relative) Absolute {
	a.Relative = a.Relative.Add(d)
	return a
}

// WithDeviation returns a copy with a different deviation.
func (a Absolute) WithDeviation(deviation float64) Absolute {
	a.Relative = a.Relative.WithDeviation(deviation)
	return a
}

// WithTimestamp returns a copy with a different timestamp.
func (a Absolute) WithTimestamp(timestamp float64) Absolute {
	a.Relative = a.Relative.WithTimestamp(timestamp)
	return a
}

// Encode returns a compact, reversible text form of the entry: base64 of
// timestamp, eastingDelta, northingDelta, deviation, origin latitude and
// origin longitude as big-endian IEEE-754 doubles.
func (a Absolute) Encode() string {
	buf := make([]byte, encodedSize)
	fields := [encodedFields]float64{
		a.timestamp, a.eastingDelta, a.northingDelta, a.deviation,
		a.origin.Latitude, a.origin.Longitude,
	}
	for i, v := range fields {
		binary.BigEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return base64.StdEncoding.EncodeToString(buf)
}

// DecodeAbsolute parses a string produced by Encode.
func DecodeAbsolute(s string) (Absolute, error) {
	buf, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return Absolute{}, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	if len(buf) != encodedSize {
		return Absolute{}, fmt.Errorf("%w: %d bytes, want %d", ErrInvalidEncoding, len(buf), encodedSize)
	}

	var f [encodedFields]float64
	for i := range f {
		f[i] = math.Float64frombits(binary.BigEndian.Uint64(buf[i*8:]))
	}

	origin := Coordinate{Latitude: f[4], Longitude: f[5]}
	if !origin.Valid() {
		return Absolute{}, fmt.Errorf("%w: origin %s out of range", ErrInvalidEncoding, origin)
	}
	return NewAbsolute(f[0], f[1], f[2], origin, f[3]), nil
}

// RecordingString is the tab separated line used by recorders:
// timestamp, latitude, longitude, easting delta, northing delta, deviation.
func (a Absolute) RecordingString() string {
	p := a.Position()
	return fmt.Sprintf("%.3f\t%.8f\t%.8f\t%.3f\t%.3f\t%.3f",
		a.timestamp, p.Latitude, p.Longitude, a.eastingDelta, a.northingDelta, a.deviation)
}

func (a Absolute) String() string {
	return fmt.Sprintf("Absolute{t=%.3f pos=%s dev=%.3f}", a.timestamp, a.Position(), a.deviation)
}

func project(c Coordinate) (easting, northing float64) {
	lat := c.Latitude * math.Pi / 180
	easting = earthRadius * c.Longitude * math.Pi / 180
	northing = earthRadius * math.Log(math.Tan(math.Pi/4+lat/2))
	return easting, northing
}

func unproject(easting, northing float64) Coordinate {
	lat := 2*math.Atan(math.Exp(northing/earthRadius)) - math.Pi/2
	return Coordinate{
		Latitude:  lat * 180 / math.Pi,
		Longitude: easting / earthRadius * 180 / math.Pi,
	}
}

func scaleFactor(latitude float64) float64 {
	return 1 / math.Cos(latitude*math.Pi/180)
}
