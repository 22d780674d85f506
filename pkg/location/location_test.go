package location

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var berlin = Coordinate{Latitude: 52.5, Longitude: 13.4}

func TestAbsolute_EncodeRoundTrip(t *testing.T) {
	entries := []Absolute{
		NewAbsolute(1700000000.25, 10.0, -5.0, berlin, 1.5),
		NewAbsolute(0, 0, 0, Coordinate{Latitude: -33.86, Longitude: 151.21}, 0),
		NewAbsolute(123.456, -1234.5678, 9876.54321, Coordinate{Latitude: 0, Longitude: -179.9}, 42),
	}

	for _, e := range entries {
		decoded, err := DecodeAbsolute(e.Encode())
		require.NoError(t, err)

		assert.InDelta(t, e.Timestamp(), decoded.Timestamp(), 1e-6)
		assert.InDelta(t, e.EastingDelta(), decoded.EastingDelta(), 1e-6)
		assert.InDelta(t, e.NorthingDelta(), decoded.NorthingDelta(), 1e-6)
		assert.InDelta(t, e.Deviation(), decoded.Deviation(), 1e-6)
		assert.InDelta(t, e.Origin().Latitude, decoded.Origin().Latitude, 1e-6)
		assert.InDelta(t, e.Origin().Longitude, decoded.Origin().Longitude, 1e-6)
		assert.Equal(t, e, decoded, "encoding should be lossless")
	}
}

func TestDecodeAbsolute_Invalid(t *testing.T) {
	_, err := DecodeAbsolute("not base64!!")
	assert.ErrorIs(t, err, ErrInvalidEncoding)

	_, err = DecodeAbsolute("AAAA")
	assert.ErrorIs(t, err, ErrInvalidEncoding)

	bad := NewAbsolute(0, 0, 0, Coordinate{Latitude: 89.9, Longitude: 0}, 0)
	_, err = DecodeAbsolute(bad.Encode())
	assert.ErrorIs(t, err, ErrInvalidEncoding)
}

func TestAbsolute_ProjectionRoundTrip(t *testing.T) {
	a := At(0, berlin, 0)
	p := a.Position()
	assert.InDelta(t, berlin.Latitude, p.Latitude, 1e-9)
	assert.InDelta(t, berlin.Longitude, p.Longitude, 1e-9)
	assert.InDelta(t, 1/math.Cos(52.5*math.Pi/180), a.MercatorScaleFactor(), 1e-12)
}

func TestAbsolute_DeltaMovesOnTheGround(t *testing.T) {
	a := NewAbsolute(0, 0, 111.32, berlin, 0)
	// roughly 0.001 degree of latitude per 111 m
	assert.InDelta(t, berlin.Latitude+0.001, a.Position().Latitude, 1e-5)
	assert.InDelta(t, berlin.Longitude, a.Position().Longitude, 1e-9)

	east := NewAbsolute(0, 100, 0, berlin, 0)
	assert.Greater(t, east.Position().Longitude, berlin.Longitude)
	assert.InDelta(t, 100, At(0, berlin, 0).Distance(east), 1e-6)
}

func TestAbsolute_RebaseKeepsPoint(t *testing.T) {
	a := NewAbsolute(5, 40, -25, berlin, 2)
	other := Coordinate{Latitude: 52.501, Longitude: 13.402}

	b := a.Rebase(other)
	assert.Equal(t, other, b.Origin())
	assert.InDelta(t, a.Position().Latitude, b.Position().Latitude, 1e-9)
	assert.InDelta(t, a.Position().Longitude, b.Position().Longitude, 1e-9)
	assert.Equal(t, a.Timestamp(), b.Timestamp())
	assert.Equal(t, a.Deviation(), b.Deviation())
	assert.InDelta(t, 0, a.Distance(b), 1e-6)
}

func TestRelative_Rotate(t *testing.T) {
	north := NewRelative(0, 0, 1, 0)

	east := north.Rotate(math.Pi / 2)
	assert.InDelta(t, 1, east.EastingDelta(), 1e-12)
	assert.InDelta(t, 0, east.NorthingDelta(), 1e-12)

	south := north.Rotate(math.Pi)
	assert.InDelta(t, -1, south.NorthingDelta(), 1e-12)
	assert.InDelta(t, 1, south.Length(), 1e-12)
}

func TestAbsolute_Validity(t *testing.T) {
	assert.False(t, Absolute{}.IsValid())
	assert.True(t, At(0, berlin, 0).IsValid())

	var l Location = NewRelative(1, 2, 3, 4)
	_, isAbsolute := l.(Absolute)
	assert.False(t, isAbsolute, "a relative entry is never absolute")
}

func TestAbsolute_RecordingString(t *testing.T) {
	s := NewAbsolute(12.5, 1, 2, berlin, 0.5).RecordingString()
	assert.Contains(t, s, "12.500\t52.5000")
	assert.Contains(t, s, "\t1.000\t2.000\t0.500")
}
