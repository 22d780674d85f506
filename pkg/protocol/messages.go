package protocol

import (
	"fmt"
	"unicode/utf8"

	"github.com/heitortanoue/reckon/pkg/location"
)

// PacketType is the one byte header of every peer message
type PacketType uint8

const (
	PositionEstimate       PacketType = 0
	PositionEstimateACK    PacketType = 1
	PositionEstimateACKACK PacketType = 2

	Pling              PacketType = 123
	StartSoundEmission PacketType = 124
)

// MaxDisplayNameLen bounds the name carried in estimate packets
const MaxDisplayNameLen = 255

// estimatePayloadLen is the fixed part of an estimate payload: six doubles
// and the name length.
const estimatePayloadLen = 6*8 + 4

// Valid reports whether t is a known packet type
func (t PacketType) Valid() bool {
	switch t {
	case PositionEstimate, PositionEstimateACK, PositionEstimateACKACK, Pling, StartSoundEmission:
		return true
	}
	return false
}

// IsEstimate reports whether packets of this type carry an EstimatePayload
func (t PacketType) IsEstimate() bool {
	return t == PositionEstimate || t == PositionEstimateACK || t == PositionEstimateACKACK
}

func (t PacketType) String() string {
	switch t {
	case PositionEstimate:
		return "ESTIMATE"
	case PositionEstimateACK:
		return "ACK"
	case PositionEstimateACKACK:
		return "ACKACK"
	case Pling:
		return "PLING"
	case StartSoundEmission:
		return "START_SOUND"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// EstimatePayload is the body of PositionEstimate, PositionEstimateACK and
// PositionEstimateACKACK packets.
type EstimatePayload struct {
	Position    location.Absolute
	DisplayName string
}

// Packet is a decoded peer message. Estimate is set for the three estimate
// types, Channel for StartSoundEmission.
type Packet struct {
	Type     PacketType
	Estimate EstimatePayload
	Channel  uint8
}

// EncodeEstimate builds an estimate packet of type t.
//
// Payload: timestamp, origin latitude, origin longitude, easting delta,
// northing delta, deviation (doubles), name length (int32), name (UTF-8).
func EncodeEstimate(t PacketType, p EstimatePayload) ([]byte, error) {
	if !t.IsEstimate() {
		return nil, fmt.Errorf("protocol: %s is not an estimate type", t)
	}
	if !p.Position.IsValid() {
		return nil, fmt.Errorf("protocol: estimate without origin")
	}
	name := p.DisplayName
	if len(name) > MaxDisplayNameLen {
		name = truncateUTF8(name, MaxDisplayNameLen)
	}

	pos := p.Position
	origin := pos.Origin()

	buf := NewPacket(t, estimatePayloadLen+len(name))
	buf = AppendDouble(buf, pos.Timestamp())
	buf = AppendDouble(buf, origin.Latitude)
	buf = AppendDouble(buf, origin.Longitude)
	buf = AppendDouble(buf, pos.EastingDelta())
	buf = AppendDouble(buf, pos.NorthingDelta())
	buf = AppendDouble(buf, pos.Deviation())
	buf = AppendInt32(buf, uint32(len(name)))
	buf = append(buf, name...)
	return buf, nil
}

// EncodePling builds a liveness packet (header only).
func EncodePling() []byte {
	return NewPacket(Pling, 0)
}

// EncodeStartSoundEmission asks the peer to start emitting on an audio
// channel.
func EncodeStartSoundEmission(channel uint8) []byte {
	buf := NewPacket(StartSoundEmission, 1)
	return append(buf, channel)
}

// Decode parses a complete packet. Any truncation or inconsistency is
// reported as an error; the input is never read out of bounds.
func Decode(data []byte) (Packet, error) {
	t, err := TypeOf(data)
	if err != nil {
		return Packet{}, err
	}

	pkt := Packet{Type: t}
	d := NewDecoder(data)

	switch {
	case t.IsEstimate():
		est, err := decodeEstimate(d)
		if err != nil {
			return Packet{}, fmt.Errorf("decode %s: %w", t, err)
		}
		pkt.Estimate = est
	case t == StartSoundEmission:
		b, err := d.Bytes(1)
		if err != nil {
			return Packet{}, fmt.Errorf("decode %s: %w", t, err)
		}
		pkt.Channel = b[0]
	}

	return pkt, nil
}

func decodeEstimate(d *Decoder) (EstimatePayload, error) {
	var f [6]float64
	for i := range f {
		v, err := d.Double()
		if err != nil {
			return EstimatePayload{}, err
		}
		f[i] = v
	}

	n, err := d.Int32()
	if err != nil {
		return EstimatePayload{}, err
	}
	if n > MaxDisplayNameLen {
		return EstimatePayload{}, fmt.Errorf("%w: name length %d", ErrTruncated, n)
	}
	name, err := d.Bytes(int(n))
	if err != nil {
		return EstimatePayload{}, err
	}

	origin := location.Coordinate{Latitude: f[1], Longitude: f[2]}
	if !origin.Valid() {
		return EstimatePayload{}, fmt.Errorf("protocol: origin %s out of range", origin)
	}

	return EstimatePayload{
		Position:    location.NewAbsolute(f[0], f[3], f[4], origin, f[5]),
		DisplayName: string(name),
	}, nil
}

func truncateUTF8(s string, max int) string {
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
