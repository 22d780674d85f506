package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Wire layout of every packet:
//
//	[1 byte PacketType][payload]
//
// Integers in the payload are 32-bit little-endian. Doubles are IEEE-754 in
// big-endian order. The mixed byte order is part of the format and must be
// kept bit for bit, other implementations rely on it.

var (
	// ErrTruncated is returned when a read would go past the end of a packet.
	ErrTruncated = errors.New("protocol: packet truncated")
	// ErrUnknownType is returned for a header byte that is not a PacketType.
	ErrUnknownType = errors.New("protocol: unknown packet type")
	// ErrEmpty is returned for a zero length packet.
	ErrEmpty = errors.New("protocol: empty packet")
)

const headerSize = 1

// NewPacket starts a packet of the given type with room for payloadLen bytes.
func NewPacket(t PacketType, payloadLen int) []byte {
	if payloadLen < 0 {
		payloadLen = 0
	}
	buf := make([]byte, headerSize, headerSize+payloadLen)
	buf[0] = byte(t)
	return buf
}

// AppendInt32 appends v in little-endian order.
func AppendInt32(buf []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(buf, v)
}

// AppendDouble appends v as a big-endian IEEE-754 double.
func AppendDouble(buf []byte, v float64) []byte {
	return binary.BigEndian.AppendUint64(buf, math.Float64bits(v))
}

// Decoder reads payload fields from a packet, advancing a cursor. A failed
// read leaves the cursor where it was.
type Decoder struct {
	data   []byte
	offset int
}

// NewDecoder creates a decoder positioned right after the type header.
func NewDecoder(data []byte) *Decoder {
	return &Decoder{data: data, offset: headerSize}
}

func (d *Decoder) take(n int) ([]byte, error) {
	if n < 0 || d.offset+n > len(d.data) {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrTruncated, n, d.offset, len(d.data))
	}
	b := d.data[d.offset : d.offset+n]
	d.offset += n
	return b, nil
}

// Int32 reads a little-endian 32-bit integer.
func (d *Decoder) Int32() (uint32, error) {
	b, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// Double reads a big-endian IEEE-754 double.
func (d *Decoder) Double() (float64, error) {
	b, err := d.take(8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
}

// Bytes reads n raw bytes. The returned slice aliases the packet.
func (d *Decoder) Bytes(n int) ([]byte, error) {
	return d.take(n)
}

// TypeOf returns the header of a packet.
func TypeOf(data []byte) (PacketType, error) {
	if len(data) < headerSize {
		return 0, ErrEmpty
	}
	t := PacketType(data[0])
	if !t.Valid() {
		return t, fmt.Errorf("%w: %d", ErrUnknownType, data[0])
	}
	return t, nil
}
