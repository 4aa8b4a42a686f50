package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the fixed frame header: uint32 payload length (BE) + uint8 type.
const HeaderSize = 5

var ErrInvalidFrameType = errors.New("invalid frame type")

type PacketType uint8

// Wire values are fixed by the device firmware. Do not renumber.
const (
	TypeInvalid        PacketType = 0
	TypeUuid           PacketType = 1
	TypeConfig         PacketType = 2
	TypeUsername       PacketType = 3
	TypeStartStream    PacketType = 4
	TypeStopStream     PacketType = 5
	TypeImage          PacketType = 6
	TypeBellPressed    PacketType = 7
	TypeMotionDetected PacketType = 8
	TypeOpenRelay      PacketType = 9
)

func (t PacketType) Valid() bool {
	return t > TypeInvalid && t <= TypeOpenRelay
}

func (t PacketType) String() string {
	switch t {
	case TypeInvalid:
		return "Invalid"
	case TypeUuid:
		return "Uuid"
	case TypeConfig:
		return "Config"
	case TypeUsername:
		return "Username"
	case TypeStartStream:
		return "StartStream"
	case TypeStopStream:
		return "StopStream"
	case TypeImage:
		return "Image"
	case TypeBellPressed:
		return "BellPressed"
	case TypeMotionDetected:
		return "MotionDetected"
	case TypeOpenRelay:
		return "OpenRelay"
	}
	return fmt.Sprintf("PacketType(%d)", uint8(t))
}

// Packet reassembles frames from a byte stream. Bytes are appended as they
// arrive off the socket; header and payload are extracted once enough data
// has been buffered. Trailing bytes beyond the current frame stay in the
// buffer for the next one.
type Packet struct {
	buf     []byte
	typ     PacketType
	length  int
	payload []byte

	haveHeader  bool
	havePayload bool
}

func (p *Packet) Append(data []byte) {
	if len(data) == 0 {
		return
	}
	p.buf = append(p.buf, data...)
}

// TryHeader consumes the 5-byte header once buffered. A type byte outside
// the known set is unrecoverable: the stream can no longer be interpreted
// and the caller must close the connection.
func (p *Packet) TryHeader() error {
	if p.haveHeader || len(p.buf) < HeaderSize {
		return nil
	}

	length := binary.BigEndian.Uint32(p.buf[:4])
	typ := PacketType(p.buf[4])
	if !typ.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidFrameType, uint8(typ))
	}

	p.length = int(length)
	p.typ = typ
	p.haveHeader = true
	p.buf = p.buf[HeaderSize:]

	p.TryPayload()
	return nil
}

// TryPayload slices the declared payload once buffered. A zero-length
// payload is materialized immediately (bare command frames).
func (p *Packet) TryPayload() {
	if !p.haveHeader || p.havePayload {
		return
	}
	if len(p.buf) < p.length {
		return
	}

	p.payload = p.buf[:p.length:p.length]
	p.buf = p.buf[p.length:]
	p.havePayload = true
}

func (p *Packet) Ready() bool {
	return p.haveHeader && p.havePayload
}

func (p *Packet) Type() PacketType {
	return p.typ
}

func (p *Packet) Payload() []byte {
	return p.payload
}

// Reset clears the current frame state. Unconsumed trailing bytes are kept;
// they belong to the next frame.
func (p *Packet) Reset() {
	p.typ = TypeInvalid
	p.length = 0
	p.payload = nil
	p.haveHeader = false
	p.havePayload = false
}
