// Package frame implements the wire format for Yamux session frames: a
// fixed 12-byte header (version, type, flags, stream id, length) followed
// by a type-dependent body.
package frame

import (
	"encoding/binary"
	"fmt"
	"io"
)

var order = binary.BigEndian

const (
	// HeaderSize is the fixed size, in bytes, of every frame header.
	HeaderSize = 12

	version0 = 0

	streamMask = 0xFFFFFFFF
	lengthMask = 0xFFFFFFFF
)

// StreamId identifies a stream within a session. Id 0 is reserved for
// session-level frames (PING, GOAWAY).
type StreamId uint32

// Type is the frame type occupying byte 1 of the header.
type Type uint8

const (
	TypeData   Type = 0x0
	TypeWndInc Type = 0x1
	TypePing   Type = 0x2
	TypeGoAway Type = 0x3
)

func (t Type) String() string {
	switch t {
	case TypeData:
		return "DATA"
	case TypeWndInc:
		return "WINDOW_UPDATE"
	case TypePing:
		return "PING"
	case TypeGoAway:
		return "GO_AWAY"
	}
	return "UNKNOWN"
}

// Flags is the 16-bit flag bitset occupying bytes 2-3 of the header.
type Flags uint16

const (
	FlagSyn Flags = 0x1
	FlagAck Flags = 0x2
	FlagFin Flags = 0x4
	FlagRst Flags = 0x8
)

func (f Flags) IsSet(g Flags) bool { return (f & g) != 0 }
func (f *Flags) Set(g Flags)       { *f |= g }

// Frame is implemented by every concrete frame type.
type Frame interface {
	StreamId() StreamId
	Type() Type
	Flags() Flags
	Length() uint32
	readFrom(io.Reader) error
	writeTo(io.Writer) error
}

type common struct {
	streamId StreamId
	length   uint32
	ftype    Type
	flags    Flags
	b        [HeaderSize]byte
}

func (f *common) StreamId() StreamId { return f.streamId }
func (f *common) Length() uint32     { return f.length }
func (f *common) Type() Type         { return f.ftype }
func (f *common) Flags() Flags       { return f.flags }

func (f *common) readFrom(r io.Reader) error {
	hdr := f.b[:HeaderSize]
	if _, err := io.ReadFull(r, hdr); err != nil {
		return err
	}
	if hdr[0] != version0 {
		return errIncorrectVersion(hdr[0])
	}
	f.ftype = Type(hdr[1])
	f.flags = Flags(order.Uint16(hdr[2:4]))
	f.streamId = StreamId(order.Uint32(hdr[4:8]))
	f.length = order.Uint32(hdr[8:12])
	return nil
}

func (f *common) writeTo(w io.Writer, fixedSize int) error {
	_, err := w.Write(f.b[:HeaderSize])
	return err
}

func (f *common) pack(ftype Type, length int, streamId StreamId, flags Flags) error {
	if length < 0 || uint32(length) > lengthMask {
		return fmt.Errorf("yamux/frame: invalid length: %d", length)
	}
	f.ftype = ftype
	f.streamId = streamId
	f.length = uint32(length)
	f.flags = flags
	f.b[0] = version0
	f.b[1] = byte(ftype)
	order.PutUint16(f.b[2:4], uint16(flags))
	order.PutUint32(f.b[4:8], uint32(streamId))
	order.PutUint32(f.b[8:12], uint32(length))
	return nil
}

func (f *common) String() string {
	return fmt.Sprintf("FRAME [TYPE: %s | STREAMID: %d | FLAGS: 0x%x | LENGTH: %d]",
		f.Type(), f.StreamId(), f.Flags(), f.Length())
}
