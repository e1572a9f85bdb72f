package frame

import "io"

// Ping carries an opaque 32-bit value, directly in the header's length
// field, used for keep-alive RTT measurement. A PING without FlagAck is a
// request; the receiver echoes the same value back with FlagAck set.
type Ping struct {
	common
}

func (f *Ping) Ack() bool          { return f.Flags().IsSet(FlagAck) }
func (f *Ping) Value() uint32      { return f.Length() }

func (f *Ping) readFrom(r io.Reader) error {
	if f.StreamId() != 0 {
		return protoError("PING frame stream id must be zero, got: %d", f.StreamId())
	}
	return nil
}

func (f *Ping) writeTo(w io.Writer) error {
	return f.common.writeTo(w, 0)
}

func (f *Ping) Pack(value uint32, ack bool) error {
	var flags Flags
	if ack {
		flags.Set(FlagAck)
	}
	return f.common.pack(TypePing, int(value), 0, flags)
}
