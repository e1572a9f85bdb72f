package frame

import "io"

// WndInc grants the peer additional send-window bytes on a stream. The
// credit delta is carried directly in the header's length field; the frame
// has no body.
type WndInc struct {
	common
}

func (f *WndInc) WindowIncrement() uint32 { return f.Length() }

func (f *WndInc) readFrom(r io.Reader) error {
	if f.StreamId() == 0 {
		return protoError("WINDOW_UPDATE frame stream id must not be zero")
	}
	if f.Length() == 0 {
		return protoError("WINDOW_UPDATE increment must not be zero")
	}
	return nil
}

func (f *WndInc) writeTo(w io.Writer) error {
	return f.common.writeTo(w, 0)
}

func (f *WndInc) Pack(streamId StreamId, inc uint32) error {
	if inc == 0 {
		return protoError("invalid window increment: 0")
	}
	return f.common.pack(TypeWndInc, int(inc), streamId, 0)
}
