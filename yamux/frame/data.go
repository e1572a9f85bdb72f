package frame

import (
	"bytes"
	"io"
)

// Data carries application bytes for a stream. Syn marks the frame that
// opens a new stream; Fin marks the sender's half-close.
type Data struct {
	common
	toRead  io.LimitedReader
	toWrite []byte
}

func (f *Data) Fin() bool { return f.Flags().IsSet(FlagFin) }
func (f *Data) Syn() bool { return f.Flags().IsSet(FlagSyn) }
func (f *Data) Ack() bool { return f.Flags().IsSet(FlagAck) }

// Reader exposes the frame body as a bounded io.Reader without copying it
// into a fresh buffer.
func (f *Data) Reader() io.Reader {
	return &f.toRead
}

func (f *Data) Bytes() []byte {
	b := make([]byte, f.Length())
	_, _ = io.ReadFull(&f.toRead, b)
	return b
}

func (f *Data) readFrom(r io.Reader) error {
	if f.StreamId() == 0 {
		return protoError("DATA frame stream id must not be zero")
	}
	f.toRead.R = r
	f.toRead.N = int64(f.Length())
	return nil
}

func (f *Data) writeTo(w io.Writer) error {
	if err := f.common.writeTo(w, 0); err != nil {
		return err
	}
	_, err := w.Write(f.toWrite)
	return err
}

func (f *Data) Pack(streamId StreamId, data []byte, fin, syn bool) error {
	return f.PackFlags(streamId, data, fin, syn, false, false)
}

// PackFlags is Pack with explicit control over the ACK and RST flags: ACK
// acknowledges an accepted stream (sent by the acceptor instead of SYN on
// its first outgoing frame); RST resets a stream via a zero-length frame.
func (f *Data) PackFlags(streamId StreamId, data []byte, fin, syn, ack, rst bool) error {
	var flags Flags
	if fin {
		flags.Set(FlagFin)
	}
	if syn {
		flags.Set(FlagSyn)
	}
	if ack {
		flags.Set(FlagAck)
	}
	if rst {
		flags.Set(FlagRst)
	}
	if err := f.common.pack(TypeData, len(data), streamId, flags); err != nil {
		return err
	}
	f.toWrite = data
	f.toRead = io.LimitedReader{R: bytes.NewReader(data), N: int64(len(data))}
	return nil
}
