// Package varint implements the unsigned LEB128 varint encoding and the
// varint-length-prefixed, newline-terminated framing used by
// multistream-select.
package varint

import (
	"io"

	"github.com/muxcore/muxcore/coreerr"
)

// byteReader adapts an io.Reader to io.ByteReader one byte at a time,
// without the read-ahead buffering bufio.Reader would perform. Frames here
// hand the underlying pipe off to a different protocol layer immediately
// after negotiation, so over-reading into an internal buffer would silently
// drop bytes that belong to that next layer.
type byteReader struct {
	r   io.Reader
	buf [1]byte
}

func (br *byteReader) ReadByte() (byte, error) {
	if _, err := io.ReadFull(br.r, br.buf[:]); err != nil {
		return 0, err
	}
	return br.buf[0], nil
}

const (
	// maxVarintBytes is the most bytes a well-formed varint may use before
	// it is rejected as malformed. 10 bytes covers the full 64-bit range; a
	// continuation bit on the 10th byte is always an error.
	maxVarintBytes = 10

	// maxFrameLength is the largest payload a framed multistream message
	// may declare. Multistream payloads are short protocol identifiers,
	// so anything larger indicates either a misbehaving peer or a desync.
	maxFrameLength = 1024
)

// Encode appends the LEB128 encoding of n to dst and returns the result.
func Encode(dst []byte, n uint64) []byte {
	for n >= 0x80 {
		dst = append(dst, byte(n)|0x80)
		n >>= 7
	}
	return append(dst, byte(n))
}

// Decode reads a single LEB128 varint from r, one byte at a time.
func Decode(r io.ByteReader) (uint64, error) {
	var n uint64
	var shift uint
	for i := 0; i < maxVarintBytes; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, coreerr.ErrBadVarint{Inner: err, Context: coreerr.BadVarintContext{}}
		}
		n |= uint64(b&0x7F) << shift
		if b < 0x80 {
			return n, nil
		}
		shift += 7
	}
	return 0, coreerr.ErrBadVarint{Context: coreerr.BadVarintContext{}}
}

// WriteFrame writes a multistream frame: varint(len(payload)+1), payload,
// then the trailing 0x0A.
func WriteFrame(w io.Writer, payload []byte) error {
	buf := Encode(nil, uint64(len(payload)+1))
	buf = append(buf, payload...)
	buf = append(buf, '\n')
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads a multistream frame and returns its payload, without the
// trailing 0x0A. It fails with OverlongFrame if the declared length exceeds
// maxFrameLength, and MalformedFrame if the trailing byte is not 0x0A.
//
// ReadFrame consumes from r exactly the bytes that make up the frame: no
// more, no less. This matters because the pipe is handed off to a
// different protocol layer immediately after negotiation completes.
func ReadFrame(r io.Reader) ([]byte, error) {
	br := &byteReader{r: r}
	n, err := Decode(br)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, coreerr.ErrMalformedFrame{Context: coreerr.MalformedFrameContext{Reason: "zero-length frame"}}
	}
	if n-1 > maxFrameLength {
		return nil, coreerr.ErrOverlongFrame{Context: coreerr.OverlongFrameContext{Declared: int(n - 1), Max: maxFrameLength}}
	}
	payload := make([]byte, n-1)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, coreerr.ErrMalformedFrame{Inner: err, Context: coreerr.MalformedFrameContext{Reason: "short read on frame payload"}}
	}
	trailer, err := br.ReadByte()
	if err != nil {
		return nil, coreerr.ErrMalformedFrame{Inner: err, Context: coreerr.MalformedFrameContext{Reason: "short read on frame trailer"}}
	}
	if trailer != '\n' {
		return nil, coreerr.ErrMalformedFrame{Context: coreerr.MalformedFrameContext{Reason: "frame missing trailing newline"}}
	}
	return payload, nil
}
