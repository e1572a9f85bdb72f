package frame

import "io"

// A Framer serializes and deserializes frames over an io.ReadWriter.
type Framer interface {
	WriteFrame(Frame) error
	ReadFrame() (Frame, error)
}

type framer struct {
	io.Reader
	io.Writer
	common

	Data
	WndInc
	Ping
	GoAway
}

// NewFramer returns a Framer reading from r and writing to w.
func NewFramer(r io.Reader, w io.Writer) Framer {
	return &framer{Reader: r, Writer: w}
}

func (fr *framer) WriteFrame(f Frame) error {
	return f.writeTo(fr.Writer)
}

func (fr *framer) ReadFrame() (Frame, error) {
	if err := fr.common.readFrom(fr.Reader); err != nil {
		return nil, err
	}
	var f Frame
	switch fr.common.ftype {
	case TypeData:
		fr.Data.common = fr.common
		f = &fr.Data
	case TypeWndInc:
		fr.WndInc.common = fr.common
		f = &fr.WndInc
	case TypePing:
		fr.Ping.common = fr.common
		f = &fr.Ping
	case TypeGoAway:
		fr.GoAway.common = fr.common
		f = &fr.GoAway
	default:
		return nil, protoError("unknown frame type: %d", fr.common.ftype)
	}
	return f, f.readFrom(fr.Reader)
}
