package frame

import (
	"bytes"
	"fmt"
	"testing"
)

type wndIncCase struct {
	streamId StreamId
	inc      uint32
}

func (c *wndIncCase) name() string { return "WINDOW_UPDATE" }
func (c *wndIncCase) pack() (Frame, error) {
	f := new(WndInc)
	return f, f.Pack(c.streamId, c.inc)
}
func (c *wndIncCase) withHeader(h common) Frame { return &WndInc{common: h} }
func (c *wndIncCase) serialized() []byte {
	return []byte{
		version0, byte(TypeWndInc),
		0, 0,
		byte(c.streamId >> 24), byte(c.streamId >> 16), byte(c.streamId >> 8), byte(c.streamId),
		byte(c.inc >> 24), byte(c.inc >> 16), byte(c.inc >> 8), byte(c.inc),
	}
}
func (c *wndIncCase) eq(fr Frame) error {
	f := fr.(*WndInc)
	if f.WindowIncrement() != c.inc {
		return fmt.Errorf("increment mismatch: got %d want %d", f.WindowIncrement(), c.inc)
	}
	return nil
}

func TestWndIncFrameRoundTrip(t *testing.T) {
	t.Parallel()
	runFrameTest(t, &wndIncCase{streamId: 5, inc: 0x4000})
}

func TestWndIncFrameRejectsZeroIncrement(t *testing.T) {
	t.Parallel()
	f := new(WndInc)
	if err := f.Pack(5, 0); err == nil {
		t.Fatal("expected error packing zero increment")
	}
}

func TestWndIncFrameRejectsZeroStreamId(t *testing.T) {
	t.Parallel()
	f := new(WndInc)
	if err := f.Pack(0, 10); err != nil {
		t.Fatalf("pack: %v", err)
	}
	buf := new(bytes.Buffer)
	if err := f.writeTo(buf); err != nil {
		t.Fatalf("write: %v", err)
	}
	var c common
	if err := c.readFrom(buf); err != nil {
		t.Fatalf("read header: %v", err)
	}
	f2 := &WndInc{common: c}
	if err := f2.readFrom(buf); err == nil {
		t.Fatal("expected error decoding WINDOW_UPDATE frame with zero stream id")
	}
}
