package frame

import (
	"bytes"
	"reflect"
	"testing"
)

// frameTest describes one frame's expected wire encoding, mirroring the
// muxado frame package's table-driven approach but against the 12-byte
// fixed header used here.
type frameTest interface {
	name() string
	serialized() []byte
	pack() (Frame, error)
	withHeader(common) Frame
	eq(Frame) error
}

func runFrameTest(t *testing.T, ft frameTest) {
	t.Helper()
	runSerializeTest(t, ft)
	runDeserializeTest(t, ft)
	runFramerRoundTrip(t, ft)
}

func runSerializeTest(t *testing.T, ft frameTest) {
	t.Helper()
	buf := new(bytes.Buffer)
	f, err := ft.pack()
	if err != nil {
		t.Fatalf("failed to pack %s frame: %v", ft.name(), err)
	}
	if err := f.writeTo(buf); err != nil {
		t.Fatalf("failed to write %s frame: %v", ft.name(), err)
	}
	if !reflect.DeepEqual(ft.serialized(), buf.Bytes()) {
		t.Fatalf("%s serialization mismatch\n got: %x\nwant: %x", ft.name(), buf.Bytes(), ft.serialized())
	}
}

func runDeserializeTest(t *testing.T, ft frameTest) {
	t.Helper()
	buf := bytes.NewReader(ft.serialized())
	var c common
	if err := c.readFrom(buf); err != nil {
		t.Fatalf("failed to read %s header: %v", ft.name(), err)
	}
	f := ft.withHeader(c)
	if err := f.readFrom(buf); err != nil {
		t.Fatalf("failed to read %s body: %v", ft.name(), err)
	}
	if err := ft.eq(f); err != nil {
		t.Fatal(err)
	}
}

func runFramerRoundTrip(t *testing.T, ft frameTest) {
	t.Helper()
	buf := new(bytes.Buffer)
	fr := NewFramer(buf, buf)

	f, err := ft.pack()
	if err != nil {
		t.Fatalf("failed to pack %s frame: %v", ft.name(), err)
	}
	if err := fr.WriteFrame(f); err != nil {
		t.Fatalf("framer failed to write %s: %v", ft.name(), err)
	}
	rf, err := fr.ReadFrame()
	if err != nil {
		t.Fatalf("framer failed to read %s: %v", ft.name(), err)
	}
	if err := ft.eq(rf); err != nil {
		t.Fatal(err)
	}
}
