package varint

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/muxcore/muxcore/coreerr"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()
	vals := []uint64{0, 1, 127, 128, 300, 16384, 1 << 40, ^uint64(0)}
	for _, v := range vals {
		buf := Encode(nil, v)
		got, err := Decode(bufio.NewReader(bytes.NewReader(buf)))
		require.NoError(t, err)
		require.Equal(t, v, got)
	}
}

func TestEncodeKnownBytes(t *testing.T) {
	t.Parallel()
	require.Equal(t, []byte{0x00}, Encode(nil, 0))
	require.Equal(t, []byte{0x7F}, Encode(nil, 127))
	require.Equal(t, []byte{0x80, 0x01}, Encode(nil, 128))
}

func TestDecodeBadVarintOnEOF(t *testing.T) {
	t.Parallel()
	// continuation bit set, then EOF
	_, err := Decode(bufio.NewReader(bytes.NewReader([]byte{0x80})))
	require.Error(t, err)
	var e coreerr.ErrBadVarint
	require.ErrorAs(t, err, &e)
}

func TestDecodeBadVarintTooLong(t *testing.T) {
	t.Parallel()
	buf := bytes.Repeat([]byte{0x80}, 10)
	_, err := Decode(bufio.NewReader(bytes.NewReader(buf)))
	require.Error(t, err)
	var e coreerr.ErrBadVarint
	require.ErrorAs(t, err, &e)
}

func TestWriteReadFrameRoundTrip(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("/multistream/1.0.0")))
	payload, err := ReadFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	require.Equal(t, "/multistream/1.0.0", string(payload))
}

func TestReadFrameOverlong(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte(strings.Repeat("a", maxFrameLength+1))))
	_, err := ReadFrame(bufio.NewReader(&buf))
	require.Error(t, err)
	var e coreerr.ErrOverlongFrame
	require.ErrorAs(t, err, &e)
}

func TestReadFrameMissingTrailer(t *testing.T) {
	t.Parallel()
	buf := bytes.NewBuffer(Encode(nil, 2))
	buf.WriteByte('x')
	buf.WriteByte('!') // not 0x0A
	_, err := ReadFrame(bufio.NewReader(buf))
	require.Error(t, err)
	var e coreerr.ErrMalformedFrame
	require.ErrorAs(t, err, &e)
}
