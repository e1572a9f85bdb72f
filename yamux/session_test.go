package yamux

import (
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/muxcore/muxcore/coreerr"
)

func newSessionPair(t *testing.T, cfg *Config) (client, server Session) {
	t.Helper()
	a, b := net.Pipe()
	client = Client(a, cfg)
	server = Server(b, cfg)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func TestOpenAcceptRoundTrip(t *testing.T) {
	t.Parallel()
	client, server := newSessionPair(t, nil)

	str, err := client.OpenStream()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := str.Write([]byte("hello"))
		done <- err
	}()

	accepted, err := server.AcceptStream()
	require.NoError(t, err)

	buf := make([]byte, 5)
	n, err := io.ReadFull(accepted, buf)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "hello", string(buf))
	require.NoError(t, <-done)
}

func TestHalfClosePreservesInFlightData(t *testing.T) {
	t.Parallel()
	client, server := newSessionPair(t, nil)

	str, err := client.OpenStream()
	require.NoError(t, err)

	acceptedCh := make(chan net.Conn, 1)
	go func() {
		s, _ := server.AcceptStream()
		acceptedCh <- s
	}()

	payload := make([]byte, 1000)
	for i := range payload {
		payload[i] = byte(i % 256)
	}
	_, err = str.Write(payload)
	require.NoError(t, err)
	require.NoError(t, str.CloseWrite())

	accepted := <-acceptedCh
	got := make([]byte, 0, 1000)
	buf := make([]byte, 256)
	for len(got) < 1000 {
		n, err := accepted.Read(buf)
		got = append(got, buf[:n]...)
		if err != nil {
			break
		}
	}
	require.Equal(t, payload, got)

	n, err := accepted.Read(buf)
	require.Equal(t, 0, n)
	require.ErrorIs(t, err, io.EOF)
}

func TestPendingReadResolvesOnDataThenEOF(t *testing.T) {
	t.Parallel()
	client, server := newSessionPair(t, nil)

	str, err := client.OpenStream()
	require.NoError(t, err)
	acceptedCh := make(chan net.Conn, 1)
	go func() {
		s, _ := server.AcceptStream()
		acceptedCh <- s
	}()
	accepted := <-acceptedCh

	readDone := make(chan struct{})
	var n int
	var readErr error
	buf := make([]byte, 1000)
	go func() {
		n, readErr = accepted.Read(buf)
		close(readDone)
	}()

	time.Sleep(20 * time.Millisecond)
	payload := make([]byte, 1000)
	_, err = str.Write(payload)
	require.NoError(t, err)
	require.NoError(t, str.CloseWrite())

	<-readDone
	require.NoError(t, readErr)
	require.Greater(t, n, 0)
}

func TestResetRacesWithRead(t *testing.T) {
	t.Parallel()
	client, server := newSessionPair(t, nil)

	str, err := client.OpenStream()
	require.NoError(t, err)
	acceptedCh := make(chan net.Conn, 1)
	go func() {
		s, _ := server.AcceptStream()
		acceptedCh <- s
	}()
	accepted := <-acceptedCh

	readDone := make(chan error, 1)
	go func() {
		buf := make([]byte, 10)
		_, err := accepted.Read(buf)
		readDone <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, str.Reset())

	err = <-readDone
	require.ErrorIs(t, err, io.EOF)

	_, err = str.Write([]byte("x"))
	require.Error(t, err)
}

func TestGoAwayDrainsExistingStreams(t *testing.T) {
	t.Parallel()
	client, server := newSessionPair(t, nil)

	str, err := client.OpenStream()
	require.NoError(t, err)
	acceptedCh := make(chan net.Conn, 1)
	go func() {
		s, _ := server.AcceptStream()
		acceptedCh <- s
	}()
	accepted := <-acceptedCh

	_, err = str.Write([]byte("still here"))
	require.NoError(t, err)

	go server.Close()
	time.Sleep(30 * time.Millisecond)

	buf := make([]byte, len("still here"))
	n, err := io.ReadFull(accepted, buf)
	require.NoError(t, err)
	require.Equal(t, "still here", string(buf[:n]))

	_, err = client.OpenStream()
	require.Error(t, err)
}

func TestCloseTwiceIsNoOp(t *testing.T) {
	t.Parallel()
	client, server := newSessionPair(t, nil)
	_ = server

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
}

func TestCloseLosingBranchNoOpsOnCleanLocalClose(t *testing.T) {
	t.Parallel()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	s := newSession(a, nil, true)

	// Simulate a concurrent goroutine already mid-way through the winning
	// Close() call: it flipped local.goneAway and the session already died
	// for the synthetic "clean local close" reason.
	atomic.StoreUint32(&s.local.goneAway, 1)
	s.dieErr = errSessionClosed
	close(s.dead)

	require.NoError(t, s.Close())
}

func TestCloseLosingBranchPreservesExternalDieReason(t *testing.T) {
	t.Parallel()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	s := newSession(a, nil, true)

	external := coreerr.ErrMalformedFrame{Context: coreerr.MalformedFrameContext{Reason: "frame decode failed"}}
	atomic.StoreUint32(&s.local.goneAway, 1)
	s.dieErr = external
	close(s.dead)

	require.Equal(t, error(external), s.Close())
}

func TestPingRoundTrip(t *testing.T) {
	t.Parallel()
	client, server := newSessionPair(t, nil)
	_ = server

	d, err := client.Ping()
	require.NoError(t, err)
	require.GreaterOrEqual(t, d, time.Duration(0))
}
