package multistream

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/muxcore/muxcore/coreerr"
)

func TestNegotiateSelectsFirstMutualProtocol(t *testing.T) {
	t.Parallel()
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	resultCh := make(chan struct {
		proto string
		err   error
	}, 1)
	go func() {
		p, err := Negotiate(server, []string{"/noise", "/yamux/1.0.0"})
		resultCh <- struct {
			proto string
			err   error
		}{p, err}
	}()

	proto, err := SelectOneOf(client, []string{"/yamux/1.0.0"})
	require.NoError(t, err)
	require.Equal(t, "/yamux/1.0.0", proto)

	res := <-resultCh
	require.NoError(t, res.err)
	require.Equal(t, "/yamux/1.0.0", res.proto)
}

func TestNegotiateFallsThroughToSecondProposal(t *testing.T) {
	t.Parallel()
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	resultCh := make(chan struct {
		proto string
		err   error
	}, 1)
	go func() {
		p, err := Negotiate(server, []string{"/yamux/1.0.0"})
		resultCh <- struct {
			proto string
			err   error
		}{p, err}
	}()

	proto, err := SelectOneOf(client, []string{"/mplex/6.7.0", "/yamux/1.0.0"})
	require.NoError(t, err)
	require.Equal(t, "/yamux/1.0.0", proto)

	res := <-resultCh
	require.NoError(t, res.err)
	require.Equal(t, "/yamux/1.0.0", res.proto)
}

func TestSelectOneOfNoMutualProtocol(t *testing.T) {
	t.Parallel()
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		_, _ = Negotiate(server, []string{"/yamux/1.0.0"})
	}()

	_, err := SelectOneOf(client, []string{"/mplex/6.7.0"})
	require.Error(t, err)
	var e coreerr.ErrProtocolMismatch
	require.ErrorAs(t, err, &e)
}

func TestNegotiateIncorrectHeader(t *testing.T) {
	t.Parallel()
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := Negotiate(server, []string{"/yamux/1.0.0"})
		errCh <- err
	}()

	_, err := client.Write(nil) // no-op, just to ensure goroutine scheduled
	require.NoError(t, err)

	go func() {
		_, _ = client.Write([]byte{3, 'h', 'i', '\n'})
	}()

	err = <-errCh
	require.Error(t, err)
	var e coreerr.ErrIncorrectVersion
	require.ErrorAs(t, err, &e)
}
