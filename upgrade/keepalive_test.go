package upgrade

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPingWithRetrySucceedsOverPipe(t *testing.T) {
	t.Parallel()
	clientConn, serverConn := net.Pipe()
	client, server, _, _ := newUpgraderPair(t)

	go func() {
		sess, _, err := server.Upgrade(context.Background(), serverConn, false, nil)
		if err != nil {
			return
		}
		for {
			if _, err := sess.AcceptStream(); err != nil {
				return
			}
		}
	}()

	clientSess, _, err := client.Upgrade(context.Background(), clientConn, true, nil)
	require.NoError(t, err)
	defer clientSess.Close()

	_, err = PingWithRetry(clientSess, 3)
	require.NoError(t, err)
}

func TestPingWithRetryGivesUpAfterSessionClosed(t *testing.T) {
	t.Parallel()
	clientConn, serverConn := net.Pipe()
	client, server, _, _ := newUpgraderPair(t)

	go func() {
		_, _, _ = server.Upgrade(context.Background(), serverConn, false, nil)
	}()

	clientSess, _, err := client.Upgrade(context.Background(), clientConn, true, nil)
	require.NoError(t, err)
	require.NoError(t, clientSess.Close())

	_, err = PingWithRetry(clientSess, 3)
	require.Error(t, err)
}
