package upgrade

import (
	"time"

	"github.com/jpillora/backoff"

	"github.com/muxcore/muxcore/coreerr"
	"github.com/muxcore/muxcore/yamux"
)

// PingWithRetry round-trips a session-level PING, retrying with jittered
// exponential backoff when an attempt fails with an error other than
// SessionClosed. Session.Ping has no timeout of its own: an attempt waits
// for its PING-ACK until the session dies. It gives up once attempts is
// exhausted and returns the
// last error, mirroring the redial backoff the reconnecting session in this
// corpus uses around its own transient failures.
func PingWithRetry(sess yamux.Session, attempts int) (time.Duration, error) {
	b := &backoff.Backoff{
		Min:    50 * time.Millisecond,
		Max:    2 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		rtt, err := sess.Ping()
		if err == nil {
			return rtt, nil
		}
		lastErr = err
		if coreerr.IsKind(err, coreerr.KindSessionClosed) {
			// No point retrying a session that has already torn down.
			break
		}
		time.Sleep(b.Duration())
	}
	return 0, lastErr
}
