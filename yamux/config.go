package yamux

import (
	"sync"
	"time"

	"github.com/muxcore/muxcore/log"
	"github.com/muxcore/muxcore/yamux/frame"
)

// Config tunes a Session's flow-control and lifecycle behavior. The zero
// value is not usable directly; call DefaultConfig or rely on
// Config.initDefaults, which Client/Server call for you.
type Config struct {
	// InitialStreamWindow is the receive-window every new stream starts
	// with.
	InitialStreamWindow uint32

	// MaxStreamWindow bounds how large a stream's advertised receive
	// window may grow via batched WINDOW_UPDATE frames.
	MaxStreamWindow uint32

	// MaxFramePayload bounds a single DATA frame's payload; larger writes
	// are split across multiple frames.
	MaxFramePayload uint32

	// AcceptBacklog bounds the number of accepted-but-not-yet-AcceptStream'd
	// streams queued before new SYNs are refused.
	AcceptBacklog uint32

	// MaxStreams bounds the number of concurrently open streams; beyond
	// this, incoming SYNs are immediately RST.
	MaxStreams uint32

	// KeepAliveInterval, if non-zero, is the period between keep-alive
	// PINGs; if a matching PING-ACK doesn't arrive within the same
	// interval, the session is considered dead.
	KeepAliveInterval time.Duration

	// SynTimeout bounds how long a locally opened stream waits to see any
	// frame from the peer before it is RST.
	SynTimeout time.Duration

	// StreamWriteTimeout bounds how long a write may block on a stalled
	// send-window before the stream is RST and the write fails.
	StreamWriteTimeout time.Duration

	// ShutdownTimeout bounds how long Close waits for existing streams to
	// drain after sending GO_AWAY before RSTing the remainder.
	ShutdownTimeout time.Duration

	// Logger receives structured, per-session and per-stream lifecycle
	// events (stream open/accept, received GO_AWAY, and session teardown
	// with its GO_AWAY reason). Nil disables logging entirely.
	Logger log.Logger

	initOnce  sync.Once
	newStream streamFactory
}

// streamFactory builds a stream; overridable only for tests.
type streamFactory func(sess sessionPrivate, id frame.StreamId, windowSize uint32, fin bool, locallyInitiated bool) *stream

const (
	defaultInitialStreamWindow = 0x40000 // 256 KiB
	defaultMaxStreamWindow     = 0x100000 // 1 MiB
	defaultMaxFramePayload     = 16 * 1024
	defaultAcceptBacklog       = 128
	defaultMaxStreams          = 1024
	defaultSynTimeout          = 30 * time.Second
	defaultStreamWriteTimeout  = 30 * time.Second
	defaultShutdownTimeout     = 5 * time.Second

	writeFrameQueueDepth = 64
)

// resetRemoveDelay is how long a reset/closed stream's id is kept reserved
// in the session map before being removed, so a frame already in flight for
// it still draws a RST reply instead of landing on a vanished stream id.
// A var, not a const, so tests can shrink it instead of sleeping 5s.
var resetRemoveDelay = 5 * time.Second

// DefaultConfig returns a Config with the defaults spec'd for this pipeline:
// a 256 KiB initial stream window, a 1 MiB ceiling on it, 16 KiB frames, a
// 128-deep accept backlog, and no keep-alive.
func DefaultConfig() *Config {
	cfg := &Config{
		InitialStreamWindow: defaultInitialStreamWindow,
		MaxStreamWindow:     defaultMaxStreamWindow,
		MaxFramePayload:     defaultMaxFramePayload,
		AcceptBacklog:       defaultAcceptBacklog,
		MaxStreams:          defaultMaxStreams,
		SynTimeout:          defaultSynTimeout,
		StreamWriteTimeout:  defaultStreamWriteTimeout,
		ShutdownTimeout:     defaultShutdownTimeout,
	}
	cfg.initDefaults()
	return cfg
}

func (c *Config) initDefaults() {
	c.initOnce.Do(func() {
		if c.InitialStreamWindow == 0 {
			c.InitialStreamWindow = defaultInitialStreamWindow
		}
		if c.MaxStreamWindow == 0 {
			c.MaxStreamWindow = defaultMaxStreamWindow
		}
		if c.MaxFramePayload == 0 {
			c.MaxFramePayload = defaultMaxFramePayload
		}
		if c.AcceptBacklog == 0 {
			c.AcceptBacklog = defaultAcceptBacklog
		}
		if c.MaxStreams == 0 {
			c.MaxStreams = defaultMaxStreams
		}
		if c.SynTimeout == 0 {
			c.SynTimeout = defaultSynTimeout
		}
		if c.StreamWriteTimeout == 0 {
			c.StreamWriteTimeout = defaultStreamWriteTimeout
		}
		if c.ShutdownTimeout == 0 {
			c.ShutdownTimeout = defaultShutdownTimeout
		}
		if c.newStream == nil {
			c.newStream = newStream
		}
	})
}
