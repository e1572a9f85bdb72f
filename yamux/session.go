// Package yamux implements the stream-multiplexing session layered atop a
// single encrypted pipe: many independent, flow-controlled byte streams
// interleaved as framed DATA/WINDOW_UPDATE/PING/GO_AWAY messages.
package yamux

import (
	"context"
	"io"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/muxcore/muxcore/coreerr"
	"github.com/muxcore/muxcore/log"
	"github.com/muxcore/muxcore/yamux/frame"
)

// Stream is one multiplexed byte stream: a net.Conn plus the bookkeeping
// the application layer needs to treat it as a libp2p-style substream.
type Stream interface {
	net.Conn
	// ID reports the stream's id, unique and monotonically allocated
	// within its session.
	ID() uint32
	// Protocol reports the application protocol negotiated over this
	// stream (empty until SetProtocol is called).
	Protocol() string
	// SetProtocol records the negotiated application protocol. Only the
	// first call takes effect (I7: at most one logical protocol/stream).
	SetProtocol(string)
	// CloseWrite half-closes the stream's write side with FIN; reads are
	// unaffected.
	CloseWrite() error
	// Reset abruptly terminates the stream with RST, discarding any
	// unread buffered data and failing any pending write.
	Reset() error
	// IsReset reports whether the stream ended via RST rather than FIN.
	IsReset() bool
}

// Session multiplexes many streams over one underlying transport.
type Session interface {
	// OpenStream opens a new stream to the peer. Fails with SessionClosed
	// once the local side has gone away or the peer has.
	OpenStream() (Stream, error)
	// AcceptStream blocks until the peer opens a stream, or the session
	// dies.
	AcceptStream() (Stream, error)
	// Close sends GO_AWAY, drains outstanding streams up to
	// ShutdownTimeout, then tears down the transport.
	Close() error
	// IsClosed reports whether the session has torn down.
	IsClosed() bool
	// Ping round-trips an opaque value over a session-level PING and
	// reports the RTT, or an error if the session died first.
	Ping() (time.Duration, error)
	// LocalAddr/RemoteAddr forward to the transport when it implements
	// net.Conn, else report a synthetic yamux address.
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	// Wait blocks until the session is dead and reports why, plus any
	// remote-supplied debug information from the GO_AWAY that caused it.
	Wait() (localErr, remoteErr error, remoteDebug []byte)
}

type halfState struct {
	goneAway uint32
	lastId   uint32
}

type session struct {
	dieOnce uint32
	local   halfState
	remote  halfState
	id      uint64

	cfg       *Config
	transport io.ReadWriteCloser
	framer    frame.Framer
	streams   *streamMap
	accept    chan *stream
	isLocal   func(frame.StreamId) bool

	writeFrames chan writeReq

	dead   chan struct{}
	dieErr error

	remoteDebugMu sync.Mutex
	remoteDebug   remoteDebugInfo

	pingMu      sync.Mutex
	pingWaiters map[uint32]chan struct{}
	pingSeq     uint32
}

type remoteDebugInfo struct {
	err   error
	bytes []byte
}

type writeReq struct {
	f   frame.Frame
	err chan error
}

// Client returns a client-side (odd stream ids) Session over trans.
func Client(trans io.ReadWriteCloser, cfg *Config) Session {
	return newSession(trans, cfg, true)
}

// Server returns a server-side (even stream ids) Session over trans.
func Server(trans io.ReadWriteCloser, cfg *Config) Session {
	return newSession(trans, cfg, false)
}

func newSession(trans io.ReadWriteCloser, cfg *Config, isClient bool) *session {
	if cfg == nil {
		cfg = new(Config)
	}
	cfg.initDefaults()
	s := &session{
		id:          rand.Uint64(),
		cfg:         cfg,
		transport:   trans,
		framer:      frame.NewFramer(trans, trans),
		streams:     newStreamMap(),
		accept:      make(chan *stream, cfg.AcceptBacklog),
		writeFrames: make(chan writeReq, writeFrameQueueDepth),
		dead:        make(chan struct{}),
		pingWaiters: make(map[uint32]chan struct{}),
	}
	if isClient {
		s.isLocal = s.isClientStream
		s.local.lastId = 1
	} else {
		s.isLocal = s.isServerStream
		s.remote.lastId = 0
	}
	go s.writer()
	go s.reader()
	if cfg.KeepAliveInterval > 0 {
		go s.keepAlive()
	}
	return s
}

func (s *session) isClientStream(id frame.StreamId) bool { return uint32(id)&1 == 1 }
func (s *session) isServerStream(id frame.StreamId) bool { return !s.isClientStream(id) }

func (s *session) config() *Config { return s.cfg }

// logEvent emits a structured lifecycle event tagged with this session's id,
// and a stream id when one is relevant. A nil Logger makes this a no-op.
func (s *session) logEvent(level log.LogLevel, msg string, streamID frame.StreamId, data map[string]interface{}) {
	if s.cfg.Logger == nil {
		return
	}
	if data == nil {
		data = make(map[string]interface{}, 2)
	}
	data["session_id"] = s.id
	if streamID != 0 {
		data["stream_id"] = uint32(streamID)
	}
	s.cfg.Logger.Log(context.Background(), level, msg, data)
}

////////////////////////////////////////////////////////////////////////////
// public API
////////////////////////////////////////////////////////////////////////////

func (s *session) OpenStream() (Stream, error) {
	if atomic.LoadUint32(&s.remote.goneAway) == 1 || atomic.LoadUint32(&s.local.goneAway) == 1 {
		return nil, errRemoteGoneAway
	}
	if uint32(s.streams.Len()) >= s.cfg.MaxStreams {
		return nil, errTooManyStreamsAt(s.cfg.MaxStreams)
	}

	prev := atomic.LoadUint32(&s.local.lastId)
	nextId := frame.StreamId(atomic.AddUint32(&s.local.lastId, 2))
	if uint32(nextId) < prev {
		// 32-bit stream id space wrapped; I3 requires ids never repeat, so
		// this session can no longer open new streams.
		atomic.StoreUint32(&s.local.lastId, prev)
		return nil, errStreamsExhausted
	}
	str := s.cfg.newStream(s, nextId, s.cfg.InitialStreamWindow, false, true)
	s.streams.Set(nextId, str)

	syn := new(frame.Data)
	atomic.StoreUint32(&str.firstFrameSent, 1)
	if err := syn.PackFlags(nextId, nil, false, true, false, false); err != nil {
		s.streams.Delete(nextId)
		return nil, err
	}
	if err := s.writeFrame(syn, time.Time{}); err != nil {
		s.streams.Delete(nextId)
		return nil, err
	}
	s.logEvent(log.LogLevelDebug, "stream opened", nextId, nil)

	if s.cfg.SynTimeout > 0 {
		time.AfterFunc(s.cfg.SynTimeout, func() {
			if _, ok := s.streams.Get(nextId); ok && atomic.LoadUint32(&str.sawPeerFrame) == 0 {
				str.resetWith(errSynTimeout)
			}
		})
	}
	return str, nil
}

func (s *session) AcceptStream() (Stream, error) {
	select {
	case str, ok := <-s.accept:
		if ok {
			return str, nil
		}
		<-s.dead
	case <-s.dead:
	}
	if s.dieErr == nil {
		return nil, errSessionClosed
	}
	return nil, s.dieErr
}

func (s *session) IsClosed() bool {
	select {
	case <-s.dead:
		return true
	default:
		return false
	}
}

// Close sends GO_AWAY and gives existing streams up to cfg.ShutdownTimeout
// to drain (FIN or RST on their own) before forcing the remainder closed.
func (s *session) Close() error {
	if !atomic.CompareAndSwapUint32(&s.local.goneAway, 0, 1) {
		<-s.dead
		// A second Close is a no-op returning success, unless the session
		// actually died for an external reason (remote GO_AWAY, a protocol
		// error, keep-alive timeout) rather than this synthetic reason used
		// by a clean local Close.
		if s.dieErr == nil || s.dieErr == error(errSessionClosed) {
			return nil
		}
		return s.dieErr
	}

	goAway := new(frame.GoAway)
	if err := goAway.Pack(frame.GoAwayNormal); err == nil {
		_ = s.writeFrame(goAway, time.Now().Add(250*time.Millisecond))
	}

	deadline := time.NewTimer(s.cfg.ShutdownTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(10 * time.Millisecond)
	defer poll.Stop()

drain:
	for s.streams.Len() > 0 {
		select {
		case <-deadline.C:
			break drain
		case <-poll.C:
		case <-s.dead:
			return s.dieErr
		}
	}

	s.streams.Each(func(id frame.StreamId, str *stream) {
		str.resetWith(errSessionClosed)
	})
	return s.die(errSessionClosed)
}

func (s *session) Ping() (time.Duration, error) {
	id := atomic.AddUint32(&s.pingSeq, 1)
	value := id ^ uint32(rand.Int31())
	ch := make(chan struct{}, 1)

	s.pingMu.Lock()
	s.pingWaiters[value] = ch
	s.pingMu.Unlock()

	defer func() {
		s.pingMu.Lock()
		delete(s.pingWaiters, value)
		s.pingMu.Unlock()
	}()

	f := new(frame.Ping)
	if err := f.Pack(value, false); err != nil {
		return 0, err
	}
	start := time.Now()
	if err := s.writeFrame(f, time.Time{}); err != nil {
		return 0, err
	}
	select {
	case <-ch:
		return time.Since(start), nil
	case <-s.dead:
		if s.dieErr != nil {
			return 0, s.dieErr
		}
		return 0, errSessionClosed
	}
}

func (s *session) LocalAddr() net.Addr {
	if a, ok := s.transport.(interface{ LocalAddr() net.Addr }); ok {
		return a.LocalAddr()
	}
	return sessionAddr{"local"}
}

func (s *session) RemoteAddr() net.Addr {
	if a, ok := s.transport.(interface{ RemoteAddr() net.Addr }); ok {
		return a.RemoteAddr()
	}
	return sessionAddr{"remote"}
}

type sessionAddr struct{ locality string }

func (a sessionAddr) Network() string { return "yamux" }
func (a sessionAddr) String() string  { return "yamux: " + a.locality }

func (s *session) Wait() (error, error, []byte) {
	<-s.dead
	s.remoteDebugMu.Lock()
	defer s.remoteDebugMu.Unlock()
	return s.dieErr, s.remoteDebug.err, s.remoteDebug.bytes
}

////////////////////////////////////////////////////////////////////////////
// stream-facing private interface
////////////////////////////////////////////////////////////////////////////

func (s *session) removeStream(id frame.StreamId) {
	s.streams.Delete(id)
}

func (s *session) writeFrame(f frame.Frame, dl time.Time) error {
	var timeout <-chan time.Time
	if !dl.IsZero() {
		timeout = time.After(time.Until(dl))
	}
	req := writeReq{f: f, err: make(chan error, 1)}
	select {
	case s.writeFrames <- req:
	case <-s.dead:
		return errSessionClosed
	case <-timeout:
		return errWriteTimeout
	}
	select {
	case err := <-req.err:
		return err
	case <-timeout:
		return errWriteTimeout
	case <-s.dead:
		return errSessionClosed
	}
}

func (s *session) writeFrameAsync(f frame.Frame) error {
	select {
	case s.writeFrames <- writeReq{f: f}:
		return nil
	case <-s.dead:
		return errSessionClosed
	}
}

func (s *session) die(err error) error {
	if !atomic.CompareAndSwapUint32(&s.dieOnce, 0, 1) {
		return errSessionClosed
	}
	reason := reasonFromError(err)
	goAway := new(frame.GoAway)
	if packErr := goAway.Pack(reason); packErr == nil {
		_ = s.writeFrame(goAway, time.Now().Add(250*time.Millisecond))
	}
	level := log.LogLevelInfo
	if reason != frame.GoAwayNormal {
		level = log.LogLevelWarn
	}
	s.logEvent(level, "session closed", 0, map[string]interface{}{"reason": reason, "err": err})

	s.dieErr = err
	close(s.dead)
	s.transport.Close()

	s.streams.Each(func(id frame.StreamId, str *stream) {
		str.closeWith(err)
	})
	return nil
}

////////////////////////////////////////////////////////////////////////////
// internal goroutines
////////////////////////////////////////////////////////////////////////////

func (s *session) writer() {
	defer s.recoverPanic("writer")
	for {
		select {
		case req := <-s.writeFrames:
			err := s.framer.WriteFrame(req.f)
			if req.err != nil {
				req.err <- err
			}
			if err != nil {
				s.die(err)
				return
			}
		case <-s.dead:
			return
		}
	}
}

func (s *session) reader() {
	defer s.recoverPanic("reader")
	defer close(s.accept)
	for {
		f, err := s.framer.ReadFrame()
		if err != nil {
			if err == io.EOF {
				s.die(errEOFPeer)
			} else {
				s.die(coreerr.ErrMalformedFrame{Inner: err, Context: coreerr.MalformedFrameContext{Reason: "frame decode failed"}})
			}
			return
		}
		if err := s.handleFrame(f); err != nil {
			s.die(err)
			return
		}
		select {
		case <-s.dead:
			return
		default:
		}
	}
}

func (s *session) recoverPanic(where string) {
	if r := recover(); r != nil {
		s.die(coreerr.ErrMalformedFrame{Context: coreerr.MalformedFrameContext{Reason: where + " panicked"}})
	}
}

func (s *session) handleFrame(rf frame.Frame) error {
	switch f := rf.(type) {
	case *frame.Data:
		return s.handleData(f)
	case *frame.WndInc:
		if str, ok := s.streams.Get(f.StreamId()); ok {
			return str.handleStreamWndInc(f)
		}
		return nil
	case *frame.Ping:
		return s.handlePing(f)
	case *frame.GoAway:
		return s.handleGoAway(f)
	default:
		return coreerr.ErrMalformedFrame{Context: coreerr.MalformedFrameContext{Reason: "unknown frame type"}}
	}
}

func (s *session) handleData(f *frame.Data) error {
	if f.Syn() {
		return s.handleSyn(f)
	}
	str, ok := s.streams.Get(f.StreamId())
	if !ok {
		if f.Length() > 0 {
			if _, err := io.CopyN(io.Discard, f.Reader(), int64(f.Length())); err != nil {
				return err
			}
		}
		if f.Length() == 0 && (f.Fin() || f.Flags().IsSet(frame.FlagRst)) {
			return nil
		}
		return s.writeFrameAsync(rstFrame(f.StreamId()))
	}
	return str.handleStreamData(f)
}

func (s *session) handleSyn(f *frame.Data) error {
	if atomic.LoadUint32(&s.local.goneAway) == 1 {
		return s.writeFrameAsync(rstFrame(f.StreamId()))
	}
	if s.isLocal(f.StreamId()) {
		return coreerr.ErrMalformedFrame{Context: coreerr.MalformedFrameContext{Reason: "SYN with local-parity stream id"}}
	}
	if uint32(s.streams.Len()) >= s.cfg.MaxStreams {
		return s.writeFrameAsync(rstFrame(f.StreamId()))
	}

	atomic.StoreUint32(&s.remote.lastId, uint32(f.StreamId()))

	str := s.cfg.newStream(s, f.StreamId(), s.cfg.InitialStreamWindow, f.Fin(), false)
	s.streams.Set(f.StreamId(), str)
	s.logEvent(log.LogLevelDebug, "stream accepted", f.StreamId(), nil)

	select {
	case s.accept <- str:
	default:
		s.streams.Delete(f.StreamId())
		return s.writeFrameAsync(rstFrame(f.StreamId()))
	}
	return str.handleStreamData(f)
}

func (s *session) handlePing(f *frame.Ping) error {
	if !f.Ack() {
		resp := new(frame.Ping)
		if err := resp.Pack(f.Value(), true); err != nil {
			return err
		}
		return s.writeFrameAsync(resp)
	}
	s.pingMu.Lock()
	ch, ok := s.pingWaiters[f.Value()]
	s.pingMu.Unlock()
	if ok {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

func (s *session) handleGoAway(f *frame.GoAway) error {
	s.logEvent(log.LogLevelInfo, "received GO_AWAY", 0, map[string]interface{}{"reason": f.ReasonCode()})
	atomic.StoreUint32(&s.remote.goneAway, 1)
	s.remoteDebugMu.Lock()
	s.remoteDebug = remoteDebugInfo{err: errFromReason(f.ReasonCode(), nil)}
	s.remoteDebugMu.Unlock()

	lastId := frame.StreamId(atomic.LoadUint32(&s.remote.lastId))
	s.streams.Each(func(id frame.StreamId, str *stream) {
		if s.isLocal(id) && id > lastId {
			str.closeWith(errRemoteGoneAway)
		}
	})
	return nil
}

////////////////////////////////////////////////////////////////////////////
// keep-alive
////////////////////////////////////////////////////////////////////////////

func (s *session) keepAlive() {
	ticker := time.NewTicker(s.cfg.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d, err := s.pingWithTimeout(s.cfg.KeepAliveInterval)
			if err != nil {
				s.die(coreerr.ErrTimeout{Context: coreerr.TimeoutContext{Op: "keep_alive"}})
				return
			}
			_ = d
		case <-s.dead:
			return
		}
	}
}

func (s *session) pingWithTimeout(timeout time.Duration) (time.Duration, error) {
	done := make(chan struct{})
	var d time.Duration
	var err error
	go func() {
		d, err = s.Ping()
		close(done)
	}()
	select {
	case <-done:
		return d, err
	case <-time.After(timeout):
		return 0, errWriteTimeout
	case <-s.dead:
		return 0, errSessionClosed
	}
}
