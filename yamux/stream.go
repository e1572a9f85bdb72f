package yamux

import (
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/muxcore/muxcore/coreerr"
	"github.com/muxcore/muxcore/yamux/frame"
)

// sessionPrivate is the subset of *session a stream needs to call back
// into: enqueueing frames and deregistering itself.
type sessionPrivate interface {
	writeFrame(f frame.Frame, dl time.Time) error
	writeFrameAsync(f frame.Frame) error
	removeStream(id frame.StreamId)
	config() *Config
}

const (
	halfClosedLocal  uint8 = 0x1 // we sent FIN
	halfClosedRemote uint8 = 0x2 // peer sent FIN
	fullyClosed            = halfClosedLocal | halfClosedRemote
)

// stream is one multiplexed byte stream within a Session. It implements
// net.Conn.
type stream struct {
	id      frame.StreamId
	session sessionPrivate

	locallyInitiated bool
	firstFrameSent   uint32 // atomic CAS flag: our SYN (sent by OpenStream) or ACK (first outgoing frame) already sent
	sawPeerFrame     uint32 // atomic: any frame observed from the peer on this stream yet

	sendWindow windowManager // send credit, replenished by peer WINDOW_UPDATE
	recvBuf    *inboundBuffer

	recvWindow       uint32 // currently advertised recv credit
	recvWindowMu     sync.Mutex
	maxRecvWindow    uint32
	unadvertisedRecv uint32

	writer        sync.Mutex
	writeDeadline time.Time

	closeMu     sync.Mutex
	closedState uint8
	resetOnce   sync.Once
	resetErr    error

	protocolMu sync.Mutex
	protocol   string
}

func newStream(sess sessionPrivate, id frame.StreamId, initWindow uint32, fin bool, locallyInitiated bool) *stream {
	maxWindow := initWindow
	if cfg := sess.config(); cfg != nil && cfg.MaxStreamWindow > maxWindow {
		maxWindow = cfg.MaxStreamWindow
	}
	s := &stream{
		id:               id,
		session:          sess,
		recvWindow:       initWindow,
		maxRecvWindow:    maxWindow,
		unadvertisedRecv: maxWindow - initWindow,
		locallyInitiated: locallyInitiated,
	}
	s.sendWindow = newCondWindow(int(initWindow))
	s.recvBuf = newInboundBuffer(int(maxWindow))
	if fin {
		s.closedState |= halfClosedRemote
		s.recvBuf.Close()
	}
	return s
}

func (s *stream) Id() frame.StreamId { return s.id }

// ID exposes the stream id as a plain uint32, per the MuxedConn/Stream
// surface application code is expected to depend on.
func (s *stream) ID() uint32 { return uint32(s.id) }

// Protocol reports the application protocol negotiated over this stream,
// if any has been recorded via SetProtocol.
func (s *stream) Protocol() string {
	s.protocolMu.Lock()
	defer s.protocolMu.Unlock()
	return s.protocol
}

// SetProtocol records the application protocol negotiated over this
// stream. Per I7 (at most one logical protocol per stream), only the first
// call takes effect.
func (s *stream) SetProtocol(p string) {
	s.protocolMu.Lock()
	defer s.protocolMu.Unlock()
	if s.protocol == "" {
		s.protocol = p
	}
}

// Session-facing API used by *session when dispatching frames.

func (s *stream) handleStreamData(f *frame.Data) error {
	atomic.StoreUint32(&s.sawPeerFrame, 1)
	if f.Length() > 0 {
		s.recvWindowMu.Lock()
		if f.Length() > s.recvWindow {
			s.recvWindowMu.Unlock()
			return coreerr.ErrMalformedFrame{Context: coreerr.MalformedFrameContext{Reason: "DATA exceeded advertised window"}}
		}
		s.recvWindow -= f.Length()
		s.recvWindowMu.Unlock()

		if _, err := s.recvBuf.ReadFrom(f.Reader()); err != nil {
			return err
		}
		if s.recvBuf.Err() == errBufferFull {
			s.resetWith(coreerr.ErrResourceLimitExceeded{Context: coreerr.ResourceLimitExceededContext{Resource: "stream receive buffer"}})
			return nil
		}
	}
	if f.Flags().IsSet(frame.FlagRst) {
		return s.handleStreamRst()
	}
	if f.Fin() {
		s.closeMu.Lock()
		s.closedState |= halfClosedRemote
		fullyDone := s.closedState == fullyClosed
		s.closeMu.Unlock()
		s.recvBuf.Close()
		if fullyDone {
			s.session.removeStream(s.id)
		}
	}
	return nil
}

func (s *stream) handleStreamRst() error {
	s.resetWith(coreerr.ErrStreamReset{Context: coreerr.StreamResetContext{StreamID: uint32(s.id)}})
	return nil
}

func (s *stream) handleStreamWndInc(f *frame.WndInc) error {
	atomic.StoreUint32(&s.sawPeerFrame, 1)
	s.sendWindow.Increment(int(f.WindowIncrement()))
	return nil
}

func (s *stream) closeWith(err error) {
	s.resetWith(err)
}

// resetWith abruptly terminates the stream, local or remote triggered.
// Removal from the session map is deferred by resetRemoveDelay so a frame
// that was already in flight for this stream id still gets a RST reply
// instead of silently vanishing; without this, a reset stream would hold
// its session.streams slot forever and eventually starve MaxStreams.
func (s *stream) resetWith(err error) {
	s.resetOnce.Do(func() {
		s.closeMu.Lock()
		s.resetErr = err
		s.closeMu.Unlock()
		s.sendWindow.SetError(err)
		s.recvBuf.SetError(err)
		time.AfterFunc(resetRemoveDelay, func() {
			s.session.removeStream(s.id)
		})
	})
}

// net.Conn implementation.

// Read drains buffered bytes. A zero-length p returns (0, nil) at once. A
// fired read deadline is reported as a Timeout wrapping
// os.ErrDeadlineExceeded. Per the half-close and reset contracts, any other
// terminal condition is surfaced as io.EOF, not as an error — callers that
// need to distinguish a clean FIN from a RST use IsReset.
func (s *stream) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n, err := s.recvBuf.Read(p)
	if n > 0 {
		s.sendWindowUpdate(uint32(n))
	}
	if err == os.ErrDeadlineExceeded {
		return n, coreerr.ErrTimeout{Inner: err, Context: coreerr.TimeoutContext{Op: "stream_read"}}
	}
	if err != nil {
		return n, io.EOF
	}
	return n, err
}

// IsReset reports whether the stream's terminal state was a RST (local or
// remote) rather than a graceful FIN.
func (s *stream) IsReset() bool {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	return s.resetErr != nil
}

func (s *stream) sendWindowUpdate(consumed uint32) {
	s.recvWindowMu.Lock()
	s.unadvertisedRecv += consumed
	threshold := s.maxRecvWindow / 2
	if s.unadvertisedRecv < threshold {
		s.recvWindowMu.Unlock()
		return
	}
	delta := s.unadvertisedRecv
	s.unadvertisedRecv = 0
	s.recvWindow += delta
	s.recvWindowMu.Unlock()

	f := new(frame.WndInc)
	if err := f.Pack(s.id, delta); err != nil {
		return
	}
	_ = s.session.writeFrameAsync(f)
}

func (s *stream) Write(p []byte) (int, error) {
	return s.write(p, false)
}

func (s *stream) write(p []byte, fin bool) (int, error) {
	s.closeMu.Lock()
	alreadyClosed := s.closedState&halfClosedLocal != 0
	s.closeMu.Unlock()
	if alreadyClosed {
		if fin && len(p) == 0 {
			// CloseWrite after CloseWrite is a no-op, not an error.
			return 0, nil
		}
		return 0, coreerr.ErrWriteAfterFin{Context: coreerr.WriteAfterFinContext{StreamID: uint32(s.id)}}
	}

	s.writer.Lock()
	defer s.writer.Unlock()

	cfg := s.session.config()
	maxFrame := int(cfg.MaxFramePayload)
	written := 0
	for len(p) > 0 || (fin && written == 0 && len(p) == 0) {
		chunk := p
		if len(chunk) > maxFrame {
			chunk = chunk[:maxFrame]
		}
		n, err := s.decrementSendWindow(len(chunk), cfg.StreamWriteTimeout)
		if err != nil {
			return written, err
		}
		chunk = chunk[:n]

		isFin := fin && n == len(p)
		first := atomic.CompareAndSwapUint32(&s.firstFrameSent, 0, 1)
		isSyn := first && s.locallyInitiated
		isAck := first && !s.locallyInitiated

		f := new(frame.Data)
		if err := f.PackFlags(s.id, chunk, isFin, isSyn, isAck, false); err != nil {
			return written, err
		}
		if err := s.session.writeFrame(f, s.writeDeadline); err != nil {
			return written, err
		}
		written += len(chunk)
		p = p[len(chunk):]

		if isFin {
			s.markLocalClosed()
			break
		}
		if len(p) == 0 {
			break
		}
	}
	return written, nil
}

// decrementSendWindow blocks on the send window like windowManager.Decrement,
// but if timeout elapses first it errors the window with a Timeout and
// resets the stream, so a peer that stalls WINDOW_UPDATEs forever can't wedge
// a writer blocked indefinitely.
func (s *stream) decrementSendWindow(n int, timeout time.Duration) (int, error) {
	if timeout > 0 {
		timer := time.AfterFunc(timeout, func() {
			// resetWith sets resetErr (and errors the window, waking any
			// blocked Decrement) atomically under closeMu before the wire
			// RST goes out, so a caller observing the write's error also
			// sees IsReset() true with no race.
			s.resetWith(coreerr.ErrTimeout{Context: coreerr.TimeoutContext{Op: "stream_write"}})
			_ = s.session.writeFrameAsync(rstFrame(s.id))
		})
		defer timer.Stop()
	}
	return s.sendWindow.Decrement(n)
}

func (s *stream) markLocalClosed() {
	s.closeMu.Lock()
	s.closedState |= halfClosedLocal
	fullyDone := s.closedState == fullyClosed
	s.closeMu.Unlock()
	if fullyDone {
		s.session.removeStream(s.id)
	}
}

func (s *stream) CloseWrite() error {
	_, err := s.write(nil, true)
	return err
}

func (s *stream) Close() error {
	if err := s.CloseWrite(); err != nil {
		return err
	}
	return nil
}

// Reset abruptly terminates the stream from the local side.
func (s *stream) Reset() error {
	s.resetWith(coreerr.ErrStreamReset{Context: coreerr.StreamResetContext{StreamID: uint32(s.id)}})
	return s.session.writeFrameAsync(rstFrame(s.id))
}

func rstFrame(id frame.StreamId) *frame.Data {
	f := new(frame.Data)
	_ = f.PackFlags(id, nil, false, false, false, true)
	return f
}

func (s *stream) SetDeadline(t time.Time) error {
	_ = s.SetReadDeadline(t)
	return s.SetWriteDeadline(t)
}

func (s *stream) SetReadDeadline(t time.Time) error {
	s.recvBuf.SetDeadline(t)
	return nil
}

func (s *stream) SetWriteDeadline(t time.Time) error {
	s.writer.Lock()
	s.writeDeadline = t
	s.writer.Unlock()
	return nil
}

func (s *stream) LocalAddr() net.Addr  { return streamAddr{s.id} }
func (s *stream) RemoteAddr() net.Addr { return streamAddr{s.id} }

type streamAddr struct{ id frame.StreamId }

func (a streamAddr) Network() string { return "yamux" }
func (a streamAddr) String() string  { return "yamux-stream" }
