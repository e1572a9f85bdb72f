package yamux

import (
	"errors"

	"github.com/muxcore/muxcore/coreerr"
	"github.com/muxcore/muxcore/yamux/frame"
)

var (
	errSessionClosed    = coreerr.ErrSessionClosed{Context: coreerr.SessionClosedContext{Reason: "session closed"}}
	errRemoteGoneAway   = coreerr.ErrSessionClosed{Context: coreerr.SessionClosedContext{Reason: "remote went away"}}
	errStreamsExhausted = coreerr.ErrResourceLimitExceeded{Context: coreerr.ResourceLimitExceededContext{Resource: "stream ids"}}
	errWriteTimeout     = coreerr.ErrTimeout{Context: coreerr.TimeoutContext{Op: "write"}}
	errSynTimeout       = coreerr.ErrTimeout{Context: coreerr.TimeoutContext{Op: "open_stream"}}
	errEOFPeer          = errors.New("yamux: read EOF from remote peer")
)

func errTooManyStreamsAt(max uint32) error {
	return coreerr.ErrTooManyStreams{Context: coreerr.TooManyStreamsContext{Max: int(max)}}
}

func reasonFromError(err error) frame.ErrorCode {
	switch {
	case err == nil, errors.Is(err, errSessionClosed):
		return frame.GoAwayNormal
	case frame.IsProtocolError(err):
		return frame.GoAwayProtocolError
	case coreerr.IsKind(err, coreerr.KindMalformedFrame),
		coreerr.IsKind(err, coreerr.KindBadVarint),
		coreerr.IsKind(err, coreerr.KindOverlongFrame),
		coreerr.IsKind(err, coreerr.KindIncorrectVersion),
		coreerr.IsKind(err, coreerr.KindProtocolMismatch):
		return frame.GoAwayProtocolError
	case coreerr.IsKind(err, coreerr.KindTimeout):
		return frame.GoAwayKeepAliveTimeout
	}
	return frame.GoAwayInternalError
}

func errFromReason(code frame.ErrorCode, debug []byte) error {
	reason := string(debug)
	switch code {
	case frame.GoAwayNormal:
		return coreerr.ErrSessionClosed{Context: coreerr.SessionClosedContext{Reason: "remote: " + reason}}
	case frame.GoAwayKeepAliveTimeout:
		return coreerr.ErrTimeout{Context: coreerr.TimeoutContext{Op: "keep_alive"}}
	default:
		return coreerr.ErrMalformedFrame{Context: coreerr.MalformedFrameContext{Reason: "remote go-away: " + reason}}
	}
}
