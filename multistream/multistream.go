// Package multistream implements the multistream-select negotiation
// protocol: a tiny text protocol used to agree on a single application
// protocol identifier over an already-connected byte pipe, before that pipe
// is handed off to whatever speaks the negotiated protocol.
package multistream

import (
	"io"

	"github.com/muxcore/muxcore/coreerr"
	"github.com/muxcore/muxcore/varint"
)

// ProtocolID is a negotiable identifier, e.g. "/noise" or "/yamux/1.0.0".
type ProtocolID = string

// Header is the fixed negotiation header both sides exchange first.
const Header ProtocolID = "/multistream/1.0.0"

const (
	msgLS = "ls"
	msgNA = "na"
)

// SelectOneOf runs the initiator side of multistream-select: send the
// header and read the peer's echo of it, then offer each of proposals in
// order until one is selected or the peer rejects them all. Returns the
// negotiated protocol.
//
// The pipe is left positioned exactly after the selection frame; on any
// error the pipe is closed and the error is returned.
func SelectOneOf(rw io.ReadWriter, proposals []ProtocolID) (ProtocolID, error) {
	if err := varint.WriteFrame(rw, []byte(Header)); err != nil {
		closeIfCloser(rw)
		return "", err
	}

	hdr, err := varint.ReadFrame(rw)
	if err != nil {
		closeIfCloser(rw)
		return "", err
	}
	if string(hdr) != Header {
		closeIfCloser(rw)
		return "", coreerr.ErrProtocolMismatch{Context: coreerr.ProtocolMismatchContext{Got: string(hdr)}}
	}

	for _, p := range proposals {
		if err := varint.WriteFrame(rw, []byte(p)); err != nil {
			closeIfCloser(rw)
			return "", err
		}

		resp, err := varint.ReadFrame(rw)
		if err != nil {
			closeIfCloser(rw)
			return "", err
		}
		s := string(resp)
		switch {
		case s == p:
			return p, nil
		case s == msgNA:
			continue
		default:
			closeIfCloser(rw)
			return "", coreerr.ErrProtocolMismatch{Context: coreerr.ProtocolMismatchContext{Got: s}}
		}
	}
	closeIfCloser(rw)
	return "", coreerr.ErrProtocolMismatch{Context: coreerr.ProtocolMismatchContext{Got: msgNA}}
}

// Negotiate runs the responder side of multistream-select: read and echo
// the header, then repeatedly read proposed protocols, replying "na" to
// anything not in supported, "ls" with a listing, or echoing (selecting)
// the first supported match.
func Negotiate(rw io.ReadWriter, supported []ProtocolID) (ProtocolID, error) {
	hdr, err := varint.ReadFrame(rw)
	if err != nil {
		closeIfCloser(rw)
		return "", err
	}
	if string(hdr) != Header {
		closeIfCloser(rw)
		return "", coreerr.ErrIncorrectVersion{Context: coreerr.IncorrectVersionContext{Got: string(hdr)}}
	}
	if err := varint.WriteFrame(rw, []byte(Header)); err != nil {
		closeIfCloser(rw)
		return "", err
	}

	for {
		frame, err := varint.ReadFrame(rw)
		if err != nil {
			closeIfCloser(rw)
			return "", err
		}
		proposed := string(frame)

		if proposed == msgLS {
			for _, s := range supported {
				if err := varint.WriteFrame(rw, []byte(s)); err != nil {
					closeIfCloser(rw)
					return "", err
				}
			}
			continue
		}

		for _, s := range supported {
			if s == proposed {
				if err := varint.WriteFrame(rw, []byte(proposed)); err != nil {
					closeIfCloser(rw)
					return "", err
				}
				return proposed, nil
			}
		}

		if err := varint.WriteFrame(rw, []byte(msgNA)); err != nil {
			closeIfCloser(rw)
			return "", err
		}
	}
}

func closeIfCloser(rw io.ReadWriter) {
	if c, ok := rw.(io.Closer); ok {
		_ = c.Close()
	}
}
