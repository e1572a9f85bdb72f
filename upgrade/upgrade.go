// Package upgrade implements the connection upgrader: it takes a raw byte
// pipe and drives it through security negotiation, the Noise handshake, and
// muxer negotiation to produce a live Yamux session, mirroring the way
// Connect in the session package of this corpus dials a raw pipe and layers
// TLS and muxado on top of it in a single linear sequence.
package upgrade

import (
	"context"
	"crypto/ed25519"
	"net"

	"github.com/muxcore/muxcore/coreerr"
	"github.com/muxcore/muxcore/multistream"
	"github.com/muxcore/muxcore/noise"
	"github.com/muxcore/muxcore/yamux"
)

// Direction records which side of the connection a session was established
// as, for the resource manager's accounting calls.
type Direction int

const (
	DirInbound Direction = iota
	DirOutbound
)

const (
	// SecurityNoise is the only security protocol this pipeline speaks.
	// Implementations MAY propose others, but the handshake only proceeds
	// once both sides have selected this one.
	SecurityNoise multistream.ProtocolID = "/noise"
	// MuxerYamux is the only stream multiplexer this pipeline speaks.
	MuxerYamux multistream.ProtocolID = "/yamux/1.0.0"
)

// ConnState is the record returned alongside a freshly upgraded session: the
// negotiated choices and the identity the Noise handshake established.
type ConnState struct {
	SecurityProtocol  multistream.ProtocolID
	StreamMultiplexer multistream.ProtocolID
	Transport         string
	RemotePeer        noise.RemoteIdentity
}

// ConnScope and StreamScope are the accounting handles a ResourceManager
// hands back for a connection or a stream; the upgrader only calls Done on
// them at teardown, never inspects them otherwise.
type ConnScope interface {
	SetPeer(peerID [32]byte)
	Done()
}

type StreamScope interface {
	Done()
}

// ResourceManager is consulted purely for accounting: it may deny an open
// by returning an error, which the upgrader surfaces as
// ResourceLimitExceeded, but it never influences protocol behavior.
type ResourceManager interface {
	OpenConnection(direction Direction, useFD bool, remoteAddr net.Addr) (ConnScope, error)
	OpenStream(peerID [32]byte, direction Direction) (StreamScope, error)
}

// PeerStore persists the public keys the handshake establishes, keyed by
// peer id. It is consulted only at handshake completion.
type PeerStore interface {
	AddPubKey(peerID [32]byte, key ed25519.PublicKey)
	PubKey(peerID [32]byte) (ed25519.PublicKey, bool)
}

// Config names this upgrader's supported protocols and collaborators. The
// zero value is not usable: Identity and at least one entry in each
// protocol list are required.
type Config struct {
	// Identity owns the local long-term identity keypair; consumed by the
	// Noise handshake and never mutated here.
	Identity noise.IdentitySource

	// SecurityProtocols is proposed (dial) or matched against (accept) in
	// preference order during C2's first run. Only /noise is actually
	// handshake-capable; entries beyond that exist for negotiation only.
	SecurityProtocols []multistream.ProtocolID

	// MuxerProtocols is proposed or matched against during C2's second
	// run, over the now-encrypted pipe.
	MuxerProtocols []multistream.ProtocolID

	// ResourceManager and PeerStore are optional external collaborators;
	// nil disables their accounting/persistence calls.
	ResourceManager ResourceManager
	PeerStore       PeerStore

	// SessionConfig tunes the resulting Yamux session. Nil uses
	// yamux.DefaultConfig.
	SessionConfig *yamux.Config
}

// Upgrader runs the C2 → C3 → C2 → C4 pipeline described by this package's
// doc comment over a caller-supplied raw pipe.
type Upgrader struct {
	cfg Config
}

func NewUpgrader(cfg Config) *Upgrader {
	return &Upgrader{cfg: cfg}
}

// Upgrade drives conn through security negotiation, the Noise handshake,
// muxer negotiation, and Yamux session construction. outbound selects the
// initiator role for both multistream-select runs and the handshake.
// expectedRemotePeer, if non-nil, is checked against the identity the
// handshake establishes; a mismatch fails the upgrade.
//
// Any failure at any stage closes conn and returns the first error; no
// partial state is retained.
func (u *Upgrader) Upgrade(ctx context.Context, conn net.Conn, outbound bool, expectedRemotePeer *[32]byte) (yamux.Session, ConnState, error) {
	var state ConnState

	if err := ctx.Err(); err != nil {
		conn.Close()
		return nil, state, coreerr.ErrCancelled{Inner: err, Context: coreerr.CancelledContext{Op: "upgrade"}}
	}

	direction := DirInbound
	if outbound {
		direction = DirOutbound
	}

	var connScope ConnScope
	if u.cfg.ResourceManager != nil {
		scope, err := u.cfg.ResourceManager.OpenConnection(direction, false, conn.RemoteAddr())
		if err != nil {
			conn.Close()
			return nil, state, coreerr.ErrResourceLimitExceeded{Inner: err, Context: coreerr.ResourceLimitExceededContext{Resource: "connection"}}
		}
		connScope = scope
	}
	closeScope := func() {
		if connScope != nil {
			connScope.Done()
		}
	}

	secProto, err := u.negotiate(conn, outbound, u.cfg.SecurityProtocols)
	if err != nil {
		conn.Close()
		closeScope()
		return nil, state, noMutualSecurity(err)
	}
	if secProto != SecurityNoise {
		conn.Close()
		closeScope()
		return nil, state, coreerr.ErrNoMutualSecurity{Context: coreerr.NoMutualSecurityContext{}}
	}
	state.SecurityProtocol = secProto

	securedConn, remote, err := noise.Handshake(conn, outbound, u.cfg.Identity, expectedRemotePeer)
	if err != nil {
		closeScope()
		return nil, state, err
	}
	state.RemotePeer = remote
	state.Transport = "noise"

	if connScope != nil {
		connScope.SetPeer(remote.PeerID)
	}
	if u.cfg.PeerStore != nil {
		u.cfg.PeerStore.AddPubKey(remote.PeerID, remote.PublicKey)
	}

	muxProto, err := u.negotiate(securedConn, outbound, u.cfg.MuxerProtocols)
	if err != nil {
		securedConn.Close()
		closeScope()
		return nil, state, noMutualMuxer(err)
	}
	state.StreamMultiplexer = muxProto

	var sess yamux.Session
	if outbound {
		sess = yamux.Client(securedConn, u.cfg.SessionConfig)
	} else {
		sess = yamux.Server(securedConn, u.cfg.SessionConfig)
	}

	return sess, state, nil
}

// negotiate runs C2 in the appropriate role: the outbound side proposes its
// protocol list in order, the inbound side matches against its own list.
func (u *Upgrader) negotiate(rw net.Conn, outbound bool, supported []multistream.ProtocolID) (multistream.ProtocolID, error) {
	if outbound {
		return multistream.SelectOneOf(rw, supported)
	}
	return multistream.Negotiate(rw, supported)
}

func noMutualSecurity(inner error) error {
	if coreerr.IsKind(inner, coreerr.KindProtocolMismatch) {
		return coreerr.ErrNoMutualSecurity{Inner: inner, Context: coreerr.NoMutualSecurityContext{}}
	}
	return inner
}

func noMutualMuxer(inner error) error {
	if coreerr.IsKind(inner, coreerr.KindProtocolMismatch) {
		return coreerr.ErrNoMutualMuxer{Inner: inner, Context: coreerr.NoMutualMuxerContext{}}
	}
	return inner
}
