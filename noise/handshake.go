// Package noise implements the Noise XX mutual-authentication handshake
// and the AEAD-encrypted transport phase that follows it. Static Noise
// keys are authenticated indirectly: each side signs its Noise static
// public key with its long-term identity key and transmits that signature
// as part of the handshake payload (the "libp2p signed extension").
package noise

import (
	"crypto/ed25519"
	"encoding/binary"
	"io"
	"net"

	"github.com/muxcore/muxcore/coreerr"
)

const (
	maxHandshakeMessage = 65535
	maxTransportPayload = 65519
)

// IdentitySource is the external collaborator that owns the local long-term
// identity keypair. The core never manufactures identities; it only
// consumes them here and, after a successful handshake, learns the remote
// party's identity public key.
type IdentitySource interface {
	IdentityPrivateKey() ed25519.PrivateKey
}

// RemoteIdentity is what the handshake establishes about the peer: its
// identity public key and the 32-byte peer identifier derived from it.
type RemoteIdentity struct {
	PublicKey ed25519.PublicKey
	PeerID    [32]byte
}

func peerIDFromKey(pub ed25519.PublicKey) [32]byte {
	// A 32-byte public-key-derived identifier; ed25519 public keys are
	// already exactly 32 bytes, so we use the key bytes directly.
	var id [32]byte
	copy(id[:], pub)
	return id
}

func writeHandshakeMessage(w io.Writer, msg []byte) error {
	if len(msg) > maxHandshakeMessage {
		return coreerr.ErrMalformedFrame{Context: coreerr.MalformedFrameContext{Reason: "handshake message too large"}}
	}
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(msg)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(msg)
	return err
}

func readHandshakeMessage(r io.Reader) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, coreerr.ErrMalformedFrame{Inner: err, Context: coreerr.MalformedFrameContext{Reason: "short read on handshake length prefix"}}
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, coreerr.ErrMalformedFrame{Inner: err, Context: coreerr.MalformedFrameContext{Reason: "short read on handshake message"}}
	}
	return buf, nil
}

// Handshake runs the Noise XX handshake over conn in the given role and, on
// success, returns a *Conn ready for the transport phase. expectedRemote,
// if non-nil, is checked against the remote's derived peer id; a mismatch
// fails with PeerIdMismatch and conn is closed.
func Handshake(conn net.Conn, initiator bool, identity IdentitySource, expectedRemote *[32]byte) (*Conn, RemoteIdentity, error) {
	var remote RemoteIdentity

	s, err := generateKeypair()
	if err != nil {
		return nil, remote, err
	}
	e, err := generateKeypair()
	if err != nil {
		return nil, remote, err
	}

	ss := newSymmetricState()

	var sendCS, recvCS *cipherState
	var remoteStatic [32]byte

	if initiator {
		// -> e
		ss.mixHash(e.pub[:])
		msg1 := append(append([]byte(nil), e.pub[:]...), ss.encryptAndHash(nil)...)
		if err := writeHandshakeMessage(conn, msg1); err != nil {
			conn.Close()
			return nil, remote, err
		}

		// <- e, ee, s, es
		msg2, err := readHandshakeMessage(conn)
		if err != nil {
			conn.Close()
			return nil, remote, err
		}
		if len(msg2) < 32 {
			conn.Close()
			return nil, remote, malformedHandshake("message 2 too short")
		}
		var re [32]byte
		copy(re[:], msg2[:32])
		ss.mixHash(re[:])
		sharedEE, err := dh(e.priv, re)
		if err != nil {
			conn.Close()
			return nil, remote, err
		}
		if err := ss.mixKey(sharedEE); err != nil {
			conn.Close()
			return nil, remote, err
		}
		rest := msg2[32:]
		rsCipher, n, err := splitEncryptedField(rest, 32)
		if err != nil {
			conn.Close()
			return nil, remote, err
		}
		rsPlain, err := ss.decryptAndHash(rsCipher)
		if err != nil {
			conn.Close()
			return nil, remote, err
		}
		copy(remoteStatic[:], rsPlain)
		sharedES, err := dh(e.priv, remoteStatic)
		if err != nil {
			conn.Close()
			return nil, remote, err
		}
		if err := ss.mixKey(sharedES); err != nil {
			conn.Close()
			return nil, remote, err
		}
		payload2, err := ss.decryptAndHash(rest[n:])
		if err != nil {
			conn.Close()
			return nil, remote, err
		}
		sp, err := unmarshalSignedPayload(payload2)
		if err != nil {
			conn.Close()
			return nil, remote, err
		}
		if !sp.verify(remoteStatic) {
			conn.Close()
			return nil, remote, coreerr.ErrAuthenticationFailed{Context: coreerr.AuthenticationFailedContext{}}
		}
		remote = RemoteIdentity{PublicKey: sp.identityPubKey, PeerID: peerIDFromKey(sp.identityPubKey)}

		// -> s, se
		myPayload := signExtension(identity.IdentityPrivateKey(), s.pub).marshal()
		sCipher := ss.encryptAndHash(s.pub[:])
		sharedSE, err := dh(s.priv, re)
		if err != nil {
			conn.Close()
			return nil, remote, err
		}
		if err := ss.mixKey(sharedSE); err != nil {
			conn.Close()
			return nil, remote, err
		}
		payload3Cipher := ss.encryptAndHash(myPayload)
		msg3 := append(append([]byte(nil), sCipher...), payload3Cipher...)
		if err := writeHandshakeMessage(conn, msg3); err != nil {
			conn.Close()
			return nil, remote, err
		}

		sendCS, recvCS, err = ss.split()
		if err != nil {
			conn.Close()
			return nil, remote, err
		}
	} else {
		// -> e (read)
		msg1, err := readHandshakeMessage(conn)
		if err != nil {
			conn.Close()
			return nil, remote, err
		}
		if len(msg1) < 32 {
			conn.Close()
			return nil, remote, malformedHandshake("message 1 too short")
		}
		var re [32]byte
		copy(re[:], msg1[:32])
		ss.mixHash(re[:])
		if _, err := ss.decryptAndHash(msg1[32:]); err != nil {
			conn.Close()
			return nil, remote, err
		}

		// <- e, ee, s, es
		ss.mixHash(e.pub[:])
		sharedEE, err := dh(e.priv, re)
		if err != nil {
			conn.Close()
			return nil, remote, err
		}
		if err := ss.mixKey(sharedEE); err != nil {
			conn.Close()
			return nil, remote, err
		}
		sCipher := ss.encryptAndHash(s.pub[:])
		sharedES, err := dh(s.priv, re)
		if err != nil {
			conn.Close()
			return nil, remote, err
		}
		if err := ss.mixKey(sharedES); err != nil {
			conn.Close()
			return nil, remote, err
		}
		myPayload := signExtension(identity.IdentityPrivateKey(), s.pub).marshal()
		payload2Cipher := ss.encryptAndHash(myPayload)
		msg2 := append(append(append([]byte(nil), e.pub[:]...), sCipher...), payload2Cipher...)
		if err := writeHandshakeMessage(conn, msg2); err != nil {
			conn.Close()
			return nil, remote, err
		}

		// -> s, se (read)
		msg3, err := readHandshakeMessage(conn)
		if err != nil {
			conn.Close()
			return nil, remote, err
		}
		rsCipher, n, err := splitEncryptedField(msg3, 32)
		if err != nil {
			conn.Close()
			return nil, remote, err
		}
		rsPlain, err := ss.decryptAndHash(rsCipher)
		if err != nil {
			conn.Close()
			return nil, remote, err
		}
		copy(remoteStatic[:], rsPlain)
		sharedSE, err := dh(e.priv, remoteStatic)
		if err != nil {
			conn.Close()
			return nil, remote, err
		}
		if err := ss.mixKey(sharedSE); err != nil {
			conn.Close()
			return nil, remote, err
		}
		payload3, err := ss.decryptAndHash(msg3[n:])
		if err != nil {
			conn.Close()
			return nil, remote, err
		}
		sp, err := unmarshalSignedPayload(payload3)
		if err != nil {
			conn.Close()
			return nil, remote, err
		}
		if !sp.verify(remoteStatic) {
			conn.Close()
			return nil, remote, coreerr.ErrAuthenticationFailed{Context: coreerr.AuthenticationFailedContext{}}
		}
		remote = RemoteIdentity{PublicKey: sp.identityPubKey, PeerID: peerIDFromKey(sp.identityPubKey)}

		// Responder's first returned cipher from split() is used by the
		// initiator to send; swap so recvCS/sendCS are role-correct.
		recvCS, sendCS, err = ss.split()
		if err != nil {
			conn.Close()
			return nil, remote, err
		}
	}

	if expectedRemote != nil && *expectedRemote != remote.PeerID {
		conn.Close()
		return nil, remote, coreerr.ErrPeerIdMismatch{Context: coreerr.PeerIdMismatchContext{
			Expected: string(expectedRemote[:]),
			Got:      string(remote.PeerID[:]),
		}}
	}

	return newConn(conn, sendCS, recvCS), remote, nil
}

// splitEncryptedField carves off the first (plain+tagSize) bytes of b as an
// encrypted fixed-size field (e.g. a 32-byte DH public key ciphertext) and
// reports how many bytes it consumed.
func splitEncryptedField(b []byte, plainSize int) (field []byte, consumed int, err error) {
	const tagSize = 16
	if len(b) < plainSize+tagSize {
		return nil, 0, malformedHandshake("truncated encrypted field")
	}
	n := plainSize + tagSize
	return b[:n], n, nil
}

func malformedHandshake(reason string) error {
	return coreerr.ErrMalformedFrame{Context: coreerr.MalformedFrameContext{Reason: "noise handshake: " + reason}}
}
