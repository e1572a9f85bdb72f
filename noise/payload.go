package noise

import (
	"crypto/ed25519"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/muxcore/muxcore/coreerr"
)

// signedExtensionPrefix is prepended to the Noise static public key before
// signing, so that a signature over a handshake static key can never be
// replayed as a signature over unrelated application data.
const signedExtensionPrefix = "noise-libp2p-static-key:"

const (
	fieldIdentityKey = protowire.Number(1)
	fieldIdentitySig = protowire.Number(2)
)

// signedPayload is the libp2p signed extension: the handshake participant's
// long-term identity public key, and a signature over the Noise static
// public key proving that identity controls it.
type signedPayload struct {
	identityPubKey ed25519.PublicKey
	signature      []byte
}

func signExtension(identityPriv ed25519.PrivateKey, noiseStaticPub [32]byte) signedPayload {
	msg := append([]byte(signedExtensionPrefix), noiseStaticPub[:]...)
	return signedPayload{
		identityPubKey: identityPriv.Public().(ed25519.PublicKey),
		signature:      ed25519.Sign(identityPriv, msg),
	}
}

func (p signedPayload) verify(noiseStaticPub [32]byte) bool {
	msg := append([]byte(signedExtensionPrefix), noiseStaticPub[:]...)
	return ed25519.Verify(p.identityPubKey, msg, p.signature)
}

func (p signedPayload) marshal() []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, fieldIdentityKey, protowire.BytesType)
	buf = protowire.AppendBytes(buf, p.identityPubKey)
	buf = protowire.AppendTag(buf, fieldIdentitySig, protowire.BytesType)
	buf = protowire.AppendBytes(buf, p.signature)
	return buf
}

func unmarshalSignedPayload(b []byte) (signedPayload, error) {
	var p signedPayload
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return signedPayload{}, malformedPayload("bad tag")
		}
		b = b[n:]
		switch {
		case num == fieldIdentityKey && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return signedPayload{}, malformedPayload("bad identity key field")
			}
			p.identityPubKey = append(ed25519.PublicKey(nil), v...)
			b = b[n:]
		case num == fieldIdentitySig && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return signedPayload{}, malformedPayload("bad signature field")
			}
			p.signature = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return signedPayload{}, malformedPayload("unknown field")
			}
			b = b[n:]
		}
	}
	if len(p.identityPubKey) != ed25519.PublicKeySize {
		return signedPayload{}, malformedPayload("missing or invalid identity key")
	}
	return p, nil
}

func malformedPayload(reason string) error {
	return coreerr.ErrMalformedFrame{Context: coreerr.MalformedFrameContext{Reason: "signed extension: " + reason}}
}
