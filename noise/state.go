package noise

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/muxcore/muxcore/coreerr"
)

const protocolName = "Noise_XX_25519_ChaChaPoly_SHA256"

type keypair struct {
	priv [32]byte
	pub  [32]byte
}

func generateKeypair() (keypair, error) {
	var kp keypair
	if _, err := rand.Read(kp.priv[:]); err != nil {
		return keypair{}, err
	}
	pub, err := curve25519.X25519(kp.priv[:], curve25519.Basepoint)
	if err != nil {
		return keypair{}, err
	}
	copy(kp.pub[:], pub)
	return kp, nil
}

func dh(priv, pub [32]byte) ([]byte, error) {
	return curve25519.X25519(priv[:], pub[:])
}

// cipherState is one direction's AEAD key plus its strictly sequential
// nonce, mirroring the Noise spec's nonce-as-counter convention (4 zero
// bytes followed by a little-endian 64-bit counter).
type cipherState struct {
	aead  cipher.AEAD
	nonce uint64
}

func newCipherState(key [32]byte) (*cipherState, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	return &cipherState{aead: aead}, nil
}

func (cs *cipherState) nonceBytes() [12]byte {
	var n [12]byte
	binary.LittleEndian.PutUint64(n[4:], cs.nonce)
	return n
}

func (cs *cipherState) encrypt(ad, plaintext []byte) []byte {
	n := cs.nonceBytes()
	out := cs.aead.Seal(nil, n[:], plaintext, ad)
	cs.nonce++
	return out
}

func (cs *cipherState) decrypt(ad, ciphertext []byte) ([]byte, error) {
	n := cs.nonceBytes()
	out, err := cs.aead.Open(nil, n[:], ciphertext, ad)
	if err != nil {
		return nil, coreerr.ErrMacFailure{Inner: err, Context: coreerr.MacFailureContext{}}
	}
	cs.nonce++
	return out, nil
}

// symmetricState tracks the running handshake hash and chaining key used to
// derive each successive cipher key, per the Noise Protocol Framework.
type symmetricState struct {
	h  [32]byte
	ck [32]byte
	cs *cipherState
}

func newSymmetricState() *symmetricState {
	ss := &symmetricState{}
	name := []byte(protocolName)
	if len(name) <= 32 {
		copy(ss.h[:], name)
	} else {
		ss.h = sha256.Sum256(name)
	}
	ss.ck = ss.h
	return ss
}

func (ss *symmetricState) mixHash(data []byte) {
	h := sha256.New()
	h.Write(ss.h[:])
	h.Write(data)
	copy(ss.h[:], h.Sum(nil))
}

func hkdf2(ck [32]byte, ikm []byte) (out1, out2 [32]byte) {
	r := hkdf.New(sha256.New, ikm, ck[:], nil)
	var buf [64]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		panic("noise: hkdf expand failed: " + err.Error())
	}
	copy(out1[:], buf[:32])
	copy(out2[:], buf[32:])
	return
}

func (ss *symmetricState) mixKey(ikm []byte) error {
	ck, tempK := hkdf2(ss.ck, ikm)
	ss.ck = ck
	cs, err := newCipherState(tempK)
	if err != nil {
		return err
	}
	ss.cs = cs
	return nil
}

func (ss *symmetricState) encryptAndHash(plaintext []byte) []byte {
	var ciphertext []byte
	if ss.cs != nil {
		ciphertext = ss.cs.encrypt(ss.h[:], plaintext)
	} else {
		ciphertext = append([]byte(nil), plaintext...)
	}
	ss.mixHash(ciphertext)
	return ciphertext
}

func (ss *symmetricState) decryptAndHash(data []byte) ([]byte, error) {
	var plaintext []byte
	var err error
	if ss.cs != nil {
		plaintext, err = ss.cs.decrypt(ss.h[:], data)
		if err != nil {
			return nil, err
		}
	} else {
		plaintext = append([]byte(nil), data...)
	}
	ss.mixHash(data)
	return plaintext, nil
}

// split derives the pair of transport cipher states, one per direction,
// once the handshake's final message has been processed.
func (ss *symmetricState) split() (c1, c2 *cipherState, err error) {
	k1, k2 := hkdf2(ss.ck, nil)
	c1, err = newCipherState(k1)
	if err != nil {
		return nil, nil, err
	}
	c2, err = newCipherState(k2)
	if err != nil {
		return nil, nil, err
	}
	return c1, c2, nil
}
