package secure

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/meshsec/meshsec-go/pkg/identity"
	"github.com/meshsec/meshsec-go/pkg/wire"
)

const (
	keySize       = 32
	kdfSaltPrefix = "meshsec/v1"
	kdfInfoPrefix = "meshsec traffic"
)

// newAEAD is the single place a cipher suite maps to an implementation.
func newAEAD(suite wire.CipherSuite, key []byte) (cipher.AEAD, error) {
	switch suite {
	case wire.CipherAESGCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	case wire.CipherChaCha20Poly1305:
		return chacha20poly1305.New(key)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownCipher, suite)
	}
}

// directionKeys protects traffic in one direction for one epoch.
type directionKeys struct {
	aead      cipher.AEAD
	key       [keySize]byte
	macKey    [keySize]byte
	nonceBase [wire.NonceSize]byte
}

func (d *directionKeys) zero() {
	clear(d.key[:])
	clear(d.macKey[:])
	clear(d.nonceBase[:])
	d.aead = nil
}

// deriveDirection expands the shared secret into the keys protecting
// traffic sent by from to to.
func deriveDirection(secret []byte, suite wire.CipherSuite, epoch uint32, from, to identity.PeerID) (*directionKeys, error) {
	salt := make([]byte, 0, len(kdfSaltPrefix)+2*identity.PeerIDSize)
	salt = append(salt, kdfSaltPrefix...)
	salt = append(salt, from[:]...)
	salt = append(salt, to[:]...)

	info := make([]byte, 0, len(kdfInfoPrefix)+5)
	info = append(info, kdfInfoPrefix...)
	info = append(info, byte(suite))
	info = binary.BigEndian.AppendUint32(info, epoch)

	d := &directionKeys{}
	r := hkdf.New(sha256.New, secret, salt, info)
	if _, err := io.ReadFull(r, d.key[:]); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, d.macKey[:]); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, d.nonceBase[:]); err != nil {
		return nil, err
	}
	aead, err := newAEAD(suite, d.key[:])
	if err != nil {
		d.zero()
		return nil, err
	}
	d.aead = aead
	return d, nil
}

// nonce returns base XOR seq, with seq big-endian in the last 8 bytes.
func (d *directionKeys) nonce(seq uint64) [wire.NonceSize]byte {
	n := d.nonceBase
	var s [8]byte
	binary.BigEndian.PutUint64(s[:], seq)
	for i := range s {
		n[wire.NonceSize-8+i] ^= s[i]
	}
	return n
}

// tag computes HMAC-SHA256 over header, nonce and ciphertext.
func (d *directionKeys) tag(f *wire.Frame) []byte {
	m := hmac.New(sha256.New, d.macKey[:])
	m.Write(f.Header())
	m.Write(f.Nonce)
	m.Write(f.Ciphertext)
	return m.Sum(nil)
}
