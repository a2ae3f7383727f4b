package wire

import (
	"errors"
	"fmt"
)

// Sizes of handshake fields.
const (
	PeerIDSize       = 32
	PublicKeySize    = 32 // X25519
	MaxProofSize     = 8192
	MinMaxMessageLen = 16
)

// Validation errors.
var (
	ErrInvalidPeerID     = errors.New("invalid peer id")
	ErrInvalidPublicKey  = errors.New("invalid ephemeral public key")
	ErrProofTooLarge     = errors.New("identity proof too large")
	ErrUnknownCipher     = errors.New("unknown cipher suite")
	ErrInvalidMaxMessage = errors.New("invalid max message size")
)

// CipherSuite selects the AEAD used for a session.
type CipherSuite uint8

const (
	CipherAESGCM           CipherSuite = 1
	CipherChaCha20Poly1305 CipherSuite = 2
)

// String returns the cipher name.
func (c CipherSuite) String() string {
	switch c {
	case CipherAESGCM:
		return "AES-256-GCM"
	case CipherChaCha20Poly1305:
		return "CHACHA20-POLY1305"
	default:
		return fmt.Sprintf("CIPHER_%d", uint8(c))
	}
}

// Valid reports whether c is a known suite.
func (c CipherSuite) Valid() bool {
	return c == CipherAESGCM || c == CipherChaCha20Poly1305
}

// ParseCipherSuite parses the names used in configuration files.
func ParseCipherSuite(s string) (CipherSuite, error) {
	switch s {
	case "aes-gcm", "aes-256-gcm", "AES-256-GCM":
		return CipherAESGCM, nil
	case "chacha20-poly1305", "CHACHA20-POLY1305":
		return CipherChaCha20Poly1305, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownCipher, s)
}

// SessionConfig is the set of session parameters a peer proposes.
type SessionConfig struct {
	Cipher                     CipherSuite `cbor:"1,keyasint"`
	HMACEnabled                bool        `cbor:"2,keyasint"`
	TimestampValidation        bool        `cbor:"3,keyasint"`
	FragmentationEnabled       bool        `cbor:"4,keyasint"`
	MaxMessageSize             uint32      `cbor:"5,keyasint"`
	KeyRotationIntervalSeconds uint32      `cbor:"6,keyasint"`
	CompressionEnabled         bool        `cbor:"7,keyasint,omitempty"`
}

// Validate checks the config fields.
func (c *SessionConfig) Validate() error {
	if !c.Cipher.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownCipher, c.Cipher)
	}
	if c.MaxMessageSize < MinMaxMessageLen {
		return fmt.Errorf("%w: %d", ErrInvalidMaxMessage, c.MaxMessageSize)
	}
	return nil
}

// Handshake carries a peer's ephemeral public key and proposed session
// parameters.
type Handshake struct {
	PeerID             []byte        `cbor:"1,keyasint"`
	EphemeralPublicKey []byte        `cbor:"2,keyasint"`
	IdentityProof      []byte        `cbor:"3,keyasint,omitempty"`
	ProposedConfig     SessionConfig `cbor:"4,keyasint"`

	// Reply is set when the handshake answers one received from the peer.
	Reply bool `cbor:"5,keyasint,omitempty"`
}

// Validate checks field sizes and the proposed config.
func (h *Handshake) Validate() error {
	if len(h.PeerID) != PeerIDSize {
		return fmt.Errorf("%w: length %d", ErrInvalidPeerID, len(h.PeerID))
	}
	if len(h.EphemeralPublicKey) != PublicKeySize {
		return fmt.Errorf("%w: length %d", ErrInvalidPublicKey, len(h.EphemeralPublicKey))
	}
	if len(h.IdentityProof) > MaxProofSize {
		return fmt.Errorf("%w: %d bytes", ErrProofTooLarge, len(h.IdentityProof))
	}
	return h.ProposedConfig.Validate()
}

// Rekey is the plaintext of REKEY and REKEY_ACK control frames.
type Rekey struct {
	Epoch              uint32 `cbor:"1,keyasint"`
	EphemeralPublicKey []byte `cbor:"2,keyasint"`
	IdentityProof      []byte `cbor:"3,keyasint,omitempty"`
}

// Validate checks field sizes.
func (r *Rekey) Validate() error {
	if r.Epoch == 0 {
		return errors.New("rekey epoch must be non-zero")
	}
	if len(r.EphemeralPublicKey) != PublicKeySize {
		return fmt.Errorf("%w: length %d", ErrInvalidPublicKey, len(r.EphemeralPublicKey))
	}
	if len(r.IdentityProof) > MaxProofSize {
		return fmt.Errorf("%w: %d bytes", ErrProofTooLarge, len(r.IdentityProof))
	}
	return nil
}

// EncodeRekey encodes a rekey payload.
func EncodeRekey(r *Rekey) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return Marshal(r)
}

// DecodeRekey decodes and validates a rekey payload.
func DecodeRekey(data []byte) (*Rekey, error) {
	var r Rekey
	if err := Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: rekey: %v", ErrMalformedPacket, err)
	}
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	return &r, nil
}
