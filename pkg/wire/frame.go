package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Frame field sizes.
const (
	HintSize  = 4
	NonceSize = 12
	// MinCiphertextSize is the AEAD tag length shared by both suites.
	MinCiphertextSize = 16
	// AuthTagSize is the HMAC-SHA256 tag length.
	AuthTagSize = 32
	// HeaderSize is the length of the binary header returned by Header.
	HeaderSize = HintSize + 4 + 1 + 1 + 8 + 8 + 2 + 2 + 2
)

// FrameOverhead bounds the bytes an encoded frame packet adds on top of its
// plaintext: packet type, CBOR map and keys, header fields, nonce, AEAD tag
// and HMAC tag.
const FrameOverhead = 128

// Frame validation errors.
var (
	ErrInvalidHint     = errors.New("invalid peer id hint")
	ErrInvalidNonce    = errors.New("invalid nonce length")
	ErrInvalidFragment = errors.New("invalid fragment fields")
	ErrInvalidSequence = errors.New("sequence number must be non-zero")
	ErrShortCiphertext = errors.New("ciphertext shorter than tag")
	ErrInvalidAuthTag  = errors.New("invalid auth tag length")
	ErrUnknownKind     = errors.New("unknown frame kind")
)

// FrameKind distinguishes application data from in-band control frames.
type FrameKind uint8

const (
	KindData FrameKind = iota
	KindRekey
	KindRekeyAck
	KindRekeyConfirm
)

// String returns the kind name.
func (k FrameKind) String() string {
	switch k {
	case KindData:
		return "DATA"
	case KindRekey:
		return "REKEY"
	case KindRekeyAck:
		return "REKEY_ACK"
	case KindRekeyConfirm:
		return "REKEY_CONFIRM"
	default:
		return fmt.Sprintf("KIND_%d", uint8(k))
	}
}

// FrameFlags are per-frame option bits.
type FrameFlags uint8

const (
	// FlagCompressed marks a message whose plaintext was compressed before
	// fragmentation. Set on every fragment of the message.
	FlagCompressed FrameFlags = 1 << iota
)

// Frame is the wire unit of session traffic.
type Frame struct {
	PeerIDHint     []byte     `cbor:"1,keyasint"`
	Epoch          uint32     `cbor:"2,keyasint"`
	Kind           FrameKind  `cbor:"3,keyasint,omitempty"`
	Flags          FrameFlags `cbor:"4,keyasint,omitempty"`
	SequenceNumber uint64     `cbor:"5,keyasint"`
	Timestamp      uint64     `cbor:"6,keyasint"` // Unix milliseconds
	MessageID      uint16     `cbor:"7,keyasint"`
	FragmentIndex  uint16     `cbor:"8,keyasint"`
	FragmentCount  uint16     `cbor:"9,keyasint"`
	Nonce          []byte     `cbor:"10,keyasint"`
	Ciphertext     []byte     `cbor:"11,keyasint"`
	AuthTag        []byte     `cbor:"12,keyasint,omitempty"`
}

// Validate checks the structural fields. It does not touch cryptography.
func (f *Frame) Validate() error {
	if len(f.PeerIDHint) != HintSize {
		return fmt.Errorf("%w: length %d", ErrInvalidHint, len(f.PeerIDHint))
	}
	if f.Kind > KindRekeyConfirm {
		return fmt.Errorf("%w: %d", ErrUnknownKind, f.Kind)
	}
	if f.SequenceNumber == 0 {
		return ErrInvalidSequence
	}
	if f.FragmentCount == 0 || f.FragmentIndex >= f.FragmentCount {
		return fmt.Errorf("%w: index %d count %d", ErrInvalidFragment, f.FragmentIndex, f.FragmentCount)
	}
	if len(f.Nonce) != NonceSize {
		return fmt.Errorf("%w: %d", ErrInvalidNonce, len(f.Nonce))
	}
	if len(f.Ciphertext) < MinCiphertextSize {
		return ErrShortCiphertext
	}
	if len(f.AuthTag) != 0 && len(f.AuthTag) != AuthTagSize {
		return fmt.Errorf("%w: %d", ErrInvalidAuthTag, len(f.AuthTag))
	}
	return nil
}

// IsFragmented reports whether the frame is part of a multi-frame message.
func (f *Frame) IsFragmented() bool {
	return f.FragmentCount > 1
}

// Header returns the fixed binary encoding of every field except nonce,
// ciphertext and tag. It is the AEAD associated data.
func (f *Frame) Header() []byte {
	b := make([]byte, 0, HeaderSize)
	b = append(b, f.PeerIDHint...)
	b = binary.BigEndian.AppendUint32(b, f.Epoch)
	b = append(b, byte(f.Kind), byte(f.Flags))
	b = binary.BigEndian.AppendUint64(b, f.SequenceNumber)
	b = binary.BigEndian.AppendUint64(b, f.Timestamp)
	b = binary.BigEndian.AppendUint16(b, f.MessageID)
	b = binary.BigEndian.AppendUint16(b, f.FragmentIndex)
	b = binary.BigEndian.AppendUint16(b, f.FragmentCount)
	return b
}
