package identity

import (
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// PeerIDSize is the length of a PeerID in bytes.
const PeerIDSize = 32

// HintSize is the length of the PeerID prefix carried in every frame.
const HintSize = 4

// ErrInvalidPeerID is returned when bytes or text do not form a PeerID.
var ErrInvalidPeerID = errors.New("invalid peer id")

// PeerID identifies a peer. It is the SHA3-256 digest of the peer's public
// signing key.
type PeerID [PeerIDSize]byte

// DerivePeerID computes the PeerID for a public key.
func DerivePeerID(publicKey []byte) PeerID {
	return PeerID(sha3.Sum256(publicKey))
}

// PeerIDFromBytes copies b into a PeerID.
func PeerIDFromBytes(b []byte) (PeerID, error) {
	var id PeerID
	if len(b) != PeerIDSize {
		return id, fmt.Errorf("%w: length %d", ErrInvalidPeerID, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// ParsePeerID parses the hex form produced by String.
func ParsePeerID(s string) (PeerID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return PeerID{}, fmt.Errorf("%w: %v", ErrInvalidPeerID, err)
	}
	return PeerIDFromBytes(b)
}

// String returns the full hex encoding.
func (p PeerID) String() string {
	return hex.EncodeToString(p[:])
}

// Short returns the hex encoding of the first 4 bytes, for log output.
func (p PeerID) Short() string {
	return hex.EncodeToString(p[:HintSize])
}

// Bytes returns the PeerID as a new slice.
func (p PeerID) Bytes() []byte {
	b := make([]byte, PeerIDSize)
	copy(b, p[:])
	return b
}

// Hint returns the frame hint prefix.
func (p PeerID) Hint() []byte {
	h := make([]byte, HintSize)
	copy(h, p[:HintSize])
	return h
}

// IsZero reports whether p is the zero PeerID.
func (p PeerID) IsZero() bool {
	return p == PeerID{}
}
