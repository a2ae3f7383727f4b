package identity

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

const bindContext = "meshsec:bind:v1"

// Binding errors.
var (
	ErrMalformedProof   = errors.New("malformed identity proof")
	ErrPeerIDMismatch   = errors.New("public key does not match peer id")
	ErrInvalidSignature = errors.New("invalid identity signature")
)

var (
	proofEncMode cbor.EncMode
	proofDecMode cbor.DecMode
)

func init() {
	var err error
	proofEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder mode: %v", err))
	}
	proofDecMode, err = cbor.DecOptions{
		MaxArrayElements: 16,
		MaxMapPairs:      16,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder mode: %v", err))
	}
}

// Proof is the identity evidence attached to a handshake.
type Proof struct {
	Scheme     string `cbor:"1,keyasint"`
	PublicKey  []byte `cbor:"2,keyasint"`
	Nonce      uint64 `cbor:"3,keyasint"`
	Timestamp  int64  `cbor:"4,keyasint"`
	Difficulty uint8  `cbor:"5,keyasint"`
	Signature  []byte `cbor:"6,keyasint"`
}

// Verifier is the capability the session layer calls on a peer identity.
type Verifier interface {
	Verify() bool
}

func bindTranscript(claimer, receiver PeerID, ephemeralPub []byte) []byte {
	buf := make([]byte, 0, len(bindContext)+2*PeerIDSize+len(ephemeralPub))
	buf = append(buf, bindContext...)
	buf = append(buf, claimer[:]...)
	buf = append(buf, receiver[:]...)
	return append(buf, ephemeralPub...)
}

// Binder creates proofs for the local identity and checks proofs from
// remote peers.
type Binder struct {
	self          *Identity
	minDifficulty uint8
	now           func() time.Time
}

// NewBinder creates a Binder for self. Remote proofs must meet
// minDifficulty.
func NewBinder(self *Identity, minDifficulty uint8) *Binder {
	return &Binder{self: self, minDifficulty: minDifficulty, now: time.Now}
}

// Self returns the local PeerID.
func (b *Binder) Self() PeerID {
	return b.self.PeerID()
}

// Prove returns an encoded Proof binding the local identity to an
// ephemeral key offered to remote.
func (b *Binder) Prove(remote PeerID, ephemeralPub []byte) ([]byte, error) {
	nonce, ts, difficulty, err := b.self.pow()
	if err != nil {
		return nil, err
	}
	p := Proof{
		Scheme:     b.self.SchemeName(),
		PublicKey:  b.self.PublicKey(),
		Nonce:      nonce,
		Timestamp:  ts,
		Difficulty: difficulty,
		Signature:  b.self.Sign(bindTranscript(b.self.PeerID(), remote, ephemeralPub)),
	}
	return proofEncMode.Marshal(&p)
}

// Bind decodes a proof presented by claimer for ephemeralPub. Decoding
// errors are returned immediately; all other checks run in Verify.
func (b *Binder) Bind(claimer PeerID, ephemeralPub, proof []byte) (Verifier, error) {
	var p Proof
	if err := proofDecMode.Unmarshal(proof, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedProof, err)
	}
	return &Binding{
		claimer:       claimer,
		receiver:      b.self.PeerID(),
		ephemeral:     bytes.Clone(ephemeralPub),
		proof:         p,
		minDifficulty: b.minDifficulty,
		now:           b.now,
	}, nil
}

// Binding is a decoded proof awaiting verification.
type Binding struct {
	claimer       PeerID
	receiver      PeerID
	ephemeral     []byte
	proof         Proof
	minDifficulty uint8
	now           func() time.Time
}

// Claimer returns the PeerID the proof claims.
func (b *Binding) Claimer() PeerID {
	return b.claimer
}

// Check runs every verification step and returns the first failure.
func (b *Binding) Check() error {
	scheme, err := lookupScheme(b.proof.Scheme)
	if err != nil {
		return err
	}
	if DerivePeerID(b.proof.PublicKey) != b.claimer {
		return ErrPeerIDMismatch
	}
	if err := VerifyPow(b.claimer, b.proof.Nonce, b.proof.Timestamp, b.proof.Difficulty, b.minDifficulty, b.now()); err != nil {
		return err
	}
	pk, err := scheme.UnmarshalBinaryPublicKey(b.proof.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedProof, err)
	}
	if !scheme.Verify(pk, bindTranscript(b.claimer, b.receiver, b.ephemeral), b.proof.Signature, nil) {
		return ErrInvalidSignature
	}
	return nil
}

// Verify implements Verifier.
func (b *Binding) Verify() bool {
	return b.Check() == nil
}
