package identity

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cloudflare/circl/sign"
	"github.com/cloudflare/circl/sign/schemes"
)

// Supported signature scheme names.
const (
	SchemeEd25519 = "Ed25519"
	SchemeMLDSA65 = "ML-DSA-65"
)

// DefaultDifficulty is the proof-of-work difficulty used when none is set.
const DefaultDifficulty uint8 = 16

// ErrUnknownScheme is returned for an unsupported signature scheme.
var ErrUnknownScheme = errors.New("unknown signature scheme")

func lookupScheme(name string) (sign.Scheme, error) {
	switch name {
	case SchemeEd25519, SchemeMLDSA65:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, name)
	}
	s := schemes.ByName(name)
	if s == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, name)
	}
	return s, nil
}

// Identity is a long-term signing keypair with a proof of work over its
// PeerID.
type Identity struct {
	scheme   sign.Scheme
	priv     sign.PrivateKey
	pubBytes []byte
	id       PeerID

	mu         sync.Mutex
	difficulty uint8
	nonce      uint64
	timestamp  int64
	now        func() time.Time
}

// Generate creates a new identity for the named scheme and solves its
// proof of work.
func Generate(schemeName string, difficulty uint8) (*Identity, error) {
	scheme, err := lookupScheme(schemeName)
	if err != nil {
		return nil, err
	}
	pub, priv, err := scheme.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate %s key: %w", schemeName, err)
	}
	id, err := newIdentity(scheme, pub, priv, difficulty)
	if err != nil {
		return nil, err
	}
	if err := id.refreshPow(); err != nil {
		return nil, err
	}
	return id, nil
}

func newIdentity(scheme sign.Scheme, pub sign.PublicKey, priv sign.PrivateKey, difficulty uint8) (*Identity, error) {
	pubBytes, err := pub.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return &Identity{
		scheme:     scheme,
		priv:       priv,
		pubBytes:   pubBytes,
		id:         DerivePeerID(pubBytes),
		difficulty: difficulty,
		now:        time.Now,
	}, nil
}

// PeerID returns the identity's PeerID.
func (i *Identity) PeerID() PeerID {
	return i.id
}

// PublicKey returns a copy of the encoded public key.
func (i *Identity) PublicKey() []byte {
	out := make([]byte, len(i.pubBytes))
	copy(out, i.pubBytes)
	return out
}

// SchemeName returns the signature scheme name.
func (i *Identity) SchemeName() string {
	return i.scheme.Name()
}

// Difficulty returns the proof-of-work difficulty.
func (i *Identity) Difficulty() uint8 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.difficulty
}

// Sign signs msg with the identity's private key.
func (i *Identity) Sign(msg []byte) []byte {
	return i.scheme.Sign(i.priv, msg, nil)
}

// pow returns a proof-of-work solution that is still comfortably within
// MaxPowAge, re-solving when the current one is more than half expired.
func (i *Identity) pow() (nonce uint64, timestamp int64, difficulty uint8, err error) {
	i.mu.Lock()
	stale := i.now().Sub(time.Unix(i.timestamp, 0)) > MaxPowAge/2
	i.mu.Unlock()
	if stale {
		if err := i.refreshPow(); err != nil {
			return 0, 0, 0, err
		}
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.nonce, i.timestamp, i.difficulty, nil
}

func (i *Identity) refreshPow() error {
	i.mu.Lock()
	ts := i.now().Unix()
	difficulty := i.difficulty
	i.mu.Unlock()

	nonce, err := SolvePow(i.id, ts, difficulty)
	if err != nil {
		return err
	}

	i.mu.Lock()
	i.nonce, i.timestamp = nonce, ts
	i.mu.Unlock()
	return nil
}
