package secure

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/curve25519"

	"github.com/meshsec/meshsec-go/pkg/identity"
	"github.com/meshsec/meshsec-go/pkg/log"
	"github.com/meshsec/meshsec-go/pkg/wire"
)

// KeyPair is an ephemeral X25519 key pair. The private scalar is kept in a
// fixed array so Zero can wipe it.
type KeyPair struct {
	private [curve25519.ScalarSize]byte
	Public  [curve25519.PointSize]byte
}

// GenerateKeypair creates a fresh ephemeral key pair.
func GenerateKeypair() (*KeyPair, error) {
	kp := &KeyPair{}
	if _, err := rand.Read(kp.private[:]); err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	pub, err := curve25519.X25519(kp.private[:], curve25519.Basepoint)
	if err != nil {
		kp.Zero()
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// SharedSecret computes the X25519 shared secret with peerPub. Low-order
// points, which would yield an all-zero secret, are rejected.
func (kp *KeyPair) SharedSecret(peerPub []byte) ([]byte, error) {
	if len(peerPub) != curve25519.PointSize {
		return nil, fmt.Errorf("%w: length %d", ErrInvalidPublicKey, len(peerPub))
	}
	secret, err := curve25519.X25519(kp.private[:], peerPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return secret, nil
}

// Zero wipes the private scalar.
func (kp *KeyPair) Zero() {
	if kp != nil {
		clear(kp.private[:])
	}
}

// pendingExchange is a handshake we sent and have not completed.
type pendingExchange struct {
	key       *KeyPair
	createdAt time.Time
}

// Initiate starts a key exchange with peer and returns the handshake to
// send. It fails with ErrExchangeInProgress while a previous exchange with
// the peer is younger than ExchangeTimeout.
func (e *Engine) Initiate(peer identity.PeerID) (*wire.Handshake, error) {
	e.kexMu.Lock()
	defer e.kexMu.Unlock()
	return e.initiateLocked(peer, false)
}

func (e *Engine) initiateLocked(peer identity.PeerID, reply bool) (*wire.Handshake, error) {
	now := e.cfg.Now()
	if p, ok := e.pending[peer]; ok {
		if now.Sub(p.createdAt) < e.cfg.ExchangeTimeout {
			return nil, ErrExchangeInProgress
		}
		p.key.Zero()
		delete(e.pending, peer)
	}

	kp, err := GenerateKeypair()
	if err != nil {
		return nil, err
	}
	hs := &wire.Handshake{
		PeerID:             e.cfg.LocalID.Bytes(),
		EphemeralPublicKey: append([]byte(nil), kp.Public[:]...),
		ProposedConfig:     e.cfg.Session,
		Reply:              reply,
	}
	if e.cfg.Binder != nil {
		proof, err := e.cfg.Binder.Prove(peer, kp.Public[:])
		if err != nil {
			kp.Zero()
			return nil, fmt.Errorf("identity proof: %w", err)
		}
		hs.IdentityProof = proof
	}

	e.pending[peer] = &pendingExchange{key: kp, createdAt: now}
	e.debugLog("key exchange initiated", "peer", peer.Short(), "reply", reply)
	return hs, nil
}

// PerformKeyExchange completes the pending exchange with peer using the
// peer's ephemeral public key. When ident is non-nil it must verify. cfg is
// the negotiated session config, or nil for the local proposal.
func (e *Engine) PerformKeyExchange(peer identity.PeerID, peerPub []byte, ident identity.Verifier, cfg *wire.SessionConfig) error {
	e.kexMu.Lock()
	defer e.kexMu.Unlock()
	return e.performLocked(peer, peerPub, ident, cfg)
}

func (e *Engine) performLocked(peer identity.PeerID, peerPub []byte, ident identity.Verifier, cfg *wire.SessionConfig) error {
	p, ok := e.pending[peer]
	if !ok {
		return ErrNoPendingExchange
	}

	session := e.cfg.Session
	if cfg != nil {
		session = *cfg
	}
	if err := session.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedHandshake, err)
	}

	if ident == nil && e.cfg.RequireIdentity {
		e.identityFailure(peer, "missing proof")
		return ErrIdentityVerification
	}
	if ident != nil && !ident.Verify() {
		e.identityFailure(peer, "invalid proof")
		return ErrIdentityVerification
	}

	secret, err := p.key.SharedSecret(peerPub)
	if err != nil {
		return err
	}
	defer clear(secret)

	now := e.cfg.Now()
	keys, err := newEpochKeys(secret, session.Cipher, 1, e.cfg.LocalID, peer, now)
	if err != nil {
		return err
	}

	p.key.Zero()
	delete(e.pending, peer)

	s := newPeerSession(peer, session, keys, ident, now)
	replaced := false
	if old := e.sessions.put(s); old != nil {
		old.mu.Lock()
		old.close()
		old.mu.Unlock()
		replaced = true
	}
	e.reassembler.RemovePeer(peer)

	e.stats.handshakes.Add(1)
	e.cfg.Metrics.ObserveHandshake("established")
	e.cfg.Metrics.SetSessions(e.sessions.len())
	e.emit(peer, log.Event{
		Layer:    log.LayerSession,
		Category: log.CategoryState,
		Epoch:    1,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntitySession,
			NewState: "ESTABLISHED",
			Reason:   session.Cipher.String(),
		},
	})
	if e.logger != nil {
		e.logger.Info("session established",
			"peer", peer.Short(),
			"cipher", session.Cipher.String(),
			"replaced", replaced)
	}
	return nil
}

// HandleHandshake processes a handshake from a peer. It returns a reply to
// send when the handshake opened a new exchange, or nil when it completed
// one we started (including a simultaneous open).
func (e *Engine) HandleHandshake(hs *wire.Handshake) (*wire.Handshake, error) {
	if err := hs.Validate(); err != nil {
		e.cfg.Metrics.ObserveHandshake("malformed")
		if errors.Is(err, wire.ErrUnknownCipher) {
			return nil, fmt.Errorf("%w: %v", ErrUnknownCipher, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedHandshake, err)
	}
	peer, err := identity.PeerIDFromBytes(hs.PeerID)
	if err != nil || peer == e.cfg.LocalID {
		e.cfg.Metrics.ObserveHandshake("malformed")
		return nil, fmt.Errorf("%w: bad peer id", ErrMalformedHandshake)
	}

	e.emit(peer, log.Event{
		Direction: log.DirectionIn,
		Layer:     log.LayerWire,
		Category:  log.CategoryHandshake,
		Handshake: handshakeEvent(hs),
	})

	e.kexMu.Lock()
	defer e.kexMu.Unlock()

	var ephemeral [curve25519.PointSize]byte
	copy(ephemeral[:], hs.EphemeralPublicKey)
	if e.seenKeys.Contains(ephemeral) {
		e.stats.handshakeReplays.Add(1)
		e.cfg.Metrics.ObserveHandshake("replay")
		e.emitSecurity(peer, 0, "handshake_replay")
		return nil, ErrHandshakeReplay
	}
	e.seenKeys.Add(ephemeral, struct{}{})

	var binding identity.Verifier
	switch {
	case len(hs.IdentityProof) > 0 && e.cfg.Binder != nil:
		binding, err = e.cfg.Binder.Bind(peer, hs.EphemeralPublicKey, hs.IdentityProof)
		if err != nil {
			e.identityFailure(peer, err.Error())
			return nil, fmt.Errorf("%w: %v", ErrIdentityVerification, err)
		}
	case e.cfg.RequireIdentity:
		e.identityFailure(peer, "missing proof")
		return nil, ErrIdentityVerification
	}

	negotiated := NegotiateConfig(e.cfg.Session, hs.ProposedConfig)

	now := e.cfg.Now()
	p, hasPending := e.pending[peer]
	if hasPending && now.Sub(p.createdAt) >= e.cfg.ExchangeTimeout {
		p.key.Zero()
		delete(e.pending, peer)
		hasPending = false
	}

	var reply *wire.Handshake
	switch {
	case hs.Reply && !hasPending:
		e.cfg.Metrics.ObserveHandshake("unsolicited")
		return nil, ErrNoPendingExchange
	case !hs.Reply && !hasPending:
		reply, err = e.initiateLocked(peer, true)
		if err != nil {
			return nil, err
		}
	}

	if err := e.performLocked(peer, hs.EphemeralPublicKey, binding, &negotiated); err != nil {
		if reply != nil {
			if p, ok := e.pending[peer]; ok {
				p.key.Zero()
				delete(e.pending, peer)
			}
		}
		e.cfg.Metrics.ObserveHandshake("failed")
		return nil, err
	}

	if reply != nil {
		e.emit(peer, log.Event{
			Direction: log.DirectionOut,
			Layer:     log.LayerWire,
			Category:  log.CategoryHandshake,
			Handshake: handshakeEvent(reply),
		})
	}
	return reply, nil
}

// HasPendingExchange reports whether a handshake with peer is in flight.
func (e *Engine) HasPendingExchange(peer identity.PeerID) bool {
	e.kexMu.Lock()
	defer e.kexMu.Unlock()
	_, ok := e.pending[peer]
	return ok
}

// CancelExchange drops an in-flight handshake with peer.
func (e *Engine) CancelExchange(peer identity.PeerID) {
	e.kexMu.Lock()
	defer e.kexMu.Unlock()
	if p, ok := e.pending[peer]; ok {
		p.key.Zero()
		delete(e.pending, peer)
	}
}

// expireExchanges drops handshakes older than ExchangeTimeout.
func (e *Engine) expireExchanges(now time.Time) int {
	e.kexMu.Lock()
	defer e.kexMu.Unlock()
	n := 0
	for peer, p := range e.pending {
		if now.Sub(p.createdAt) >= e.cfg.ExchangeTimeout {
			p.key.Zero()
			delete(e.pending, peer)
			n++
		}
	}
	return n
}

func handshakeEvent(hs *wire.Handshake) *log.HandshakeEvent {
	c := hs.ProposedConfig
	return &log.HandshakeEvent{
		Cipher:               c.Cipher.String(),
		HMACEnabled:          c.HMACEnabled,
		TimestampValidation:  c.TimestampValidation,
		FragmentationEnabled: c.FragmentationEnabled,
		MaxMessageSize:       c.MaxMessageSize,
		RotationInterval:     c.KeyRotationIntervalSeconds,
		CompressionEnabled:   c.CompressionEnabled,
		IdentityProof:        len(hs.IdentityProof) > 0,
		Reply:                hs.Reply,
	}
}
