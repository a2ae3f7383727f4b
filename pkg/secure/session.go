package secure

import (
	"crypto/hmac"
	"crypto/subtle"
	"math"
	"sync"
	"time"

	"github.com/meshsec/meshsec-go/pkg/identity"
	"github.com/meshsec/meshsec-go/pkg/wire"
)

// epochKeys is the key set for one epoch of a session.
type epochKeys struct {
	epoch   uint32
	send    *directionKeys
	recv    *directionKeys
	sendSeq uint64
	window  replayWindow

	installedAt time.Time

	// retireAt is set once a newer epoch took over sending. After it the
	// epoch is no longer accepted for receiving.
	retireAt time.Time

	// pending marks a next epoch installed by a rotation responder that
	// the initiator has not used yet.
	pending bool
}

func newEpochKeys(secret []byte, suite wire.CipherSuite, epoch uint32, local, remote identity.PeerID, now time.Time) (*epochKeys, error) {
	send, err := deriveDirection(secret, suite, epoch, local, remote)
	if err != nil {
		return nil, err
	}
	recv, err := deriveDirection(secret, suite, epoch, remote, local)
	if err != nil {
		send.zero()
		return nil, err
	}
	return &epochKeys{epoch: epoch, send: send, recv: recv, sendSeq: 1, installedAt: now}, nil
}

func (k *epochKeys) zero() {
	k.send.zero()
	k.recv.zero()
}

func (k *epochKeys) retired(now time.Time) bool {
	return !k.retireAt.IsZero() && !now.Before(k.retireAt)
}

// pendingRotation is the initiator side of an in-flight rotation.
type pendingRotation struct {
	target    uint32
	key       *KeyPair
	startedAt time.Time
}

// pendingConfirm is held by an initiator that switched to a new epoch but
// has not yet seen the responder use it. Until then the previous epoch
// stays receivable and REKEY_CONFIRM is resent.
type pendingConfirm struct {
	epoch       uint32
	activatedAt time.Time
	sentAt      time.Time
}

// peerSession is the record for one remote peer. All fields are guarded
// by mu.
type peerSession struct {
	mu sync.Mutex

	peer identity.PeerID
	cfg  wire.SessionConfig

	send     *epochKeys
	epochs   []*epochKeys
	rotation *pendingRotation
	confirm  *pendingConfirm
	binding  identity.Verifier

	// controlID numbers outgoing control messages so their fragments
	// reassemble independently of data messages.
	controlID uint16

	establishedAt time.Time
	lastActivity  time.Time
	rotatedAt     time.Time
	closed        bool
}

func newPeerSession(peer identity.PeerID, cfg wire.SessionConfig, keys *epochKeys, binding identity.Verifier, now time.Time) *peerSession {
	return &peerSession{
		peer:          peer,
		cfg:           cfg,
		send:          keys,
		epochs:        []*epochKeys{keys},
		binding:       binding,
		establishedAt: now,
		lastActivity:  now,
		rotatedAt:     now,
	}
}

// lookup returns the receive keys for epoch, or nil when the epoch is
// unknown or retired.
func (s *peerSession) lookup(epoch uint32, now time.Time) *epochKeys {
	for _, k := range s.epochs {
		if k.epoch == epoch {
			if k.retired(now) {
				return nil
			}
			return k
		}
	}
	return nil
}

// nextEpoch returns the pending next epoch, if any.
func (s *peerSession) nextEpoch() *epochKeys {
	for _, k := range s.epochs {
		if k.pending {
			return k
		}
	}
	return nil
}

// activate makes k the send epoch and schedules the previous one for
// retirement.
func (s *peerSession) activate(k *epochKeys, now time.Time, grace time.Duration) {
	k.pending = false
	if old := s.send; old != nil && old != k {
		old.retireAt = now.Add(grace)
	}
	s.send = k
	s.rotatedAt = now
}

// confirmed records that the peer sent under the current epoch. Older
// epochs kept past the grace period for a missing confirmation are cut
// back to it.
func (s *peerSession) confirmed(now time.Time, grace time.Duration) {
	s.confirm = nil
	limit := now.Add(grace)
	for _, k := range s.epochs {
		if k != s.send && k.retireAt.After(limit) {
			k.retireAt = limit
		}
	}
}

// prune zeroes and removes retired epochs and returns how many it removed.
func (s *peerSession) prune(now time.Time) int {
	kept := s.epochs[:0]
	removed := 0
	for _, k := range s.epochs {
		if k != s.send && k.retired(now) {
			k.zero()
			removed++
			continue
		}
		kept = append(kept, k)
	}
	clear(s.epochs[len(kept):])
	s.epochs = kept
	return removed
}

// drop zeroes and removes a specific epoch.
func (s *peerSession) drop(target *epochKeys) {
	kept := s.epochs[:0]
	for _, k := range s.epochs {
		if k == target {
			k.zero()
			continue
		}
		kept = append(kept, k)
	}
	clear(s.epochs[len(kept):])
	s.epochs = kept
}

// close zeroes every key held by the session.
func (s *peerSession) close() {
	for _, k := range s.epochs {
		k.zero()
	}
	s.epochs = nil
	s.send = nil
	if s.rotation != nil {
		s.rotation.key.Zero()
		s.rotation = nil
	}
	s.confirm = nil
	s.closed = true
}

// seal encrypts one payload under the current send epoch.
func (s *peerSession) seal(hint []byte, kind wire.FrameKind, flags wire.FrameFlags, msgID, index, count uint16, payload []byte, now time.Time) (*wire.Frame, error) {
	k := s.send
	if k.sendSeq == math.MaxUint64 {
		return nil, ErrSequenceExhausted
	}
	seq := k.sendSeq
	k.sendSeq++

	f := &wire.Frame{
		PeerIDHint:     hint,
		Epoch:          k.epoch,
		Kind:           kind,
		Flags:          flags,
		SequenceNumber: seq,
		Timestamp:      uint64(now.UnixMilli()),
		MessageID:      msgID,
		FragmentIndex:  index,
		FragmentCount:  count,
	}
	nonce := k.send.nonce(seq)
	f.Nonce = nonce[:]
	f.Ciphertext = k.send.aead.Seal(nil, f.Nonce, payload, f.Header())
	if s.cfg.HMACEnabled {
		f.AuthTag = k.send.tag(f)
	}
	return f, nil
}

// openLimits are the freshness bounds applied by open.
type openLimits struct {
	maxAge  time.Duration
	maxSkew time.Duration
}

// open runs every security check on f in order and commits its sequence
// number only when all of them pass.
func (s *peerSession) open(f *wire.Frame, now time.Time, lim openLimits) (*epochKeys, []byte, RejectReason) {
	k := s.lookup(f.Epoch, now)
	if k == nil {
		return nil, nil, RejectUnknownEpoch
	}

	if s.cfg.HMACEnabled {
		if len(f.AuthTag) != wire.AuthTagSize || !hmac.Equal(k.recv.tag(f), f.AuthTag) {
			return nil, nil, RejectBadTag
		}
	} else if len(f.AuthTag) != 0 {
		return nil, nil, RejectBadTag
	}

	if s.cfg.TimestampValidation {
		if f.Timestamp > math.MaxInt64 {
			return nil, nil, RejectStale
		}
		sent := time.UnixMilli(int64(f.Timestamp))
		if now.Sub(sent) > lim.maxAge || sent.Sub(now) > lim.maxSkew {
			return nil, nil, RejectStale
		}
	}

	if !k.window.check(f.SequenceNumber) {
		return nil, nil, RejectReplay
	}

	want := k.recv.nonce(f.SequenceNumber)
	if subtle.ConstantTimeCompare(want[:], f.Nonce) != 1 {
		return nil, nil, RejectDecrypt
	}
	plaintext, err := k.recv.aead.Open(nil, f.Nonce, f.Ciphertext, f.Header())
	if err != nil {
		return nil, nil, RejectDecrypt
	}

	k.window.commit(f.SequenceNumber)
	return k, plaintext, ""
}

// sessionTable maps peers to their session records. Its lock covers only
// insert, remove and lookup.
type sessionTable struct {
	mu       sync.RWMutex
	sessions map[identity.PeerID]*peerSession
}

func newSessionTable() *sessionTable {
	return &sessionTable{sessions: make(map[identity.PeerID]*peerSession)}
}

func (t *sessionTable) get(peer identity.PeerID) *peerSession {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessions[peer]
}

// put installs s and returns the record it replaced, if any.
func (t *sessionTable) put(s *peerSession) *peerSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	old := t.sessions[s.peer]
	t.sessions[s.peer] = s
	return old
}

func (t *sessionTable) remove(peer identity.PeerID) *peerSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.sessions[peer]
	delete(t.sessions, peer)
	return s
}

func (t *sessionTable) snapshot() []*peerSession {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*peerSession, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}
	return out
}

func (t *sessionTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}
