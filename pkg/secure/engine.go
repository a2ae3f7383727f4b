package secure

import (
	"bytes"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/klauspost/compress/s2"
	"golang.org/x/crypto/curve25519"

	"github.com/meshsec/meshsec-go/pkg/fragment"
	"github.com/meshsec/meshsec-go/pkg/identity"
	"github.com/meshsec/meshsec-go/pkg/log"
	"github.com/meshsec/meshsec-go/pkg/wire"
)

// controlBuffersPerPeer allows a REKEY and a REKEY_ACK from one peer to be
// in reassembly at the same time.
const controlBuffersPerPeer = 2

// Stats is a snapshot of engine counters.
type Stats struct {
	Sessions        int
	PendingExchange int

	Handshakes       uint64
	HandshakeReplays uint64
	IdentityFailures uint64

	FramesEncrypted uint64
	FramesDecrypted uint64

	RejectedBadTag       uint64
	RejectedStale        uint64
	RejectedReplay       uint64
	RejectedDecrypt      uint64
	RejectedUnknownEpoch uint64

	RotationsStarted   uint64
	RotationsCompleted uint64
	RotationsAbandoned uint64

	Reassembly fragment.Stats
}

// Rejected returns the total number of rejected frames.
func (s Stats) Rejected() uint64 {
	return s.RejectedBadTag + s.RejectedStale + s.RejectedReplay + s.RejectedDecrypt + s.RejectedUnknownEpoch
}

type counters struct {
	handshakes       atomic.Uint64
	handshakeReplays atomic.Uint64
	identityFailures atomic.Uint64
	encrypted        atomic.Uint64
	decrypted        atomic.Uint64
	badTag           atomic.Uint64
	stale            atomic.Uint64
	replay           atomic.Uint64
	decrypt          atomic.Uint64
	unknownEpoch     atomic.Uint64
	rotStarted       atomic.Uint64
	rotCompleted     atomic.Uint64
	rotAbandoned     atomic.Uint64
}

// SessionInfo describes an established session. It carries no key material.
type SessionInfo struct {
	Peer          identity.PeerID
	Config        wire.SessionConfig
	Epoch         uint32
	Rotating      bool
	EstablishedAt time.Time
	LastActivity  time.Time
	RotatedAt     time.Time
}

// Engine holds every peer session on a node. It is safe for concurrent
// use. Work on different peers proceeds in parallel; work on one peer is
// serialized by that peer's record lock.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	sessions    *sessionTable
	reassembler *fragment.Reassembler
	control     *fragment.Reassembler

	kexMu    sync.Mutex
	pending  map[identity.PeerID]*pendingExchange
	seenKeys *expirable.LRU[[curve25519.PointSize]byte, struct{}]

	stats counters
}

// NewEngine creates an engine from cfg.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &Engine{
		cfg:         cfg,
		logger:      cfg.Logger,
		sessions:    newSessionTable(),
		reassembler: fragment.NewReassembler(cfg.Reassembly),
		control: fragment.NewReassembler(fragment.Config{
			Timeout:           cfg.Reassembly.Timeout,
			MaxBuffersPerPeer: controlBuffersPerPeer,
			MaxMessageSize:    MaxPlaintextSize,
		}),
		pending:  make(map[identity.PeerID]*pendingExchange),
		seenKeys: expirable.NewLRU[[curve25519.PointSize]byte, struct{}](cfg.HandshakeReplaySize, nil, cfg.HandshakeReplayTTL),
	}, nil
}

// LocalID returns the local PeerID.
func (e *Engine) LocalID() identity.PeerID {
	return e.cfg.LocalID
}

// HasSession reports whether a session with peer is established.
func (e *Engine) HasSession(peer identity.PeerID) bool {
	return e.sessions.get(peer) != nil
}

// Session returns a description of the session with peer.
func (e *Engine) Session(peer identity.PeerID) (SessionInfo, bool) {
	s := e.sessions.get(peer)
	if s == nil {
		return SessionInfo{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return SessionInfo{}, false
	}
	return SessionInfo{
		Peer:          s.peer,
		Config:        s.cfg,
		Epoch:         s.send.epoch,
		Rotating:      s.rotation != nil || s.nextEpoch() != nil,
		EstablishedAt: s.establishedAt,
		LastActivity:  s.lastActivity,
		RotatedAt:     s.rotatedAt,
	}, true
}

// Peers returns the peers with an established session.
func (e *Engine) Peers() []identity.PeerID {
	snap := e.sessions.snapshot()
	out := make([]identity.PeerID, 0, len(snap))
	for _, s := range snap {
		out = append(out, s.peer)
	}
	return out
}

// RemovePeer destroys the session with peer, zeroing its keys, and drops
// any pending exchange and reassembly state.
func (e *Engine) RemovePeer(peer identity.PeerID) {
	e.CancelExchange(peer)
	if s := e.sessions.remove(peer); s != nil {
		s.mu.Lock()
		s.close()
		s.mu.Unlock()
		e.emit(peer, log.Event{
			Layer:    log.LayerSession,
			Category: log.CategoryState,
			StateChange: &log.StateChangeEvent{
				Entity:   log.StateEntitySession,
				OldState: "ESTABLISHED",
				NewState: "CLOSED",
			},
		})
	}
	e.reassembler.RemovePeer(peer)
	e.control.RemovePeer(peer)
	e.cfg.Metrics.SetSessions(e.sessions.len())
}

// MaxFragmentPayload returns the plaintext bytes that fit in one frame for
// a session config over a link with the given MTU.
func MaxFragmentPayload(mtu int, cfg wire.SessionConfig) int {
	return min(mtu, int(cfg.MaxMessageSize)+wire.FrameOverhead) - wire.FrameOverhead
}

// EncryptAndAuthenticate seals plaintext for peer. The result holds one
// frame per fragment, each independently authenticated.
func (e *Engine) EncryptAndAuthenticate(peer identity.PeerID, plaintext []byte, messageID uint16) ([]*wire.Frame, error) {
	start := time.Now()
	if len(plaintext) > MaxPlaintextSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(plaintext))
	}
	s := e.sessions.get(peer)
	if s == nil {
		return nil, ErrNoSession
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrNoSession
	}

	payload, flags := e.compress(s.cfg, plaintext)
	maxChunk := MaxFragmentPayload(e.cfg.MTU, s.cfg)
	if maxChunk <= 0 || (!s.cfg.FragmentationEnabled && len(payload) > maxChunk) {
		return nil, fmt.Errorf("%w: %d bytes, frame limit %d", ErrMessageTooLarge, len(payload), maxChunk)
	}
	chunks, err := fragment.Split(payload, maxChunk)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMessageTooLarge, err)
	}

	now := e.cfg.Now()
	hint := e.cfg.LocalID.Hint()
	frames := make([]*wire.Frame, 0, len(chunks))
	for _, c := range chunks {
		f, err := s.seal(hint, wire.KindData, flags, messageID, c.Index, c.Count, c.Data, now)
		if err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}
	s.lastActivity = now

	e.stats.encrypted.Add(uint64(len(frames)))
	e.cfg.Metrics.ObserveEncrypt(len(frames), time.Since(start))
	return frames, nil
}

func (e *Engine) compress(cfg wire.SessionConfig, plaintext []byte) ([]byte, wire.FrameFlags) {
	if !cfg.CompressionEnabled || len(plaintext) < e.cfg.CompressionThreshold {
		return plaintext, 0
	}
	c := s2.Encode(nil, plaintext)
	if len(c) >= len(plaintext) {
		return plaintext, 0
	}
	return c, wire.FlagCompressed
}

func decompress(data []byte) ([]byte, error) {
	n, err := s2.DecodedLen(data)
	if err != nil {
		return nil, err
	}
	if n > MaxPlaintextSize {
		return nil, fmt.Errorf("decompressed size %d exceeds %d", n, MaxPlaintextSize)
	}
	out, err := s2.Decode(nil, data)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []byte{}
	}
	return out, nil
}

// outbound is a control frame produced under a record lock and sent after
// the lock is released.
type outbound struct {
	peer   identity.PeerID
	frames []*wire.Frame

	// activated is the epoch the local side switched to, or zero.
	activated uint32
}

// DecryptAndVerify checks and decrypts a frame from peer. It returns the
// message and true once a whole message is available. Control frames are
// consumed internally and return false.
//
// Every cryptographic or freshness failure returns ErrFrameRejected. The
// specific reason is only visible in Stats, metrics and the protocol log.
func (e *Engine) DecryptAndVerify(peer identity.PeerID, f *wire.Frame) ([]byte, bool, error) {
	start := time.Now()
	if err := f.Validate(); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if !bytes.Equal(f.PeerIDHint, peer.Hint()) {
		return nil, false, fmt.Errorf("%w: hint does not match peer", ErrMalformedFrame)
	}
	s := e.sessions.get(peer)
	if s == nil {
		return nil, false, ErrNoSession
	}

	now := e.cfg.Now()
	lim := openLimits{maxAge: e.cfg.MaxMessageAge, maxSkew: e.cfg.MaxClockSkew}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, false, ErrNoSession
	}
	k, plaintext, reason := s.open(f, now, lim)
	if reason != "" {
		s.mu.Unlock()
		e.reject(peer, f, reason)
		return nil, false, ErrFrameRejected
	}
	s.lastActivity = now

	var activated bool
	if k.pending {
		s.activate(k, now, e.cfg.RotationGrace)
		activated = true
	}

	// An initiator waiting on the responder learns it switched from any
	// frame under the new epoch. Old-epoch traffic means the confirmation
	// may have been lost.
	var nudge *outbound
	if c := s.confirm; c != nil {
		if k.epoch == c.epoch {
			s.confirmed(now, e.cfg.RotationGrace)
		} else if now.Sub(c.sentAt) >= confirmRetryInterval {
			nudge = e.resendConfirmLocked(s, now)
		}
	}

	var (
		out    *outbound
		ctlErr error
	)
	if f.Kind != wire.KindData {
		ctl, whole, err := e.control.Reassemble(peer, f.MessageID, f.FragmentIndex, f.FragmentCount, plaintext)
		switch {
		case err != nil:
			ctlErr = fmt.Errorf("%w: %v", errControl, err)
		case whole:
			out, ctlErr = e.handleControlLocked(s, f.Kind, ctl, now)
		}
	}
	s.mu.Unlock()

	e.stats.decrypted.Add(1)
	e.cfg.Metrics.ObserveDecrypt(time.Since(start))
	if activated {
		e.rotationActivated(peer, k.epoch-1, k.epoch)
	}
	if nudge != nil {
		if err := e.deliver(nudge); err != nil {
			e.debugLog("rekey confirm resend failed", "peer", peer.Short(), "error", err)
		}
	}

	if f.Kind != wire.KindData {
		if out != nil {
			if out.activated != 0 {
				e.rotationActivated(peer, out.activated-1, out.activated)
			}
			if err := e.deliver(out); err != nil && ctlErr == nil {
				ctlErr = err
			}
		}
		return nil, false, ctlErr
	}

	msg, complete, err := e.reassembler.Reassemble(peer, f.MessageID, f.FragmentIndex, f.FragmentCount, plaintext)
	if err != nil || !complete {
		return nil, false, err
	}
	if f.Flags&wire.FlagCompressed != 0 {
		msg, err = decompress(msg)
		if err != nil {
			return nil, false, fmt.Errorf("%w: decompress: %v", ErrMalformedFrame, err)
		}
	}
	return msg, true, nil
}

func (e *Engine) reject(peer identity.PeerID, f *wire.Frame, reason RejectReason) {
	switch reason {
	case RejectBadTag:
		e.stats.badTag.Add(1)
	case RejectStale:
		e.stats.stale.Add(1)
	case RejectReplay:
		e.stats.replay.Add(1)
	case RejectDecrypt:
		e.stats.decrypt.Add(1)
	case RejectUnknownEpoch:
		e.stats.unknownEpoch.Add(1)
	}
	e.cfg.Metrics.ObserveReject(string(reason))
	e.emitSecurity(peer, f.SequenceNumber, string(reason))
	e.debugLog("frame rejected", "peer", peer.Short(), "reason", reason, "epoch", f.Epoch, "seq", f.SequenceNumber)
}

func (e *Engine) deliver(out *outbound) error {
	if e.cfg.Send == nil {
		return ErrNoSender
	}
	return e.cfg.Send(out.peer, out.frames)
}

// Stats returns a snapshot of engine counters.
func (e *Engine) Stats() Stats {
	e.kexMu.Lock()
	pending := len(e.pending)
	e.kexMu.Unlock()
	return Stats{
		Sessions:             e.sessions.len(),
		PendingExchange:      pending,
		Handshakes:           e.stats.handshakes.Load(),
		HandshakeReplays:     e.stats.handshakeReplays.Load(),
		IdentityFailures:     e.stats.identityFailures.Load(),
		FramesEncrypted:      e.stats.encrypted.Load(),
		FramesDecrypted:      e.stats.decrypted.Load(),
		RejectedBadTag:       e.stats.badTag.Load(),
		RejectedStale:        e.stats.stale.Load(),
		RejectedReplay:       e.stats.replay.Load(),
		RejectedDecrypt:      e.stats.decrypt.Load(),
		RejectedUnknownEpoch: e.stats.unknownEpoch.Load(),
		RotationsStarted:     e.stats.rotStarted.Load(),
		RotationsCompleted:   e.stats.rotCompleted.Load(),
		RotationsAbandoned:   e.stats.rotAbandoned.Load(),
		Reassembly:           e.reassembler.Stats(),
	}
}

// ReassemblyStats returns the reassembler counters.
func (e *Engine) ReassemblyStats() fragment.Stats {
	return e.reassembler.Stats()
}

func (e *Engine) identityFailure(peer identity.PeerID, detail string) {
	e.stats.identityFailures.Add(1)
	e.cfg.Metrics.ObserveIdentityFailure()
	e.emitSecurity(peer, 0, "identity")
	if e.logger != nil {
		e.logger.Warn("identity verification failed", "peer", peer.Short(), "detail", detail)
	}
}

func (e *Engine) emit(peer identity.PeerID, ev log.Event) {
	if e.cfg.ProtocolLogger == nil {
		return
	}
	ev.PeerID = peer.String()
	if e.cfg.ConnectionID != nil {
		ev.ConnectionID = e.cfg.ConnectionID(peer)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.cfg.Now()
	}
	e.cfg.ProtocolLogger.Log(ev)
}

func (e *Engine) emitSecurity(peer identity.PeerID, seq uint64, reason string) {
	e.emit(peer, log.Event{
		Direction: log.DirectionIn,
		Layer:     log.LayerSecurity,
		Category:  log.CategorySecurity,
		Security:  &log.SecurityEvent{Reason: reason, Sequence: seq},
	})
}

// debugLog logs a debug message if logging is enabled.
func (e *Engine) debugLog(msg string, args ...any) {
	if e.logger != nil {
		e.logger.Debug(msg, args...)
	}
}
