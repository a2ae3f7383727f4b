package secure

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meshsec/meshsec-go/pkg/fragment"
	"github.com/meshsec/meshsec-go/pkg/identity"
	"github.com/meshsec/meshsec-go/pkg/log"
	"github.com/meshsec/meshsec-go/pkg/wire"
)

// DefaultCheckInterval is how often the RotationController runs.
const DefaultCheckInterval = time.Hour

// confirmRetryInterval limits how often an initiator waiting for the
// responder to switch epochs resends REKEY_CONFIRM from the receive path.
const confirmRetryInterval = time.Second

var errControl = errors.New("invalid control frame")

// RotatePeerKeys starts moving the session with peer to the next epoch.
// It returns nil without doing anything while a rotation is already in
// progress.
func (e *Engine) RotatePeerKeys(peer identity.PeerID) error {
	s := e.sessions.get(peer)
	if s == nil {
		return ErrNoSession
	}
	if e.cfg.Send == nil {
		return ErrNoSender
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrNoSession
	}
	if s.rotation != nil || s.nextEpoch() != nil {
		s.mu.Unlock()
		return nil
	}

	kp, err := GenerateKeypair()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	target := s.send.epoch + 1
	frames, err := e.sealRekeyLocked(s, wire.KindRekey, target, kp)
	if err != nil {
		s.mu.Unlock()
		kp.Zero()
		return err
	}
	s.rotation = &pendingRotation{target: target, key: kp, startedAt: e.cfg.Now()}
	s.mu.Unlock()

	e.stats.rotStarted.Add(1)
	e.cfg.Metrics.ObserveRotation("started")
	e.emitRotation(peer, log.RotationStarted, target-1, target)
	e.debugLog("key rotation started", "peer", peer.Short(), "epoch", target)

	return e.deliver(&outbound{peer: peer, frames: frames})
}

// sealRekeyLocked builds a REKEY or REKEY_ACK message under the current
// send epoch, split into as many frames as the MTU requires. Caller holds
// s.mu.
func (e *Engine) sealRekeyLocked(s *peerSession, kind wire.FrameKind, target uint32, kp *KeyPair) ([]*wire.Frame, error) {
	msg := &wire.Rekey{Epoch: target, EphemeralPublicKey: append([]byte(nil), kp.Public[:]...)}
	if e.cfg.Binder != nil {
		proof, err := e.cfg.Binder.Prove(s.peer, kp.Public[:])
		if err != nil {
			return nil, fmt.Errorf("identity proof: %w", err)
		}
		msg.IdentityProof = proof
	}
	payload, err := wire.EncodeRekey(msg)
	if err != nil {
		return nil, err
	}
	return e.sealControlLocked(s, kind, payload, e.cfg.Now())
}

// sealControlLocked seals a control payload, fragmenting it like a data
// message when it does not fit in one frame. Caller holds s.mu.
func (e *Engine) sealControlLocked(s *peerSession, kind wire.FrameKind, payload []byte, now time.Time) ([]*wire.Frame, error) {
	maxChunk := MaxFragmentPayload(e.cfg.MTU, s.cfg)
	if maxChunk <= 0 || (!s.cfg.FragmentationEnabled && len(payload) > maxChunk) {
		return nil, fmt.Errorf("%w: %s is %d bytes, frame limit %d", ErrMessageTooLarge, kind, len(payload), maxChunk)
	}
	chunks, err := fragment.Split(payload, maxChunk)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMessageTooLarge, err)
	}
	s.controlID++
	hint := e.cfg.LocalID.Hint()
	frames := make([]*wire.Frame, 0, len(chunks))
	for _, c := range chunks {
		f, err := s.seal(hint, kind, 0, s.controlID, c.Index, c.Count, c.Data, now)
		if err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}
	return frames, nil
}

// resendConfirmLocked seals another REKEY_CONFIRM for an initiator still
// waiting on the responder. Caller holds s.mu.
func (e *Engine) resendConfirmLocked(s *peerSession, now time.Time) *outbound {
	c := s.confirm
	if c == nil || c.epoch != s.send.epoch {
		return nil
	}
	frames, err := e.sealControlLocked(s, wire.KindRekeyConfirm, []byte{}, now)
	if err != nil {
		e.debugLog("rekey confirm resend failed", "peer", s.peer.Short(), "error", err)
		return nil
	}
	c.sentAt = now
	return &outbound{peer: s.peer, frames: frames}
}

// pendingLifetime bounds how long either side of a rotation waits for the
// other to start using the new epoch.
func (e *Engine) pendingLifetime() time.Duration {
	return e.cfg.RotationGrace + e.cfg.RekeyTimeout
}

// handleControlLocked processes an authenticated control frame. Caller
// holds s.mu. Frames to send are returned for delivery after unlock.
func (e *Engine) handleControlLocked(s *peerSession, kind wire.FrameKind, payload []byte, now time.Time) (*outbound, error) {
	switch kind {
	case wire.KindRekey:
		return e.onRekeyLocked(s, payload, now)
	case wire.KindRekeyAck:
		return e.onRekeyAckLocked(s, payload, now)
	case wire.KindRekeyConfirm:
		// Receiving the frame under the new epoch already activated it.
		return nil, nil
	}
	return nil, fmt.Errorf("%w: kind %s", errControl, kind)
}

// verifyRekeyProof applies the identity policy to a rotation message.
func (e *Engine) verifyRekeyProof(s *peerSession, msg *wire.Rekey) error {
	if e.cfg.Binder == nil || (len(msg.IdentityProof) == 0 && !e.cfg.RequireIdentity) {
		return nil
	}
	if len(msg.IdentityProof) == 0 {
		e.identityFailure(s.peer, "missing proof on rekey")
		return ErrIdentityVerification
	}
	v, err := e.cfg.Binder.Bind(s.peer, msg.EphemeralPublicKey, msg.IdentityProof)
	if err != nil || !v.Verify() {
		e.identityFailure(s.peer, "invalid proof on rekey")
		return ErrIdentityVerification
	}
	s.binding = v
	return nil
}

// onRekeyLocked is the responder side: install the next epoch for
// receiving and answer with REKEY_ACK under the current epoch.
func (e *Engine) onRekeyLocked(s *peerSession, payload []byte, now time.Time) (*outbound, error) {
	msg, err := wire.DecodeRekey(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errControl, err)
	}
	if msg.Epoch != s.send.epoch+1 {
		e.debugLog("rekey for unexpected epoch", "peer", s.peer.Short(), "epoch", msg.Epoch, "current", s.send.epoch)
		return nil, nil
	}
	if next := s.nextEpoch(); next != nil {
		// A new REKEY for an epoch already acknowledged means the
		// initiator gave up on our REKEY_ACK. Start over with its key.
		s.drop(next)
	}

	if s.rotation != nil {
		// Both sides started a rotation. The lower PeerID keeps the
		// initiator role; the other side abandons its own attempt.
		if bytes.Compare(e.cfg.LocalID[:], s.peer[:]) < 0 {
			return nil, nil
		}
		s.rotation.key.Zero()
		s.rotation = nil
		e.stats.rotAbandoned.Add(1)
		e.cfg.Metrics.ObserveRotation("yielded")
	}

	if err := e.verifyRekeyProof(s, msg); err != nil {
		return nil, err
	}

	kp, err := GenerateKeypair()
	if err != nil {
		return nil, err
	}
	defer kp.Zero()

	secret, err := kp.SharedSecret(msg.EphemeralPublicKey)
	if err != nil {
		return nil, err
	}
	defer clear(secret)

	next, err := newEpochKeys(secret, s.cfg.Cipher, msg.Epoch, e.cfg.LocalID, s.peer, now)
	if err != nil {
		return nil, err
	}
	next.pending = true

	ack, err := e.sealRekeyLocked(s, wire.KindRekeyAck, msg.Epoch, kp)
	if err != nil {
		next.zero()
		return nil, err
	}
	s.epochs = append(s.epochs, next)

	e.cfg.Metrics.ObserveRotation("acknowledged")
	e.emitRotation(s.peer, log.RotationAcknowledged, msg.Epoch-1, msg.Epoch)
	return &outbound{peer: s.peer, frames: ack}, nil
}

// onRekeyAckLocked is the initiator side: switch to the new epoch and
// confirm under it. The old epoch stays receivable until the responder is
// seen on the new one, bounded by pendingLifetime.
func (e *Engine) onRekeyAckLocked(s *peerSession, payload []byte, now time.Time) (*outbound, error) {
	msg, err := wire.DecodeRekey(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errControl, err)
	}
	r := s.rotation
	if r == nil || msg.Epoch != r.target {
		return nil, nil
	}
	if err := e.verifyRekeyProof(s, msg); err != nil {
		return nil, err
	}

	secret, err := r.key.SharedSecret(msg.EphemeralPublicKey)
	if err != nil {
		return nil, err
	}
	defer clear(secret)

	next, err := newEpochKeys(secret, s.cfg.Cipher, r.target, e.cfg.LocalID, s.peer, now)
	if err != nil {
		return nil, err
	}
	r.key.Zero()
	s.rotation = nil
	s.epochs = append(s.epochs, next)
	s.activate(next, now, e.pendingLifetime())
	s.confirm = &pendingConfirm{epoch: next.epoch, activatedAt: now, sentAt: now}

	confirm, err := e.sealControlLocked(s, wire.KindRekeyConfirm, []byte{}, now)
	if err != nil {
		return nil, err
	}

	return &outbound{peer: s.peer, frames: confirm, activated: next.epoch}, nil
}

func (e *Engine) rotationActivated(peer identity.PeerID, from, to uint32) {
	e.stats.rotCompleted.Add(1)
	e.cfg.Metrics.ObserveRotation("activated")
	e.emitRotation(peer, log.RotationActivated, from, to)
	if e.logger != nil {
		e.logger.Info("session keys rotated", "peer", peer.Short(), "epoch", to)
	}
	if e.cfg.OnRotation != nil {
		e.cfg.OnRotation(peer, to)
	}
}

func (e *Engine) emitRotation(peer identity.PeerID, phase log.RotationPhase, from, to uint32) {
	e.emit(peer, log.Event{
		Layer:    log.LayerSession,
		Category: log.CategoryControl,
		Epoch:    to,
		Rotation: &log.RotationEvent{Phase: phase, FromEpoch: from, ToEpoch: to},
	})
}

// MaintenanceResult summarizes one Maintain pass.
type MaintenanceResult struct {
	Retired          int
	Abandoned        int
	Rotated          int
	ExpiredExchanges int
	RotationFailures int
	ConfirmsResent   int
}

// Maintain retires epochs past their grace period, abandons rotations
// that did not complete within RekeyTimeout, resends REKEY_CONFIRM to
// responders that have not switched yet, expires stale handshakes and
// starts rotations for sessions older than their negotiated interval.
//
// A responder keeps an acknowledged next epoch for RotationGrace plus
// RekeyTimeout, the same bound the initiator keeps its old epoch while
// waiting for confirmation.
func (e *Engine) Maintain() MaintenanceResult {
	now := e.cfg.Now()
	var res MaintenanceResult
	res.ExpiredExchanges = e.expireExchanges(now)

	var (
		due    []identity.PeerID
		resend []*outbound
	)
	for _, s := range e.sessions.snapshot() {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			continue
		}
		if n := s.prune(now); n > 0 {
			res.Retired += n
			e.emitRotation(s.peer, log.RotationRetired, s.send.epoch-1, s.send.epoch)
		}
		if r := s.rotation; r != nil && now.Sub(r.startedAt) >= e.cfg.RekeyTimeout {
			r.key.Zero()
			s.rotation = nil
			res.Abandoned++
			e.emitRotation(s.peer, log.RotationAbandoned, r.target-1, r.target)
		}
		if next := s.nextEpoch(); next != nil && now.Sub(next.installedAt) >= e.pendingLifetime() {
			s.drop(next)
			res.Abandoned++
			e.emitRotation(s.peer, log.RotationAbandoned, next.epoch-1, next.epoch)
		}
		if c := s.confirm; c != nil {
			if now.Sub(c.activatedAt) >= e.pendingLifetime() {
				s.confirm = nil
				e.debugLog("rekey confirm unanswered", "peer", s.peer.Short(), "epoch", c.epoch)
			} else if out := e.resendConfirmLocked(s, now); out != nil {
				resend = append(resend, out)
			}
		}
		interval := time.Duration(s.cfg.KeyRotationIntervalSeconds) * time.Second
		if interval > 0 && s.rotation == nil && s.nextEpoch() == nil && now.Sub(s.rotatedAt) >= interval {
			due = append(due, s.peer)
		}
		s.mu.Unlock()
	}

	for _, out := range resend {
		if err := e.deliver(out); err != nil {
			e.debugLog("rekey confirm resend failed", "peer", out.peer.Short(), "error", err)
			continue
		}
		res.ConfirmsResent++
	}

	if res.Abandoned > 0 {
		e.stats.rotAbandoned.Add(uint64(res.Abandoned))
		for range res.Abandoned {
			e.cfg.Metrics.ObserveRotation("abandoned")
		}
	}

	for _, peer := range due {
		if err := e.RotatePeerKeys(peer); err != nil {
			res.RotationFailures++
			e.debugLog("scheduled rotation failed", "peer", peer.Short(), "error", err)
			continue
		}
		res.Rotated++
	}
	return res
}

// RotationController runs Engine.Maintain periodically.
type RotationController struct {
	engine   *Engine
	interval time.Duration

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
}

// NewRotationController creates a controller that runs every interval, or
// DefaultCheckInterval when interval is zero.
func NewRotationController(engine *Engine, interval time.Duration) *RotationController {
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	return &RotationController{engine: engine, interval: interval}
}

// Start launches the maintenance goroutine. Calling Start on a running
// controller does nothing.
func (c *RotationController) Start(ctx context.Context) {
	if !c.running.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.RunOnce()
			}
		}
	}()
}

// RunOnce performs a single maintenance pass.
func (c *RotationController) RunOnce() MaintenanceResult {
	res := c.engine.Maintain()
	if res != (MaintenanceResult{}) {
		c.engine.debugLog("rotation maintenance",
			"retired", res.Retired,
			"abandoned", res.Abandoned,
			"rotated", res.Rotated,
			"confirms_resent", res.ConfirmsResent,
			"expired_exchanges", res.ExpiredExchanges)
	}
	return res
}

// Stop halts the goroutine and waits for it to exit.
func (c *RotationController) Stop() {
	if !c.running.CompareAndSwap(true, false) {
		return
	}
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	cancel()
	c.wg.Wait()
}

// Running reports whether the controller goroutine is active.
func (c *RotationController) Running() bool {
	return c.running.Load()
}
