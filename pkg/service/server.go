package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/meshsec/meshsec-go/pkg/identity"
	"github.com/meshsec/meshsec-go/pkg/log"
	"github.com/meshsec/meshsec-go/pkg/priority"
	"github.com/meshsec/meshsec-go/pkg/queue"
	"github.com/meshsec/meshsec-go/pkg/secure"
	"github.com/meshsec/meshsec-go/pkg/transport"
	"github.com/meshsec/meshsec-go/pkg/wire"
)

// linkDisconnecter is implemented by links that can drop a single peer.
type linkDisconnecter interface {
	Disconnect(peer identity.PeerID)
}

// Server is the secure session server. It implements transport.Handler.
type Server struct {
	cfg    Config
	link   transport.Link
	engine *secure.Engine
	ranks  *priority.Manager
	queue  *queue.Queue[Message]
	rotor  *secure.RotationController
	now    func() time.Time
	logger *slog.Logger

	clients  *clientTable
	limiters *lru.Cache[identity.PeerID, *rate.Limiter]

	mu     sync.Mutex
	state  ServiceState
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	rateLimited    atomic.Uint64
	shed           atomic.Uint64
	evicted        atomic.Uint64
	refused        atomic.Uint64
	securityErrors atomic.Uint64
	malformed      atomic.Uint64
}

var _ transport.Handler = (*Server)(nil)

// NewServer creates a server on link and installs itself as the link's
// handler.
func NewServer(cfg Config, link transport.Link) (*Server, error) {
	if link == nil {
		return nil, fmt.Errorf("%w: link is required", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		cfg:     cfg,
		link:    link,
		ranks:   priority.NewManager(),
		logger:  cfg.Logger,
		clients: newClientTable(),
	}

	sc := cfg.Secure
	if sc.Now == nil {
		sc.Now = time.Now
	}
	s.now = sc.Now
	sc.MTU = link.MTU()
	sc.Reassembly.Ranker = s.ranks
	sc.Send = s.sendFrames
	sc.OnRotation = s.onRotation
	sc.ConnectionID = s.connectionID
	if sc.Metrics == nil {
		sc.Metrics = cfg.Metrics
	}
	if sc.ProtocolLogger == nil {
		sc.ProtocolLogger = cfg.ProtocolLogger
	}
	if sc.Logger == nil {
		sc.Logger = cfg.Logger
	}

	engine, err := secure.NewEngine(sc)
	if err != nil {
		return nil, err
	}
	s.engine = engine

	q, err := queue.New[Message](cfg.Queue)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	s.queue = q

	// Limiters outlive disconnects so reconnecting does not refill the
	// bucket.
	limiters, err := lru.New[identity.PeerID, *rate.Limiter](4 * cfg.MaxClients)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	s.limiters = limiters

	s.rotor = secure.NewRotationController(engine, cfg.RotationCheckInterval)
	link.SetHandler(s)
	return s, nil
}

// Start launches the maintenance loop and the key rotation controller.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return ErrAlreadyStarted
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.state = StateRunning

	s.rotor.Start(s.ctx)
	s.wg.Add(1)
	go s.maintenanceLoop(s.ctx)

	if s.logger != nil {
		s.logger.Info("server started", "peer", s.engine.LocalID().Short(), "mtu", s.link.MTU())
	}
	return nil
}

// Stop halts background work, disconnects every client and closes the
// inbound queue. The link stays open; its owner closes it.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.state = StateStopped
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.rotor.Stop()
	s.wg.Wait()

	for _, c := range s.clients.snapshot() {
		s.disconnect(c.peer, "server stopped", true)
	}
	s.queue.Close()

	if s.logger != nil {
		s.logger.Info("server stopped")
	}
	return nil
}

// ServiceState returns the server lifecycle state.
func (s *Server) ServiceState() ServiceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Server) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}

// LocalID returns this server's PeerID.
func (s *Server) LocalID() identity.PeerID { return s.engine.LocalID() }

// Messages returns the inbound message queue.
func (s *Server) Messages() *queue.Queue[Message] { return s.queue }

// HandlePeerConnected implements transport.Handler.
func (s *Server) HandlePeerConnected(peer identity.PeerID, addr string) {
	if err := s.HandleClientConnected(peer, addr); err != nil {
		s.debugLog("client refused", "peer", peer.Short(), "addr", addr, "error", err)
	}
}

// HandlePeerDisconnected implements transport.Handler.
func (s *Server) HandlePeerDisconnected(peer identity.PeerID) {
	s.disconnect(peer, "link closed", false)
}

// HandleClientConnected registers a newly connected peer and, when
// configured, starts a handshake with it. A peer that is already
// connected keeps its state.
func (s *Server) HandleClientConnected(peer identity.PeerID, addr string) error {
	c, added, err := s.admit(peer, addr)
	if err != nil {
		return err
	}
	if added && s.cfg.InitiateOnConnect && !s.engine.HasSession(peer) {
		return s.initiate(c)
	}
	return nil
}

// InitiateHandshake starts a key exchange with a connected client.
func (s *Server) InitiateHandshake(peer identity.PeerID) error {
	c := s.clients.get(peer)
	if c == nil {
		return ErrUnknownClient
	}
	return s.initiate(c)
}

func (s *Server) admit(peer identity.PeerID, addr string) (*client, bool, error) {
	if s.ServiceState() == StateStopped {
		return nil, false, ErrNotStarted
	}
	if c := s.clients.get(peer); c != nil {
		if addr != "" {
			c.mu.Lock()
			c.addr = addr
			c.mu.Unlock()
		}
		return c, false, nil
	}

	if s.clients.len() >= s.cfg.MaxClients && !s.evictFor(peer) {
		s.refused.Add(1)
		s.cfg.Metrics.ObserveEviction("refused")
		if d, ok := s.link.(linkDisconnecter); ok {
			d.Disconnect(peer)
		}
		return nil, false, ErrServerFull
	}

	c, added := s.clients.add(newClient(peer, addr, s.limiter(peer), s.now()))
	if !added {
		return c, false, nil
	}
	if _, ok := s.ranks.Record(peer); !ok {
		s.ranks.SetPriority(peer, s.cfg.DefaultTier)
	}
	s.cfg.Metrics.SetClients(s.clients.len())
	s.emitState(c, ClientDisconnected, ClientConnected, addr)
	if s.logger != nil {
		s.logger.Info("client connected", "peer", peer.Short(), "addr", addr, "conn_id", c.connID)
	}
	return c, true, nil
}

// evictFor disconnects the lowest-ranked client if it ranks below the
// newcomer.
func (s *Server) evictFor(newcomer identity.PeerID) bool {
	ranked := s.ClientsByPriority()
	if len(ranked) == 0 {
		return false
	}
	lowest := ranked[len(ranked)-1]
	if s.ranks.Score(lowest) >= s.newcomerScore(newcomer) {
		return false
	}
	s.disconnect(lowest, "evicted for higher priority client", true)
	s.evicted.Add(1)
	s.cfg.Metrics.ObserveEviction("priority")
	return true
}

// newcomerScore is the score a connecting peer will have once admitted: its
// preset priority if one was set, otherwise a fresh DefaultTier record.
func (s *Server) newcomerScore(peer identity.PeerID) float64 {
	if rec, ok := s.ranks.Record(peer); ok {
		return rec.Score
	}
	return priority.DefaultScore(s.cfg.DefaultTier)
}

func (s *Server) limiter(peer identity.PeerID) *rate.Limiter {
	if l, ok := s.limiters.Get(peer); ok {
		return l
	}
	l := rate.NewLimiter(s.cfg.RateLimit, s.cfg.RateBurst)
	s.limiters.Add(peer, l)
	return l
}

func (s *Server) initiate(c *client) error {
	hs, err := s.engine.Initiate(c.peer)
	if err != nil {
		return err
	}
	data, err := wire.EncodeHandshake(hs)
	if err == nil {
		err = s.checkPacketSize(data)
	}
	if err != nil {
		s.engine.CancelExchange(c.peer)
		return err
	}
	// The exchange may complete synchronously during Send on an in-memory
	// link, so mark the client pending first.
	if old, ok := c.transition(ClientKeyExchangePending, s.now()); ok {
		s.emitState(c, old, ClientKeyExchangePending, "handshake sent")
	}
	if err := s.link.Send(c.peer, data); err != nil {
		s.engine.CancelExchange(c.peer)
		if old, ok := c.transition(ClientConnected, s.now()); ok {
			s.emitState(c, old, ClientConnected, "handshake send failed")
		}
		return fmt.Errorf("send handshake: %w", err)
	}
	return nil
}

// DisconnectClient removes a client and destroys its session. Calling it
// for an unknown or already disconnected client does nothing.
func (s *Server) DisconnectClient(peer identity.PeerID, reason string) {
	s.disconnect(peer, reason, true)
}

func (s *Server) disconnect(peer identity.PeerID, reason string, closeLink bool) {
	c := s.clients.remove(peer)
	if c == nil {
		return
	}
	c.mu.Lock()
	old := c.state
	c.state = ClientDisconnected
	c.mu.Unlock()

	s.engine.RemovePeer(peer)
	s.ranks.Remove(peer)
	s.cfg.Metrics.SetClients(s.clients.len())
	s.emitState(c, old, ClientDisconnected, reason)
	if s.logger != nil {
		s.logger.Info("client disconnected", "peer", peer.Short(), "reason", reason)
	}

	if closeLink {
		if d, ok := s.link.(linkDisconnecter); ok {
			d.Disconnect(peer)
		}
	}
}

// SendToClient encrypts data for peer and sends every resulting frame.
func (s *Server) SendToClient(peer identity.PeerID, data []byte) error {
	c := s.clients.get(peer)
	if c == nil {
		return ErrUnknownClient
	}
	switch c.currentState() {
	case ClientDisconnected:
		return ErrUnknownClient
	case ClientKeyExchangePending:
		return ErrKeyExchangePending
	case ClientConnected:
		return ErrNoSession
	}

	frames, err := s.engine.EncryptAndAuthenticate(peer, data, c.messageID())
	if err != nil {
		if errors.Is(err, secure.ErrNoSession) {
			return ErrNoSession
		}
		return err
	}
	return s.sendFrames(peer, frames)
}

func (s *Server) sendFrames(peer identity.PeerID, frames []*wire.Frame) error {
	for _, f := range frames {
		data, err := wire.EncodeFrame(f)
		if err != nil {
			return err
		}
		if err := s.link.Send(peer, data); err != nil {
			return fmt.Errorf("send frame: %w", err)
		}
	}
	return nil
}

// HandleData implements transport.Handler. Data from a peer the link has
// not announced registers it implicitly.
func (s *Server) HandleData(peer identity.PeerID, data []byte) {
	c := s.clients.get(peer)
	if c == nil {
		var err error
		if c, _, err = s.admit(peer, ""); err != nil {
			return
		}
	}

	if !c.limiter.Allow() {
		s.rateLimited.Add(1)
		s.cfg.Metrics.ObserveRateLimited()
		s.debugLog("packet rate limited", "peer", peer.Short())
		return
	}
	now := s.now()
	c.touch(now)

	pkt, err := wire.DecodePacket(data)
	if err != nil {
		s.malformed.Add(1)
		s.emitError(c, err, "decode packet")
		s.debugLog("malformed packet", "peer", peer.Short(), "size", len(data), "error", err)
		return
	}
	switch {
	case pkt.Handshake != nil:
		s.handleHandshake(c, pkt.Handshake)
	case pkt.Frame != nil:
		s.handleFrame(c, pkt.Frame, now)
	}
}

func (s *Server) handleHandshake(c *client, hs *wire.Handshake) {
	if !bytes.Equal(hs.PeerID, c.peer[:]) {
		s.malformed.Add(1)
		s.emitError(c, secure.ErrMalformedHandshake, "handshake peer does not match link peer")
		s.debugLog("handshake from mismatched peer", "peer", c.peer.Short())
		return
	}

	reply, err := s.engine.HandleHandshake(hs)
	if err != nil {
		if secure.IsSecurityError(err) {
			s.securityError(c, err)
		} else {
			s.malformed.Add(1)
			s.debugLog("handshake failed", "peer", c.peer.Short(), "error", err)
		}
		return
	}

	var data []byte
	if reply != nil {
		data, err = wire.EncodeHandshake(reply)
		if err == nil {
			err = s.checkPacketSize(data)
		}
		if err != nil {
			// The initiator can never complete, so do not keep the
			// session this side just derived.
			s.engine.RemovePeer(c.peer)
			if old, ok := c.transition(ClientConnected, s.now()); ok {
				s.emitState(c, old, ClientConnected, "handshake reply not sendable")
			}
			s.debugLog("handshake reply failed", "peer", c.peer.Short(), "error", err)
			return
		}
	}

	if s.engine.HasSession(c.peer) {
		if old, ok := c.transition(ClientEstablished, s.now()); ok {
			s.emitState(c, old, ClientEstablished, "handshake complete")
		}
	}
	if data != nil {
		if err := s.link.Send(c.peer, data); err != nil {
			s.debugLog("handshake reply failed", "peer", c.peer.Short(), "error", err)
		}
	}
}

// checkPacketSize rejects a packet the link cannot carry in one piece.
// Handshakes are never fragmented.
func (s *Server) checkPacketSize(data []byte) error {
	mtu := s.link.MTU()
	if len(data) <= mtu {
		return nil
	}
	if oc, ok := s.link.(transport.OversizeCarrier); ok && oc.CarriesOversize() {
		return nil
	}
	return fmt.Errorf("%w: %d byte handshake, link mtu %d", secure.ErrMessageTooLarge, len(data), mtu)
}

func (s *Server) handleFrame(c *client, f *wire.Frame, now time.Time) {
	msg, complete, err := s.engine.DecryptAndVerify(c.peer, f)
	if err != nil {
		switch {
		case errors.Is(err, secure.ErrFrameRejected):
			latency := uint32(0)
			if rec, ok := s.ranks.Record(c.peer); ok {
				latency = rec.LatencyMs
			}
			s.ranks.UpdateMetrics(c.peer, latency, false)
			s.securityError(c, err)
		case errors.Is(err, secure.ErrMalformedFrame):
			s.malformed.Add(1)
			s.debugLog("malformed frame", "peer", c.peer.Short(), "error", err)
		default:
			s.debugLog("frame dropped", "peer", c.peer.Short(), "error", err)
		}
		return
	}

	s.ranks.UpdateMetrics(c.peer, oneWayLatency(now, f.Timestamp), true)
	s.refreshState(c, "")
	if complete {
		s.enqueue(c, msg, now)
	}
}

// oneWayLatency derives latency from the sender's frame timestamp,
// clamped to zero when clocks disagree.
func oneWayLatency(now time.Time, sentMs uint64) uint32 {
	d := now.UnixMilli() - int64(sentMs)
	if d < 0 {
		return 0
	}
	return uint32(min(d, math.MaxUint32))
}

func (s *Server) enqueue(c *client, data []byte, now time.Time) {
	if capacity := s.queue.Cap(); capacity > 0 &&
		float64(s.queue.Len()) >= s.cfg.ShedThreshold*float64(capacity) &&
		s.ranks.Tier(c.peer) == priority.TierLow {
		s.shed.Add(1)
		s.cfg.Metrics.ObserveShed()
		s.debugLog("message shed", "peer", c.peer.Short(), "queue_len", s.queue.Len())
		return
	}
	if err := s.queue.Send(s.context(), Message{Peer: c.peer, Data: data, ReceivedAt: now}); err != nil {
		s.debugLog("inbound message dropped", "peer", c.peer.Short(), "error", err)
	}
}

// refreshState moves an established client between ESTABLISHED and
// ROTATING to follow its session.
func (s *Server) refreshState(c *client, reason string) {
	info, ok := s.engine.Session(c.peer)
	if !ok {
		return
	}
	want := ClientEstablished
	if info.Rotating {
		want = ClientRotating
	}
	c.mu.Lock()
	cur := c.state
	c.mu.Unlock()
	if cur != ClientEstablished && cur != ClientRotating {
		return
	}
	if reason == "" {
		reason = fmt.Sprintf("epoch %d", info.Epoch)
	}
	if old, ok := c.transition(want, s.now()); ok {
		s.emitState(c, old, want, reason)
	}
}

func (s *Server) onRotation(peer identity.PeerID, epoch uint32) {
	if c := s.clients.get(peer); c != nil {
		s.refreshState(c, fmt.Sprintf("rotated to epoch %d", epoch))
	}
}

// RotatePeerKeys starts a key rotation with peer.
func (s *Server) RotatePeerKeys(peer identity.PeerID) error {
	c := s.clients.get(peer)
	if c == nil {
		return ErrUnknownClient
	}
	if err := s.engine.RotatePeerKeys(peer); err != nil {
		if errors.Is(err, secure.ErrNoSession) {
			return ErrNoSession
		}
		return err
	}
	s.refreshState(c, "rotation started")
	return nil
}

// SetPriority assigns peer's priority tier.
func (s *Server) SetPriority(peer identity.PeerID, tier priority.Tier) {
	s.ranks.SetPriority(peer, tier)
}

// State returns the state of peer's client, DISCONNECTED if unknown.
func (s *Server) State(peer identity.PeerID) ClientState {
	c := s.clients.get(peer)
	if c == nil {
		return ClientDisconnected
	}
	return c.currentState()
}

// ClientsByPriority returns connected clients from highest to lowest
// priority.
func (s *Server) ClientsByPriority() []identity.PeerID {
	ranked := s.ranks.RankedPeers()
	out := make([]identity.PeerID, 0, len(ranked))
	for _, r := range ranked {
		if s.clients.get(r.Peer) != nil {
			out = append(out, r.Peer)
		}
	}
	return out
}

func (s *Server) securityError(c *client, err error) {
	c.securityErrors.Add(1)
	s.securityErrors.Add(1)
	if s.logger != nil {
		s.logger.Warn("security error", "peer", c.peer.Short(), "conn_id", c.connID, "error", err)
	}
	if s.cfg.OnSecurityError != nil {
		s.cfg.OnSecurityError(c.peer, err)
	}
}

func (s *Server) connectionID(peer identity.PeerID) string {
	if c := s.clients.get(peer); c != nil {
		return c.connID
	}
	return ""
}

func (s *Server) emitState(c *client, old, state ClientState, reason string) {
	oldName := old.String()
	if old == ClientDisconnected && state == ClientConnected {
		oldName = ""
	}
	c.mu.Lock()
	addr := c.addr
	c.mu.Unlock()
	log.Emit(s.cfg.ProtocolLogger, log.Event{
		ConnectionID: c.connID,
		PeerID:       c.peer.String(),
		RemoteAddr:   addr,
		Layer:        log.LayerSession,
		Category:     log.CategoryState,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityClient,
			OldState: oldName,
			NewState: state.String(),
			Reason:   reason,
		},
	})
	s.debugLog("client state", "peer", c.peer.Short(), "from", old.String(), "to", state.String(), "reason", reason)
}

func (s *Server) emitError(c *client, err error, op string) {
	log.Emit(s.cfg.ProtocolLogger, log.Event{
		ConnectionID: c.connID,
		PeerID:       c.peer.String(),
		Layer:        log.LayerWire,
		Category:     log.CategoryError,
		Error: &log.ErrorEventData{
			Layer:   log.LayerWire,
			Message: err.Error(),
			Context: op,
		},
	})
}

// debugLog logs a debug message if a logger is configured.
func (s *Server) debugLog(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Debug(msg, args...)
	}
}
