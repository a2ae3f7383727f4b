package connection

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/meshsec/meshsec-go/pkg/identity"
	"github.com/meshsec/meshsec-go/pkg/transport"
)

// Manager errors.
var (
	ErrClosed       = errors.New("connection manager closed")
	ErrDuplicate    = errors.New("target already managed")
	ErrUnknownAddr  = errors.New("unknown target")
	ErrNoDialer     = errors.New("dialer is required")
	ErrEmptyAddress = errors.New("empty target address")
)

// DefaultDialTimeout bounds a single dial attempt.
const DefaultDialTimeout = 30 * time.Second

// State is the state of one managed target.
type State uint8

const (
	// StateDialing means a dial attempt is in progress.
	StateDialing State = iota

	// StateLinked means the link is up.
	StateLinked

	// StateBackoff means the loop is waiting before the next dial.
	StateBackoff

	// StateStopped means the target was removed or the manager closed.
	StateStopped
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDialing:
		return "DIALING"
	case StateLinked:
		return "LINKED"
	case StateBackoff:
		return "BACKOFF"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Dialer opens a link to addr and returns the remote peer.
type Dialer interface {
	Dial(ctx context.Context, addr string) (identity.PeerID, error)
}

// Config configures a Manager.
type Config struct {
	Dialer      Dialer
	Backoff     BackoffConfig
	DialTimeout time.Duration

	// OnStateChange is called outside the manager lock on every target
	// state transition.
	OnStateChange func(addr string, old, state State)

	// Logger is the optional logger for operational output.
	Logger *slog.Logger
}

// TargetInfo describes one managed target.
type TargetInfo struct {
	Addr     string
	State    State
	Peer     identity.PeerID
	Attempts int
	LastErr  error
}

type target struct {
	addr    string
	state   State
	peer    identity.PeerID
	lastErr error
	backoff *Backoff
	lost    chan struct{}
	cancel  context.CancelFunc
}

// Manager redials its targets until they are removed.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	targets map[string]*target
	byPeer  map[identity.PeerID]*target
	next    transport.Handler
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ transport.Handler = (*Manager)(nil)

// NewManager creates a manager with no targets.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Dialer == nil {
		return nil, ErrNoDialer
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	cfg.Backoff.applyDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:     cfg,
		logger:  cfg.Logger,
		targets: make(map[string]*target),
		byPeer:  make(map[identity.PeerID]*target),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Wrap makes the manager forward link events to next and returns it. Install
// the result as the link's handler so the manager sees dropped links.
func (m *Manager) Wrap(next transport.Handler) transport.Handler {
	m.mu.Lock()
	m.next = next
	m.mu.Unlock()
	return m
}

// Add starts keeping addr linked.
func (m *Manager) Add(addr string) error {
	if addr == "" {
		return ErrEmptyAddress
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.targets[addr]; ok {
		return ErrDuplicate
	}

	ctx, cancel := context.WithCancel(m.ctx)
	t := &target{
		addr:    addr,
		state:   StateDialing,
		backoff: NewBackoff(m.cfg.Backoff),
		lost:    make(chan struct{}, 1),
		cancel:  cancel,
	}
	m.targets[addr] = t

	m.wg.Add(1)
	go m.run(ctx, t)
	return nil
}

// Remove stops redialing addr. An established link is left up.
func (m *Manager) Remove(addr string) error {
	m.mu.Lock()
	t, ok := m.targets[addr]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownAddr
	}
	delete(m.targets, addr)
	if m.byPeer[t.peer] == t {
		delete(m.byPeer, t.peer)
	}
	m.mu.Unlock()

	t.cancel()
	return nil
}

// Targets describes every managed target, sorted by address.
func (m *Manager) Targets() []TargetInfo {
	m.mu.Lock()
	out := make([]TargetInfo, 0, len(m.targets))
	for _, t := range m.targets {
		out = append(out, TargetInfo{
			Addr:     t.addr,
			State:    t.state,
			Peer:     t.peer,
			Attempts: t.backoff.Attempts(),
			LastErr:  t.lastErr,
		})
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// Close stops every dial loop and waits for them to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
}

// HandlePeerConnected implements transport.Handler.
func (m *Manager) HandlePeerConnected(peer identity.PeerID, addr string) {
	if next := m.handler(); next != nil {
		next.HandlePeerConnected(peer, addr)
	}
}

// HandlePeerDisconnected implements transport.Handler.
func (m *Manager) HandlePeerDisconnected(peer identity.PeerID) {
	m.mu.Lock()
	t := m.byPeer[peer]
	if t != nil {
		delete(m.byPeer, peer)
	}
	m.mu.Unlock()

	if t != nil {
		select {
		case t.lost <- struct{}{}:
		default:
		}
	}
	if next := m.handler(); next != nil {
		next.HandlePeerDisconnected(peer)
	}
}

// HandleData implements transport.Handler.
func (m *Manager) HandleData(peer identity.PeerID, data []byte) {
	if next := m.handler(); next != nil {
		next.HandleData(peer, data)
	}
}

func (m *Manager) handler() transport.Handler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.next
}

func (m *Manager) run(ctx context.Context, t *target) {
	defer m.wg.Done()
	defer m.setState(t, StateStopped, nil)

	for {
		m.setState(t, StateDialing, nil)
		dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
		peer, err := m.cfg.Dialer.Dial(dialCtx, t.addr)
		cancel()
		if ctx.Err() != nil {
			return
		}

		if err == nil {
			t.backoff.Reset()
			m.linked(t, peer)
			select {
			case <-ctx.Done():
				return
			case <-t.lost:
			}
			m.debugLog("link lost", "addr", t.addr, "peer", peer.Short())
		} else {
			m.debugLog("dial failed", "addr", t.addr, "error", err)
		}

		delay := t.backoff.Next()
		m.setState(t, StateBackoff, err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (m *Manager) linked(t *target, peer identity.PeerID) {
	m.mu.Lock()
	t.peer = peer
	if _, ok := m.targets[t.addr]; ok {
		m.byPeer[peer] = t
	}
	// A lost signal from an earlier link is stale.
	select {
	case <-t.lost:
	default:
	}
	m.mu.Unlock()

	m.setState(t, StateLinked, nil)
	if m.logger != nil {
		m.logger.Info("peer linked", "addr", t.addr, "peer", peer.Short())
	}
}

func (m *Manager) setState(t *target, state State, err error) {
	m.mu.Lock()
	old := t.state
	t.state = state
	if err != nil {
		t.lastErr = err
	}
	m.mu.Unlock()

	if old != state && m.cfg.OnStateChange != nil {
		m.cfg.OnStateChange(t.addr, old, state)
	}
}

func (m *Manager) debugLog(msg string, args ...any) {
	if m.logger != nil {
		m.logger.Debug(msg, args...)
	}
}
