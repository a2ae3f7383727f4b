package connection

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/meshsec/meshsec-go/pkg/identity"
)

func TestBackoff(t *testing.T) {
	t.Run("DefaultSequence", func(t *testing.T) {
		b := NewBackoff(BackoffConfig{})

		expected := []time.Duration{
			1 * time.Second,
			2 * time.Second,
			4 * time.Second,
			8 * time.Second,
			16 * time.Second,
			32 * time.Second,
			60 * time.Second,
			60 * time.Second,
		}
		for i, exp := range expected {
			if base := b.Current(); base != exp {
				t.Errorf("attempt %d: base = %v, want %v", i, base, exp)
			}
			b.Next()
		}
		if b.Attempts() != len(expected) {
			t.Errorf("Attempts() = %d, want %d", b.Attempts(), len(expected))
		}
	})

	t.Run("JitterBounds", func(t *testing.T) {
		b := NewBackoff(BackoffConfig{Initial: time.Second, Jitter: 0.25})
		d := b.Next()
		if d < time.Second || d > 1250*time.Millisecond {
			t.Errorf("Next() = %v, want within [1s, 1.25s]", d)
		}
	})

	t.Run("NoJitter", func(t *testing.T) {
		b := NewBackoff(BackoffConfig{Initial: 10 * time.Millisecond, Max: 30 * time.Millisecond, Multiplier: 3})
		got := []time.Duration{b.Next(), b.Next(), b.Next()}
		want := []time.Duration{10 * time.Millisecond, 30 * time.Millisecond, 30 * time.Millisecond}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("delay %d = %v, want %v", i, got[i], want[i])
			}
		}
	})

	t.Run("Reset", func(t *testing.T) {
		b := NewBackoff(BackoffConfig{})
		for i := 0; i < 5; i++ {
			b.Next()
		}
		b.Reset()
		if b.Current() != InitialBackoff || b.Attempts() != 0 {
			t.Errorf("after Reset: current %v attempts %d", b.Current(), b.Attempts())
		}
	})

	t.Run("MaxBelowInitial", func(t *testing.T) {
		b := NewBackoff(BackoffConfig{Initial: 5 * time.Second, Max: time.Second})
		b.Next()
		if b.Current() != 5*time.Second {
			t.Errorf("Current() = %v, want 5s", b.Current())
		}
	})
}

// scriptedDialer fails the first failures dials to each address.
type scriptedDialer struct {
	mu       sync.Mutex
	failures int
	calls    map[string]int
	peers    map[string]identity.PeerID
}

func newScriptedDialer(failures int) *scriptedDialer {
	return &scriptedDialer{failures: failures, calls: map[string]int{}, peers: map[string]identity.PeerID{}}
}

func (d *scriptedDialer) Dial(_ context.Context, addr string) (identity.PeerID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls[addr]++
	if d.calls[addr] <= d.failures {
		return identity.PeerID{}, errors.New("unreachable")
	}
	p, ok := d.peers[addr]
	if !ok {
		p = identity.DerivePeerID([]byte(addr))
		d.peers[addr] = p
	}
	return p, nil
}

func (d *scriptedDialer) count(addr string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[addr]
}

type countingHandler struct {
	connected, disconnected, data atomic.Int32
}

func (h *countingHandler) HandlePeerConnected(identity.PeerID, string) { h.connected.Add(1) }
func (h *countingHandler) HandlePeerDisconnected(identity.PeerID)      { h.disconnected.Add(1) }
func (h *countingHandler) HandleData(identity.PeerID, []byte)          { h.data.Add(1) }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func fastBackoff() BackoffConfig {
	return BackoffConfig{Initial: time.Millisecond, Max: 4 * time.Millisecond}
}

func targetState(m *Manager, addr string) State {
	for _, ti := range m.Targets() {
		if ti.Addr == addr {
			return ti.State
		}
	}
	return StateStopped
}

func TestManagerRetriesUntilLinked(t *testing.T) {
	d := newScriptedDialer(3)
	m, err := NewManager(Config{Dialer: d, Backoff: fastBackoff()})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	if err := m.Add("10.0.0.1:4433"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	waitFor(t, "linked", func() bool { return targetState(m, "10.0.0.1:4433") == StateLinked })

	if got := d.count("10.0.0.1:4433"); got != 4 {
		t.Errorf("dials = %d, want 4", got)
	}
	ti := m.Targets()[0]
	if ti.Attempts != 0 {
		t.Errorf("Attempts = %d, want 0 after success", ti.Attempts)
	}
	if ti.LastErr == nil {
		t.Error("LastErr should keep the last failure")
	}
	if ti.Peer != identity.DerivePeerID([]byte("10.0.0.1:4433")) {
		t.Error("Peer not recorded")
	}
}

func TestManagerRedialsAfterLinkLoss(t *testing.T) {
	d := newScriptedDialer(0)
	var transitions []State
	var mu sync.Mutex
	m, err := NewManager(Config{
		Dialer:  d,
		Backoff: fastBackoff(),
		OnStateChange: func(_ string, _, state State) {
			mu.Lock()
			transitions = append(transitions, state)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	h := &countingHandler{}
	link := m.Wrap(h)

	addr := "10.0.0.2:4433"
	if err := m.Add(addr); err != nil {
		t.Fatalf("Add: %v", err)
	}
	waitFor(t, "first link", func() bool { return targetState(m, addr) == StateLinked })

	peer := m.Targets()[0].Peer
	link.HandlePeerConnected(peer, addr)
	link.HandleData(peer, []byte{1})
	link.HandlePeerDisconnected(peer)

	waitFor(t, "redial", func() bool { return d.count(addr) == 2 && targetState(m, addr) == StateLinked })

	if h.connected.Load() != 1 || h.data.Load() != 1 || h.disconnected.Load() != 1 {
		t.Errorf("forwarded events = %d/%d/%d, want 1/1/1",
			h.connected.Load(), h.data.Load(), h.disconnected.Load())
	}

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateLinked, StateBackoff, StateDialing, StateLinked}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, transitions[i], want[i])
		}
	}
}

func TestManagerIgnoresUnmanagedPeers(t *testing.T) {
	d := newScriptedDialer(0)
	m, err := NewManager(Config{Dialer: d, Backoff: fastBackoff()})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	addr := "10.0.0.3:4433"
	if err := m.Add(addr); err != nil {
		t.Fatalf("Add: %v", err)
	}
	waitFor(t, "linked", func() bool { return targetState(m, addr) == StateLinked })

	// No next handler installed; must not panic.
	m.HandlePeerDisconnected(identity.DerivePeerID([]byte("someone else")))
	time.Sleep(10 * time.Millisecond)

	if d.count(addr) != 1 {
		t.Errorf("dials = %d, want 1", d.count(addr))
	}
}

func TestManagerAddRemove(t *testing.T) {
	d := newScriptedDialer(1 << 30)
	m, err := NewManager(Config{Dialer: d, Backoff: fastBackoff()})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	if err := m.Add(""); !errors.Is(err, ErrEmptyAddress) {
		t.Errorf("Add(\"\") = %v, want ErrEmptyAddress", err)
	}
	if err := m.Add("b:1"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := m.Add("a:1"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := m.Add("a:1"); !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate Add = %v, want ErrDuplicate", err)
	}

	targets := m.Targets()
	if len(targets) != 2 || targets[0].Addr != "a:1" || targets[1].Addr != "b:1" {
		t.Errorf("Targets() = %+v, want a:1, b:1", targets)
	}

	if err := m.Remove("a:1"); err != nil {
		t.Errorf("Remove: %v", err)
	}
	if err := m.Remove("a:1"); !errors.Is(err, ErrUnknownAddr) {
		t.Errorf("second Remove = %v, want ErrUnknownAddr", err)
	}

	m.Close()
	m.Close()
	if err := m.Add("c:1"); !errors.Is(err, ErrClosed) {
		t.Errorf("Add after Close = %v, want ErrClosed", err)
	}

	calls := d.count("b:1")
	time.Sleep(10 * time.Millisecond)
	if d.count("b:1") != calls {
		t.Error("dial loop still running after Close")
	}
}

func TestNewManagerRequiresDialer(t *testing.T) {
	if _, err := NewManager(Config{}); !errors.Is(err, ErrNoDialer) {
		t.Errorf("NewManager() = %v, want ErrNoDialer", err)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateDialing, "DIALING"},
		{StateLinked, "LINKED"},
		{StateBackoff, "BACKOFF"},
		{StateStopped, "STOPPED"},
		{State(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
