package service

import (
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/meshsec/meshsec-go/pkg/identity"
	"github.com/meshsec/meshsec-go/pkg/log"
	"github.com/meshsec/meshsec-go/pkg/transport"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func randomPeerID(t *testing.T) identity.PeerID {
	t.Helper()
	b := make([]byte, 32)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return identity.DerivePeerID(b)
}

// eventRecorder collects protocol events.
type eventRecorder struct {
	mu     sync.Mutex
	events []log.Event
}

func (r *eventRecorder) Log(ev log.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// states returns the client state transitions recorded for peer.
func (r *eventRecorder) states(peer identity.PeerID) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		if ev.StateChange != nil && ev.StateChange.Entity == log.StateEntityClient && ev.PeerID == peer.String() {
			out = append(out, ev.StateChange.NewState)
		}
	}
	return out
}

// mockLink is a testify mock of transport.Link that can also disconnect
// single peers.
type mockLink struct {
	mock.Mock
}

func (m *mockLink) Send(peer identity.PeerID, data []byte) error {
	return m.Called(peer, data).Error(0)
}

func (m *mockLink) MTU() int {
	return m.Called().Int(0)
}

func (m *mockLink) SetHandler(h transport.Handler) {
	m.Called(h)
}

func (m *mockLink) Close() error {
	return m.Called().Error(0)
}

func (m *mockLink) Disconnect(peer identity.PeerID) {
	m.Called(peer)
}

func newMockLink(t *testing.T) *mockLink {
	t.Helper()
	m := &mockLink{}
	m.On("MTU").Return(transport.DefaultPipeMTU).Maybe()
	m.On("SetHandler", mock.Anything).Return().Maybe()
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

// gatedLink wraps a link and can hold outbound packets until released.
type gatedLink struct {
	transport.Link

	mu      sync.Mutex
	hold    bool
	held    []gatedPacket
	largest int
}

type gatedPacket struct {
	peer identity.PeerID
	data []byte
}

func (g *gatedLink) Send(peer identity.PeerID, data []byte) error {
	g.mu.Lock()
	g.largest = max(g.largest, len(data))
	if g.hold {
		g.held = append(g.held, gatedPacket{peer, append([]byte(nil), data...)})
		g.mu.Unlock()
		return nil
	}
	g.mu.Unlock()
	return g.Link.Send(peer, data)
}

func (g *gatedLink) Hold() {
	g.mu.Lock()
	g.hold = true
	g.mu.Unlock()
}

// Largest returns the size of the biggest packet sent so far.
func (g *gatedLink) Largest() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.largest
}

// Release stops holding and returns the held packets without sending
// them.
func (g *gatedLink) Release() []gatedPacket {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hold = false
	out := g.held
	g.held = nil
	return out
}

// serverPair is two servers connected by an in-memory pipe.
type serverPair struct {
	t      *testing.T
	clock  *fakeClock
	a, b   *Server
	la, lb *gatedLink
	ea     *transport.PipeEnd
	eva    *eventRecorder
	evb    *eventRecorder
}

func newServerPair(t *testing.T, mutate func(*Config)) *serverPair {
	t.Helper()
	p := &serverPair{t: t, clock: newFakeClock(), eva: &eventRecorder{}, evb: &eventRecorder{}}
	idA, idB := randomPeerID(t), randomPeerID(t)
	ea, eb := transport.NewPipe(idA, idB, transport.PipeOptions{})
	p.ea = ea
	p.la = &gatedLink{Link: ea}
	p.lb = &gatedLink{Link: eb}
	p.a = p.newServer(idA, p.la, p.eva, mutate)
	p.b = p.newServer(idB, p.lb, p.evb, mutate)
	return p
}

// newBoundServerPair is newServerPair with identity-bound handshakes
// required on both sides.
func newBoundServerPair(t *testing.T, scheme string) *serverPair {
	t.Helper()
	p := &serverPair{t: t, clock: newFakeClock(), eva: &eventRecorder{}, evb: &eventRecorder{}}
	idA, err := identity.Generate(scheme, 4)
	require.NoError(t, err)
	idB, err := identity.Generate(scheme, 4)
	require.NoError(t, err)
	ea, eb := transport.NewPipe(idA.PeerID(), idB.PeerID(), transport.PipeOptions{})
	p.ea = ea
	p.la = &gatedLink{Link: ea}
	p.lb = &gatedLink{Link: eb}
	bind := func(id *identity.Identity) func(*Config) {
		return func(c *Config) {
			c.Secure.Binder = identity.NewBinder(id, 4)
			c.Secure.RequireIdentity = true
		}
	}
	p.a = p.newServer(idA.PeerID(), p.la, p.eva, bind(idA))
	p.b = p.newServer(idB.PeerID(), p.lb, p.evb, bind(idB))
	return p
}

func (p *serverPair) newServer(id identity.PeerID, link transport.Link, ev *eventRecorder, mutate func(*Config)) *Server {
	cfg := DefaultConfig(id)
	cfg.Secure.Now = p.clock.Now
	cfg.ProtocolLogger = ev
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := NewServer(cfg, link)
	require.NoError(p.t, err)
	return s
}

// connect brings the link up, which runs the handshake synchronously.
func (p *serverPair) connect() {
	p.t.Helper()
	p.ea.Connect()
	require.Equal(p.t, ClientEstablished, p.a.State(p.b.LocalID()))
	require.Equal(p.t, ClientEstablished, p.b.State(p.a.LocalID()))
}

// deliver sends held packets from src's link.
func (p *serverPair) deliver(src *gatedLink, pkts []gatedPacket) {
	p.t.Helper()
	for _, pkt := range pkts {
		require.NoError(p.t, src.Link.Send(pkt.peer, pkt.data))
	}
}

func recvAll(s *Server) []Message {
	var out []Message
	for {
		m, ok := s.Messages().TryRecv()
		if !ok {
			return out
		}
		out = append(out, m)
	}
}
