package service

import (
	"context"
	"crypto/rand"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/meshsec/meshsec-go/pkg/identity"
	"github.com/meshsec/meshsec-go/pkg/priority"
	"github.com/meshsec/meshsec-go/pkg/queue"
	"github.com/meshsec/meshsec-go/pkg/secure"
	"github.com/meshsec/meshsec-go/pkg/transport"
	"github.com/meshsec/meshsec-go/pkg/wire"
)

func newMockServer(t *testing.T, link *mockLink, mutate func(*Config)) (*Server, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	cfg := DefaultConfig(randomPeerID(t))
	cfg.Secure.Now = clock.Now
	cfg.InitiateOnConnect = false
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := NewServer(cfg, link)
	require.NoError(t, err)
	return s, clock
}

func TestHandshakeOnConnect(t *testing.T) {
	p := newServerPair(t, nil)
	p.connect()

	assert.Equal(t, []string{"CONNECTED", "KEY_EXCHANGE_PENDING", "ESTABLISHED"}, p.eva.states(p.b.LocalID()))
	assert.Equal(t, []string{"CONNECTED", "ESTABLISHED"}, p.evb.states(p.a.LocalID()))

	info, ok := p.a.Client(p.b.LocalID())
	require.True(t, ok)
	assert.Equal(t, uint32(1), info.Epoch)
	assert.Equal(t, priority.TierNormal, info.Tier)
	assert.NotEmpty(t, info.ConnectionID)
	assert.Equal(t, "pipe:"+p.b.LocalID().Short(), info.Addr)

	st := p.b.Stats()
	assert.Equal(t, 1, st.Clients)
	assert.Equal(t, 1, st.Established)
	assert.Equal(t, 0, st.Pending)
}

func TestSendToClientRoundTrip(t *testing.T) {
	p := newServerPair(t, nil)
	p.connect()

	require.NoError(t, p.a.SendToClient(p.b.LocalID(), []byte("hello")))
	msgs := recvAll(p.b)
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("hello"), msgs[0].Data)
	assert.Equal(t, p.a.LocalID(), msgs[0].Peer)
	assert.Equal(t, p.clock.Now(), msgs[0].ReceivedAt)

	require.NoError(t, p.b.SendToClient(p.a.LocalID(), []byte("world")))
	msgs = recvAll(p.a)
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("world"), msgs[0].Data)
}

func TestSendToClientFragments(t *testing.T) {
	p := newServerPair(t, nil)
	p.connect()

	// Random bytes do not compress, so the message needs several frames.
	payload := make([]byte, 1500)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	require.NoError(t, p.a.SendToClient(p.b.LocalID(), payload))
	msgs := recvAll(p.b)
	require.Len(t, msgs, 1)
	assert.Equal(t, payload, msgs[0].Data)
	assert.Greater(t, p.b.Stats().Engine.FramesDecrypted, uint64(1))
}

func TestSendToClientErrors(t *testing.T) {
	t.Run("unknown client", func(t *testing.T) {
		p := newServerPair(t, nil)
		stranger := randomPeerID(t)
		assert.ErrorIs(t, p.a.SendToClient(stranger, []byte("x")), ErrUnknownClient)
		assert.ErrorIs(t, p.a.RotatePeerKeys(stranger), ErrUnknownClient)
		assert.ErrorIs(t, p.a.InitiateHandshake(stranger), ErrUnknownClient)
		assert.Equal(t, ClientDisconnected, p.a.State(stranger))
	})

	t.Run("no session", func(t *testing.T) {
		p := newServerPair(t, func(c *Config) { c.InitiateOnConnect = false })
		p.ea.Connect()
		require.Equal(t, ClientConnected, p.a.State(p.b.LocalID()))

		assert.ErrorIs(t, p.a.SendToClient(p.b.LocalID(), []byte("x")), ErrNoSession)
		assert.ErrorIs(t, p.a.RotatePeerKeys(p.b.LocalID()), ErrNoSession)

		require.NoError(t, p.a.InitiateHandshake(p.b.LocalID()))
		assert.Equal(t, ClientEstablished, p.a.State(p.b.LocalID()))
		assert.Equal(t, ClientEstablished, p.b.State(p.a.LocalID()))
		require.NoError(t, p.a.SendToClient(p.b.LocalID(), []byte("x")))
		assert.Len(t, recvAll(p.b), 1)
	})
}

func TestKeyExchangePendingAndTimeout(t *testing.T) {
	link := newMockLink(t)
	s, clock := newMockServer(t, link, nil)
	peer := randomPeerID(t)

	link.On("Send", peer, mock.Anything).Return(nil).Once()

	require.NoError(t, s.HandleClientConnected(peer, "10.0.0.2:4433"))
	require.NoError(t, s.InitiateHandshake(peer))
	assert.Equal(t, ClientKeyExchangePending, s.State(peer))
	assert.ErrorIs(t, s.SendToClient(peer, []byte("x")), ErrKeyExchangePending)
	assert.Equal(t, 1, s.Stats().Pending)

	clock.Advance(DefaultKeyExchangeTimeout - time.Second)
	assert.Equal(t, MaintenanceResult{}, s.RunMaintenance())

	clock.Advance(2 * time.Second)
	assert.Equal(t, MaintenanceResult{ExchangesExpired: 1}, s.RunMaintenance())
	assert.Equal(t, ClientConnected, s.State(peer))
	assert.ErrorIs(t, s.SendToClient(peer, []byte("x")), ErrNoSession)
}

func TestHandshakeSendFailureRollsBack(t *testing.T) {
	link := newMockLink(t)
	s, _ := newMockServer(t, link, func(c *Config) { c.InitiateOnConnect = true })
	peer := randomPeerID(t)
	sendErr := errors.New("link down")

	link.On("Send", peer, mock.Anything).Return(sendErr).Once()

	err := s.HandleClientConnected(peer, "")
	require.ErrorIs(t, err, sendErr)
	assert.Equal(t, ClientConnected, s.State(peer))

	// The cancelled exchange leaves room for a new one.
	link.On("Send", peer, mock.Anything).Return(nil).Once()
	require.NoError(t, s.InitiateHandshake(peer))
	assert.Equal(t, ClientKeyExchangePending, s.State(peer))
}

func TestDisconnectClientIsIdempotent(t *testing.T) {
	p := newServerPair(t, nil)
	p.connect()
	peer := p.b.LocalID()

	p.a.DisconnectClient(peer, "bye")
	p.a.DisconnectClient(peer, "bye")

	assert.Equal(t, ClientDisconnected, p.a.State(peer))
	_, ok := p.a.Client(peer)
	assert.False(t, ok)
	assert.Equal(t, 0, p.a.Stats().Clients)
	assert.Equal(t, 0, p.a.Stats().Engine.Sessions)

	states := p.eva.states(peer)
	assert.Equal(t, "DISCONNECTED", states[len(states)-1])
	assert.Equal(t, 1, countOf(states, "DISCONNECTED"))
}

func TestLinkCloseDisconnectsBothSides(t *testing.T) {
	p := newServerPair(t, nil)
	p.connect()

	require.NoError(t, p.ea.Close())

	assert.Equal(t, ClientDisconnected, p.a.State(p.b.LocalID()))
	assert.Equal(t, ClientDisconnected, p.b.State(p.a.LocalID()))
	assert.Equal(t, 1, countOf(p.eva.states(p.b.LocalID()), "DISCONNECTED"))
	assert.Equal(t, 1, countOf(p.evb.states(p.a.LocalID()), "DISCONNECTED"))
}

func TestRotationStates(t *testing.T) {
	p := newServerPair(t, nil)
	p.connect()
	peer := p.b.LocalID()

	p.la.Hold()
	require.NoError(t, p.a.RotatePeerKeys(peer))
	assert.Equal(t, ClientRotating, p.a.State(peer))

	// Hold the acknowledgement so the responder is observed mid-rotation.
	p.lb.Hold()
	rekey := p.la.Release()
	require.Len(t, rekey, 1)
	p.deliver(p.la, rekey)
	assert.Equal(t, ClientRotating, p.b.State(p.a.LocalID()))

	ack := p.lb.Release()
	require.Len(t, ack, 1)
	p.deliver(p.lb, ack)

	assert.Equal(t, ClientEstablished, p.a.State(peer))
	assert.Equal(t, ClientEstablished, p.b.State(p.a.LocalID()))
	info, _ := p.a.Client(peer)
	assert.Equal(t, uint32(2), info.Epoch)
	info, _ = p.b.Client(p.a.LocalID())
	assert.Equal(t, uint32(2), info.Epoch)

	assert.Contains(t, p.eva.states(peer), "ROTATING")
	assert.Contains(t, p.evb.states(p.a.LocalID()), "ROTATING")

	require.NoError(t, p.a.SendToClient(peer, []byte("after rotation")))
	msgs := recvAll(p.b)
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("after rotation"), msgs[0].Data)
}

func TestReplayCallsSecurityHook(t *testing.T) {
	var (
		mu       sync.Mutex
		reported []error
	)
	p := newServerPair(t, func(c *Config) {
		c.OnSecurityError = func(_ identity.PeerID, err error) {
			mu.Lock()
			reported = append(reported, err)
			mu.Unlock()
		}
	})
	p.connect()

	p.la.Hold()
	require.NoError(t, p.a.SendToClient(p.b.LocalID(), []byte("once")))
	held := p.la.Release()
	require.Len(t, held, 1)

	p.deliver(p.la, held)
	p.deliver(p.la, held)

	assert.Len(t, recvAll(p.b), 1)
	mu.Lock()
	require.Len(t, reported, 1)
	assert.ErrorIs(t, reported[0], secure.ErrFrameRejected)
	mu.Unlock()

	// A rejected frame is reported, not punished.
	assert.Equal(t, ClientEstablished, p.b.State(p.a.LocalID()))
	info, _ := p.b.Client(p.a.LocalID())
	assert.Equal(t, uint64(1), info.SecurityErrors)
	assert.Equal(t, uint64(1), p.b.Stats().SecurityErrors)
	assert.Equal(t, uint64(1), p.b.Stats().Engine.RejectedReplay)
}

func TestClientsByPriority(t *testing.T) {
	link := newMockLink(t)
	s, _ := newMockServer(t, link, nil)
	low, normal, high := randomPeerID(t), randomPeerID(t), randomPeerID(t)

	for _, peer := range []identity.PeerID{low, normal, high} {
		require.NoError(t, s.HandleClientConnected(peer, ""))
	}
	s.SetPriority(low, priority.TierLow)
	s.SetPriority(high, priority.TierCritical)

	assert.Equal(t, []identity.PeerID{high, normal, low}, s.ClientsByPriority())

	clients := s.Clients()
	require.Len(t, clients, 3)
	assert.Equal(t, priority.TierCritical, clients[0].Tier)
	assert.Equal(t, priority.TierLow, clients[2].Tier)
	assert.Greater(t, clients[0].Score, clients[2].Score)
}

func TestServerFullRefusesEqualPriority(t *testing.T) {
	link := newMockLink(t)
	s, _ := newMockServer(t, link, func(c *Config) { c.MaxClients = 1 })
	first, second := randomPeerID(t), randomPeerID(t)

	require.NoError(t, s.HandleClientConnected(first, ""))

	link.On("Disconnect", second).Return().Once()
	assert.ErrorIs(t, s.HandleClientConnected(second, ""), ErrServerFull)
	assert.Equal(t, ClientConnected, s.State(first))
	assert.Equal(t, ClientDisconnected, s.State(second))
	assert.Equal(t, uint64(1), s.Stats().Refused)
}

func TestServerFullEvictsLowerPriority(t *testing.T) {
	link := newMockLink(t)
	s, _ := newMockServer(t, link, func(c *Config) { c.MaxClients = 1 })
	first, second := randomPeerID(t), randomPeerID(t)

	require.NoError(t, s.HandleClientConnected(first, ""))
	s.SetPriority(first, priority.TierLow)

	link.On("Disconnect", first).Return().Once()
	require.NoError(t, s.HandleClientConnected(second, ""))
	assert.Equal(t, ClientDisconnected, s.State(first))
	assert.Equal(t, ClientConnected, s.State(second))

	st := s.Stats()
	assert.Equal(t, uint64(1), st.Evicted)
	assert.Equal(t, uint64(0), st.Refused)
	assert.Equal(t, 1, st.Clients)
}

func TestServerFullScoresNewcomerAtDefaultTier(t *testing.T) {
	link := newMockLink(t)
	s, _ := newMockServer(t, link, func(c *Config) {
		c.MaxClients = 1
		c.DefaultTier = priority.TierLow
	})
	first, second, third := randomPeerID(t), randomPeerID(t), randomPeerID(t)

	require.NoError(t, s.HandleClientConnected(first, ""))
	info, _ := s.Client(first)
	require.Equal(t, priority.TierLow, info.Tier)

	// An unknown newcomer would also be Low, so it does not outrank first.
	link.On("Disconnect", second).Return().Once()
	assert.ErrorIs(t, s.HandleClientConnected(second, ""), ErrServerFull)
	assert.Equal(t, ClientConnected, s.State(first))

	// A preset priority is honored.
	s.SetPriority(third, priority.TierHigh)
	link.On("Disconnect", first).Return().Once()
	require.NoError(t, s.HandleClientConnected(third, ""))
	assert.Equal(t, ClientDisconnected, s.State(first))
	assert.Equal(t, ClientConnected, s.State(third))

	st := s.Stats()
	assert.Equal(t, uint64(1), st.Evicted)
	assert.Equal(t, uint64(1), st.Refused)
}

func TestIdentityBoundSessionOverSmallMTU(t *testing.T) {
	p := newBoundServerPair(t, identity.SchemeEd25519)
	p.connect()
	peer := p.b.LocalID()

	require.NoError(t, p.a.RotatePeerKeys(peer))
	info, _ := p.a.Client(peer)
	assert.Equal(t, uint32(2), info.Epoch)
	info, _ = p.b.Client(p.a.LocalID())
	assert.Equal(t, uint32(2), info.Epoch)
	assert.Equal(t, ClientEstablished, p.a.State(peer))

	require.NoError(t, p.b.SendToClient(p.a.LocalID(), []byte("after rotation")))
	msgs := recvAll(p.a)
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("after rotation"), msgs[0].Data)

	assert.LessOrEqual(t, p.la.Largest(), transport.DefaultPipeMTU)
	assert.LessOrEqual(t, p.lb.Largest(), transport.DefaultPipeMTU)
	assert.Zero(t, p.a.Stats().Engine.IdentityFailures)
	assert.Zero(t, p.b.Stats().Engine.IdentityFailures)
}

func TestOversizeHandshakeRefused(t *testing.T) {
	p := newBoundServerPair(t, identity.SchemeMLDSA65)
	p.ea.Connect()
	peer := p.b.LocalID()

	assert.Equal(t, ClientConnected, p.a.State(peer))
	assert.Equal(t, ClientConnected, p.b.State(p.a.LocalID()))
	assert.ErrorIs(t, p.a.InitiateHandshake(peer), secure.ErrMessageTooLarge)
	assert.Equal(t, ClientConnected, p.a.State(peer))
	assert.Zero(t, p.a.Stats().Pending)
	assert.Zero(t, p.la.Largest())
	assert.Zero(t, p.lb.Largest())
}

func TestRateLimitAndMalformed(t *testing.T) {
	link := newMockLink(t)
	s, _ := newMockServer(t, link, func(c *Config) {
		c.RateLimit = 0.01
		c.RateBurst = 2
	})
	peer := randomPeerID(t)

	for range 5 {
		s.HandleData(peer, []byte{0xff, 0x00, 0x01})
	}

	st := s.Stats()
	assert.Equal(t, uint64(2), st.Malformed)
	assert.Equal(t, uint64(3), st.RateLimited)
	assert.Equal(t, ClientConnected, s.State(peer))

	// The bucket survives a reconnect.
	link.On("Disconnect", peer).Return().Once()
	s.DisconnectClient(peer, "test")
	s.HandleData(peer, []byte{0xff})
	assert.Equal(t, uint64(4), s.Stats().RateLimited)
}

func TestMismatchedHandshakeIsMalformed(t *testing.T) {
	link := newMockLink(t)
	s, _ := newMockServer(t, link, nil)

	forger, err := secure.NewEngine(secure.DefaultConfig(randomPeerID(t)))
	require.NoError(t, err)
	hs, err := forger.Initiate(s.LocalID())
	require.NoError(t, err)
	data, err := wire.EncodeHandshake(hs)
	require.NoError(t, err)

	sender := randomPeerID(t)
	s.HandleData(sender, data)

	assert.Equal(t, uint64(1), s.Stats().Malformed)
	assert.Equal(t, ClientConnected, s.State(sender))
	assert.Equal(t, 0, s.Stats().Engine.Sessions)
	link.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
}

func TestLowTierShedding(t *testing.T) {
	p := newServerPair(t, func(c *Config) {
		c.Queue = queue.Config{MaxSize: 5, Policy: queue.Reject}
	})
	p.connect()
	p.b.SetPriority(p.a.LocalID(), priority.TierLow)

	for i := range 6 {
		require.NoError(t, p.a.SendToClient(p.b.LocalID(), []byte{byte(i)}))
	}

	assert.Equal(t, 4, p.b.Messages().Len())
	assert.Equal(t, uint64(2), p.b.Stats().Shed)

	msgs := recvAll(p.b)
	require.Len(t, msgs, 4)
	for i, m := range msgs {
		assert.Equal(t, []byte{byte(i)}, m.Data)
	}
}

func TestNormalTierNotShed(t *testing.T) {
	p := newServerPair(t, func(c *Config) {
		c.Queue = queue.Config{MaxSize: 5, Policy: queue.Reject}
	})
	p.connect()

	for i := range 6 {
		require.NoError(t, p.a.SendToClient(p.b.LocalID(), []byte{byte(i)}))
	}

	assert.Equal(t, 5, p.b.Messages().Len())
	assert.Equal(t, uint64(0), p.b.Stats().Shed)
	assert.Equal(t, uint64(1), p.b.Stats().Queue.Rejected)
}

func TestIdleDisconnect(t *testing.T) {
	p := newServerPair(t, nil)
	p.connect()

	p.clock.Advance(DefaultIdleTimeout / 2)
	assert.Equal(t, MaintenanceResult{}, p.b.RunMaintenance())

	require.NoError(t, p.a.SendToClient(p.b.LocalID(), []byte("ping")))
	p.clock.Advance(DefaultIdleTimeout/2 + time.Second)
	assert.Equal(t, MaintenanceResult{}, p.b.RunMaintenance())

	p.clock.Advance(DefaultIdleTimeout / 2)
	assert.Equal(t, MaintenanceResult{IdleDisconnected: 1}, p.b.RunMaintenance())
	assert.Equal(t, ClientDisconnected, p.b.State(p.a.LocalID()))
	assert.Equal(t, uint64(1), p.b.Stats().Evicted)
}

func TestStartStop(t *testing.T) {
	p := newServerPair(t, nil)

	assert.Equal(t, StateIdle, p.a.ServiceState())
	assert.ErrorIs(t, p.a.Stop(), ErrNotStarted)

	require.NoError(t, p.a.Start(context.Background()))
	assert.Equal(t, StateRunning, p.a.ServiceState())
	assert.ErrorIs(t, p.a.Start(context.Background()), ErrAlreadyStarted)

	p.connect()
	require.NoError(t, p.a.Stop())
	assert.Equal(t, StateStopped, p.a.ServiceState())
	assert.Equal(t, 0, p.a.Stats().Clients)

	_, err := p.a.Messages().Recv(context.Background())
	assert.ErrorIs(t, err, queue.ErrQueueClosed)
	assert.ErrorIs(t, p.a.HandleClientConnected(randomPeerID(t), ""), ErrNotStarted)
	assert.ErrorIs(t, p.a.Start(context.Background()), ErrAlreadyStarted)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero max clients", func(c *Config) { c.MaxClients = 0 }},
		{"zero idle timeout", func(c *Config) { c.IdleTimeout = 0 }},
		{"zero exchange timeout", func(c *Config) { c.KeyExchangeTimeout = 0 }},
		{"zero maintenance interval", func(c *Config) { c.MaintenanceInterval = 0 }},
		{"zero rate", func(c *Config) { c.RateLimit = 0 }},
		{"zero burst", func(c *Config) { c.RateBurst = 0 }},
		{"shed threshold above one", func(c *Config) { c.ShedThreshold = 1.5 }},
		{"bad queue", func(c *Config) { c.Queue.MaxSize = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig(randomPeerID(t))
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}

	assert.NoError(t, DefaultConfig(randomPeerID(t)).Validate())

	_, err := NewServer(DefaultConfig(randomPeerID(t)), nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "KEY_EXCHANGE_PENDING", ClientKeyExchangePending.String())
	assert.Equal(t, "ROTATING", ClientRotating.String())
	assert.Equal(t, "UNKNOWN", ClientState(99).String())
	assert.Equal(t, "RUNNING", StateRunning.String())
}

func countOf(states []string, want string) int {
	n := 0
	for _, s := range states {
		if s == want {
			n++
		}
	}
	return n
}
