package secure

import (
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meshsec/meshsec-go/pkg/identity"
	"github.com/meshsec/meshsec-go/pkg/wire"
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

// node is an engine plus the control frames it has queued for its peer.
type node struct {
	id     identity.PeerID
	engine *Engine
	out    []*wire.Frame
}

// pair is two engines connected by in-memory frame queues. Control frames
// are only delivered when pump is called.
type pair struct {
	t     *testing.T
	clock *fakeClock
	a, b  *node
}

func newPair(t *testing.T, mutate func(*Config)) *pair {
	t.Helper()
	p := &pair{t: t, clock: newFakeClock()}
	p.a = p.newNode(mutate)
	p.b = p.newNode(mutate)
	return p
}

func (p *pair) newNode(mutate func(*Config)) *node {
	return p.newNodeWithID(randomPeerID(p.t), mutate)
}

func (p *pair) newNodeWithID(id identity.PeerID, mutate func(*Config)) *node {
	n := &node{id: id}
	cfg := DefaultConfig(n.id)
	cfg.Now = p.clock.Now
	cfg.Send = func(_ identity.PeerID, frames []*wire.Frame) error {
		n.out = append(n.out, frames...)
		return nil
	}
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := NewEngine(cfg)
	require.NoError(p.t, err)
	n.engine = e
	return n
}

// newBoundPair is newPair with identity-bound handshakes and rotations
// required on both sides.
func newBoundPair(t *testing.T, scheme string, mutate func(*Config)) *pair {
	t.Helper()
	p := &pair{t: t, clock: newFakeClock()}
	mk := func() *node {
		id, err := identity.Generate(scheme, 4)
		require.NoError(t, err)
		return p.newNodeWithID(id.PeerID(), func(c *Config) {
			c.Binder = identity.NewBinder(id, 4)
			c.RequireIdentity = true
			if mutate != nil {
				mutate(c)
			}
		})
	}
	p.a, p.b = mk(), mk()
	return p
}

// establish runs a full handshake from a to b.
func (p *pair) establish() {
	p.t.Helper()
	hs, err := p.a.engine.Initiate(p.b.id)
	require.NoError(p.t, err)
	reply, err := p.b.engine.HandleHandshake(hs)
	require.NoError(p.t, err)
	require.NotNil(p.t, reply)
	none, err := p.a.engine.HandleHandshake(reply)
	require.NoError(p.t, err)
	require.Nil(p.t, none)
}

func (p *pair) other(n *node) *node {
	if n == p.a {
		return p.b
	}
	return p.a
}

// pump delivers queued control frames in both directions until both
// queues are empty.
func (p *pair) pump() {
	p.t.Helper()
	for i := 0; i < 16 && (len(p.a.out) > 0 || len(p.b.out) > 0); i++ {
		for _, n := range []*node{p.a, p.b} {
			frames := n.out
			n.out = nil
			dst := p.other(n)
			for _, f := range frames {
				_, _, err := dst.engine.DecryptAndVerify(n.id, roundTrip(p.t, f))
				require.NoError(p.t, err)
			}
		}
	}
}

// flush delivers the frames src has queued once, without pumping replies,
// and returns them.
func (p *pair) flush(src *node) []*wire.Frame {
	p.t.Helper()
	frames := src.out
	src.out = nil
	dst := p.other(src)
	for _, f := range frames {
		_, _, err := dst.engine.DecryptAndVerify(src.id, roundTrip(p.t, f))
		require.NoError(p.t, err)
	}
	return frames
}

// send encrypts msg from src and delivers every frame to the other side,
// returning the reassembled message.
func (p *pair) send(src *node, msg []byte, msgID uint16) []byte {
	p.t.Helper()
	frames, err := src.engine.EncryptAndAuthenticate(p.other(src).id, msg, msgID)
	require.NoError(p.t, err)
	return p.deliver(src, frames)
}

func (p *pair) deliver(src *node, frames []*wire.Frame) []byte {
	p.t.Helper()
	dst := p.other(src)
	var out []byte
	for i, f := range frames {
		got, complete, err := dst.engine.DecryptAndVerify(src.id, roundTrip(p.t, f))
		require.NoError(p.t, err)
		if i == len(frames)-1 {
			require.True(p.t, complete, "message incomplete after last frame")
			out = got
		} else {
			require.False(p.t, complete)
		}
	}
	return out
}

// roundTrip encodes and decodes a frame as the link would.
func roundTrip(t *testing.T, f *wire.Frame) *wire.Frame {
	t.Helper()
	data, err := wire.EncodeFrame(f)
	require.NoError(t, err)
	pkt, err := wire.DecodePacket(data)
	require.NoError(t, err)
	require.NotNil(t, pkt.Frame)
	return pkt.Frame
}

func cloneFrame(f *wire.Frame) *wire.Frame {
	c := *f
	c.PeerIDHint = append([]byte(nil), f.PeerIDHint...)
	c.Nonce = append([]byte(nil), f.Nonce...)
	c.Ciphertext = append([]byte(nil), f.Ciphertext...)
	c.AuthTag = append([]byte(nil), f.AuthTag...)
	return &c
}
