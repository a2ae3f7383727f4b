package service

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/meshsec/meshsec-go/pkg/identity"
)

// client is the server-side record of one connected peer.
type client struct {
	peer    identity.PeerID
	connID  string
	limiter *rate.Limiter

	nextMsgID      atomic.Uint32
	securityErrors atomic.Uint64

	mu           sync.Mutex
	addr         string
	state        ClientState
	connectedAt  time.Time
	pendingSince time.Time
	lastActivity time.Time
}

func newClient(peer identity.PeerID, addr string, limiter *rate.Limiter, now time.Time) *client {
	return &client{
		peer:         peer,
		connID:       uuid.NewString(),
		limiter:      limiter,
		addr:         addr,
		state:        ClientConnected,
		connectedAt:  now,
		lastActivity: now,
	}
}

// transition moves the client to state and returns the previous state.
// It returns ok=false when the client is already in state or has
// disconnected.
func (c *client) transition(state ClientState, now time.Time) (old ClientState, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	old = c.state
	if old == state || old == ClientDisconnected {
		return old, false
	}
	c.state = state
	if state == ClientKeyExchangePending {
		c.pendingSince = now
	}
	return old, true
}

func (c *client) currentState() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *client) touch(now time.Time) {
	c.mu.Lock()
	c.lastActivity = now
	c.mu.Unlock()
}

func (c *client) messageID() uint16 {
	return uint16(c.nextMsgID.Add(1))
}

// clientTable holds the connected clients. Its lock only guards the map;
// per-client state has its own lock.
type clientTable struct {
	mu      sync.RWMutex
	clients map[identity.PeerID]*client
}

func newClientTable() *clientTable {
	return &clientTable{clients: make(map[identity.PeerID]*client)}
}

func (t *clientTable) get(peer identity.PeerID) *client {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.clients[peer]
}

// add inserts c unless a client for the same peer exists, in which case
// the existing client is returned with added=false.
func (t *clientTable) add(c *client) (existing *client, added bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.clients[c.peer]; ok {
		return old, false
	}
	t.clients[c.peer] = c
	return c, true
}

// remove deletes peer's client and returns it, or nil if absent.
func (t *clientTable) remove(peer identity.PeerID) *client {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.clients[peer]
	delete(t.clients, peer)
	return c
}

func (t *clientTable) snapshot() []*client {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*client, 0, len(t.clients))
	for _, c := range t.clients {
		out = append(out, c)
	}
	return out
}

func (t *clientTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.clients)
}

// idleSince returns clients with no activity since cutoff.
func (t *clientTable) idleSince(cutoff time.Time) []identity.PeerID {
	var out []identity.PeerID
	for _, c := range t.snapshot() {
		c.mu.Lock()
		if c.lastActivity.Before(cutoff) {
			out = append(out, c.peer)
		}
		c.mu.Unlock()
	}
	return out
}

// pendingSince returns clients whose key exchange started before cutoff.
func (t *clientTable) pendingSince(cutoff time.Time) []identity.PeerID {
	var out []identity.PeerID
	for _, c := range t.snapshot() {
		c.mu.Lock()
		if c.state == ClientKeyExchangePending && c.pendingSince.Before(cutoff) {
			out = append(out, c.peer)
		}
		c.mu.Unlock()
	}
	return out
}
