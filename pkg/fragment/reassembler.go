package fragment

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/meshsec/meshsec-go/pkg/identity"
)

// Defaults for Config.
const (
	DefaultTimeout           = 30 * time.Second
	DefaultMaxBuffers        = 1024
	DefaultMaxBuffersPerPeer = 32
	DefaultMaxMessageSize    = 65536
)

// Ranker orders peers for buffer admission. Compare returns a positive
// value when a outranks b, negative when b outranks a, and zero otherwise.
type Ranker interface {
	Compare(a, b identity.PeerID) int
}

// Config configures a Reassembler.
type Config struct {
	// Timeout after which an incomplete buffer is discarded.
	Timeout time.Duration

	// MaxBuffers bounds the number of incomplete messages across all peers.
	MaxBuffers int

	// MaxBuffersPerPeer bounds the number of incomplete messages per peer.
	MaxBuffersPerPeer int

	// MaxMessageSize bounds the reassembled size of a message.
	MaxMessageSize int

	// Ranker decides displacement when MaxBuffers is reached. Without a
	// Ranker new messages are dropped when the limit is hit.
	Ranker Ranker
}

// DefaultConfig returns the default reassembly configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:           DefaultTimeout,
		MaxBuffers:        DefaultMaxBuffers,
		MaxBuffersPerPeer: DefaultMaxBuffersPerPeer,
		MaxMessageSize:    DefaultMaxMessageSize,
	}
}

// Stats holds reassembly counters.
type Stats struct {
	Completed uint64
	Expired   uint64
	Dropped   uint64
	Active    int
}

type bufferKey struct {
	peer identity.PeerID
	msg  uint16
}

type buffer struct {
	mu    sync.Mutex
	total uint16
	parts map[uint16][]byte
	size  int
	// done is set once the buffer has been completed or discarded, so the
	// eviction callback can tell removals from expiries.
	done bool
}

// Reassembler collects fragments until messages are complete. It is safe
// for concurrent use.
type Reassembler struct {
	cfg     Config
	buffers *expirable.LRU[bufferKey, *buffer]

	// admitMu serializes buffer admission. It is never held by the LRU's
	// eviction callback.
	admitMu sync.Mutex

	countMu sync.Mutex
	perPeer map[identity.PeerID]int

	completed atomic.Uint64
	expired   atomic.Uint64
	dropped   atomic.Uint64
}

// NewReassembler creates a Reassembler. Zero config fields take defaults.
func NewReassembler(cfg Config) *Reassembler {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxBuffers <= 0 {
		cfg.MaxBuffers = def.MaxBuffers
	}
	if cfg.MaxBuffersPerPeer <= 0 {
		cfg.MaxBuffersPerPeer = def.MaxBuffersPerPeer
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}

	r := &Reassembler{
		cfg:     cfg,
		perPeer: make(map[identity.PeerID]int),
	}
	r.buffers = expirable.NewLRU[bufferKey, *buffer](cfg.MaxBuffers, r.onEvict, cfg.Timeout)
	return r
}

// onEvict runs under the LRU's lock for every removal: completion,
// displacement, peer removal and expiry.
func (r *Reassembler) onEvict(k bufferKey, b *buffer) {
	b.mu.Lock()
	expired := !b.done
	b.done = true
	b.parts = nil
	b.mu.Unlock()
	if expired {
		r.expired.Add(1)
	}

	r.countMu.Lock()
	if n := r.perPeer[k.peer] - 1; n > 0 {
		r.perPeer[k.peer] = n
	} else {
		delete(r.perPeer, k.peer)
	}
	r.countMu.Unlock()
}

// Reassemble adds a fragment. It returns the complete message and true once
// every fragment of the message has arrived. A message with count 1 is
// returned immediately without buffering. Duplicate fragments are ignored.
func (r *Reassembler) Reassemble(peer identity.PeerID, msgID, index, count uint16, chunk []byte) ([]byte, bool, error) {
	if count == 0 || index >= count {
		return nil, false, fmt.Errorf("%w: index %d count %d", ErrInvalidFragment, index, count)
	}
	if count == 1 {
		if len(chunk) > r.cfg.MaxMessageSize {
			r.dropped.Add(1)
			return nil, false, ErrMessageTooLarge
		}
		out := make([]byte, len(chunk))
		copy(out, chunk)
		return out, true, nil
	}

	k := bufferKey{peer: peer, msg: msgID}
	b, err := r.acquire(k, count)
	if err != nil {
		return nil, false, err
	}

	b.mu.Lock()
	if b.done {
		// Expired or displaced between lookup and lock.
		b.mu.Unlock()
		r.dropped.Add(1)
		return nil, false, nil
	}
	if b.total != count {
		b.mu.Unlock()
		return nil, false, fmt.Errorf("%w: count %d, buffer expects %d", ErrInvalidFragment, count, b.total)
	}
	if _, dup := b.parts[index]; dup {
		b.mu.Unlock()
		return nil, false, nil
	}
	if b.size+len(chunk) > r.cfg.MaxMessageSize {
		b.done = true
		b.mu.Unlock()
		r.buffers.Remove(k)
		r.dropped.Add(1)
		return nil, false, ErrMessageTooLarge
	}

	b.parts[index] = bytes.Clone(chunk)
	b.size += len(chunk)
	if len(b.parts) < int(b.total) {
		b.mu.Unlock()
		return nil, false, nil
	}

	out := make([]byte, 0, b.size)
	for i := uint16(0); i < b.total; i++ {
		out = append(out, b.parts[i]...)
	}
	b.done = true
	b.mu.Unlock()

	r.buffers.Remove(k)
	r.completed.Add(1)
	return out, true, nil
}

// acquire returns the buffer for k, admitting a new one if needed.
func (r *Reassembler) acquire(k bufferKey, count uint16) (*buffer, error) {
	if b, ok := r.buffers.Get(k); ok {
		return b, nil
	}

	r.admitMu.Lock()
	defer r.admitMu.Unlock()

	if b, ok := r.buffers.Peek(k); ok {
		return b, nil
	}
	// Drop an expired entry the cleanup goroutine has not reached yet, so
	// that its eviction is accounted before the key is reused.
	r.buffers.Remove(k)

	if r.peerCount(k.peer) >= r.cfg.MaxBuffersPerPeer {
		r.dropped.Add(1)
		return nil, ErrPeerBufferLimit
	}
	if r.buffers.Len() >= r.cfg.MaxBuffers && !r.displaceFor(k.peer) {
		r.dropped.Add(1)
		return nil, ErrBufferLimit
	}

	b := &buffer{total: count, parts: make(map[uint16][]byte, count)}
	r.countMu.Lock()
	r.perPeer[k.peer]++
	r.countMu.Unlock()
	r.buffers.Add(k, b)
	return b, nil
}

// displaceFor discards the oldest buffer held by the lowest-ranked peer
// that ranks strictly below peer. Caller holds admitMu.
func (r *Reassembler) displaceFor(peer identity.PeerID) bool {
	if r.cfg.Ranker == nil {
		return false
	}

	var (
		victim bufferKey
		found  bool
	)
	for _, k := range r.buffers.Keys() {
		if r.cfg.Ranker.Compare(peer, k.peer) <= 0 {
			continue
		}
		if !found || r.cfg.Ranker.Compare(k.peer, victim.peer) < 0 {
			victim, found = k, true
		}
	}
	if !found {
		return false
	}

	r.discard(victim)
	r.dropped.Add(1)
	return true
}

func (r *Reassembler) discard(k bufferKey) {
	if b, ok := r.buffers.Peek(k); ok {
		b.mu.Lock()
		b.done = true
		b.mu.Unlock()
	}
	r.buffers.Remove(k)
}

func (r *Reassembler) peerCount(peer identity.PeerID) int {
	r.countMu.Lock()
	defer r.countMu.Unlock()
	return r.perPeer[peer]
}

// RemovePeer discards every incomplete message from peer.
func (r *Reassembler) RemovePeer(peer identity.PeerID) {
	r.admitMu.Lock()
	defer r.admitMu.Unlock()
	for _, k := range r.buffers.Keys() {
		if k.peer == peer {
			r.discard(k)
		}
	}
}

// PeerBuffers returns the number of incomplete messages held for peer.
func (r *Reassembler) PeerBuffers(peer identity.PeerID) int {
	return r.peerCount(peer)
}

// Stats returns reassembly counters.
func (r *Reassembler) Stats() Stats {
	return Stats{
		Completed: r.completed.Load(),
		Expired:   r.expired.Load(),
		Dropped:   r.dropped.Load(),
		Active:    r.buffers.Len(),
	}
}
