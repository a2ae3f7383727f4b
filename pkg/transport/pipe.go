package transport

import (
	"math/rand/v2"
	"sync"

	"github.com/meshsec/meshsec-go/pkg/identity"
)

// DefaultPipeMTU matches a BLE link.
const DefaultPipeMTU = 244

// PipeOptions configures adversarial behavior of a pipe. Rates are
// probabilities in [0, 1] applied per packet.
type PipeOptions struct {
	MTU           int
	LossRate      float64
	DuplicateRate float64
	// ReorderRate holds a packet back until the next one has been
	// delivered.
	ReorderRate float64
	// Seed makes the adversarial choices reproducible.
	Seed uint64
}

// PipeEnd is one end of an in-memory link between two peers. Packets are
// delivered synchronously on the sender's goroutine, so a handler that
// sends from inside HandleData re-enters the peer's handler. Packets of
// any size are delivered; MTU is advisory.
type PipeEnd struct {
	local  identity.PeerID
	remote identity.PeerID
	opts   PipeOptions
	other  *PipeEnd

	mu      sync.Mutex
	handler Handler
	held    []byte
	rng     *rand.Rand
	closed  bool
	up      bool
}

// NewPipe creates a connected pair of link ends for peers a and b. Call
// Connect after both handlers are installed.
func NewPipe(a, b identity.PeerID, opts PipeOptions) (*PipeEnd, *PipeEnd) {
	if opts.MTU <= 0 {
		opts.MTU = DefaultPipeMTU
	}
	ea := &PipeEnd{local: a, remote: b, opts: opts, rng: rand.New(rand.NewPCG(opts.Seed, 1))}
	eb := &PipeEnd{local: b, remote: a, opts: opts, rng: rand.New(rand.NewPCG(opts.Seed, 2))}
	ea.other, eb.other = eb, ea
	return ea, eb
}

// Local returns the PeerID of this end.
func (p *PipeEnd) Local() identity.PeerID { return p.local }

// MTU implements Link.
func (p *PipeEnd) MTU() int { return p.opts.MTU }

// SetHandler implements Link.
func (p *PipeEnd) SetHandler(h Handler) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
}

// Connect reports the connection to both handlers.
func (p *PipeEnd) Connect() {
	for _, end := range []*PipeEnd{p, p.other} {
		end.mu.Lock()
		h := end.handler
		ok := !end.closed && !end.up
		end.up = true
		end.mu.Unlock()
		if ok && h != nil {
			h.HandlePeerConnected(end.remote, "pipe:"+end.remote.Short())
		}
	}
}

// Send implements Link.
func (p *PipeEnd) Send(peer identity.PeerID, data []byte) error {
	if peer != p.remote {
		return ErrUnknownPeer
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrLinkClosed
	}
	var out [][]byte
	pkt := append([]byte(nil), data...)
	switch {
	case p.roll(p.opts.LossRate):
	case p.held == nil && p.roll(p.opts.ReorderRate):
		p.held = pkt
	default:
		out = append(out, pkt)
		if p.roll(p.opts.DuplicateRate) {
			out = append(out, pkt)
		}
		if p.held != nil {
			out = append(out, p.held)
			p.held = nil
		}
	}
	p.mu.Unlock()

	for _, pkt := range out {
		p.other.receive(pkt)
	}
	return nil
}

// Flush delivers a packet held back for reordering, if any.
func (p *PipeEnd) Flush() {
	p.mu.Lock()
	held := p.held
	p.held = nil
	p.mu.Unlock()
	if held != nil {
		p.other.receive(held)
	}
}

// roll reports whether an event with probability rate happens. Caller
// holds p.mu.
func (p *PipeEnd) roll(rate float64) bool {
	return rate > 0 && p.rng.Float64() < rate
}

func (p *PipeEnd) receive(data []byte) {
	p.mu.Lock()
	h := p.handler
	closed := p.closed
	p.mu.Unlock()
	if closed || h == nil {
		return
	}
	h.HandleData(p.remote, data)
}

// Close implements Link. Both handlers see the disconnect.
func (p *PipeEnd) Close() error {
	for _, end := range []*PipeEnd{p, p.other} {
		end.mu.Lock()
		h := end.handler
		wasUp := end.up && !end.closed
		end.closed = true
		end.held = nil
		end.mu.Unlock()
		if wasUp && h != nil {
			h.HandlePeerDisconnected(end.remote)
		}
	}
	return nil
}
