package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	quic "github.com/quic-go/quic-go"

	"github.com/meshsec/meshsec-go/pkg/identity"
	"github.com/meshsec/meshsec-go/pkg/log"
)

// QUIC link defaults.
const (
	// DefaultQUICMTU keeps datagrams below the smallest QUIC path MTU.
	DefaultQUICMTU = 1100

	DefaultIdleTimeout      = 60 * time.Second
	DefaultKeepAlivePeriod  = 15 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
)

// Application error codes used when closing QUIC connections.
const (
	closeNormal   quic.ApplicationErrorCode = 0
	closeProtocol quic.ApplicationErrorCode = 1
	closeReplaced quic.ApplicationErrorCode = 2
)

// QUICConfig configures a QUICLink.
type QUICConfig struct {
	// LocalID is announced to every peer in the hello frame.
	LocalID identity.PeerID

	// ListenAddr is the UDP address to accept links on. Empty means the
	// link only dials.
	ListenAddr string

	// MTU is the largest packet sent as a datagram. Larger packets use
	// the control stream.
	MTU int

	IdleTimeout      time.Duration
	KeepAlivePeriod  time.Duration
	HandshakeTimeout time.Duration

	// Logger for operational messages (nil disables).
	Logger *slog.Logger

	// ProtocolLogger receives transport-layer packet events (nil disables).
	ProtocolLogger log.Logger
}

func (c *QUICConfig) applyDefaults() {
	if c.MTU <= 0 {
		c.MTU = DefaultQUICMTU
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.KeepAlivePeriod <= 0 {
		c.KeepAlivePeriod = DefaultKeepAlivePeriod
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
}

// quicPeer is one established QUIC connection.
type quicPeer struct {
	id     identity.PeerID
	conn   *quic.Conn
	stream *quic.Stream
	framer *Framer
	addr   string
}

// QUICLink is a Link over QUIC. Each peer has one connection: packets go
// out as datagrams, and packets over the MTU go over the control stream
// opened by the dialer.
type QUICLink struct {
	cfg       QUICConfig
	quicConf  *quic.Config
	listenTLS *tls.Config
	dialTLS   *tls.Config
	listener  *quic.Listener

	mu      sync.RWMutex
	peers   map[identity.PeerID]*quicPeer
	handler Handler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewQUICLink creates a link and, when ListenAddr is set, starts
// accepting connections.
func NewQUICLink(cfg QUICConfig) (*QUICLink, error) {
	if cfg.LocalID.IsZero() {
		return nil, errors.New("quic link: local peer ID is required")
	}
	cfg.applyDefaults()

	cert, err := SelfSignedCertificate()
	if err != nil {
		return nil, fmt.Errorf("quic link: %w", err)
	}
	listenTLS, err := NewListenTLSConfig(cert)
	if err != nil {
		return nil, fmt.Errorf("quic link: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &QUICLink{
		cfg: cfg,
		quicConf: &quic.Config{
			EnableDatagrams:      true,
			MaxIdleTimeout:       cfg.IdleTimeout,
			KeepAlivePeriod:      cfg.KeepAlivePeriod,
			HandshakeIdleTimeout: cfg.HandshakeTimeout,
		},
		listenTLS: listenTLS,
		dialTLS:   NewDialTLSConfig(),
		peers:     make(map[identity.PeerID]*quicPeer),
		ctx:       ctx,
		cancel:    cancel,
	}

	if cfg.ListenAddr != "" {
		ln, err := quic.ListenAddr(cfg.ListenAddr, listenTLS, l.quicConf)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("quic link: listen %s: %w", cfg.ListenAddr, err)
		}
		l.listener = ln
		l.wg.Add(1)
		go l.acceptLoop()
		l.debugLog("quic link listening", "addr", ln.Addr().String())
	}
	return l, nil
}

// Addr returns the listen address, or nil for a dial-only link.
func (l *QUICLink) Addr() net.Addr {
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// MTU implements Link.
func (l *QUICLink) MTU() int { return l.cfg.MTU }

// CarriesOversize implements OversizeCarrier. Packets above the MTU go
// over the peer's stream.
func (l *QUICLink) CarriesOversize() bool { return true }

// SetHandler implements Link.
func (l *QUICLink) SetHandler(h Handler) {
	l.mu.Lock()
	l.handler = h
	l.mu.Unlock()
}

// Peers returns the currently connected peers.
func (l *QUICLink) Peers() []identity.PeerID {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]identity.PeerID, 0, len(l.peers))
	for id := range l.peers {
		out = append(out, id)
	}
	return out
}

// Dial connects to addr, exchanges hellos and returns the remote PeerID.
func (l *QUICLink) Dial(ctx context.Context, addr string) (identity.PeerID, error) {
	if l.closed.Load() {
		return identity.PeerID{}, ErrLinkClosed
	}
	conn, err := quic.DialAddr(ctx, addr, l.dialTLS, l.quicConf)
	if err != nil {
		return identity.PeerID{}, fmt.Errorf("dial %s: %w", addr, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(closeProtocol, "open control stream")
		return identity.PeerID{}, fmt.Errorf("open control stream: %w", err)
	}

	framer := NewFramer(stream, DefaultMaxFrameSize)
	if err := framer.WriteFrame(l.cfg.LocalID.Bytes()); err != nil {
		conn.CloseWithError(closeProtocol, "hello")
		return identity.PeerID{}, fmt.Errorf("send hello: %w", err)
	}
	remote, err := l.readHello(stream, framer)
	if err != nil {
		conn.CloseWithError(closeProtocol, "hello")
		return identity.PeerID{}, err
	}

	l.register(&quicPeer{id: remote, conn: conn, stream: stream, framer: framer, addr: conn.RemoteAddr().String()})
	return remote, nil
}

func (l *QUICLink) acceptLoop() {
	defer l.wg.Done()
	for {
		conn, err := l.listener.Accept(l.ctx)
		if err != nil {
			if !l.closed.Load() {
				l.debugLog("quic accept failed", "error", err)
			}
			return
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.accept(conn)
		}()
	}
}

func (l *QUICLink) accept(conn *quic.Conn) {
	ctx, cancel := context.WithTimeout(l.ctx, l.cfg.HandshakeTimeout)
	defer cancel()

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(closeProtocol, "no control stream")
		l.debugLog("control stream not opened", "remote", conn.RemoteAddr().String(), "error", err)
		return
	}
	framer := NewFramer(stream, DefaultMaxFrameSize)
	remote, err := l.readHello(stream, framer)
	if err != nil {
		conn.CloseWithError(closeProtocol, "hello")
		l.debugLog("hello failed", "remote", conn.RemoteAddr().String(), "error", err)
		return
	}
	if err := framer.WriteFrame(l.cfg.LocalID.Bytes()); err != nil {
		conn.CloseWithError(closeProtocol, "hello")
		return
	}
	l.register(&quicPeer{id: remote, conn: conn, stream: stream, framer: framer, addr: conn.RemoteAddr().String()})
}

func (l *QUICLink) readHello(stream *quic.Stream, framer *Framer) (identity.PeerID, error) {
	_ = stream.SetReadDeadline(time.Now().Add(l.cfg.HandshakeTimeout))
	defer stream.SetReadDeadline(time.Time{})

	hello, err := framer.ReadFrame()
	if err != nil {
		return identity.PeerID{}, fmt.Errorf("read hello: %w", err)
	}
	remote, err := identity.PeerIDFromBytes(hello)
	if err != nil {
		return identity.PeerID{}, fmt.Errorf("hello: %w", err)
	}
	if remote == l.cfg.LocalID {
		return identity.PeerID{}, errors.New("hello: connected to self")
	}
	return remote, nil
}

// register installs an established connection, replacing any older one
// to the same peer, and starts its receive loops.
func (l *QUICLink) register(p *quicPeer) {
	p.framer.SetLogger(l.cfg.ProtocolLogger, p.addr, p.id.String())

	l.mu.Lock()
	if l.closed.Load() {
		l.mu.Unlock()
		p.conn.CloseWithError(closeNormal, "link closed")
		return
	}
	old := l.peers[p.id]
	l.peers[p.id] = p
	h := l.handler
	l.mu.Unlock()

	if old != nil {
		old.conn.CloseWithError(closeReplaced, "replaced")
	}
	if l.cfg.Logger != nil {
		l.cfg.Logger.Info("link connected", "peer", p.id.Short(), "remote", p.addr)
	}
	if h != nil {
		h.HandlePeerConnected(p.id, p.addr)
	}

	l.wg.Add(2)
	go l.datagramLoop(p)
	go l.streamLoop(p)
}

func (l *QUICLink) datagramLoop(p *quicPeer) {
	defer l.wg.Done()
	for {
		data, err := p.conn.ReceiveDatagram(l.ctx)
		if err != nil {
			l.unregister(p, err)
			return
		}
		l.emitPacket(p, log.DirectionIn, data)
		l.deliver(p, data)
	}
}

func (l *QUICLink) streamLoop(p *quicPeer) {
	defer l.wg.Done()
	for {
		data, err := p.framer.ReadFrame()
		if err != nil {
			l.unregister(p, err)
			return
		}
		l.deliver(p, data)
	}
}

func (l *QUICLink) deliver(p *quicPeer, data []byte) {
	l.mu.RLock()
	h := l.handler
	current := l.peers[p.id] == p
	l.mu.RUnlock()
	if h != nil && current {
		h.HandleData(p.id, data)
	}
}

// unregister removes p if it is still the current connection for its
// peer. The first receive loop to fail reports the disconnect.
func (l *QUICLink) unregister(p *quicPeer, cause error) {
	l.mu.Lock()
	current := l.peers[p.id] == p
	if current {
		delete(l.peers, p.id)
	}
	h := l.handler
	l.mu.Unlock()

	p.conn.CloseWithError(closeNormal, "")
	if !current {
		return
	}
	l.debugLog("link disconnected", "peer", p.id.Short(), "cause", cause)
	if h != nil {
		h.HandlePeerDisconnected(p.id)
	}
}

// Send implements Link.
func (l *QUICLink) Send(peer identity.PeerID, data []byte) error {
	if l.closed.Load() {
		return ErrLinkClosed
	}
	l.mu.RLock()
	p := l.peers[peer]
	l.mu.RUnlock()
	if p == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peer.Short())
	}

	if len(data) <= l.cfg.MTU {
		err := p.conn.SendDatagram(data)
		if err == nil {
			l.emitPacket(p, log.DirectionOut, data)
			return nil
		}
		var tooLarge *quic.DatagramTooLargeError
		if !errors.As(err, &tooLarge) {
			return fmt.Errorf("send datagram: %w", err)
		}
	}
	return p.framer.WriteFrame(data)
}

// Disconnect closes the connection to peer, if any.
func (l *QUICLink) Disconnect(peer identity.PeerID) {
	l.mu.RLock()
	p := l.peers[peer]
	l.mu.RUnlock()
	if p != nil {
		p.conn.CloseWithError(closeNormal, "disconnect")
	}
}

// Close implements Link.
func (l *QUICLink) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	l.cancel()

	var err error
	if l.listener != nil {
		err = l.listener.Close()
	}
	l.mu.RLock()
	for _, p := range l.peers {
		p.conn.CloseWithError(closeNormal, "link closed")
	}
	l.mu.RUnlock()

	l.wg.Wait()
	return err
}

func (l *QUICLink) emitPacket(p *quicPeer, dir log.Direction, data []byte) {
	if l.cfg.ProtocolLogger == nil {
		return
	}
	captured, truncated := log.Capture(data)
	l.cfg.ProtocolLogger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: p.addr,
		PeerID:       p.id.String(),
		RemoteAddr:   p.addr,
		Direction:    dir,
		Layer:        log.LayerTransport,
		Category:     log.CategoryMessage,
		Frame:        &log.FrameEvent{Size: len(data), Data: captured, Truncated: truncated},
	})
}

func (l *QUICLink) debugLog(msg string, args ...any) {
	if l.cfg.Logger != nil {
		l.cfg.Logger.Debug(msg, args...)
	}
}
