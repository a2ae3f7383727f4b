// Command meshsec-node runs a meshsec secure session node.
//
// The node loads or creates its long-term identity in the keystore, listens
// for QUIC links, dials the configured peers and establishes an encrypted
// session with every peer it is linked to. Received messages are printed;
// the interactive shell can send messages and manage sessions.
//
// Usage:
//
//	meshsec-node [flags]
//
// Flags:
//
//	-config string        Configuration file path (YAML)
//	-listen string        UDP listen address (overrides link.listen)
//	-peer addr            Peer to keep linked (repeatable)
//	-log-level string     Log level: debug, info, warn, error
//	-protocol-log string  Protocol capture file (overrides logging.protocol_file)
//	-metrics string       Metrics listen address (overrides metrics.listen)
//	-interactive          Start the interactive shell
//
// Examples:
//
//	# Start a node with defaults and an in-memory keystore
//	meshsec-node -interactive
//
//	# Start with a config file and connect to a neighbour
//	MESHSEC_PASSPHRASE=secret meshsec-node -config /etc/meshsec/node.yaml -peer 10.0.0.7:4433
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/meshsec/meshsec-go/cmd/meshsec-node/interactive"
	"github.com/meshsec/meshsec-go/pkg/config"
	"github.com/meshsec/meshsec-go/pkg/connection"
	"github.com/meshsec/meshsec-go/pkg/identity"
	"github.com/meshsec/meshsec-go/pkg/keystore"
	"github.com/meshsec/meshsec-go/pkg/log"
	"github.com/meshsec/meshsec-go/pkg/metrics"
	"github.com/meshsec/meshsec-go/pkg/queue"
	"github.com/meshsec/meshsec-go/pkg/service"
	"github.com/meshsec/meshsec-go/pkg/transport"
	"github.com/meshsec/meshsec-go/pkg/version"
)

// peerList collects repeated -peer flags.
type peerList []string

func (p *peerList) String() string { return strings.Join(*p, ",") }

func (p *peerList) Set(v string) error {
	*p = append(*p, v)
	return nil
}

var (
	configFile  = flag.String("config", "", "Configuration file path (YAML)")
	listenAddr  = flag.String("listen", "", "UDP listen address (overrides link.listen)")
	logLevel    = flag.String("log-level", "", "Log level: debug, info, warn, error")
	protocolLog = flag.String("protocol-log", "", "Protocol capture file (overrides logging.protocol_file)")
	metricsAddr = flag.String("metrics", "", "Metrics listen address (overrides metrics.listen)")
	interact    = flag.Bool("interactive", false, "Start the interactive shell")
	peers       peerList
)

func init() {
	flag.Var(&peers, "peer", "Peer address to keep linked (repeatable)")
}

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if *configFile != "" {
		var err error
		if cfg, err = config.Load(*configFile); err != nil {
			return cfg, err
		}
	}
	if *listenAddr != "" {
		cfg.Link.Listen = *listenAddr
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *protocolLog != "" {
		cfg.Logging.ProtocolFile = *protocolLog
	}
	if *metricsAddr != "" {
		cfg.Metrics.Listen = *metricsAddr
	}
	cfg.Link.Peers = append(cfg.Link.Peers, peers...)
	return cfg, cfg.Validate()
}

// node bundles everything run starts so it can be torn down in order.
type node struct {
	cfg      config.Config
	logger   *slog.Logger
	keys     keystore.Store
	id       *identity.Identity
	protocol log.Logger
	closers  []io.Closer
	registry *prometheus.Registry
	recorder *metrics.Recorder
	link     *transport.QUICLink
	server   *service.Server
	redial   *connection.Manager
}

func run(cfg config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := &node{cfg: cfg}
	defer n.close()

	var shell *interactive.Shell
	var out io.Writer = os.Stderr
	if *interact {
		var err error
		if shell, err = interactive.New(); err != nil {
			return err
		}
		out = shell.Stderr()
	}

	if err := n.setupLogging(out); err != nil {
		return err
	}
	if err := n.openIdentity(); err != nil {
		return err
	}
	if err := n.setupProtocolLog(); err != nil {
		return err
	}
	n.setupMetrics()
	if err := n.startServer(ctx); err != nil {
		return err
	}
	n.serveMetrics(ctx)

	for _, addr := range cfg.Link.Peers {
		if err := n.redial.Add(addr); err != nil {
			n.logger.Warn("peer not added", "addr", addr, "error", err)
		}
	}

	if shell != nil {
		go n.printMessages(ctx, shell.Stdout())
		shell.Attach(interactive.Node{
			Server: n.server,
			Link:   n.link,
			Redial: n.redial,
			Keys:   n.keys,
			Local:  n.id.PeerID(),
		})
		shell.Run(ctx, cancel)
	} else {
		go n.printMessages(ctx, os.Stdout)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-sigCh:
			n.logger.Info("received signal", "signal", sig.String())
		case <-ctx.Done():
		}
	}

	n.logger.Info("shutting down")
	if err := n.server.Stop(); err != nil && !errors.Is(err, service.ErrNotStarted) {
		n.logger.Warn("stopping server", "error", err)
	}
	return nil
}

func (n *node) setupLogging(stderr io.Writer) error {
	level, err := config.ParseLevel(n.cfg.Logging.Level)
	if err != nil {
		return err
	}
	w := stderr
	if n.cfg.Logging.File != "" {
		lj := &lumberjack.Logger{
			Filename:   n.cfg.Logging.File,
			MaxSize:    n.cfg.Logging.MaxSizeMB,
			MaxBackups: n.cfg.Logging.MaxBackups,
			MaxAge:     n.cfg.Logging.MaxAgeDays,
			Compress:   n.cfg.Logging.Compress,
		}
		n.closers = append(n.closers, lj)
		w = lj
	}
	n.logger = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	if n.cfg.Node.Name != "" {
		n.logger = n.logger.With("node", n.cfg.Node.Name)
	}
	return nil
}

func (n *node) openIdentity() error {
	if n.cfg.Keystore.Path == "" {
		n.keys = keystore.NewMemoryStore()
		n.logger.Warn("keystore path not set, identity will not persist")
	} else {
		pass := os.Getenv(n.cfg.Keystore.PassphraseEnv)
		if pass == "" {
			return fmt.Errorf("keystore passphrase: %s is not set", n.cfg.Keystore.PassphraseEnv)
		}
		store, err := keystore.OpenBolt(n.cfg.Keystore.Path, []byte(pass), keystore.BoltOptions{
			KDF:     n.cfg.KDFParams(),
			Timeout: time.Second,
		})
		if err != nil {
			return fmt.Errorf("open keystore: %w", err)
		}
		n.keys = store
	}

	id, created, err := identity.LoadOrGenerate(n.keys, n.cfg.Node.IdentityAlias, n.cfg.Node.Scheme, n.cfg.Node.Difficulty)
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	n.id = id
	n.logger.Info("identity ready",
		"peer", id.PeerID().String(),
		"scheme", id.SchemeName(),
		"difficulty", id.Difficulty(),
		"created", created)
	return nil
}

func (n *node) setupProtocolLog() error {
	loggers := []log.Logger{}
	if n.cfg.Logging.ProtocolFile != "" {
		fl, err := log.NewRotatingFileLogger(log.RotationConfig{
			Path:       n.cfg.Logging.ProtocolFile,
			MaxSizeMB:  n.cfg.Logging.MaxSizeMB,
			MaxBackups: n.cfg.Logging.MaxBackups,
			MaxAgeDays: n.cfg.Logging.MaxAgeDays,
			Compress:   n.cfg.Logging.Compress,
		})
		if err != nil {
			return fmt.Errorf("protocol log: %w", err)
		}
		n.closers = append(n.closers, fl)
		loggers = append(loggers, fl)
		n.logger.Info("protocol capture enabled", "path", n.cfg.Logging.ProtocolFile)
	}
	if n.logger.Enabled(context.Background(), slog.LevelDebug) {
		loggers = append(loggers, log.NewSlogAdapter(n.logger))
	}
	switch len(loggers) {
	case 0:
	case 1:
		n.protocol = loggers[0]
	default:
		n.protocol = log.NewMultiLogger(loggers...)
	}
	return nil
}

func (n *node) setupMetrics() {
	if n.cfg.Metrics.Listen == "" {
		return
	}
	n.registry = prometheus.NewRegistry()
	n.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	n.recorder = metrics.NewRecorder(n.registry)
}

func (n *node) startServer(ctx context.Context) error {
	local := n.id.PeerID()

	qc := n.cfg.ToQUIC(local)
	qc.Logger = n.logger.With("component", "link")
	qc.ProtocolLogger = n.protocol
	link, err := transport.NewQUICLink(qc)
	if err != nil {
		return fmt.Errorf("link: %w", err)
	}
	n.link = link
	n.closers = append(n.closers, link)
	if addr := link.Addr(); addr != nil {
		n.logger.Info("listening", "addr", addr.String(), "mtu", link.MTU(), "protocol", version.Current)
	}

	sc, err := n.cfg.ToService(local, n.id)
	if err != nil {
		return err
	}
	sc.Logger = n.logger.With("component", "server")
	sc.ProtocolLogger = n.protocol
	sc.Metrics = n.recorder
	sc.OnSecurityError = func(peer identity.PeerID, err error) {
		n.logger.Warn("frame rejected", "peer", peer.Short(), "error", err)
	}

	server, err := service.NewServer(sc, link)
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}
	n.server = server

	redial, err := connection.NewManager(connection.Config{
		Dialer:      link,
		Backoff:     n.cfg.ToBackoff(),
		DialTimeout: transport.DefaultHandshakeTimeout,
		Logger:      n.logger.With("component", "redial"),
	})
	if err != nil {
		return err
	}
	n.redial = redial
	link.SetHandler(redial.Wrap(server))

	return server.Start(ctx)
}

func (n *node) serveMetrics(ctx context.Context) {
	if n.registry == nil {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(n.registry))
	srv := &http.Server{Addr: n.cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		n.logger.Info("metrics listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.logger.Error("metrics server", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

// printMessages drains the inbound queue until it is closed.
func (n *node) printMessages(ctx context.Context, w io.Writer) {
	for {
		msg, err := n.server.Messages().Recv(ctx)
		if err != nil {
			if !errors.Is(err, queue.ErrQueueClosed) && !errors.Is(err, context.Canceled) {
				n.logger.Warn("receive", "error", err)
			}
			return
		}
		fmt.Fprintf(w, "[%s] %s: %s\n", msg.ReceivedAt.Format("15:04:05"), msg.Peer.Short(), printable(msg.Data))
	}
}

// printable renders text as is and binary data as hex.
func printable(data []byte) string {
	for _, b := range data {
		if (b < 0x20 && b != '\t') || b > 0x7e {
			return fmt.Sprintf("%x", data)
		}
	}
	return string(data)
}

func (n *node) close() {
	if n.redial != nil {
		n.redial.Close()
	}
	if n.keys != nil {
		if err := n.keys.Close(); err != nil && n.logger != nil {
			n.logger.Warn("closing keystore", "error", err)
		}
	}
	for i := len(n.closers) - 1; i >= 0; i-- {
		_ = n.closers[i].Close()
	}
}
