package service

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/meshsec/meshsec-go/pkg/identity"
	"github.com/meshsec/meshsec-go/pkg/log"
	"github.com/meshsec/meshsec-go/pkg/metrics"
	"github.com/meshsec/meshsec-go/pkg/priority"
	"github.com/meshsec/meshsec-go/pkg/queue"
	"github.com/meshsec/meshsec-go/pkg/secure"
)

// Service errors.
var (
	ErrNotStarted         = errors.New("server not started")
	ErrAlreadyStarted     = errors.New("server already started")
	ErrInvalidConfig      = errors.New("invalid configuration")
	ErrUnknownClient      = errors.New("unknown client")
	ErrKeyExchangePending = errors.New("key exchange pending")
	ErrNoSession          = errors.New("no session")
	ErrServerFull         = errors.New("maximum clients reached")
)

// ServiceState represents the server lifecycle state.
type ServiceState uint8

const (
	StateIdle ServiceState = iota
	StateRunning
	StateStopped
)

// String returns the state name.
func (s ServiceState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// ClientState is the session state of one connected client.
type ClientState uint8

const (
	ClientDisconnected ClientState = iota
	ClientConnected
	ClientKeyExchangePending
	ClientEstablished
	ClientRotating
)

// String returns the state name used in logs and protocol events.
func (s ClientState) String() string {
	switch s {
	case ClientDisconnected:
		return "DISCONNECTED"
	case ClientConnected:
		return "CONNECTED"
	case ClientKeyExchangePending:
		return "KEY_EXCHANGE_PENDING"
	case ClientEstablished:
		return "ESTABLISHED"
	case ClientRotating:
		return "ROTATING"
	default:
		return "UNKNOWN"
	}
}

// Message is one decrypted inbound message.
type Message struct {
	Peer       identity.PeerID
	Data       []byte
	ReceivedAt time.Time
}

// Config configures a Server.
type Config struct {
	// Secure configures the session engine. The server overrides its MTU
	// with the link's, and installs its own Send, OnRotation,
	// ConnectionID, Metrics, loggers and reassembly Ranker.
	Secure secure.Config

	// Queue configures the inbound message queue.
	Queue queue.Config

	// MaxClients bounds concurrently connected clients.
	MaxClients int

	// DefaultTier is assigned to clients without an explicit priority.
	DefaultTier priority.Tier

	// InitiateOnConnect starts a handshake as soon as a peer connects.
	// Both sides may do so; simultaneous handshakes converge.
	InitiateOnConnect bool

	// IdleTimeout disconnects clients with no inbound traffic.
	IdleTimeout time.Duration

	// KeyExchangeTimeout returns a pending client to CONNECTED.
	KeyExchangeTimeout time.Duration

	// MaintenanceInterval is the period of the idle and timeout sweep.
	MaintenanceInterval time.Duration

	// RotationCheckInterval is the period of the key rotation check.
	RotationCheckInterval time.Duration

	// RateLimit and RateBurst configure the per-client inbound token
	// bucket in packets per second.
	RateLimit rate.Limit
	RateBurst int

	// ShedThreshold is the queue fill ratio above which Low-tier messages
	// are dropped.
	ShedThreshold float64

	// OnSecurityError is called for every rejected frame or handshake.
	OnSecurityError func(peer identity.PeerID, err error)

	// Metrics records server and engine metrics (nil disables).
	Metrics *metrics.Recorder

	// ProtocolLogger receives protocol events (nil disables).
	ProtocolLogger log.Logger

	// Logger is the optional logger for operational output.
	// If nil, logging is disabled.
	Logger *slog.Logger
}

// Server defaults.
const (
	DefaultMaxClients          = 64
	DefaultIdleTimeout         = 5 * time.Minute
	DefaultKeyExchangeTimeout  = 30 * time.Second
	DefaultMaintenanceInterval = 10 * time.Second
	DefaultRateLimit           = 200
	DefaultRateBurst           = 400
	DefaultShedThreshold       = 0.8
)

// DefaultConfig returns the default server configuration for local.
func DefaultConfig(local identity.PeerID) Config {
	return Config{
		Secure:                secure.DefaultConfig(local),
		Queue:                 queue.DefaultConfig(),
		MaxClients:            DefaultMaxClients,
		DefaultTier:           priority.TierNormal,
		InitiateOnConnect:     true,
		IdleTimeout:           DefaultIdleTimeout,
		KeyExchangeTimeout:    DefaultKeyExchangeTimeout,
		MaintenanceInterval:   DefaultMaintenanceInterval,
		RotationCheckInterval: secure.DefaultCheckInterval,
		RateLimit:             DefaultRateLimit,
		RateBurst:             DefaultRateBurst,
		ShedThreshold:         DefaultShedThreshold,
	}
}

// Validate checks the server-level fields. The engine validates Secure.
func (c Config) Validate() error {
	switch {
	case c.MaxClients <= 0:
		return fmt.Errorf("%w: max clients must be positive", ErrInvalidConfig)
	case c.IdleTimeout <= 0:
		return fmt.Errorf("%w: idle timeout must be positive", ErrInvalidConfig)
	case c.KeyExchangeTimeout <= 0:
		return fmt.Errorf("%w: key exchange timeout must be positive", ErrInvalidConfig)
	case c.MaintenanceInterval <= 0:
		return fmt.Errorf("%w: maintenance interval must be positive", ErrInvalidConfig)
	case c.RateLimit <= 0 || c.RateBurst <= 0:
		return fmt.Errorf("%w: rate limit and burst must be positive", ErrInvalidConfig)
	case c.ShedThreshold <= 0 || c.ShedThreshold > 1:
		return fmt.Errorf("%w: shed threshold must be in (0, 1]", ErrInvalidConfig)
	}
	if err := c.Queue.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Stats is a snapshot of server counters.
type Stats struct {
	Clients     int
	Established int
	Pending     int

	RateLimited    uint64
	Shed           uint64
	Evicted        uint64
	Refused        uint64
	SecurityErrors uint64
	Malformed      uint64

	Engine secure.Stats
	Queue  queue.Stats
}
