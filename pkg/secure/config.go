package secure

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/meshsec/meshsec-go/pkg/fragment"
	"github.com/meshsec/meshsec-go/pkg/identity"
	"github.com/meshsec/meshsec-go/pkg/log"
	"github.com/meshsec/meshsec-go/pkg/metrics"
	"github.com/meshsec/meshsec-go/pkg/wire"
)

// Defaults for Config.
const (
	DefaultMTU                  = 244
	DefaultMaxMessageSize       = DefaultMTU - 80
	DefaultRotationInterval     = 24 * time.Hour
	DefaultMaxMessageAge        = 5 * time.Minute
	DefaultMaxClockSkew         = 30 * time.Second
	DefaultRotationGrace        = 60 * time.Second
	DefaultRekeyTimeout         = 30 * time.Second
	DefaultExchangeTimeout      = 30 * time.Second
	DefaultHandshakeReplayTTL   = 10 * time.Minute
	DefaultHandshakeReplaySize  = 4096
	DefaultCompressionThreshold = 64

	// MaxPlaintextSize bounds a whole message before fragmentation.
	MaxPlaintextSize = 64 * 1024
)

// IdentityBinder produces identity proofs for our ephemeral keys and binds
// proofs presented by peers. *identity.Binder implements it.
type IdentityBinder interface {
	Prove(remote identity.PeerID, ephemeralPub []byte) ([]byte, error)
	Bind(claimer identity.PeerID, ephemeralPub, proof []byte) (identity.Verifier, error)
}

// FrameSender delivers control frames the engine produces on its own
// during key rotation.
type FrameSender func(peer identity.PeerID, frames []*wire.Frame) error

// Config configures an Engine.
type Config struct {
	// LocalID is this node's PeerID. Required.
	LocalID identity.PeerID

	// Session is the config proposed in every handshake.
	Session wire.SessionConfig

	// Binder attaches and checks identity proofs. Optional unless
	// RequireIdentity is set.
	Binder          IdentityBinder
	RequireIdentity bool

	// MTU is the largest encoded frame the link carries.
	MTU int

	MaxMessageAge   time.Duration
	MaxClockSkew    time.Duration
	RotationGrace   time.Duration
	RekeyTimeout    time.Duration
	ExchangeTimeout time.Duration

	HandshakeReplayTTL  time.Duration
	HandshakeReplaySize int

	// Reassembly configures the fragment reassembler. MaxMessageSize is
	// capped at MaxPlaintextSize.
	Reassembly fragment.Config

	// CompressionThreshold is the smallest payload worth compressing.
	CompressionThreshold int

	// Send delivers rotation control frames. Required for rotation.
	Send FrameSender

	// OnRotation is called after a session switches its send epoch.
	OnRotation func(peer identity.PeerID, epoch uint32)

	Metrics        *metrics.Recorder
	ProtocolLogger log.Logger

	// ConnectionID tags protocol events with the caller's connection id.
	ConnectionID func(identity.PeerID) string

	Logger *slog.Logger
	Now    func() time.Time
}

// DefaultSessionConfig returns the session parameters proposed by default.
func DefaultSessionConfig() wire.SessionConfig {
	return wire.SessionConfig{
		Cipher:                     wire.CipherChaCha20Poly1305,
		HMACEnabled:                true,
		TimestampValidation:        true,
		FragmentationEnabled:       true,
		MaxMessageSize:             DefaultMaxMessageSize,
		KeyRotationIntervalSeconds: uint32(DefaultRotationInterval / time.Second),
	}
}

// DefaultConfig returns a Config with default values for local.
func DefaultConfig(local identity.PeerID) Config {
	return Config{
		LocalID:              local,
		Session:              DefaultSessionConfig(),
		MTU:                  DefaultMTU,
		MaxMessageAge:        DefaultMaxMessageAge,
		MaxClockSkew:         DefaultMaxClockSkew,
		RotationGrace:        DefaultRotationGrace,
		RekeyTimeout:         DefaultRekeyTimeout,
		ExchangeTimeout:      DefaultExchangeTimeout,
		HandshakeReplayTTL:   DefaultHandshakeReplayTTL,
		HandshakeReplaySize:  DefaultHandshakeReplaySize,
		Reassembly:           fragment.DefaultConfig(),
		CompressionThreshold: DefaultCompressionThreshold,
	}
}

// applyDefaults fills zero durations and sizes.
func (c *Config) applyDefaults() {
	def := DefaultConfig(c.LocalID)
	if c.MTU == 0 {
		c.MTU = def.MTU
	}
	if c.MaxMessageAge <= 0 {
		c.MaxMessageAge = def.MaxMessageAge
	}
	if c.MaxClockSkew <= 0 {
		c.MaxClockSkew = def.MaxClockSkew
	}
	if c.RotationGrace <= 0 {
		c.RotationGrace = def.RotationGrace
	}
	if c.RekeyTimeout <= 0 {
		c.RekeyTimeout = def.RekeyTimeout
	}
	if c.ExchangeTimeout <= 0 {
		c.ExchangeTimeout = def.ExchangeTimeout
	}
	if c.HandshakeReplayTTL <= 0 {
		c.HandshakeReplayTTL = def.HandshakeReplayTTL
	}
	if c.HandshakeReplaySize <= 0 {
		c.HandshakeReplaySize = def.HandshakeReplaySize
	}
	if c.CompressionThreshold <= 0 {
		c.CompressionThreshold = def.CompressionThreshold
	}
	if c.Reassembly.MaxMessageSize <= 0 || c.Reassembly.MaxMessageSize > MaxPlaintextSize {
		c.Reassembly.MaxMessageSize = MaxPlaintextSize
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.LocalID.IsZero() {
		return fmt.Errorf("%w: local peer id required", ErrInvalidConfig)
	}
	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.MTU != 0 && c.MTU < wire.FrameOverhead+wire.MinMaxMessageLen {
		return fmt.Errorf("%w: mtu %d below minimum %d", ErrInvalidConfig, c.MTU, wire.FrameOverhead+wire.MinMaxMessageLen)
	}
	if c.RequireIdentity && c.Binder == nil {
		return fmt.Errorf("%w: identity required but no binder configured", ErrInvalidConfig)
	}
	return nil
}

// NegotiateConfig combines two proposals. The result does not depend on
// which side is local, so both peers arrive at the same config.
func NegotiateConfig(local, remote wire.SessionConfig) wire.SessionConfig {
	out := wire.SessionConfig{
		Cipher:               local.Cipher,
		HMACEnabled:          local.HMACEnabled || remote.HMACEnabled,
		TimestampValidation:  local.TimestampValidation || remote.TimestampValidation,
		FragmentationEnabled: local.FragmentationEnabled && remote.FragmentationEnabled,
		CompressionEnabled:   local.CompressionEnabled && remote.CompressionEnabled,
		MaxMessageSize:       min(local.MaxMessageSize, remote.MaxMessageSize),
	}
	if local.Cipher != remote.Cipher {
		out.Cipher = wire.CipherChaCha20Poly1305
	}
	switch {
	case local.KeyRotationIntervalSeconds == 0:
		out.KeyRotationIntervalSeconds = remote.KeyRotationIntervalSeconds
	case remote.KeyRotationIntervalSeconds == 0:
		out.KeyRotationIntervalSeconds = local.KeyRotationIntervalSeconds
	default:
		out.KeyRotationIntervalSeconds = min(local.KeyRotationIntervalSeconds, remote.KeyRotationIntervalSeconds)
	}
	return out
}
