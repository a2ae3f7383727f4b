package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/meshsec/meshsec-go/pkg/connection"
	"github.com/meshsec/meshsec-go/pkg/fragment"
	"github.com/meshsec/meshsec-go/pkg/identity"
	"github.com/meshsec/meshsec-go/pkg/keystore"
	"github.com/meshsec/meshsec-go/pkg/priority"
	"github.com/meshsec/meshsec-go/pkg/queue"
	"github.com/meshsec/meshsec-go/pkg/secure"
	"github.com/meshsec/meshsec-go/pkg/service"
	"github.com/meshsec/meshsec-go/pkg/transport"
	"github.com/meshsec/meshsec-go/pkg/wire"
)

// ErrInvalidConfig is returned for values that fail validation.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the complete node configuration.
type Config struct {
	Node     NodeConfig     `yaml:"node"`
	Security SecurityConfig `yaml:"security"`
	Queue    QueueConfig    `yaml:"queue"`
	Rotation RotationConfig `yaml:"rotation"`
	Server   ServerConfig   `yaml:"server"`
	Link     LinkConfig     `yaml:"link"`
	Keystore KeystoreConfig `yaml:"keystore"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// NodeConfig describes the long-term identity.
type NodeConfig struct {
	Name          string `yaml:"name"`
	IdentityAlias string `yaml:"identity_alias"`
	Scheme        string `yaml:"scheme"`
	Difficulty    uint8  `yaml:"difficulty"`

	// RequireIdentity refuses handshakes without a valid identity proof.
	RequireIdentity bool  `yaml:"require_identity"`
	MinDifficulty   uint8 `yaml:"min_difficulty"`
}

// SecurityConfig holds the proposed session parameters and the frame
// validation limits.
type SecurityConfig struct {
	Cipher               string `yaml:"cipher"`
	HMACEnabled          bool   `yaml:"hmac_enabled"`
	TimestampValidation  bool   `yaml:"timestamp_validation"`
	FragmentationEnabled bool   `yaml:"fragmentation_enabled"`
	CompressionEnabled   bool   `yaml:"compression_enabled"`
	MaxMessageSize       uint32 `yaml:"max_message_size"`

	MaxMessageAge   time.Duration `yaml:"max_message_age"`
	MaxClockSkew    time.Duration `yaml:"max_clock_skew"`
	ExchangeTimeout time.Duration `yaml:"exchange_timeout"`
}

// QueueConfig configures the inbound message queue.
type QueueConfig struct {
	MaxSize             int           `yaml:"max_size"`
	Policy              string        `yaml:"policy"`
	BackpressureTimeout time.Duration `yaml:"backpressure_timeout"`
}

// RotationConfig configures key rotation.
type RotationConfig struct {
	Interval      time.Duration `yaml:"interval"`
	CheckInterval time.Duration `yaml:"check_interval"`
	Grace         time.Duration `yaml:"grace"`
	RekeyTimeout  time.Duration `yaml:"rekey_timeout"`
}

// ServerConfig holds the session server limits.
type ServerConfig struct {
	MaxClients          int           `yaml:"max_clients"`
	DefaultTier         string        `yaml:"default_tier"`
	InitiateOnConnect   bool          `yaml:"initiate_on_connect"`
	IdleTimeout         time.Duration `yaml:"idle_timeout"`
	KeyExchangeTimeout  time.Duration `yaml:"key_exchange_timeout"`
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
	RateLimit           float64       `yaml:"rate_limit"`
	RateBurst           int           `yaml:"rate_burst"`
	ShedThreshold       float64       `yaml:"shed_threshold"`

	ReassemblyTimeout    time.Duration `yaml:"reassembly_timeout"`
	MaxReassemblyBuffers int           `yaml:"max_reassembly_buffers"`
}

// LinkConfig configures the QUIC link.
type LinkConfig struct {
	// Listen is the UDP address to accept peers on. Empty disables
	// listening.
	Listen string `yaml:"listen"`

	// Peers are dialed at startup and redialed whenever their link drops.
	Peers []string `yaml:"peers"`

	// ReconnectMin and ReconnectMax bound the redial backoff.
	ReconnectMin time.Duration `yaml:"reconnect_min"`
	ReconnectMax time.Duration `yaml:"reconnect_max"`

	MTU         int           `yaml:"mtu"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	KeepAlive   time.Duration `yaml:"keep_alive"`
}

// KeystoreConfig configures the persistent keystore. An empty Path keeps
// keys in memory only.
type KeystoreConfig struct {
	Path string `yaml:"path"`

	// PassphraseEnv names the environment variable holding the passphrase.
	PassphraseEnv string `yaml:"passphrase_env"`

	KDFMemoryKiB uint32 `yaml:"kdf_memory_kib"`
	KDFTime      uint32 `yaml:"kdf_time"`
	KDFThreads   uint8  `yaml:"kdf_threads"`
}

// LoggingConfig configures operational and protocol logs.
type LoggingConfig struct {
	Level string `yaml:"level"`

	// File receives operational logs. Empty logs to stderr.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`

	// ProtocolFile receives CBOR protocol events. Empty disables capture.
	ProtocolFile string `yaml:"protocol_file"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Listen is the HTTP address serving /metrics. Empty disables it.
	Listen string `yaml:"listen"`
}

// Default returns the built-in configuration.
func Default() Config {
	sess := secure.DefaultSessionConfig()
	qc := queue.DefaultConfig()
	kdf := keystore.DefaultKDFParams()
	return Config{
		Node: NodeConfig{
			IdentityAlias: "node-identity",
			Scheme:        identity.SchemeEd25519,
			Difficulty:    identity.DefaultDifficulty,
			MinDifficulty: identity.DefaultDifficulty,
		},
		Security: SecurityConfig{
			Cipher:               sess.Cipher.String(),
			HMACEnabled:          sess.HMACEnabled,
			TimestampValidation:  sess.TimestampValidation,
			FragmentationEnabled: sess.FragmentationEnabled,
			CompressionEnabled:   sess.CompressionEnabled,
			MaxMessageSize:       sess.MaxMessageSize,
			MaxMessageAge:        secure.DefaultMaxMessageAge,
			MaxClockSkew:         secure.DefaultMaxClockSkew,
			ExchangeTimeout:      secure.DefaultExchangeTimeout,
		},
		Queue: QueueConfig{
			MaxSize:             qc.MaxSize,
			Policy:              qc.Policy.String(),
			BackpressureTimeout: qc.BackpressureTimeout,
		},
		Rotation: RotationConfig{
			Interval:      secure.DefaultRotationInterval,
			CheckInterval: secure.DefaultCheckInterval,
			Grace:         secure.DefaultRotationGrace,
			RekeyTimeout:  secure.DefaultRekeyTimeout,
		},
		Server: ServerConfig{
			MaxClients:           service.DefaultMaxClients,
			DefaultTier:          priority.TierNormal.String(),
			InitiateOnConnect:    true,
			IdleTimeout:          service.DefaultIdleTimeout,
			KeyExchangeTimeout:   service.DefaultKeyExchangeTimeout,
			MaintenanceInterval:  service.DefaultMaintenanceInterval,
			RateLimit:            service.DefaultRateLimit,
			RateBurst:            service.DefaultRateBurst,
			ShedThreshold:        service.DefaultShedThreshold,
			ReassemblyTimeout:    fragment.DefaultTimeout,
			MaxReassemblyBuffers: fragment.DefaultMaxBuffers,
		},
		Link: LinkConfig{
			Listen:      fmt.Sprintf(":%d", transport.DefaultPort),
			MTU:         transport.DefaultQUICMTU,
			IdleTimeout: transport.DefaultIdleTimeout,
			KeepAlive:   transport.DefaultKeepAlivePeriod,

			ReconnectMin: connection.InitialBackoff,
			ReconnectMax: connection.MaxBackoff,
		},
		Keystore: KeystoreConfig{
			PassphraseEnv: "MESHSEC_PASSPHRASE",
			KDFMemoryKiB:  kdf.Memory,
			KDFTime:       kdf.Time,
			KDFThreads:    kdf.Threads,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
	}
}

// Load reads the YAML file at path on top of Default and validates the
// result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML on top of Default and validates the result. Unknown
// keys are an error.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Marshal encodes cfg as YAML.
func Marshal(cfg Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

// Validate checks every section.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Node.IdentityAlias != "", "node.identity_alias is required")
	switch c.Node.Scheme {
	case identity.SchemeEd25519, identity.SchemeMLDSA65:
	default:
		errs = append(errs, fmt.Errorf("node.scheme %q is not supported", c.Node.Scheme))
	}
	check(c.Node.MinDifficulty <= 64, "node.min_difficulty %d exceeds 64", c.Node.MinDifficulty)

	if _, err := wire.ParseCipherSuite(c.Security.Cipher); err != nil {
		errs = append(errs, fmt.Errorf("security.cipher: %v", err))
	}
	check(c.Security.MaxMessageSize >= wire.MinMaxMessageLen,
		"security.max_message_size must be at least %d", wire.MinMaxMessageLen)
	check(c.Security.MaxMessageAge > 0, "security.max_message_age must be positive")
	check(c.Security.MaxClockSkew >= 0, "security.max_clock_skew must not be negative")
	check(c.Security.ExchangeTimeout > 0, "security.exchange_timeout must be positive")

	if _, err := queue.ParseOverflowPolicy(c.Queue.Policy); err != nil {
		errs = append(errs, fmt.Errorf("queue.policy: %v", err))
	}
	check(c.Queue.MaxSize > 0, "queue.max_size must be positive")

	check(c.Rotation.Interval >= time.Second, "rotation.interval must be at least 1s")
	check(c.Rotation.Interval/time.Second <= 1<<32-1, "rotation.interval is too long")
	check(c.Rotation.CheckInterval > 0, "rotation.check_interval must be positive")
	check(c.Rotation.Grace > 0, "rotation.grace must be positive")
	check(c.Rotation.RekeyTimeout > 0, "rotation.rekey_timeout must be positive")

	if _, err := priority.ParseTier(c.Server.DefaultTier); err != nil {
		errs = append(errs, fmt.Errorf("server.default_tier: %v", err))
	}
	check(c.Server.ReassemblyTimeout > 0, "server.reassembly_timeout must be positive")
	check(c.Server.MaxReassemblyBuffers > 0, "server.max_reassembly_buffers must be positive")

	check(c.Link.MTU == 0 || c.Link.MTU >= wire.FrameOverhead+wire.MinMaxMessageLen,
		"link.mtu %d is below the minimum %d", c.Link.MTU, wire.FrameOverhead+wire.MinMaxMessageLen)
	check(c.Link.ReconnectMin > 0, "link.reconnect_min must be positive")
	check(c.Link.ReconnectMax >= c.Link.ReconnectMin, "link.reconnect_max must not be below link.reconnect_min")
	for _, p := range c.Link.Peers {
		check(strings.TrimSpace(p) != "", "link.peers contains an empty address")
	}

	check(c.Keystore.Path == "" || c.Keystore.PassphraseEnv != "",
		"keystore.passphrase_env is required with keystore.path")

	if _, err := ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}

	// Server-level checks live in the service package.
	sc, err := c.serviceFields()
	if err != nil {
		return err
	}
	if err := sc.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(name string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(name)); err != nil {
		return 0, fmt.Errorf("logging.level %q: %w", name, err)
	}
	return l, nil
}

// SessionConfig returns the session parameters proposed in handshakes.
func (c Config) SessionConfig() (wire.SessionConfig, error) {
	suite, err := wire.ParseCipherSuite(c.Security.Cipher)
	if err != nil {
		return wire.SessionConfig{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return wire.SessionConfig{
		Cipher:                     suite,
		HMACEnabled:                c.Security.HMACEnabled,
		TimestampValidation:        c.Security.TimestampValidation,
		FragmentationEnabled:       c.Security.FragmentationEnabled,
		CompressionEnabled:         c.Security.CompressionEnabled,
		MaxMessageSize:             c.Security.MaxMessageSize,
		KeyRotationIntervalSeconds: uint32(c.Rotation.Interval / time.Second),
	}, nil
}

// ToSecure builds the session engine options for local. Binder is set
// only when id is not nil.
func (c Config) ToSecure(local identity.PeerID, id *identity.Identity) (secure.Config, error) {
	sess, err := c.SessionConfig()
	if err != nil {
		return secure.Config{}, err
	}
	sc := secure.DefaultConfig(local)
	sc.Session = sess
	sc.MaxMessageAge = c.Security.MaxMessageAge
	sc.MaxClockSkew = c.Security.MaxClockSkew
	sc.ExchangeTimeout = c.Security.ExchangeTimeout
	sc.RotationGrace = c.Rotation.Grace
	sc.RekeyTimeout = c.Rotation.RekeyTimeout
	sc.Reassembly.Timeout = c.Server.ReassemblyTimeout
	sc.Reassembly.MaxBuffers = c.Server.MaxReassemblyBuffers
	if c.Link.MTU > 0 {
		sc.MTU = c.Link.MTU
	}
	if id != nil {
		sc.Binder = identity.NewBinder(id, c.Node.MinDifficulty)
	}
	sc.RequireIdentity = c.Node.RequireIdentity
	return sc, nil
}

// ToQueue builds the inbound queue options.
func (c Config) ToQueue() (queue.Config, error) {
	policy, err := queue.ParseOverflowPolicy(c.Queue.Policy)
	if err != nil {
		return queue.Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return queue.Config{
		MaxSize:             c.Queue.MaxSize,
		Policy:              policy,
		BackpressureTimeout: c.Queue.BackpressureTimeout,
	}, nil
}

// serviceFields fills the server-level fields of a service.Config.
func (c Config) serviceFields() (service.Config, error) {
	tier, err := priority.ParseTier(c.Server.DefaultTier)
	if err != nil {
		return service.Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	qc, err := c.ToQueue()
	if err != nil {
		return service.Config{}, err
	}
	return service.Config{
		Queue:                 qc,
		MaxClients:            c.Server.MaxClients,
		DefaultTier:           tier,
		InitiateOnConnect:     c.Server.InitiateOnConnect,
		IdleTimeout:           c.Server.IdleTimeout,
		KeyExchangeTimeout:    c.Server.KeyExchangeTimeout,
		MaintenanceInterval:   c.Server.MaintenanceInterval,
		RotationCheckInterval: c.Rotation.CheckInterval,
		RateLimit:             rate.Limit(c.Server.RateLimit),
		RateBurst:             c.Server.RateBurst,
		ShedThreshold:         c.Server.ShedThreshold,
	}, nil
}

// ToService builds the server options for local. Metrics and loggers are
// left for the caller.
func (c Config) ToService(local identity.PeerID, id *identity.Identity) (service.Config, error) {
	sc, err := c.serviceFields()
	if err != nil {
		return service.Config{}, err
	}
	sc.Secure, err = c.ToSecure(local, id)
	if err != nil {
		return service.Config{}, err
	}
	return sc, nil
}

// ToQUIC builds the link options for local.
func (c Config) ToQUIC(local identity.PeerID) transport.QUICConfig {
	return transport.QUICConfig{
		LocalID:         local,
		ListenAddr:      c.Link.Listen,
		MTU:             c.Link.MTU,
		IdleTimeout:     c.Link.IdleTimeout,
		KeepAlivePeriod: c.Link.KeepAlive,
	}
}

// ToBackoff returns the peer redial backoff.
func (c Config) ToBackoff() connection.BackoffConfig {
	return connection.BackoffConfig{
		Initial: c.Link.ReconnectMin,
		Max:     c.Link.ReconnectMax,
		Jitter:  connection.JitterFactor,
	}
}

// KDFParams returns the keystore key derivation parameters.
func (c Config) KDFParams() keystore.KDFParams {
	p := keystore.DefaultKDFParams()
	if c.Keystore.KDFMemoryKiB > 0 {
		p.Memory = c.Keystore.KDFMemoryKiB
	}
	if c.Keystore.KDFTime > 0 {
		p.Time = c.Keystore.KDFTime
	}
	if c.Keystore.KDFThreads > 0 {
		p.Threads = c.Keystore.KDFThreads
	}
	return p
}
