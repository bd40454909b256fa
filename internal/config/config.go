// Package config loads the ambient, environment-driven settings that
// sit around the core session/channel protocol: listen addresses,
// timing knobs, and the optional sidecars (metrics, eventbus, monitor)
// cmd/ wires up. The protocol-level Config (internal/session.Config,
// internal/channel.Config) keeps its Go-literal defaults; this package
// only supplies the handful of knobs an operator plausibly wants to
// flip per deployment.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/packetloop/netcode/internal/channel"
	"github.com/packetloop/netcode/internal/ncrypto"
	"github.com/packetloop/netcode/internal/session"
	"github.com/packetloop/netcode/pkg/netcode"
)

// Config holds the environment-driven settings shared by the netcode
// server/client binaries and the token authority.
//
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Networking
	ListenAddr string `env:"NETCODE_LISTEN_ADDR" envDefault:":40000"`
	ProtocolID uint64 `env:"NETCODE_PROTOCOL_ID" envDefault:"1314145859"`
	MaxClients int    `env:"NETCODE_MAX_CLIENTS" envDefault:"64"`

	// Handshake/keepalive timing
	TimeoutSeconds int32         `env:"NETCODE_TIMEOUT_SECONDS" envDefault:"5"`
	HeartbeatTime  time.Duration `env:"NETCODE_HEARTBEAT_INTERVAL" envDefault:"100ms"`
	RequestRate    time.Duration `env:"NETCODE_HANDSHAKE_RETRY_INTERVAL" envDefault:"100ms"`

	// Token authority (cmd/tokenserver); AuthorityKeyHex is shared
	// out of band with the netcode server that will decrypt tokens it
	// mints.
	AuthorityKeyHex string `env:"NETCODE_AUTHORITY_KEY"`
	TokenServerAddr string `env:"NETCODE_TOKENSERVER_ADDR" envDefault:":8080"`
	JWTSigningKey   string `env:"NETCODE_JWT_SIGNING_KEY"`

	// Eventbus sidecar (internal/eventbus)
	NATSURL     string `env:"NETCODE_NATS_URL" envDefault:""`
	NATSSubject string `env:"NETCODE_NATS_SUBJECT" envDefault:"netcode.events"`

	// Monitor sidecar (internal/monitor)
	MonitorAddr     string        `env:"NETCODE_MONITOR_ADDR" envDefault:":8081"`
	MonitorInterval time.Duration `env:"NETCODE_MONITOR_INTERVAL" envDefault:"1s"`

	// Metrics export
	MetricsAddr string `env:"NETCODE_METRICS_ADDR" envDefault:":9100"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from a .env file (if present) and the
// process environment, validates it, and returns the result. Priority:
// real environment variables > .env file > struct defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks for configuration that would otherwise fail far from
// where it was set.
func (c *Config) Validate() error {
	if c.MaxClients < 1 {
		return fmt.Errorf("NETCODE_MAX_CLIENTS must be > 0, got %d", c.MaxClients)
	}
	if c.TimeoutSeconds < 1 {
		return fmt.Errorf("NETCODE_TIMEOUT_SECONDS must be > 0, got %d", c.TimeoutSeconds)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error (got %q)", c.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of json, console (got %q)", c.LogFormat)
	}
	return nil
}

// Logger builds the zerolog.Logger this configuration's LogLevel/
// LogFormat describe.
func (c *Config) Logger() zerolog.Logger {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if c.LogFormat == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	return logger.Level(level).With().Timestamp().Logger()
}

// AuthorityKey decodes the hex-encoded authority key shared between
// cmd/tokenserver (which seals tokens under it) and the netcode server
// (which opens them). Returns an error if NETCODE_AUTHORITY_KEY is
// unset or malformed.
func (c *Config) AuthorityKey() (ncrypto.Key, error) {
	if c.AuthorityKeyHex == "" {
		return ncrypto.Key{}, fmt.Errorf("config: NETCODE_AUTHORITY_KEY is required")
	}
	return ncrypto.ParseKey(c.AuthorityKeyHex)
}

// NetcodeConfig materializes the protocol-layer pkg/netcode.Config this
// environment describes, applying the timing/identity knobs on top of
// pkg/netcode.DefaultConfig()'s channel layout. privateKey is the
// server's authority key; pass the zero key for a client, which never
// reads it.
func (c *Config) NetcodeConfig(privateKey ncrypto.Key) netcode.Config {
	cfg := netcode.DefaultConfig()
	cfg.Session = session.Config{
		ProtocolID:     c.ProtocolID,
		MaxClients:     c.MaxClients,
		ServerAddr:     c.ListenAddr,
		PrivateKey:     privateKey,
		TimeoutSeconds: c.TimeoutSeconds,
		HeartbeatTime:  c.HeartbeatTime,
		RequestRate:    c.RequestRate,
	}
	cfg.Channel = channel.DefaultConfig()
	cfg.Channel.HeartbeatTime = c.HeartbeatTime
	return cfg
}

// LogConfig emits the loaded configuration as one structured log line,
// the teacher's convention for startup visibility.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("listen_addr", c.ListenAddr).
		Uint64("protocol_id", c.ProtocolID).
		Int("max_clients", c.MaxClients).
		Int32("timeout_seconds", c.TimeoutSeconds).
		Dur("heartbeat_time", c.HeartbeatTime).
		Str("monitor_addr", c.MonitorAddr).
		Str("metrics_addr", c.MetricsAddr).
		Bool("eventbus_enabled", c.NATSURL != "").
		Str("log_level", c.LogLevel).
		Msg("configuration loaded")
}
