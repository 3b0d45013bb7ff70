// Package config loads sessiond configuration from the environment and an
// optional TOML file, and watches that file for changes.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ggoodman/transport-session-go/channel/redischan"
	"github.com/ggoodman/transport-session-go/internal/peerauth"
	"github.com/ggoodman/transport-session-go/transport"
	"github.com/joeshaw/envdecode"
)

// Channel kinds understood by sessiond.
const (
	ChannelMemory    = "memory"
	ChannelRedis     = "redis"
	ChannelTCP       = "tcp"
	ChannelWebsocket = "websocket"
	ChannelStdio     = "stdio"
)

// Config is the sessiond configuration. Defaults and environment values
// are applied first; keys present in a config file override them.
type Config struct {
	// Channel selects the channel kind. ENV: SESSIOND_CHANNEL
	Channel string `toml:"channel" env:"SESSIOND_CHANNEL,default=memory" jsonschema:"enum=memory,enum=redis,enum=tcp,enum=websocket,enum=stdio"`
	// Listen is the address served by tcp and websocket channels.
	Listen string `toml:"listen" env:"SESSIOND_LISTEN,default=127.0.0.1:7070"`
	// AdminListen serves /metrics and /healthz. Empty disables it.
	AdminListen string `toml:"admin_listen" env:"SESSIOND_ADMIN_LISTEN,default=127.0.0.1:9090"`
	// Topic is the request topic the responder subscribes to.
	Topic string `toml:"topic" env:"SESSIOND_TOPIC,default=echo"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `toml:"log_level" env:"SESSIOND_LOG_LEVEL,default=info" jsonschema:"enum=debug,enum=info,enum=warn,enum=error"`

	Session SessionConfig `toml:"session"`
	Redis   RedisConfig   `toml:"redis"`
	Auth    AuthConfig    `toml:"auth"`
}

// SessionConfig maps onto transport.Options.
type SessionConfig struct {
	Group         string        `toml:"group" env:"SESSIOND_GROUP"`
	Subfix        string        `toml:"subfix" env:"SESSIOND_SUBFIX"`
	Delimiter     string        `toml:"delimiter" env:"SESSIOND_DELIMITER"`
	MaxSize       int           `toml:"max_size" env:"SESSIOND_MAX_SIZE,default=0"`
	Overhead      int           `toml:"overhead" env:"SESSIOND_OVERHEAD,default=0"`
	NoChunking    bool          `toml:"no_chunking" env:"SESSIOND_NO_CHUNKING,default=false"`
	MaxPacketSize int           `toml:"max_packet_size" env:"SESSIOND_MAX_PACKET_SIZE,default=0"`
	Timeout       time.Duration `toml:"timeout" env:"SESSIOND_TIMEOUT,default=30s"`
	EventBuffer   int           `toml:"event_buffer" env:"SESSIOND_EVENT_BUFFER,default=64"`
}

// RedisConfig configures the redis channel.
type RedisConfig struct {
	Addr           string        `toml:"addr" env:"REDIS_ADDR,default=localhost:6379"`
	Prefix         string        `toml:"prefix" env:"REDIS_TOPIC_PREFIX"`
	HealthInterval time.Duration `toml:"health_interval" env:"REDIS_HEALTH_INTERVAL,default=0s"`
}

// AuthConfig enables bearer token checks on the websocket endpoint. An
// empty Issuer disables them.
type AuthConfig struct {
	Issuer    string        `toml:"issuer" env:"SESSIOND_AUTH_ISSUER"`
	JWKSURL   string        `toml:"jwks_url" env:"SESSIOND_AUTH_JWKS_URL"`
	Audiences []string      `toml:"audiences" env:"SESSIOND_AUTH_AUDIENCES"`
	Leeway    time.Duration `toml:"leeway" env:"SESSIOND_AUTH_LEEWAY,default=30s"`
}

// Load reads the environment and, when path is not empty, the TOML file at
// path. The result is validated.
func Load(path string) (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("load config %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch c.Channel {
	case ChannelMemory, ChannelRedis, ChannelTCP, ChannelWebsocket, ChannelStdio:
	default:
		return fmt.Errorf("config: unknown channel %q", c.Channel)
	}
	if c.Topic == "" {
		return errors.New("config: topic is required")
	}
	if len(c.Session.Delimiter) > 1 {
		return fmt.Errorf("config: delimiter must be a single byte, got %q", c.Session.Delimiter)
	}
	if c.Session.MaxSize < 0 || c.Session.Overhead < 0 || c.Session.MaxPacketSize < 0 {
		return errors.New("config: max_size, overhead and max_packet_size must not be negative")
	}
	if c.Session.MaxSize > 0 && c.Session.Overhead >= c.Session.MaxSize {
		return fmt.Errorf("config: overhead %d leaves no room in max_size %d", c.Session.Overhead, c.Session.MaxSize)
	}
	if c.Auth.JWKSURL != "" && c.Auth.Issuer == "" {
		return errors.New("config: auth.jwks_url requires auth.issuer")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("config: log_level: %w", err)
	}
	return lvl, nil
}

// SessionOptions converts the session settings into transport options.
func (c Config) SessionOptions(serverSide bool) transport.Options {
	opts := transport.Options{
		MaxSize:       c.Session.MaxSize,
		Overhead:      c.Session.Overhead,
		NoChunking:    c.Session.NoChunking,
		MaxPacketSize: c.Session.MaxPacketSize,
		ServerSide:    serverSide,
		Timeout:       c.Session.Timeout,
		Group:         c.Session.Group,
		Subfix:        c.Session.Subfix,
		EventBuffer:   c.Session.EventBuffer,
	}
	if c.Session.Delimiter != "" {
		opts.Delimiter = c.Session.Delimiter[0]
	}
	return opts
}

// PeerAuthConfig converts the auth settings for peerauth.New.
func (c Config) PeerAuthConfig() peerauth.Config {
	return peerauth.Config{
		Issuer:    c.Auth.Issuer,
		JWKSURL:   c.Auth.JWKSURL,
		Audiences: c.Auth.Audiences,
		Leeway:    c.Auth.Leeway,
	}
}

// RedisChannelConfig converts the redis settings for redischan.New.
func (c Config) RedisChannelConfig() redischan.Config {
	return redischan.Config{
		Addr:           c.Redis.Addr,
		Prefix:         c.Redis.Prefix,
		HealthInterval: c.Redis.HealthInterval,
	}
}
