// Package config loads the server's settings from the environment. Every
// component owns a sub-struct with its own env tags and defaults; Load only
// assembles them under prefixes and validates the result.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/whisper/chatguard/internal/access"
	"github.com/whisper/chatguard/internal/audit"
	"github.com/whisper/chatguard/internal/ban"
	"github.com/whisper/chatguard/internal/chat"
	"github.com/whisper/chatguard/internal/enforcement"
	"github.com/whisper/chatguard/internal/messaging"
	"github.com/whisper/chatguard/internal/ratelimit"
	"github.com/whisper/chatguard/internal/ws"
)

// RedisConfig holds the Redis connection settings.
type RedisConfig struct {
	Addr     string `env:"ADDR"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB"`
}

// PostgresConfig holds the database settings. An empty DSN selects the
// in-memory store.
type PostgresConfig struct {
	DSN            string        `env:"DSN"`
	MigrateOnStart bool          `env:"MIGRATE_ON_START"`
	MaxOpenConns   int           `env:"MAX_OPEN_CONNS"`
	ConnMaxIdle    time.Duration `env:"CONN_MAX_IDLE"`
}

// NATSConfig enables cross-instance fan-out. Disabled runs deliver in-process.
type NATSConfig struct {
	Enabled bool `env:"ENABLED"`
	messaging.NATSConfig
}

// ModerationConfig tunes the content engine.
type ModerationConfig struct {
	MaxMessageLength int `env:"MAX_MESSAGE_LENGTH"`
}

// Config is the complete server configuration.
type Config struct {
	ServerName string `env:"SERVER_NAME"`
	APIEnabled bool   `env:"API_ENABLED"`

	Server      ws.ServerConfig    `envPrefix:"WS_"`
	Redis       RedisConfig        `envPrefix:"REDIS_"`
	Postgres    PostgresConfig     `envPrefix:"POSTGRES_"`
	NATS        NATSConfig         `envPrefix:"NATS_"`
	Kafka       audit.KafkaConfig  `envPrefix:"KAFKA_"`
	Auth        chat.AuthConfig    `envPrefix:"AUTH_"`
	Chat        chat.Config        `envPrefix:"CHAT_"`
	Limits      ratelimit.Config   `envPrefix:"LIMITS_"`
	Moderation  ModerationConfig   `envPrefix:"MODERATION_"`
	Enforcement enforcement.Config `envPrefix:"ENFORCEMENT_"`
	Strikes     ban.Config         `envPrefix:"BAN_"`
	Access      access.Config      `envPrefix:"ACCESS_"`
	Audit       audit.Config       `envPrefix:"AUDIT_"`
}

// Default returns the configuration with every package default applied.
func Default() Config {
	host, _ := os.Hostname()
	if host == "" {
		host = "chat-1"
	}
	return Config{
		ServerName:  host,
		APIEnabled:  true,
		Server:      ws.DefaultServerConfig(),
		Redis:       RedisConfig{Addr: "localhost:6379"},
		Postgres:    PostgresConfig{MigrateOnStart: true, MaxOpenConns: 20, ConnMaxIdle: 5 * time.Minute},
		NATS:        NATSConfig{NATSConfig: messaging.DefaultNATSConfig()},
		Kafka:       audit.DefaultKafkaConfig(),
		Chat:        chat.DefaultConfig(),
		Limits:      ratelimit.DefaultConfig(),
		Enforcement: enforcement.DefaultConfig(),
		Strikes:     ban.DefaultConfig(),
		Access:      access.DefaultConfig(),
		Audit:       audit.DefaultConfig(),
	}
}

// Load reads the environment over Default.
func Load() (Config, error) {
	return LoadFrom(nil)
}

// LoadFrom is Load with an explicit environment; nil reads the process
// environment.
func LoadFrom(environ map[string]string) (Config, error) {
	cfg, err := parse(environ)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadAuditor reads the environment for the audit consumer. It needs Kafka
// but no token secret.
func LoadAuditor(environ map[string]string) (Config, error) {
	cfg, err := parse(environ)
	if err != nil {
		return Config{}, err
	}
	var errs []error
	if !cfg.Kafka.Enabled || len(cfg.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("the auditor requires CHATGUARD_KAFKA_ENABLED and CHATGUARD_KAFKA_BROKERS"))
	}
	if cfg.Redis.Addr == "" {
		errs = append(errs, errors.New("CHATGUARD_REDIS_ADDR is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func parse(environ map[string]string) (Config, error) {
	cfg := Default()
	opts := env.Options{Prefix: "CHATGUARD_"}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Validate rejects settings no component can run with.
func (c Config) Validate() error {
	var errs []error
	if c.Auth.Secret == "" {
		errs = append(errs, errors.New("CHATGUARD_AUTH_JWT_SECRET is required"))
	}
	if c.Redis.Addr == "" {
		errs = append(errs, errors.New("CHATGUARD_REDIS_ADDR is required"))
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka enabled without brokers"))
	}
	if c.Moderation.MaxMessageLength < 0 {
		errs = append(errs, errors.New("moderation max message length must not be negative"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
