// Package config loads gateway configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all gateway configuration.
//
// Tags:
//
//	env: environment variable name
//	envDefault: default value if not set
type Config struct {
	Addr string `env:"WS_ADDR" envDefault:":8080"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD" envDefault:""`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	JWTSecret string `env:"JWT_SECRET" envDefault:"development-secret"`
	JWTIssuer string `env:"JWT_ISSUER" envDefault:"chat-gateway"`

	NATSURL string `env:"NATS_URL" envDefault:""`

	MaxConnectionsPerUser int           `env:"WS_MAX_CONNECTIONS_PER_USER" envDefault:"5"`
	PingInterval          time.Duration `env:"WS_PING_INTERVAL" envDefault:"20s"`
	PingTimeout           time.Duration `env:"WS_PING_TIMEOUT" envDefault:"20s"`
	MaxHistorySize        int           `env:"WS_MAX_HISTORY_SIZE" envDefault:"100"`
	MaxMessageLength      int           `env:"WS_MAX_MESSAGE_LENGTH" envDefault:"1048576"`
	ChunkSize             int           `env:"WS_CHUNK_SIZE" envDefault:"8"`

	BackoffBase  time.Duration `env:"WS_BACKOFF_BASE" envDefault:"2s"`
	BackoffMax   time.Duration `env:"WS_BACKOFF_MAX" envDefault:"300s"`
	BackoffReset time.Duration `env:"WS_BACKOFF_RESET" envDefault:"600s"`

	ConnRateIPBurst      int     `env:"WS_CONN_RATE_IP_BURST" envDefault:"10"`
	ConnRateIPPerSec     float64 `env:"WS_CONN_RATE_IP_PER_SEC" envDefault:"1.0"`
	ConnRateGlobalBurst  int     `env:"WS_CONN_RATE_GLOBAL_BURST" envDefault:"300"`
	ConnRateGlobalPerSec float64 `env:"WS_CONN_RATE_GLOBAL_PER_SEC" envDefault:"50.0"`

	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat       string        `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from a .env file (if present) and the
// environment. Environment variables always win over .env values.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		// Missing .env is fine outside local development.
		fmt.Println("info: no .env file found, using environment variables only")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for internally inconsistent values.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("WS_ADDR is required")
	}
	if c.MaxConnectionsPerUser < 1 {
		return fmt.Errorf("WS_MAX_CONNECTIONS_PER_USER must be > 0, got %d", c.MaxConnectionsPerUser)
	}
	if c.MaxMessageLength < 1 {
		return fmt.Errorf("WS_MAX_MESSAGE_LENGTH must be > 0, got %d", c.MaxMessageLength)
	}
	if c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("WS_BACKOFF_MAX (%s) must be >= WS_BACKOFF_BASE (%s)", c.BackoffMax, c.BackoffBase)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error (got %q)", c.LogLevel)
	}
	switch c.LogFormat {
	case "json", "pretty":
	default:
		return fmt.Errorf("LOG_FORMAT must be one of json, pretty (got %q)", c.LogFormat)
	}
	return nil
}

// Log emits the loaded configuration as a structured log event, redacting
// secrets.
func (c *Config) Log(logger zerolog.Logger) {
	logger.Info().
		Str("addr", c.Addr).
		Str("redis_addr", c.RedisAddr).
		Int("redis_db", c.RedisDB).
		Bool("nats_enabled", c.NATSURL != "").
		Int("max_connections_per_user", c.MaxConnectionsPerUser).
		Dur("ping_interval", c.PingInterval).
		Dur("ping_timeout", c.PingTimeout).
		Int("max_history_size", c.MaxHistorySize).
		Int("max_message_length", c.MaxMessageLength).
		Dur("backoff_base", c.BackoffBase).
		Dur("backoff_max", c.BackoffMax).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("configuration loaded")
}
