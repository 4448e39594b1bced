package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all configuration for the reflow server binary.
type Config struct {
	// Server configuration
	HTTPPort int    `env:"REFLOW_HTTP_PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Store selects the persistence backend: memory, sqlite or redis.
	Store string `env:"REFLOW_STORE" envDefault:"sqlite"`

	// SQLitePath is the database file used when Store is sqlite.
	SQLitePath string `env:"REFLOW_SQLITE_PATH" envDefault:"reflow.db"`

	// Redis configuration, used when Store is redis.
	Redis RedisConfig

	// Worker configuration
	Workers WorkerConfig

	// RecurrenceInterval is the wait between recurring extraction cycles.
	RecurrenceInterval time.Duration `env:"REFLOW_RECURRENCE_INTERVAL" envDefault:"60s"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `env:"REFLOW_SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASS"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`

	PoolSize     int           `env:"REDIS_POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT" envDefault:"3s"`
}

// WorkerConfig holds worker pool configuration.
type WorkerConfig struct {
	PoolSize int `env:"REFLOW_WORKER_POOL_SIZE" envDefault:"4"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}

	switch c.Store {
	case "memory", "sqlite", "redis":
	default:
		return fmt.Errorf("invalid store backend: %s (must be memory, sqlite, or redis)", c.Store)
	}

	if c.Store == "sqlite" && c.SQLitePath == "" {
		return fmt.Errorf("sqlite path is required when store is sqlite")
	}
	if c.Store == "redis" && c.Redis.Addr == "" {
		return fmt.Errorf("redis address is required when store is redis")
	}

	if c.Workers.PoolSize < 1 {
		return fmt.Errorf("worker pool size must be at least 1")
	}

	if c.RecurrenceInterval <= 0 {
		return fmt.Errorf("recurrence interval must be positive")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	return nil
}

// GetHTTPAddr returns the HTTP server address.
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}
