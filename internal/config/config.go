// Package config defines the top-level configuration for the trading core
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by PREDICT_* environment variables.
type Config struct {
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Engine     EngineConfig     `toml:"engine"`
	Settlement SettlementConfig `toml:"settlement"`
	Signing    SigningConfig    `toml:"signing"`
	Server     ServerConfig     `toml:"server"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for settlement
// archival. Archival is disabled when Bucket is empty.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// EngineConfig holds matching engine and placement parameters.
type EngineConfig struct {
	MinOrderSize float64 `toml:"min_order_size"`
	// PlacementRateLimit caps order placements per user per window.
	PlacementRateLimit  int      `toml:"placement_rate_limit"`
	PlacementRateWindow duration `toml:"placement_rate_window"`
	// ExpirySweepInterval controls how often GTD/DAY orders are checked for
	// expiry and armed triggers for firing.
	ExpirySweepInterval duration `toml:"expiry_sweep_interval"`
}

// SettlementConfig holds settlement parameters.
type SettlementConfig struct {
	// FeeRate is the fraction withheld from gross winning payouts.
	FeeRate float64 `toml:"fee_rate"`
}

// SigningConfig holds the key used to sign cancellation confirmations.
// Either a raw hex key or an encrypted key file plus password.
type SigningConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	// RateLimit caps requests per client IP per second. Zero disables it.
	RateLimit int `toml:"rate_limit"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "predictcore",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Engine: EngineConfig{
			MinOrderSize:        10.0,
			PlacementRateLimit:  10,
			PlacementRateWindow: duration{time.Second},
			ExpirySweepInterval: duration{time.Second},
		},
		Settlement: SettlementConfig{
			FeeRate: 0.02,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   50,
		},
		Mode:     "serve",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"serve": true,
	"paper": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: serve, paper)", c.Mode))
	}

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Postgres and Redis are only required in serve mode; paper mode runs
	// entirely in memory.
	if strings.ToLower(c.Mode) == "serve" {
		if c.Postgres.DSN == "" && (c.Postgres.Host == "" || c.Postgres.Database == "" || c.Postgres.User == "") {
			errs = append(errs, "postgres: either dsn or host/database/user must be set for mode serve")
		}
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty for mode serve")
		}
	}

	if c.Postgres.PoolMaxConns < c.Postgres.PoolMinConns {
		errs = append(errs, "postgres: pool_max_conns must be >= pool_min_conns")
	}

	if c.S3.Bucket != "" {
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must be set when bucket is configured")
		}
		if (c.S3.AccessKey == "") != (c.S3.SecretKey == "") {
			errs = append(errs, "s3: access_key and secret_key must be set together")
		}
	}

	if c.Engine.MinOrderSize <= 0 {
		errs = append(errs, "engine: min_order_size must be positive")
	}
	if c.Engine.PlacementRateLimit < 0 {
		errs = append(errs, "engine: placement_rate_limit must not be negative")
	}
	if c.Engine.ExpirySweepInterval.Duration <= 0 {
		errs = append(errs, "engine: expiry_sweep_interval must be positive")
	}

	if c.Settlement.FeeRate < 0 || c.Settlement.FeeRate >= 1 {
		errs = append(errs, fmt.Sprintf("settlement: fee_rate must be in [0, 1), got %v", c.Settlement.FeeRate))
	}

	if c.Signing.EncryptedKeyPath != "" && c.Signing.KeyPassword == "" {
		errs = append(errs, "signing: key_password is required when encrypted_key_path is set")
	}

	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		errs = append(errs, fmt.Sprintf("server: port must be in (0, 65535], got %d", c.Server.Port))
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, "server: rate_limit must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}
