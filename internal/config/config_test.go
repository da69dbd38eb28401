package config

import (
	"strings"
	"testing"
	"time"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantMsg string
	}{
		{
			name:    "unknown mode",
			mutate:  func(c *Config) { c.Mode = "turbo" },
			wantMsg: "unknown mode",
		},
		{
			name:    "unknown log level",
			mutate:  func(c *Config) { c.LogLevel = "verbose" },
			wantMsg: "unknown log_level",
		},
		{
			name:    "fee rate out of range",
			mutate:  func(c *Config) { c.Settlement.FeeRate = 1.5 },
			wantMsg: "fee_rate",
		},
		{
			name:    "min order size",
			mutate:  func(c *Config) { c.Engine.MinOrderSize = 0 },
			wantMsg: "min_order_size",
		},
		{
			name: "missing postgres in serve mode",
			mutate: func(c *Config) {
				c.Postgres.DSN = ""
				c.Postgres.Host = ""
			},
			wantMsg: "postgres",
		},
		{
			name: "encrypted key without password",
			mutate: func(c *Config) {
				c.Signing.EncryptedKeyPath = "/keys/signer.json"
				c.Signing.KeyPassword = ""
			},
			wantMsg: "key_password",
		},
		{
			name:    "bad server port",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantMsg: "port",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Defaults()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.wantMsg) {
				t.Fatalf("error %q does not mention %q", err, tc.wantMsg)
			}
		})
	}
}

func TestPaperModeNeedsNoBackends(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "paper"
	cfg.Postgres = PostgresConfig{}
	cfg.Redis = RedisConfig{}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("paper mode should not require backends: %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PREDICT_POSTGRES_PASSWORD", "hunter2")
	t.Setenv("PREDICT_ENGINE_MIN_ORDER_SIZE", "25")
	t.Setenv("PREDICT_ENGINE_EXPIRY_SWEEP_INTERVAL", "250ms")
	t.Setenv("PREDICT_SERVER_CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("PREDICT_MODE", "paper")

	cfg := Defaults()
	applyEnvOverrides(&cfg)

	if cfg.Postgres.Password != "hunter2" {
		t.Errorf("password override: got %q", cfg.Postgres.Password)
	}
	if cfg.Engine.MinOrderSize != 25 {
		t.Errorf("min order size override: got %v", cfg.Engine.MinOrderSize)
	}
	if cfg.Engine.ExpirySweepInterval.Duration != 250*time.Millisecond {
		t.Errorf("sweep interval override: got %v", cfg.Engine.ExpirySweepInterval.Duration)
	}
	if len(cfg.Server.CORSOrigins) != 2 || cfg.Server.CORSOrigins[1] != "https://b.example" {
		t.Errorf("cors override: got %v", cfg.Server.CORSOrigins)
	}
	if cfg.Mode != "paper" {
		t.Errorf("mode override: got %q", cfg.Mode)
	}
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.Password = "secret"
	cfg.Signing.PrivateKey = "deadbeef"
	cfg.Server.APIKey = "key"

	red := RedactedConfig(&cfg)
	if red.Postgres.Password != "***" || red.Signing.PrivateKey != "***" || red.Server.APIKey != "***" {
		t.Error("secrets not redacted")
	}
	if cfg.Postgres.Password != "secret" {
		t.Error("original mutated")
	}
	red.Server.CORSOrigins[0] = "mutated"
	if cfg.Server.CORSOrigins[0] == "mutated" {
		t.Error("redacted copy shares slice with original")
	}
}
