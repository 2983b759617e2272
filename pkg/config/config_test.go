package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// helper to build a minimal valid config that can be tweaked in tests.
func validBaseConfig() *Config {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 10
	cfg.RateLimiting.HTTP.Burst = 20
	cfg.RateLimiting.HTTP.MaxConcurrent = 5
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 50
	cfg.RateLimiting.WebSocket.Burst = 100
	cfg.RateLimiting.WebSocket.MaxConcurrent = 10
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 65536
	return cfg
}

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected default config to be valid, got: %v", err)
	}
	if cfg.Presence.SweepInterval != 30*time.Second {
		t.Errorf("expected 30s sweep interval, got %v", cfg.Presence.SweepInterval)
	}
	if cfg.Presence.InitialDelay != 5*time.Second {
		t.Errorf("expected 5s initial delay, got %v", cfg.Presence.InitialDelay)
	}
}

func TestValidate_RateLimitingDisabled_AllowsZeroValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 0
	cfg.RateLimiting.HTTP.Burst = 0
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 0
	cfg.RateLimiting.WebSocket.Burst = 0
	cfg.RateLimiting.WebSocket.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 0

	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected config to be valid when rate limiting disabled, got error: %v", err)
	}
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{
			name: "http rps must be > 0",
			mutate: func(c *Config) {
				c.RateLimiting.HTTP.RequestsPerSecond = 0
			},
		},
		{
			name: "http max concurrent must be >= 0",
			mutate: func(c *Config) {
				c.RateLimiting.HTTP.MaxConcurrent = -1
			},
		},
		{
			name: "ws messages per second must be > 0",
			mutate: func(c *Config) {
				c.RateLimiting.WebSocket.MessagesPerSecond = 0
			},
		},
		{
			name: "ws max message size must be >= 0",
			mutate: func(c *Config) {
				c.RateLimiting.WebSocket.MaxMessageSizeBytes = -1
			},
		},
		{
			name: "pong timeout must exceed ping interval",
			mutate: func(c *Config) {
				c.Gateway.PongTimeout = c.Gateway.PingInterval
			},
		},
		{
			name: "sweep interval must be > 0",
			mutate: func(c *Config) {
				c.Presence.SweepInterval = 0
			},
		},
		{
			name: "unknown store backend",
			mutate: func(c *Config) {
				c.Store.Backend = "etcd"
			},
		},
		{
			name: "redis sessions need redis store",
			mutate: func(c *Config) {
				c.Store.SessionBackend = "redis"
			},
		},
		{
			name: "postgres sessions need a url",
			mutate: func(c *Config) {
				c.Store.SessionBackend = "postgres"
				c.Postgres.URL = ""
			},
		},
		{
			name: "cluster presence needs redis",
			mutate: func(c *Config) {
				c.Presence.Cluster = true
			},
		},
		{
			name: "redis events need redis store",
			mutate: func(c *Config) {
				c.Events.Backend = "redis"
			},
		},
		{
			name: "nats events need a url",
			mutate: func(c *Config) {
				c.Events.Backend = "nats"
				c.Events.NATSURL = ""
			},
		},
		{
			name: "breaker needs a failure threshold",
			mutate: func(c *Config) {
				c.Events.BreakerFailures = 0
			},
		},
		{
			name: "sample rate out of range",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.SampleRate = 2
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validBaseConfig()
			tc.mutate(cfg)

			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for case %q, got nil", tc.name)
			}
		})
	}
}

func TestValidate_ClusterWithRedis(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Store.Backend = "redis"
	cfg.Store.SessionBackend = "redis"
	cfg.Events.Backend = "redis"
	cfg.Presence.Cluster = true

	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected clustered redis config to be valid, got: %v", err)
	}
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Errorf("expected default address, got %q", cfg.Server.Address)
	}
}

func TestLoad_YAMLAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
server:
  address: ":9000"
presence:
  sweep_interval: 10s
store:
  backend: redis
  session_backend: postgres
postgres:
  url: postgres://localhost/roomcast
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ROOMCAST_LOG_LEVEL", "debug")
	t.Setenv("ROOMCAST_REDIS_ADDRESS", "redis:6379")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Address != ":9000" {
		t.Errorf("expected :9000, got %q", cfg.Server.Address)
	}
	if cfg.Presence.SweepInterval != 10*time.Second {
		t.Errorf("expected 10s, got %v", cfg.Presence.SweepInterval)
	}
	if cfg.Presence.InitialDelay != 5*time.Second {
		t.Errorf("expected default initial delay to survive, got %v", cfg.Presence.InitialDelay)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected env override for log level, got %q", cfg.Logging.Level)
	}
	if cfg.Redis.Address != "redis:6379" {
		t.Errorf("expected env override for redis address, got %q", cfg.Redis.Address)
	}
}

func TestLoad_InvalidYAMLValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("store:\n  backend: cassandra\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown store backend")
	}
}
