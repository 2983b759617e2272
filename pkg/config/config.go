package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Gateway struct {
		Path           string        `yaml:"path"`
		PingInterval   time.Duration `yaml:"ping_interval"`
		PongTimeout    time.Duration `yaml:"pong_timeout"`
		WriteTimeout   time.Duration `yaml:"write_timeout"`
		SendBuffer     int           `yaml:"send_buffer"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
	} `yaml:"gateway"`

	Presence struct {
		SweepInterval time.Duration `yaml:"sweep_interval"`
		InitialDelay  time.Duration `yaml:"initial_delay"`
		// Cluster switches liveness to the shared node registry and
		// serializes sweeps across nodes with a lock.
		Cluster      bool          `yaml:"cluster"`
		LockTTL      time.Duration `yaml:"lock_ttl"`
		HeartbeatTTL time.Duration `yaml:"heartbeat_ttl"`
	} `yaml:"presence"`

	Store struct {
		Backend        string `yaml:"backend"`         // memory | redis
		SessionBackend string `yaml:"session_backend"` // memory | redis | postgres

		// How long an active subscription is trusted without asking the
		// store again. Zero disables the cache.
		SubscriptionCacheTTL time.Duration `yaml:"subscription_cache_ttl"`
	} `yaml:"store"`

	Redis struct {
		Address   string `yaml:"address"`
		Password  string `yaml:"password"`
		DB        int    `yaml:"db"`
		PoolSize  int    `yaml:"pool_size"`
		KeyPrefix string `yaml:"key_prefix"`
	} `yaml:"redis"`

	Postgres struct {
		URL      string `yaml:"url"`
		MaxConns int32  `yaml:"max_conns"`
	} `yaml:"postgres"`

	Events struct {
		Backend       string `yaml:"backend"` // redis | nats | none
		Channel       string `yaml:"channel"`
		NATSURL       string `yaml:"nats_url"`
		SubjectPrefix string `yaml:"subject_prefix"`

		// Retries after a failed publish before giving up on a notification.
		PublishRetries  int           `yaml:"publish_retries"`
		BreakerFailures int           `yaml:"breaker_failures"`
		BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
	} `yaml:"events"`

	Auth struct {
		JWTSecret      string        `yaml:"jwt_secret"`
		AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
	} `yaml:"auth"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled        bool    `yaml:"enabled"`
		JaegerEndpoint string  `yaml:"jaeger_endpoint"`
		SampleRate     float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond   float64 `yaml:"messages_per_second"`
			Burst               int     `yaml:"burst"`
			MaxConcurrent       int     `yaml:"max_concurrent_connections"`
			MaxMessageSizeBytes int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Gateway
	if c.Gateway.Path == "" {
		return fmt.Errorf("gateway.path must not be empty")
	}
	if c.Gateway.PingInterval <= 0 {
		return fmt.Errorf("gateway.ping_interval must be > 0")
	}
	if c.Gateway.PongTimeout <= c.Gateway.PingInterval {
		return fmt.Errorf("gateway.pong_timeout must be > ping_interval")
	}
	if c.Gateway.WriteTimeout <= 0 {
		return fmt.Errorf("gateway.write_timeout must be > 0")
	}
	if c.Gateway.SendBuffer <= 0 {
		return fmt.Errorf("gateway.send_buffer must be > 0")
	}

	// Presence
	if c.Presence.SweepInterval <= 0 {
		return fmt.Errorf("presence.sweep_interval must be > 0")
	}
	if c.Presence.InitialDelay < 0 {
		return fmt.Errorf("presence.initial_delay must be >= 0")
	}
	if c.Presence.Cluster {
		if c.Store.Backend != "redis" {
			return fmt.Errorf("presence.cluster requires store.backend=redis")
		}
		if c.Presence.LockTTL <= 0 {
			return fmt.Errorf("presence.lock_ttl must be > 0 when presence.cluster=true")
		}
		if c.Presence.HeartbeatTTL <= 0 {
			return fmt.Errorf("presence.heartbeat_ttl must be > 0 when presence.cluster=true")
		}
	}

	// Store
	switch c.Store.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("store.backend must be memory or redis, got %q", c.Store.Backend)
	}
	switch c.Store.SessionBackend {
	case "memory", "redis", "postgres":
	default:
		return fmt.Errorf("store.session_backend must be memory, redis or postgres, got %q", c.Store.SessionBackend)
	}
	if c.Store.SessionBackend == "redis" && c.Store.Backend != "redis" {
		return fmt.Errorf("store.session_backend=redis requires store.backend=redis")
	}

	// Redis
	if c.Store.Backend == "redis" {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when store.backend=redis")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when store.backend=redis")
		}
	}

	// Postgres
	if c.Store.SessionBackend == "postgres" && c.Postgres.URL == "" {
		return fmt.Errorf("postgres.url must not be empty when store.session_backend=postgres")
	}

	// Events
	switch c.Events.Backend {
	case "none":
	case "redis":
		if c.Store.Backend != "redis" {
			return fmt.Errorf("events.backend=redis requires store.backend=redis")
		}
		if c.Events.Channel == "" {
			return fmt.Errorf("events.channel must not be empty when events.backend=redis")
		}
	case "nats":
		if c.Events.NATSURL == "" {
			return fmt.Errorf("events.nats_url must not be empty when events.backend=nats")
		}
	default:
		return fmt.Errorf("events.backend must be redis, nats or none, got %q", c.Events.Backend)
	}
	if c.Store.SubscriptionCacheTTL < 0 {
		return fmt.Errorf("store.subscription_cache_ttl must not be negative")
	}
	if c.Events.PublishRetries < 0 {
		return fmt.Errorf("events.publish_retries must not be negative")
	}
	if c.Events.BreakerFailures < 1 {
		return fmt.Errorf("events.breaker_failures must be at least 1")
	}

	// Auth
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.AccessTokenTTL <= 0 {
		return fmt.Errorf("auth.access_token_ttl must be > 0")
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerEndpoint == "" {
			return fmt.Errorf("tracing.jaeger_endpoint must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_concurrent_connections must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns a single-node configuration backed by memory stores.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Gateway.Path = "/ws"
	cfg.Gateway.PingInterval = 30 * time.Second
	cfg.Gateway.PongTimeout = 60 * time.Second
	cfg.Gateway.WriteTimeout = 10 * time.Second
	cfg.Gateway.SendBuffer = 64
	cfg.Gateway.AllowedOrigins = []string{"*"}

	cfg.Presence.SweepInterval = 30 * time.Second
	cfg.Presence.InitialDelay = 5 * time.Second
	cfg.Presence.Cluster = false
	cfg.Presence.LockTTL = 25 * time.Second
	cfg.Presence.HeartbeatTTL = 15 * time.Second

	cfg.Store.Backend = "memory"
	cfg.Store.SessionBackend = "memory"

	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.KeyPrefix = "roomcast:"

	cfg.Postgres.MaxConns = 10

	cfg.Events.Backend = "none"
	cfg.Events.Channel = "roomcast:events"
	cfg.Events.SubjectPrefix = "roomcast.presence"
	cfg.Events.PublishRetries = 2
	cfg.Events.BreakerFailures = 5
	cfg.Events.BreakerCooldown = 30 * time.Second

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.AccessTokenTTL = 15 * time.Minute

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerEndpoint = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 20
	cfg.RateLimiting.WebSocket.Burst = 40
	cfg.RateLimiting.WebSocket.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 16 * 1024

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("ROOMCAST_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if level := os.Getenv("ROOMCAST_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("ROOMCAST_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if backend := os.Getenv("ROOMCAST_STORE_BACKEND"); backend != "" {
		c.Store.Backend = backend
	}
	if backend := os.Getenv("ROOMCAST_SESSION_BACKEND"); backend != "" {
		c.Store.SessionBackend = backend
	}
	if addr := os.Getenv("ROOMCAST_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
	}
	if url := os.Getenv("ROOMCAST_POSTGRES_URL"); url != "" {
		c.Postgres.URL = url
	}
	if backend := os.Getenv("ROOMCAST_EVENTS_BACKEND"); backend != "" {
		c.Events.Backend = backend
	}
	if url := os.Getenv("ROOMCAST_NATS_URL"); url != "" {
		c.Events.NATSURL = url
	}
	if v := os.Getenv("ROOMCAST_PRESENCE_CLUSTER"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Presence.Cluster = b
		}
	}
}
