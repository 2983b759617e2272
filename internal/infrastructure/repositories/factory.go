package repositories

import (
	"context"
	"errors"
	"fmt"

	"roomcast/internal/core/ports"
	"roomcast/internal/infrastructure/repositories/memory"
	"roomcast/internal/infrastructure/repositories/postgres"
	redisrepo "roomcast/internal/infrastructure/repositories/redis"
	"roomcast/pkg/config"
	"roomcast/pkg/retry"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory picks the store backend per concern and owns the
// underlying clients. Repositories are built once and shared.
type RepositoryFactory struct {
	redisClient *redis.Client
	pgPool      *pgxpool.Pool
	keys        redisrepo.Keyspace
	logger      *zap.SugaredLogger

	connections ports.ConnectionRegistry
	directory   ports.RoomDirectory
	streams     ports.StreamSessionRepository
	bindings    ports.RoomBindingRepository
	subs        ports.SubscriptionChecker
	subsCache   *CachedSubscriptionChecker
}

// NewRepositoryFactory connects the configured backends. A single node
// falls back to memory when Redis is unreachable; a cluster cannot.
func NewRepositoryFactory(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	f := &RepositoryFactory{
		keys:   redisrepo.Keyspace{Prefix: cfg.Redis.KeyPrefix},
		logger: logger,
	}

	if cfg.Store.Backend == "redis" {
		client, err := redisrepo.NewRedisClient(ctx, redisrepo.ClientOptions{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
			Retry:    retry.DefaultConfig(),
		}, f.keys, logger)
		switch {
		case err == nil:
			f.redisClient = client
		case cfg.Presence.Cluster || cfg.Store.SessionBackend == "redis":
			return nil, err
		default:
			logger.Warnw("failed to connect to Redis, falling back to memory repositories",
				"error", err,
			)
		}
	}

	if cfg.Store.SessionBackend == "postgres" {
		pool, err := postgres.Connect(ctx, cfg.Postgres.URL, cfg.Postgres.MaxConns, logger)
		if err != nil {
			f.Close()
			return nil, err
		}
		f.pgPool = pool
	}

	f.build(cfg.Store.SessionBackend)
	if ttl := cfg.Store.SubscriptionCacheTTL; ttl > 0 {
		f.subsCache = NewCachedSubscriptionChecker(f.subs, ttl)
		f.subs = f.subsCache
	}
	return f, nil
}

func (f *RepositoryFactory) build(sessionBackend string) {
	if f.redisClient != nil {
		f.connections = redisrepo.NewRedisConnectionRegistry(f.redisClient, f.keys)
		f.directory = redisrepo.NewRedisRoomDirectory(f.redisClient, f.keys)
		f.logger.Info("using Redis presence repositories")
	} else {
		f.connections = memory.NewMemoryConnectionRegistry()
		f.directory = memory.NewMemoryRoomDirectory()
		f.logger.Info("using memory presence repositories")
	}

	switch {
	case sessionBackend == "postgres" && f.pgPool != nil:
		f.streams = postgres.NewPostgresStreamRepository(f.pgPool)
		f.bindings = postgres.NewPostgresBindingRepository(f.pgPool)
		f.subs = postgres.NewPostgresSubscriptionStore(f.pgPool)
		f.logger.Info("using Postgres session repositories")
	case sessionBackend == "redis" && f.redisClient != nil:
		f.streams = redisrepo.NewRedisStreamRepository(f.redisClient, f.keys)
		f.bindings = redisrepo.NewRedisBindingRepository(f.redisClient, f.keys)
		f.subs = redisrepo.NewRedisSubscriptionStore(f.redisClient, f.keys)
		f.logger.Info("using Redis session repositories")
	default:
		f.streams = memory.NewMemoryStreamRepository()
		f.bindings = memory.NewMemoryBindingRepository()
		f.subs = memory.NewMemorySubscriptionStore()
		f.logger.Info("using memory session repositories")
	}
}

func (f *RepositoryFactory) ConnectionRegistry() ports.ConnectionRegistry {
	return f.connections
}

func (f *RepositoryFactory) RoomDirectory() ports.RoomDirectory {
	return f.directory
}

func (f *RepositoryFactory) StreamRepository() ports.StreamSessionRepository {
	return f.streams
}

func (f *RepositoryFactory) BindingRepository() ports.RoomBindingRepository {
	return f.bindings
}

func (f *RepositoryFactory) SubscriptionChecker() ports.SubscriptionChecker {
	return f.subs
}

// RedisClient is nil when the presence stores live in memory.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	return f.redisClient
}

func (f *RepositoryFactory) Keyspace() redisrepo.Keyspace {
	return f.keys
}

// Postgres is nil unless sessions are stored there.
func (f *RepositoryFactory) Postgres() *pgxpool.Pool {
	return f.pgPool
}

// HealthCheck pings every connected backend.
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.redisClient != nil {
		if err := f.redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	if f.pgPool != nil {
		if err := f.pgPool.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	return nil
}

func (f *RepositoryFactory) Close() error {
	var errs []error
	if f.subsCache != nil {
		f.subsCache.Close()
	}
	if f.redisClient != nil {
		errs = append(errs, redisrepo.CloseRedisClient(f.redisClient))
	}
	if f.pgPool != nil {
		f.pgPool.Close()
	}
	return errors.Join(errs...)
}
