package redis

import (
	"context"
	"fmt"

	"roomcast/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const currentSchemaVersion = 2

// Migration moves the keyspace from Version-1 to Version.
type Migration struct {
	Version int
	Up      func(ctx context.Context, client *redis.Client, keys Keyspace) error
}

// Migrate runs all pending migrations and records the resulting version.
func Migrate(ctx context.Context, client *redis.Client, keys Keyspace, logger *zap.SugaredLogger) error {
	currentVersion, err := getSchemaVersion(ctx, client, keys)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	if currentVersion >= currentSchemaVersion {
		if logger != nil {
			logger.Debugw("schema is up to date",
				"current_version", currentVersion,
				"target_version", currentSchemaVersion,
			)
		}
		return nil
	}

	for _, migration := range getMigrations() {
		if migration.Version <= currentVersion {
			continue
		}
		if logger != nil {
			logger.Infow("running migration", "version", migration.Version)
		}

		if err := migration.Up(ctx, client, keys); err != nil {
			return fmt.Errorf("migration %d failed: %w", migration.Version, err)
		}
		if err := setSchemaVersion(ctx, client, keys, migration.Version); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
	}

	if logger != nil {
		logger.Infow("all migrations completed", "final_version", currentSchemaVersion)
	}
	return nil
}

func getSchemaVersion(ctx context.Context, client *redis.Client, keys Keyspace) (int, error) {
	val, err := client.Get(ctx, keys.SchemaVersion()).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

func setSchemaVersion(ctx context.Context, client *redis.Client, keys Keyspace, version int) error {
	return client.Set(ctx, keys.SchemaVersion(), version, 0).Err()
}

func getMigrations() []Migration {
	return []Migration{
		{
			// Drops online principals that no longer hold any connection,
			// left behind by nodes that died mid-deregister.
			Version: 1,
			Up: func(ctx context.Context, client *redis.Client, keys Keyspace) error {
				ids, err := client.SMembers(ctx, keys.OnlinePrincipals()).Result()
				if err != nil {
					return err
				}
				for _, id := range ids {
					n, err := client.SCard(ctx, keys.Connections(domain.PrincipalID(id))).Result()
					if err != nil {
						return err
					}
					if n == 0 {
						if err := client.SRem(ctx, keys.OnlinePrincipals(), id).Err(); err != nil {
							return err
						}
					}
				}
				return nil
			},
		},
	}
}
