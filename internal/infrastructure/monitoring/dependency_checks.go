package monitoring

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

func (h *HealthChecker) AddRedisCheck(client *redis.Client, interval, timeout time.Duration) {
	h.AddStoreCheck("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}, interval, timeout)
}

func (h *HealthChecker) AddPostgresCheck(pool *pgxpool.Pool, interval, timeout time.Duration) {
	h.AddStoreCheck("postgres", pool.Ping, interval, timeout)
}

// NATSStatus is the part of *nats.Conn the check reads.
type NATSStatus interface {
	Status() nats.Status
}

// AddNATSCheck reports the NATS connection unhealthy while it is anything
// but connected. Reconnecting counts as down; publishes are buffered then.
func (h *HealthChecker) AddNATSCheck(conn NATSStatus, interval, timeout time.Duration) {
	h.AddStoreCheck("nats", func(context.Context) error {
		if status := conn.Status(); status != nats.CONNECTED {
			return fmt.Errorf("nats connection %s", status)
		}
		return nil
	}, interval, timeout)
}
