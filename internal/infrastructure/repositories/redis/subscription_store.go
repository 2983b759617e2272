package redis

import (
	"context"
	"fmt"

	"roomcast/internal/core/domain"

	"github.com/redis/go-redis/v9"
)

// RedisSubscriptionStore answers subscription checks from a per-performer
// set of subscriber ids maintained by the billing side.
type RedisSubscriptionStore struct {
	client *redis.Client
	keys   Keyspace
}

func NewRedisSubscriptionStore(client *redis.Client, keys Keyspace) *RedisSubscriptionStore {
	return &RedisSubscriptionStore{
		client: client,
		keys:   keys,
	}
}

func (s *RedisSubscriptionStore) Subscribe(ctx context.Context, performerID, userID domain.PrincipalID) error {
	return s.client.SAdd(ctx, s.keys.Subscribers(performerID), string(userID)).Err()
}

func (s *RedisSubscriptionStore) Unsubscribe(ctx context.Context, performerID, userID domain.PrincipalID) error {
	return s.client.SRem(ctx, s.keys.Subscribers(performerID), string(userID)).Err()
}

func (s *RedisSubscriptionStore) HasActiveSubscription(ctx context.Context, performerID, userID domain.PrincipalID) (bool, error) {
	ok, err := s.client.SIsMember(ctx, s.keys.Subscribers(performerID), string(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check subscription: %w", err)
	}
	return ok, nil
}
