package redis

import (
	"context"
	"fmt"

	"roomcast/internal/core/domain"

	"github.com/redis/go-redis/v9"
)

// deregisterScript removes one connection and, if it was the last one,
// retires the principal from the online set in the same atomic step.
var deregisterScript = redis.NewScript(`
redis.call("SREM", KEYS[1], ARGV[1])
local remaining = redis.call("SCARD", KEYS[1])
if remaining == 0 then
	redis.call("SREM", KEYS[2], ARGV[2])
	redis.call("HDEL", KEYS[3], ARGV[2])
end
return remaining
`)

type RedisConnectionRegistry struct {
	client *redis.Client
	keys   Keyspace
}

func NewRedisConnectionRegistry(client *redis.Client, keys Keyspace) *RedisConnectionRegistry {
	return &RedisConnectionRegistry{
		client: client,
		keys:   keys,
	}
}

func (r *RedisConnectionRegistry) RegisterConnection(ctx context.Context, principal domain.Principal, connID domain.ConnectionID) error {
	if principal.ID == "" || connID == "" {
		return domain.ErrInvalidPrincipal
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, r.keys.Connections(principal.ID), string(connID))
		pipe.SAdd(ctx, r.keys.OnlinePrincipals(), string(principal.ID))
		if principal.Kind.Valid() {
			pipe.HSet(ctx, r.keys.PrincipalKinds(), string(principal.ID), string(principal.Kind))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to register connection: %w", err)
	}
	return nil
}

func (r *RedisConnectionRegistry) DeregisterConnection(ctx context.Context, id domain.PrincipalID, connID domain.ConnectionID) (int, error) {
	keys := []string{
		r.keys.Connections(id),
		r.keys.OnlinePrincipals(),
		r.keys.PrincipalKinds(),
	}
	remaining, err := deregisterScript.Run(ctx, r.client, keys, string(connID), string(id)).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to deregister connection: %w", err)
	}
	return remaining, nil
}

func (r *RedisConnectionRegistry) ListOnlinePrincipals(ctx context.Context) ([]domain.PrincipalID, error) {
	members, err := r.client.SMembers(ctx, r.keys.OnlinePrincipals()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list online principals: %w", err)
	}

	ids := make([]domain.PrincipalID, len(members))
	for i, m := range members {
		ids[i] = domain.PrincipalID(m)
	}
	return ids, nil
}

func (r *RedisConnectionRegistry) ConnectionsOf(ctx context.Context, id domain.PrincipalID) ([]domain.ConnectionID, error) {
	members, err := r.client.SMembers(ctx, r.keys.Connections(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get connections of %s: %w", id, err)
	}

	conns := make([]domain.ConnectionID, len(members))
	for i, m := range members {
		conns[i] = domain.ConnectionID(m)
	}
	return conns, nil
}

func (r *RedisConnectionRegistry) KindOf(ctx context.Context, id domain.PrincipalID) (domain.PrincipalKind, error) {
	kind, err := r.client.HGet(ctx, r.keys.PrincipalKinds(), string(id)).Result()
	if err == redis.Nil {
		return domain.KindUnknown, nil
	}
	if err != nil {
		return domain.KindUnknown, fmt.Errorf("failed to get kind of %s: %w", id, err)
	}
	return domain.PrincipalKind(kind), nil
}

func (r *RedisConnectionRegistry) MarkOffline(ctx context.Context, id domain.PrincipalID) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, r.keys.OnlinePrincipals(), string(id))
		pipe.HDel(ctx, r.keys.PrincipalKinds(), string(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to mark %s offline: %w", id, err)
	}
	return nil
}
