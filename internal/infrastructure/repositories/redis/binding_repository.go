package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"roomcast/internal/core/domain"

	"github.com/redis/go-redis/v9"
)

type RedisBindingRepository struct {
	client *redis.Client
	keys   Keyspace
}

func NewRedisBindingRepository(client *redis.Client, keys Keyspace) *RedisBindingRepository {
	return &RedisBindingRepository{
		client: client,
		keys:   keys,
	}
}

func (r *RedisBindingRepository) Bind(ctx context.Context, binding *domain.RoomBinding) error {
	data, err := json.Marshal(binding)
	if err != nil {
		return fmt.Errorf("failed to marshal binding: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.keys.Binding(binding.RoomID), data, 0)
		pipe.Set(ctx, r.keys.StreamRoom(binding.StreamID), string(binding.RoomID), 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save binding: %w", err)
	}
	return nil
}

func (r *RedisBindingRepository) GetByRoom(ctx context.Context, roomID domain.RoomID) (*domain.RoomBinding, error) {
	data, err := r.client.Get(ctx, r.keys.Binding(roomID)).Result()
	if err == redis.Nil {
		return nil, domain.ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get binding: %w", err)
	}

	var b domain.RoomBinding
	if err := json.Unmarshal([]byte(data), &b); err != nil {
		return nil, fmt.Errorf("failed to unmarshal binding: %w", err)
	}
	return &b, nil
}

func (r *RedisBindingRepository) FindByStream(ctx context.Context, performerID domain.PrincipalID, streamID domain.StreamID) (*domain.RoomBinding, error) {
	roomID, err := r.client.Get(ctx, r.keys.StreamRoom(streamID)).Result()
	if err == redis.Nil {
		return nil, domain.ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find binding for stream: %w", err)
	}

	b, err := r.GetByRoom(ctx, domain.RoomID(roomID))
	if err != nil {
		return nil, err
	}
	if b.PerformerID != performerID {
		return nil, domain.ErrRoomNotFound
	}
	return b, nil
}
