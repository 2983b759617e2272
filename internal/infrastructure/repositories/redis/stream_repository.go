package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"roomcast/internal/core/domain"

	"github.com/redis/go-redis/v9"
)

const (
	statMemberCount = "member_count"
	statLikeCount   = "like_count"
)

// RedisStreamRepository keeps the session document as JSON and its stats
// counters in a separate hash so they can be adjusted with HINCRBY.
type RedisStreamRepository struct {
	client *redis.Client
	keys   Keyspace
}

func NewRedisStreamRepository(client *redis.Client, keys Keyspace) *RedisStreamRepository {
	return &RedisStreamRepository{
		client: client,
		keys:   keys,
	}
}

func (r *RedisStreamRepository) GetByID(ctx context.Context, id domain.StreamID) (*domain.StreamSession, error) {
	var (
		docCmd   *redis.StringCmd
		statsCmd *redis.MapStringStringCmd
	)
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		docCmd = pipe.Get(ctx, r.keys.Stream(id))
		statsCmd = pipe.HGetAll(ctx, r.keys.StreamStats(id))
		return nil
	})
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to get stream from Redis: %w", err)
	}

	data, err := docCmd.Result()
	if err == redis.Nil {
		return nil, domain.ErrStreamNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stream from Redis: %w", err)
	}

	var session domain.StreamSession
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stream: %w", err)
	}

	stats, _ := statsCmd.Result()
	session.Stats = domain.StreamStats{
		MemberCount: parseCounter(stats[statMemberCount]),
		LikeCount:   parseCounter(stats[statLikeCount]),
	}
	return &session, nil
}

func (r *RedisStreamRepository) GetByPerformer(ctx context.Context, performerID domain.PrincipalID) (*domain.StreamSession, error) {
	id, err := r.client.Get(ctx, r.keys.PerformerStream(performerID)).Result()
	if err == redis.Nil {
		return nil, domain.ErrStreamNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get performer stream: %w", err)
	}
	return r.GetByID(ctx, domain.StreamID(id))
}

func (r *RedisStreamRepository) Save(ctx context.Context, session *domain.StreamSession) error {
	doc := *session
	doc.Stats = domain.StreamStats{}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal stream: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.keys.Stream(session.ID), data, 0)
		pipe.Set(ctx, r.keys.PerformerStream(session.PerformerID), string(session.ID), 0)
		pipe.HSetNX(ctx, r.keys.StreamStats(session.ID), statMemberCount, 0)
		pipe.HSetNX(ctx, r.keys.StreamStats(session.ID), statLikeCount, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save stream in Redis: %w", err)
	}
	return nil
}

func (r *RedisStreamRepository) ResetStats(ctx context.Context, id domain.StreamID) error {
	err := r.client.HSet(ctx, r.keys.StreamStats(id), statMemberCount, 0, statLikeCount, 0).Err()
	if err != nil {
		return fmt.Errorf("failed to reset stream stats: %w", err)
	}
	return nil
}

func (r *RedisStreamRepository) AdjustMemberCount(ctx context.Context, id domain.StreamID, delta int64) (int64, error) {
	n, err := r.client.HIncrBy(ctx, r.keys.StreamStats(id), statMemberCount, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to adjust member count: %w", err)
	}
	return n, nil
}

func parseCounter(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
