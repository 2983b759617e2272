package postgres

import (
	"context"
	"errors"
	"fmt"

	"roomcast/internal/core/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const sessionColumns = `id, performer_id, session_id, is_streaming, streaming_time_seconds,
	last_streaming_at, member_count, like_count, title, description, price, is_free,
	created_at, updated_at`

type PostgresStreamRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresStreamRepository(pool *pgxpool.Pool) *PostgresStreamRepository {
	return &PostgresStreamRepository{pool: pool}
}

func (r *PostgresStreamRepository) GetByID(ctx context.Context, id domain.StreamID) (*domain.StreamSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM stream_sessions WHERE id = $1`
	return r.scanOne(r.pool.QueryRow(ctx, query, string(id)))
}

func (r *PostgresStreamRepository) GetByPerformer(ctx context.Context, performerID domain.PrincipalID) (*domain.StreamSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM stream_sessions WHERE performer_id = $1`
	return r.scanOne(r.pool.QueryRow(ctx, query, string(performerID)))
}

// Save upserts everything but the counters, which only move through
// ResetStats and AdjustMemberCount.
func (r *PostgresStreamRepository) Save(ctx context.Context, s *domain.StreamSession) error {
	query := `
		INSERT INTO stream_sessions (id, performer_id, session_id, is_streaming, streaming_time_seconds,
			last_streaming_at, title, description, price, is_free, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			session_id = EXCLUDED.session_id,
			is_streaming = EXCLUDED.is_streaming,
			streaming_time_seconds = EXCLUDED.streaming_time_seconds,
			last_streaming_at = EXCLUDED.last_streaming_at,
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			price = EXCLUDED.price,
			is_free = EXCLUDED.is_free,
			updated_at = EXCLUDED.updated_at`

	_, err := r.pool.Exec(ctx, query,
		string(s.ID), string(s.PerformerID), string(s.SessionID), s.IsStreaming, s.StreamingTimeSeconds,
		s.LastStreamingAt, s.Title, s.Description, s.Price, s.IsFree, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save stream session: %w", err)
	}
	return nil
}

func (r *PostgresStreamRepository) ResetStats(ctx context.Context, id domain.StreamID) error {
	tag, err := r.pool.Exec(ctx, `UPDATE stream_sessions SET member_count = 0, like_count = 0 WHERE id = $1`, string(id))
	if err != nil {
		return fmt.Errorf("failed to reset stream stats: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrStreamNotFound
	}
	return nil
}

func (r *PostgresStreamRepository) AdjustMemberCount(ctx context.Context, id domain.StreamID, delta int64) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx,
		`UPDATE stream_sessions SET member_count = member_count + $2 WHERE id = $1 RETURNING member_count`,
		string(id), delta,
	).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, domain.ErrStreamNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to adjust member count: %w", err)
	}
	return n, nil
}

func (r *PostgresStreamRepository) scanOne(row pgx.Row) (*domain.StreamSession, error) {
	var (
		s                          domain.StreamSession
		id, performerID, sessionID string
	)
	err := row.Scan(
		&id, &performerID, &sessionID, &s.IsStreaming, &s.StreamingTimeSeconds,
		&s.LastStreamingAt, &s.Stats.MemberCount, &s.Stats.LikeCount, &s.Title, &s.Description,
		&s.Price, &s.IsFree, &s.CreatedAt, &s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrStreamNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load stream session: %w", err)
	}
	s.ID = domain.StreamID(id)
	s.PerformerID = domain.PrincipalID(performerID)
	s.SessionID = domain.SessionID(sessionID)
	return &s, nil
}
