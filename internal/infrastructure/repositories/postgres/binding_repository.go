package postgres

import (
	"context"
	"errors"
	"fmt"

	"roomcast/internal/core/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresBindingRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresBindingRepository(pool *pgxpool.Pool) *PostgresBindingRepository {
	return &PostgresBindingRepository{pool: pool}
}

func (r *PostgresBindingRepository) Bind(ctx context.Context, b *domain.RoomBinding) error {
	query := `
		INSERT INTO room_bindings (room_id, performer_id, type, stream_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (room_id) DO UPDATE SET
			performer_id = EXCLUDED.performer_id,
			type = EXCLUDED.type,
			stream_id = EXCLUDED.stream_id`

	_, err := r.pool.Exec(ctx, query,
		string(b.RoomID), string(b.PerformerID), string(b.Type), string(b.StreamID), b.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save binding: %w", err)
	}
	return nil
}

func (r *PostgresBindingRepository) GetByRoom(ctx context.Context, roomID domain.RoomID) (*domain.RoomBinding, error) {
	query := `SELECT room_id, performer_id, type, stream_id, created_at FROM room_bindings WHERE room_id = $1`
	return scanBinding(r.pool.QueryRow(ctx, query, string(roomID)))
}

func (r *PostgresBindingRepository) FindByStream(ctx context.Context, performerID domain.PrincipalID, streamID domain.StreamID) (*domain.RoomBinding, error) {
	query := `
		SELECT room_id, performer_id, type, stream_id, created_at
		FROM room_bindings
		WHERE performer_id = $1 AND stream_id = $2
		ORDER BY created_at
		LIMIT 1`
	return scanBinding(r.pool.QueryRow(ctx, query, string(performerID), string(streamID)))
}

func scanBinding(row pgx.Row) (*domain.RoomBinding, error) {
	var roomID, performerID, typ, streamID string
	b := &domain.RoomBinding{}
	err := row.Scan(&roomID, &performerID, &typ, &streamID, &b.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load binding: %w", err)
	}
	b.RoomID = domain.RoomID(roomID)
	b.PerformerID = domain.PrincipalID(performerID)
	b.Type = domain.RoomType(typ)
	b.StreamID = domain.StreamID(streamID)
	return b, nil
}
