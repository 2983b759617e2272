package postgres

import (
	"context"
	"fmt"
	"time"

	"roomcast/internal/core/domain"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSubscriptionStore reads the subscriptions table. A row with a
// NULL expires_at never expires.
type PostgresSubscriptionStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewPostgresSubscriptionStore(pool *pgxpool.Pool) *PostgresSubscriptionStore {
	return &PostgresSubscriptionStore{pool: pool, now: time.Now}
}

func (s *PostgresSubscriptionStore) Subscribe(ctx context.Context, performerID, userID domain.PrincipalID, expiresAt *time.Time) error {
	query := `
		INSERT INTO subscriptions (performer_id, user_id, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (performer_id, user_id) DO UPDATE SET expires_at = EXCLUDED.expires_at`
	if _, err := s.pool.Exec(ctx, query, string(performerID), string(userID), expiresAt); err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	return nil
}

func (s *PostgresSubscriptionStore) HasActiveSubscription(ctx context.Context, performerID, userID domain.PrincipalID) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM subscriptions
			WHERE performer_id = $1 AND user_id = $2 AND (expires_at IS NULL OR expires_at > $3)
		)`
	var ok bool
	if err := s.pool.QueryRow(ctx, query, string(performerID), string(userID), s.now()).Scan(&ok); err != nil {
		return false, fmt.Errorf("failed to check subscription: %w", err)
	}
	return ok, nil
}
