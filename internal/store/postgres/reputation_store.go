package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/polyresolve/internal/domain"
)

// ReputationStore implements domain.ReputationStore. Applied references are
// recorded next to the score so a replayed delta is ignored.
type ReputationStore struct {
	pool *pgxpool.Pool
}

// NewReputationStore creates a ReputationStore backed by the given pool.
func NewReputationStore(pool *pgxpool.Pool) *ReputationStore {
	return &ReputationStore{pool: pool}
}

// GetScore returns an account's score; unknown accounts score 0.
func (s *ReputationStore) GetScore(ctx context.Context, account string) (int, error) {
	var score int
	err := s.pool.QueryRow(ctx, `SELECT score FROM reputation_scores WHERE account = $1`, account).Scan(&score)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("postgres: get reputation %s: %w", account, err)
	}
	return score, nil
}

// ApplyDelta adds delta to the account's score once per ref.
func (s *ReputationStore) ApplyDelta(ctx context.Context, account string, delta int, ref string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO reputation_applied (ref, account, delta) VALUES ($1, $2, $3)
			ON CONFLICT (ref) DO NOTHING`, ref, account, delta)
		if err != nil {
			return fmt.Errorf("postgres: record reputation ref %s: %w", ref, err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO reputation_scores (account, score, updated_at) VALUES ($1, $2, NOW())
			ON CONFLICT (account) DO UPDATE SET
				score      = reputation_scores.score + EXCLUDED.score,
				updated_at = NOW()`, account, delta)
		if err != nil {
			return fmt.Errorf("postgres: apply reputation %d to %s: %w", delta, account, err)
		}
		return nil
	})
}

var _ domain.ReputationStore = (*ReputationStore)(nil)
