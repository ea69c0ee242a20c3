package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/polyresolve/internal/domain"
)

// StakeStore implements domain.StakeStore using PostgreSQL.
type StakeStore struct {
	q querier
}

// Create records a committed bond. The dispute ID is the primary key.
func (s *StakeStore) Create(ctx context.Context, e domain.StakeEntry) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO stakes (
			dispute_id, market_id, account, amount_committed, disposition,
			refund_amount, forfeited_amount, committed_at, settled_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.DisputeID, e.MarketID, e.Account, e.AmountCommitted, string(e.Disposition),
		e.RefundAmount, e.ForfeitedAmount, e.CommittedAt, e.SettledAt,
	)
	if _, dup := uniqueViolation(err); dup {
		return fmt.Errorf("postgres: commit stake %s: %w", e.DisputeID, domain.ErrDuplicateCommit)
	}
	if err != nil {
		return fmt.Errorf("postgres: commit stake %s: %w", e.DisputeID, err)
	}
	return nil
}

// Get retrieves the stake entry of a dispute.
func (s *StakeStore) Get(ctx context.Context, disputeID string) (domain.StakeEntry, error) {
	var e domain.StakeEntry
	var disposition string
	err := s.q.QueryRow(ctx, `
		SELECT dispute_id, market_id, account, amount_committed, disposition,
			refund_amount, forfeited_amount, committed_at, settled_at
		FROM stakes WHERE dispute_id = $1`, disputeID,
	).Scan(
		&e.DisputeID, &e.MarketID, &e.Account, &e.AmountCommitted, &disposition,
		&e.RefundAmount, &e.ForfeitedAmount, &e.CommittedAt, &e.SettledAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.StakeEntry{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.StakeEntry{}, fmt.Errorf("postgres: get stake %s: %w", disputeID, err)
	}
	e.Disposition = domain.Disposition(disposition)
	return e, nil
}

// Update writes the settlement of an entry.
func (s *StakeStore) Update(ctx context.Context, e domain.StakeEntry) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE stakes SET
			disposition      = $2,
			refund_amount    = $3,
			forfeited_amount = $4,
			settled_at       = $5
		WHERE dispute_id = $1`,
		e.DisputeID, string(e.Disposition), e.RefundAmount, e.ForfeitedAmount, e.SettledAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: settle stake %s: %w", e.DisputeID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
