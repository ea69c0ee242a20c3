package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/polyresolve/internal/domain"
)

// MarketStore implements domain.MarketStore using PostgreSQL.
type MarketStore struct {
	q querier
}

const marketCols = `id, question, status, locked_from, active_resolution_id,
	dispute_period_end, yes_pool, no_pool, total_stake, version, created_at, updated_at`

// scanMarket scans a single market row into a domain.Market.
func scanMarket(row pgx.Row) (domain.Market, error) {
	var m domain.Market
	var status, lockedFrom string
	err := row.Scan(
		&m.ID, &m.Question, &status, &lockedFrom, &m.ActiveResolutionID,
		&m.DisputePeriodEnd, &m.YesPool, &m.NoPool, &m.TotalStake,
		&m.Version, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return domain.Market{}, err
	}
	m.Status = domain.MarketStatus(status)
	m.LockedFrom = domain.MarketStatus(lockedFrom)
	return m, nil
}

// Create inserts a new market at version 1.
func (s *MarketStore) Create(ctx context.Context, m domain.Market) error {
	const query = `
		INSERT INTO markets (
			id, question, status, locked_from, active_resolution_id,
			dispute_period_end, yes_pool, no_pool, total_stake, version,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1, $10, $11)`

	_, err := s.q.Exec(ctx, query,
		m.ID, m.Question, string(m.Status), string(m.LockedFrom), m.ActiveResolutionID,
		m.DisputePeriodEnd, m.YesPool, m.NoPool, m.TotalStake,
		m.CreatedAt, m.UpdatedAt,
	)
	if _, dup := uniqueViolation(err); dup {
		return fmt.Errorf("postgres: create market %s: %w", m.ID, domain.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("postgres: create market %s: %w", m.ID, err)
	}
	return nil
}

func (s *MarketStore) get(ctx context.Context, id, suffix string) (domain.Market, error) {
	row := s.q.QueryRow(ctx, `SELECT `+marketCols+` FROM markets WHERE id = $1`+suffix, id)
	m, err := scanMarket(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Market{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Market{}, fmt.Errorf("postgres: get market %s: %w", id, err)
	}
	return m, nil
}

// Get retrieves a market by its primary key.
func (s *MarketStore) Get(ctx context.Context, id string) (domain.Market, error) {
	return s.get(ctx, id, "")
}

// GetForUpdate retrieves a market and locks its row until the enclosing
// transaction ends.
func (s *MarketStore) GetForUpdate(ctx context.Context, id string) (domain.Market, error) {
	return s.get(ctx, id, " FOR UPDATE")
}

// Update writes m if the stored version still equals m.Version.
func (s *MarketStore) Update(ctx context.Context, m domain.Market) (domain.Market, error) {
	const query = `
		UPDATE markets SET
			question             = $2,
			status               = $3,
			locked_from          = $4,
			active_resolution_id = $5,
			dispute_period_end   = $6,
			yes_pool             = $7,
			no_pool              = $8,
			total_stake          = $9,
			updated_at           = $10,
			version              = version + 1
		WHERE id = $1 AND version = $11
		RETURNING version`

	var version int64
	err := s.q.QueryRow(ctx, query,
		m.ID, m.Question, string(m.Status), string(m.LockedFrom), m.ActiveResolutionID,
		m.DisputePeriodEnd, m.YesPool, m.NoPool, m.TotalStake, m.UpdatedAt,
		m.Version,
	).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.Get(ctx, m.ID); getErr != nil {
			return domain.Market{}, getErr
		}
		return domain.Market{}, fmt.Errorf("postgres: update market %s at version %d: %w", m.ID, m.Version, domain.ErrStaleVersion)
	}
	if err != nil {
		return domain.Market{}, fmt.Errorf("postgres: update market %s: %w", m.ID, err)
	}
	m.Version = version
	return m, nil
}

// List returns markets oldest first, optionally filtered by status.
func (s *MarketStore) List(ctx context.Context, status domain.MarketStatus, opts domain.ListOpts) ([]domain.Market, error) {
	query := `SELECT ` + marketCols + ` FROM markets WHERE 1=1`
	var args []any
	if status != "" {
		args = append(args, string(status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	query, args = withRange(query, args, "created_at", opts)
	query += " ORDER BY created_at, id"
	query, args = withPage(query, args, opts)

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list markets: %w", err)
	}
	markets, err := collect(rows, scanMarket)
	if err != nil {
		return nil, fmt.Errorf("postgres: list markets rows: %w", err)
	}
	return markets, nil
}

// ListDue returns pending markets whose dispute period has ended, earliest
// deadline first.
func (s *MarketStore) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Market, error) {
	query := `SELECT ` + marketCols + ` FROM markets
		WHERE status = 'pending_resolution' AND dispute_period_end <= $1
		ORDER BY dispute_period_end`
	args := []any{now}
	query, args = withPage(query, args, domain.ListOpts{Limit: limit})

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list due markets: %w", err)
	}
	markets, err := collect(rows, scanMarket)
	if err != nil {
		return nil, fmt.Errorf("postgres: list due markets rows: %w", err)
	}
	return markets, nil
}
