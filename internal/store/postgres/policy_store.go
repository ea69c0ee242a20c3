package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/polyresolve/internal/domain"
)

// PolicyStore implements domain.PolicyStore. Each version is stored as a
// JSONB document; the most recently saved version is current.
type PolicyStore struct {
	pool *pgxpool.Pool
}

// NewPolicyStore creates a PolicyStore backed by the given connection pool.
func NewPolicyStore(pool *pgxpool.Pool) *PolicyStore {
	return &PolicyStore{pool: pool}
}

// Save inserts a new policy version.
func (s *PolicyStore) Save(ctx context.Context, p domain.BondPolicy) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("postgres: marshal bond policy %s: %w", p.Version, err)
	}
	at := p.UpdatedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO bond_policies (version, body, created_at) VALUES ($1, $2, $3)`,
		p.Version, body, at,
	)
	if _, dup := uniqueViolation(err); dup {
		return fmt.Errorf("postgres: save bond policy %s: %w", p.Version, domain.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("postgres: save bond policy %s: %w", p.Version, err)
	}
	return nil
}

func scanPolicy(row pgx.Row) (domain.BondPolicy, error) {
	var body []byte
	if err := row.Scan(&body); err != nil {
		return domain.BondPolicy{}, err
	}
	var p domain.BondPolicy
	if err := json.Unmarshal(body, &p); err != nil {
		return domain.BondPolicy{}, fmt.Errorf("unmarshal bond policy: %w", err)
	}
	return p, nil
}

// Current returns the latest saved policy.
func (s *PolicyStore) Current(ctx context.Context) (domain.BondPolicy, error) {
	row := s.pool.QueryRow(ctx, `SELECT body FROM bond_policies ORDER BY seq DESC LIMIT 1`)
	p, err := scanPolicy(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.BondPolicy{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.BondPolicy{}, fmt.Errorf("postgres: current bond policy: %w", err)
	}
	return p, nil
}

// List returns every saved version, newest first.
func (s *PolicyStore) List(ctx context.Context) ([]domain.BondPolicy, error) {
	rows, err := s.pool.Query(ctx, `SELECT body FROM bond_policies ORDER BY seq DESC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list bond policies: %w", err)
	}
	out, err := collect(rows, scanPolicy)
	if err != nil {
		return nil, fmt.Errorf("postgres: list bond policies rows: %w", err)
	}
	return out, nil
}

var _ domain.PolicyStore = (*PolicyStore)(nil)
