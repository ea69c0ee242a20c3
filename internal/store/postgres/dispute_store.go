package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/polyresolve/internal/domain"
)

// activeDisputeIndex enforces one undecided dispute per submitter and market.
const activeDisputeIndex = "disputes_one_active_per_submitter"

// DisputeStore implements domain.DisputeStore using PostgreSQL.
type DisputeStore struct {
	q querier
}

const disputeCols = `id, market_id, resolution_id, submitter_id, dispute_type, reason,
	evidence_url, evidence_description, bond_amount, policy_version, status,
	admin_note, decided_by, created_at, reviewed_at, decided_at`

func scanDispute(row pgx.Row) (domain.Dispute, error) {
	var d domain.Dispute
	var typ, status string
	err := row.Scan(
		&d.ID, &d.MarketID, &d.ResolutionID, &d.SubmitterID, &typ, &d.Reason,
		&d.EvidenceURL, &d.EvidenceDescription, &d.BondAmount, &d.PolicyVersion, &status,
		&d.AdminNote, &d.DecidedBy, &d.CreatedAt, &d.ReviewedAt, &d.DecidedAt,
	)
	if err != nil {
		return domain.Dispute{}, err
	}
	d.Type = domain.DisputeType(typ)
	d.Status = domain.DisputeStatus(status)
	return d, nil
}

// Create inserts a dispute. The partial unique index on open disputes turns a
// concurrent duplicate into ErrDuplicateActiveDispute.
func (s *DisputeStore) Create(ctx context.Context, d domain.Dispute) error {
	const query = `
		INSERT INTO disputes (
			id, market_id, resolution_id, submitter_id, dispute_type, reason,
			evidence_url, evidence_description, bond_amount, policy_version, status,
			admin_note, decided_by, created_at, reviewed_at, decided_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	_, err := s.q.Exec(ctx, query,
		d.ID, d.MarketID, d.ResolutionID, d.SubmitterID, string(d.Type), d.Reason,
		d.EvidenceURL, d.EvidenceDescription, d.BondAmount, d.PolicyVersion, string(d.Status),
		d.AdminNote, d.DecidedBy, d.CreatedAt, d.ReviewedAt, d.DecidedAt,
	)
	if constraint, dup := uniqueViolation(err); dup {
		if constraint == activeDisputeIndex {
			return fmt.Errorf("postgres: create dispute %s: %w", d.ID, domain.ErrDuplicateActiveDispute)
		}
		return fmt.Errorf("postgres: create dispute %s: %w", d.ID, domain.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("postgres: create dispute %s: %w", d.ID, err)
	}
	return nil
}

// Get retrieves a dispute by ID.
func (s *DisputeStore) Get(ctx context.Context, id string) (domain.Dispute, error) {
	row := s.q.QueryRow(ctx, `SELECT `+disputeCols+` FROM disputes WHERE id = $1`, id)
	d, err := scanDispute(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Dispute{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Dispute{}, fmt.Errorf("postgres: get dispute %s: %w", id, err)
	}
	return d, nil
}

// Update writes the mutable review and decision fields.
func (s *DisputeStore) Update(ctx context.Context, d domain.Dispute) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE disputes SET
			status      = $2,
			admin_note  = $3,
			decided_by  = $4,
			reviewed_at = $5,
			decided_at  = $6
		WHERE id = $1`,
		d.ID, string(d.Status), d.AdminNote, d.DecidedBy, d.ReviewedAt, d.DecidedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update dispute %s: %w", d.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// FindOpen returns the submitter's pending or reviewed dispute on a market.
func (s *DisputeStore) FindOpen(ctx context.Context, marketID, submitterID string) (domain.Dispute, error) {
	row := s.q.QueryRow(ctx, `SELECT `+disputeCols+` FROM disputes
		WHERE market_id = $1 AND submitter_id = $2 AND status IN ('pending', 'reviewed')
		LIMIT 1`, marketID, submitterID)
	d, err := scanDispute(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Dispute{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Dispute{}, fmt.Errorf("postgres: find open dispute %s/%s: %w", marketID, submitterID, err)
	}
	return d, nil
}

func (s *DisputeStore) list(ctx context.Context, where string, arg string) ([]domain.Dispute, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+disputeCols+` FROM disputes WHERE `+where+` = $1 ORDER BY created_at, id`, arg)
	if err != nil {
		return nil, fmt.Errorf("postgres: list disputes by %s: %w", where, err)
	}
	disputes, err := collect(rows, scanDispute)
	if err != nil {
		return nil, fmt.Errorf("postgres: list disputes rows: %w", err)
	}
	return disputes, nil
}

// ListByMarket returns a market's disputes, oldest first.
func (s *DisputeStore) ListByMarket(ctx context.Context, marketID string) ([]domain.Dispute, error) {
	return s.list(ctx, "market_id", marketID)
}

// ListByResolution returns the disputes raised against one record.
func (s *DisputeStore) ListByResolution(ctx context.Context, resolutionID string) ([]domain.Dispute, error) {
	return s.list(ctx, "resolution_id", resolutionID)
}

// ListBySubmitter returns a submitter's disputes, newest first.
func (s *DisputeStore) ListBySubmitter(ctx context.Context, submitterID string, opts domain.ListOpts) ([]domain.Dispute, error) {
	query := `SELECT ` + disputeCols + ` FROM disputes WHERE submitter_id = $1`
	args := []any{submitterID}
	query, args = withRange(query, args, "created_at", opts)
	query += " ORDER BY created_at DESC, id DESC"
	query, args = withPage(query, args, opts)

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list disputes for %s: %w", submitterID, err)
	}
	disputes, err := collect(rows, scanDispute)
	if err != nil {
		return nil, fmt.Errorf("postgres: list disputes rows: %w", err)
	}
	return disputes, nil
}
