package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/polyresolve/internal/domain"
)

// ResolutionStore implements domain.ResolutionStore using PostgreSQL.
type ResolutionStore struct {
	q querier
}

const resolutionCols = `id, market_id, outcome, source, confidence, evidence,
	proposed_by, proposed_at, dispute_window_end, final_outcome, settled_at, superseded_by`

func scanResolution(row pgx.Row) (domain.ResolutionRecord, error) {
	var r domain.ResolutionRecord
	var outcome, source, confidence string
	var final *string
	err := row.Scan(
		&r.ID, &r.MarketID, &outcome, &source, &confidence, &r.Evidence,
		&r.ProposedBy, &r.ProposedAt, &r.DisputeWindowEnd, &final, &r.SettledAt, &r.SupersededBy,
	)
	if err != nil {
		return domain.ResolutionRecord{}, err
	}
	r.Outcome = domain.Outcome(outcome)
	r.Source = domain.ResolutionSource(source)
	r.Confidence = domain.Confidence(confidence)
	if final != nil {
		o := domain.Outcome(*final)
		r.FinalOutcome = &o
	}
	return r, nil
}

// Create inserts a new resolution record.
func (s *ResolutionStore) Create(ctx context.Context, r domain.ResolutionRecord) error {
	const query = `
		INSERT INTO resolutions (
			id, market_id, outcome, source, confidence, evidence,
			proposed_by, proposed_at, dispute_window_end
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := s.q.Exec(ctx, query,
		r.ID, r.MarketID, string(r.Outcome), string(r.Source), string(r.Confidence), r.Evidence,
		r.ProposedBy, r.ProposedAt, r.DisputeWindowEnd,
	)
	if _, dup := uniqueViolation(err); dup {
		return fmt.Errorf("postgres: create resolution %s: %w", r.ID, domain.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("postgres: create resolution %s: %w", r.ID, err)
	}
	return nil
}

// Get retrieves a resolution record by ID.
func (s *ResolutionStore) Get(ctx context.Context, id string) (domain.ResolutionRecord, error) {
	row := s.q.QueryRow(ctx, `SELECT `+resolutionCols+` FROM resolutions WHERE id = $1`, id)
	r, err := scanResolution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ResolutionRecord{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.ResolutionRecord{}, fmt.Errorf("postgres: get resolution %s: %w", id, err)
	}
	return r, nil
}

// ListByMarket returns every record proposed for a market, oldest first.
func (s *ResolutionStore) ListByMarket(ctx context.Context, marketID string) ([]domain.ResolutionRecord, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+resolutionCols+` FROM resolutions WHERE market_id = $1 ORDER BY proposed_at, id`, marketID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list resolutions for %s: %w", marketID, err)
	}
	recs, err := collect(rows, scanResolution)
	if err != nil {
		return nil, fmt.Errorf("postgres: list resolutions rows: %w", err)
	}
	return recs, nil
}

// MarkSuperseded records that by replaced id.
func (s *ResolutionStore) MarkSuperseded(ctx context.Context, id, by string) error {
	tag, err := s.q.Exec(ctx, `UPDATE resolutions SET superseded_by = $2 WHERE id = $1`, id, by)
	if err != nil {
		return fmt.Errorf("postgres: supersede resolution %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SetFinalOutcome writes the final outcome only while none is recorded.
func (s *ResolutionStore) SetFinalOutcome(ctx context.Context, id string, outcome domain.Outcome, at time.Time) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE resolutions SET final_outcome = $2, settled_at = $3
		WHERE id = $1 AND final_outcome IS NULL`,
		id, string(outcome), at,
	)
	if err != nil {
		return fmt.Errorf("postgres: set final outcome %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("postgres: set final outcome %s: %w", id, domain.ErrAlreadyResolved)
}
