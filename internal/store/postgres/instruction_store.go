package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/polyresolve/internal/domain"
)

// InstructionStore implements domain.InstructionStore using PostgreSQL.
type InstructionStore struct {
	q querier
}

const instructionCols = `id, dispute_id, kind, account, counterparty, amount,
	status, attempts, last_error, created_at, executed_at`

func scanInstruction(row pgx.Row) (domain.LedgerInstruction, error) {
	var in domain.LedgerInstruction
	var kind, status string
	err := row.Scan(
		&in.ID, &in.DisputeID, &kind, &in.Account, &in.Counterparty, &in.Amount,
		&status, &in.Attempts, &in.LastError, &in.CreatedAt, &in.ExecutedAt,
	)
	if err != nil {
		return domain.LedgerInstruction{}, err
	}
	in.Kind = domain.InstructionKind(kind)
	in.Status = domain.InstructionStatus(status)
	return in, nil
}

// Enqueue inserts instructions in a single batch.
func (s *InstructionStore) Enqueue(ctx context.Context, ins ...domain.LedgerInstruction) error {
	if len(ins) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	const query = `
		INSERT INTO ledger_instructions (
			id, dispute_id, kind, account, counterparty, amount,
			status, attempts, last_error, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	for _, in := range ins {
		batch.Queue(query,
			in.ID, in.DisputeID, string(in.Kind), in.Account, in.Counterparty, in.Amount,
			string(in.Status), in.Attempts, in.LastError, in.CreatedAt,
		)
	}

	br := s.q.SendBatch(ctx, batch)
	defer br.Close()

	for i := range ins {
		if _, err := br.Exec(); err != nil {
			if _, dup := uniqueViolation(err); dup {
				return fmt.Errorf("postgres: enqueue instruction %s: %w", ins[i].ID, domain.ErrAlreadyExists)
			}
			return fmt.Errorf("postgres: enqueue instruction batch item %d: %w", i, err)
		}
	}
	return nil
}

// ListPending returns pending instructions, oldest first.
func (s *InstructionStore) ListPending(ctx context.Context, limit int) ([]domain.LedgerInstruction, error) {
	query := `SELECT ` + instructionCols + ` FROM ledger_instructions
		WHERE status = 'pending' ORDER BY created_at, id`
	query, args := withPage(query, nil, domain.ListOpts{Limit: limit})
	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pending instructions: %w", err)
	}
	out, err := collect(rows, scanInstruction)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pending instructions rows: %w", err)
	}
	return out, nil
}

// ListByDispute returns every instruction produced by a dispute's settlement.
func (s *InstructionStore) ListByDispute(ctx context.Context, disputeID string) ([]domain.LedgerInstruction, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+instructionCols+` FROM ledger_instructions WHERE dispute_id = $1 ORDER BY id`, disputeID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list instructions for %s: %w", disputeID, err)
	}
	out, err := collect(rows, scanInstruction)
	if err != nil {
		return nil, fmt.Errorf("postgres: list instructions rows: %w", err)
	}
	return out, nil
}

// Update records an execution attempt.
func (s *InstructionStore) Update(ctx context.Context, in domain.LedgerInstruction) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE ledger_instructions SET
			status      = $2,
			attempts    = $3,
			last_error  = $4,
			executed_at = $5
		WHERE id = $1`,
		in.ID, string(in.Status), in.Attempts, in.LastError, in.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update instruction %s: %w", in.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
