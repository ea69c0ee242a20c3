package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polyresolve/internal/domain"
	"github.com/alanyoungcy/polyresolve/internal/metrics"
)

// SettlementWorker executes queued ledger instructions outside any market
// lock. Instruction IDs are passed to the ledger as references, so a retry
// after an ambiguous failure cannot move funds twice.
type SettlementWorker struct {
	instructions domain.InstructionStore
	ledger       domain.BalanceLedger
	interval     time.Duration
	batch        int
	maxAttempts  int
	metrics      *metrics.Recorder
	logger       *slog.Logger
	nowFn        func() time.Time
}

// NewSettlementWorker creates a SettlementWorker. An instruction that fails
// maxAttempts times is parked as failed for manual follow-up.
func NewSettlementWorker(
	instructions domain.InstructionStore,
	ledger domain.BalanceLedger,
	interval time.Duration,
	batch, maxAttempts int,
	rec *metrics.Recorder,
	logger *slog.Logger,
) *SettlementWorker {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if batch <= 0 {
		batch = 50
	}
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	return &SettlementWorker{
		instructions: instructions,
		ledger:       ledger,
		interval:     interval,
		batch:        batch,
		maxAttempts:  maxAttempts,
		metrics:      rec,
		logger:       logger.With(slog.String("component", "settlement_worker")),
		nowFn:        func() time.Time { return time.Now().UTC() },
	}
}

// Run executes pending instructions on every tick until ctx is cancelled.
func (w *SettlementWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := w.ExecuteOnce(ctx); err != nil {
				w.logger.ErrorContext(ctx, "settlement pass failed", slog.String("error", err.Error()))
			}
		}
	}
}

// ExecuteOnce runs one batch and returns how many instructions completed.
func (w *SettlementWorker) ExecuteOnce(ctx context.Context) (int, error) {
	pending, err := w.instructions.ListPending(ctx, w.batch)
	if err != nil {
		return 0, fmt.Errorf("settlement_worker: list pending: %w", err)
	}
	done := 0
	for _, ins := range pending {
		execErr := w.execute(ctx, ins)
		ins.Attempts++
		switch {
		case execErr == nil:
			now := w.nowFn()
			ins.Status = domain.InstructionDone
			ins.ExecutedAt = &now
			ins.LastError = ""
			done++
		case ins.Attempts >= w.maxAttempts:
			ins.Status = domain.InstructionFailed
			ins.LastError = execErr.Error()
			w.logger.ErrorContext(ctx, "ledger instruction abandoned",
				slog.String("instruction_id", ins.ID),
				slog.String("dispute_id", ins.DisputeID),
				slog.Int("attempts", ins.Attempts),
				slog.String("error", execErr.Error()),
			)
		default:
			ins.LastError = execErr.Error()
			w.logger.WarnContext(ctx, "ledger instruction failed",
				slog.String("instruction_id", ins.ID),
				slog.Int("attempts", ins.Attempts),
				slog.String("error", execErr.Error()),
			)
		}
		w.metrics.Instruction(string(ins.Kind), string(ins.Status))
		if err := w.instructions.Update(ctx, ins); err != nil {
			return done, fmt.Errorf("settlement_worker: update %s: %w", ins.ID, err)
		}
	}
	return done, nil
}

func (w *SettlementWorker) execute(ctx context.Context, ins domain.LedgerInstruction) error {
	switch ins.Kind {
	case domain.InstructionRelease:
		return w.ledger.Release(ctx, ins.Account, ins.Amount, ins.DisputeID)
	case domain.InstructionTransfer:
		return w.ledger.Transfer(ctx, ins.Account, ins.Counterparty, ins.Amount, ins.DisputeID)
	}
	return fmt.Errorf("settlement_worker: unknown instruction kind %q", ins.Kind)
}
