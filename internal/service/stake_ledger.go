package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/polyresolve/internal/domain"
	"github.com/alanyoungcy/polyresolve/internal/metrics"
)

// policySource yields the bond policy in force and the versions disputes
// were priced with.
type policySource interface {
	Policy() domain.BondPolicy
	PolicyVersion(ctx context.Context, version string) (domain.BondPolicy, error)
}

// StakeLedger tracks dispute bonds. Funds are reserved on the external ledger
// before the market lock is taken; commit and settle only touch the store, and
// the resulting ledger movements are queued as instructions for the
// SettlementWorker.
type StakeLedger struct {
	ledger   domain.BalanceLedger
	policy   policySource
	treasury string
	metrics  *metrics.Recorder
	logger   *slog.Logger
	nowFn    func() time.Time
}

// NewStakeLedger creates a StakeLedger. Forfeited bonds are transferred to
// the treasury account.
func NewStakeLedger(ledger domain.BalanceLedger, policy policySource, treasury string, rec *metrics.Recorder, logger *slog.Logger) *StakeLedger {
	if treasury == "" {
		treasury = "treasury"
	}
	return &StakeLedger{
		ledger:   ledger,
		policy:   policy,
		treasury: treasury,
		metrics:  rec,
		logger:   logger.With(slog.String("component", "stake_ledger")),
		nowFn:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the wall clock.
func (s *StakeLedger) SetClock(now func() time.Time) { s.nowFn = now }

// Reserve checks the account's balance and locks amount on the ledger under
// the dispute's reference. A lock that fails for any reason other than
// insufficient funds may still have been applied, so it is released again.
func (s *StakeLedger) Reserve(ctx context.Context, account, disputeID string, amount int64) error {
	balance, err := s.ledger.GetBalance(ctx, account)
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("stake_ledger: reserve %d for %s (no ledger account): %w", amount, account, domain.ErrInsufficientFunds)
	}
	if err != nil {
		return fmt.Errorf("stake_ledger: balance %s: %w", account, unavailable(err))
	}
	if balance < amount {
		return fmt.Errorf("stake_ledger: reserve %d for %s (balance %d): %w", amount, account, balance, domain.ErrInsufficientFunds)
	}
	err = s.ledger.Lock(ctx, account, amount, disputeID)
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrInsufficientFunds) {
		return fmt.Errorf("stake_ledger: lock %d for %s: %w", amount, account, err)
	}
	if relErr := s.Release(context.WithoutCancel(ctx), account, disputeID, amount); relErr != nil {
		s.logger.ErrorContext(ctx, "bond release after failed lock",
			slog.String("dispute_id", disputeID),
			slog.String("account", account),
			slog.Int64("amount", amount),
			slog.String("error", relErr.Error()),
		)
	}
	return fmt.Errorf("stake_ledger: lock %d for %s: %w", amount, account, unavailable(err))
}

// Release undoes a Reserve whose dispute was never recorded.
func (s *StakeLedger) Release(ctx context.Context, account, disputeID string, amount int64) error {
	if err := s.ledger.Release(ctx, account, amount, disputeID); err != nil {
		return fmt.Errorf("stake_ledger: release %d for %s: %w", amount, account, unavailable(err))
	}
	return nil
}

// Commit records the held bond for a dispute inside tx.
func (s *StakeLedger) Commit(ctx context.Context, tx domain.Tx, disputeID, marketID, account string, amount int64) (domain.StakeEntry, error) {
	entry := domain.StakeEntry{
		DisputeID:       disputeID,
		MarketID:        marketID,
		Account:         account,
		AmountCommitted: amount,
		Disposition:     domain.DispositionHeld,
		CommittedAt:     s.nowFn(),
	}
	if err := tx.Stakes().Create(ctx, entry); err != nil {
		return domain.StakeEntry{}, fmt.Errorf("stake_ledger: commit %s: %w", disputeID, err)
	}
	return entry, nil
}

// Settle closes the stake of a decided dispute inside tx. It queues the
// refund and forfeiture instructions and appends the reputation delta, taken
// from the policy version the bond was priced with, as an event. Settling
// twice returns ErrAlreadySettled and queues nothing.
func (s *StakeLedger) Settle(ctx context.Context, tx domain.Tx, d domain.Dispute, actor string) (domain.Settlement, error) {
	disputeID, status := d.ID, d.Status
	if status != domain.DisputeAccepted && status != domain.DisputeRejected {
		return domain.Settlement{}, &domain.ValidationError{Field: "outcome", Code: "invalid_settlement_outcome", Reason: "must be accepted or rejected"}
	}
	entry, err := tx.Stakes().Get(ctx, disputeID)
	if err != nil {
		return domain.Settlement{}, fmt.Errorf("stake_ledger: load %s: %w", disputeID, err)
	}
	if entry.Settled() {
		return domain.Settlement{}, fmt.Errorf("stake_ledger: settle %s: %w", disputeID, domain.ErrAlreadySettled)
	}

	accepted := status == domain.DisputeAccepted
	refund, forfeited, disposition := domain.SplitBond(entry.AmountCommitted, accepted)
	policy, err := s.policy.PolicyVersion(ctx, d.PolicyVersion)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return domain.Settlement{}, fmt.Errorf("stake_ledger: policy for %s: %w", disputeID, err)
		}
		policy = s.policy.Policy()
		s.logger.WarnContext(ctx, "bond policy version unknown, using active policy",
			slog.String("dispute_id", disputeID),
			slog.String("policy_version", d.PolicyVersion),
			slog.String("active_version", policy.Version),
		)
	}
	delta := -policy.ReputationPenalty
	if accepted {
		delta = policy.ReputationReward
	}

	now := s.nowFn()
	entry.Disposition = disposition
	entry.RefundAmount = refund
	entry.ForfeitedAmount = forfeited
	entry.SettledAt = &now
	if err := tx.Stakes().Update(ctx, entry); err != nil {
		return domain.Settlement{}, fmt.Errorf("stake_ledger: update %s: %w", disputeID, err)
	}

	var ins []domain.LedgerInstruction
	if refund > 0 {
		ins = append(ins, domain.LedgerInstruction{
			ID:        disputeID + ":release",
			DisputeID: disputeID,
			Kind:      domain.InstructionRelease,
			Account:   entry.Account,
			Amount:    refund,
			Status:    domain.InstructionPending,
			CreatedAt: now,
		})
	}
	if forfeited > 0 {
		ins = append(ins, domain.LedgerInstruction{
			ID:           disputeID + ":forfeit",
			DisputeID:    disputeID,
			Kind:         domain.InstructionTransfer,
			Account:      entry.Account,
			Counterparty: s.treasury,
			Amount:       forfeited,
			Status:       domain.InstructionPending,
			CreatedAt:    now,
		})
	}
	if err := tx.Instructions().Enqueue(ctx, ins...); err != nil {
		return domain.Settlement{}, fmt.Errorf("stake_ledger: enqueue instructions for %s: %w", disputeID, err)
	}

	events := []domain.Event{
		{
			MarketID:  entry.MarketID,
			Type:      domain.EventStakeSettled,
			Actor:     actor,
			DisputeID: disputeID,
			Detail: map[string]any{
				"account":     entry.Account,
				"disposition": string(disposition),
				"bond":        entry.AmountCommitted,
				"refund":      refund,
				"forfeited":   forfeited,
			},
		},
		{
			MarketID:  entry.MarketID,
			Type:      domain.EventReputationDelta,
			Actor:     actor,
			DisputeID: disputeID,
			Detail: map[string]any{
				"account":        entry.Account,
				"delta":          delta,
				"policy_version": policy.Version,
			},
		},
	}
	for _, e := range events {
		e.ID = uuid.NewString()
		e.OccurredAt = now
		if err := tx.Events().Append(ctx, e); err != nil {
			return domain.Settlement{}, fmt.Errorf("stake_ledger: append %s for %s: %w", e.Type, disputeID, err)
		}
	}

	s.metrics.Settlement(string(disposition))
	s.logger.InfoContext(ctx, "stake settled",
		slog.String("dispute_id", disputeID),
		slog.String("account", entry.Account),
		slog.String("disposition", string(disposition)),
		slog.Int64("refund", refund),
		slog.Int64("forfeited", forfeited),
	)
	return domain.Settlement{
		DisputeID:       disputeID,
		Account:         entry.Account,
		Disposition:     disposition,
		BondAmount:      entry.AmountCommitted,
		RefundAmount:    refund,
		ForfeitedAmount: forfeited,
		ReputationDelta: delta,
	}, nil
}

// unavailable tags a collaborator failure as a resource error unless it
// already carries a domain classification.
func unavailable(err error) error {
	if domain.KindOf(err) != domain.KindInternal {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrUnavailable, err)
}
