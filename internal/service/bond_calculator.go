package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/polyresolve/internal/domain"
)

// BondQuote is the bond a given account would pay for a dispute type.
type BondQuote struct {
	Account       string             `json:"account"`
	Type          domain.DisputeType `json:"dispute_type"`
	Score         int                `json:"reputation_score"`
	MultiplierBps int64              `json:"multiplier_bps"`
	Amount        int64              `json:"amount"`
	PolicyVersion string             `json:"policy_version"`
}

// BondCalculator prices dispute bonds from the bond policy in force. The
// policy can be replaced at runtime; every quote uses one consistent policy.
type BondCalculator struct {
	current    atomic.Pointer[domain.BondPolicy]
	mu         sync.RWMutex
	seen       map[string]domain.BondPolicy
	policies   domain.PolicyStore
	reputation domain.ReputationStore
	logger     *slog.Logger
	nowFn      func() time.Time
}

// NewBondCalculator creates a BondCalculator starting from initial. policies
// may be nil, in which case replacements live only in memory.
func NewBondCalculator(initial domain.BondPolicy, policies domain.PolicyStore, reputation domain.ReputationStore, logger *slog.Logger) (*BondCalculator, error) {
	if err := initial.Validate(); err != nil {
		return nil, fmt.Errorf("bond_calculator: initial policy: %w", err)
	}
	c := &BondCalculator{
		policies:   policies,
		reputation: reputation,
		logger:     logger.With(slog.String("component", "bond_calculator")),
		nowFn:      func() time.Time { return time.Now().UTC() },
		seen:       make(map[string]domain.BondPolicy),
	}
	c.install(initial)
	return c, nil
}

// Load replaces the in-memory policy with the newest stored one. When the
// store is empty the configured policy is saved as the first version.
func (c *BondCalculator) Load(ctx context.Context) error {
	if c.policies == nil {
		return nil
	}
	p, err := c.policies.Current(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		initial := c.Policy()
		initial.UpdatedAt = c.nowFn()
		if err := c.policies.Save(ctx, initial); err != nil {
			return fmt.Errorf("bond_calculator: seed policy %s: %w", initial.Version, err)
		}
		c.install(initial)
		c.logger.InfoContext(ctx, "bond policy seeded", slog.String("version", initial.Version))
		return nil
	}
	if err != nil {
		return fmt.Errorf("bond_calculator: load policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("bond_calculator: stored policy %s: %w", p.Version, err)
	}
	c.install(p)
	c.logger.InfoContext(ctx, "bond policy loaded", slog.String("version", p.Version))
	return nil
}

// Policy returns a copy of the policy in force.
func (c *BondCalculator) Policy() domain.BondPolicy {
	return *c.current.Load()
}

func (c *BondCalculator) install(p domain.BondPolicy) {
	c.mu.Lock()
	c.seen[p.Version] = p
	c.mu.Unlock()
	c.current.Store(&p)
}

// PolicyVersion returns the policy with the given version. Versions installed
// by this process are answered from memory; older ones come from the store.
func (c *BondCalculator) PolicyVersion(ctx context.Context, version string) (domain.BondPolicy, error) {
	c.mu.RLock()
	p, ok := c.seen[version]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}
	if c.policies != nil {
		list, err := c.policies.List(ctx)
		if err != nil {
			return domain.BondPolicy{}, fmt.Errorf("bond_calculator: list policies: %w", err)
		}
		for _, p := range list {
			if p.Version == version {
				c.mu.Lock()
				c.seen[version] = p
				c.mu.Unlock()
				return p, nil
			}
		}
	}
	return domain.BondPolicy{}, fmt.Errorf("bond_calculator: policy version %q: %w", version, domain.ErrNotFound)
}

// SetPolicy validates and installs a new policy version.
func (c *BondCalculator) SetPolicy(ctx context.Context, p domain.BondPolicy) (domain.BondPolicy, error) {
	if err := p.Validate(); err != nil {
		return domain.BondPolicy{}, err
	}
	if p.Version == c.Policy().Version {
		return domain.BondPolicy{}, fmt.Errorf("bond_calculator: policy version %s: %w", p.Version, domain.ErrAlreadyExists)
	}
	p.UpdatedAt = c.nowFn()
	if c.policies != nil {
		if err := c.policies.Save(ctx, p); err != nil {
			return domain.BondPolicy{}, fmt.Errorf("bond_calculator: save policy %s: %w", p.Version, err)
		}
	}
	c.install(p)
	c.logger.InfoContext(ctx, "bond policy replaced", slog.String("version", p.Version))
	return p, nil
}

// Quote reads the account's reputation and prices a dispute of type t.
func (c *BondCalculator) Quote(ctx context.Context, account string, t domain.DisputeType) (BondQuote, error) {
	if !t.Valid() {
		return BondQuote{}, &domain.ValidationError{Field: "dispute_type", Code: "invalid_dispute_type", Reason: "must be evidence, interpretation or api_error"}
	}
	score, err := c.reputation.GetScore(ctx, account)
	if err != nil {
		return BondQuote{}, fmt.Errorf("bond_calculator: reputation %s: %w", account, unavailable(err))
	}
	p := c.current.Load()
	return BondQuote{
		Account:       account,
		Type:          t,
		Score:         score,
		MultiplierBps: p.MultiplierBps(score),
		Amount:        domain.ComputeBond(*p, t, score),
		PolicyVersion: p.Version,
	}, nil
}

// History lists stored policy versions.
func (c *BondCalculator) History(ctx context.Context) ([]domain.BondPolicy, error) {
	if c.policies == nil {
		return []domain.BondPolicy{c.Policy()}, nil
	}
	list, err := c.policies.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("bond_calculator: list policies: %w", err)
	}
	return list, nil
}
