package memory

import (
	"context"
	"sync"

	"github.com/alanyoungcy/polyresolve/internal/domain"
)

// Reputation is an in-process reputation store.
type Reputation struct {
	mu      sync.Mutex
	scores  map[string]int
	applied map[string]bool
}

// NewReputation creates an empty Reputation store. Unknown accounts score 0.
func NewReputation() *Reputation {
	return &Reputation{scores: make(map[string]int), applied: make(map[string]bool)}
}

// SetScore overwrites an account's score.
func (r *Reputation) SetScore(accountID string, score int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scores[accountID] = score
}

func (r *Reputation) GetScore(_ context.Context, accountID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scores[accountID], nil
}

func (r *Reputation) ApplyDelta(_ context.Context, accountID string, delta int, ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.applied[ref] {
		return nil
	}
	r.scores[accountID] += delta
	r.applied[ref] = true
	return nil
}

var _ domain.ReputationStore = (*Reputation)(nil)
