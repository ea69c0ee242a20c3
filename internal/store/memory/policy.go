package memory

import (
	"context"
	"sync"

	"github.com/alanyoungcy/polyresolve/internal/domain"
)

// PolicyStore keeps bond policy versions in memory.
type PolicyStore struct {
	mu       sync.Mutex
	versions []domain.BondPolicy
}

// NewPolicyStore creates an empty PolicyStore.
func NewPolicyStore() *PolicyStore { return &PolicyStore{} }

func (s *PolicyStore) Save(_ context.Context, p domain.BondPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.versions {
		if v.Version == p.Version {
			return domain.ErrAlreadyExists
		}
	}
	s.versions = append(s.versions, p.Clone())
	return nil
}

func (s *PolicyStore) Current(context.Context) (domain.BondPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.versions) == 0 {
		return domain.BondPolicy{}, domain.ErrNotFound
	}
	return s.versions[len(s.versions)-1].Clone(), nil
}

func (s *PolicyStore) List(context.Context) ([]domain.BondPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.BondPolicy, 0, len(s.versions))
	for i := len(s.versions) - 1; i >= 0; i-- {
		out = append(out, s.versions[i].Clone())
	}
	return out, nil
}

var _ domain.PolicyStore = (*PolicyStore)(nil)
