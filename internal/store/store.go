// Package store defines the service store consumed by the modify path
// of delegated-admin checks, an in-memory implementation, and a caching
// decorator.
package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/authz-engine/policy-admin/pkg/types"
)

// ServiceStore looks up stored policies by id. The production
// implementation lives outside this module; the engine only depends on
// this interface.
type ServiceStore interface {
	GetPolicy(ctx context.Context, id int64) (*types.Policy, error)
}

// MemoryStore is a map-backed ServiceStore
type MemoryStore struct {
	policies map[int64]*types.Policy
	mu       sync.RWMutex
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		policies: make(map[int64]*types.Policy),
	}
}

// GetPolicy retrieves a policy by id
func (s *MemoryStore) GetPolicy(_ context.Context, id int64) (*types.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	policy, ok := s.policies[id]
	if !ok {
		return nil, fmt.Errorf("policy not found: %d", id)
	}
	return policy, nil
}

// AddPolicy stores a policy
func (s *MemoryStore) AddPolicy(policy *types.Policy) error {
	if policy == nil {
		return fmt.Errorf("policy is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.policies[policy.ID] = policy
	return nil
}

// RemovePolicy removes a policy by id
func (s *MemoryStore) RemovePolicy(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.policies, id)
}

// Count returns the number of stored policies
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.policies)
}
