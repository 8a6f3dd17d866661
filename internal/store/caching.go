package store

import (
	"context"

	"github.com/authz-engine/policy-admin/internal/cache"
	"github.com/authz-engine/policy-admin/pkg/types"
)

// CachingStore decorates a ServiceStore with a policy cache. Lookups hit
// the cache first; store results are written back. Errors are never
// cached.
type CachingStore struct {
	backing ServiceStore
	cache   cache.PolicyCache
}

// NewCachingStore wraps the backing store with the cache
func NewCachingStore(backing ServiceStore, policyCache cache.PolicyCache) *CachingStore {
	return &CachingStore{
		backing: backing,
		cache:   policyCache,
	}
}

// GetPolicy retrieves a policy, consulting the cache first
func (s *CachingStore) GetPolicy(ctx context.Context, id int64) (*types.Policy, error) {
	if policy, ok := s.cache.Get(id); ok {
		return policy, nil
	}

	policy, err := s.backing.GetPolicy(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cache.Set(id, policy)
	return policy, nil
}

// Invalidate drops one policy from the cache. Call it for every policy
// id touched by an applied delta so modify checks never see a stale old
// policy.
func (s *CachingStore) Invalidate(id int64) {
	s.cache.Delete(id)
}

// InvalidateDeltas drops every policy named by the bundle's deltas
func (s *CachingStore) InvalidateDeltas(bundle *types.ServicePolicies) {
	if bundle == nil {
		return
	}
	for _, delta := range bundle.Deltas {
		if delta == nil {
			continue
		}
		s.Invalidate(delta.ID)
		if delta.Policy != nil {
			s.Invalidate(delta.Policy.ID)
		}
	}
}
