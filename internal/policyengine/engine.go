// Package policyengine provides the immutable policy snapshot: the
// per-zone policy repositories, the tag-policy repository, the zone
// index, versions, and the copy-on-write delta application that evolves
// one snapshot into the next.
package policyengine

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/authz-engine/policy-admin/internal/authcontext"
	"github.com/authz-engine/policy-admin/internal/cel"
	"github.com/authz-engine/policy-admin/internal/resourcematcher"
	"github.com/authz-engine/policy-admin/internal/servicedef"
	"github.com/authz-engine/policy-admin/pkg/types"
)

// Config configures an engine snapshot
type Config struct {
	// LockingEnabled guards the snapshot with a real read/write lock.
	// Disable only when callers serialize access externally.
	LockingEnabled bool
	// SupportsInPlaceUpdates lets CloneWithDelta mutate the current
	// snapshot under the write lock instead of building a new one.
	SupportsInPlaceUpdates bool
	// Logger defaults to a no-op logger
	Logger *zap.Logger
}

// Engine is one snapshot of a service's policies. The interior is
// immutable after construction; the roles table and, when in-place
// updates are enabled, the repository map mutate only under the write
// lock.
type Engine struct {
	serviceName   string
	policyVersion int64

	serviceDef *types.ServiceDef
	helper     *servicedef.Helper
	replacers  map[string]*resourcematcher.StringTokenReplacer

	repositories map[string]*Repository // zone name -> repository, "" = default zone
	policiesByID map[int64]*types.Policy

	tagRepository *Repository
	tagHelper     *servicedef.Helper

	zoneIndex   *ZoneIndex
	zones       map[string]*types.SecurityZoneInfo
	authContext *authcontext.Context

	lock      *ReadWriteLock
	celEngine *cel.Engine
	logger    *zap.Logger

	supportsInPlaceUpdates bool
}

// NewEngine builds a snapshot from a full ServicePolicies bundle
func NewEngine(bundle *types.ServicePolicies, roles *types.Roles, cfg Config) (*Engine, error) {
	if bundle == nil {
		return nil, fmt.Errorf("service policies bundle is required")
	}
	if bundle.ServiceName == "" {
		return nil, fmt.Errorf("bundle has no service name")
	}
	if bundle.IsDelta() {
		return nil, fmt.Errorf("cannot build an engine from a delta bundle")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	helper, err := servicedef.NewHelper(bundle.ServiceDef)
	if err != nil {
		return nil, fmt.Errorf("service %s: %w", bundle.ServiceName, err)
	}

	celEngine, err := cel.NewEngine()
	if err != nil {
		return nil, fmt.Errorf("failed to create condition engine: %w", err)
	}

	e := &Engine{
		serviceName:            bundle.ServiceName,
		policyVersion:          bundle.PolicyVersion,
		serviceDef:             bundle.ServiceDef,
		helper:                 helper,
		replacers:              buildTokenReplacers(bundle.ServiceDef),
		repositories:           make(map[string]*Repository),
		policiesByID:           make(map[int64]*types.Policy, len(bundle.Policies)),
		zones:                  bundle.SecurityZones,
		zoneIndex:              BuildZoneIndex(helper, bundle.SecurityZones),
		authContext:            authcontext.New(roles),
		lock:                   NewReadWriteLock(cfg.LockingEnabled),
		celEngine:              celEngine,
		logger:                 logger,
		supportsInPlaceUpdates: cfg.SupportsInPlaceUpdates,
	}

	byZone := make(map[string][]*types.Policy)
	for _, p := range bundle.Policies {
		if p == nil {
			continue
		}
		e.policiesByID[p.ID] = p
		byZone[p.ZoneName] = append(byZone[p.ZoneName], p)
	}

	// The default zone always has a repository, even when empty.
	if _, ok := byZone[""]; !ok {
		byZone[""] = nil
	}
	for zoneName := range bundle.SecurityZones {
		if _, ok := byZone[zoneName]; !ok {
			byZone[zoneName] = nil
		}
	}

	for zoneName, policies := range byZone {
		e.repositories[zoneName] = NewRepository(bundle.ServiceName, zoneName, policies, helper, e.replacers, celEngine, logger)
	}

	if bundle.TagPolicies != nil && bundle.TagPolicies.ServiceDef != nil {
		tagHelper, err := servicedef.NewHelper(bundle.TagPolicies.ServiceDef)
		if err != nil {
			return nil, fmt.Errorf("tag service %s: %w", bundle.TagPolicies.ServiceName, err)
		}
		e.tagHelper = tagHelper
		e.tagRepository = NewRepository(bundle.TagPolicies.ServiceName, "", bundle.TagPolicies.Policies, tagHelper, buildTokenReplacers(bundle.TagPolicies.ServiceDef), celEngine, logger)
	}

	return e, nil
}

func buildTokenReplacers(def *types.ServiceDef) map[string]*resourcematcher.StringTokenReplacer {
	ret := make(map[string]*resourcematcher.StringTokenReplacer)
	for _, r := range def.Resources {
		if replacer := resourcematcher.NewTokenReplacer(r); replacer != nil {
			ret[r.Name] = replacer
		}
	}
	return ret
}

// GetReadLock acquires the snapshot's read guard
func (e *Engine) GetReadLock() *Guard {
	return e.lock.ReadLock()
}

// GetWriteLock acquires the snapshot's write guard
func (e *Engine) GetWriteLock() *Guard {
	return e.lock.WriteLock()
}

// GetServiceName returns the service the snapshot belongs to
func (e *Engine) GetServiceName() string {
	return e.serviceName
}

// GetPolicyVersion returns the snapshot's policy version
func (e *Engine) GetPolicyVersion() int64 {
	return e.policyVersion
}

// GetRoleVersion returns the version of the current roles table
func (e *Engine) GetRoleVersion() int64 {
	return e.authContext.RoleVersion()
}

// GetServiceDef returns the service definition
func (e *Engine) GetServiceDef() *types.ServiceDef {
	return e.serviceDef
}

// Helper returns the service-def helper
func (e *Engine) Helper() *servicedef.Helper {
	return e.helper
}

// TagHelper returns the tag service-def helper, or nil
func (e *Engine) TagHelper() *servicedef.Helper {
	return e.tagHelper
}

// AuthContext returns the snapshot's authentication context
func (e *Engine) AuthContext() *authcontext.Context {
	return e.authContext
}

// SetRoles replaces the roles table. Callers must hold the write guard.
func (e *Engine) SetRoles(roles *types.Roles) {
	e.authContext.SetRoles(roles)
}

// GetRepositoryForZone returns the repository of the named zone, or nil
// when the zone is unknown. The empty name is the default zone.
func (e *Engine) GetRepositoryForZone(zoneName string) *Repository {
	return e.repositories[zoneName]
}

// GetRepositoryForMatchedZone returns the repository of the policy's zone
func (e *Engine) GetRepositoryForMatchedZone(policy *types.Policy) *Repository {
	if policy == nil {
		return nil
	}
	return e.repositories[policy.ZoneName]
}

// GetTagRepository returns the tag-policy repository, or nil
func (e *Engine) GetTagRepository() *Repository {
	return e.tagRepository
}

// HasTagPolicies reports whether the snapshot carries tag policies
func (e *Engine) HasTagPolicies() bool {
	return e.tagRepository != nil && len(e.tagRepository.GetPolicyEvaluators()) > 0
}

// HasResourcePolicies reports whether the repository carries policies
func (e *Engine) HasResourcePolicies(repo *Repository) bool {
	return repo != nil && len(repo.GetPolicyEvaluators()) > 0
}

// GetTokenReplacer returns the token replacer of one resource element
func (e *Engine) GetTokenReplacer(resourceName string) *resourcematcher.StringTokenReplacer {
	return e.replacers[resourceName]
}

// GetMatchedZonesForResourceAndChildren delegates to the zone index
func (e *Engine) GetMatchedZonesForResourceAndChildren(resource types.AccessResource) []string {
	return e.zoneIndex.GetMatchedZonesForResourceAndChildren(resource)
}

// GetUniquelyMatchedZoneName delegates to the zone index
func (e *Engine) GetUniquelyMatchedZoneName(resource types.AccessResource) (string, error) {
	return e.zoneIndex.GetUniquelyMatchedZoneName(resource)
}

// IsResourceZoneAssociatedWithTagService reports whether the zone has an
// associated tag service.
func (e *Engine) IsResourceZoneAssociatedWithTagService(zoneName string) bool {
	return e.zoneIndex.IsZoneAssociatedWithTagService(zoneName)
}

// CloneWithDelta evolves the snapshot with an incremental bundle.
//
// Returns the receiver itself when the bundle is empty at the current
// policy version or could be applied in place, a new snapshot sharing
// untouched repositories when the delta rebuilt some zones, or nil when
// the bundle is inconsistent with the current snapshot and the caller
// must reload from scratch. An empty bundle at any other version, and
// any full policy list, also yield nil.
func (e *Engine) CloneWithDelta(bundle *types.ServicePolicies) *Engine {
	if bundle == nil || bundle.ServiceName != e.serviceName {
		return nil
	}
	if bundle.PolicyVersion < e.policyVersion {
		e.logger.Warn("Rejecting stale policy delta",
			zap.Int64("currentVersion", e.policyVersion),
			zap.Int64("deltaVersion", bundle.PolicyVersion),
		)
		return nil
	}
	if bundle.ServiceDef != nil && bundle.ServiceDef.Name != e.serviceDef.Name {
		return nil
	}

	if !bundle.IsDelta() {
		if len(bundle.Policies) == 0 && bundle.PolicyVersion == e.policyVersion {
			return e
		}
		// A full policy list is not a delta; force a rebuild.
		return nil
	}

	// Validate and apply the deltas against a copy of the policy table.
	policies := make(map[int64]*types.Policy, len(e.policiesByID))
	for id, p := range e.policiesByID {
		policies[id] = p
	}

	touchedZones := make(map[string]bool)

	for _, delta := range bundle.Deltas {
		if delta == nil {
			return nil
		}

		switch delta.ChangeType {
		case types.DeltaCreate:
			if delta.Policy == nil {
				return nil
			}
			if _, exists := policies[delta.Policy.ID]; exists {
				e.logger.Warn("Delta creates a policy that already exists", zap.Int64("policyID", delta.Policy.ID))
				return nil
			}
			policies[delta.Policy.ID] = delta.Policy
			touchedZones[delta.Policy.ZoneName] = true

		case types.DeltaUpdate:
			if delta.Policy == nil {
				return nil
			}
			old, exists := policies[delta.Policy.ID]
			if !exists {
				e.logger.Warn("Delta updates an unknown policy", zap.Int64("policyID", delta.Policy.ID))
				return nil
			}
			policies[delta.Policy.ID] = delta.Policy
			touchedZones[old.ZoneName] = true
			touchedZones[delta.Policy.ZoneName] = true

		case types.DeltaDelete:
			old, exists := policies[delta.ID]
			if !exists {
				e.logger.Warn("Delta deletes an unknown policy", zap.Int64("policyID", delta.ID))
				return nil
			}
			delete(policies, delta.ID)
			touchedZones[old.ZoneName] = true

		default:
			return nil
		}
	}

	rebuilt := make(map[string]*Repository, len(touchedZones))
	for zoneName := range touchedZones {
		var zonePolicies []*types.Policy
		for _, p := range policies {
			if p.ZoneName == zoneName {
				zonePolicies = append(zonePolicies, p)
			}
		}
		rebuilt[zoneName] = NewRepository(e.serviceName, zoneName, zonePolicies, e.helper, e.replacers, e.celEngine, e.logger)
	}

	if e.supportsInPlaceUpdates {
		guard := e.GetWriteLock()
		defer guard.Unlock()

		for zoneName, repo := range rebuilt {
			e.repositories[zoneName] = repo
		}
		e.policiesByID = policies
		e.policyVersion = bundle.PolicyVersion

		return e
	}

	clone := &Engine{
		serviceName:            e.serviceName,
		policyVersion:          bundle.PolicyVersion,
		serviceDef:             e.serviceDef,
		helper:                 e.helper,
		replacers:              e.replacers,
		repositories:           make(map[string]*Repository, len(e.repositories)),
		policiesByID:           policies,
		tagRepository:          e.tagRepository,
		tagHelper:              e.tagHelper,
		zoneIndex:              e.zoneIndex,
		zones:                  e.zones,
		authContext:            e.authContext,
		lock:                   e.lock,
		celEngine:              e.celEngine,
		logger:                 e.logger,
		supportsInPlaceUpdates: e.supportsInPlaceUpdates,
	}

	for zoneName, repo := range e.repositories {
		clone.repositories[zoneName] = repo
	}
	for zoneName, repo := range rebuilt {
		clone.repositories[zoneName] = repo
	}

	return clone
}
