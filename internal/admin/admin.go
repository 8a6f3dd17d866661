// Package admin exposes the policy administration façade: delegated
// admin checks over policies and resources, policy discovery, zone
// resolution, and snapshot evolution. All public operations run under
// the engine snapshot's read lock; SetRoles and snapshot swaps are the
// only writers.
package admin

import (
	"context"

	"go.uber.org/zap"

	"github.com/authz-engine/policy-admin/internal/perf"
	"github.com/authz-engine/policy-admin/internal/policyengine"
	"github.com/authz-engine/policy-admin/internal/resourcematcher"
	"github.com/authz-engine/policy-admin/internal/store"
	"github.com/authz-engine/policy-admin/pkg/types"
)

// TagEnricher resolves the tags attached to a resource. It is an
// external collaborator; discovery consults it when present.
type TagEnricher interface {
	EnrichTags(resource types.AccessResource) []*types.Tag
}

// Config configures a policy admin
type Config struct {
	Engine      policyengine.Config
	Logger      *zap.Logger
	Tracer      *perf.Tracer
	TagEnricher TagEnricher
}

// Admin is the policy administration façade around one engine snapshot
type Admin struct {
	engine       *policyengine.Engine
	serviceStore store.ServiceStore
	tagEnricher  TagEnricher
	logger       *zap.Logger
	tracer       *perf.Tracer
}

// New builds an admin from a full ServicePolicies bundle
func New(bundle *types.ServicePolicies, roles *types.Roles, cfg Config) (*Admin, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	engineCfg := cfg.Engine
	if engineCfg.Logger == nil {
		engineCfg.Logger = logger
	}

	engine, err := policyengine.NewEngine(bundle, roles, engineCfg)
	if err != nil {
		return nil, err
	}

	return &Admin{
		engine:      engine,
		tagEnricher: cfg.TagEnricher,
		logger:      logger,
		tracer:      cfg.Tracer,
	}, nil
}

// AdminForDelta evolves an admin with an incremental bundle. Returns the
// same admin when the delta applied in place, a new admin around the
// evolved snapshot, or nil when the delta was rejected and the caller
// must rebuild from a full bundle.
func AdminForDelta(other *Admin, bundle *types.ServicePolicies) *Admin {
	if other == nil || bundle == nil {
		return nil
	}

	engine := other.engine.CloneWithDelta(bundle)
	if engine == nil {
		return nil
	}
	if engine == other.engine {
		return other
	}

	return &Admin{
		engine:       engine,
		serviceStore: other.serviceStore,
		tagEnricher:  other.tagEnricher,
		logger:       other.logger,
		tracer:       other.tracer,
	}
}

// SetServiceStore wires the store consulted for old policies on modify
func (a *Admin) SetServiceStore(s store.ServiceStore) {
	a.serviceStore = s
}

// Engine returns the wrapped snapshot engine
func (a *Admin) Engine() *policyengine.Engine {
	return a.engine
}

// IsDelegatedAdminAccessAllowed reports whether the user holds delegated
// admin over all requested access types on the resource, in the given
// zone. Only access policies are consulted, pre-filtered by likely
// match; the scan short-circuits on the first full cover.
func (a *Admin) IsDelegatedAdminAccessAllowed(resource types.AccessResource, zoneName, user string, userGroups []string, accessTypes []string) bool {
	ret := false

	span := a.tracer.Begin("IsDelegatedAdminAccessAllowed")
	defer span.Log()

	guard := a.engine.GetReadLock()
	defer guard.Unlock()

	matchedRepository := a.engine.GetRepositoryForZone(zoneName)
	if matchedRepository == nil || len(accessTypes) == 0 {
		return false
	}

	roles := a.engine.AuthContext().GetRolesForUserAndGroups(user, userGroups)

	remaining := make(map[string]bool, len(accessTypes))
	for _, at := range accessTypes {
		remaining[at] = true
	}

	for _, evaluator := range matchedRepository.GetLikelyMatchPolicyEvaluators(resource, types.PolicyTypeAccess) {
		allowed := evaluator.GetAllowedAccessesForResource(resource, user, userGroups, roles, remaining)
		if len(allowed) == 0 {
			continue
		}

		for at := range allowed {
			delete(remaining, at)
		}

		if len(remaining) == 0 {
			a.logger.Debug("Access granted by policy",
				zap.Int64("policyID", evaluator.GetPolicy().ID),
				zap.String("user", user),
			)
			ret = true
			break
		}
	}

	return ret
}

// IsDelegatedAdminAccessAllowedForRead reports whether the user may read
// the policy: authorization for any one of its access types suffices.
func (a *Admin) IsDelegatedAdminAccessAllowedForRead(policy *types.Policy, user string, userGroups []string, roles map[string]bool, evalContext resourcematcher.EvalContext) bool {
	return a.isDelegatedAdminAccessAllowed(policy, user, userGroups, roles, true, evalContext)
}

// IsDelegatedAdminAccessAllowedForModify reports whether the user may
// install the policy as the new version of its id: the caller must be
// authorized for every access type the transition touches.
func (a *Admin) IsDelegatedAdminAccessAllowedForModify(policy *types.Policy, user string, userGroups []string, roles map[string]bool, evalContext resourcematcher.EvalContext) bool {
	return a.isDelegatedAdminAccessAllowed(policy, user, userGroups, roles, false, evalContext)
}

func (a *Admin) isDelegatedAdminAccessAllowed(policy *types.Policy, user string, userGroups []string, roles map[string]bool, isRead bool, evalContext resourcematcher.EvalContext) bool {
	if policy == nil {
		a.logger.Error("Delegated admin check on nil policy")
		return false
	}

	ret := false

	span := a.tracer.Begin("isDelegatedAdminAccessAllowed")
	defer span.Log()

	guard := a.engine.GetReadLock()
	defer guard.Unlock()

	matchedRepository := a.engine.GetRepositoryForMatchedZone(policy)
	if matchedRepository == nil {
		a.logger.Warn("No repository for policy zone",
			zap.Int64("policyID", policy.ID),
			zap.String("zone", policy.ZoneName),
		)
		return false
	}

	if isRead {
		accessTypes := a.getAllAccessTypes(policy)

		ret = a.isDelegatedAdminAccessAllowedForPolicy(matchedRepository, policy, user, userGroups, roles, accessTypes, true, evalContext)
	} else {
		var oldPolicy *types.Policy

		if policy.ID != 0 && a.serviceStore != nil {
			stored, err := a.serviceStore.GetPolicy(context.Background(), policy.ID)
			if err != nil {
				a.logger.Error("Cannot get old policy from store",
					zap.Int64("policyID", policy.ID),
					zap.Error(err),
				)
			} else {
				oldPolicy = stored
			}
		}

		if oldPolicy != nil {
			oldResourceSignature := oldPolicy.Signature()
			newResourceSignature := policy.Signature()

			if oldResourceSignature == newResourceSignature {
				modifiedAccessTypes := a.getAllModifiedAccessTypes(oldPolicy, policy)

				ret = a.isDelegatedAdminAccessAllowedForPolicy(matchedRepository, policy, user, userGroups, roles, modifiedAccessTypes, false, evalContext)
			} else {
				// The policy's resource footprint moved: the caller must
				// be able to retire the old policy and install the new one.
				removedAccessTypes := a.getAllAccessTypes(oldPolicy)

				isOldPolicyChangeAllowed := a.isDelegatedAdminAccessAllowedForPolicy(matchedRepository, oldPolicy, user, userGroups, roles, removedAccessTypes, false, evalContext)

				if isOldPolicyChangeAllowed {
					addedAccessTypes := a.getAllAccessTypes(policy)

					ret = a.isDelegatedAdminAccessAllowedForPolicy(matchedRepository, policy, user, userGroups, roles, addedAccessTypes, false, evalContext)
				}
			}
		} else {
			a.logger.Warn("Cannot get unmodified policy; treating the modification as a creation",
				zap.Int64("policyID", policy.ID),
			)

			addedAccessTypes := a.getAllAccessTypes(policy)

			ret = a.isDelegatedAdminAccessAllowedForPolicy(matchedRepository, policy, user, userGroups, roles, addedAccessTypes, false, evalContext)
		}
	}

	return ret
}

// isDelegatedAdminAccessAllowedForPolicy checks the already-computed
// access types against the delegated-admin policies covering the
// policy's resources. A read succeeds on any overlap; a modify needs a
// full cover. Additional resources restrict the grant to access types
// allowed on every resource in the policy.
func (a *Admin) isDelegatedAdminAccessAllowedForPolicy(matchedRepository *policyengine.Repository, policy *types.Policy, user string, userGroups []string, roles map[string]bool, accessTypes map[string]bool, isRead bool, evalContext resourcematcher.EvalContext) bool {
	if len(accessTypes) == 0 {
		a.logger.Error("Could not get access types for policy", zap.Int64("policyID", policy.ID))
		return false
	}

	ret := false

	allowedAccesses := a.getAllowedAccesses(matchedRepository, policy.Resources, user, userGroups, roles, accessTypes, evalContext)

	if len(allowedAccesses) > 0 {
		if isRead {
			ret = containsAny(allowedAccesses, accessTypes)
		} else {
			ret = containsAll(allowedAccesses, accessTypes)
		}
	}

	if ret && len(policy.AdditionalResources) > 0 {
		for _, additionalResource := range policy.AdditionalResources {
			additionalAllowed := a.getAllowedAccesses(matchedRepository, additionalResource, user, userGroups, roles, accessTypes, evalContext)

			if len(additionalAllowed) == 0 {
				allowedAccesses = nil
				ret = false
			} else {
				retainAll(allowedAccesses, additionalAllowed)

				if isRead {
					ret = len(allowedAccesses) > 0
				} else {
					ret = containsAll(additionalAllowed, accessTypes)
				}
			}

			if !ret {
				break
			}
		}
	}

	if !ret {
		unauthorized := subtract(accessTypes, allowedAccesses)
		a.logger.Info("Accesses are not authorized for the policy by any delegated-admin policy",
			zap.Int64("policyID", policy.ID),
			zap.Strings("accesses", setToSlice(unauthorized)),
		)
	}

	return ret
}

// getAllowedAccesses unions the delegated accesses granted by the
// repository's evaluators over the macro-expanded resources, breaking
// once every requested access type is covered.
func (a *Admin) getAllowedAccesses(matchedRepository *policyengine.Repository, resource map[string]*types.PolicyResource, user string, userGroups []string, roles map[string]bool, accessTypes map[string]bool, evalContext resourcematcher.EvalContext) map[string]bool {
	// Delegated-admin asks about the entire shape a policy could match:
	// every macro in the target pattern becomes the wildcard before
	// matching.
	modifiedResource := a.policyResourcesWithMacrosReplaced(resource, resourcematcher.WildcardContext)

	var ret map[string]bool

	for _, evaluator := range matchedRepository.GetPolicyEvaluators() {
		allowedAccesses := evaluator.GetAllowedAccesses(modifiedResource, user, userGroups, roles, accessTypes, evalContext)

		if len(allowedAccesses) == 0 {
			continue
		}

		if ret == nil {
			ret = make(map[string]bool, len(allowedAccesses))
		}
		for at := range allowedAccesses {
			ret[at] = true
		}

		if containsAll(ret, accessTypes) {
			break
		}
	}

	return ret
}

// policyResourcesWithMacrosReplaced substitutes every macro token in the
// resource values using the given context. Elements without a token
// replacer pass through unchanged.
func (a *Admin) policyResourcesWithMacrosReplaced(resources map[string]*types.PolicyResource, evalContext resourcematcher.EvalContext) map[string]*types.PolicyResource {
	if len(resources) == 0 {
		return resources
	}

	ret := make(map[string]*types.PolicyResource, len(resources))

	for resourceName, resourceValues := range resources {
		if resourceValues == nil || len(resourceValues.Values) == 0 {
			ret[resourceName] = resourceValues
			continue
		}

		replacer := a.engine.GetTokenReplacer(resourceName)
		if replacer == nil {
			ret[resourceName] = resourceValues
			continue
		}

		modifiedValues := make([]string, 0, len(resourceValues.Values))
		for _, value := range resourceValues.Values {
			modifiedValues = append(modifiedValues, replacer.ReplaceTokens(value, evalContext))
		}

		ret[resourceName] = &types.PolicyResource{
			Values:      modifiedValues,
			IsExcludes:  resourceValues.IsExcludes,
			IsRecursive: resourceValues.IsRecursive,
		}
	}

	return ret
}

// GetPolicyVersion returns the snapshot's policy version
func (a *Admin) GetPolicyVersion() int64 {
	guard := a.engine.GetReadLock()
	defer guard.Unlock()

	return a.engine.GetPolicyVersion()
}

// GetRoleVersion returns the snapshot's role version
func (a *Admin) GetRoleVersion() int64 {
	guard := a.engine.GetReadLock()
	defer guard.Unlock()

	return a.engine.GetRoleVersion()
}

// GetServiceName returns the service the snapshot belongs to
func (a *Admin) GetServiceName() string {
	guard := a.engine.GetReadLock()
	defer guard.Unlock()

	return a.engine.GetServiceName()
}

// GetServiceDef returns the service definition
func (a *Admin) GetServiceDef() *types.ServiceDef {
	guard := a.engine.GetReadLock()
	defer guard.Unlock()

	return a.engine.GetServiceDef()
}

// SetRoles replaces the roles table under the write lock
func (a *Admin) SetRoles(roles *types.Roles) {
	guard := a.engine.GetWriteLock()
	defer guard.Unlock()

	a.engine.SetRoles(roles)
}

// GetRolesFromUserAndGroups resolves the effective role set of the pair
func (a *Admin) GetRolesFromUserAndGroups(user string, groups []string) map[string]bool {
	guard := a.engine.GetReadLock()
	defer guard.Unlock()

	return a.engine.AuthContext().GetRolesForUserAndGroups(user, groups)
}

// GetZoneNamesForResource returns all zones whose resource prefixes
// contain the resource or its children.
func (a *Admin) GetZoneNamesForResource(resource types.AccessResource) []string {
	guard := a.engine.GetReadLock()
	defer guard.Unlock()

	return a.engine.GetMatchedZonesForResourceAndChildren(resource)
}

// GetUniquelyMatchedZoneName resolves the single zone of a grant or
// revoke request's resource; it is an error when more than one matches.
func (a *Admin) GetUniquelyMatchedZoneName(req *types.GrantRevokeRequest) (string, error) {
	guard := a.engine.GetReadLock()
	defer guard.Unlock()

	resource := make(types.AccessResource, len(req.Resource))
	for name, value := range req.Resource {
		resource[name] = []string{value}
	}

	return a.engine.GetUniquelyMatchedZoneName(resource)
}

// IsAccessAllowedByUnzonedPolicies checks the resource footprint against
// default-zone policies only.
func (a *Admin) IsAccessAllowedByUnzonedPolicies(resources map[string]*types.PolicyResource, additionalResources []map[string]*types.PolicyResource, user string, userGroups []string, accessType string) bool {
	span := a.tracer.Begin("IsAccessAllowedByUnzonedPolicies")
	defer span.Log()

	guard := a.engine.GetReadLock()
	defer guard.Unlock()

	repo := a.engine.GetRepositoryForZone("")
	if repo == nil {
		return false
	}

	for _, evaluator := range repo.GetPolicyEvaluators() {
		if evaluator.IsAccessAllowed(resources, additionalResources, user, userGroups, accessType) {
			a.logger.Debug("Access granted by policy", zap.Int64("policyID", evaluator.GetPolicy().ID))
			return true
		}
	}

	return false
}

// GetAllowedUnzonedPolicies returns the default-zone policies that allow
// the access type to the principal on their own resources.
func (a *Admin) GetAllowedUnzonedPolicies(user string, userGroups []string, accessType string) []*types.Policy {
	guard := a.engine.GetReadLock()
	defer guard.Unlock()

	repo := a.engine.GetRepositoryForZone("")
	if repo == nil {
		return nil
	}

	var ret []*types.Policy

	for _, evaluator := range repo.GetPolicyEvaluators() {
		policy := evaluator.GetPolicy()
		if evaluator.IsAccessAllowed(policy.Resources, policy.AdditionalResources, user, userGroups, accessType) {
			ret = append(ret, policy)
		}
	}

	return ret
}

// set helpers

func containsAll(set, wanted map[string]bool) bool {
	for at := range wanted {
		if !set[at] {
			return false
		}
	}
	return true
}

func containsAny(set, wanted map[string]bool) bool {
	for at := range wanted {
		if set[at] {
			return true
		}
	}
	return false
}

func retainAll(set, keep map[string]bool) {
	for at := range set {
		if !keep[at] {
			delete(set, at)
		}
	}
}

func subtract(from, minus map[string]bool) map[string]bool {
	ret := make(map[string]bool, len(from))
	for at := range from {
		if !minus[at] {
			ret[at] = true
		}
	}
	return ret
}

func setToSlice(set map[string]bool) []string {
	ret := make([]string, 0, len(set))
	for at := range set {
		ret = append(ret, at)
	}
	return ret
}
