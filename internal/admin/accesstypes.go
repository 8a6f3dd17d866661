package admin

import (
	"go.uber.org/zap"

	"github.com/authz-engine/policy-admin/pkg/types"
)

// getAllAccessTypes returns the implied-grant expansion of every access
// type the policy carries, across the item collections of its type. A
// valid policy with no accesses yields the admin sentinel; an unknown
// policy type yields the empty set, which callers resolve to false.
func (a *Admin) getAllAccessTypes(policy *types.Policy) map[string]bool {
	ret := make(map[string]bool)

	itemGroups, isValid := policy.ItemsForPolicyType()
	if !isValid {
		a.logger.Error("Unknown policy type, returning empty access-type set",
			zap.Int64("policyID", policy.ID),
			zap.String("policyType", string(policy.PolicyType)),
		)
		return ret
	}

	helper := a.engine.Helper()

	for _, items := range itemGroups {
		for _, item := range items {
			for _, access := range item.Accesses {
				if access == nil {
					continue
				}
				for _, at := range helper.ExpandAccessType(access.Type) {
					ret[at] = true
				}
			}
		}
	}

	if len(ret) == 0 {
		ret[types.AccessTypeAdmin] = true
	}

	return ret
}

// getAllModifiedAccessTypes returns the union of per-principal symmetric
// differences of expanded access grants between the old and new policy.
// This is exactly the authorization surface the caller must hold to
// realize the transition. An empty delta yields the admin sentinel.
func (a *Admin) getAllModifiedAccessTypes(oldPolicy, policy *types.Policy) map[string]bool {
	ret := make(map[string]bool)

	oldUserAccesses := make(map[string]map[string]bool)
	oldGroupAccesses := make(map[string]map[string]bool)
	oldRoleAccesses := make(map[string]map[string]bool)

	newUserAccesses := make(map[string]map[string]bool)
	newGroupAccesses := make(map[string]map[string]bool)
	newRoleAccesses := make(map[string]map[string]bool)

	a.collectAccessTypes(oldPolicy, oldUserAccesses, oldGroupAccesses, oldRoleAccesses)
	a.collectAccessTypes(policy, newUserAccesses, newGroupAccesses, newRoleAccesses)

	for at := range accessTypesDiff(newUserAccesses, oldUserAccesses) {
		ret[at] = true
	}
	for at := range accessTypesDiff(newGroupAccesses, oldGroupAccesses) {
		ret[at] = true
	}
	for at := range accessTypesDiff(newRoleAccesses, oldRoleAccesses) {
		ret[at] = true
	}

	if len(ret) == 0 {
		ret[types.AccessTypeAdmin] = true
	}

	return ret
}

// collectAccessTypes accumulates the expanded access types granted to
// each user, group, and role across the policy's item collections.
func (a *Admin) collectAccessTypes(policy *types.Policy, userAccesses, groupAccesses, roleAccesses map[string]map[string]bool) {
	itemGroups, isValid := policy.ItemsForPolicyType()
	if !isValid {
		a.logger.Error("Unknown policy type, collecting no access types",
			zap.Int64("policyID", policy.ID),
			zap.String("policyType", string(policy.PolicyType)),
		)
		return
	}

	helper := a.engine.Helper()

	for _, items := range itemGroups {
		for _, item := range items {
			accessTypes := make(map[string]bool)
			for _, access := range item.Accesses {
				if access == nil {
					continue
				}
				for _, at := range helper.ExpandAccessType(access.Type) {
					accessTypes[at] = true
				}
			}

			accumulate := func(byPrincipal map[string]map[string]bool, principal string) {
				existing := byPrincipal[principal]
				if existing == nil {
					existing = make(map[string]bool, len(accessTypes))
					byPrincipal[principal] = existing
				}
				for at := range accessTypes {
					existing[at] = true
				}
			}

			for _, user := range item.Users {
				accumulate(userAccesses, user)
			}
			for _, group := range item.Groups {
				accumulate(groupAccesses, group)
			}
			for _, role := range item.Roles {
				accumulate(roleAccesses, role)
			}
		}
	}
}

// accessTypesDiff returns the symmetric difference of grants across the
// principals of two accumulations: access types added to a principal in
// new, plus access types removed from a principal present in old.
func accessTypesDiff(newAccessesMap, oldAccessesMap map[string]map[string]bool) map[string]bool {
	ret := make(map[string]bool)

	for principal, newAccesses := range newAccessesMap {
		oldAccesses := oldAccessesMap[principal]
		for at := range newAccesses {
			if !oldAccesses[at] {
				ret[at] = true
			}
		}
	}

	for principal, oldAccesses := range oldAccessesMap {
		newAccesses := newAccessesMap[principal]
		for at := range oldAccesses {
			if !newAccesses[at] {
				ret[at] = true
			}
		}
	}

	return ret
}
