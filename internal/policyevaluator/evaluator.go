// Package policyevaluator implements the per-policy evaluator: given one
// policy and a service definition it answers which access types the
// policy grants to a principal on a resource, and whether the policy's
// pattern matches or exactly equals a resource.
package policyevaluator

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/authz-engine/policy-admin/internal/cel"
	"github.com/authz-engine/policy-admin/internal/resourcematcher"
	"github.com/authz-engine/policy-admin/internal/servicedef"
	"github.com/authz-engine/policy-admin/pkg/types"
)

// Evaluator evaluates one policy. Immutable after construction and safe
// for concurrent use.
type Evaluator struct {
	policy             *types.Policy
	helper             *servicedef.Helper
	matcher            *resourcematcher.Matcher
	additionalMatchers []*resourcematcher.Matcher
	celEngine          *cel.Engine
	logger             *zap.Logger
}

// New builds an evaluator for the policy. The policy's resource element
// names must belong to the service definition's hierarchy.
func New(policy *types.Policy, helper *servicedef.Helper, replacers map[string]*resourcematcher.StringTokenReplacer, celEngine *cel.Engine, logger *zap.Logger) (*Evaluator, error) {
	if policy == nil {
		return nil, fmt.Errorf("policy is required")
	}
	if len(policy.Resources) == 0 {
		return nil, fmt.Errorf("policy %d has no resources", policy.ID)
	}
	for name := range policy.Resources {
		if !helper.IsValidResourceName(name) {
			return nil, fmt.Errorf("policy %d: unknown resource element %q", policy.ID, name)
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Evaluator{
		policy:    policy,
		helper:    helper,
		matcher:   resourcematcher.NewMatcher(helper, policy.Resources, replacers),
		celEngine: celEngine,
		logger:    logger,
	}

	for _, res := range policy.AdditionalResources {
		e.additionalMatchers = append(e.additionalMatchers, resourcematcher.NewMatcher(helper, res, replacers))
	}

	return e, nil
}

// GetPolicy returns the raw policy
func (e *Evaluator) GetPolicy() *types.Policy {
	return e.policy
}

// Matchers returns the policy's resource matchers, primary first
func (e *Evaluator) Matchers() []*resourcematcher.Matcher {
	ret := make([]*resourcematcher.Matcher, 0, 1+len(e.additionalMatchers))
	ret = append(ret, e.matcher)
	ret = append(ret, e.additionalMatchers...)
	return ret
}

// GetAllowedAccesses returns the subset of accessTypes that the policy's
// delegate-admin items grant to the principal over the given policy
// resource pattern. The policy's own pattern must cover the supplied
// pattern; returns nil otherwise.
func (e *Evaluator) GetAllowedAccesses(resources map[string]*types.PolicyResource, user string, groups []string, roles map[string]bool, accessTypes map[string]bool, ctx resourcematcher.EvalContext) map[string]bool {
	if e.matcher.MatchPolicyResources(resources, ctx) != resourcematcher.MatchTypeSelf {
		return nil
	}
	return e.delegatedAccesses(user, groups, roles, accessTypes)
}

// GetAllowedAccessesForResource is the concrete-resource variant of
// GetAllowedAccesses.
func (e *Evaluator) GetAllowedAccessesForResource(resource types.AccessResource, user string, groups []string, roles map[string]bool, accessTypes map[string]bool) map[string]bool {
	if !e.matcher.IsMatch(resource, resourcematcher.ScopeSelf, nil) {
		return nil
	}
	return e.delegatedAccesses(user, groups, roles, accessTypes)
}

func (e *Evaluator) delegatedAccesses(user string, groups []string, roles map[string]bool, accessTypes map[string]bool) map[string]bool {
	var ret map[string]bool

	for _, item := range e.policy.PolicyItems {
		if !item.DelegateAdmin || !e.itemApplies(item, user, groups, roles) {
			continue
		}

		granted := e.expandedItemAccesses(item)

		for accessType := range accessTypes {
			if accessType == types.AccessTypeAdmin || granted[accessType] {
				if ret == nil {
					ret = make(map[string]bool)
				}
				ret[accessType] = true
			}
		}

		if len(ret) == len(accessTypes) {
			break
		}
	}

	return ret
}

// IsAccessAllowed reports whether the policy allows the access type to
// the principal on the given resource footprint: every supplied resource
// map must be covered by one of the policy's matchers.
func (e *Evaluator) IsAccessAllowed(resources map[string]*types.PolicyResource, additionalResources []map[string]*types.PolicyResource, user string, groups []string, accessType string) bool {
	targets := append([]map[string]*types.PolicyResource{resources}, additionalResources...)

	for _, target := range targets {
		covered := false
		for _, m := range e.Matchers() {
			if m.MatchPolicyResources(target, nil) == resourcematcher.MatchTypeSelf {
				covered = true
				break
			}
		}
		if !covered {
			return false
		}
	}

	allowed := false
	for _, item := range e.policy.PolicyItems {
		if e.itemApplies(item, user, groups, nil) && e.expandedItemAccesses(item)[accessType] {
			allowed = true
			break
		}
	}

	if allowed {
		for _, item := range e.policy.AllowExceptions {
			if e.itemApplies(item, user, groups, nil) && e.expandedItemAccesses(item)[accessType] {
				return false
			}
		}
	}

	return allowed
}

// IsCompleteMatchResource reports whether any of the policy's matchers
// covers exactly the supplied resource values.
func (e *Evaluator) IsCompleteMatchResource(resource types.AccessResource, ctx resourcematcher.EvalContext) bool {
	for _, m := range e.Matchers() {
		if m.IsCompleteMatchResource(resource, ctx) {
			return true
		}
	}
	return false
}

// IsCompleteMatchPolicyResources reports whether the policy's resource
// footprint equals the supplied (resources, additionalResources) pair.
// The additional resource lists are compared order-insensitively.
func (e *Evaluator) IsCompleteMatchPolicyResources(resources map[string]*types.PolicyResource, additionalResources []map[string]*types.PolicyResource, ctx resourcematcher.EvalContext) bool {
	targets := append([]map[string]*types.PolicyResource{resources}, additionalResources...)
	matchers := e.Matchers()

	if len(targets) != len(matchers) {
		return false
	}

	used := make([]bool, len(matchers))

	for _, target := range targets {
		matched := false
		for i, m := range matchers {
			if used[i] {
				continue
			}
			if m.IsCompleteMatchPolicyResources(target, ctx) {
				used[i] = true
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	return true
}

// itemApplies reports whether the item names the principal, directly or
// through groups, roles, the public group, or the {USER} macro, and its
// conditions hold.
func (e *Evaluator) itemApplies(item *types.PolicyItem, user string, groups []string, roles map[string]bool) bool {
	matched := false

	for _, u := range item.Users {
		if u == user || (u == types.UserCurrent && user != "") {
			matched = true
			break
		}
	}

	if !matched {
		groupSet := make(map[string]bool, len(groups))
		for _, g := range groups {
			groupSet[g] = true
		}
		for _, g := range item.Groups {
			if g == types.GroupPublic || groupSet[g] {
				matched = true
				break
			}
		}
	}

	if !matched && roles != nil {
		for _, r := range item.Roles {
			if roles[r] {
				matched = true
				break
			}
		}
	}

	if !matched {
		return false
	}

	return e.conditionsHold(item, user, groups, roles)
}

func (e *Evaluator) conditionsHold(item *types.PolicyItem, user string, groups []string, roles map[string]bool) bool {
	if len(item.Conditions) == 0 {
		return true
	}
	if e.celEngine == nil {
		e.logger.Debug("Policy item has conditions but no condition engine is configured",
			zap.Int64("policyID", e.policy.ID),
		)
		return false
	}

	roleNames := make([]string, 0, len(roles))
	for r := range roles {
		roleNames = append(roleNames, r)
	}

	ctx := &cel.ConditionContext{
		User:   user,
		Groups: groups,
		Roles:  roleNames,
	}

	for _, cond := range item.Conditions {
		if cond == nil || cond.Expr == "" {
			continue
		}

		ok, err := e.celEngine.EvaluateExpression(cond.Expr, ctx)
		if err != nil {
			e.logger.Debug("Condition evaluation failed",
				zap.Int64("policyID", e.policy.ID),
				zap.String("condition", cond.Expr),
				zap.Error(err),
			)
			return false
		}
		if !ok {
			return false
		}
	}

	return true
}

// expandedItemAccesses returns the implied-grant expansion of the item's
// allowed accesses.
func (e *Evaluator) expandedItemAccesses(item *types.PolicyItem) map[string]bool {
	ret := make(map[string]bool)
	for _, access := range item.Accesses {
		if access == nil || !access.IsAllowed {
			continue
		}
		for _, at := range e.helper.ExpandAccessType(access.Type) {
			ret[at] = true
		}
	}
	return ret
}
