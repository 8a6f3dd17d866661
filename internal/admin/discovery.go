package admin

import (
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/authz-engine/policy-admin/internal/resourcematcher"
	"github.com/authz-engine/policy-admin/pkg/types"
)

// GetExactMatchPolicies returns the policies in the zone whose patterns
// cover exactly the supplied resource values: neither a strict superset
// nor a subset. Returns an empty result when the zone is unknown.
func (a *Admin) GetExactMatchPolicies(resource types.AccessResource, zoneName string, evalContext resourcematcher.EvalContext) []*types.Policy {
	var ret []*types.Policy

	guard := a.engine.GetReadLock()
	defer guard.Unlock()

	policyRepository := a.engine.GetRepositoryForZone(zoneName)
	if policyRepository == nil {
		return nil
	}

	for _, evaluator := range policyRepository.GetPolicyEvaluators() {
		if evaluator.IsCompleteMatchResource(resource, evalContext) {
			ret = append(ret, evaluator.GetPolicy())
		}
	}

	return ret
}

// GetExactMatchPoliciesForPolicy returns the policies in the policy's
// zone whose resource footprints equal the policy's own.
func (a *Admin) GetExactMatchPoliciesForPolicy(policy *types.Policy, evalContext resourcematcher.EvalContext) []*types.Policy {
	if policy == nil {
		return nil
	}

	var ret []*types.Policy

	guard := a.engine.GetReadLock()
	defer guard.Unlock()

	policyRepository := a.engine.GetRepositoryForMatchedZone(policy)
	if policyRepository == nil {
		return nil
	}

	for _, evaluator := range policyRepository.GetPolicyEvaluators() {
		if evaluator.IsCompleteMatchPolicyResources(policy.Resources, policy.AdditionalResources, evalContext) {
			ret = append(ret, evaluator.GetPolicy())
		}
	}

	return ret
}

// GetMatchingPolicies returns every policy that potentially applies to
// the resource: resource policies of each zone the resource belongs to,
// plus tag policies for the resource's tags under the tag-zone rule.
func (a *Admin) GetMatchingPolicies(resource types.AccessResource) []*types.Policy {
	span := a.tracer.Begin("GetMatchingPolicies")
	defer span.Log()

	guard := a.engine.GetReadLock()
	defer guard.Unlock()

	return a.getMatchingPolicies(resource, types.AccessTypeAny)
}

func (a *Admin) getMatchingPolicies(resource types.AccessResource, accessType string) []*types.Policy {
	ret := []*types.Policy{}

	request := &types.AccessRequest{
		ID:         uuid.NewString(),
		Resource:   resource,
		AccessType: accessType,
		Context:    make(map[string]interface{}),
	}

	a.preProcess(request)

	zoneNames := request.ZonesFromContext()

	if len(zoneNames) == 0 {
		a.getMatchingPoliciesForZone(request, "", &ret)
	} else {
		for _, zoneName := range zoneNames {
			a.getMatchingPoliciesForZone(request, zoneName, &ret)
		}
	}

	a.logger.Debug("Matching policies resolved",
		zap.String("requestID", request.ID),
		zap.Int("count", len(ret)),
	)

	return ret
}

// preProcess resolves the zones the resource belongs to and its tags,
// storing both in the request context.
func (a *Admin) preProcess(request *types.AccessRequest) {
	zones := a.engine.GetMatchedZonesForResourceAndChildren(request.Resource)
	if len(zones) > 0 {
		request.Context[types.ContextKeyResourceZones] = zones
	}

	if a.tagEnricher != nil {
		if tags := a.tagEnricher.EnrichTags(request.Resource); len(tags) > 0 {
			request.Context[types.ContextKeyTags] = tags
		}
	}
}

func (a *Admin) getMatchingPoliciesForZone(request *types.AccessRequest, zoneName string, ret *[]*types.Policy) {
	matchedRepository := a.engine.GetRepositoryForZone(zoneName)
	if matchedRepository == nil {
		return
	}

	if a.engine.HasTagPolicies() {
		tags := request.TagsFromContext()

		if len(tags) > 0 {
			// Tag policies may live in the default zone or be tied to a
			// specific zone; a tag grant must never leak across a zone
			// boundary it was not authored for.
			useTagPoliciesFromDefaultZone := !a.engine.IsResourceZoneAssociatedWithTagService(zoneName)

			tagRepository := a.engine.GetTagRepository()
			tagHierarchy := a.engine.TagHelper().Hierarchy()

			for _, tag := range tags {
				tagResource := make(types.AccessResource, 1)
				if len(tagHierarchy) > 0 {
					tagResource[tagHierarchy[0]] = []string{tag.Type}
				}

				for _, evaluator := range tagRepository.GetLikelyMatchPolicyEvaluators(tagResource) {
					policyZoneName := evaluator.GetPolicy().ZoneName

					if useTagPoliciesFromDefaultZone {
						if policyZoneName != "" {
							a.logger.Debug("Tag policy does not belong to the default zone; not evaluating",
								zap.Int64("policyID", evaluator.GetPolicy().ID),
								zap.String("policyZone", policyZoneName),
							)
							continue
						}
					} else if policyZoneName != zoneName {
						a.logger.Debug("Tag policy does not belong to the zone of the accessed resource; not evaluating",
							zap.Int64("policyID", evaluator.GetPolicy().ID),
							zap.String("policyZone", policyZoneName),
							zap.String("resourceZone", zoneName),
						)
						continue
					}

					a.appendIfMatched(evaluator.Matchers(), tagResource, request, evaluator.GetPolicy(), ret)
				}
			}
		}
	}

	if a.engine.HasResourcePolicies(matchedRepository) {
		for _, evaluator := range matchedRepository.GetLikelyMatchPolicyEvaluators(request.Resource) {
			a.appendIfMatched(evaluator.Matchers(), request.Resource, request, evaluator.GetPolicy(), ret)
		}
	}
}

func (a *Admin) appendIfMatched(matchers []*resourcematcher.Matcher, resource types.AccessResource, request *types.AccessRequest, policy *types.Policy, ret *[]*types.Policy) {
	scope := resourcematcher.ScopeSelf
	if request.IsAccessTypeAny() {
		scope = resourcematcher.ScopeAny
	}

	for _, matcher := range matchers {
		if matcher.IsMatch(resource, scope, nil) {
			*ret = append(*ret, policy)
			return
		}
	}
}
