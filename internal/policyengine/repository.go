package policyengine

import (
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/authz-engine/policy-admin/internal/cel"
	"github.com/authz-engine/policy-admin/internal/policyevaluator"
	"github.com/authz-engine/policy-admin/internal/resourcematcher"
	"github.com/authz-engine/policy-admin/internal/servicedef"
	"github.com/authz-engine/policy-admin/pkg/types"
)

// Repository holds the policy evaluators for one (service, zone) pair.
// Immutable after construction.
type Repository struct {
	serviceName string
	zoneName    string
	evaluators  []*policyevaluator.Evaluator

	// likely-match prefilter: literal values of the leading hierarchy
	// element point at the evaluators that can only match under them;
	// evaluators with wildcards, macros, or excludes at the leading
	// element land in the catch-all bucket.
	leadingElement string
	byLeadingValue map[string][]*policyevaluator.Evaluator
	catchAll       []*policyevaluator.Evaluator
}

// NewRepository builds the evaluators for the given policies. Policies
// that fail evaluator construction are skipped with an error log; a
// repository with holes is preferable to refusing the whole zone.
func NewRepository(serviceName, zoneName string, policies []*types.Policy, helper *servicedef.Helper, replacers map[string]*resourcematcher.StringTokenReplacer, celEngine *cel.Engine, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}

	repo := &Repository{
		serviceName:    serviceName,
		zoneName:       zoneName,
		byLeadingValue: make(map[string][]*policyevaluator.Evaluator),
	}

	if hierarchy := helper.Hierarchy(); len(hierarchy) > 0 {
		repo.leadingElement = hierarchy[0]
	}

	ordered := make([]*types.Policy, len(policies))
	copy(ordered, policies)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].PolicyPriority != ordered[j].PolicyPriority {
			return ordered[i].PolicyPriority > ordered[j].PolicyPriority
		}
		return ordered[i].ID < ordered[j].ID
	})

	for _, p := range ordered {
		evaluator, err := policyevaluator.New(p, helper, replacers, celEngine, logger)
		if err != nil {
			logger.Error("Skipping policy: evaluator construction failed",
				zap.Int64("policyID", p.ID),
				zap.String("zone", zoneName),
				zap.Error(err),
			)
			continue
		}

		repo.evaluators = append(repo.evaluators, evaluator)
		repo.indexEvaluator(evaluator)
	}

	return repo
}

func (r *Repository) indexEvaluator(evaluator *policyevaluator.Evaluator) {
	leading := r.leadingLiteralValues(evaluator)
	if leading == nil {
		r.catchAll = append(r.catchAll, evaluator)
		return
	}

	for _, v := range leading {
		key := strings.ToLower(v)
		r.byLeadingValue[key] = append(r.byLeadingValue[key], evaluator)
	}
}

// leadingLiteralValues returns the literal values of the leading element
// across the policy's resource maps, or nil when any map leaves the
// element open (absent, excludes, wildcard, or macro-bearing).
func (r *Repository) leadingLiteralValues(evaluator *policyevaluator.Evaluator) []string {
	if r.leadingElement == "" {
		return nil
	}

	policy := evaluator.GetPolicy()
	maps := append([]map[string]*types.PolicyResource{policy.Resources}, policy.AdditionalResources...)

	var values []string
	for _, resources := range maps {
		res := resources[r.leadingElement]
		if res == nil || len(res.Values) == 0 || res.IsExcludes {
			return nil
		}
		for _, v := range res.Values {
			if strings.ContainsAny(v, "*?$") {
				return nil
			}
			values = append(values, v)
		}
	}

	return values
}

// ServiceName returns the service the repository belongs to
func (r *Repository) ServiceName() string {
	return r.serviceName
}

// ZoneName returns the zone the repository belongs to; empty is default
func (r *Repository) ZoneName() string {
	return r.zoneName
}

// GetPolicyEvaluators returns all evaluators in priority order
func (r *Repository) GetPolicyEvaluators() []*policyevaluator.Evaluator {
	return r.evaluators
}

// GetLikelyMatchPolicyEvaluators returns a superset of the evaluators
// that can match the request's resource, filtered to the given policy
// types when any are supplied. It may over-approximate but never misses
// a true match.
func (r *Repository) GetLikelyMatchPolicyEvaluators(resource types.AccessResource, policyTypes ...types.PolicyType) []*policyevaluator.Evaluator {
	candidates := r.evaluators

	if values := resource[r.leadingElement]; len(values) > 0 {
		selected := make(map[*policyevaluator.Evaluator]bool)
		for _, e := range r.catchAll {
			selected[e] = true
		}
		for _, v := range values {
			for _, e := range r.byLeadingValue[strings.ToLower(v)] {
				selected[e] = true
			}
		}

		filtered := make([]*policyevaluator.Evaluator, 0, len(selected))
		for _, e := range r.evaluators {
			if selected[e] {
				filtered = append(filtered, e)
			}
		}
		candidates = filtered
	}

	if len(policyTypes) == 0 {
		return candidates
	}

	wanted := make(map[types.PolicyType]bool, len(policyTypes))
	for _, pt := range policyTypes {
		wanted[pt] = true
	}

	ret := make([]*policyevaluator.Evaluator, 0, len(candidates))
	for _, e := range candidates {
		if wanted[e.GetPolicy().GetPolicyType()] {
			ret = append(ret, e)
		}
	}

	return ret
}
