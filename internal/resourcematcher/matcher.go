package resourcematcher

import (
	"sort"
	"strings"

	"github.com/authz-engine/policy-admin/internal/servicedef"
	"github.com/authz-engine/policy-admin/pkg/types"
)

// MatchType classifies how a policy pattern relates to a resource
type MatchType int

const (
	// MatchTypeNone means the pattern does not apply to the resource
	MatchTypeNone MatchType = iota
	// MatchTypeSelf means the pattern covers the resource itself
	MatchTypeSelf
	// MatchTypeDescendant means the pattern names descendants of the resource
	MatchTypeDescendant
	// MatchTypeAncestor means the pattern names an ancestor of the resource
	// without covering its children
	MatchTypeAncestor
)

// MatchScope selects which match types a caller accepts
type MatchScope int

const (
	ScopeSelf MatchScope = iota
	ScopeSelfOrDescendant
	ScopeSelfOrAncestor
	ScopeDescendant
	ScopeAncestor
	ScopeAny
)

// Accepts reports whether the scope admits the match type
func (s MatchScope) Accepts(t MatchType) bool {
	switch s {
	case ScopeSelf:
		return t == MatchTypeSelf
	case ScopeSelfOrDescendant:
		return t == MatchTypeSelf || t == MatchTypeDescendant
	case ScopeSelfOrAncestor:
		return t == MatchTypeSelf || t == MatchTypeAncestor
	case ScopeDescendant:
		return t == MatchTypeDescendant
	case ScopeAncestor:
		return t == MatchTypeAncestor
	case ScopeAny:
		return t != MatchTypeNone
	}
	return false
}

type elementMatcher struct {
	resource   *types.PolicyResource
	replacer   *StringTokenReplacer
	ignoreCase bool
}

func (m *elementMatcher) isWildcard() bool {
	if m.resource.IsExcludes {
		return false
	}
	for _, v := range m.resource.Values {
		if v == types.WildcardAsterisk {
			return true
		}
	}
	return false
}

// matchValue reports whether any of the element's pattern values match
// the given value, honoring excludes.
func (m *elementMatcher) matchValue(value string, ctx EvalContext) bool {
	matched := false

	for _, pattern := range m.resource.Values {
		if m.replacer != nil {
			pattern = m.replacer.ReplaceTokens(pattern, ctx)
		}
		if m.ignoreCase {
			pattern = strings.ToLower(pattern)
			value = strings.ToLower(value)
		}
		if wildcardMatch(pattern, value) {
			matched = true
			break
		}
	}

	if m.resource.IsExcludes {
		return !matched
	}
	return matched
}

// Matcher matches resource descriptors and policy resource patterns
// against one policy's resource pattern. Immutable after construction.
type Matcher struct {
	hierarchy []string
	elements  map[string]*elementMatcher
	polDepth  int // index into hierarchy of the deepest specified element, -1 when none
	recursive bool
}

// NewMatcher builds a matcher for one policy resource map. Replacers are
// keyed by resource element name; elements without a replacer pass
// values through unchanged.
func NewMatcher(helper *servicedef.Helper, resources map[string]*types.PolicyResource, replacers map[string]*StringTokenReplacer) *Matcher {
	m := &Matcher{
		hierarchy: helper.Hierarchy(),
		elements:  make(map[string]*elementMatcher, len(resources)),
		polDepth:  -1,
	}

	for i, name := range m.hierarchy {
		res, ok := resources[name]
		if !ok || res == nil || len(res.Values) == 0 {
			continue
		}

		def := helper.ResourceDef(name)
		ignoreCase := def != nil && def.MatcherOptions[types.OptionIgnoreCase] == "true"

		m.elements[name] = &elementMatcher{
			resource:   res,
			replacer:   replacers[name],
			ignoreCase: ignoreCase,
		}
		m.polDepth = i
		m.recursive = res.IsRecursive
	}

	return m
}

// MatchResource classifies the pattern against a concrete resource
// descriptor.
func (m *Matcher) MatchResource(resource types.AccessResource, ctx EvalContext) MatchType {
	resDepth := -1
	for i, name := range m.hierarchy {
		if len(resource[name]) > 0 {
			resDepth = i
		}
	}

	// Compare all levels present on both sides.
	for i := 0; i <= min(m.polDepth, resDepth); i++ {
		name := m.hierarchy[i]

		elem, hasPol := m.elements[name]
		values := resource[name]

		if !hasPol || len(values) == 0 {
			continue
		}

		for _, v := range values {
			if !elem.matchValue(v, ctx) {
				return MatchTypeNone
			}
		}
	}

	switch {
	case m.polDepth == resDepth:
		return MatchTypeSelf
	case resDepth > m.polDepth:
		// Resource is deeper than the pattern: covered only when the
		// pattern's deepest element is recursive.
		if m.recursive {
			return MatchTypeSelf
		}
		return MatchTypeAncestor
	default:
		// Pattern is deeper than the resource. A trailing run of pure
		// wildcard elements still covers the resource itself.
		for i := resDepth + 1; i <= m.polDepth; i++ {
			elem, ok := m.elements[m.hierarchy[i]]
			if ok && !elem.isWildcard() {
				return MatchTypeDescendant
			}
		}
		return MatchTypeSelf
	}
}

// IsMatch reports whether the pattern matches the resource under the
// given scope.
func (m *Matcher) IsMatch(resource types.AccessResource, scope MatchScope, ctx EvalContext) bool {
	return scope.Accepts(m.MatchResource(resource, ctx))
}

// MatchPolicyResources classifies the pattern against another policy's
// resource pattern: every value the target pattern names must be covered.
// A target element with excludes is covered only by a pure wildcard.
func (m *Matcher) MatchPolicyResources(target map[string]*types.PolicyResource, ctx EvalContext) MatchType {
	flattened := make(types.AccessResource, len(target))

	for name, res := range target {
		if res == nil || len(res.Values) == 0 {
			continue
		}

		if res.IsExcludes {
			elem, ok := m.elements[name]
			if !ok || !elem.isWildcard() {
				return MatchTypeNone
			}
		}

		flattened[name] = res.Values
	}

	ret := m.MatchResource(flattened, ctx)

	// A recursive target reaches below itself; a pattern that matches it
	// only at its own level does not cover that reach.
	if ret == MatchTypeSelf {
		for name, res := range target {
			if res == nil || !res.IsRecursive {
				continue
			}
			if elem, ok := m.elements[name]; ok && !elem.resource.IsRecursive && !elem.isWildcard() {
				return MatchTypeNone
			}
		}
	}

	return ret
}

// IsCompleteMatchResource reports whether the pattern covers exactly the
// supplied resource values: the same elements, the same value sets, no
// excludes, no recursion.
func (m *Matcher) IsCompleteMatchResource(resource types.AccessResource, ctx EvalContext) bool {
	for _, name := range m.hierarchy {
		elem, hasPol := m.elements[name]
		values := resource[name]

		if hasPol != (len(values) > 0) {
			return false
		}
		if !hasPol {
			continue
		}
		if elem.resource.IsExcludes || elem.resource.IsRecursive {
			return false
		}

		patterns := make([]string, 0, len(elem.resource.Values))
		for _, p := range elem.resource.Values {
			if elem.replacer != nil {
				p = elem.replacer.ReplaceTokens(p, ctx)
			}
			patterns = append(patterns, p)
		}

		if !equalValueSets(patterns, values, elem.ignoreCase) {
			return false
		}
	}

	return true
}

// IsCompleteMatchPolicyResources reports whether the pattern equals the
// target pattern element for element: the same value sets and flags.
func (m *Matcher) IsCompleteMatchPolicyResources(target map[string]*types.PolicyResource, ctx EvalContext) bool {
	for _, name := range m.hierarchy {
		elem, hasPol := m.elements[name]
		res := target[name]
		hasTarget := res != nil && len(res.Values) > 0

		if hasPol != hasTarget {
			return false
		}
		if !hasPol {
			continue
		}
		if elem.resource.IsExcludes != res.IsExcludes || elem.resource.IsRecursive != res.IsRecursive {
			return false
		}
		if !equalValueSets(elem.resource.Values, res.Values, elem.ignoreCase) {
			return false
		}
	}

	return true
}

func equalValueSets(a, b []string, ignoreCase bool) bool {
	norm := func(values []string) []string {
		set := make(map[string]bool, len(values))
		for _, v := range values {
			if ignoreCase {
				v = strings.ToLower(v)
			}
			set[v] = true
		}
		ret := make([]string, 0, len(set))
		for v := range set {
			ret = append(ret, v)
		}
		sort.Strings(ret)
		return ret
	}

	na, nb := norm(a), norm(b)
	if len(na) != len(nb) {
		return false
	}
	for i := range na {
		if na[i] != nb[i] {
			return false
		}
	}
	return true
}

// wildcardMatch matches s against a glob pattern supporting '*' and '?'
func wildcardMatch(pattern, s string) bool {
	if pattern == types.WildcardAsterisk {
		return true
	}

	// Iterative glob with single-star backtracking.
	var pi, si, star, mark int
	star = -1

	for si < len(s) {
		switch {
		case pi < len(pattern) && (pattern[pi] == '?' || pattern[pi] == s[si]):
			pi++
			si++
		case pi < len(pattern) && pattern[pi] == '*':
			star = pi
			mark = si
			pi++
		case star >= 0:
			pi = star + 1
			mark++
			si = mark
		default:
			return false
		}
	}

	for pi < len(pattern) && pattern[pi] == '*' {
		pi++
	}

	return pi == len(pattern)
}
