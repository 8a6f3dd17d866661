package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// ResourceSignature computes the canonical signature of a policy's
// resource footprint. Two policies have equal signatures exactly when
// their patterns admit the same resource set: element names are sorted,
// values are deduplicated and sorted, and the additional resource maps
// are rendered as a sorted multiset so their declaration order is
// irrelevant.
func ResourceSignature(resources map[string]*PolicyResource, additionalResources []map[string]*PolicyResource) string {
	parts := make([]string, 0, 1+len(additionalResources))
	parts = append(parts, signatureOf(resources))

	if len(additionalResources) > 0 {
		additional := make([]string, 0, len(additionalResources))
		for _, res := range additionalResources {
			additional = append(additional, signatureOf(res))
		}
		sort.Strings(additional)
		parts = append(parts, additional...)
	}

	canonical := strings.Join(parts, "+")
	hash := sha256.Sum256([]byte(canonical))

	return hex.EncodeToString(hash[:])
}

// Signature returns the resource signature of the policy
func (p *Policy) Signature() string {
	return ResourceSignature(p.Resources, p.AdditionalResources)
}

func signatureOf(resources map[string]*PolicyResource) string {
	names := make([]string, 0, len(resources))
	for name := range resources {
		names = append(names, name)
	}
	sort.Strings(names)

	elems := make([]string, 0, len(names))
	for _, name := range names {
		res := resources[name]
		if res == nil {
			continue
		}

		values := uniqueSorted(res.Values)
		elems = append(elems, fmt.Sprintf("%s=[%s]:ex=%t:rec=%t", name, strings.Join(values, ","), res.IsExcludes, res.IsRecursive))
	}

	return "{" + strings.Join(elems, ";") + "}"
}

func uniqueSorted(values []string) []string {
	seen := make(map[string]bool, len(values))
	ret := make([]string, 0, len(values))
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			ret = append(ret, v)
		}
	}
	sort.Strings(ret)
	return ret
}
