package policyengine

import (
	"fmt"
	"sort"

	"github.com/authz-engine/policy-admin/internal/resourcematcher"
	"github.com/authz-engine/policy-admin/internal/servicedef"
	"github.com/authz-engine/policy-admin/pkg/types"
)

type zoneEntry struct {
	info     *types.SecurityZoneInfo
	matchers []*resourcematcher.Matcher
}

// ZoneIndex answers which security zones a resource belongs to. Zone
// resource prefixes cover their whole subtree. Immutable after
// construction.
type ZoneIndex struct {
	zones map[string]*zoneEntry
}

// BuildZoneIndex indexes the zones' resource prefixes against the
// service's hierarchy.
func BuildZoneIndex(helper *servicedef.Helper, zones map[string]*types.SecurityZoneInfo) *ZoneIndex {
	idx := &ZoneIndex{zones: make(map[string]*zoneEntry, len(zones))}

	for name, info := range zones {
		if info == nil {
			continue
		}

		entry := &zoneEntry{info: info}

		for _, spec := range info.Resources {
			resources := make(map[string]*types.PolicyResource, len(spec))

			deepest := ""
			deepestLevel := -1
			for i, elem := range helper.Hierarchy() {
				values, ok := spec[elem]
				if !ok || len(values) == 0 {
					continue
				}
				resources[elem] = &types.PolicyResource{Values: values}
				if i > deepestLevel {
					deepestLevel = i
					deepest = elem
				}
			}

			if deepest != "" {
				// A zone prefix owns everything below it.
				resources[deepest].IsRecursive = true
			}

			entry.matchers = append(entry.matchers, resourcematcher.NewMatcher(helper, resources, nil))
		}

		idx.zones[name] = entry
	}

	return idx
}

// GetMatchedZonesForResourceAndChildren returns all zones whose resource
// prefixes overlap the resource or any of its descendants, sorted by
// zone name.
func (idx *ZoneIndex) GetMatchedZonesForResourceAndChildren(resource types.AccessResource) []string {
	var ret []string

	for name, entry := range idx.zones {
		for _, m := range entry.matchers {
			if m.IsMatch(resource, resourcematcher.ScopeAny, nil) {
				ret = append(ret, name)
				break
			}
		}
	}

	sort.Strings(ret)
	return ret
}

// GetUniquelyMatchedZoneName returns the single zone containing the
// resource. No matching zone resolves to the default zone (empty name);
// more than one match is an error.
func (idx *ZoneIndex) GetUniquelyMatchedZoneName(resource types.AccessResource) (string, error) {
	matched := ""
	found := false

	for name, entry := range idx.zones {
		for _, m := range entry.matchers {
			if m.IsMatch(resource, resourcematcher.ScopeSelf, nil) {
				if found && matched != name {
					return "", fmt.Errorf("resource matches multiple security zones: %q and %q", matched, name)
				}
				matched = name
				found = true
				break
			}
		}
	}

	return matched, nil
}

// IsZoneAssociatedWithTagService reports whether the zone has an
// associated tag service. The default zone (empty name) never does.
func (idx *ZoneIndex) IsZoneAssociatedWithTagService(zoneName string) bool {
	entry, ok := idx.zones[zoneName]
	return ok && entry.info.ContainsAssociatedTagService
}
