// Package servicedef provides lookup helpers over a service definition:
// the ordered resource hierarchy and the implied-grant expansion table.
package servicedef

import (
	"fmt"
	"sort"

	"github.com/authz-engine/policy-admin/pkg/types"
)

// Helper wraps a ServiceDef with precomputed lookups. It is immutable
// after construction and safe for concurrent use.
type Helper struct {
	def            *types.ServiceDef
	hierarchy      []string
	resourceDefs   map[string]*types.ResourceDef
	expandedGrants map[string][]string
}

// NewHelper builds a helper for the given service definition
func NewHelper(def *types.ServiceDef) (*Helper, error) {
	if def == nil {
		return nil, fmt.Errorf("service definition is required")
	}

	resources := make([]*types.ResourceDef, len(def.Resources))
	copy(resources, def.Resources)
	sort.SliceStable(resources, func(i, j int) bool {
		return resources[i].Level < resources[j].Level
	})

	hierarchy := make([]string, 0, len(resources))
	resourceDefs := make(map[string]*types.ResourceDef, len(resources))
	for _, r := range resources {
		hierarchy = append(hierarchy, r.Name)
		resourceDefs[r.Name] = r
	}

	return &Helper{
		def:            def,
		hierarchy:      hierarchy,
		resourceDefs:   resourceDefs,
		expandedGrants: expandImpliedGrants(def),
	}, nil
}

// ServiceDef returns the wrapped definition
func (h *Helper) ServiceDef() *types.ServiceDef {
	return h.def
}

// Hierarchy returns resource element names ordered from the root of the
// hierarchy to the leaves.
func (h *Helper) Hierarchy() []string {
	return h.hierarchy
}

// ResourceDef returns the definition of one resource element, or nil
func (h *Helper) ResourceDef(name string) *types.ResourceDef {
	return h.resourceDefs[name]
}

// IsValidResourceName reports whether the element name belongs to the
// service's resource hierarchy.
func (h *Helper) IsValidResourceName(name string) bool {
	_, ok := h.resourceDefs[name]
	return ok
}

// ExpandedImpliedGrants returns the transitive implied-grant closure for
// every declared access type. Every access type implies at least itself.
func (h *Helper) ExpandedImpliedGrants() map[string][]string {
	return h.expandedGrants
}

// ExpandAccessType returns the implied-grant closure of one access type.
// Unknown access types expand to themselves.
func (h *Helper) ExpandAccessType(accessType string) []string {
	if expanded, ok := h.expandedGrants[accessType]; ok {
		return expanded
	}
	return []string{accessType}
}

func expandImpliedGrants(def *types.ServiceDef) map[string][]string {
	direct := make(map[string][]string, len(def.AccessTypes))
	for _, at := range def.AccessTypes {
		direct[at.Name] = at.ImpliedGrants
	}

	ret := make(map[string][]string, len(direct))

	for name := range direct {
		closure := map[string]bool{name: true}
		queue := []string{name}

		for len(queue) > 0 {
			current := queue[0]
			queue = queue[1:]

			for _, implied := range direct[current] {
				if !closure[implied] {
					closure[implied] = true
					queue = append(queue, implied)
				}
			}
		}

		expanded := make([]string, 0, len(closure))
		for at := range closure {
			expanded = append(expanded, at)
		}
		sort.Strings(expanded)
		ret[name] = expanded
	}

	return ret
}
