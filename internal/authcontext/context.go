// Package authcontext resolves the effective role set of a (user,
// groups) pair from the roles table carried by the engine snapshot.
package authcontext

import (
	"github.com/authz-engine/policy-admin/pkg/types"
)

// Context holds the current roles table. The table is replaced only
// under the engine's write lock; readers access it under the read lock.
type Context struct {
	roles *types.Roles
}

// New creates a context around the given roles table; nil is allowed
// and resolves every principal to the empty role set.
func New(roles *types.Roles) *Context {
	return &Context{roles: roles}
}

// GetRolesForUserAndGroups returns the role names whose membership
// includes the user or any of the groups.
func (c *Context) GetRolesForUserAndGroups(user string, groups []string) map[string]bool {
	return c.roles.RolesForUserAndGroups(user, groups)
}

// RoleVersion returns the version of the current roles table
func (c *Context) RoleVersion() int64 {
	if c.roles == nil {
		return 0
	}
	return c.roles.RoleVersion
}

// SetRoles replaces the roles table. Callers must hold the engine's
// write lock.
func (c *Context) SetRoles(roles *types.Roles) {
	c.roles = roles
}
