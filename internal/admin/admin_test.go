package admin

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/authz-engine/policy-admin/internal/cache"
	"github.com/authz-engine/policy-admin/internal/store"
	"github.com/authz-engine/policy-admin/pkg/types"
)

func testServiceDef() *types.ServiceDef {
	return &types.ServiceDef{
		Name: "hive",
		Resources: []*types.ResourceDef{
			{Name: "database", Level: 10},
			{Name: "table", Level: 20, Parent: "database"},
			{Name: "column", Level: 30, Parent: "table"},
		},
		AccessTypes: []*types.AccessTypeDef{
			{Name: "select"},
			{Name: "update", ImpliedGrants: []string{"select"}},
			{Name: "create"},
			{Name: "drop"},
		},
	}
}

// delegatePolicy grants the user delegate admin over db/*/* for the
// given access types.
func delegatePolicy(id int64, zone, user, db string, accessTypes ...string) *types.Policy {
	accesses := make([]*types.PolicyItemAccess, 0, len(accessTypes))
	for _, at := range accessTypes {
		accesses = append(accesses, &types.PolicyItemAccess{Type: at, IsAllowed: true})
	}

	return &types.Policy{
		ID:       id,
		Name:     fmt.Sprintf("delegate-%d", id),
		ZoneName: zone,
		Resources: map[string]*types.PolicyResource{
			"database": {Values: []string{db}},
			"table":    {Values: []string{"*"}},
			"column":   {Values: []string{"*"}},
		},
		PolicyItems: []*types.PolicyItem{
			{
				Users:         []string{user},
				Accesses:      accesses,
				DelegateAdmin: true,
			},
		},
	}
}

// targetPolicy is a policy under administration: it grants the user
// plain accesses on db/table.
func targetPolicy(id int64, zone, user, db, table string, accessTypes ...string) *types.Policy {
	accesses := make([]*types.PolicyItemAccess, 0, len(accessTypes))
	for _, at := range accessTypes {
		accesses = append(accesses, &types.PolicyItemAccess{Type: at, IsAllowed: true})
	}

	return &types.Policy{
		ID:       id,
		Name:     fmt.Sprintf("target-%d", id),
		ZoneName: zone,
		Resources: map[string]*types.PolicyResource{
			"database": {Values: []string{db}},
			"table":    {Values: []string{table}},
		},
		PolicyItems: []*types.PolicyItem{
			{
				Users:    []string{user},
				Accesses: accesses,
			},
		},
	}
}

func newTestAdmin(t *testing.T, policies ...*types.Policy) *Admin {
	t.Helper()
	return newTestAdminWithBundle(t, &types.ServicePolicies{
		ServiceName:   "hive-prod",
		PolicyVersion: 1,
		ServiceDef:    testServiceDef(),
		Policies:      policies,
	})
}

func newTestAdminWithBundle(t *testing.T, bundle *types.ServicePolicies) *Admin {
	t.Helper()

	a, err := New(bundle, nil, Config{Logger: zap.NewNop()})
	require.NoError(t, err)
	return a
}

func TestIsDelegatedAdminAccessAllowed_GrantCover(t *testing.T) {
	// S1: update implies select; alice's delegated grant of update on
	// db=sales covers {select, update}.
	a := newTestAdmin(t, delegatePolicy(100, "", "alice", "sales", "update"))

	resource := types.AccessResource{"database": {"sales"}, "table": {"orders"}}

	assert.True(t, a.IsDelegatedAdminAccessAllowed(resource, "", "alice", nil, []string{"select", "update"}))
}

func TestIsDelegatedAdminAccessAllowed_PartialCover(t *testing.T) {
	// S2: a grant of select alone does not cover {select, update}.
	a := newTestAdmin(t, delegatePolicy(100, "", "alice", "sales", "select"))

	resource := types.AccessResource{"database": {"sales"}, "table": {"orders"}}

	assert.False(t, a.IsDelegatedAdminAccessAllowed(resource, "", "alice", nil, []string{"select", "update"}))
}

func TestIsDelegatedAdminAccessAllowed_CombinesPolicies(t *testing.T) {
	// Coverage may come from several policies together.
	a := newTestAdmin(t,
		delegatePolicy(100, "", "alice", "sales", "select"),
		delegatePolicy(101, "", "alice", "sales", "drop"),
	)

	resource := types.AccessResource{"database": {"sales"}, "table": {"orders"}}

	assert.True(t, a.IsDelegatedAdminAccessAllowed(resource, "", "alice", nil, []string{"select", "drop"}))
}

func TestIsDelegatedAdminAccessAllowed_UnknownZone(t *testing.T) {
	a := newTestAdmin(t, delegatePolicy(100, "", "alice", "sales", "update"))

	resource := types.AccessResource{"database": {"sales"}}

	assert.False(t, a.IsDelegatedAdminAccessAllowed(resource, "nosuchzone", "alice", nil, []string{"select"}))
	assert.False(t, a.IsDelegatedAdminAccessAllowed(resource, "", "alice", nil, nil), "empty access-type set")
}

func TestIsDelegatedAdminAccessAllowed_RolesResolved(t *testing.T) {
	policy := delegatePolicy(100, "", "nobody", "sales", "update")
	policy.PolicyItems[0].Users = nil
	policy.PolicyItems[0].Roles = []string{"dba"}

	bundle := &types.ServicePolicies{
		ServiceName:   "hive-prod",
		PolicyVersion: 1,
		ServiceDef:    testServiceDef(),
		Policies:      []*types.Policy{policy},
	}

	a, err := New(bundle, &types.Roles{
		RoleVersion: 1,
		Roles: map[string]*types.RoleMembers{
			"dba": {Users: []string{"alice"}},
		},
	}, Config{Logger: zap.NewNop()})
	require.NoError(t, err)

	resource := types.AccessResource{"database": {"sales"}, "table": {"orders"}}

	assert.True(t, a.IsDelegatedAdminAccessAllowed(resource, "", "alice", nil, []string{"update"}))
	assert.False(t, a.IsDelegatedAdminAccessAllowed(resource, "", "bob", nil, []string{"update"}))
}

func TestForRead_AnyAccessSuffices(t *testing.T) {
	// S6: read-admin succeeds with authority over any one access type.
	a := newTestAdmin(t, delegatePolicy(100, "", "alice", "sales", "drop"))

	target := targetPolicy(7, "", "bob", "sales", "orders", "select", "update", "drop")

	assert.True(t, a.IsDelegatedAdminAccessAllowedForRead(target, "alice", nil, nil, nil))
	assert.False(t, a.IsDelegatedAdminAccessAllowedForRead(target, "mallory", nil, nil, nil))
}

func TestForModify_CreationRequiresAllAccessTypes(t *testing.T) {
	a := newTestAdmin(t,
		delegatePolicy(100, "", "alice", "sales", "create", "drop"),
		delegatePolicy(101, "", "carol", "sales", "drop"),
	)
	a.SetServiceStore(store.NewMemoryStore())

	target := targetPolicy(7, "", "bob", "sales", "orders", "create", "drop")

	assert.True(t, a.IsDelegatedAdminAccessAllowedForModify(target, "alice", nil, nil, nil))
	assert.False(t, a.IsDelegatedAdminAccessAllowedForModify(target, "carol", nil, nil, nil), "drop alone does not cover {create, drop}")
}

func TestForModify_NoStoreActsAsCreation(t *testing.T) {
	a := newTestAdmin(t, delegatePolicy(100, "", "alice", "sales", "create"))

	target := targetPolicy(7, "", "bob", "sales", "orders", "create")

	assert.True(t, a.IsDelegatedAdminAccessAllowedForModify(target, "alice", nil, nil, nil))
}

func TestForModify_SignatureEqualUsesDelta(t *testing.T) {
	// S3 with non-implying access types: the old policy grants bob
	// create; the new policy adds drop. The delta is {drop}, which alice
	// covers even though she has no authority over create.
	oldPolicy := targetPolicy(7, "", "bob", "sales", "orders", "create")
	newPolicy := targetPolicy(7, "", "bob", "sales", "orders", "create", "drop")

	svcStore := store.NewMemoryStore()
	require.NoError(t, svcStore.AddPolicy(oldPolicy))

	a := newTestAdmin(t, delegatePolicy(100, "", "alice", "sales", "drop"))
	a.SetServiceStore(svcStore)

	assert.True(t, a.IsDelegatedAdminAccessAllowedForModify(newPolicy, "alice", nil, nil, nil))

	// Without the stored old policy the same caller fails: a creation
	// demands authority over every access type.
	a2 := newTestAdmin(t, delegatePolicy(100, "", "alice", "sales", "drop"))
	a2.SetServiceStore(store.NewMemoryStore())

	assert.False(t, a2.IsDelegatedAdminAccessAllowedForModify(newPolicy, "alice", nil, nil, nil))
}

func TestForModify_RevokeNeedsNoNewAuthority(t *testing.T) {
	// Read monotonicity of modify: removing a grant demands exactly the
	// removed access type, nothing more.
	oldPolicy := targetPolicy(7, "", "bob", "sales", "orders", "create", "drop")
	newPolicy := targetPolicy(7, "", "bob", "sales", "orders", "create")

	svcStore := store.NewMemoryStore()
	require.NoError(t, svcStore.AddPolicy(oldPolicy))

	a := newTestAdmin(t, delegatePolicy(100, "", "alice", "sales", "drop"))
	a.SetServiceStore(svcStore)

	assert.True(t, a.IsDelegatedAdminAccessAllowedForModify(newPolicy, "alice", nil, nil, nil))
}

func TestForModify_UnchangedPolicyUsesAdminSentinel(t *testing.T) {
	oldPolicy := targetPolicy(7, "", "bob", "sales", "orders", "create")
	newPolicy := targetPolicy(7, "", "bob", "sales", "orders", "create")

	svcStore := store.NewMemoryStore()
	require.NoError(t, svcStore.AddPolicy(oldPolicy))

	// An empty delta substitutes the admin sentinel, which any
	// applicable delegate-admin item grants.
	a := newTestAdmin(t, delegatePolicy(100, "", "alice", "sales", "select"))
	a.SetServiceStore(svcStore)

	assert.True(t, a.IsDelegatedAdminAccessAllowedForModify(newPolicy, "alice", nil, nil, nil))

	a2 := newTestAdmin(t, delegatePolicy(100, "", "carol", "sales", "select"))
	a2.SetServiceStore(svcStore)

	assert.False(t, a2.IsDelegatedAdminAccessAllowedForModify(newPolicy, "alice", nil, nil, nil))
}

func TestForModify_SignatureChangedChecksBothSides(t *testing.T) {
	// S4: the footprint moved from finance to sales; the caller must be
	// able to retire the old policy and install the new one.
	oldPolicy := targetPolicy(7, "", "bob", "finance", "ledger", "create")
	newPolicy := targetPolicy(7, "", "bob", "sales", "orders", "create")

	svcStore := store.NewMemoryStore()
	require.NoError(t, svcStore.AddPolicy(oldPolicy))

	bothSides := newTestAdmin(t,
		delegatePolicy(100, "", "alice", "finance", "create"),
		delegatePolicy(101, "", "alice", "sales", "create"),
	)
	bothSides.SetServiceStore(svcStore)
	assert.True(t, bothSides.IsDelegatedAdminAccessAllowedForModify(newPolicy, "alice", nil, nil, nil))

	onlyNewSide := newTestAdmin(t, delegatePolicy(101, "", "alice", "sales", "create"))
	onlyNewSide.SetServiceStore(svcStore)
	assert.False(t, onlyNewSide.IsDelegatedAdminAccessAllowedForModify(newPolicy, "alice", nil, nil, nil))

	onlyOldSide := newTestAdmin(t, delegatePolicy(100, "", "alice", "finance", "create"))
	onlyOldSide.SetServiceStore(svcStore)
	assert.False(t, onlyOldSide.IsDelegatedAdminAccessAllowedForModify(newPolicy, "alice", nil, nil, nil))
}

func TestForRead_AdditionalResourcesIntersection(t *testing.T) {
	// S5: admin for create on sales and drop on marketing; the
	// intersection across the policy's resources is empty, so the read
	// fails even though each resource is individually covered for some
	// access type.
	target := targetPolicy(7, "", "bob", "sales", "orders", "create", "drop")
	target.AdditionalResources = []map[string]*types.PolicyResource{
		{
			"database": {Values: []string{"marketing"}},
			"table":    {Values: []string{"leads"}},
		},
	}

	a := newTestAdmin(t,
		delegatePolicy(100, "", "alice", "sales", "create"),
		delegatePolicy(101, "", "alice", "marketing", "drop"),
	)

	assert.False(t, a.IsDelegatedAdminAccessAllowedForRead(target, "alice", nil, nil, nil))

	// With a common access type on every resource the read succeeds.
	b := newTestAdmin(t,
		delegatePolicy(100, "", "alice", "sales", "create"),
		delegatePolicy(101, "", "alice", "marketing", "create"),
	)

	assert.True(t, b.IsDelegatedAdminAccessAllowedForRead(target, "alice", nil, nil, nil))
}

func TestForModify_AdditionalResourcesNeedFullCover(t *testing.T) {
	target := targetPolicy(7, "", "bob", "sales", "orders", "create")
	target.AdditionalResources = []map[string]*types.PolicyResource{
		{
			"database": {Values: []string{"marketing"}},
			"table":    {Values: []string{"leads"}},
		},
	}

	full := newTestAdmin(t,
		delegatePolicy(100, "", "alice", "sales", "create"),
		delegatePolicy(101, "", "alice", "marketing", "create"),
	)
	full.SetServiceStore(store.NewMemoryStore())
	assert.True(t, full.IsDelegatedAdminAccessAllowedForModify(target, "alice", nil, nil, nil))

	partial := newTestAdmin(t, delegatePolicy(100, "", "alice", "sales", "create"))
	partial.SetServiceStore(store.NewMemoryStore())
	assert.False(t, partial.IsDelegatedAdminAccessAllowedForModify(target, "alice", nil, nil, nil))
}

func TestMacroExpansion_TokensBecomeWildcards(t *testing.T) {
	// The target policy's database value is a macro; delegated-admin
	// evaluation treats it as the asterisk.
	target := targetPolicy(7, "", "bob", "${USER}", "orders", "select")

	wildcardAdmin := newTestAdmin(t, delegatePolicy(100, "", "alice", "*", "select"))
	assert.True(t, wildcardAdmin.IsDelegatedAdminAccessAllowedForRead(target, "alice", nil, nil, nil))

	literalAdmin := newTestAdmin(t, delegatePolicy(100, "", "alice", "sales", "select"))
	assert.False(t, literalAdmin.IsDelegatedAdminAccessAllowedForRead(target, "alice", nil, nil, nil),
		"a literal grant must not cover the full shape a macro can match")
}

func TestUnknownPolicyType_AlwaysDenied(t *testing.T) {
	target := targetPolicy(7, "", "bob", "sales", "orders", "select")
	target.PolicyType = "bogus"

	a := newTestAdmin(t, delegatePolicy(100, "", "alice", "*", "select", "update", "create", "drop"))

	assert.False(t, a.IsDelegatedAdminAccessAllowedForRead(target, "alice", nil, nil, nil))
}

func TestDataMaskPolicy_AccessTypesFromMaskItems(t *testing.T) {
	target := &types.Policy{
		ID:         7,
		PolicyType: types.PolicyTypeDataMask,
		Resources: map[string]*types.PolicyResource{
			"database": {Values: []string{"sales"}},
			"table":    {Values: []string{"orders"}},
			"column":   {Values: []string{"ssn"}},
		},
		DataMaskPolicyItems: []*types.DataMaskPolicyItem{
			{
				PolicyItem: types.PolicyItem{
					Users:    []string{"bob"},
					Accesses: []*types.PolicyItemAccess{{Type: "select", IsAllowed: true}},
				},
				DataMaskInfo: &types.DataMaskInfo{MaskType: "MASK_HASH"},
			},
		},
	}

	a := newTestAdmin(t, delegatePolicy(100, "", "alice", "sales", "select"))

	assert.True(t, a.IsDelegatedAdminAccessAllowedForRead(target, "alice", nil, nil, nil))
	assert.False(t, a.IsDelegatedAdminAccessAllowedForRead(target, "mallory", nil, nil, nil))
}

func TestZonedPolicy_UsesZoneRepository(t *testing.T) {
	bundle := &types.ServicePolicies{
		ServiceName:   "hive-prod",
		PolicyVersion: 1,
		ServiceDef:    testServiceDef(),
		Policies: []*types.Policy{
			delegatePolicy(100, "eu", "alice", "eu_sales", "select"),
			delegatePolicy(101, "", "alice", "*", "select", "update", "create", "drop"),
		},
		SecurityZones: map[string]*types.SecurityZoneInfo{
			"eu": {
				ZoneName:  "eu",
				Resources: []map[string][]string{{"database": {"eu_*"}}},
			},
		},
	}

	a := newTestAdminWithBundle(t, bundle)
	a.SetServiceStore(store.NewMemoryStore())

	zonedTarget := targetPolicy(7, "eu", "bob", "eu_sales", "orders", "select")

	// Only the zone's own delegated-admin policies count: the default
	// zone's all-powerful grant does not leak into the eu zone.
	assert.True(t, a.IsDelegatedAdminAccessAllowedForRead(zonedTarget, "alice", nil, nil, nil))
	assert.False(t, a.IsDelegatedAdminAccessAllowedForModify(
		targetPolicy(8, "eu", "bob", "eu_sales", "orders", "drop"), "alice", nil, nil, nil))
}

func TestNilPolicy_Denied(t *testing.T) {
	a := newTestAdmin(t)

	assert.False(t, a.IsDelegatedAdminAccessAllowedForRead(nil, "alice", nil, nil, nil))
	assert.False(t, a.IsDelegatedAdminAccessAllowedForModify(nil, "alice", nil, nil, nil))
}

func TestUnzonedPolicies(t *testing.T) {
	grant := targetPolicy(1, "", "bob", "sales", "orders", "update")

	a := newTestAdmin(t, grant)

	resources := map[string]*types.PolicyResource{
		"database": {Values: []string{"sales"}},
		"table":    {Values: []string{"orders"}},
	}

	assert.True(t, a.IsAccessAllowedByUnzonedPolicies(resources, nil, "bob", nil, "update"))
	assert.True(t, a.IsAccessAllowedByUnzonedPolicies(resources, nil, "bob", nil, "select"), "update implies select")
	assert.False(t, a.IsAccessAllowedByUnzonedPolicies(resources, nil, "mallory", nil, "update"))

	allowed := a.GetAllowedUnzonedPolicies("bob", nil, "update")
	require.Len(t, allowed, 1)
	assert.Equal(t, int64(1), allowed[0].ID)

	assert.Empty(t, a.GetAllowedUnzonedPolicies("mallory", nil, "update"))
}

func TestAdminForDelta(t *testing.T) {
	a := newTestAdmin(t, delegatePolicy(100, "", "alice", "sales", "update"))

	// Empty bundle: same admin.
	same := AdminForDelta(a, &types.ServicePolicies{ServiceName: "hive-prod", PolicyVersion: 1})
	assert.Equal(t, a, same)

	// A real delta produces a new admin around the evolved snapshot.
	next := AdminForDelta(a, &types.ServicePolicies{
		ServiceName:   "hive-prod",
		PolicyVersion: 2,
		Deltas: []*types.PolicyDelta{
			{ID: 200, ChangeType: types.DeltaCreate, Policy: delegatePolicy(200, "", "carol", "finance", "drop")},
		},
	})
	require.NotNil(t, next)
	assert.NotEqual(t, a, next)
	assert.Equal(t, int64(2), next.GetPolicyVersion())
	assert.Equal(t, int64(1), a.GetPolicyVersion())

	resource := types.AccessResource{"database": {"finance"}, "table": {"ledger"}}
	assert.True(t, next.IsDelegatedAdminAccessAllowed(resource, "", "carol", nil, []string{"drop"}))
	assert.False(t, a.IsDelegatedAdminAccessAllowed(resource, "", "carol", nil, []string{"drop"}))

	// Incompatible delta: nil, caller must reload.
	assert.Nil(t, AdminForDelta(a, &types.ServicePolicies{
		ServiceName:   "hive-prod",
		PolicyVersion: 2,
		Deltas: []*types.PolicyDelta{
			{ID: 999, ChangeType: types.DeltaDelete},
		},
	}))
	assert.Nil(t, AdminForDelta(nil, nil))
}

func TestGetRolesFromUserAndGroups(t *testing.T) {
	bundle := &types.ServicePolicies{
		ServiceName:   "hive-prod",
		PolicyVersion: 1,
		ServiceDef:    testServiceDef(),
	}

	a, err := New(bundle, &types.Roles{
		RoleVersion: 1,
		Roles: map[string]*types.RoleMembers{
			"dba": {Groups: []string{"ops"}},
		},
	}, Config{Logger: zap.NewNop()})
	require.NoError(t, err)

	roles := a.GetRolesFromUserAndGroups("alice", []string{"ops"})
	assert.True(t, roles["dba"])

	a.SetRoles(&types.Roles{RoleVersion: 2, Roles: map[string]*types.RoleMembers{}})
	assert.Equal(t, int64(2), a.GetRoleVersion())
	assert.Empty(t, a.GetRolesFromUserAndGroups("alice", []string{"ops"}))
}

func TestCachingStoreOnModifyPath(t *testing.T) {
	oldPolicy := targetPolicy(7, "", "bob", "sales", "orders", "create")

	backing := store.NewMemoryStore()
	require.NoError(t, backing.AddPolicy(oldPolicy))

	caching := store.NewCachingStore(backing, newCountingCache())

	a := newTestAdmin(t, delegatePolicy(100, "", "alice", "sales", "drop"))
	a.SetServiceStore(caching)

	newPolicy := targetPolicy(7, "", "bob", "sales", "orders", "create", "drop")

	assert.True(t, a.IsDelegatedAdminAccessAllowedForModify(newPolicy, "alice", nil, nil, nil))

	// Second check is served from the cache.
	backing.RemovePolicy(7)
	got, err := caching.GetPolicy(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.ID)
}

// countingCache is a minimal PolicyCache for wiring tests
type countingCache struct {
	entries map[int64]*types.Policy
}

func newCountingCache() *countingCache {
	return &countingCache{entries: make(map[int64]*types.Policy)}
}

func (c *countingCache) Get(id int64) (*types.Policy, bool) {
	p, ok := c.entries[id]
	return p, ok
}

func (c *countingCache) Set(id int64, policy *types.Policy) {
	c.entries[id] = policy
}

func (c *countingCache) Delete(id int64) {
	delete(c.entries, id)
}

func (c *countingCache) Clear() {
	c.entries = make(map[int64]*types.Policy)
}

func (c *countingCache) Stats() cache.Stats {
	return cache.Stats{Size: len(c.entries)}
}
