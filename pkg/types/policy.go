// Package types provides the shared domain model for the policy
// administration engine: policies, service definitions, security zones,
// roles, and the versioned policy bundles that snapshots are built from.
package types

// PolicyType identifies the kind of policy
type PolicyType string

const (
	PolicyTypeAccess    PolicyType = "access"
	PolicyTypeDataMask  PolicyType = "datamask"
	PolicyTypeRowFilter PolicyType = "rowfilter"
)

// Sentinel access-type and wildcard markers, referenced by value
// throughout the engine.
const (
	// AccessTypeAdmin is the pseudo access-type substituted when a policy
	// carries no concrete access types; it keeps delegated-admin checks
	// meaningful for empty policies.
	AccessTypeAdmin = "admin"

	// AccessTypeAny marks a discovery request that matches regardless of
	// access type.
	AccessTypeAny = "_any"

	// WildcardAsterisk matches any value in a resource element.
	WildcardAsterisk = "*"

	// GroupPublic is the implicit group every user belongs to.
	GroupPublic = "public"

	// UserCurrent is the macro a policy may use in users lists to mean
	// "the accessing user".
	UserCurrent = "{USER}"
)

// PolicyResource is one element of a policy resource pattern
type PolicyResource struct {
	Values      []string `json:"values" yaml:"values"`
	IsExcludes  bool     `json:"isExcludes,omitempty" yaml:"isExcludes,omitempty"`
	IsRecursive bool     `json:"isRecursive,omitempty" yaml:"isRecursive,omitempty"`
}

// PolicyItemAccess is a single access grant inside a policy item
type PolicyItemAccess struct {
	Type      string `json:"type" yaml:"type"`
	IsAllowed bool   `json:"isAllowed" yaml:"isAllowed"`
}

// PolicyItemCondition is an optional condition attached to a policy item.
// Expr is a CEL expression evaluated over the accessing user, groups and
// roles; the resource and context variables are empty during evaluation.
type PolicyItemCondition struct {
	Type string `json:"type" yaml:"type"`
	Expr string `json:"expr" yaml:"expr"`
}

// PolicyItem grants a set of accesses to users, groups, and roles
type PolicyItem struct {
	Users         []string               `json:"users,omitempty" yaml:"users,omitempty"`
	Groups        []string               `json:"groups,omitempty" yaml:"groups,omitempty"`
	Roles         []string               `json:"roles,omitempty" yaml:"roles,omitempty"`
	Accesses      []*PolicyItemAccess    `json:"accesses,omitempty" yaml:"accesses,omitempty"`
	Conditions    []*PolicyItemCondition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	DelegateAdmin bool                   `json:"delegateAdmin,omitempty" yaml:"delegateAdmin,omitempty"`
}

// DataMaskInfo describes the masking applied by a data-mask policy item
type DataMaskInfo struct {
	MaskType      string `json:"maskType" yaml:"maskType"`
	ConditionExpr string `json:"conditionExpr,omitempty" yaml:"conditionExpr,omitempty"`
	ValueExpr     string `json:"valueExpr,omitempty" yaml:"valueExpr,omitempty"`
}

// DataMaskPolicyItem is a policy item that also carries masking info
type DataMaskPolicyItem struct {
	PolicyItem   `yaml:",inline"`
	DataMaskInfo *DataMaskInfo `json:"dataMaskInfo,omitempty" yaml:"dataMaskInfo,omitempty"`
}

// RowFilterInfo describes the row filter applied by a row-filter policy item
type RowFilterInfo struct {
	FilterExpr string `json:"filterExpr" yaml:"filterExpr"`
}

// RowFilterPolicyItem is a policy item that also carries a row filter
type RowFilterPolicyItem struct {
	PolicyItem    `yaml:",inline"`
	RowFilterInfo *RowFilterInfo `json:"rowFilterInfo,omitempty" yaml:"rowFilterInfo,omitempty"`
}

// Policy is a single access-control policy scoped to a service and,
// optionally, a security zone. An empty ZoneName places the policy in
// the default zone.
type Policy struct {
	ID                  int64                        `json:"id" yaml:"id"`
	Name                string                       `json:"name" yaml:"name"`
	ServiceName         string                       `json:"serviceName,omitempty" yaml:"serviceName,omitempty"`
	PolicyType          PolicyType                   `json:"policyType,omitempty" yaml:"policyType,omitempty"`
	ZoneName            string                       `json:"zoneName,omitempty" yaml:"zoneName,omitempty"`
	Resources           map[string]*PolicyResource   `json:"resources" yaml:"resources"`
	AdditionalResources []map[string]*PolicyResource `json:"additionalResources,omitempty" yaml:"additionalResources,omitempty"`

	PolicyItems     []*PolicyItem `json:"policyItems,omitempty" yaml:"policyItems,omitempty"`
	DenyPolicyItems []*PolicyItem `json:"denyPolicyItems,omitempty" yaml:"denyPolicyItems,omitempty"`
	AllowExceptions []*PolicyItem `json:"allowExceptions,omitempty" yaml:"allowExceptions,omitempty"`
	DenyExceptions  []*PolicyItem `json:"denyExceptions,omitempty" yaml:"denyExceptions,omitempty"`

	DataMaskPolicyItems  []*DataMaskPolicyItem  `json:"dataMaskPolicyItems,omitempty" yaml:"dataMaskPolicyItems,omitempty"`
	RowFilterPolicyItems []*RowFilterPolicyItem `json:"rowFilterPolicyItems,omitempty" yaml:"rowFilterPolicyItems,omitempty"`

	IsEnabled      bool `json:"isEnabled" yaml:"isEnabled"`
	IsAuditEnabled bool `json:"isAuditEnabled,omitempty" yaml:"isAuditEnabled,omitempty"`
	PolicyPriority int  `json:"policyPriority,omitempty" yaml:"policyPriority,omitempty"`
}

// GetPolicyType returns the policy type, defaulting to access when unset
func (p *Policy) GetPolicyType() PolicyType {
	if p.PolicyType == "" {
		return PolicyTypeAccess
	}
	return p.PolicyType
}

// AccessItemGroups returns the four item collections of an access policy
// in evaluation order: allow, deny, allowExceptions, denyExceptions.
func (p *Policy) AccessItemGroups() [][]*PolicyItem {
	return [][]*PolicyItem{p.PolicyItems, p.DenyPolicyItems, p.AllowExceptions, p.DenyExceptions}
}

// ItemsForPolicyType returns the policy item lists relevant to the
// policy's type. Data-mask and row-filter items are yielded through
// their embedded PolicyItem. Unknown policy types yield (nil, false).
func (p *Policy) ItemsForPolicyType() ([][]*PolicyItem, bool) {
	switch p.GetPolicyType() {
	case PolicyTypeAccess:
		return p.AccessItemGroups(), true
	case PolicyTypeDataMask:
		items := make([]*PolicyItem, 0, len(p.DataMaskPolicyItems))
		for _, it := range p.DataMaskPolicyItems {
			items = append(items, &it.PolicyItem)
		}
		return [][]*PolicyItem{items}, true
	case PolicyTypeRowFilter:
		items := make([]*PolicyItem, 0, len(p.RowFilterPolicyItems))
		for _, it := range p.RowFilterPolicyItems {
			items = append(items, &it.PolicyItem)
		}
		return [][]*PolicyItem{items}, true
	default:
		return nil, false
	}
}
