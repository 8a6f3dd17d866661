// Package policy loads ServicePolicies bundles from disk and watches
// them for changes, feeding reloads into the snapshot swap.
package policy

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/authz-engine/policy-admin/pkg/types"
)

// Loader reads and validates ServicePolicies bundles
type Loader struct {
	logger *zap.Logger
}

// NewLoader creates a bundle loader
func NewLoader(logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Loader{logger: logger}
}

// LoadBundle reads one bundle file. YAML and JSON are both accepted;
// JSON parses as a YAML subset.
func (l *Loader) LoadBundle(path string) (*types.ServicePolicies, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read bundle: %w", err)
	}

	bundle := &types.ServicePolicies{}
	if err := yaml.Unmarshal(content, bundle); err != nil {
		return nil, fmt.Errorf("failed to parse bundle %s: %w", filepath.Base(path), err)
	}

	if err := l.Validate(bundle); err != nil {
		return nil, fmt.Errorf("invalid bundle %s: %w", filepath.Base(path), err)
	}

	return bundle, nil
}

// Validate checks the structural invariants of a bundle: a service
// name, a service definition with a resource hierarchy, and policies
// whose resource element names belong to that hierarchy.
func (l *Loader) Validate(bundle *types.ServicePolicies) error {
	if bundle.ServiceName == "" {
		return fmt.Errorf("bundle has no service name")
	}
	if !bundle.IsDelta() {
		if bundle.ServiceDef == nil {
			return fmt.Errorf("bundle has no service definition")
		}
		if len(bundle.ServiceDef.Resources) == 0 {
			return fmt.Errorf("service definition has no resource hierarchy")
		}
	}

	known := make(map[string]bool)
	if bundle.ServiceDef != nil {
		for _, r := range bundle.ServiceDef.Resources {
			known[r.Name] = true
		}
	}

	validate := func(p *types.Policy) error {
		if p == nil {
			return fmt.Errorf("nil policy in bundle")
		}
		if len(p.Resources) == 0 {
			return fmt.Errorf("policy %d has no resources", p.ID)
		}
		if len(known) > 0 {
			for name := range p.Resources {
				if !known[name] {
					return fmt.Errorf("policy %d: unknown resource element %q", p.ID, name)
				}
			}
		}
		return nil
	}

	for _, p := range bundle.Policies {
		if err := validate(p); err != nil {
			return err
		}
	}

	for _, delta := range bundle.Deltas {
		if delta == nil {
			return fmt.Errorf("nil delta in bundle")
		}
		if delta.ChangeType != types.DeltaDelete {
			if err := validate(delta.Policy); err != nil {
				return err
			}
		}
	}

	return nil
}
