// Package resourcematcher implements matching of resource descriptors and
// policy resource patterns against a service's resource hierarchy, plus
// token substitution for macro-bearing policy values.
package resourcematcher

import (
	"strings"

	"github.com/authz-engine/policy-admin/pkg/types"
)

// EvalContext supplies values for macro tokens during matching
type EvalContext interface {
	Lookup(key string) (string, bool)
}

// wildcardContext resolves every token to the asterisk wildcard. It is
// used by delegated-admin checks, where the question is whether the
// caller holds rights over the entire shape a policy could match.
type wildcardContext struct{}

func (wildcardContext) Lookup(string) (string, bool) {
	return types.WildcardAsterisk, true
}

// WildcardContext is the shared constant-wildcard evaluation context
var WildcardContext EvalContext = wildcardContext{}

// MapContext adapts a plain map to an EvalContext
type MapContext map[string]string

// Lookup returns the mapped value for key
func (m MapContext) Lookup(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

const (
	defaultTokenStart  = "${"
	defaultTokenEnd    = "}"
	defaultTokenEscape = '\\'
)

// StringTokenReplacer substitutes ${TOKEN} style macros in policy
// resource values. Delimiters and the escape character come from the
// resource definition's matcher options.
type StringTokenReplacer struct {
	start  string
	end    string
	escape byte
}

// NewTokenReplacer builds the replacer for one resource element, or nil
// when the element's matcher options disable token replacement.
func NewTokenReplacer(def *types.ResourceDef) *StringTokenReplacer {
	if def == nil {
		return nil
	}

	opts := def.MatcherOptions
	if opts[types.OptionReplaceTokens] == "false" {
		return nil
	}

	r := &StringTokenReplacer{
		start:  defaultTokenStart,
		end:    defaultTokenEnd,
		escape: defaultTokenEscape,
	}

	if v := opts[types.OptionTokenDelimiterStart]; v != "" {
		r.start = v
	}
	if v := opts[types.OptionTokenDelimiterEnd]; v != "" {
		r.end = v
	}
	if v := opts[types.OptionTokenDelimiterEscape]; v != "" {
		r.escape = v[0]
	}

	return r
}

// ReplaceTokens substitutes every token in value using ctx. Tokens with
// no binding in ctx are left as written. An escape character before the
// start delimiter emits the delimiter literally.
func (r *StringTokenReplacer) ReplaceTokens(value string, ctx EvalContext) string {
	if ctx == nil || !strings.Contains(value, r.start) {
		return value
	}

	var sb strings.Builder

	for i := 0; i < len(value); {
		if value[i] == r.escape && i+len(r.start) < len(value) && strings.HasPrefix(value[i+1:], r.start) {
			sb.WriteString(r.start)
			i += 1 + len(r.start)
			continue
		}

		if strings.HasPrefix(value[i:], r.start) {
			end := strings.Index(value[i+len(r.start):], r.end)
			if end >= 0 {
				token := value[i+len(r.start) : i+len(r.start)+end]
				if replacement, ok := ctx.Lookup(token); ok {
					sb.WriteString(replacement)
				} else {
					sb.WriteString(value[i : i+len(r.start)+end+len(r.end)])
				}
				i += len(r.start) + end + len(r.end)
				continue
			}
		}

		sb.WriteByte(value[i])
		i++
	}

	return sb.String()
}
