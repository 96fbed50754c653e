package policy

import (
	"sort"
	"strings"
)

// Snapshot is the merged field policy for one form kind.
type Snapshot struct {
	FormKind            string   `json:"form_kind"`
	Required            []string `json:"required"`
	Optional            []string `json:"optional"`
	IgnoredForSignature []string `json:"ignored_for_signature"`
	RequireSignature    bool     `json:"require_signature"`
}

// MissingRequired lists required fields absent or blank in fields.
func (s Snapshot) MissingRequired(fields map[string]any) []string {
	var missing []string
	for _, name := range s.Required {
		value, ok := fields[name]
		if !ok || value == nil {
			missing = append(missing, name)
			continue
		}
		if str, isStr := value.(string); isStr && strings.TrimSpace(str) == "" {
			missing = append(missing, name)
		}
	}
	return missing
}

// IsIgnored reports whether field is excluded from signature coverage.
func (s Snapshot) IsIgnored(field string) bool {
	for _, name := range s.IgnoredForSignature {
		if name == field {
			return true
		}
	}
	return false
}

// definition is one source's view of a form kind; nil sets are undefined and
// fall through to lower-priority sources.
type definition struct {
	Required         []string
	Optional         []string
	Ignored          []string
	RequireSignature *bool
}

func normalizeSet(values []string) []string {
	if values == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
