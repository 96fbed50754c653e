package enums

import "fmt"

// PolicySource names one input of the field policy merge.
type PolicySource string

const (
	PolicySourceDB       PolicySource = "db"
	PolicySourceYAML     PolicySource = "yaml"
	PolicySourceSettings PolicySource = "settings"
)

var validPolicySources = []PolicySource{
	PolicySourceDB,
	PolicySourceYAML,
	PolicySourceSettings,
}

func (s PolicySource) IsValid() bool {
	for _, candidate := range validPolicySources {
		if candidate == s {
			return true
		}
	}
	return false
}

func ParsePolicySource(value string) (PolicySource, error) {
	for _, candidate := range validPolicySources {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid policy source %q", value)
}
