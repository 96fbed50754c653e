package enums

import "fmt"

// AnalyticsEventType is the event name carried by analytics.track tasks.
type AnalyticsEventType string

const (
	AnalyticsEventLeadRouted   AnalyticsEventType = "lead_routed"
	AnalyticsEventLeadRejected AnalyticsEventType = "lead_rejected"
)

var validAnalyticsEventTypes = []AnalyticsEventType{
	AnalyticsEventLeadRouted,
	AnalyticsEventLeadRejected,
}

// IsValid reports whether the value is a known analytics event.
func (a AnalyticsEventType) IsValid() bool {
	for _, candidate := range validAnalyticsEventTypes {
		if candidate == a {
			return true
		}
	}
	return false
}

// ParseAnalyticsEventType converts the raw string to AnalyticsEventType.
func ParseAnalyticsEventType(value string) (AnalyticsEventType, error) {
	for _, candidate := range validAnalyticsEventTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid analytics event type %q", value)
}
