package enums

import "fmt"

// LeadStatus maps to the lead_status enum in Postgres.
type LeadStatus string

const (
	LeadStatusReceived  LeadStatus = "received"
	LeadStatusValidated LeadStatus = "validated"
	LeadStatusEnriched  LeadStatus = "enriched"
	LeadStatusRouted    LeadStatus = "routed"
	LeadStatusRejected  LeadStatus = "rejected"
)

var validLeadStatuses = []LeadStatus{
	LeadStatusReceived,
	LeadStatusValidated,
	LeadStatusEnriched,
	LeadStatusRouted,
	LeadStatusRejected,
}

// leadStatusRank orders the happy path; rejected is reachable from any
// non-terminal status.
var leadStatusRank = map[LeadStatus]int{
	LeadStatusReceived:  0,
	LeadStatusValidated: 1,
	LeadStatusEnriched:  2,
	LeadStatusRouted:    3,
}

// IsValid reports whether the value matches the canonical lead_status enum.
func (s LeadStatus) IsValid() bool {
	for _, candidate := range validLeadStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

func (s LeadStatus) IsTerminal() bool {
	return s == LeadStatusRouted || s == LeadStatusRejected
}

// CanTransitionTo enforces received -> validated -> enriched -> routed, or
// any non-terminal status -> rejected.
func (s LeadStatus) CanTransitionTo(next LeadStatus) bool {
	if s.IsTerminal() || !next.IsValid() {
		return false
	}
	if next == LeadStatusRejected {
		return true
	}
	return leadStatusRank[next] == leadStatusRank[s]+1
}

// ParseLeadStatus converts raw input into LeadStatus.
func ParseLeadStatus(value string) (LeadStatus, error) {
	for _, candidate := range validLeadStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid lead status %q", value)
}

// LeadRejectionReason is stored alongside a rejected lead.
type LeadRejectionReason string

const (
	LeadRejectionInvalidEmail     LeadRejectionReason = "invalid_email"
	LeadRejectionDisposableDomain LeadRejectionReason = "disposable_domain"
	LeadRejectionMissingRequired  LeadRejectionReason = "missing_required"
	LeadRejectionPipelineFailed   LeadRejectionReason = "pipeline_failed"
)
