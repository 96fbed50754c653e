package enums

import "fmt"

// CampaignStatus maps to the campaign_status enum in Postgres.
type CampaignStatus string

const (
	CampaignStatusDraft        CampaignStatus = "draft"
	CampaignStatusReady        CampaignStatus = "ready"
	CampaignStatusPartial      CampaignStatus = "partial"
	CampaignStatusMaterialized CampaignStatus = "materialized"
	CampaignStatusCanceled     CampaignStatus = "canceled"
)

var validCampaignStatuses = []CampaignStatus{
	CampaignStatusDraft,
	CampaignStatusReady,
	CampaignStatusPartial,
	CampaignStatusMaterialized,
	CampaignStatusCanceled,
}

func (s CampaignStatus) IsValid() bool {
	for _, candidate := range validCampaignStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsSchedulable reports whether the scheduler should pick the campaign up.
func (s CampaignStatus) IsSchedulable() bool {
	return s == CampaignStatusReady || s == CampaignStatusPartial
}

func ParseCampaignStatus(value string) (CampaignStatus, error) {
	for _, candidate := range validCampaignStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid campaign status %q", value)
}
