package enums

import "fmt"

// QueueName identifies a broker queue.
type QueueName string

const (
	QueueDefault   QueueName = "default"
	QueueLeads     QueueName = "leads"
	QueueAnalytics QueueName = "analytics"
	QueueEmail     QueueName = "email"
)

var validQueueNames = []QueueName{
	QueueDefault,
	QueueLeads,
	QueueAnalytics,
	QueueEmail,
}

func (q QueueName) IsValid() bool {
	for _, candidate := range validQueueNames {
		if candidate == q {
			return true
		}
	}
	return false
}

func ParseQueueName(value string) (QueueName, error) {
	for _, candidate := range validQueueNames {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid queue name %q", value)
}

// AllQueues returns every declared queue.
func AllQueues() []QueueName {
	out := make([]QueueName, len(validQueueNames))
	copy(out, validQueueNames)
	return out
}

// TaskName identifies a registered task handler.
type TaskName string

const (
	TaskLeadValidate     TaskName = "leads.validate"
	TaskLeadEnrich       TaskName = "leads.enrich"
	TaskLeadRoute        TaskName = "leads.route"
	TaskAnalyticsTrack   TaskName = "analytics.track"
	TaskOutboxDrain      TaskName = "email.drain_outbox"
	TaskCampaignSchedule TaskName = "campaigns.schedule"
	TaskMaintenancePurge TaskName = "maintenance.purge"
)
