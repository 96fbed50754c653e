package cron

import (
	"github.com/angelmondragon/leadflow-backend/pkg/config"
	"github.com/angelmondragon/leadflow-backend/pkg/enums"
)

// Jobs are the scheduled jobs a worker executes. The beat leaves them nil.
type Jobs struct {
	OutboxDrain Job
	Campaigns   Job
	Purge       Job
}

// NewScheduleRegistry registers the standard schedules from cfg.
func NewScheduleRegistry(cfg config.SchedulesConfig, jobs Jobs) (*Registry, error) {
	return NewRegistry(
		Entry{Task: enums.TaskOutboxDrain, Queue: enums.QueueEmail, Spec: cfg.OutboxDrain, Job: jobs.OutboxDrain},
		Entry{Task: enums.TaskCampaignSchedule, Queue: enums.QueueEmail, Spec: cfg.Campaigns, Job: jobs.Campaigns},
		Entry{Task: enums.TaskMaintenancePurge, Queue: enums.QueueDefault, Spec: cfg.Purge, Job: jobs.Purge},
	)
}
