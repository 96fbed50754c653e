package cron

import (
	"context"
	"testing"

	"github.com/angelmondragon/leadflow-backend/pkg/config"
	"github.com/angelmondragon/leadflow-backend/pkg/enums"
)

type testJob struct {
	name string
	runs int
	err  error
}

func (j *testJob) Name() string { return j.name }

func (j *testJob) Run(ctx context.Context) error {
	j.runs++
	return j.err
}

func TestRegistryValidatesEntries(t *testing.T) {
	registry := &Registry{}
	job := &testJob{name: "drain"}

	if err := registry.Register(Entry{Task: enums.TaskOutboxDrain, Spec: "@every 1m", Job: job}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := registry.Register(Entry{Task: enums.TaskOutboxDrain, Spec: "@daily", Job: job}); err == nil {
		t.Fatalf("expected duplicate task error")
	}
	if err := registry.Register(Entry{Task: enums.TaskMaintenancePurge, Spec: "not a spec", Job: job}); err == nil {
		t.Fatalf("expected spec error")
	}
	if err := registry.Register(Entry{Spec: "*/5 * * * *", Job: job}); err == nil {
		t.Fatalf("expected missing task error")
	}
	if err := registry.Register(Entry{Task: enums.TaskCampaignSchedule, Queue: "bulk", Spec: "*/5 * * * *"}); err == nil {
		t.Fatalf("expected unknown queue error")
	}

	entries := registry.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry got %d", len(entries))
	}
	if entries[0].Queue != enums.QueueDefault {
		t.Fatalf("expected default queue got %s", entries[0].Queue)
	}
}

func TestScheduleRegistryDefaults(t *testing.T) {
	registry, err := NewScheduleRegistry(config.SchedulesConfig{
		OutboxDrain: "@every 1m",
		Campaigns:   "*/5 * * * *",
		Purge:       "@daily",
	}, Jobs{})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	entries := registry.Entries()
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries got %d", len(entries))
	}
	if entries[0].Task != enums.TaskOutboxDrain || entries[0].Queue != enums.QueueEmail {
		t.Fatalf("unexpected drain entry %+v", entries[0])
	}
	if entries[2].Task != enums.TaskMaintenancePurge || entries[2].Queue != enums.QueueDefault {
		t.Fatalf("unexpected purge entry %+v", entries[2])
	}

	if _, err := NewScheduleRegistry(config.SchedulesConfig{OutboxDrain: "whenever"}, Jobs{}); err == nil {
		t.Fatalf("expected invalid spec error")
	}
}
