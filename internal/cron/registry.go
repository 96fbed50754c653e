package cron

import (
	"context"
	"fmt"

	robfig "github.com/robfig/cron/v3"

	"github.com/angelmondragon/leadflow-backend/pkg/enums"
)

// Job represents scheduled work. The beat enqueues it as Task; a task
// runner executes Run.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Entry binds a task to its cron spec and the queue it runs on. Job may be
// nil in the beat, which only enqueues.
type Entry struct {
	Task  enums.TaskName
	Queue enums.QueueName
	Spec  string
	Job   Job

	schedule robfig.Schedule
}

// Registry tracks scheduled entries.
type Registry struct {
	entries []Entry
}

// NewRegistry builds a registry preloaded with the provided entries.
func NewRegistry(entries ...Entry) (*Registry, error) {
	registry := &Registry{}
	for _, entry := range entries {
		if err := registry.Register(entry); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// Register validates the spec and adds entry. Specs use the standard five
// fields or descriptors such as "@daily" and "@every 1m".
func (r *Registry) Register(entry Entry) error {
	if entry.Task == "" {
		return fmt.Errorf("cron entry %q: task required", entry.Spec)
	}
	if entry.Queue == "" {
		entry.Queue = enums.QueueDefault
	}
	if !entry.Queue.IsValid() {
		return fmt.Errorf("cron entry %s: unknown queue %q", entry.Task, entry.Queue)
	}
	schedule, err := robfig.ParseStandard(entry.Spec)
	if err != nil {
		return fmt.Errorf("cron entry %s: spec %q: %w", entry.Task, entry.Spec, err)
	}
	for _, existing := range r.entries {
		if existing.Task == entry.Task {
			return fmt.Errorf("cron entry %s already registered", entry.Task)
		}
	}
	entry.schedule = schedule
	r.entries = append(r.entries, entry)
	return nil
}

// Entries returns the registered entries in the order they were added.
func (r *Registry) Entries() []Entry {
	entries := make([]Entry, len(r.entries))
	copy(entries, r.entries)
	return entries
}
