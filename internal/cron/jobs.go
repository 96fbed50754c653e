package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/leadflow-backend/pkg/logger"
	"github.com/angelmondragon/leadflow-backend/pkg/metrics"
	"github.com/angelmondragon/leadflow-backend/pkg/queue"
)

// RunJob executes job with the cron log fields and job metrics.
func RunJob(ctx context.Context, logg *logger.Logger, m *metrics.CronJobMetrics, job Job) error {
	jobCtx := logg.WithField(ctx, "job", job.Name())
	jobCtx = logg.WithField(jobCtx, "event", "cron.job")
	logg.Info(jobCtx, "job start")
	start := time.Now()
	err := job.Run(jobCtx)
	duration := time.Since(start)
	if m != nil {
		m.ObserveDuration(job.Name(), duration)
	}
	jobCtx = logg.WithField(jobCtx, "duration_ms", duration.Milliseconds())
	if err != nil {
		logg.Error(jobCtx, "job failed", err)
		if m != nil {
			m.IncFailure(job.Name())
		}
		return err
	}
	logg.Info(jobCtx, "job completed")
	if m != nil {
		m.IncSuccess(job.Name())
	}
	return nil
}

// Definitions turns the registry into task definitions for the runner.
// Scheduled jobs are not retried; the next firing is the retry.
func Definitions(registry *Registry, logg *logger.Logger, m *metrics.CronJobMetrics) ([]queue.Definition, error) {
	entries := registry.Entries()
	defs := make([]queue.Definition, 0, len(entries))
	for _, entry := range entries {
		job := entry.Job
		if job == nil {
			return nil, fmt.Errorf("cron entry %s has no job", entry.Task)
		}
		defs = append(defs, queue.Definition{
			Name:  entry.Task,
			Queue: entry.Queue,
			Handler: func(ctx context.Context, _ queue.Message) error {
				return RunJob(ctx, logg, m, job)
			},
			Retry:      queue.RetryPolicy{MaxAttempts: 1},
			SkipDedupe: true,
		})
	}
	return defs, nil
}
