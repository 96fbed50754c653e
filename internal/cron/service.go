package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	robfig "github.com/robfig/cron/v3"

	"github.com/angelmondragon/leadflow-backend/pkg/logger"
	"github.com/angelmondragon/leadflow-backend/pkg/queue"
)

// LockProvider hands out the Redis locks that guard each firing.
type LockProvider interface {
	lockStore
	LockKey(name string) string
}

// ServiceParams configure the beat.
type ServiceParams struct {
	Logger    *logger.Logger
	Registry  *Registry
	Publisher queue.Publisher
	Locks     LockProvider
	LockTTL   time.Duration
}

// SchedulePayload is the body of a task enqueued by the beat.
type SchedulePayload struct {
	ScheduledAt time.Time `json:"scheduled_at"`
}

// Service is the beat: it fires registered entries on their cron specs and
// enqueues one task per firing. Running several instances is safe; the
// per-entry lock lets only one of them enqueue.
type Service struct {
	logg      *logger.Logger
	registry  *Registry
	publisher queue.Publisher
	locks     LockProvider
	lockTTL   time.Duration
	now       func() time.Time
}

// NewService builds a beat.
func NewService(params ServiceParams) (*Service, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Publisher == nil {
		return nil, fmt.Errorf("publisher required")
	}
	if params.Locks == nil {
		return nil, fmt.Errorf("lock provider required")
	}
	registry := params.Registry
	if registry == nil {
		registry = &Registry{}
	}
	lockTTL := params.LockTTL
	if lockTTL <= 0 {
		lockTTL = defaultLockTTL
	}
	return &Service{
		logg:      params.Logger,
		registry:  registry,
		publisher: params.Publisher,
		locks:     params.Locks,
		lockTTL:   lockTTL,
		now:       time.Now,
	}, nil
}

// Run starts the schedule and blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c := robfig.New(robfig.WithLocation(time.UTC))
	for _, entry := range s.registry.Entries() {
		c.Schedule(entry.schedule, robfig.FuncJob(func() {
			if _, err := s.Fire(ctx, entry); err != nil {
				s.logg.Error(s.logg.WithField(ctx, "task", entry.Task), "cron.fire_failed", err)
			}
		}))
		s.logg.Info(s.logg.WithFields(ctx, map[string]any{
			"task":  entry.Task,
			"queue": entry.Queue,
			"spec":  entry.Spec,
		}), "cron.entry_scheduled")
	}
	c.Start()
	<-ctx.Done()
	s.logg.Info(ctx, "cron service context canceled")
	<-c.Stop().Done()
	return ctx.Err()
}

// Fire enqueues one run of entry unless another instance already did for
// this firing. It reports whether this call enqueued.
func (s *Service) Fire(ctx context.Context, entry Entry) (bool, error) {
	at := s.now().UTC().Truncate(time.Second)
	lock, err := NewRedisLock(s.locks, s.locks.LockKey("cron:"+string(entry.Task)), s.lockTTL)
	if err != nil {
		return false, err
	}
	locked, err := lock.Acquire(ctx)
	if err != nil {
		return false, err
	}
	logCtx := s.logg.WithFields(ctx, map[string]any{"task": entry.Task, "queue": entry.Queue})
	if !locked {
		s.logg.Debug(logCtx, "cron.fire_skipped_locked")
		return false, nil
	}

	msg, err := queue.NewMessage(entry.Task, entry.Queue, fmt.Sprintf("%s:%d", entry.Task, at.Unix()), SchedulePayload{ScheduledAt: at}, "")
	if err == nil {
		err = s.publisher.Enqueue(ctx, msg)
	}
	if err != nil {
		// Let the next instance or firing try again.
		if relErr := lock.Release(context.WithoutCancel(ctx)); relErr != nil {
			err = errors.Join(err, relErr)
		}
		return false, fmt.Errorf("enqueue %s: %w", entry.Task, err)
	}
	s.logg.Info(s.logg.WithField(logCtx, "task_id", msg.ID), "cron.fired")
	return true, nil
}
