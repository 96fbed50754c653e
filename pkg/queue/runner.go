package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/leadflow-backend/pkg/config"
	"github.com/angelmondragon/leadflow-backend/pkg/enums"
	"github.com/angelmondragon/leadflow-backend/pkg/logger"
	"github.com/angelmondragon/leadflow-backend/pkg/metrics"
)

// ErrHardTimeLimit is recorded when a handler outlives its hard limit. The
// handler goroutine is abandoned; its soft-limit context is already done.
var ErrHardTimeLimit = errors.New("hard_time_limit exceeded")

var errShutdown = errors.New("runner shutting down")

const (
	promoteInterval   = time.Second
	reserveBackoff    = time.Second
	heartbeatInterval = 10 * time.Second
	heartbeatTTL      = 30 * time.Second
	// leaseGrace pads the running lease past the hard limit.
	leaseGrace = 5 * time.Second
)

type RunnerParams struct {
	Config   config.QueueConfig
	WorkerID string
	Broker   Broker
	Registry *Registry
	Done     *DoneMarker
	Logger   *logger.Logger
	Metrics  *metrics.TaskMetrics
}

// Runner consumes the registered queues with a fixed pool per queue.
type Runner struct {
	cfg      config.QueueConfig
	workerID string
	broker   Broker
	registry *Registry
	done     *DoneMarker
	logg     *logger.Logger
	metrics  *metrics.TaskMetrics
	now      func() time.Time
	rnd      func() float64
}

func NewRunner(params RunnerParams) (*Runner, error) {
	if params.Broker == nil {
		return nil, errors.New("broker is required")
	}
	if params.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	workerID := params.WorkerID
	if workerID == "" {
		workerID = "worker"
	}
	return &Runner{
		cfg:      params.Config,
		workerID: workerID,
		broker:   params.Broker,
		registry: params.Registry,
		done:     params.Done,
		logg:     params.Logger,
		metrics:  params.Metrics,
		now:      time.Now,
	}, nil
}

// Run blocks until ctx is cancelled or a worker fails hard.
func (r *Runner) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	queues := r.registry.Queues()
	type assignment struct {
		queue enums.QueueName
		slot  string
	}
	var (
		assignments []assignment
		slots       []string
	)
	for _, q := range queues {
		concurrency := r.cfg.Concurrency[string(q)]
		if concurrency <= 0 {
			concurrency = 1
		}
		for i := 0; i < concurrency; i++ {
			slot := fmt.Sprintf("%s:%s:%d", r.workerID, q, i)
			assignments = append(assignments, assignment{queue: q, slot: slot})
			slots = append(slots, slot)
		}
	}
	// Live slots must heartbeat before they hold anything in flight.
	if err := r.broker.Heartbeat(ctx, slots, heartbeatTTL); err != nil {
		r.logg.Error(ctx, "worker heartbeat failed", err)
	}
	for _, a := range assignments {
		g.Go(func() error { return r.worker(gctx, a.queue, a.slot) })
	}
	g.Go(func() error { return r.promoter(gctx, queues) })
	g.Go(func() error { return r.janitor(gctx, queues, slots) })

	r.logg.Info(r.logg.WithField(ctx, "queues", queues), "task runner started")
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Runner) promoter(ctx context.Context, queues []enums.QueueName) error {
	ticker := time.NewTicker(promoteInterval)
	defer ticker.Stop()
	for {
		for _, q := range queues {
			if _, err := r.broker.PromoteDue(ctx, q, r.now()); err != nil && ctx.Err() == nil {
				r.logg.Error(r.logg.WithField(ctx, "queue", q), "promote delayed tasks failed", err)
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// janitor keeps this runner's slots alive and requeues in-flight lists left
// behind by runners that stopped heartbeating.
func (r *Runner) janitor(ctx context.Context, queues []enums.QueueName, slots []string) error {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		for _, q := range queues {
			moved, err := r.broker.RecoverOrphans(ctx, q)
			if err != nil && ctx.Err() == nil {
				r.logg.Error(r.logg.WithField(ctx, "queue", q), "recover orphaned tasks failed", err)
			}
			if moved > 0 {
				r.logg.Warn(r.logg.WithFields(ctx, map[string]any{"queue": q, "requeued": moved}), "requeued orphaned in-flight tasks")
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if err := r.broker.Heartbeat(ctx, slots, heartbeatTTL); err != nil && ctx.Err() == nil {
			r.logg.Error(ctx, "worker heartbeat failed", err)
		}
	}
}

// worker consumes q until ctx ends. Every MaxTasksPerWorker tasks the slot is
// recycled: it requeues anything left in flight and starts a new generation.
func (r *Runner) worker(ctx context.Context, q enums.QueueName, slot string) error {
	for generation := 0; ; generation++ {
		if moved, err := r.broker.RequeueInflight(ctx, q, slot); err == nil && moved > 0 {
			r.logg.Warn(r.logg.WithFields(ctx, map[string]any{"queue": q, "slot": slot, "requeued": moved}), "requeued in-flight tasks")
		}
		processed, err := r.consume(ctx, q, slot)
		if err != nil || ctx.Err() != nil {
			return nil
		}
		r.logg.Info(r.logg.WithFields(ctx, map[string]any{
			"queue":      q,
			"slot":       slot,
			"processed":  processed,
			"generation": generation,
		}), "worker recycled")
	}
}

func (r *Runner) consume(ctx context.Context, q enums.QueueName, slot string) (int, error) {
	processed := 0
	for r.cfg.MaxTasksPerWorker <= 0 || processed < r.cfg.MaxTasksPerWorker {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		d, err := r.broker.Reserve(ctx, q, slot, r.reserveTimeout())
		if err != nil {
			if ctx.Err() != nil {
				return processed, ctx.Err()
			}
			r.logg.Error(r.logg.WithField(ctx, "queue", q), "reserve task failed", err)
			if sleepErr := sleep(ctx, reserveBackoff); sleepErr != nil {
				return processed, sleepErr
			}
			continue
		}
		if d == nil {
			continue
		}
		if err := r.Process(ctx, d.Message); errors.Is(err, errShutdown) {
			// Left in flight; RequeueInflight hands it back on next start.
			return processed, ctx.Err()
		}
		if err := r.broker.Ack(context.WithoutCancel(ctx), d); err != nil {
			r.logg.Error(ctx, "ack task failed", err)
		}
		processed++
	}
	return processed, nil
}

func (r *Runner) reserveTimeout() time.Duration {
	if r.cfg.ReserveTimeout <= 0 {
		return 5 * time.Second
	}
	return r.cfg.ReserveTimeout
}

// Process runs one message through its definition and settles the outcome:
// success, delayed retry, or dead. It returns errShutdown when ctx ended
// mid-flight and the message must stay un-acked.
func (r *Runner) Process(ctx context.Context, msg Message) error {
	logCtx := r.logg.WithTask(ctx, string(msg.Task), string(msg.Queue), msg.ID, msg.Attempt)
	if msg.TraceID != "" {
		logCtx = r.logg.WithTraceID(logCtx, msg.TraceID)
	}

	def, ok := r.registry.Lookup(msg.Task)
	if !ok {
		r.logg.Error(logCtx, "task.unknown", fmt.Errorf("no handler for %s", msg.Task))
		r.metrics.Observe(string(msg.Task), "unknown", 0)
		return nil
	}

	var claim Claim
	dedupe := r.done != nil && !def.SkipDedupe && msg.Key != ""
	if dedupe {
		var err error
		claim, err = r.done.Claim(ctx, msg.Task, msg.Key, def.HardLimit+leaseGrace)
		switch {
		case err != nil:
			r.logg.Error(logCtx, "task.done_marker_failed", err)
			dedupe = false
		case claim.State == ClaimDone:
			r.logg.Info(logCtx, "task.duplicate_skipped")
			r.metrics.Observe(string(msg.Task), "duplicate", 0)
			return nil
		case claim.State == ClaimBusy:
			return r.postpone(ctx, logCtx, msg, def.HardLimit+leaseGrace)
		}
	}

	start := r.now()
	err := r.execute(logCtx, def, msg)
	elapsed := r.now().Sub(start)
	if err == nil {
		if dedupe {
			if markErr := r.done.Complete(context.WithoutCancel(ctx), claim); markErr != nil {
				r.logg.Error(logCtx, "task.done_marker_failed", markErr)
			}
		}
		r.metrics.Observe(string(msg.Task), "success", elapsed)
		r.logg.Info(r.logg.WithField(logCtx, "duration_ms", elapsed.Milliseconds()), "task.succeeded")
		return nil
	}

	if dedupe {
		if releaseErr := r.done.Release(context.WithoutCancel(ctx), claim); releaseErr != nil {
			r.logg.Error(logCtx, "task.done_marker_clear_failed", releaseErr)
		}
	}
	if ctx.Err() != nil && !errors.Is(err, ErrHardTimeLimit) {
		return errShutdown
	}

	failCtx := r.logg.WithField(logCtx, "error", err.Error())
	if errors.Is(err, ErrHardTimeLimit) {
		failCtx = r.logg.WithField(failCtx, "hard_time_limit_ms", def.HardLimit.Milliseconds())
	}
	if IsPermanent(err) || msg.Attempt >= def.Retry.MaxAttempts {
		r.metrics.Observe(string(msg.Task), "dead", elapsed)
		r.logg.Error(failCtx, "task.dead", err)
		if def.OnDead != nil {
			def.OnDead(context.WithoutCancel(logCtx), msg, err)
		}
		return nil
	}

	next := msg
	next.Attempt++
	delay := def.Retry.Backoff(msg.Attempt, r.rnd)
	if enqueueErr := r.broker.EnqueueAt(context.WithoutCancel(ctx), next, r.now().Add(delay)); enqueueErr != nil {
		r.logg.Error(failCtx, "task.retry_enqueue_failed", enqueueErr)
		return nil
	}
	r.metrics.Observe(string(msg.Task), "retry", elapsed)
	r.logg.Warn(r.logg.WithField(failCtx, "retry_in_ms", delay.Milliseconds()), "task.retry_scheduled")
	return nil
}

// postpone parks a message whose key is leased by another run. It comes back
// after the lease so it is either skipped as done or run once the holder died.
func (r *Runner) postpone(ctx, logCtx context.Context, msg Message, after time.Duration) error {
	if err := r.broker.EnqueueAt(context.WithoutCancel(ctx), msg, r.now().Add(after)); err != nil {
		r.logg.Error(logCtx, "task.postpone_failed", err)
		return nil
	}
	r.metrics.Observe(string(msg.Task), "postponed", 0)
	r.logg.Info(r.logg.WithField(logCtx, "retry_in_ms", after.Milliseconds()), "task.postponed_running")
	return nil
}

func (r *Runner) execute(ctx context.Context, def Definition, msg Message) error {
	softCtx, cancel := context.WithTimeout(ctx, def.SoftLimit)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				result <- fmt.Errorf("task panic: %v", rec)
			}
		}()
		result <- def.Handler(softCtx, msg)
	}()

	hard := time.NewTimer(def.HardLimit)
	defer hard.Stop()
	select {
	case err := <-result:
		return err
	case <-hard.C:
		return ErrHardTimeLimit
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
