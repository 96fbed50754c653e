package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/leadflow-backend/pkg/config"
	"github.com/angelmondragon/leadflow-backend/pkg/db/models"
	"github.com/angelmondragon/leadflow-backend/pkg/enums"
	"github.com/angelmondragon/leadflow-backend/pkg/logger"
	"github.com/angelmondragon/leadflow-backend/pkg/queue"
)

const (
	defaultBatchSize      = 50
	defaultPublishTimeout = 5 * time.Second
	defaultMaxAttempts    = 10
	maxBackoff            = 10 * time.Second
	jitterWindow          = 250 * time.Millisecond
)

var jitterSource = rand.New(rand.NewSource(time.Now().UnixNano()))

type dbClient interface {
	Ping(context.Context) error
	WithTx(context.Context, func(tx *gorm.DB) error) error
}

type pinger interface {
	Ping(context.Context) error
}

type intentRepository interface {
	FetchUndispatchedForDispatch(tx *gorm.DB, limit, maxAttempts int) ([]models.Intent, error)
	MarkDispatchedTx(tx *gorm.DB, id uuid.UUID) error
	MarkFailedTx(tx *gorm.DB, id uuid.UUID, err error) error
	MarkTerminalTx(tx *gorm.DB, id uuid.UUID, err error, terminalAttempts int) error
}

type dlqRepository interface {
	InsertTx(tx *gorm.DB, entry models.IntentDLQ) error
}

type ServiceParams struct {
	Config        *config.Config
	Logger        *logger.Logger
	DB            dbClient
	Redis         pinger
	Repository    intentRepository
	DLQRepository dlqRepository
	Publisher     queue.Publisher
}

// Service moves committed intents into the broker.
type Service struct {
	cfg          *config.Config
	logg         *logger.Logger
	db           dbClient
	redis        pinger
	repo         intentRepository
	dlq          dlqRepository
	publisher    queue.Publisher
	batchSize    int
	maxAttempts  int
	pollInterval time.Duration
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Config == nil {
		return nil, errors.New("config is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.DB == nil {
		return nil, errors.New("database client is required")
	}
	if params.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	if params.Repository == nil {
		return nil, errors.New("intent repository is required")
	}
	if params.DLQRepository == nil {
		return nil, errors.New("dlq repository is required")
	}
	if params.Publisher == nil {
		return nil, errors.New("publisher is required")
	}

	batch := params.Config.Intents.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	maxAttempts := params.Config.Intents.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	return &Service{
		cfg:          params.Config,
		logg:         params.Logger,
		db:           params.DB,
		redis:        params.Redis,
		repo:         params.Repository,
		dlq:          params.DLQRepository,
		publisher:    params.Publisher,
		batchSize:    batch,
		maxAttempts:  maxAttempts,
		pollInterval: params.Config.Intents.PollInterval(),
	}, nil
}

func (s *Service) ensureReadiness(ctx context.Context) error {
	if err := pingDependency(ctx, s.logg, "database", s.db.Ping); err != nil {
		return err
	}
	return pingDependency(ctx, s.logg, "redis", s.redis.Ping)
}

func pingDependency(ctx context.Context, logg *logger.Logger, name string, fn func(context.Context) error) error {
	if err := fn(ctx); err != nil {
		logg.Error(ctx, fmt.Sprintf("%s ping failed", name), err)
		return fmt.Errorf("%s ping failed: %w", name, err)
	}
	return nil
}

func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := s.ensureReadiness(ctx); err != nil {
		return err
	}

	interval := s.pollInterval
	backoff := interval

	for {
		select {
		case <-ctx.Done():
			s.logg.Info(ctx, "intent dispatcher context canceled")
			return ctx.Err()
		default:
		}

		processed, err := s.processBatch(ctx)
		if err != nil {
			s.logg.Error(ctx, "intent dispatcher batch error", err)
			backoff = nextBackoff(backoff, interval, maxBackoff)
			if err := s.sleep(ctx, withJitter(backoff)); err != nil {
				return err
			}
			continue
		}

		backoff = interval

		if processed {
			continue
		}

		if err := s.sleep(ctx, withJitter(interval)); err != nil {
			return err
		}
	}
}

func (s *Service) processBatch(ctx context.Context) (bool, error) {
	processed := false
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		rows, err := s.repo.FetchUndispatchedForDispatch(tx, s.batchSize, s.maxAttempts)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}

		processed = true
		for _, row := range rows {
			fields := intentFields(row)
			msg, err := toMessage(row)
			if err != nil {
				if markErr := s.handleTerminal(ctx, tx, row, enums.DLQReasonNonRetryable, err, fields); markErr != nil {
					return markErr
				}
				continue
			}

			if err := s.publish(ctx, msg); err != nil {
				if queue.IsPermanent(err) {
					if markErr := s.handleTerminal(ctx, tx, row, enums.DLQReasonNonRetryable, err, fields); markErr != nil {
						return markErr
					}
					continue
				}

				nextAttempt := row.AttemptCount + 1
				fields["attempt_count"] = nextAttempt
				if nextAttempt >= s.maxAttempts {
					terminalErr := fmt.Errorf("max dispatch attempts reached: %w", err)
					if markErr := s.handleTerminal(ctx, tx, row, enums.DLQReasonMaxAttempts, terminalErr, fields); markErr != nil {
						return markErr
					}
					continue
				}

				logCtx := s.logg.WithFields(ctx, fields)
				logCtx = s.logg.WithField(logCtx, "error", err.Error())
				s.logg.Warn(logCtx, "intent dispatch failed")
				if markErr := s.repo.MarkFailedTx(tx, row.ID, err); markErr != nil {
					return fmt.Errorf("mark failure %s: %w", row.ID, markErr)
				}
				continue
			}

			if markErr := s.repo.MarkDispatchedTx(tx, row.ID); markErr != nil {
				return fmt.Errorf("mark dispatched %s: %w", row.ID, markErr)
			}
			s.logg.Info(s.logg.WithFields(ctx, fields), "intent dispatched")
		}
		return nil
	})
	return processed, err
}

func (s *Service) publish(ctx context.Context, msg queue.Message) error {
	publishCtx, cancel := context.WithTimeout(ctx, defaultPublishTimeout)
	defer cancel()
	return s.publisher.Enqueue(publishCtx, msg)
}

func (s *Service) handleTerminal(ctx context.Context, tx *gorm.DB, row models.Intent, reason enums.DLQErrorReason, err error, fields map[string]any) error {
	fields["error_reason"] = reason
	logCtx := s.logg.WithFields(ctx, fields)
	s.logg.Alert(logCtx, "intent will not be dispatched", err)

	msg := err.Error()
	entry := models.IntentDLQ{
		IntentID:     row.ID,
		Task:         row.Task,
		Queue:        row.Queue,
		Payload:      row.Payload,
		ErrorReason:  reason,
		ErrorMessage: &msg,
		AttemptCount: row.AttemptCount,
		FailedAt:     time.Now().UTC(),
	}
	if dlqErr := s.dlq.InsertTx(tx, entry); dlqErr != nil {
		return fmt.Errorf("insert dlq %s: %w", row.ID, dlqErr)
	}
	if markErr := s.repo.MarkTerminalTx(tx, row.ID, err, s.maxAttempts); markErr != nil {
		return fmt.Errorf("mark terminal %s: %w", row.ID, markErr)
	}
	return nil
}

// toMessage turns a stored intent into the first-attempt broker message.
// The intent id doubles as the message id so redeliveries are traceable.
func toMessage(row models.Intent) (queue.Message, error) {
	if !row.Queue.IsValid() {
		return queue.Message{}, fmt.Errorf("unknown queue %q", row.Queue)
	}
	if row.Task == "" {
		return queue.Message{}, errors.New("missing task")
	}
	if !json.Valid(row.Payload) {
		return queue.Message{}, errors.New("payload is not valid json")
	}
	return queue.Message{
		ID:         row.ID.String(),
		Task:       row.Task,
		Queue:      row.Queue,
		Key:        row.IdempotencyKey,
		Payload:    json.RawMessage(row.Payload),
		Attempt:    1,
		TraceID:    row.TraceID,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

func intentFields(row models.Intent) map[string]any {
	fields := map[string]any{
		"intent_id":     row.ID.String(),
		"task":          row.Task,
		"queue":         row.Queue,
		"key":           row.IdempotencyKey,
		"attempt_count": row.AttemptCount,
	}
	if row.TraceID != "" {
		fields["trace_id"] = row.TraceID
	}
	if row.LastError != nil {
		fields["last_error"] = *row.LastError
	}
	return fields
}

func (s *Service) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func nextBackoff(current, base, max time.Duration) time.Duration {
	if current <= 0 {
		current = base
	}
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	jitter := time.Duration(jitterSource.Int63n(int64(jitterWindow)))
	return d + jitter
}
