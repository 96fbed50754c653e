package cron

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/leadflow-backend/pkg/config"
	"github.com/angelmondragon/leadflow-backend/pkg/logger"
)

const (
	defaultIntentRetention = 7 * 24 * time.Hour
	defaultOutboxRetention = 30 * 24 * time.Hour
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type intentPurger interface {
	DeleteDispatchedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type dlqPurger interface {
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type outboxPurger interface {
	DeleteFinishedBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int64, error)
}

type RetentionJobParams struct {
	Logger  *logger.Logger
	DB      txRunner
	Intents intentPurger
	DLQ     dlqPurger
	Outbox  outboxPurger
	Config  config.RetentionConfig
}

func NewRetentionJob(params RetentionJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("db runner required")
	}
	if params.Intents == nil || params.DLQ == nil || params.Outbox == nil {
		return nil, fmt.Errorf("intent, dlq and outbox repositories required")
	}
	cfg := params.Config
	if cfg.IntentsAfter <= 0 {
		cfg.IntentsAfter = defaultIntentRetention
	}
	if cfg.OutboxAfter <= 0 {
		cfg.OutboxAfter = defaultOutboxRetention
	}
	if cfg.DLQAfter <= 0 {
		cfg.DLQAfter = defaultOutboxRetention
	}
	return &retentionJob{
		logg:    params.Logger,
		db:      params.DB,
		intents: params.Intents,
		dlq:     params.DLQ,
		outbox:  params.Outbox,
		cfg:     cfg,
		now:     time.Now,
	}, nil
}

type retentionJob struct {
	logg    *logger.Logger
	db      txRunner
	intents intentPurger
	dlq     dlqPurger
	outbox  outboxPurger
	cfg     config.RetentionConfig
	now     func() time.Time
}

func (j *retentionJob) Name() string { return "retention" }

// Run purges each table independently; one failing purge does not stop the
// others.
func (j *retentionJob) Run(ctx context.Context) error {
	now := j.now().UTC()
	var errs error

	intents, err := j.intents.DeleteDispatchedBefore(ctx, now.Add(-j.cfg.IntentsAfter))
	errs = multierr.Append(errs, wrap("intents", err))

	dlq, err := j.dlq.DeleteBefore(ctx, now.Add(-j.cfg.DLQAfter))
	errs = multierr.Append(errs, wrap("intent dlq", err))

	var outbox int64
	err = j.db.WithTx(ctx, func(tx *gorm.DB) error {
		n, err := j.outbox.DeleteFinishedBefore(ctx, tx, now.Add(-j.cfg.OutboxAfter))
		outbox = n
		return err
	})
	errs = multierr.Append(errs, wrap("outbox", err))

	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"intents_deleted": intents,
		"dlq_deleted":     dlq,
		"outbox_deleted":  outbox,
	}), "retention cleanup complete")
	return errs
}

func wrap(what string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("purge %s: %w", what, err)
}
