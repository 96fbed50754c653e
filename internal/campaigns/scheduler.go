package campaigns

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/leadflow-backend/internal/emailoutbox"
	"github.com/angelmondragon/leadflow-backend/pkg/config"
	"github.com/angelmondragon/leadflow-backend/pkg/db/models"
	"github.com/angelmondragon/leadflow-backend/pkg/enums"
	"github.com/angelmondragon/leadflow-backend/pkg/logger"
)

const JobName = "campaign-scheduler"

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type mailOutbox interface {
	EnqueueTx(ctx context.Context, tx *gorm.DB, draft emailoutbox.Draft) (bool, error)
	AboveHighWater(ctx context.Context) (bool, int64, error)
}

type SchedulerParams struct {
	DB         txRunner
	Repository *Repository
	Outbox     mailOutbox
	Config     config.CampaignConfig
	Logger     *logger.Logger
}

// CycleResult summarizes one scheduler run.
type CycleResult struct {
	Yielded      bool
	Campaigns    int
	Materialized int
	Completed    int
}

// Scheduler turns due campaigns into outbox rows a bounded batch at a time.
type Scheduler struct {
	db     txRunner
	repo   *Repository
	outbox mailOutbox
	cfg    config.CampaignConfig
	logg   *logger.Logger
	now    func() time.Time
}

func NewScheduler(params SchedulerParams) (*Scheduler, error) {
	switch {
	case params.DB == nil:
		return nil, errors.New("db is required")
	case params.Repository == nil:
		return nil, errors.New("campaign repository is required")
	case params.Outbox == nil:
		return nil, errors.New("outbox is required")
	case params.Logger == nil:
		return nil, errors.New("logger is required")
	}
	cfg := params.Config
	if cfg.PerCycleCap <= 0 {
		cfg.PerCycleCap = 400
	}
	if cfg.MaxPerCycle <= 0 {
		cfg.MaxPerCycle = 10
	}
	return &Scheduler{
		db:     params.DB,
		repo:   params.Repository,
		outbox: params.Outbox,
		cfg:    cfg,
		logg:   params.Logger,
		now:    time.Now,
	}, nil
}

func (s *Scheduler) Name() string { return JobName }

func (s *Scheduler) Run(ctx context.Context) error {
	res, err := s.Schedule(ctx)
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"yielded":      res.Yielded,
		"campaigns":    res.Campaigns,
		"materialized": res.Materialized,
		"completed":    res.Completed,
	}), "campaigns.scheduled")
	return err
}

// Schedule runs one cycle. It yields without work when the outbox backlog
// is at or above its high-water mark.
func (s *Scheduler) Schedule(ctx context.Context) (CycleResult, error) {
	var res CycleResult
	if above, backlog, err := s.outbox.AboveHighWater(ctx); err != nil {
		return res, err
	} else if above {
		res.Yielded = true
		s.logg.Info(s.logg.WithField(ctx, "backlog", backlog), "campaigns.yield_backlog")
		return res, nil
	}

	now := s.now().UTC()
	due, err := s.repo.ListDue(ctx, now, s.cfg.MaxPerCycle)
	if err != nil {
		return res, fmt.Errorf("list due campaigns: %w", err)
	}

	var errs error
	for i := range due {
		c := &due[i]
		n, done, err := s.materialize(ctx, c, now)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("campaign %d: %w", c.ID, err))
			s.logg.Error(s.logg.WithField(ctx, "campaign_id", c.ID), "campaigns.materialize_failed", err)
			continue
		}
		res.Campaigns++
		res.Materialized += n
		if done {
			res.Completed++
		}
	}
	return res, errs
}

// materialize enqueues the next batch for c and advances its cursor in the
// same transaction.
func (s *Scheduler) materialize(ctx context.Context, c *models.Campaign, now time.Time) (int, bool, error) {
	added := 0
	done := false
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		added = 0
		recipients, err := s.repo.RecipientsAfterTx(tx, c.ID, c.Cursor, s.cfg.PerCycleCap)
		if err != nil {
			return err
		}
		cursor := c.Cursor
		campaignID := c.ID
		for _, rcpt := range recipients {
			inserted, err := s.outbox.EnqueueTx(ctx, tx, emailoutbox.Draft{
				Template:   c.TemplateRef,
				To:         rcpt.Email,
				From:       c.FromAddress,
				Vars:       recipientVars(c, &rcpt),
				DedupeKey:  DedupeKey(c.ID, rcpt.ID),
				CampaignID: &campaignID,
			})
			if err != nil {
				return fmt.Errorf("recipient %d: %w", rcpt.ID, err)
			}
			if inserted {
				added++
			}
			cursor = rcpt.ID
		}

		more := false
		if len(recipients) == s.cfg.PerCycleCap {
			if more, err = s.repo.HasRecipientsAfterTx(tx, c.ID, cursor); err != nil {
				return err
			}
		}
		status := enums.CampaignStatusMaterialized
		if more {
			status = enums.CampaignStatusPartial
		}
		ok, err := s.repo.AdvanceTx(tx, c.ID, c.Cursor, cursor, added, status, now)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("campaign %d cursor moved concurrently", c.ID)
		}
		done = !more
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"campaign_id": c.ID,
		"added":       added,
		"done":        done,
	}), "campaigns.batch_materialized")
	return added, done, nil
}

// DedupeKey makes materialization idempotent per recipient.
func DedupeKey(campaignID, recipientID int64) string {
	return fmt.Sprintf("campaign:%d:%d", campaignID, recipientID)
}

func recipientVars(c *models.Campaign, r *models.CampaignRecipient) map[string]any {
	campaign := map[string]any{}
	for k, v := range c.Definition {
		campaign[k] = v
	}
	campaign["id"] = c.ID
	campaign["name"] = c.Name

	recipient := map[string]any{}
	for k, v := range r.Vars {
		recipient[k] = v
	}
	recipient["email"] = r.Email
	if r.Name != nil {
		recipient["name"] = *r.Name
	}
	return map[string]any{"campaign": campaign, "recipient": recipient}
}
