package emailoutbox

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/leadflow-backend/pkg/db/models"
	"github.com/angelmondragon/leadflow-backend/pkg/email"
	"github.com/angelmondragon/leadflow-backend/pkg/enums"
	"github.com/angelmondragon/leadflow-backend/pkg/logger"
	"github.com/angelmondragon/leadflow-backend/pkg/metrics"
)

// Draft is a message to render and store. Rendering happens here, at enqueue
// time, so later template edits never change queued mail.
type Draft struct {
	Template   string
	To         string
	From       string
	Vars       map[string]any
	DedupeKey  string
	TraceID    string
	LeadID     *uuid.UUID
	CampaignID *int64
}

type OutboxParams struct {
	Repository  *Repository
	Templates   *email.Templates
	DefaultFrom string
	HighWater   int64
	Logger      *logger.Logger
	Metrics     *metrics.OutboxMetrics
}

type Outbox struct {
	repo        *Repository
	templates   *email.Templates
	defaultFrom string
	highWater   int64
	logg        *logger.Logger
	metrics     *metrics.OutboxMetrics
	now         func() time.Time
}

func NewOutbox(params OutboxParams) (*Outbox, error) {
	if params.Repository == nil {
		return nil, errors.New("outbox repository is required")
	}
	if params.Templates == nil {
		return nil, errors.New("email templates are required")
	}
	return &Outbox{
		repo:        params.Repository,
		templates:   params.Templates,
		defaultFrom: params.DefaultFrom,
		highWater:   params.HighWater,
		logg:        params.Logger,
		metrics:     params.Metrics,
		now:         time.Now,
	}, nil
}

// EnqueueTx renders the draft and inserts it inside tx. It reports false when
// the dedupe key already exists.
func (o *Outbox) EnqueueTx(ctx context.Context, tx *gorm.DB, draft Draft) (bool, error) {
	if tx == nil {
		return false, errors.New("transaction required")
	}
	if strings.TrimSpace(draft.DedupeKey) == "" {
		return false, errors.New("outbox dedupe key is required")
	}
	from := draft.From
	if strings.TrimSpace(from) == "" {
		from = o.defaultFrom
	}
	if _, err := mail.ParseAddress(draft.To); err != nil {
		return false, fmt.Errorf("outbox recipient %q: %w", draft.To, err)
	}
	rendered, err := o.templates.Render(draft.Template, draft.Vars)
	if err != nil {
		return false, err
	}

	now := o.now().UTC()
	row := models.OutboxMessage{
		DedupeKey:     draft.DedupeKey,
		TemplateRef:   draft.Template,
		Subject:       rendered.Subject,
		HTMLBody:      rendered.HTML,
		TextBody:      rendered.Text,
		ToAddress:     draft.To,
		FromAddress:   from,
		State:         enums.OutboxStatePending,
		NextAttemptAt: now,
		TraceID:       draft.TraceID,
		LeadID:        draft.LeadID,
		CampaignID:    draft.CampaignID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	inserted, err := o.repo.InsertTx(tx, &row)
	if err != nil {
		return false, fmt.Errorf("insert outbox message: %w", err)
	}
	if o.logg != nil {
		o.logg.Debug(o.logg.WithFields(ctx, map[string]any{
			"dedupe_key": draft.DedupeKey,
			"template":   draft.Template,
			"inserted":   inserted,
		}), "email.outbox.enqueued")
	}
	return inserted, nil
}

// Backlog counts undelivered messages and publishes the gauge.
func (o *Outbox) Backlog(ctx context.Context) (int64, error) {
	n, err := o.repo.CountBacklog(ctx)
	if err != nil {
		return 0, err
	}
	o.metrics.SetBacklog(n)
	return n, nil
}

// AboveHighWater reports whether producers should hold off. A zero high-water
// mark disables the check.
func (o *Outbox) AboveHighWater(ctx context.Context) (bool, int64, error) {
	if o.highWater <= 0 {
		return false, 0, nil
	}
	n, err := o.Backlog(ctx)
	if err != nil {
		return false, 0, err
	}
	return n >= o.highWater, n, nil
}
