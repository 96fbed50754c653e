package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/leadflow-backend/internal/leads"
	"github.com/angelmondragon/leadflow-backend/internal/policy"
	"github.com/angelmondragon/leadflow-backend/pkg/config"
	"github.com/angelmondragon/leadflow-backend/pkg/db/models"
	"github.com/angelmondragon/leadflow-backend/pkg/enums"
	"github.com/angelmondragon/leadflow-backend/pkg/intents"
	"github.com/angelmondragon/leadflow-backend/pkg/logger"
	"github.com/angelmondragon/leadflow-backend/pkg/metrics"
	"github.com/angelmondragon/leadflow-backend/pkg/queue"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type leadStore interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Lead, error)
	TransitionTx(tx *gorm.DB, id uuid.UUID, from, to enums.LeadStatus, extra map[string]any) (bool, error)
}

type intentEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, intent intents.Intent) error
}

type policyResolver interface {
	Policy(ctx context.Context, formKind string) (policy.Snapshot, error)
}

type Params struct {
	DB       txRunner
	Leads    leadStore
	Intents  intentEmitter
	Policies policyResolver
	Routing  config.RoutingConfig
	Logger   *logger.Logger
	Metrics  *metrics.TaskMetrics
}

// Pipeline holds the lead stage handlers. Each stage advances the lead with
// a compare-and-set and emits the next stage's intent in the same
// transaction, so a lead's stages never run concurrently.
type Pipeline struct {
	db       txRunner
	leads    leadStore
	intents  intentEmitter
	policies policyResolver
	routing  config.RoutingConfig
	logg     *logger.Logger
	metrics  *metrics.TaskMetrics
}

func New(p Params) (*Pipeline, error) {
	switch {
	case p.DB == nil:
		return nil, errors.New("db is required")
	case p.Leads == nil:
		return nil, errors.New("lead store is required")
	case p.Intents == nil:
		return nil, errors.New("intent emitter is required")
	case p.Policies == nil:
		return nil, errors.New("policy resolver is required")
	case p.Logger == nil:
		return nil, errors.New("logger is required")
	}
	return &Pipeline{
		db:       p.DB,
		leads:    p.Leads,
		intents:  p.Intents,
		policies: p.Policies,
		routing:  p.Routing,
		logg:     p.Logger,
		metrics:  p.Metrics,
	}, nil
}

// Definitions returns the task table for the lead chain and analytics.
func (p *Pipeline) Definitions() []queue.Definition {
	return []queue.Definition{
		{Name: enums.TaskLeadValidate, Queue: enums.QueueLeads, Handler: p.Validate, OnDead: p.OnDead},
		{Name: enums.TaskLeadEnrich, Queue: enums.QueueLeads, Handler: p.Enrich, OnDead: p.OnDead},
		{Name: enums.TaskLeadRoute, Queue: enums.QueueLeads, Handler: p.Route, OnDead: p.OnDead},
		{Name: enums.TaskAnalyticsTrack, Queue: enums.QueueAnalytics, Handler: p.Track},
	}
}

// load decodes the stage payload and fetches the lead. A lead that is gone
// cannot be retried into existence.
func (p *Pipeline) load(ctx context.Context, msg queue.Message) (*models.Lead, error) {
	var payload leads.StagePayload
	if err := msg.Decode(&payload); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(payload.LeadID)
	if err != nil {
		return nil, queue.Permanent(fmt.Errorf("lead id %q: %w", payload.LeadID, err))
	}
	lead, err := p.leads.Get(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, queue.Permanent(fmt.Errorf("lead %s not found", id))
		}
		return nil, err
	}
	return lead, nil
}

// advance moves lead from -> to and emits next (if any) in one transaction.
// It returns false when another execution already moved the lead.
func (p *Pipeline) advance(ctx context.Context, lead *models.Lead, to enums.LeadStatus, extra map[string]any, next *intents.Intent) (bool, error) {
	moved := false
	err := p.db.WithTx(ctx, func(tx *gorm.DB) error {
		ok, err := p.leads.TransitionTx(tx, lead.ID, lead.Status, to, extra)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		moved = true
		if next == nil {
			return nil
		}
		return p.intents.Emit(ctx, tx, *next)
	})
	return moved, err
}

func (p *Pipeline) stageIntent(lead *models.Lead, task enums.TaskName) *intents.Intent {
	id := lead.ID
	return &intents.Intent{
		Task:        task,
		Queue:       enums.QueueLeads,
		Key:         leads.StageKey(id, task),
		AggregateID: &id,
		Payload:     leads.StagePayload{LeadID: id.String()},
		TraceID:     lead.TraceID,
	}
}

// skip reports whether the lead is no longer at the status a stage expects.
// Redelivered or superseded tasks end here without error.
func (p *Pipeline) skip(ctx context.Context, lead *models.Lead, want enums.LeadStatus) bool {
	if lead.Status == want {
		return false
	}
	p.logg.Info(p.logg.WithFields(ctx, map[string]any{
		"lead_status": lead.Status,
		"expected":    want,
	}), "pipeline.stage_skipped")
	return true
}

func (p *Pipeline) reject(ctx context.Context, lead *models.Lead, reason enums.LeadRejectionReason) error {
	track := p.trackIntent(lead, TrackPayload{Event: enums.AnalyticsEventLeadRejected, Reason: string(reason)})
	moved, err := p.advance(ctx, lead, enums.LeadStatusRejected, map[string]any{"rejection_reason": string(reason)}, track)
	if err != nil {
		return err
	}
	if moved {
		p.logg.Info(p.logg.WithField(ctx, "reason", reason), "lead.rejected")
	}
	return nil
}

// OnDead rejects the lead with pipeline_failed and raises an operator alert.
func (p *Pipeline) OnDead(ctx context.Context, msg queue.Message, cause error) {
	ctx = p.logg.WithFields(ctx, map[string]any{"task": msg.Task, "key": msg.Key})
	lead, err := p.load(ctx, msg)
	if err != nil {
		p.logg.Alert(ctx, "pipeline.dead_lead_unknown", errors.Join(cause, err))
		return
	}
	ctx = p.logg.WithLeadID(ctx, lead.ID.String())
	if !lead.Status.IsTerminal() {
		if err := p.reject(ctx, lead, enums.LeadRejectionPipelineFailed); err != nil {
			p.logg.Error(ctx, "pipeline.reject_failed", err)
		}
	}
	p.logg.Alert(ctx, "pipeline.task_dead", cause)
}
