package leads

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/angelmondragon/leadflow-backend/internal/emailoutbox"
	"github.com/angelmondragon/leadflow-backend/internal/policy"
	"github.com/angelmondragon/leadflow-backend/internal/ratelimit"
	"github.com/angelmondragon/leadflow-backend/internal/signing"
	"github.com/angelmondragon/leadflow-backend/pkg/config"
	"github.com/angelmondragon/leadflow-backend/pkg/db/models"
	"github.com/angelmondragon/leadflow-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/leadflow-backend/pkg/errors"
	"github.com/angelmondragon/leadflow-backend/pkg/intents"
	"github.com/angelmondragon/leadflow-backend/pkg/logger"
	"github.com/angelmondragon/leadflow-backend/pkg/metrics"
	"github.com/angelmondragon/leadflow-backend/pkg/types"
)

const (
	TemplateWelcome     = "welcome"
	TemplateNotifyOwner = "notify-owner"
)

type rateLimiter interface {
	Allow(ctx context.Context, scope, identity string) (ratelimit.Decision, error)
	Refund(ctx context.Context, d ratelimit.Decision)
}

type policyResolver interface {
	Policy(ctx context.Context, formKind string) (policy.Snapshot, error)
}

type intentEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, intent intents.Intent) error
}

type mailEnqueuer interface {
	EnqueueTx(ctx context.Context, tx *gorm.DB, draft emailoutbox.Draft) (bool, error)
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// ServiceParams groups dependencies for the intake service.
type ServiceParams struct {
	DB         txRunner
	Repository *Repository
	Signer     *signing.Signer
	Policies   policyResolver
	Limiter    rateLimiter
	Intents    intentEmitter
	Mail       mailEnqueuer
	Intake     config.IntakeConfig
	Routing    config.RoutingConfig
	Logger     *logger.Logger
	Metrics    *metrics.IntakeMetrics
}

// CollectRequest is one /leads/collect call.
type CollectRequest struct {
	Body     map[string]any
	ClientIP string
	TraceID  string
}

// CollectResult is the accepted lead. Duplicate is set when the dedup window
// matched an earlier submission.
type CollectResult struct {
	Lead      *models.Lead
	Duplicate bool
}

// Response renders the 202 body.
func (r CollectResult) Response() types.LeadAccepted {
	return types.LeadAccepted{
		LeadID:  r.Lead.ID.String(),
		Status:  string(r.Lead.Status),
		TraceID: r.Lead.TraceID,
	}
}

// ValidatePayload is the first pipeline stage's input.
type StagePayload struct {
	LeadID string `json:"lead_id"`
}

type Service struct {
	db       txRunner
	repo     *Repository
	signer   *signing.Signer
	policies policyResolver
	limiter  rateLimiter
	intents  intentEmitter
	mail     mailEnqueuer
	intake   config.IntakeConfig
	routing  config.RoutingConfig
	logg     *logger.Logger
	metrics  *metrics.IntakeMetrics
	now      func() time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	switch {
	case params.DB == nil:
		return nil, errors.New("db is required")
	case params.Repository == nil:
		return nil, errors.New("lead repository is required")
	case params.Signer == nil:
		return nil, errors.New("signer is required")
	case params.Policies == nil:
		return nil, errors.New("policy resolver is required")
	case params.Limiter == nil:
		return nil, errors.New("rate limiter is required")
	case params.Intents == nil:
		return nil, errors.New("intent emitter is required")
	case params.Mail == nil:
		return nil, errors.New("mail enqueuer is required")
	case params.Logger == nil:
		return nil, errors.New("logger is required")
	}
	return &Service{
		db:       params.DB,
		repo:     params.Repository,
		signer:   params.Signer,
		policies: params.Policies,
		limiter:  params.Limiter,
		intents:  params.Intents,
		mail:     params.Mail,
		intake:   params.Intake,
		routing:  params.Routing,
		logg:     params.Logger,
		metrics:  params.Metrics,
		now:      time.Now,
	}, nil
}

// Sign issues an envelope for a form payload whose form kind has a policy.
func (s *Service) Sign(ctx context.Context, body map[string]any) (types.SignedToken, error) {
	if len(body) == 0 {
		return types.SignedToken{}, pkgerrors.New(pkgerrors.CodeValidation, "request body is required")
	}
	formKind, _ := body[fieldFormKind].(string)
	formKind = strings.TrimSpace(formKind)
	if formKind == "" {
		return types.SignedToken{}, pkgerrors.New(pkgerrors.CodeValidation, "validation failed").
			WithDetails(map[string]string{fieldFormKind: "is required"})
	}
	snap, err := s.policies.Policy(ctx, formKind)
	if err != nil {
		return types.SignedToken{}, err
	}
	env, err := s.signer.Issue(body, snap.IgnoredForSignature, s.now())
	if err != nil {
		return types.SignedToken{}, err
	}
	token, err := signing.EncodeToken(env)
	if err != nil {
		return types.SignedToken{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode token")
	}
	s.metrics.EnvelopeIssued()
	return types.SignedToken{SignedToken: token, IssuedAt: env.IssuedAt, ExpiresAt: env.ExpiresAt}, nil
}

// Collect runs the synchronous intake path. Idempotency is handled by the
// HTTP layer before this is called.
func (s *Service) Collect(ctx context.Context, req CollectRequest) (result CollectResult, err error) {
	var decisions []ratelimit.Decision
	formKind := ""
	defer func() {
		s.metrics.Outcome(formKind, outcomeOf(err, result.Duplicate))
		if err == nil {
			return
		}
		// Only scopes configured with include_failed=false give the slot back.
		for _, d := range decisions {
			s.limiter.Refund(context.WithoutCancel(ctx), d)
		}
	}()

	sub, err := ParseSubmission(req.Body)
	if err != nil {
		return CollectResult{}, err
	}

	ipDecision, err := s.limiter.Allow(ctx, ratelimit.ScopeLeadsIP, req.ClientIP)
	if err != nil {
		return CollectResult{}, err
	}
	if !ipDecision.Allowed {
		return CollectResult{}, ipDecision.Err()
	}
	decisions = append(decisions, ipDecision)

	if err := sub.Normalize(s.intake.DefaultRegion); err != nil {
		return CollectResult{}, err
	}
	formKind = sub.FormKind

	if sub.Email != "" {
		emailDecision, err := s.limiter.Allow(ctx, ratelimit.ScopeLeadsEmail, sub.Email)
		if err != nil {
			return CollectResult{}, err
		}
		if !emailDecision.Allowed {
			return CollectResult{}, emailDecision.Err()
		}
		decisions = append(decisions, emailDecision)
	}

	snap, err := s.policies.Policy(ctx, sub.FormKind)
	if err != nil {
		return CollectResult{}, err
	}
	view := sub.View()
	if missing := snap.MissingRequired(view); len(missing) > 0 {
		return CollectResult{}, pkgerrors.New(pkgerrors.CodeValidation, "required fields missing").
			WithDetails(map[string]any{"missing": missing})
	}

	now := s.now()
	signed := false
	if sub.Envelope != nil || snap.RequireSignature {
		if sub.Envelope == nil {
			return CollectResult{}, pkgerrors.New(pkgerrors.CodeSignatureInvalid, "signature invalid")
		}
		if _, err := s.signer.Verify(*sub.Envelope, snap.IgnoredForSignature, now); err != nil {
			return CollectResult{}, err
		}
		signed = true
	}

	fingerprint, err := signing.Fingerprint(withoutFields(view, snap.IgnoredForSignature), s.signer.Options())
	if err != nil {
		return CollectResult{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "payload cannot be canonicalized")
	}

	if s.intake.DedupWindow > 0 {
		prior, err := s.repo.FindRecentByFingerprint(ctx, fingerprint, now.Add(-s.intake.DedupWindow).UTC())
		if err != nil {
			return CollectResult{}, pkgerrors.Wrap(pkgerrors.CodePersistence, err, "lookup duplicate lead")
		}
		if prior != nil {
			s.logg.Info(s.logg.WithFields(ctx, map[string]any{
				"lead_id":     prior.ID.String(),
				"fingerprint": fingerprint,
			}), "lead.duplicate")
			return CollectResult{Lead: prior, Duplicate: true}, nil
		}
	}

	lead := &models.Lead{
		ID:          uuid.New(),
		FormKind:    sub.FormKind,
		Fingerprint: fingerprint,
		Email:       sub.Email,
		Fields:      datatypes.JSONMap(sub.Fields),
		Context:     datatypes.JSONMap(sub.Context),
		Status:      enums.LeadStatusReceived,
		Signed:      signed,
		TraceID:     req.TraceID,
		CreatedAt:   now.UTC(),
		UpdatedAt:   now.UTC(),
	}
	if sub.Phone != "" {
		lead.Phone = &sub.Phone
	}
	if sub.Name != "" {
		lead.Name = &sub.Name
	}

	if err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		return s.persist(ctx, tx, lead)
	}); err != nil {
		if pkgerrors.As(err) != nil {
			return CollectResult{}, err
		}
		return CollectResult{}, pkgerrors.Wrap(pkgerrors.CodePersistence, err, "store lead")
	}

	logCtx := s.logg.WithLeadID(ctx, lead.ID.String())
	s.logg.Info(s.logg.WithFields(logCtx, map[string]any{
		"form_kind": lead.FormKind,
		"signed":    lead.Signed,
	}), "lead.received")
	return CollectResult{Lead: lead}, nil
}

// persist writes the lead, the first pipeline intent and the notification
// e-mails in one transaction; a rollback leaves none of them behind.
func (s *Service) persist(ctx context.Context, tx *gorm.DB, lead *models.Lead) error {
	if err := s.repo.CreateTx(tx, lead); err != nil {
		return fmt.Errorf("insert lead: %w", err)
	}
	leadID := lead.ID
	if err := s.intents.Emit(ctx, tx, intents.Intent{
		Task:        enums.TaskLeadValidate,
		Queue:       enums.QueueLeads,
		Key:         StageKey(leadID, enums.TaskLeadValidate),
		AggregateID: &leadID,
		Payload:     StagePayload{LeadID: leadID.String()},
		TraceID:     lead.TraceID,
	}); err != nil {
		return fmt.Errorf("emit validate intent: %w", err)
	}

	vars := TemplateVars(lead)
	if lead.Email != "" {
		if _, err := s.mail.EnqueueTx(ctx, tx, emailoutbox.Draft{
			Template:  TemplateWelcome,
			To:        lead.Email,
			Vars:      vars,
			DedupeKey: fmt.Sprintf("lead:%s:%s", leadID, TemplateWelcome),
			TraceID:   lead.TraceID,
			LeadID:    &leadID,
		}); err != nil {
			return fmt.Errorf("enqueue welcome: %w", err)
		}
	}
	if owner := s.routing.OwnerFor(lead.FormKind); owner != "" {
		if _, err := s.mail.EnqueueTx(ctx, tx, emailoutbox.Draft{
			Template:  TemplateNotifyOwner,
			To:        owner,
			Vars:      vars,
			DedupeKey: fmt.Sprintf("lead:%s:%s", leadID, TemplateNotifyOwner),
			TraceID:   lead.TraceID,
			LeadID:    &leadID,
		}); err != nil {
			return fmt.Errorf("enqueue owner notification: %w", err)
		}
	}
	return nil
}

// StageKey is the idempotency key of one pipeline stage for one lead.
func StageKey(leadID uuid.UUID, task enums.TaskName) string {
	return leadID.String() + ":" + string(task)
}

// TemplateVars exposes a lead to e-mail templates.
func TemplateVars(lead *models.Lead) map[string]any {
	view := map[string]any{
		"id":        lead.ID.String(),
		"form_kind": lead.FormKind,
		"email":     lead.Email,
		"status":    string(lead.Status),
	}
	if lead.Name != nil {
		view["name"] = *lead.Name
	}
	if lead.Phone != nil {
		view["phone"] = *lead.Phone
	}
	if lead.Owner != nil {
		view["owner"] = *lead.Owner
	}
	return map[string]any{
		"lead":     view,
		"fields":   map[string]any(lead.Fields),
		"context":  contextList(lead.Context),
		"trace_id": lead.TraceID,
	}
}

func withoutFields(view map[string]any, ignored []string) map[string]any {
	if len(ignored) == 0 {
		return view
	}
	out := make(map[string]any, len(view))
	for k, v := range view {
		out[k] = v
	}
	for _, field := range ignored {
		delete(out, field)
	}
	return out
}

func outcomeOf(err error, duplicate bool) string {
	if err == nil {
		if duplicate {
			return "duplicate"
		}
		return "accepted"
	}
	if e := pkgerrors.As(err); e != nil {
		return string(e.Code())
	}
	return string(pkgerrors.CodeInternal)
}
