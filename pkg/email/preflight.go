package email

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/angelmondragon/leadflow-backend/pkg/config"
	"github.com/angelmondragon/leadflow-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/leadflow-backend/pkg/errors"
	"github.com/angelmondragon/leadflow-backend/pkg/logger"
	"github.com/angelmondragon/leadflow-backend/pkg/metrics"
	"github.com/angelmondragon/leadflow-backend/pkg/types"
)

const defaultPreflightTimeout = 15 * time.Second

// Status is the outcome of the most recent preflight.
type Status struct {
	Health      enums.TransportHealth
	Mode        enums.PreflightMode
	Transport   enums.EmailTransport
	LastCheckAt time.Time
	Err         error
}

// Response converts the status into the /email/health body.
func (s Status) Response() types.EmailHealth {
	out := types.EmailHealth{
		Status:    string(s.Health),
		Mode:      string(s.Mode),
		Transport: string(s.Transport),
	}
	if !s.LastCheckAt.IsZero() {
		out.LastCheckAt = s.LastCheckAt.UTC().Format(time.RFC3339)
	}
	if s.Err != nil {
		out.Error = s.Err.Error()
	}
	return out
}

type PreflightParams struct {
	Transport Transport
	Templates *Templates
	Config    config.PreflightConfig
	From      string
	Service   string
	Logger    *logger.Logger
	Metrics   *metrics.OutboxMetrics
}

// Preflight checks the outbound transport before the API starts serving and
// remembers the outcome for the health endpoint.
type Preflight struct {
	transport Transport
	templates *Templates
	cfg       config.PreflightConfig
	from      string
	service   string
	logg      *logger.Logger
	metrics   *metrics.OutboxMetrics
	now       func() time.Time
	timeout   time.Duration

	mu     sync.RWMutex
	status Status
}

func NewPreflight(params PreflightParams) (*Preflight, error) {
	if params.Transport == nil {
		return nil, fmt.Errorf("preflight transport is required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("preflight logger is required")
	}
	if params.Config.Mode == enums.PreflightModeSend && strings.TrimSpace(params.Config.Recipient) == "" {
		return nil, fmt.Errorf("preflight recipient is required in send mode")
	}
	return &Preflight{
		transport: params.Transport,
		templates: params.Templates,
		cfg:       params.Config,
		from:      params.From,
		service:   params.Service,
		logg:      params.Logger,
		metrics:   params.Metrics,
		now:       time.Now,
		timeout:   defaultPreflightTimeout,
		status: Status{
			Health:    enums.TransportHealthDegraded,
			Mode:      params.Config.Mode,
			Transport: params.Transport.Name(),
		},
	}, nil
}

// Run performs one check. In strict mode a failure is returned as
// preflight_failed; otherwise it is logged and Run returns nil.
func (p *Preflight) Run(ctx context.Context) error {
	err := p.check(ctx)
	p.record(err)

	ctx = p.logg.WithFields(ctx, map[string]any{
		"mode":      p.cfg.Mode,
		"transport": p.transport.Name(),
		"strict":    p.cfg.Strict,
	})
	if err == nil {
		p.logg.Info(ctx, "email.preflight.ok")
		return nil
	}
	if p.cfg.Strict {
		p.logg.Error(ctx, "email.preflight.failed", err)
		return pkgerrors.Wrap(pkgerrors.CodePreflight, err, "email preflight failed")
	}
	p.logg.Warn(p.logg.WithField(ctx, "error", err.Error()), "email.preflight.degraded")
	return nil
}

// Watch re-runs the check every interval until ctx ends. Failures only
// degrade the reported status.
func (p *Preflight) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 || p.cfg.Mode == enums.PreflightModeOff {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := p.check(ctx)
			p.record(err)
			if err != nil {
				p.logg.Warn(p.logg.WithField(ctx, "error", err.Error()), "email.preflight.recheck_failed")
			}
		}
	}
}

func (p *Preflight) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

func (p *Preflight) check(ctx context.Context) error {
	if p.cfg.Mode == enums.PreflightModeOff {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.transport.Probe(ctx); err != nil {
		return fmt.Errorf("probe %s: %w", p.transport.Name(), err)
	}
	if p.cfg.Mode != enums.PreflightModeSend {
		return nil
	}
	msg, err := p.testMessage()
	if err != nil {
		return err
	}
	if err := p.transport.Send(ctx, msg); err != nil {
		return fmt.Errorf("send test message: %w", err)
	}
	return nil
}

func (p *Preflight) testMessage() (Message, error) {
	checkedAt := p.now().UTC().Format(time.RFC3339)
	msg := Message{
		From:     p.from,
		To:       p.cfg.Recipient,
		Subject:  "Leadflow e-mail preflight",
		TextBody: fmt.Sprintf("Preflight check from %s at %s.", p.service, checkedAt),
		Ref:      "preflight",
	}
	if p.templates == nil {
		return msg, nil
	}
	rendered, err := p.templates.Render("preflight", map[string]any{
		"service":    p.service,
		"checked_at": checkedAt,
	})
	if err != nil {
		return Message{}, fmt.Errorf("render preflight message: %w", err)
	}
	msg.Subject = rendered.Subject
	msg.HTMLBody = rendered.HTML
	msg.TextBody = rendered.Text
	return msg, nil
}

func (p *Preflight) record(err error) {
	health := enums.TransportHealthOK
	if err != nil {
		health = enums.TransportHealthDegraded
	}
	p.mu.Lock()
	p.status = Status{
		Health:      health,
		Mode:        p.cfg.Mode,
		Transport:   p.transport.Name(),
		LastCheckAt: p.now(),
		Err:         err,
	}
	p.mu.Unlock()
	p.metrics.SetTransportHealthy(string(p.transport.Name()), string(p.cfg.Mode), err == nil)
}
