package emailoutbox

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/angelmondragon/leadflow-backend/pkg/config"
	"github.com/angelmondragon/leadflow-backend/pkg/db/models"
	"github.com/angelmondragon/leadflow-backend/pkg/email"
	"github.com/angelmondragon/leadflow-backend/pkg/enums"
	"github.com/angelmondragon/leadflow-backend/pkg/logger"
	"github.com/angelmondragon/leadflow-backend/pkg/metrics"
	"github.com/angelmondragon/leadflow-backend/pkg/queue"
)

const (
	defaultDrainBatch  = 50
	defaultSendTimeout = 15 * time.Second
)

type DrainerParams struct {
	Repository  *Repository
	Outbox      *Outbox
	Transport   email.Transport
	Config      config.MailOutboxConfig
	SendTimeout time.Duration
	Logger      *logger.Logger
	Metrics     *metrics.OutboxMetrics
}

// DrainResult summarizes one drain pass.
type DrainResult struct {
	Requeued int64
	Claimed  int
	Sent     int
	Retried  int
	Dead     int
	Lost     int
}

// Drainer delivers due outbox messages. Several drainers may run at once;
// the claim CAS decides which one sends a given row.
type Drainer struct {
	repo        *Repository
	outbox      *Outbox
	transport   email.Transport
	batch       int
	retry       queue.RetryPolicy
	staleAfter  time.Duration
	sendTimeout time.Duration
	logg        *logger.Logger
	metrics     *metrics.OutboxMetrics
	now         func() time.Time

	rndMu sync.Mutex
	rnd   *rand.Rand
}

func NewDrainer(params DrainerParams) (*Drainer, error) {
	if params.Repository == nil {
		return nil, errors.New("outbox repository is required")
	}
	if params.Transport == nil {
		return nil, errors.New("email transport is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	batch := params.Config.BatchSize
	if batch <= 0 {
		batch = defaultDrainBatch
	}
	maxAttempts := params.Config.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	sendTimeout := params.SendTimeout
	if sendTimeout <= 0 {
		sendTimeout = defaultSendTimeout
	}
	return &Drainer{
		repo:      params.Repository,
		outbox:    params.Outbox,
		transport: params.Transport,
		batch:     batch,
		retry: queue.RetryPolicy{
			MaxAttempts: maxAttempts,
			BaseBackoff: params.Config.BaseBackoff,
			MaxBackoff:  params.Config.MaxBackoff,
			Jitter:      params.Config.Jitter,
		},
		staleAfter:  params.Config.StaleAfter,
		sendTimeout: sendTimeout,
		logg:        params.Logger,
		metrics:     params.Metrics,
		now:         time.Now,
		rnd:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

func (d *Drainer) Name() string { return "email-outbox-drain" }

// Run drains one batch; it satisfies the scheduled job contract.
func (d *Drainer) Run(ctx context.Context) error {
	res, err := d.Drain(ctx)
	d.logg.Info(d.logg.WithFields(ctx, map[string]any{
		"requeued": res.Requeued,
		"claimed":  res.Claimed,
		"sent":     res.Sent,
		"retried":  res.Retried,
		"dead":     res.Dead,
		"lost":     res.Lost,
	}), "email.outbox.drained")
	return err
}

func (d *Drainer) Drain(ctx context.Context) (DrainResult, error) {
	var res DrainResult
	now := d.now().UTC()

	if d.staleAfter > 0 {
		n, err := d.repo.RequeueStale(ctx, now.Add(-d.staleAfter), now)
		if err != nil {
			return res, fmt.Errorf("requeue stale: %w", err)
		}
		res.Requeued = n
		if n > 0 {
			d.logg.Warn(d.logg.WithField(ctx, "count", n), "email.outbox.stale_requeued")
		}
	}

	rows, err := d.repo.ListDue(ctx, now, d.batch)
	if err != nil {
		return res, fmt.Errorf("list due: %w", err)
	}

	var errs error
	for i := range rows {
		if ctx.Err() != nil {
			errs = multierr.Append(errs, ctx.Err())
			break
		}
		if err := d.deliver(ctx, rows[i], &res); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if d.outbox != nil {
		if _, err := d.outbox.Backlog(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("count backlog: %w", err))
		}
	}
	return res, errs
}

// deliver returns an error only for storage failures; transport failures are
// recorded on the row.
func (d *Drainer) deliver(ctx context.Context, row models.OutboxMessage, res *DrainResult) error {
	token := uuid.NewString()
	claimed, err := d.repo.Claim(ctx, row.ID, token, d.now().UTC())
	if err != nil {
		return fmt.Errorf("claim %d: %w", row.ID, err)
	}
	if !claimed {
		res.Lost++
		return nil
	}
	res.Claimed++
	d.metrics.Transition(string(enums.OutboxStateSending))
	attempt := row.Attempts + 1

	logCtx := d.logg.WithFields(ctx, map[string]any{
		"outbox_id": row.ID,
		"attempts":  attempt,
		"template":  row.TemplateRef,
	})
	if row.TraceID != "" {
		logCtx = d.logg.WithTraceID(logCtx, row.TraceID)
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	sendErr := d.transport.Send(sendCtx, email.Message{
		From:     row.FromAddress,
		To:       row.ToAddress,
		Subject:  row.Subject,
		HTMLBody: row.HTMLBody,
		TextBody: row.TextBody,
		Ref:      fmt.Sprintf("outbox-%d", row.ID),
	})
	cancel()

	now := d.now().UTC()
	if sendErr == nil {
		ok, err := d.repo.MarkSent(ctx, row.ID, token, now)
		if err != nil {
			return fmt.Errorf("mark sent %d: %w", row.ID, err)
		}
		if !ok {
			// Our claim was taken back by the stale requeue while sending.
			d.logg.Warn(d.logg.WithField(logCtx, "state", enums.OutboxStateSending), "email.outbox.fence_lost")
			res.Lost++
			return nil
		}
		res.Sent++
		d.metrics.Transition(string(enums.OutboxStateSent))
		d.logg.Info(d.logg.WithField(logCtx, "state", enums.OutboxStateSent), "email.outbox.sent")
		return nil
	}

	dead := attempt >= d.retry.MaxAttempts
	next := now.Add(d.backoff(attempt))
	ok, err := d.repo.MarkFailed(ctx, row.ID, token, sendErr.Error(), dead, next, now)
	if err != nil {
		return fmt.Errorf("mark failed %d: %w", row.ID, err)
	}
	if !ok {
		res.Lost++
		return nil
	}
	d.metrics.Transition(string(enums.OutboxStateFailed))
	if dead {
		res.Dead++
		d.metrics.Transition(string(enums.OutboxStateDead))
		d.logg.Alert(d.logg.WithField(logCtx, "state", enums.OutboxStateDead), "email.outbox.dead", sendErr)
		return nil
	}
	res.Retried++
	d.metrics.Transition(string(enums.OutboxStatePending))
	d.logg.Warn(d.logg.WithFields(logCtx, map[string]any{
		"state":           enums.OutboxStatePending,
		"next_attempt_at": next,
		"error":           sendErr.Error(),
	}), "email.outbox.retry_scheduled")
	return nil
}

func (d *Drainer) backoff(attempt int) time.Duration {
	d.rndMu.Lock()
	defer d.rndMu.Unlock()
	return d.retry.Backoff(attempt, d.rnd.Float64)
}
