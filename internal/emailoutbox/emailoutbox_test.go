package emailoutbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/leadflow-backend/pkg/config"
	"github.com/angelmondragon/leadflow-backend/pkg/db"
	"github.com/angelmondragon/leadflow-backend/pkg/db/dbtest"
	"github.com/angelmondragon/leadflow-backend/pkg/email"
	"github.com/angelmondragon/leadflow-backend/pkg/enums"
	"github.com/angelmondragon/leadflow-backend/pkg/logger"
)

type scriptedTransport struct {
	mu    sync.Mutex
	errs  []error
	sent  []email.Message
	calls int
}

func (s *scriptedTransport) Name() enums.EmailTransport { return enums.EmailTransportSMTP }

func (s *scriptedTransport) Probe(context.Context) error { return nil }

func (s *scriptedTransport) Send(_ context.Context, msg email.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return err
		}
	}
	s.sent = append(s.sent, msg)
	return nil
}

type fixture struct {
	client    *db.Client
	repo      *Repository
	outbox    *Outbox
	drainer   *Drainer
	transport *scriptedTransport
	clock     time.Time
}

func newFixture(t *testing.T, cfg config.MailOutboxConfig) *fixture {
	t.Helper()
	client := dbtest.Open(t)
	repo := NewRepository(client.DB())
	tpls, err := email.NewTemplates("")
	require.NoError(t, err)
	logg := logger.New(logger.Options{ServiceName: "test", Output: &bytes.Buffer{}})

	f := &fixture{
		client:    client,
		repo:      repo,
		transport: &scriptedTransport{},
		clock:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.outbox, err = NewOutbox(OutboxParams{
		Repository:  repo,
		Templates:   tpls,
		DefaultFrom: "hello@leadflow.local",
		HighWater:   3,
		Logger:      logg,
	})
	require.NoError(t, err)
	f.outbox.now = func() time.Time { return f.clock }

	f.drainer, err = NewDrainer(DrainerParams{
		Repository: repo,
		Outbox:     f.outbox,
		Transport:  f.transport,
		Config:     cfg,
		Logger:     logg,
	})
	require.NoError(t, err)
	f.drainer.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) enqueue(t *testing.T, key string) {
	t.Helper()
	leadID := uuid.New()
	err := f.client.WithTx(context.Background(), func(tx *gorm.DB) error {
		_, err := f.outbox.EnqueueTx(context.Background(), tx, Draft{
			Template:  "welcome",
			To:        "lead@example.com",
			DedupeKey: key,
			TraceID:   "trace-" + key,
			LeadID:    &leadID,
			Vars: map[string]any{
				"lead": map[string]any{"id": leadID.String(), "form_kind": "contact", "name": "Ada"},
			},
		})
		return err
	})
	require.NoError(t, err)
}

func defaultCfg() config.MailOutboxConfig {
	return config.MailOutboxConfig{
		BatchSize:   10,
		MaxAttempts: 5,
		BaseBackoff: time.Minute,
		MaxBackoff:  time.Hour,
		StaleAfter:  10 * time.Minute,
	}
}

func TestEnqueueRendersAtEnqueueAndDedupes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultCfg())

	f.enqueue(t, "lead:1:welcome")
	f.enqueue(t, "lead:1:welcome")

	row, err := f.repo.FindByDedupeKey(ctx, "lead:1:welcome")
	require.NoError(t, err)
	assert.Equal(t, "Thanks for reaching out, Ada", row.Subject)
	assert.Contains(t, row.TextBody, "Hi Ada")
	assert.Equal(t, "hello@leadflow.local", row.FromAddress)
	assert.Equal(t, enums.OutboxStatePending, row.State)
	assert.Zero(t, row.Attempts)

	n, err := f.outbox.Backlog(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestEnqueueRolledBackLeavesNoRow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultCfg())

	err := f.client.WithTx(ctx, func(tx *gorm.DB) error {
		if _, err := f.outbox.EnqueueTx(ctx, tx, Draft{
			Template: "welcome", To: "a@b.com", DedupeKey: "k",
			Vars: map[string]any{"lead": map[string]any{"id": "x", "form_kind": "contact"}},
		}); err != nil {
			return err
		}
		return errors.New("lead insert failed")
	})
	require.Error(t, err)

	n, err := f.repo.CountBacklog(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEnqueueValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultCfg())

	_, err := f.outbox.EnqueueTx(ctx, nil, Draft{})
	require.Error(t, err)

	err = f.client.WithTx(ctx, func(tx *gorm.DB) error {
		_, err := f.outbox.EnqueueTx(ctx, tx, Draft{Template: "welcome", To: "not-an-address", DedupeKey: "k"})
		return err
	})
	require.Error(t, err)

	err = f.client.WithTx(ctx, func(tx *gorm.DB) error {
		_, err := f.outbox.EnqueueTx(ctx, tx, Draft{Template: "nope", To: "a@b.com", DedupeKey: "k"})
		return err
	})
	require.ErrorIs(t, err, email.ErrTemplateNotFound)
}

func TestDrainRetriesThenSends(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultCfg())
	f.transport.errs = []error{errors.New("421 try later"), errors.New("connection reset"), nil}
	f.enqueue(t, "lead:2:welcome")

	var states []enums.OutboxState
	var attempts []int
	for i := 0; i < 3; i++ {
		_, err := f.drainer.Drain(ctx)
		require.NoError(t, err)
		row, err := f.repo.FindByDedupeKey(ctx, "lead:2:welcome")
		require.NoError(t, err)
		states = append(states, row.State)
		attempts = append(attempts, row.Attempts)
		f.clock = f.clock.Add(2 * time.Hour)
	}

	assert.Equal(t, []enums.OutboxState{enums.OutboxStatePending, enums.OutboxStatePending, enums.OutboxStateSent}, states)
	assert.Equal(t, []int{1, 2, 3}, attempts)

	row, err := f.repo.FindByDedupeKey(ctx, "lead:2:welcome")
	require.NoError(t, err)
	assert.Nil(t, row.LastError)
	assert.NotNil(t, row.SentAt)
	require.Len(t, f.transport.sent, 1)
	assert.Equal(t, "lead@example.com", f.transport.sent[0].To)

	// sent is terminal
	_, err = f.drainer.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, f.transport.calls)
}

func TestDrainBackoffDefersRetry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultCfg())
	f.transport.errs = []error{errors.New("boom")}
	f.enqueue(t, "k")

	_, err := f.drainer.Drain(ctx)
	require.NoError(t, err)
	row, err := f.repo.FindByDedupeKey(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, row.LastError)
	assert.Equal(t, "boom", *row.LastError)
	assert.True(t, row.NextAttemptAt.After(f.clock))

	res, err := f.drainer.Drain(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Claimed)
	assert.Equal(t, 1, f.transport.calls)
}

func TestDrainKeepsLongErrorsValidUTF8(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultCfg())
	f.transport.errs = []error{errors.New("x" + strings.Repeat("é", 600))}
	f.enqueue(t, "k")

	_, err := f.drainer.Drain(ctx)
	require.NoError(t, err)
	row, err := f.repo.FindByDedupeKey(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, enums.OutboxStatePending, row.State)
	require.NotNil(t, row.LastError)
	assert.True(t, utf8.ValidString(*row.LastError))
	assert.Len(t, *row.LastError, maxLastErrorLen-1)
}

func TestDrainMarksDeadAtCap(t *testing.T) {
	ctx := context.Background()
	cfg := defaultCfg()
	cfg.MaxAttempts = 2
	f := newFixture(t, cfg)
	f.transport.errs = []error{errors.New("e1"), errors.New("e2"), errors.New("e3")}
	f.enqueue(t, "k")

	for i := 0; i < 3; i++ {
		_, err := f.drainer.Drain(ctx)
		require.NoError(t, err)
		f.clock = f.clock.Add(2 * time.Hour)
	}
	row, err := f.repo.FindByDedupeKey(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, enums.OutboxStateDead, row.State)
	assert.Equal(t, 2, row.Attempts)
	assert.Equal(t, 2, f.transport.calls)
}

func TestClaimIsExclusiveAndFenced(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultCfg())
	f.enqueue(t, "k")
	row, err := f.repo.FindByDedupeKey(ctx, "k")
	require.NoError(t, err)

	ok, err := f.repo.Claim(ctx, row.ID, "token-a", f.clock)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = f.repo.Claim(ctx, row.ID, "token-b", f.clock)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = f.repo.MarkSent(ctx, row.ID, "token-b", f.clock)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = f.repo.MarkSent(ctx, row.ID, "token-a", f.clock)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.repo.MarkFailed(ctx, row.ID, "token-a", "late", false, f.clock, f.clock)
	require.NoError(t, err)
	assert.False(t, ok)
	got, err := f.repo.Get(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.OutboxStateSent, got.State)
}

func TestDrainRequeuesStaleSending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultCfg())
	f.enqueue(t, "k")
	row, err := f.repo.FindByDedupeKey(ctx, "k")
	require.NoError(t, err)

	ok, err := f.repo.Claim(ctx, row.ID, "crashed-drainer", f.clock)
	require.NoError(t, err)
	require.True(t, ok)

	f.clock = f.clock.Add(11 * time.Minute)
	res, err := f.drainer.Drain(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Requeued)
	assert.Equal(t, 1, res.Sent)

	got, err := f.repo.Get(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.OutboxStateSent, got.State)
	assert.Equal(t, 2, got.Attempts)
}

func TestDrainOrderAndBatch(t *testing.T) {
	ctx := context.Background()
	cfg := defaultCfg()
	cfg.BatchSize = 2
	f := newFixture(t, cfg)
	for i := 0; i < 3; i++ {
		f.enqueue(t, fmt.Sprintf("k%d", i))
		f.clock = f.clock.Add(time.Second)
	}

	res, err := f.drainer.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sent)
	require.Len(t, f.transport.sent, 2)

	first, err := f.repo.FindByDedupeKey(ctx, "k0")
	require.NoError(t, err)
	last, err := f.repo.FindByDedupeKey(ctx, "k2")
	require.NoError(t, err)
	assert.Equal(t, enums.OutboxStateSent, first.State)
	assert.Equal(t, enums.OutboxStatePending, last.State)
}

func TestHighWater(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultCfg())
	for i := 0; i < 3; i++ {
		f.enqueue(t, fmt.Sprintf("k%d", i))
	}
	above, n, err := f.outbox.AboveHighWater(ctx)
	require.NoError(t, err)
	assert.True(t, above)
	assert.EqualValues(t, 3, n)

	f.outbox.highWater = 0
	above, _, err = f.outbox.AboveHighWater(ctx)
	require.NoError(t, err)
	assert.False(t, above)
}

func TestDeleteFinishedBefore(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultCfg())
	f.enqueue(t, "sent")
	f.enqueue(t, "pending")
	row, err := f.repo.FindByDedupeKey(ctx, "sent")
	require.NoError(t, err)
	ok, err := f.repo.Claim(ctx, row.ID, "t", f.clock)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = f.repo.MarkSent(ctx, row.ID, "t", f.clock)
	require.NoError(t, err)
	require.True(t, ok)

	n, err := f.repo.DeleteFinishedBefore(ctx, nil, f.clock.Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	backlog, err := f.repo.CountBacklog(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, backlog)
}
