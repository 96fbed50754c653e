package queue

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/leadflow-backend/pkg/config"
	"github.com/angelmondragon/leadflow-backend/pkg/enums"
	"github.com/angelmondragon/leadflow-backend/pkg/logger"
	pkgredis "github.com/angelmondragon/leadflow-backend/pkg/redis"
)

func testQueueConfig() config.QueueConfig {
	return config.QueueConfig{
		Concurrency:       map[string]int{"leads": 1},
		MaxAttempts:       3,
		BaseBackoff:       time.Second,
		MaxBackoff:        time.Minute,
		SoftTimeLimit:     time.Second,
		HardTimeLimit:     2 * time.Second,
		MaxTasksPerWorker: 10,
		ReserveTimeout:    20 * time.Millisecond,
		DoneTTL:           time.Hour,
	}
}

type harness struct {
	client *pkgredis.Client
	mr     *miniredis.Miniredis
	broker *RedisBroker
}

func newHarness(t *testing.T) harness {
	t.Helper()
	mr := miniredis.RunT(t)
	raw := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = raw.Close() })
	client := pkgredis.NewFromClient(raw)
	return harness{client: client, mr: mr, broker: NewRedisBroker(client)}
}

func (h harness) runner(t *testing.T, reg *Registry) *Runner {
	t.Helper()
	done, err := NewDoneMarker(h.client, time.Hour)
	require.NoError(t, err)
	r, err := NewRunner(RunnerParams{
		Config:   testQueueConfig(),
		WorkerID: "w1",
		Broker:   h.broker,
		Registry: reg,
		Done:     done,
		Logger:   logger.New(logger.Options{ServiceName: "test", Output: io.Discard}),
	})
	require.NoError(t, err)
	r.rnd = func() float64 { return 0.5 }
	return r
}

func mustMessage(t *testing.T, key string) Message {
	t.Helper()
	msg, err := NewMessage(enums.TaskLeadValidate, enums.QueueLeads, key, map[string]string{"lead_id": key}, "trace-1")
	require.NoError(t, err)
	return msg
}

func TestBrokerReserveAckAndRequeue(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	require.NoError(t, h.broker.Enqueue(ctx, mustMessage(t, "a")))
	require.NoError(t, h.broker.Enqueue(ctx, mustMessage(t, "b")))

	d, err := h.broker.Reserve(ctx, enums.QueueLeads, "w1", 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "a", d.Key)

	depth, err := h.broker.Depth(ctx, enums.QueueLeads)
	require.NoError(t, err)
	assert.EqualValues(t, 1, depth)

	moved, err := h.broker.RequeueInflight(ctx, enums.QueueLeads, "w1")
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	d, err = h.broker.Reserve(ctx, enums.QueueLeads, "w1", 10*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, h.broker.Ack(ctx, d))
	n, err := h.client.LLen(ctx, h.client.QueueKey("leads", "inflight", "w1"))
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestBrokerReserveEmpty(t *testing.T) {
	h := newHarness(t)
	d, err := h.broker.Reserve(context.Background(), enums.QueueEmail, "w1", 10*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestBrokerPromoteDue(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	now := time.Now()

	require.NoError(t, h.broker.EnqueueAt(ctx, mustMessage(t, "soon"), now.Add(-time.Second)))
	require.NoError(t, h.broker.EnqueueAt(ctx, mustMessage(t, "later"), now.Add(time.Hour)))

	moved, err := h.broker.PromoteDue(ctx, enums.QueueLeads, now)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	moved, err = h.broker.PromoteDue(ctx, enums.QueueLeads, now)
	require.NoError(t, err)
	assert.Equal(t, 0, moved)

	d, err := h.broker.Reserve(ctx, enums.QueueLeads, "w1", 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "soon", d.Key)
}

func TestBrokerRecoverOrphans(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	require.NoError(t, h.broker.Enqueue(ctx, mustMessage(t, "a")))
	require.NoError(t, h.broker.Enqueue(ctx, mustMessage(t, "b")))
	_, err := h.broker.Reserve(ctx, enums.QueueLeads, "gone:leads:0", 10*time.Millisecond)
	require.NoError(t, err)
	_, err = h.broker.Reserve(ctx, enums.QueueLeads, "live:leads:0", 10*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, h.broker.Heartbeat(ctx, []string{"live:leads:0"}, time.Minute))

	moved, err := h.broker.RecoverOrphans(ctx, enums.QueueLeads)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	depth, err := h.broker.Depth(ctx, enums.QueueLeads)
	require.NoError(t, err)
	assert.EqualValues(t, 1, depth)
	n, err := h.client.LLen(ctx, h.client.QueueKey("leads", "inflight", "live:leads:0"))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	// once the heartbeat lapses the live slot is reclaimed too
	h.mr.FastForward(2 * time.Minute)
	moved, err = h.broker.RecoverOrphans(ctx, enums.QueueLeads)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)
}

func TestEnqueueRejectsUnknownQueue(t *testing.T) {
	h := newHarness(t)
	msg := mustMessage(t, "x")
	msg.Queue = "bulk"
	assert.Error(t, h.broker.Enqueue(context.Background(), msg))
}

func TestRetryPolicyBackoff(t *testing.T) {
	p := RetryPolicy{BaseBackoff: time.Second, MaxBackoff: 5 * time.Second}
	mid := func() float64 { return 0.5 }
	assert.Equal(t, time.Second, p.Backoff(1, mid))
	assert.Equal(t, 2*time.Second, p.Backoff(2, mid))
	assert.Equal(t, 4*time.Second, p.Backoff(3, mid))
	assert.Equal(t, 5*time.Second, p.Backoff(4, mid))

	p.Jitter = 0.2
	assert.Equal(t, 1200*time.Millisecond, p.Backoff(1, func() float64 { return 1 }))
	assert.Equal(t, 800*time.Millisecond, p.Backoff(1, func() float64 { return 0 }))
}

func TestRegistryDefaultsAndValidation(t *testing.T) {
	reg := NewRegistry(testQueueConfig())
	noop := func(context.Context, Message) error { return nil }

	require.NoError(t, reg.Register(Definition{Name: enums.TaskLeadValidate, Queue: enums.QueueLeads, Handler: noop}))
	def, ok := reg.Lookup(enums.TaskLeadValidate)
	require.True(t, ok)
	assert.Equal(t, 3, def.Retry.MaxAttempts)
	assert.Equal(t, time.Second, def.SoftLimit)
	assert.Equal(t, 2*time.Second, def.HardLimit)

	assert.Error(t, reg.Register(Definition{Name: enums.TaskLeadValidate, Queue: enums.QueueLeads, Handler: noop}))
	assert.Error(t, reg.Register(Definition{Name: enums.TaskLeadEnrich, Queue: "bulk", Handler: noop}))
	assert.Error(t, reg.Register(Definition{Name: enums.TaskLeadRoute}))

	require.NoError(t, reg.Register(Definition{Name: enums.TaskAnalyticsTrack, Queue: enums.QueueAnalytics, Handler: noop}))
	assert.Equal(t, []enums.QueueName{enums.QueueAnalytics, enums.QueueLeads}, reg.Queues())
}

func TestProcessSuccessAndDuplicate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	var calls int32
	reg := NewRegistry(testQueueConfig())
	reg.MustRegister(Definition{Name: enums.TaskLeadValidate, Queue: enums.QueueLeads, Handler: func(context.Context, Message) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}})
	r := h.runner(t, reg)

	msg := mustMessage(t, "lead-1:validate")
	require.NoError(t, r.Process(ctx, msg))
	require.NoError(t, r.Process(ctx, msg))
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestProcessRerunsAfterInterruptedRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	var calls int32
	reg := NewRegistry(testQueueConfig())
	reg.MustRegister(Definition{Name: enums.TaskLeadValidate, Queue: enums.QueueLeads, Handler: func(context.Context, Message) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}})
	r := h.runner(t, reg)
	msg := mustMessage(t, "lead-1:validate")

	// A first delivery took the lease and its worker died before finishing.
	claim, err := r.done.Claim(ctx, msg.Task, msg.Key, 7*time.Second)
	require.NoError(t, err)
	require.Equal(t, ClaimAcquired, claim.State)

	// While the lease is live the redelivery is parked, not dropped.
	require.NoError(t, r.Process(ctx, msg))
	assert.EqualValues(t, 0, atomic.LoadInt32(&calls))
	members, err := h.mr.ZMembers(h.client.QueueKey("leads", "delayed"))
	require.NoError(t, err)
	assert.Len(t, members, 1)

	h.mr.FastForward(8 * time.Second)
	require.NoError(t, r.Process(ctx, msg))
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	assert.True(t, h.mr.Exists(h.client.IdempotencyKey("task:leads.validate", "lead-1:validate")))

	require.NoError(t, r.Process(ctx, msg))
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestDoneMarkerClaimStates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	done, err := NewDoneMarker(h.client, time.Hour)
	require.NoError(t, err)

	first, err := done.Claim(ctx, enums.TaskLeadValidate, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, ClaimAcquired, first.State)

	second, err := done.Claim(ctx, enums.TaskLeadValidate, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, ClaimBusy, second.State)
	// a non-holder cannot drop the lease
	require.NoError(t, done.Release(ctx, second))
	assert.True(t, h.mr.Exists(h.client.IdempotencyKey("task:leads.validate:running", "k")))

	require.NoError(t, done.Complete(ctx, first))
	assert.False(t, h.mr.Exists(h.client.IdempotencyKey("task:leads.validate:running", "k")))

	third, err := done.Claim(ctx, enums.TaskLeadValidate, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, ClaimDone, third.State)

	_, err = done.Claim(ctx, enums.TaskLeadValidate, "", time.Minute)
	assert.Error(t, err)
}

func TestProcessSchedulesRetryWithBackoff(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	reg := NewRegistry(testQueueConfig())
	reg.MustRegister(Definition{Name: enums.TaskLeadValidate, Queue: enums.QueueLeads, Handler: func(context.Context, Message) error {
		return errors.New("db unavailable")
	}})
	r := h.runner(t, reg)
	now := time.Unix(1_700_000_000, 0)
	r.now = func() time.Time { return now }

	require.NoError(t, r.Process(ctx, mustMessage(t, "lead-1:validate")))

	members, err := h.mr.ZMembers(h.client.QueueKey("leads", "delayed"))
	require.NoError(t, err)
	require.Len(t, members, 1)
	score, err := h.mr.ZScore(h.client.QueueKey("leads", "delayed"), members[0])
	require.NoError(t, err)
	assert.Equal(t, float64(now.Add(time.Second).UnixMilli()), score)
	assert.Contains(t, members[0], `"attempt":2`)

	// neither the done marker nor the running lease survive a failed attempt
	assert.False(t, h.mr.Exists(h.client.IdempotencyKey("task:leads.validate", "lead-1:validate")))
	assert.False(t, h.mr.Exists(h.client.IdempotencyKey("task:leads.validate:running", "lead-1:validate")))
}

func TestProcessDeadAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	var deadCause error
	reg := NewRegistry(testQueueConfig())
	reg.MustRegister(Definition{
		Name:    enums.TaskLeadValidate,
		Queue:   enums.QueueLeads,
		Handler: func(context.Context, Message) error { return errors.New("still broken") },
		OnDead:  func(_ context.Context, _ Message, cause error) { deadCause = cause },
	})
	r := h.runner(t, reg)

	msg := mustMessage(t, "lead-1:validate")
	msg.Attempt = 3
	require.NoError(t, r.Process(ctx, msg))
	require.Error(t, deadCause)
	assert.False(t, h.mr.Exists(h.client.QueueKey("leads", "delayed")))
}

func TestProcessPermanentFailureSkipsRetries(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	dead := false
	reg := NewRegistry(testQueueConfig())
	reg.MustRegister(Definition{
		Name:    enums.TaskLeadValidate,
		Queue:   enums.QueueLeads,
		Handler: func(context.Context, Message) error { return Permanent(errors.New("bad payload")) },
		OnDead:  func(context.Context, Message, error) { dead = true },
	})
	r := h.runner(t, reg)
	require.NoError(t, r.Process(ctx, mustMessage(t, "k")))
	assert.True(t, dead)
}

func TestExecuteSoftAndHardLimits(t *testing.T) {
	h := newHarness(t)
	reg := NewRegistry(testQueueConfig())
	r := h.runner(t, reg)

	soft := Definition{
		SoftLimit: 20 * time.Millisecond,
		HardLimit: time.Second,
		Handler: func(ctx context.Context, _ Message) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}
	err := r.execute(context.Background(), soft, Message{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release := make(chan struct{})
	defer close(release)
	hard := Definition{
		SoftLimit: 10 * time.Millisecond,
		HardLimit: 30 * time.Millisecond,
		Handler: func(context.Context, Message) error {
			<-release
			return nil
		},
	}
	err = r.execute(context.Background(), hard, Message{})
	assert.ErrorIs(t, err, ErrHardTimeLimit)

	panicky := Definition{SoftLimit: time.Second, HardLimit: time.Second, Handler: func(context.Context, Message) error { panic("boom") }}
	err = r.execute(context.Background(), panicky, Message{})
	assert.ErrorContains(t, err, "boom")
}

func TestRunnerRecoversTasksFromCrashedWorker(t *testing.T) {
	h := newHarness(t)
	handled := make(chan Message, 1)
	reg := NewRegistry(testQueueConfig())
	reg.MustRegister(Definition{Name: enums.TaskLeadValidate, Queue: enums.QueueLeads, Handler: func(_ context.Context, msg Message) error {
		handled <- msg
		return nil
	}})

	// A previous process reserved the task under its own id and never acked.
	require.NoError(t, h.broker.Enqueue(context.Background(), mustMessage(t, "lead-3:validate")))
	d, err := h.broker.Reserve(context.Background(), enums.QueueLeads, "old-host:leads:0", 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, d)

	r := h.runner(t, reg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()

	select {
	case msg := <-handled:
		assert.Equal(t, "lead-3:validate", msg.Key)
	case <-time.After(2 * time.Second):
		t.Fatal("orphaned task was not recovered")
	}
	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}
}

func TestRunnerConsumesQueue(t *testing.T) {
	h := newHarness(t)
	handled := make(chan Message, 1)
	reg := NewRegistry(testQueueConfig())
	reg.MustRegister(Definition{Name: enums.TaskLeadValidate, Queue: enums.QueueLeads, Handler: func(_ context.Context, msg Message) error {
		handled <- msg
		return nil
	}})
	r := h.runner(t, reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()

	require.NoError(t, h.broker.Enqueue(ctx, mustMessage(t, "lead-9:validate")))
	select {
	case msg := <-handled:
		assert.Equal(t, "lead-9:validate", msg.Key)
	case <-time.After(2 * time.Second):
		t.Fatal("task was not consumed")
	}
	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}
}
