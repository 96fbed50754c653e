package cron

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/angelmondragon/leadflow-backend/pkg/enums"
	"github.com/angelmondragon/leadflow-backend/pkg/logger"
	"github.com/angelmondragon/leadflow-backend/pkg/queue"
	pkgredis "github.com/angelmondragon/leadflow-backend/pkg/redis"
)

type capturePublisher struct {
	messages []queue.Message
	err      error
}

func (p *capturePublisher) Enqueue(ctx context.Context, msg queue.Message) error {
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, msg)
	return nil
}

func testLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
}

func newLockClient(t *testing.T) (*pkgredis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	raw := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = raw.Close() })
	return pkgredis.NewFromClient(raw), mr
}

func newBeat(t *testing.T, locks LockProvider, pub queue.Publisher, at time.Time) (*Service, Entry) {
	t.Helper()
	registry, err := NewRegistry(Entry{
		Task:  enums.TaskOutboxDrain,
		Queue: enums.QueueEmail,
		Spec:  "@every 1m",
		Job:   &testJob{name: "outbox-drainer"},
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	svc, err := NewService(ServiceParams{
		Logger:    testLogger(),
		Registry:  registry,
		Publisher: pub,
		Locks:     locks,
		LockTTL:   time.Minute,
	})
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	svc.now = func() time.Time { return at }
	return svc, registry.Entries()[0]
}

func TestFireEnqueuesOncePerFiringAcrossInstances(t *testing.T) {
	client, mr := newLockClient(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	pub := &capturePublisher{}

	first, entry := newBeat(t, client, pub, at)
	second, _ := newBeat(t, client, pub, at)

	fired, err := first.Fire(context.Background(), entry)
	if err != nil || !fired {
		t.Fatalf("expected first fire, got fired=%v err=%v", fired, err)
	}
	fired, err = second.Fire(context.Background(), entry)
	if err != nil {
		t.Fatalf("second fire: %v", err)
	}
	if fired {
		t.Fatalf("expected second instance to be locked out")
	}
	if len(pub.messages) != 1 {
		t.Fatalf("expected 1 message got %d", len(pub.messages))
	}

	msg := pub.messages[0]
	if msg.Task != enums.TaskOutboxDrain || msg.Queue != enums.QueueEmail {
		t.Fatalf("unexpected message routing %s/%s", msg.Task, msg.Queue)
	}
	var payload SchedulePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if !payload.ScheduledAt.Equal(at) {
		t.Fatalf("expected scheduled_at %s got %s", at, payload.ScheduledAt)
	}

	// Lock expiry opens the next firing.
	mr.FastForward(2 * time.Minute)
	second.now = func() time.Time { return at.Add(time.Minute) }
	fired, err = second.Fire(context.Background(), entry)
	if err != nil || !fired {
		t.Fatalf("expected fire after ttl, got fired=%v err=%v", fired, err)
	}
	if pub.messages[1].Key == msg.Key {
		t.Fatalf("expected a distinct key per firing")
	}
}

func TestFireReleasesLockWhenEnqueueFails(t *testing.T) {
	client, _ := newLockClient(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	failing, entry := newBeat(t, client, &capturePublisher{err: errors.New("redis down")}, at)
	if _, err := failing.Fire(context.Background(), entry); err == nil {
		t.Fatalf("expected enqueue error")
	}

	pub := &capturePublisher{}
	healthy, _ := newBeat(t, client, pub, at)
	fired, err := healthy.Fire(context.Background(), entry)
	if err != nil || !fired {
		t.Fatalf("expected retry to fire, got fired=%v err=%v", fired, err)
	}
	if len(pub.messages) != 1 {
		t.Fatalf("expected 1 message got %d", len(pub.messages))
	}
}

func TestRedisLockReleaseRequiresOwnership(t *testing.T) {
	client, _ := newLockClient(t)
	ctx := context.Background()

	a, err := NewRedisLock(client, client.LockKey("cron:test"), time.Minute)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	b, _ := NewRedisLock(client, client.LockKey("cron:test"), time.Minute)

	if ok, err := a.Acquire(ctx); err != nil || !ok {
		t.Fatalf("expected acquire, got ok=%v err=%v", ok, err)
	}
	if ok, _ := b.Acquire(ctx); ok {
		t.Fatalf("expected second lock to fail")
	}
	if err := b.Release(ctx); err != nil {
		t.Fatalf("release by non-owner: %v", err)
	}
	if ok, _ := b.Acquire(ctx); ok {
		t.Fatalf("non-owner release must not free the lock")
	}
	if err := a.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, _ := b.Acquire(ctx); !ok {
		t.Fatalf("expected acquire after owner release")
	}
}
