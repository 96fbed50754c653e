package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/angelmondragon/leadflow-backend/pkg/enums"
	pkgredis "github.com/angelmondragon/leadflow-backend/pkg/redis"
)

const promoteBatch = 100

// promoteDue moves up to ARGV[2] delayed members scored at or below ARGV[1]
// onto the ready list in one step.
var promoteDue = goredis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
for _, raw in ipairs(due) do
  redis.call("ZREM", KEYS[1], raw)
  redis.call("LPUSH", KEYS[2], raw)
end
return #due
`)

// Publisher is what producers need from a broker.
type Publisher interface {
	Enqueue(ctx context.Context, msg Message) error
}

// Broker moves messages between ready, delayed and in-flight sets.
type Broker interface {
	Publisher
	EnqueueAt(ctx context.Context, msg Message, at time.Time) error
	Reserve(ctx context.Context, q enums.QueueName, workerID string, timeout time.Duration) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	PromoteDue(ctx context.Context, q enums.QueueName, now time.Time) (int, error)
	RequeueInflight(ctx context.Context, q enums.QueueName, workerID string) (int, error)
	Heartbeat(ctx context.Context, workerIDs []string, ttl time.Duration) error
	RecoverOrphans(ctx context.Context, q enums.QueueName) (int, error)
	Depth(ctx context.Context, q enums.QueueName) (int64, error)
}

// Delivery is a reserved message still sitting in the worker's in-flight list.
type Delivery struct {
	Message
	raw         string
	inflightKey string
}

type redisStore interface {
	LPush(ctx context.Context, key string, values ...any) error
	BLMove(ctx context.Context, src, dst string, timeout time.Duration) (string, error)
	LMove(ctx context.Context, src, dst string) (string, error)
	LRem(ctx context.Context, key string, count int64, value any) (int64, error)
	LLen(ctx context.Context, key string) (int64, error)
	ZAdd(ctx context.Context, key string, score float64, member string) error
	RunScript(ctx context.Context, script *goredis.Script, keys []string, args ...any) (any, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Exists(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context, pattern string) ([]string, error)
	QueueKey(parts ...string) string
}

// RedisBroker keeps one ready list, one delayed zset and one in-flight list
// per worker for each queue.
type RedisBroker struct {
	store redisStore
}

func NewRedisBroker(store redisStore) *RedisBroker {
	return &RedisBroker{store: store}
}

func (b *RedisBroker) readyKey(q enums.QueueName) string {
	return b.store.QueueKey(string(q), "ready")
}

func (b *RedisBroker) delayedKey(q enums.QueueName) string {
	return b.store.QueueKey(string(q), "delayed")
}

func (b *RedisBroker) inflightKey(q enums.QueueName, workerID string) string {
	return b.store.QueueKey(string(q), "inflight", workerID)
}

func (b *RedisBroker) heartbeatKey(workerID string) string {
	return b.store.QueueKey("heartbeat", workerID)
}

func (b *RedisBroker) Enqueue(ctx context.Context, msg Message) error {
	if !msg.Queue.IsValid() {
		return fmt.Errorf("unknown queue %q", msg.Queue)
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return b.store.LPush(ctx, b.readyKey(msg.Queue), string(raw))
}

func (b *RedisBroker) EnqueueAt(ctx context.Context, msg Message, at time.Time) error {
	if !msg.Queue.IsValid() {
		return fmt.Errorf("unknown queue %q", msg.Queue)
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return b.store.ZAdd(ctx, b.delayedKey(msg.Queue), float64(at.UnixMilli()), string(raw))
}

// Reserve blocks up to timeout for the next ready message and parks it in
// the worker's in-flight list until Ack. It returns nil when nothing arrived.
func (b *RedisBroker) Reserve(ctx context.Context, q enums.QueueName, workerID string, timeout time.Duration) (*Delivery, error) {
	inflight := b.inflightKey(q, workerID)
	raw, err := b.store.BLMove(ctx, b.readyKey(q), inflight, timeout)
	if errors.Is(err, pkgredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		// Poison entry: drop it so the worker does not spin on it.
		_, _ = b.store.LRem(ctx, inflight, 1, raw)
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &Delivery{Message: msg, raw: raw, inflightKey: inflight}, nil
}

func (b *RedisBroker) Ack(ctx context.Context, d *Delivery) error {
	if d == nil {
		return nil
	}
	_, err := b.store.LRem(ctx, d.inflightKey, 1, d.raw)
	return err
}

// PromoteDue moves delayed messages whose time has come to the ready list.
func (b *RedisBroker) PromoteDue(ctx context.Context, q enums.QueueName, now time.Time) (int, error) {
	res, err := b.store.RunScript(ctx, promoteDue, []string{b.delayedKey(q), b.readyKey(q)}, now.UnixMilli(), promoteBatch)
	if err != nil {
		return 0, err
	}
	n, _ := res.(int64)
	return int(n), nil
}

// RequeueInflight returns messages left in a worker's in-flight list by a
// previous crash to the ready list.
func (b *RedisBroker) RequeueInflight(ctx context.Context, q enums.QueueName, workerID string) (int, error) {
	return b.drain(ctx, b.inflightKey(q, workerID), b.readyKey(q))
}

// Heartbeat marks workerIDs alive for ttl. In-flight lists of ids without a
// live heartbeat are reclaimed by RecoverOrphans.
func (b *RedisBroker) Heartbeat(ctx context.Context, workerIDs []string, ttl time.Duration) error {
	for _, id := range workerIDs {
		if err := b.store.Set(ctx, b.heartbeatKey(id), "1", ttl); err != nil {
			return err
		}
	}
	return nil
}

// RecoverOrphans requeues the in-flight lists of q whose worker stopped
// sending heartbeats, typically a process that crashed or was replaced.
func (b *RedisBroker) RecoverOrphans(ctx context.Context, q enums.QueueName) (int, error) {
	prefix := b.inflightKey(q, "") + ":"
	keys, err := b.store.Keys(ctx, prefix+"*")
	if err != nil {
		return 0, err
	}
	moved := 0
	for _, key := range keys {
		workerID := strings.TrimPrefix(key, prefix)
		alive, err := b.store.Exists(ctx, b.heartbeatKey(workerID))
		if err != nil {
			return moved, err
		}
		if alive {
			continue
		}
		n, err := b.drain(ctx, key, b.readyKey(q))
		moved += n
		if err != nil {
			return moved, err
		}
	}
	return moved, nil
}

func (b *RedisBroker) drain(ctx context.Context, src, dst string) (int, error) {
	moved := 0
	for {
		_, err := b.store.LMove(ctx, src, dst)
		if errors.Is(err, pkgredis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, err
		}
		moved++
	}
}

func (b *RedisBroker) Depth(ctx context.Context, q enums.QueueName) (int64, error) {
	return b.store.LLen(ctx, b.readyKey(q))
}
