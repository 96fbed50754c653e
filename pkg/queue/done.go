package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/angelmondragon/leadflow-backend/pkg/enums"
)

// claimRun returns 0 when KEYS[1] (done) exists, 1 when the running lease
// KEYS[2] was taken for ARGV[1], and 2 when another run holds the lease.
var claimRun = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
if redis.call("SET", KEYS[2], ARGV[1], "NX", "PX", ARGV[2]) then
  return 1
end
return 2
`)

type doneStore interface {
	RunScript(ctx context.Context, script *goredis.Script, keys []string, args ...any) (any, error)
	Set(context.Context, string, any, time.Duration) error
	ReleaseLock(context.Context, string, string) (bool, error)
	IdempotencyKey(scope, id string) string
}

// ClaimState is the outcome of DoneMarker.Claim.
type ClaimState int

const (
	// ClaimAcquired means the caller holds the running lease and must run the task.
	ClaimAcquired ClaimState = iota
	// ClaimDone means a previous run already succeeded.
	ClaimDone
	// ClaimBusy means another run holds an unexpired lease.
	ClaimBusy
)

// Claim is the lease handle returned by DoneMarker.Claim.
type Claim struct {
	State   ClaimState
	doneKey string
	runKey  string
	owner   string
}

// DoneMarker records task keys that already ran so redelivered messages are
// skipped. A run first takes a lease under
// lf:idempotency:task:<task>:running:<key>; the done marker at
// lf:idempotency:task:<task>:<key> is only written after success, so a run
// that dies mid-flight becomes retryable once its lease expires.
type DoneMarker struct {
	store doneStore
	ttl   time.Duration
}

func NewDoneMarker(store doneStore, ttl time.Duration) (*DoneMarker, error) {
	if store == nil {
		return nil, errors.New("done marker store is required")
	}
	if ttl < 0 {
		return nil, errors.New("ttl must be non-negative")
	}
	return &DoneMarker{store: store, ttl: ttl}, nil
}

// Claim checks the done marker and takes the running lease for lease.
func (m *DoneMarker) Claim(ctx context.Context, task enums.TaskName, key string, lease time.Duration) (Claim, error) {
	if lease <= 0 {
		return Claim{}, errors.New("lease must be positive")
	}
	doneKey, runKey, err := m.keys(task, key)
	if err != nil {
		return Claim{}, err
	}
	owner := uuid.NewString()
	res, err := m.store.RunScript(ctx, claimRun, []string{doneKey, runKey}, owner, lease.Milliseconds())
	if err != nil {
		return Claim{}, err
	}
	c := Claim{doneKey: doneKey, runKey: runKey, owner: owner}
	switch n, _ := res.(int64); n {
	case 0:
		c.State = ClaimDone
	case 1:
		c.State = ClaimAcquired
	default:
		c.State = ClaimBusy
	}
	return c, nil
}

// Complete writes the done marker and drops the lease.
func (m *DoneMarker) Complete(ctx context.Context, c Claim) error {
	if c.State != ClaimAcquired {
		return nil
	}
	if err := m.store.Set(ctx, c.doneKey, "1", m.ttl); err != nil {
		return err
	}
	_, err := m.store.ReleaseLock(ctx, c.runKey, c.owner)
	return err
}

// Release drops the lease without marking the key done so a retry can run.
func (m *DoneMarker) Release(ctx context.Context, c Claim) error {
	if c.State != ClaimAcquired {
		return nil
	}
	_, err := m.store.ReleaseLock(ctx, c.runKey, c.owner)
	return err
}

func (m *DoneMarker) keys(task enums.TaskName, key string) (string, string, error) {
	if task == "" {
		return "", "", errors.New("task name is required")
	}
	if key == "" {
		return "", "", errors.New("task key is required")
	}
	scope := fmt.Sprintf("task:%s", task)
	return m.store.IdempotencyKey(scope, key), m.store.IdempotencyKey(scope+":running", key), nil
}
