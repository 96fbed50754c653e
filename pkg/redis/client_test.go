package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	raw := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = raw.Close() })
	return NewFromClient(raw), mr
}

func TestDecrFloor(t *testing.T) {
	ctx := context.Background()
	client, mr := newTestClient(t)

	n, err := client.DecrFloor(ctx, "lf:missing")
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
	assert.False(t, mr.Exists("lf:missing"))

	_, err = client.IncrWithTTL(ctx, "lf:c", time.Minute)
	require.NoError(t, err)
	n, err = client.DecrFloor(ctx, "lf:c")
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
	n, err = client.DecrFloor(ctx, "lf:c")
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestSetNXAndGet(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestClient(t)

	ok, err := client.SetNX(ctx, "k", "v1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = client.SetNX(ctx, "k", "v2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	val, err := client.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v1", val)

	require.NoError(t, client.Del(ctx, "k"))
	_, err = client.Get(ctx, "k")
	assert.ErrorIs(t, err, Nil)
}

func TestListAndSortedSetHelpers(t *testing.T) {
	ctx := context.Background()
	client, mr := newTestClient(t)

	require.NoError(t, client.LPush(ctx, "q", "a", "b"))
	moved, err := client.BLMove(ctx, "q", "inflight", 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "a", moved)

	n, err := client.LLen(ctx, "inflight")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	removed, err := client.LRem(ctx, "inflight", 1, "a")
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	require.NoError(t, client.ZAdd(ctx, "delayed", 10, "m1"))
	members, err := mr.ZMembers("delayed")
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, members)
}

func TestExistsAndKeys(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestClient(t)

	ok, err := client.Exists(ctx, "lf:queue:hb:w1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, client.Set(ctx, "lf:queue:hb:w1", "1", time.Minute))
	require.NoError(t, client.LPush(ctx, "lf:queue:leads:inflight:w1", "a"))
	require.NoError(t, client.LPush(ctx, "lf:queue:leads:inflight:w2", "b"))
	require.NoError(t, client.LPush(ctx, "lf:queue:email:inflight:w1", "c"))

	ok, err = client.Exists(ctx, "lf:queue:hb:w1")
	require.NoError(t, err)
	assert.True(t, ok)

	keys, err := client.Keys(ctx, "lf:queue:leads:inflight:*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"lf:queue:leads:inflight:w1", "lf:queue:leads:inflight:w2"}, keys)
}

func TestRunScript(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestClient(t)

	script := redis.NewScript(`return redis.call("INCRBY", KEYS[1], ARGV[1])`)
	res, err := client.RunScript(ctx, script, []string{"lf:n"}, 3)
	require.NoError(t, err)
	assert.EqualValues(t, 3, res)
}

func TestKeyBuilders(t *testing.T) {
	client := &Client{}
	assert.Equal(t, "lf:idempotency:scope:id", client.IdempotencyKey("scope", "id"))
	assert.Equal(t, "lf:rate_limit:leads_ip:abc:42", client.RateLimitKey("leads_ip", "abc", "42"))
	assert.Equal(t, "lf:lock:cron:purge", client.LockKey("cron:purge"))
	assert.Equal(t, "lf:queue:leads:inflight:w1", client.QueueKey("leads", "inflight", "w1"))
}

func TestUninitializedClient(t *testing.T) {
	client := &Client{}
	_, err := client.Get(context.Background(), "k")
	assert.Error(t, err)
	assert.Error(t, client.Ping(context.Background()))
	assert.NoError(t, client.Close())
}

func TestLockOwnership(t *testing.T) {
	ctx := context.Background()
	client, mr := newTestClient(t)
	key := client.LockKey("cron:drain")

	ok, err := client.AcquireLock(ctx, key, "owner-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = client.AcquireLock(ctx, key, "owner-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	released, err := client.ReleaseLock(ctx, key, "owner-b")
	require.NoError(t, err)
	assert.False(t, released)
	assert.True(t, mr.Exists(key))

	released, err = client.ReleaseLock(ctx, key, "owner-a")
	require.NoError(t, err)
	assert.True(t, released)
	assert.False(t, mr.Exists(key))
}
