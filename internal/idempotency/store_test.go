package idempotency

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/leadflow-backend/pkg/config"
	pkgerrors "github.com/angelmondragon/leadflow-backend/pkg/errors"
	pkgredis "github.com/angelmondragon/leadflow-backend/pkg/redis"
)

func testConfig() config.IdempotencyConfig {
	return config.IdempotencyConfig{
		TTL:            24 * time.Hour,
		LockTTL:        30 * time.Second,
		WaitTimeout:    200 * time.Millisecond,
		PollInterval:   10 * time.Millisecond,
		MaxRecordBytes: 1024,
	}
}

func newStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	raw := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = raw.Close() })
	return NewStore(pkgredis.NewFromClient(raw), testConfig()), mr
}

func TestValidateKey(t *testing.T) {
	require.NoError(t, ValidateKey("k1"))
	require.NoError(t, ValidateKey(strings.Repeat("a", 128)))

	for _, bad := range []string{"", strings.Repeat("a", 129), "has space", "tab\t", "ünicode"} {
		err := ValidateKey(bad)
		require.Error(t, err, bad)
		assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
	}
}

func TestReserveIsExclusive(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)

	first, ok, err := store.Reserve(ctx, "leads.collect", "k1")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = store.Reserve(ctx, "leads.collect", "k1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 30, store.RetryAfter(ctx, "leads.collect", "k1"))

	require.NoError(t, store.Release(ctx, first))
	_, ok, err = store.Reserve(ctx, "leads.collect", "k1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCommitAndLookup(t *testing.T) {
	ctx := context.Background()
	store, mr := newStore(t)

	record, err := store.Lookup(ctx, "leads.collect", "k1")
	require.NoError(t, err)
	assert.Nil(t, record)

	rec := NewRecord(202, "application/json", []byte(`{"lead_id":"x"}`), HashRequest([]byte("b")), time.Now())
	require.NoError(t, store.Commit(ctx, "leads.collect", "k1", rec))
	assert.Equal(t, 24*time.Hour, mr.TTL("lf:idempotency:leads.collect:k1"))

	record, err = store.Lookup(ctx, "leads.collect", "k1")
	require.NoError(t, err)
	require.NotNil(t, record)
	body, err := record.DecodedBody()
	require.NoError(t, err)
	assert.Equal(t, `{"lead_id":"x"}`, string(body))
	assert.Equal(t, 202, record.Status)
}

func TestCommitSkipsOversizedRecords(t *testing.T) {
	ctx := context.Background()
	store, mr := newStore(t)

	rec := NewRecord(202, "application/json", []byte(strings.Repeat("x", 2048)), "h", time.Now())
	err := store.Commit(ctx, "leads.collect", "big", rec)
	assert.ErrorIs(t, err, ErrRecordTooLarge)
	assert.False(t, mr.Exists("lf:idempotency:leads.collect:big"))
}

func TestAwaitReturnsCommittedRecord(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)

	res, ok, err := store.Reserve(ctx, "leads.collect", "k1")
	require.NoError(t, err)
	require.True(t, ok)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = store.Commit(ctx, "leads.collect", "k1", NewRecord(202, "application/json", []byte("{}"), "h", time.Now()))
		_ = store.Release(ctx, res)
	}()

	record, err := store.Await(ctx, "leads.collect", "k1")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, 202, record.Status)
}

func TestAwaitGivesUpWhileLockHeld(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)

	_, ok, err := store.Reserve(ctx, "leads.collect", "k1")
	require.NoError(t, err)
	require.True(t, ok)

	start := time.Now()
	record, err := store.Await(ctx, "leads.collect", "k1")
	require.NoError(t, err)
	assert.Nil(t, record)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}
