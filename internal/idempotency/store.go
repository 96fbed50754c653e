package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/leadflow-backend/pkg/config"
	pkgerrors "github.com/angelmondragon/leadflow-backend/pkg/errors"
	pkgredis "github.com/angelmondragon/leadflow-backend/pkg/redis"
)

// HeaderKey is the request header carrying the client idempotency key.
const HeaderKey = "X-Idempotency-Key"

const maxKeyLength = 128

// Backend is the redis surface used for records and reservation locks.
type Backend interface {
	Get(context.Context, string) (string, error)
	Set(context.Context, string, any, time.Duration) error
	AcquireLock(context.Context, string, string, time.Duration) (bool, error)
	ReleaseLock(context.Context, string, string) (bool, error)
	PTTL(context.Context, string) (time.Duration, error)
	IdempotencyKey(scope, id string) string
}

// Record is the committed response replayed for repeated keys.
type Record struct {
	Status      int       `json:"status"`
	ContentType string    `json:"content_type,omitempty"`
	Body        string    `json:"body"`
	RequestHash string    `json:"request_hash"`
	FirstSeenAt time.Time `json:"first_seen_at"`
}

// DecodedBody returns the raw response bytes.
func (r *Record) DecodedBody() ([]byte, error) {
	return base64.StdEncoding.DecodeString(r.Body)
}

// NewRecord builds a record from a captured response.
func NewRecord(status int, contentType string, body []byte, requestHash string, now time.Time) Record {
	return Record{
		Status:      status,
		ContentType: contentType,
		Body:        base64.StdEncoding.EncodeToString(body),
		RequestHash: requestHash,
		FirstSeenAt: now.UTC(),
	}
}

// Reservation is the lock handle of the request that won a key.
type Reservation struct {
	lockKey string
	owner   string
}

var ErrRecordTooLarge = errors.New("idempotency record exceeds size limit")

type Store struct {
	backend Backend
	cfg     config.IdempotencyConfig
	now     func() time.Time
}

func NewStore(backend Backend, cfg config.IdempotencyConfig) *Store {
	return &Store{backend: backend, cfg: cfg, now: time.Now}
}

// ValidateKey accepts 1..128 bytes of printable ASCII.
func ValidateKey(key string) error {
	if key == "" || len(key) > maxKeyLength {
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("%s must be 1-%d bytes", HeaderKey, maxKeyLength))
	}
	for i := 0; i < len(key); i++ {
		if key[i] < 0x21 || key[i] > 0x7e {
			return pkgerrors.New(pkgerrors.CodeValidation, HeaderKey+" must be printable ASCII")
		}
	}
	return nil
}

// HashRequest fingerprints a request body for mismatch logging.
func HashRequest(body []byte) string {
	sum := sha256.Sum256(body)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// Lookup returns the committed record or nil when the key is unseen.
func (s *Store) Lookup(ctx context.Context, scope, key string) (*Record, error) {
	raw, err := s.backend.Get(ctx, s.recordKey(scope, key))
	if errors.Is(err, pkgredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "check idempotency")
	}
	var record Record
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "decode idempotency record")
	}
	return &record, nil
}

// Reserve tries to take the short-lived lock for key. Exactly one concurrent
// caller gets ok=true.
func (s *Store) Reserve(ctx context.Context, scope, key string) (Reservation, bool, error) {
	res := Reservation{lockKey: s.lockKey(scope, key), owner: uuid.NewString()}
	ok, err := s.backend.AcquireLock(ctx, res.lockKey, res.owner, s.cfg.LockTTL)
	if err != nil {
		return Reservation{}, false, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "reserve idempotency key")
	}
	return res, ok, nil
}

// Commit stores record for the configured ttl. Oversized records are not
// stored and ErrRecordTooLarge is returned.
func (s *Store) Commit(ctx context.Context, scope, key string, record Record) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if s.cfg.MaxRecordBytes > 0 && len(payload) > s.cfg.MaxRecordBytes {
		return ErrRecordTooLarge
	}
	return s.backend.Set(ctx, s.recordKey(scope, key), string(payload), s.cfg.TTL)
}

// Release drops the reservation lock if still owned.
func (s *Store) Release(ctx context.Context, res Reservation) error {
	if res.lockKey == "" {
		return nil
	}
	_, err := s.backend.ReleaseLock(ctx, res.lockKey, res.owner)
	return err
}

// Await polls for the winner's record until it is committed, the lock
// disappears, or the wait budget runs out. A nil record means the caller
// should report the key as in progress.
func (s *Store) Await(ctx context.Context, scope, key string) (*Record, error) {
	deadline := s.now().Add(s.cfg.WaitTimeout)
	interval := s.cfg.PollInterval
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	lockKey := s.lockKey(scope, key)
	for {
		record, err := s.Lookup(ctx, scope, key)
		if err != nil || record != nil {
			return record, err
		}
		ttl, err := s.backend.PTTL(ctx, lockKey)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "check idempotency lock")
		}
		// PTTL is negative once the key is gone.
		if ttl < 0 || !s.now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// RetryAfter is the hint handed to a caller that lost the race.
func (s *Store) RetryAfter(ctx context.Context, scope, key string) int {
	ttl, err := s.backend.PTTL(ctx, s.lockKey(scope, key))
	if err != nil || ttl <= 0 {
		return 1
	}
	secs := int((ttl + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

func (s *Store) recordKey(scope, key string) string {
	return s.backend.IdempotencyKey(scope, key)
}

func (s *Store) lockKey(scope, key string) string {
	return s.backend.IdempotencyKey(scope+":lock", key)
}
