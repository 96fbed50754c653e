package middleware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/angelmondragon/leadflow-backend/api/responses"
	"github.com/angelmondragon/leadflow-backend/internal/idempotency"
	pkgerrors "github.com/angelmondragon/leadflow-backend/pkg/errors"
	"github.com/angelmondragon/leadflow-backend/pkg/logger"
)

// Idempotency replays committed responses for repeated X-Idempotency-Key
// values under scope. Requests without the header pass through.
func Idempotency(scope string, store *idempotency.Store, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			key := strings.TrimSpace(r.Header.Get(idempotency.HeaderKey))
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if err := idempotency.ValidateKey(key); err != nil {
				responses.WriteError(ctx, logg, w, err)
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				responses.WriteError(ctx, logg, w, bodyReadError(err))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			requestHash := idempotency.HashRequest(body)

			if logg != nil {
				ctx = logg.WithField(ctx, "idempotency_key", key)
			}

			record, err := store.Lookup(ctx, scope, key)
			if err != nil {
				responses.WriteError(ctx, logg, w, err)
				return
			}
			if record != nil {
				replay(ctx, logg, w, record, requestHash)
				return
			}

			reservation, won, err := store.Reserve(ctx, scope, key)
			if err != nil {
				responses.WriteError(ctx, logg, w, err)
				return
			}
			if !won {
				record, err := store.Await(ctx, scope, key)
				if err != nil {
					responses.WriteError(ctx, logg, w, err)
					return
				}
				if record != nil {
					replay(ctx, logg, w, record, requestHash)
					return
				}
				responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeIdempotencyInProgress, "request with this idempotency key is in progress").
					WithRetryAfter(store.RetryAfter(ctx, scope, key)))
				return
			}
			defer func() {
				// Release on a fresh context so a cancelled request still frees the key.
				releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
				defer cancel()
				if err := store.Release(releaseCtx, reservation); err != nil {
					logError(ctx, logg, "idempotency.release_failed", err)
				}
			}()

			// A previous holder may have committed and released between the
			// lookup above and our reservation.
			record, err = store.Lookup(ctx, scope, key)
			if err != nil {
				responses.WriteError(ctx, logg, w, err)
				return
			}
			if record != nil {
				replay(ctx, logg, w, record, requestHash)
				return
			}

			rec := &responseCapture{ResponseWriter: w}
			next.ServeHTTP(rec, r.WithContext(ctx))

			status := defaultStatus(rec.status)
			if status < 200 || status >= 300 {
				return
			}
			committed := idempotency.NewRecord(status, rec.Header().Get("Content-Type"), rec.body.Bytes(), requestHash, time.Now())
			commitCtx := context.WithoutCancel(ctx)
			if err := store.Commit(commitCtx, scope, key, committed); err != nil {
				if errors.Is(err, idempotency.ErrRecordTooLarge) {
					if logg != nil {
						logg.Warn(ctx, "idempotency.record_too_large")
					}
					return
				}
				logError(ctx, logg, "idempotency.commit_failed", err)
			}
		})
	}
}

func replay(ctx context.Context, logg *logger.Logger, w http.ResponseWriter, record *idempotency.Record, requestHash string) {
	if record.RequestHash != requestHash && logg != nil {
		logg.Warn(ctx, "idempotency.body_mismatch")
	}
	body, err := record.DecodedBody()
	if err != nil {
		responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "decode idempotency record"))
		return
	}
	if record.ContentType != "" {
		w.Header().Set("Content-Type", record.ContentType)
	}
	w.Header().Set("Idempotent-Replayed", "true")
	w.WriteHeader(record.Status)
	_, _ = w.Write(body)
}

func bodyReadError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "request body too large")
	}
	return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request")
}

func defaultStatus(value int) int {
	if value == 0 {
		return http.StatusOK
	}
	return value
}

type responseCapture struct {
	http.ResponseWriter
	body   bytes.Buffer
	status int
}

func (r *responseCapture) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseCapture) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

func logError(ctx context.Context, logg *logger.Logger, msg string, err error) {
	if logg == nil || err == nil {
		return
	}
	logg.Error(ctx, msg, err)
}
