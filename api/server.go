package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/angelmondragon/leadflow-backend/pkg/config"
	"github.com/angelmondragon/leadflow-backend/pkg/logger"
)

// NewServer builds the HTTP server cmd/api listens with. Per-endpoint
// deadlines are applied by the router; these bound the connection itself.
func NewServer(addr string, handler http.Handler, cfg config.HTTPConfig) *http.Server {
	write := cfg.CollectTimeout
	if cfg.SignTimeout > write {
		write = cfg.SignTimeout
	}
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      write + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// Serve runs srv until ctx is cancelled, then drains in-flight requests for
// at most shutdownTimeout.
func Serve(ctx context.Context, srv *http.Server, shutdownTimeout time.Duration, logg *logger.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logg.Info(ctx, "api.shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
