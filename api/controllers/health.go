package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/angelmondragon/leadflow-backend/api/responses"
	"github.com/angelmondragon/leadflow-backend/pkg/config"
	pkgerrors "github.com/angelmondragon/leadflow-backend/pkg/errors"
	"github.com/angelmondragon/leadflow-backend/pkg/logger"
)

// Pinger is satisfied by db.Client and redis.Client.
type Pinger interface {
	Ping(ctx context.Context) error
}

const readyTimeout = 2 * time.Second

func HealthLive(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Leadflow-Env", cfg.App.Env)
		responses.WriteJSON(w, http.StatusOK, map[string]string{"status": "live"})
	}
}

// HealthReady pings every dependency and reports the first that fails.
func HealthReady(cfg *config.Config, logg *logger.Logger, deps map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Leadflow-Env", cfg.App.Env)
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()

		checks := map[string]string{}
		var failed error
		for name, dep := range deps {
			if dep == nil {
				continue
			}
			if err := dep.Ping(ctx); err != nil {
				checks[name] = "down"
				if failed == nil {
					failed = pkgerrors.Wrap(pkgerrors.CodeInternal, err, name+" unavailable").
						WithDetails(map[string]any{"dependency": name})
				}
				continue
			}
			checks[name] = "ok"
		}
		if failed != nil {
			if logg != nil {
				logg.Warn(logg.WithField(r.Context(), "checks", checks), "health.not_ready")
			}
			responses.WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready", "checks": checks})
			return
		}
		responses.WriteJSON(w, http.StatusOK, map[string]any{"status": "ready", "checks": checks})
	}
}
