package controllers

import (
	"net/http"

	"github.com/angelmondragon/leadflow-backend/api/responses"
	"github.com/angelmondragon/leadflow-backend/pkg/email"
)

// EmailStatusSource reports the last preflight outcome.
type EmailStatusSource interface {
	Status() email.Status
}

// EmailHealth always answers 200; degraded transports show in the body.
func EmailHealth(src EmailStatusSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		responses.WriteJSON(w, http.StatusOK, src.Status().Response())
	}
}
