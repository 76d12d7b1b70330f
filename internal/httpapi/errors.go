package httpapi

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"authhub.org/internal/auth"
)

// errorBody is the JSON shape of every failure response.
type errorBody struct {
	Error     string `json:"error"`
	Reason    string `json:"reason,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg, reason string) {
	writeJSON(w, code, errorBody{
		Error:     msg,
		Reason:    reason,
		RequestID: middleware.GetReqID(r.Context()),
	})
}

// statusFor maps an auth error kind to its HTTP status. Expired and unknown
// credentials both come back as 401 so callers cannot tell them apart.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, auth.ErrUnauthenticated), errors.Is(err, auth.ErrExpired), errors.Is(err, auth.ErrInvalidCredential):
		return http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, auth.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, auth.ErrInvalidInput), errors.Is(err, auth.ErrNotConfigured):
		return http.StatusBadRequest, "invalid request"
	case errors.Is(err, auth.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, auth.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, auth.ErrRateLimited):
		return http.StatusTooManyRequests, "rate limit exceeded"
	case errors.Is(err, auth.ErrUnavailable):
		return http.StatusServiceUnavailable, "service unavailable"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// fail writes err as a JSON error response carrying its stable reason.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	code, msg := statusFor(err)
	if code >= http.StatusInternalServerError {
		a.logger.Error("request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	if code == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeError(w, r, code, msg, auth.Reason(err))
}
