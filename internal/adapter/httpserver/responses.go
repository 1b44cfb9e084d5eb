// Package httpserver is the HTTP adapter: tool dispatch, the job event
// stream, health probes, and the admin surface. It routes requests to the
// tool registry and job manager and owns no business logic of its own.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fairyhunter13/deep-research/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// httpStatus maps the domain error taxonomy onto transport status codes.
// Provider and storage failures surface as gateway-side errors so callers
// can tell them apart from their own bad requests.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrCancelled):
		return http.StatusConflict
	case errors.Is(err, domain.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, domain.ErrQueueFull),
		errors.Is(err, domain.ErrProviderRateLimited),
		errors.Is(err, domain.ErrProviderUnavailable),
		errors.Is(err, domain.ErrStorageTransient):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrProviderPermanent),
		errors.Is(err, domain.ErrPlanParse),
		errors.Is(err, domain.ErrNoResults):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, _ *http.Request, err error, details interface{}) {
	writeJSON(w, httpStatus(err), errorEnvelope{Error: apiError{
		Code:    domain.ErrorCode(err),
		Message: err.Error(),
		Details: details,
	}})
}
