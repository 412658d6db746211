package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"isotope/internal/coordinator"
	"isotope/internal/engine"
	"isotope/internal/model"
	"isotope/internal/store"
	"isotope/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// statusFor maps the service error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var he HTTPError
	switch {
	case coordinator.IsInvalidSelection(err), engine.IsInvalidConfig(err):
		return http.StatusBadRequest
	case store.IsNotFound(err):
		return http.StatusNotFound
	case model.IsDependencyUnavailable(err), errors.Is(err, coordinator.ErrClosed):
		return http.StatusServiceUnavailable
	case model.IsModelLoad(err):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	case errors.As(err, &he):
		return he.StatusCode()
	default:
		return http.StatusInternalServerError
	}
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}

// writeError maps err and writes it.
func writeError(w http.ResponseWriter, err error) {
	writeJSONError(w, statusFor(err), err.Error())
}
