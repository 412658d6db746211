package model

import (
	"errors"
	"net/http"

	"isotope/internal/registry"
)

// Load stages reported in ModelLoadError.Op.
const (
	OpLookup    = "lookup"
	OpAuth      = "auth"
	OpFetch     = "fetch"
	OpConfig    = "config"
	OpTokenizer = "tokenizer"
	OpWeights   = "weights"
	OpRuntime   = "runtime"
)

// ModelLoadError reports which stage of loading a model failed.
type ModelLoadError struct {
	ID  registry.Identifier
	Op  string
	Err error
}

func (e *ModelLoadError) Error() string {
	return "load " + e.ID.String() + ": " + e.Op + ": " + e.Err.Error()
}

func (e *ModelLoadError) Unwrap() error { return e.Err }

// IsModelLoad reports whether err is a ModelLoadError.
func IsModelLoad(err error) bool {
	var e *ModelLoadError
	return errors.As(err, &e)
}

// dependencyUnavailableError signals a runtime that was not compiled in (e.g.
// llama.cpp without the llama build tag) so callers can answer 503.
type dependencyUnavailableError struct{ msg string }

func (e dependencyUnavailableError) Error() string { return e.msg }

// ErrDependencyUnavailable constructs a dependencyUnavailableError.
func ErrDependencyUnavailable(msg string) error { return dependencyUnavailableError{msg: msg} }

// IsDependencyUnavailable reports whether err indicates a missing runtime dependency.
func IsDependencyUnavailable(err error) bool {
	var e dependencyUnavailableError
	return errors.As(err, &e)
}

// missingTokenError is returned for gated repositories when no access token
// is configured.
type missingTokenError struct{ repo string }

func (e missingTokenError) Error() string {
	return "repository " + e.repo + " is gated; set HF_TOKEN"
}

// IsMissingToken reports whether err was caused by an absent HF_TOKEN.
func IsMissingToken(err error) bool {
	var e missingTokenError
	return errors.As(err, &e)
}

// hubStatusError is a non-2xx answer from the model hub.
type hubStatusError struct {
	status int
	url    string
}

func (e hubStatusError) Error() string {
	return "hub returned " + http.StatusText(e.status) + " for " + e.url
}

// StatusCode exposes the upstream status.
func (e hubStatusError) StatusCode() int { return e.status }

// IsHubStatus reports whether err is an HTTP failure from the hub and returns
// its status.
func IsHubStatus(err error) (int, bool) {
	var e hubStatusError
	if errors.As(err, &e) {
		return e.status, true
	}
	return 0, false
}
