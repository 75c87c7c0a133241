// Package errdefs holds the error taxonomy shared by the gateway and the
// capability backends. Sentinels are compared with errors.Is; typed errors
// carry structured detail and are unwrapped with errors.As.
package errdefs

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for lookups against registries.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrClientNotFound  = errors.New("client not registered")
)

// ErrDeliveryFailed marks a notification that could not be handed to a
// registered client, as opposed to one addressed to a client that was never
// there. The client loses its registration as a side effect.
var ErrDeliveryFailed = errors.New("notification delivery failed")

// RequestError marks a malformed or invalid envelope. Client fault.
type RequestError struct {
	Reason string
}

func (e *RequestError) Error() string {
	return "invalid request: " + e.Reason
}

// ConfigurationError marks a routing table or address table gap.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

// BackendError marks a backend that was reachable but returned a failure, or
// a transport error on the way there. Timeout reports whether the failure was
// the dispatch deadline expiring.
type BackendError struct {
	Backend string
	Timeout bool
	Cause   error
	Detail  string
}

func (e *BackendError) Error() string {
	kind := "backend"
	if e.Timeout {
		kind = "backend timeout"
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s error from %s: %v", kind, e.Backend, e.Cause)
	}
	return fmt.Sprintf("%s error from %s: %s", kind, e.Backend, e.Detail)
}

func (e *BackendError) Unwrap() error { return e.Cause }

// HTTPStatus maps an error from the taxonomy onto the status code the
// gateway surfaces for it. Unknown errors map to 500.
func HTTPStatus(err error) int {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return http.StatusBadRequest
	}
	if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrClientNotFound) {
		return http.StatusNotFound
	}
	if errors.Is(err, ErrDeliveryFailed) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// Code returns the short machine-readable code for an error, used in
// structured HTTP error bodies.
func Code(err error) string {
	var (
		reqErr  *RequestError
		cfgErr  *ConfigurationError
		backErr *BackendError
	)
	switch {
	case errors.As(err, &reqErr):
		return "INVALID_REQUEST"
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrClientNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrDeliveryFailed):
		return "DELIVERY_FAILED"
	case errors.As(err, &cfgErr):
		return "CONFIGURATION_ERROR"
	case errors.As(err, &backErr):
		if backErr.Timeout {
			return "REQUEST_TIMEOUT"
		}
		return "BACKEND_ERROR"
	default:
		return "INTERNAL_ERROR"
	}
}
