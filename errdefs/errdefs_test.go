package errdefs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"request error", &RequestError{Reason: "bad envelope"}, http.StatusBadRequest},
		{"wrapped request error", fmt.Errorf("submit: %w", &RequestError{Reason: "x"}), http.StatusBadRequest},
		{"session not found", ErrSessionNotFound, http.StatusNotFound},
		{"client not found", ErrClientNotFound, http.StatusNotFound},
		{"delivery failed", ErrDeliveryFailed, http.StatusBadGateway},
		{"wrapped delivery failed", fmt.Errorf("notify: %w", ErrDeliveryFailed), http.StatusBadGateway},
		{"backend error", &BackendError{Backend: "tools", Detail: "boom"}, http.StatusInternalServerError},
		{"configuration error", &ConfigurationError{Reason: "no address"}, http.StatusInternalServerError},
		{"plain error", errors.New("mystery"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := HTTPStatus(tc.err); got != tc.want {
				t.Errorf("HTTPStatus(%v) = %d, want %d", tc.err, got, tc.want)
			}
		})
	}
}

func TestCode(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"request error", &RequestError{Reason: "x"}, "INVALID_REQUEST"},
		{"session not found", ErrSessionNotFound, "NOT_FOUND"},
		{"client not found", ErrClientNotFound, "NOT_FOUND"},
		{"delivery failed", ErrDeliveryFailed, "DELIVERY_FAILED"},
		{"configuration error", &ConfigurationError{Reason: "x"}, "CONFIGURATION_ERROR"},
		{"backend error", &BackendError{Backend: "tools", Detail: "boom"}, "BACKEND_ERROR"},
		{"backend timeout", &BackendError{Backend: "tools", Timeout: true}, "REQUEST_TIMEOUT"},
		{"plain error", errors.New("mystery"), "INTERNAL_ERROR"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Code(tc.err); got != tc.want {
				t.Errorf("Code(%v) = %q, want %q", tc.err, got, tc.want)
			}
		})
	}
}

func TestBackendErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := &BackendError{Backend: "tools", Cause: cause}
	if !errors.Is(err, cause) {
		t.Error("BackendError must unwrap to its cause")
	}
}

func TestBackendErrorMessage(t *testing.T) {
	e := &BackendError{Backend: "tools", Timeout: true, Detail: "deadline"}
	if got := e.Error(); got != "backend timeout error from tools: deadline" {
		t.Errorf("Error() = %q", got)
	}
}
