// Package backend provides the uniform serving harness for capability
// backends. Every backend exposes the same narrow contract: POST /process
// accepts a request envelope and returns a response envelope; GET /health
// reports status and capabilities.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/caphub/caphub-go/envelope"
)

// Handler is one capability backend's request processor. Implementations
// are stateless with respect to the gateway: everything they need arrives
// in the request envelope.
type Handler interface {
	// Kind names the backend (surfaced as "server" in health output).
	Kind() string

	// Capabilities describes what the backend can do; the value is embedded
	// verbatim in the health document.
	Capabilities() any

	// Handle processes one request envelope. Returning an error produces an
	// error-status response envelope with HTTP 500, which the dispatch
	// router surfaces to the gateway as a backend failure.
	Handle(ctx context.Context, req *envelope.Request) (*envelope.Response, error)
}

// Option configures the HTTP harness.
type Option func(*httpHandler)

// WithLogger sets the slog logger used by the harness.
func WithLogger(log *slog.Logger) Option {
	return func(h *httpHandler) { h.log = log }
}

type httpHandler struct {
	mux     *http.ServeMux
	handler Handler
	source  string
	log     *slog.Logger
}

// NewHTTPHandler wraps a Handler in the /process + /health HTTP contract.
func NewHTTPHandler(handler Handler, opts ...Option) http.Handler {
	h := &httpHandler{
		mux:     http.NewServeMux(),
		handler: handler,
		source:  "capserver-" + handler.Kind(),
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.mux.HandleFunc("POST /process", h.handleProcess)
	h.mux.HandleFunc("GET /health", h.handleHealth)
	return h
}

func (h *httpHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *httpHandler) handleProcess(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		h.writeError(w, "", http.StatusBadRequest, fmt.Errorf("read request body: %w", err))
		return
	}
	if !envelope.Validate(body, envelope.KindRequest) {
		h.log.Warn("process.envelope.invalid")
		h.writeError(w, "", http.StatusBadRequest, fmt.Errorf("invalid request format"))
		return
	}

	var req envelope.Request
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeError(w, "", http.StatusBadRequest, fmt.Errorf("decode request envelope: %w", err))
		return
	}

	h.log.Info("process.recv", slog.String("request_id", req.ID), slog.String("type", req.Type))

	res, err := h.safeHandle(r.Context(), &req)
	if err != nil {
		h.log.Error("process.fail",
			slog.String("request_id", req.ID),
			slog.String("err", err.Error()),
			slog.Duration("dur", time.Since(start)))
		h.writeError(w, req.ID, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(res); err != nil {
		h.log.Error("process.encode.fail", slog.String("err", err.Error()))
		return
	}
	h.log.Info("process.ok", slog.String("request_id", req.ID), slog.Duration("dur", time.Since(start)))
}

// safeHandle invokes the backend handler with panic containment so a bad
// payload can never take the process down.
func (h *httpHandler) safeHandle(ctx context.Context, req *envelope.Request) (res *envelope.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.handler.Handle(ctx, req)
}

func (h *httpHandler) writeError(w http.ResponseWriter, requestID string, status int, cause error) {
	res, err := envelope.NewResponse(requestID, envelope.StatusError,
		map[string]any{"error": cause.Error()},
		envelope.WithSource(h.source))
	if err != nil {
		http.Error(w, cause.Error(), status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(res)
}

func (h *httpHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":       "healthy",
		"server":       h.handler.Kind(),
		"capabilities": h.handler.Capabilities(),
		"timestamp":    time.Now().UTC().Format(time.RFC3339Nano),
	})
}
