// Package dispatch routes request envelopes to capability backends. The
// routing table is a pure function of the request type; dispatch holds no
// session state and performs exactly one bounded HTTP call per request.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/caphub/caphub-go/envelope"
	"github.com/caphub/caphub-go/errdefs"
)

const (
	defaultDispatchTimeout = 30 * time.Second
	defaultHealthTimeout   = 5 * time.Second
)

// HealthStatus is the per-backend result of a health probe.
type HealthStatus struct {
	Status  string          `json:"status"`
	Details json.RawMessage `json:"details,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the slog logger used by the router.
func WithLogger(log *slog.Logger) Option {
	return func(r *Router) { r.log = log }
}

// WithDispatchTimeout bounds each backend /process call.
func WithDispatchTimeout(d time.Duration) Option {
	return func(r *Router) { r.dispatchTimeout = d }
}

// WithHealthTimeout bounds each backend /health probe.
func WithHealthTimeout(d time.Duration) Option {
	return func(r *Router) { r.healthTimeout = d }
}

// WithHTTPClient substitutes the HTTP client used for backend calls.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Router) { r.client = c }
}

// Router maps request types to backend identifiers and forwards envelopes.
// Both tables are fixed at construction; Router is safe for concurrent use.
type Router struct {
	routes map[string]string // request type -> backend id
	addrs  map[string]string // backend id -> base address

	client          *http.Client
	dispatchTimeout time.Duration
	healthTimeout   time.Duration
	log             *slog.Logger
}

// NewRouter builds a router from a routing table and a backend address
// table. The routing table must carry a default row; every route target must
// be resolvable or intentionally absent (absence surfaces per-dispatch as a
// configuration error, matching partial deployments).
func NewRouter(routes, addrs map[string]string, opts ...Option) (*Router, error) {
	if routes[TypeDefault] == "" {
		return nil, &errdefs.ConfigurationError{Reason: "routing table has no default entry"}
	}

	r := &Router{
		routes:          make(map[string]string, len(routes)),
		addrs:           make(map[string]string, len(addrs)),
		client:          &http.Client{},
		dispatchTimeout: defaultDispatchTimeout,
		healthTimeout:   defaultHealthTimeout,
		log:             slog.Default(),
	}
	for k, v := range routes {
		r.routes[k] = v
	}
	for k, v := range addrs {
		r.addrs[k] = strings.TrimRight(v, "/")
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Resolve returns the backend id the routing table selects for a request
// type, falling back to the default row for undeclared types.
func (r *Router) Resolve(requestType string) string {
	if id, ok := r.routes[requestType]; ok {
		return id
	}
	return r.routes[TypeDefault]
}

// Dispatch validates the request envelope, resolves its backend, and
// forwards it to the backend's /process endpoint. The backend's response
// envelope is returned unchanged; the router never rewrites requestId or
// status. Failures map onto the errdefs taxonomy.
func (r *Router) Dispatch(ctx context.Context, req *envelope.Request) (*envelope.Response, error) {
	if !envelope.ValidRequest(req) {
		return nil, &errdefs.RequestError{Reason: "malformed request envelope"}
	}

	backendID := r.Resolve(req.Type)
	addr, ok := r.addrs[backendID]
	if !ok || addr == "" {
		return nil, &errdefs.ConfigurationError{Reason: fmt.Sprintf("no address registered for backend %q", backendID)}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, &errdefs.RequestError{Reason: fmt.Sprintf("unencodable request envelope: %v", err)}
	}

	r.log.Info("dispatch.forward",
		slog.String("request_id", req.ID),
		slog.String("type", req.Type),
		slog.String("backend", backendID))

	callCtx, cancel := context.WithTimeout(ctx, r.dispatchTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, addr+"/process", bytes.NewReader(body))
	if err != nil {
		return nil, &errdefs.ConfigurationError{Reason: fmt.Sprintf("invalid address for backend %q: %v", backendID, err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpRes, err := r.client.Do(httpReq)
	if err != nil {
		timeout := errors.Is(err, context.DeadlineExceeded)
		r.log.Error("dispatch.fail",
			slog.String("request_id", req.ID),
			slog.String("backend", backendID),
			slog.Bool("timeout", timeout),
			slog.String("err", err.Error()))
		return nil, &errdefs.BackendError{Backend: backendID, Timeout: timeout, Cause: err}
	}
	defer func() { _ = httpRes.Body.Close() }()

	if httpRes.StatusCode < 200 || httpRes.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(httpRes.Body, 4096))
		r.log.Error("dispatch.backend.status",
			slog.String("request_id", req.ID),
			slog.String("backend", backendID),
			slog.Int("status", httpRes.StatusCode))
		return nil, &errdefs.BackendError{
			Backend: backendID,
			Detail:  fmt.Sprintf("HTTP %d: %s", httpRes.StatusCode, strings.TrimSpace(string(detail))),
		}
	}

	var res envelope.Response
	if err := json.NewDecoder(httpRes.Body).Decode(&res); err != nil {
		return nil, &errdefs.BackendError{Backend: backendID, Cause: fmt.Errorf("undecodable response envelope: %w", err)}
	}
	return &res, nil
}

// CheckHealth probes every configured backend's /health endpoint. Probes run
// concurrently with independent timeouts so one slow backend cannot delay or
// mask the others.
func (r *Router) CheckHealth(ctx context.Context) map[string]HealthStatus {
	results := make(map[string]HealthStatus, len(r.addrs))

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for id, addr := range r.addrs {
		wg.Add(1)
		go func(id, addr string) {
			defer wg.Done()
			status := r.probe(ctx, addr)
			mu.Lock()
			results[id] = status
			mu.Unlock()
		}(id, addr)
	}
	wg.Wait()

	return results
}

func (r *Router) probe(ctx context.Context, addr string) HealthStatus {
	probeCtx, cancel := context.WithTimeout(ctx, r.healthTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(probeCtx, http.MethodGet, addr+"/health", nil)
	if err != nil {
		return HealthStatus{Status: "unhealthy", Error: err.Error()}
	}
	httpRes, err := r.client.Do(httpReq)
	if err != nil {
		return HealthStatus{Status: "unhealthy", Error: err.Error()}
	}
	defer func() { _ = httpRes.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(httpRes.Body, 64<<10))
	if err != nil {
		return HealthStatus{Status: "unhealthy", Error: err.Error()}
	}
	if httpRes.StatusCode != http.StatusOK {
		return HealthStatus{Status: "unhealthy", Error: fmt.Sprintf("HTTP %d: %s", httpRes.StatusCode, strings.TrimSpace(string(body)))}
	}
	if !json.Valid(body) {
		return HealthStatus{Status: "unhealthy", Error: "non-JSON health body"}
	}
	return HealthStatus{Status: "healthy", Details: body}
}
