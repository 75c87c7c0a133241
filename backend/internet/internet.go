// Package internet implements the internet-search capability backend. Search
// queries return deterministic placeholder results; payloads carrying a
// request object perform a bounded outbound HTTP fetch guarded by domain
// lists and sliding-window rate limits.
package internet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/caphub/caphub-go/backend"
	"github.com/caphub/caphub-go/dispatch"
	"github.com/caphub/caphub-go/envelope"
)

const (
	defaultRequestsPerMinute = 60
	defaultDataMBPerMinute   = 10
	defaultFetchTimeout      = 30 * time.Second
	rateWindow               = time.Minute
)

// Option configures the internet handler.
type Option func(*Handler)

// WithLogger sets the slog logger.
func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) { h.log = log }
}

// WithHTTPClient replaces the outbound HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(h *Handler) { h.client = c }
}

// WithRateLimits sets the per-minute request and data budgets. Zero values
// keep the defaults.
func WithRateLimits(requestsPerMinute, dataMBPerMinute int) Option {
	return func(h *Handler) {
		if requestsPerMinute > 0 {
			h.maxRequests = requestsPerMinute
		}
		if dataMBPerMinute > 0 {
			h.maxDataBytes = int64(dataMBPerMinute) << 20
		}
	}
}

// WithAllowedDomains restricts outbound fetches to URLs containing one of the
// given fragments. An empty list allows every domain not explicitly blocked.
func WithAllowedDomains(domains []string) Option {
	return func(h *Handler) { h.allowed = compact(domains) }
}

// WithBlockedDomains rejects outbound fetches to URLs containing any of the
// given fragments.
func WithBlockedDomains(domains []string) Option {
	return func(h *Handler) { h.blocked = compact(domains) }
}

// compact drops empty fragments so an unset env variable does not register
// as a one-entry list.
func compact(domains []string) []string {
	out := domains[:0:0]
	for _, d := range domains {
		if d != "" {
			out = append(out, d)
		}
	}
	return out
}

// WithClock replaces the time source for the rate-limit window.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

type usageEvent struct {
	at    time.Time
	bytes int64
}

// Handler is the internet-search backend.
type Handler struct {
	client       *http.Client
	allowed      []string
	blocked      []string
	maxRequests  int
	maxDataBytes int64
	now          func() time.Time
	log          *slog.Logger

	mu     sync.Mutex
	window []usageEvent
}

// New builds an internet handler with default rate limits and no domain
// restrictions.
func New(opts ...Option) *Handler {
	h := &Handler{
		client:       &http.Client{Timeout: defaultFetchTimeout},
		maxRequests:  defaultRequestsPerMinute,
		maxDataBytes: int64(defaultDataMBPerMinute) << 20,
		now:          time.Now,
		log:          slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) Kind() string { return "internet" }

func (h *Handler) Capabilities() any {
	return map[string]any{
		"operations":        []string{"search", "request"},
		"requestsPerMinute": h.maxRequests,
		"dataMBPerMinute":   h.maxDataBytes >> 20,
	}
}

type searchParams struct {
	NumResults int    `json:"numResults"`
	SearchType string `json:"searchType"`
	SafeSearch *bool  `json:"safeSearch"`
}

type fetchSpec struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Data    json.RawMessage   `json:"data"`
	Timeout int               `json:"timeout"`
}

type internetPayload struct {
	Query   string        `json:"query"`
	Params  *searchParams `json:"params"`
	Request *fetchSpec    `json:"request"`
}

// Handle serves a search when the payload carries a query, or an outbound
// fetch when it carries a request object.
func (h *Handler) Handle(ctx context.Context, req *envelope.Request) (*envelope.Response, error) {
	if req.Type != dispatch.TypeInternetSearch {
		return nil, fmt.Errorf("unsupported request type for internet backend: %s", req.Type)
	}

	var p internetPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode internet-search payload: %w", err)
	}

	var (
		data any
		err  error
	)
	switch {
	case p.Request != nil:
		h.log.Info("internet.fetch", slog.String("url", p.Request.URL))
		data, err = h.fetch(ctx, p.Request)
	case p.Query != "":
		h.log.Info("internet.search", slog.String("query", p.Query))
		data = h.search(p.Query, p.Params)
	default:
		err = fmt.Errorf("search query is required")
	}
	if err != nil {
		return nil, err
	}

	return envelope.NewResponse(req.ID, envelope.StatusSuccess,
		map[string]any{"result": data},
		envelope.WithSource("capserver-internet"))
}

// search fabricates result entries locally. There is no upstream search
// provider; the shape matches what a real provider integration would return.
func (h *Handler) search(query string, params *searchParams) map[string]any {
	num := 10
	searchType := "web"
	safe := true
	if params != nil {
		if params.NumResults > 0 {
			num = params.NumResults
		}
		if params.SearchType != "" {
			searchType = params.SearchType
		}
		if params.SafeSearch != nil {
			safe = *params.SafeSearch
		}
	}

	results := make([]map[string]any, num)
	for i := range results {
		n := i + 1
		results[i] = map[string]any{
			"title":    fmt.Sprintf("Sample result %d for '%s'", n, query),
			"url":      fmt.Sprintf("https://example.com/result/%d", n),
			"snippet":  fmt.Sprintf("This is a sample snippet for result %d matching the query '%s'.", n, query),
			"position": n,
		}
	}

	return map[string]any{
		"query":        query,
		"results":      results,
		"totalResults": num,
		"searchType":   searchType,
		"safeSearch":   safe,
	}
}

func (h *Handler) checkDomain(url string) error {
	for _, d := range h.blocked {
		if d != "" && strings.Contains(url, d) {
			return fmt.Errorf("domain is blocked: %s", d)
		}
	}
	if len(h.allowed) == 0 {
		return nil
	}
	for _, d := range h.allowed {
		if d != "" && strings.Contains(url, d) {
			return nil
		}
	}
	return fmt.Errorf("domain is not in the allowed list")
}

// reserve admits one request into the sliding window, or reports which
// budget is exhausted. Response sizes are recorded after the fetch.
func (h *Handler) reserve() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := h.now().Add(-rateWindow)
	kept := h.window[:0]
	var used int64
	for _, ev := range h.window {
		if ev.at.After(cutoff) {
			kept = append(kept, ev)
			used += ev.bytes
		}
	}
	h.window = kept

	if len(h.window) >= h.maxRequests {
		return fmt.Errorf("request rate limit exceeded: %d per minute", h.maxRequests)
	}
	if used >= h.maxDataBytes {
		return fmt.Errorf("data rate limit exceeded: %d MB per minute", h.maxDataBytes>>20)
	}

	h.window = append(h.window, usageEvent{at: h.now()})
	return nil
}

func (h *Handler) recordBytes(n int64) {
	h.mu.Lock()
	if len(h.window) > 0 {
		h.window[len(h.window)-1].bytes += n
	}
	h.mu.Unlock()
}

func (h *Handler) fetch(ctx context.Context, spec *fetchSpec) (map[string]any, error) {
	if spec.URL == "" {
		return nil, fmt.Errorf("request url is required")
	}
	if err := h.checkDomain(spec.URL); err != nil {
		return nil, err
	}
	if err := h.reserve(); err != nil {
		return nil, err
	}

	method := spec.Method
	if method == "" {
		method = http.MethodGet
	}
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(spec.Timeout)*time.Second)
		defer cancel()
	}

	var body io.Reader
	if len(spec.Data) > 0 {
		body = bytes.NewReader(spec.Data)
	}
	req, err := http.NewRequestWithContext(ctx, method, spec.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build outbound request: %w", err)
	}
	for k, v := range spec.Headers {
		req.Header.Set(k, v)
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	start := h.now()
	res, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("outbound request failed: %w", err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read outbound response: %w", err)
	}
	h.recordBytes(int64(len(raw)))

	headers := make(map[string]string, len(res.Header))
	for k := range res.Header {
		headers[k] = res.Header.Get(k)
	}

	// JSON bodies come back structured, everything else as text.
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		data = string(raw)
	}

	return map[string]any{
		"status":        res.StatusCode,
		"headers":       headers,
		"data":          data,
		"contentType":   res.Header.Get("Content-Type"),
		"contentLength": len(raw),
		"durationMs":    h.now().Sub(start).Milliseconds(),
		"url":           spec.URL,
		"timestamp":     time.Now().UTC().Format(time.RFC3339Nano),
	}, nil
}

var _ backend.Handler = (*Handler)(nil)
