// Package resources implements the resource-request capability backend:
// typed resource CRUD over a bounded TTL cache, plus post-processing of
// llm-response envelopes, which the routing table also directs here.
package resources

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/caphub/caphub-go/backend"
	"github.com/caphub/caphub-go/dispatch"
	"github.com/caphub/caphub-go/envelope"
)

// Option configures the resources handler.
type Option func(*Handler)

// WithLogger sets the slog logger.
func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) { h.log = log }
}

// Handler is the resource-request backend.
type Handler struct {
	store *Store
	log   *slog.Logger
}

// New wraps a store in the backend contract.
func New(store *Store, opts ...Option) *Handler {
	h := &Handler{store: store, log: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) Kind() string { return "resources" }

func (h *Handler) Capabilities() any {
	return map[string]any{
		"operations":    []string{"get", "create", "update", "delete", "list"},
		"resourceTypes": h.store.Types(),
	}
}

type resourcePayload struct {
	Operation    string         `json:"operation"`
	ResourceType string         `json:"resourceType"`
	ResourceID   string         `json:"resourceId"`
	Data         map[string]any `json:"data"`
	Limit        int            `json:"limit"`
	Offset       int            `json:"offset"`
}

type llmPayload struct {
	Prompt   string `json:"prompt"`
	Response string `json:"response"`
}

// Handle serves resource CRUD and llm-response post-processing.
func (h *Handler) Handle(ctx context.Context, req *envelope.Request) (*envelope.Response, error) {
	switch req.Type {
	case dispatch.TypeResourceRequest:
		return h.handleResource(req)
	case dispatch.TypeLLMResponse:
		return h.handleLLM(req)
	default:
		return nil, fmt.Errorf("unsupported request type for resources backend: %s", req.Type)
	}
}

func (h *Handler) handleResource(req *envelope.Request) (*envelope.Response, error) {
	var p resourcePayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode resource-request payload: %w", err)
	}
	// Bare {resourceType, resourceId} payloads are reads.
	if p.Operation == "" {
		p.Operation = "get"
	}

	h.log.Info("resource.op",
		slog.String("operation", p.Operation),
		slog.String("type", p.ResourceType),
		slog.String("id", p.ResourceID))

	var (
		data any
		err  error
	)
	switch p.Operation {
	case "get":
		var r *Resource
		r, err = h.store.Get(p.ResourceType, p.ResourceID)
		data = map[string]any{"resource": r}
	case "create":
		data = map[string]any{"resource": h.store.Create(p.ResourceType, p.Data)}
	case "update":
		var r *Resource
		r, err = h.store.Update(p.ResourceType, p.ResourceID, p.Data)
		data = map[string]any{"resource": r}
	case "delete":
		if !h.store.Delete(p.ResourceType, p.ResourceID) {
			err = fmt.Errorf("resource %s/%s not found", p.ResourceType, p.ResourceID)
		}
		data = map[string]any{"deleted": true}
	case "list":
		list := h.store.List(p.ResourceType, p.Limit, p.Offset)
		data = map[string]any{"resources": list, "count": len(list)}
	default:
		err = fmt.Errorf("unsupported resource operation: %s", p.Operation)
	}
	if err != nil {
		return nil, err
	}

	return envelope.NewResponse(req.ID, envelope.StatusSuccess, data,
		envelope.WithSource("capserver-resources"))
}

func (h *Handler) handleLLM(req *envelope.Request) (*envelope.Response, error) {
	var p llmPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode llm-response payload: %w", err)
	}
	return envelope.NewResponse(req.ID, envelope.StatusSuccess, map[string]any{
		"prompt":   p.Prompt,
		"response": strings.TrimSpace(p.Response),
	}, envelope.WithSource("capserver-resources"))
}

var _ backend.Handler = (*Handler)(nil)
