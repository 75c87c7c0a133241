// Package tools implements the tool-execution capability backend: a fixed
// registry of named tools, each exposing a set of operations invoked with
// JSON parameters.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/caphub/caphub-go/backend"
	"github.com/caphub/caphub-go/dispatch"
	"github.com/caphub/caphub-go/envelope"
	"github.com/invopop/jsonschema"
)

// Option configures the tools handler.
type Option func(*Handler)

// WithLogger sets the slog logger.
func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) { h.log = log }
}

type tool interface {
	name() string
	operations() []string
	paramSchema() *jsonschema.Schema
	invoke(operation string, params json.RawMessage) (any, error)
}

// Handler is the tool-execution backend.
type Handler struct {
	tools map[string]tool
	log   *slog.Logger
}

// New builds a handler with the full tool registry: calculator,
// textProcessor, and dataTransformer.
func New(opts ...Option) *Handler {
	h := &Handler{
		tools: make(map[string]tool),
		log:   slog.Default(),
	}
	for _, t := range []tool{&calculator{}, &textProcessor{}, &dataTransformer{}} {
		h.tools[t.name()] = t
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) Kind() string { return "tools" }

// Capabilities advertises each tool's operations and generated parameter
// schema through the health document.
func (h *Handler) Capabilities() any {
	caps := make(map[string]any, len(h.tools))
	for name, t := range h.tools {
		caps[name] = map[string]any{
			"operations": t.operations(),
			"schema":     t.paramSchema(),
		}
	}
	return map[string]any{"tools": caps}
}

type execPayload struct {
	Tool      string          `json:"tool"`
	Operation string          `json:"operation"`
	Params    json.RawMessage `json:"params"`
}

// Handle executes payload.tool's payload.operation with payload.params.
func (h *Handler) Handle(ctx context.Context, req *envelope.Request) (*envelope.Response, error) {
	if req.Type != dispatch.TypeToolExecution {
		return nil, fmt.Errorf("unsupported request type for tools backend: %s", req.Type)
	}

	var payload execPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decode tool-execution payload: %w", err)
	}

	t, ok := h.tools[payload.Tool]
	if !ok {
		return nil, fmt.Errorf("tool not found: %s", payload.Tool)
	}

	h.log.Info("tool.exec", slog.String("tool", payload.Tool), slog.String("operation", payload.Operation))

	result, err := t.invoke(payload.Operation, payload.Params)
	if err != nil {
		return nil, err
	}

	return envelope.NewResponse(req.ID, envelope.StatusSuccess,
		map[string]any{"result": result},
		envelope.WithSource("capserver-tools"))
}

var _ backend.Handler = (*Handler)(nil)
