// Package roots implements the root-operation capability backend: an
// in-memory registry of named workspace roots with CRUD and filtered listing.
package roots

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/caphub/caphub-go/backend"
	"github.com/caphub/caphub-go/dispatch"
	"github.com/caphub/caphub-go/envelope"
	"github.com/google/uuid"
)

// Root is a registered workspace root.
type Root struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Type     string         `json:"type"`
	Params   map[string]any `json:"params"`
	Metadata map[string]any `json:"metadata"`
	Created  time.Time      `json:"created"`
	Updated  time.Time      `json:"updated"`
}

// Option configures the roots handler.
type Option func(*Handler)

// WithLogger sets the slog logger.
func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) { h.log = log }
}

// Handler is the root-operation backend.
type Handler struct {
	mu    sync.Mutex
	roots map[string]*Root

	log *slog.Logger
}

// New builds an empty root registry handler.
func New(opts ...Option) *Handler {
	h := &Handler{
		roots: make(map[string]*Root),
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) Kind() string { return "roots" }

func (h *Handler) Capabilities() any {
	h.mu.Lock()
	count := len(h.roots)
	h.mu.Unlock()
	return map[string]any{
		"operations": []string{"create", "get", "update", "delete", "list"},
		"count":      count,
	}
}

type rootPayload struct {
	Operation string         `json:"operation"`
	RootID    string         `json:"rootId"`
	Root      map[string]any `json:"root"`
	Updates   map[string]any `json:"updates"`
	Type      string         `json:"type"`
	Limit     int            `json:"limit"`
	Offset    int            `json:"offset"`
}

// Handle dispatches on payload.operation.
func (h *Handler) Handle(ctx context.Context, req *envelope.Request) (*envelope.Response, error) {
	if req.Type != dispatch.TypeRootOperation {
		return nil, fmt.Errorf("unsupported request type for roots backend: %s", req.Type)
	}

	var p rootPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode root-operation payload: %w", err)
	}

	h.log.Info("root.op", slog.String("operation", p.Operation))

	var (
		data any
		err  error
	)
	switch p.Operation {
	case "create":
		data, err = h.create(p.Root)
	case "get":
		data, err = h.get(p.RootID)
	case "update":
		data, err = h.update(p.RootID, p.Updates)
	case "delete":
		err = h.delete(p.RootID)
		data = map[string]any{"id": p.RootID, "deleted": true}
	case "list":
		data = h.list(p)
	default:
		err = fmt.Errorf("unsupported root operation: %s", p.Operation)
	}
	if err != nil {
		return nil, err
	}

	return envelope.NewResponse(req.ID, envelope.StatusSuccess, data,
		envelope.WithSource("capserver-roots"))
}

func (h *Handler) create(fields map[string]any) (*Root, error) {
	name, _ := fields["name"].(string)
	typ, _ := fields["type"].(string)
	if name == "" || typ == "" {
		return nil, fmt.Errorf("root name and type are required")
	}

	now := time.Now().UTC()
	r := &Root{
		ID:       uuid.NewString(),
		Name:     name,
		Type:     typ,
		Params:   mapField(fields, "params"),
		Metadata: mapField(fields, "metadata"),
		Created:  now,
		Updated:  now,
	}
	if r.Params == nil {
		r.Params = map[string]any{}
	}
	if r.Metadata == nil {
		r.Metadata = map[string]any{}
	}

	h.mu.Lock()
	h.roots[r.ID] = r
	h.mu.Unlock()
	return r, nil
}

func (h *Handler) get(id string) (*Root, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.roots[id]
	if !ok {
		return nil, fmt.Errorf("root not found: %s", id)
	}
	return r, nil
}

func (h *Handler) update(id string, updates map[string]any) (*Root, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.roots[id]
	if !ok {
		return nil, fmt.Errorf("root not found: %s", id)
	}
	if v, ok := updates["name"].(string); ok && v != "" {
		r.Name = v
	}
	if v, ok := updates["type"].(string); ok && v != "" {
		r.Type = v
	}
	if v, ok := updates["params"].(map[string]any); ok {
		r.Params = v
	}
	if v, ok := updates["metadata"].(map[string]any); ok {
		r.Metadata = v
	}
	r.Updated = time.Now().UTC()
	return r, nil
}

func (h *Handler) delete(id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.roots[id]; !ok {
		return fmt.Errorf("root not found: %s", id)
	}
	delete(h.roots, id)
	return nil
}

func (h *Handler) list(p rootPayload) map[string]any {
	limit := p.Limit
	if limit <= 0 {
		limit = 100
	}

	h.mu.Lock()
	var filtered []*Root
	for _, r := range h.roots {
		if p.Type != "" && r.Type != p.Type {
			continue
		}
		filtered = append(filtered, r)
	}
	h.mu.Unlock()

	// Newest first.
	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].Created.After(filtered[j].Created)
	})

	total := len(filtered)
	if p.Offset >= len(filtered) {
		filtered = nil
	} else {
		filtered = filtered[p.Offset:]
	}
	if len(filtered) > limit {
		filtered = filtered[:limit]
	}

	return map[string]any{
		"roots":  filtered,
		"total":  total,
		"limit":  limit,
		"offset": p.Offset,
	}
}

func mapField(m map[string]any, key string) map[string]any {
	if v, ok := m[key].(map[string]any); ok {
		return v
	}
	return nil
}

var _ backend.Handler = (*Handler)(nil)
