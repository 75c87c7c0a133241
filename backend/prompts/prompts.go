// Package prompts implements the prompt-management capability backend:
// a prompt store with categories and tags, plus {{variable}} templates
// rendered server-side.
package prompts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/caphub/caphub-go/backend"
	"github.com/caphub/caphub-go/dispatch"
	"github.com/caphub/caphub-go/envelope"
	"github.com/google/uuid"
)

var variablePattern = regexp.MustCompile(`\{\{([a-zA-Z0-9_]+)\}\}`)

// Prompt is a stored prompt.
type Prompt struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Text        string         `json:"text"`
	Description string         `json:"description"`
	Category    string         `json:"category"`
	Tags        []string       `json:"tags"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Created     time.Time      `json:"created"`
	Updated     time.Time      `json:"updated"`
}

// Template is a stored prompt template with its extracted variables.
type Template struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Text        string         `json:"text"`
	Variables   []string       `json:"variables"`
	Description string         `json:"description"`
	Category    string         `json:"category"`
	Tags        []string       `json:"tags"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Created     time.Time      `json:"created"`
	Updated     time.Time      `json:"updated"`
}

// Option configures the prompts handler.
type Option func(*Handler)

// WithLogger sets the slog logger.
func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) { h.log = log }
}

// Handler is the prompt-management backend.
type Handler struct {
	mu         sync.Mutex
	prompts    map[string]*Prompt
	templates  map[string]*Template
	categories map[string]struct{}

	log *slog.Logger
}

// New builds an empty prompt store handler.
func New(opts ...Option) *Handler {
	h := &Handler{
		prompts:    make(map[string]*Prompt),
		templates:  make(map[string]*Template),
		categories: make(map[string]struct{}),
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) Kind() string { return "prompts" }

func (h *Handler) Capabilities() any {
	return map[string]any{
		"operations": []string{
			"createPrompt", "getPrompt", "updatePrompt", "deletePrompt", "listPrompts",
			"getCategories", "createTemplate", "getTemplate", "renderTemplate",
		},
	}
}

type promptPayload struct {
	Operation  string         `json:"operation"`
	PromptID   string         `json:"promptId"`
	TemplateID string         `json:"templateId"`
	Prompt     map[string]any `json:"prompt"`
	Updates    map[string]any `json:"updates"`
	Variables  map[string]any `json:"variables"`
	Category   string         `json:"category"`
	Tags       []string       `json:"tags"`
	Search     string         `json:"search"`
	Limit      int            `json:"limit"`
	Offset     int            `json:"offset"`
}

// Handle dispatches on payload.operation.
func (h *Handler) Handle(ctx context.Context, req *envelope.Request) (*envelope.Response, error) {
	if req.Type != dispatch.TypePromptManagement {
		return nil, fmt.Errorf("unsupported request type for prompts backend: %s", req.Type)
	}

	var p promptPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode prompt-management payload: %w", err)
	}

	h.log.Info("prompt.op", slog.String("operation", p.Operation))

	var (
		data any
		err  error
	)
	switch p.Operation {
	case "createPrompt":
		data, err = h.createPrompt(p.Prompt)
	case "getPrompt":
		data, err = h.getPrompt(p.PromptID)
	case "updatePrompt":
		data, err = h.updatePrompt(p.PromptID, p.Updates)
	case "deletePrompt":
		err = h.deletePrompt(p.PromptID)
		data = map[string]any{"deleted": true}
	case "listPrompts":
		data = h.listPrompts(p)
	case "getCategories":
		data = map[string]any{"categories": h.listCategories()}
	case "createTemplate":
		data, err = h.createTemplate(p.Prompt)
	case "getTemplate":
		data, err = h.getTemplate(p.TemplateID)
	case "renderTemplate":
		data, err = h.renderTemplate(p.TemplateID, p.Variables)
	default:
		err = fmt.Errorf("unsupported prompt operation: %s", p.Operation)
	}
	if err != nil {
		return nil, err
	}

	return envelope.NewResponse(req.ID, envelope.StatusSuccess, data,
		envelope.WithSource("capserver-prompts"))
}

func (h *Handler) createPrompt(fields map[string]any) (*Prompt, error) {
	title, _ := fields["title"].(string)
	text, _ := fields["text"].(string)
	if title == "" || text == "" {
		return nil, fmt.Errorf("prompt text and title are required")
	}

	now := time.Now().UTC()
	p := &Prompt{
		ID:          uuid.NewString(),
		Title:       title,
		Text:        text,
		Description: stringField(fields, "description", ""),
		Category:    stringField(fields, "category", "general"),
		Tags:        stringSlice(fields["tags"]),
		Metadata:    mapField(fields, "metadata"),
		Created:     now,
		Updated:     now,
	}

	h.mu.Lock()
	h.prompts[p.ID] = p
	h.categories[p.Category] = struct{}{}
	h.mu.Unlock()
	return p, nil
}

func (h *Handler) getPrompt(id string) (*Prompt, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.prompts[id]
	if !ok {
		return nil, fmt.Errorf("prompt not found: %s", id)
	}
	return p, nil
}

func (h *Handler) updatePrompt(id string, updates map[string]any) (*Prompt, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.prompts[id]
	if !ok {
		return nil, fmt.Errorf("prompt not found: %s", id)
	}
	if v, ok := updates["title"].(string); ok && v != "" {
		p.Title = v
	}
	if v, ok := updates["text"].(string); ok && v != "" {
		p.Text = v
	}
	if v, ok := updates["description"].(string); ok {
		p.Description = v
	}
	if v, ok := updates["category"].(string); ok && v != "" {
		p.Category = v
		h.categories[v] = struct{}{}
	}
	if v, ok := updates["tags"]; ok {
		p.Tags = stringSlice(v)
	}
	p.Updated = time.Now().UTC()
	return p, nil
}

func (h *Handler) deletePrompt(id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.prompts[id]; !ok {
		return fmt.Errorf("prompt not found: %s", id)
	}
	delete(h.prompts, id)
	return nil
}

func (h *Handler) listPrompts(p promptPayload) map[string]any {
	limit := p.Limit
	if limit <= 0 {
		limit = 100
	}

	h.mu.Lock()
	var filtered []*Prompt
	for _, prompt := range h.prompts {
		if p.Category != "" && prompt.Category != p.Category {
			continue
		}
		if len(p.Tags) > 0 && !anyTagMatch(prompt.Tags, p.Tags) {
			continue
		}
		if p.Search != "" && !searchMatch(prompt, p.Search) {
			continue
		}
		filtered = append(filtered, prompt)
	}
	h.mu.Unlock()

	// Newest first.
	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].Updated.After(filtered[j].Updated)
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
		"prompts": filtered,
		"total":   total,
		"limit":   limit,
		"offset":  p.Offset,
	}
}

func (h *Handler) listCategories() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.categories))
	for c := range h.categories {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func (h *Handler) createTemplate(fields map[string]any) (*Template, error) {
	name, _ := fields["name"].(string)
	text, _ := fields["text"].(string)
	if name == "" || text == "" {
		return nil, fmt.Errorf("template text and name are required")
	}

	now := time.Now().UTC()
	t := &Template{
		ID:          uuid.NewString(),
		Name:        name,
		Text:        text,
		Variables:   extractVariables(text),
		Description: stringField(fields, "description", ""),
		Category:    stringField(fields, "category", "general"),
		Tags:        stringSlice(fields["tags"]),
		Metadata:    mapField(fields, "metadata"),
		Created:     now,
		Updated:     now,
	}

	h.mu.Lock()
	h.templates[t.ID] = t
	h.categories[t.Category] = struct{}{}
	h.mu.Unlock()
	return t, nil
}

func (h *Handler) getTemplate(id string) (*Template, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.templates[id]
	if !ok {
		return nil, fmt.Errorf("template not found: %s", id)
	}
	return t, nil
}

func (h *Handler) renderTemplate(id string, variables map[string]any) (map[string]any, error) {
	h.mu.Lock()
	t, ok := h.templates[id]
	h.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("template not found: %s", id)
	}

	var missing []string
	for _, v := range t.Variables {
		if _, ok := variables[v]; !ok {
			missing = append(missing, v)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("missing required variables: %s", strings.Join(missing, ", "))
	}

	rendered := t.Text
	for name, value := range variables {
		rendered = strings.ReplaceAll(rendered, "{{"+name+"}}", fmt.Sprint(value))
	}

	return map[string]any{
		"templateId":   t.ID,
		"templateName": t.Name,
		"variables":    variables,
		"renderedText": rendered,
	}, nil
}

func extractVariables(text string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, m := range variablePattern.FindAllStringSubmatch(text, -1) {
		if _, ok := seen[m[1]]; ok {
			continue
		}
		seen[m[1]] = struct{}{}
		out = append(out, m[1])
	}
	sort.Strings(out)
	return out
}

func anyTagMatch(have, want []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, t := range have {
		set[t] = struct{}{}
	}
	for _, t := range want {
		if _, ok := set[t]; ok {
			return true
		}
	}
	return false
}

func searchMatch(p *Prompt, term string) bool {
	term = strings.ToLower(term)
	return strings.Contains(strings.ToLower(p.Title), term) ||
		strings.Contains(strings.ToLower(p.Description), term) ||
		strings.Contains(strings.ToLower(p.Text), term)
}

func stringField(m map[string]any, key, fallback string) string {
	if v, ok := m[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func stringSlice(v any) []string {
	switch vs := v.(type) {
	case []string:
		return vs
	case []any:
		out := make([]string, 0, len(vs))
		for _, item := range vs {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func mapField(m map[string]any, key string) map[string]any {
	if v, ok := m[key].(map[string]any); ok {
		return v
	}
	return nil
}

var _ backend.Handler = (*Handler)(nil)
