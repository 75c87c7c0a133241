package prompts

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/caphub/caphub-go/envelope"
)

func op(t *testing.T, h *Handler, payload map[string]any) (json.RawMessage, error) {
	t.Helper()
	req, err := envelope.NewRequest("prompt-management", payload)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	res, err := h.Handle(context.Background(), req)
	if err != nil {
		return nil, err
	}
	if res.Status != envelope.StatusSuccess {
		t.Fatalf("response status = %q", res.Status)
	}
	return res.Data, nil
}

func createPrompt(t *testing.T, h *Handler, fields map[string]any) *Prompt {
	t.Helper()
	data, err := op(t, h, map[string]any{"operation": "createPrompt", "prompt": fields})
	if err != nil {
		t.Fatalf("createPrompt: %v", err)
	}
	var p Prompt
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("decode prompt: %v", err)
	}
	return &p
}

func TestPromptCRUD(t *testing.T) {
	h := New()

	created := createPrompt(t, h, map[string]any{
		"title":    "Summarize",
		"text":     "Summarize the following text.",
		"category": "writing",
		"tags":     []string{"summary"},
	})
	if created.ID == "" || created.Category != "writing" {
		t.Fatalf("created = %+v", created)
	}

	data, err := op(t, h, map[string]any{"operation": "getPrompt", "promptId": created.ID})
	if err != nil {
		t.Fatalf("getPrompt: %v", err)
	}
	var got Prompt
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Title != "Summarize" {
		t.Errorf("title = %q", got.Title)
	}

	data, err = op(t, h, map[string]any{
		"operation": "updatePrompt",
		"promptId":  created.ID,
		"updates":   map[string]any{"title": "Summarize v2", "category": "editing"},
	})
	if err != nil {
		t.Fatalf("updatePrompt: %v", err)
	}
	var updated Prompt
	if err := json.Unmarshal(data, &updated); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if updated.Title != "Summarize v2" || updated.Category != "editing" {
		t.Errorf("updated = %+v", updated)
	}

	if _, err := op(t, h, map[string]any{"operation": "deletePrompt", "promptId": created.ID}); err != nil {
		t.Fatalf("deletePrompt: %v", err)
	}
	if _, err := op(t, h, map[string]any{"operation": "getPrompt", "promptId": created.ID}); err == nil {
		t.Fatal("expected not-found after delete")
	}
}

func TestCreatePromptRequiresTitleAndText(t *testing.T) {
	h := New()
	if _, err := op(t, h, map[string]any{
		"operation": "createPrompt",
		"prompt":    map[string]any{"title": "no text"},
	}); err == nil {
		t.Fatal("expected error for missing text")
	}
}

func TestListPromptsFilters(t *testing.T) {
	h := New()
	createPrompt(t, h, map[string]any{
		"title": "Code review", "text": "Review this diff.",
		"category": "engineering", "tags": []string{"code"},
	})
	createPrompt(t, h, map[string]any{
		"title": "Haiku", "text": "Write a haiku about autumn.",
		"category": "writing", "tags": []string{"poetry"},
	})
	createPrompt(t, h, map[string]any{
		"title": "Bug triage", "text": "Classify this bug report.",
		"category": "engineering", "tags": []string{"code", "triage"},
	})

	type listResult struct {
		Prompts []Prompt `json:"prompts"`
		Total   int      `json:"total"`
	}
	list := func(payload map[string]any) listResult {
		payload["operation"] = "listPrompts"
		data, err := op(t, h, payload)
		if err != nil {
			t.Fatalf("listPrompts: %v", err)
		}
		var out listResult
		if err := json.Unmarshal(data, &out); err != nil {
			t.Fatalf("decode list: %v", err)
		}
		return out
	}

	if got := list(map[string]any{}); got.Total != 3 {
		t.Errorf("unfiltered total = %d, want 3", got.Total)
	}
	if got := list(map[string]any{"category": "engineering"}); got.Total != 2 {
		t.Errorf("category total = %d, want 2", got.Total)
	}
	if got := list(map[string]any{"tags": []string{"poetry"}}); got.Total != 1 {
		t.Errorf("tag total = %d, want 1", got.Total)
	}
	if got := list(map[string]any{"search": "haiku"}); got.Total != 1 {
		t.Errorf("search total = %d, want 1", got.Total)
	}
	if got := list(map[string]any{"limit": 2}); len(got.Prompts) != 2 || got.Total != 3 {
		t.Errorf("paged = %d of %d, want 2 of 3", len(got.Prompts), got.Total)
	}
	if got := list(map[string]any{"offset": 5}); len(got.Prompts) != 0 {
		t.Errorf("offset past end returned %d prompts", len(got.Prompts))
	}
}

func TestGetCategories(t *testing.T) {
	h := New()
	createPrompt(t, h, map[string]any{"title": "a", "text": "x", "category": "writing"})
	createPrompt(t, h, map[string]any{"title": "b", "text": "y", "category": "engineering"})
	createPrompt(t, h, map[string]any{"title": "c", "text": "z"})

	data, err := op(t, h, map[string]any{"operation": "getCategories"})
	if err != nil {
		t.Fatalf("getCategories: %v", err)
	}
	var out struct {
		Categories []string `json:"categories"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := []string{"engineering", "general", "writing"}
	if len(out.Categories) != len(want) {
		t.Fatalf("categories = %v, want %v", out.Categories, want)
	}
	for i := range want {
		if out.Categories[i] != want[i] {
			t.Errorf("categories = %v, want %v", out.Categories, want)
			break
		}
	}
}

func TestTemplateRender(t *testing.T) {
	h := New()

	data, err := op(t, h, map[string]any{
		"operation": "createTemplate",
		"prompt": map[string]any{
			"name": "greeting",
			"text": "Hello {{name}}, welcome to {{place}}! Enjoy {{place}}.",
		},
	})
	if err != nil {
		t.Fatalf("createTemplate: %v", err)
	}
	var tpl Template
	if err := json.Unmarshal(data, &tpl); err != nil {
		t.Fatalf("decode template: %v", err)
	}
	if len(tpl.Variables) != 2 || tpl.Variables[0] != "name" || tpl.Variables[1] != "place" {
		t.Fatalf("variables = %v, want [name place]", tpl.Variables)
	}

	data, err = op(t, h, map[string]any{
		"operation":  "renderTemplate",
		"templateId": tpl.ID,
		"variables":  map[string]any{"name": "Ada", "place": "Caphub"},
	})
	if err != nil {
		t.Fatalf("renderTemplate: %v", err)
	}
	var rendered struct {
		RenderedText string `json:"renderedText"`
	}
	if err := json.Unmarshal(data, &rendered); err != nil {
		t.Fatalf("decode render: %v", err)
	}
	if rendered.RenderedText != "Hello Ada, welcome to Caphub! Enjoy Caphub." {
		t.Errorf("renderedText = %q", rendered.RenderedText)
	}
}

func TestRenderTemplateMissingVariables(t *testing.T) {
	h := New()

	data, err := op(t, h, map[string]any{
		"operation": "createTemplate",
		"prompt":    map[string]any{"name": "g", "text": "{{a}} and {{b}}"},
	})
	if err != nil {
		t.Fatalf("createTemplate: %v", err)
	}
	var tpl Template
	if err := json.Unmarshal(data, &tpl); err != nil {
		t.Fatalf("decode template: %v", err)
	}

	_, err = op(t, h, map[string]any{
		"operation":  "renderTemplate",
		"templateId": tpl.ID,
		"variables":  map[string]any{"a": 1},
	})
	if err == nil || !strings.Contains(err.Error(), "missing required variables: b") {
		t.Fatalf("expected missing variables error, got %v", err)
	}
}

func TestHandleRejectsWrongType(t *testing.T) {
	h := New()
	req, _ := envelope.NewRequest("tool-execution", map[string]any{"operation": "listPrompts"})
	if _, err := h.Handle(context.Background(), req); err == nil {
		t.Fatal("expected error for non prompt-management request")
	}
}

func TestUnknownOperation(t *testing.T) {
	h := New()
	if _, err := op(t, h, map[string]any{"operation": "compilePrompt"}); err == nil {
		t.Fatal("expected error for unsupported operation")
	}
}
