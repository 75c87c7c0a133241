package roots

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/caphub/caphub-go/envelope"
)

func op(t *testing.T, h *Handler, payload map[string]any) (map[string]any, error) {
	t.Helper()
	req, err := envelope.NewRequest("root-operation", payload)
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
	var data map[string]any
	if err := json.Unmarshal(res.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	return data, nil
}

func createRoot(t *testing.T, h *Handler, name, typ string) string {
	t.Helper()
	data, err := op(t, h, map[string]any{
		"operation": "create",
		"root":      map[string]any{"name": name, "type": typ},
	})
	if err != nil {
		t.Fatalf("create root: %v", err)
	}
	id, _ := data["id"].(string)
	if id == "" {
		t.Fatal("created root has no id")
	}
	return id
}

func TestRootCRUD(t *testing.T) {
	h := New()
	id := createRoot(t, h, "workspace", "directory")

	got, err := op(t, h, map[string]any{"operation": "get", "rootId": id})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got["name"] != "workspace" || got["type"] != "directory" {
		t.Errorf("got root %v", got)
	}
	if _, ok := got["params"].(map[string]any); !ok {
		t.Error("params should default to an empty object")
	}

	updated, err := op(t, h, map[string]any{
		"operation": "update",
		"rootId":    id,
		"updates": map[string]any{
			"name":   "renamed",
			"params": map[string]any{"path": "/srv"},
			"owner":  "ignored",
		},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated["name"] != "renamed" {
		t.Errorf("updated name = %v", updated["name"])
	}
	if updated["type"] != "directory" {
		t.Errorf("type changed unexpectedly to %v", updated["type"])
	}
	params, _ := updated["params"].(map[string]any)
	if params["path"] != "/srv" {
		t.Errorf("params = %v", params)
	}
	if _, leaked := updated["owner"]; leaked {
		t.Error("unknown update field applied")
	}

	deleted, err := op(t, h, map[string]any{"operation": "delete", "rootId": id})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if deleted["deleted"] != true || deleted["id"] != id {
		t.Errorf("delete result = %v", deleted)
	}

	if _, err := op(t, h, map[string]any{"operation": "get", "rootId": id}); err == nil {
		t.Fatal("expected not found after delete")
	}
}

func TestCreateRequiresNameAndType(t *testing.T) {
	h := New()
	cases := []map[string]any{
		{"name": "x"},
		{"type": "directory"},
		{},
	}
	for _, root := range cases {
		if _, err := op(t, h, map[string]any{"operation": "create", "root": root}); err == nil {
			t.Errorf("create %v should fail", root)
		}
	}
}

func TestListFiltersAndPages(t *testing.T) {
	h := New()
	createRoot(t, h, "a", "directory")
	createRoot(t, h, "b", "directory")
	createRoot(t, h, "c", "url")

	data, err := op(t, h, map[string]any{"operation": "list", "type": "directory"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if data["total"] != float64(2) {
		t.Errorf("total = %v, want 2", data["total"])
	}

	paged, err := op(t, h, map[string]any{"operation": "list", "limit": 1, "offset": 1})
	if err != nil {
		t.Fatalf("list paged: %v", err)
	}
	roots, _ := paged["roots"].([]any)
	if len(roots) != 1 {
		t.Errorf("paged roots = %d, want 1", len(roots))
	}
	if paged["total"] != float64(3) {
		t.Errorf("paged total = %v, want 3", paged["total"])
	}

	empty, err := op(t, h, map[string]any{"operation": "list", "offset": 10})
	if err != nil {
		t.Fatalf("list past end: %v", err)
	}
	if roots, _ := empty["roots"].([]any); len(roots) != 0 {
		t.Errorf("offset past end returned %d roots", len(roots))
	}
}

func TestUpdateMissingRoot(t *testing.T) {
	h := New()
	if _, err := op(t, h, map[string]any{
		"operation": "update",
		"rootId":    "nope",
		"updates":   map[string]any{"name": "x"},
	}); err == nil {
		t.Fatal("expected not found error")
	}
}

func TestUnknownOperation(t *testing.T) {
	h := New()
	if _, err := op(t, h, map[string]any{"operation": "promote"}); err == nil {
		t.Fatal("expected error for unsupported operation")
	}
}

func TestHandleRejectsWrongType(t *testing.T) {
	h := New()
	req, err := envelope.NewRequest("tool-execution", map[string]any{"operation": "list"})
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if _, err := h.Handle(context.Background(), req); err == nil {
		t.Fatal("expected error for mismatched request type")
	}
}

func TestCapabilitiesReportCount(t *testing.T) {
	h := New()
	createRoot(t, h, "a", "directory")
	caps, ok := h.Capabilities().(map[string]any)
	if !ok {
		t.Fatalf("capabilities have type %T", h.Capabilities())
	}
	if caps["count"] != 1 {
		t.Errorf("count = %v, want 1", caps["count"])
	}
}
