package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/caphub/caphub-go/envelope"
)

// stubHandler scripts one backend behavior per test.
type stubHandler struct {
	handle func(ctx context.Context, req *envelope.Request) (*envelope.Response, error)
}

func (s *stubHandler) Kind() string      { return "stub" }
func (s *stubHandler) Capabilities() any { return map[string]any{"operations": []string{"echo"}} }
func (s *stubHandler) Handle(ctx context.Context, req *envelope.Request) (*envelope.Response, error) {
	return s.handle(ctx, req)
}

func postProcess(t *testing.T, h http.Handler, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/process", bytes.NewReader(body)))
	return rec
}

func TestProcessSuccess(t *testing.T) {
	h := NewHTTPHandler(&stubHandler{
		handle: func(ctx context.Context, req *envelope.Request) (*envelope.Response, error) {
			return envelope.NewResponse(req.ID, envelope.StatusSuccess, map[string]any{"echo": true})
		},
	})

	req, _ := envelope.NewRequest("tool-execution", map[string]any{})
	body, _ := json.Marshal(req)

	rec := postProcess(t, h, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var res envelope.Response
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if res.RequestID != req.ID || res.Status != envelope.StatusSuccess {
		t.Errorf("response = %+v", res)
	}
}

func TestProcessRejectsInvalidEnvelope(t *testing.T) {
	h := NewHTTPHandler(&stubHandler{
		handle: func(ctx context.Context, req *envelope.Request) (*envelope.Response, error) {
			t.Fatal("handler must not run for an invalid envelope")
			return nil, nil
		},
	})

	rec := postProcess(t, h, []byte(`{"id":"req-1","type":"tool-execution"}`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	var res envelope.Response
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	if res.Status != envelope.StatusError {
		t.Errorf("error body status = %q", res.Status)
	}
}

func TestProcessHandlerErrorBecomesErrorEnvelope(t *testing.T) {
	h := NewHTTPHandler(&stubHandler{
		handle: func(ctx context.Context, req *envelope.Request) (*envelope.Response, error) {
			return nil, errors.New("tool not found: telescope")
		},
	})

	req, _ := envelope.NewRequest("tool-execution", map[string]any{})
	body, _ := json.Marshal(req)

	rec := postProcess(t, h, body)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}

	var res envelope.Response
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	if res.Status != envelope.StatusError {
		t.Errorf("status = %q, want error", res.Status)
	}
	if res.RequestID != req.ID {
		t.Errorf("requestId = %q, want %q", res.RequestID, req.ID)
	}
	var data struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(res.Data, &data); err != nil {
		t.Fatalf("decode error data: %v", err)
	}
	if data.Error != "tool not found: telescope" {
		t.Errorf("error detail = %q", data.Error)
	}
}

func TestProcessContainsHandlerPanic(t *testing.T) {
	h := NewHTTPHandler(&stubHandler{
		handle: func(ctx context.Context, req *envelope.Request) (*envelope.Response, error) {
			panic("nil map write")
		},
	})

	req, _ := envelope.NewRequest("tool-execution", map[string]any{})
	body, _ := json.Marshal(req)

	rec := postProcess(t, h, body)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500 after contained panic", rec.Code)
	}
}

func TestHealthDocument(t *testing.T) {
	h := NewHTTPHandler(&stubHandler{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var doc struct {
		Status       string `json:"status"`
		Server       string `json:"server"`
		Capabilities any    `json:"capabilities"`
		Timestamp    string `json:"timestamp"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&doc); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if doc.Status != "healthy" || doc.Server != "stub" {
		t.Errorf("health = %+v", doc)
	}
	if doc.Capabilities == nil || doc.Timestamp == "" {
		t.Errorf("health missing capabilities or timestamp: %+v", doc)
	}
}
