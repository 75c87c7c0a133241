// Package gatewayhttp is the HTTP-facing composition root of the capability
// gateway. It wires the session registry, the dispatch router, and the
// notification hub behind the session CRUD endpoints, the request-submission
// endpoint, and the server-sent-events push channel.
package gatewayhttp

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/caphub/caphub-go/dispatch"
	"github.com/caphub/caphub-go/envelope"
	"github.com/caphub/caphub-go/errdefs"
	"github.com/caphub/caphub-go/internal/logctx"
	"github.com/caphub/caphub-go/notify"
	"github.com/caphub/caphub-go/sessions"
	"github.com/google/uuid"
)

var _ http.Handler = (*Handler)(nil)

const defaultKeepAliveInterval = 30 * time.Second

// Option configures the Handler.
type Option func(*Handler)

// WithLogger sets the slog logger used by the handler.
func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) { h.log = log }
}

// WithServerName sets the metadata source stamped on gateway-emitted
// notifications.
func WithServerName(name string) Option {
	return func(h *Handler) { h.serverName = name }
}

// WithKeepAliveInterval overrides the SSE ping cadence.
func WithKeepAliveInterval(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.keepAlive = d
		}
	}
}

// Handler serves the gateway's HTTP surface.
type Handler struct {
	mux      *http.ServeMux
	registry *sessions.Registry
	router   *dispatch.Router
	hub      *notify.Hub

	serverName string
	keepAlive  time.Duration
	log        *slog.Logger
}

// New wires the three core components behind the HTTP surface.
func New(registry *sessions.Registry, router *dispatch.Router, hub *notify.Hub, opts ...Option) *Handler {
	h := &Handler{
		mux:        http.NewServeMux(),
		registry:   registry,
		router:     router,
		hub:        hub,
		serverName: "caphub-gateway",
		keepAlive:  defaultKeepAliveInterval,
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}

	h.mux.HandleFunc("POST /sessions", h.handleCreateSession)
	h.mux.HandleFunc("GET /sessions/{id}", h.handleGetSession)
	h.mux.HandleFunc("DELETE /sessions/{id}", h.handleCloseSession)
	h.mux.HandleFunc("POST /sessions/{id}/requests", h.handleSubmitRequest)
	h.mux.HandleFunc("GET /events/{clientId}", h.handleEvents)
	h.mux.HandleFunc("GET /notifications/{clientId}", h.handlePendingNotifications)
	h.mux.HandleFunc("POST /notify/{clientId}", h.handleNotify)
	h.mux.HandleFunc("POST /broadcast", h.handleBroadcast)
	h.mux.HandleFunc("GET /healthz", h.handleHealthz)

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		Path:       r.URL.Path,
		RemoteAddr: r.RemoteAddr,
	})
	h.mux.ServeHTTP(w, r.WithContext(ctx))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, errdefs.HTTPStatus(err), map[string]any{
		"error":   errdefs.Code(err),
		"message": err.Error(),
	})
}

func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body struct {
		ClientID string `json:"clientId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, &errdefs.RequestError{Reason: "undecodable request body"})
		return
	}

	info, err := h.registry.Create(body.ClientID)
	if err != nil {
		h.log.WarnContext(ctx, "session.create.reject", slog.String("err", err.Error()))
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"sessionId": info.ID})
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	info, err := h.registry.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":                 info.ID,
		"clientId":           info.ClientID,
		"created":            info.Created.Format(time.RFC3339Nano),
		"lastActivity":       info.LastActivity.Format(time.RFC3339Nano),
		"activeRequestCount": info.ActiveRequestCount,
	})
}

func (h *Handler) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	if !h.registry.Close(r.PathValue("id")) {
		writeError(w, errdefs.ErrSessionNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSubmitRequest drives the per-request state machine: record in-flight,
// dispatch, remove the record, emit exactly one terminal notification, and
// answer the caller synchronously with the backend's response.
func (h *Handler) handleSubmitRequest(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sessionID := r.PathValue("id")

	info, err := h.registry.Get(sessionID)
	if err != nil {
		writeError(w, err)
		return
	}

	ctx := logctx.WithSessionData(r.Context(), &logctx.SessionData{
		SessionID: sessionID,
		ClientID:  info.ClientID,
	})

	var req envelope.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &errdefs.RequestError{Reason: "undecodable request envelope"})
		return
	}
	// The sender may omit the id; generate one so the request is trackable.
	if req.ID == "" {
		req.ID = "req-" + uuid.NewString()
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now().UTC()
	}
	if !envelope.ValidRequest(&req) {
		writeError(w, &errdefs.RequestError{Reason: "malformed request envelope"})
		return
	}

	ctx = logctx.WithDispatchData(ctx, &logctx.DispatchData{
		RequestID:   req.ID,
		RequestType: req.Type,
		Backend:     h.router.Resolve(req.Type),
	})

	if err := h.registry.AddRequest(sessionID, req.ID, &req); err != nil {
		writeError(w, err)
		return
	}
	h.log.InfoContext(ctx, "request.submit")

	res, dispatchErr := h.router.Dispatch(ctx, &req)

	// The in-flight record is removed on every terminal path. The session may
	// have been swept mid-flight; that is benign and only logged.
	if err := h.registry.RemoveRequest(sessionID, req.ID); err != nil {
		if errors.Is(err, errdefs.ErrSessionNotFound) {
			h.log.DebugContext(ctx, "request.session.gone")
		} else {
			h.log.ErrorContext(ctx, "request.untrack.fail", slog.String("err", err.Error()))
		}
	}

	if dispatchErr != nil {
		h.log.ErrorContext(ctx, "request.fail",
			slog.String("err", dispatchErr.Error()),
			slog.Duration("dur", time.Since(start)))
		h.emitNotification(info.ClientID, "request-error", map[string]any{
			"requestId": req.ID,
			"sessionId": sessionID,
			"error":     dispatchErr.Error(),
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		})
		writeError(w, dispatchErr)
		return
	}

	h.emitNotification(info.ClientID, "request-completed", map[string]any{
		"requestId": req.ID,
		"sessionId": sessionID,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})

	h.log.InfoContext(ctx, "request.ok", slog.Duration("dur", time.Since(start)))
	writeJSON(w, http.StatusOK, res)
}

// emitNotification builds and sends a gateway notification. Delivery is
// best-effort; an unregistered or dead client is not an error here.
func (h *Handler) emitNotification(clientID, typ string, data map[string]any) {
	n, err := envelope.NewNotification(typ, data, envelope.WithSource(h.serverName))
	if err != nil {
		h.log.Error("notify.build.fail", slog.String("type", typ), slog.String("err", err.Error()))
		return
	}
	h.hub.Send(clientID, n)
}

// NotifyExpired emits a session-expired notification for a reclaimed
// session. The idle sweeper calls this for every session it closes.
func (h *Handler) NotifyExpired(e sessions.Expired) {
	h.emitNotification(e.ClientID, "session-expired", map[string]any{
		"sessionId": e.SessionID,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (h *Handler) handlePendingNotifications(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("clientId")
	if !h.hub.IsConnected(clientID) {
		writeError(w, errdefs.ErrClientNotFound)
		return
	}

	max := 0
	if v := r.URL.Query().Get("max"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, &errdefs.RequestError{Reason: "max must be an integer"})
			return
		}
		max = n
	}

	drained := h.hub.Drain(clientID, max)
	if drained == nil {
		drained = []*envelope.Notification{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": drained, "count": len(drained)})
}

func (h *Handler) handleNotify(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("clientId")

	var body struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Type == "" {
		writeError(w, &errdefs.RequestError{Reason: "notification type is required"})
		return
	}

	n, err := envelope.NewNotification(body.Type, body.Data, envelope.WithSource(h.serverName))
	if err != nil {
		writeError(w, &errdefs.RequestError{Reason: "unencodable notification data"})
		return
	}
	// An unknown client is the caller's mistake; a known client whose
	// channel rejected the write lost its registration just now.
	if !h.hub.IsConnected(clientID) {
		writeError(w, errdefs.ErrClientNotFound)
		return
	}
	if !h.hub.Send(clientID, n) {
		writeError(w, errdefs.ErrDeliveryFailed)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"delivered": true})
}

func (h *Handler) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Type == "" {
		writeError(w, &errdefs.RequestError{Reason: "notification type is required"})
		return
	}

	n, err := envelope.NewNotification(body.Type, body.Data, envelope.WithSource(h.serverName))
	if err != nil {
		writeError(w, &errdefs.RequestError{Reason: "unencodable notification data"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"delivered": h.hub.Broadcast(n)})
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	backends := h.router.CheckHealth(r.Context())

	overall := "healthy"
	for _, status := range backends {
		if status.Status != "healthy" {
			overall = "degraded"
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   overall,
		"sessions": h.registry.Len(),
		"clients":  h.hub.ClientCount(),
		"backends": backends,
	})
}
