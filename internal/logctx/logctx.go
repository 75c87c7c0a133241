// Package logctx enriches slog records with request, session, and dispatch
// attributes carried in the context. Handlers install data once; every log
// line emitted below them picks it up without threading fields by hand.
package logctx

import (
	"context"
	"log/slog"
)

// Handler wraps another slog.Handler and injects grouped attributes from
// the context into each record.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("path", rd.Path),
			slog.String("remote_addr", rd.RemoteAddr),
		))
	}

	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("id", sd.SessionID),
			slog.String("client_id", sd.ClientID),
		))
	}

	if dd, ok := ctx.Value(dispatchDataKey{}).(*DispatchData); ok {
		r.AddAttrs(slog.Group("dispatch",
			slog.String("request_id", dd.RequestID),
			slog.String("type", dd.RequestType),
			slog.String("backend", dd.Backend),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type requestDataKey struct{}

// RequestData identifies one inbound HTTP request.
type RequestData struct {
	RequestID  string
	Method     string
	Path       string
	RemoteAddr string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type sessionDataKey struct{}

// SessionData identifies the session a request operates on.
type SessionData struct {
	SessionID string
	ClientID  string
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

type dispatchDataKey struct{}

// DispatchData identifies an envelope in flight to a backend.
type DispatchData struct {
	RequestID   string
	RequestType string
	Backend     string
}

func WithDispatchData(ctx context.Context, data *DispatchData) context.Context {
	return context.WithValue(ctx, dispatchDataKey{}, data)
}
