package gatewayhttp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/caphub/caphub-go/envelope"
	"github.com/elnormous/contenttype"
)

var eventStreamMediaTypes = []contenttype.MediaType{
	contenttype.NewMediaType("text/event-stream"),
}

// lockedWriteFlusher serializes writes/flushes on the SSE connection and
// refuses writes after the request context is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// handleEvents holds the push channel open for the client's lifetime. The
// stream goroutine blocks on "next notification or keepalive tick, whichever
// first" and drains the same per-client channel the hub's Send/Broadcast
// write to, so pushed notifications actually reach the wire. After the
// stream starts, disconnection is the only termination signal; no error
// status is ever written.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	clientID := r.PathValue("clientId")

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		h.log.Warn("sse.accept.unsupported", slog.String("client_id", clientID))
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.Error("sse.flusher.missing")
		return
	}

	ctx := r.Context()
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	// Registration emits the connected greeting on the channel; the loop
	// below writes it as the stream's first event.
	ch := h.hub.Register(clientID)
	defer h.hub.Release(clientID, ch)

	h.log.Info("sse.stream.start", slog.String("client_id", clientID))

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	pingCount := 0
	for {
		select {
		case <-ctx.Done():
			h.log.Info("sse.stream.end",
				slog.String("client_id", clientID),
				slog.Duration("dur", time.Since(start)))
			return

		case n, ok := <-ch:
			if !ok {
				// The hub dropped this registration (replaced by a reconnect
				// or force-unregistered).
				h.log.Info("sse.stream.replaced", slog.String("client_id", clientID))
				return
			}
			if err := writeSSEEvent(wf, n); err != nil {
				h.log.Warn("sse.write.fail",
					slog.String("client_id", clientID),
					slog.String("err", err.Error()))
				return
			}

		case <-ticker.C:
			pingCount++
			ping, err := envelope.NewNotification("ping", map[string]any{
				"count":     pingCount,
				"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
			}, envelope.WithSource(h.serverName))
			if err != nil {
				continue
			}
			if err := writeSSEEvent(wf, ping); err != nil {
				h.log.Warn("sse.ping.fail",
					slog.String("client_id", clientID),
					slog.String("err", err.Error()))
				return
			}
		}
	}
}

// writeSSEEvent frames one notification as `data: {json}\n\n` and flushes.
func writeSSEEvent(wf *lockedWriteFlusher, n *envelope.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if _, err := wf.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("write SSE data prefix: %w", err)
	}
	if _, err := wf.Write(payload); err != nil {
		return fmt.Errorf("write SSE payload: %w", err)
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("write SSE frame terminator: %w", err)
	}
	wf.Flush()
	return nil
}
