// Package notify maintains one outbound delivery channel and one bounded
// FIFO queue per connected client. Both direct and broadcast delivery treat
// a failed channel write as "client gone" and clean up immediately; nothing
// is retried and nothing survives a reconnect.
package notify

import (
	"log/slog"
	"sync"
	"time"

	"github.com/caphub/caphub-go/envelope"
)

const (
	// defaultQueueCap bounds the per-client pull queue. Overflow drops the
	// oldest entry; delivery is best-effort.
	defaultQueueCap = 256

	// defaultChannelCap buffers the push channel so a briefly slow stream
	// writer does not count as a dead client. Because every delivery also
	// writes to the channel, a client that never drains it is evicted after
	// defaultChannelCap undelivered sends; the larger queue bound only comes
	// into play while a stream consumer keeps the channel moving.
	defaultChannelCap = 32
)

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the slog logger used by the hub.
func WithLogger(log *slog.Logger) Option {
	return func(h *Hub) { h.log = log }
}

// WithQueueCap overrides the per-client queue bound.
func WithQueueCap(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.queueCap = n
		}
	}
}

// WithSource sets the metadata source stamped on hub-constructed
// notifications (the connected greeting).
func WithSource(source string) Option {
	return func(h *Hub) { h.source = source }
}

type client struct {
	ch    chan *envelope.Notification
	queue []*envelope.Notification
}

// Hub is the notification fan-out. One mutex guards both the client-channel
// map and the per-client queues; they are mutated from request handlers and
// from the sweep path concurrently.
type Hub struct {
	mu      sync.Mutex
	clients map[string]*client

	queueCap int
	chanCap  int
	source   string
	log      *slog.Logger
}

// NewHub constructs an empty hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		clients:  make(map[string]*client),
		queueCap: defaultQueueCap,
		chanCap:  defaultChannelCap,
		source:   "caphub-gateway",
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register creates the client's delivery channel and queue and immediately
// emits a connected notification on the channel. Registering an already
// registered client replaces (and closes) its previous channel.
func (h *Hub) Register(clientID string) <-chan *envelope.Notification {
	connected, err := envelope.NewNotification("connected", map[string]any{
		"clientId":  clientID,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}, envelope.WithSource(h.source))
	if err != nil {
		// Marshaling a string map cannot fail; keep the channel usable anyway.
		h.log.Error("notify.connected.build.fail", slog.String("err", err.Error()))
	}

	h.mu.Lock()
	if prev, ok := h.clients[clientID]; ok {
		close(prev.ch)
	}
	c := &client{ch: make(chan *envelope.Notification, h.chanCap)}
	h.clients[clientID] = c
	if connected != nil {
		// The fresh channel always has room, so this cannot evict the client.
		h.deliverLocked(clientID, c, connected)
	}
	h.mu.Unlock()

	h.log.Info("notify.client.register", slog.String("client_id", clientID))
	return c.ch
}

// Unregister removes the client's channel and queue. Idempotent.
func (h *Hub) Unregister(clientID string) bool {
	h.mu.Lock()
	c, ok := h.clients[clientID]
	if ok {
		delete(h.clients, clientID)
		close(c.ch)
	}
	h.mu.Unlock()

	if ok {
		h.log.Info("notify.client.unregister", slog.String("client_id", clientID))
	}
	return ok
}

// Send enqueues the notification for clientID and attempts immediate
// delivery on its channel. It reports false if the client is not registered
// or its channel rejected the write; in the latter case the client is
// unregistered, since the connection behind the channel is assumed dead.
func (h *Hub) Send(clientID string, n *envelope.Notification) bool {
	h.mu.Lock()
	c, ok := h.clients[clientID]
	if !ok {
		h.mu.Unlock()
		h.log.Debug("notify.send.miss", slog.String("client_id", clientID))
		return false
	}
	delivered := h.deliverLocked(clientID, c, n)
	h.mu.Unlock()

	if !delivered {
		h.log.Warn("notify.send.fail", slog.String("client_id", clientID), slog.String("type", n.Type))
	}
	return delivered
}

// Broadcast attempts delivery to every registered client independently and
// returns the count of successful deliveries. A single dead client is
// unregistered without aborting the rest.
func (h *Hub) Broadcast(n *envelope.Notification) int {
	h.mu.Lock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	delivered := 0
	for _, id := range ids {
		c, ok := h.clients[id]
		if !ok {
			continue
		}
		if h.deliverLocked(id, c, n) {
			delivered++
		}
	}
	h.mu.Unlock()

	h.log.Info("notify.broadcast", slog.String("type", n.Type), slog.Int("delivered", delivered))
	return delivered
}

// deliverLocked enqueues and pushes under the hub lock. A full channel means
// the consumer stopped draining; the client is dropped on the spot. This
// applies to poll-only clients too: their registration survives at most
// chanCap deliveries, each of which they can still pick up via Drain before
// the channel fills.
func (h *Hub) deliverLocked(clientID string, c *client, n *envelope.Notification) bool {
	c.queue = append(c.queue, n)
	if len(c.queue) > h.queueCap {
		c.queue = c.queue[1:]
	}

	select {
	case c.ch <- n:
		return true
	default:
		delete(h.clients, clientID)
		close(c.ch)
		return false
	}
}

// Drain returns up to max queued notifications for the client in FIFO order,
// removing them from the queue. max <= 0 drains everything. An unknown
// client yields nil.
func (h *Hub) Drain(clientID string, max int) []*envelope.Notification {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[clientID]
	if !ok {
		return nil
	}
	n := len(c.queue)
	if max > 0 && max < n {
		n = max
	}
	out := make([]*envelope.Notification, n)
	copy(out, c.queue[:n])
	c.queue = append(c.queue[:0], c.queue[n:]...)
	return out
}

// Release unregisters clientID only if ch is still its registered channel.
// A stream handler that lost its registration to a reconnect must not tear
// down the replacement.
func (h *Hub) Release(clientID string, ch <-chan *envelope.Notification) bool {
	h.mu.Lock()
	c, ok := h.clients[clientID]
	if ok && c.ch == ch {
		delete(h.clients, clientID)
		close(c.ch)
	} else {
		ok = false
	}
	h.mu.Unlock()

	if ok {
		h.log.Info("notify.client.unregister", slog.String("client_id", clientID))
	}
	return ok
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// IsConnected reports whether clientID currently holds a registration.
func (h *Hub) IsConnected(clientID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.clients[clientID]
	return ok
}
