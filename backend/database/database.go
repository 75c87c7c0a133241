// Package database implements the database-query capability backend as a
// key-value adapter over Redis. Queries are structured operations rather
// than raw SQL: get, set, delete, keys, and ping.
package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/caphub/caphub-go/backend"
	"github.com/caphub/caphub-go/dispatch"
	"github.com/caphub/caphub-go/envelope"
	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "caphub:db:"

// Option configures the database handler.
type Option func(*Handler)

// WithLogger sets the slog logger.
func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) { h.log = log }
}

// WithKeyPrefix overrides the Redis key prefix.
func WithKeyPrefix(prefix string) Option {
	return func(h *Handler) { h.keyPrefix = prefix }
}

// Handler is the database-query backend.
type Handler struct {
	client    *redis.Client
	keyPrefix string
	log       *slog.Logger
}

// New wraps a Redis client in the backend contract.
func New(client *redis.Client, opts ...Option) (*Handler, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	h := &Handler{
		client:    client,
		keyPrefix: defaultKeyPrefix,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

func (h *Handler) Kind() string { return "database" }

func (h *Handler) Capabilities() any {
	return map[string]any{
		"operations": []string{"get", "set", "delete", "keys", "ping"},
		"store":      "redis",
	}
}

type queryPayload struct {
	Query   string          `json:"query"`
	Key     string          `json:"key"`
	Value   json.RawMessage `json:"value"`
	Pattern string          `json:"pattern"`
	TTL     time.Duration   `json:"ttl"`
}

// Handle executes one structured query against Redis.
func (h *Handler) Handle(ctx context.Context, req *envelope.Request) (*envelope.Response, error) {
	if req.Type != dispatch.TypeDatabaseQuery {
		return nil, fmt.Errorf("unsupported request type for database backend: %s", req.Type)
	}

	var p queryPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode database-query payload: %w", err)
	}
	if p.Query == "" {
		return nil, fmt.Errorf("query is required")
	}

	h.log.Info("db.query", slog.String("query", p.Query), slog.String("key", p.Key))

	result, err := h.execute(ctx, p)
	if err != nil {
		return nil, err
	}

	return envelope.NewResponse(req.ID, envelope.StatusSuccess,
		map[string]any{"result": result},
		envelope.WithSource("capserver-database"))
}

func (h *Handler) execute(ctx context.Context, p queryPayload) (any, error) {
	switch p.Query {
	case "get":
		if p.Key == "" {
			return nil, fmt.Errorf("key is required for get")
		}
		val, err := h.client.Get(ctx, h.keyPrefix+p.Key).Result()
		if errors.Is(err, redis.Nil) {
			return map[string]any{"key": p.Key, "found": false}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("get %s: %w", p.Key, err)
		}
		return map[string]any{"key": p.Key, "found": true, "value": json.RawMessage(val)}, nil

	case "set":
		if p.Key == "" {
			return nil, fmt.Errorf("key is required for set")
		}
		if p.Value == nil {
			return nil, fmt.Errorf("value is required for set")
		}
		if err := h.client.Set(ctx, h.keyPrefix+p.Key, []byte(p.Value), p.TTL).Err(); err != nil {
			return nil, fmt.Errorf("set %s: %w", p.Key, err)
		}
		return map[string]any{"key": p.Key, "stored": true}, nil

	case "delete":
		if p.Key == "" {
			return nil, fmt.Errorf("key is required for delete")
		}
		n, err := h.client.Del(ctx, h.keyPrefix+p.Key).Result()
		if err != nil {
			return nil, fmt.Errorf("delete %s: %w", p.Key, err)
		}
		return map[string]any{"key": p.Key, "deleted": n > 0}, nil

	case "keys":
		pattern := p.Pattern
		if pattern == "" {
			pattern = "*"
		}
		var keys []string
		iter := h.client.Scan(ctx, 0, h.keyPrefix+pattern, 0).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val()[len(h.keyPrefix):])
		}
		if err := iter.Err(); err != nil {
			return nil, fmt.Errorf("scan %s: %w", pattern, err)
		}
		return map[string]any{"keys": keys, "count": len(keys)}, nil

	case "ping":
		if err := h.client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping: %w", err)
		}
		return map[string]any{"pong": true}, nil

	default:
		return nil, fmt.Errorf("unsupported query: %s", p.Query)
	}
}

var _ backend.Handler = (*Handler)(nil)
