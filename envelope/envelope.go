// Package envelope defines the three message shapes exchanged between the
// gateway and capability backends: requests, responses, and notifications.
// Every component in the system speaks this contract and nothing else.
package envelope

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ProtocolVersion is stamped into the metadata of every constructed message.
const ProtocolVersion = "1.0"

// Status values carried by a response envelope.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Kind discriminates the three message shapes for validation purposes.
type Kind string

const (
	KindRequest      Kind = "request"
	KindResponse     Kind = "response"
	KindNotification Kind = "notification"
)

// Metadata rides along on every message. Version and Source are always set
// by the constructors; Extra captures any additional fields without loss.
type Metadata struct {
	Version string `json:"version"`
	Source  string `json:"source"`

	Extra map[string]any `json:"-"`
}

// MarshalJSON flattens Extra into the top-level metadata object.
func (m Metadata) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, 2+len(m.Extra))
	for k, v := range m.Extra {
		out[k] = v
	}
	out["version"] = m.Version
	out["source"] = m.Source
	return json.Marshal(out)
}

// UnmarshalJSON splits known fields from the remainder, preserving unknown
// metadata keys round-trip.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["version"].(string); ok {
		m.Version = v
	}
	if s, ok := raw["source"].(string); ok {
		m.Source = s
	}
	delete(raw, "version")
	delete(raw, "source")
	if len(raw) > 0 {
		m.Extra = raw
	}
	return nil
}

// Request is the envelope a client submits and the gateway forwards to a
// backend. Type selects the backend via the routing table; Payload is opaque
// to the gateway.
type Request struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Metadata  Metadata        `json:"metadata"`
}

// Response is the envelope a backend returns. RequestID correlates it to the
// originating request; Status is StatusSuccess or StatusError.
type Response struct {
	ID        string          `json:"id"`
	RequestID string          `json:"requestId"`
	Timestamp time.Time       `json:"timestamp"`
	Status    string          `json:"status"`
	Data      json.RawMessage `json:"data"`
	Metadata  Metadata        `json:"metadata"`
}

// Notification is an uncorrelated event pushed to one or all clients.
type Notification struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Metadata  Metadata        `json:"metadata"`
}

// Option customizes a constructed message.
type Option func(*msgConfig)

type msgConfig struct {
	id     string
	source string
	extra  map[string]any
}

// WithID overrides the generated message ID.
func WithID(id string) Option {
	return func(c *msgConfig) { c.id = id }
}

// WithSource sets the metadata source identifier.
func WithSource(source string) Option {
	return func(c *msgConfig) { c.source = source }
}

// WithMetadata merges additional metadata fields into the message.
func WithMetadata(extra map[string]any) Option {
	return func(c *msgConfig) { c.extra = extra }
}

func applyOptions(defaultSource, idPrefix string, opts []Option) msgConfig {
	cfg := msgConfig{source: defaultSource}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.id == "" {
		cfg.id = idPrefix + uuid.NewString()
	}
	return cfg
}

// NewRequest builds a request envelope of the given type. The payload is
// marshaled as-is; a nil payload becomes JSON null.
func NewRequest(typ string, payload any, opts ...Option) (*Request, error) {
	cfg := applyOptions("caphub-client", "req-", opts)
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Request{
		ID:        cfg.id,
		Timestamp: time.Now().UTC(),
		Type:      typ,
		Payload:   body,
		Metadata:  Metadata{Version: ProtocolVersion, Source: cfg.source, Extra: cfg.extra},
	}, nil
}

// NewResponse builds a response envelope correlated to requestID.
func NewResponse(requestID, status string, data any, opts ...Option) (*Response, error) {
	cfg := applyOptions("caphub-server", "res-", opts)
	body, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Response{
		ID:        cfg.id,
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
		Status:    status,
		Data:      body,
		Metadata:  Metadata{Version: ProtocolVersion, Source: cfg.source, Extra: cfg.extra},
	}, nil
}

// NewNotification builds a notification envelope of the given type.
func NewNotification(typ string, data any, opts ...Option) (*Notification, error) {
	cfg := applyOptions("caphub-server", "notif-", opts)
	body, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Notification{
		ID:        cfg.id,
		Timestamp: time.Now().UTC(),
		Type:      typ,
		Data:      body,
		Metadata:  Metadata{Version: ProtocolVersion, Source: cfg.source, Extra: cfg.extra},
	}, nil
}
