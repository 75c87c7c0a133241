// Package sessions owns the set of live client sessions: creation, lookup,
// in-flight request accounting, and idle reclamation. A single Registry is
// shared by every request handler and by the background sweeper; all access
// goes through one coarse mutex.
package sessions

import (
	"log/slog"
	"sync"
	"time"

	"github.com/caphub/caphub-go/envelope"
	"github.com/caphub/caphub-go/errdefs"
	"github.com/google/uuid"
)

// ActiveRequest records one in-flight request against a session. An entry
// exists from dispatch-start to dispatch-completion, success or error.
type ActiveRequest struct {
	Timestamp time.Time
	Request   *envelope.Request
}

// Info is a read-only snapshot of a session, safe to hold after the
// registry lock is released.
type Info struct {
	ID                 string
	ClientID           string
	Created            time.Time
	LastActivity       time.Time
	ActiveRequestCount int
}

// Expired identifies a session removed by the idle sweep, with enough
// context for the caller to notify the owning client.
type Expired struct {
	SessionID string
	ClientID  string
}

type session struct {
	id             string
	clientID       string
	created        time.Time
	lastActivity   time.Time
	activeRequests map[string]ActiveRequest
	meta           map[string]any
}

func (s *session) info() Info {
	return Info{
		ID:                 s.id,
		ClientID:           s.clientID,
		Created:            s.created,
		LastActivity:       s.lastActivity,
		ActiveRequestCount: len(s.activeRequests),
	}
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the slog logger used by the registry.
func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) { r.log = log }
}

// WithClock overrides the time source. Tests use this to age sessions
// without waiting on the wall clock.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry is the mutex-guarded session table.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*session

	log *slog.Logger
	now func() time.Time
}

// NewRegistry constructs an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[string]*session),
		log:      slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create allocates a session for clientID and returns its snapshot. An empty
// clientID is rejected before any state is touched.
func (r *Registry) Create(clientID string) (Info, error) {
	if clientID == "" {
		return Info{}, &errdefs.RequestError{Reason: "client id is required"}
	}

	now := r.now().UTC()
	s := &session{
		id:             uuid.NewString(),
		clientID:       clientID,
		created:        now,
		lastActivity:   now,
		activeRequests: make(map[string]ActiveRequest),
	}

	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()

	r.log.Info("session.create", slog.String("session_id", s.id), slog.String("client_id", clientID))
	return s.info(), nil
}

// Get returns a snapshot of the session or errdefs.ErrSessionNotFound.
func (r *Registry) Get(id string) (Info, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Info{}, errdefs.ErrSessionNotFound
	}
	return s.info(), nil
}

// Close removes the session. It reports false when the id is unknown.
func (r *Registry) Close(id string) bool {
	r.mu.Lock()
	_, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if ok {
		r.log.Info("session.close", slog.String("session_id", id))
	}
	return ok
}

// AddRequest records an in-flight request against the session and bumps its
// activity timestamp. The session may have expired mid-flight; that surfaces
// as errdefs.ErrSessionNotFound, never a panic.
func (r *Registry) AddRequest(sessionID, requestID string, req *envelope.Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return errdefs.ErrSessionNotFound
	}
	s.activeRequests[requestID] = ActiveRequest{Timestamp: r.now().UTC(), Request: req}
	s.lastActivity = r.now().UTC()
	return nil
}

// RemoveRequest drops the in-flight record and bumps activity. Removing from
// a vanished session or an unknown request id is reported, not fabricated.
func (r *Registry) RemoveRequest(sessionID, requestID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return errdefs.ErrSessionNotFound
	}
	delete(s.activeRequests, requestID)
	s.lastActivity = r.now().UTC()
	return nil
}

// Touch bumps the session's activity timestamp.
func (r *Registry) Touch(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return errdefs.ErrSessionNotFound
	}
	s.lastActivity = r.now().UTC()
	return nil
}

// SetMeta stores a metadata value on the session.
func (r *Registry) SetMeta(sessionID, key string, value any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return errdefs.ErrSessionNotFound
	}
	if s.meta == nil {
		s.meta = make(map[string]any)
	}
	s.meta[key] = value
	s.lastActivity = r.now().UTC()
	return nil
}

// Meta reads a metadata value from the session.
func (r *Registry) Meta(sessionID, key string) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, errdefs.ErrSessionNotFound
	}
	return s.meta[key], nil
}

// ClientSessions returns snapshots of every session owned by clientID.
func (r *Registry) ClientSessions(clientID string) []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Info
	for _, s := range r.sessions {
		if s.clientID == clientID {
			out = append(out, s.info())
		}
	}
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// SweepIdle closes every session idle for longer than threshold and returns
// the closed sessions so the caller can emit session-expired notifications.
// A session exactly at the threshold is retained.
func (r *Registry) SweepIdle(threshold time.Duration) []Expired {
	now := r.now().UTC()

	r.mu.Lock()
	var expired []Expired
	for id, s := range r.sessions {
		if now.Sub(s.lastActivity) > threshold {
			expired = append(expired, Expired{SessionID: id, ClientID: s.clientID})
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, e := range expired {
		r.log.Info("session.expire", slog.String("session_id", e.SessionID), slog.String("client_id", e.ClientID))
	}
	return expired
}
