package sessions

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Session is a Registry entry.
type Session struct {
	ID        string
	Transport Transport
	Test      *Test
}

// Registry is the process-wide map from session id to live transport.
// Construct one per process (or per test) and pass it to the routers.
type Registry struct {
	log *slog.Logger

	mu         sync.Mutex
	live       map[string]*Session
	tombstones map[string]struct{}
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger used for lifecycle events.
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.log = l }
}

// NewRegistry returns an empty Registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		log:        slog.Default(),
		live:       make(map[string]*Session),
		tombstones: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Add registers t under id. It fails with ErrDuplicateSession when id is
// live or was used by a session that has since been removed. On success
// the entry is removed again only when t reports that it closed.
func (r *Registry) Add(id string, t Transport) error {
	if id == "" {
		return ErrEmptySessionID
	}

	r.mu.Lock()
	if _, ok := r.live[id]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateSession, id)
	}
	if _, ok := r.tombstones[id]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s was already used", ErrDuplicateSession, id)
	}
	r.live[id] = &Session{ID: id, Transport: t, Test: t.Test()}
	r.mu.Unlock()

	t.OnClose(func() { r.Remove(id) })

	r.log.Debug("session.registry.add", slog.String("session_id", id), slog.String("transport", string(t.Variant())))
	return nil
}

// Get returns the live session for id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.live[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Remove drops id and records it as used. Removing an unknown id is a no-op.
// Transports call this through their close notification; request handlers
// must not.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	_, ok := r.live[id]
	if ok {
		delete(r.live, id)
		r.tombstones[id] = struct{}{}
	}
	r.mu.Unlock()

	if ok {
		r.log.Debug("session.registry.remove", slog.String("session_id", id))
	}
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// Close tears down every live transport. Each transport removes itself
// through its close notification.
func (r *Registry) Close() error {
	r.mu.Lock()
	ts := make([]Transport, 0, len(r.live))
	for _, s := range r.live {
		ts = append(ts, s.Transport)
	}
	r.mu.Unlock()

	var errs []error
	for _, t := range ts {
		if err := t.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close session %s: %w", t.SessionID(), err))
		}
	}
	return errors.Join(errs...)
}
