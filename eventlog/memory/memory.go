// Package memory is the in-process eventlog.Store.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/ggoodman/emubridge/eventlog"
)

// Store keeps every session's events in memory. Without WithMaxEvents the
// log grows for as long as the session lives.
type Store struct {
	maxEvents int

	mu       sync.Mutex
	sessions map[string]*sessionLog
}

type sessionLog struct {
	seq    uint64  // id of the newest event
	events []event // oldest first
}

type event struct {
	seq  uint64
	data []byte
}

// Option configures a Store.
type Option func(*Store)

// WithMaxEvents caps the number of events retained per session. The oldest
// events are dropped first; markers that pointed into the dropped range no
// longer replay. n <= 0 means unbounded.
func WithMaxEvents(n int) Option {
	return func(s *Store) { s.maxEvents = n }
}

func New(opts ...Option) *Store {
	s := &Store{sessions: make(map[string]*sessionLog)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ eventlog.Store = (*Store)(nil)

func (s *Store) Append(ctx context.Context, sessionID string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.sessions[sessionID]
	if !ok {
		sl = &sessionLog{}
		s.sessions[sessionID] = sl
	}
	sl.seq++
	sl.events = append(sl.events, event{seq: sl.seq, data: append([]byte(nil), data...)})
	if s.maxEvents > 0 && len(sl.events) > s.maxEvents {
		drop := len(sl.events) - s.maxEvents
		sl.events = append(sl.events[:0:0], sl.events[drop:]...)
	}
	return strconv.FormatUint(sl.seq, 10), nil
}

func (s *Store) Replay(ctx context.Context, sessionID, afterID string, fn func(eventlog.Event) error) error {
	if afterID == "" {
		return nil
	}
	after, err := strconv.ParseUint(afterID, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %q", eventlog.ErrEventNotFound, afterID)
	}

	s.mu.Lock()
	sl, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", eventlog.ErrEventNotFound, afterID)
	}
	// The marker may name the newest dropped event: everything after it is
	// still retained, so the replay has no gap.
	first := sl.seq + 1
	if len(sl.events) > 0 {
		first = sl.events[0].seq
	}
	if after > sl.seq || after+1 < first {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", eventlog.ErrEventNotFound, afterID)
	}
	pending := make([]eventlog.Event, 0, len(sl.events))
	for _, ev := range sl.events {
		if ev.seq > after {
			pending = append(pending, eventlog.Event{ID: strconv.FormatUint(ev.seq, 10), Data: ev.data})
		}
	}
	s.mu.Unlock()

	for _, ev := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Cleanup(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	return nil
}
