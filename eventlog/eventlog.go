// Package eventlog defines the append-only, per-session log of server push
// messages that lets Streamable HTTP clients resume a dropped stream.
//
// Implementations
//
//	memory   : in-process log, optionally capped per session
//	redislog : Redis Streams backed log
package eventlog

import (
	"context"
	"errors"
)

// ErrEventNotFound is returned by Replay when the marker does not identify
// an event still held for the session. Callers must treat this as a lost
// position: the client has to resynchronize without replay.
var ErrEventNotFound = errors.New("event not found")

// Event is one logged push message.
type Event struct {
	ID   string
	Data []byte
}

// Store is a per-session event log.
type Store interface {
	// Append records data and returns its event id. Ids increase within a
	// session.
	Append(ctx context.Context, sessionID string, data []byte) (string, error)

	// Replay calls fn, in append order, for every event strictly after
	// afterID. An empty afterID replays nothing. A non-nil error from fn
	// stops the replay and is returned.
	Replay(ctx context.Context, sessionID, afterID string, fn func(Event) error) error

	// Cleanup drops everything held for the session.
	Cleanup(ctx context.Context, sessionID string) error
}
