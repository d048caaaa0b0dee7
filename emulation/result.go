package emulation

import (
	"fmt"
)

// Result is the outcome of one emulator call.
type Result[T any] struct {
	value T
	err   error
}

// Succeeded wraps a successful value.
func Succeeded[T any](v T) Result[T] { return Result[T]{value: v} }

// Failed wraps a failure. zero is the value callers see through Value.
func Failed[T any](zero T, err error) Result[T] { return Result[T]{value: zero, err: err} }

// OK reports whether the call succeeded.
func (r Result[T]) OK() bool { return r.err == nil }

// Value returns the result value. On failure it is the operation's failure value.
func (r Result[T]) Value() T { return r.value }

// Get returns the value and whether the call succeeded.
func (r Result[T]) Get() (T, bool) { return r.value, r.err == nil }

// Err returns the cause of a failure, for logging. It is nil on success.
func (r Result[T]) Err() error { return r.err }

// RemoteCallError reports a non-2xx answer from the emulator.
type RemoteCallError struct {
	Op         string
	StatusCode int
}

func (e *RemoteCallError) Error() string {
	return fmt.Sprintf("emulator %s: unexpected status %d", e.Op, e.StatusCode)
}
