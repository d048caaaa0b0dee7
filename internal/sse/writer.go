// Package sse implements the server side of text/event-stream framing
// shared by both HTTP transports.
package sse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// ErrFlusherMissing is returned when the ResponseWriter cannot stream.
var ErrFlusherMissing = errors.New("response writer does not support flushing")

// Writer serializes concurrent event writes onto one response and refuses
// to write once ctx is done.
type Writer struct {
	mu  sync.Mutex
	w   io.Writer
	f   http.Flusher
	ctx context.Context
}

// Event is one SSE frame. Empty fields are omitted.
type Event struct {
	ID   string
	Name string
	Data []byte
}

// NewWriter prepares w for streaming. It does not write headers.
func NewWriter(ctx context.Context, w http.ResponseWriter) (*Writer, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrFlusherMissing
	}
	return &Writer{w: w, f: f, ctx: ctx}, nil
}

// WriteHeaders commits the event-stream response headers with status 200.
func WriteHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
}

// Send writes ev and flushes.
func (sw *Writer) Send(ev Event) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if err := sw.ctx.Err(); err != nil {
		return err
	}

	var b strings.Builder
	if ev.ID != "" {
		fmt.Fprintf(&b, "id: %s\n", ev.ID)
	}
	if ev.Name != "" {
		fmt.Fprintf(&b, "event: %s\n", ev.Name)
	}
	// Multi-line payloads need one data field per line.
	for _, line := range strings.Split(string(ev.Data), "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')

	if _, err := io.WriteString(sw.w, b.String()); err != nil {
		return fmt.Errorf("failed to write SSE event: %w", err)
	}
	sw.f.Flush()
	return nil
}

// Comment writes an SSE comment line, used as a keep-alive.
func (sw *Writer) Comment(text string) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if err := sw.ctx.Err(); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(sw.w, ": %s\n\n", text); err != nil {
		return fmt.Errorf("failed to write SSE comment: %w", err)
	}
	sw.f.Flush()
	return nil
}

// Flush flushes pending bytes unless ctx is done.
func (sw *Writer) Flush() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.ctx.Err() != nil {
		return
	}
	sw.f.Flush()
}
