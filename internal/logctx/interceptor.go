package logctx

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// ResponseRecorder is the ResponseWriter handed to downstream handlers by
// Interceptor. It remembers the status code and whether anything has been
// committed to the client.
type ResponseRecorder struct {
	http.ResponseWriter
	status  int
	written int64
	header  bool
}

// NewResponseRecorder wraps w. Calling it on a recorder returns it unchanged.
func NewResponseRecorder(w http.ResponseWriter) *ResponseRecorder {
	if rr, ok := w.(*ResponseRecorder); ok {
		return rr
	}
	return &ResponseRecorder{ResponseWriter: w}
}

func (rr *ResponseRecorder) WriteHeader(code int) {
	if rr.header {
		return
	}
	rr.header = true
	rr.status = code
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *ResponseRecorder) Write(p []byte) (int, error) {
	if !rr.header {
		rr.WriteHeader(http.StatusOK)
	}
	n, err := rr.ResponseWriter.Write(p)
	rr.written += int64(n)
	return n, err
}

// Flush forwards to the wrapped writer when it supports streaming.
func (rr *ResponseRecorder) Flush() {
	if f, ok := rr.ResponseWriter.(http.Flusher); ok {
		if !rr.header {
			rr.WriteHeader(http.StatusOK)
		}
		f.Flush()
	}
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (rr *ResponseRecorder) Unwrap() http.ResponseWriter { return rr.ResponseWriter }

// Status returns the committed status code, or 0 if none was written.
func (rr *ResponseRecorder) Status() int { return rr.status }

// Written reports whether the status line has been committed.
func (rr *ResponseRecorder) Written() bool { return rr.header }

// BytesWritten returns the body size written so far.
func (rr *ResponseRecorder) BytesWritten() int64 { return rr.written }

// Interceptor logs each request at its start and completion and attaches
// RequestData to the request context.
func Interceptor(log *slog.Logger, next http.Handler) http.Handler {
	log = Wrap(log)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := WithRequestData(r.Context(), &RequestData{
			RequestID:  uuid.NewString(),
			Method:     r.Method,
			Path:       r.URL.Path,
			UserAgent:  r.UserAgent(),
			RemoteAddr: r.RemoteAddr,
		})
		rec := NewResponseRecorder(w)

		log.DebugContext(ctx, "http.request.start")
		defer func() {
			status := rec.Status()
			level := slog.LevelInfo
			if status >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			log.LogAttrs(ctx, level, "http.request.done",
				slog.Int("status", status),
				slog.Int64("bytes", rec.BytesWritten()),
				slog.Duration("dur", time.Since(start)),
			)
		}()

		next.ServeHTTP(rec, r.WithContext(ctx))
	})
}
