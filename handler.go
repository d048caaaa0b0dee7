// Package emubridge serves MCP sessions that command emulator containers.
//
// Handler mounts both HTTP transports on one mux and shares a single
// session registry between them:
//
//	POST|GET|DELETE /mcp      streaming transport with resumable push
//	GET /sse, POST /messages  legacy stream plus POST pairing
//	GET /healthz              live session count
//
// A session created on one transport is invisible to the other.
package emubridge

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/ggoodman/emubridge/eventlog"
	"github.com/ggoodman/emubridge/internal/jsonrpc"
	"github.com/ggoodman/emubridge/internal/logctx"
	"github.com/ggoodman/emubridge/sessions"
	"github.com/ggoodman/emubridge/ssehttp"
	"github.com/ggoodman/emubridge/streaminghttp"
)

var _ http.Handler = (*Handler)(nil)

// Handler is the complete HTTP surface of the bridge.
type Handler struct {
	log      *slog.Logger
	registry *sessions.Registry
	next     http.Handler
}

type config struct {
	log          *slog.Logger
	mcpPath      string
	ssePath      string
	messagesPath string
	idleTimeout  time.Duration
	keepAlive    time.Duration
	realm        string
}

// Option configures a Handler.
type Option func(*config)

func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.log = l }
}

// WithMCPPath sets the streaming endpoint path. Defaults to /mcp.
func WithMCPPath(p string) Option {
	return func(c *config) {
		if p != "" {
			c.mcpPath = p
		}
	}
}

// WithLegacyPaths sets the legacy stream and message paths. Defaults to
// /sse and /messages.
func WithLegacyPaths(ssePath, messagesPath string) Option {
	return func(c *config) {
		if ssePath != "" {
			c.ssePath = ssePath
		}
		if messagesPath != "" {
			c.messagesPath = messagesPath
		}
	}
}

// WithIdleTimeout bounds how long a streaming session may sit without an
// attached stream or inbound request.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *config) { c.idleTimeout = d }
}

// WithKeepAlive sets the legacy stream's keep-alive interval.
func WithKeepAlive(d time.Duration) Option {
	return func(c *config) { c.keepAlive = d }
}

func WithRealm(realm string) Option {
	return func(c *config) { c.realm = realm }
}

// New composes both transports over registry. The registry is owned by the
// caller, who closes it on shutdown.
func New(registry *sessions.Registry, protocol sessions.Protocol, store eventlog.Store, resolver sessions.TestResolver, opts ...Option) (*Handler, error) {
	cfg := config{
		log:          slog.Default(),
		mcpPath:      "/mcp",
		ssePath:      "/sse",
		messagesPath: "/messages",
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.mcpPath == cfg.ssePath || cfg.mcpPath == cfg.messagesPath || cfg.ssePath == cfg.messagesPath {
		return nil, fmt.Errorf("endpoint paths must be distinct: %s, %s, %s", cfg.mcpPath, cfg.ssePath, cfg.messagesPath)
	}
	log := logctx.Wrap(cfg.log)

	streaming, err := streaminghttp.New(registry, protocol, store, resolver,
		streaminghttp.WithLogger(log),
		streaminghttp.WithPath(cfg.mcpPath),
		streaminghttp.WithIdleTimeout(cfg.idleTimeout),
		streaminghttp.WithRealm(cfg.realm),
	)
	if err != nil {
		return nil, fmt.Errorf("streaming transport: %w", err)
	}

	legacy, err := ssehttp.New(registry, protocol, resolver,
		ssehttp.WithLogger(log),
		ssehttp.WithPaths(cfg.ssePath, cfg.messagesPath),
		ssehttp.WithKeepAlive(cfg.keepAlive),
		ssehttp.WithRealm(cfg.realm),
	)
	if err != nil {
		return nil, fmt.Errorf("legacy transport: %w", err)
	}

	h := &Handler{log: log, registry: registry}

	mux := http.NewServeMux()
	mux.Handle(cfg.mcpPath, streaming)
	mux.Handle(cfg.ssePath, legacy)
	mux.Handle(cfg.messagesPath, legacy)
	mux.HandleFunc("GET /healthz", h.handleHealth)

	h.next = logctx.Interceptor(log, h.recoverer(mux))
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.next.ServeHTTP(w, r)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(struct {
		Sessions int `json:"sessions"`
	}{Sessions: h.registry.Len()})
}

// recoverer turns a panic into a logged 500. Once anything has been written
// the response is left as is; the client sees a truncated reply.
func (h *Handler) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := logctx.NewResponseRecorder(w)
		defer func() {
			v := recover()
			if v == nil {
				return
			}
			if v == http.ErrAbortHandler {
				panic(v)
			}
			h.log.ErrorContext(r.Context(), "http.handler.panic",
				slog.Any("panic", v),
				slog.String("stack", string(debug.Stack())),
			)
			if rec.Written() {
				return
			}
			rec.Header().Set("Content-Type", "application/json")
			rec.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(rec).Encode(jsonrpc.NewEnvelope(jsonrpc.ErrorCodeInternalError, "Internal server error"))
		}()
		next.ServeHTTP(rec, r)
	})
}
