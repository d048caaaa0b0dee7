package streaminghttp

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/emubridge/auth"
	"github.com/ggoodman/emubridge/eventlog"
	"github.com/ggoodman/emubridge/internal/jsonrpc"
	"github.com/ggoodman/emubridge/internal/logctx"
	"github.com/ggoodman/emubridge/sessions"
)

var _ http.Handler = (*Handler)(nil)

const (
	defaultPath        = "/mcp"
	defaultIdleTimeout = 30 * time.Minute
	maxBodyBytes       = 4 << 20
)

// Handler serves the streaming HTTP transport on one endpoint.
type Handler struct {
	mux         *http.ServeMux
	log         *slog.Logger
	path        string
	idleTimeout time.Duration
	realm       string

	registry *sessions.Registry
	protocol sessions.Protocol
	store    eventlog.Store
	resolver sessions.TestResolver
}

// Option configures the Handler.
type Option func(*Handler)

// WithLogger sets the logger. It defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// WithPath sets the endpoint path. It defaults to /mcp.
func WithPath(path string) Option {
	return func(h *Handler) { h.path = path }
}

// WithIdleTimeout sets how long a session without an attached stream may
// sit idle before it is closed. A negative value disables expiry.
func WithIdleTimeout(d time.Duration) Option {
	return func(h *Handler) { h.idleTimeout = d }
}

// WithRealm sets the realm advertised in WWW-Authenticate challenges.
func WithRealm(realm string) Option {
	return func(h *Handler) { h.realm = strings.TrimSpace(realm) }
}

// New builds a Handler. Sessions are registered in registry, driven by
// protocol, and their server pushes are logged in store for replay.
func New(registry *sessions.Registry, protocol sessions.Protocol, store eventlog.Store, resolver sessions.TestResolver, opts ...Option) (*Handler, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if protocol == nil {
		return nil, fmt.Errorf("protocol is required")
	}
	if store == nil {
		return nil, fmt.Errorf("event log store is required")
	}
	if resolver == nil {
		return nil, fmt.Errorf("test resolver is required")
	}

	h := &Handler{
		log:         slog.Default(),
		path:        defaultPath,
		idleTimeout: defaultIdleTimeout,
		registry:    registry,
		protocol:    protocol,
		store:       store,
		resolver:    resolver,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.idleTimeout == 0 {
		h.idleTimeout = defaultIdleTimeout
	}
	h.log = logctx.Wrap(h.log)

	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("POST %s", h.path), h.handlePost)
	mux.HandleFunc(fmt.Sprintf("GET %s", h.path), h.handleGet)
	mux.HandleFunc(fmt.Sprintf("DELETE %s", h.path), h.handleDelete)
	h.mux = mux
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		h.log.InfoContext(ctx, "content_type.unsupported")
		writeEnvelope(w, http.StatusUnsupportedMediaType, jsonrpc.ErrorCodeInvalidRequest, msgUnsupportedMedia)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.log.InfoContext(ctx, "http.body.read.fail", slog.String("err", err.Error()))
		writeEnvelope(w, http.StatusBadRequest, jsonrpc.ErrorCodeParseError, msgParseError)
		return
	}
	msg, err := jsonrpc.Parse(body)
	if err != nil {
		h.log.InfoContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		writeEnvelope(w, http.StatusBadRequest, jsonrpc.ErrorCodeParseError, msgParseError)
		return
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: msg.Method, ID: msg.ID.String(), Type: string(msg.Type())})
	r = r.WithContext(ctx)

	sessID := r.Header.Get(mcpSessionIDHeader)
	kind := Classify(r.Method, sessID, h.protocol.IsInitialize(msg))

	switch kind {
	case sessions.KindInitialize:
		test, ok := h.resolveTest(w, r)
		if !ok {
			return
		}
		newTransport(h, test).HandleInbound(w, r, sessions.Inbound{Kind: kind, Message: msg})
	case sessions.KindResumeWithBody:
		sess, r, ok := h.lookup(w, r, sessID)
		if !ok {
			return
		}
		sess.Transport.HandleInbound(w, r, sessions.Inbound{Kind: kind, Message: msg})
	default:
		h.log.InfoContext(ctx, "session.request.invalid")
		writeSessionError(w, msgNoValidSession)
		return
	}

	h.log.InfoContext(r.Context(), "http.post.ok", slog.String("kind", kind.String()), slog.Duration("dur", time.Since(start)))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, []contenttype.MediaType{eventStreamMediaType}); err != nil {
		h.log.InfoContext(ctx, "accept.unsupported", slog.String("accept", r.Header.Get("Accept")))
		writeEnvelope(w, http.StatusNotAcceptable, jsonrpc.ErrorCodeInvalidRequest, msgNotAcceptableStream)
		return
	}

	sessID := r.Header.Get(mcpSessionIDHeader)
	kind := Classify(r.Method, sessID, false)
	if kind == sessions.KindInvalid {
		h.log.InfoContext(ctx, "session.request.invalid")
		writeSessionError(w, msgInvalidSession)
		return
	}

	sess, r, ok := h.lookup(w, r, sessID)
	if !ok {
		return
	}
	sess.Transport.HandleInbound(w, r, sessions.Inbound{Kind: kind, LastEventID: r.Header.Get(lastEventIDHeader)})
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessID := r.Header.Get(mcpSessionIDHeader)
	kind := Classify(r.Method, sessID, false)
	if kind == sessions.KindInvalid {
		h.log.InfoContext(r.Context(), "session.request.invalid")
		writeSessionError(w, msgInvalidSession)
		return
	}

	sess, r, ok := h.lookup(w, r, sessID)
	if !ok {
		return
	}
	sess.Transport.HandleInbound(w, r, sessions.Inbound{Kind: kind})
}

// lookup resolves a live streaming session for the request and checks that
// the caller's active test matches the bound one. On failure it writes the
// response itself.
func (h *Handler) lookup(w http.ResponseWriter, r *http.Request, sessID string) (*sessions.Session, *http.Request, bool) {
	ctx := r.Context()

	test, ok := h.resolveTest(w, r)
	if !ok {
		return nil, r, false
	}

	sess, err := h.registry.Get(sessID)
	if err != nil || sess.Transport.Variant() != sessions.VariantStreamable {
		h.log.InfoContext(ctx, "session.load.miss")
		writeSessionError(w, msgInvalidSession)
		return nil, r, false
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID, TestID: testID(sess.Test), Transport: string(sessions.VariantStreamable)})
	if !sessions.SameTest(sess.Test, test) {
		h.log.WarnContext(ctx, "session.test.mismatch", slog.String("request_test_id", testID(test)))
		writeSessionError(w, msgInvalidSession)
		return nil, r, false
	}
	return sess, r.WithContext(ctx), true
}

func (h *Handler) resolveTest(w http.ResponseWriter, r *http.Request) (*sessions.Test, bool) {
	ctx := r.Context()
	test, err := h.resolver.ResolveTest(ctx, r)
	if err == nil {
		return test, true
	}
	if errors.Is(err, auth.ErrUnauthorized) {
		h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
		w.Header().Add(wwwAuthenticateHeader, auth.Challenge(h.realm, err))
		writeEnvelope(w, http.StatusUnauthorized, jsonrpc.ErrorCodeSessionError, msgUnauthorized)
		return nil, false
	}
	h.log.ErrorContext(ctx, "auth.check.err", slog.String("err", err.Error()))
	writeInternalError(w)
	return nil, false
}
