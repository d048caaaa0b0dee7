package ssehttp

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
	"github.com/ggoodman/emubridge/internal/jsonrpc"
	"github.com/ggoodman/emubridge/internal/logctx"
	"github.com/ggoodman/emubridge/internal/sse"
	"github.com/ggoodman/emubridge/sessions"
	"github.com/google/uuid"
)

var _ http.Handler = (*Handler)(nil)

var jsonMediaType = contenttype.NewMediaType("application/json")

const (
	defaultSSEPath      = "/sse"
	defaultMessagesPath = "/messages"
	defaultKeepAlive    = 15 * time.Second
	maxBodyBytes        = 4 << 20
)

// Plain-text bodies of the legacy surface.
const (
	msgMissingSessionID = "Missing sessionId parameter"
	msgSessionNotFound  = "Session not found"
	msgInvalidMessage   = "Invalid message"
	msgAccepted         = "Accepted"
	msgUnsupportedMedia = "Unsupported Media Type"
	msgUnauthorized     = "Unauthorized"
)

// Handler serves the legacy stream plus POST channel pairing.
type Handler struct {
	mux          *http.ServeMux
	log          *slog.Logger
	ssePath      string
	messagesPath string
	keepAlive    time.Duration
	realm        string

	registry *sessions.Registry
	protocol sessions.Protocol
	resolver sessions.TestResolver
}

// Option configures the Handler.
type Option func(*Handler)

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// WithPaths sets the stream and message endpoint paths. They default to
// /sse and /messages.
func WithPaths(ssePath, messagesPath string) Option {
	return func(h *Handler) {
		if ssePath != "" {
			h.ssePath = ssePath
		}
		if messagesPath != "" {
			h.messagesPath = messagesPath
		}
	}
}

// WithKeepAlive sets the interval between keep-alive comments on open
// streams. A negative value disables them.
func WithKeepAlive(d time.Duration) Option {
	return func(h *Handler) { h.keepAlive = d }
}

// WithRealm sets the realm advertised in WWW-Authenticate challenges.
func WithRealm(realm string) Option {
	return func(h *Handler) { h.realm = strings.TrimSpace(realm) }
}

// New builds a Handler registering its sessions in registry.
func New(registry *sessions.Registry, protocol sessions.Protocol, resolver sessions.TestResolver, opts ...Option) (*Handler, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if protocol == nil {
		return nil, fmt.Errorf("protocol is required")
	}
	if resolver == nil {
		return nil, fmt.Errorf("test resolver is required")
	}

	h := &Handler{
		log:          slog.Default(),
		ssePath:      defaultSSEPath,
		messagesPath: defaultMessagesPath,
		keepAlive:    defaultKeepAlive,
		registry:     registry,
		protocol:     protocol,
		resolver:     resolver,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.keepAlive == 0 {
		h.keepAlive = defaultKeepAlive
	}
	h.log = logctx.Wrap(h.log)

	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("GET %s", h.ssePath), h.handleStream)
	mux.HandleFunc(fmt.Sprintf("POST %s", h.messagesPath), h.handleMessage)
	h.mux = mux
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// handleStream opens a session. It blocks until the client disconnects or
// the transport closes; either way the transport is closed on return.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	test, ok := h.resolveTest(w, r)
	if !ok {
		return
	}

	sw, err := sse.NewWriter(ctx, w)
	if err != nil {
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	t := newTransport(h, test)
	id := uuid.NewString()
	t.attach(id)
	if err := h.registry.Add(id, t); err != nil {
		_ = t.Close()
		h.log.ErrorContext(ctx, "session.registry.add.fail", slog.String("err", err.Error()))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	defer func() { _ = t.Close() }()

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: id, TestID: testID(test), Transport: string(sessions.VariantSSE)})

	sse.WriteHeaders(w)
	if err := sw.Send(sse.Event{Name: "endpoint", Data: []byte(h.messagesPath + "?sessionId=" + id)}); err != nil {
		h.log.InfoContext(ctx, "sse.endpoint.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "sse.stream.start")

	var tick <-chan time.Time
	if h.keepAlive > 0 {
		ticker := time.NewTicker(h.keepAlive)
		defer ticker.Stop()
		tick = ticker.C
	}

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-t.Done():
			break loop
		case ev := <-t.queue.Events():
			if err := sw.Send(ev); err != nil {
				h.log.InfoContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
				break loop
			}
		case <-tick:
			if err := sw.Comment("ping"); err != nil {
				h.log.InfoContext(ctx, "sse.keepalive.fail", slog.String("err", err.Error()))
				break loop
			}
		}
	}

	h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
}

func (h *Handler) handleMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sessID := r.URL.Query().Get("sessionId")
	if sessID == "" {
		h.log.InfoContext(ctx, "session.id.missing")
		http.Error(w, msgMissingSessionID, http.StatusBadRequest)
		return
	}

	sess, err := h.registry.Get(sessID)
	if err != nil || sess.Transport.Variant() != sessions.VariantSSE {
		h.log.InfoContext(ctx, "session.load.miss")
		http.Error(w, msgSessionNotFound, http.StatusNotFound)
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID, TestID: testID(sess.Test), Transport: string(sessions.VariantSSE)})
	r = r.WithContext(ctx)

	test, ok := h.resolveTest(w, r)
	if !ok {
		return
	}
	if !sessions.SameTest(sess.Test, test) {
		h.log.WarnContext(ctx, "session.test.mismatch", slog.String("request_test_id", testID(test)))
		http.Error(w, msgSessionNotFound, http.StatusNotFound)
		return
	}

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		h.log.InfoContext(ctx, "content_type.unsupported")
		http.Error(w, msgUnsupportedMedia, http.StatusUnsupportedMediaType)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, msgInvalidMessage, http.StatusBadRequest)
		return
	}
	msg, err := jsonrpc.Parse(body)
	if err != nil {
		h.log.InfoContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		http.Error(w, msgInvalidMessage, http.StatusBadRequest)
		return
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: msg.Method, ID: msg.ID.String(), Type: string(msg.Type())})
	sess.Transport.HandleInbound(w, r.WithContext(ctx), sessions.Inbound{Kind: sessions.KindResumeWithBody, Message: msg})
	h.log.InfoContext(ctx, "message.inbound.accepted")
}

func (h *Handler) resolveTest(w http.ResponseWriter, r *http.Request) (*sessions.Test, bool) {
	ctx := r.Context()
	test, err := h.resolver.ResolveTest(ctx, r)
	if err == nil {
		return test, true
	}
	if errors.Is(err, auth.ErrUnauthorized) {
		h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
		w.Header().Add("WWW-Authenticate", auth.Challenge(h.realm, err))
		http.Error(w, msgUnauthorized, http.StatusUnauthorized)
		return nil, false
	}
	h.log.ErrorContext(ctx, "auth.check.err", slog.String("err", err.Error()))
	http.Error(w, "Internal server error", http.StatusInternalServerError)
	return nil, false
}
