package ssehttp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"

	"github.com/ggoodman/emubridge/internal/jsonrpc"
	"github.com/ggoodman/emubridge/internal/logctx"
	"github.com/ggoodman/emubridge/internal/sse"
	"github.com/ggoodman/emubridge/sessions"
)

var _ sessions.Transport = (*transport)(nil)

// pushQueueSize bounds the messages waiting for the stream goroutine.
// Senders block once it is full.
const pushQueueSize = 64

// transport pairs one GET event stream with the POST channel that feeds
// it. Responses to posted requests travel back on the stream. Send only
// enqueues; the GET handler is the one goroutine writing the response.
type transport struct {
	log      *slog.Logger
	protocol sessions.Protocol
	test     *sessions.Test
	queue    *sse.Queue

	// ctx outlives individual POST requests and is cancelled on Close.
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	id      string
	closed  bool
	onClose []func()
}

func newTransport(h *Handler, test *sessions.Test) *transport {
	ctx, cancel := context.WithCancel(context.Background())
	return &transport{
		log:      h.log,
		protocol: h.protocol,
		test:     test,
		queue:    sse.NewQueue(pushQueueSize),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// attach assigns the session id once the stream is established.
func (t *transport) attach(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.id == "" {
		t.id = id
		t.ctx = logctx.WithSessionData(t.ctx, &logctx.SessionData{SessionID: id, TestID: testID(t.test), Transport: string(sessions.VariantSSE)})
	}
}

func (t *transport) Variant() sessions.Variant { return sessions.VariantSSE }

func (t *transport) Test() *sessions.Test { return t.test }

func (t *transport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.id
}

// Send queues msg as a message event for the stream. It waits while the
// queue is full.
func (t *transport) Send(ctx context.Context, msg jsonrpc.Message) error {
	err := t.queue.Push(ctx, sse.Event{Name: "message", Data: msg})
	if errors.Is(err, sse.ErrQueueClosed) {
		return sessions.ErrTransportClosed
	}
	return err
}

func (t *transport) OnClose(fn func()) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		fn()
		return
	}
	t.onClose = append(t.onClose, fn)
	t.mu.Unlock()
}

func (t *transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	fns := t.onClose
	t.onClose = nil
	t.mu.Unlock()

	t.queue.Close()
	for _, fn := range fns {
		fn()
	}
	t.cancel()
	close(t.done)
	return nil
}

// Done is closed once the transport has closed.
func (t *transport) Done() <-chan struct{} { return t.done }

// HandleInbound accepts one posted message. Processing continues after the
// 202 is written; its result, if any, is pushed on the stream.
func (t *transport) HandleInbound(w http.ResponseWriter, r *http.Request, in sessions.Inbound) {
	t.mu.Lock()
	closed := t.closed
	ctx := t.ctx
	t.mu.Unlock()

	if closed || in.Kind != sessions.KindResumeWithBody || in.Message == nil {
		http.Error(w, msgSessionNotFound, http.StatusNotFound)
		return
	}

	if rpc, ok := logctx.RPCMessageFrom(r.Context()); ok {
		ctx = logctx.WithRPCMessage(ctx, rpc)
	}

	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte(msgAccepted))

	go t.process(ctx, in.Message)
}

func (t *transport) process(ctx context.Context, msg *jsonrpc.AnyMessage) {
	// Nothing above this goroutine would recover a panic.
	defer func() {
		v := recover()
		if v == nil {
			return
		}
		t.log.ErrorContext(ctx, "rpc.inbound.panic", slog.Any("panic", v), slog.String("stack", string(debug.Stack())))
		if msg.Type() == jsonrpc.KindRequest {
			t.reply(ctx, jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeInternalError, "internal server error", nil))
		}
	}()

	res, err := t.protocol.HandleMessage(ctx, t, msg)
	if err != nil {
		t.log.ErrorContext(ctx, "rpc.inbound.fail", slog.String("err", err.Error()))
		if msg.Type() != jsonrpc.KindRequest {
			return
		}
		res = jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeInternalError, "internal server error", nil)
	}
	if res == nil {
		return
	}
	t.reply(ctx, res)
}

func (t *transport) reply(ctx context.Context, res *jsonrpc.Response) {
	b, err := json.Marshal(res)
	if err != nil {
		t.log.ErrorContext(ctx, "rpc.response.marshal.fail", slog.String("err", err.Error()))
		return
	}
	if err := t.Send(ctx, b); err != nil {
		t.log.InfoContext(ctx, "rpc.response.undelivered", slog.String("err", err.Error()))
		return
	}
	t.log.DebugContext(ctx, "rpc.inbound.ok")
}

func testID(t *sessions.Test) string {
	if t == nil {
		return ""
	}
	return t.ID
}
