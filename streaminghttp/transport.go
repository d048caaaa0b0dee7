package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/emubridge/eventlog"
	"github.com/ggoodman/emubridge/internal/jsonrpc"
	"github.com/ggoodman/emubridge/internal/logctx"
	"github.com/ggoodman/emubridge/internal/sse"
	"github.com/ggoodman/emubridge/sessions"
	"github.com/google/uuid"
)

type state int

const (
	stateUninitialized state = iota
	stateInitializing
	stateOpen
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateUninitialized:
		return "uninitialized"
	case stateInitializing:
		return "initializing"
	case stateOpen:
		return "open"
	default:
		return "closed"
	}
}

var errNotOpen = errors.New("session is not open")

var _ sessions.Transport = (*transport)(nil)

// transport is one streaming HTTP session. Every server push goes through
// the event log so that a reconnecting GET can replay what it missed.
type transport struct {
	log         *slog.Logger
	protocol    sessions.Protocol
	store       eventlog.Store
	registry    *sessions.Registry
	idleTimeout time.Duration
	test        *sessions.Test

	// mu guards every field below. Appending to the log and queueing to
	// the attached stream happen together under it, as does the replay
	// snapshot taken when a stream attaches, so no event is lost or
	// reordered between the two. Network writes happen outside it.
	mu              sync.Mutex
	state           state
	id              string
	protocolVersion string
	stream          *sse.Queue
	idle            *time.Timer
	onClose         []func()
}

// streamQueueSize bounds the live events waiting on a slow stream. A stream
// that falls further behind is dropped and must resume from its marker.
const streamQueueSize = 256

func newTransport(h *Handler, test *sessions.Test) *transport {
	return &transport{
		log:         h.log,
		protocol:    h.protocol,
		store:       h.store,
		registry:    h.registry,
		idleTimeout: h.idleTimeout,
		test:        test,
	}
}

func (t *transport) Variant() sessions.Variant { return sessions.VariantStreamable }

func (t *transport) Test() *sessions.Test { return t.test }

func (t *transport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.id
}

// Send appends msg to the session's event log and queues it for the attached
// stream, if any. It never waits on the network. Without a stream the
// message waits in the log for replay.
func (t *transport) Send(ctx context.Context, msg jsonrpc.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case stateClosed:
		return sessions.ErrTransportClosed
	case stateOpen:
	default:
		return errNotOpen
	}

	eventID, err := t.store.Append(ctx, t.id, msg)
	if err != nil {
		return fmt.Errorf("append to event log: %w", err)
	}

	if t.stream == nil {
		return nil
	}
	if !t.stream.Offer(sse.Event{ID: eventID, Data: msg}) {
		// The event stays replayable; the client reconnects with its marker.
		t.log.InfoContext(ctx, "sse.stream.lagging", slog.String("event_id", eventID))
		t.detachLocked()
	}
	return nil
}

func (t *transport) OnClose(fn func()) {
	t.mu.Lock()
	if t.state == stateClosed {
		t.mu.Unlock()
		fn()
		return
	}
	t.onClose = append(t.onClose, fn)
	t.mu.Unlock()
}

// Close moves the transport to its terminal state. Close listeners run
// before the event log is cleaned up.
func (t *transport) Close() error {
	t.mu.Lock()
	if t.state == stateClosed {
		t.mu.Unlock()
		return nil
	}
	t.state = stateClosed
	fns := t.onClose
	t.onClose = nil
	if t.idle != nil {
		t.idle.Stop()
	}
	t.detachLocked()
	id := t.id
	t.mu.Unlock()

	for _, fn := range fns {
		fn()
	}

	if id == "" {
		return nil
	}
	if err := t.store.Cleanup(context.Background(), id); err != nil {
		return fmt.Errorf("clean up event log: %w", err)
	}
	return nil
}

// HandleInbound implements sessions.Transport.
func (t *transport) HandleInbound(w http.ResponseWriter, r *http.Request, in sessions.Inbound) {
	if in.Kind == sessions.KindInitialize {
		t.handleInitialize(w, r, in.Message)
		return
	}

	t.mu.Lock()
	st, pv := t.state, t.protocolVersion
	if st == stateOpen {
		t.touchLocked()
	}
	t.mu.Unlock()

	if st != stateOpen {
		writeSessionError(w, msgInvalidSession)
		return
	}
	if clientPV := r.Header.Get(mcpProtocolVersionHeader); clientPV != "" && clientPV != pv {
		t.log.InfoContext(r.Context(), "protocol.version.mismatch", slog.String("client_version", clientPV))
		writeSessionError(w, msgUnsupportedVersion)
		return
	}
	w.Header().Set(mcpProtocolVersionHeader, pv)

	switch in.Kind {
	case sessions.KindResumeWithBody:
		t.handleMessage(w, r, in.Message)
	case sessions.KindResumeStream:
		t.serveStream(w, r, in.LastEventID)
	case sessions.KindTerminate:
		if err := t.Close(); err != nil {
			t.log.ErrorContext(r.Context(), "session.close.fail", slog.String("err", err.Error()))
		}
		w.WriteHeader(http.StatusNoContent)
		t.log.InfoContext(r.Context(), "session.delete.ok")
	default:
		writeSessionError(w, msgInvalidSession)
	}
}

func (t *transport) handleInitialize(w http.ResponseWriter, r *http.Request, msg *jsonrpc.AnyMessage) {
	ctx := r.Context()

	t.mu.Lock()
	if t.state != stateUninitialized {
		t.mu.Unlock()
		writeEnvelope(w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidRequest, msgAlreadyInitialized)
		return
	}
	t.state = stateInitializing
	t.mu.Unlock()

	res, err := t.protocol.HandleMessage(ctx, t, msg)
	if err != nil || res == nil {
		t.discard()
		if err != nil {
			t.log.ErrorContext(ctx, "session.initialize.fail", slog.String("err", err.Error()))
		}
		writeInternalError(w)
		return
	}
	if res.Error != nil {
		t.discard()
		t.log.InfoContext(ctx, "session.initialize.rejected", slog.String("err", res.Error.Error()))
		t.writeResponse(w, r, res)
		return
	}

	var negotiated struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	_ = json.Unmarshal(res.Result, &negotiated)

	id := uuid.NewString()
	t.mu.Lock()
	t.id = id
	t.protocolVersion = negotiated.ProtocolVersion
	t.mu.Unlock()

	if err := t.registry.Add(id, t); err != nil {
		t.discard()
		t.log.ErrorContext(ctx, "session.registry.add.fail", slog.String("err", err.Error()))
		writeInternalError(w)
		return
	}

	t.mu.Lock()
	if t.state == stateInitializing {
		t.state = stateOpen
		t.touchLocked()
	}
	t.mu.Unlock()

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: id, TestID: testID(t.test), Transport: string(t.Variant())})
	w.Header().Set(mcpSessionIDHeader, id)
	if negotiated.ProtocolVersion != "" {
		w.Header().Set(mcpProtocolVersionHeader, negotiated.ProtocolVersion)
	}
	t.writeResponse(w, r.WithContext(ctx), res)
	t.log.InfoContext(ctx, "session.initialize.ok")
}

// discard drops a transport whose handshake did not complete. Nothing was
// registered, so there are no close listeners to run.
func (t *transport) discard() {
	t.mu.Lock()
	t.state = stateClosed
	t.mu.Unlock()
}

func (t *transport) handleMessage(w http.ResponseWriter, r *http.Request, msg *jsonrpc.AnyMessage) {
	ctx := r.Context()

	if t.protocol.IsInitialize(msg) {
		t.log.InfoContext(ctx, "session.initialize.redundant")
		writeEnvelope(w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidRequest, msgAlreadyInitialized)
		return
	}

	res, err := t.protocol.HandleMessage(ctx, t, msg)
	if err != nil {
		t.log.ErrorContext(ctx, "rpc.inbound.fail", slog.String("err", err.Error()))
		writeInternalError(w)
		return
	}
	if res == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	t.writeResponse(w, r, res)
}

// writeResponse answers a request as plain JSON when the client accepts it
// and as a single-event stream otherwise.
func (t *transport) writeResponse(w http.ResponseWriter, r *http.Request, res *jsonrpc.Response) {
	b, err := json.Marshal(res)
	if err != nil {
		t.log.ErrorContext(r.Context(), "rpc.response.marshal.fail", slog.String("err", err.Error()))
		writeInternalError(w)
		return
	}

	if _, _, err := contenttype.GetAcceptableMediaType(r, []contenttype.MediaType{jsonMediaType}); err == nil {
		w.Header().Set("Content-Type", jsonMediaType.String())
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(b)
		return
	}
	if _, _, err := contenttype.GetAcceptableMediaType(r, []contenttype.MediaType{eventStreamMediaType}); err != nil {
		writeEnvelope(w, http.StatusNotAcceptable, jsonrpc.ErrorCodeInvalidRequest, msgNotAcceptableResponse)
		return
	}

	sw, err := sse.NewWriter(r.Context(), w)
	if err != nil {
		writeInternalError(w)
		return
	}
	sse.WriteHeaders(w)
	if err := sw.Send(sse.Event{Data: b}); err != nil {
		t.log.InfoContext(r.Context(), "sse.write.fail", slog.String("err", err.Error()))
	}
}

// serveStream replays events after lastEventID and then attaches w as the
// live push stream until the client goes away or the transport closes.
func (t *transport) serveStream(w http.ResponseWriter, r *http.Request, lastEventID string) {
	ctx := r.Context()
	start := time.Now()

	sw, err := sse.NewWriter(ctx, w)
	if err != nil {
		t.log.ErrorContext(ctx, "sse.flusher.missing")
		writeInternalError(w)
		return
	}

	t.mu.Lock()
	if t.state != stateOpen {
		t.mu.Unlock()
		writeSessionError(w, msgInvalidSession)
		return
	}
	if t.stream != nil {
		t.mu.Unlock()
		writeEnvelope(w, http.StatusConflict, jsonrpc.ErrorCodeSessionError, msgStreamConflict)
		return
	}

	var backlog []eventlog.Event
	if err := t.store.Replay(ctx, t.id, lastEventID, func(ev eventlog.Event) error {
		backlog = append(backlog, ev)
		return nil
	}); err != nil {
		t.mu.Unlock()
		if errors.Is(err, eventlog.ErrEventNotFound) {
			t.log.InfoContext(ctx, "sse.replay.miss", slog.String("last_event_id", lastEventID))
			writeEnvelope(w, http.StatusConflict, jsonrpc.ErrorCodeSessionError, msgReplayUnavailable)
			return
		}
		t.log.ErrorContext(ctx, "sse.replay.fail", slog.String("err", err.Error()))
		writeInternalError(w)
		return
	}

	// Events appended from here on are queued behind the backlog.
	q := sse.NewQueue(streamQueueSize)
	t.stream = q
	if t.idle != nil {
		t.idle.Stop()
	}
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		if t.stream == q {
			t.detachLocked()
		}
		t.mu.Unlock()
		t.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
	}()

	sse.WriteHeaders(w)
	sw.Flush()
	for _, ev := range backlog {
		if err := sw.Send(sse.Event{ID: ev.ID, Data: ev.Data}); err != nil {
			t.log.InfoContext(ctx, "sse.replay.write.fail", slog.String("err", err.Error()))
			return
		}
	}

	t.log.InfoContext(ctx, "sse.stream.start", slog.Int("replayed", len(backlog)))

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.Done():
			return
		case ev := <-q.Events():
			if err := sw.Send(ev); err != nil {
				t.log.InfoContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
				return
			}
		}
	}
}

// detachLocked releases the attached stream, if any. t.mu must be held.
func (t *transport) detachLocked() {
	if t.stream == nil {
		return
	}
	t.stream.Close()
	t.stream = nil
	t.touchLocked()
}

// touchLocked restarts the idle countdown. The countdown is paused while a
// stream is attached. t.mu must be held.
func (t *transport) touchLocked() {
	if t.idleTimeout <= 0 || t.state != stateOpen || t.stream != nil {
		return
	}
	if t.idle == nil {
		t.idle = time.AfterFunc(t.idleTimeout, t.expire)
		return
	}
	t.idle.Reset(t.idleTimeout)
}

func (t *transport) expire() {
	t.mu.Lock()
	if t.state != stateOpen || t.stream != nil {
		t.mu.Unlock()
		return
	}
	id := t.id
	t.mu.Unlock()

	t.log.Info("session.idle.expire", slog.String("session_id", id))
	if err := t.Close(); err != nil {
		t.log.Error("session.close.fail", slog.String("session_id", id), slog.String("err", err.Error()))
	}
}

func testID(t *sessions.Test) string {
	if t == nil {
		return ""
	}
	return t.ID
}
