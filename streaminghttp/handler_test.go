package streaminghttp_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/emubridge/auth"
	"github.com/ggoodman/emubridge/eventlog/memory"
	"github.com/ggoodman/emubridge/internal/jsonrpc"
	"github.com/ggoodman/emubridge/sessions"
	"github.com/ggoodman/emubridge/streaminghttp"
)

const testProtocolVersion = "2025-06-18"

// fakeProtocol answers a handful of methods so the transport can be tested
// without the tool engine.
type fakeProtocol struct {
	failInit   bool
	rejectInit bool
}

func (p *fakeProtocol) IsInitialize(msg *jsonrpc.AnyMessage) bool {
	return msg.Type() == jsonrpc.KindRequest && msg.Method == "initialize"
}

func (p *fakeProtocol) HandleMessage(ctx context.Context, peer sessions.Peer, msg *jsonrpc.AnyMessage) (*jsonrpc.Response, error) {
	if msg.Type() != jsonrpc.KindRequest {
		return nil, nil
	}

	switch msg.Method {
	case "initialize":
		if p.failInit {
			return nil, errors.New("engine exploded")
		}
		if p.rejectInit {
			return jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeInvalidParams, "unsupported client", nil), nil
		}
		return jsonrpc.NewResultResponse(msg.ID, map[string]any{"protocolVersion": testProtocolVersion})
	case "push":
		var params struct {
			Count int `json:"count"`
		}
		_ = json.Unmarshal(msg.Params, &params)
		for i := 0; i < params.Count; i++ {
			note, err := jsonrpc.NewNotification("test/pushed", map[string]any{"seq": i})
			if err != nil {
				return nil, err
			}
			if err := peer.Send(ctx, note); err != nil {
				return nil, err
			}
		}
		return jsonrpc.NewResultResponse(msg.ID, map[string]any{"pushed": params.Count})
	case "whoami":
		var testID string
		if test := peer.Test(); test != nil {
			testID = test.ID
		}
		return jsonrpc.NewResultResponse(msg.ID, map[string]any{"session": peer.SessionID(), "test": testID})
	default:
		return jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeMethodNotFound, "method not found", nil), nil
	}
}

type server struct {
	*httptest.Server
	handler  http.Handler
	registry *sessions.Registry
}

type serverConfig struct {
	protocol sessions.Protocol
	resolver sessions.TestResolver
	opts     []streaminghttp.Option
}

func mustServer(t *testing.T, cfg serverConfig) *server {
	t.Helper()

	if cfg.protocol == nil {
		cfg.protocol = &fakeProtocol{}
	}
	if cfg.resolver == nil {
		cfg.resolver = auth.NewStatic(&sessions.Test{ID: "t1", ContainerURI: "http://emu.invalid"})
	}

	registry := sessions.NewRegistry()
	h, err := streaminghttp.New(registry, cfg.protocol, memory.New(), cfg.resolver, cfg.opts...)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	// Closing the registry ends attached streams so srv.Close does not block.
	t.Cleanup(func() { _ = registry.Close() })

	return &server{Server: srv, handler: h, registry: registry}
}

func (s *server) url() string { return s.URL + "/mcp" }

// doPost sends body to the endpoint. Extra headers come as name/value pairs.
func doPost(t *testing.T, srv *server, sessID, body string, headers ...string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, srv.url(), strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sessID != "" {
		req.Header.Set("Mcp-Session-Id", sessID)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	t.Cleanup(func() { _ = res.Body.Close() })
	return res
}

func doRequest(t *testing.T, srv *server, method, sessID string, headers ...string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(method, srv.url(), nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if sessID != "" {
		req.Header.Set("Mcp-Session-Id", sessID)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s: %v", method, err)
	}
	t.Cleanup(func() { _ = res.Body.Close() })
	return res
}

func request(id int, method string, params any) string {
	b, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": id, "method": method, "params": params})
	return string(b)
}

const initializeBody = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"test","version":"0"}}}`

func mustInitialize(t *testing.T, srv *server) string {
	t.Helper()

	res := doPost(t, srv, "", initializeBody)
	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(res.Body)
		t.Fatalf("initialize: want %d got %d: %s", http.StatusOK, res.StatusCode, body)
	}
	sessID := res.Header.Get("Mcp-Session-Id")
	if sessID == "" {
		t.Fatalf("initialize: missing session id header")
	}
	return sessID
}

func mustResult[T any](t *testing.T, res *http.Response) T {
	t.Helper()

	var msg struct {
		Result T              `json:"result"`
		Error  *jsonrpc.Error `json:"error"`
	}
	if err := json.NewDecoder(res.Body).Decode(&msg); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if msg.Error != nil {
		t.Fatalf("unexpected error response: %v", msg.Error)
	}
	return msg.Result
}

func expectEnvelope(t *testing.T, res *http.Response, status int, code jsonrpc.ErrorCode, message string) {
	t.Helper()

	if res.StatusCode != status {
		t.Fatalf("want status %d got %d", status, res.StatusCode)
	}
	var env jsonrpc.Envelope
	if err := json.NewDecoder(res.Body).Decode(&env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Error.Code != code {
		t.Fatalf("want code %d got %d", code, env.Error.Code)
	}
	if env.Error.Message != message {
		t.Fatalf("want message %q got %q", message, env.Error.Message)
	}
	if env.ID != nil {
		t.Fatalf("want null id got %v", env.ID)
	}
}

type sseEvent struct {
	id    string
	event string
	data  string
}

// readSSE parses events from r onto the returned channel, which is closed
// when the stream ends.
func readSSE(r io.Reader) <-chan sseEvent {
	ch := make(chan sseEvent, 16)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(r)
		var ev sseEvent
		var data []string
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case line == "":
				if len(data) > 0 || ev.event != "" {
					ev.data = strings.Join(data, "\n")
					ch <- ev
				}
				ev, data = sseEvent{}, nil
			case strings.HasPrefix(line, ":"):
			case strings.HasPrefix(line, "id: "):
				ev.id = strings.TrimPrefix(line, "id: ")
			case strings.HasPrefix(line, "event: "):
				ev.event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = append(data, strings.TrimPrefix(line, "data: "))
			}
		}
	}()
	return ch
}

type stream struct {
	res    *http.Response
	events <-chan sseEvent
	cancel context.CancelFunc
}

// openStream issues the GET for sessID. The caller must check res.StatusCode;
// events is only populated for successful streams.
func openStream(t *testing.T, srv *server, sessID, lastEventID string) *stream {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.url(), nil)
	if err != nil {
		cancel()
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Mcp-Session-Id", sessID)
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		cancel()
		t.Fatalf("get: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		_ = res.Body.Close()
	})

	s := &stream{res: res, cancel: cancel}
	if res.StatusCode == http.StatusOK {
		s.events = readSSE(res.Body)
	}
	return s
}

func (s *stream) next(t *testing.T) sseEvent {
	t.Helper()
	select {
	case ev, ok := <-s.events:
		if !ok {
			t.Fatalf("stream closed while waiting for event")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for event")
	}
	return sseEvent{}
}

func (s *stream) expectClosed(t *testing.T) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-s.events:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("timeout waiting for stream to close")
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestInitializeAndReuse(t *testing.T) {
	srv := mustServer(t, serverConfig{})

	res := doPost(t, srv, "", initializeBody)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("want %d got %d", http.StatusOK, res.StatusCode)
	}
	sessID := res.Header.Get("Mcp-Session-Id")
	if sessID == "" {
		t.Fatalf("missing session id")
	}
	if got := res.Header.Get("Mcp-Protocol-Version"); got != testProtocolVersion {
		t.Fatalf("want protocol version %s got %s", testProtocolVersion, got)
	}
	if ct := res.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("want json response got %s", ct)
	}
	if got := srv.registry.Len(); got != 1 {
		t.Fatalf("want 1 session got %d", got)
	}

	who := mustResult[map[string]string](t, doPost(t, srv, sessID, request(2, "whoami", nil)))
	if who["session"] != sessID {
		t.Fatalf("want session %s got %s", sessID, who["session"])
	}
	if who["test"] != "t1" {
		t.Fatalf("want test t1 got %s", who["test"])
	}

	res = doPost(t, srv, sessID, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("notification: want %d got %d", http.StatusAccepted, res.StatusCode)
	}
}

func TestResponseAsEventStream(t *testing.T) {
	srv := mustServer(t, serverConfig{})

	res := doPost(t, srv, "", initializeBody, "Accept", "text/event-stream")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("want %d got %d", http.StatusOK, res.StatusCode)
	}
	if ct := res.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("want event stream got %s", ct)
	}

	ev, ok := <-readSSE(res.Body)
	if !ok {
		t.Fatalf("want one event")
	}
	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal([]byte(ev.data), &msg); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if msg.Type() != jsonrpc.KindResponse || msg.ID.String() != "1" {
		t.Fatalf("want response to id 1 got %s %s", msg.Type(), msg.ID)
	}

	res = doPost(t, srv, "", initializeBody, "Accept", "text/plain")
	expectEnvelope(t, res, http.StatusNotAcceptable, jsonrpc.ErrorCodeInvalidRequest, "Not Acceptable: Client must accept application/json or text/event-stream")
}

func TestInvalidRequests(t *testing.T) {
	srv := mustServer(t, serverConfig{})

	tests := []struct {
		name    string
		do      func(t *testing.T) *http.Response
		status  int
		code    jsonrpc.ErrorCode
		message string
	}{
		{
			name:    "post without session",
			do:      func(t *testing.T) *http.Response { return doPost(t, srv, "", request(1, "whoami", nil)) },
			status:  http.StatusBadRequest,
			code:    jsonrpc.ErrorCodeSessionError,
			message: "Bad Request: No valid session ID provided",
		},
		{
			name:    "post unknown session",
			do:      func(t *testing.T) *http.Response { return doPost(t, srv, "nope", request(1, "whoami", nil)) },
			status:  http.StatusBadRequest,
			code:    jsonrpc.ErrorCodeSessionError,
			message: "Invalid or missing session ID",
		},
		{
			name: "get without session",
			do: func(t *testing.T) *http.Response {
				return doRequest(t, srv, http.MethodGet, "", "Accept", "text/event-stream")
			},
			status:  http.StatusBadRequest,
			code:    jsonrpc.ErrorCodeSessionError,
			message: "Invalid or missing session ID",
		},
		{
			name: "get unknown session",
			do: func(t *testing.T) *http.Response {
				return doRequest(t, srv, http.MethodGet, "nope", "Accept", "text/event-stream")
			},
			status:  http.StatusBadRequest,
			code:    jsonrpc.ErrorCodeSessionError,
			message: "Invalid or missing session ID",
		},
		{
			name: "get without event stream accept",
			do: func(t *testing.T) *http.Response {
				return doRequest(t, srv, http.MethodGet, "nope", "Accept", "application/json")
			},
			status:  http.StatusNotAcceptable,
			code:    jsonrpc.ErrorCodeInvalidRequest,
			message: "Not Acceptable: Client must accept text/event-stream",
		},
		{
			name:    "delete unknown session",
			do:      func(t *testing.T) *http.Response { return doRequest(t, srv, http.MethodDelete, "nope") },
			status:  http.StatusBadRequest,
			code:    jsonrpc.ErrorCodeSessionError,
			message: "Invalid or missing session ID",
		},
		{
			name: "wrong content type",
			do: func(t *testing.T) *http.Response {
				return doPost(t, srv, "", initializeBody, "Content-Type", "text/plain")
			},
			status:  http.StatusUnsupportedMediaType,
			code:    jsonrpc.ErrorCodeInvalidRequest,
			message: "Unsupported Media Type: Content-Type must be application/json",
		},
		{
			name:    "malformed body",
			do:      func(t *testing.T) *http.Response { return doPost(t, srv, "", `{"jsonrpc":`) },
			status:  http.StatusBadRequest,
			code:    jsonrpc.ErrorCodeParseError,
			message: "Parse error",
		},
		{
			name:    "batch body",
			do:      func(t *testing.T) *http.Response { return doPost(t, srv, "", "["+initializeBody+"]") },
			status:  http.StatusBadRequest,
			code:    jsonrpc.ErrorCodeParseError,
			message: "Parse error",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectEnvelope(t, tt.do(t), tt.status, tt.code, tt.message)
		})
	}

	if got := srv.registry.Len(); got != 0 {
		t.Fatalf("want no sessions got %d", got)
	}
}

func TestRedundantInitialize(t *testing.T) {
	srv := mustServer(t, serverConfig{})
	sessID := mustInitialize(t, srv)

	res := doPost(t, srv, sessID, initializeBody)
	expectEnvelope(t, res, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidRequest, "Invalid Request: Server already initialized")

	if got := srv.registry.Len(); got != 1 {
		t.Fatalf("want 1 session got %d", got)
	}
}

func TestDelete(t *testing.T) {
	srv := mustServer(t, serverConfig{})
	sessID := mustInitialize(t, srv)

	s := openStream(t, srv, sessID, "")
	if s.res.StatusCode != http.StatusOK {
		t.Fatalf("stream: want %d got %d", http.StatusOK, s.res.StatusCode)
	}

	res := doRequest(t, srv, http.MethodDelete, sessID)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: want %d got %d", http.StatusNoContent, res.StatusCode)
	}
	s.expectClosed(t)

	if got := srv.registry.Len(); got != 0 {
		t.Fatalf("want no sessions got %d", got)
	}

	expectEnvelope(t, doRequest(t, srv, http.MethodDelete, sessID), http.StatusBadRequest, jsonrpc.ErrorCodeSessionError, "Invalid or missing session ID")
	expectEnvelope(t, doPost(t, srv, sessID, request(2, "whoami", nil)), http.StatusBadRequest, jsonrpc.ErrorCodeSessionError, "Invalid or missing session ID")
}

func TestStreamDeliveryAndReplay(t *testing.T) {
	srv := mustServer(t, serverConfig{})
	sessID := mustInitialize(t, srv)

	s := openStream(t, srv, sessID, "")
	if s.res.StatusCode != http.StatusOK {
		t.Fatalf("stream: want %d got %d", http.StatusOK, s.res.StatusCode)
	}

	got := mustResult[map[string]int](t, doPost(t, srv, sessID, request(2, "push", map[string]int{"count": 3})))
	if got["pushed"] != 3 {
		t.Fatalf("want 3 pushed got %d", got["pushed"])
	}

	var ids []string
	for i := 0; i < 3; i++ {
		ev := s.next(t)
		if ev.id == "" {
			t.Fatalf("event %d: missing id", i)
		}
		if !strings.Contains(ev.data, fmt.Sprintf(`"seq":%d`, i)) {
			t.Fatalf("event %d: unexpected data %s", i, ev.data)
		}
		ids = append(ids, ev.id)
	}

	s.cancel()

	// Pushed after the client went away; only a replay can deliver it.
	mustResult[map[string]int](t, doPost(t, srv, sessID, request(3, "push", map[string]int{"count": 1})))

	var resumed *stream
	waitFor(t, "stream detach", func() bool {
		resumed = openStream(t, srv, sessID, ids[0])
		return resumed.res.StatusCode == http.StatusOK
	})
	want := []string{`"seq":1`, `"seq":2`, `"seq":0`}
	for i, w := range want {
		ev := resumed.next(t)
		if !strings.Contains(ev.data, w) {
			t.Fatalf("replay %d: want %s got %s", i, w, ev.data)
		}
		if i < 2 && ev.id != ids[i+1] {
			t.Fatalf("replay %d: want id %s got %s", i, ids[i+1], ev.id)
		}
	}
}

func TestStreamConflicts(t *testing.T) {
	srv := mustServer(t, serverConfig{})
	sessID := mustInitialize(t, srv)

	first := openStream(t, srv, sessID, "")
	if first.res.StatusCode != http.StatusOK {
		t.Fatalf("stream: want %d got %d", http.StatusOK, first.res.StatusCode)
	}

	second := openStream(t, srv, sessID, "")
	expectEnvelope(t, second.res, http.StatusConflict, jsonrpc.ErrorCodeSessionError, "Conflict: Only one SSE stream is allowed per session")

	first.cancel()
	waitFor(t, "stream detach", func() bool {
		check := openStream(t, srv, sessID, "9999")
		return !strings.Contains(readAll(t, check.res), "Only one SSE stream")
	})

	unknown := openStream(t, srv, sessID, "9999")
	expectEnvelope(t, unknown.res, http.StatusConflict, jsonrpc.ErrorCodeSessionError, "Replay marker no longer available")
}

// stallingWriter is a streaming ResponseWriter whose writes block once
// stall is called, like a client that stopped reading.
type stallingWriter struct {
	header      http.Header
	started     chan struct{}
	startOnce   sync.Once
	stalled     atomic.Bool
	release     chan struct{}
	releaseOnce sync.Once
}

func newStallingWriter() *stallingWriter {
	return &stallingWriter{header: http.Header{}, started: make(chan struct{}), release: make(chan struct{})}
}

func (w *stallingWriter) Header() http.Header { return w.header }

func (w *stallingWriter) WriteHeader(int) { w.startOnce.Do(func() { close(w.started) }) }

func (w *stallingWriter) Write(p []byte) (int, error) {
	w.WriteHeader(http.StatusOK)
	if w.stalled.Load() {
		<-w.release
	}
	return len(p), nil
}

func (w *stallingWriter) Flush() {}

func (w *stallingWriter) stall() { w.stalled.Store(true) }

func (w *stallingWriter) unblock() { w.releaseOnce.Do(func() { close(w.release) }) }

func TestStalledStreamDoesNotBlockSession(t *testing.T) {
	srv := mustServer(t, serverConfig{})
	sessID := mustInitialize(t, srv)

	w := newStallingWriter()
	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/mcp", nil).WithContext(ctx)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Mcp-Session-Id", sessID)

	served := make(chan struct{})
	go func() {
		defer close(served)
		srv.handler.ServeHTTP(w, req)
	}()
	t.Cleanup(func() {
		w.unblock()
		cancel()
		<-served
	})

	select {
	case <-w.started:
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for stream headers")
	}
	w.stall()

	got := mustResult[map[string]int](t, doPost(t, srv, sessID, request(2, "push", map[string]int{"count": 2})))
	if got["pushed"] != 2 {
		t.Fatalf("want 2 pushed got %d", got["pushed"])
	}

	status := make(chan int, 1)
	go func() {
		req, _ := http.NewRequest(http.MethodDelete, srv.url(), nil)
		req.Header.Set("Mcp-Session-Id", sessID)
		res, err := http.DefaultClient.Do(req)
		if err != nil {
			status <- 0
			return
		}
		res.Body.Close()
		status <- res.StatusCode
	}()

	select {
	case code := <-status:
		if code != http.StatusNoContent {
			t.Fatalf("delete: want %d got %d", http.StatusNoContent, code)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("delete blocked behind a stalled stream write")
	}
	if got := srv.registry.Len(); got != 0 {
		t.Fatalf("want no sessions got %d", got)
	}
}

func readAll(t *testing.T, res *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(b)
}

func TestProtocolVersionHeader(t *testing.T) {
	srv := mustServer(t, serverConfig{})
	sessID := mustInitialize(t, srv)

	res := doPost(t, srv, sessID, request(2, "whoami", nil), "Mcp-Protocol-Version", "1999-01-01")
	expectEnvelope(t, res, http.StatusBadRequest, jsonrpc.ErrorCodeSessionError, "Bad Request: Unsupported protocol version")

	res = doPost(t, srv, sessID, request(3, "whoami", nil), "Mcp-Protocol-Version", testProtocolVersion)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("want %d got %d", http.StatusOK, res.StatusCode)
	}
	if got := res.Header.Get("Mcp-Protocol-Version"); got != testProtocolVersion {
		t.Fatalf("want %s got %s", testProtocolVersion, got)
	}
}

func TestFailedHandshake(t *testing.T) {
	t.Run("engine error", func(t *testing.T) {
		srv := mustServer(t, serverConfig{protocol: &fakeProtocol{failInit: true}})

		res := doPost(t, srv, "", initializeBody)
		if res.Header.Get("Mcp-Session-Id") != "" {
			t.Fatalf("want no session id on failure")
		}
		expectEnvelope(t, res, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "Internal server error")
		if got := srv.registry.Len(); got != 0 {
			t.Fatalf("want no sessions got %d", got)
		}
	})

	t.Run("rejected", func(t *testing.T) {
		srv := mustServer(t, serverConfig{protocol: &fakeProtocol{rejectInit: true}})

		res := doPost(t, srv, "", initializeBody)
		if res.Header.Get("Mcp-Session-Id") != "" {
			t.Fatalf("want no session id on rejection")
		}
		var msg jsonrpc.AnyMessage
		if err := json.NewDecoder(res.Body).Decode(&msg); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if msg.Error == nil || msg.Error.Code != jsonrpc.ErrorCodeInvalidParams {
			t.Fatalf("want invalid params error got %+v", msg.Error)
		}
		if got := srv.registry.Len(); got != 0 {
			t.Fatalf("want no sessions got %d", got)
		}
	})
}

func TestConcurrentSessions(t *testing.T) {
	srv := mustServer(t, serverConfig{})

	const n = 8
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = make(map[string]bool)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			req, _ := http.NewRequest(http.MethodPost, srv.url(), strings.NewReader(initializeBody))
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Accept", "application/json")
			res, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Errorf("initialize: %v", err)
				return
			}
			defer res.Body.Close()
			if res.StatusCode != http.StatusOK {
				t.Errorf("initialize: want %d got %d", http.StatusOK, res.StatusCode)
				return
			}

			mu.Lock()
			ids[res.Header.Get("Mcp-Session-Id")] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(ids) != n {
		t.Fatalf("want %d distinct sessions got %d", n, len(ids))
	}
	if got := srv.registry.Len(); got != n {
		t.Fatalf("want %d registered got %d", n, got)
	}
	for id := range ids {
		who := mustResult[map[string]string](t, doPost(t, srv, id, request(2, "whoami", nil)))
		if who["session"] != id {
			t.Fatalf("want session %s got %s", id, who["session"])
		}
	}
}

func TestIdleExpiry(t *testing.T) {
	srv := mustServer(t, serverConfig{opts: []streaminghttp.Option{streaminghttp.WithIdleTimeout(100 * time.Millisecond)}})

	idle := mustInitialize(t, srv)
	streaming := mustInitialize(t, srv)

	s := openStream(t, srv, streaming, "")
	if s.res.StatusCode != http.StatusOK {
		t.Fatalf("stream: want %d got %d", http.StatusOK, s.res.StatusCode)
	}

	waitFor(t, "idle session expiry", func() bool {
		_, err := srv.registry.Get(idle)
		return errors.Is(err, sessions.ErrSessionNotFound)
	})
	expectEnvelope(t, doPost(t, srv, idle, request(2, "whoami", nil)), http.StatusBadRequest, jsonrpc.ErrorCodeSessionError, "Invalid or missing session ID")

	// An attached stream keeps its session alive.
	time.Sleep(250 * time.Millisecond)
	if _, err := srv.registry.Get(streaming); err != nil {
		t.Fatalf("want streaming session alive got %v", err)
	}

	s.cancel()
	waitFor(t, "streaming session expiry after detach", func() bool {
		_, err := srv.registry.Get(streaming)
		return err != nil
	})
}

func TestTestBinding(t *testing.T) {
	resolver := sessions.TestResolverFunc(func(ctx context.Context, r *http.Request) (*sessions.Test, error) {
		id := r.Header.Get("X-Test")
		if id == "" {
			return nil, nil
		}
		return &sessions.Test{ID: id, ContainerURI: "http://emu.invalid"}, nil
	})
	srv := mustServer(t, serverConfig{resolver: resolver})

	res := doPost(t, srv, "", initializeBody, "X-Test", "alpha")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("initialize: want %d got %d", http.StatusOK, res.StatusCode)
	}
	sessID := res.Header.Get("Mcp-Session-Id")

	who := mustResult[map[string]string](t, doPost(t, srv, sessID, request(2, "whoami", nil), "X-Test", "alpha"))
	if who["test"] != "alpha" {
		t.Fatalf("want test alpha got %s", who["test"])
	}

	expectEnvelope(t, doPost(t, srv, sessID, request(3, "whoami", nil), "X-Test", "beta"), http.StatusBadRequest, jsonrpc.ErrorCodeSessionError, "Invalid or missing session ID")
	expectEnvelope(t, doPost(t, srv, sessID, request(4, "whoami", nil)), http.StatusBadRequest, jsonrpc.ErrorCodeSessionError, "Invalid or missing session ID")
}

func TestUnauthorized(t *testing.T) {
	resolver := sessions.TestResolverFunc(func(ctx context.Context, r *http.Request) (*sessions.Test, error) {
		_, err := auth.BearerToken(r)
		return nil, err
	})
	srv := mustServer(t, serverConfig{
		resolver: resolver,
		opts:     []streaminghttp.Option{streaminghttp.WithRealm("emubridge")},
	})

	res := doPost(t, srv, "", initializeBody)
	if got := res.Header.Get("WWW-Authenticate"); got != `Bearer realm="emubridge"` {
		t.Fatalf("want realm challenge got %q", got)
	}
	expectEnvelope(t, res, http.StatusUnauthorized, jsonrpc.ErrorCodeSessionError, "Unauthorized")

	res = doPost(t, srv, "", initializeBody, "Authorization", "Basic Zm9v")
	if got := res.Header.Get("WWW-Authenticate"); !strings.Contains(got, `error="invalid_token"`) {
		t.Fatalf("want invalid_token challenge got %q", got)
	}
	expectEnvelope(t, res, http.StatusUnauthorized, jsonrpc.ErrorCodeSessionError, "Unauthorized")
}

func TestNewValidatesArguments(t *testing.T) {
	registry := sessions.NewRegistry()
	proto := &fakeProtocol{}
	store := memory.New()
	resolver := auth.NewStatic(nil)

	if _, err := streaminghttp.New(nil, proto, store, resolver); err == nil {
		t.Fatalf("want error for nil registry")
	}
	if _, err := streaminghttp.New(registry, nil, store, resolver); err == nil {
		t.Fatalf("want error for nil protocol")
	}
	if _, err := streaminghttp.New(registry, proto, nil, resolver); err == nil {
		t.Fatalf("want error for nil store")
	}
	if _, err := streaminghttp.New(registry, proto, store, nil); err == nil {
		t.Fatalf("want error for nil resolver")
	}
}
