// Package engine is the MCP protocol engine the bridge's transports feed.
// It negotiates the handshake and serves the emulator tools against the
// active test bound to each session.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/emubridge/internal/jsonrpc"
	"github.com/ggoodman/emubridge/internal/logctx"
	"github.com/ggoodman/emubridge/mcp"
	"github.com/ggoodman/emubridge/sessions"
)

var _ sessions.Protocol = (*Engine)(nil)

// Engine is stateless with respect to sessions apart from in-flight tool
// calls, which are tracked so that notifications/cancelled can abort them.
type Engine struct {
	log          *slog.Logger
	serverInfo   mcp.ImplementationInfo
	instructions string

	tools     []toolDef
	toolIndex map[string]toolDef

	inflightMu sync.Mutex
	inflight   map[string]context.CancelCauseFunc // sessionID/requestID -> cancel
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithServerInfo sets the implementation info reported by initialize.
func WithServerInfo(info mcp.ImplementationInfo) Option {
	return func(e *Engine) { e.serverInfo = info }
}

// WithInstructions sets the instructions reported by initialize.
func WithInstructions(s string) Option {
	return func(e *Engine) { e.instructions = s }
}

// New builds an engine serving the emulator tools through emu.
func New(emu Emulator, opts ...Option) *Engine {
	e := &Engine{
		log:        slog.Default(),
		serverInfo: mcp.ImplementationInfo{Name: "emubridge", Version: "dev"},
		inflight:   make(map[string]context.CancelCauseFunc),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = logctx.Wrap(e.log)

	e.tools = emulatorTools(emu)
	e.toolIndex = make(map[string]toolDef, len(e.tools))
	for _, td := range e.tools {
		e.toolIndex[td.tool.Name] = td
	}
	return e
}

// IsInitialize implements sessions.Protocol.
func (e *Engine) IsInitialize(msg *jsonrpc.AnyMessage) bool {
	return msg != nil && msg.Type() == jsonrpc.KindRequest && msg.Method == string(mcp.InitializeMethod)
}

// HandleMessage implements sessions.Protocol.
func (e *Engine) HandleMessage(ctx context.Context, peer sessions.Peer, msg *jsonrpc.AnyMessage) (*jsonrpc.Response, error) {
	switch msg.Type() {
	case jsonrpc.KindRequest:
		return e.handleRequest(ctx, peer, msg.AsRequest())
	case jsonrpc.KindNotification:
		e.handleNotification(ctx, peer, msg.AsRequest())
		return nil, nil
	default:
		// The engine never issues requests to the client.
		e.log.DebugContext(ctx, "engine.client_response.ignored", slog.String("id", msg.ID.String()))
		return nil, nil
	}
}

func (e *Engine) handleRequest(ctx context.Context, peer sessions.Peer, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	switch mcp.Method(req.Method) {
	case mcp.InitializeMethod:
		return e.handleInitialize(ctx, req)
	case mcp.PingMethod:
		return jsonrpc.NewResultResponse(req.ID, struct{}{})
	case mcp.ToolsListMethod:
		return e.handleToolsList(ctx, req)
	case mcp.ToolsCallMethod:
		return e.handleToolCall(ctx, peer, req)
	}

	e.log.InfoContext(ctx, "engine.handle_request.unknown_method")
	return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "method not found: "+req.Method, nil), nil
}

func (e *Engine) handleInitialize(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var params mcp.InitializeRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		e.log.InfoContext(ctx, "engine.initialize.invalid", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid initialize params", nil), nil
	}

	negotiated := mcp.LatestProtocolVersion
	if mcp.IsSupportedProtocolVersion(params.ProtocolVersion) {
		negotiated = params.ProtocolVersion
	}

	res := &mcp.InitializeResult{
		ProtocolVersion: negotiated,
		Capabilities:    mcp.ServerCapabilities{Tools: &mcp.ToolsCapability{}},
		ServerInfo:      e.serverInfo,
		Instructions:    e.instructions,
	}
	e.log.InfoContext(ctx, "engine.initialize.ok",
		slog.String("client_name", params.ClientInfo.Name),
		slog.String("client_version", params.ClientInfo.Version),
		slog.String("protocol_version", negotiated),
	)
	return jsonrpc.NewResultResponse(req.ID, res)
}

func (e *Engine) handleToolsList(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	tools := make([]mcp.Tool, 0, len(e.tools))
	for _, td := range e.tools {
		tools = append(tools, td.tool)
	}
	e.log.DebugContext(ctx, "engine.tools_list.ok", slog.Int("tool_count", len(tools)))
	return jsonrpc.NewResultResponse(req.ID, &mcp.ListToolsResult{Tools: tools})
}

func (e *Engine) handleToolCall(ctx context.Context, peer sessions.Peer, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()

	var params mcp.CallToolRequestReceived
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		e.log.InfoContext(ctx, "engine.tool_call.invalid")
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}
	log := e.log.With(slog.String("tool", params.Name))

	td, ok := e.toolIndex[params.Name]
	if !ok {
		log.InfoContext(ctx, "engine.tool_call.unknown")
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "unknown tool: "+params.Name, nil), nil
	}

	test := peer.Test()
	if test == nil {
		log.InfoContext(ctx, "engine.tool_call.no_test")
		return jsonrpc.NewResultResponse(req.ID, errorResult("no active test bound to this session"))
	}

	toolCtx, release := e.track(ctx, peer.SessionID(), req.ID.String())
	defer release()

	var token mcp.ProgressToken
	if params.Meta != nil {
		token = params.Meta.ProgressToken
	}
	e.progress(toolCtx, peer, token, 0)

	res, err := td.call(toolCtx, test, params.Arguments)
	switch {
	case errors.Is(context.Cause(toolCtx), errCancelledByClient):
		log.InfoContext(ctx, "engine.tool_call.cancelled", slog.Duration("dur", time.Since(start)))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "request cancelled", nil), nil
	case errors.Is(err, errInvalidArguments):
		log.InfoContext(ctx, "engine.tool_call.invalid", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, err.Error(), nil), nil
	case err != nil:
		log.ErrorContext(ctx, "engine.tool_call.fail", slog.String("err", err.Error()), slog.Duration("dur", time.Since(start)))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil), nil
	}

	e.progress(toolCtx, peer, token, 1)
	log.InfoContext(ctx, "engine.tool_call.ok", slog.Bool("is_error", res.IsError), slog.Duration("dur", time.Since(start)))
	return jsonrpc.NewResultResponse(req.ID, res)
}

// progress pushes a notifications/progress message when the caller asked
// for progress. Delivery failures do not fail the call.
func (e *Engine) progress(ctx context.Context, peer sessions.Peer, token mcp.ProgressToken, p float64) {
	if token == nil {
		return
	}
	msg, err := jsonrpc.NewNotification(string(mcp.ProgressNotificationMethod), mcp.ProgressNotificationParams{ProgressToken: token, Progress: p, Total: 1})
	if err != nil {
		e.log.ErrorContext(ctx, "engine.progress.encode.fail", slog.String("err", err.Error()))
		return
	}
	if err := peer.Send(ctx, msg); err != nil {
		e.log.WarnContext(ctx, "engine.progress.send.fail", slog.String("err", err.Error()))
	}
}

var errCancelledByClient = errors.New("cancelled by client")

func inflightKey(sessionID, requestID string) string { return sessionID + "/" + requestID }

// track derives a context that notifications/cancelled for the same
// session and request id can cancel.
func (e *Engine) track(ctx context.Context, sessionID, requestID string) (context.Context, func()) {
	toolCtx, cancel := context.WithCancelCause(ctx)
	key := inflightKey(sessionID, requestID)

	e.inflightMu.Lock()
	e.inflight[key] = cancel
	e.inflightMu.Unlock()

	return toolCtx, func() {
		e.inflightMu.Lock()
		delete(e.inflight, key)
		e.inflightMu.Unlock()
		cancel(context.Canceled)
	}
}

type cancelledParams struct {
	RequestID *jsonrpc.RequestID `json:"requestId"`
	Reason    string             `json:"reason,omitempty"`
}

func (e *Engine) handleNotification(ctx context.Context, peer sessions.Peer, note *jsonrpc.Request) {
	switch mcp.Method(note.Method) {
	case mcp.InitializedNotificationMethod:
		e.log.InfoContext(ctx, "engine.initialized")
	case mcp.CancelledNotificationMethod:
		var params cancelledParams
		if err := json.Unmarshal(note.Params, &params); err != nil || params.RequestID.IsNil() {
			e.log.InfoContext(ctx, "engine.cancel.invalid")
			return
		}
		e.inflightMu.Lock()
		cancel, ok := e.inflight[inflightKey(peer.SessionID(), params.RequestID.String())]
		e.inflightMu.Unlock()
		if ok {
			cancel(fmt.Errorf("%w: %s", errCancelledByClient, params.Reason))
		}
		e.log.InfoContext(ctx, "engine.cancel", slog.Bool("found", ok))
	default:
		e.log.DebugContext(ctx, "engine.notification.ignored")
	}
}
