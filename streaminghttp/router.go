package streaminghttp

import (
	"encoding/json"
	"net/http"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/emubridge/internal/jsonrpc"
	"github.com/ggoodman/emubridge/sessions"
)

var (
	jsonMediaType        = contenttype.NewMediaType("application/json")
	eventStreamMediaType = contenttype.NewMediaType("text/event-stream")
)

const (
	lastEventIDHeader        = "Last-Event-ID"
	mcpSessionIDHeader       = "Mcp-Session-Id"
	mcpProtocolVersionHeader = "Mcp-Protocol-Version"
	wwwAuthenticateHeader    = "WWW-Authenticate"
)

// Error messages carried in the JSON-RPC error envelope.
const (
	msgNoValidSession        = "Bad Request: No valid session ID provided"
	msgInvalidSession        = "Invalid or missing session ID"
	msgAlreadyInitialized    = "Invalid Request: Server already initialized"
	msgReplayUnavailable     = "Replay marker no longer available"
	msgUnsupportedVersion    = "Bad Request: Unsupported protocol version"
	msgStreamConflict        = "Conflict: Only one SSE stream is allowed per session"
	msgInternal              = "Internal server error"
	msgUnauthorized          = "Unauthorized"
	msgParseError            = "Parse error"
	msgUnsupportedMedia      = "Unsupported Media Type: Content-Type must be application/json"
	msgNotAcceptableStream   = "Not Acceptable: Client must accept text/event-stream"
	msgNotAcceptableResponse = "Not Acceptable: Client must accept application/json or text/event-stream"
)

// Classify maps an HTTP request onto the one kind of work it asks for. It
// looks only at the verb, the presence of a session id and whether the body
// is an initialization message.
func Classify(method, sessionID string, isInit bool) sessions.RequestKind {
	switch method {
	case http.MethodPost:
		if sessionID != "" {
			return sessions.KindResumeWithBody
		}
		if isInit {
			return sessions.KindInitialize
		}
	case http.MethodGet:
		if sessionID != "" {
			return sessions.KindResumeStream
		}
	case http.MethodDelete:
		if sessionID != "" {
			return sessions.KindTerminate
		}
	}
	return sessions.KindInvalid
}

// writeEnvelope writes a transport-level JSON-RPC error that is not tied to
// any request id.
func writeEnvelope(w http.ResponseWriter, status int, code jsonrpc.ErrorCode, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(jsonrpc.NewEnvelope(code, msg))
}

func writeSessionError(w http.ResponseWriter, msg string) {
	writeEnvelope(w, http.StatusBadRequest, jsonrpc.ErrorCodeSessionError, msg)
}

func writeInternalError(w http.ResponseWriter) {
	writeEnvelope(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, msgInternal)
}
