package jsonrpc

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	// ErrorCodeParseError indicates invalid JSON was received by the server.
	ErrorCodeParseError ErrorCode = -32700
	// ErrorCodeInvalidRequest indicates the JSON sent is not a valid Request object.
	ErrorCodeInvalidRequest ErrorCode = -32600
	// ErrorCodeMethodNotFound indicates the method does not exist / is not available.
	ErrorCodeMethodNotFound ErrorCode = -32601
	// ErrorCodeInvalidParams indicates invalid method parameters.
	ErrorCodeInvalidParams ErrorCode = -32602
	// ErrorCodeInternalError indicates an internal JSON-RPC error.
	ErrorCodeInternalError ErrorCode = -32603
	// ErrorCodeSessionError is the implementation-defined server error used
	// for transport-level session failures (missing, unknown or terminated
	// session ids, rejected handshakes).
	ErrorCodeSessionError ErrorCode = -32000
)

// Envelope is an error response that is not correlated with any request.
// It always serializes "id":null.
type Envelope struct {
	JSONRPCVersion string     `json:"jsonrpc"`
	Error          Error      `json:"error"`
	ID             *RequestID `json:"id"`
}

// NewEnvelope builds an uncorrelated error response.
func NewEnvelope(code ErrorCode, message string) Envelope {
	return Envelope{
		JSONRPCVersion: ProtocolVersion,
		Error:          Error{Code: code, Message: message},
	}
}
