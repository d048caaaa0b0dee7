package sessions

import (
	"context"
	"errors"
	"net/http"

	"github.com/ggoodman/emubridge/internal/jsonrpc"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrDuplicateSession = errors.New("duplicate session id")
	ErrEmptySessionID   = errors.New("empty session id")
	// ErrTransportClosed is returned by Send on a transport that has been torn down.
	ErrTransportClosed = errors.New("transport closed")
)

// Variant names a transport generation.
type Variant string

const (
	VariantSSE        Variant = "sse"
	VariantStreamable Variant = "streamable"
)

// RequestKind is the Router's classification of one HTTP request.
type RequestKind int

const (
	KindInvalid RequestKind = iota
	KindInitialize
	KindResumeWithBody
	KindResumeStream
	KindTerminate
)

func (k RequestKind) String() string {
	switch k {
	case KindInitialize:
		return "initialize"
	case KindResumeWithBody:
		return "resume_with_body"
	case KindResumeStream:
		return "resume_stream"
	case KindTerminate:
		return "terminate"
	default:
		return "invalid"
	}
}

// Inbound is a classified request handed to a Transport. Message is nil for
// requests without a body.
type Inbound struct {
	Kind        RequestKind
	Message     *jsonrpc.AnyMessage
	LastEventID string
}

// Peer is the view of a session that the Protocol engine sees.
type Peer interface {
	// SessionID returns the id, or "" while a handshake is still in progress.
	SessionID() string
	// Test returns the active test bound to the session, or nil.
	Test() *Test
	// Send pushes a server-initiated message to the client.
	Send(ctx context.Context, msg jsonrpc.Message) error
}

// Transport drives one session over HTTP.
type Transport interface {
	Peer

	Variant() Variant

	// HandleInbound serves one classified request for this session and
	// writes the complete HTTP response.
	HandleInbound(w http.ResponseWriter, r *http.Request, in Inbound)

	// OnClose registers fn to run exactly once when the transport closes.
	// fn runs synchronously inside Close, before Close releases resources.
	// Registering on an already closed transport runs fn immediately.
	OnClose(fn func())

	// Close tears the transport down. It is idempotent.
	Close() error
}

// Protocol is the JSON-RPC engine transports feed inbound messages to.
type Protocol interface {
	// IsInitialize reports whether msg opens a new session.
	IsInitialize(msg *jsonrpc.AnyMessage) bool

	// HandleMessage processes one inbound message. It returns the response
	// for requests and nil for notifications and client responses.
	HandleMessage(ctx context.Context, peer Peer, msg *jsonrpc.AnyMessage) (*jsonrpc.Response, error)
}
