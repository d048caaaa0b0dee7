// Package streaminghttp implements the single-endpoint streaming HTTP
// transport. It mounts as a standard net/http handler.
//
// Every request is classified by Classify before it reaches a session:
//
//	POST   no Mcp-Session-Id, initialize message -> new session
//	POST   Mcp-Session-Id                        -> message for that session
//	GET    Mcp-Session-Id                        -> attach the push stream
//	DELETE Mcp-Session-Id                        -> terminate
//
// Anything else is answered with a JSON-RPC error envelope and never touches
// the registry.
//
// # Session lifecycle
//
// A transport is created for each initialize request. It is registered
// under a fresh id only after the handshake succeeds, so a failed handshake
// leaves nothing behind. The registry entry is removed when the transport
// closes, whether by DELETE, idle expiry or registry shutdown, and the id is
// never accepted again.
//
// # Resumability
//
// Server pushes are appended to an eventlog.Store before they are written
// to the attached GET stream. A client that reconnects with Last-Event-ID
// receives every event after that marker, in order, before live delivery
// resumes. A marker the store no longer holds is answered with 409 so the
// client can resynchronize.
//
// Example:
//
//	h, err := streaminghttp.New(registry, engine, memory.New(), auth.NewStatic(test))
//	if err != nil {
//		return err
//	}
//	mux.Handle("/mcp", h)
package streaminghttp
