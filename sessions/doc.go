// Package sessions defines the session abstraction shared by the HTTP
// transports of the bridge and the process-wide Registry that owns them.
//
// Layers & Roles
//
//	Router     -> classifies HTTP requests and resolves sessions through the Registry
//	Registry   -> maps session ids to exactly one live Transport
//	Transport  -> drives one session over HTTP (legacy SSE or Streamable HTTP)
//	Protocol   -> the JSON-RPC engine a Transport feeds inbound messages to
//
// # Lifecycle
//
// A Transport is added to the Registry once its id is known: when a legacy
// SSE stream is opened, or when a Streamable HTTP handshake succeeds. The
// Registry subscribes to the Transport's close notification and that
// notification is the only path that removes the entry. Removed ids are
// remembered so they can never be issued or resolved again.
//
// # Active tests
//
// A session may be bound to a Test: the emulator container that tool calls
// made on the session act upon. The binding is resolved by a TestResolver
// when the session is created and never changes afterwards.
package sessions
