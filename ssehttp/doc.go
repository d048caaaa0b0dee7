// Package ssehttp implements the legacy two-endpoint transport: a GET
// event stream for server to client messages and a POST endpoint for
// client to server messages, joined by a sessionId query parameter.
//
// Opening the stream creates the session. The first event is named
// "endpoint" and carries the path the client must POST to:
//
//	event: endpoint
//	data: /messages?sessionId=<id>
//
// Posted messages are acknowledged with 202 and their responses arrive on
// the stream as "message" events. Dropping the stream closes the session.
package ssehttp
