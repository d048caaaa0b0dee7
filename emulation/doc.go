// Package emulation is the REST client for the emulator container bound to
// an active test.
//
// Every operation issues exactly one HTTP call and reports failure through
// its Result instead of an error return: a refused connection, a non-2xx
// status or an undecodable body all produce a failed Result holding the
// operation's failure value (false, "" or an empty map). The client never
// retries; callers that need resilience wrap it.
package emulation
