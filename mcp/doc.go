// Package mcp contains the Model Context Protocol data types and method
// names the bridge's engine speaks. Only the subset the engine serves is
// modelled; transports never import this package and treat messages as
// opaque JSON-RPC.
package mcp
