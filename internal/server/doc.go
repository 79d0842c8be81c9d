// Package server implements the HTTP and WebSocket transport of the drawing
// relay.
//
// The implementation is organized into specialized files for configuration,
// origin checks, rate limiting, the client hub, per-connection pumps, routing
// and HTTP handlers. Room membership and event fan-out live in the registry
// and router packages; this package only moves frames between sockets and
// the router.
package server
