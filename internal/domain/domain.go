// Package domain holds the small set of interfaces shared between the
// transport layer and the room routing core.
package domain

// Connection is one live client session as seen by the routing core.
// Implementations must be safe for concurrent Send calls and Send must not
// block on network I/O.
type Connection interface {
	ID() string
	Send(frame []byte) error
}
