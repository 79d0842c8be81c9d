// Package server defines shared errors and utility helpers that are reused
// across client and hub logic.
package server

import (
	"errors"
	"strings"
)

var (
	// ErrSendQueueFull is returned by Client.Send when the recipient is not
	// draining its queue fast enough.
	ErrSendQueueFull = errors.New("send queue full")
	// ErrConnectionClosed is returned by Client.Send after the client left.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrHubClosed is returned when registering with a hub that has shut down.
	ErrHubClosed = errors.New("hub closed")
)

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
