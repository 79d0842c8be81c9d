// Package testhelpers provides common utilities for exercising the relay over
// real WebSocket connections in tests.
//
// It wraps gorilla's Dialer with the origin header the default configuration
// accepts, and reads and writes protocol envelopes so tests can assert on
// event names and payloads directly.
package testhelpers

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/sketchrelay/internal/protocol"
)

// TestOrigin is the Origin header sent by ConnectWebSocket.
const TestOrigin = "http://localhost:3000"

// WebSocketURL turns an httptest server URL into its /ws endpoint.
func WebSocketURL(serverURL string) string {
	return "ws" + strings.TrimPrefix(serverURL, "http") + "/ws"
}

// ConnectWebSocket dials url with TestOrigin and returns the connection or
// the dial error.
func ConnectWebSocket(url string) (*websocket.Conn, error) {
	return ConnectWebSocketWithOrigin(url, TestOrigin)
}

// ConnectWebSocketWithOrigin dials url with the given Origin header; an empty
// origin omits the header.
func ConnectWebSocketWithOrigin(url, origin string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// MustConnect dials url and closes the connection when the test ends.
func MustConnect(t *testing.T, url string) *websocket.Conn {
	t.Helper()

	conn, err := ConnectWebSocket(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// SendEvent writes one envelope. data is marshalled unless it is already a
// json.RawMessage; nil omits the data key.
func SendEvent(conn *websocket.Conn, event string, data any) error {
	env := map[string]any{"event": event}
	if data != nil {
		env["data"] = data
	}
	return conn.WriteJSON(env)
}

// MustSendEvent is SendEvent failing the test on error.
func MustSendEvent(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	require.NoError(t, SendEvent(conn, event, data))
}

// ReceiveEvent reads the next envelope, waiting at most timeout.
func ReceiveEvent(conn *websocket.Conn, timeout time.Duration) (protocol.Envelope, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return protocol.Envelope{}, err
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return protocol.Envelope{}, err
	}
	return protocol.Decode(raw)
}

// MustReceiveEvent reads the next envelope and checks its event name.
func MustReceiveEvent(t *testing.T, conn *websocket.Conn, wantEvent string) protocol.Envelope {
	t.Helper()

	env, err := ReceiveEvent(conn, 2*time.Second)
	require.NoError(t, err, "waiting for %q", wantEvent)
	require.Equal(t, wantEvent, env.Event)
	return env
}

// ExpectNoEvent fails the test if any frame arrives within wait.
func ExpectNoEvent(t *testing.T, conn *websocket.Conn, wait time.Duration) {
	t.Helper()

	env, err := ReceiveEvent(conn, wait)
	if err == nil {
		t.Fatalf("expected no event, got %q with data %s", env.Event, env.Data)
	}
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Fatalf("expected read timeout, got %v", err)
	}
}

// DecodeData unmarshals an envelope's data into v.
func DecodeData(t *testing.T, env protocol.Envelope, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(env.Data, v))
}

// CloseWebSocket sends a normal close frame and closes the connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}

// Eventually polls cond until it holds or timeout passes.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, timeout, 10*time.Millisecond, msg)
}
