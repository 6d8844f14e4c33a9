// Package testhelpers holds WebSocket client helpers shared by the relay's
// end-to-end tests.
package testhelpers

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// TestOrigin is the origin the test dialer presents; test servers allow it.
const TestOrigin = "http://localhost:8080"

// Event is a decoded server frame.
type Event map[string]any

// Type returns the event's "type" field.
func (e Event) Type() string {
	s, _ := e["type"].(string)
	return s
}

// String returns a string field, or "" when absent.
func (e Event) String(key string) string {
	s, _ := e[key].(string)
	return s
}

// Bool returns a boolean field, or false when absent.
func (e Event) Bool(key string) bool {
	b, _ := e[key].(bool)
	return b
}

// Nested returns an object field.
func (e Event) Nested(key string) Event {
	m, _ := e[key].(map[string]any)
	return Event(m)
}

// WebSocketURL turns an httptest server URL into its /ws endpoint.
func WebSocketURL(serverURL string) string {
	return "ws" + strings.TrimPrefix(serverURL, "http") + "/ws"
}

// ConnectWebSocket dials url with the given Origin header and closes the
// connection when the test ends.
func ConnectWebSocket(t *testing.T, url, origin string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if conn != nil {
		t.Cleanup(func() { _ = conn.Close() })
	}
	return conn, resp, err
}

// MustConnect dials with TestOrigin and fails the test on error.
func MustConnect(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := ConnectWebSocket(t, url, TestOrigin)
	require.NoError(t, err)
	return conn
}

// SendEvent writes v as one JSON text frame.
func SendEvent(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

// ReadEvent reads the next frame, failing after timeout.
func ReadEvent(t *testing.T, conn *websocket.Conn, timeout time.Duration) Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var event Event
	require.NoError(t, json.Unmarshal(data, &event))
	return event
}

// ReadEventOfType skips frames until one of the given type arrives.
func ReadEventOfType(t *testing.T, conn *websocket.Conn, eventType string, timeout time.Duration) Event {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		require.True(t, remaining > 0, "no %q event within %s", eventType, timeout)
		if event := ReadEvent(t, conn, remaining); event.Type() == eventType {
			return event
		}
	}
}

// ExpectNoEvent asserts that nothing arrives within wait. The connection is
// unusable for reads afterwards only if a frame did arrive.
func ExpectNoEvent(t *testing.T, conn *websocket.Conn, wait time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(wait)))
	_, data, err := conn.ReadMessage()
	require.Error(t, err, "unexpected frame: %s", data)
}

// Identify sends an identify event and waits for the confirmation.
func Identify(t *testing.T, conn *websocket.Conn, userID, token string) Event {
	t.Helper()
	SendEvent(t, conn, map[string]string{"type": "identify", "userId": userID, "token": token})
	return ReadEvent(t, conn, 2*time.Second)
}

// CloseWebSocket sends a normal close frame and closes the socket.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}

// Eventually polls cond until it holds or timeout passes.
func Eventually(t *testing.T, cond func() bool, timeout time.Duration, msg string) {
	t.Helper()
	require.Eventually(t, cond, timeout, 10*time.Millisecond, msg)
}
