package httpapi_test

import (
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn wraps a session websocket for tests.
type wsConn struct {
	conn *websocket.Conn
}

func dialSession(t *testing.T, url string) *wsConn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial session: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &wsConn{conn: conn}
}

func (c *wsConn) send(t *testing.T, msg map[string]any) {
	t.Helper()
	if err := c.conn.WriteJSON(msg); err != nil {
		t.Fatalf("session write: %v", err)
	}
}

// expect reads messages until one of the wanted type arrives, failing on
// timeout or on an unexpected message type.
func (c *wsConn) expect(t *testing.T, wantType string) map[string]any {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var msg map[string]any
		if err := c.conn.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %q: %v", wantType, err)
		}
		got, _ := msg["type"].(string)
		if got != wantType {
			t.Fatalf("got message %q, want %q (%v)", got, wantType, msg)
		}
		return msg
	}
}
