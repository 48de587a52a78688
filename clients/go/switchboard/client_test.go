package switchboard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// mockServer upgrades every request, records the handshake user and
// echoes each send-message back as an ack followed by a channel-message.
func mockServer(t *testing.T, users chan<- string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/ws/") {
			http.NotFound(w, r)
			return
		}
		users <- r.Header.Get(UserHeader)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var in struct {
				Event string `json:"event"`
				Data  struct {
					Content   string `json:"content"`
					ChannelID string `json:"channelId"`
				} `json:"data"`
			}
			if err := conn.ReadJSON(&in); err != nil {
				return
			}
			if in.Event != "send-message" {
				continue
			}
			conn.WriteJSON(map[string]any{
				"event": "ack",
				"data":  map[string]string{"messageId": "m1", "state": "queued"},
			})
			conn.WriteJSON(map[string]any{
				"event": "channel-message",
				"data": map[string]any{
					"id":          "m1",
					"workspaceId": strings.TrimPrefix(r.URL.Path, "/ws/"),
					"channelId":   in.Data.ChannelID,
					"senderId":    "alice",
					"type":        "chat",
					"priority":    "normal",
					"content":     map[string]any{"kind": "text", "body": map[string]string{"text": in.Data.Content}},
					"createdAt":   time.Now(),
				},
			})
		}
	}))
}

func next(t *testing.T, c *Client) any {
	t.Helper()
	select {
	case f := <-c.Frames():
		v, err := Decode(f)
		if err != nil {
			t.Fatalf("decode %s: %v", f.Event, err)
		}
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func TestClient_SendReceivesAckAndMessage(t *testing.T) {
	users := make(chan string, 1)
	srv := mockServer(t, users)
	defer srv.Close()

	c := New(Config{URL: srv.URL, WorkspaceID: "acme", UserID: "alice"})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	if got := <-users; got != "alice" {
		t.Fatalf("expected user header alice, got %q", got)
	}
	if !c.IsConnected() {
		t.Fatal("expected connected")
	}
	if err := c.SendText("general", "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}

	ack, ok := next(t, c).(*Ack)
	if !ok || ack.MessageID != "m1" || ack.State != "queued" {
		t.Fatalf("unexpected ack %+v", ack)
	}
	msg, ok := next(t, c).(*Message)
	if !ok {
		t.Fatal("expected message frame")
	}
	if msg.WorkspaceID != "acme" || msg.ChannelID != "general" || msg.Text() != "hello" {
		t.Fatalf("unexpected message %+v", msg)
	}
}

func TestClient_EmitBeforeConnect(t *testing.T) {
	c := New(Config{URL: "http://127.0.0.1:1", WorkspaceID: "acme", UserID: "alice"})
	if err := c.Join("general"); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestClient_ConnectAfterClose(t *testing.T) {
	c := New(Config{URL: "http://127.0.0.1:1", WorkspaceID: "acme", UserID: "alice"})
	c.Close()
	if err := c.Connect(context.Background()); err != ErrAlreadyClosed {
		t.Fatalf("expected ErrAlreadyClosed, got %v", err)
	}
}

func TestSocketURL(t *testing.T) {
	tests := []struct {
		base, ws, want string
	}{
		{"http://localhost:8080", "acme", "ws://localhost:8080/ws/acme"},
		{"https://chat.example.com/", "acme", "wss://chat.example.com/ws/acme"},
		{"wss://chat.example.com/api", "a b", "wss://chat.example.com/api/ws/a%20b"},
	}
	for _, tt := range tests {
		got, err := SocketURL(tt.base, tt.ws)
		if err != nil {
			t.Fatalf("SocketURL(%q): %v", tt.base, err)
		}
		if got != tt.want {
			t.Fatalf("SocketURL(%q, %q) = %q, want %q", tt.base, tt.ws, got, tt.want)
		}
	}
	if _, err := SocketURL("ftp://x", "acme"); err == nil {
		t.Fatal("expected error for ftp scheme")
	}
}

func TestDecode_ServerError(t *testing.T) {
	data, _ := json.Marshal(map[string]string{"code": "rate_limited", "message": "slow down"})
	v, err := Decode(Frame{Event: "error", Data: data})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	se, ok := v.(*ServerError)
	if !ok || se.Code != "rate_limited" {
		t.Fatalf("unexpected %+v", v)
	}
	if v, _ := Decode(Frame{Event: "unknown"}); v != nil {
		t.Fatalf("expected nil for unknown event, got %+v", v)
	}
}
