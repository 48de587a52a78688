package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/switchboard/internal/crypto"
	"github.com/eldtechnologies/switchboard/internal/encryption"
	"github.com/eldtechnologies/switchboard/internal/identity"
	"github.com/eldtechnologies/switchboard/internal/models"
	"github.com/eldtechnologies/switchboard/internal/presence"
	"github.com/eldtechnologies/switchboard/internal/ratelimit"
	"github.com/eldtechnologies/switchboard/internal/registry"
	"github.com/eldtechnologies/switchboard/internal/router"
	"github.com/eldtechnologies/switchboard/internal/security"
	"github.com/eldtechnologies/switchboard/internal/store"
)

type wireFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type testServer struct {
	server   *httptest.Server
	registry *registry.Registry
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := zerolog.Nop()
	master, _ := crypto.GenerateKey()
	wrapper, err := crypto.NewKeyWrapper(master)
	if err != nil {
		t.Fatalf("NewKeyWrapper: %v", err)
	}
	secret, _ := crypto.GenerateKey()
	ms := store.NewMemoryStore()
	resolver := identity.NewResolver(identity.OpenProvider(), secret, time.Minute, logger)
	reg := registry.New(registry.Config{}, logger)

	core := router.New(router.Deps{
		Verifier:   resolver,
		Scanner:    security.MustNewScanner(),
		Encryption: encryption.NewService(ms, wrapper, nil, logger),
		Registry:   reg,
		Presence:   presence.New(presence.Config{}, logger),
		Limiter:    ratelimit.New(),
		Store:      ms,
	}, router.DefaultConfig(), logger)

	gw := NewGateway(core, resolver, DefaultConfig(time.Minute), logger)
	r := chi.NewRouter()
	r.Get("/ws/{workspaceID}", gw.ServeHTTP)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		core.Close(context.Background())
	})
	return &testServer{server: srv, registry: reg}
}

func (s *testServer) dial(t *testing.T, workspaceID, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws/" + workspaceID
	header := http.Header{}
	header.Set(UserHeader, user)
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("Dial(%s, %s): %v", workspaceID, user, err)
	}
	t.Cleanup(func() { conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for !s.registry.Online(workspaceID, user) {
		if time.Now().After(deadline) {
			t.Fatalf("%s never registered in %s", user, workspaceID)
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.WriteJSON(Inbound{Event: event, Data: raw}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
}

func read(t *testing.T, conn *websocket.Conn) wireFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f wireFrame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	return f
}

func TestGateway_RequiresUser(t *testing.T) {
	s := newTestServer(t)
	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws/ws-1"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail without a user")
	}
	if resp == nil || resp.StatusCode < 400 {
		t.Fatalf("response = %v", resp)
	}
}

func TestGateway_DirectMessageAndAck(t *testing.T) {
	s := newTestServer(t)
	bob := s.dial(t, "ws-1", "bob")
	alice := s.dial(t, "ws-1", "alice")

	send(t, alice, EventSendMessage, map[string]any{"content": "hello bob", "recipientId": "bob"})

	got := read(t, bob)
	if got.Event != models.EventDirectMessage {
		t.Fatalf("bob event = %s", got.Event)
	}
	var mf models.MessageFrame
	if err := json.Unmarshal(got.Data, &mf); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if mf.SenderID != "alice" || mf.RecipientID != "bob" {
		t.Fatalf("frame = %+v", mf)
	}
	content, err := models.DecodeContent(mf.Content)
	if err != nil {
		t.Fatalf("DecodeContent: %v", err)
	}
	if tc, ok := content.(models.TextContent); !ok || tc.Text != "hello bob" {
		t.Fatalf("content = %#v", content)
	}

	ack := read(t, alice)
	var a models.AckFrame
	json.Unmarshal(ack.Data, &a)
	if ack.Event != models.EventAck || a.MessageID != mf.ID || a.State != models.StateDelivered {
		t.Fatalf("ack = %s %+v", ack.Event, a)
	}
}

func TestGateway_ChannelStaysInWorkspace(t *testing.T) {
	s := newTestServer(t)
	carol1 := s.dial(t, "ws-1", "carol")
	carol2 := s.dial(t, "ws-2", "carol")
	alice := s.dial(t, "ws-1", "alice")

	send(t, carol1, EventJoinChannel, map[string]string{"channelId": "general"})
	send(t, carol2, EventJoinChannel, map[string]string{"channelId": "general"})
	deadline := time.Now().Add(2 * time.Second)
	for len(s.registry.ResolveTargets("ws-1", "", "general")) == 0 || len(s.registry.ResolveTargets("ws-2", "", "general")) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("joins not applied")
		}
		time.Sleep(5 * time.Millisecond)
	}

	send(t, alice, EventSendMessage, map[string]any{"content": "standup", "channelId": "general"})
	if got := read(t, carol1); got.Event != models.EventChannelMessage {
		t.Fatalf("carol ws-1 event = %s", got.Event)
	}
	if got := read(t, alice); got.Event != models.EventAck {
		t.Fatalf("alice event = %s", got.Event)
	}

	_ = carol2.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	var f wireFrame
	if err := carol2.ReadJSON(&f); err == nil {
		t.Fatalf("carol in ws-2 received %+v", f)
	}
}

func TestGateway_ErrorFrames(t *testing.T) {
	s := newTestServer(t)
	alice := s.dial(t, "ws-1", "alice")

	send(t, alice, "shout", map[string]string{})
	f := read(t, alice)
	var e models.ErrorFrame
	json.Unmarshal(f.Data, &e)
	if f.Event != models.EventError || e.Code != models.Code(models.ErrInvalidMessage) {
		t.Fatalf("unknown event reply = %s %+v", f.Event, e)
	}

	send(t, alice, EventSendMessage, map[string]any{"content": "card 4111 1111 1111 1111", "recipientId": "bob"})
	f = read(t, alice)
	json.Unmarshal(f.Data, &e)
	if f.Event != models.EventError || e.Code != models.Code(models.ErrSecurityRejected) {
		t.Fatalf("rejection reply = %s %+v", f.Event, e)
	}
	if strings.Contains(e.Message, "card") {
		t.Fatalf("error frame leaks detail: %q", e.Message)
	}

	send(t, alice, EventSendMessage, map[string]any{"content": "hi", "recipientId": "bob", "channelId": "general"})
	f = read(t, alice)
	json.Unmarshal(f.Data, &e)
	if e.Code != models.Code(models.ErrInvalidRecipient) {
		t.Fatalf("recipient reply = %+v", e)
	}
}

func TestGateway_RevokeHeldMessage(t *testing.T) {
	s := newTestServer(t)
	alice := s.dial(t, "ws-1", "alice")

	send(t, alice, EventSendMessage, map[string]any{"content": "for offline bob", "recipientId": "bob"})
	f := read(t, alice)
	var a models.AckFrame
	json.Unmarshal(f.Data, &a)
	if a.State != models.StateDeferred {
		t.Fatalf("ack state = %s, want deferred", a.State)
	}

	send(t, alice, EventRevokeMessage, map[string]string{"messageId": a.MessageID})
	f = read(t, alice)
	var r models.AckFrame
	json.Unmarshal(f.Data, &r)
	if r.MessageID != a.MessageID || r.State != models.StateRevoked {
		t.Fatalf("revoke ack = %+v", r)
	}
}

func TestBuildMessage(t *testing.T) {
	msg, err := buildMessage("ws-1", sendData{
		Content:     json.RawMessage(`{"kind":"tool_event","body":{"tool":"search","event":"started"}}`),
		Type:        models.TypeToolEvent,
		Priority:    "high",
		RecipientID: "bob",
	})
	if err != nil {
		t.Fatalf("buildMessage: %v", err)
	}
	if msg.WorkspaceID() != "ws-1" || msg.Priority != models.PriorityHigh {
		t.Fatalf("msg = %+v", msg)
	}
	if _, ok := msg.Content.(models.ToolEventContent); !ok {
		t.Fatalf("content = %#v", msg.Content)
	}
	if _, err := buildMessage("ws-1", sendData{Content: json.RawMessage(`"x"`), Priority: "urgent"}); err == nil {
		t.Fatal("expected unknown priority to fail")
	}
}
