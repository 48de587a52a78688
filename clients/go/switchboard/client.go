// Package switchboard is a WebSocket client for the switchboard messaging
// core.
package switchboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// UserHeader carries the user ID to the authenticating proxy in front of
// the server.
const UserHeader = "X-Switchboard-User"

var (
	ErrNotConnected  = errors.New("not connected")
	ErrAlreadyClosed = errors.New("client already closed")
)

// Frame is a server event.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Message is a delivered direct-message or channel-message.
type Message struct {
	ID          string          `json:"id"`
	WorkspaceID string          `json:"workspaceId"`
	ChannelID   string          `json:"channelId,omitempty"`
	RecipientID string          `json:"recipientId,omitempty"`
	SenderID    string          `json:"senderId"`
	Type        string          `json:"type"`
	Priority    string          `json:"priority"`
	Content     json.RawMessage `json:"content"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Text returns the body of text content, or "" for other kinds.
func (m Message) Text() string {
	var env struct {
		Kind string `json:"kind"`
		Body struct {
			Text string `json:"text"`
		} `json:"body"`
	}
	if json.Unmarshal(m.Content, &env) != nil || env.Kind != "text" {
		return ""
	}
	return env.Body.Text
}

// Ack reports a message's state after send-message or revoke-message.
type Ack struct {
	MessageID string `json:"messageId"`
	State     string `json:"state"`
}

// Presence announces a status change in the workspace.
type Presence struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

// ServerError is an error frame.
type ServerError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ServerError) Error() string { return e.Code + ": " + e.Message }

// Outgoing is a send-message request.
type Outgoing struct {
	Content     any    `json:"content"` // a string, or a {"kind","body"} envelope
	Type        string `json:"type,omitempty"`
	Priority    string `json:"priority,omitempty"`
	ChannelID   string `json:"channelId,omitempty"`
	RecipientID string `json:"recipientId,omitempty"`
}

// Config configures a Client.
type Config struct {
	URL               string // http(s) or ws(s) base URL
	WorkspaceID       string
	UserID            string
	Header            http.Header // extra handshake headers, e.g. proxy auth
	BufferSize        int
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration
}

// Client is one session in one workspace.
type Client struct {
	cfg  Config
	conn *websocket.Conn

	frames chan Frame
	errors chan error
	done   chan struct{}

	writeMu sync.Mutex

	mu        sync.RWMutex
	connected bool
	closed    bool
}

// New creates an unconnected client.
func New(cfg Config) *Client {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	return &Client{
		cfg:    cfg,
		frames: make(chan Frame, cfg.BufferSize),
		errors: make(chan error, 1),
		done:   make(chan struct{}),
	}
}

// SocketURL converts a server base URL into the workspace socket URL.
func SocketURL(base, workspaceID string) (string, error) {
	u, err := url.Parse(strings.TrimSuffix(base, "/"))
	if err != nil {
		return "", fmt.Errorf("parse server URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path += "/ws/" + workspaceID
	return u.String(), nil
}

// Connect dials the workspace socket and starts the read and heartbeat
// loops.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrAlreadyClosed
	}
	c.mu.Unlock()

	target, err := SocketURL(c.cfg.URL, c.cfg.WorkspaceID)
	if err != nil {
		return err
	}
	header := http.Header{}
	for k, v := range c.cfg.Header {
		header[k] = v
	}
	header.Set(UserHeader, c.cfg.UserID)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %s", target, resp.Status)
		}
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	go c.readLoop()
	go c.heartbeatLoop()
	return nil
}

// Close gracefully closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	c.mu.Unlock()

	close(c.done)
	if c.conn == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()
	return c.conn.Close()
}

// Frames returns every server event in arrival order.
func (c *Client) Frames() <-chan Frame { return c.frames }

// Errors returns the terminal read error, if any.
func (c *Client) Errors() <-chan error { return c.errors }

// IsConnected returns current connection state.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Join subscribes to a channel.
func (c *Client) Join(channelID string) error {
	return c.emit("join-channel", map[string]string{"channelId": channelID})
}

// Leave unsubscribes from a channel.
func (c *Client) Leave(channelID string) error {
	return c.emit("leave-channel", map[string]string{"channelId": channelID})
}

// Send submits a message. The ack or error arrives on Frames.
func (c *Client) Send(msg Outgoing) error {
	return c.emit("send-message", msg)
}

// SendText submits a chat message to a channel.
func (c *Client) SendText(channelID, text string) error {
	return c.Send(Outgoing{Content: text, Type: "chat", ChannelID: channelID})
}

// SendDirect submits a chat message to one user.
func (c *Client) SendDirect(recipientID, text string) error {
	return c.Send(Outgoing{Content: text, Type: "chat", RecipientID: recipientID})
}

// Revoke asks the server to withdraw a message not yet delivered.
func (c *Client) Revoke(messageID string) error {
	return c.emit("revoke-message", map[string]string{"messageId": messageID})
}

// Heartbeat marks the session active.
func (c *Client) Heartbeat() error {
	return c.emit("heartbeat", nil)
}

func (c *Client) emit(event string, data any) error {
	c.mu.RLock()
	if !c.connected {
		c.mu.RUnlock()
		return ErrNotConnected
	}
	c.mu.RUnlock()

	frame := map[string]any{"event": event}
	if data != nil {
		frame["data"] = data
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.conn.WriteJSON(frame)
}

func (c *Client) readLoop() {
	defer close(c.frames)
	for {
		var f Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			c.mu.Lock()
			wasClosed := c.closed
			c.connected = false
			c.mu.Unlock()
			if !wasClosed {
				select {
				case c.errors <- err:
				default:
				}
			}
			return
		}
		select {
		case c.frames <- f:
		case <-c.done:
			return
		}
	}
}

func (c *Client) heartbeatLoop() {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.Heartbeat(); err != nil {
				return
			}
		}
	}
}

// Decode interprets a frame. It returns *Message, *Ack, *Presence or
// *ServerError; unknown events decode to nil.
func Decode(f Frame) (any, error) {
	var v any
	switch f.Event {
	case "direct-message", "channel-message":
		v = &Message{}
	case "ack":
		v = &Ack{}
	case "presence-changed":
		v = &Presence{}
	case "error":
		v = &ServerError{}
	default:
		return nil, nil
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", f.Event, err)
	}
	return v, nil
}
