// Package transport exposes the messaging core over WebSocket.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/switchboard/internal/crypto"
	"github.com/eldtechnologies/switchboard/internal/metrics"
	"github.com/eldtechnologies/switchboard/internal/models"
	"github.com/eldtechnologies/switchboard/internal/registry"
	"github.com/eldtechnologies/switchboard/internal/router"
)

// UserHeader carries the authenticated user ID. It is set by the upstream
// authentication proxy and trusted as-is.
const UserHeader = "X-Switchboard-User"

// Inbound event names.
const (
	EventJoinChannel   = "join-channel"
	EventLeaveChannel  = "leave-channel"
	EventSendMessage   = "send-message"
	EventRevokeMessage = "revoke-message"
	EventHeartbeat     = "heartbeat"
)

// Core is the part of the router a socket drives.
type Core interface {
	Connect(wc models.WorkspaceContext, connID string, sender registry.Sender) (models.ConnectionContext, error)
	Disconnect(connID string)
	Join(wc models.WorkspaceContext, connID, channelID string) error
	Leave(wc models.WorkspaceContext, connID, channelID string) error
	Heartbeat(wc models.WorkspaceContext, connID string) error
	Submit(ctx context.Context, wc models.WorkspaceContext, msg *models.Message) (router.Receipt, error)
	Revoke(ctx context.Context, wc models.WorkspaceContext, messageID string) (bool, error)
	Status(wc models.WorkspaceContext, messageID string) (models.DeliveryState, *router.DeliveryReport, error)
}

// Establisher turns a user and workspace into a verified context.
type Establisher interface {
	Establish(ctx context.Context, userID, workspaceID string) (models.WorkspaceContext, error)
}

// Config tunes socket handling.
type Config struct {
	SendBuffer     int
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	PongWait       time.Duration
	MaxFrameBytes  int64
	AllowedOrigins []string
}

// DefaultConfig returns defaults suited to a heartbeat of interval.
func DefaultConfig(heartbeat time.Duration) Config {
	if heartbeat <= 0 {
		heartbeat = registry.DefaultHeartbeatInterval
	}
	return Config{
		SendBuffer:    64,
		WriteTimeout:  10 * time.Second,
		PingInterval:  heartbeat,
		PongWait:      2 * heartbeat,
		MaxFrameBytes: 64 * 1024,
	}
}

// Inbound is a client frame.
type Inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type channelData struct {
	ChannelID string `json:"channelId"`
}

type sendData struct {
	Content     json.RawMessage    `json:"content"`
	Type        models.MessageType `json:"type"`
	Priority    string             `json:"priority,omitempty"`
	ChannelID   string             `json:"channelId,omitempty"`
	RecipientID string             `json:"recipientId,omitempty"`
}

type revokeData struct {
	MessageID string `json:"messageId"`
}

// Gateway upgrades HTTP requests to sessions bound to one workspace.
type Gateway struct {
	core     Core
	identity Establisher
	cfg      Config
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewGateway creates a gateway.
func NewGateway(core Core, identity Establisher, cfg Config, logger zerolog.Logger) *Gateway {
	d := DefaultConfig(0)
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = d.SendBuffer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = d.WriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = d.PingInterval
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = 2 * cfg.PingInterval
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = d.MaxFrameBytes
	}
	return &Gateway{
		core:     core,
		identity: identity,
		cfg:      cfg,
		upgrader: makeUpgrader(cfg.AllowedOrigins),
		logger:   logger.With().Str("component", "transport").Logger(),
	}
}

func makeUpgrader(allowed []string) websocket.Upgrader {
	allowAll := len(allowed) == 0 || (len(allowed) == 1 && allowed[0] == "*")
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return set[origin]
		},
	}
}

// ServeHTTP handles GET /ws/{workspaceID}.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	wc, err := g.identity.Establish(r.Context(), r.Header.Get(UserHeader), workspaceID)
	if err != nil {
		metrics.ConnectionsRejected.WithLabelValues(models.Code(err)).Inc()
		http.Error(w, models.PublicMessage(err), models.HTTPStatus(err))
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn().Err(err).Str("workspace_id", workspaceID).Msg("WebSocket upgrade failed")
		return
	}

	connID := crypto.NewConnectionID()
	conn := newWSConn(connID, ws, g.cfg, g.logger)
	if _, err := g.core.Connect(wc, connID, conn); err != nil {
		reason := websocket.CloseInternalServerErr
		if errors.Is(err, models.ErrConnectionLimit) {
			reason = websocket.ClosePolicyViolation
		} else {
			metrics.ConnectionsRejected.WithLabelValues(models.Code(err)).Inc()
		}
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(reason, models.PublicMessage(err)), time.Now().Add(time.Second))
		_ = ws.Close()
		return
	}
	go conn.writeLoop()

	g.logger.Info().
		Str("workspace_id", wc.WorkspaceID).
		Str("user_id", wc.UserID).
		Str("connection_id", connID).
		Msg("Client connected")

	g.readLoop(wc, conn)

	g.core.Disconnect(connID)
	g.logger.Info().Str("workspace_id", wc.WorkspaceID).Str("connection_id", connID).Msg("Client disconnected")
}

func (g *Gateway) readLoop(wc models.WorkspaceContext, conn *wsConn) {
	ws := conn.conn
	ws.SetReadLimit(g.cfg.MaxFrameBytes)
	_ = ws.SetReadDeadline(time.Now().Add(g.cfg.PongWait))
	ws.SetPongHandler(func(string) error {
		_ = ws.SetReadDeadline(time.Now().Add(g.cfg.PongWait))
		return g.core.Heartbeat(wc, conn.id)
	})

	for {
		var in Inbound
		if err := ws.ReadJSON(&in); err != nil {
			var syntax *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntax) || errors.As(err, &typeErr) {
				g.reply(conn, models.NewErrorFrame(fmt.Errorf("%w: malformed frame", models.ErrInvalidMessage)))
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.Debug().Err(err).Str("connection_id", conn.id).Msg("Read failed")
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(g.cfg.PongWait))
		if err := g.handle(wc, conn, in); err != nil {
			if errors.Is(err, models.ErrConnectionGone) {
				return
			}
			g.reply(conn, models.NewErrorFrame(err))
		}
	}
}

// handle dispatches one inbound frame. Returned errors become error frames.
func (g *Gateway) handle(wc models.WorkspaceContext, conn *wsConn, in Inbound) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	switch in.Event {
	case EventJoinChannel, EventLeaveChannel:
		var d channelData
		if err := decode(in.Data, &d); err != nil {
			return err
		}
		if in.Event == EventJoinChannel {
			return g.core.Join(wc, conn.id, d.ChannelID)
		}
		return g.core.Leave(wc, conn.id, d.ChannelID)

	case EventSendMessage:
		var d sendData
		if err := decode(in.Data, &d); err != nil {
			return err
		}
		msg, err := buildMessage(wc.WorkspaceID, d)
		if err != nil {
			return err
		}
		receipt, err := g.core.Submit(ctx, wc, msg)
		if err != nil {
			return err
		}
		g.reply(conn, models.Frame{Event: models.EventAck, Data: models.AckFrame{MessageID: receipt.MessageID, State: receipt.State}})
		return nil

	case EventRevokeMessage:
		var d revokeData
		if err := decode(in.Data, &d); err != nil {
			return err
		}
		revoked, err := g.core.Revoke(ctx, wc, d.MessageID)
		if err != nil {
			return err
		}
		state := models.StateRevoked
		if !revoked {
			// Too late; report where the message got to.
			if state, _, err = g.core.Status(wc, d.MessageID); err != nil {
				return err
			}
		}
		g.reply(conn, models.Frame{Event: models.EventAck, Data: models.AckFrame{MessageID: d.MessageID, State: state}})
		return nil

	case EventHeartbeat:
		return g.core.Heartbeat(wc, conn.id)
	}
	return fmt.Errorf("%w: unknown event %q", models.ErrInvalidMessage, in.Event)
}

func (g *Gateway) reply(conn *wsConn, f models.Frame) {
	if err := conn.Send(context.Background(), f); err != nil && !errors.Is(err, models.ErrConnectionGone) {
		g.logger.Debug().Err(err).Str("connection_id", conn.id).Str("event", f.Event).Msg("Reply dropped")
	}
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: data is required", models.ErrInvalidMessage)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: malformed data", models.ErrInvalidMessage)
	}
	return nil
}

// buildMessage converts a send-message frame. A bare JSON string is text
// content; anything else must be a tagged content envelope.
func buildMessage(workspaceID string, d sendData) (*models.Message, error) {
	if d.Type == "" {
		d.Type = models.TypeChat
	}
	var content models.Content
	var s string
	if err := json.Unmarshal(d.Content, &s); err == nil {
		content = models.TextContent{Text: s}
	} else {
		c, err := models.DecodeContent(d.Content)
		if err != nil {
			return nil, err
		}
		content = c
	}
	priority, err := models.ParsePriority(d.Priority)
	if err != nil {
		return nil, err
	}

	msg := models.NewMessage(workspaceID, d.Type, content)
	msg.Priority = priority
	msg.ChannelID = d.ChannelID
	msg.RecipientID = d.RecipientID
	return msg, nil
}
