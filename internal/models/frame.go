package models

import (
	"encoding/json"
	"time"
)

// Outbound event names of the transport contract.
const (
	EventDirectMessage   = "direct-message"
	EventChannelMessage  = "channel-message"
	EventPresenceChanged = "presence-changed"
	EventAck             = "ack"
	EventError           = "error"
)

// Frame is one outbound event for a connection.
type Frame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// MessageFrame is the delivered form of a message.
type MessageFrame struct {
	ID          string          `json:"id"`
	WorkspaceID string          `json:"workspaceId"`
	ChannelID   string          `json:"channelId,omitempty"`
	RecipientID string          `json:"recipientId,omitempty"`
	SenderID    string          `json:"senderId"`
	Type        MessageType     `json:"type"`
	Priority    Priority        `json:"priority"`
	Content     json.RawMessage `json:"content"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// PresenceFrame announces a presence change.
type PresenceFrame struct {
	UserID string         `json:"userId"`
	Status PresenceStatus `json:"status"`
}

// AckFrame reports the state of a submitted or revoked message.
type AckFrame struct {
	MessageID string        `json:"messageId"`
	State     DeliveryState `json:"state"`
}

// ErrorFrame carries a wire code and a caller-safe message.
type ErrorFrame struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewMessageFrame builds the delivery frame for msg.
func NewMessageFrame(msg *Message) (Frame, error) {
	content, err := EncodeContent(msg.Content)
	if err != nil {
		return Frame{}, err
	}
	event := EventChannelMessage
	if msg.Direct() {
		event = EventDirectMessage
	}
	return Frame{Event: event, Data: MessageFrame{
		ID:          msg.ID,
		WorkspaceID: msg.workspaceID,
		ChannelID:   msg.ChannelID,
		RecipientID: msg.RecipientID,
		SenderID:    msg.SenderID,
		Type:        msg.Type,
		Priority:    msg.Priority,
		Content:     content,
		CreatedAt:   msg.CreatedAt,
	}}, nil
}

// NewErrorFrame builds an error frame that never leaks internal detail.
func NewErrorFrame(err error) Frame {
	return Frame{Event: EventError, Data: ErrorFrame{Code: Code(err), Message: PublicMessage(err)}}
}
