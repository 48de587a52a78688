package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// MessageType classifies a message for policy selection and delivery.
type MessageType string

const (
	TypeChat      MessageType = "chat"
	TypeSystem    MessageType = "system"
	TypeToolEvent MessageType = "tool-event"
	TypePresence  MessageType = "presence"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case TypeChat, TypeSystem, TypeToolEvent, TypePresence:
		return true
	}
	return false
}

// Priority is a delivery-urgency tier. Lower values dequeue first.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
)

// NumPriorities is the number of priority tiers.
const NumPriorities = 3

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	}
	return "unknown"
}

// Valid reports whether p is one of the fixed tiers.
func (p Priority) Valid() bool { return p >= PriorityHigh && p <= PriorityLow }

// ParsePriority parses "high", "normal" or "low". Empty means normal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return PriorityHigh, nil
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	}
	return PriorityNormal, fmt.Errorf("%w: unknown priority %q", ErrInvalidMessage, s)
}

func (p Priority) MarshalJSON() ([]byte, error) { return json.Marshal(p.String()) }

func (p *Priority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// DeliveryState is a message's position in the routing pipeline.
type DeliveryState string

const (
	StateReceived   DeliveryState = "received"
	StateScanning   DeliveryState = "scanning"
	StateRejected   DeliveryState = "rejected"
	StateScanned    DeliveryState = "scanned"
	StateEncrypting DeliveryState = "encrypting"
	StateEncrypted  DeliveryState = "encrypted"
	StateEnqueued   DeliveryState = "enqueued"
	StateDeferred   DeliveryState = "deferred"
	StateDelivering DeliveryState = "delivering"
	StateDelivered  DeliveryState = "delivered"
	StateExpired    DeliveryState = "expired"
	StateRevoked    DeliveryState = "revoked"
)

// Terminal reports whether no further transition can happen.
func (s DeliveryState) Terminal() bool {
	switch s {
	case StateRejected, StateDelivered, StateExpired, StateRevoked:
		return true
	}
	return false
}

// ScanVerdict is the security outcome recorded on an accepted message.
type ScanVerdict struct {
	Safe     bool     `json:"safe"`
	Score    int      `json:"score"`
	PIIFound []string `json:"pii,omitempty"`
}

// EncryptedPayload is the ciphertext form of a message's content.
type EncryptedPayload struct {
	Ciphertext []byte `json:"ciphertext"`
	KeyID      string `json:"key_id"`
	Method     string `json:"method"`
}

// Message is a unit of routing. Its workspace is fixed at construction.
type Message struct {
	ID          string
	workspaceID string
	ChannelID   string
	RecipientID string
	SenderID    string
	Content     Content
	Type        MessageType
	Priority    Priority
	CreatedAt   time.Time
	ExpiresAt   time.Time

	Verdict   *ScanVerdict
	Encrypted *EncryptedPayload
}

// NewMessage creates a message bound to workspaceID with a fresh ULID.
func NewMessage(workspaceID string, typ MessageType, content Content) *Message {
	return &Message{
		ID:          ulid.Make().String(),
		workspaceID: workspaceID,
		Content:     content,
		Type:        typ,
		Priority:    PriorityNormal,
		CreatedAt:   time.Now().UTC(),
	}
}

// WorkspaceID returns the workspace the message belongs to.
func (m *Message) WorkspaceID() string { return m.workspaceID }

// Direct reports whether the message targets a single recipient.
func (m *Message) Direct() bool { return m.RecipientID != "" }

// Clone returns a shallow copy; content values are immutable.
func (m *Message) Clone() *Message {
	c := *m
	if m.Verdict != nil {
		v := *m.Verdict
		c.Verdict = &v
	}
	if m.Encrypted != nil {
		e := *m.Encrypted
		c.Encrypted = &e
	}
	return &c
}

// Validate checks structural invariants that must hold before routing.
func (m *Message) Validate() error {
	if m.ID == "" || m.workspaceID == "" {
		return fmt.Errorf("%w: id and workspace are required", ErrInvalidMessage)
	}
	if !m.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, m.Type)
	}
	if !m.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %d", ErrInvalidMessage, m.Priority)
	}
	if m.RecipientID != "" && m.ChannelID != "" {
		return fmt.Errorf("%w: set recipient or channel, not both", ErrInvalidRecipient)
	}
	if m.RecipientID == "" && m.ChannelID == "" {
		return fmt.Errorf("%w: recipient or channel is required", ErrInvalidRecipient)
	}
	if err := ValidateContent(m.Content); err != nil {
		return err
	}
	if !KindMatchesType(m.Content.Kind(), m.Type) {
		return fmt.Errorf("%w: %s content not allowed for %s messages", ErrInvalidMessage, m.Content.Kind(), m.Type)
	}
	return nil
}

// messageJSON is the persisted form. Plaintext content is never included.
type messageJSON struct {
	ID          string            `json:"id"`
	WorkspaceID string            `json:"workspace_id"`
	ChannelID   string            `json:"channel_id,omitempty"`
	RecipientID string            `json:"recipient_id,omitempty"`
	SenderID    string            `json:"sender_id,omitempty"`
	Type        MessageType       `json:"type"`
	Priority    Priority          `json:"priority"`
	CreatedAt   time.Time         `json:"created_at"`
	ExpiresAt   *time.Time        `json:"expires_at,omitempty"`
	Verdict     *ScanVerdict      `json:"verdict,omitempty"`
	Encrypted   *EncryptedPayload `json:"encrypted,omitempty"`
}

func (m *Message) MarshalJSON() ([]byte, error) {
	out := messageJSON{
		ID:          m.ID,
		WorkspaceID: m.workspaceID,
		ChannelID:   m.ChannelID,
		RecipientID: m.RecipientID,
		SenderID:    m.SenderID,
		Type:        m.Type,
		Priority:    m.Priority,
		CreatedAt:   m.CreatedAt,
		Verdict:     m.Verdict,
		Encrypted:   m.Encrypted,
	}
	if !m.ExpiresAt.IsZero() {
		t := m.ExpiresAt
		out.ExpiresAt = &t
	}
	return json.Marshal(out)
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var in messageJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if m.workspaceID != "" && in.WorkspaceID != m.workspaceID {
		return fmt.Errorf("%w: message %s already bound to a workspace", ErrWorkspaceMismatch, m.ID)
	}
	m.ID = in.ID
	m.workspaceID = in.WorkspaceID
	m.ChannelID = in.ChannelID
	m.RecipientID = in.RecipientID
	m.SenderID = in.SenderID
	m.Type = in.Type
	m.Priority = in.Priority
	m.CreatedAt = in.CreatedAt
	if in.ExpiresAt != nil {
		m.ExpiresAt = *in.ExpiresAt
	}
	m.Verdict = in.Verdict
	m.Encrypted = in.Encrypted
	return nil
}
