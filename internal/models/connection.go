package models

import "time"

// ConnectionContext describes one live transport session.
type ConnectionContext struct {
	ConnectionID string    `json:"connection_id"`
	WorkspaceID  string    `json:"workspace_id"`
	UserID       string    `json:"user_id"`
	Channels     []string  `json:"channels,omitempty"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
}

// PresenceStatus is a user's availability within a workspace.
type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusAway    PresenceStatus = "away"
	StatusOffline PresenceStatus = "offline"
)

// Valid reports whether s is a known status.
func (s PresenceStatus) Valid() bool {
	switch s {
	case StatusOnline, StatusAway, StatusOffline:
		return true
	}
	return false
}

// PresenceRecord is the tracked status of one user in one workspace.
type PresenceRecord struct {
	WorkspaceID string         `json:"workspace_id"`
	UserID      string         `json:"user_id"`
	Status      PresenceStatus `json:"status"`
	LastSeenAt  time.Time      `json:"last_seen_at"`
}

// EncryptionKey is a versioned symmetric key scoped to one workspace.
type EncryptionKey struct {
	KeyID       string     `json:"key_id"`
	WorkspaceID string     `json:"workspace_id"`
	Method      string     `json:"method"`
	Version     int        `json:"version"`
	Material    []byte     `json:"-"`
	CreatedAt   time.Time  `json:"created_at"`
	RotatedAt   *time.Time `json:"rotated_at,omitempty"` // set when superseded
}

// Active reports whether the key is the current version for its method.
func (k EncryptionKey) Active() bool { return k.RotatedAt == nil }

// AuditEntry is a redacted record of a security-relevant decision.
type AuditEntry struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	UserID      string    `json:"user_id"`
	MessageID   string    `json:"message_id"`
	Action      string    `json:"action"` // "message.rejected", "message.revoked", "key.rotated"
	Reason      string    `json:"reason,omitempty"`
	Threats     []string  `json:"threats,omitempty"`
	PIIFound    []string  `json:"pii,omitempty"`
	Score       int       `json:"score"`
	Redacted    string    `json:"redacted,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
