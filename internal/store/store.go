package store

import (
	"context"
	"time"

	"github.com/eldtechnologies/switchboard/internal/metrics"
	"github.com/eldtechnologies/switchboard/internal/models"
)

// KeyStore holds workspace encryption keys. Material is stored exactly as
// given; the encryption service wraps it before PutKey.
// Lookups return (nil, nil) when the key does not exist.
type KeyStore interface {
	PutKey(ctx context.Context, key models.EncryptionKey) error
	GetKey(ctx context.Context, keyID string) (*models.EncryptionKey, error)
	ActiveKey(ctx context.Context, workspaceID, method string) (*models.EncryptionKey, error)
	ListKeys(ctx context.Context, workspaceID string) ([]models.EncryptionKey, error)
	MarkRotated(ctx context.Context, keyID string, at time.Time) error
	DeleteKey(ctx context.Context, keyID string) error
}

// DataStore defines the durable store for accepted messages, audit entries
// and workspace keys. PostgresStore, SQLiteStore and MemoryStore implement it.
type DataStore interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error

	// Message operations. Only ciphertext and routing metadata are stored.
	PersistMessage(ctx context.Context, msg *models.Message) error
	CountMessages(ctx context.Context, workspaceID string) (int64, error)

	// Audit operations
	AppendAuditEntry(ctx context.Context, entry models.AuditEntry) error
	ListAuditEntries(ctx context.Context, workspaceID string, limit int) ([]models.AuditEntry, error)

	KeyStore
}

// keyRecord is the serialized form of an EncryptionKey, including material.
type keyRecord struct {
	KeyID       string     `json:"key_id"`
	WorkspaceID string     `json:"workspace_id"`
	Method      string     `json:"method"`
	Version     int        `json:"version"`
	Material    []byte     `json:"material"`
	CreatedAt   time.Time  `json:"created_at"`
	RotatedAt   *time.Time `json:"rotated_at,omitempty"`
}

func toRecord(k models.EncryptionKey) keyRecord {
	return keyRecord{
		KeyID:       k.KeyID,
		WorkspaceID: k.WorkspaceID,
		Method:      k.Method,
		Version:     k.Version,
		Material:    k.Material,
		CreatedAt:   k.CreatedAt,
		RotatedAt:   k.RotatedAt,
	}
}

func (r keyRecord) key() models.EncryptionKey {
	return models.EncryptionKey{
		KeyID:       r.KeyID,
		WorkspaceID: r.WorkspaceID,
		Method:      r.Method,
		Version:     r.Version,
		Material:    r.Material,
		CreatedAt:   r.CreatedAt,
		RotatedAt:   r.RotatedAt,
	}
}

func observe(backend, op string, start time.Time) {
	metrics.StoreLatency.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
}
