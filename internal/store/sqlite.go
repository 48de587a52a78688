package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/eldtechnologies/switchboard/internal/models"
)

// SQLiteStore handles SQLite database operations.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/switchboard.db"
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/switchboard.db"
	}

	dsn := dbPath + "?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000"
	if dbPath == ":memory:" {
		dsn = "file::memory:?cache=shared"
	} else {
		// Ensure directory exists
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		channel_id TEXT NOT NULL DEFAULT '',
		recipient_id TEXT NOT NULL DEFAULT '',
		sender_id TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL,
		priority INTEGER NOT NULL,
		key_id TEXT NOT NULL DEFAULT '',
		method TEXT NOT NULL DEFAULT '',
		ciphertext BLOB,
		verdict TEXT,
		created_at DATETIME NOT NULL,
		expires_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS audit_entries (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		user_id TEXT NOT NULL DEFAULT '',
		message_id TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		threats TEXT NOT NULL DEFAULT '[]',
		pii TEXT NOT NULL DEFAULT '[]',
		score INTEGER NOT NULL DEFAULT 0,
		redacted TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS workspace_keys (
		key_id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		method TEXT NOT NULL,
		version INTEGER NOT NULL,
		material BLOB NOT NULL,
		created_at DATETIME NOT NULL,
		rotated_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_messages_workspace ON messages(workspace_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_audit_workspace ON audit_entries(workspace_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_keys_workspace ON workspace_keys(workspace_id, method, version);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// PersistMessage records an accepted message. Retries of the same ID are no-ops.
func (s *SQLiteStore) PersistMessage(ctx context.Context, msg *models.Message) error {
	defer observe("sqlite", "persist_message", time.Now())

	row := newMessageRow(msg)
	var verdict *string
	if row.verdict != nil {
		v := string(row.verdict)
		verdict = &v
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages (id, workspace_id, channel_id, recipient_id, sender_id, type, priority,
			key_id, method, ciphertext, verdict, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, row.id, row.workspaceID, row.channelID, row.recipientID, row.senderID, row.typ, row.priority,
		row.keyID, row.method, row.ciphertext, verdict, row.createdAt, row.expiresAt)
	return err
}

// CountMessages returns the number of persisted messages for a workspace.
func (s *SQLiteStore) CountMessages(ctx context.Context, workspaceID string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE workspace_id = ?`, workspaceID).Scan(&count)
	return count, err
}

// AppendAuditEntry records a redacted audit entry.
func (s *SQLiteStore) AppendAuditEntry(ctx context.Context, e models.AuditEntry) error {
	defer observe("sqlite", "append_audit", time.Now())

	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO audit_entries (id, workspace_id, user_id, message_id, action, reason, threats, pii, score, redacted, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.WorkspaceID, e.UserID, e.MessageID, e.Action, e.Reason,
		string(jsonList(e.Threats)), string(jsonList(e.PIIFound)), e.Score, e.Redacted, e.CreatedAt)
	return err
}

// ListAuditEntries returns the newest entries for a workspace.
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, workspaceID string, limit int) ([]models.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, user_id, message_id, action, reason, threats, pii, score, redacted, created_at
		FROM audit_entries
		WHERE workspace_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, workspaceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var threats, pii string
		if err := rows.Scan(&e.ID, &e.WorkspaceID, &e.UserID, &e.MessageID, &e.Action, &e.Reason,
			&threats, &pii, &e.Score, &e.Redacted, &e.CreatedAt); err != nil {
			return nil, err
		}
		json.Unmarshal([]byte(threats), &e.Threats)
		json.Unmarshal([]byte(pii), &e.PIIFound)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PutKey inserts or replaces a workspace key.
func (s *SQLiteStore) PutKey(ctx context.Context, k models.EncryptionKey) error {
	defer observe("sqlite", "put_key", time.Now())

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workspace_keys (key_id, workspace_id, method, version, material, created_at, rotated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (key_id) DO UPDATE SET material = excluded.material, rotated_at = excluded.rotated_at
	`, k.KeyID, k.WorkspaceID, k.Method, k.Version, k.Material, k.CreatedAt, k.RotatedAt)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteKey(row rowScanner) (*models.EncryptionKey, error) {
	k := &models.EncryptionKey{}
	var rotated sql.NullTime
	err := row.Scan(&k.KeyID, &k.WorkspaceID, &k.Method, &k.Version, &k.Material, &k.CreatedAt, &rotated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if rotated.Valid {
		t := rotated.Time
		k.RotatedAt = &t
	}
	return k, nil
}

// GetKey retrieves a key by ID.
func (s *SQLiteStore) GetKey(ctx context.Context, keyID string) (*models.EncryptionKey, error) {
	defer observe("sqlite", "get_key", time.Now())
	return scanSQLiteKey(s.db.QueryRowContext(ctx, `SELECT `+keyColumns+` FROM workspace_keys WHERE key_id = ?`, keyID))
}

// ActiveKey returns the newest unrotated key for (workspace, method).
func (s *SQLiteStore) ActiveKey(ctx context.Context, workspaceID, method string) (*models.EncryptionKey, error) {
	defer observe("sqlite", "active_key", time.Now())
	return scanSQLiteKey(s.db.QueryRowContext(ctx, `
		SELECT `+keyColumns+` FROM workspace_keys
		WHERE workspace_id = ? AND method = ? AND rotated_at IS NULL
		ORDER BY version DESC LIMIT 1
	`, workspaceID, method))
}

// ListKeys returns every key of a workspace ordered by method and version.
func (s *SQLiteStore) ListKeys(ctx context.Context, workspaceID string) ([]models.EncryptionKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+keyColumns+` FROM workspace_keys
		WHERE workspace_id = ?
		ORDER BY method, version
	`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []models.EncryptionKey
	for rows.Next() {
		k, err := scanSQLiteKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, *k)
	}
	return keys, rows.Err()
}

// MarkRotated sets rotated_at on a key.
func (s *SQLiteStore) MarkRotated(ctx context.Context, keyID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE workspace_keys SET rotated_at = ? WHERE key_id = ?`, at, keyID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrKeyNotFound
	}
	return nil
}

// DeleteKey removes a key.
func (s *SQLiteStore) DeleteKey(ctx context.Context, keyID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM workspace_keys WHERE key_id = ?`, keyID)
	return err
}
