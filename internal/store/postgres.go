package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eldtechnologies/switchboard/internal/models"
)

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	s := &PostgresStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// ensureSchema creates tables if they don't exist.
func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		channel_id TEXT NOT NULL DEFAULT '',
		recipient_id TEXT NOT NULL DEFAULT '',
		sender_id TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL,
		priority SMALLINT NOT NULL,
		key_id TEXT NOT NULL DEFAULT '',
		method TEXT NOT NULL DEFAULT '',
		ciphertext BYTEA,
		verdict JSONB,
		created_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS idx_messages_workspace ON messages(workspace_id, created_at);

	CREATE TABLE IF NOT EXISTS audit_entries (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		user_id TEXT NOT NULL DEFAULT '',
		message_id TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		threats JSONB NOT NULL DEFAULT '[]',
		pii JSONB NOT NULL DEFAULT '[]',
		score INTEGER NOT NULL DEFAULT 0,
		redacted TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_workspace ON audit_entries(workspace_id, created_at);

	CREATE TABLE IF NOT EXISTS workspace_keys (
		key_id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		method TEXT NOT NULL,
		version INTEGER NOT NULL,
		material BYTEA NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		rotated_at TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS idx_keys_workspace ON workspace_keys(workspace_id, method, version);
	`)
	return err
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// PersistMessage records an accepted message. Retries of the same ID are no-ops.
func (s *PostgresStore) PersistMessage(ctx context.Context, msg *models.Message) error {
	defer observe("postgres", "persist_message", time.Now())

	row := newMessageRow(msg)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO messages (id, workspace_id, channel_id, recipient_id, sender_id, type, priority,
			key_id, method, ciphertext, verdict, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO NOTHING
	`, row.id, row.workspaceID, row.channelID, row.recipientID, row.senderID, row.typ, row.priority,
		row.keyID, row.method, row.ciphertext, row.verdict, row.createdAt, row.expiresAt)
	return err
}

// CountMessages returns the number of persisted messages for a workspace.
func (s *PostgresStore) CountMessages(ctx context.Context, workspaceID string) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM messages WHERE workspace_id = $1`, workspaceID).Scan(&count)
	return count, err
}

// AppendAuditEntry records a redacted audit entry.
func (s *PostgresStore) AppendAuditEntry(ctx context.Context, e models.AuditEntry) error {
	defer observe("postgres", "append_audit", time.Now())

	threats, pii := jsonList(e.Threats), jsonList(e.PIIFound)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_entries (id, workspace_id, user_id, message_id, action, reason, threats, pii, score, redacted, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING
	`, e.ID, e.WorkspaceID, e.UserID, e.MessageID, e.Action, e.Reason, threats, pii, e.Score, e.Redacted, e.CreatedAt)
	return err
}

// ListAuditEntries returns the newest entries for a workspace.
func (s *PostgresStore) ListAuditEntries(ctx context.Context, workspaceID string, limit int) ([]models.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, workspace_id, user_id, message_id, action, reason, threats, pii, score, redacted, created_at
		FROM audit_entries
		WHERE workspace_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, workspaceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var threats, pii []byte
		if err := rows.Scan(&e.ID, &e.WorkspaceID, &e.UserID, &e.MessageID, &e.Action, &e.Reason,
			&threats, &pii, &e.Score, &e.Redacted, &e.CreatedAt); err != nil {
			return nil, err
		}
		json.Unmarshal(threats, &e.Threats)
		json.Unmarshal(pii, &e.PIIFound)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PutKey inserts or replaces a workspace key.
func (s *PostgresStore) PutKey(ctx context.Context, k models.EncryptionKey) error {
	defer observe("postgres", "put_key", time.Now())

	_, err := s.pool.Exec(ctx, `
		INSERT INTO workspace_keys (key_id, workspace_id, method, version, material, created_at, rotated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (key_id) DO UPDATE SET material = EXCLUDED.material, rotated_at = EXCLUDED.rotated_at
	`, k.KeyID, k.WorkspaceID, k.Method, k.Version, k.Material, k.CreatedAt, k.RotatedAt)
	return err
}

const keyColumns = `key_id, workspace_id, method, version, material, created_at, rotated_at`

func scanKey(row pgx.Row) (*models.EncryptionKey, error) {
	k := &models.EncryptionKey{}
	err := row.Scan(&k.KeyID, &k.WorkspaceID, &k.Method, &k.Version, &k.Material, &k.CreatedAt, &k.RotatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return k, nil
}

// GetKey retrieves a key by ID.
func (s *PostgresStore) GetKey(ctx context.Context, keyID string) (*models.EncryptionKey, error) {
	defer observe("postgres", "get_key", time.Now())
	return scanKey(s.pool.QueryRow(ctx, `SELECT `+keyColumns+` FROM workspace_keys WHERE key_id = $1`, keyID))
}

// ActiveKey returns the newest unrotated key for (workspace, method).
func (s *PostgresStore) ActiveKey(ctx context.Context, workspaceID, method string) (*models.EncryptionKey, error) {
	defer observe("postgres", "active_key", time.Now())
	return scanKey(s.pool.QueryRow(ctx, `
		SELECT `+keyColumns+` FROM workspace_keys
		WHERE workspace_id = $1 AND method = $2 AND rotated_at IS NULL
		ORDER BY version DESC LIMIT 1
	`, workspaceID, method))
}

// ListKeys returns every key of a workspace ordered by method and version.
func (s *PostgresStore) ListKeys(ctx context.Context, workspaceID string) ([]models.EncryptionKey, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+keyColumns+` FROM workspace_keys
		WHERE workspace_id = $1
		ORDER BY method, version
	`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []models.EncryptionKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, *k)
	}
	return keys, rows.Err()
}

// MarkRotated sets rotated_at on a key.
func (s *PostgresStore) MarkRotated(ctx context.Context, keyID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE workspace_keys SET rotated_at = $2 WHERE key_id = $1`, keyID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrKeyNotFound
	}
	return nil
}

// DeleteKey removes a key.
func (s *PostgresStore) DeleteKey(ctx context.Context, keyID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM workspace_keys WHERE key_id = $1`, keyID)
	return err
}

// messageRow flattens a message into column values shared by the SQL stores.
type messageRow struct {
	id          string
	workspaceID string
	channelID   string
	recipientID string
	senderID    string
	typ         string
	priority    int
	keyID       string
	method      string
	ciphertext  []byte
	verdict     []byte
	createdAt   time.Time
	expiresAt   *time.Time
}

func newMessageRow(msg *models.Message) messageRow {
	row := messageRow{
		id:          msg.ID,
		workspaceID: msg.WorkspaceID(),
		channelID:   msg.ChannelID,
		recipientID: msg.RecipientID,
		senderID:    msg.SenderID,
		typ:         string(msg.Type),
		priority:    int(msg.Priority),
		createdAt:   msg.CreatedAt,
	}
	if msg.Encrypted != nil {
		row.keyID = msg.Encrypted.KeyID
		row.method = msg.Encrypted.Method
		row.ciphertext = msg.Encrypted.Ciphertext
	}
	if msg.Verdict != nil {
		row.verdict, _ = json.Marshal(msg.Verdict)
	}
	if !msg.ExpiresAt.IsZero() {
		t := msg.ExpiresAt
		row.expiresAt = &t
	}
	return row
}

func jsonList(items []string) []byte {
	if items == nil {
		items = []string{}
	}
	data, _ := json.Marshal(items)
	return data
}
