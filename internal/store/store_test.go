package store

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/eldtechnologies/switchboard/internal/models"
)

func testKey(ws, method string, version int) models.EncryptionKey {
	return models.EncryptionKey{
		KeyID:       ws + ":" + method + ":v" + string(rune('0'+version)),
		WorkspaceID: ws,
		Method:      method,
		Version:     version,
		Material:    []byte("wrapped-material-" + ws),
		CreatedAt:   time.Now().UTC().Truncate(time.Millisecond),
	}
}

// exerciseKeyStore runs the same contract against every backend.
func exerciseKeyStore(t *testing.T, ks KeyStore) {
	t.Helper()
	ctx := context.Background()

	missing, err := ks.GetKey(ctx, "nope:chacha20-poly1305:v1")
	if err != nil || missing != nil {
		t.Fatalf("GetKey(missing) = %v, %v; want nil, nil", missing, err)
	}

	v1 := testKey("ws-a", models.MethodChaCha20, 1)
	if err := ks.PutKey(ctx, v1); err != nil {
		t.Fatalf("PutKey: %v", err)
	}
	other := testKey("ws-ab", models.MethodChaCha20, 1)
	if err := ks.PutKey(ctx, other); err != nil {
		t.Fatalf("PutKey other: %v", err)
	}

	got, err := ks.GetKey(ctx, v1.KeyID)
	if err != nil || got == nil {
		t.Fatalf("GetKey = %v, %v", got, err)
	}
	if got.WorkspaceID != "ws-a" || string(got.Material) != string(v1.Material) || !got.Active() {
		t.Fatalf("unexpected key: %+v", got)
	}

	active, err := ks.ActiveKey(ctx, "ws-a", models.MethodChaCha20)
	if err != nil || active == nil || active.KeyID != v1.KeyID {
		t.Fatalf("ActiveKey = %v, %v; want %s", active, err, v1.KeyID)
	}

	if err := ks.MarkRotated(ctx, v1.KeyID, time.Now()); err != nil {
		t.Fatalf("MarkRotated: %v", err)
	}
	active, err = ks.ActiveKey(ctx, "ws-a", models.MethodChaCha20)
	if err != nil || active != nil {
		t.Fatalf("ActiveKey after rotate = %v, %v; want nil", active, err)
	}

	v2 := testKey("ws-a", models.MethodChaCha20, 2)
	if err := ks.PutKey(ctx, v2); err != nil {
		t.Fatalf("PutKey v2: %v", err)
	}
	active, _ = ks.ActiveKey(ctx, "ws-a", models.MethodChaCha20)
	if active == nil || active.Version != 2 {
		t.Fatalf("ActiveKey = %+v; want version 2", active)
	}

	keys, err := ks.ListKeys(ctx, "ws-a")
	if err != nil {
		t.Fatalf("ListKeys: %v", err)
	}
	if len(keys) != 2 || keys[0].Version != 1 || keys[1].Version != 2 {
		t.Fatalf("ListKeys = %+v; want v1, v2 of ws-a only", keys)
	}
	for _, k := range keys {
		if k.WorkspaceID != "ws-a" {
			t.Fatalf("ListKeys leaked key from %s", k.WorkspaceID)
		}
	}
	if keys[0].RotatedAt == nil {
		t.Fatal("v1 should carry RotatedAt")
	}

	if err := ks.MarkRotated(ctx, "ws-a:aes-256-gcm:v9", time.Now()); err != models.ErrKeyNotFound {
		t.Fatalf("MarkRotated(missing) = %v; want ErrKeyNotFound", err)
	}

	if err := ks.DeleteKey(ctx, v1.KeyID); err != nil {
		t.Fatalf("DeleteKey: %v", err)
	}
	if k, _ := ks.GetKey(ctx, v1.KeyID); k != nil {
		t.Fatal("deleted key still present")
	}
	if k, _ := ks.GetKey(ctx, other.KeyID); k == nil {
		t.Fatal("delete removed a key from another workspace")
	}
}

func exerciseDataStore(t *testing.T, ds DataStore) {
	t.Helper()
	ctx := context.Background()

	msg := models.NewMessage("ws-a", models.TypeChat, models.TextContent{Text: "secret plaintext"})
	msg.ChannelID = "general"
	msg.SenderID = "alice"
	msg.Verdict = &models.ScanVerdict{Safe: true}
	msg.Encrypted = &models.EncryptedPayload{Ciphertext: []byte{1, 2, 3}, KeyID: "ws-a:chacha20-poly1305:v1", Method: models.MethodChaCha20}

	if err := ds.PersistMessage(ctx, msg); err != nil {
		t.Fatalf("PersistMessage: %v", err)
	}
	// Retries of the same message are idempotent.
	if err := ds.PersistMessage(ctx, msg); err != nil {
		t.Fatalf("PersistMessage retry: %v", err)
	}
	if n, err := ds.CountMessages(ctx, "ws-a"); err != nil || n != 1 {
		t.Fatalf("CountMessages(ws-a) = %d, %v; want 1", n, err)
	}
	if n, _ := ds.CountMessages(ctx, "ws-b"); n != 0 {
		t.Fatalf("CountMessages(ws-b) = %d; want 0", n)
	}

	for i, action := range []string{"message.rejected", "key.rotated"} {
		entry := models.AuditEntry{
			ID:          "audit-" + action,
			WorkspaceID: "ws-a",
			UserID:      "alice",
			Action:      action,
			Threats:     []string{"sql_injection"},
			Redacted:    "[REDACTED]",
			CreatedAt:   time.Now().UTC().Add(time.Duration(i) * time.Second),
		}
		if err := ds.AppendAuditEntry(ctx, entry); err != nil {
			t.Fatalf("AppendAuditEntry: %v", err)
		}
	}
	entries, err := ds.ListAuditEntries(ctx, "ws-a", 1)
	if err != nil {
		t.Fatalf("ListAuditEntries: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != "key.rotated" {
		t.Fatalf("ListAuditEntries = %+v; want newest first", entries)
	}
	if len(entries[0].Threats) != 1 || entries[0].Threats[0] != "sql_injection" {
		t.Fatalf("threats not round-tripped: %+v", entries[0].Threats)
	}
	if other, _ := ds.ListAuditEntries(ctx, "ws-b", 10); len(other) != 0 {
		t.Fatalf("audit entries leaked across workspaces: %+v", other)
	}

	exerciseKeyStore(t, ds)
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	exerciseDataStore(t, s)
}

func TestMemoryStoreNeverKeepsPlaintext(t *testing.T) {
	s := NewMemoryStore()
	msg := models.NewMessage("ws-a", models.TypeChat, models.TextContent{Text: "do not persist me"})
	msg.ChannelID = "general"
	if err := s.PersistMessage(context.Background(), msg); err != nil {
		t.Fatalf("PersistMessage: %v", err)
	}
	data, ok := s.MessageJSON(msg.ID)
	if !ok {
		t.Fatal("message not stored")
	}
	if strings.Contains(string(data), "do not persist me") {
		t.Fatalf("plaintext persisted: %s", data)
	}
}

func TestSQLiteStore(t *testing.T) {
	s, err := NewSQLiteStore(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer s.Close()
	exerciseDataStore(t, s)
}

func TestPebbleKeyStore(t *testing.T) {
	s, err := OpenPebbleKeyStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenPebbleKeyStore: %v", err)
	}
	defer s.Close()
	exerciseKeyStore(t, s)
}

func TestPebbleKeyStoreRequiresDir(t *testing.T) {
	if _, err := OpenPebbleKeyStore(""); err == nil {
		t.Fatal("expected error for empty dir")
	}
}

func TestPrefixUpperBound(t *testing.T) {
	if got := string(prefixUpperBound([]byte("k/ws:"))); got != "k/ws;" {
		t.Fatalf("prefixUpperBound = %q; want %q", got, "k/ws;")
	}
	if got := prefixUpperBound([]byte{0xff, 0xff}); got != nil {
		t.Fatalf("prefixUpperBound(all 0xff) = %v; want nil", got)
	}
}
