package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/switchboard/internal/api/middleware"
	"github.com/eldtechnologies/switchboard/internal/crypto"
	"github.com/eldtechnologies/switchboard/internal/encryption"
	"github.com/eldtechnologies/switchboard/internal/handlers"
	"github.com/eldtechnologies/switchboard/internal/identity"
	"github.com/eldtechnologies/switchboard/internal/models"
	"github.com/eldtechnologies/switchboard/internal/presence"
	"github.com/eldtechnologies/switchboard/internal/ratelimit"
	"github.com/eldtechnologies/switchboard/internal/registry"
	"github.com/eldtechnologies/switchboard/internal/router"
	"github.com/eldtechnologies/switchboard/internal/security"
	"github.com/eldtechnologies/switchboard/internal/store"
)

type adminClient struct {
	t       *testing.T
	handler http.Handler
	pub     string
	priv    []byte
}

type fixture struct {
	admin    *adminClient
	core     *router.Router
	data     *store.MemoryStore
	provider *identity.StaticProvider
	resolver *identity.Resolver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zerolog.Nop()

	master, _ := crypto.GenerateKey()
	wrapper, err := crypto.NewKeyWrapper(master)
	if err != nil {
		t.Fatalf("NewKeyWrapper: %v", err)
	}
	secret, _ := crypto.GenerateKey()
	data := store.NewMemoryStore()
	provider := identity.NewStaticProvider()
	resolver := identity.NewResolver(provider, secret, time.Minute, logger)
	enc := encryption.NewService(data, wrapper, nil, logger)
	tracker := presence.New(presence.Config{}, logger)

	core := router.New(router.Deps{
		Verifier:   resolver,
		Scanner:    security.MustNewScanner(),
		Encryption: enc,
		Registry:   registry.New(registry.Config{}, logger),
		Presence:   tracker,
		Limiter:    ratelimit.New(),
		Store:      data,
	}, router.DefaultConfig(), logger)
	t.Cleanup(func() { core.Close(context.Background()) })

	pub, priv, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	privKey, err := crypto.ParsePrivateKey(priv)
	if err != nil {
		t.Fatalf("ParsePrivateKey: %v", err)
	}

	mux, err := NewRouter(logger, Options{
		Handlers: handlers.Deps{
			Core:       core,
			Encryption: enc,
			Presence:   tracker,
			Data:       data,
			Members:    provider,
			Identity:   resolver,
		},
		AdminKeys: []string{pub},
	})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}

	return &fixture{
		admin:    &adminClient{t: t, handler: mux, pub: pub, priv: privKey},
		core:     core,
		data:     data,
		provider: provider,
		resolver: resolver,
	}
}

func (c *adminClient) do(method, path string, body any) *httptest.ResponseRecorder {
	c.t.Helper()
	var raw []byte
	if body != nil {
		var err error
		if raw, err = json.Marshal(body); err != nil {
			c.t.Fatalf("marshal: %v", err)
		}
	}
	nonce, err := crypto.NewNonce(16)
	if err != nil {
		c.t.Fatalf("NewNonce: %v", err)
	}
	ts := time.Now().UnixMilli()

	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	if raw != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(middleware.HeaderKey, c.pub)
	req.Header.Set(middleware.HeaderNonce, nonce)
	req.Header.Set(middleware.HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(middleware.HeaderSignature, crypto.SignRequest(c.priv, raw, nonce, ts))

	rec := httptest.NewRecorder()
	c.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestHealth_MemoryStore(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	f.admin.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var resp handlers.HealthResponse
	decodeBody(t, rec, &resp)
	if resp.Checks["store"].Status != "pass" {
		t.Fatalf("store check = %+v, want pass", resp.Checks["store"])
	}
	if resp.Checks["redis"].Status != "skip" {
		t.Fatalf("redis check = %+v, want skip", resp.Checks["redis"])
	}
}

func TestAdmin_RequiresSignature(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/admin/workspaces", nil)
	rec := httptest.NewRecorder()
	f.admin.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestAdmin_RejectsUnknownKey(t *testing.T) {
	f := newFixture(t)
	other, _, _ := crypto.GenerateKeypair()
	f.admin.pub = other
	rec := f.admin.do(http.MethodGet, "/admin/workspaces", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestAdmin_WorkspaceLifecycle(t *testing.T) {
	f := newFixture(t)

	rec := f.admin.do(http.MethodPost, "/admin/workspaces/w1", map[string]any{"max_queue_size": 2})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	var cfg models.TenantConfiguration
	decodeBody(t, rec, &cfg)
	if cfg.WorkspaceID != "w1" || cfg.MaxQueueSize != 2 {
		t.Fatalf("created config = %+v", cfg)
	}
	if cfg.EncryptionMethod != models.MethodChaCha20 {
		t.Fatalf("EncryptionMethod = %q, want default", cfg.EncryptionMethod)
	}

	rec = f.admin.do(http.MethodPost, "/admin/workspaces/w1", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second create status = %d, want 409", rec.Code)
	}

	rec = f.admin.do(http.MethodPut, "/admin/workspaces/w1", map[string]any{"max_queue_size": 5})
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = f.admin.do(http.MethodGet, "/admin/workspaces/w1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status = %d", rec.Code)
	}
	var stats router.WorkspaceStats
	decodeBody(t, rec, &stats)
	if stats.Queue.MaxSize != 5 {
		t.Fatalf("Queue.MaxSize = %d, want 5", stats.Queue.MaxSize)
	}

	rec = f.admin.do(http.MethodGet, "/admin/workspaces", nil)
	var list struct {
		Workspaces []string `json:"workspaces"`
	}
	decodeBody(t, rec, &list)
	if len(list.Workspaces) != 1 || list.Workspaces[0] != "w1" {
		t.Fatalf("workspaces = %v, want [w1]", list.Workspaces)
	}

	rec = f.admin.do(http.MethodDelete, "/admin/workspaces/w1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("destroy status = %d: %s", rec.Code, rec.Body.String())
	}
	rec = f.admin.do(http.MethodGet, "/admin/workspaces/w1", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("stats after destroy = %d, want 404", rec.Code)
	}
}

func TestAdmin_CreateRejectsForeignWorkspaceInBody(t *testing.T) {
	f := newFixture(t)
	rec := f.admin.do(http.MethodPost, "/admin/workspaces/w1", map[string]any{"workspace_id": "w2"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var body map[string]string
	decodeBody(t, rec, &body)
	if body["code"] != "workspace_mismatch" {
		t.Fatalf("code = %q, want workspace_mismatch", body["code"])
	}
}

func TestAdmin_CreateRejectsBadCustomRule(t *testing.T) {
	f := newFixture(t)
	rec := f.admin.do(http.MethodPost, "/admin/workspaces/w1", map[string]any{
		"policies": map[string]any{
			"default": map[string]any{
				"block_pii":    true,
				"custom_rules": []map[string]any{{"name": "broken", "expr": "content ++"}},
			},
		},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
	}
}

func TestAdmin_RotateAndListKeys(t *testing.T) {
	f := newFixture(t)
	f.admin.do(http.MethodPost, "/admin/workspaces/w1", nil)

	for i := 0; i < 2; i++ {
		rec := f.admin.do(http.MethodPost, "/admin/workspaces/w1/keys/rotate", map[string]string{"method": models.MethodAESGCM})
		if rec.Code != http.StatusOK {
			t.Fatalf("rotate status = %d: %s", rec.Code, rec.Body.String())
		}
	}

	rec := f.admin.do(http.MethodGet, "/admin/workspaces/w1/keys", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	if bytes.Contains(rec.Body.Bytes(), []byte("material")) {
		t.Fatal("key listing leaked material")
	}
	var resp struct {
		Keys []models.EncryptionKey `json:"keys"`
	}
	decodeBody(t, rec, &resp)
	if len(resp.Keys) != 2 {
		t.Fatalf("keys = %d, want 2", len(resp.Keys))
	}
	active := 0
	for _, k := range resp.Keys {
		if k.WorkspaceID != "w1" {
			t.Fatalf("key %s belongs to %s", k.KeyID, k.WorkspaceID)
		}
		if k.Active() {
			active++
		}
	}
	if active != 1 {
		t.Fatalf("active keys = %d, want 1", active)
	}

	audit := f.admin.do(http.MethodGet, "/admin/workspaces/w1/audit", nil)
	var entries struct {
		Entries []models.AuditEntry `json:"entries"`
	}
	decodeBody(t, audit, &entries)
	if len(entries.Entries) != 2 {
		t.Fatalf("audit entries = %d, want 2", len(entries.Entries))
	}
}

func TestAdmin_RotateRejectsUnknownMethod(t *testing.T) {
	f := newFixture(t)
	rec := f.admin.do(http.MethodPost, "/admin/workspaces/w1/keys/rotate", map[string]string{"method": "rot13"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestAdmin_MembershipControlsAccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.resolver.Establish(ctx, "alice", "w1"); err == nil {
		t.Fatal("Establish before membership succeeded")
	}

	rec := f.admin.do(http.MethodPut, "/admin/workspaces/w1/members/alice", map[string]bool{"admin": true})
	if rec.Code != http.StatusOK {
		t.Fatalf("add member status = %d: %s", rec.Code, rec.Body.String())
	}
	wc, err := f.resolver.Establish(ctx, "alice", "w1")
	if err != nil {
		t.Fatalf("Establish after membership: %v", err)
	}
	if !wc.Can(models.PermAdmin) {
		t.Fatal("admin membership did not grant admin permission")
	}

	rec = f.admin.do(http.MethodDelete, "/admin/workspaces/w1/members/alice", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("remove member status = %d", rec.Code)
	}
	if _, err := f.resolver.Establish(ctx, "alice", "w1"); err == nil {
		t.Fatal("Establish after removal succeeded")
	}
}

func TestAdmin_PresenceDefaultsOffline(t *testing.T) {
	f := newFixture(t)
	rec := f.admin.do(http.MethodGet, "/admin/workspaces/w1/presence/bob", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var p models.PresenceRecord
	decodeBody(t, rec, &p)
	if p.Status != models.StatusOffline || p.UserID != "bob" {
		t.Fatalf("presence = %+v, want bob offline", p)
	}
}
