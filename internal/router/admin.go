package router

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/eldtechnologies/switchboard/internal/crypto"
	"github.com/eldtechnologies/switchboard/internal/events"
	"github.com/eldtechnologies/switchboard/internal/metrics"
	"github.com/eldtechnologies/switchboard/internal/models"
	"github.com/eldtechnologies/switchboard/internal/queue"
	"github.com/eldtechnologies/switchboard/internal/registry"
)

// WorkspaceStats is the admin view of an active workspace.
type WorkspaceStats struct {
	Config      models.TenantConfiguration `json:"config"`
	Queue       queue.Stats                `json:"queue"`
	Connections int                        `json:"connections"`
	Present     []models.PresenceRecord    `json:"present"`
	Implicit    bool                       `json:"implicit"`
	IdleSince   time.Time                  `json:"idle_since"`
}

// CreateWorkspaceQueue activates a workspace with cfg. Policy rules are
// compiled up front so a bad CEL expression fails here, not at scan time.
func (r *Router) CreateWorkspaceQueue(ctx context.Context, cfg models.TenantConfiguration) error {
	cfg, err := r.prepare(cfg)
	if err != nil {
		return err
	}
	_, created, err := r.activate(cfg, false)
	if err != nil {
		return err
	}
	if !created {
		return fmt.Errorf("%w: %s", models.ErrWorkspaceExists, cfg.WorkspaceID)
	}
	return nil
}

// UpdateTenantConfiguration replaces the configuration of an active
// workspace. Queued messages beyond a lowered capacity stay queued.
func (r *Router) UpdateTenantConfiguration(ctx context.Context, cfg models.TenantConfiguration) error {
	cfg, err := r.prepare(cfg)
	if err != nil {
		return err
	}
	ws := r.lookup(cfg.WorkspaceID)
	if ws == nil {
		return fmt.Errorf("%w: %s", models.ErrUnknownWorkspace, cfg.WorkspaceID)
	}
	ws.cfg.Store(&cfg)
	ws.queue.SetMaxSize(cfg.MaxQueueSize)
	r.logger.Info().Str("workspace_id", cfg.WorkspaceID).Msg("Tenant configuration updated")
	return nil
}

func (r *Router) prepare(cfg models.TenantConfiguration) (models.TenantConfiguration, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	if err := cfg.Policies.Validate(r.scanner); err != nil {
		return cfg, fmt.Errorf("%w: %v", models.ErrInvalidConfig, err)
	}
	return cfg, nil
}

// DestroyWorkspaceQueue deactivates a workspace. Remaining messages are
// flushed to the durable store and its connections are closed. It returns
// the number of flushed messages.
func (r *Router) DestroyWorkspaceQueue(ctx context.Context, workspaceID string) (int, error) {
	r.mu.Lock()
	ws, ok := r.workspaces[workspaceID]
	if ok {
		delete(r.workspaces, workspaceID)
		metrics.ActiveWorkspaces.Set(float64(len(r.workspaces)))
	}
	r.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", models.ErrUnknownWorkspace, workspaceID)
	}

	close(ws.stop)
	<-ws.done
	flushed := r.flush(ctx, ws)

	closed := r.registry.CloseWorkspace(workspaceID)
	r.presence.Forget(workspaceID)
	r.limiter.Forget(workspaceID)
	r.encryption.Forget(workspaceID)

	r.events.Publish(events.Event{Kind: events.WorkspaceDestroyed, WorkspaceID: workspaceID})
	r.logger.Info().
		Str("workspace_id", workspaceID).
		Int("flushed", flushed).
		Int("connections_closed", closed).
		Msg("Workspace destroyed")
	return flushed, nil
}

// flush closes the queue and hands every remaining message to the store.
// It waits for an in-flight dispatch so no drained message is left between
// the queue and the held set.
func (r *Router) flush(ctx context.Context, ws *workspace) int {
	ws.dispatch.Lock()
	msgs := ws.queue.Close()
	ws.dispatch.Unlock()
	for _, msg := range msgs {
		r.persistFlushed(ctx, ws, msg)
	}
	metrics.QueueDepth.DeleteLabelValues(ws.id)
	return len(msgs)
}

func (r *Router) persistFlushed(ctx context.Context, ws *workspace, msg *models.Message) {
	if err := r.store.PersistMessage(ctx, msg); err != nil {
		r.logger.Warn().Err(err).
			Str("workspace_id", ws.id).
			Str("message_id", msg.ID).
			Msg("Failed to flush message")
	}
}

// RotateEncryptionKey rotates the workspace key for method, or for the
// workspace's configured method when method is empty.
func (r *Router) RotateEncryptionKey(ctx context.Context, workspaceID, method string) (models.EncryptionKey, error) {
	if !models.ValidWorkspaceID(workspaceID) {
		return models.EncryptionKey{}, fmt.Errorf("%w: %q", models.ErrUnknownWorkspace, workspaceID)
	}
	if method == "" {
		if ws := r.lookup(workspaceID); ws != nil {
			method = ws.config().EncryptionMethod
		} else {
			method = r.cfg.Defaults(workspaceID).WithDefaults().EncryptionMethod
		}
	}
	key, err := r.encryption.Rotate(ctx, workspaceID, method)
	if err != nil {
		return models.EncryptionKey{}, err
	}
	if err := r.store.AppendAuditEntry(ctx, models.AuditEntry{
		ID:          crypto.NewUUIDv7().String(),
		WorkspaceID: workspaceID,
		Action:      string(events.KeyRotated),
		Reason:      key.KeyID,
		CreatedAt:   r.now().UTC(),
	}); err != nil {
		r.logger.Warn().Err(err).Str("key_id", key.KeyID).Msg("Failed to schedule audit entry")
	}
	return key, nil
}

// WorkspaceStats returns the admin view of an active workspace.
func (r *Router) WorkspaceStats(workspaceID string) (WorkspaceStats, error) {
	ws := r.lookup(workspaceID)
	if ws == nil {
		return WorkspaceStats{}, fmt.Errorf("%w: %s", models.ErrUnknownWorkspace, workspaceID)
	}
	return WorkspaceStats{
		Config:      ws.config(),
		Queue:       ws.queue.Stats(),
		Connections: r.registry.Count(workspaceID),
		Present:     r.presence.List(workspaceID),
		Implicit:    ws.implicit,
		IdleSince:   ws.idleSince().UTC(),
	}, nil
}

// TenantConfiguration returns the configuration of an active workspace.
func (r *Router) TenantConfiguration(workspaceID string) (models.TenantConfiguration, bool) {
	ws := r.lookup(workspaceID)
	if ws == nil {
		return models.TenantConfiguration{}, false
	}
	return ws.config(), true
}

// Workspaces lists active workspace IDs.
func (r *Router) Workspaces() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.workspaces))
	for id := range r.workspaces {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Connect registers a live connection for wc, activating the workspace on
// first use.
func (r *Router) Connect(wc models.WorkspaceContext, connID string, sender registry.Sender) (models.ConnectionContext, error) {
	if err := r.verifier.Verify(wc); err != nil {
		return models.ConnectionContext{}, err
	}
	if !wc.Can(models.PermRead) {
		return models.ConnectionContext{}, models.ErrPermissionDenied
	}
	ws, err := r.workspace(wc.WorkspaceID)
	if err != nil {
		return models.ConnectionContext{}, err
	}
	now := r.now().UTC()
	conn := models.ConnectionContext{
		ConnectionID: connID,
		WorkspaceID:  wc.WorkspaceID,
		UserID:       wc.UserID,
		ConnectedAt:  now,
		LastActivity: now,
	}
	if err := r.registry.Register(conn, sender); err != nil {
		return models.ConnectionContext{}, err
	}
	ws.touch(now)
	if n := ws.queue.Release(wc.UserID); n > 0 {
		r.logger.Debug().
			Str("workspace_id", ws.id).
			Str("user_id", wc.UserID).
			Int("released", n).
			Msg("Released held messages")
	}
	return conn, nil
}

// Disconnect unregisters a connection. It is safe to call twice.
func (r *Router) Disconnect(connID string) {
	r.registry.Unregister(connID)
}

// Join subscribes a connection to a channel of its workspace.
func (r *Router) Join(wc models.WorkspaceContext, connID, channelID string) error {
	if err := r.owns(wc, connID); err != nil {
		return err
	}
	if !wc.Can(models.PermJoin) {
		return models.ErrPermissionDenied
	}
	return r.registry.Join(connID, channelID)
}

// Leave unsubscribes a connection from a channel.
func (r *Router) Leave(wc models.WorkspaceContext, connID, channelID string) error {
	if err := r.owns(wc, connID); err != nil {
		return err
	}
	return r.registry.Leave(connID, channelID)
}

// Heartbeat records liveness for the connection and its user.
func (r *Router) Heartbeat(wc models.WorkspaceContext, connID string) error {
	if err := r.owns(wc, connID); err != nil {
		return err
	}
	if !r.registry.Touch(connID) {
		return models.ErrConnectionGone
	}
	r.presence.Touch(wc.WorkspaceID, wc.UserID)
	if ws := r.lookup(wc.WorkspaceID); ws != nil {
		ws.touch(r.now())
	}
	return nil
}

// owns checks that connID belongs to wc.
func (r *Router) owns(wc models.WorkspaceContext, connID string) error {
	if err := r.verifier.Verify(wc); err != nil {
		return err
	}
	conn, ok := r.registry.Connection(connID)
	if !ok {
		return models.ErrConnectionGone
	}
	if conn.WorkspaceID != wc.WorkspaceID || conn.UserID != wc.UserID {
		r.logger.Warn().
			Str("type", "security").
			Str("event", "connection_mismatch").
			Str("workspace_id", wc.WorkspaceID).
			Str("user_id", wc.UserID).
			Str("connection_id", connID).
			Msg("Session used a connection it does not own")
		return models.ErrWorkspaceMismatch
	}
	return nil
}
