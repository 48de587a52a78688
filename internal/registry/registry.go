// Package registry tracks live connections per workspace and resolves the
// delivery targets of a message.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/switchboard/internal/events"
	"github.com/eldtechnologies/switchboard/internal/metrics"
	"github.com/eldtechnologies/switchboard/internal/models"
)

// DefaultHeartbeatInterval is how often clients are expected to heartbeat.
const DefaultHeartbeatInterval = 30 * time.Second

// ErrDuplicateConnection is returned when a connection ID is registered twice.
var ErrDuplicateConnection = errors.New("connection already registered")

// Sender delivers frames to one connection. Send must not block for long;
// implementations buffer and return ErrSendBufferFull or ErrConnectionGone.
type Sender interface {
	Send(ctx context.Context, frame models.Frame) error
	Close() error
}

// Target is one connection a message should reach.
type Target struct {
	ConnectionID string
	UserID       string
	Sender       Sender
}

// LimitFunc returns the connection cap of a workspace.
type LimitFunc func(workspaceID string) int

type entry struct {
	conn     models.ConnectionContext
	sender   Sender
	channels map[string]struct{}
	closed   events.Event // set by removeLocked, published once r.mu is released
}

type workspaceIndex struct {
	conns     map[string]*entry
	byUser    map[string]map[string]struct{}
	byChannel map[string]map[string]struct{}
}

func newWorkspaceIndex() *workspaceIndex {
	return &workspaceIndex{
		conns:     make(map[string]*entry),
		byUser:    make(map[string]map[string]struct{}),
		byChannel: make(map[string]map[string]struct{}),
	}
}

// Registry indexes connections by workspace, user and channel. Lookups for
// one workspace never see connections of another.
type Registry struct {
	mu         sync.RWMutex
	workspaces map[string]*workspaceIndex
	owner      map[string]string // connection ID -> workspace ID

	limit     LimitFunc
	heartbeat time.Duration
	events    events.Publisher
	now       func() time.Time
	logger    zerolog.Logger
}

// Config configures a Registry.
type Config struct {
	HeartbeatInterval time.Duration
	Limit             LimitFunc
	Events            events.Publisher
}

// New creates an empty registry.
func New(cfg Config, logger zerolog.Logger) *Registry {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.Limit == nil {
		cfg.Limit = func(string) int { return models.DefaultMaxConnections }
	}
	if cfg.Events == nil {
		cfg.Events = events.Nop{}
	}
	return &Registry{
		workspaces: make(map[string]*workspaceIndex),
		owner:      make(map[string]string),
		limit:      cfg.Limit,
		heartbeat:  cfg.HeartbeatInterval,
		events:     cfg.Events,
		now:        time.Now,
		logger:     logger.With().Str("component", "registry").Logger(),
	}
}

// SetLimit replaces the per-workspace connection cap.
func (r *Registry) SetLimit(fn LimitFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limit = fn
}

// HeartbeatInterval returns the expected client heartbeat period.
func (r *Registry) HeartbeatInterval() time.Duration { return r.heartbeat }

// Register adds a connection. It fails with ErrConnectionLimit when the
// workspace is at capacity.
func (r *Registry) Register(conn models.ConnectionContext, sender Sender) error {
	if conn.ConnectionID == "" || conn.UserID == "" || !models.ValidWorkspaceID(conn.WorkspaceID) {
		return fmt.Errorf("%w: connection, user and workspace are required", models.ErrInvalidContext)
	}

	r.mu.Lock()
	if _, ok := r.owner[conn.ConnectionID]; ok {
		r.mu.Unlock()
		return ErrDuplicateConnection
	}
	idx, ok := r.workspaces[conn.WorkspaceID]
	if !ok {
		idx = newWorkspaceIndex()
	}
	if max := r.limit(conn.WorkspaceID); max > 0 && len(idx.conns) >= max {
		r.mu.Unlock()
		metrics.ConnectionsRejected.WithLabelValues("limit").Inc()
		return models.ErrConnectionLimit
	}
	r.workspaces[conn.WorkspaceID] = idx

	now := r.now().UTC()
	if conn.ConnectedAt.IsZero() {
		conn.ConnectedAt = now
	}
	conn.LastActivity = now
	e := &entry{conn: conn, sender: sender, channels: make(map[string]struct{})}
	for _, ch := range conn.Channels {
		e.channels[ch] = struct{}{}
		addTo(idx.byChannel, ch, conn.ConnectionID)
	}
	idx.conns[conn.ConnectionID] = e
	addTo(idx.byUser, conn.UserID, conn.ConnectionID)
	r.owner[conn.ConnectionID] = conn.WorkspaceID

	opened := events.Event{
		Kind:        events.ConnectionOpened,
		WorkspaceID: conn.WorkspaceID,
		Payload: events.ConnectionPayload{
			ConnectionID: conn.ConnectionID,
			UserID:       conn.UserID,
			Remaining:    len(idx.byUser[conn.UserID]) - 1,
		},
	}
	r.mu.Unlock()

	metrics.ActiveConnections.Inc()
	r.events.Publish(opened)
	r.logger.Debug().
		Str("workspace_id", conn.WorkspaceID).
		Str("user_id", conn.UserID).
		Str("connection_id", conn.ConnectionID).
		Msg("Connection registered")
	return nil
}

// Unregister removes a connection and closes its sender. Unknown IDs are
// ignored.
func (r *Registry) Unregister(connID string) (models.ConnectionContext, bool) {
	r.mu.Lock()
	e, ok := r.removeLocked(connID)
	r.mu.Unlock()
	if !ok {
		return models.ConnectionContext{}, false
	}
	r.release(e)
	return e.conn, true
}

func (r *Registry) removeLocked(connID string) (*entry, bool) {
	wsID, ok := r.owner[connID]
	if !ok {
		return nil, false
	}
	idx := r.workspaces[wsID]
	e := idx.conns[connID]
	delete(r.owner, connID)
	delete(idx.conns, connID)
	removeFrom(idx.byUser, e.conn.UserID, connID)
	for ch := range e.channels {
		removeFrom(idx.byChannel, ch, connID)
	}
	if len(idx.conns) == 0 {
		delete(r.workspaces, wsID)
	}

	e.closed = events.Event{
		Kind:        events.ConnectionClosed,
		WorkspaceID: wsID,
		Payload: events.ConnectionPayload{
			ConnectionID: connID,
			UserID:       e.conn.UserID,
			Remaining:    len(idx.byUser[e.conn.UserID]),
		},
	}
	e.conn.Channels = sortedKeys(e.channels)
	return e, true
}

// release finishes a removal outside r.mu: it announces the closed
// connection and closes its sender.
func (r *Registry) release(e *entry) {
	metrics.ActiveConnections.Dec()
	r.events.Publish(e.closed)
	if err := e.sender.Close(); err != nil {
		r.logger.Debug().Err(err).Str("connection_id", e.conn.ConnectionID).Msg("Sender close failed")
	}
}

// Join subscribes a connection to a channel of its own workspace.
func (r *Registry) Join(connID, channelID string) error {
	if channelID == "" {
		return fmt.Errorf("%w: channel is required", models.ErrInvalidRecipient)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, idx, ok := r.lookupLocked(connID)
	if !ok {
		return models.ErrConnectionGone
	}
	e.channels[channelID] = struct{}{}
	addTo(idx.byChannel, channelID, connID)
	e.conn.LastActivity = r.now().UTC()
	return nil
}

// Leave unsubscribes a connection from a channel.
func (r *Registry) Leave(connID, channelID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, idx, ok := r.lookupLocked(connID)
	if !ok {
		return models.ErrConnectionGone
	}
	delete(e.channels, channelID)
	removeFrom(idx.byChannel, channelID, connID)
	e.conn.LastActivity = r.now().UTC()
	return nil
}

// Touch records activity on a connection.
func (r *Registry) Touch(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, _, ok := r.lookupLocked(connID)
	if ok {
		e.conn.LastActivity = r.now().UTC()
	}
	return ok
}

func (r *Registry) lookupLocked(connID string) (*entry, *workspaceIndex, bool) {
	wsID, ok := r.owner[connID]
	if !ok {
		return nil, nil, false
	}
	idx := r.workspaces[wsID]
	return idx.conns[connID], idx, true
}

// Connection returns the context of a live connection.
func (r *Registry) Connection(connID string) (models.ConnectionContext, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, _, ok := r.lookupLocked(connID)
	if !ok {
		return models.ConnectionContext{}, false
	}
	c := e.conn
	c.Channels = sortedKeys(e.channels)
	return c, true
}

// ResolveTargets returns the connections a message must reach: the
// recipient's connections for a direct message, or the channel's
// subscribers. Only connections of workspaceID are considered.
func (r *Registry) ResolveTargets(workspaceID, recipientID, channelID string) []Target {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := r.workspaces[workspaceID]
	if !ok {
		return nil
	}
	var ids map[string]struct{}
	switch {
	case recipientID != "":
		ids = idx.byUser[recipientID]
	case channelID != "":
		ids = idx.byChannel[channelID]
	default:
		return nil
	}
	return idx.targets(ids)
}

// Subscribers returns every connection of the workspace subscribed to at
// least one channel.
func (r *Registry) Subscribers(workspaceID string) []Target {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := r.workspaces[workspaceID]
	if !ok {
		return nil
	}
	ids := make(map[string]struct{})
	for _, members := range idx.byChannel {
		for id := range members {
			ids[id] = struct{}{}
		}
	}
	return idx.targets(ids)
}

func (idx *workspaceIndex) targets(ids map[string]struct{}) []Target {
	if len(ids) == 0 {
		return nil
	}
	out := make([]Target, 0, len(ids))
	for id := range ids {
		e := idx.conns[id]
		out = append(out, Target{ConnectionID: id, UserID: e.conn.UserID, Sender: e.sender})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectionID < out[j].ConnectionID })
	return out
}

// Online reports whether userID has a live connection in workspaceID.
func (r *Registry) Online(workspaceID, userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := r.workspaces[workspaceID]
	return ok && len(idx.byUser[userID]) > 0
}

// Count returns the number of live connections in a workspace.
func (r *Registry) Count(workspaceID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if idx, ok := r.workspaces[workspaceID]; ok {
		return len(idx.conns)
	}
	return 0
}

// Connections lists the live connections of a workspace.
func (r *Registry) Connections(workspaceID string) []models.ConnectionContext {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := r.workspaces[workspaceID]
	if !ok {
		return nil
	}
	out := make([]models.ConnectionContext, 0, len(idx.conns))
	for _, e := range idx.conns {
		c := e.conn
		c.Channels = sortedKeys(e.channels)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectionID < out[j].ConnectionID })
	return out
}

// CloseWorkspace unregisters every connection of a workspace.
func (r *Registry) CloseWorkspace(workspaceID string) int {
	r.mu.Lock()
	var closed []*entry
	if idx, ok := r.workspaces[workspaceID]; ok {
		for id := range idx.conns {
			if e, ok := r.removeLocked(id); ok {
				closed = append(closed, e)
			}
		}
	}
	r.mu.Unlock()
	for _, e := range closed {
		r.release(e)
	}
	return len(closed)
}

// Sweep unregisters connections that missed two consecutive heartbeats.
func (r *Registry) Sweep(now time.Time) int {
	deadline := now.Add(-2 * r.heartbeat)
	r.mu.Lock()
	var stale []*entry
	for id, wsID := range r.owner {
		e := r.workspaces[wsID].conns[id]
		if e.conn.LastActivity.Before(deadline) {
			if removed, ok := r.removeLocked(id); ok {
				stale = append(stale, removed)
			}
		}
	}
	r.mu.Unlock()

	for _, e := range stale {
		r.release(e)
		r.logger.Info().
			Str("workspace_id", e.conn.WorkspaceID).
			Str("connection_id", e.conn.ConnectionID).
			Msg("Connection missed heartbeats, removed")
	}
	return len(stale)
}

// Run sweeps once per heartbeat interval until ctx is done.
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Sweep(r.now())
		}
	}
}

// Close unregisters every connection.
func (r *Registry) Close() {
	r.mu.Lock()
	var all []*entry
	for id := range r.owner {
		if e, ok := r.removeLocked(id); ok {
			all = append(all, e)
		}
	}
	r.mu.Unlock()
	for _, e := range all {
		r.release(e)
	}
}

func addTo(index map[string]map[string]struct{}, key, connID string) {
	set, ok := index[key]
	if !ok {
		set = make(map[string]struct{})
		index[key] = set
	}
	set[connID] = struct{}{}
}

func removeFrom(index map[string]map[string]struct{}, key, connID string) {
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(index, key)
	}
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
