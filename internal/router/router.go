// Package router accepts messages from authenticated sessions and moves them
// through scanning, encryption, queueing and delivery within one workspace.
package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/switchboard/internal/crypto"
	"github.com/eldtechnologies/switchboard/internal/events"
	"github.com/eldtechnologies/switchboard/internal/metrics"
	"github.com/eldtechnologies/switchboard/internal/models"
	"github.com/eldtechnologies/switchboard/internal/outbox"
	"github.com/eldtechnologies/switchboard/internal/presence"
	"github.com/eldtechnologies/switchboard/internal/queue"
	"github.com/eldtechnologies/switchboard/internal/ratelimit"
	"github.com/eldtechnologies/switchboard/internal/registry"
	"github.com/eldtechnologies/switchboard/internal/security"
)

// Verifier checks that a WorkspaceContext was issued by the identity layer
// and answers membership questions for direct-message recipients.
type Verifier interface {
	Verify(wc models.WorkspaceContext) error
	IsMember(ctx context.Context, workspaceID, userID string) (bool, error)
}

// Encrypter is the encryption service as used by the router.
type Encrypter interface {
	Encrypt(ctx context.Context, plaintext []byte, workspaceID, method string) (models.EncryptedPayload, error)
	Rotate(ctx context.Context, workspaceID, method string) (models.EncryptionKey, error)
	Prune(ctx context.Context, workspaceID string, retention time.Duration) (int, error)
	Forget(workspaceID string)
}

// Config tunes delivery and background work.
type Config struct {
	DeliveryAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	SendTimeout      time.Duration
	DrainBatch       int
	ExpiryInterval   time.Duration
	ReapInterval     time.Duration

	// Defaults is applied to workspaces activated by first use.
	Defaults func(workspaceID string) models.TenantConfiguration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		DeliveryAttempts: 3,
		RetryBaseDelay:   20 * time.Millisecond,
		RetryMaxDelay:    500 * time.Millisecond,
		SendTimeout:      2 * time.Second,
		DrainBatch:       256,
		ExpiryInterval:   10 * time.Second,
		ReapInterval:     time.Minute,
		Defaults:         models.DefaultTenantConfiguration,
	}
}

// Deps are the collaborators a Router drives.
type Deps struct {
	Verifier   Verifier
	Scanner    *security.Scanner
	Encryption Encrypter
	Registry   *registry.Registry
	Presence   *presence.Tracker
	Limiter    *ratelimit.Limiter
	Store      outbox.Writer
	Events     events.Publisher
}

// Receipt reports the outcome of Submit.
type Receipt struct {
	MessageID string               `json:"messageId"`
	State     models.DeliveryState `json:"state"`
	Report    *DeliveryReport      `json:"report,omitempty"`
}

// TargetResult is the delivery outcome for one connection.
type TargetResult struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
	Attempts     int    `json:"attempts"`
	Error        string `json:"error,omitempty"`
}

// DeliveryReport summarizes fan-out of one message.
type DeliveryReport struct {
	MessageID string         `json:"messageId"`
	Delivered int            `json:"delivered"`
	Failed    int            `json:"failed"`
	Targets   []TargetResult `json:"targets,omitempty"`
}

// Router is the entry point of the messaging core.
type Router struct {
	verifier   Verifier
	scanner    *security.Scanner
	encryption Encrypter
	registry   *registry.Registry
	presence   *presence.Tracker
	limiter    *ratelimit.Limiter
	store      outbox.Writer
	events     events.Publisher
	cfg        Config
	logger     zerolog.Logger
	now        func() time.Time

	mu         sync.RWMutex
	workspaces map[string]*workspace
	closed     bool
	workers    sync.WaitGroup
}

// New creates a router. The registry's connection cap is bound to the
// tenant configurations the router holds.
func New(deps Deps, cfg Config, logger zerolog.Logger) *Router {
	d := DefaultConfig()
	if cfg.DeliveryAttempts <= 0 {
		cfg.DeliveryAttempts = d.DeliveryAttempts
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = d.RetryBaseDelay
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = d.RetryMaxDelay
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = d.SendTimeout
	}
	if cfg.DrainBatch <= 0 {
		cfg.DrainBatch = d.DrainBatch
	}
	if cfg.ExpiryInterval <= 0 {
		cfg.ExpiryInterval = d.ExpiryInterval
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = d.ReapInterval
	}
	if cfg.Defaults == nil {
		cfg.Defaults = d.Defaults
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	r := &Router{
		verifier:   deps.Verifier,
		scanner:    deps.Scanner,
		encryption: deps.Encryption,
		registry:   deps.Registry,
		presence:   deps.Presence,
		limiter:    deps.Limiter,
		store:      deps.Store,
		events:     deps.Events,
		cfg:        cfg,
		logger:     logger.With().Str("component", "router").Logger(),
		now:        time.Now,
		workspaces: make(map[string]*workspace),
	}
	r.registry.SetLimit(r.ConnectionLimit)
	return r
}

// Submit accepts a message from wc, scans and encrypts it, enqueues it and
// delivers whatever is ready in the workspace. Validation and security
// failures return before any queue mutation.
func (r *Router) Submit(ctx context.Context, wc models.WorkspaceContext, msg *models.Message) (Receipt, error) {
	if err := r.verifier.Verify(wc); err != nil {
		metrics.MessagesSubmitted.WithLabelValues("invalid_context").Inc()
		return Receipt{}, err
	}
	if msg == nil {
		return Receipt{}, fmt.Errorf("%w: message is required", models.ErrInvalidMessage)
	}
	if msg.WorkspaceID() != wc.WorkspaceID {
		metrics.MessagesSubmitted.WithLabelValues("workspace_mismatch").Inc()
		r.logger.Warn().
			Str("type", "security").
			Str("event", "workspace_mismatch").
			Str("workspace_id", wc.WorkspaceID).
			Str("message_workspace_id", msg.WorkspaceID()).
			Str("user_id", wc.UserID).
			Msg("Message offered to the wrong workspace")
		return Receipt{}, models.ErrWorkspaceMismatch
	}

	processed := msg.Clone()
	processed.SenderID = wc.UserID
	receipt := Receipt{MessageID: processed.ID, State: models.StateReceived}

	if err := processed.Validate(); err != nil {
		metrics.MessagesSubmitted.WithLabelValues("invalid").Inc()
		return receipt, err
	}
	if !wc.Can(models.PermSend) {
		metrics.MessagesSubmitted.WithLabelValues("permission_denied").Inc()
		return receipt, models.ErrPermissionDenied
	}
	if processed.Direct() {
		member, err := r.verifier.IsMember(ctx, wc.WorkspaceID, processed.RecipientID)
		if err != nil {
			return receipt, err
		}
		if !member {
			metrics.MessagesSubmitted.WithLabelValues("invalid").Inc()
			return receipt, fmt.Errorf("%w: %s is not a member of this workspace", models.ErrInvalidRecipient, processed.RecipientID)
		}
	}

	ws, err := r.workspace(wc.WorkspaceID)
	if err != nil {
		return receipt, err
	}
	cfg := ws.config()

	if !r.limiter.Allow(wc.WorkspaceID, wc.UserID, cfg.RateLimitPerMinute) {
		metrics.MessagesSubmitted.WithLabelValues("rate_limited").Inc()
		return receipt, models.ErrRateLimitExceeded
	}

	// Scanning
	text := models.ScanText(processed.Content)
	start := time.Now()
	result := r.scanner.Scan(text, string(processed.Type), cfg.Policies.For(string(processed.Type)))
	metrics.ScanDuration.Observe(time.Since(start).Seconds())
	if !result.IsSafe {
		r.reject(wc, processed, text, result)
		receipt.State = models.StateRejected
		return receipt, models.ErrSecurityRejected
	}
	processed.Verdict = &models.ScanVerdict{Safe: true, Score: result.Score, PIIFound: result.PIIFound}

	// Past this point a failure admits nothing, so the token is refunded.
	// Security rejections above keep it: they are the traffic to throttle.
	refund := func() { r.limiter.Refund(wc.WorkspaceID, wc.UserID) }

	// Encryption
	plaintext, err := models.EncodeContent(processed.Content)
	if err != nil {
		refund()
		return receipt, fmt.Errorf("%w: %v", models.ErrInvalidMessage, err)
	}
	payload, err := r.encryption.Encrypt(ctx, plaintext, wc.WorkspaceID, cfg.EncryptionMethod)
	if err != nil {
		refund()
		metrics.MessagesSubmitted.WithLabelValues("crypto_error").Inc()
		r.logger.Error().Err(err).
			Str("workspace_id", wc.WorkspaceID).
			Str("message_id", processed.ID).
			Str("method", cfg.EncryptionMethod).
			Msg("Encryption failed")
		return receipt, err
	}
	processed.Encrypted = &payload
	receipt.State = models.StateEncrypted
	if processed.ExpiresAt.IsZero() && cfg.MessageTTL > 0 {
		processed.ExpiresAt = processed.CreatedAt.Add(cfg.MessageTTL)
	}

	// Cancellation is honoured up to this point only.
	if err := ctx.Err(); err != nil {
		refund()
		metrics.MessagesSubmitted.WithLabelValues("canceled").Inc()
		return receipt, err
	}
	ws.track(processed, models.StateEnqueued)
	if err := ws.queue.Enqueue(processed); err != nil {
		ws.untrack(processed.ID)
		refund()
		metrics.MessagesSubmitted.WithLabelValues("queue_full").Inc()
		return receipt, err
	}
	receipt.State = models.StateEnqueued
	ws.touch(r.now())
	metrics.MessagesSubmitted.WithLabelValues("accepted").Inc()
	metrics.QueueDepth.WithLabelValues(ws.id).Set(float64(ws.queue.Len()))

	r.events.Publish(events.Event{
		Kind:        events.MessageReady,
		WorkspaceID: ws.id,
		Payload:     messagePayload(processed, models.StateEnqueued, nil),
	})
	if err := r.store.PersistMessage(ctx, processed); err != nil {
		r.logger.Warn().Err(err).Str("message_id", processed.ID).Msg("Failed to schedule message persistence")
	}

	reports := r.pump(context.WithoutCancel(ctx), ws)
	receipt.Report = reports[processed.ID]
	// The worker may have delivered it first.
	if t, ok := ws.lookup(processed.ID); ok {
		receipt.State = t.state
		if receipt.Report == nil {
			receipt.Report = t.report
		}
	}
	return receipt, nil
}

// reject audits an unsafe message. The caller only learns it was rejected.
func (r *Router) reject(wc models.WorkspaceContext, msg *models.Message, text string, result security.ScanResult) {
	metrics.MessagesSubmitted.WithLabelValues("rejected").Inc()
	for _, rule := range result.Threats {
		metrics.SecurityRejections.WithLabelValues(rule).Inc()
	}
	for _, kind := range result.PIIFound {
		metrics.SecurityRejections.WithLabelValues("pii:" + kind).Inc()
	}

	r.logger.Warn().
		Str("type", "security").
		Str("event", "message_rejected").
		Str("workspace_id", wc.WorkspaceID).
		Str("user_id", wc.UserID).
		Str("message_id", msg.ID).
		Strs("threats", result.Threats).
		Strs("pii", result.PIIFound).
		Int("score", result.Score).
		Msg("Message rejected by security policy")

	entry := models.AuditEntry{
		ID:          crypto.NewUUIDv7().String(),
		WorkspaceID: wc.WorkspaceID,
		UserID:      wc.UserID,
		MessageID:   msg.ID,
		Action:      string(events.MessageRejected),
		Reason:      "security_policy",
		Threats:     result.Threats,
		PIIFound:    result.PIIFound,
		Score:       result.Score,
		Redacted:    security.Redact(text),
		CreatedAt:   r.now().UTC(),
	}
	if err := r.store.AppendAuditEntry(context.Background(), entry); err != nil {
		r.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("Failed to schedule audit entry")
	}
	r.events.Publish(events.Event{
		Kind:        events.MessageRejected,
		WorkspaceID: wc.WorkspaceID,
		Payload:     messagePayload(msg, models.StateRejected, nil),
	})
}

// Revoke withdraws a message that has not started delivery. It returns
// false once delivery began and ErrMessageNotFound for unknown IDs.
func (r *Router) Revoke(ctx context.Context, wc models.WorkspaceContext, messageID string) (bool, error) {
	if err := r.verifier.Verify(wc); err != nil {
		return false, err
	}
	ws := r.lookup(wc.WorkspaceID)
	if ws == nil {
		return false, models.ErrMessageNotFound
	}
	t, ok := ws.lookup(messageID)
	if !ok {
		return false, models.ErrMessageNotFound
	}
	if t.senderID != wc.UserID && !wc.Can(models.PermAdmin) {
		return false, models.ErrPermissionDenied
	}
	if t.state != models.StateEnqueued && t.state != models.StateDeferred {
		return false, nil
	}
	if !ws.queue.Remove(messageID) {
		return false, nil
	}
	ws.setState(messageID, models.StateRevoked, nil)
	metrics.QueueDepth.WithLabelValues(ws.id).Set(float64(ws.queue.Len()))

	if err := r.store.AppendAuditEntry(ctx, models.AuditEntry{
		ID:          crypto.NewUUIDv7().String(),
		WorkspaceID: ws.id,
		UserID:      wc.UserID,
		MessageID:   messageID,
		Action:      string(events.MessageRevoked),
		CreatedAt:   r.now().UTC(),
	}); err != nil {
		r.logger.Warn().Err(err).Str("message_id", messageID).Msg("Failed to schedule audit entry")
	}
	r.events.Publish(events.Event{
		Kind:        events.MessageRevoked,
		WorkspaceID: ws.id,
		Payload:     events.MessagePayload{MessageID: messageID, SenderID: t.senderID, State: models.StateRevoked},
	})
	return true, nil
}

// Status returns the tracked state of a message in wc's workspace.
func (r *Router) Status(wc models.WorkspaceContext, messageID string) (models.DeliveryState, *DeliveryReport, error) {
	if err := r.verifier.Verify(wc); err != nil {
		return "", nil, err
	}
	ws := r.lookup(wc.WorkspaceID)
	if ws == nil {
		return "", nil, models.ErrMessageNotFound
	}
	t, ok := ws.lookup(messageID)
	if !ok {
		return "", nil, models.ErrMessageNotFound
	}
	return t.state, t.report, nil
}

// workspace returns the active workspace, creating it with defaults on
// first use.
func (r *Router) workspace(id string) (*workspace, error) {
	if ws := r.lookup(id); ws != nil {
		return ws, nil
	}
	cfg := r.cfg.Defaults(id).WithDefaults()
	cfg.WorkspaceID = id
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ws, _, err := r.activate(cfg, true)
	return ws, err
}

func (r *Router) lookup(id string) *workspace {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.workspaces[id]
}

// activate registers a workspace and starts its worker. created is false
// when the workspace already existed.
func (r *Router) activate(cfg models.TenantConfiguration, implicit bool) (*workspace, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, false, models.ErrShuttingDown
	}
	if ws, ok := r.workspaces[cfg.WorkspaceID]; ok {
		return ws, false, nil
	}
	q := queue.New(cfg.WorkspaceID, cfg.MaxQueueSize, r.logger)
	ws := newWorkspace(cfg, q, implicit, r.now())
	r.workspaces[cfg.WorkspaceID] = ws
	metrics.ActiveWorkspaces.Set(float64(len(r.workspaces)))

	r.workers.Add(1)
	go r.runWorker(ws)

	r.events.Publish(events.Event{Kind: events.WorkspaceCreated, WorkspaceID: cfg.WorkspaceID})
	r.logger.Info().Str("workspace_id", cfg.WorkspaceID).Bool("implicit", implicit).Msg("Workspace activated")
	return ws, true, nil
}

// ConnectionLimit returns the connection cap of a workspace.
func (r *Router) ConnectionLimit(workspaceID string) int {
	if ws := r.lookup(workspaceID); ws != nil {
		return ws.config().MaxConnectionsPerWorkspace
	}
	return r.cfg.Defaults(workspaceID).WithDefaults().MaxConnectionsPerWorkspace
}

func messagePayload(msg *models.Message, state models.DeliveryState, report *DeliveryReport) events.MessagePayload {
	p := events.MessagePayload{
		MessageID:   msg.ID,
		SenderID:    msg.SenderID,
		RecipientID: msg.RecipientID,
		ChannelID:   msg.ChannelID,
		Type:        msg.Type,
		State:       state,
	}
	if report != nil {
		p.Delivered = report.Delivered
		p.Failed = report.Failed
	}
	return p
}
