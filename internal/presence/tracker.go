// Package presence tracks per-workspace user availability.
package presence

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/switchboard/internal/events"
	"github.com/eldtechnologies/switchboard/internal/metrics"
	"github.com/eldtechnologies/switchboard/internal/models"
)

const (
	DefaultAwayAfter    = 5 * time.Minute
	DefaultOfflineAfter = 30 * time.Minute
	mirrorTimeout       = 2 * time.Second
)

// Mirror copies status changes to shared storage. RedisStore implements it.
type Mirror interface {
	SetPresence(ctx context.Context, workspaceID, userID string, status models.PresenceStatus) error
}

// Config configures a Tracker.
type Config struct {
	AwayAfter    time.Duration
	OfflineAfter time.Duration
	Events       events.Publisher
	Mirror       Mirror
}

// Tracker holds presence records keyed by workspace, then user.
type Tracker struct {
	mu      sync.Mutex
	records map[string]map[string]*models.PresenceRecord

	awayAfter    time.Duration
	offlineAfter time.Duration
	events       events.Publisher
	mirror       Mirror
	now          func() time.Time
	logger       zerolog.Logger
}

// New creates an empty tracker.
func New(cfg Config, logger zerolog.Logger) *Tracker {
	if cfg.AwayAfter <= 0 {
		cfg.AwayAfter = DefaultAwayAfter
	}
	if cfg.OfflineAfter <= 0 {
		cfg.OfflineAfter = DefaultOfflineAfter
	}
	if cfg.Events == nil {
		cfg.Events = events.Nop{}
	}
	return &Tracker{
		records:      make(map[string]map[string]*models.PresenceRecord),
		awayAfter:    cfg.AwayAfter,
		offlineAfter: cfg.OfflineAfter,
		events:       cfg.Events,
		mirror:       cfg.Mirror,
		now:          time.Now,
		logger:       logger.With().Str("component", "presence").Logger(),
	}
}

type change struct {
	workspaceID, userID string
	status, previous    models.PresenceStatus
}

// SetStatus records a status and reports whether it changed. A change
// emits presence.changed.
func (t *Tracker) SetStatus(workspaceID, userID string, status models.PresenceStatus) (bool, error) {
	if !status.Valid() {
		return false, fmt.Errorf("%w: unknown presence status %q", models.ErrInvalidMessage, status)
	}
	if workspaceID == "" || userID == "" {
		return false, fmt.Errorf("%w: workspace and user are required", models.ErrInvalidContext)
	}

	t.mu.Lock()
	c, changed := t.setLocked(workspaceID, userID, status, t.now().UTC())
	t.mu.Unlock()
	if changed {
		t.announce(c)
	}
	return changed, nil
}

func (t *Tracker) setLocked(workspaceID, userID string, status models.PresenceStatus, at time.Time) (change, bool) {
	users, ok := t.records[workspaceID]
	if !ok {
		users = make(map[string]*models.PresenceRecord)
		t.records[workspaceID] = users
	}
	rec, ok := users[userID]
	prev := models.StatusOffline
	if ok {
		prev = rec.Status
	} else {
		rec = &models.PresenceRecord{WorkspaceID: workspaceID, UserID: userID, Status: models.StatusOffline}
		users[userID] = rec
	}
	if status != models.StatusAway {
		rec.LastSeenAt = at
	}
	if prev == status {
		return change{}, false
	}
	rec.Status = status
	return change{workspaceID: workspaceID, userID: userID, status: status, previous: prev}, true
}

func (t *Tracker) announce(c change) {
	metrics.PresenceChanges.WithLabelValues(string(c.status)).Inc()
	t.events.Publish(events.Event{
		Kind:        events.PresenceChanged,
		WorkspaceID: c.workspaceID,
		Payload:     events.PresencePayload{UserID: c.userID, Status: c.status, Previous: c.previous},
	})
	if t.mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		defer cancel()
		if err := t.mirror.SetPresence(ctx, c.workspaceID, c.userID, c.status); err != nil {
			t.logger.Warn().Err(err).Str("workspace_id", c.workspaceID).Msg("Failed to mirror presence")
		}
	}
}

// GetStatus returns the user's status, offline when unknown.
func (t *Tracker) GetStatus(workspaceID, userID string) models.PresenceStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.records[workspaceID][userID]; ok {
		return rec.Status
	}
	return models.StatusOffline
}

// Record returns a copy of the user's record.
func (t *Tracker) Record(workspaceID, userID string) (models.PresenceRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[workspaceID][userID]
	if !ok {
		return models.PresenceRecord{WorkspaceID: workspaceID, UserID: userID, Status: models.StatusOffline}, false
	}
	return *rec, true
}

// Touch marks activity. An away user becomes online again.
func (t *Tracker) Touch(workspaceID, userID string) {
	t.mu.Lock()
	rec, ok := t.records[workspaceID][userID]
	if !ok || rec.Status == models.StatusOffline {
		t.mu.Unlock()
		return
	}
	c, changed := t.setLocked(workspaceID, userID, models.StatusOnline, t.now().UTC())
	t.mu.Unlock()
	if changed {
		t.announce(c)
	}
}

// List returns the non-offline records of a workspace sorted by user.
func (t *Tracker) List(workspaceID string) []models.PresenceRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []models.PresenceRecord
	for _, rec := range t.records[workspaceID] {
		if rec.Status != models.StatusOffline {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Sweep moves idle users online → away after AwayAfter and away → offline
// after OfflineAfter, measured from their last activity.
func (t *Tracker) Sweep(now time.Time) int {
	var changes []change
	t.mu.Lock()
	for wsID, users := range t.records {
		for userID, rec := range users {
			idle := now.Sub(rec.LastSeenAt)
			var next models.PresenceStatus
			switch {
			case rec.Status == models.StatusOnline && idle >= t.awayAfter:
				next = models.StatusAway
			case rec.Status == models.StatusAway && idle >= t.offlineAfter:
				next = models.StatusOffline
			default:
				continue
			}
			if c, ok := t.setLocked(wsID, userID, next, now); ok {
				changes = append(changes, c)
			}
		}
	}
	t.mu.Unlock()

	for _, c := range changes {
		t.announce(c)
	}
	return len(changes)
}

// Forget drops all records of a workspace.
func (t *Tracker) Forget(workspaceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, workspaceID)
}

// HandleEvent applies connection lifecycle events: an opened connection
// makes its user online, closing the last one makes them offline.
func (t *Tracker) HandleEvent(ev events.Event) {
	p, ok := ev.Payload.(events.ConnectionPayload)
	if !ok {
		return
	}
	switch ev.Kind {
	case events.ConnectionOpened:
		t.SetStatus(ev.WorkspaceID, p.UserID, models.StatusOnline)
	case events.ConnectionClosed:
		if p.Remaining == 0 {
			t.SetStatus(ev.WorkspaceID, p.UserID, models.StatusOffline)
		}
	}
}

// Subscribe attaches the tracker's connection-event subscription to bus.
func Subscribe(bus *events.Bus) *events.Subscription {
	return bus.Subscribe(1024, events.ConnectionOpened, events.ConnectionClosed)
}

// Run consumes connection events from sub and sweeps every interval until
// ctx is done.
func (t *Tracker) Run(ctx context.Context, sub *events.Subscription, interval time.Duration) error {
	defer sub.Unsubscribe()
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			t.HandleEvent(ev)
		case <-ticker.C:
			t.Sweep(t.now())
		}
	}
}
