package router

import (
	"context"
	"errors"
	"time"

	"github.com/eldtechnologies/switchboard/internal/events"
	"github.com/eldtechnologies/switchboard/internal/metrics"
	"github.com/eldtechnologies/switchboard/internal/models"
)

// runWorker is the per-workspace loop. It drains on queue notify and moves
// held messages past their deadline to Expired.
func (r *Router) runWorker(ws *workspace) {
	defer r.workers.Done()
	defer close(ws.done)

	ticker := time.NewTicker(r.cfg.ExpiryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ws.stop:
			return
		case <-ws.queue.Notify():
			r.pump(context.Background(), ws)
		case <-ticker.C:
			r.expireHeld(ws)
		}
	}
}

// Subscribe attaches the router's subscription to bus. Create it before
// connections are accepted so no event is missed.
func Subscribe(bus *events.Bus) *events.Subscription {
	return bus.Subscribe(1024, events.PresenceChanged)
}

// Run consumes bus events and reaps idle workspaces until ctx is done.
func (r *Router) Run(ctx context.Context, sub *events.Subscription) error {
	defer sub.Unsubscribe()

	ticker := time.NewTicker(r.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			r.HandleEvent(ctx, ev)
		case <-ticker.C:
			r.Reap(ctx)
		}
	}
}

// HandleEvent fans presence changes out to channel subscribers. Held
// messages are released by Connect, not by events.
func (r *Router) HandleEvent(ctx context.Context, ev events.Event) {
	switch ev.Kind {
	case events.PresenceChanged:
		p, ok := ev.Payload.(events.PresencePayload)
		if !ok {
			return
		}
		r.broadcastPresence(ctx, ev.WorkspaceID, p)
	}
}

// Reap destroys workspaces idle past their IdleTimeout with no live
// connections, and prunes expired keys and rate-limit buckets.
func (r *Router) Reap(ctx context.Context) int {
	now := r.now()
	var idle []string
	var prune []*workspace

	r.mu.RLock()
	for id, ws := range r.workspaces {
		cfg := ws.config()
		if cfg.IdleTimeout > 0 && now.Sub(ws.idleSince()) >= cfg.IdleTimeout {
			idle = append(idle, id)
			continue
		}
		prune = append(prune, ws)
	}
	r.mu.RUnlock()

	reaped := 0
	for _, id := range idle {
		if r.registry.Count(id) > 0 {
			continue
		}
		if _, err := r.DestroyWorkspaceQueue(ctx, id); err != nil {
			if !errors.Is(err, models.ErrUnknownWorkspace) {
				r.logger.Warn().Err(err).Str("workspace_id", id).Msg("Failed to reap idle workspace")
			}
			continue
		}
		reaped++
	}

	for _, ws := range prune {
		cfg := ws.config()
		n, err := r.encryption.Prune(ctx, ws.id, cfg.KeyRetention)
		if err != nil {
			r.logger.Warn().Err(err).Str("workspace_id", ws.id).Msg("Failed to prune rotated keys")
			continue
		}
		if n > 0 {
			r.logger.Info().Str("workspace_id", ws.id).Int("pruned", n).Msg("Pruned rotated keys")
		}
	}

	r.limiter.Sweep(10 * time.Minute)
	if reaped > 0 {
		r.logger.Info().Int("reaped", reaped).Msg("Reaped idle workspaces")
	}
	return reaped
}

// Close stops every worker and flushes remaining messages to the durable
// store. New submissions fail with ErrShuttingDown afterwards.
func (r *Router) Close(ctx context.Context) int {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0
	}
	r.closed = true
	all := make([]*workspace, 0, len(r.workspaces))
	for id, ws := range r.workspaces {
		all = append(all, ws)
		delete(r.workspaces, id)
	}
	metrics.ActiveWorkspaces.Set(0)
	r.mu.Unlock()

	flushed := 0
	for _, ws := range all {
		close(ws.stop)
	}
	r.workers.Wait()
	for _, ws := range all {
		flushed += r.flush(ctx, ws)
	}
	r.logger.Info().Int("workspaces", len(all)).Int("flushed", flushed).Msg("Router closed")
	return flushed
}
