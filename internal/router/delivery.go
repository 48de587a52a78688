package router

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/eldtechnologies/switchboard/internal/events"
	"github.com/eldtechnologies/switchboard/internal/metrics"
	"github.com/eldtechnologies/switchboard/internal/models"
	"github.com/eldtechnologies/switchboard/internal/registry"
)

// pump drains ready messages of ws in priority order and delivers them.
// Direct messages to users without a live connection are held until the
// user connects. A panic is contained to this workspace.
func (r *Router) pump(ctx context.Context, ws *workspace) (reports map[string]*DeliveryReport) {
	ws.dispatch.Lock()
	defer ws.dispatch.Unlock()
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().
				Str("workspace_id", ws.id).
				Interface("panic", p).
				Msg("Recovered panic in workspace dispatch")
		}
	}()

	reports = make(map[string]*DeliveryReport)
	for msg := range ws.queue.Drain(r.cfg.DrainBatch) {
		now := r.now()
		if !msg.ExpiresAt.IsZero() && !msg.ExpiresAt.After(now) {
			r.expired(ws, msg)
			continue
		}

		targets := r.registry.ResolveTargets(ws.id, msg.RecipientID, msg.ChannelID)
		if msg.Direct() && len(targets) == 0 {
			if err := ws.queue.Hold(msg, msg.RecipientID); err != nil {
				// The queue closed under us; hand the message to the store
				// as the flush would have.
				r.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("Could not hold message")
				r.persistFlushed(ctx, ws, msg)
				r.expired(ws, msg)
				continue
			}
			ws.setState(msg.ID, models.StateDeferred, nil)
			// The recipient may have connected between resolve and hold.
			if r.registry.Online(ws.id, msg.RecipientID) {
				ws.queue.Release(msg.RecipientID)
			}
			continue
		}
		if !ws.beginDelivery(msg.ID) {
			continue
		}

		report := r.deliver(ctx, msg, targets)
		ws.setState(msg.ID, models.StateDelivered, report)
		reports[msg.ID] = report
		r.events.Publish(events.Event{
			Kind:        events.MessageDelivered,
			WorkspaceID: ws.id,
			Payload:     messagePayload(msg, models.StateDelivered, report),
		})
	}
	metrics.QueueDepth.WithLabelValues(ws.id).Set(float64(ws.queue.Len()))
	return reports
}

// deliver sends msg to every target independently. One failing target
// never blocks the others.
func (r *Router) deliver(ctx context.Context, msg *models.Message, targets []registry.Target) *DeliveryReport {
	report := &DeliveryReport{MessageID: msg.ID, Targets: make([]TargetResult, len(targets))}
	if len(targets) == 0 {
		return report
	}
	frame, err := models.NewMessageFrame(msg)
	if err != nil {
		r.logger.Error().Err(err).Str("message_id", msg.ID).Msg("Failed to build delivery frame")
		report.Failed = len(targets)
		return report
	}

	var wg sync.WaitGroup
	for i, t := range targets {
		wg.Add(1)
		go func(i int, t registry.Target) {
			defer wg.Done()
			report.Targets[i] = r.sendWithRetry(ctx, t, frame)
		}(i, t)
	}
	wg.Wait()

	for _, res := range report.Targets {
		if res.Error == "" {
			report.Delivered++
		} else {
			report.Failed++
		}
	}
	return report
}

// sendWithRetry retries transient send failures with exponential backoff.
// A gone connection is removed from the registry and not retried.
func (r *Router) sendWithRetry(ctx context.Context, t registry.Target, frame models.Frame) TargetResult {
	res := TargetResult{ConnectionID: t.ConnectionID, UserID: t.UserID}
	delay := r.cfg.RetryBaseDelay
	var err error
retry:
	for attempt := 1; attempt <= r.cfg.DeliveryAttempts; attempt++ {
		res.Attempts = attempt
		sendCtx, cancel := context.WithTimeout(ctx, r.cfg.SendTimeout)
		err = t.Sender.Send(sendCtx, frame)
		cancel()
		if err == nil {
			metrics.Deliveries.WithLabelValues("delivered").Inc()
			return res
		}
		if errors.Is(err, models.ErrConnectionGone) {
			r.registry.Unregister(t.ConnectionID)
			break
		}
		if attempt == r.cfg.DeliveryAttempts {
			break
		}
		metrics.DeliveryRetries.Inc()
		select {
		case <-ctx.Done():
			err = ctx.Err()
			break retry
		case <-time.After(delay):
		}
		delay *= 2
		if delay > r.cfg.RetryMaxDelay {
			delay = r.cfg.RetryMaxDelay
		}
	}
	metrics.Deliveries.WithLabelValues(models.Code(err)).Inc()
	res.Error = models.Code(err)
	r.logger.Debug().
		Err(err).
		Str("connection_id", t.ConnectionID).
		Int("attempts", res.Attempts).
		Msg("Delivery to connection failed")
	return res
}

// expireHeld moves held messages past their ExpiresAt to Expired.
func (r *Router) expireHeld(ws *workspace) int {
	msgs := ws.queue.ExpireHeld(r.now())
	for _, msg := range msgs {
		r.expired(ws, msg)
	}
	if len(msgs) > 0 {
		metrics.QueueDepth.WithLabelValues(ws.id).Set(float64(ws.queue.Len()))
	}
	return len(msgs)
}

func (r *Router) expired(ws *workspace, msg *models.Message) {
	ws.setState(msg.ID, models.StateExpired, nil)
	metrics.MessagesExpired.Inc()
	r.events.Publish(events.Event{
		Kind:        events.MessageExpired,
		WorkspaceID: ws.id,
		Payload:     messagePayload(msg, models.StateExpired, nil),
	})
}

// broadcastPresence sends a presence-changed frame to the workspace's
// channel subscribers.
func (r *Router) broadcastPresence(ctx context.Context, workspaceID string, p events.PresencePayload) int {
	frame := models.Frame{Event: models.EventPresenceChanged, Data: models.PresenceFrame{UserID: p.UserID, Status: p.Status}}
	sent := 0
	for _, t := range r.registry.Subscribers(workspaceID) {
		sendCtx, cancel := context.WithTimeout(ctx, r.cfg.SendTimeout)
		err := t.Sender.Send(sendCtx, frame)
		cancel()
		if err == nil {
			sent++
			continue
		}
		if errors.Is(err, models.ErrConnectionGone) {
			r.registry.Unregister(t.ConnectionID)
		}
	}
	return sent
}
