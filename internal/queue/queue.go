// Package queue implements the per-workspace priority message queue.
package queue

import (
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/switchboard/internal/models"
)

const initialTierCapacity = 16

// WorkspaceQueue buffers messages of exactly one workspace in three priority
// tiers. Messages held for offline recipients stay resident and count toward
// the size limit until released, expired or removed.
type WorkspaceQueue struct {
	mu          sync.Mutex
	workspaceID string
	maxSize     int
	tiers       [models.NumPriorities]*deque[*models.Message]
	held        map[string][]*models.Message
	heldCount   int
	notify      chan struct{}
	closed      bool
	logger      zerolog.Logger

	// Stats
	totalEnqueued  int64
	totalDequeued  int64
	totalRejected  int64
	totalDiscarded int64
	totalExpired   int64
}

// New creates an empty queue for workspaceID.
func New(workspaceID string, maxSize int, logger zerolog.Logger) *WorkspaceQueue {
	q := &WorkspaceQueue{
		workspaceID: workspaceID,
		maxSize:     maxSize,
		held:        make(map[string][]*models.Message),
		notify:      make(chan struct{}, 1),
		logger:      logger.With().Str("component", "queue").Str("workspace_id", workspaceID).Logger(),
	}
	for i := range q.tiers {
		q.tiers[i] = newDeque[*models.Message](initialTierCapacity)
	}
	return q
}

// WorkspaceID returns the owning workspace.
func (q *WorkspaceQueue) WorkspaceID() string { return q.workspaceID }

// Enqueue appends msg to the tail of its priority tier.
func (q *WorkspaceQueue) Enqueue(msg *models.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if msg.WorkspaceID() != q.workspaceID {
		q.totalRejected++
		return fmt.Errorf("%w: message for %s offered to %s", models.ErrWorkspaceMismatch, msg.WorkspaceID(), q.workspaceID)
	}
	if q.closed {
		q.totalRejected++
		return fmt.Errorf("%w: queue %s closed", models.ErrShuttingDown, q.workspaceID)
	}
	if !msg.Priority.Valid() {
		q.totalRejected++
		return fmt.Errorf("%w: unknown priority %d", models.ErrInvalidMessage, msg.Priority)
	}
	if q.lenLocked() >= q.maxSize {
		q.totalRejected++
		return fmt.Errorf("%w: workspace %s at %d", models.ErrQueueFull, q.workspaceID, q.maxSize)
	}

	q.tiers[msg.Priority].pushBack(msg)
	q.totalEnqueued++
	q.signal()
	return nil
}

// Dequeue removes the oldest message of the highest non-empty tier.
func (q *WorkspaceQueue) Dequeue() (*models.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, tier := range q.tiers {
		for tier.len() > 0 {
			msg, _ := tier.popFront()
			if msg.WorkspaceID() != q.workspaceID {
				q.totalDiscarded++
				q.logger.Error().
					Str("type", "security").
					Str("event", "foreign_message_discarded").
					Str("message_id", msg.ID).
					Str("message_workspace_id", msg.WorkspaceID()).
					Msg("discarded message from another workspace")
				continue
			}
			q.totalDequeued++
			return msg, true
		}
	}
	return nil, false
}

// Drain yields up to limit messages in dequeue order. Each pull dequeues
// one message; stopping early leaves the rest queued. limit <= 0 means all.
func (q *WorkspaceQueue) Drain(limit int) iter.Seq[*models.Message] {
	return func(yield func(*models.Message) bool) {
		for n := 0; limit <= 0 || n < limit; n++ {
			msg, ok := q.Dequeue()
			if !ok || !yield(msg) {
				return
			}
		}
	}
}

// Hold keeps a dequeued message resident under key (usually the recipient)
// until Release. Held messages were already admitted, so Hold does not
// check capacity.
func (q *WorkspaceQueue) Hold(msg *models.Message, key string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if msg.WorkspaceID() != q.workspaceID {
		return fmt.Errorf("%w: message for %s held in %s", models.ErrWorkspaceMismatch, msg.WorkspaceID(), q.workspaceID)
	}
	if q.closed {
		return fmt.Errorf("%w: queue %s closed", models.ErrShuttingDown, q.workspaceID)
	}
	q.held[key] = append(q.held[key], msg)
	q.heldCount++
	return nil
}

// Release moves every message held under key back to the front of its tier,
// ahead of newer traffic and in original order. It returns the count.
func (q *WorkspaceQueue) Release(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	msgs := q.held[key]
	if len(msgs) == 0 {
		return 0
	}
	delete(q.held, key)
	q.heldCount -= len(msgs)
	for i := len(msgs) - 1; i >= 0; i-- {
		q.tiers[msgs[i].Priority].pushFront(msgs[i])
	}
	q.signal()
	return len(msgs)
}

// ExpireHeld removes and returns held messages whose ExpiresAt is not after now.
func (q *WorkspaceQueue) ExpireHeld(now time.Time) []*models.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	var expired []*models.Message
	for key, msgs := range q.held {
		kept := msgs[:0]
		for _, m := range msgs {
			if !m.ExpiresAt.IsZero() && !m.ExpiresAt.After(now) {
				expired = append(expired, m)
				continue
			}
			kept = append(kept, m)
		}
		if len(kept) == 0 {
			delete(q.held, key)
		} else {
			q.held[key] = kept
		}
	}
	q.heldCount -= len(expired)
	q.totalExpired += int64(len(expired))
	return expired
}

// Remove deletes the queued or held message with id.
func (q *WorkspaceQueue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	match := func(m *models.Message) bool { return m.ID == id }
	for _, tier := range q.tiers {
		if _, ok := tier.removeFunc(match); ok {
			return true
		}
	}
	for key, msgs := range q.held {
		for i, m := range msgs {
			if m.ID != id {
				continue
			}
			msgs = append(msgs[:i], msgs[i+1:]...)
			if len(msgs) == 0 {
				delete(q.held, key)
			} else {
				q.held[key] = msgs
			}
			q.heldCount--
			return true
		}
	}
	return false
}

// Len returns queued plus held messages.
func (q *WorkspaceQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}

// Pending returns the number of messages ready for dequeue.
func (q *WorkspaceQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked() - q.heldCount
}

// Notify returns a channel signalled when messages become ready.
func (q *WorkspaceQueue) Notify() <-chan struct{} { return q.notify }

// SetMaxSize changes the capacity. Existing messages are kept even when
// they exceed the new limit.
func (q *WorkspaceQueue) SetMaxSize(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.maxSize = n
}

// Close rejects further enqueues and returns every remaining message,
// queued first in dequeue order, then held.
func (q *WorkspaceQueue) Close() []*models.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	var out []*models.Message
	for _, tier := range q.tiers {
		out = append(out, tier.drain()...)
	}
	for key, msgs := range q.held {
		out = append(out, msgs...)
		delete(q.held, key)
	}
	q.heldCount = 0
	return out
}

// Stats contains queue statistics.
type Stats struct {
	WorkspaceID    string `json:"workspace_id"`
	High           int    `json:"high"`
	Normal         int    `json:"normal"`
	Low            int    `json:"low"`
	Held           int    `json:"held"`
	MaxSize        int    `json:"max_size"`
	TotalEnqueued  int64  `json:"total_enqueued"`
	TotalDequeued  int64  `json:"total_dequeued"`
	TotalRejected  int64  `json:"total_rejected"`
	TotalDiscarded int64  `json:"total_discarded"`
	TotalExpired   int64  `json:"total_expired"`
	Resizes        int    `json:"resizes"`
}

// Depth returns queued plus held messages.
func (s Stats) Depth() int { return s.High + s.Normal + s.Low + s.Held }

// Stats returns queue statistics.
func (q *WorkspaceQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	resizes := 0
	for _, t := range q.tiers {
		resizes += t.resizes
	}
	return Stats{
		WorkspaceID:    q.workspaceID,
		High:           q.tiers[models.PriorityHigh].len(),
		Normal:         q.tiers[models.PriorityNormal].len(),
		Low:            q.tiers[models.PriorityLow].len(),
		Held:           q.heldCount,
		MaxSize:        q.maxSize,
		TotalEnqueued:  q.totalEnqueued,
		TotalDequeued:  q.totalDequeued,
		TotalRejected:  q.totalRejected,
		TotalDiscarded: q.totalDiscarded,
		TotalExpired:   q.totalExpired,
		Resizes:        resizes,
	}
}

func (q *WorkspaceQueue) lenLocked() int {
	n := q.heldCount
	for _, t := range q.tiers {
		n += t.len()
	}
	return n
}

// signal wakes the worker without blocking. Must be called with lock held.
func (q *WorkspaceQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
