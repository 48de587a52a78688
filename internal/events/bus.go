// Package events carries in-process notifications between core components
// and forwards them to external consumers.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/eldtechnologies/switchboard/internal/metrics"
	"github.com/eldtechnologies/switchboard/internal/models"
)

// Kind names an event type. Kinds double as AMQP routing key suffixes.
type Kind string

const (
	MessageReady       Kind = "message.ready"
	MessageRejected    Kind = "message.rejected"
	MessageDelivered   Kind = "message.delivered"
	MessageExpired     Kind = "message.expired"
	MessageRevoked     Kind = "message.revoked"
	ConnectionOpened   Kind = "connection.opened"
	ConnectionClosed   Kind = "connection.closed"
	PresenceChanged    Kind = "presence.changed"
	KeyRotated         Kind = "key.rotated"
	WorkspaceCreated   Kind = "workspace.created"
	WorkspaceDestroyed Kind = "workspace.destroyed"
)

// Event is a bus notification. Payload is one of the *Payload types below.
type Event struct {
	Kind        Kind      `json:"kind"`
	WorkspaceID string    `json:"workspace_id"`
	At          time.Time `json:"at"`
	Payload     any       `json:"payload,omitempty"`
}

// ConnectionPayload accompanies connection.opened and connection.closed.
type ConnectionPayload struct {
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
	// Remaining is the user's other live connections in the workspace.
	Remaining int `json:"remaining"`
}

// PresencePayload accompanies presence.changed.
type PresencePayload struct {
	UserID   string                `json:"user_id"`
	Status   models.PresenceStatus `json:"status"`
	Previous models.PresenceStatus `json:"previous"`
}

// MessagePayload accompanies message.* events. Content is never included.
type MessagePayload struct {
	MessageID   string               `json:"message_id"`
	SenderID    string               `json:"sender_id,omitempty"`
	RecipientID string               `json:"recipient_id,omitempty"`
	ChannelID   string               `json:"channel_id,omitempty"`
	Type        models.MessageType   `json:"type,omitempty"`
	State       models.DeliveryState `json:"state"`
	Delivered   int                  `json:"delivered,omitempty"`
	Failed      int                  `json:"failed,omitempty"`
}

// KeyPayload accompanies key.rotated.
type KeyPayload struct {
	KeyID   string `json:"key_id"`
	Method  string `json:"method"`
	Version int    `json:"version"`
}

// Publisher emits events. Bus implements it; components depend on this
// interface only.
type Publisher interface {
	Publish(ev Event)
}

// Subscription receives events on C until Unsubscribe.
type Subscription struct {
	C     <-chan Event
	ch    chan Event
	kinds map[Kind]struct{}
	bus   *Bus
	once  sync.Once
}

// Unsubscribe detaches the subscription and closes C.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() { s.bus.remove(s) })
}

func (s *Subscription) wants(k Kind) bool {
	if len(s.kinds) == 0 {
		return true
	}
	_, ok := s.kinds[k]
	return ok
}

// Bus fans events out to buffered subscriber channels. Publish never
// blocks; a full subscriber drops the event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
	now    func() time.Time

	dropped atomic.Int64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{}), now: time.Now}
}

// Subscribe receives the given kinds (all kinds if none) with a buffer of size.
func (b *Bus) Subscribe(size int, kinds ...Kind) *Subscription {
	if size < 1 {
		size = 1
	}
	ch := make(chan Event, size)
	s := &Subscription{C: ch, ch: ch, bus: b}
	if len(kinds) > 0 {
		s.kinds = make(map[Kind]struct{}, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = struct{}{}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Publish delivers ev to every interested subscriber.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = b.now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for s := range b.subs {
		if !s.wants(ev.Kind) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			b.dropped.Add(1)
			metrics.EventsDropped.WithLabelValues(string(ev.Kind)).Inc()
		}
	}
}

// Dropped returns how many deliveries were skipped for full subscribers.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Close unsubscribes everyone.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		close(s.ch)
		delete(b.subs, s)
	}
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; ok {
		delete(b.subs, s)
		close(s.ch)
	}
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(Event) {}
