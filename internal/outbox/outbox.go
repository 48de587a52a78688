// Package outbox buffers durable-store writes behind a bounded queue and
// retries them with exponential backoff.
package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/switchboard/internal/metrics"
	"github.com/eldtechnologies/switchboard/internal/models"
)

// ErrOutboxFull is returned when the pending queue is at capacity.
var ErrOutboxFull = errors.New("outbox full")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("outbox closed")

// Writer is the durable store the outbox drains into.
type Writer interface {
	PersistMessage(ctx context.Context, msg *models.Message) error
	AppendAuditEntry(ctx context.Context, entry models.AuditEntry) error
}

type op struct {
	name string
	fn   func(ctx context.Context) error
}

// Config tunes retry behaviour.
type Config struct {
	Size        int
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	OpTimeout   time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Size:        4096,
		MaxAttempts: 5,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		OpTimeout:   5 * time.Second,
	}
}

// Outbox implements Writer asynchronously: calls enqueue and return at once.
type Outbox struct {
	w      Writer
	cfg    Config
	logger zerolog.Logger

	mu      sync.RWMutex
	pending chan op
	closed  bool
	done    chan struct{}
	stop    chan struct{}

	stats struct {
		sync.Mutex
		written, retried, failed, rejected int64
	}
}

// New creates an outbox and starts its worker.
func New(w Writer, cfg Config, logger zerolog.Logger) *Outbox {
	d := DefaultConfig()
	if cfg.Size <= 0 {
		cfg.Size = d.Size
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = d.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = d.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = d.MaxDelay
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = d.OpTimeout
	}
	o := &Outbox{
		w:       w,
		cfg:     cfg,
		logger:  logger.With().Str("component", "outbox").Logger(),
		pending: make(chan op, cfg.Size),
		done:    make(chan struct{}),
		stop:    make(chan struct{}),
	}
	go o.run()
	return o
}

// PersistMessage enqueues a message write. msg must not be mutated afterwards.
func (o *Outbox) PersistMessage(ctx context.Context, msg *models.Message) error {
	return o.enqueue(op{
		name: "persist_message",
		fn:   func(ctx context.Context) error { return o.w.PersistMessage(ctx, msg) },
	})
}

// AppendAuditEntry enqueues an audit write.
func (o *Outbox) AppendAuditEntry(ctx context.Context, entry models.AuditEntry) error {
	return o.enqueue(op{
		name: "append_audit",
		fn:   func(ctx context.Context) error { return o.w.AppendAuditEntry(ctx, entry) },
	})
}

// Pending returns the number of queued operations.
func (o *Outbox) Pending() int { return len(o.pending) }

func (o *Outbox) enqueue(item op) error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return ErrClosed
	}
	select {
	case o.pending <- item:
		metrics.OutboxPending.Set(float64(len(o.pending)))
		return nil
	default:
		o.stats.Lock()
		o.stats.rejected++
		o.stats.Unlock()
		metrics.OutboxFailures.WithLabelValues("full").Inc()
		o.logger.Warn().Str("op", item.name).Msg("outbox full, dropping write")
		return ErrOutboxFull
	}
}

func (o *Outbox) run() {
	defer close(o.done)
	for item := range o.pending {
		o.execute(item)
		metrics.OutboxPending.Set(float64(len(o.pending)))
	}
}

func (o *Outbox) execute(item op) {
	delay := o.cfg.BaseDelay
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.OpTimeout)
		err := item.fn(ctx)
		cancel()
		if err == nil {
			o.stats.Lock()
			o.stats.written++
			o.stats.Unlock()
			return
		}

		if attempt >= o.cfg.MaxAttempts {
			o.stats.Lock()
			o.stats.failed++
			o.stats.Unlock()
			metrics.OutboxFailures.WithLabelValues("exhausted").Inc()
			o.logger.Error().Err(err).Str("op", item.name).Int("attempts", attempt).Msg("outbox write failed")
			return
		}

		o.stats.Lock()
		o.stats.retried++
		o.stats.Unlock()
		metrics.OutboxFailures.WithLabelValues("retry").Inc()
		o.logger.Warn().Err(err).Str("op", item.name).Int("attempt", attempt).Dur("sleep", delay).Msg("outbox write retry")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-o.stop:
			// Shutting down past the drain deadline; give up on this item.
			timer.Stop()
			o.stats.Lock()
			o.stats.failed++
			o.stats.Unlock()
			return
		}
		delay *= 2
		if delay > o.cfg.MaxDelay {
			delay = o.cfg.MaxDelay
		}
	}
}

// Close stops accepting writes and waits for pending ones to drain. When
// ctx expires first, retries are abandoned and ctx.Err() is returned.
func (o *Outbox) Close(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		<-o.done
		return nil
	}
	o.closed = true
	close(o.pending)
	o.mu.Unlock()

	select {
	case <-o.done:
		return nil
	case <-ctx.Done():
		close(o.stop)
		<-o.done
		return ctx.Err()
	}
}

// Stats contains outbox counters.
type Stats struct {
	Pending  int   `json:"pending"`
	Written  int64 `json:"written"`
	Retried  int64 `json:"retried"`
	Failed   int64 `json:"failed"`
	Rejected int64 `json:"rejected"`
}

// Stats returns outbox counters.
func (o *Outbox) Stats() Stats {
	o.stats.Lock()
	defer o.stats.Unlock()
	return Stats{
		Pending:  len(o.pending),
		Written:  o.stats.written,
		Retried:  o.stats.retried,
		Failed:   o.stats.failed,
		Rejected: o.stats.rejected,
	}
}
