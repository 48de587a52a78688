package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/switchboard/internal/models"
)

type flakyWriter struct {
	mu       sync.Mutex
	failures int // remaining failures before success
	messages []string
	audits   []string
	block    chan struct{}
}

func (w *flakyWriter) PersistMessage(ctx context.Context, msg *models.Message) error {
	if w.block != nil {
		<-w.block
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failures > 0 {
		w.failures--
		return errors.New("db unavailable")
	}
	w.messages = append(w.messages, msg.ID)
	return nil
}

func (w *flakyWriter) AppendAuditEntry(ctx context.Context, e models.AuditEntry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.audits = append(w.audits, e.ID)
	return nil
}

func fastConfig(size int) Config {
	return Config{Size: size, MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, OpTimeout: time.Second}
}

func TestOutbox_RetriesThenWrites(t *testing.T) {
	w := &flakyWriter{failures: 2}
	o := New(w, fastConfig(10), zerolog.Nop())

	msg := models.NewMessage("w1", models.TypeChat, models.TextContent{Text: "hi"})
	if err := o.PersistMessage(context.Background(), msg); err != nil {
		t.Fatalf("PersistMessage() = %v", err)
	}
	if err := o.AppendAuditEntry(context.Background(), models.AuditEntry{ID: "a1"}); err != nil {
		t.Fatalf("AppendAuditEntry() = %v", err)
	}
	if err := o.Close(context.Background()); err != nil {
		t.Fatalf("Close() = %v", err)
	}

	if len(w.messages) != 1 || w.messages[0] != msg.ID || len(w.audits) != 1 {
		t.Fatalf("writer saw messages=%v audits=%v", w.messages, w.audits)
	}
	if s := o.Stats(); s.Written != 2 || s.Retried != 2 || s.Failed != 0 {
		t.Fatalf("Stats() = %+v", s)
	}
}

func TestOutbox_GivesUpAfterMaxAttempts(t *testing.T) {
	w := &flakyWriter{failures: 10}
	o := New(w, fastConfig(10), zerolog.Nop())
	o.PersistMessage(context.Background(), models.NewMessage("w1", models.TypeChat, models.TextContent{Text: "x"}))
	o.Close(context.Background())

	if s := o.Stats(); s.Failed != 1 || s.Written != 0 {
		t.Fatalf("Stats() = %+v", s)
	}
}

func TestOutbox_Full(t *testing.T) {
	w := &flakyWriter{block: make(chan struct{})}
	o := New(w, fastConfig(1), zerolog.Nop())
	newMsg := func() *models.Message {
		return models.NewMessage("w1", models.TypeChat, models.TextContent{Text: "x"})
	}

	// First item is picked up by the worker and blocks; second fills the queue.
	o.PersistMessage(context.Background(), newMsg())
	deadline := time.Now().Add(time.Second)
	for o.Pending() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if err := o.PersistMessage(context.Background(), newMsg()); err != nil {
		t.Fatalf("second PersistMessage() = %v", err)
	}
	if err := o.PersistMessage(context.Background(), newMsg()); !errors.Is(err, ErrOutboxFull) {
		t.Fatalf("third PersistMessage() = %v, want ErrOutboxFull", err)
	}

	close(w.block)
	o.Close(context.Background())
	if err := o.PersistMessage(context.Background(), newMsg()); !errors.Is(err, ErrClosed) {
		t.Fatalf("after Close = %v, want ErrClosed", err)
	}
}

func TestOutbox_CloseDeadline(t *testing.T) {
	w := &flakyWriter{failures: 1000}
	cfg := fastConfig(10)
	cfg.MaxAttempts = 1000
	cfg.BaseDelay = 50 * time.Millisecond
	o := New(w, cfg, zerolog.Nop())
	o.PersistMessage(context.Background(), models.NewMessage("w1", models.TypeChat, models.TextContent{Text: "x"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := o.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Close() = %v, want DeadlineExceeded", err)
	}
}
