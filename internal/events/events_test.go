package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func recv(t *testing.T, s *Subscription) Event {
	t.Helper()
	select {
	case ev := <-s.C:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestBus_FilterByKind(t *testing.T) {
	bus := NewBus()
	all := bus.Subscribe(4)
	presence := bus.Subscribe(4, PresenceChanged)

	bus.Publish(Event{Kind: ConnectionOpened, WorkspaceID: "w1"})
	bus.Publish(Event{Kind: PresenceChanged, WorkspaceID: "w1"})

	if ev := recv(t, all); ev.Kind != ConnectionOpened || ev.At.IsZero() {
		t.Fatalf("all got %+v", ev)
	}
	recv(t, all)
	if ev := recv(t, presence); ev.Kind != PresenceChanged {
		t.Fatalf("presence got %+v", ev)
	}
	select {
	case ev := <-presence.C:
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestBus_SlowSubscriberDrops(t *testing.T) {
	bus := NewBus()
	s := bus.Subscribe(1)
	bus.Publish(Event{Kind: MessageReady})
	bus.Publish(Event{Kind: MessageReady})

	if bus.Dropped() != 1 {
		t.Fatalf("Dropped() = %d, want 1", bus.Dropped())
	}
	recv(t, s)
}

func TestBus_UnsubscribeAndClose(t *testing.T) {
	bus := NewBus()
	s := bus.Subscribe(1)
	s.Unsubscribe()
	s.Unsubscribe()
	if _, ok := <-s.C; ok {
		t.Fatal("channel should be closed after Unsubscribe")
	}

	s2 := bus.Subscribe(1)
	bus.Close()
	if _, ok := <-s2.C; ok {
		t.Fatal("channel should be closed after Close")
	}
	bus.Publish(Event{Kind: MessageReady}) // no panic after close
}

type recordingSink struct {
	mu   sync.Mutex
	keys []string
	fail bool
}

func (s *recordingSink) Send(ctx context.Context, key string, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, key)
	if s.fail {
		return errors.New("broker down")
	}
	return nil
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.keys...)
}

func TestForwarder_RoutingKeys(t *testing.T) {
	bus := NewBus()
	sink := &recordingSink{}
	f := NewForwarder(bus, sink, zerolog.Nop(), MessageRejected, KeyRotated)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.Run(ctx)
		close(done)
	}()

	bus.Publish(Event{Kind: MessageRejected, WorkspaceID: "acme"})
	bus.Publish(Event{Kind: PresenceChanged, WorkspaceID: "acme"})
	bus.Publish(Event{Kind: KeyRotated, WorkspaceID: "globex"})

	deadline := time.Now().Add(time.Second)
	for len(sink.Keys()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	keys := sink.Keys()
	if len(keys) != 2 || keys[0] != "workspace.acme.message.rejected" || keys[1] != "workspace.globex.key.rotated" {
		t.Fatalf("keys = %v", keys)
	}
}

func TestForwarder_SurvivesSinkErrors(t *testing.T) {
	bus := NewBus()
	sink := &recordingSink{fail: true}
	f := NewForwarder(bus, sink, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)

	bus.Publish(Event{Kind: MessageReady, WorkspaceID: "w1"})
	bus.Publish(Event{Kind: MessageReady, WorkspaceID: "w1"})

	deadline := time.Now().Add(time.Second)
	for len(sink.Keys()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := len(sink.Keys()); n != 2 {
		t.Fatalf("sink saw %d events, want 2", n)
	}
}

func TestFallbackSink(t *testing.T) {
	s := NewFallbackSink(zerolog.Nop())
	if err := s.Send(context.Background(), "k", Event{}); err != nil {
		t.Fatalf("Send() = %v", err)
	}
}
