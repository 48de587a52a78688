package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/switchboard/internal/events"
	"github.com/eldtechnologies/switchboard/internal/models"
)

type fakeSender struct {
	mu     sync.Mutex
	frames []models.Frame
	closed bool
}

func (s *fakeSender) Send(ctx context.Context, f models.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return models.ErrConnectionGone
	}
	s.frames = append(s.frames, f)
	return nil
}

func (s *fakeSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func conn(id, ws, user string, channels ...string) models.ConnectionContext {
	return models.ConnectionContext{ConnectionID: id, WorkspaceID: ws, UserID: user, Channels: channels}
}

func ids(targets []Target) []string {
	out := make([]string, len(targets))
	for i, t := range targets {
		out[i] = t.ConnectionID
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestResolveTargets_IsolatesWorkspaces(t *testing.T) {
	r := New(Config{}, zerolog.Nop())
	// The same user ID exists in both workspaces.
	must(t, r.Register(conn("c1", "ws-1", "alice", "general"), &fakeSender{}))
	must(t, r.Register(conn("c2", "ws-2", "alice", "general"), &fakeSender{}))
	must(t, r.Register(conn("c3", "ws-1", "bob", "general"), &fakeSender{}))

	if got := ids(r.ResolveTargets("ws-1", "alice", "")); !equal(got, []string{"c1"}) {
		t.Fatalf("direct targets = %v, want [c1]", got)
	}
	if got := ids(r.ResolveTargets("ws-1", "", "general")); !equal(got, []string{"c1", "c3"}) {
		t.Fatalf("channel targets = %v, want [c1 c3]", got)
	}
	if got := ids(r.ResolveTargets("ws-2", "", "general")); !equal(got, []string{"c2"}) {
		t.Fatalf("ws-2 channel targets = %v, want [c2]", got)
	}
	if got := r.ResolveTargets("ws-1", "", ""); got != nil {
		t.Fatalf("no recipient or channel = %v, want nil", got)
	}
	if got := r.ResolveTargets("ws-3", "alice", ""); got != nil {
		t.Fatalf("unknown workspace = %v, want nil", got)
	}
}

func TestRegister_ConnectionLimit(t *testing.T) {
	r := New(Config{Limit: func(string) int { return 2 }}, zerolog.Nop())
	must(t, r.Register(conn("c1", "ws-1", "a"), &fakeSender{}))
	must(t, r.Register(conn("c2", "ws-1", "b"), &fakeSender{}))
	if err := r.Register(conn("c3", "ws-1", "c"), &fakeSender{}); !errors.Is(err, models.ErrConnectionLimit) {
		t.Fatalf("err = %v, want ErrConnectionLimit", err)
	}
	// The cap is per workspace.
	must(t, r.Register(conn("c4", "ws-2", "c"), &fakeSender{}))
}

func TestRegister_Validation(t *testing.T) {
	r := New(Config{}, zerolog.Nop())
	if err := r.Register(conn("", "ws-1", "a"), &fakeSender{}); !errors.Is(err, models.ErrInvalidContext) {
		t.Fatalf("err = %v, want ErrInvalidContext", err)
	}
	must(t, r.Register(conn("c1", "ws-1", "a"), &fakeSender{}))
	if err := r.Register(conn("c1", "ws-2", "a"), &fakeSender{}); !errors.Is(err, ErrDuplicateConnection) {
		t.Fatalf("err = %v, want ErrDuplicateConnection", err)
	}
}

func TestUnregister_IdempotentAndCloses(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	sub := bus.Subscribe(8, events.ConnectionOpened, events.ConnectionClosed)

	r := New(Config{Events: bus}, zerolog.Nop())
	s := &fakeSender{}
	must(t, r.Register(conn("c1", "ws-1", "alice", "general"), s))

	cc, ok := r.Unregister("c1")
	if !ok || cc.UserID != "alice" || len(cc.Channels) != 1 {
		t.Fatalf("Unregister = %+v, %v", cc, ok)
	}
	if !s.closed {
		t.Fatal("sender not closed")
	}
	if _, ok := r.Unregister("c1"); ok {
		t.Fatal("second Unregister reported success")
	}
	if r.Online("ws-1", "alice") || r.Count("ws-1") != 0 {
		t.Fatal("connection still indexed")
	}

	kinds := []events.Kind{(<-sub.C).Kind, (<-sub.C).Kind}
	if kinds[0] != events.ConnectionOpened || kinds[1] != events.ConnectionClosed {
		t.Fatalf("events = %v", kinds)
	}
}

func TestJoinLeave(t *testing.T) {
	r := New(Config{}, zerolog.Nop())
	must(t, r.Register(conn("c1", "ws-1", "alice"), &fakeSender{}))

	must(t, r.Join("c1", "random"))
	if got := ids(r.ResolveTargets("ws-1", "", "random")); !equal(got, []string{"c1"}) {
		t.Fatalf("after join = %v", got)
	}
	if got := ids(r.Subscribers("ws-1")); !equal(got, []string{"c1"}) {
		t.Fatalf("subscribers = %v", got)
	}
	must(t, r.Leave("c1", "random"))
	if got := r.ResolveTargets("ws-1", "", "random"); got != nil {
		t.Fatalf("after leave = %v", got)
	}
	if err := r.Join("missing", "random"); !errors.Is(err, models.ErrConnectionGone) {
		t.Fatalf("Join(missing) = %v, want ErrConnectionGone", err)
	}
	if err := r.Join("c1", ""); !errors.Is(err, models.ErrInvalidRecipient) {
		t.Fatalf("Join(empty) = %v, want ErrInvalidRecipient", err)
	}
}

func TestSweep_RemovesAfterTwoMissedHeartbeats(t *testing.T) {
	now := time.Now()
	r := New(Config{HeartbeatInterval: 10 * time.Second}, zerolog.Nop())
	r.now = func() time.Time { return now }

	stale, fresh := &fakeSender{}, &fakeSender{}
	must(t, r.Register(conn("c1", "ws-1", "alice"), stale))
	must(t, r.Register(conn("c2", "ws-1", "bob"), fresh))

	now = now.Add(15 * time.Second)
	r.Touch("c2")
	if n := r.Sweep(now); n != 0 {
		t.Fatalf("Sweep after one interval removed %d", n)
	}

	now = now.Add(10 * time.Second)
	if n := r.Sweep(now); n != 1 {
		t.Fatalf("Sweep removed %d, want 1", n)
	}
	if !stale.closed || fresh.closed {
		t.Fatalf("stale closed = %v, fresh closed = %v", stale.closed, fresh.closed)
	}
	if _, ok := r.Connection("c2"); !ok {
		t.Fatal("fresh connection removed")
	}
}

func TestCloseWorkspace(t *testing.T) {
	r := New(Config{}, zerolog.Nop())
	must(t, r.Register(conn("c1", "ws-1", "alice"), &fakeSender{}))
	must(t, r.Register(conn("c2", "ws-1", "bob"), &fakeSender{}))
	must(t, r.Register(conn("c3", "ws-2", "bob"), &fakeSender{}))

	if n := r.CloseWorkspace("ws-1"); n != 2 {
		t.Fatalf("CloseWorkspace = %d, want 2", n)
	}
	if r.Count("ws-1") != 0 || r.Count("ws-2") != 1 {
		t.Fatalf("counts = %d, %d", r.Count("ws-1"), r.Count("ws-2"))
	}
}

func TestConcurrentRegister(t *testing.T) {
	r := New(Config{Limit: func(string) int { return 1000 }}, zerolog.Nop())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('A'+i%26)) + string(rune('a'+i/26))
			if err := r.Register(conn(id, "ws-1", "user"), &fakeSender{}); err != nil {
				t.Errorf("Register: %v", err)
			}
			r.ResolveTargets("ws-1", "user", "")
		}(i)
	}
	wg.Wait()
	if n := r.Count("ws-1"); n != 50 {
		t.Fatalf("Count = %d, want 50", n)
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// lookupPublisher reads the registry from inside Publish, the way a
// synchronous consumer would.
type lookupPublisher struct {
	reg     *Registry
	mu      sync.Mutex
	kinds   []events.Kind
	blocked int
}

func (p *lookupPublisher) Publish(ev events.Event) {
	done := make(chan struct{})
	go func() {
		p.reg.Count(ev.WorkspaceID)
		close(done)
	}()
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-done:
	case <-time.After(time.Second):
		p.blocked++
	}
	p.kinds = append(p.kinds, ev.Kind)
}

func TestConnectionEvents_PublishedOutsideLock(t *testing.T) {
	pub := &lookupPublisher{}
	r := New(Config{Events: pub, HeartbeatInterval: time.Second}, zerolog.Nop())
	pub.reg = r

	must(t, r.Register(conn("c1", "ws-1", "alice"), &fakeSender{}))
	must(t, r.Register(conn("c2", "ws-1", "bob"), &fakeSender{}))
	r.Unregister("c1")
	r.Sweep(time.Now().Add(time.Hour))

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if pub.blocked != 0 {
		t.Fatalf("%d events published while the registry was locked", pub.blocked)
	}
	if len(pub.kinds) != 4 {
		t.Fatalf("events = %v, want 2 opened and 2 closed", pub.kinds)
	}
}
