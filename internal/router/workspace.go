package router

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/eldtechnologies/switchboard/internal/cache"
	"github.com/eldtechnologies/switchboard/internal/models"
	"github.com/eldtechnologies/switchboard/internal/queue"
)

const trackedPerWorkspace = 10000

// tracked is the router's view of one accepted message.
type tracked struct {
	senderID string
	state    models.DeliveryState
	report   *DeliveryReport
}

// workspace is the runtime state of one active tenant.
type workspace struct {
	id       string
	cfg      atomic.Pointer[models.TenantConfiguration]
	queue    *queue.WorkspaceQueue
	implicit bool

	// dispatch serializes draining so priority order holds across callers.
	dispatch sync.Mutex

	trackMu sync.Mutex
	tracked *cache.TTL[string, *tracked]

	lastActive atomic.Int64 // unix nanos
	stop       chan struct{}
	done       chan struct{}
}

func newWorkspace(cfg models.TenantConfiguration, q *queue.WorkspaceQueue, implicit bool, now time.Time) *workspace {
	ttl := cfg.MessageTTL
	if ttl <= 0 {
		ttl = models.DefaultMessageTTL
	}
	ws := &workspace{
		id:       cfg.WorkspaceID,
		queue:    q,
		implicit: implicit,
		tracked:  cache.NewTTL[string, *tracked](ttl, trackedPerWorkspace),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	ws.cfg.Store(&cfg)
	ws.touch(now)
	return ws
}

func (w *workspace) config() models.TenantConfiguration { return *w.cfg.Load() }

func (w *workspace) touch(now time.Time) { w.lastActive.Store(now.UnixNano()) }

func (w *workspace) idleSince() time.Time { return time.Unix(0, w.lastActive.Load()) }

func (w *workspace) track(msg *models.Message, state models.DeliveryState) {
	w.trackMu.Lock()
	defer w.trackMu.Unlock()
	w.tracked.Set(msg.ID, &tracked{senderID: msg.SenderID, state: state})
}

func (w *workspace) untrack(id string) {
	w.trackMu.Lock()
	defer w.trackMu.Unlock()
	w.tracked.Delete(id)
}

func (w *workspace) setState(id string, state models.DeliveryState, report *DeliveryReport) {
	w.trackMu.Lock()
	defer w.trackMu.Unlock()
	t, ok := w.tracked.Get(id)
	if !ok {
		return
	}
	t.state = state
	if report != nil {
		t.report = report
	}
}

// beginDelivery moves a queued message to Delivering unless it already
// reached a terminal state.
func (w *workspace) beginDelivery(id string) bool {
	w.trackMu.Lock()
	defer w.trackMu.Unlock()
	t, ok := w.tracked.Get(id)
	if !ok {
		return true
	}
	if t.state.Terminal() {
		return false
	}
	t.state = models.StateDelivering
	return true
}

func (w *workspace) lookup(id string) (tracked, bool) {
	w.trackMu.Lock()
	defer w.trackMu.Unlock()
	t, ok := w.tracked.Get(id)
	if !ok {
		return tracked{}, false
	}
	return *t, true
}
