package realtime

import (
	"sync"
	"testing"
	"time"
)

// fakeHandle is a scriptable ChannelHandle for driving the manager.
type fakeHandle struct {
	mu           sync.Mutex
	name         string
	cfg          ChannelConfig
	transport    *fakeTransport
	pgFn         func(ChangeEvent)
	broadcastFns map[string]func(map[string]any)
	syncFn       func()
	joinFn       func(string, []map[string]any, []map[string]any)
	leaveFn      func(string, []map[string]any, []map[string]any)
	statusFn     func(TransportStatus, error)
	subscribed   bool

	sends   []sentBroadcast
	tracked []map[string]any
	state   PresenceState
}

type sentBroadcast struct {
	event   string
	payload map[string]any
}

func (h *fakeHandle) OnPostgresChange(fn func(ChangeEvent)) {
	h.mu.Lock()
	h.pgFn = fn
	h.mu.Unlock()
}

func (h *fakeHandle) OnBroadcast(event string, fn func(map[string]any)) {
	h.mu.Lock()
	h.broadcastFns[event] = fn
	h.mu.Unlock()
}

func (h *fakeHandle) OnPresenceSync(fn func()) {
	h.mu.Lock()
	h.syncFn = fn
	h.mu.Unlock()
}

func (h *fakeHandle) OnPresenceJoin(fn func(string, []map[string]any, []map[string]any)) {
	h.mu.Lock()
	h.joinFn = fn
	h.mu.Unlock()
}

func (h *fakeHandle) OnPresenceLeave(fn func(string, []map[string]any, []map[string]any)) {
	h.mu.Lock()
	h.leaveFn = fn
	h.mu.Unlock()
}

func (h *fakeHandle) Subscribe(status func(TransportStatus, error)) {
	h.mu.Lock()
	h.statusFn = status
	h.subscribed = true
	auto := h.transport.autoSubscribe
	h.mu.Unlock()
	if auto {
		status(StatusSubscribed, nil)
	}
}

func (h *fakeHandle) SendBroadcast(event string, payload map[string]any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sends = append(h.sends, sentBroadcast{event: event, payload: payload})
	return nil
}

func (h *fakeHandle) Track(data map[string]any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tracked = append(h.tracked, data)
	return nil
}

func (h *fakeHandle) Untrack() error { return nil }

func (h *fakeHandle) PresenceState() PresenceState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// emitStatus drives the manager's status callback from a test.
func (h *fakeHandle) emitStatus(st TransportStatus, err error) {
	h.mu.Lock()
	fn := h.statusFn
	h.mu.Unlock()
	if fn != nil {
		fn(st, err)
	}
}

func (h *fakeHandle) deliverChange(ev ChangeEvent) {
	h.mu.Lock()
	fn := h.pgFn
	h.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func (h *fakeHandle) deliverBroadcast(event string, payload map[string]any) {
	h.mu.Lock()
	fn := h.broadcastFns[event]
	h.mu.Unlock()
	if fn != nil {
		fn(payload)
	}
}

func (h *fakeHandle) deliverPresenceSync() {
	h.mu.Lock()
	fn := h.syncFn
	h.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (h *fakeHandle) deliverPresenceJoin(key string, current, joined []map[string]any) {
	h.mu.Lock()
	fn := h.joinFn
	h.mu.Unlock()
	if fn != nil {
		fn(key, current, joined)
	}
}

func (h *fakeHandle) deliverPresenceLeave(key string, current, left []map[string]any) {
	h.mu.Lock()
	fn := h.leaveFn
	h.mu.Unlock()
	if fn != nil {
		fn(key, current, left)
	}
}

func (h *fakeHandle) sendCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sends)
}

func (h *fakeHandle) trackCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.tracked)
}

// fakeTransport records every channel it creates and removes.
type fakeTransport struct {
	mu            sync.Mutex
	autoSubscribe bool
	created       []*fakeHandle
	removed       []*fakeHandle
}

func newFakeTransport(autoSubscribe bool) *fakeTransport {
	return &fakeTransport{autoSubscribe: autoSubscribe}
}

func (t *fakeTransport) Channel(name string, cfg ChannelConfig) ChannelHandle {
	h := &fakeHandle{
		name:         name,
		cfg:          cfg,
		transport:    t,
		broadcastFns: make(map[string]func(map[string]any)),
		state:        make(PresenceState),
	}
	t.mu.Lock()
	t.created = append(t.created, h)
	t.mu.Unlock()
	return h
}

func (t *fakeTransport) RemoveChannel(h ChannelHandle) error {
	fh := h.(*fakeHandle)
	t.mu.Lock()
	t.removed = append(t.removed, fh)
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) createdCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.created)
}

func (t *fakeTransport) removedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.removed)
}

func (t *fakeTransport) handle(i int) *fakeHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.created[i]
}

func (t *fakeTransport) lastHandle() *fakeHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.created) == 0 {
		return nil
	}
	return t.created[len(t.created)-1]
}

// waitUntil polls cond until it holds or the deadline passes.
func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}
