package realtime

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/markb/rtmux/internal/log"
	"github.com/markb/rtmux/internal/observability"
)

// Status of a managed channel.
type Status string

const (
	ChannelDisconnected Status = "disconnected"
	ChannelConnecting   Status = "connecting"
	ChannelConnected    Status = "connected"
	ChannelError        Status = "error"
)

// UnsubscribeFunc removes a listener. Safe to call more than once;
// calls after the first are no-ops.
type UnsubscribeFunc func()

// managedChannel is one logical multiplexed subscription unit, mapped
// 1:1 to a single transport channel. All fields are guarded by the
// manager mutex.
type managedChannel struct {
	key    string
	cfg    ChannelConfig
	status Status
	handle ChannelHandle // nil while disconnected

	// gen is replaced with a fresh manager-wide value every time the
	// handle is replaced or torn down; callbacks captured against an
	// older gen are ignored, so a subscribe racing an in-flight
	// teardown never sees a stale handle. Manager-wide so a channel
	// deleted and recreated under the same key cannot reuse a value a
	// stale handle still holds.
	gen int

	listeners map[string]*listener
	metrics   *channelMetrics
}

// Manager multiplexes subscribers onto managed channels. Construct one
// per process at the composition root and call Destroy at shutdown.
type Manager struct {
	mu          sync.Mutex
	transport   Transport
	channels map[string]*managedChannel
	genSeq   int

	healthListeners map[int]func(ConnectionHealth)
	nextHealthID    int
	heartbeat       time.Duration

	obs *observability.Metrics // nil when export disabled

	done        chan struct{}
	destroyOnce sync.Once
}

// Option configures a Manager.
type Option func(*Manager)

// WithHeartbeatInterval overrides the health notification heartbeat.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.heartbeat = d
		}
	}
}

// WithMetrics wires OpenTelemetry instruments into the dispatch path.
func WithMetrics(obs *observability.Metrics) Option {
	return func(m *Manager) { m.obs = obs }
}

// New creates a Manager on the given transport and starts its health
// heartbeat.
func New(t Transport, opts ...Option) *Manager {
	m := &Manager{
		transport:       t,
		channels:        make(map[string]*managedChannel),
		healthListeners: make(map[int]func(ConnectionHealth)),
		heartbeat:       defaultHeartbeat,
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.heartbeatLoop()
	return m
}

// Destroy disconnects every channel and stops the health heartbeat.
func (m *Manager) Destroy() {
	m.destroyOnce.Do(func() {
		close(m.done)
		m.DisconnectAll()
	})
}

// TableOptions configures a table-change subscription.
type TableOptions struct {
	Schema string // defaults to "public"
	Event  string // INSERT, UPDATE, DELETE or "*" (default)
	Filter string // PostgREST-style filter, e.g. "user_id=eq.123"

	OnInsert func(ChangeEvent)
	OnUpdate func(ChangeEvent)
	OnDelete func(ChangeEvent)
	OnChange func(ChangeEvent)
}

// SubscribeToTable registers a listener for database changes on a
// table. Calls with the same table and filter share one transport
// channel. Never fails; connection problems surface through metrics
// and health snapshots only.
func (m *Manager) SubscribeToTable(table string, opts TableOptions) UnsubscribeFunc {
	schema := opts.Schema
	if schema == "" {
		schema = "public"
	}
	event := opts.Event
	if event == "" {
		event = EventAll
	}
	key := tableKey(table, opts.Filter)
	cfg := ChannelConfig{Postgres: []PostgresChange{{
		Event:  EventAll,
		Schema: schema,
		Table:  table,
		Filter: opts.Filter,
	}}}
	l := &listener{
		kind:        KindTableChange,
		eventFilter: event,
		table: TableHandlers{
			OnInsert: opts.OnInsert,
			OnUpdate: opts.OnUpdate,
			OnDelete: opts.OnDelete,
			OnChange: opts.OnChange,
		},
	}
	return m.addListener(key, cfg, l)
}

// PresenceOptions configures a presence subscription.
type PresenceOptions struct {
	PresenceKey string // this client's key in the shared state
	OnSync      func(state PresenceState)
	OnJoin      func(key string, current, joined []map[string]any)
	OnLeave     func(key string, current, left []map[string]any)
}

// SubscribeToPresence registers a listener for presence events on a
// named channel.
func (m *Manager) SubscribeToPresence(channelName string, opts PresenceOptions) UnsubscribeFunc {
	key := presenceKey(channelName)
	cfg := ChannelConfig{Presence: &PresenceConfig{Key: opts.PresenceKey}}
	l := &listener{
		kind: KindPresence,
		presence: PresenceHandlers{
			OnSync:  opts.OnSync,
			OnJoin:  opts.OnJoin,
			OnLeave: opts.OnLeave,
		},
	}
	return m.addListener(key, cfg, l)
}

// BroadcastOptions configures a broadcast subscription.
type BroadcastOptions struct {
	Events    []string // allow-listed event names for this listener
	OnMessage BroadcastHandler
}

// SubscribeToBroadcast registers a listener for named broadcast events
// on a channel. Several listeners with different event allow-lists may
// share one channel per logical name.
func (m *Manager) SubscribeToBroadcast(channelName string, opts BroadcastOptions) UnsubscribeFunc {
	key := broadcastKey(channelName)
	events := make(map[string]bool, len(opts.Events))
	for _, ev := range opts.Events {
		events[ev] = true
	}
	cfg := ChannelConfig{
		Broadcast:       &BroadcastConfig{Self: true},
		BroadcastEvents: opts.Events,
	}
	l := &listener{
		kind:      KindBroadcast,
		events:    events,
		broadcast: opts.OnMessage,
	}
	return m.addListener(key, cfg, l)
}

// Channel key derivation. Table subscriptions with identical table and
// filter multiplex onto one channel; presence and broadcast live in
// disjoint namespaces so they cannot collide with table keys.
func tableKey(table, filter string) string {
	if filter != "" {
		return table + ":" + filter
	}
	return table
}

func presenceKey(name string) string { return "presence:" + name }

func broadcastKey(name string) string { return "broadcast:" + name }

// addListener resolves or creates the managed channel for key,
// registers the listener, and triggers a connect when the channel is
// not already connecting or connected.
func (m *Manager) addListener(key string, cfg ChannelConfig, l *listener) UnsubscribeFunc {
	m.mu.Lock()
	ch, ok := m.channels[key]
	if !ok {
		ch = &managedChannel{
			key:       key,
			cfg:       cfg,
			status:    ChannelDisconnected,
			listeners: make(map[string]*listener),
			metrics:   newChannelMetrics(),
		}
		m.channels[key] = ch
	}
	l.id = uuid.New().String()
	ch.listeners[l.id] = l
	ch.metrics.listenerCount = len(ch.listeners)
	m.mu.Unlock()

	log.Debug("realtime: listener added", "channel", key, "listener", l.id, "kind", string(l.kind))
	m.connectChannel(key)

	id := l.id
	var once sync.Once
	return func() {
		once.Do(func() { m.removeListener(key, id) })
	}
}

// removeListener drops a listener; when the channel's listener count
// reaches zero, the registry entry is deleted immediately and the
// transport teardown runs in the background.
func (m *Manager) removeListener(key, id string) {
	m.mu.Lock()
	ch, ok := m.channels[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	if _, ok := ch.listeners[id]; !ok {
		m.mu.Unlock()
		return
	}
	delete(ch.listeners, id)
	ch.metrics.listenerCount = len(ch.listeners)
	if len(ch.listeners) > 0 {
		m.mu.Unlock()
		log.Debug("realtime: listener removed", "channel", key, "listener", id, "remaining", ch.metrics.listenerCount)
		return
	}

	// Last listener gone: tear the channel down and delete it. A
	// dangling zero-listener entry must never remain in the registry.
	handle := ch.handle
	ch.handle = nil
	m.genSeq++
	ch.gen = m.genSeq
	ch.status = ChannelDisconnected
	ch.metrics.disconnectedAt = time.Now()
	delete(m.channels, key)
	m.mu.Unlock()

	log.Debug("realtime: channel torn down", "channel", key)
	if handle != nil {
		go func() {
			if err := m.transport.RemoveChannel(handle); err != nil {
				log.Debug("realtime: channel teardown failed", "channel", key, "error", err.Error())
			}
		}()
	}
}

// snapshotListeners returns the channel's listeners for dispatch, or
// nil when the channel no longer exists or the generation is stale.
func (m *Manager) snapshotListeners(key string, gen int) []*listener {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[key]
	if !ok || ch.gen != gen {
		return nil
	}
	out := make([]*listener, 0, len(ch.listeners))
	for _, l := range ch.listeners {
		out = append(out, l)
	}
	return out
}

// invoke runs one listener callback, isolating panics: a panicking
// listener is logged and counted as a channel error and must not
// prevent sibling listeners from seeing the same event.
func (m *Manager) invoke(key, listenerID string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("realtime: listener panic", "channel", key, "listener", listenerID, "panic", fmt.Sprint(r))
			m.mu.Lock()
			if ch, ok := m.channels[key]; ok {
				ch.metrics.errorCount++
			}
			m.mu.Unlock()
			if m.obs != nil {
				m.obs.RecordListenerPanic(key)
			}
		}
	}()
	fn()
}

// recordDispatch books one delivered event against the channel.
func (m *Manager) recordDispatch(key string, gen int, elapsed time.Duration) {
	m.mu.Lock()
	ch, ok := m.channels[key]
	if ok && ch.gen == gen {
		ch.metrics.messagesReceived++
		ch.metrics.lastMessageAt = time.Now()
		ch.metrics.latency.add(elapsed)
	}
	m.mu.Unlock()
	if ok && m.obs != nil {
		m.obs.RecordDispatch(key, elapsed)
	}
}

// dispatchChange routes a table change to every table listener on the
// channel: first the event-specific callback, then OnChange.
func (m *Manager) dispatchChange(key string, gen int, ev ChangeEvent) {
	start := time.Now()
	for _, l := range m.snapshotListeners(key, gen) {
		if l.kind != KindTableChange || !l.wants(ev.EventType) {
			continue
		}
		m.invoke(key, l.id, func() {
			switch ev.EventType {
			case EventInsert:
				if l.table.OnInsert != nil {
					l.table.OnInsert(ev)
				}
			case EventUpdate:
				if l.table.OnUpdate != nil {
					l.table.OnUpdate(ev)
				}
			case EventDelete:
				if l.table.OnDelete != nil {
					l.table.OnDelete(ev)
				}
			}
			if l.table.OnChange != nil {
				l.table.OnChange(ev)
			}
		})
	}
	m.recordDispatch(key, gen, time.Since(start))
}

// dispatchBroadcast routes a named broadcast event to every broadcast
// listener whose allow-list contains it.
func (m *Manager) dispatchBroadcast(key string, gen int, event string, payload map[string]any) {
	start := time.Now()
	for _, l := range m.snapshotListeners(key, gen) {
		if l.kind != KindBroadcast || !l.events[event] || l.broadcast == nil {
			continue
		}
		m.invoke(key, l.id, func() { l.broadcast(event, payload) })
	}
	m.recordDispatch(key, gen, time.Since(start))
}

// dispatchPresenceSync delivers the full presence snapshot to every
// presence listener.
func (m *Manager) dispatchPresenceSync(key string, gen int, state PresenceState) {
	start := time.Now()
	for _, l := range m.snapshotListeners(key, gen) {
		if l.kind != KindPresence || l.presence.OnSync == nil {
			continue
		}
		m.invoke(key, l.id, func() { l.presence.OnSync(state) })
	}
	m.recordDispatch(key, gen, time.Since(start))
}

// dispatchPresenceDiff delivers an incremental join or leave.
func (m *Manager) dispatchPresenceDiff(key string, gen int, join bool, presKey string, current, changed []map[string]any) {
	start := time.Now()
	for _, l := range m.snapshotListeners(key, gen) {
		if l.kind != KindPresence {
			continue
		}
		m.invoke(key, l.id, func() {
			if join {
				if l.presence.OnJoin != nil {
					l.presence.OnJoin(presKey, current, changed)
				}
			} else if l.presence.OnLeave != nil {
				l.presence.OnLeave(presKey, current, changed)
			}
		})
	}
	m.recordDispatch(key, gen, time.Since(start))
}

// Broadcast sends a fire-and-forget event on a broadcast channel. A
// send against a channel that is not connected is a logged no-op.
func (m *Manager) Broadcast(channelName, event string, payload map[string]any) {
	key := broadcastKey(channelName)
	m.mu.Lock()
	ch, ok := m.channels[key]
	var handle ChannelHandle
	if ok && ch.status == ChannelConnected {
		handle = ch.handle
	}
	m.mu.Unlock()

	if handle == nil {
		log.Warn("realtime: broadcast on disconnected channel, dropping", "channel", key, "event", event)
		return
	}
	if err := handle.SendBroadcast(event, payload); err != nil {
		log.Warn("realtime: broadcast send failed", "channel", key, "event", event, "error", err.Error())
	}
}

// TrackPresence publishes this client's presence payload. Calls while
// the channel is not connected are silently dropped; nothing is queued.
func (m *Manager) TrackPresence(channelName string, data map[string]any) {
	key := presenceKey(channelName)
	m.mu.Lock()
	ch, ok := m.channels[key]
	var handle ChannelHandle
	if ok && ch.status == ChannelConnected {
		handle = ch.handle
	}
	m.mu.Unlock()

	if handle == nil {
		log.Debug("realtime: track on disconnected channel, dropping", "channel", key)
		return
	}
	if err := handle.Track(data); err != nil {
		log.Debug("realtime: presence track failed", "channel", key, "error", err.Error())
	}
}
