package realtime

import (
	"time"

	"github.com/markb/rtmux/internal/log"
)

// connectChannel opens the transport channel backing key. Guarded: a
// no-op while a connect is already in flight or the channel is
// connected, so concurrent subscribes on one key can never produce a
// duplicate transport subscription.
func (m *Manager) connectChannel(key string) {
	m.mu.Lock()
	ch, ok := m.channels[key]
	if !ok || ch.status == ChannelConnecting || ch.status == ChannelConnected {
		m.mu.Unlock()
		return
	}
	old := ch.handle
	ch.handle = nil
	m.genSeq++
	ch.gen = m.genSeq
	gen := ch.gen
	ch.status = ChannelConnecting
	cfg := ch.cfg
	m.mu.Unlock()

	if old != nil {
		go m.removeHandle(key, old)
	}

	handle := m.transport.Channel(key, cfg)
	m.wireHandle(key, gen, handle, cfg)

	m.mu.Lock()
	ch, ok = m.channels[key]
	if !ok || ch.gen != gen {
		// Torn down while we were wiring; discard the fresh handle.
		m.mu.Unlock()
		go m.removeHandle(key, handle)
		return
	}
	ch.handle = handle
	m.mu.Unlock()

	log.Debug("realtime: connecting channel", "channel", key)
	handle.Subscribe(func(st TransportStatus, err error) {
		m.handleStatus(key, gen, st, err)
	})
}

// wireHandle registers the event callbacks appropriate to the
// channel's subscription mode before the handle subscribes.
func (m *Manager) wireHandle(key string, gen int, h ChannelHandle, cfg ChannelConfig) {
	switch {
	case len(cfg.Postgres) > 0:
		h.OnPostgresChange(func(ev ChangeEvent) {
			m.dispatchChange(key, gen, ev)
		})
	case cfg.Presence != nil:
		h.OnPresenceSync(func() {
			m.dispatchPresenceSync(key, gen, h.PresenceState())
		})
		h.OnPresenceJoin(func(presKey string, current, joined []map[string]any) {
			m.dispatchPresenceDiff(key, gen, true, presKey, current, joined)
		})
		h.OnPresenceLeave(func(presKey string, current, left []map[string]any) {
			m.dispatchPresenceDiff(key, gen, false, presKey, current, left)
		})
	default:
		for _, event := range cfg.BroadcastEvents {
			h.OnBroadcast(event, func(payload map[string]any) {
				m.dispatchBroadcast(key, gen, event, payload)
			})
		}
	}
}

// handleStatus maps a transport status to the channel state machine.
// Every transition fires a health notification. Callbacks from a
// superseded handle generation are ignored.
func (m *Manager) handleStatus(key string, gen int, st TransportStatus, err error) {
	m.mu.Lock()
	ch, ok := m.channels[key]
	if !ok || ch.gen != gen {
		m.mu.Unlock()
		return
	}
	now := time.Now()
	switch st {
	case StatusSubscribed:
		ch.status = ChannelConnected
		ch.metrics.connectedAt = now
		ch.metrics.reconnectAttempts = 0
	case StatusChannelError:
		ch.status = ChannelError
		ch.metrics.errorCount++
	case StatusTimedOut:
		ch.status = ChannelError
		ch.metrics.disconnectedAt = now
	case StatusClosed:
		ch.status = ChannelDisconnected
		ch.metrics.disconnectedAt = now
	}
	status := ch.status
	m.mu.Unlock()

	if err != nil {
		log.Warn("realtime: channel status", "channel", key, "status", string(st), "error", err.Error())
	} else {
		log.Debug("realtime: channel status", "channel", key, "status", string(st))
	}
	if m.obs != nil {
		m.obs.RecordTransition(key, string(status))
	}
	m.notifyHealth()
}

// ReconnectChannel is the manual recovery primitive: it tears down any
// existing handle, resets the channel, and connects again. It is never
// invoked automatically on error; backoff policy belongs to the
// caller, typically driven from a health-change callback.
func (m *Manager) ReconnectChannel(key string) {
	m.mu.Lock()
	ch, ok := m.channels[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	old := ch.handle
	ch.handle = nil
	m.genSeq++
	ch.gen = m.genSeq
	ch.status = ChannelDisconnected
	ch.metrics.reconnectAttempts++
	attempts := ch.metrics.reconnectAttempts
	m.mu.Unlock()

	log.Info("realtime: reconnecting channel", "channel", key, "attempt", attempts)
	if old != nil {
		m.removeHandle(key, old)
	}
	m.connectChannel(key)
}

// DisconnectAll tears down every transport handle and clears the
// registry. Used at session or process teardown.
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	handles := make([]ChannelHandle, 0, len(m.channels))
	now := time.Now()
	for _, ch := range m.channels {
		if ch.handle != nil {
			handles = append(handles, ch.handle)
			ch.handle = nil
		}
		m.genSeq++
		ch.gen = m.genSeq
		ch.status = ChannelDisconnected
		ch.metrics.disconnectedAt = now
	}
	m.channels = make(map[string]*managedChannel)
	m.mu.Unlock()

	for _, h := range handles {
		m.removeHandle("", h)
	}
	log.Info("realtime: all channels disconnected", "count", len(handles))
}

func (m *Manager) removeHandle(key string, h ChannelHandle) {
	if err := m.transport.RemoveChannel(h); err != nil {
		log.Debug("realtime: remove channel failed", "channel", key, "error", err.Error())
	}
}
