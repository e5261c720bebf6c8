package realtime

import (
	"fmt"
	"time"

	"github.com/markb/rtmux/internal/log"
)

// defaultHeartbeat is the interval of the periodic health notification.
const defaultHeartbeat = 30 * time.Second

// healthLatencyWindow is how many recent samples per connected channel
// feed the aggregate latency average.
const healthLatencyWindow = 10

// ConnectionQuality buckets the aggregate latency.
type ConnectionQuality string

const (
	QualityExcellent ConnectionQuality = "excellent" // <= 100ms
	QualityGood      ConnectionQuality = "good"      // <= 200ms
	QualityFair      ConnectionQuality = "fair"      // <= 500ms
	QualityPoor      ConnectionQuality = "poor"
)

// ConnectionHealth is an aggregated point-in-time view of connectivity
// across the whole registry. Only connected channels contribute.
type ConnectionHealth struct {
	IsConnected      bool              `json:"is_connected"`
	ActiveChannels   int               `json:"active_channels"`
	TotalListeners   int               `json:"total_listeners"`
	AverageLatencyMs float64           `json:"average_latency_ms"`
	Quality          ConnectionQuality `json:"connection_quality"`
}

// Health computes the current health snapshot.
func (m *Manager) Health() ConnectionHealth {
	m.mu.Lock()
	defer m.mu.Unlock()

	var h ConnectionHealth
	var sum time.Duration
	var samples int
	for _, ch := range m.channels {
		if ch.status != ChannelConnected {
			continue
		}
		h.ActiveChannels++
		h.TotalListeners += len(ch.listeners)
		for _, d := range ch.metrics.latency.last(healthLatencyWindow) {
			sum += d
			samples++
		}
	}
	h.IsConnected = h.ActiveChannels > 0
	if samples > 0 {
		h.AverageLatencyMs = float64(sum) / float64(time.Millisecond) / float64(samples)
	}
	h.Quality = qualityFor(h.AverageLatencyMs)
	return h
}

func qualityFor(avgMs float64) ConnectionQuality {
	switch {
	case avgMs <= 100:
		return QualityExcellent
	case avgMs <= 200:
		return QualityGood
	case avgMs <= 500:
		return QualityFair
	default:
		return QualityPoor
	}
}

// OnHealthChange registers a callback invoked on the periodic
// heartbeat and immediately after every channel status transition.
// The returned closure removes the callback; it is safe to call twice.
func (m *Manager) OnHealthChange(fn func(ConnectionHealth)) UnsubscribeFunc {
	m.mu.Lock()
	m.nextHealthID++
	id := m.nextHealthID
	m.healthListeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.healthListeners, id)
		m.mu.Unlock()
	}
}

// notifyHealth fans the current snapshot out to every health listener.
// Listener panics are logged, never propagated.
func (m *Manager) notifyHealth() {
	h := m.Health()
	m.mu.Lock()
	fns := make([]func(ConnectionHealth), 0, len(m.healthListeners))
	for _, fn := range m.healthListeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error("realtime: health listener panic", "panic", fmt.Sprint(r))
				}
			}()
			fn(h)
		}()
	}
}

// heartbeatLoop drives the periodic health notification until Destroy.
func (m *Manager) heartbeatLoop() {
	ticker := time.NewTicker(m.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.notifyHealth()
		case <-m.done:
			return
		}
	}
}
