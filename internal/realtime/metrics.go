package realtime

import "time"

// latencyRingCapacity bounds the per-channel latency sample history.
const latencyRingCapacity = 100

// latencyRing is a fixed-capacity circular buffer of dispatch latency
// samples, oldest evicted first. Not self-locking: the manager mutex
// guards all access.
type latencyRing struct {
	samples  []time.Duration
	capacity int
	head     int  // next write position
	full     bool // buffer has wrapped
}

func newLatencyRing(capacity int) *latencyRing {
	if capacity <= 0 {
		capacity = latencyRingCapacity
	}
	return &latencyRing{
		samples:  make([]time.Duration, capacity),
		capacity: capacity,
	}
}

// add records a sample, evicting the oldest if full.
func (r *latencyRing) add(d time.Duration) {
	r.samples[r.head] = d
	r.head = (r.head + 1) % r.capacity
	if r.head == 0 {
		r.full = true
	}
}

func (r *latencyRing) len() int {
	if r.full {
		return r.capacity
	}
	return r.head
}

// last returns up to n most recent samples, oldest first.
func (r *latencyRing) last(n int) []time.Duration {
	total := r.len()
	if n > total {
		n = total
	}
	if n <= 0 {
		return nil
	}
	out := make([]time.Duration, 0, n)
	start := r.head - n
	if start < 0 {
		start += r.capacity
	}
	for i := 0; i < n; i++ {
		out = append(out, r.samples[(start+i)%r.capacity])
	}
	return out
}

// channelMetrics holds the live counters for one managed channel.
// Guarded by the manager mutex.
type channelMetrics struct {
	connectedAt       time.Time
	disconnectedAt    time.Time
	lastMessageAt     time.Time
	reconnectAttempts int
	messagesReceived  int
	errorCount        int
	listenerCount     int
	latency           *latencyRing
}

func newChannelMetrics() *channelMetrics {
	return &channelMetrics{latency: newLatencyRing(latencyRingCapacity)}
}

// MetricsSnapshot is a point-in-time view of one channel's metrics.
type MetricsSnapshot struct {
	Channel           string    `json:"channel"`
	Status            Status    `json:"status"`
	ConnectedAt       time.Time `json:"connected_at"`
	DisconnectedAt    time.Time `json:"disconnected_at"`
	LastMessageAt     time.Time `json:"last_message_at"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
	MessagesReceived  int       `json:"messages_received"`
	ErrorCount        int       `json:"error_count"`
	ListenerCount     int       `json:"listener_count"`
	LatencySamples    int       `json:"latency_samples"`
	AverageLatencyMs  float64   `json:"average_latency_ms"`
}

func (c *managedChannel) snapshot() MetricsSnapshot {
	m := c.metrics
	return MetricsSnapshot{
		Channel:           c.key,
		Status:            c.status,
		ConnectedAt:       m.connectedAt,
		DisconnectedAt:    m.disconnectedAt,
		LastMessageAt:     m.lastMessageAt,
		ReconnectAttempts: m.reconnectAttempts,
		MessagesReceived:  m.messagesReceived,
		ErrorCount:        m.errorCount,
		ListenerCount:     m.listenerCount,
		LatencySamples:    m.latency.len(),
		AverageLatencyMs:  averageMs(m.latency.last(m.latency.len())),
	}
}

func averageMs(samples []time.Duration) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range samples {
		sum += d
	}
	return float64(sum) / float64(time.Millisecond) / float64(len(samples))
}

// ChannelMetrics returns a snapshot for one channel by key.
func (m *Manager) ChannelMetrics(key string) (MetricsSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[key]
	if !ok {
		return MetricsSnapshot{}, false
	}
	return ch.snapshot(), true
}

// AllMetrics returns snapshots for every channel in the registry.
func (m *Manager) AllMetrics() map[string]MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]MetricsSnapshot, len(m.channels))
	for key, ch := range m.channels {
		out[key] = ch.snapshot()
	}
	return out
}
