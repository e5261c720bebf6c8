// Package realtime multiplexes many logical subscribers onto a small
// number of persistent pub/sub channels. It tracks per-channel health
// and latency and tears channels down exactly when no longer needed.
// The transport itself (a Phoenix-protocol WebSocket client or a test
// double) is supplied by the caller through the Transport interface.
package realtime

// TransportStatus is a connection status reported by the transport's
// subscribe callback.
type TransportStatus string

const (
	StatusSubscribed   TransportStatus = "SUBSCRIBED"
	StatusChannelError TransportStatus = "CHANNEL_ERROR"
	StatusTimedOut     TransportStatus = "TIMED_OUT"
	StatusClosed       TransportStatus = "CLOSED"
)

// ChangeEvent represents a database change delivered on a table channel.
type ChangeEvent struct {
	Schema          string         `json:"schema"`
	Table           string         `json:"table"`
	CommitTimestamp string         `json:"commit_timestamp"`
	EventType       string         `json:"eventType"` // INSERT, UPDATE, DELETE
	New             map[string]any `json:"new"`
	Old             map[string]any `json:"old"`
}

// Change event types.
const (
	EventInsert = "INSERT"
	EventUpdate = "UPDATE"
	EventDelete = "DELETE"
	EventAll    = "*"
)

// PresenceState maps a presence key to the list of presence records
// currently tracked under it.
type PresenceState map[string][]map[string]any

// PostgresChange describes one table-change subscription on a channel.
type PostgresChange struct {
	Event  string `json:"event"`  // INSERT, UPDATE, DELETE, *
	Schema string `json:"schema"` // "public"
	Table  string `json:"table"`
	Filter string `json:"filter"` // e.g. "user_id=eq.123", optional
}

// BroadcastConfig holds broadcast options for a channel.
type BroadcastConfig struct {
	Ack  bool `json:"ack"`
	Self bool `json:"self"`
}

// PresenceConfig holds presence options for a channel.
type PresenceConfig struct {
	Key string `json:"key"`
}

// ChannelConfig describes the subscription mode of a channel. Exactly
// one of Postgres, Presence, or BroadcastEvents is populated; the
// config is immutable for the lifetime of the managed channel.
type ChannelConfig struct {
	Postgres        []PostgresChange
	Presence        *PresenceConfig
	Broadcast       *BroadcastConfig
	BroadcastEvents []string
}

// Transport is the external realtime collaborator. Implementations
// must be safe for concurrent use.
type Transport interface {
	// Channel creates a new channel handle for the given name. The
	// handle is inert until Subscribe is called on it.
	Channel(name string, cfg ChannelConfig) ChannelHandle

	// RemoveChannel tears down a channel handle and releases its
	// transport-side resources.
	RemoveChannel(h ChannelHandle) error
}

// ChannelHandle is one transport-level pub/sub connection. Event
// callbacks must be registered before Subscribe.
type ChannelHandle interface {
	OnPostgresChange(fn func(ChangeEvent))
	OnBroadcast(event string, fn func(payload map[string]any))
	OnPresenceSync(fn func())
	OnPresenceJoin(fn func(key string, current, joined []map[string]any))
	OnPresenceLeave(fn func(key string, current, left []map[string]any))

	// Subscribe opens the connection. The status callback may be
	// invoked multiple times as the connection's state changes.
	Subscribe(status func(TransportStatus, error))

	SendBroadcast(event string, payload map[string]any) error
	Track(data map[string]any) error
	Untrack() error
	PresenceState() PresenceState
}
