package realtime

// ListenerKind discriminates the listener variants.
type ListenerKind string

const (
	KindTableChange ListenerKind = "table_change"
	KindPresence    ListenerKind = "presence"
	KindBroadcast   ListenerKind = "broadcast"
)

// TableHandlers holds the per-event callbacks for a table-change
// listener. Any field may be nil. OnChange, when set, is invoked for
// every delivered event after the event-specific callback.
type TableHandlers struct {
	OnInsert func(ChangeEvent)
	OnUpdate func(ChangeEvent)
	OnDelete func(ChangeEvent)
	OnChange func(ChangeEvent)
}

// PresenceHandlers holds the callbacks for a presence listener.
// OnSync receives the full presence snapshot; OnJoin and OnLeave
// receive the affected key, the current list for that key, and the
// records that joined or left.
type PresenceHandlers struct {
	OnSync  func(state PresenceState)
	OnJoin  func(key string, current, joined []map[string]any)
	OnLeave func(key string, current, left []map[string]any)
}

// BroadcastHandler receives a named broadcast event and its payload.
type BroadcastHandler func(event string, payload map[string]any)

// listener is a registered callback bound to one managed channel.
// Exactly one handler set is populated, matching kind; dispatch
// switches on kind explicitly rather than probing handler fields.
type listener struct {
	id   string
	kind ListenerKind

	// table_change routing: deliver only events matching this type
	// ("*" matches all).
	eventFilter string

	// broadcast routing: allow-listed event names.
	events map[string]bool

	table     TableHandlers
	presence  PresenceHandlers
	broadcast BroadcastHandler
}

// wants reports whether a table-change listener should receive an
// event of the given type.
func (l *listener) wants(eventType string) bool {
	return l.eventFilter == EventAll || l.eventFilter == eventType
}
