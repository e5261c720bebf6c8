// Package phx implements a Phoenix Protocol v1.0.0 WebSocket client
// for Supabase-compatible realtime backends. It satisfies the
// realtime.Transport interface: one socket carries many channels for
// broadcast, presence, and postgres_changes.
package phx

import (
	"encoding/json"
	"fmt"

	"github.com/markb/rtmux/internal/realtime"
)

// Message is the Phoenix Protocol v1.0.0 wire format.
type Message struct {
	Event   string         `json:"event"`
	Topic   string         `json:"topic"`
	Payload map[string]any `json:"payload"`
	Ref     string         `json:"ref"`
	JoinRef string         `json:"join_ref,omitempty"`
}

// Client events
const (
	EventJoin        = "phx_join"
	EventLeave       = "phx_leave"
	EventHeartbeat   = "heartbeat"
	EventAccessToken = "access_token"
	EventBroadcast   = "broadcast"
	EventPresence    = "presence"
)

// Server events
const (
	EventReply         = "phx_reply"
	EventClose         = "phx_close"
	EventError         = "phx_error"
	EventSystem        = "system"
	EventPostgres      = "postgres_changes"
	EventPresenceState = "presence_state"
	EventPresenceDiff  = "presence_diff"
)

// Phoenix topic for heartbeats
const TopicPhoenix = "phoenix"

// newJoinMessage builds a phx_join for a channel configuration.
func newJoinMessage(topic, joinRef, ref, token string, cfg realtime.ChannelConfig) *Message {
	config := map[string]any{
		"broadcast": map[string]any{"ack": false, "self": true},
		"presence":  map[string]any{"key": ""},
		"private":   false,
	}
	if cfg.Broadcast != nil {
		config["broadcast"] = map[string]any{"ack": cfg.Broadcast.Ack, "self": cfg.Broadcast.Self}
	}
	if cfg.Presence != nil {
		config["presence"] = map[string]any{"key": cfg.Presence.Key}
	}
	if len(cfg.Postgres) > 0 {
		changes := make([]map[string]any, 0, len(cfg.Postgres))
		for _, pg := range cfg.Postgres {
			change := map[string]any{
				"event":  pg.Event,
				"schema": pg.Schema,
				"table":  pg.Table,
			}
			if pg.Filter != "" {
				change["filter"] = pg.Filter
			}
			changes = append(changes, change)
		}
		config["postgres_changes"] = changes
	}

	payload := map[string]any{"config": config}
	if token != "" {
		payload["access_token"] = token
	}
	return &Message{
		Event:   EventJoin,
		Topic:   topic,
		Payload: payload,
		Ref:     ref,
		JoinRef: joinRef,
	}
}

// newLeaveMessage builds a phx_leave.
func newLeaveMessage(topic, joinRef, ref string) *Message {
	return &Message{
		Event:   EventLeave,
		Topic:   topic,
		Payload: map[string]any{},
		Ref:     ref,
		JoinRef: joinRef,
	}
}

// newHeartbeatMessage builds a heartbeat on the phoenix topic.
func newHeartbeatMessage(ref string) *Message {
	return &Message{
		Event:   EventHeartbeat,
		Topic:   TopicPhoenix,
		Payload: map[string]any{},
		Ref:     ref,
	}
}

// newBroadcastMessage builds an outbound broadcast send.
func newBroadcastMessage(topic, joinRef, ref, event string, payload map[string]any) *Message {
	return &Message{
		Event: EventBroadcast,
		Topic: topic,
		Payload: map[string]any{
			"type":    "broadcast",
			"event":   event,
			"payload": payload,
		},
		Ref:     ref,
		JoinRef: joinRef,
	}
}

// newPresenceMessage builds a presence track or untrack send.
func newPresenceMessage(topic, joinRef, ref, event string, payload map[string]any) *Message {
	p := map[string]any{
		"type":  "presence",
		"event": event,
	}
	if payload != nil {
		p["payload"] = payload
	}
	return &Message{
		Event:   EventPresence,
		Topic:   topic,
		Payload: p,
		Ref:     ref,
		JoinRef: joinRef,
	}
}

// Encode serializes a message to JSON bytes.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage parses JSON bytes into a Message.
func DecodeMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("invalid message format: %w", err)
	}
	return &msg, nil
}

// replyStatus extracts the status string from a phx_reply payload.
func replyStatus(payload map[string]any) (status string, response map[string]any) {
	status, _ = payload["status"].(string)
	response, _ = payload["response"].(map[string]any)
	return status, response
}

// parseChangeEvent extracts a database change from a postgres_changes
// payload ({ids: [...], data: {...}}).
func parseChangeEvent(payload map[string]any) (realtime.ChangeEvent, error) {
	data, ok := payload["data"].(map[string]any)
	if !ok {
		return realtime.ChangeEvent{}, fmt.Errorf("postgres_changes payload missing data")
	}

	var ev realtime.ChangeEvent
	ev.Schema, _ = data["schema"].(string)
	ev.Table, _ = data["table"].(string)
	ev.CommitTimestamp, _ = data["commit_timestamp"].(string)
	ev.EventType, _ = data["eventType"].(string)
	if ev.EventType == "" {
		// Some servers use "type" instead
		ev.EventType, _ = data["type"].(string)
	}
	ev.New, _ = data["new"].(map[string]any)
	ev.Old, _ = data["old"].(map[string]any)
	if ev.EventType == "" {
		return realtime.ChangeEvent{}, fmt.Errorf("postgres_changes payload missing event type")
	}
	return ev, nil
}

// parsePresenceState converts a presence_state payload
// (key -> list of metas) into a realtime.PresenceState.
func parsePresenceState(payload map[string]any) realtime.PresenceState {
	state := make(realtime.PresenceState, len(payload))
	for key, v := range payload {
		state[key] = parseMetaList(v)
	}
	return state
}

// parsePresenceDiff converts a presence_diff payload into join and
// leave maps keyed by presence key.
func parsePresenceDiff(payload map[string]any) (joins, leaves map[string][]map[string]any) {
	joins = make(map[string][]map[string]any)
	leaves = make(map[string][]map[string]any)
	if j, ok := payload["joins"].(map[string]any); ok {
		for key, v := range j {
			joins[key] = parseMetaList(v)
		}
	}
	if l, ok := payload["leaves"].(map[string]any); ok {
		for key, v := range l {
			leaves[key] = parseMetaList(v)
		}
	}
	return joins, leaves
}

func parseMetaList(v any) []map[string]any {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	metas := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if meta, ok := item.(map[string]any); ok {
			metas = append(metas, meta)
		}
	}
	return metas
}
