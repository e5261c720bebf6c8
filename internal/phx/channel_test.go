package phx

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markb/rtmux/internal/realtime"
)

// newTestClient builds a client with no socket; outbound frames land in
// the send buffer where tests can inspect them.
func newTestClient() *Client {
	return &Client{
		cfg:      Config{JoinTimeout: 10 * time.Second},
		channels: make(map[string]*Channel),
		send:     make(chan []byte, sendBufferSize),
		done:     make(chan struct{}),
	}
}

// nextSent pops and decodes the next queued outbound frame.
func nextSent(t *testing.T, c *Client) *Message {
	t.Helper()
	select {
	case data := <-c.send:
		msg, err := DecodeMessage(data)
		require.NoError(t, err)
		return msg
	default:
		t.Fatal("no outbound message queued")
		return nil
	}
}

// statusRecorder collects status callback invocations.
type statusRecorder struct {
	mu       sync.Mutex
	statuses []realtime.TransportStatus
	errs     []error
}

func (r *statusRecorder) record(st realtime.TransportStatus, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, st)
	r.errs = append(r.errs, err)
}

func (r *statusRecorder) all() []realtime.TransportStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]realtime.TransportStatus(nil), r.statuses...)
}

func TestSubscribeSendsJoinAndHandlesOkReply(t *testing.T) {
	c := newTestClient()
	ch := c.Channel("room-1", realtime.ChannelConfig{
		Broadcast:       &realtime.BroadcastConfig{Self: true},
		BroadcastEvents: []string{"ping"},
	}).(*Channel)

	rec := &statusRecorder{}
	ch.Subscribe(rec.record)

	join := nextSent(t, c)
	assert.Equal(t, EventJoin, join.Event)
	assert.Equal(t, "realtime:room-1", join.Topic)
	assert.NotEmpty(t, join.Ref)
	assert.Equal(t, ch.joinRef, join.JoinRef)

	ch.handleMessage(&Message{
		Event:   EventReply,
		Topic:   join.Topic,
		Payload: map[string]any{"status": "ok", "response": map[string]any{}},
		Ref:     join.Ref,
	})

	require.Equal(t, []realtime.TransportStatus{realtime.StatusSubscribed}, rec.all())
	assert.True(t, ch.joined)
}

func TestJoinRejectedEmitsChannelError(t *testing.T) {
	c := newTestClient()
	ch := c.Channel("room-1", realtime.ChannelConfig{}).(*Channel)

	rec := &statusRecorder{}
	ch.Subscribe(rec.record)
	join := nextSent(t, c)

	ch.handleMessage(&Message{
		Event: EventReply,
		Topic: join.Topic,
		Payload: map[string]any{
			"status":   "error",
			"response": map[string]any{"message": "unauthorized"},
		},
		Ref: join.Ref,
	})

	statuses := rec.all()
	require.Len(t, statuses, 1)
	assert.Equal(t, realtime.StatusChannelError, statuses[0])
	assert.False(t, ch.joined)
	rec.mu.Lock()
	assert.ErrorContains(t, rec.errs[0], "unauthorized")
	rec.mu.Unlock()
}

func TestJoinTimeout(t *testing.T) {
	c := newTestClient()
	c.cfg.JoinTimeout = 20 * time.Millisecond
	ch := c.Channel("room-1", realtime.ChannelConfig{}).(*Channel)

	rec := &statusRecorder{}
	ch.Subscribe(rec.record)
	nextSent(t, c)

	assert.Eventually(t, func() bool {
		st := rec.all()
		return len(st) == 1 && st[0] == realtime.StatusTimedOut
	}, time.Second, 5*time.Millisecond)
}

func TestLateReplyAfterTimeoutIsIgnored(t *testing.T) {
	c := newTestClient()
	c.cfg.JoinTimeout = 10 * time.Millisecond
	ch := c.Channel("room-1", realtime.ChannelConfig{}).(*Channel)

	rec := &statusRecorder{}
	ch.Subscribe(rec.record)
	join := nextSent(t, c)

	assert.Eventually(t, func() bool { return len(rec.all()) == 1 }, time.Second, 5*time.Millisecond)

	// pendingRef was cleared on timeout, so the late ok must not flip
	// the channel to joined.
	ch.handleMessage(&Message{
		Event:   EventReply,
		Topic:   join.Topic,
		Payload: map[string]any{"status": "ok"},
		Ref:     join.Ref,
	})
	assert.False(t, ch.joined)
	assert.Len(t, rec.all(), 1)
}

func TestSendBroadcastRequiresJoin(t *testing.T) {
	c := newTestClient()
	ch := c.Channel("room-1", realtime.ChannelConfig{}).(*Channel)

	err := ch.SendBroadcast("ping", map[string]any{"n": 1})
	assert.ErrorContains(t, err, "not joined")
	assert.Error(t, ch.Track(map[string]any{"user": "a"}))
}

func TestSendBroadcastWireFormat(t *testing.T) {
	c := newTestClient()
	ch := c.Channel("room-1", realtime.ChannelConfig{}).(*Channel)
	ch.joined = true

	require.NoError(t, ch.SendBroadcast("cursor", map[string]any{"x": 10}))

	msg := nextSent(t, c)
	assert.Equal(t, EventBroadcast, msg.Event)
	assert.Equal(t, "broadcast", msg.Payload["type"])
	assert.Equal(t, "cursor", msg.Payload["event"])
	// JSON round-trip decodes numbers as float64.
	assert.Equal(t, map[string]any{"x": float64(10)}, msg.Payload["payload"])
}

func TestTrackWireFormat(t *testing.T) {
	c := newTestClient()
	ch := c.Channel("lobby", realtime.ChannelConfig{
		Presence: &realtime.PresenceConfig{Key: "me"},
	}).(*Channel)
	ch.joined = true

	require.NoError(t, ch.Track(map[string]any{"user": "a"}))
	msg := nextSent(t, c)
	assert.Equal(t, EventPresence, msg.Event)
	assert.Equal(t, "track", msg.Payload["event"])

	require.NoError(t, ch.Untrack())
	msg = nextSent(t, c)
	assert.Equal(t, "untrack", msg.Payload["event"])
	assert.NotContains(t, msg.Payload, "payload")
}

func TestPostgresChangeRouting(t *testing.T) {
	c := newTestClient()
	ch := c.Channel("moments", realtime.ChannelConfig{
		Postgres: []realtime.PostgresChange{{Event: "*", Schema: "public", Table: "moments"}},
	}).(*Channel)

	var got realtime.ChangeEvent
	ch.OnPostgresChange(func(ev realtime.ChangeEvent) { got = ev })

	ch.handleMessage(&Message{
		Event: EventPostgres,
		Topic: ch.topic,
		Payload: map[string]any{
			"ids": []any{float64(1)},
			"data": map[string]any{
				"schema":           "public",
				"table":            "moments",
				"eventType":        "INSERT",
				"commit_timestamp": "2026-08-25T10:00:00Z",
				"new":              map[string]any{"id": float64(1)},
			},
		},
	})

	assert.Equal(t, "INSERT", got.EventType)
	assert.Equal(t, "moments", got.Table)
	assert.Equal(t, float64(1), got.New["id"])
}

func TestBroadcastRoutingFiltersByEvent(t *testing.T) {
	c := newTestClient()
	ch := c.Channel("room-1", realtime.ChannelConfig{}).(*Channel)

	var pings int
	ch.OnBroadcast("ping", func(map[string]any) { pings++ })

	deliver := func(event string) {
		ch.handleMessage(&Message{
			Event:   EventBroadcast,
			Topic:   ch.topic,
			Payload: map[string]any{"type": "broadcast", "event": event, "payload": map[string]any{}},
		})
	}
	deliver("ping")
	deliver("pong")
	deliver("ping")

	assert.Equal(t, 2, pings)
}

func TestPresenceStateAndDiffRouting(t *testing.T) {
	c := newTestClient()
	ch := c.Channel("lobby", realtime.ChannelConfig{
		Presence: &realtime.PresenceConfig{Key: "me"},
	}).(*Channel)

	var syncs int
	var joinedKeys, leftKeys []string
	ch.OnPresenceSync(func() { syncs++ })
	ch.OnPresenceJoin(func(key string, current, joined []map[string]any) {
		joinedKeys = append(joinedKeys, key)
	})
	ch.OnPresenceLeave(func(key string, current, left []map[string]any) {
		leftKeys = append(leftKeys, key)
	})

	ch.handleMessage(&Message{
		Event: EventPresenceState,
		Topic: ch.topic,
		Payload: map[string]any{
			"alice": []any{map[string]any{"phx_ref": "r1", "user": "alice"}},
		},
	})
	assert.Equal(t, 1, syncs)
	assert.Len(t, ch.PresenceState()["alice"], 1)

	ch.handleMessage(&Message{
		Event: EventPresenceDiff,
		Topic: ch.topic,
		Payload: map[string]any{
			"joins":  map[string]any{"bob": []any{map[string]any{"phx_ref": "r2"}}},
			"leaves": map[string]any{"alice": []any{map[string]any{"phx_ref": "r1"}}},
		},
	})
	assert.Equal(t, []string{"bob"}, joinedKeys)
	assert.Equal(t, []string{"alice"}, leftKeys)

	state := ch.PresenceState()
	assert.NotContains(t, state, "alice")
	assert.Len(t, state["bob"], 1)
}

func TestSystemErrorEmitsChannelError(t *testing.T) {
	c := newTestClient()
	ch := c.Channel("moments", realtime.ChannelConfig{}).(*Channel)

	rec := &statusRecorder{}
	ch.statusFn = rec.record

	ch.handleMessage(&Message{
		Event:   EventSystem,
		Topic:   ch.topic,
		Payload: map[string]any{"status": "error", "message": "subscription failed"},
	})
	require.Len(t, rec.all(), 1)
	assert.Equal(t, realtime.StatusChannelError, rec.all()[0])

	// A healthy system frame is informational only.
	ch.handleMessage(&Message{
		Event:   EventSystem,
		Topic:   ch.topic,
		Payload: map[string]any{"status": "ok"},
	})
	assert.Len(t, rec.all(), 1)
}

func TestPhxErrorAndCloseEvents(t *testing.T) {
	c := newTestClient()
	ch := c.Channel("moments", realtime.ChannelConfig{}).(*Channel)
	ch.joined = true

	rec := &statusRecorder{}
	ch.statusFn = rec.record

	ch.handleMessage(&Message{Event: EventError, Topic: ch.topic, Payload: map[string]any{}})
	ch.handleMessage(&Message{Event: EventClose, Topic: ch.topic, Payload: map[string]any{}})

	assert.Equal(t, []realtime.TransportStatus{
		realtime.StatusChannelError,
		realtime.StatusClosed,
	}, rec.all())
	assert.False(t, ch.joined)
}

func TestRemoveChannelSendsLeave(t *testing.T) {
	c := newTestClient()
	ch := c.Channel("moments", realtime.ChannelConfig{}).(*Channel)
	ch.joined = true

	require.NoError(t, c.RemoveChannel(ch))

	msg := nextSent(t, c)
	assert.Equal(t, EventLeave, msg.Event)
	assert.Equal(t, "realtime:moments", msg.Topic)

	// Leave is idempotent; no second frame.
	require.NoError(t, ch.leave())
	select {
	case <-c.send:
		t.Fatal("second leave should not send")
	default:
	}
}

func TestReplacingTopicClosesPreviousChannel(t *testing.T) {
	c := newTestClient()
	first := c.Channel("moments", realtime.ChannelConfig{}).(*Channel)

	rec := &statusRecorder{}
	first.statusFn = rec.record

	second := c.Channel("moments", realtime.ChannelConfig{}).(*Channel)

	require.Len(t, rec.all(), 1)
	assert.Equal(t, realtime.StatusClosed, rec.all()[0])
	c.mu.Lock()
	assert.Same(t, second, c.channels["realtime:moments"])
	c.mu.Unlock()
}
