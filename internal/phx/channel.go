package phx

import (
	"fmt"
	"sync"
	"time"

	"github.com/markb/rtmux/internal/log"
	"github.com/markb/rtmux/internal/realtime"
)

// Channel is one Phoenix channel on a client socket. It implements
// realtime.ChannelHandle.
type Channel struct {
	client  *Client
	topic   string
	cfg     realtime.ChannelConfig
	joinRef string

	mu         sync.Mutex
	statusFn   func(realtime.TransportStatus, error)
	pgFn       func(realtime.ChangeEvent)
	syncFn     func()
	joinFn     func(key string, current, joined []map[string]any)
	leaveFn    func(key string, current, left []map[string]any)
	broadcastFns map[string]func(map[string]any)

	joined     bool
	left       bool
	pendingRef string // ref of the join awaiting its reply
	joinTimer  *time.Timer

	presence *presenceSync
}

// OnPostgresChange registers the table-change callback.
func (ch *Channel) OnPostgresChange(fn func(realtime.ChangeEvent)) {
	ch.mu.Lock()
	ch.pgFn = fn
	ch.mu.Unlock()
}

// OnBroadcast registers a callback for one named broadcast event.
func (ch *Channel) OnBroadcast(event string, fn func(payload map[string]any)) {
	ch.mu.Lock()
	ch.broadcastFns[event] = fn
	ch.mu.Unlock()
}

// OnPresenceSync registers the presence sync callback.
func (ch *Channel) OnPresenceSync(fn func()) {
	ch.mu.Lock()
	ch.syncFn = fn
	ch.mu.Unlock()
}

// OnPresenceJoin registers the presence join callback.
func (ch *Channel) OnPresenceJoin(fn func(key string, current, joined []map[string]any)) {
	ch.mu.Lock()
	ch.joinFn = fn
	ch.mu.Unlock()
}

// OnPresenceLeave registers the presence leave callback.
func (ch *Channel) OnPresenceLeave(fn func(key string, current, left []map[string]any)) {
	ch.mu.Lock()
	ch.leaveFn = fn
	ch.mu.Unlock()
}

// Subscribe sends the phx_join and arms the join timeout. The status
// callback observes SUBSCRIBED, CHANNEL_ERROR, TIMED_OUT, and CLOSED.
func (ch *Channel) Subscribe(status func(realtime.TransportStatus, error)) {
	ref := ch.client.nextRef()

	ch.mu.Lock()
	ch.statusFn = status
	ch.pendingRef = ref
	ch.joinTimer = time.AfterFunc(ch.client.cfg.JoinTimeout, ch.joinTimedOut)
	ch.mu.Unlock()

	join := newJoinMessage(ch.topic, ch.joinRef, ref, ch.client.token, ch.cfg)
	if err := ch.client.sendMessage(join); err != nil {
		ch.emitStatus(realtime.StatusChannelError, err)
	}
}

// SendBroadcast sends a named broadcast event on the channel.
func (ch *Channel) SendBroadcast(event string, payload map[string]any) error {
	ch.mu.Lock()
	joined := ch.joined
	ch.mu.Unlock()
	if !joined {
		return fmt.Errorf("channel %s not joined", ch.topic)
	}
	msg := newBroadcastMessage(ch.topic, ch.joinRef, ch.client.nextRef(), event, payload)
	return ch.client.sendMessage(msg)
}

// Track publishes this client's presence payload.
func (ch *Channel) Track(data map[string]any) error {
	ch.mu.Lock()
	joined := ch.joined
	ch.mu.Unlock()
	if !joined {
		return fmt.Errorf("channel %s not joined", ch.topic)
	}
	msg := newPresenceMessage(ch.topic, ch.joinRef, ch.client.nextRef(), "track", data)
	return ch.client.sendMessage(msg)
}

// Untrack removes this client's presence.
func (ch *Channel) Untrack() error {
	msg := newPresenceMessage(ch.topic, ch.joinRef, ch.client.nextRef(), "untrack", nil)
	return ch.client.sendMessage(msg)
}

// PresenceState returns the locally synchronized presence snapshot.
func (ch *Channel) PresenceState() realtime.PresenceState {
	return ch.presence.snapshot()
}

// leave sends phx_leave and stops delivering to this handle.
func (ch *Channel) leave() error {
	ch.mu.Lock()
	if ch.left {
		ch.mu.Unlock()
		return nil
	}
	ch.left = true
	ch.joined = false
	if ch.joinTimer != nil {
		ch.joinTimer.Stop()
	}
	ch.mu.Unlock()

	msg := newLeaveMessage(ch.topic, ch.joinRef, ch.client.nextRef())
	return ch.client.sendMessage(msg)
}

// closed reports socket loss to the status callback.
func (ch *Channel) closed() {
	ch.mu.Lock()
	if ch.joinTimer != nil {
		ch.joinTimer.Stop()
	}
	wasLeft := ch.left
	ch.left = true
	ch.joined = false
	ch.mu.Unlock()

	if !wasLeft {
		ch.emitStatus(realtime.StatusClosed, nil)
	}
}

func (ch *Channel) joinTimedOut() {
	ch.mu.Lock()
	timedOut := !ch.joined && !ch.left && ch.pendingRef != ""
	ch.pendingRef = ""
	ch.mu.Unlock()
	if timedOut {
		ch.emitStatus(realtime.StatusTimedOut, fmt.Errorf("join timed out for %s", ch.topic))
	}
}

func (ch *Channel) emitStatus(st realtime.TransportStatus, err error) {
	ch.mu.Lock()
	fn := ch.statusFn
	ch.mu.Unlock()
	if fn != nil {
		fn(st, err)
	}
}

// handleMessage routes one inbound frame for this topic.
func (ch *Channel) handleMessage(msg *Message) {
	switch msg.Event {
	case EventReply:
		ch.handleReply(msg)
	case EventError:
		ch.emitStatus(realtime.StatusChannelError, fmt.Errorf("channel error on %s", ch.topic))
	case EventClose:
		ch.mu.Lock()
		ch.joined = false
		ch.mu.Unlock()
		ch.emitStatus(realtime.StatusClosed, nil)
	case EventSystem:
		ch.handleSystem(msg)
	case EventPostgres:
		ch.handlePostgres(msg)
	case EventBroadcast:
		ch.handleBroadcast(msg)
	case EventPresenceState:
		ch.handlePresenceState(msg)
	case EventPresenceDiff:
		ch.handlePresenceDiff(msg)
	default:
		log.Debug("phx: unknown event", "topic", ch.topic, "event", msg.Event)
	}
}

func (ch *Channel) handleReply(msg *Message) {
	status, response := replyStatus(msg.Payload)

	ch.mu.Lock()
	isJoinReply := ch.pendingRef != "" && msg.Ref == ch.pendingRef
	if isJoinReply {
		ch.pendingRef = ""
		if ch.joinTimer != nil {
			ch.joinTimer.Stop()
		}
		ch.joined = status == "ok"
	}
	ch.mu.Unlock()

	if !isJoinReply {
		// Acks for broadcasts and leaves carry nothing actionable.
		log.Debug("phx: reply", "topic", ch.topic, "status", status)
		return
	}

	if status == "ok" {
		ch.emitStatus(realtime.StatusSubscribed, nil)
		return
	}
	message, _ := response["message"].(string)
	ch.emitStatus(realtime.StatusChannelError, fmt.Errorf("join rejected for %s: %s", ch.topic, message))
}

func (ch *Channel) handleSystem(msg *Message) {
	status, _ := msg.Payload["status"].(string)
	if status == "error" {
		message, _ := msg.Payload["message"].(string)
		ch.emitStatus(realtime.StatusChannelError, fmt.Errorf("system error on %s: %s", ch.topic, message))
		return
	}
	log.Debug("phx: system", "topic", ch.topic, "status", status)
}

func (ch *Channel) handlePostgres(msg *Message) {
	ev, err := parseChangeEvent(msg.Payload)
	if err != nil {
		log.Debug("phx: bad postgres_changes payload", "topic", ch.topic, "error", err.Error())
		return
	}
	ch.mu.Lock()
	fn := ch.pgFn
	ch.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func (ch *Channel) handleBroadcast(msg *Message) {
	event, _ := msg.Payload["event"].(string)
	payload, _ := msg.Payload["payload"].(map[string]any)

	ch.mu.Lock()
	fn := ch.broadcastFns[event]
	ch.mu.Unlock()
	if fn != nil {
		fn(payload)
	}
}

func (ch *Channel) handlePresenceState(msg *Message) {
	state := parsePresenceState(msg.Payload)
	ch.presence.replace(state)

	ch.mu.Lock()
	fn := ch.syncFn
	ch.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (ch *Channel) handlePresenceDiff(msg *Message) {
	joins, leaves := parsePresenceDiff(msg.Payload)

	ch.mu.Lock()
	joinFn := ch.joinFn
	leaveFn := ch.leaveFn
	ch.mu.Unlock()

	for key, metas := range joins {
		current := ch.presence.applyJoins(key, metas)
		if joinFn != nil {
			joinFn(key, current, metas)
		}
	}
	for key, metas := range leaves {
		current, left := ch.presence.applyLeaves(key, metas)
		if leaveFn != nil {
			leaveFn(key, current, left)
		}
	}
}
