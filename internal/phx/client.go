package phx

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/markb/rtmux/internal/log"
	"github.com/markb/rtmux/internal/realtime"
)

const (
	// Send buffer size for outbound messages
	sendBufferSize = 256

	// Time allowed to write a message
	writeWait = 10 * time.Second

	// Time allowed to read the next message
	readWait = 60 * time.Second

	// Phoenix heartbeat period
	heartbeatPeriod = 25 * time.Second

	// Default time to wait for a join reply
	defaultJoinTimeout = 10 * time.Second

	// Maximum message size
	maxMessageSize = 512 * 1024 // 512KB
)

// Config holds client configuration.
type Config struct {
	// URL is the server base, e.g. "ws://localhost:8000". The realtime
	// websocket path is appended.
	URL string

	// APIKey is sent as the apikey query parameter.
	APIKey string

	// Token is the access token sent on channel joins. When empty and
	// JWTSecret is set, an anon token is minted locally.
	Token string

	// JWTSecret is the shared signing secret for local token minting.
	JWTSecret string

	// JoinTimeout bounds the wait for a join reply before a channel
	// reports TIMED_OUT. Defaults to 10s.
	JoinTimeout time.Duration

	// HeartbeatPeriod overrides the phoenix heartbeat interval.
	HeartbeatPeriod time.Duration
}

// Client is one WebSocket connection multiplexing Phoenix channels.
type Client struct {
	cfg   Config
	token string
	ws    *websocket.Conn

	mu       sync.Mutex
	channels map[string]*Channel // topic -> channel
	refSeq   int64

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// Dial opens a WebSocket to the realtime endpoint and starts the
// read/write pumps.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = defaultJoinTimeout
	}
	if cfg.HeartbeatPeriod <= 0 {
		cfg.HeartbeatPeriod = heartbeatPeriod
	}

	token := cfg.Token
	if token == "" && cfg.JWTSecret != "" {
		signed, err := SignToken(cfg.JWTSecret, "anon")
		if err != nil {
			return nil, fmt.Errorf("failed to mint access token: %w", err)
		}
		token = signed
	}

	endpoint := cfg.URL + "/realtime/v1/websocket?apikey=" + url.QueryEscape(cfg.APIKey) + "&vsn=1.0.0"
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial realtime endpoint: %w", err)
	}

	c := &Client{
		cfg:      cfg,
		token:    token,
		ws:       ws,
		channels: make(map[string]*Channel),
		send:     make(chan []byte, sendBufferSize),
		done:     make(chan struct{}),
	}

	go c.readPump()
	go c.writePump()

	log.Debug("phx: connected", "url", cfg.URL)
	return c, nil
}

// Channel creates a channel handle for the given name. The transport
// topic is "realtime:<name>"; the handle is inert until Subscribe.
func (c *Client) Channel(name string, cfg realtime.ChannelConfig) realtime.ChannelHandle {
	topic := "realtime:" + name
	ch := &Channel{
		client:       c,
		topic:        topic,
		cfg:          cfg,
		joinRef:      c.nextRef(),
		broadcastFns: make(map[string]func(map[string]any)),
		presence:     newPresenceSync(),
	}

	c.mu.Lock()
	if prev, ok := c.channels[topic]; ok {
		// A topic can carry only one live subscription per socket; a
		// stale entry here means a teardown raced us.
		log.Warn("phx: replacing channel for topic", "topic", topic)
		prev.closed()
	}
	c.channels[topic] = ch
	c.mu.Unlock()
	return ch
}

// RemoveChannel leaves the channel's topic and drops its routing entry.
func (c *Client) RemoveChannel(h realtime.ChannelHandle) error {
	ch, ok := h.(*Channel)
	if !ok {
		return fmt.Errorf("handle is not a phx channel")
	}

	c.mu.Lock()
	if c.channels[ch.topic] == ch {
		delete(c.channels, ch.topic)
	}
	c.mu.Unlock()

	return ch.leave()
}

// Close tears down the socket. Every live channel observes CLOSED.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.ws != nil {
			c.ws.Close()
		}

		c.mu.Lock()
		channels := make([]*Channel, 0, len(c.channels))
		for _, ch := range c.channels {
			channels = append(channels, ch)
		}
		c.channels = make(map[string]*Channel)
		c.mu.Unlock()

		for _, ch := range channels {
			ch.closed()
		}
	})
}

// nextRef returns a process-unique message ref.
func (c *Client) nextRef() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refSeq++
	return strconv.FormatInt(c.refSeq, 10)
}

// sendMessage queues an outbound message, dropping it when the buffer
// is full.
func (c *Client) sendMessage(msg *Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return fmt.Errorf("connection closed")
	default:
		log.Warn("phx: send buffer full, dropping message", "topic", msg.Topic, "event", msg.Event)
		return fmt.Errorf("send buffer full")
	}
}

// readPump reads frames off the socket and routes them by topic.
func (c *Client) readPump() {
	defer c.Close()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(readWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(readWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("phx: read error", "error", err.Error())
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(readWait))

		msg, err := DecodeMessage(data)
		if err != nil {
			log.Debug("phx: invalid message", "error", err.Error(), "len", len(data))
			continue
		}
		c.route(msg)
	}
}

// writePump writes queued frames and phoenix heartbeats.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.cfg.HeartbeatPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			hb := newHeartbeatMessage(c.nextRef())
			data, err := hb.Encode()
			if err != nil {
				continue
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

// route hands an inbound message to the channel owning its topic.
func (c *Client) route(msg *Message) {
	if msg.Topic == TopicPhoenix {
		// Heartbeat replies carry nothing actionable.
		return
	}

	c.mu.Lock()
	ch := c.channels[msg.Topic]
	c.mu.Unlock()

	if ch == nil {
		log.Debug("phx: message for unknown topic", "topic", msg.Topic, "event", msg.Event)
		return
	}
	ch.handleMessage(msg)
}
