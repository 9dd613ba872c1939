package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/divvyhq/divvy-sync/internal/retry"
	"github.com/divvyhq/divvy-sync/internal/types"
)

// ErrClosed is returned for operations on a client that has been closed.
var ErrClosed = errors.New("realtime client closed")

const (
	eventJoin      = "phx_join"
	eventLeave     = "phx_leave"
	eventReply     = "phx_reply"
	eventHeartbeat = "heartbeat"

	heartbeatTopic = "phoenix"
	writeTimeout   = 10 * time.Second
	ackTimeout     = 10 * time.Second

	// maxMissedHeartbeats is how many consecutive unanswered heartbeats
	// a half-open link gets before the connection is declared dead.
	maxMissedHeartbeats = 3
)

// message is a single frame on the realtime socket.
type message struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Ref     string          `json:"ref,omitempty"`
}

// replyPayload is the payload of a phx_reply frame.
type replyPayload struct {
	Status string `json:"status"`
}

// changePayload is the payload of a row-change frame.
type changePayload struct {
	Table  string         `json:"table"`
	Record map[string]any `json:"record"`
}

// RealtimeClient maintains the websocket connection to the change-feed
// provider. It reconnects with backoff when the link drops and rejoins every
// registered channel afterwards.
type RealtimeClient struct {
	url          string
	apiKey       string
	hbInterval   time.Duration
	reconnectCfg retry.Config

	mu       sync.Mutex
	conn     *websocket.Conn
	channels map[string]*RealtimeChannel
	pending  map[string]chan error
	nextRef  int64
	closed   bool
	cancel   context.CancelFunc

	// Lifecycle callbacks, set before Connect. Fed into the connection
	// state monitor.
	onConnect         func()
	onDisconnect      func(err error)
	onReconnecting    func(attempt int)
	onReconnectFailed func(err error)
}

// RealtimeOptions configures a RealtimeClient.
type RealtimeOptions struct {
	URL               string
	APIKey            string
	HeartbeatInterval time.Duration
	ReconnectBackoff  retry.Config
}

// NewRealtimeClient creates a client for the given provider endpoint. The
// connection is established by Connect.
func NewRealtimeClient(opts RealtimeOptions) *RealtimeClient {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.ReconnectBackoff.MaxAttempts == 0 {
		opts.ReconnectBackoff = retry.Network
	}
	return &RealtimeClient{
		url:          opts.URL,
		apiKey:       opts.APIKey,
		hbInterval:   opts.HeartbeatInterval,
		reconnectCfg: opts.ReconnectBackoff,
		channels:     make(map[string]*RealtimeChannel),
		pending:      make(map[string]chan error),
	}
}

// OnConnect registers the callback fired once the provider acknowledges the
// connection (including after a reconnect).
func (c *RealtimeClient) OnConnect(fn func()) { c.onConnect = fn }

// OnDisconnect registers the callback fired when the link drops.
func (c *RealtimeClient) OnDisconnect(fn func(err error)) { c.onDisconnect = fn }

// OnReconnecting registers the callback fired before each reconnect attempt.
func (c *RealtimeClient) OnReconnecting(fn func(attempt int)) { c.onReconnecting = fn }

// OnReconnectFailed registers the callback fired when the reconnect budget
// is exhausted without restoring the link.
func (c *RealtimeClient) OnReconnectFailed(fn func(err error)) { c.onReconnectFailed = fn }

// Connect dials the provider and starts the read and heartbeat loops.
func (c *RealtimeClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.dial(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	go c.readLoop(runCtx)
	go c.heartbeatLoop(runCtx)

	if c.onConnect != nil {
		c.onConnect()
	}
	return nil
}

func (c *RealtimeClient) dial(ctx context.Context) error {
	dialer := websocket.Dialer{EnableCompression: true}
	header := map[string][]string{}
	if c.apiKey != "" {
		header["Authorization"] = []string{"Bearer " + c.apiKey}
	}

	conn, resp, err := dialer.DialContext(ctx, c.url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial realtime endpoint: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

// Close tears down the connection permanently. Registered channels are
// discarded; a closed client cannot be reused.
func (c *RealtimeClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	cancel := c.cancel
	c.channels = make(map[string]*RealtimeChannel)
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
		return conn.Close()
	}
	return nil
}

// Disconnect drops the socket without retiring the client. In-flight acks
// fail, the read and heartbeat loops stop, and no reconnect is attempted;
// Connect dials again. Disconnecting an idle or closed client is a no-op.
func (c *RealtimeClient) Disconnect() error {
	c.mu.Lock()
	if c.closed || c.conn == nil {
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	c.conn = nil
	cancel := c.cancel
	c.cancel = nil
	c.failPendingLocked(errors.New("link disconnected"))
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
	return conn.Close()
}

// Channel returns the handle for the given topic, creating it if needed. The
// handle is inert until Subscribe is called on it.
func (c *RealtimeClient) Channel(topic string) *RealtimeChannel {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ch, ok := c.channels[topic]; ok {
		return ch
	}
	ch := &RealtimeChannel{client: c, topic: topic}
	c.channels[topic] = ch
	return ch
}

// send writes a frame, returning a channel that resolves with the provider's
// reply when ref tracking is requested, and the ref it was tracked under.
func (c *RealtimeClient) send(msg message, wantAck bool) (<-chan error, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, "", ErrClosed
	}
	if c.conn == nil {
		return nil, "", errors.New("realtime connection not established")
	}

	var ack chan error
	if wantAck {
		c.nextRef++
		msg.Ref = strconv.FormatInt(c.nextRef, 10)
		ack = make(chan error, 1)
		c.pending[msg.Ref] = ack
	}

	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(msg); err != nil {
		if wantAck {
			delete(c.pending, msg.Ref)
		}
		return nil, "", fmt.Errorf("write %s frame: %w", msg.Event, err)
	}
	return ack, msg.Ref, nil
}

// sendAndWait writes a frame and blocks until the provider replies or the
// context/ack timeout expires. An abandoned ack is dropped from the pending
// map so unanswered frames cannot accumulate.
func (c *RealtimeClient) sendAndWait(ctx context.Context, msg message) error {
	ack, ref, err := c.send(msg, true)
	if err != nil {
		return err
	}

	select {
	case err := <-ack:
		return err
	case <-time.After(ackTimeout):
		c.dropPending(ref)
		return fmt.Errorf("%s %s: timeout waiting for reply", msg.Event, msg.Topic)
	case <-ctx.Done():
		c.dropPending(ref)
		return ctx.Err()
	}
}

func (c *RealtimeClient) dropPending(ref string) {
	c.mu.Lock()
	delete(c.pending, ref)
	c.mu.Unlock()
}

// closeConn closes the underlying socket so the read loop observes the drop.
func (c *RealtimeClient) closeConn() {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()
}

// readLoop dispatches incoming frames until the connection drops, then hands
// off to the reconnect loop.
func (c *RealtimeClient) readLoop(ctx context.Context) {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		var msg message
		if err := conn.ReadJSON(&msg); err != nil {
			c.handleDrop(ctx, err)
			return
		}
		c.dispatch(msg)
	}
}

func (c *RealtimeClient) dispatch(msg message) {
	switch msg.Event {
	case eventReply:
		c.resolveReply(msg)
	case string(types.OperationInsert), string(types.OperationUpdate), string(types.OperationDelete):
		c.deliverChange(msg)
	default:
		// Heartbeat replies arrive as phx_reply on the phoenix topic;
		// anything else is provider noise we can ignore.
	}
}

func (c *RealtimeClient) resolveReply(msg message) {
	var reply replyPayload
	if err := json.Unmarshal(msg.Payload, &reply); err != nil {
		slog.Warn("malformed reply frame", "component", "feed", "topic", msg.Topic, "error", err)
		return
	}

	c.mu.Lock()
	ack, ok := c.pending[msg.Ref]
	delete(c.pending, msg.Ref)
	c.mu.Unlock()
	if !ok {
		return
	}

	if reply.Status != "ok" {
		ack <- fmt.Errorf("provider rejected %s: status %q", msg.Topic, reply.Status)
	} else {
		ack <- nil
	}
}

func (c *RealtimeClient) deliverChange(msg message) {
	c.mu.Lock()
	ch := c.channels[msg.Topic]
	c.mu.Unlock()
	if ch == nil || !ch.subscribed() {
		return
	}

	var payload changePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		ch.deliverError(fmt.Errorf("malformed change payload on %s: %w", msg.Topic, err))
		return
	}

	ch.deliver(types.RowChange{
		Table:     payload.Table,
		Operation: types.Operation(msg.Event),
		Record:    payload.Record,
	})
}

// handleDrop tears down the dead connection and reconnects with backoff,
// rejoining all subscribed channels on success.
func (c *RealtimeClient) handleDrop(ctx context.Context, cause error) {
	if ctx.Err() != nil {
		// Intentional teardown via Disconnect or Close.
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.failPendingLocked(cause)
	c.mu.Unlock()

	if c.onDisconnect != nil {
		c.onDisconnect(cause)
	}
	slog.Warn("realtime connection dropped",
		"component", "feed",
		"error", cause,
	)

	attempt := 0
	err := retry.Do(ctx, c.reconnectCfg, func(ctx context.Context) error {
		attempt++
		if c.onReconnecting != nil {
			c.onReconnecting(attempt)
		}
		return c.dial(ctx)
	}, retry.Options{
		// Reconnects retry on any dial failure.
		ShouldRetry: func(error) bool { return true },
	})
	if err != nil {
		slog.Error("realtime reconnect failed",
			"component", "feed",
			"attempts", attempt,
			"error", err,
		)
		if c.onReconnectFailed != nil {
			c.onReconnectFailed(err)
		}
		return
	}

	go c.readLoop(ctx)

	if c.onConnect != nil {
		c.onConnect()
	}
	c.rejoinChannels(ctx)
}

// failPendingLocked resolves all in-flight acks with the drop cause.
func (c *RealtimeClient) failPendingLocked(cause error) {
	for ref, ack := range c.pending {
		ack <- fmt.Errorf("connection lost: %w", cause)
		delete(c.pending, ref)
	}
}

// removeChannel releases the handle from the topic map. Cycling through many
// filtered topics must not grow the map without bound. The identity check
// keeps a stale handle from evicting a newer one for the same topic.
func (c *RealtimeClient) removeChannel(ch *RealtimeChannel) {
	c.mu.Lock()
	if c.channels[ch.topic] == ch {
		delete(c.channels, ch.topic)
	}
	c.mu.Unlock()
}

// rejoinChannels re-subscribes every channel that was live before the drop.
func (c *RealtimeClient) rejoinChannels(ctx context.Context) {
	c.mu.Lock()
	var live []*RealtimeChannel
	for _, ch := range c.channels {
		if ch.subscribed() {
			live = append(live, ch)
		}
	}
	c.mu.Unlock()

	for _, ch := range live {
		if err := ch.join(ctx); err != nil {
			slog.Error("failed to rejoin channel after reconnect",
				"component", "feed",
				"topic", ch.topic,
				"error", err,
			)
			ch.deliverError(err)
		}
	}
}

// heartbeatLoop sends periodic heartbeat frames and counts the ones the
// provider leaves unanswered. A write failure, or maxMissedHeartbeats
// consecutive silent beats on a half-open link, closes the connection so the
// read loop observes the drop and reconnects.
func (c *RealtimeClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.hbInterval)
	defer ticker.Stop()

	misses := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ack, ref, err := c.send(message{Topic: heartbeatTopic, Event: eventHeartbeat}, true)
			if err != nil {
				if errors.Is(err, ErrClosed) {
					return
				}
				slog.Warn("heartbeat failed",
					"component", "feed",
					"error", err,
				)
				misses = 0
				c.closeConn()
				continue
			}

			// Any reply counts as liveness, rejected or not.
			select {
			case <-ack:
				misses = 0
			case <-time.After(c.hbInterval):
				c.dropPending(ref)
				misses++
				if misses >= maxMissedHeartbeats {
					slog.Warn("provider unresponsive, dropping connection",
						"component", "feed",
						"missed_heartbeats", misses,
					)
					misses = 0
					c.closeConn()
				}
			case <-ctx.Done():
				return
			}
		}
	}
}

// RealtimeChannel is one live subscription handle scoped to a topic. A
// channel is owned by exactly one subscriber at a time.
type RealtimeChannel struct {
	client *RealtimeClient
	topic  string

	mu      sync.Mutex
	joined  bool
	onData  func(types.RowChange)
	onError func(err error)
}

// Topic returns the channel's provider topic.
func (ch *RealtimeChannel) Topic() string { return ch.topic }

// Subscribe performs the join handshake and registers the delivery
// callbacks. Setup errors surface synchronously; delivery errors after the
// handshake go to onError.
func (ch *RealtimeChannel) Subscribe(ctx context.Context, onData func(types.RowChange), onError func(err error)) error {
	ch.mu.Lock()
	ch.onData = onData
	ch.onError = onError
	ch.mu.Unlock()

	if err := ch.join(ctx); err != nil {
		ch.mu.Lock()
		ch.onData = nil
		ch.onError = nil
		ch.mu.Unlock()
		return err
	}
	return nil
}

func (ch *RealtimeChannel) join(ctx context.Context) error {
	if err := ch.client.sendAndWait(ctx, message{Topic: ch.topic, Event: eventJoin}); err != nil {
		return fmt.Errorf("subscribe %s: %w", ch.topic, err)
	}
	ch.mu.Lock()
	ch.joined = true
	ch.mu.Unlock()
	return nil
}

// Unsubscribe performs the leave handshake, detaches the callbacks and
// releases the handle from the client's topic map. Unsubscribing an inactive
// channel is a no-op.
func (ch *RealtimeChannel) Unsubscribe(ctx context.Context) error {
	ch.mu.Lock()
	wasJoined := ch.joined
	ch.joined = false
	ch.onData = nil
	ch.onError = nil
	ch.mu.Unlock()

	ch.client.removeChannel(ch)

	if !wasJoined {
		return nil
	}
	if err := ch.client.sendAndWait(ctx, message{Topic: ch.topic, Event: eventLeave}); err != nil {
		// The local handle is already detached; the provider will drop
		// the remote side when the socket cycles.
		return fmt.Errorf("unsubscribe %s: %w", ch.topic, err)
	}
	return nil
}

func (ch *RealtimeChannel) subscribed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.joined
}

func (ch *RealtimeChannel) deliver(change types.RowChange) {
	ch.mu.Lock()
	fn := ch.onData
	ch.mu.Unlock()
	if fn != nil {
		fn(change)
	}
}

func (ch *RealtimeChannel) deliverError(err error) {
	ch.mu.Lock()
	fn := ch.onError
	ch.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}
