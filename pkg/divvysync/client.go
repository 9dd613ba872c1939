// Package divvysync is the embeddable client for the Divvy sync engine:
// live table streams, offline queuing, and queue drain against the remote
// store, behind one handle the application layer owns.
package divvysync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/divvyhq/divvy-sync/internal/conn"
	"github.com/divvyhq/divvy-sync/internal/engine"
	"github.com/divvyhq/divvy-sync/internal/feed"
	"github.com/divvyhq/divvy-sync/internal/queue"
	"github.com/divvyhq/divvy-sync/internal/store"
	"github.com/divvyhq/divvy-sync/internal/subscription"
	"github.com/divvyhq/divvy-sync/internal/types"
)

// ErrClosed is returned for operations on a closed client.
var ErrClosed = errors.New("client is closed")

// Config configures a Client.
type Config struct {
	// LocalPath is the sqlite file backing the offline queue. Required.
	LocalPath string

	// RealtimeURL is the websocket change-feed endpoint. Required.
	RealtimeURL string

	// RESTURL is the mutation endpoint base URL. Required.
	RESTURL string

	// APIKey authenticates against both remote endpoints.
	APIKey string

	// QueueMaxSize bounds the offline queue. Zero means the default cap.
	QueueMaxSize int

	// HeartbeatInterval for the realtime link. Zero means the default.
	HeartbeatInterval time.Duration
}

// Client is the application-facing sync handle. One client is active per
// running application instance.
type Client struct {
	engine *engine.Engine
	store  *store.SQLiteStore

	mu      sync.Mutex
	closed  bool
	streams map[string]*Stream
}

// New creates a client over its own queue store and remote clients. The
// realtime connection is established by Start.
func New(cfg Config) (*Client, error) {
	if cfg.LocalPath == "" {
		return nil, errors.New("LocalPath is required")
	}
	if cfg.RealtimeURL == "" {
		return nil, errors.New("RealtimeURL is required")
	}
	if cfg.RESTURL == "" {
		return nil, errors.New("RESTURL is required")
	}

	db, err := store.NewSQLiteStore(cfg.LocalPath)
	if err != nil {
		return nil, fmt.Errorf("opening queue store: %w", err)
	}

	rt := feed.NewRealtimeClient(feed.RealtimeOptions{
		URL:               cfg.RealtimeURL,
		APIKey:            cfg.APIKey,
		HeartbeatInterval: cfg.HeartbeatInterval,
	})

	eng := engine.New(engine.Options{
		Queue:    queue.New(db, cfg.QueueMaxSize),
		Registry: subscription.NewRegistry(subscription.RealtimeProvider{Client: rt}),
		Monitor:  conn.NewMonitor(rt),
		Mutator:  feed.NewRESTClient(cfg.RESTURL, cfg.APIKey, 0),
	})

	return newClient(eng, db), nil
}

func newClient(eng *engine.Engine, db *store.SQLiteStore) *Client {
	return &Client{
		engine:  eng,
		store:   db,
		streams: make(map[string]*Stream),
	}
}

// Start loads the persisted queue and begins connecting. Idempotent.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	return c.engine.Start(ctx)
}

// Stop tears down subscriptions and drops the connection. The client can be
// started again.
func (c *Client) Stop(ctx context.Context) {
	c.engine.Stop(ctx)

	c.mu.Lock()
	c.streams = make(map[string]*Stream)
	c.mu.Unlock()
}

// Close shuts the client down permanently.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.streams = nil
	c.mu.Unlock()

	c.engine.Dispose(ctx)
	if c.store != nil {
		return c.store.Close()
	}
	return nil
}

// QueueChange records a local mutation for later delivery. The change is
// assigned an ID and survives restarts via the local queue store.
func (c *Client) QueueChange(ctx context.Context, table string, op Operation, data map[string]any) error {
	return c.engine.QueueChange(ctx, types.QueuedChange{
		Table:     table,
		Operation: types.Operation(op),
		Data:      data,
	})
}

// SyncQueuedChanges drains the offline queue now.
func (c *Client) SyncQueuedChanges(ctx context.Context) error {
	return c.engine.SyncQueuedChanges(ctx)
}

// QueuedChangesCount returns the number of pending offline changes.
func (c *Client) QueuedChangesCount() int {
	return c.engine.QueuedChangesCount()
}

// QueuedChangesCounts returns an observer stream of queue length updates.
func (c *Client) QueuedChangesCounts() <-chan int {
	return c.engine.QueuedChangesCounts()
}

// ConnectionState returns the current state of the realtime link.
func (c *Client) ConnectionState() ConnectionState {
	return ConnectionState(c.engine.ConnectionState())
}

// ConnectionStates returns a stream of connection state transitions. The
// stream closes when the client does.
func (c *Client) ConnectionStates() <-chan ConnectionState {
	src := c.engine.ConnectionStates()
	out := make(chan ConnectionState, 16)
	go func() {
		defer close(out)
		for s := range src {
			out <- ConnectionState(s)
		}
	}()
	return out
}

// SubscribeToUserGroups streams membership changes for the groups a user
// belongs to.
func (c *Client) SubscribeToUserGroups(ctx context.Context, userID string) (*Stream, error) {
	key := "user-groups:" + userID
	return c.stream(key, func(onData func(types.RowChange), onError func(error)) error {
		filter := &subscription.Filter{Column: "user_id", Value: userID}
		_, err := c.engine.SubscribeToTable(ctx, "group_members", filter, onData, onError)
		return err
	})
}

// SubscribeToGroupMembers streams member changes for one group.
func (c *Client) SubscribeToGroupMembers(ctx context.Context, groupID string) (*Stream, error) {
	return c.groupStream(ctx, "group-members", "group_members", groupID)
}

// SubscribeToGroupExpenses streams expense changes for one group.
func (c *Client) SubscribeToGroupExpenses(ctx context.Context, groupID string) (*Stream, error) {
	return c.groupStream(ctx, "group-expenses", "expenses", groupID)
}

// SubscribeToGroupPayments streams payment changes for one group.
func (c *Client) SubscribeToGroupPayments(ctx context.Context, groupID string) (*Stream, error) {
	return c.groupStream(ctx, "group-payments", "payments", groupID)
}

// SubscribeToGroupBalances streams the fan-in of one group's expenses and
// payments, the inputs to its balances.
func (c *Client) SubscribeToGroupBalances(ctx context.Context, groupID string) (*Stream, error) {
	key := "group-balances:" + groupID
	return c.stream(key, func(onData func(types.RowChange), onError func(error)) error {
		_, err := c.engine.SubscribeToGroupBalances(ctx, groupID, onData, onError)
		return err
	})
}

func (c *Client) groupStream(ctx context.Context, name, table, groupID string) (*Stream, error) {
	key := name + ":" + groupID
	return c.stream(key, func(onData func(types.RowChange), onError func(error)) error {
		_, err := c.engine.SubscribeToGroup(ctx, groupID, table, onData, onError)
		return err
	})
}

// stream returns the memoized stream for key, opening the underlying
// subscription on first use. The same key always yields the same instance.
func (c *Client) stream(key string, subscribe func(onData func(types.RowChange), onError func(error)) error) (*Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if s, ok := c.streams[key]; ok {
		return s, nil
	}

	s := &Stream{key: key}
	err := subscribe(func(rc types.RowChange) {
		s.deliver(RowEvent{
			Table:     rc.Table,
			Operation: Operation(rc.Operation),
			Record:    rc.Record,
		})
	}, s.fail)
	if err != nil {
		return nil, err
	}

	c.streams[key] = s
	return s, nil
}
