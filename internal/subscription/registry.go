// Package subscription manages the set of live change-feed channels,
// guaranteeing at most one active channel per key.
package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/divvyhq/divvy-sync/internal/feed"
	"github.com/divvyhq/divvy-sync/internal/types"
)

// Channel is one live provider subscription handle.
type Channel interface {
	Subscribe(ctx context.Context, onData func(types.RowChange), onError func(err error)) error
	Unsubscribe(ctx context.Context) error
}

// Provider opens channels by topic.
type Provider interface {
	Channel(topic string) Channel
}

// RealtimeProvider adapts the concrete realtime client to Provider.
type RealtimeProvider struct {
	Client *feed.RealtimeClient
}

// Channel returns the client's channel handle for topic.
func (p RealtimeProvider) Channel(topic string) Channel {
	return p.Client.Channel(topic)
}

// Filter narrows a table channel to rows where Column equals Value.
type Filter struct {
	Column string
	Value  string
}

// Subscription represents one active channel registration. The underlying
// channel handle is owned exclusively by the registry.
type Subscription struct {
	Key     string
	Topic   string
	channel Channel
}

// Registry multiplexes logical listeners onto provider channels. Keys are
// either a bare table name or a composite "<groupID>:<table>". Subscribing
// twice under the same key replaces the prior channel; the two are never
// live simultaneously.
type Registry struct {
	provider Provider

	mu     sync.Mutex
	active map[string]*Subscription
}

// NewRegistry creates an empty registry over the provider.
func NewRegistry(provider Provider) *Registry {
	return &Registry{
		provider: provider,
		active:   make(map[string]*Subscription),
	}
}

// GroupKey returns the composite key for a group-scoped table channel.
func GroupKey(groupID, table string) string {
	return fmt.Sprintf("%s:%s", groupID, table)
}

// SubscribeToTable opens (or re-opens) a channel scoped to table, optionally
// narrowed by an equality filter. Handshake errors surface synchronously.
func (r *Registry) SubscribeToTable(ctx context.Context, table string, filter *Filter, onData func(types.RowChange), onError func(err error)) (*Subscription, error) {
	topic := feed.ChannelName(table)
	if filter != nil {
		topic = feed.FilteredChannelName(table, filter.Column, filter.Value)
	}
	return r.subscribe(ctx, table, topic, onData, onError)
}

// SubscribeToGroup opens a channel for one table narrowed to a group, keyed
// by "<groupID>:<table>".
func (r *Registry) SubscribeToGroup(ctx context.Context, groupID, table string, onData func(types.RowChange), onError func(err error)) (*Subscription, error) {
	topic := feed.FilteredChannelName(table, "group_id", groupID)
	return r.subscribe(ctx, GroupKey(groupID, table), topic, onData, onError)
}

func (r *Registry) subscribe(ctx context.Context, key, topic string, onData func(types.RowChange), onError func(err error)) (*Subscription, error) {
	// Replace, not stack: tear down any prior channel under this key
	// before opening the new one.
	if err := r.Unsubscribe(ctx, key); err != nil {
		slog.Warn("failed to tear down replaced subscription",
			"component", "subscription",
			"key", key,
			"error", err,
		)
	}

	ch := r.provider.Channel(topic)
	if err := ch.Subscribe(ctx, onData, onError); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", key, err)
	}

	sub := &Subscription{Key: key, Topic: topic, channel: ch}
	r.mu.Lock()
	r.active[key] = sub
	r.mu.Unlock()

	slog.Debug("subscription opened",
		"component", "subscription",
		"key", key,
		"topic", topic,
	)
	return sub, nil
}

// Unsubscribe tears down the channel registered under key. Unsubscribing a
// key with no active channel is a no-op.
func (r *Registry) Unsubscribe(ctx context.Context, key string) error {
	r.mu.Lock()
	sub, ok := r.active[key]
	delete(r.active, key)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	if err := sub.channel.Unsubscribe(ctx); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", key, err)
	}
	return nil
}

// UnsubscribeAll tears down every active channel. Teardown failures are
// logged; the registry always ends empty.
func (r *Registry) UnsubscribeAll(ctx context.Context) {
	r.mu.Lock()
	subs := make([]*Subscription, 0, len(r.active))
	for _, sub := range r.active {
		subs = append(subs, sub)
	}
	r.active = make(map[string]*Subscription)
	r.mu.Unlock()

	for _, sub := range subs {
		if err := sub.channel.Unsubscribe(ctx); err != nil {
			slog.Warn("failed to unsubscribe channel",
				"component", "subscription",
				"key", sub.Key,
				"error", err,
			)
		}
	}
}

// ActiveKeys returns the keys with a live channel, for diagnostics.
func (r *Registry) ActiveKeys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.active))
	for k := range r.active {
		keys = append(keys, k)
	}
	return keys
}

// Len returns the number of active channels.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// GroupBalances is the fan-in view over one group's expenses and payments
// channels: every event from either channel reaches a single combined
// callback. It is composed of two ordinary subscriptions, not a separate
// channel type.
type GroupBalances struct {
	registry *Registry
	groupID  string
}

// SubscribeToGroupBalances opens the two underlying channels and forwards
// both through onData. If the second handshake fails, the first channel is
// torn down before the error is returned.
func (r *Registry) SubscribeToGroupBalances(ctx context.Context, groupID string, onData func(types.RowChange), onError func(err error)) (*GroupBalances, error) {
	if _, err := r.SubscribeToGroup(ctx, groupID, "expenses", onData, onError); err != nil {
		return nil, err
	}
	if _, err := r.SubscribeToGroup(ctx, groupID, "payments", onData, onError); err != nil {
		if uerr := r.Unsubscribe(ctx, GroupKey(groupID, "expenses")); uerr != nil {
			slog.Warn("failed to roll back balances subscription",
				"component", "subscription",
				"group_id", groupID,
				"error", uerr,
			)
		}
		return nil, err
	}
	return &GroupBalances{registry: r, groupID: groupID}, nil
}

// Unsubscribe tears down both underlying channels.
func (g *GroupBalances) Unsubscribe(ctx context.Context) error {
	errExpenses := g.registry.Unsubscribe(ctx, GroupKey(g.groupID, "expenses"))
	errPayments := g.registry.Unsubscribe(ctx, GroupKey(g.groupID, "payments"))
	if errExpenses != nil {
		return errExpenses
	}
	return errPayments
}
