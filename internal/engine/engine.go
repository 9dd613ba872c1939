// Package engine orchestrates offline queuing, connection monitoring, live
// subscriptions and the FIFO drain of pending mutations against the remote
// store.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/divvyhq/divvy-sync/internal/conn"
	"github.com/divvyhq/divvy-sync/internal/queue"
	"github.com/divvyhq/divvy-sync/internal/retry"
	"github.com/divvyhq/divvy-sync/internal/subscription"
	"github.com/divvyhq/divvy-sync/internal/types"
)

var (
	// ErrDisposed is returned for operations on a disposed engine.
	ErrDisposed = errors.New("sync engine disposed")

	// ErrSyncInProgress is returned when a drain pass is requested while
	// another is still running. Passes never interleave; callers retry
	// after the current pass finishes.
	ErrSyncInProgress = errors.New("sync already in progress")
)

// Mutator dispatches queued changes against the remote relational store.
type Mutator interface {
	Insert(ctx context.Context, table string, data map[string]any) error
	Update(ctx context.Context, table string, data map[string]any, column, value string) error
	Delete(ctx context.Context, table string, column, value string) error
}

// Engine is the synchronization orchestrator. It owns the offline queue and
// the subscription registry for the lifetime of the application session; one
// engine is active per running instance.
type Engine struct {
	queue    *queue.Queue
	registry *subscription.Registry
	monitor  *conn.Monitor
	mutator  Mutator
	retryCfg retry.Config

	mu        sync.Mutex
	started   bool
	disposed  bool
	syncing   bool
	watchStop context.CancelFunc
	countSubs []chan int
}

// Options wires the engine's collaborators. All fields are required except
// RetryConfig, which defaults to the database preset.
type Options struct {
	Queue       *queue.Queue
	Registry    *subscription.Registry
	Monitor     *conn.Monitor
	Mutator     Mutator
	RetryConfig retry.Config
}

// New constructs an engine over the given collaborators.
func New(opts Options) *Engine {
	if opts.RetryConfig.MaxAttempts == 0 {
		opts.RetryConfig = retry.Database
	}
	e := &Engine{
		queue:    opts.Queue,
		registry: opts.Registry,
		monitor:  opts.Monitor,
		mutator:  opts.Mutator,
		retryCfg: opts.RetryConfig,
	}
	e.queue.SetNotify(e.publishCount)
	return e
}

// Start loads the persisted queue and begins connecting. Idempotent:
// repeated calls while started have no additional effect. A disposed engine
// cannot be started again.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return ErrDisposed
	}
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true

	watchCtx, cancel := context.WithCancel(context.Background())
	e.watchStop = cancel
	e.mu.Unlock()

	e.queue.Load(ctx)
	slog.Info("sync engine started",
		"component", "engine",
		"pending", e.queue.Len(),
	)

	states := e.monitor.Subscribe()
	go e.watchConnection(watchCtx, states)

	e.monitor.Start(ctx)
	return nil
}

// watchConnection drains the queue whenever the link comes up.
func (e *Engine) watchConnection(ctx context.Context, states <-chan types.ConnectionState) {
	for {
		select {
		case <-ctx.Done():
			return
		case state, ok := <-states:
			if !ok {
				return
			}
			if state != types.StateConnected {
				continue
			}
			if err := e.SyncQueuedChanges(ctx); err != nil && !errors.Is(err, ErrSyncInProgress) {
				slog.Warn("reconnect drain failed, entries remain queued",
					"component", "engine",
					"error", err,
				)
			}
		}
	}
}

// Stop tears down all subscriptions and stops the connection monitor.
// Counterpart to Start; safe to call multiple times.
func (e *Engine) Stop(ctx context.Context) {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	cancel := e.watchStop
	e.watchStop = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.registry.UnsubscribeAll(ctx)
	e.monitor.Stop()
	slog.Info("sync engine stopped", "component", "engine")
}

// Dispose stops the engine and closes all broadcast streams. Terminal: a
// fresh engine is required afterwards.
func (e *Engine) Dispose(ctx context.Context) {
	e.Stop(ctx)

	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return
	}
	e.disposed = true
	subs := e.countSubs
	e.countSubs = nil
	e.mu.Unlock()

	for _, ch := range subs {
		close(ch)
	}
	e.monitor.Dispose()
}

// QueueChange validates a change and appends it to the offline queue. The
// change is not dispatched immediately; callers wanting eager delivery call
// SyncQueuedChanges afterwards. A missing ID is assigned.
func (e *Engine) QueueChange(ctx context.Context, change types.QueuedChange) error {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return ErrDisposed
	}
	e.mu.Unlock()

	if change.ID == "" {
		change.ID = ulid.Make().String()
	}
	if err := change.Validate(); err != nil {
		return err
	}

	e.queue.Enqueue(ctx, change)
	slog.Debug("change queued",
		"component", "engine",
		"change_id", change.ID,
		"table", change.Table,
		"operation", string(change.Operation),
	)
	return nil
}

// SyncQueuedChanges drains the queue snapshot in FIFO order, dispatching
// each entry with retry. On failure the failing entry and everything after
// it stay queued, entries that already succeeded in this pass are removed
// first, and the error propagates — a later pass retries from the failure
// point without re-applying finished work.
func (e *Engine) SyncQueuedChanges(ctx context.Context) error {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return ErrDisposed
	}
	if e.syncing {
		e.mu.Unlock()
		return ErrSyncInProgress
	}
	e.syncing = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.syncing = false
		e.mu.Unlock()
	}()

	snapshot := e.queue.Snapshot()
	if len(snapshot) == 0 {
		return nil
	}

	slog.Info("draining offline queue",
		"component", "engine",
		"pending", len(snapshot),
	)

	var applied []string
	var dispatchErr error
	for _, change := range snapshot {
		if err := e.dispatch(ctx, change); err != nil {
			dispatchErr = fmt.Errorf("dispatch %s %s (%s): %w",
				change.Operation, change.Table, change.ID, err)
			break
		}
		applied = append(applied, change.ID)
	}

	// Applied entries come off the queue before any error surfaces so a
	// subsequent pass cannot re-apply them.
	e.queue.Remove(ctx, applied)

	if dispatchErr != nil {
		slog.Warn("queue drain stopped",
			"component", "engine",
			"applied", len(applied),
			"remaining", e.queue.Len(),
			"error", dispatchErr,
		)
		return dispatchErr
	}

	slog.Info("offline queue drained",
		"component", "engine",
		"applied", len(applied),
	)
	return nil
}

// dispatch applies one change remotely, wrapped by the retry policy.
func (e *Engine) dispatch(ctx context.Context, change types.QueuedChange) error {
	op := func(ctx context.Context) error {
		switch change.Operation {
		case types.OperationInsert:
			return e.mutator.Insert(ctx, change.Table, change.Data)
		case types.OperationUpdate:
			return e.mutator.Update(ctx, change.Table, patchData(change.Data), "id", change.RowID())
		case types.OperationDelete:
			return e.mutator.Delete(ctx, change.Table, "id", change.RowID())
		default:
			return fmt.Errorf("invalid operation %q", change.Operation)
		}
	}

	return retry.Do(ctx, e.retryCfg, op, retry.Options{
		OnRetry: func(attempt int, err error) {
			slog.Debug("retrying queued change",
				"component", "engine",
				"change_id", change.ID,
				"attempt", attempt,
				"error", err,
			)
		},
	})
}

// patchData returns the change data without the row identifier: the id
// selects the target row, the remaining fields are the patch.
func patchData(data map[string]any) map[string]any {
	patch := make(map[string]any, len(data))
	for k, v := range data {
		if k == "id" {
			continue
		}
		patch[k] = v
	}
	return patch
}

// SubscribeToTable passes through to the subscription registry.
func (e *Engine) SubscribeToTable(ctx context.Context, table string, filter *subscription.Filter, onData func(types.RowChange), onError func(err error)) (*subscription.Subscription, error) {
	return e.registry.SubscribeToTable(ctx, table, filter, onData, onError)
}

// SubscribeToGroup passes through to the subscription registry.
func (e *Engine) SubscribeToGroup(ctx context.Context, groupID, table string, onData func(types.RowChange), onError func(err error)) (*subscription.Subscription, error) {
	return e.registry.SubscribeToGroup(ctx, groupID, table, onData, onError)
}

// SubscribeToGroupBalances opens the fan-in balances view for one group.
func (e *Engine) SubscribeToGroupBalances(ctx context.Context, groupID string, onData func(types.RowChange), onError func(err error)) (*subscription.GroupBalances, error) {
	return e.registry.SubscribeToGroupBalances(ctx, groupID, onData, onError)
}

// Unsubscribe tears down one channel by key; unknown keys are a no-op.
func (e *Engine) Unsubscribe(ctx context.Context, key string) error {
	return e.registry.Unsubscribe(ctx, key)
}

// ConnectionState returns the current state of the realtime link.
func (e *Engine) ConnectionState() types.ConnectionState {
	return e.monitor.State()
}

// ConnectionStates returns a new observer stream of state transitions.
func (e *Engine) ConnectionStates() <-chan types.ConnectionState {
	return e.monitor.Subscribe()
}

// QueuedChanges returns a copy of the pending offline changes in FIFO order.
func (e *Engine) QueuedChanges() []types.QueuedChange {
	return e.queue.Snapshot()
}

// ActiveSubscriptions returns the keys of the live subscription channels.
func (e *Engine) ActiveSubscriptions() []string {
	return e.registry.ActiveKeys()
}

// QueuedChangesCount returns the number of pending offline changes.
func (e *Engine) QueuedChangesCount() int {
	return e.queue.Len()
}

// QueuedChangesCounts returns an observer stream of queue length updates,
// for pending-writes badges. The stream is closed on Dispose.
func (e *Engine) QueuedChangesCounts() <-chan int {
	ch := make(chan int, 16)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed {
		close(ch)
		return ch
	}
	e.countSubs = append(e.countSubs, ch)
	return ch
}

// publishCount broadcasts a queue length update. Slow observers miss
// intermediate counts, never the most recent one.
func (e *Engine) publishCount(count int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, ch := range e.countSubs {
		select {
		case ch <- count:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- count:
			default:
			}
		}
	}
}
