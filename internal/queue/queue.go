// Package queue implements the bounded, durable offline mutation queue.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/divvyhq/divvy-sync/internal/types"
)

// DefaultMaxSize bounds the queue when no explicit size is configured.
const DefaultMaxSize = 1000

// Storage persists the queue across process restarts. Persistence is
// replace-not-append: every save writes the full current queue.
type Storage interface {
	SaveQueuedChanges(ctx context.Context, changes []types.QueuedChange) error
	LoadQueuedChanges(ctx context.Context) ([]types.QueuedChange, error)
	ClearQueuedChanges(ctx context.Context) error
}

// Queue is an ordered, bounded collection of pending mutations. When full it
// evicts oldest entries first, retaining the most recent mutations. The
// in-memory queue is authoritative for the session; persistence is
// best-effort and failures are logged, not surfaced.
type Queue struct {
	mu      sync.Mutex
	entries []types.QueuedChange
	maxSize int
	lastTS  time.Time
	loaded  bool
	storage Storage
	notify  func(count int)
}

// New creates a queue backed by the given storage. A maxSize <= 0 falls back
// to DefaultMaxSize.
func New(storage Storage, maxSize int) *Queue {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Queue{
		storage: storage,
		maxSize: maxSize,
	}
}

// SetNotify registers a callback invoked with the queue length after every
// mutation. Used for the pending-writes counter; must be set before the
// queue is shared.
func (q *Queue) SetNotify(fn func(count int)) {
	q.notify = fn
}

// Enqueue appends a change to the tail, evicting oldest entries if the bound
// would be exceeded, then persists the full queue. Enqueue always succeeds
// from the caller's point of view.
func (q *Queue) Enqueue(ctx context.Context, change types.QueuedChange) {
	q.mu.Lock()

	change.Timestamp = q.nextTimestamp()
	q.entries = append(q.entries, change)
	if evicted := len(q.entries) - q.maxSize; evicted > 0 {
		q.entries = q.entries[evicted:]
		slog.Warn("offline queue at capacity, evicting oldest entries",
			"component", "queue",
			"evicted", evicted,
			"max_size", q.maxSize,
		)
	}

	q.persistLocked(ctx)
	count := len(q.entries)
	q.mu.Unlock()

	q.notifyCount(count)
}

// nextTimestamp returns a strictly increasing creation time so FIFO order is
// preserved even when the wall clock stalls or steps backwards.
func (q *Queue) nextTimestamp() time.Time {
	now := time.Now().UTC()
	if !now.After(q.lastTS) {
		now = q.lastTS.Add(time.Nanosecond)
	}
	q.lastTS = now
	return now
}

// Snapshot returns the current entries in FIFO order without mutating the
// queue.
func (q *Queue) Snapshot() []types.QueuedChange {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]types.QueuedChange, len(q.entries))
	copy(out, q.entries)
	return out
}

// Len returns the number of pending entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Remove drops entries whose ID is in ids, preserving the relative order of
// the remainder, then persists. Called after entries have been applied
// remotely.
func (q *Queue) Remove(ctx context.Context, ids []string) {
	if len(ids) == 0 {
		return
	}
	idSet := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		idSet[id] = struct{}{}
	}

	q.mu.Lock()
	kept := q.entries[:0]
	for _, e := range q.entries {
		if _, drop := idSet[e.ID]; !drop {
			kept = append(kept, e)
		}
	}
	q.entries = kept

	q.persistLocked(ctx)
	count := len(q.entries)
	q.mu.Unlock()

	q.notifyCount(count)
}

// Clear empties the queue and erases the persisted state.
func (q *Queue) Clear(ctx context.Context) {
	q.mu.Lock()
	q.entries = nil
	if q.storage != nil {
		if err := q.storage.ClearQueuedChanges(ctx); err != nil {
			slog.Warn("failed to clear persisted queue",
				"component", "queue",
				"error", err,
			)
		}
	}
	q.mu.Unlock()

	q.notifyCount(0)
}

// Load prepends the persisted entries to anything already queued in memory:
// persisted changes predate the current session, so they drain first. A load
// failure yields no persisted entries rather than blocking startup. One-shot:
// once loaded, the in-memory queue is authoritative and later calls no-op,
// so a stop/start cycle cannot duplicate entries.
func (q *Queue) Load(ctx context.Context) {
	q.mu.Lock()
	if q.loaded {
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()

	var loaded []types.QueuedChange
	if q.storage != nil {
		var err error
		loaded, err = q.storage.LoadQueuedChanges(ctx)
		if err != nil {
			slog.Warn("failed to load persisted queue, starting empty",
				"component", "queue",
				"error", err,
			)
			loaded = nil
		}
	}

	q.mu.Lock()
	if len(loaded) > 0 {
		last := loaded[len(loaded)-1].Timestamp
		if last.After(q.lastTS) {
			q.lastTS = last
		}
		q.entries = append(loaded, q.entries...)
	}
	q.loaded = true
	q.persistLocked(ctx)
	count := len(q.entries)
	q.mu.Unlock()

	q.notifyCount(count)
}

// persistLocked saves the full queue snapshot. Best-effort: the in-memory
// queue remains authoritative when the write fails. Writes are held back
// until Load has run so a pre-load enqueue cannot clobber the previous
// session's persisted entries.
func (q *Queue) persistLocked(ctx context.Context) {
	if q.storage == nil || !q.loaded {
		return
	}
	if err := q.storage.SaveQueuedChanges(ctx, q.entries); err != nil {
		slog.Warn("failed to persist offline queue",
			"component", "queue",
			"pending", len(q.entries),
			"error", err,
		)
	}
}

func (q *Queue) notifyCount(count int) {
	if q.notify != nil {
		q.notify(count)
	}
}
