package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/divvyhq/divvy-sync/internal/types"
)

// --- Mock Implementations ---

type mockStorage struct {
	mu        sync.Mutex
	saved     [][]types.QueuedChange
	loadErr   error
	saveErr   error
	clearErr  error
	persisted []types.QueuedChange
	cleared   int
}

func (m *mockStorage) SaveQueuedChanges(ctx context.Context, changes []types.QueuedChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	snapshot := make([]types.QueuedChange, len(changes))
	copy(snapshot, changes)
	m.saved = append(m.saved, snapshot)
	m.persisted = snapshot
	return nil
}

func (m *mockStorage) LoadQueuedChanges(ctx context.Context) ([]types.QueuedChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	return m.persisted, nil
}

func (m *mockStorage) ClearQueuedChanges(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.clearErr != nil {
		return m.clearErr
	}
	m.cleared++
	m.persisted = nil
	return nil
}

func change(id string) types.QueuedChange {
	return types.QueuedChange{
		ID:        id,
		Table:     "expenses",
		Operation: types.OperationInsert,
		Data:      map[string]any{"id": "e-" + id},
	}
}

func ids(changes []types.QueuedChange) []string {
	out := make([]string, len(changes))
	for i, c := range changes {
		out[i] = c.ID
	}
	return out
}

// --- Tests ---

func TestEnqueue_PreservesFIFOOrder(t *testing.T) {
	q := New(&mockStorage{}, 10)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		q.Enqueue(ctx, change(fmt.Sprintf("c%d", i)))
	}

	snap := q.Snapshot()
	for i, c := range snap {
		if want := fmt.Sprintf("c%d", i); c.ID != want {
			t.Errorf("position %d: expected %s, got %s", i, want, c.ID)
		}
	}
}

func TestEnqueue_TimestampsMonotonic(t *testing.T) {
	q := New(&mockStorage{}, 10)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		q.Enqueue(ctx, change(fmt.Sprintf("c%d", i)))
	}

	snap := q.Snapshot()
	for i := 1; i < len(snap); i++ {
		if !snap[i].Timestamp.After(snap[i-1].Timestamp) {
			t.Fatalf("timestamp at %d not after predecessor", i)
		}
	}
}

func TestEnqueue_EvictsOldestAtCapacity(t *testing.T) {
	// Given: A queue bounded at 1000
	q := New(&mockStorage{}, 1000)
	ctx := context.Background()

	// When: 1100 distinct changes are enqueued
	for i := 0; i < 1100; i++ {
		q.Enqueue(ctx, change(fmt.Sprintf("c%d", i)))
	}

	// Then: Exactly 1000 remain and they are the most recent ones
	snap := q.Snapshot()
	if len(snap) != 1000 {
		t.Fatalf("expected 1000 entries, got %d", len(snap))
	}
	if snap[0].ID != "c100" {
		t.Errorf("expected oldest surviving entry c100, got %s", snap[0].ID)
	}
	if snap[999].ID != "c1099" {
		t.Errorf("expected newest entry c1099, got %s", snap[999].ID)
	}
}

func TestEnqueue_PersistsFullSnapshot(t *testing.T) {
	storage := &mockStorage{}
	q := New(storage, 10)
	ctx := context.Background()
	q.Load(ctx)

	q.Enqueue(ctx, change("c1"))
	q.Enqueue(ctx, change("c2"))

	storage.mu.Lock()
	defer storage.mu.Unlock()
	last := storage.saved[len(storage.saved)-1]
	if got := ids(last); len(got) != 2 || got[0] != "c1" || got[1] != "c2" {
		t.Errorf("expected full snapshot [c1 c2], got %v", got)
	}
}

func TestEnqueue_PersistenceFailureIsNonFatal(t *testing.T) {
	storage := &mockStorage{saveErr: errors.New("disk full")}
	q := New(storage, 10)
	q.Load(context.Background())

	q.Enqueue(context.Background(), change("c1"))

	// In-memory queue remains authoritative.
	if q.Len() != 1 {
		t.Fatalf("expected entry retained in memory, len=%d", q.Len())
	}
}

func TestSnapshot_DoesNotAliasInternalState(t *testing.T) {
	q := New(&mockStorage{}, 10)
	q.Enqueue(context.Background(), change("c1"))

	snap := q.Snapshot()
	snap[0].ID = "mutated"

	if q.Snapshot()[0].ID != "c1" {
		t.Error("snapshot mutation leaked into queue")
	}
}

func TestRemove_DropsOnlyGivenIDs(t *testing.T) {
	q := New(&mockStorage{}, 10)
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		q.Enqueue(ctx, change(fmt.Sprintf("c%d", i)))
	}

	q.Remove(ctx, []string{"c1", "c2"})

	if got := ids(q.Snapshot()); len(got) != 3 || got[0] != "c3" || got[1] != "c4" || got[2] != "c5" {
		t.Errorf("expected [c3 c4 c5], got %v", got)
	}
}

func TestRemove_EmptyIDsIsNoOp(t *testing.T) {
	storage := &mockStorage{}
	q := New(storage, 10)
	q.Load(context.Background())
	q.Enqueue(context.Background(), change("c1"))
	persists := len(storage.saved)

	q.Remove(context.Background(), nil)

	if q.Len() != 1 {
		t.Error("queue changed on empty removal")
	}
	if len(storage.saved) != persists {
		t.Error("persist called for empty removal")
	}
}

func TestClear_EmptiesQueueAndPersistedState(t *testing.T) {
	storage := &mockStorage{}
	q := New(storage, 10)
	ctx := context.Background()
	q.Enqueue(ctx, change("c1"))

	q.Clear(ctx)

	if q.Len() != 0 {
		t.Errorf("expected empty queue, len=%d", q.Len())
	}
	if storage.cleared != 1 {
		t.Errorf("expected 1 clear call, got %d", storage.cleared)
	}
}

func TestLoad_RestoresPersistedEntries(t *testing.T) {
	storage := &mockStorage{persisted: []types.QueuedChange{change("c1"), change("c2")}}
	q := New(storage, 10)

	q.Load(context.Background())

	if got := ids(q.Snapshot()); len(got) != 2 || got[0] != "c1" || got[1] != "c2" {
		t.Errorf("expected [c1 c2], got %v", got)
	}
}

func TestLoad_PersistedEntriesDrainBeforeSessionEntries(t *testing.T) {
	storage := &mockStorage{persisted: []types.QueuedChange{change("c1")}}
	q := New(storage, 10)
	ctx := context.Background()

	// A change queued before Load must survive it and sort after the
	// restored entries.
	q.Enqueue(ctx, change("c2"))
	q.Load(ctx)

	if got := ids(q.Snapshot()); len(got) != 2 || got[0] != "c1" || got[1] != "c2" {
		t.Errorf("expected [c1 c2], got %v", got)
	}
}

func TestLoad_IsOneShot(t *testing.T) {
	storage := &mockStorage{persisted: []types.QueuedChange{change("c1")}}
	q := New(storage, 10)
	ctx := context.Background()
	q.Load(ctx)

	// A second load, as on a stop/start cycle, must not duplicate entries.
	q.Load(ctx)

	if got := ids(q.Snapshot()); len(got) != 1 || got[0] != "c1" {
		t.Errorf("expected [c1], got %v", got)
	}
}

func TestLoad_FailureYieldsEmptyQueue(t *testing.T) {
	storage := &mockStorage{loadErr: errors.New("corrupt database")}
	q := New(storage, 10)

	q.Load(context.Background())

	if q.Len() != 0 {
		t.Errorf("expected empty queue on load failure, len=%d", q.Len())
	}
}

func TestSetNotify_ReportsCountAfterEveryMutation(t *testing.T) {
	q := New(&mockStorage{}, 10)
	var counts []int
	q.SetNotify(func(count int) { counts = append(counts, count) })
	ctx := context.Background()

	q.Enqueue(ctx, change("c1"))
	q.Enqueue(ctx, change("c2"))
	q.Remove(ctx, []string{"c1"})
	q.Clear(ctx)

	want := []int{1, 2, 1, 0}
	if len(counts) != len(want) {
		t.Fatalf("expected %d notifications, got %v", len(want), counts)
	}
	for i := range want {
		if counts[i] != want[i] {
			t.Errorf("notification %d: expected %d, got %d", i, want[i], counts[i])
		}
	}
}

func TestNew_DefaultsMaxSize(t *testing.T) {
	q := New(&mockStorage{}, 0)
	if q.maxSize != DefaultMaxSize {
		t.Errorf("expected default max size %d, got %d", DefaultMaxSize, q.maxSize)
	}
}
