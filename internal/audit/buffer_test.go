package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/org/datagate/pkg/models"
)

// fakeStore records inserted batches and can be made to fail or to block
// until released, to exercise in-flight flush behavior.
type fakeStore struct {
	mu       sync.Mutex
	inserted []models.AccessLog
	batches  int
	failWith error

	gate chan struct{} // when non-nil, InsertAccessLogs blocks until closed
}

func (f *fakeStore) InsertAccessLogs(ctx context.Context, entries []models.AccessLog) error {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.inserted = append(f.inserted, entries...)
	f.batches++
	return nil
}

func (f *fakeStore) insertedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inserted)
}

func entry(n int) models.AccessLog {
	return models.AccessLog{
		Timestamp: time.Now().UTC(),
		APIKey:    fmt.Sprintf("key-%d", n),
		Endpoint:  "/customers",
		Method:    "GET",
	}
}

func TestFlushSuccessClearsPending(t *testing.T) {
	store := &fakeStore{}
	b := NewBuffer(store, 100, time.Hour)

	for i := 0; i < 5; i++ {
		b.Enqueue(entry(i))
	}
	b.Flush(context.Background())

	if got := b.Pending(); got != 0 {
		t.Errorf("expected empty pending after successful flush, got %d", got)
	}
	if got := store.insertedCount(); got != 5 {
		t.Errorf("expected 5 entries in store, got %d", got)
	}
}

func TestFlushFailureRetainsPending(t *testing.T) {
	store := &fakeStore{failWith: errors.New("store unavailable")}
	b := NewBuffer(store, 100, time.Hour)

	for i := 0; i < 3; i++ {
		b.Enqueue(entry(i))
	}
	b.Flush(context.Background())

	if got := b.Pending(); got != 3 {
		t.Errorf("expected 3 entries retained after failed flush, got %d", got)
	}
	if got := store.insertedCount(); got != 0 {
		t.Errorf("expected no entries in store, got %d", got)
	}

	// Entries are retried on the next trigger once the store recovers.
	store.mu.Lock()
	store.failWith = nil
	store.mu.Unlock()
	b.Flush(context.Background())

	if got := b.Pending(); got != 0 {
		t.Errorf("expected empty pending after retry, got %d", got)
	}
	if got := store.insertedCount(); got != 3 {
		t.Errorf("expected 3 entries in store after retry, got %d", got)
	}
}

func TestFlushEmptyIsNoop(t *testing.T) {
	store := &fakeStore{}
	b := NewBuffer(store, 100, time.Hour)

	b.Flush(context.Background())

	store.mu.Lock()
	defer store.mu.Unlock()
	if store.batches != 0 {
		t.Errorf("expected no insert for empty buffer, got %d batches", store.batches)
	}
}

func TestSnapshotIsolation(t *testing.T) {
	store := &fakeStore{gate: make(chan struct{})}
	b := NewBuffer(store, 100, time.Hour)

	b.Enqueue(entry(0)) // A
	b.Enqueue(entry(1)) // B

	flushDone := make(chan struct{})
	go func() {
		b.Flush(context.Background())
		close(flushDone)
	}()

	// Wait until the flush is in flight, then enqueue C.
	waitFor(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.flushing
	})
	b.Enqueue(entry(2)) // C

	store.mu.Lock()
	gate := store.gate
	store.gate = nil
	store.mu.Unlock()
	close(gate)
	<-flushDone

	// C was neither included in the completed write nor dropped.
	if got := store.insertedCount(); got != 2 {
		t.Errorf("expected flush to write exactly the snapshot [A,B], store has %d", got)
	}
	if got := b.Pending(); got != 1 {
		t.Fatalf("expected pending == [C] after flush, got %d entries", got)
	}
	b.mu.Lock()
	remaining := b.pending[0].APIKey
	b.mu.Unlock()
	if remaining != "key-2" {
		t.Errorf("expected remaining entry to be C, got %s", remaining)
	}
}

func TestConcurrentFlushIsExclusive(t *testing.T) {
	store := &fakeStore{gate: make(chan struct{})}
	b := NewBuffer(store, 100, time.Hour)
	b.Enqueue(entry(0))

	done := make(chan struct{})
	go func() {
		b.Flush(context.Background())
		close(done)
	}()
	waitFor(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.flushing
	})

	// Second flush returns immediately while the first is in flight.
	b.Flush(context.Background())

	store.mu.Lock()
	gate := store.gate
	store.gate = nil
	store.mu.Unlock()
	close(gate)
	<-done

	store.mu.Lock()
	defer store.mu.Unlock()
	if store.batches != 1 {
		t.Errorf("expected exactly one durable write, got %d", store.batches)
	}
}

func TestCapacityTriggersFlushWithoutTimer(t *testing.T) {
	store := &fakeStore{}
	b := NewBuffer(store, 10, time.Hour) // timer never fires in this test

	for i := 0; i < 10; i++ {
		b.Enqueue(entry(i))
	}

	// The capacity trigger flushes asynchronously.
	waitFor(t, func() bool { return store.insertedCount() == 10 })
	if got := b.Pending(); got != 0 {
		t.Errorf("expected empty pending after capacity-triggered flush, got %d", got)
	}
}

func TestPeriodicTimerFlushes(t *testing.T) {
	store := &fakeStore{}
	b := NewBuffer(store, 100, 10*time.Millisecond)
	b.Start()
	defer b.Stop(context.Background())

	b.Enqueue(entry(0))
	waitFor(t, func() bool { return store.insertedCount() == 1 })
}

func TestStopDrainsBuffer(t *testing.T) {
	store := &fakeStore{}
	b := NewBuffer(store, 100, time.Hour)
	b.Start()

	b.Enqueue(entry(0))
	b.Enqueue(entry(1))
	b.Stop(context.Background())

	if got := store.insertedCount(); got != 2 {
		t.Errorf("expected final flush on Stop to drain 2 entries, got %d", got)
	}
}

func TestStopDrainsEntriesEnqueuedDuringFlush(t *testing.T) {
	store := &fakeStore{gate: make(chan struct{})}
	b := NewBuffer(store, 100, time.Hour)
	b.Start()

	b.Enqueue(entry(0))
	go b.Flush(context.Background()) //nolint:errcheck
	waitFor(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.flushing
	})

	// This entry misses the in-flight snapshot; Stop must still drain it.
	b.Enqueue(entry(1))

	go func() {
		store.mu.Lock()
		gate := store.gate
		store.gate = nil
		store.mu.Unlock()
		close(gate)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b.Stop(ctx)

	if got := store.insertedCount(); got != 2 {
		t.Errorf("expected Stop to drain both entries, store has %d", got)
	}
	if got := b.Pending(); got != 0 {
		t.Errorf("expected empty pending after Stop, got %d", got)
	}
}

func TestStopReturnsOnPersistentFailure(t *testing.T) {
	store := &fakeStore{failWith: errors.New("store unavailable")}
	b := NewBuffer(store, 100, time.Hour)
	b.Start()

	b.Enqueue(entry(0))
	b.Stop(context.Background())

	// Stop gives up after a failed attempt instead of spinning; the entry
	// stays pending rather than being dropped.
	if got := b.Pending(); got != 1 {
		t.Errorf("expected entry retained after failed drain, got %d", got)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}
