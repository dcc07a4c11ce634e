package audit

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/org/datagate/pkg/models"
)

var (
	bufferPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "datagate_audit_buffer_pending",
		Help: "Number of access-log entries awaiting flush.",
	})

	entriesFlushed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "datagate_audit_entries_flushed_total",
		Help: "Total access-log entries durably written.",
	})

	flushFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "datagate_audit_flush_failures_total",
		Help: "Total failed flush attempts.",
	})
)

func init() {
	prometheus.MustRegister(bufferPending, entriesFlushed, flushFailures)
}

// Store is the durable sink for access-log entries.
type Store interface {
	InsertAccessLogs(ctx context.Context, entries []models.AccessLog) error
}

const (
	// DefaultMaxSize is the pending-entry count that triggers an immediate flush.
	DefaultMaxSize = 5000
	// DefaultInterval is the periodic flush interval.
	DefaultInterval = 60 * time.Second

	flushTimeout = 30 * time.Second
)

// Buffer accumulates access-log entries in memory and flushes them to the
// store on a timer or when full. Enqueue never blocks and never rejects:
// the buffer grows without bound under sustained store unavailability,
// trading memory for at-least-once delivery of every entry.
type Buffer struct {
	store    Store
	maxSize  int
	interval time.Duration

	mu        sync.Mutex
	pending   []models.AccessLog
	flushing  bool
	flushDone chan struct{} // non-nil while a flush is in flight, closed on completion

	stopTicker chan struct{}
	tickerDone chan struct{}
}

// NewBuffer creates a Buffer. maxSize and interval fall back to the
// defaults when zero.
func NewBuffer(store Store, maxSize int, interval time.Duration) *Buffer {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Buffer{
		store:    store,
		maxSize:  maxSize,
		interval: interval,
	}
}

// Start registers the periodic flush timer.
func (b *Buffer) Start() {
	b.stopTicker = make(chan struct{})
	b.tickerDone = make(chan struct{})
	go func() {
		defer close(b.tickerDone)
		ticker := time.NewTicker(b.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				b.Flush(context.Background())
			case <-b.stopTicker:
				return
			}
		}
	}()
}

// Stop cancels the timer and drains the buffer so entries held at shutdown
// are not lost. It first waits out any in-flight flush, then keeps flushing
// until the buffer is empty, a flush fails, or the context expires.
func (b *Buffer) Stop(ctx context.Context) {
	if b.stopTicker != nil {
		close(b.stopTicker)
		<-b.tickerDone
	}

	for {
		b.mu.Lock()
		inFlight := b.flushDone
		empty := len(b.pending) == 0
		b.mu.Unlock()

		if inFlight != nil {
			select {
			case <-inFlight:
				continue
			case <-ctx.Done():
				return
			}
		}
		if empty || ctx.Err() != nil {
			return
		}
		if err := b.Flush(ctx); err != nil {
			return
		}
	}
}

// Enqueue appends an entry to the pending queue. It never blocks and never
// fails. When the queue reaches capacity and no flush is in flight, a flush
// is triggered immediately in addition to the periodic timer.
func (b *Buffer) Enqueue(entry models.AccessLog) {
	b.mu.Lock()
	b.pending = append(b.pending, entry)
	trigger := len(b.pending) >= b.maxSize && !b.flushing
	bufferPending.Set(float64(len(b.pending)))
	b.mu.Unlock()

	if trigger {
		go b.Flush(context.Background())
	}
}

// Pending returns the number of entries awaiting flush.
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Flush attempts a single durable multi-insert of the entries pending at
// call time. At most one flush runs at a time; a call that finds one in
// flight returns nil immediately, and entries enqueued during a flush stay
// pending for the next one. On failure the pending queue is left untouched
// and the batch is retried on the next trigger (at-least-once delivery;
// duplicates are tolerated downstream).
func (b *Buffer) Flush(ctx context.Context) error {
	b.mu.Lock()
	if b.flushing || len(b.pending) == 0 {
		b.mu.Unlock()
		return nil
	}
	b.flushing = true
	done := make(chan struct{})
	b.flushDone = done
	snapshot := make([]models.AccessLog, len(b.pending))
	copy(snapshot, b.pending)
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, flushTimeout)
	err := b.store.InsertAccessLogs(ctx, snapshot)
	cancel()

	b.mu.Lock()
	if err == nil {
		// Remove exactly the snapshotted prefix; entries enqueued during
		// the flush remain.
		remaining := b.pending[len(snapshot):]
		b.pending = make([]models.AccessLog, len(remaining))
		copy(b.pending, remaining)
		entriesFlushed.Add(float64(len(snapshot)))
	}
	bufferPending.Set(float64(len(b.pending)))
	b.flushing = false
	b.flushDone = nil
	b.mu.Unlock()
	close(done)

	if err != nil {
		flushFailures.Inc()
		log.Error().Err(err).Int("entries", len(snapshot)).Msg("access log flush failed")
	}
	return err
}
