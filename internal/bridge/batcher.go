// Package bridge groups per-partition upsert rows by (orgId, eventId) and
// flushes size/age-bounded batches to the reconciler over HTTP.
package bridge

import (
	"sync"
	"time"
)

// Row is one upsert row already lowercased/trimmed by the consumer before
// it reaches the batcher.
type Row struct {
	Email       string `json:"email"`
	StatusInOrg string `json:"statusInOrg"`
	EventID     string `json:"eventId,omitempty"`
}

// DeltaRow is one delta row, batched the same way as Row but carrying a
// transition type instead of a status.
type DeltaRow struct {
	Email     string `json:"email"`
	DeltaType string `json:"deltaType"`
	EventID   string `json:"eventId,omitempty"`
}

// batchKey is (orgId, eventId): rows from different events are never
// combined, rows from the same event across multiple messages are merged
// into the same batch.
type batchKey struct {
	orgID   string
	eventID string
}

type pendingBatch[T any] struct {
	rows      []T
	createdAt time.Time
}

// Config holds the flush triggers.
type Config struct {
	MaxRows int
	MaxAge  time.Duration
}

// Batcher owns the batch map and is mutated only through its own methods,
// which take an internal lock, since a single Batcher instance is shared
// by the consumer's per-partition goroutines rather than confined to one
// goroutine per partition. It is generic over the row type so the same
// flush/sweep/shutdown machinery backs both the upsert and delta
// ingestion paths.
type Batcher[T any] struct {
	mu      sync.Mutex
	cfg     Config
	batches map[batchKey]*pendingBatch[T]

	send func(orgID, eventID string, rows []T)
}

func New[T any](cfg Config, send func(orgID, eventID string, rows []T)) *Batcher[T] {
	return &Batcher[T]{
		cfg:     cfg,
		batches: make(map[batchKey]*pendingBatch[T]),
		send:    send,
	}
}

// Add appends rows to the batch for (orgID, eventID), flushing immediately
// if the row count trigger fires. Empty rows are a no-op.
func (b *Batcher[T]) Add(orgID, eventID string, rows []T) {
	if len(rows) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	key := batchKey{orgID: orgID, eventID: eventID}
	batch, ok := b.batches[key]
	if !ok {
		batch = &pendingBatch[T]{createdAt: time.Now()}
		b.batches[key] = batch
	}
	batch.rows = append(batch.rows, rows...)

	if len(batch.rows) >= b.cfg.MaxRows {
		b.flushLocked(key)
	}
}

// SweepAged flushes every batch whose age has reached cfg.MaxAge. Intended
// to be called by a periodic timer at interval cfg.MaxAge.
func (b *Batcher[T]) SweepAged(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key, batch := range b.batches {
		if now.Sub(batch.createdAt) >= b.cfg.MaxAge {
			b.flushLocked(key)
		}
	}
}

// FlushAll flushes every pending batch regardless of age, used on
// graceful shutdown.
func (b *Batcher[T]) FlushAll() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key := range b.batches {
		b.flushLocked(key)
	}
}

// flushLocked must be called with mu held.
func (b *Batcher[T]) flushLocked(key batchKey) {
	batch, ok := b.batches[key]
	if !ok || len(batch.rows) == 0 {
		delete(b.batches, key)
		return
	}
	rows := batch.rows
	delete(b.batches, key)
	b.send(key.orgID, key.eventID, rows)
}

// Pending reports the number of batches currently buffered, for metrics
// and tests.
func (b *Batcher[T]) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.batches)
}
