package bridge

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatcherFlushesOnMaxRows(t *testing.T) {
	var mu sync.Mutex
	var flushed [][]Row

	b := New(Config{MaxRows: 2, MaxAge: time.Hour}, func(orgID, eventID string, rows []Row) {
		mu.Lock()
		defer mu.Unlock()
		flushed = append(flushed, rows)
	})

	b.Add("acme", "evt-1", []Row{{Email: "a@x.com"}})
	assert.Equal(t, 1, b.Pending())

	b.Add("acme", "evt-1", []Row{{Email: "b@x.com"}})
	assert.Equal(t, 0, b.Pending(), "batch should flush once MaxRows is reached")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, flushed, 1)
	assert.Len(t, flushed[0], 2)
}

func TestBatcherKeepsEventsSeparate(t *testing.T) {
	var mu sync.Mutex
	flushes := map[string]int{}

	b := New(Config{MaxRows: 100, MaxAge: time.Hour}, func(orgID, eventID string, rows []Row) {
		mu.Lock()
		defer mu.Unlock()
		flushes[eventID] += len(rows)
	})

	b.Add("acme", "evt-1", []Row{{Email: "a@x.com"}})
	b.Add("acme", "evt-2", []Row{{Email: "b@x.com"}})
	require.Equal(t, 2, b.Pending())

	b.FlushAll()
	assert.Equal(t, 0, b.Pending())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, flushes["evt-1"])
	assert.Equal(t, 1, flushes["evt-2"])
}

func TestBatcherSweepAgedFlushesOldBatches(t *testing.T) {
	var flushedCount int
	b := New(Config{MaxRows: 100, MaxAge: 10 * time.Millisecond}, func(orgID, eventID string, rows []Row) {
		flushedCount += len(rows)
	})

	b.Add("acme", "evt-1", []Row{{Email: "a@x.com"}})
	b.SweepAged(time.Now())
	assert.Equal(t, 1, b.Pending(), "batch is not yet old enough to flush")

	b.SweepAged(time.Now().Add(time.Hour))
	assert.Equal(t, 0, b.Pending())
	assert.Equal(t, 1, flushedCount)
}

func TestBatcherAddSkipsEmptyRows(t *testing.T) {
	called := false
	b := New(Config{MaxRows: 1, MaxAge: time.Hour}, func(orgID, eventID string, rows []Row) {
		called = true
	})

	b.Add("acme", "evt-1", nil)
	assert.Equal(t, 0, b.Pending())
	assert.False(t, called)
}
