// Package cache implements the email->document-reference lookup cache: a
// TTL-bounded, size-bounded LRU used to skip BatchGetByEmails calls for
// emails resolved in a recent run.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/wolfeidau/rosterd/internal/metrics"
)

// Entry is a cached doc reference: the employee id an email last resolved
// to, or empty when the email is known not to exist yet.
type Entry struct {
	DocID string
}

type entryRecord struct {
	key       string
	value     Entry
	size      int64
	expiresAt time.Time
	elem      *list.Element
}

// Cache is a size- and TTL-bounded cache. Size is tracked in approximate
// bytes (key + value + a fixed per-entry overhead) against maxBytes;
// entries past their TTL are treated as absent and removed when looked up.
// Eviction on overflow removes the least-recently-used entry, same as an
// LRU, which is why the backing list is kept in access order.
type Cache struct {
	mu sync.Mutex

	ttl      time.Duration
	maxBytes int64

	order    *list.List // front = most recently used
	byKey    map[string]*list.Element
	curBytes int64

	log zerolog.Logger

	hits, misses uint64

	recorder *metrics.Recorder
}

const perEntryOverheadBytes = 64

func New(ttl time.Duration, maxBytes int64, log zerolog.Logger) *Cache {
	return &Cache{
		ttl:      ttl,
		maxBytes: maxBytes,
		order:    list.New(),
		byKey:    make(map[string]*list.Element),
		log:      log,
	}
}

func NewFromMB(ttl time.Duration, maxMB int, log zerolog.Logger) *Cache {
	return New(ttl, int64(maxMB)*1024*1024, log)
}

// SetRecorder attaches a metrics recorder; Get reports a cache hit/miss on
// every lookup once set. Left nil, a Cache records nothing, which keeps it
// usable in tests without an OTel provider.
func (c *Cache) SetRecorder(r *metrics.Recorder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recorder = r
}

// Get returns the cached entry for key, if present and not expired.
func (c *Cache) Get(key string, now time.Time) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.byKey[key]
	if !ok {
		c.misses++
		c.record(false)
		return Entry{}, false
	}
	rec := elem.Value.(*entryRecord)
	if !now.Before(rec.expiresAt) {
		c.removeElem(elem)
		c.misses++
		c.record(false)
		return Entry{}, false
	}

	c.order.MoveToFront(elem)
	c.hits++
	c.record(true)
	return rec.value, true
}

func (c *Cache) record(hit bool) {
	if c.recorder != nil {
		c.recorder.RecordCacheLookup(context.Background(), hit)
	}
}

// Set inserts or refreshes key, evicting least-recently-used entries until
// the cache fits within maxBytes.
func (c *Cache) Set(key string, value Entry, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	size := int64(len(key)+len(value.DocID)) + perEntryOverheadBytes

	if elem, ok := c.byKey[key]; ok {
		rec := elem.Value.(*entryRecord)
		c.curBytes += size - rec.size
		rec.value = value
		rec.size = size
		rec.expiresAt = now.Add(c.ttl)
		c.order.MoveToFront(elem)
	} else {
		rec := &entryRecord{key: key, value: value, size: size, expiresAt: now.Add(c.ttl)}
		rec.elem = c.order.PushFront(rec)
		c.byKey[key] = rec.elem
		c.curBytes += size
	}

	for c.curBytes > c.maxBytes && c.order.Len() > 0 {
		back := c.order.Back()
		c.removeElem(back)
	}
}

func (c *Cache) removeElem(elem *list.Element) {
	rec := elem.Value.(*entryRecord)
	c.order.Remove(elem)
	delete(c.byKey, rec.key)
	c.curBytes -= rec.size
}

// HitRate returns hits/(hits+misses) observed since construction, 0 if
// nothing has been looked up yet.
func (c *Cache) HitRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	if total == 0 {
		return 0
	}
	return float64(c.hits) / float64(total)
}

// LogStats writes a debug line with current size and hit rate, using
// humanize so a log line reads in KB/MB rather than a raw byte count.
func (c *Cache) LogStats() {
	c.mu.Lock()
	size := c.curBytes
	entries := c.order.Len()
	hits, misses := c.hits, c.misses
	c.mu.Unlock()

	total := hits + misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	c.log.Debug().
		Str("size", humanize.Bytes(uint64(size))).
		Int("entries", entries).
		Float64("hit_rate", hitRate).
		Msg("email cache stats")
}
