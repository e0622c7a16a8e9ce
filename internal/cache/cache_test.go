package cache

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestCacheExpiry(t *testing.T) {
	c := New(time.Minute, 1<<20, zerolog.Nop())
	now := time.Now()

	c.Set("a@example.com", Entry{DocID: "doc-1"}, now)

	got, ok := c.Get("a@example.com", now.Add(30*time.Second))
	assert.True(t, ok)
	assert.Equal(t, "doc-1", got.DocID)

	_, ok = c.Get("a@example.com", now.Add(2*time.Minute))
	assert.False(t, ok, "entry should be expired")
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	// Each entry is ~ (key+value)+64 bytes; pick a budget that fits two but
	// not three.
	c := New(time.Hour, 200, zerolog.Nop())
	now := time.Now()

	c.Set("a@example.com", Entry{DocID: "1"}, now)
	c.Set("b@example.com", Entry{DocID: "2"}, now)
	// touch a so it is more recently used than b
	c.Get("a@example.com", now)
	c.Set("c@example.com", Entry{DocID: "3"}, now)

	_, aOK := c.Get("a@example.com", now)
	_, bOK := c.Get("b@example.com", now)
	_, cOK := c.Get("c@example.com", now)

	assert.True(t, aOK, "recently touched entry should survive eviction")
	assert.False(t, bOK, "least recently used entry should be evicted")
	assert.True(t, cOK)
}

func TestCacheHitRate(t *testing.T) {
	c := New(time.Hour, 1<<20, zerolog.Nop())
	now := time.Now()

	_, _ = c.Get("missing@example.com", now)
	c.Set("hit@example.com", Entry{DocID: "1"}, now)
	_, _ = c.Get("hit@example.com", now)

	assert.InDelta(t, 0.5, c.HitRate(), 0.001)
}
