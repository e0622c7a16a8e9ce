package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerTripsAtThreshold(t *testing.T) {
	b := New(0.3, time.Minute)
	now := time.Now()

	b.RecordSuccess()
	b.RecordSuccess()
	b.RecordSuccess()
	assert.Equal(t, Closed, b.State())

	b.RecordFailure(now)
	assert.Equal(t, Closed, b.State(), "1/4 failure rate is below threshold")

	b.RecordFailure(now)
	assert.Equal(t, Open, b.State(), "2/5 failure rate crosses threshold")
	assert.False(t, b.Allow(now))
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b := New(0.3, time.Minute)
	now := time.Now()

	b.RecordFailure(now)
	b.RecordFailure(now)
	require.Equal(t, Open, b.State())

	assert.False(t, b.Allow(now.Add(30*time.Second)), "reset window has not elapsed")

	probeAt := now.Add(time.Minute)
	require.True(t, b.Allow(probeAt))
	assert.Equal(t, HalfOpen, b.State())

	b.RecordSuccess()
	assert.Equal(t, Closed, b.State())
	assert.Equal(t, float64(0), b.ErrorRate())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := New(0.3, time.Minute)
	now := time.Now()

	b.RecordFailure(now)
	b.RecordFailure(now)
	require.True(t, b.Allow(now.Add(time.Minute)))
	require.Equal(t, HalfOpen, b.State())

	b.RecordFailure(now.Add(time.Minute))
	assert.Equal(t, Open, b.State())
	assert.False(t, b.Allow(now.Add(time.Minute+30*time.Second)))
}
