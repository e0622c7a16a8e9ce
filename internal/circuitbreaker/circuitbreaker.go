// Package circuitbreaker implements a three-state breaker (closed, open,
// half-open) over a cumulative count of batch outcomes since the breaker
// last closed, tripped by ERROR_THRESHOLD and reset after CIRCUIT_RESET_MS.
package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"github.com/wolfeidau/rosterd/internal/metrics"
)

type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// Breaker trips to Open once the error rate over the current window
// crosses threshold, and offers a single HalfOpen probe after resetAfter
// elapses. A HalfOpen success closes the breaker and clears the window; a
// HalfOpen failure reopens it and restarts the reset timer.
type Breaker struct {
	mu sync.Mutex

	threshold  float64
	resetAfter time.Duration

	state     State
	successes int
	failures  int
	openedAt  time.Time

	recorder *metrics.Recorder
}

func New(threshold float64, resetAfter time.Duration) *Breaker {
	return &Breaker{
		threshold:  threshold,
		resetAfter: resetAfter,
		state:      Closed,
	}
}

// SetRecorder attaches a metrics recorder; state transitions and error rate
// are reported from then on. Left nil, a Breaker records nothing.
func (b *Breaker) SetRecorder(r *metrics.Recorder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recorder = r
}

func (b *Breaker) report() {
	if b.recorder == nil {
		return
	}
	ctx := context.Background()
	b.recorder.SetCircuitState(ctx, string(b.state))
	total := b.successes + b.failures
	if total > 0 {
		b.recorder.SetErrorRate(ctx, float64(b.failures)/float64(total))
	}
}

// Allow reports whether a batch may proceed, and transitions Open->HalfOpen
// once resetAfter has elapsed since the breaker tripped.
func (b *Breaker) Allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if now.Sub(b.openedAt) >= b.resetAfter {
			b.state = HalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess accounts a successful batch outcome.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == HalfOpen {
		b.close()
		b.report()
		return
	}
	b.successes++
	b.report()
}

// RecordFailure accounts a failed batch outcome and trips the breaker when
// the cumulative error rate crosses threshold.
func (b *Breaker) RecordFailure(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == HalfOpen {
		b.open(now)
		b.report()
		return
	}

	b.failures++
	total := b.successes + b.failures
	if total > 0 && float64(b.failures)/float64(total) >= b.threshold {
		b.open(now)
	}
	b.report()
}

func (b *Breaker) open(now time.Time) {
	b.state = Open
	b.openedAt = now
}

func (b *Breaker) close() {
	b.state = Closed
	b.successes = 0
	b.failures = 0
}

// State returns the current state, for /health reporting.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ErrorRate returns the cumulative failure rate over the current window,
// 0 when no outcomes have been recorded yet.
func (b *Breaker) ErrorRate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	total := b.successes + b.failures
	if total == 0 {
		return 0
	}
	return float64(b.failures) / float64(total)
}
