// Package reconcile implements the reconciliation core: dedup,
// bulk-cached lookup, bounded-parallel batched writes, adaptive batch
// sizing, and circuit-breaker protection for the document store.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/wolfeidau/rosterd/internal/cache"
	"github.com/wolfeidau/rosterd/internal/circuitbreaker"
	"github.com/wolfeidau/rosterd/internal/metrics"
	"github.com/wolfeidau/rosterd/internal/models"
	"github.com/wolfeidau/rosterd/internal/normalize"
	"github.com/wolfeidau/rosterd/internal/store"
)

// Config holds the reconciler's tunables.
type Config struct {
	QueryChunkSize         int
	MaxParallelBatches     int
	InitialBatchSize       int
	MinBatchSize           int
	MaxBatchSize           int
	AdaptiveBatchThreshold float64
	ErrorThreshold         float64
	CircuitResetAfter      time.Duration
	CacheTTL               time.Duration
	MaxCacheSizeMB         int
}

func DefaultConfig() Config {
	return Config{
		QueryChunkSize:         10,
		MaxParallelBatches:     5,
		InitialBatchSize:       500,
		MinBatchSize:           100,
		MaxBatchSize:           500,
		AdaptiveBatchThreshold: 0.8,
		ErrorThreshold:         0.3,
		CircuitResetAfter:      60 * time.Second,
		CacheTTL:               5 * time.Minute,
		MaxCacheSizeMB:         100,
	}
}

// Message is one upsert row, already partition-scoped to a
// single orgId.
type Message struct {
	Email       string
	StatusInOrg string
	EventID     string
}

// Result summarizes one Run invocation.
type Result struct {
	Processed int
	Skipped   int
	Errors    int
}

// ErrCircuitOpen is returned when the breaker refuses an invocation.
var ErrCircuitOpen = fmt.Errorf("reconcile: circuit open")

// Reconciler is safe for concurrent use: currentBatchSize and the circuit
// breaker are shared, last-writer-wins state across invocations, since
// both are advisory tuning values rather than anything requiring strict
// consistency.
type Reconciler struct {
	employees store.EmployeeStore
	cache     *cache.Cache
	breaker   *circuitbreaker.Breaker
	normalize *normalize.Normalizer
	cfg       Config
	log       zerolog.Logger

	mu               sync.Mutex
	currentBatchSize int
	recorder         *metrics.Recorder
}

// SetRecorder attaches a metrics recorder; batch outcomes and the current
// adaptive batch size are reported on every Run from then on. Left nil, a
// Reconciler records nothing.
func (r *Reconciler) SetRecorder(m *metrics.Recorder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recorder = m
}

func New(employees store.EmployeeStore, c *cache.Cache, breaker *circuitbreaker.Breaker, normalizer *normalize.Normalizer, cfg Config, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		employees:        employees,
		cache:            c,
		breaker:          breaker,
		normalize:        normalizer,
		cfg:              cfg,
		log:              log,
		currentBatchSize: cfg.InitialBatchSize,
	}
}

// Run converges the store to reflect msgs for one org/epoch: dedup,
// resolve existing documents, prepare writes, commit in bounded-parallel
// batches, and adapt the batch size from the outcome.
func (r *Reconciler) Run(ctx context.Context, orgID string, source models.Source, epoch int64, msgs []Message) (Result, error) {
	var result Result

	if !r.breaker.Allow(time.Now()) {
		return result, ErrCircuitOpen
	}

	deduped, skipped := r.dedupAndValidate(msgs)
	result.Skipped += skipped
	if len(deduped) == 0 {
		r.breaker.RecordSuccess()
		return result, nil
	}

	emails := make([]string, 0, len(deduped))
	for email := range deduped {
		emails = append(emails, email)
	}

	resolved, err := r.resolveExisting(ctx, orgID, emails)
	if err != nil {
		r.breaker.RecordFailure(time.Now())
		return result, fmt.Errorf("reconcile: resolve existing: %w", err)
	}

	ops := r.prepareWrites(orgID, source, epoch, deduped, resolved)

	processed, writeErrors, err := r.writeInWaves(ctx, orgID, ops)
	result.Processed += processed
	result.Errors += writeErrors

	if err != nil {
		r.breaker.RecordFailure(time.Now())
		return result, fmt.Errorf("reconcile: write: %w", err)
	}

	if writeErrors > 0 {
		r.breaker.RecordFailure(time.Now())
	} else {
		r.breaker.RecordSuccess()
	}

	r.adapt(len(ops), writeErrors)
	r.reportMetrics(ctx, processed, writeErrors)

	return result, nil
}

func (r *Reconciler) reportMetrics(ctx context.Context, processed, writeErrors int) {
	r.mu.Lock()
	rec := r.recorder
	size := r.currentBatchSize
	r.mu.Unlock()

	if rec == nil {
		return
	}
	rec.RecordBatch(ctx, processed, writeErrors)
	rec.SetBatchSize(ctx, size)
}

// dedupAndValidate walks msgs in reverse, keeping only the last occurrence
// of each normalized email, and drops rows that fail
// email validation.
func (r *Reconciler) dedupAndValidate(msgs []Message) (map[string]Message, int) {
	deduped := make(map[string]Message)
	skipped := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		msg := msgs[i]
		email := normalize.Email(msg.Email)
		if !normalize.ValidEmail(email) {
			skipped++
			continue
		}
		if _, seen := deduped[email]; seen {
			continue
		}
		msg.Email = email
		deduped[email] = msg
	}
	return deduped, skipped
}

// resolveExisting resolves emails to existing documents via the cache,
// falling back to chunked parallel IN queries on miss, and populates the
// cache with any newly resolved references.
func (r *Reconciler) resolveExisting(ctx context.Context, orgID string, emails []string) (map[string]*models.Employee, error) {
	now := time.Now()
	resolved := make(map[string]*models.Employee, len(emails))

	var misses []string
	for _, email := range emails {
		entry, ok := r.cache.Get(cacheKey(orgID, email), now)
		if !ok {
			misses = append(misses, email)
			continue
		}
		if entry.DocID != "" {
			resolved[email] = &models.Employee{ID: entry.DocID, Email: email}
		}
	}

	chunks := chunk(misses, r.cfg.QueryChunkSize)

	var mu sync.Mutex
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(r.cfg.MaxParallelBatches)

	for _, c := range chunks {
		c := c
		group.Go(func() error {
			found, err := r.employees.BatchGetByEmails(ctx, orgID, c)
			if err != nil {
				return err
			}

			mu.Lock()
			for _, email := range c {
				emp, ok := found[email]
				docID := ""
				if ok {
					resolved[email] = emp
					docID = emp.ID
				}
				r.cache.Set(cacheKey(orgID, email), cache.Entry{DocID: docID}, now)
			}
			mu.Unlock()
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}
	return resolved, nil
}

// prepareWrites composes the {email, statusInOrg, presentInLatest=true,
// lastSeenEpoch, updatedAt, source, lastEventId?} update for each
// deduplicated email, tagged existing/new.
func (r *Reconciler) prepareWrites(orgID string, source models.Source, epoch int64, deduped map[string]Message, resolved map[string]*models.Employee) []store.EmployeeWrite {
	now := time.Now()
	ops := make([]store.EmployeeWrite, 0, len(deduped))
	for email, msg := range deduped {
		emp := &models.Employee{
			OrgID:           orgID,
			Email:           email,
			StatusInOrg:     r.normalize.Normalize(msg.StatusInOrg),
			PresentInLatest: true,
			LastSeenEpoch:   epoch,
			UpdatedAt:       now,
			Source:          source,
			LastEventID:     msg.EventID,
		}

		existing, ok := resolved[email]
		op := store.EmployeeWrite{Employee: emp}
		if ok {
			op.Existing = true
			op.ExistingID = existing.ID
		}
		ops = append(ops, op)
	}
	return ops
}

// writeInWaves commits ops in groups of the current adaptive batch size,
// MaxParallelBatches groups in flight at a time.
func (r *Reconciler) writeInWaves(ctx context.Context, orgID string, ops []store.EmployeeWrite) (processed, errCount int, err error) {
	batchSize := r.batchSize()
	groups := chunkWrites(ops, batchSize)

	var mu sync.Mutex
	for wave := 0; wave < len(groups); wave += r.cfg.MaxParallelBatches {
		end := wave + r.cfg.MaxParallelBatches
		if end > len(groups) {
			end = len(groups)
		}

		group, waveCtx := errgroup.WithContext(ctx)
		for _, g := range groups[wave:end] {
			g := g
			group.Go(func() error {
				successCount, writeErr := r.employees.BatchWrite(waveCtx, orgID, g)
				mu.Lock()
				processed += successCount
				if writeErr != nil {
					errCount += len(g) - successCount
				}
				mu.Unlock()
				return nil // a failed group does not abort sibling groups
			})
		}
		if waveErr := group.Wait(); waveErr != nil {
			return processed, errCount, waveErr
		}
	}

	return processed, errCount, nil
}

// adapt shrinks the batch size when this invocation's error rate is
// high, and grows it back when the store is healthy. The new size
// persists across invocations on this instance.
func (r *Reconciler) adapt(attempted, errCount int) {
	if attempted == 0 {
		return
	}
	errorRate := float64(errCount) / float64(attempted)

	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case errorRate > r.cfg.AdaptiveBatchThreshold:
		r.currentBatchSize = max(r.cfg.MinBatchSize, int(float64(r.currentBatchSize)*0.7))
	case errorRate < 0.05 && r.currentBatchSize < r.cfg.MaxBatchSize:
		r.currentBatchSize = min(r.cfg.MaxBatchSize, int(float64(r.currentBatchSize)*1.2))
	}
}

func (r *Reconciler) batchSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentBatchSize
}

func cacheKey(orgID, email string) string { return orgID + "|" + email }

func chunk(items []string, size int) [][]string {
	if size <= 0 || len(items) == 0 {
		return nil
	}
	var out [][]string
	for i := 0; i < len(items); i += size {
		end := i + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[i:end])
	}
	return out
}

func chunkWrites(items []store.EmployeeWrite, size int) [][]store.EmployeeWrite {
	if size <= 0 || len(items) == 0 {
		return nil
	}
	var out [][]store.EmployeeWrite
	for i := 0; i < len(items); i += size {
		end := i + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[i:end])
	}
	return out
}
