// Package metrics wires the cross-cutting observability surface: cache
// hit rate, adaptive batch size, circuit breaker state, and error rate,
// exported via OTLP.
package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Recorder holds the instruments rosterd emits. Fields are the
// observable/counter handles, not raw values — callers record
// measurements through the methods below, which keeps the instrument
// wiring in one place.
type Recorder struct {
	meter metric.Meter

	batchesProcessed metric.Int64Counter
	batchErrors      metric.Int64Counter
	cacheHits        metric.Int64Counter
	cacheMisses      metric.Int64Counter
	currentBatchSize metric.Int64Gauge
	circuitState     metric.Int64Gauge
	errorRate        metric.Float64Gauge
}

// circuitStateValue maps breaker states onto a gauge value, closed=0,
// half_open=1, open=2, so a single numeric series can be graphed.
func circuitStateValue(state string) int64 {
	switch state {
	case "half_open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}

func New(meter metric.Meter) (*Recorder, error) {
	batchesProcessed, err := meter.Int64Counter("rosterd.reconcile.batches_processed",
		metric.WithDescription("employee write batches committed by the reconciler"))
	if err != nil {
		return nil, fmt.Errorf("metrics: batches_processed: %w", err)
	}
	batchErrors, err := meter.Int64Counter("rosterd.reconcile.batch_errors",
		metric.WithDescription("employee write failures observed by the reconciler"))
	if err != nil {
		return nil, fmt.Errorf("metrics: batch_errors: %w", err)
	}
	cacheHits, err := meter.Int64Counter("rosterd.cache.hits",
		metric.WithDescription("email lookup cache hits"))
	if err != nil {
		return nil, fmt.Errorf("metrics: cache_hits: %w", err)
	}
	cacheMisses, err := meter.Int64Counter("rosterd.cache.misses",
		metric.WithDescription("email lookup cache misses"))
	if err != nil {
		return nil, fmt.Errorf("metrics: cache_misses: %w", err)
	}
	currentBatchSize, err := meter.Int64Gauge("rosterd.reconcile.batch_size",
		metric.WithDescription("adaptive write batch size currently in effect"))
	if err != nil {
		return nil, fmt.Errorf("metrics: batch_size: %w", err)
	}
	circuitState, err := meter.Int64Gauge("rosterd.reconcile.circuit_state",
		metric.WithDescription("circuit breaker state: 0=closed, 1=half_open, 2=open"))
	if err != nil {
		return nil, fmt.Errorf("metrics: circuit_state: %w", err)
	}
	errorRate, err := meter.Float64Gauge("rosterd.reconcile.error_rate",
		metric.WithDescription("cumulative write error rate observed by the circuit breaker"))
	if err != nil {
		return nil, fmt.Errorf("metrics: error_rate: %w", err)
	}

	return &Recorder{
		meter:            meter,
		batchesProcessed: batchesProcessed,
		batchErrors:      batchErrors,
		cacheHits:        cacheHits,
		cacheMisses:      cacheMisses,
		currentBatchSize: currentBatchSize,
		circuitState:     circuitState,
		errorRate:        errorRate,
	}, nil
}

func (r *Recorder) RecordBatch(ctx context.Context, processed, failed int) {
	if processed > 0 {
		r.batchesProcessed.Add(ctx, int64(processed))
	}
	if failed > 0 {
		r.batchErrors.Add(ctx, int64(failed))
	}
}

func (r *Recorder) RecordCacheLookup(ctx context.Context, hit bool) {
	if hit {
		r.cacheHits.Add(ctx, 1)
		return
	}
	r.cacheMisses.Add(ctx, 1)
}

func (r *Recorder) SetBatchSize(ctx context.Context, size int) {
	r.currentBatchSize.Record(ctx, int64(size))
}

func (r *Recorder) SetCircuitState(ctx context.Context, state string) {
	r.circuitState.Record(ctx, circuitStateValue(state))
}

func (r *Recorder) SetErrorRate(ctx context.Context, rate float64) {
	r.errorRate.Record(ctx, rate)
}

// NewOTLPMeterProvider builds a push-based otlpmetricgrpc exporter pointed
// at collectorEndpoint. Callers must Shutdown the returned provider during
// graceful shutdown to flush any buffered points.
func NewOTLPMeterProvider(ctx context.Context, collectorEndpoint string) (*sdkmetric.MeterProvider, error) {
	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(collectorEndpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: create otlp exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
	)
	return provider, nil
}
