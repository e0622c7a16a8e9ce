package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"github.com/wolfeidau/rosterd/internal/bridge"
	"github.com/wolfeidau/rosterd/internal/cache"
	"github.com/wolfeidau/rosterd/internal/circuitbreaker"
	"github.com/wolfeidau/rosterd/internal/decode"
	"github.com/wolfeidau/rosterd/internal/delta"
	"github.com/wolfeidau/rosterd/internal/epoch"
	"github.com/wolfeidau/rosterd/internal/finalize"
	"github.com/wolfeidau/rosterd/internal/httpapi"
	"github.com/wolfeidau/rosterd/internal/jsonschema"
	"github.com/wolfeidau/rosterd/internal/logger"
	"github.com/wolfeidau/rosterd/internal/metrics"
	"github.com/wolfeidau/rosterd/internal/models"
	"github.com/wolfeidau/rosterd/internal/normalize"
	"github.com/wolfeidau/rosterd/internal/reconcile"
	"github.com/wolfeidau/rosterd/internal/store"
	dynamodbstore "github.com/wolfeidau/rosterd/internal/store/dynamodb"
	memorystore "github.com/wolfeidau/rosterd/internal/store/memory"
	postgresstore "github.com/wolfeidau/rosterd/internal/store/postgres"
)

// ServerCmd starts the reconciliation core's HTTP ingestion surface and,
// unless the Kafka brokers list is empty, its Batching Bridge consumers in
// the same process — the bridge's sender then posts batches back to this
// process's own /ingest/kafka/* endpoints (or to another rosterd instance
// entirely, if ListenURL points elsewhere, for operators who want to scale
// the bridge and the reconciler independently).
type ServerCmd struct {
	Listen string `help:"HTTP server listen address" default:"0.0.0.0:8080" env:"PORT"`

	IngestionToken string `help:"shared token required on ingestion endpoints" env:"INGESTION_TOKEN"`

	StoreType     string             `help:"document store backend" default:"memory" env:"STORE_TYPE" enum:"memory,postgres,dynamodb"`
	PostgresStore PostgresStoreFlags `embed:"" prefix:"postgres-"`
	DynamoDBStore DynamoDBStoreFlags `embed:"" prefix:"dynamodb-"`

	Kafka  KafkaFlags  `embed:"" prefix:"kafka-"`
	Bridge BridgeFlags `embed:"" prefix:"bridge-"`
	Recon  ReconFlags  `embed:"" prefix:"reconcile-"`

	VocabFile        string `help:"path to a vocab.yaml overriding the status normalization vocabulary" env:"VOCAB_FILE"`
	MetricsCollector string `help:"OTLP/gRPC collector endpoint for metrics, disabled if empty" env:"METRICS_COLLECTOR_ENDPOINT"`
}

type PostgresStoreFlags struct {
	ConnString  string `help:"PostgreSQL connection string" env:"POSTGRES_CONNECTION_STRING"`
	AutoMigrate bool   `help:"run database migrations on startup" default:"true" env:"POSTGRES_AUTO_MIGRATE"`
}

type DynamoDBStoreFlags struct {
	Env            string `help:"environment prefix used to derive table names" default:"dev" env:"DYNAMODB_ENV"`
	Endpoint       string `help:"DynamoDB endpoint override, for local testing" env:"DYNAMODB_ENDPOINT"`
	CleanResources bool   `help:"recreate tables on startup, destroying existing data" default:"false" env:"DYNAMODB_CLEAN_RESOURCES"`
}

// KafkaFlags configures the event source. Brokers left empty disables
// the bridge entirely, which is the expected shape for an operator
// driving ingestion purely through /ingest/email or direct calls to
// /ingest/kafka/* from some other producer.
type KafkaFlags struct {
	Brokers     []string `help:"Kafka broker addresses" env:"KAFKA_BROKERS"`
	ClientID    string   `help:"Kafka client id" default:"rosterd" env:"KAFKA_CLIENT_ID"`
	GroupID     string   `help:"Kafka consumer group id" default:"rosterd" env:"KAFKA_GROUP_ID"`
	TopicUpsert string   `help:"upserts topic" default:"roster-upserts" env:"TOPIC_UPSERTS"`
	TopicDelta  string   `help:"deltas topic" default:"roster-deltas" env:"TOPIC_DELTAS"`
	Concurrency int      `help:"in-flight messages per partition worker" default:"1" env:"CONCURRENCY"`
}

// BridgeFlags configures the bridge's batching and retry behavior.
type BridgeFlags struct {
	NormalizerBaseURL string        `help:"base URL the bridge POSTs batches to" default:"http://127.0.0.1:8080" env:"NORMALIZER_BASE_URL"`
	HTTPTimeoutMs     int           `help:"HTTP client timeout in milliseconds" default:"10000" env:"HTTP_TIMEOUT_MS"`
	BatchMaxRows      int           `help:"row count that triggers an immediate flush" default:"1000" env:"BATCH_MAX_ROWS"`
	BatchMaxMs        int           `help:"age in milliseconds that triggers a flush" default:"1200" env:"BATCH_MAX_MS"`
	RetryBaseMs       int           `help:"initial retry backoff in milliseconds" default:"500" env:"RETRY_BASE_MS"`
	RetryMaxMs        int           `help:"maximum retry backoff in milliseconds" default:"15000" env:"RETRY_MAX_MS"`
	MaxRetries        uint          `help:"maximum send attempts before dropping a batch" default:"8" env:"MAX_RETRIES"`
}

// ReconFlags configures the reconciler.
type ReconFlags struct {
	BatchSize              int     `help:"initial/maximum write batch size" default:"500" env:"FIRESTORE_BATCH_SIZE"`
	QueryChunkSize         int     `help:"where-in chunk size for cached lookups" default:"10" env:"QUERY_CHUNK_SIZE"`
	MaxParallelBatches     int     `help:"bound on in-flight write batches" default:"5" env:"MAX_PARALLEL_BATCHES"`
	CacheTTLMs             int     `help:"email lookup cache TTL in milliseconds" default:"300000" env:"CACHE_TTL_MS"`
	MaxCacheSizeMB         int     `help:"email lookup cache size bound in megabytes" default:"100" env:"MAX_CACHE_SIZE_MB"`
	ErrorThreshold         float64 `help:"write error rate that trips the circuit breaker" default:"0.3" env:"ERROR_THRESHOLD"`
	CircuitResetMs         int     `help:"circuit breaker half-open retry interval in milliseconds" default:"60000" env:"CIRCUIT_RESET_MS"`
	AdaptiveBatchThreshold float64 `help:"write error rate above which the reconciler shrinks its batch size" default:"0.8" env:"ADAPTIVE_BATCH_THRESHOLD"`
}

func (c *ServerCmd) Run(globals *Globals) error {
	log := logger.Setup(globals.Dev)
	log.Info().Str("version", globals.Version).Str("store", c.StoreType).Msg("starting rosterd")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	orgStore, empStore, closeStore, err := c.buildStore(ctx, log)
	if err != nil {
		return fmt.Errorf("build store: %w", err)
	}
	defer closeStore()

	var recorder *metrics.Recorder
	if c.MetricsCollector != "" {
		provider, err := metrics.NewOTLPMeterProvider(ctx, c.MetricsCollector)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize metrics, continuing without them")
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := provider.Shutdown(shutdownCtx); err != nil {
					log.Error().Err(err).Msg("failed to shut down metrics provider")
				}
			}()
			otel.SetMeterProvider(provider)
			recorder, err = metrics.New(provider.Meter("rosterd"))
			if err != nil {
				log.Warn().Err(err).Msg("failed to build metrics recorder, continuing without them")
				recorder = nil
			}
		}
	}

	normalizer := normalize.NewNormalizer()
	if c.VocabFile != "" {
		watcher, err := normalize.WatchVocabFile(normalizer, c.VocabFile, log)
		if err != nil {
			return fmt.Errorf("load vocab file: %w", err)
		}
		defer watcher.Close()
	}

	breaker := circuitbreaker.New(c.Recon.ErrorThreshold, time.Duration(c.Recon.CircuitResetMs)*time.Millisecond)
	emailCache := cache.NewFromMB(time.Duration(c.Recon.CacheTTLMs)*time.Millisecond, c.Recon.MaxCacheSizeMB, log)
	if recorder != nil {
		breaker.SetRecorder(recorder)
		emailCache.SetRecorder(recorder)
	}

	reconcilerCfg := reconcile.Config{
		QueryChunkSize:         c.Recon.QueryChunkSize,
		MaxParallelBatches:     c.Recon.MaxParallelBatches,
		InitialBatchSize:       c.Recon.BatchSize,
		MinBatchSize:           max(100, c.Recon.BatchSize/5),
		MaxBatchSize:           c.Recon.BatchSize,
		AdaptiveBatchThreshold: c.Recon.AdaptiveBatchThreshold,
		ErrorThreshold:         c.Recon.ErrorThreshold,
		CircuitResetAfter:      time.Duration(c.Recon.CircuitResetMs) * time.Millisecond,
		CacheTTL:               time.Duration(c.Recon.CacheTTLMs) * time.Millisecond,
		MaxCacheSizeMB:         c.Recon.MaxCacheSizeMB,
	}
	reconciler := reconcile.New(empStore, emailCache, breaker, normalizer, reconcilerCfg, log)
	if recorder != nil {
		reconciler.SetRecorder(recorder)
	}

	epochs := epoch.New(orgStore)
	finalizer := finalize.New(empStore, orgStore, log)
	kafkaDeltas := delta.New(empStore, models.SourceKafkaDelta, log)
	emailDeltas := delta.New(empStore, models.SourceEmailDelta, log)
	decoders := decode.NewRegistry()

	srv := httpapi.NewServer(httpapi.Deps{
		Epochs:      epochs,
		Reconciler:  reconciler,
		KafkaDeltas: kafkaDeltas,
		EmailDeltas: emailDeltas,
		Finalizer:   finalizer,
		Decoders:    decoders,
		Normalizer:  normalizer,
		Breaker:     breaker,
		AuthToken:   c.IngestionToken,
	}, log)

	httpServer := configureHTTPServer(c.Listen, srv.Handler())
	serveErrCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", c.Listen).Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, context.Canceled) {
			serveErrCh <- err
		}
	}()

	bridgeStop, bridgeErrCh, err := c.runBridge(ctx, log)
	if err != nil {
		return fmt.Errorf("start bridge: %w", err)
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-serveErrCh:
		log.Error().Err(err).Msg("http server failed")
	case err := <-bridgeErrCh:
		log.Error().Err(err).Msg("bridge consumer failed")
	}

	bridgeStop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown failed")
	}

	return nil
}

// buildStore constructs the document store backend named by StoreType.
// The returned close func releases whatever connection the backend holds
// open (a no-op for the memory backend).
func (c *ServerCmd) buildStore(ctx context.Context, log zerolog.Logger) (store.OrganizationStore, store.EmployeeStore, func(), error) {
	switch c.StoreType {
	case "postgres":
		pool, err := postgresstore.NewPool(ctx, &postgresstore.PoolConfig{ConnString: c.PostgresStore.ConnString})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("create connection pool: %w", err)
		}
		if c.PostgresStore.AutoMigrate {
			if err := postgresstore.RunMigrations(ctx, pool, log); err != nil {
				pool.Close()
				return nil, nil, nil, fmt.Errorf("run migrations: %w", err)
			}
		}
		log.Info().Msg("using postgres store")
		return postgresstore.NewOrganizationStore(pool), postgresstore.NewEmployeeStore(pool), pool.Close, nil

	case "dynamodb":
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("load aws config: %w", err)
		}
		client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
			if c.DynamoDBStore.Endpoint != "" {
				o.BaseEndpoint = &c.DynamoDBStore.Endpoint
			}
		})
		orgsTable, employeesTable, err := dynamodbstore.CreateTables(ctx, client, c.DynamoDBStore.Env, c.DynamoDBStore.CleanResources)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("create tables: %w", err)
		}
		log.Info().Str("orgs_table", orgsTable).Str("employees_table", employeesTable).Msg("using dynamodb store")
		return dynamodbstore.NewOrganizationStore(client, orgsTable), dynamodbstore.NewEmployeeStore(client, employeesTable), func() {}, nil

	default:
		log.Info().Msg("using in-memory store")
		return memorystore.NewOrganizationStore(), memorystore.NewEmployeeStore(), func() {}, nil
	}
}

// runBridge starts the Kafka consumers when brokers are configured,
// returning a stop func that cancels the consumers and flushes every
// pending batch regardless of age, and a channel that reports the first
// consumer failure.
func (c *ServerCmd) runBridge(parent context.Context, log zerolog.Logger) (func(), <-chan error, error) {
	errCh := make(chan error, 2)
	if len(c.Kafka.Brokers) == 0 {
		log.Info().Msg("no kafka brokers configured, bridge disabled")
		return func() {}, errCh, nil
	}

	validator, err := jsonschema.New()
	if err != nil {
		return nil, nil, fmt.Errorf("build schema validator: %w", err)
	}

	sender := bridge.NewSender(bridge.SenderConfig{
		BaseURL:        c.Bridge.NormalizerBaseURL,
		IngestionToken: c.IngestionToken,
		HTTPTimeout:    time.Duration(c.Bridge.HTTPTimeoutMs) * time.Millisecond,
		RetryBase:      time.Duration(c.Bridge.RetryBaseMs) * time.Millisecond,
		RetryMax:       time.Duration(c.Bridge.RetryMaxMs) * time.Millisecond,
		MaxRetries:     c.Bridge.MaxRetries,
	}, log)

	batcherCfg := bridge.Config{
		MaxRows: c.Bridge.BatchMaxRows,
		MaxAge:  time.Duration(c.Bridge.BatchMaxMs) * time.Millisecond,
	}

	ctx, cancel := context.WithCancel(parent)

	// sendCtx backs the sender calls the batchers make, including the
	// FlushAll call on shutdown. It must not be the same context cancel()
	// tears down below, or every shutdown flush would start its HTTP
	// send already cancelled and fail before the first attempt.
	sendCtx := context.Background()

	upsertBatcher := bridge.New(batcherCfg, func(orgID, eventID string, rows []bridge.Row) {
		if err := sender.SendUpserts(sendCtx, orgID, eventID, rows); err != nil {
			log.Error().Err(err).Str("org_id", orgID).Msg("upsert batch send failed permanently")
		}
	})
	deltaBatcher := bridge.New(batcherCfg, func(orgID, eventID string, rows []bridge.DeltaRow) {
		if err := sender.SendDeltas(sendCtx, orgID, eventID, rows); err != nil {
			log.Error().Err(err).Str("org_id", orgID).Msg("delta batch send failed permanently")
		}
	})

	consumerCfg := bridge.ConsumerConfig{
		Brokers:     c.Kafka.Brokers,
		ClientID:    c.Kafka.ClientID,
		GroupID:     c.Kafka.GroupID,
		Concurrency: c.Kafka.Concurrency,
	}
	upsertCfg := consumerCfg
	upsertCfg.Topic = c.Kafka.TopicUpsert
	deltaCfg := consumerCfg
	deltaCfg.Topic = c.Kafka.TopicDelta

	upsertConsumer := bridge.NewUpsertConsumer(upsertCfg, upsertBatcher, validator, log)
	deltaConsumer := bridge.NewDeltaConsumer(deltaCfg, deltaBatcher, validator, log)

	go bridge.RunFlushTimer(ctx, upsertBatcher, batcherCfg.MaxAge)
	go bridge.RunFlushTimer(ctx, deltaBatcher, batcherCfg.MaxAge)

	go func() {
		if err := upsertConsumer.Run(ctx); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("upsert consumer: %w", err)
		}
	}()
	go func() {
		if err := deltaConsumer.Run(ctx); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("delta consumer: %w", err)
		}
	}()

	stop := func() {
		cancel()
		upsertBatcher.FlushAll()
		deltaBatcher.FlushAll()
	}
	return stop, errCh, nil
}
