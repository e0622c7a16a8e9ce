package bridge

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/wolfeidau/rosterd/internal/jsonschema"
	"github.com/wolfeidau/rosterd/internal/normalize"
)

// UpsertMessage is the wire shape upsert event.
type UpsertMessage struct {
	OrgID   string `json:"orgId"`
	EventID string `json:"eventId"`
	Rows    []struct {
		Email       string `json:"email"`
		StatusInOrg string `json:"statusInOrg"`
	} `json:"rows"`
}

// DeltaMessage is the wire shape delta event.
type DeltaMessage struct {
	OrgID     string `json:"orgId"`
	Email     string `json:"email"`
	DeltaType string `json:"deltaType"`
	EventID   string `json:"eventId"`
}

// ConsumerConfig mirrors Kafka block.
type ConsumerConfig struct {
	Brokers     []string
	ClientID    string
	GroupID     string
	Topic       string
	Concurrency int
}

// UpsertConsumer reads the upserts topic and feeds validated rows into a
// Batcher, one worker goroutine per CONCURRENCY slot. All workers read from
// the consumer's single kafka.Reader; the Batcher's internal lock guards
// the batch map they share.
type UpsertConsumer struct {
	cfg       ConsumerConfig
	batcher   *Batcher[Row]
	validator *jsonschema.Validator
	log       zerolog.Logger
}

func NewUpsertConsumer(cfg ConsumerConfig, batcher *Batcher[Row], validator *jsonschema.Validator, log zerolog.Logger) *UpsertConsumer {
	return &UpsertConsumer{cfg: cfg, batcher: batcher, validator: validator, log: log}
}

// Run reads messages until ctx is cancelled, logging and skipping
// malformed payloads rather than crashing.
func (c *UpsertConsumer) Run(ctx context.Context) error {
	reader := newReader(c.cfg)
	defer reader.Close()
	return runPartitionWorkers(ctx, c.cfg.Concurrency, reader, c.handle, c.log)
}

func (c *UpsertConsumer) handle(value []byte) {
	doc, err := jsonschema.DecodeJSON(value)
	if err != nil {
		c.log.Info().Err(err).Msg("upsert message skipped: invalid json")
		return
	}
	if err := c.validator.ValidateUpsertEvent(doc); err != nil {
		c.log.Info().Err(err).Msg("upsert message skipped: schema validation failed")
		return
	}

	var msg UpsertMessage
	if err := json.Unmarshal(value, &msg); err != nil {
		c.log.Info().Err(err).Msg("upsert message skipped: invalid json")
		return
	}
	if msg.OrgID == "" || msg.EventID == "" {
		c.log.Info().Msg("upsert message skipped: missing orgId/eventId")
		return
	}
	if len(msg.Rows) == 0 {
		return
	}

	rows := make([]Row, 0, len(msg.Rows))
	for _, row := range msg.Rows {
		email := normalize.Email(row.Email)
		if !normalize.ValidEmail(email) {
			continue
		}
		rows = append(rows, Row{Email: email, StatusInOrg: row.StatusInOrg})
	}
	if len(rows) == 0 {
		return
	}

	c.batcher.Add(msg.OrgID, msg.EventID, rows)
}

// DeltaConsumer reads the deltas topic. Deltas are batched by
// (orgId, eventId) the same way upserts are, but the HTTP handler on the
// receiving side applies each row in the batch sequentially — combined
// with CONCURRENCY=1 (the default), this processes deltas for a given key
// one-by-one to prevent reordering within that key.
type DeltaConsumer struct {
	cfg       ConsumerConfig
	batcher   *Batcher[DeltaRow]
	validator *jsonschema.Validator
	log       zerolog.Logger
}

func NewDeltaConsumer(cfg ConsumerConfig, batcher *Batcher[DeltaRow], validator *jsonschema.Validator, log zerolog.Logger) *DeltaConsumer {
	return &DeltaConsumer{cfg: cfg, batcher: batcher, validator: validator, log: log}
}

func (c *DeltaConsumer) Run(ctx context.Context) error {
	reader := newReader(c.cfg)
	defer reader.Close()
	return runPartitionWorkers(ctx, c.cfg.Concurrency, reader, c.handle, c.log)
}

func (c *DeltaConsumer) handle(value []byte) {
	doc, err := jsonschema.DecodeJSON(value)
	if err != nil {
		c.log.Info().Err(err).Msg("delta message skipped: invalid json")
		return
	}
	if err := c.validator.ValidateDeltaEvent(doc); err != nil {
		c.log.Info().Err(err).Msg("delta message skipped: schema validation failed")
		return
	}

	var msg DeltaMessage
	if err := json.Unmarshal(value, &msg); err != nil {
		c.log.Info().Err(err).Msg("delta message skipped: invalid json")
		return
	}
	if msg.OrgID == "" || msg.EventID == "" || msg.Email == "" || msg.DeltaType == "" {
		c.log.Info().Msg("delta message skipped: missing required field")
		return
	}

	email := normalize.Email(msg.Email)
	if !normalize.ValidEmail(email) {
		c.log.Info().Str("email", msg.Email).Msg("delta message skipped: invalid email")
		return
	}

	c.batcher.Add(msg.OrgID, msg.EventID, []DeltaRow{{Email: email, DeltaType: msg.DeltaType}})
}

func newReader(cfg ConsumerConfig) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.GroupID,
		StartOffset: kafka.LastOffset,
	})
}

// runPartitionWorkers fans a reader out to concurrency goroutines, each
// owning its own read loop; the reader's consumer-group membership is what
// actually partitions the work, concurrency just bounds how many reads
// this process has in flight at once.
func runPartitionWorkers(ctx context.Context, concurrency int, reader *kafka.Reader, handle func([]byte), log zerolog.Logger) error {
	if concurrency < 1 {
		concurrency = 1
	}

	done := make(chan struct{}, concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			for {
				msg, err := reader.ReadMessage(ctx)
				if err != nil {
					if ctx.Err() != nil {
						break
					}
					log.Warn().Err(err).Msg("kafka read failed")
					continue
				}
				handle(msg.Value)
			}
			done <- struct{}{}
		}()
	}
	for i := 0; i < concurrency; i++ {
		<-done
	}
	return nil
}

// RunFlushTimer drives Batcher.SweepAged at interval. Cancel ctx as the
// first step of shutdown, then call FlushAll.
func RunFlushTimer[T any](ctx context.Context, batcher *Batcher[T], interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			batcher.SweepAged(time.Now())
		case <-ctx.Done():
			return
		}
	}
}
