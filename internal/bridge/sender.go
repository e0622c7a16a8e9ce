package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
)

// gzipThresholdBytes is the body size above which the sender compresses
// the request, keeping small batches on the simpler uncompressed path.
const gzipThresholdBytes = 8 * 1024

// SenderConfig mirrors HTTP/retry block.
type SenderConfig struct {
	BaseURL        string
	IngestionToken string
	HTTPTimeout    time.Duration
	RetryBase      time.Duration
	RetryMax       time.Duration
	MaxRetries     uint
}

// Sender POSTs batches to the reconciler's ingestion endpoints with
// idempotent retry: an exponential-backoff send loop on a single
// synchronous call per batch rather than a background drain loop.
type Sender struct {
	cfg    SenderConfig
	client *http.Client
	log    zerolog.Logger
}

func NewSender(cfg SenderConfig, log zerolog.Logger) *Sender {
	return &Sender{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.HTTPTimeout,
		},
		log: log,
	}
}

// nonRetryable marks an error that backoff.Retry must not retry further on
//.
type nonRetryable struct{ err error }

func (e *nonRetryable) Error() string { return e.err.Error() }
func (e *nonRetryable) Unwrap() error { return e.err }

// SendUpserts posts one flushed batch to /ingest/kafka/upserts.
func (s *Sender) SendUpserts(ctx context.Context, orgID, eventID string, rows []Row) error {
	return s.send(ctx, "/ingest/kafka/upserts", orgID, eventID, map[string]any{
		"orgId":    orgID,
		"messages": rows,
	})
}

// SendDeltas posts one flushed batch to /ingest/kafka/deltas.
func (s *Sender) SendDeltas(ctx context.Context, orgID, eventID string, rows []DeltaRow) error {
	return s.send(ctx, "/ingest/kafka/deltas", orgID, eventID, map[string]any{
		"orgId":    orgID,
		"messages": rows,
	})
}

func (s *Sender) send(ctx context.Context, path, orgID, eventID string, body map[string]any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("bridge: marshal batch: %w", err)
	}

	boff := backoff.NewExponentialBackOff()
	boff.InitialInterval = s.cfg.RetryBase
	boff.MaxInterval = s.cfg.RetryMax
	boff.Multiplier = 2
	boff.RandomizationFactor = 0.2

	operation := func() (struct{}, error) {
		err := s.attempt(ctx, path, orgID, eventID, payload)
		if err == nil {
			return struct{}{}, nil
		}
		var nr *nonRetryable
		if errors.As(err, &nr) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	_, err = backoff.Retry(ctx, operation,
		backoff.WithBackOff(boff),
		backoff.WithMaxTries(s.cfg.MaxRetries),
	)
	if err != nil {
		s.log.Error().
			Err(err).
			Str("org_id", orgID).
			Str("event_id", eventID).
			Str("path", path).
			Msg("batch dropped after exhausting retries")
		return err
	}
	return nil
}

// attempt performs a single HTTP POST and classifies the outcome: 2xx and
// 409 are success, 5xx/429/network errors are retryable, other 4xx are
// not.
func (s *Sender) attempt(ctx context.Context, path, orgID, eventID string, payload []byte) error {
	body, contentEncoding, err := s.encodeBody(payload)
	if err != nil {
		return fmt.Errorf("bridge: encode body: %w", err)
	}

	u, err := url.Parse(s.cfg.BaseURL + path)
	if err != nil {
		return &nonRetryable{fmt.Errorf("bridge: parse url: %w", err)}
	}
	q := u.Query()
	q.Set("orgId", orgID)
	q.Set("eventId", eventID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return &nonRetryable{fmt.Errorf("bridge: build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Auth", s.cfg.IngestionToken)
	if contentEncoding != "" {
		req.Header.Set("Content-Encoding", contentEncoding)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("bridge: http request: %w", err) // network/timeout: retryable
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusConflict:
		return nil // idempotent duplicate, treated as success
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("bridge: rate limited (%d)", resp.StatusCode)
	case resp.StatusCode >= 500:
		return fmt.Errorf("bridge: server error (%d)", resp.StatusCode)
	default:
		return &nonRetryable{fmt.Errorf("bridge: non-retryable response (%d)", resp.StatusCode)}
	}
}

func (s *Sender) encodeBody(payload []byte) ([]byte, string, error) {
	if len(payload) < gzipThresholdBytes {
		return payload, "", nil
	}

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(payload); err != nil {
		return nil, "", err
	}
	if err := gw.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), "gzip", nil
}
