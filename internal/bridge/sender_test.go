package bridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSender(baseURL string) *Sender {
	return NewSender(SenderConfig{
		BaseURL:        baseURL,
		IngestionToken: "test-token",
		HTTPTimeout:    time.Second,
		RetryBase:      time.Millisecond,
		RetryMax:       10 * time.Millisecond,
		MaxRetries:     5,
	}, zerolog.Nop())
}

func TestSendUpsertsSucceedsOn200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-token", r.Header.Get("X-Auth"))
		assert.Equal(t, "acme", r.URL.Query().Get("orgId"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := newTestSender(srv.URL)
	err := s.SendUpserts(context.Background(), "acme", "evt-1", []Row{{Email: "a@x.com", StatusInOrg: "active"}})
	require.NoError(t, err)
}

func TestSend409IsTreatedAsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	s := newTestSender(srv.URL)
	err := s.SendUpserts(context.Background(), "acme", "evt-1", []Row{{Email: "a@x.com"}})
	require.NoError(t, err, "409 is an idempotent duplicate, not an error")
}

func TestSendRetriesOn500ThenSucceeds(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := newTestSender(srv.URL)
	err := s.SendUpserts(context.Background(), "acme", "evt-1", []Row{{Email: "a@x.com"}})
	require.NoError(t, err)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestSendDoesNotRetryOn400(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	s := newTestSender(srv.URL)
	err := s.SendUpserts(context.Background(), "acme", "evt-1", []Row{{Email: "a@x.com"}})
	require.Error(t, err)
	assert.Equal(t, int32(1), attempts.Load(), "a non-429 4xx must not be retried")
}

func TestSendGzipsLargeBodies(t *testing.T) {
	var sawGzip bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawGzip = r.Header.Get("Content-Encoding") == "gzip"
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rows := make([]Row, 0, 2000)
	for i := 0; i < 2000; i++ {
		rows = append(rows, Row{Email: "person@example.com", StatusInOrg: "active"})
	}

	s := newTestSender(srv.URL)
	err := s.SendUpserts(context.Background(), "acme", "evt-1", rows)
	require.NoError(t, err)
	assert.True(t, sawGzip, "a large batch body should be gzip-compressed")
}
