package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/rosterd/internal/cache"
	"github.com/wolfeidau/rosterd/internal/circuitbreaker"
	"github.com/wolfeidau/rosterd/internal/decode"
	"github.com/wolfeidau/rosterd/internal/delta"
	"github.com/wolfeidau/rosterd/internal/epoch"
	"github.com/wolfeidau/rosterd/internal/finalize"
	"github.com/wolfeidau/rosterd/internal/models"
	"github.com/wolfeidau/rosterd/internal/normalize"
	"github.com/wolfeidau/rosterd/internal/reconcile"
	"github.com/wolfeidau/rosterd/internal/store/memory"
)

const testAuthToken = "test-token"

func newTestServer(t *testing.T) (*Server, *memory.EmployeeStore, *memory.OrganizationStore) {
	t.Helper()

	empStore := memory.NewEmployeeStore()
	orgStore := memory.NewOrganizationStore()

	cfg := reconcile.DefaultConfig()
	c := cache.New(cfg.CacheTTL, int64(cfg.MaxCacheSizeMB)*1024*1024, zerolog.Nop())
	breaker := circuitbreaker.New(cfg.ErrorThreshold, cfg.CircuitResetAfter)
	normalizer := normalize.NewNormalizer()

	s := NewServer(Deps{
		Epochs:      epoch.New(orgStore),
		Reconciler:  reconcile.New(empStore, c, breaker, normalizer, cfg, zerolog.Nop()),
		KafkaDeltas: delta.New(empStore, models.SourceKafkaDelta, zerolog.Nop()),
		EmailDeltas: delta.New(empStore, models.SourceEmailDelta, zerolog.Nop()),
		Finalizer:   finalize.New(empStore, orgStore, zerolog.Nop()),
		Decoders:    decode.NewRegistry(),
		Normalizer:  normalizer,
		Breaker:     breaker,
		AuthToken:   testAuthToken,
	}, zerolog.Nop())

	return s, empStore, orgStore
}

func postJSON(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Auth", testAuthToken)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthReportsCircuitState(t *testing.T) {
	s, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "closed", resp.Status)
	require.Equal(t, "rosterd", resp.Service)
}

func TestIngestRejectsMissingAuth(t *testing.T) {
	s, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/ingest/kafka/upserts", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestFreshSnapshotScenario(t *testing.T) {
	// Fresh snapshot of three employees, then finalize.
	s, empStore, orgStore := newTestServer(t)
	handler := s.Handler()

	rec := postJSON(t, handler, "/ingest/kafka/upserts", upsertRequest{
		OrgID: "acme",
		Messages: []upsertRow{
			{Email: "alice@x.com", StatusInOrg: "active"},
			{Email: "bob@x.com", StatusInOrg: "active"},
			{Email: "charlie@x.com", StatusInOrg: "terminated"},
		},
		CloseAfter: true,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp upsertResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Success)
	require.Equal(t, 3, resp.Processed)
	require.True(t, resp.Finalized)
	require.Equal(t, int64(1), resp.Epoch)

	charlie, err := empStore.GetByEmail(context.Background(), "acme", "charlie@x.com")
	require.NoError(t, err)
	require.Equal(t, models.StatusLeft, charlie.StatusInOrg)
	require.True(t, charlie.PresentInLatest)

	org, err := orgStore.Get(context.Background(), "acme")
	require.NoError(t, err)
	require.Equal(t, int64(1), org.LastFinalizedEpoch)

	g := goldie.New(t)
	g.AssertJson(t, "fresh_snapshot_response", resp)
}

func TestDuplicateEmailInOneBatchLastWriteWins(t *testing.T) {
	// Two rows in one batch share an email; the later row wins.
	s, empStore, _ := newTestServer(t)

	rec := postJSON(t, s.Handler(), "/ingest/kafka/upserts", upsertRequest{
		OrgID: "acme",
		Messages: []upsertRow{
			{Email: "bob@x.com", StatusInOrg: "active"},
			{Email: "bob@x.com", StatusInOrg: "inactive"},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	bob, err := empStore.GetByEmail(context.Background(), "acme", "bob@x.com")
	require.NoError(t, err)
	require.Equal(t, models.StatusInactive, bob.StatusInOrg)
}

func TestKafkaDeltaEndpoint(t *testing.T) {
	s, empStore, _ := newTestServer(t)
	_, err := empStore.BatchWrite(context.Background(), "acme", nil)
	require.NoError(t, err)

	// seed via upsert first
	postJSON(t, s.Handler(), "/ingest/kafka/upserts", upsertRequest{
		OrgID:    "acme",
		Messages: []upsertRow{{Email: "charlie@x.com", StatusInOrg: "terminated"}},
	})

	rec := postJSON(t, s.Handler(), "/ingest/kafka/deltas", deltaRequest{
		OrgID:    "acme",
		Messages: []deltaRow{{Email: "charlie@x.com", DeltaType: "reactivated"}},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp deltaResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Processed)

	charlie, err := empStore.GetByEmail(context.Background(), "acme", "charlie@x.com")
	require.NoError(t, err)
	require.Equal(t, models.StatusActive, charlie.StatusInOrg)
	require.True(t, charlie.PresentInLatest)
}
