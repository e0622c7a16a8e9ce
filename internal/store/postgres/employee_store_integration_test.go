//go:build integration

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/wolfeidau/rosterd/internal/models"
	"github.com/wolfeidau/rosterd/internal/store"
)

func setupStores(t *testing.T, ctx context.Context) (*OrganizationStore, *EmployeeStore, func()) {
	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("rosterd"),
		tcpostgres.WithUsername("rosterd"),
		tcpostgres.WithPassword("rosterd"),
		tcpostgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)

	connString, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := NewPool(ctx, &PoolConfig{ConnString: connString})
	require.NoError(t, err)

	require.NoError(t, RunMigrations(ctx, pool, zerolog.Nop()))

	cleanup := func() {
		pool.Close()
		_ = container.Terminate(ctx)
	}
	return NewOrganizationStore(pool), NewEmployeeStore(pool), cleanup
}

func TestPostgresBeginRunIncrementsEpoch(t *testing.T) {
	ctx := context.Background()
	orgs, _, cleanup := setupStores(t, ctx)
	defer cleanup()

	epoch1, err := orgs.BeginRun(ctx, "acme", "Acme Corp", time.Now())
	require.NoError(t, err)
	require.Equal(t, int64(1), epoch1)

	epoch2, err := orgs.BeginRun(ctx, "acme", "", time.Now())
	require.NoError(t, err)
	require.Equal(t, int64(2), epoch2)

	org, err := orgs.Get(ctx, "acme")
	require.NoError(t, err)
	require.Equal(t, "Acme Corp", org.Name)
}

func TestPostgresBatchWriteThenGetByEmail(t *testing.T) {
	ctx := context.Background()
	orgs, emps, cleanup := setupStores(t, ctx)
	defer cleanup()

	_, err := orgs.BeginRun(ctx, "acme", "Acme", time.Now())
	require.NoError(t, err)

	now := time.Now()
	_, err = emps.BatchWrite(ctx, "acme", []store.EmployeeWrite{
		{Employee: &models.Employee{OrgID: "acme", Email: "alice@x.com", StatusInOrg: models.StatusActive, PresentInLatest: true, LastSeenEpoch: 1, UpdatedAt: now, Source: models.SourceKafkaUpsert}},
	})
	require.NoError(t, err)

	alice, err := emps.GetByEmail(ctx, "acme", "alice@x.com")
	require.NoError(t, err)
	require.Equal(t, models.StatusActive, alice.StatusInOrg)

	found, err := emps.BatchGetByEmails(ctx, "acme", []string{"alice@x.com", "missing@x.com"})
	require.NoError(t, err)
	require.Len(t, found, 1)
}

func TestPostgresQueryPresentBeforePaginates(t *testing.T) {
	ctx := context.Background()
	orgs, emps, cleanup := setupStores(t, ctx)
	defer cleanup()

	_, err := orgs.BeginRun(ctx, "acme", "Acme", time.Now())
	require.NoError(t, err)

	now := time.Now()
	var ops []store.EmployeeWrite
	for i := 0; i < 5; i++ {
		ops = append(ops, store.EmployeeWrite{Employee: &models.Employee{
			OrgID: "acme", Email: time.Now().Format("15:04:05.000000") + string(rune('a'+i)) + "@x.com",
			StatusInOrg: models.StatusActive, PresentInLatest: true, LastSeenEpoch: 1, UpdatedAt: now, Source: models.SourceKafkaUpsert,
		}})
	}
	_, err = emps.BatchWrite(ctx, "acme", ops)
	require.NoError(t, err)

	page, err := emps.QueryPresentBefore(ctx, "acme", 2, 2, "")
	require.NoError(t, err)
	require.Len(t, page.Employees, 2)
	require.NotEmpty(t, page.NextCursor)

	var ids []string
	for _, e := range page.Employees {
		ids = append(ids, e.ID)
	}
	require.NoError(t, emps.MarkAbsentBatch(ctx, "acme", ids, time.Now()))

	gone, err := emps.GetByEmail(ctx, "acme", page.Employees[0].Email)
	require.NoError(t, err)
	require.False(t, gone.PresentInLatest)
}

// TestPostgresQueryPresentBeforeCursorCrossesEpochBoundary reproduces a
// sweep that spans employees at two different epochs, with ids that sort
// the opposite way their epochs order. A cursor keyed on id alone would
// drop the second epoch's rows on page 2 instead of returning them.
func TestPostgresQueryPresentBeforeCursorCrossesEpochBoundary(t *testing.T) {
	ctx := context.Background()
	orgs, emps, cleanup := setupStores(t, ctx)
	defer cleanup()

	_, err := orgs.BeginRun(ctx, "acme", "Acme", time.Now())
	require.NoError(t, err)

	now := time.Now()
	_, err = emps.BatchWrite(ctx, "acme", []store.EmployeeWrite{
		{Employee: &models.Employee{OrgID: "acme", Email: "b@x.com", StatusInOrg: models.StatusActive, PresentInLatest: true, LastSeenEpoch: 1, UpdatedAt: now, Source: models.SourceKafkaUpsert}},
		{Employee: &models.Employee{OrgID: "acme", Email: "a@x.com", StatusInOrg: models.StatusActive, PresentInLatest: true, LastSeenEpoch: 1, UpdatedAt: now, Source: models.SourceKafkaUpsert}},
		{Employee: &models.Employee{OrgID: "acme", Email: "c@x.com", StatusInOrg: models.StatusActive, PresentInLatest: true, LastSeenEpoch: 2, UpdatedAt: now, Source: models.SourceKafkaUpsert}},
	})
	require.NoError(t, err)

	var seen []string
	cursor := ""
	for {
		page, err := emps.QueryPresentBefore(ctx, "acme", 3, 2, cursor)
		require.NoError(t, err)
		for _, e := range page.Employees {
			seen = append(seen, e.Email)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	require.ElementsMatch(t, []string{"a@x.com", "b@x.com", "c@x.com"}, seen)
}
