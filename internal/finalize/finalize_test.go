package finalize

import (
	"context"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/rosterd/internal/models"
	"github.com/wolfeidau/rosterd/internal/store"
	"github.com/wolfeidau/rosterd/internal/store/memory"
)

func seedEmployee(t *testing.T, empStore *memory.EmployeeStore, orgID, email string, lastSeenEpoch int64, present bool) {
	t.Helper()
	_, err := empStore.BatchWrite(context.Background(), orgID, []store.EmployeeWrite{{
		Employee: &models.Employee{
			OrgID:           orgID,
			Email:           email,
			StatusInOrg:     models.StatusActive,
			PresentInLatest: present,
			LastSeenEpoch:   lastSeenEpoch,
			Source:          models.SourceKafkaUpsert,
		},
	}})
	require.NoError(t, err)
}

func TestFinalizeMarksStaleEmployeesAbsent(t *testing.T) {
	ctx := context.Background()
	empStore := memory.NewEmployeeStore()
	orgStore := memory.NewOrganizationStore()

	seedEmployee(t, empStore, "acme", "alice@x.com", 1, true)
	seedEmployee(t, empStore, "acme", "bob@x.com", 2, true)

	f := New(empStore, orgStore, zerolog.Nop())
	result, err := f.Run(ctx, "acme", 2)
	require.NoError(t, err)
	require.Equal(t, 1, result.MarkedAbsent, "only alice's lastSeenEpoch(1) is below epoch 2")

	alice, err := empStore.GetByEmail(ctx, "acme", "alice@x.com")
	require.NoError(t, err)
	require.False(t, alice.PresentInLatest)

	bob, err := empStore.GetByEmail(ctx, "acme", "bob@x.com")
	require.NoError(t, err)
	require.True(t, bob.PresentInLatest)

	org, err := orgStore.Get(ctx, "acme")
	require.NoError(t, err)
	require.Equal(t, int64(2), org.LastFinalizedEpoch)
}

func TestFinalizeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	empStore := memory.NewEmployeeStore()
	orgStore := memory.NewOrganizationStore()
	seedEmployee(t, empStore, "acme", "alice@x.com", 1, true)

	f := New(empStore, orgStore, zerolog.Nop())

	first, err := f.Run(ctx, "acme", 2)
	require.NoError(t, err)
	require.Equal(t, 1, first.MarkedAbsent)

	second, err := f.Run(ctx, "acme", 2)
	require.NoError(t, err)
	require.Equal(t, 0, second.MarkedAbsent, "second run over the same epoch finds nothing left to mark")
}

func TestFinalizePaginatesExactPageBoundary(t *testing.T) {
	ctx := context.Background()
	empStore := memory.NewEmployeeStore()
	orgStore := memory.NewOrganizationStore()

	// Seed exactly pageSize stale employees so the first page is full; the
	// boundary case in requires this to still terminate rather
	// than loop forever expecting a second page.
	for i := 0; i < pageSize; i++ {
		seedEmployee(t, empStore, "acme", email(i), 1, true)
	}

	f := New(empStore, orgStore, zerolog.Nop())
	result, err := f.Run(ctx, "acme", 2)
	require.NoError(t, err)
	require.Equal(t, pageSize, result.MarkedAbsent)
	require.Equal(t, 1, result.Pages, "a full final page must still terminate without a trailing empty page")
}

func email(i int) string {
	return fmt.Sprintf("person%d@x.com", i)
}
