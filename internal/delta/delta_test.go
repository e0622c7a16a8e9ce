package delta

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/rosterd/internal/models"
	"github.com/wolfeidau/rosterd/internal/store"
	"github.com/wolfeidau/rosterd/internal/store/memory"
)

func TestApplyTransitions(t *testing.T) {
	ctx := context.Background()
	empStore := memory.NewEmployeeStore()
	_, err := empStore.BatchWrite(ctx, "acme", []store.EmployeeWrite{{
		Employee: &models.Employee{OrgID: "acme", Email: "charlie@x.com", StatusInOrg: models.StatusActive, PresentInLatest: true, LastSeenEpoch: 1},
	}})
	require.NoError(t, err)

	p := New(empStore, models.SourceKafkaDelta, zerolog.Nop())

	result, err := p.ApplyAll(ctx, "acme", []Message{{Email: "charlie@x.com", DeltaType: Reactivated}})
	require.NoError(t, err)
	require.Equal(t, 1, result.Processed)

	emp, err := empStore.GetByEmail(ctx, "acme", "charlie@x.com")
	require.NoError(t, err)
	require.Equal(t, models.StatusActive, emp.StatusInOrg)
	require.True(t, emp.PresentInLatest)
	require.Equal(t, int64(1), emp.LastSeenEpoch, "delta must never touch lastSeenEpoch")
}

func TestApplySkipsUnknownEmployee(t *testing.T) {
	ctx := context.Background()
	empStore := memory.NewEmployeeStore()
	p := New(empStore, models.SourceEmailDelta, zerolog.Nop())

	result, err := p.ApplyAll(ctx, "acme", []Message{{Email: "ghost@x.com", DeltaType: Left}})
	require.NoError(t, err)
	require.Equal(t, 0, result.Processed)
	require.Equal(t, 1, result.Skipped)
}

func TestApplySkipsInvalidEmailAndUnknownType(t *testing.T) {
	ctx := context.Background()
	empStore := memory.NewEmployeeStore()
	p := New(empStore, models.SourceEmailDelta, zerolog.Nop())

	result, err := p.ApplyAll(ctx, "acme", []Message{
		{Email: "not-an-email", DeltaType: Left},
		{Email: "bob@x.com", DeltaType: "retired"},
	})
	require.NoError(t, err)
	require.Equal(t, 0, result.Processed)
	require.Equal(t, 2, result.Skipped)
}

func TestApplyLeftTransition(t *testing.T) {
	ctx := context.Background()
	empStore := memory.NewEmployeeStore()
	_, err := empStore.BatchWrite(ctx, "acme", []store.EmployeeWrite{{
		Employee: &models.Employee{OrgID: "acme", Email: "dee@x.com", StatusInOrg: models.StatusActive, PresentInLatest: true, LastSeenEpoch: 3},
	}})
	require.NoError(t, err)

	p := New(empStore, models.SourceKafkaDelta, zerolog.Nop())
	_, err = p.ApplyAll(ctx, "acme", []Message{{Email: "DEE@x.com", DeltaType: Left, EventID: "evt-1"}})
	require.NoError(t, err)

	emp, err := empStore.GetByEmail(ctx, "acme", "dee@x.com")
	require.NoError(t, err)
	require.Equal(t, models.StatusLeft, emp.StatusInOrg)
	require.False(t, emp.PresentInLatest)
	require.Equal(t, "evt-1", emp.LastEventID)
}
