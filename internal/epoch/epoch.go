// Package epoch hands out the monotonically increasing run identifier
// each ingestion run stamps its writes with.
package epoch

import (
	"context"
	"fmt"
	"time"

	"github.com/wolfeidau/rosterd/internal/models"
	"github.com/wolfeidau/rosterd/internal/store"
)

// Manager wraps an OrganizationStore's BeginRun/Get so callers depend
// on this narrower surface instead of the full store interface.
type Manager struct {
	orgs store.OrganizationStore
}

func New(orgs store.OrganizationStore) *Manager {
	return &Manager{orgs: orgs}
}

// Begin allocates the next epoch for orgID, creating the organization
// document on first use. name is applied if non-empty; this is how an
// ingestion run can set/refresh an organization's display name on the
// fly without a separate admin call.
//
// Allocation is delegated entirely to the store's BeginRun, which every
// backend implements as a single atomic increment (a per-org mutex in
// memory, an UPSERT ... RETURNING in Postgres, an UpdateItem ADD in
// DynamoDB): two runs racing to begin each get a distinct epoch, and the
// stored CurrentEpoch ends at the higher of the two. Only the display
// name is last-writer-wins.
func (m *Manager) Begin(ctx context.Context, orgID, name string) (int64, error) {
	if orgID == "" {
		return 0, fmt.Errorf("epoch: orgID is required")
	}
	return m.orgs.BeginRun(ctx, orgID, name, time.Now())
}

// Current returns the organization's stored state.
func (m *Manager) Current(ctx context.Context, orgID string) (*models.Organization, error) {
	return m.orgs.Get(ctx, orgID)
}
