package store

import (
	"context"
	"time"

	"github.com/wolfeidau/rosterd/internal/models"
)

// OrganizationStore persists the epoch state of an organization.
type OrganizationStore interface {
	// Get retrieves an organization by id. Returns ErrOrganizationNotFound
	// if it doesn't exist; callers that treat a missing organization as
	// epoch 0 (per BeginRun's contract) should handle that sentinel.
	Get(ctx context.Context, orgID string) (*models.Organization, error)

	// BeginRun reads currentEpoch (treating a missing organization as 0),
	// writes currentEpoch+1 with merge semantics for name and updatedAt,
	// and returns the new epoch. Not transactional: concurrent callers on
	// the same orgID may race, and both read/write epoch values under
	// last-writer-wins semantics, which the data model tolerates.
	BeginRun(ctx context.Context, orgID, name string, now time.Time) (int64, error)

	// Finalize writes {currentEpoch: epoch, lastFinalizedEpoch: epoch,
	// updatedAt: now} to the organization document.
	Finalize(ctx context.Context, orgID string, epoch int64, now time.Time) error
}
