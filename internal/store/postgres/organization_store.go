package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wolfeidau/rosterd/internal/models"
	"github.com/wolfeidau/rosterd/internal/store"
)

// OrganizationStore implements store.OrganizationStore on top of a single
// organizations table, matching the epoch fields directly
// onto columns rather than a document blob.
type OrganizationStore struct {
	pool *pgxpool.Pool
}

func NewOrganizationStore(pool *pgxpool.Pool) *OrganizationStore {
	return &OrganizationStore{pool: pool}
}

func (s *OrganizationStore) Get(ctx context.Context, orgID string) (*models.Organization, error) {
	const query = `
		SELECT org_id, name, current_epoch, last_finalized_epoch, updated_at
		FROM organizations
		WHERE org_id = $1
	`

	var org models.Organization
	err := s.pool.QueryRow(ctx, query, orgID).Scan(
		&org.OrgID, &org.Name, &org.CurrentEpoch, &org.LastFinalizedEpoch, &org.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrOrganizationNotFound
		}
		return nil, mapPostgresError(fmt.Errorf("get organization: %w", err))
	}
	return &org, nil
}

// BeginRun upserts the organization row, incrementing current_epoch by one
// and merging name when non-empty, mirroring the document store's
// get-then-set-merge with a single round trip instead of two (this is a
// single-row UPSERT, not a transaction spanning other tables).
func (s *OrganizationStore) BeginRun(ctx context.Context, orgID, name string, now time.Time) (int64, error) {
	const query = `
		INSERT INTO organizations (org_id, name, current_epoch, last_finalized_epoch, updated_at)
		VALUES ($1, $2, 1, 0, $3)
		ON CONFLICT (org_id) DO UPDATE SET
			current_epoch = organizations.current_epoch + 1,
			name = CASE WHEN $2 != '' THEN $2 ELSE organizations.name END,
			updated_at = $3
		RETURNING current_epoch
	`

	var epoch int64
	if err := s.pool.QueryRow(ctx, query, orgID, name, now).Scan(&epoch); err != nil {
		return 0, mapPostgresError(fmt.Errorf("begin run: %w", err))
	}
	return epoch, nil
}

func (s *OrganizationStore) Finalize(ctx context.Context, orgID string, epoch int64, now time.Time) error {
	const query = `
		UPDATE organizations
		SET current_epoch = $2, last_finalized_epoch = $2, updated_at = $3
		WHERE org_id = $1
	`

	result, err := s.pool.Exec(ctx, query, orgID, epoch, now)
	if err != nil {
		return mapPostgresError(fmt.Errorf("finalize: %w", err))
	}
	if result.RowsAffected() == 0 {
		return store.ErrOrganizationNotFound
	}
	return nil
}
