package memory

import (
	"context"
	"sync"
	"time"

	"github.com/wolfeidau/rosterd/internal/models"
	"github.com/wolfeidau/rosterd/internal/store"
)

// OrganizationStore is an in-memory OrganizationStore, used to back unit
// tests for the HTTP handlers without a real database.
type OrganizationStore struct {
	mu    sync.Mutex
	orgs  map[string]*models.Organization
}

func NewOrganizationStore() *OrganizationStore {
	return &OrganizationStore{orgs: make(map[string]*models.Organization)}
}

func (s *OrganizationStore) Get(ctx context.Context, orgID string) (*models.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	org, ok := s.orgs[orgID]
	if !ok {
		return nil, store.ErrOrganizationNotFound
	}
	cp := *org
	return &cp, nil
}

func (s *OrganizationStore) BeginRun(ctx context.Context, orgID, name string, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	org, ok := s.orgs[orgID]
	if !ok {
		org = &models.Organization{OrgID: orgID}
		s.orgs[orgID] = org
	}

	org.CurrentEpoch++
	if name != "" {
		org.Name = name
	}
	org.UpdatedAt = now

	return org.CurrentEpoch, nil
}

func (s *OrganizationStore) Finalize(ctx context.Context, orgID string, epoch int64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	org, ok := s.orgs[orgID]
	if !ok {
		org = &models.Organization{OrgID: orgID}
		s.orgs[orgID] = org
	}

	org.CurrentEpoch = epoch
	org.LastFinalizedEpoch = epoch
	org.UpdatedAt = now

	return nil
}
