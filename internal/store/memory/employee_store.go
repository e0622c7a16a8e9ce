package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/rosterd/internal/models"
	"github.com/wolfeidau/rosterd/internal/store"
)

// EmployeeStore is an in-memory EmployeeStore. Fast and deterministic,
// used for the reconciler/delta/finalizer unit tests; the dynamodb and
// postgres backends implement the same interface for production.
type EmployeeStore struct {
	mu        sync.Mutex
	byID      map[string]*models.Employee // doc id -> employee
	byOrgMail map[string]string           // "orgID|email" -> doc id
}

func NewEmployeeStore() *EmployeeStore {
	return &EmployeeStore{
		byID:      make(map[string]*models.Employee),
		byOrgMail: make(map[string]string),
	}
}

func key(orgID, email string) string { return orgID + "|" + email }

func (s *EmployeeStore) BatchGetByEmails(ctx context.Context, orgID string, emails []string) (map[string]*models.Employee, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]*models.Employee, len(emails))
	for _, email := range emails {
		id, ok := s.byOrgMail[key(orgID, email)]
		if !ok {
			continue
		}
		cp := *s.byID[id]
		out[email] = &cp
	}
	return out, nil
}

func (s *EmployeeStore) BatchWrite(ctx context.Context, orgID string, ops []store.EmployeeWrite) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, op := range ops {
		id := op.ExistingID
		if !op.Existing || id == "" {
			id = uuid.New().String()
		}
		cp := *op.Employee
		cp.ID = id
		s.byID[id] = &cp
		s.byOrgMail[key(orgID, cp.Email)] = id
	}
	return len(ops), nil
}

func (s *EmployeeStore) GetByEmail(ctx context.Context, orgID, email string) (*models.Employee, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byOrgMail[key(orgID, email)]
	if !ok {
		return nil, store.ErrEmployeeNotFound
	}
	cp := *s.byID[id]
	return &cp, nil
}

func (s *EmployeeStore) UpdateEmployee(ctx context.Context, emp *models.Employee) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[emp.ID]; !ok {
		return store.ErrEmployeeNotFound
	}
	cp := *emp
	s.byID[emp.ID] = &cp
	return nil
}

func (s *EmployeeStore) QueryPresentBefore(ctx context.Context, orgID string, epoch int64, pageSize int, cursor string) (*store.EmployeePage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*models.Employee
	for _, emp := range s.byID {
		if emp.OrgID != orgID {
			continue
		}
		if emp.PresentInLatest && emp.LastSeenEpoch < epoch {
			matched = append(matched, emp)
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].LastSeenEpoch != matched[j].LastSeenEpoch {
			return matched[i].LastSeenEpoch < matched[j].LastSeenEpoch
		}
		return matched[i].ID < matched[j].ID
	})

	start := 0
	if cursor != "" {
		for i, emp := range matched {
			if emp.ID == cursor {
				start = i + 1
				break
			}
		}
	}

	end := start + pageSize
	if end > len(matched) {
		end = len(matched)
	}
	if start > len(matched) {
		start = len(matched)
	}

	page := make([]*models.Employee, end-start)
	for i, emp := range matched[start:end] {
		cp := *emp
		page[i] = &cp
	}

	nextCursor := ""
	if len(page) == pageSize && end < len(matched) {
		nextCursor = page[len(page)-1].ID
	}

	return &store.EmployeePage{Employees: page, NextCursor: nextCursor}, nil
}

func (s *EmployeeStore) MarkAbsentBatch(ctx context.Context, orgID string, ids []string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		emp, ok := s.byID[id]
		if !ok {
			continue
		}
		emp.PresentInLatest = false
		emp.UpdatedAt = now
	}
	return nil
}
