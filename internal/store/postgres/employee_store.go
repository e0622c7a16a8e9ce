package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wolfeidau/rosterd/internal/models"
	"github.com/wolfeidau/rosterd/internal/store"
)

// EmployeeStore implements store.EmployeeStore on a flat employees table,
// using pgx.Batch to realize the reconciler's batch-write primitive and
// ANY($1) array predicates to realize its where-in primitive, rather than
// a per-document API.
type EmployeeStore struct {
	pool *pgxpool.Pool
}

func NewEmployeeStore(pool *pgxpool.Pool) *EmployeeStore {
	return &EmployeeStore{pool: pool}
}

func (s *EmployeeStore) BatchGetByEmails(ctx context.Context, orgID string, emails []string) (map[string]*models.Employee, error) {
	if len(emails) == 0 {
		return map[string]*models.Employee{}, nil
	}

	const query = `
		SELECT id, org_id, email, status_in_org, present_in_latest, last_seen_epoch, updated_at, source, last_event_id
		FROM employees
		WHERE org_id = $1 AND email = ANY($2)
	`

	rows, err := s.pool.Query(ctx, query, orgID, emails)
	if err != nil {
		return nil, mapPostgresError(fmt.Errorf("batch get by emails: %w", err))
	}
	defer rows.Close()

	out := make(map[string]*models.Employee, len(emails))
	for rows.Next() {
		emp, err := scanEmployee(rows)
		if err != nil {
			return nil, fmt.Errorf("scan employee: %w", err)
		}
		out[emp.Email] = emp
	}
	if err := rows.Err(); err != nil {
		return nil, mapPostgresError(err)
	}
	return out, nil
}

const (
	updateQuery = `
		UPDATE employees
		SET status_in_org = $3, present_in_latest = $4, last_seen_epoch = $5, updated_at = $6, source = $7, last_event_id = $8
		WHERE id = $1 AND org_id = $2
	`
	insertQuery = `
		INSERT INTO employees (id, org_id, email, status_in_org, present_in_latest, last_seen_epoch, updated_at, source, last_event_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (org_id, email) DO UPDATE SET
			status_in_org = EXCLUDED.status_in_org,
			present_in_latest = EXCLUDED.present_in_latest,
			last_seen_epoch = EXCLUDED.last_seen_epoch,
			updated_at = EXCLUDED.updated_at,
			source = EXCLUDED.source,
			last_event_id = EXCLUDED.last_event_id
	`
)

// BatchWrite commits ops with a single pgx.Batch round trip. Writes to
// existing documents use UPDATE, new ones an upsert-by-email INSERT so a
// race against a concurrent create still converges.
func (s *EmployeeStore) BatchWrite(ctx context.Context, orgID string, ops []store.EmployeeWrite) (int, error) {
	if len(ops) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, op := range ops {
		emp := op.Employee
		if op.Existing {
			batch.Queue(updateQuery, op.ExistingID, orgID, emp.StatusInOrg, emp.PresentInLatest, emp.LastSeenEpoch, emp.UpdatedAt, emp.Source, emp.LastEventID)
			continue
		}
		id := uuid.NewString()
		batch.Queue(insertQuery, id, orgID, emp.Email, emp.StatusInOrg, emp.PresentInLatest, emp.LastSeenEpoch, emp.UpdatedAt, emp.Source, emp.LastEventID)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	success := 0
	var firstErr error
	for i := 0; i < len(ops); i++ {
		if _, err := results.Exec(); err != nil {
			if firstErr == nil {
				firstErr = mapPostgresError(err)
			}
			continue
		}
		success++
	}
	return success, firstErr
}

func (s *EmployeeStore) GetByEmail(ctx context.Context, orgID, email string) (*models.Employee, error) {
	const query = `
		SELECT id, org_id, email, status_in_org, present_in_latest, last_seen_epoch, updated_at, source, last_event_id
		FROM employees
		WHERE org_id = $1 AND email = $2
	`

	row := s.pool.QueryRow(ctx, query, orgID, email)
	emp, err := scanEmployee(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrEmployeeNotFound
		}
		return nil, mapPostgresError(fmt.Errorf("get by email: %w", err))
	}
	return emp, nil
}

func (s *EmployeeStore) UpdateEmployee(ctx context.Context, emp *models.Employee) error {
	const query = `
		UPDATE employees
		SET status_in_org = $3, present_in_latest = $4, updated_at = $5, source = $6, last_event_id = $7
		WHERE org_id = $1 AND email = $2
	`

	result, err := s.pool.Exec(ctx, query, emp.OrgID, emp.Email, emp.StatusInOrg, emp.PresentInLatest, emp.UpdatedAt, emp.Source, emp.LastEventID)
	if err != nil {
		return mapPostgresError(fmt.Errorf("update employee: %w", err))
	}
	if result.RowsAffected() == 0 {
		return store.ErrEmployeeNotFound
	}
	return nil
}

// QueryPresentBefore implements the finalizer's sweep as a
// keyset-paginated query ordered by (last_seen_epoch, id). The cursor
// carries both the epoch and id of the last row of the previous page,
// since id alone (a random UUID uncorrelated with last_seen_epoch)
// cannot be used as a keyset predicate on its own: a row sorting after
// the cursor in (last_seen_epoch, id) order may have an id that sorts
// below it.
func (s *EmployeeStore) QueryPresentBefore(ctx context.Context, orgID string, epoch int64, pageSize int, cursor string) (*store.EmployeePage, error) {
	var rows pgx.Rows
	var err error
	if cursor == "" {
		rows, err = s.pool.Query(ctx, `
			SELECT id, org_id, email, status_in_org, present_in_latest, last_seen_epoch, updated_at, source, last_event_id
			FROM employees
			WHERE org_id = $1 AND present_in_latest = true AND last_seen_epoch < $2
			ORDER BY last_seen_epoch, id
			LIMIT $3
		`, orgID, epoch, pageSize+1)
	} else {
		cursorEpoch, cursorID, decodeErr := decodeSweepCursor(cursor)
		if decodeErr != nil {
			return nil, fmt.Errorf("query present before: %w", decodeErr)
		}
		rows, err = s.pool.Query(ctx, `
			SELECT id, org_id, email, status_in_org, present_in_latest, last_seen_epoch, updated_at, source, last_event_id
			FROM employees
			WHERE org_id = $1 AND present_in_latest = true AND last_seen_epoch < $2
			  AND (last_seen_epoch, id) > ($4, $5)
			ORDER BY last_seen_epoch, id
			LIMIT $3
		`, orgID, epoch, pageSize+1, cursorEpoch, cursorID)
	}
	if err != nil {
		return nil, mapPostgresError(fmt.Errorf("query present before: %w", err))
	}
	defer rows.Close()

	var page store.EmployeePage
	for rows.Next() {
		emp, err := scanEmployee(rows)
		if err != nil {
			return nil, fmt.Errorf("scan employee: %w", err)
		}
		page.Employees = append(page.Employees, emp)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPostgresError(err)
	}

	if len(page.Employees) > pageSize {
		last := page.Employees[pageSize-1]
		page.NextCursor = encodeSweepCursor(last.LastSeenEpoch, last.ID)
		page.Employees = page.Employees[:pageSize]
	}
	return &page, nil
}

// encodeSweepCursor/decodeSweepCursor pack the composite (last_seen_epoch,
// id) keyset position into the opaque cursor string the finalizer passes
// back on the next page request.
func encodeSweepCursor(epoch int64, id string) string {
	return strconv.FormatInt(epoch, 10) + "|" + id
}

func decodeSweepCursor(cursor string) (epoch int64, id string, err error) {
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[1] == "" {
		return 0, "", fmt.Errorf("malformed sweep cursor %q", cursor)
	}
	epoch, err = strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("malformed sweep cursor %q: %w", cursor, err)
	}
	return epoch, parts[1], nil
}

func (s *EmployeeStore) MarkAbsentBatch(ctx context.Context, orgID string, ids []string, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}

	const query = `
		UPDATE employees
		SET present_in_latest = false, updated_at = $3
		WHERE org_id = $1 AND id = ANY($2)
	`

	if _, err := s.pool.Exec(ctx, query, orgID, ids, now); err != nil {
		return mapPostgresError(fmt.Errorf("mark absent batch: %w", err))
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanEmployee(row scannable) (*models.Employee, error) {
	var emp models.Employee
	err := row.Scan(&emp.ID, &emp.OrgID, &emp.Email, &emp.StatusInOrg, &emp.PresentInLatest, &emp.LastSeenEpoch, &emp.UpdatedAt, &emp.Source, &emp.LastEventID)
	if err != nil {
		return nil, err
	}
	return &emp, nil
}
