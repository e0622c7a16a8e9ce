package store

import (
	"context"
	"time"

	"github.com/wolfeidau/rosterd/internal/models"
)

// EmployeeWrite is one prepared write handed to a batch commit by the
// reconciler. Existing is true when the email resolved to a document on a
// prior lookup; the store set-merges existing documents and creates new
// ones with an auto-assigned id.
type EmployeeWrite struct {
	Existing   bool
	ExistingID string // set when Existing is true
	Employee   *models.Employee
}

// EmployeePage is one page of the finalizer's sweep.
type EmployeePage struct {
	Employees  []*models.Employee
	NextCursor string // empty when this was the last page
}

// EmployeeStore persists employee documents and realizes the document
// store primitives (get, set-merge, where-in, batch, paginated
// where+orderBy+startAfter).
type EmployeeStore interface {
	// BatchGetByEmails resolves a chunk of emails (at most QUERY_CHUNK_SIZE
	// per call) to existing documents. Emails with no existing document are
	// simply absent from the returned map.
	BatchGetByEmails(ctx context.Context, orgID string, emails []string) (map[string]*models.Employee, error)

	// BatchWrite commits a group of prepared writes atomically at the
	// store's batch boundary. Returns the number of writes that succeeded;
	// a partial failure is reported through err but successCount reflects
	// how many writes landed before the error, which the reconciler's
	// adaptive batch sizing uses to compute error rate.
	BatchWrite(ctx context.Context, orgID string, ops []EmployeeWrite) (successCount int, err error)

	// GetByEmail looks up a single employee by its logical key, used by the
	// delta processor which never creates employees.
	GetByEmail(ctx context.Context, orgID, email string) (*models.Employee, error)

	// UpdateEmployee applies a single-document update, used by the delta
	// processor's status transitions.
	UpdateEmployee(ctx context.Context, emp *models.Employee) error

	// QueryPresentBefore returns one page of employees with
	// presentInLatest=true AND lastSeenEpoch<epoch, ordered by
	// lastSeenEpoch, starting after cursor (the previous page's opaque
	// NextCursor, empty for the first page; its encoding is backend
	// specific). Used by the finalizer's sweep.
	QueryPresentBefore(ctx context.Context, orgID string, epoch int64, pageSize int, cursor string) (*EmployeePage, error)

	// MarkAbsentBatch sets presentInLatest=false and updatedAt=now for the
	// given document ids in a single atomic batch.
	MarkAbsentBatch(ctx context.Context, orgID string, ids []string, now time.Time) error
}
