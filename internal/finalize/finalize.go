// Package finalize implements the post-snapshot sweep that marks
// employees absent from the latest epoch.
package finalize

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/wolfeidau/rosterd/internal/store"
)

const pageSize = 1000

// Finalizer sweeps the employee collection for one organization/epoch pair
// and closes out the organization's run.
type Finalizer struct {
	employees store.EmployeeStore
	orgs      store.OrganizationStore
	log       zerolog.Logger
}

func New(employees store.EmployeeStore, orgs store.OrganizationStore, log zerolog.Logger) *Finalizer {
	return &Finalizer{employees: employees, orgs: orgs, log: log}
}

// Result reports how many employees were swept to absent.
type Result struct {
	MarkedAbsent int
	Pages        int
}

// Run sweeps every employee with presentInLatest=true and
// lastSeenEpoch<epoch, paginating pageSize at a time until the store
// returns a page with no next cursor (a full final page also ends the
// sweep, without a trailing empty query), then writes the organization's
// closed epoch.
// Running it twice for the same epoch is a no-op on the second call: the
// query predicate matches nothing once the first run has flipped every
// stale employee to absent.
func (f *Finalizer) Run(ctx context.Context, orgID string, epoch int64) (Result, error) {
	if orgID == "" {
		return Result{}, fmt.Errorf("finalize: orgID is required")
	}

	var result Result
	cursor := ""
	for {
		page, err := f.employees.QueryPresentBefore(ctx, orgID, epoch, pageSize, cursor)
		if err != nil {
			return result, fmt.Errorf("finalize: query present-before page: %w", err)
		}
		result.Pages++

		if len(page.Employees) > 0 {
			ids := make([]string, len(page.Employees))
			for i, emp := range page.Employees {
				ids[i] = emp.ID
			}
			if err := f.employees.MarkAbsentBatch(ctx, orgID, ids, time.Now()); err != nil {
				return result, fmt.Errorf("finalize: mark absent batch: %w", err)
			}
			result.MarkedAbsent += len(ids)
		}

		f.log.Debug().
			Str("org_id", orgID).
			Int64("epoch", epoch).
			Int("page", result.Pages).
			Int("marked", len(page.Employees)).
			Msg("finalize sweep page")

		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	if err := f.orgs.Finalize(ctx, orgID, epoch, time.Now()); err != nil {
		return result, fmt.Errorf("finalize: close epoch: %w", err)
	}

	f.log.Info().
		Str("org_id", orgID).
		Int64("epoch", epoch).
		Int("marked_absent", result.MarkedAbsent).
		Int("pages", result.Pages).
		Msg("finalize complete")

	return result, nil
}
