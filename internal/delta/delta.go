// Package delta implements single-key status transitions applied to an
// existing employee without touching epoch state.
package delta

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/wolfeidau/rosterd/internal/models"
	"github.com/wolfeidau/rosterd/internal/normalize"
	"github.com/wolfeidau/rosterd/internal/store"
)

type Type string

const (
	Left        Type = "left"
	Inactive    Type = "inactive"
	Reactivated Type = "reactivated"
)

// transitions maps each delta type to the status and presence it sets.
var transitions = map[Type]struct {
	status  models.Status
	present bool
}{
	Left:        {models.StatusLeft, false},
	Inactive:    {models.StatusInactive, false},
	Reactivated: {models.StatusActive, true},
}

// Message is one delta event.
type Message struct {
	Email     string
	DeltaType Type
	EventID   string
}

// Result tallies one invocation's outcome, mirroring the reconciler's
// {processed, skipped} shape but without an errors count: deltas either
// apply or are skipped, they do not themselves model store failures as a
// per-message category (a store failure aborts the whole call).
type Result struct {
	Processed int
	Skipped   int
}

// Processor applies deltas one at a time in the order it is called, which
// is how the bridge's per-partition, maxInFlightRequests=1 consumption
// prevents deltas for the same key from reordering.
type Processor struct {
	employees store.EmployeeStore
	source    models.Source
	log       zerolog.Logger
}

func New(employees store.EmployeeStore, source models.Source, log zerolog.Logger) *Processor {
	return &Processor{employees: employees, source: source, log: log}
}

// Apply processes a single delta. It never creates an employee: an absent
// lookup is a skip, not an error.
func (p *Processor) Apply(ctx context.Context, orgID string, msg Message) error {
	email := normalize.Email(msg.Email)
	if !normalize.ValidEmail(email) {
		p.log.Info().Str("org_id", orgID).Str("email", msg.Email).Msg("delta skipped: invalid email")
		return errSkip
	}

	transition, ok := transitions[msg.DeltaType]
	if !ok {
		p.log.Info().Str("org_id", orgID).Str("delta_type", string(msg.DeltaType)).Msg("delta skipped: unknown deltaType")
		return errSkip
	}

	emp, err := p.employees.GetByEmail(ctx, orgID, email)
	if err != nil {
		if errors.Is(err, store.ErrEmployeeNotFound) {
			p.log.Info().Str("org_id", orgID).Str("email", email).Msg("delta skipped: employee not found")
			return errSkip
		}
		return fmt.Errorf("delta: lookup %s: %w", email, err)
	}

	emp.StatusInOrg = transition.status
	emp.PresentInLatest = transition.present
	emp.UpdatedAt = time.Now()
	emp.Source = p.source
	if msg.EventID != "" {
		emp.LastEventID = msg.EventID
	}

	if err := p.employees.UpdateEmployee(ctx, emp); err != nil {
		return fmt.Errorf("delta: update %s: %w", email, err)
	}
	return nil
}

// errSkip is a sentinel distinguishing validation skips from store errors;
// ApplyAll uses it to bucket results without aborting the batch.
var errSkip = errors.New("delta: skipped")

// ApplyAll processes messages sequentially and tallies processed/skipped.
// A store error on any message aborts the remaining messages and is
// returned to the caller; everything applied before the failing message
// is left committed, which is safe because Apply is idempotent per key.
func (p *Processor) ApplyAll(ctx context.Context, orgID string, msgs []Message) (Result, error) {
	var result Result
	for _, msg := range msgs {
		err := p.Apply(ctx, orgID, msg)
		switch {
		case err == nil:
			result.Processed++
		case errors.Is(err, errSkip):
			result.Skipped++
		default:
			return result, err
		}
	}
	return result, nil
}
