package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wolfeidau/rosterd/internal/store"
)

// mapPostgresError maps PostgreSQL-specific error codes onto the sentinel
// errors the reconciliation core expects, leaving unrecognized errors
// wrapped with their pgcode for diagnosis.
func mapPostgresError(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}

	switch pgErr.Code {
	case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected:
		return fmt.Errorf("transaction conflict (retryable): %w", err)

	case pgerrcode.ConnectionException,
		pgerrcode.ConnectionDoesNotExist,
		pgerrcode.ConnectionFailure,
		pgerrcode.CannotConnectNow,
		pgerrcode.SQLClientUnableToEstablishSQLConnection:
		return fmt.Errorf("%w: %s", store.ErrUnavailable, err)

	case pgerrcode.AdminShutdown, pgerrcode.CrashShutdown:
		return fmt.Errorf("%w: %s", store.ErrUnavailable, err)

	case pgerrcode.QueryCanceled:
		return fmt.Errorf("query canceled: %w", err)

	case pgerrcode.InsufficientResources, pgerrcode.DiskFull, pgerrcode.OutOfMemory, pgerrcode.TooManyConnections:
		return fmt.Errorf("%w: %s", store.ErrUnavailable, err)

	default:
		return fmt.Errorf("postgres error [%s]: %s (detail: %s): %w", pgErr.Code, pgErr.Message, pgErr.Detail, err)
	}
}
