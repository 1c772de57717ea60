// postgres/errors.go
package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ViniZap4/lumi-ideas/domain"
)

var (
	errPermission   = errors.New("permission denied")
	errUnavailable  = errors.New("database unavailable")
	errQuota        = errors.New("storage quota exceeded")
	errKeyCollision = errors.New("key collision")
)

// classify maps a driver error to the reason a write was rejected.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch {
	case pgErr.Code == pgerrcode.UniqueViolation:
		return fmt.Errorf("%w: %s", errKeyCollision, pgErr.Message)
	case pgErr.Code == pgerrcode.InsufficientPrivilege:
		return fmt.Errorf("%w: %s", errPermission, pgErr.Message)
	case pgErr.Code == pgerrcode.DiskFull, pgErr.Code == pgerrcode.ProgramLimitExceeded:
		return fmt.Errorf("%w: %s", errQuota, pgErr.Message)
	case pgerrcode.IsConnectionException(pgErr.Code),
		pgerrcode.IsOperatorIntervention(pgErr.Code),
		pgerrcode.IsInsufficientResources(pgErr.Code):
		return fmt.Errorf("%w: %s", errUnavailable, pgErr.Message)
	}
	return err
}

func writeError(op, path string, err error) error {
	return domain.WriteError(op, path, classify(err))
}
