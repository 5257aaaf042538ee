package errorz

import (
	"database/sql"
	"errors"

	"github.com/mattn/go-sqlite3"
	"modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrConstraintViolated = errors.New("constraint violated")
)

// MapDBErr translates driver errors into the errors of this package,
// other errors are returned as is. A nil err maps to nil.
func MapDBErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case isConstraintErr(err):
		return errors.Join(ErrConstraintViolated, err)
	default:
		return err
	}
}

// isConstraintErr recognizes constraint errors of both the cgo and the
// pure Go SQLite driver.
func isConstraintErr(err error) bool {
	var cgoErr sqlite3.Error
	if errors.As(err, &cgoErr) {
		return cgoErr.Code == sqlite3.ErrConstraint
	}

	var pureErr *sqlite.Error
	if errors.As(err, &pureErr) {
		// extended codes keep the primary code in the low byte.
		return pureErr.Code()&0xff == sqlite3lib.SQLITE_CONSTRAINT
	}

	return false
}
