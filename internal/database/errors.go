package database

import (
	"errors"
	"strings"

	"github.com/mattn/go-sqlite3"
)

// Database manager specific errors
var (
	ErrManagerClosed = errors.New("database manager is closed")
	ErrShuttingDown  = errors.New("database manager is shutting down")
	ErrWriteTimeout  = errors.New("write operation timeout")
)

// isBusy reports whether err is a transient lock failure worth one retry.
// Constraint violations are deterministic and are never retried.
func isBusy(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
}

// isUniqueViolation reports whether err is a UNIQUE or PRIMARY KEY failure on the given table.column
// ("classrooms.access_code", "classroom_students.student_id").
func isUniqueViolation(err error, column string) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) || se.Code != sqlite3.ErrConstraint {
		return false
	}
	if se.ExtendedCode != sqlite3.ErrConstraintUnique && se.ExtendedCode != sqlite3.ErrConstraintPrimaryKey {
		return false
	}
	return strings.Contains(se.Error(), column)
}

func isForeignKeyViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintForeignKey
}
