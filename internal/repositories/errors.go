package repositories

import (
	"errors"
	"strings"
)

// ErrNotFound is returned by repository methods when the requested record
// does not exist. Callers compare with errors.Is to tell a missing row from a
// database failure.
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when an insert or update violates a unique
// constraint, for example a second snapshot with the same name on a share.
var ErrConflict = errors.New("record already exists")

// ErrTrailClosed is returned by trail Save methods when the stored row has
// already reached a terminal status. Ended trails are never rewritten.
var ErrTrailClosed = errors.New("trail already ended")

// isUniqueViolation recognises unique constraint failures from both the
// modernc SQLite driver and PostgreSQL. Neither surfaces a typed error
// through the gorm dialector we open them with, so match on the message.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value violates unique constraint")
}
