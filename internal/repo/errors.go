package repo

import (
	"errors"
	"fmt"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// ConflictError reports a unique constraint violation. Constraint holds the
// columns sqlite names in the message, e.g. "task_submissions.task_id, task_submissions.user_id".
type ConflictError struct {
	Constraint string
	Err        error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("unique constraint %s: %v", e.Constraint, e.Err)
}

func (e *ConflictError) Unwrap() error { return e.Err }

// Table returns the table the violated constraint belongs to.
func (e *ConflictError) Table() string {
	table, _, _ := strings.Cut(e.Constraint, ".")
	return table
}

const uniquePrefix = "UNIQUE constraint failed: "

// mapConstraint turns unique violations into *ConflictError and passes other errors through.
func mapConstraint(err error) error {
	if err == nil {
		return nil
	}
	if c, ok := uniqueConstraint(err); ok {
		return &ConflictError{Constraint: c, Err: err}
	}
	return err
}

func uniqueConstraint(err error) (string, bool) {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return constraintFromMessage(se.Error()), true
		}
		return "", false
	}
	msg := err.Error()
	if !strings.Contains(msg, uniquePrefix) {
		return "", false
	}
	return constraintFromMessage(msg), true
}

func constraintFromMessage(msg string) string {
	i := strings.Index(msg, uniquePrefix)
	if i < 0 {
		return ""
	}
	c := msg[i+len(uniquePrefix):]
	if j := strings.Index(c, " ("); j >= 0 {
		c = c[:j]
	}
	return strings.TrimSpace(c)
}

// IsConflict reports whether err is a unique violation on table.
func IsConflict(err error, table string) bool {
	var ce *ConflictError
	if !errors.As(err, &ce) {
		return false
	}
	return table == "" || ce.Table() == table
}

// IsBusy reports whether err is sqlite giving up on a lock held by another
// connection.
func IsBusy(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}
	return err != nil && strings.Contains(err.Error(), "database is locked")
}
