package store

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrNotFound is returned when a referenced row does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned for optimistic version mismatches and for
	// lock or serialization failures. Callers may retry.
	ErrConflict = errors.New("transient conflict")
	// ErrSnapshotUnavailable is returned when the backend cannot produce a
	// file snapshot (PostgreSQL, in-memory SQLite without a snapshot dir).
	ErrSnapshotUnavailable = errors.New("snapshot not available for this database")
)

// StorageError wraps any other failure of the underlying database.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// classify maps a driver error onto the store's error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) {
		return err
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	if isTransient(err) {
		return fmt.Errorf("%s: %w: %v", op, ErrConflict, err)
	}
	return &StorageError{Op: op, Err: err}
}

// isTransient reports whether err is a lock or serialization failure that a
// retry can resolve.
func isTransient(err error) bool {
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return true
		}
	}
	return false
}
