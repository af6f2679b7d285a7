package repo

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrConstraintViolation wraps unique and foreign-key breaches.
	ErrConstraintViolation = errors.New("constraint violation")

	// ErrConnection wraps failures to reach the backend.
	ErrConnection = errors.New("storage connection error")

	// ErrNotInitialized is returned by any operation issued before
	// Initialize.
	ErrNotInitialized = errors.New("storage not initialized")

	// ErrMigrationConfig marks a malformed migration list (gaps, duplicates,
	// versions below 1). It is always wrapped in a MigrationError.
	ErrMigrationConfig = errors.New("invalid migration list")
)

// MigrationError reports the migration version that failed.
type MigrationError struct {
	Version int
	Err     error
}

func (e *MigrationError) Error() string {
	if e.Version == 0 {
		return fmt.Sprintf("migration: %v", e.Err)
	}
	return fmt.Sprintf("migration %d: %v", e.Version, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

// Constraint wraps cause so that errors.Is(err, ErrConstraintViolation)
// holds while keeping the driver message.
func Constraint(cause error) error {
	return fmt.Errorf("%w: %v", ErrConstraintViolation, cause)
}

// Connection wraps cause so that errors.Is(err, ErrConnection) holds.
func Connection(cause error) error {
	return fmt.Errorf("%w: %v", ErrConnection, cause)
}

// LooksLikeConstraint is the string fallback for drivers that do not expose
// typed constraint errors.
func LooksLikeConstraint(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint failed") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "foreign key constraint failed") ||
		strings.Contains(msg, "constraint failed")
}
