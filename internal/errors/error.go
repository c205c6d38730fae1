package errors

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zzenonn/zplace/internal/domain"
)

var (
	ErrUnknownStrategy    = errors.New("unknown partition strategy")
	ErrTableNotFound      = errors.New("table not found")
	ErrColumnNotFound     = errors.New("column not found")
	ErrPartitionNotFound  = errors.New("partition not found")
	ErrStoreNotFound      = errors.New("store not found")
	ErrJobNotCancellable  = errors.New("migration job can only be cancelled while planned")
	ErrIllegalTransition  = errors.New("illegal migration job state transition")
	ErrMissingPrimaryKey  = errors.New("table has no primary key")
	ErrTableAlreadyExists = errors.New("table already registered")
)

// ValidationError reports rejected DDL input. Nothing was mutated.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Validation creates a ValidationError with a formatted message.
func Validation(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// CoverageViolation reports cells that a drop would leave without any store.
type CoverageViolation struct {
	TableID int64
	Cells   []domain.Cell
}

func (e *CoverageViolation) Error() string {
	cells := make([]string, 0, len(e.Cells))
	for _, c := range e.Cells {
		cells = append(cells, c.String())
	}
	return fmt.Sprintf("placement change on table %d would leave uncovered cells: %s", e.TableID, strings.Join(cells, ", "))
}

// MigrationFailure reports a failed copy or verify step.
type MigrationFailure struct {
	JobID       string
	PartitionID int64
	Err         error
}

func (e *MigrationFailure) Error() string {
	return fmt.Sprintf("migration %s failed on partition %d: %v", e.JobID, e.PartitionID, e.Err)
}

func (e *MigrationFailure) Unwrap() error { return e.Err }

// InternalConsistencyError is a server-side bug, never a user error.
type InternalConsistencyError struct {
	Message string
}

func (e *InternalConsistencyError) Error() string {
	return "internal consistency error: " + e.Message
}

// InternalConsistency creates an InternalConsistencyError with a formatted message.
func InternalConsistency(format string, args ...interface{}) *InternalConsistencyError {
	return &InternalConsistencyError{Message: fmt.Sprintf(format, args...)}
}

// FetchingResourceError generates a formatted error for failed fetching of any resource by its type.
func FetchingResourceError(resource string, id interface{}) error {
	return fmt.Errorf("failed to fetch %s %v", resource, id)
}

func ConfigNotSetError(config string) error {
	return fmt.Errorf("The %s configuration value must be set", config)
}

// IsRetryable reports whether re-issuing the same request may succeed.
func IsRetryable(err error) bool {
	var mf *MigrationFailure
	return errors.As(err, &mf)
}
