package history

import (
	"context"
	"errors"
	"fmt"
)

// Expected, caller-recoverable conditions. The request layer maps these to
// typed responses; anything else from this package is a *StorageError.
var (
	ErrEntryNotFound             = errors.New("history entry not found")
	ErrAlreadyUndone             = errors.New("history entry already undone")
	ErrCannotUndoAnUndo          = errors.New("cannot undo an undo entry")
	ErrUnsupportedEntityOrAction = errors.New("undo not supported for this entity type and action")
	ErrInvalidTarget             = errors.New("invalid undo target")
	ErrMalformedSnapshot         = errors.New("malformed snapshot")
	ErrInvalidQuery              = errors.New("invalid history query")

	// ErrNotFound and ErrConflict are returned by Store implementations
	// for domain rows (payments, participants, ...).
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

var domainErrors = []error{
	ErrEntryNotFound,
	ErrAlreadyUndone,
	ErrCannotUndoAnUndo,
	ErrUnsupportedEntityOrAction,
	ErrInvalidTarget,
	ErrMalformedSnapshot,
	ErrInvalidQuery,
	ErrNotFound,
	ErrConflict,
}

// StorageError wraps a fault in the underlying persistence layer. It is
// surfaced to clients as an opaque internal failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("history storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsDomainError reports whether err is one of the expected conditions
// above rather than a storage fault.
func IsDomainError(err error) bool {
	for _, target := range domainErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// storageError wraps err as a *StorageError unless it is already a domain
// error, a StorageError, or a context cancellation.
func storageError(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsDomainError(err) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
