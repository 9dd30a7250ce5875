package store

import (
	"errors"
	"fmt"
)

var (
	// ErrStorage matches every failure of the local store; see StorageError.
	ErrStorage = errors.New("local store failure")
	// ErrClosed is returned for operations on a closed store.
	ErrClosed = errors.New("local store closed")
)

// StorageError reports a failed open, transaction or statement against the local store.
// It is fatal to the calling operation and is never converted into an empty result.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("local store: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrStorage) true for any StorageError.
func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

// Wrap returns err as a *StorageError for op, or nil when err is nil.
// Errors that already are storage errors pass through unchanged.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
