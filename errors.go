package squirrelstore

import (
	"errors"
	"fmt"

	"github.com/Keksclan/squirrelstore/backend"
)

var (
	// ErrRead matches every *ReadError.
	ErrRead = errors.New("squirrelstore: read failed")

	// ErrWrite matches every *WriteError.
	ErrWrite = errors.New("squirrelstore: write failed")

	// ErrNotLoaded is returned by Update before the first Get.
	ErrNotLoaded = errors.New("squirrelstore: handle not loaded")

	// ErrTypeMismatch is returned when an operation does not fit the handle's
	// value type (Increment on a non-numeric type, GetTable on a non-map
	// type, Open with a different type than an existing handle).
	ErrTypeMismatch = errors.New("squirrelstore: type mismatch")

	// ErrDuplicateKey is returned by Combine when a key is already combined
	// under another main key.
	ErrDuplicateKey = errors.New("squirrelstore: key already combined")

	// ErrCombinerFrozen is returned by Combine after the first Open.
	ErrCombinerFrozen = errors.New("squirrelstore: keys must be combined before the first Open")

	// ErrReentrant is returned when a handle is mutated while one of its
	// hooks or update functions is running.
	ErrReentrant = errors.New("squirrelstore: mutation while a hook is running")

	// ErrDataLoss wraps the error of an end-of-session flush that gave up.
	ErrDataLoss = errors.New("squirrelstore: unsaved data lost")

	// ErrClosed is returned by Open after Close.
	ErrClosed = errors.New("squirrelstore: store closed")
)

// ReadError reports a failed load from the backing store.
type ReadError struct {
	Key string
	Err error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("squirrelstore: read %s: %v", e.Key, e.Err)
}

// Unwrap exposes both ErrRead and the backend cause to errors.Is/As.
func (e *ReadError) Unwrap() []error { return []error{ErrRead, e.Err} }

// Retryable reports whether calling Get again may succeed.
func (e *ReadError) Retryable() bool { return !backend.IsPermanent(e.Err) }

// WriteError reports a failed save. The handle stays dirty.
type WriteError struct {
	Key string
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("squirrelstore: write %s: %v", e.Key, e.Err)
}

// Unwrap exposes both ErrWrite and the backend cause to errors.Is/As.
func (e *WriteError) Unwrap() []error { return []error{ErrWrite, e.Err} }

// Retryable reports whether saving again may succeed.
func (e *WriteError) Retryable() bool { return !backend.IsPermanent(e.Err) }

// isRetryableSave classifies errors returned by a handle flush.
func isRetryableSave(err error) bool {
	var we *WriteError
	if errors.As(err, &we) {
		return we.Retryable()
	}
	return false
}
