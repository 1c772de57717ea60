// domain/errors.go
package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an update targets a record that no longer exists.
	ErrNotFound = errors.New("record not found")
	// ErrUnauthenticated is returned when no owner is bound to the session.
	ErrUnauthenticated = errors.New("no authenticated owner")
	// ErrValidationSkip marks input that is rejected before any store or network call.
	ErrValidationSkip = errors.New("nothing to process")
)

// StoreWriteError wraps a rejected create, update or remove.
type StoreWriteError struct {
	Op   string
	Path string
	Err  error
}

func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StoreWriteError) Unwrap() error {
	return e.Err
}

// WriteError wraps err as a StoreWriteError unless it already is one or
// is ErrNotFound, which callers need to match directly.
func WriteError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var swe *StoreWriteError
	if errors.As(err, &swe) || errors.Is(err, ErrNotFound) {
		return err
	}
	return &StoreWriteError{Op: op, Path: path, Err: err}
}

// EnhancementError is shown to the user, unlike autosave failures.
type EnhancementError struct {
	Message string
	Err     error
}

func (e *EnhancementError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *EnhancementError) Unwrap() error {
	return e.Err
}
