package matcher

import (
	"errors"
	"fmt"
)

var (
	ErrMissingTemplate   = errors.New("missing fingerprint template")
	ErrMalformedTemplate = errors.New("malformed fingerprint template")
	ErrMissingID         = errors.New("missing fingerprint id")
	ErrDuplicate         = errors.New("fingerprint already registered")
	ErrNotFound          = errors.New("fingerprint not found")
)

// DuplicateError reports an exact template duplicate. It matches ErrDuplicate
// under errors.Is.
type DuplicateError struct {
	ExistingID int64
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("%s: existing id %d", ErrDuplicate, e.ExistingID)
}

func (e *DuplicateError) Unwrap() error { return ErrDuplicate }

// StoreError wraps a failure of the template store.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op string, err error) error {
	return &StoreError{Op: op, Err: err}
}

func isDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicate)
}

func isStore(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}
