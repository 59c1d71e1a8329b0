package limiter

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyIdentity    = errors.New("empty client identity")
	ErrInvalidConfig    = errors.New("invalid rate limiter configuration")
	ErrStoreUnavailable = errors.New("rate limit store unavailable")
)

// StoreError reports a failed round-trip to the shared store. It matches both
// ErrStoreUnavailable and the underlying cause with errors.Is.
type StoreError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StoreError) Unwrap() []error {
	return []error{ErrStoreUnavailable, e.Err}
}

func storeErr(op, key string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Key: key, Err: err}
}
