package remote

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrAuth means the client is not (or no longer) authenticated. Fatal to a run.
	ErrAuth = errors.New("unauthenticated")
	// ErrNotFound means the item or container does not exist.
	ErrNotFound = errors.New("not found")
	// ErrRateLimited means the store throttled the request.
	ErrRateLimited = errors.New("rate limited")
	// ErrTransport covers every other network or server failure.
	ErrTransport = errors.New("transport failure")
)

// Error is a classified remote failure.
type Error struct {
	Op   string // list, fetch, export
	ID   string
	Kind error // one of the sentinels above
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("remote %s %s: %v", e.Op, e.ID, e.Kind)
	}
	return fmt.Sprintf("remote %s %s: %v: %v", e.Op, e.ID, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewError builds a classified error.
func NewError(op, id string, kind, err error) *Error {
	return &Error{Op: op, ID: id, Kind: kind, Err: err}
}

// Classify wraps err as TransportError unless it is already classified.
// Context cancellation is passed through untouched.
func Classify(op, id string, err error) error {
	if err == nil {
		return nil
	}
	var re *Error
	if errors.As(err, &re) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return NewError(op, id, ErrTransport, err)
}

// IsFatal reports whether err must abort the whole run.
func IsFatal(err error) bool {
	return errors.Is(err, ErrAuth)
}
