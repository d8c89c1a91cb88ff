package db

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrStateCorruption means persisted state and the remote tree disagree about
	// path ownership in a way the engine cannot repair on its own.
	ErrStateCorruption = errors.New("state corruption")
	// ErrStoreUnavailable means the database could not be read or written.
	ErrStoreUnavailable = errors.New("state store unavailable")
)

// StateCorruptionError names the conflicting pair for manual resolution.
type StateCorruptionError struct {
	RemoteID  string
	LocalPath string
	OwnerID   string // remote id of the record already holding LocalPath
}

func (e *StateCorruptionError) Error() string {
	return fmt.Sprintf("state corruption: local path %q for remote id %s is held by remote id %s",
		e.LocalPath, e.RemoteID, e.OwnerID)
}

func (e *StateCorruptionError) Is(target error) bool { return target == ErrStateCorruption }

func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	var sc *StateCorruptionError
	if errors.As(err, &sc) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
