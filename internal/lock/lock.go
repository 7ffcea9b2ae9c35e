// Package lock serializes autoincrement registrations across API replicas.
package lock

import (
	"context"
	"errors"
)

// ErrNotAcquired is returned when the lock could not be taken before the
// context expired.
var ErrNotAcquired = errors.New("lock not acquired")

// Locker takes a named lock and returns its release func.
type Locker interface {
	Lock(ctx context.Context, name string) (release func(), err error)
}

// Noop is a Locker that never blocks. Used when no lock backend is configured.
type Noop struct{}

func (Noop) Lock(context.Context, string) (func(), error) {
	return func() {}, nil
}
