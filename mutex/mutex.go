// Package mutex provides named locks backed by database advisory locks or redis, so several replicas
// sharing a database or a redis can agree on who does a piece of work.
package mutex

import (
	"context"
)

type MutexErr struct {
	error
}

func WithMutexErr(err error) error {
	return MutexErr{err}
}

func (e MutexErr) Unwrap() error {
	return e.error
}

type Lock interface {
	Release(ctx context.Context) error
}

type Mutex interface {
	// TryLock doesn't wait: it returns false when somebody else holds the lock.
	TryLock(ctx context.Context, key string) (Lock, bool, error)
}
