package pipeline

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Lock serializes access to the pipeline's shared knowledge store. Every
// run resets that store, so overlapping runs would corrupt each other.
type Lock struct {
	sem *semaphore.Weighted
}

func NewLock() *Lock {
	return &Lock{sem: semaphore.NewWeighted(1)}
}

// Acquire blocks until the lock is held or ctx is done. A nil Lock is
// always acquired immediately.
func (l *Lock) Acquire(ctx context.Context) error {
	if l == nil {
		return nil
	}
	return l.sem.Acquire(ctx, 1)
}

func (l *Lock) Release() {
	if l == nil {
		return
	}
	l.sem.Release(1)
}
