// Package limiter bounds how many issues are worked concurrently.
package limiter

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Limiter is a counting gate. Acquisition is FIFO under contention, so
// a steady stream of cheap work cannot starve a waiter.
type Limiter struct {
	sem *semaphore.Weighted
}

// New creates a limiter admitting at most n concurrent holders. n < 1
// is treated as 1.
func New(n int) *Limiter {
	if n < 1 {
		n = 1
	}
	return &Limiter{sem: semaphore.NewWeighted(int64(n))}
}

// Do runs fn while holding a slot. It blocks until a slot is free or
// ctx is cancelled, and always releases the slot when fn returns.
func (l *Limiter) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer l.sem.Release(1)
	return fn(ctx)
}

// TryDo runs fn only if a slot is free right now, returning false
// without running fn otherwise.
func (l *Limiter) TryDo(ctx context.Context, fn func(ctx context.Context) error) (bool, error) {
	if !l.sem.TryAcquire(1) {
		return false, nil
	}
	defer l.sem.Release(1)
	return true, fn(ctx)
}
