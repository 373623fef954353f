package core

import (
	"context"
	"sync"

	"github.com/inference-sim/cosim/sim"
)

// Future is the completion handle of an asynchronous operation. It is
// resolved exactly once; later resolutions are ignored.
type Future[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

// NewFuture returns an unresolved future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved returns a future that is already complete.
func Resolved[T any](v T, err error) *Future[T] {
	f := NewFuture[T]()
	f.Resolve(v, err)
	return f
}

// Resolve completes the future. It reports whether this call did so.
func (f *Future[T]) Resolve(v T, err error) bool {
	resolved := false
	f.once.Do(func() {
		f.val, f.err = v, err
		close(f.done)
		resolved = true
	})
	return resolved
}

// Done is closed once the future resolves.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// IsDone reports whether the future has resolved.
func (f *Future[T]) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the future resolves or ctx ends. A context deadline is
// reported as a Timeout; the operation itself stays outstanding.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		if ctx.Err() == context.DeadlineExceeded {
			return zero, sim.NewError(sim.CodeTimeout, "wait", "", ctx.Err())
		}
		return zero, sim.NewError(sim.CodeFatal, "wait", "", ctx.Err())
	}
}

// Poll returns the result without blocking, or NotReadyYet.
func (f *Future[T]) Poll() (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	default:
		var zero T
		return zero, sim.ErrNotReadyYet
	}
}
