// Package future provides a write-once, multi-reader asynchronous value.
//
// A Future is completed at most once; every reader observes the same
// outcome. Readers either block on Get with a context, poll with TryGet,
// or select on Done. Futures are the coordination primitive between a
// leader process, its recovery strategy, and external callers awaiting
// the dispatcher gateway.
package future

import (
	"context"
	"sync"
)

// Future holds a value of type T that is produced at most once.
// The zero value is not usable; create one with New or Completed.
type Future[T any] struct {
	mu    sync.Mutex
	done  chan struct{}
	value T
}

// New returns an incomplete Future.
func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Completed returns a Future already completed with v.
func Completed[T any](v T) *Future[T] {
	f := New[T]()
	f.Complete(v)
	return f
}

// Complete sets the future's value. Only the first call takes effect;
// later calls are no-ops. Reports whether this call won the completion.
func (f *Future[T]) Complete(v T) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	select {
	case <-f.done:
		return false
	default:
	}

	f.value = v
	close(f.done)
	return true
}

// Done returns a channel closed when the future completes.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Get blocks until the future completes or ctx is cancelled.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// TryGet returns the value if the future has completed.
func (f *Future[T]) TryGet() (T, bool) {
	select {
	case <-f.done:
		return f.value, true
	default:
		var zero T
		return zero, false
	}
}

// Forward completes dst with src's value once src completes. It never
// blocks the caller; forwarding happens on its own goroutine. If dst was
// already completed the forwarded value is dropped.
func Forward[T any](src, dst *Future[T]) {
	go func() {
		<-src.done
		dst.Complete(src.value)
	}()
}
