package future

import (
	"context"
	"fmt"
	"sync"
)

// Once is a future resolved or rejected exactly once.
type Once[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

// NewOnce constructs a pending one-shot future.
func NewOnce[T any]() *Once[T] {
	return &Once[T]{done: make(chan struct{})}
}

// Resolve completes the future with v. Later calls are ignored.
func (o *Once[T]) Resolve(v T) bool {
	settled := false
	o.once.Do(func() {
		o.value = v
		close(o.done)
		settled = true
	})
	return settled
}

// Reject completes the future with err. Later calls are ignored.
func (o *Once[T]) Reject(err error) bool {
	settled := false
	o.once.Do(func() {
		o.err = err
		close(o.done)
		settled = true
	})
	return settled
}

// Done is closed once the future settles.
func (o *Once[T]) Done() <-chan struct{} {
	return o.done
}

// Wait blocks until the future settles or ctx ends.
func (o *Once[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-o.done:
		return o.value, o.err
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("wait for reply: %w", ctx.Err())
	}
}
