// Package future provides the one-shot and multi-shot futures used to hand
// asynchronous gateway results to waiting callers.
package future

import (
	"context"
	"fmt"
	"sync"
)

// Cell is a future that resolves repeatedly. It caches the last resolved
// value and a version counter so late readers observe the latest value
// immediately and earlier readers can wait for the next one.
type Cell[T any] struct {
	mu      sync.Mutex
	value   T
	version uint64
	err     error
	changed chan struct{}
}

// NewCell constructs an unresolved cell.
func NewCell[T any]() *Cell[T] {
	return &Cell[T]{changed: make(chan struct{})}
}

// Resolve publishes v and wakes every waiter. Resolving a failed cell is a no-op.
func (c *Cell[T]) Resolve(v T) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	c.value = v
	c.version++
	close(c.changed)
	c.changed = make(chan struct{})
	c.mu.Unlock()
}

// Fail terminates the cell; every current and future waiter receives err.
func (c *Cell[T]) Fail(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	c.err = err
	close(c.changed)
	c.mu.Unlock()
}

// Err returns the terminal error, if any.
func (c *Cell[T]) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Latest returns the cached value and its version without blocking.
// ok is false until the first resolution.
func (c *Cell[T]) Latest() (value T, version uint64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, c.version, c.version > 0
}

// Wait blocks until the cell holds a version newer than after.
func (c *Cell[T]) Wait(ctx context.Context, after uint64) (T, uint64, error) {
	for {
		c.mu.Lock()
		if c.err != nil {
			err := c.err
			c.mu.Unlock()
			var zero T
			return zero, after, err
		}
		if c.version > after {
			value, version := c.value, c.version
			c.mu.Unlock()
			return value, version, nil
		}
		changed := c.changed
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			var zero T
			return zero, after, fmt.Errorf("wait for update: %w", ctx.Err())
		case <-changed:
		}
	}
}

// Cursor tracks one reader's position in a Cell.
type Cursor[T any] struct {
	cell *Cell[T]
	seen uint64
}

// NewCursor starts a reader that first observes the cached value, if any.
func NewCursor[T any](cell *Cell[T]) *Cursor[T] {
	return &Cursor[T]{cell: cell}
}

// Next returns the first value newer than the last one this cursor returned.
func (c *Cursor[T]) Next(ctx context.Context) (T, error) {
	value, version, err := c.cell.Wait(ctx, c.seen)
	if err != nil {
		return value, err
	}
	c.seen = version
	return value, nil
}

// Latest returns the cell's cached value without advancing the cursor.
func (c *Cursor[T]) Latest() (T, bool) {
	value, _, ok := c.cell.Latest()
	return value, ok
}
