package ndax

import (
	"context"

	"github.com/coachpo/ndaxstream/errs"
	"github.com/coachpo/ndaxstream/internal/future"
)

// Stream is one reader of a live subscription. Every reader keeps its own
// position, so several streams over the same subscription each see every
// update from the moment they were opened.
type Stream[T any] struct {
	cursor *future.Cursor[any]
	view   func(any) (T, error)
}

func newStream[T any](cell *future.Cell[any], view func(any) (T, error)) *Stream[T] {
	return &Stream[T]{cursor: future.NewCursor(cell), view: view}
}

// Next returns the cached value on the first call and then blocks until the
// subscription resolves again. It fails when the subscription is rejected,
// unsubscribed or the client is closed.
func (s *Stream[T]) Next(ctx context.Context) (T, error) {
	v, err := s.cursor.Next(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	return s.view(v)
}

// Latest returns the most recent value without blocking.
func (s *Stream[T]) Latest() (T, bool) {
	v, ok := s.cursor.Latest()
	if !ok {
		var zero T
		return zero, false
	}
	out, err := s.view(v)
	if err != nil {
		return out, false
	}
	return out, true
}

// as is the view of streams whose values need no post-processing.
func as[T any](v any) (T, error) {
	out, ok := v.(T)
	if !ok {
		var zero T
		return zero, errs.New("ndax", errs.CodeProtocol, errs.WithMessage("unexpected stream value type"))
	}
	return out, nil
}
