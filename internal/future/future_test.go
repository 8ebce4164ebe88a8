package future

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCellNewReaderSeesCachedValueThenUpdates(t *testing.T) {
	cell := NewCell[int]()
	cell.Resolve(1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	cursor := NewCursor(cell)
	v, err := cursor.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, v)

	go cell.Resolve(2)
	v, err = cursor.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, v)

	latest, ok := cursor.Latest()
	require.True(t, ok)
	require.Equal(t, 2, latest)
}

func TestCellWakesEveryWaiter(t *testing.T) {
	cell := NewCell[string]()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	const readers = 5
	var wg sync.WaitGroup
	results := make(chan string, readers)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := NewCursor(cell).Next(ctx)
			if err == nil {
				results <- v
			}
		}()
	}
	// Readers block until the first resolution.
	time.Sleep(20 * time.Millisecond)
	cell.Resolve("tick")
	wg.Wait()
	close(results)

	count := 0
	for v := range results {
		require.Equal(t, "tick", v)
		count++
	}
	require.Equal(t, readers, count)
}

func TestCellFailIsTerminal(t *testing.T) {
	cell := NewCell[int]()
	cell.Resolve(1)
	failure := errors.New("subscription rejected")
	cell.Fail(failure)
	cell.Resolve(2)

	_, _, err := cell.Wait(context.Background(), 0)
	require.ErrorIs(t, err, failure)
	require.ErrorIs(t, cell.Err(), failure)
}

func TestCellWaitHonoursContext(t *testing.T) {
	cell := NewCell[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, _, err := cell.Wait(ctx, 0)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOnceSettlesOnlyOnce(t *testing.T) {
	f := NewOnce[int]()
	require.True(t, f.Resolve(3))
	require.False(t, f.Reject(errors.New("late")))
	require.False(t, f.Resolve(4))

	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, v)
}

func TestOnceReject(t *testing.T) {
	f := NewOnce[int]()
	failure := errors.New("closed")
	require.True(t, f.Reject(failure))
	_, err := f.Wait(context.Background())
	require.ErrorIs(t, err, failure)

	select {
	case <-f.Done():
	default:
		t.Fatal("done channel must be closed")
	}
}
