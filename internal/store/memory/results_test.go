package memory

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crawlstack/dispatch/internal/dispatch"
)

func TestSaveAndGet(t *testing.T) {
	t.Parallel()

	s := NewResultStore()
	ctx := context.Background()

	require.NoError(t, s.SaveResult(ctx, dispatch.Result{TaskID: "a", StatusCode: 200}))
	require.NoError(t, s.SaveResult(ctx, dispatch.Result{TaskID: "b", Error: "boom"}))

	got, ok := s.Get("a")
	require.True(t, ok)
	require.Equal(t, 200, got.StatusCode)

	_, ok = s.Get("missing")
	require.False(t, ok)

	list := s.List()
	require.Len(t, list, 2)
	require.Equal(t, "a", list[0].TaskID)
	require.Equal(t, "b", list[1].TaskID)
}

func TestSaveReplacesExistingRow(t *testing.T) {
	t.Parallel()

	s := NewResultStore()
	ctx := context.Background()

	require.NoError(t, s.SaveResult(ctx, dispatch.Result{TaskID: "a", Attempts: 1}))
	require.NoError(t, s.SaveResult(ctx, dispatch.Result{TaskID: "a", Attempts: 2}))

	got, ok := s.Get("a")
	require.True(t, ok)
	require.Equal(t, 2, got.Attempts)
	require.Len(t, s.List(), 1)
}

func TestSaveRequiresTaskID(t *testing.T) {
	t.Parallel()

	s := NewResultStore()
	require.Error(t, s.SaveResult(context.Background(), dispatch.Result{}))
}

func TestConcurrentSaves(t *testing.T) {
	t.Parallel()

	s := NewResultStore()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = s.SaveResult(context.Background(), dispatch.Result{
				TaskID:   string(rune('a' + i%8)),
				Attempts: i,
			})
		}(i)
	}
	wg.Wait()
	require.Len(t, s.List(), 8)
}
