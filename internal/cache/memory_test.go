package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pipe01/villus/internal/operation"
)

func TestMemoryStore_SetGet(t *testing.T) {
	s, err := NewMemoryStore()
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	_, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Set(ctx, "k", operation.Result{Data: 1}))
	require.NoError(t, s.Set(ctx, "k", operation.Result{Data: 2}))
	r, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, r.Data)
}

func TestMemoryStore_Bounded(t *testing.T) {
	s, err := NewMemoryStore(WithMaxEntries(50))
	require.NoError(t, err)
	defer s.Close()

	for i := 0; i < 500; i++ {
		require.NoError(t, s.Set(context.Background(), operation.Key(fmt.Sprint(i)), operation.Result{Data: i}))
	}
	require.Eventually(t, func() bool { return s.Len() <= 50 }, 2*time.Second, 10*time.Millisecond)
}

func TestMemoryStore_InvalidSize(t *testing.T) {
	_, err := NewMemoryStore(WithMaxEntries(0))
	require.Error(t, err)
}

func TestMemoryStore_Closed(t *testing.T) {
	s, err := NewMemoryStore()
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, _, err = s.Get(context.Background(), "k")
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, s.Set(context.Background(), "k", operation.Result{}), ErrClosed)
}

func TestMemoryStore_HitsShareData(t *testing.T) {
	s, err := NewMemoryStore()
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	data := map[string]any{"n": 1.0}
	require.NoError(t, s.Set(ctx, "k", operation.Result{Data: data}))

	first, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	first.Data.(map[string]any)["n"] = 2.0

	second, _, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, map[string]any{"n": 2.0}, second.Data)
}
