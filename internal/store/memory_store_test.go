package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryStorePushPop(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Push(ctx, "q1", []byte("a")))
	q, v, err := s.Pop(ctx, []string{"q1", "q2"}, time.Second)
	require.NoError(t, err)
	require.Equal(t, "q1", q)
	require.Equal(t, []byte("a"), v)
}

func TestMemoryStorePopPrefersFirstQueue(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Push(ctx, "normal", []byte("n")))
	require.NoError(t, s.Push(ctx, "priority", []byte("p")))

	q, v, err := s.Pop(ctx, []string{"priority", "normal"}, time.Second)
	require.NoError(t, err)
	require.Equal(t, "priority", q)
	require.Equal(t, []byte("p"), v)
}

func TestMemoryStorePopTimeout(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	start := time.Now()
	q, v, err := s.Pop(ctx, []string{"empty"}, 50*time.Millisecond)
	require.NoError(t, err)
	require.Empty(t, q)
	require.Nil(t, v)
	require.WithinDuration(t, start.Add(50*time.Millisecond), time.Now(), 100*time.Millisecond)
}

func TestMemoryStoreSetNX(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	ok, err := s.Set(ctx, "lock", []byte("node-a"), time.Minute, true)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Set(ctx, "lock", []byte("node-b"), time.Minute, true)
	require.NoError(t, err)
	require.False(t, ok)

	v, err := s.Get(ctx, "lock")
	require.NoError(t, err)
	require.Equal(t, []byte("node-a"), v)
}

func TestMemoryStoreTTLExpiry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Set(ctx, "k", []byte("v"), 10*time.Millisecond, false)
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)

	_, err = s.Get(ctx, "k")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreBlockingMove(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Push(ctx, "data:1", []byte("chunk")))
	v, err := s.BlockingMove(ctx, "data:1", "1:verified", time.Second)
	require.NoError(t, err)
	require.Equal(t, []byte("chunk"), v)

	members, err := s.MGet(ctx, "nonexistent")
	require.NoError(t, err)
	require.Len(t, members, 1)
	require.Nil(t, members[0])

	exists, err := s.Exists(ctx, "1:verified")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestMemoryStoreBlockingMoveUnblocksOnPush(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	resultCh := make(chan []byte, 1)
	go func() {
		v, _ := s.BlockingMove(ctx, "data:2", "2:verified", 2*time.Second)
		resultCh <- v
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Push(ctx, "data:2", []byte("late-chunk")))

	select {
	case v := <-resultCh:
		require.Equal(t, []byte("late-chunk"), v)
	case <-time.After(time.Second):
		t.Fatal("blocking move did not unblock after push")
	}
}

func TestMemoryStoreSets(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.SAdd(ctx, "active_nodes", "n1", "n2"))
	members, err := s.SMembers(ctx, "active_nodes")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"n1", "n2"}, members)

	require.NoError(t, s.SRem(ctx, "active_nodes", "n1"))
	members, err = s.SMembers(ctx, "active_nodes")
	require.NoError(t, err)
	require.Equal(t, []string{"n2"}, members)
}
