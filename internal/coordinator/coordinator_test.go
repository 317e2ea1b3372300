package coordinator

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aether-platform/ncs-scalable-virusscanner/internal/store"
)

type fakeEngine struct {
	reloadCalls int32
	pingReady   bool
	reloadErr   error
}

func (f *fakeEngine) Reload(ctx context.Context) error {
	atomic.AddInt32(&f.reloadCalls, 1)
	return f.reloadErr
}

func (f *fakeEngine) Ping(ctx context.Context) (bool, error) {
	return f.pingReady, nil
}

func TestHeartbeatRegistersNodeAndIsDebounced(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	eng := &fakeEngine{pingReady: true}
	c := New(st, eng, "node-1", "")

	require.NoError(t, c.Heartbeat(ctx))

	members, err := st.SMembers(ctx, activeNodesKey)
	require.NoError(t, err)
	require.Contains(t, members, "node-1")

	exists, err := st.Exists(ctx, heartbeatKey("node-1"))
	require.NoError(t, err)
	require.True(t, exists)

	// second call within the debounce interval must not touch the store again
	// (no observable effect besides not erroring).
	require.NoError(t, c.Heartbeat(ctx))
}

func TestSequentialUpdateNoOpWithoutTargetEpoch(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	eng := &fakeEngine{pingReady: true}
	c := New(st, eng, "node-1", "")

	require.NoError(t, c.HandleSequentialUpdate(ctx))
	require.Zero(t, eng.reloadCalls)
}

func TestSequentialUpdateReloadsAndConverges(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	eng := &fakeEngine{pingReady: true}
	c := New(st, eng, "node-1", "")

	require.NoError(t, c.Heartbeat(ctx))
	_, err := st.Set(ctx, targetEpochKey, []byte("3"), 0, false)
	require.NoError(t, err)
	_, err = st.Set(ctx, targetEpochAtKey, []byte(fmt.Sprintf("%d", time.Now().Unix())), 0, false)
	require.NoError(t, err)

	require.NoError(t, c.HandleSequentialUpdate(ctx))

	require.EqualValues(t, 1, eng.reloadCalls)
	require.EqualValues(t, 3, c.CurrentEpoch())

	locked, err := st.Exists(ctx, updateLockKey)
	require.NoError(t, err)
	require.False(t, locked, "lock must always be released")
}

func TestSequentialUpdateSingleNodeRequestsSurgeInsteadOfReloading(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	eng := &fakeEngine{pingReady: true}
	c := New(st, eng, "node-1", "worker-deployment")

	require.NoError(t, c.Heartbeat(ctx))
	_, err := st.Set(ctx, targetEpochKey, []byte("1"), 0, false)
	require.NoError(t, err)

	require.NoError(t, c.HandleSequentialUpdate(ctx))

	require.Zero(t, eng.reloadCalls, "single node must not reload directly")
	require.Zero(t, c.CurrentEpoch())

	_, payload, err := st.Pop(ctx, []string{scalingRequestKey}, 10*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, "surge", string(payload))
}

func TestSequentialUpdateSkipsWhenLockHeld(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	eng := &fakeEngine{pingReady: true}
	c := New(st, eng, "node-1", "")

	_, err := st.Set(ctx, updateLockKey, []byte("other-node"), 10*time.Second, true)
	require.NoError(t, err)
	_, err = st.Set(ctx, targetEpochKey, []byte("5"), 0, false)
	require.NoError(t, err)

	require.NoError(t, c.HandleSequentialUpdate(ctx))
	require.Zero(t, eng.reloadCalls)

	held, err := st.Get(ctx, updateLockKey)
	require.NoError(t, err)
	require.Equal(t, "other-node", string(held), "this node must not clobber another node's lock")
}

func TestSequentialUpdateAlreadyConvergedIsNoOp(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	eng := &fakeEngine{pingReady: true}
	c := New(st, eng, "node-1", "")
	c.currentEpoch = 7

	_, err := st.Set(ctx, targetEpochKey, []byte("7"), 0, false)
	require.NoError(t, err)

	require.NoError(t, c.HandleSequentialUpdate(ctx))
	require.Zero(t, eng.reloadCalls)
}
