package scanadapter

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aether-platform/ncs-scalable-virusscanner/internal/store"
)

func TestEnqueueTaskRoutesByPriority(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	a := New(st)

	require.NoError(t, a.EnqueueTask(ctx, "s-1", true, "tenant-a", "1.2.3.4"))
	require.NoError(t, a.EnqueueTask(ctx, "s-2", false, "tenant-a", "1.2.3.4"))

	_, payload, err := st.Pop(ctx, []string{queuePriority}, 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, payload)
	var job JobMetadata
	require.NoError(t, json.Unmarshal(payload, &job))
	require.Equal(t, "s-1", job.StreamID)
	require.Equal(t, PriorityHigh, job.Priority)
	require.Equal(t, "STREAM", job.Mode)

	_, payload, err = st.Pop(ctx, []string{queueNormal}, 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, payload)
	require.NoError(t, json.Unmarshal(payload, &job))
	require.Equal(t, "s-2", job.StreamID)
	require.Equal(t, PriorityNormal, job.Priority)
}

func TestAckRoundTrip(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	a := New(st)

	done := make(chan bool, 1)
	go func() {
		ok, err := a.WaitForAck(ctx, "s-3", time.Second)
		require.NoError(t, err)
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, a.SendAck(ctx, "s-3"))

	select {
	case ok := <-done:
		require.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("ack never observed")
	}
}

func TestWaitForAckTimesOutWithoutDeadlock(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	a := New(st)

	start := time.Now()
	ok, err := a.WaitForAck(ctx, "s-never", 30*time.Millisecond)
	require.NoError(t, err)
	require.False(t, ok)
	require.WithinDuration(t, start.Add(30*time.Millisecond), time.Now(), 50*time.Millisecond)
}

func TestResultRoundTrip(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	a := New(st)

	require.NoError(t, a.PublishResult(ctx, "s-4", []byte(`{"status":"clean"}`)))

	payload, err := a.WaitForResult(ctx, "s-4", time.Second)
	require.NoError(t, err)
	require.Equal(t, `{"status":"clean"}`, string(payload))
}

func TestLastTATDefaultsToZero(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	a := New(st)

	tat, err := a.GetLastTAT(ctx, PriorityHigh)
	require.NoError(t, err)
	require.Zero(t, tat)
}

func TestLastTATRoundTrip(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	a := New(st)

	require.NoError(t, a.PublishLastTAT(ctx, PriorityHigh, 4200.5))
	tat, err := a.GetLastTAT(ctx, PriorityHigh)
	require.NoError(t, err)
	require.InDelta(t, 4200.5, tat, 0.001)

	normalTAT, err := a.GetLastTAT(ctx, PriorityNormal)
	require.NoError(t, err)
	require.Zero(t, normalTAT, "priorities track independent tat keys")
}

func TestRecordMetricsSetsKey(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	a := New(st)

	require.NoError(t, a.RecordMetrics(ctx, "s-5", 123.4))
	v, err := st.Get(ctx, "metrics:ingest:s-5")
	require.NoError(t, err)
	require.Equal(t, "123.400000", string(v))
}
