package dispatcher

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aether-platform/ncs-scalable-virusscanner/internal/scanadapter"
	"github.com/aether-platform/ncs-scalable-virusscanner/internal/store"
)

func TestPlansAreFourToOne(t *testing.T) {
	p := New(store.NewMemoryStore(), nil, nil, "priority", "normal", 5)
	plans := p.plans()
	require.Len(t, plans, 5)

	normalOnly := 0
	for _, plan := range plans {
		if len(plan.queues) == 1 {
			require.Equal(t, "normal", plan.queues[0])
			normalOnly++
		} else {
			require.Equal(t, []string{"priority", "normal"}, plan.queues)
		}
	}
	require.Equal(t, 1, normalOnly)
}

func pushJob(t *testing.T, st store.Store, queue, streamID string) {
	t.Helper()
	job := scanadapter.JobMetadata{StreamID: streamID, Mode: "STREAM"}
	payload, err := json.Marshal(job)
	require.NoError(t, err)
	require.NoError(t, st.Push(context.Background(), queue, payload))
}

func TestWorkerLoopDrainsPriorityBeforeNormal(t *testing.T) {
	st := store.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())

	var mu sync.Mutex
	var seen []string
	handler := func(ctx context.Context, job scanadapter.JobMetadata, start time.Time) {
		mu.Lock()
		seen = append(seen, job.StreamID)
		mu.Unlock()
	}

	pushJob(t, st, "priority", "p-1")
	pushJob(t, st, "normal", "n-1")

	p := New(st, handler, nil, "priority", "normal", 1)
	go p.workerLoop(ctx, 0, pollPlan{queues: []string{"priority", "normal"}})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"p-1", "n-1"}, seen, "priority queue must drain first")
	cancel()
}

func TestNormalOnlyWorkerNeverSeesPriorityJobs(t *testing.T) {
	st := store.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var seen []string
	handler := func(ctx context.Context, job scanadapter.JobMetadata, start time.Time) {
		mu.Lock()
		seen = append(seen, job.StreamID)
		mu.Unlock()
	}

	pushJob(t, st, "priority", "p-1")
	pushJob(t, st, "normal", "n-1")

	p := New(st, handler, nil, "priority", "normal", 1)
	go p.workerLoop(ctx, 0, pollPlan{queues: []string{"normal"}})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"n-1"}, seen)

	remaining, payload, err := st.Pop(context.Background(), []string{"priority"}, 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, payload, "priority job must remain untouched by the normal-only worker")
	require.Equal(t, "priority", remaining)
}

func TestShutdownStopsWorkersCleanly(t *testing.T) {
	st := store.NewMemoryStore()
	handler := func(ctx context.Context, job scanadapter.JobMetadata, start time.Time) {}
	p := New(st, handler, nil, "priority", "normal", 2)

	done := make(chan struct{})
	go func() {
		p.Run(context.Background())
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	p.Shutdown()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after Shutdown")
	}
}

type fakeCoordinator struct {
	mu    sync.Mutex
	ticks int
}

func (f *fakeCoordinator) Tick(ctx context.Context) {
	f.mu.Lock()
	f.ticks++
	f.mu.Unlock()
}

func TestCoordinatorTicksImmediatelyOnStart(t *testing.T) {
	st := store.NewMemoryStore()
	handler := func(ctx context.Context, job scanadapter.JobMetadata, start time.Time) {}
	coord := &fakeCoordinator{}
	p := New(st, handler, coord, "priority", "normal", 1)

	go p.Run(context.Background())
	defer p.Shutdown()

	require.Eventually(t, func() bool {
		coord.mu.Lock()
		defer coord.mu.Unlock()
		return coord.ticks >= 1
	}, time.Second, 10*time.Millisecond)
}
