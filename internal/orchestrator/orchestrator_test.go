package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aether-platform/ncs-scalable-virusscanner/internal/scanadapter"
	"github.com/aether-platform/ncs-scalable-virusscanner/internal/store"
)

func TestPrepareSessionMintsDistinctIDs(t *testing.T) {
	st := store.NewMemoryStore()
	o := New(scanadapter.New(st), st)

	s1 := o.PrepareSession(true, "tenant-a", "1.2.3.4")
	s2 := o.PrepareSession(false, "tenant-a", "1.2.3.4")

	require.NotEmpty(t, s1.StreamID)
	require.NotEqual(t, s1.StreamID, s2.StreamID)
	require.Equal(t, scanadapter.PriorityHigh, s1.Priority)
	require.Equal(t, scanadapter.PriorityNormal, s2.Priority)
}

func TestDispatchScanEnqueuesWhenNotCongested(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	o := New(scanadapter.New(st), st)

	sess := o.PrepareSession(true, "tenant-a", "1.2.3.4")
	dispatched, err := o.DispatchScan(ctx, sess)
	require.NoError(t, err)
	require.True(t, dispatched)

	_, payload, err := st.Pop(ctx, []string{"scan_priority"}, 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, payload)
}

func TestDispatchScanBypassesWhenPredictiveTATExceedsThreshold(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	adapter := scanadapter.New(st)
	o := New(adapter, st)

	require.NoError(t, adapter.PublishLastTAT(ctx, scanadapter.PriorityHigh, 301*1000))

	sess := o.PrepareSession(true, "tenant-a", "1.2.3.4")
	dispatched, err := o.DispatchScan(ctx, sess)
	require.NoError(t, err)
	require.False(t, dispatched)

	_, payload, err := st.Pop(ctx, []string{"scan_priority"}, 10*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, payload, "bypassed session must not be enqueued")
}

func TestAwaitHandshakeTimesOutWithoutAck(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	o := New(scanadapter.New(st), st)

	sess := o.PrepareSession(false, "tenant-a", "1.2.3.4")

	// use a much shorter timeout than the spec default so the test is fast;
	// exercised via the adapter directly since AwaitHandshake hardcodes 300s.
	ok, err := o.adapter.WaitForAck(ctx, sess.StreamID, 20*time.Millisecond)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGetResultDecodesCleanResult(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	adapter := scanadapter.New(st)
	o := New(adapter, st)

	sess := o.PrepareSession(false, "tenant-a", "1.2.3.4")
	require.NoError(t, adapter.PublishResult(ctx, sess.StreamID, []byte(`{"status":"CLEAN"}`)))

	result := o.GetResult(ctx, sess, time.Second)
	require.Equal(t, StatusClean, result.Status)
}

func TestGetResultDecodesInfectedResult(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	adapter := scanadapter.New(st)
	o := New(adapter, st)

	sess := o.PrepareSession(false, "tenant-a", "1.2.3.4")
	require.NoError(t, adapter.PublishResult(ctx, sess.StreamID, []byte(`{"status":"INFECTED","virus":"Eicar-Test-Signature"}`)))

	result := o.GetResult(ctx, sess, time.Second)
	require.Equal(t, StatusInfected, result.Status)
	require.Equal(t, "Eicar-Test-Signature", result.Virus)
}

func TestGetResultTimesOutAsError(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	o := New(scanadapter.New(st), st)

	sess := o.PrepareSession(false, "tenant-a", "1.2.3.4")
	result := o.GetResult(ctx, sess, 20*time.Millisecond)
	require.Equal(t, StatusError, result.Status)
}

func TestGetResultMalformedPayloadIsError(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	adapter := scanadapter.New(st)
	o := New(adapter, st)

	sess := o.PrepareSession(false, "tenant-a", "1.2.3.4")
	require.NoError(t, adapter.PublishResult(ctx, sess.StreamID, []byte("not json")))

	result := o.GetResult(ctx, sess, time.Second)
	require.Equal(t, StatusError, result.Status)
}

func TestFinalizeIngestRecordsMetrics(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	adapter := scanadapter.New(st)
	o := New(adapter, st)

	sess := o.PrepareSession(false, "tenant-a", "1.2.3.4")
	require.NoError(t, o.FinalizeIngest(ctx, sess, time.Now().Add(-5*time.Millisecond)))

	v, err := st.Get(ctx, "metrics:ingest:"+sess.StreamID)
	require.NoError(t, err)
	require.NotEmpty(t, v)
}
