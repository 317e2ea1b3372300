package taskservice

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/aether-platform/ncs-scalable-virusscanner/internal/engine"
	"github.com/aether-platform/ncs-scalable-virusscanner/internal/metrics"
	"github.com/aether-platform/ncs-scalable-virusscanner/internal/provider"
	"github.com/aether-platform/ncs-scalable-virusscanner/internal/scanadapter"
	"github.com/aether-platform/ncs-scalable-virusscanner/internal/store"
	"github.com/aether-platform/ncs-scalable-virusscanner/internal/webhook"
)

func fakeDaemon(t *testing.T, reply string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		defer ln.Close()

		hs := make([]byte, len("zINSTREAM\000"))
		if _, err := io.ReadFull(conn, hs); err != nil {
			return
		}
		for {
			var lenBuf [4]byte
			if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
				return
			}
			n := binary.BigEndian.Uint32(lenBuf[:])
			if n == 0 {
				break
			}
			buf := make([]byte, n)
			if _, err := io.ReadFull(conn, buf); err != nil {
				return
			}
		}
		conn.Write([]byte(reply))
	}()

	return ln.Addr().String()
}

func TestHandleJobCleanPublishesResultAndMetrics(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	adapter := scanadapter.New(st)

	addr := fakeDaemon(t, "stream: OK\n")
	eng, err := engine.New("tcp://" + addr, nil)
	require.NoError(t, err)

	m := metrics.New(prometheus.NewRegistry())
	svc := New(st, adapter, eng, m, nil, MemoryGate{})

	job := scanadapter.JobMetadata{
		StreamID:   "job-1",
		Priority:   scanadapter.PriorityNormal,
		EnqueuedAt: float64(time.Now().UnixNano()) / 1e9,
		Mode:       "STREAM",
		TenantID:   "tenant-a",
		ClientIP:   "1.2.3.4",
	}

	p := provider.NewStreamProvider(st, job.StreamID)
	require.NoError(t, p.PushChunk(ctx, []byte("hello")))
	require.NoError(t, p.FinalizePush(ctx))

	svc.HandleJob(ctx, job, time.Now())

	payload, err := adapter.WaitForResult(ctx, job.StreamID, time.Second)
	require.NoError(t, err)
	require.NotNil(t, payload)

	var result resultRecord
	require.NoError(t, json.Unmarshal(payload, &result))
	require.Equal(t, "CLEAN", result.Status)
}

func TestHandleJobInfectedEmitsWebhook(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	adapter := scanadapter.New(st)

	addr := fakeDaemon(t, "stream: Eicar-Test-Signature FOUND\n")
	eng, err := engine.New("tcp://" + addr, nil)
	require.NoError(t, err)

	delivered := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		delivered <- struct{}{}
	}))
	defer srv.Close()

	wh := webhook.NewDispatcher(srv.URL, 1, nil)
	defer wh.Shutdown()

	m := metrics.New(prometheus.NewRegistry())
	svc := New(st, adapter, eng, m, wh, MemoryGate{})

	job := scanadapter.JobMetadata{StreamID: "job-2", Priority: scanadapter.PriorityHigh, TenantID: "tenant-a"}
	p := provider.NewStreamProvider(st, job.StreamID)
	require.NoError(t, p.PushChunk(ctx, []byte("eicar")))
	require.NoError(t, p.FinalizePush(ctx))

	svc.HandleJob(ctx, job, time.Now())

	payload, err := adapter.WaitForResult(ctx, job.StreamID, time.Second)
	require.NoError(t, err)
	var result resultRecord
	require.NoError(t, json.Unmarshal(payload, &result))
	require.Equal(t, "INFECTED", result.Status)
	require.Equal(t, "Eicar-Test-Signature", result.Virus)

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("infection webhook was never delivered")
	}
}

func TestHandleJobDropsMissingStreamID(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	adapter := scanadapter.New(st)
	eng, err := engine.New("tcp://127.0.0.1:1", nil)
	require.NoError(t, err)

	svc := New(st, adapter, eng, nil, nil, MemoryGate{})
	svc.HandleJob(ctx, scanadapter.JobMetadata{}, time.Now())
	// must not panic or hang; nothing to assert beyond completion
}

func TestHandleJobRefusesUnderMemoryPressure(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	adapter := scanadapter.New(st)
	eng, err := engine.New("tcp://127.0.0.1:1", nil)
	require.NoError(t, err)

	svc := New(st, adapter, eng, nil, nil, MemoryGate{Enabled: true, MinFreeMB: 1e12})

	job := scanadapter.JobMetadata{StreamID: "job-3"}
	svc.HandleJob(ctx, job, time.Now())

	payload, err := adapter.WaitForResult(ctx, job.StreamID, time.Second)
	require.NoError(t, err)
	var result resultRecord
	require.NoError(t, json.Unmarshal(payload, &result))
	require.Equal(t, "ERROR", result.Status)
}
