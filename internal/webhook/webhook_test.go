package webhook

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEmitDeliversNotice(t *testing.T) {
	var mu sync.Mutex
	var received InfectionNotice
	delivered := make(chan struct{}, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		json.NewDecoder(r.Body).Decode(&received)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		delivered <- struct{}{}
	}))
	defer srv.Close()

	d := NewDispatcher(srv.URL, 2, nil)
	defer d.Shutdown()

	d.Emit(InfectionNotice{
		TenantID:  "tenant-a",
		ClientIP:  "1.2.3.4",
		VirusName: "Eicar-Test-Signature",
		TaskID:    "task-1",
		Status:    "INFECTED",
	})

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was never delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "task-1", received.TaskID)
	require.Equal(t, "Eicar-Test-Signature", received.VirusName)
}

func TestEmitDoesNotBlockWhenQueueFull(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher(srv.URL, 1, nil)
	defer d.Shutdown()

	done := make(chan struct{})
	go func() {
		for i := 0; i < queueCapacity+10; i++ {
			d.Emit(InfectionNotice{TaskID: "flood"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked instead of dropping excess notices")
	}
}

func TestRetryOnServerError(t *testing.T) {
	var attempts int32
	var mu sync.Mutex
	done := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		close(done)
	}))
	defer srv.Close()

	d := NewDispatcher(srv.URL, 1, nil)
	defer d.Shutdown()

	d.Emit(InfectionNotice{TaskID: "retry-me"})

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("webhook never succeeded after retry")
	}

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, attempts, 2)
}
