// Package scanadapter is the anti-corruption layer between the producer's
// Scan Orchestrator and the shared Store: it composes Job Metadata, waits
// on the handshake ACK and the scan result, and tracks the last-observed
// TAT used for predictive congestion bypass. See spec.md §4.C and §3.
package scanadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aether-platform/ncs-scalable-virusscanner/internal/store"
)

// Priority selects which queue a job lands on and which TAT metric
// predictive bypass consults.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "low"
)

const (
	queuePriority = "scan_priority"
	queueNormal   = "scan_normal"

	ackTTL         = 300 * time.Second
	metricsTTL     = time.Hour
	defaultAckWait = 300 * time.Second
	defaultResWait = 300 * time.Second
)

// JobMetadata is the self-describing record pushed onto a scan queue. It
// is JSON so both the producer and any out-of-process tooling can decode
// it without sharing a binary schema.
type JobMetadata struct {
	StreamID   string   `json:"stream_id"`
	Priority   Priority `json:"priority"`
	EnqueuedAt float64  `json:"enqueued_at"` // seconds since epoch
	Mode       string   `json:"mode"`
	TenantID   string   `json:"tenant_id"`
	ClientIP   string   `json:"client_ip"`
}

// Adapter is the Scan Adapter described in spec.md §4.C.
type Adapter struct {
	st     store.Store
	logger *slog.Logger
}

// New constructs a Scan Adapter over the shared Store.
func New(st store.Store) *Adapter {
	return &Adapter{st: st, logger: slog.With("component", "scan_adapter")}
}

// EnqueueTask composes a Job Metadata record and pushes it onto the
// priority or normal queue.
func (a *Adapter) EnqueueTask(ctx context.Context, streamID string, isPriority bool, tenantID, clientIP string) error {
	priority := PriorityNormal
	queue := queueNormal
	if isPriority {
		priority = PriorityHigh
		queue = queuePriority
	}

	job := JobMetadata{
		StreamID:   streamID,
		Priority:   priority,
		EnqueuedAt: float64(time.Now().UnixNano()) / 1e9,
		Mode:       "STREAM",
		TenantID:   tenantID,
		ClientIP:   clientIP,
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job metadata: %w", err)
	}

	if err := a.st.Push(ctx, queue, payload); err != nil {
		return fmt.Errorf("enqueue task %s: %w", streamID, err)
	}
	a.logger.Debug("enqueued scan task", "stream_id", streamID, "queue", queue)
	return nil
}

// WaitForAck blocks on the handshake ACK key, returning whether a worker
// picked up the job within timeout.
func (a *Adapter) WaitForAck(ctx context.Context, streamID string, timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		timeout = defaultAckWait
	}
	_, payload, err := a.st.Pop(ctx, []string{ackKey(streamID)}, timeout)
	if err != nil {
		return false, fmt.Errorf("wait for ack %s: %w", streamID, err)
	}
	return payload != nil, nil
}

// SendAck is called worker-side: push a byte onto the ACK key and set its
// TTL so a crashed producer doesn't leak the key forever.
func (a *Adapter) SendAck(ctx context.Context, streamID string) error {
	key := ackKey(streamID)
	if err := a.st.Push(ctx, key, []byte{1}); err != nil {
		return fmt.Errorf("send ack %s: %w", streamID, err)
	}
	return a.st.Expire(ctx, key, ackTTL)
}

// WaitForResult blocks on the result key, returning the raw JSON payload
// or nil on timeout.
func (a *Adapter) WaitForResult(ctx context.Context, streamID string, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = defaultResWait
	}
	_, payload, err := a.st.Pop(ctx, []string{resultKey(streamID)}, timeout)
	if err != nil {
		return nil, fmt.Errorf("wait for result %s: %w", streamID, err)
	}
	return payload, nil
}

// PublishResult is called worker-side.
func (a *Adapter) PublishResult(ctx context.Context, streamID string, payload []byte) error {
	if err := a.st.Push(ctx, resultKey(streamID), payload); err != nil {
		return fmt.Errorf("publish result %s: %w", streamID, err)
	}
	return nil
}

// GetLastTAT reads the most recently observed total TAT (milliseconds) for
// the given priority, defaulting to 0 when no job of that priority has
// completed yet.
func (a *Adapter) GetLastTAT(ctx context.Context, priority Priority) (float64, error) {
	key := "tat_normal_last"
	if priority == PriorityHigh {
		key = "tat_high_last"
	}
	v, err := a.st.Get(ctx, key)
	if err != nil {
		if err == store.ErrNotFound {
			return 0, nil
		}
		return 0, fmt.Errorf("get last tat: %w", err)
	}
	var ms float64
	if _, scanErr := fmt.Sscanf(string(v), "%f", &ms); scanErr != nil {
		return 0, nil
	}
	return ms, nil
}

// PublishLastTAT records the most recent total TAT for the predictive
// bypass mechanism; called by the worker after publishing a result.
func (a *Adapter) PublishLastTAT(ctx context.Context, priority Priority, ms float64) error {
	key := "tat_normal_last"
	if priority == PriorityHigh {
		key = "tat_high_last"
	}
	_, err := a.st.Set(ctx, key, []byte(fmt.Sprintf("%f", ms)), 0, false)
	return err
}

// RecordMetrics records ingestion duration for operator diagnostics
// (spec.md §4.G finalize_ingest / §9 open question).
func (a *Adapter) RecordMetrics(ctx context.Context, streamID string, ingestMS float64) error {
	key := "metrics:ingest:" + streamID
	_, err := a.st.Set(ctx, key, []byte(fmt.Sprintf("%f", ingestMS)), metricsTTL, false)
	return err
}

func ackKey(streamID string) string    { return "ack:" + streamID }
func resultKey(streamID string) string { return "result:" + streamID }
