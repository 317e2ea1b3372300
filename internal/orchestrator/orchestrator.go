// Package orchestrator implements the producer-side Scan Orchestrator:
// per-session lifecycle from session creation through predictive-bypass
// dispatch, handshake, ingest, and final result. See spec.md §4.G.
package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aether-platform/ncs-scalable-virusscanner/internal/provider"
	"github.com/aether-platform/ncs-scalable-virusscanner/internal/scanadapter"
	"github.com/aether-platform/ncs-scalable-virusscanner/internal/store"
)

// Status is the tagged scan outcome returned to the external-processor
// handler.
type Status string

const (
	StatusClean    Status = "CLEAN"
	StatusInfected Status = "INFECTED"
	StatusError    Status = "ERROR"
)

const (
	predictiveBypassThreshold = 300 * time.Second
	handshakeTimeout          = 300 * time.Second
	defaultResultTimeout      = 30 * time.Second
)

// ScanResult is the decoded result record (spec.md §3 Result Key).
type ScanResult struct {
	Status Status `json:"status"`
	Virus  string `json:"virus,omitempty"`
	Detail string `json:"detail,omitempty"`
	Metrics struct {
		ScanMS       float64 `json:"scan_ms"`
		WaitTATs     float64 `json:"wait_tat_s"`
		ProcessTATs  float64 `json:"process_tat_s"`
		TotalTATs    float64 `json:"total_tat_s"`
		BytesScanned int     `json:"bytes_scanned"`
		SizeClass    string  `json:"size_class"`
	} `json:"metrics"`
}

// Session is the in-process ephemeral state kept for the life of one
// proxy stream (spec.md §3 Scan Session).
type Session struct {
	StreamID string
	StartNS  int64
	TenantID string
	ClientIP string
	Priority scanadapter.Priority
	Bypassed bool
	Provider provider.Provider
}

// Orchestrator is the Scan Orchestrator.
type Orchestrator struct {
	adapter *scanadapter.Adapter
	store   store.Store
	logger  *slog.Logger
}

// New constructs a Scan Orchestrator.
func New(adapter *scanadapter.Adapter, st store.Store) *Orchestrator {
	return &Orchestrator{adapter: adapter, store: st, logger: slog.With("component", "scan_orchestrator")}
}

// PrepareSession mints a new session id, records its start time, and
// constructs a StreamProvider over a fresh Byte Pipe keyed by that id.
func (o *Orchestrator) PrepareSession(isPriority bool, tenantID, clientIP string) *Session {
	streamID := uuid.NewString()
	priority := scanadapter.PriorityNormal
	if isPriority {
		priority = scanadapter.PriorityHigh
	}
	return &Session{
		StreamID: streamID,
		StartNS:  time.Now().UnixNano(),
		TenantID: tenantID,
		ClientIP: clientIP,
		Priority: priority,
		Provider: provider.NewStreamProvider(o.store, streamID),
	}
}

// DispatchScan applies the predictive congestion bypass: if the last
// fully-observed turnaround time for this priority exceeded 300s, the
// caller must proceed without scanning. Otherwise the job is enqueued.
func (o *Orchestrator) DispatchScan(ctx context.Context, sess *Session) (bool, error) {
	lastTATms, err := o.adapter.GetLastTAT(ctx, sess.Priority)
	if err != nil {
		return false, err
	}
	if time.Duration(lastTATms)*time.Millisecond > predictiveBypassThreshold {
		o.logger.Warn("predictive bypass: last observed turnaround exceeded threshold",
			"stream_id", sess.StreamID, "priority", sess.Priority, "last_tat_ms", lastTATms)
		return false, nil
	}

	isPriority := sess.Priority == scanadapter.PriorityHigh
	if err := o.adapter.EnqueueTask(ctx, sess.StreamID, isPriority, sess.TenantID, sess.ClientIP); err != nil {
		return false, err
	}
	return true, nil
}

// AwaitHandshake blocks until a worker ACKs pickup of this session's job,
// or the handshake timeout elapses (a bypass, not an error).
func (o *Orchestrator) AwaitHandshake(ctx context.Context, sess *Session) (bool, error) {
	return o.adapter.WaitForAck(ctx, sess.StreamID, handshakeTimeout)
}

// FinalizeIngest records the wall-clock duration of pushing the whole
// request body into the Byte Pipe.
func (o *Orchestrator) FinalizeIngest(ctx context.Context, sess *Session, ingestStart time.Time) error {
	ms := float64(time.Since(ingestStart).Microseconds()) / 1000.0
	return o.adapter.RecordMetrics(ctx, sess.StreamID, ms)
}

// GetResult blocks for the published scan result, decoding it into a
// tagged ScanResult. A timeout or malformed payload both surface as
// StatusError so the caller never blocks the proxy indefinitely.
func (o *Orchestrator) GetResult(ctx context.Context, sess *Session, timeout time.Duration) ScanResult {
	if timeout <= 0 {
		timeout = defaultResultTimeout
	}

	payload, err := o.adapter.WaitForResult(ctx, sess.StreamID, timeout)
	if err != nil {
		o.logger.Warn("result wait failed", "stream_id", sess.StreamID, "error", err)
		return ScanResult{Status: StatusError, Detail: err.Error()}
	}
	if payload == nil {
		o.logger.Warn("result wait timed out", "stream_id", sess.StreamID)
		return ScanResult{Status: StatusError, Detail: "result timeout"}
	}

	var result ScanResult
	if err := json.Unmarshal(payload, &result); err != nil {
		o.logger.Warn("result payload malformed", "stream_id", sess.StreamID, "error", err)
		return ScanResult{Status: StatusError, Detail: "malformed result payload"}
	}
	return result
}
