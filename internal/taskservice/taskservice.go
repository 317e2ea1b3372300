// Package taskservice implements the Scanner Task Service: the
// consumer-side per-job sequence of ACK, scan, publish, metrics, and
// infection notification. See spec.md §4.J.
package taskservice

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/aether-platform/ncs-scalable-virusscanner/internal/engine"
	"github.com/aether-platform/ncs-scalable-virusscanner/internal/metrics"
	"github.com/aether-platform/ncs-scalable-virusscanner/internal/provider"
	"github.com/aether-platform/ncs-scalable-virusscanner/internal/scanadapter"
	"github.com/aether-platform/ncs-scalable-virusscanner/internal/store"
	"github.com/aether-platform/ncs-scalable-virusscanner/internal/webhook"
)

// MemoryGate controls whether the service refuses a scan under memory
// pressure (spec.md §6 ENABLE_MEMORY_CHECK / MIN_FREE_MEMORY_MB).
type MemoryGate struct {
	Enabled   bool
	MinFreeMB float64
}

// Allow reports whether a scan may proceed given current free memory.
func (g MemoryGate) Allow() bool {
	if !g.Enabled {
		return true
	}
	return freeMemoryMB() >= g.MinFreeMB
}

// resultRecord mirrors the JSON shape pushed onto result:{stream_id}
// (spec.md §3).
type resultRecord struct {
	Status   string `json:"status"`
	Virus    string `json:"virus,omitempty"`
	Detail   string `json:"detail,omitempty"`
	StreamID string `json:"stream_id"`
	Metrics  struct {
		ScanMS       float64 `json:"scan_ms"`
		WaitTATs     float64 `json:"wait_tat_s"`
		ProcessTATs  float64 `json:"process_tat_s"`
		TotalTATs    float64 `json:"total_tat_s"`
		BytesScanned int     `json:"bytes_scanned"`
		SizeClass    string  `json:"size_class"`
	} `json:"metrics"`
}

// Service is the Scanner Task Service.
type Service struct {
	store   store.Store
	adapter *scanadapter.Adapter
	engine  *engine.Client
	metrics *metrics.Metrics
	webhook *webhook.Dispatcher
	gate    MemoryGate
	logger  *slog.Logger
}

// New constructs a Scanner Task Service.
func New(st store.Store, adapter *scanadapter.Adapter, eng *engine.Client, m *metrics.Metrics, wh *webhook.Dispatcher, gate MemoryGate) *Service {
	return &Service{
		store:   st,
		adapter: adapter,
		engine:  eng,
		metrics: m,
		webhook: wh,
		gate:    gate,
		logger:  slog.With("component", "scanner_task_service"),
	}
}

// HandleJob runs the full per-job sequence described in spec.md §4.J.
// startProcess is the wall-clock time the worker picked the job up,
// supplied by the dispatcher so wait-TAT can be computed.
func (s *Service) HandleJob(ctx context.Context, job scanadapter.JobMetadata, startProcess time.Time) {
	if job.StreamID == "" {
		s.logger.Warn("dropping job with missing stream_id")
		return
	}

	if err := s.adapter.SendAck(ctx, job.StreamID); err != nil {
		s.logger.Error("failed to send ack", "stream_id", job.StreamID, "error", err)
		return
	}

	if !s.gate.Allow() {
		s.logger.Warn("refusing scan under memory pressure", "stream_id", job.StreamID, "min_free_mb", s.gate.MinFreeMB)
		s.publishError(ctx, job, startProcess, "insufficient free memory")
		return
	}

	p := provider.NewStreamProvider(s.store, job.StreamID)

	engineStart := time.Now()
	res, err := s.engine.Scan(ctx, p)
	engineSeconds := time.Since(engineStart).Seconds()
	if err != nil {
		s.logger.Error("engine scan failed", "stream_id", job.StreamID, "error", err)
		if s.metrics != nil {
			s.metrics.RecordEngineScan("error", engineSeconds)
		}
		s.publishError(ctx, job, startProcess, err.Error())
		return
	}
	if s.metrics != nil {
		engineResult := "clean"
		if res.IsVirus {
			engineResult = "infected"
		}
		s.metrics.RecordEngineScan(engineResult, engineSeconds)
	}

	s.publishResult(ctx, job, startProcess, res)

	if res.IsVirus && s.webhook != nil {
		s.webhook.Emit(webhook.InfectionNotice{
			TenantID:  job.TenantID,
			ClientIP:  job.ClientIP,
			VirusName: res.VirusName,
			TaskID:    job.StreamID,
			Status:    "INFECTED",
		})
	}
}

func (s *Service) publishResult(ctx context.Context, job scanadapter.JobMetadata, startProcess time.Time, res engine.Result) {
	now := time.Now()
	waitS := startProcess.Sub(time.Unix(0, int64(job.EnqueuedAt*float64(time.Second)))).Seconds()
	processS := now.Sub(startProcess).Seconds()
	totalS := waitS + processS

	record := resultRecord{StreamID: job.StreamID}
	if res.IsVirus {
		record.Status = "INFECTED"
		record.Virus = res.VirusName
	} else {
		record.Status = "CLEAN"
	}
	record.Metrics.ScanMS = processS * 1000
	record.Metrics.WaitTATs = waitS
	record.Metrics.ProcessTATs = processS
	record.Metrics.TotalTATs = totalS
	record.Metrics.BytesScanned = res.BytesScanned
	record.Metrics.SizeClass = metrics.SizeClass(res.BytesScanned)

	payload, err := json.Marshal(record)
	if err != nil {
		s.logger.Error("failed to marshal result record", "stream_id", job.StreamID, "error", err)
		return
	}
	if err := s.adapter.PublishResult(ctx, job.StreamID, payload); err != nil {
		s.logger.Error("failed to publish result", "stream_id", job.StreamID, "error", err)
		return
	}
	if err := s.adapter.PublishLastTAT(ctx, job.Priority, totalS*1000); err != nil {
		s.logger.Warn("failed to publish last tat", "stream_id", job.StreamID, "error", err)
	}

	if s.metrics != nil {
		result := "clean"
		if res.IsVirus {
			result = "infected"
		}
		s.metrics.RecordScan(string(job.Priority), waitS, processS, totalS, result, res.BytesScanned)
	}
}

func (s *Service) publishError(ctx context.Context, job scanadapter.JobMetadata, startProcess time.Time, detail string) {
	record := resultRecord{StreamID: job.StreamID, Status: "ERROR", Detail: detail}
	payload, err := json.Marshal(record)
	if err != nil {
		s.logger.Error("failed to marshal error record", "stream_id", job.StreamID, "error", err)
		return
	}
	if err := s.adapter.PublishResult(ctx, job.StreamID, payload); err != nil {
		s.logger.Error("failed to publish error result", "stream_id", job.StreamID, "error", err)
	}
	if s.metrics != nil {
		s.metrics.RecordScan(string(job.Priority), 0, 0, 0, "error", 0)
	}
}
