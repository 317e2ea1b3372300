// Package extproc implements the External-Processor Handler: the
// per-stream state machine that speaks the proxy's bidirectional
// ProcessingRequest/ProcessingResponse contract. See spec.md §4.H.
package extproc

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aether-platform/ncs-scalable-virusscanner/internal/cache"
	"github.com/aether-platform/ncs-scalable-virusscanner/internal/featureflag"
	"github.com/aether-platform/ncs-scalable-virusscanner/internal/metrics"
	"github.com/aether-platform/ncs-scalable-virusscanner/internal/orchestrator"
	pb "github.com/aether-platform/ncs-scalable-virusscanner/pb/extproc"
)

// InfectionMode selects which of the two infection-response variants the
// handler runs for the life of the process.
type InfectionMode string

const (
	// ModeBlocking holds the final CONTINUE until the scan result is
	// known, substituting an immediate-403 on infection. Infected bytes
	// never reach the upstream or client, at the cost of holding the
	// last body chunk until the engine round trip completes.
	ModeBlocking InfectionMode = "blocking"

	// ModeFireAndForget sends CONTINUE immediately and handles an
	// infection after the fact: logged, and the URL is added to the
	// clean-cache's block list so the next request for it is rejected
	// up front. This is the mode this gateway runs by default — it
	// keeps the proxy's latency budget intact and matches the
	// follower-scanning design used everywhere else in this package.
	ModeFireAndForget InfectionMode = "fire_and_forget"
)

const resultTimeout = 30 * time.Second

// tenantHeaderName and clientIPHeaderName name the request headers
// the handler consults for multitenancy and the caller's address. Envoy's
// ext_proc config is expected to forward these through from upstream
// auth/edge metadata.
const (
	tenantHeaderName   = "x-tenant-id"
	clientIPHeaderName = "x-forwarded-for"
)

// Handler implements pb.ExternalProcessorServer.
type Handler struct {
	pb.UnimplementedExternalProcessorServer

	orch          *orchestrator.Orchestrator
	cachePolicy   *cache.Policy
	flags         featureflag.Provider
	metrics       *metrics.Metrics
	mode          InfectionMode
	defaultTenant string
	logger        *slog.Logger
}

// Config configures a Handler.
type Config struct {
	Mode          InfectionMode
	DefaultTenant string
}

// New constructs an External-Processor Handler.
func New(orch *orchestrator.Orchestrator, cachePolicy *cache.Policy, flags featureflag.Provider, m *metrics.Metrics, cfg Config) *Handler {
	mode := cfg.Mode
	if mode == "" {
		mode = ModeFireAndForget
	}
	tenant := cfg.DefaultTenant
	if tenant == "" {
		tenant = "default"
	}
	return &Handler{
		orch:          orch,
		cachePolicy:   cachePolicy,
		flags:         flags,
		metrics:       m,
		mode:          mode,
		defaultTenant: tenant,
		logger:        slog.With("component", "extproc_handler"),
	}
}

type streamPhase int

const (
	phaseInit streamPhase = iota
	phaseHeadersSeen
	phaseStreaming
	phaseTerminal
)

// streamState is the per-stream state the handler threads through one
// gRPC Process call. It is never shared across streams.
type streamState struct {
	mu sync.Mutex

	phase     streamPhase
	bypassed  bool
	finalized bool

	method string
	path   string

	sess *orchestrator.Session

	handshakeStarted bool
	handshakeDone    chan struct{}
	handshakeOK      bool

	activeCounted bool
	ingestStart   time.Time

	chunkCh      chan []byte
	pusherActive bool
}

// bodyContinueResponse returns the oneof matching the body phase being
// answered: RequestBody for the request side, ResponseBody for the
// response side. Returning the wrong side is a protocol mismatch Envoy
// rejects.
func bodyContinueResponse(responseSide bool) *pb.ProcessingResponse {
	if responseSide {
		return &pb.ProcessingResponse{ResponseBody: &pb.BodyResponse{}}
	}
	return &pb.ProcessingResponse{RequestBody: &pb.BodyResponse{}}
}

// Process drives one bidirectional ext_proc stream end to end.
func (h *Handler) Process(stream pb.ExternalProcessor_ProcessServer) error {
	ctx, cancel := context.WithCancel(stream.Context())
	defer cancel()

	st := &streamState{phase: phaseInit}
	var wg sync.WaitGroup

	defer func() {
		wg.Wait()
		st.mu.Lock()
		counted := st.activeCounted
		st.mu.Unlock()
		if counted && h.metrics != nil {
			h.metrics.ActiveSessions.Dec()
		}
	}()

	for {
		req, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		resp, closeStream, err := h.handle(ctx, st, req, &wg)
		if err != nil {
			return err
		}
		if resp != nil {
			if err := stream.Send(resp); err != nil {
				return err
			}
		}
		if closeStream {
			return nil
		}
	}
}

func (h *Handler) handle(ctx context.Context, st *streamState, req *pb.ProcessingRequest, wg *sync.WaitGroup) (*pb.ProcessingResponse, bool, error) {
	switch req.Which {
	case pb.PhaseRequestHeaders:
		return h.handleRequestHeaders(ctx, st, req.RequestHeaders), false, nil
	case pb.PhaseResponseHeaders:
		return &pb.ProcessingResponse{ResponseHeaders: &pb.HeadersResponse{}}, false, nil
	case pb.PhaseRequestBody:
		return h.handleBody(ctx, st, req.RequestBody, wg, false)
	case pb.PhaseResponseBody:
		return h.handleBody(ctx, st, req.ResponseBody, wg, true)
	case pb.PhaseRequestTrailers:
		return &pb.ProcessingResponse{RequestTrailers: &pb.TrailersResponse{}}, false, nil
	case pb.PhaseResponseTrailers:
		return &pb.ProcessingResponse{ResponseTrailers: &pb.TrailersResponse{}}, false, nil
	default:
		return nil, false, nil
	}
}

func headerValue(headers *pb.HeaderMap, key string) string {
	if headers == nil {
		return ""
	}
	for _, h := range headers.Headers {
		if !strings.EqualFold(h.Key, key) {
			continue
		}
		if len(h.RawValue) > 0 {
			return string(h.RawValue)
		}
		return h.Value
	}
	return ""
}

func (h *Handler) handleRequestHeaders(ctx context.Context, st *streamState, hh *pb.HttpHeaders) *pb.ProcessingResponse {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.phase = phaseHeadersSeen

	var headers *pb.HeaderMap
	if hh != nil {
		headers = hh.Headers
	}
	st.method = headerValue(headers, ":method")
	st.path = headerValue(headers, ":path")
	tenantID := headerValue(headers, tenantHeaderName)
	if tenantID == "" {
		tenantID = h.defaultTenant
	}
	clientIP := headerValue(headers, clientIPHeaderName)

	if h.metrics != nil && st.path != "" {
		h.metrics.RecordNotable(cache.GetNotableType(st.path))
	}

	cacheable := cache.IsCacheableMethod(st.method)

	if !h.mode.isBlocking() && st.path != "" {
		if blocked, err := h.cachePolicy.CheckBlocked(ctx, st.path); err != nil {
			h.logger.Warn("block-list lookup failed", "path", st.path, "error", err)
		} else if blocked {
			h.logger.Info("rejecting request for a previously infected URL", "path", st.path)
			h.recordResult("blocked")
			return &pb.ProcessingResponse{
				ImmediateResponse: &pb.ImmediateResponse{
					Status:  pb.HttpStatus{Code: int32(pb.StatusForbidden)},
					Details: "blocked: previously detected infection",
				},
			}
		}
	}

	if cacheable && st.path != "" {
		if hit, err := h.cachePolicy.CheckCache(ctx, st.path); err != nil {
			h.logger.Warn("cache lookup failed", "path", st.path, "error", err)
			h.recordCache("miss")
		} else if hit {
			h.recordCache("hit")
			st.bypassed = true
			st.phase = phaseStreaming
			return &pb.ProcessingResponse{RequestHeaders: &pb.HeadersResponse{}}
		} else {
			h.recordCache("miss")
		}
	} else {
		h.recordCache("skipped")
	}

	isPriority := h.flags.GetPriority(ctx, tenantID)
	sess := h.orch.PrepareSession(isPriority, tenantID, clientIP)
	st.sess = sess
	st.ingestStart = time.Now()

	ok, err := h.orch.DispatchScan(ctx, sess)
	if err != nil {
		h.logger.Warn("dispatch scan failed, bypassing", "stream_id", sess.StreamID, "error", err)
		st.bypassed = true
	} else if !ok {
		st.bypassed = true
	} else {
		st.handshakeStarted = true
		st.handshakeDone = make(chan struct{})
		if h.metrics != nil {
			h.metrics.ActiveSessions.Inc()
		}
		st.activeCounted = true
		go h.awaitHandshake(ctx, st)
	}

	st.phase = phaseStreaming
	return &pb.ProcessingResponse{RequestHeaders: &pb.HeadersResponse{}}
}

func (h *Handler) awaitHandshake(ctx context.Context, st *streamState) {
	ok, err := h.orch.AwaitHandshake(ctx, st.sess)
	if err != nil {
		h.logger.Warn("handshake wait failed", "stream_id", st.sess.StreamID, "error", err)
	}
	st.mu.Lock()
	st.handshakeOK = ok
	st.mu.Unlock()
	close(st.handshakeDone)
}

// runChunkPusher is the single goroutine allowed to call PushChunk for a
// given session: every chunk lands on chunkCh in arrival order and is
// pushed to the provider strictly one at a time, so a session's byte
// stream is never reordered or interleaved even under fire-and-forget
// scheduling. It exits once chunkCh is closed, which only happens after
// the stream's last chunk has been enqueued.
func (h *Handler) runChunkPusher(ctx context.Context, sess *orchestrator.Session, chunkCh chan []byte, wg *sync.WaitGroup) {
	defer wg.Done()
	for chunk := range chunkCh {
		if err := sess.Provider.PushChunk(ctx, chunk); err != nil {
			h.logger.Warn("push chunk failed", "stream_id", sess.StreamID, "error", err)
		}
	}
}

func (h *Handler) handleBody(ctx context.Context, st *streamState, body *pb.HttpBody, wg *sync.WaitGroup, responseSide bool) (*pb.ProcessingResponse, bool, error) {
	if body == nil {
		return bodyContinueResponse(responseSide), false, nil
	}

	st.mu.Lock()
	bypassed := st.bypassed
	sess := st.sess
	endOfStream := body.EndOfStream
	alreadyFinalized := st.finalized
	if endOfStream && !bypassed && sess != nil {
		st.finalized = true
	}
	if !bypassed && sess != nil && len(body.Body) > 0 && !st.pusherActive {
		st.chunkCh = make(chan []byte, 16)
		st.pusherActive = true
		wg.Add(1)
		go h.runChunkPusher(ctx, sess, st.chunkCh, wg)
	}
	chunkCh := st.chunkCh
	st.mu.Unlock()

	if !bypassed && sess != nil && len(body.Body) > 0 {
		chunkCh <- body.Body
	}
	if endOfStream && !bypassed && sess != nil && chunkCh != nil {
		close(chunkCh)
	}

	if !endOfStream || bypassed || sess == nil || alreadyFinalized {
		return bodyContinueResponse(responseSide), false, nil
	}

	if h.mode.isBlocking() {
		wg.Wait()
		result := h.finalize(ctx, st)
		if result.Status == orchestrator.StatusInfected {
			h.logger.Warn("infection detected, returning immediate response", "stream_id", sess.StreamID, "virus", result.Virus)
			h.recordResult("infected")
			return &pb.ProcessingResponse{
				ImmediateResponse: &pb.ImmediateResponse{
					Status:  pb.HttpStatus{Code: int32(pb.StatusForbidden)},
					Details: "infected: " + result.Virus,
				},
			}, true, nil
		}
		if result.Status == orchestrator.StatusError {
			h.logger.Warn("scan result errored, continuing request", "stream_id", sess.StreamID, "detail", result.Detail)
		}
		h.recordResult(strings.ToLower(string(result.Status)))
		if result.Status == orchestrator.StatusClean {
			h.maybeCacheClean(ctx, st)
		}
		return bodyContinueResponse(responseSide), false, nil
	}

	// The terminal finalization runs fully detached from the stream's
	// context: fire-and-forget means the scan outcome is still owed to
	// the block list and metrics even if the proxy has already moved on
	// or disconnected, so it must not be cancelled when Process returns.
	// wg.Wait() here still blocks only this background goroutine, not the
	// Process loop, and guarantees the chunk pusher has drained every
	// queued chunk before finalize_push writes the done sentinel.
	go func() {
		bg := context.Background()
		wg.Wait()
		result := h.finalize(bg, st)
		switch result.Status {
		case orchestrator.StatusInfected:
			h.logger.Warn("infection detected after bytes already forwarded", "stream_id", sess.StreamID, "virus", result.Virus, "path", st.path)
			h.recordResult("infected")
			if st.path != "" {
				if err := h.cachePolicy.StoreBlocked(bg, st.path); err != nil {
					h.logger.Warn("failed to record block-list entry", "path", st.path, "error", err)
				}
			}
		case orchestrator.StatusClean:
			h.recordResult("clean")
			h.maybeCacheClean(bg, st)
		default:
			h.recordResult("error")
		}
	}()

	return bodyContinueResponse(responseSide), false, nil
}

// finalize runs the terminal sequence common to both infection-response
// variants: finalize_push, await the in-flight handshake, await the scan
// result.
func (h *Handler) finalize(ctx context.Context, st *streamState) orchestrator.ScanResult {
	sess := st.sess

	if err := sess.Provider.FinalizePush(ctx); err != nil {
		h.logger.Warn("finalize push failed", "stream_id", sess.StreamID, "error", err)
	}
	if err := h.orch.FinalizeIngest(ctx, sess, st.ingestStart); err != nil {
		h.logger.Warn("finalize ingest metric failed", "stream_id", sess.StreamID, "error", err)
	}

	st.mu.Lock()
	started := st.handshakeStarted
	done := st.handshakeDone
	st.mu.Unlock()

	if started {
		select {
		case <-done:
		case <-ctx.Done():
			return orchestrator.ScanResult{Status: orchestrator.StatusError, Detail: "stream cancelled awaiting handshake"}
		}
	}

	return h.orch.GetResult(ctx, sess, resultTimeout)
}

func (h *Handler) maybeCacheClean(ctx context.Context, st *streamState) {
	if st.path == "" || !cache.IsCacheableMethod(st.method) {
		return
	}
	if err := h.cachePolicy.StoreCache(ctx, st.path); err != nil {
		h.logger.Warn("failed to store clean-cache entry", "path", st.path, "error", err)
	}
}

func (h *Handler) recordCache(outcome string) {
	if h.metrics != nil {
		h.metrics.RecordCacheLookup(outcome)
	}
}

func (h *Handler) recordResult(result string) {
	if h.metrics != nil {
		h.metrics.ScanResults.WithLabelValues(result).Inc()
	}
}

func (m InfectionMode) isBlocking() bool { return m == ModeBlocking }
