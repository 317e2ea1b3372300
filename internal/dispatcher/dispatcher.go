// Package dispatcher implements the Worker Dispatcher: a pool of workers
// weighted 4:1 toward the priority queue without starving the normal
// queue, plus the coordinator's 30s tick. See spec.md §4.I.
package dispatcher

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/aether-platform/ncs-scalable-virusscanner/internal/scanadapter"
	"github.com/aether-platform/ncs-scalable-virusscanner/internal/store"
)

const (
	defaultWorkers  = 5
	popTimeout      = 2 * time.Second
	coordinatorTick = 30 * time.Second
)

func decodeJob(payload []byte, job *scanadapter.JobMetadata) error {
	return json.Unmarshal(payload, job)
}

// JobHandler is invoked for every job a worker pops, with the wall-clock
// time the job was picked up.
type JobHandler func(ctx context.Context, job scanadapter.JobMetadata, startProcess time.Time)

// Coordinator is the subset of the cluster coordinator the dispatcher
// drives on its own tick loop.
type Coordinator interface {
	Tick(ctx context.Context)
}

// pollPlan names the primary/secondary queues one worker polls, in order
// (the backing store must respect list order so primary wins ties).
type pollPlan struct {
	queues []string
}

// Pool is the Worker Dispatcher.
type Pool struct {
	store       store.Store
	handler     JobHandler
	coordinator Coordinator
	priorityQ   string
	normalQ     string
	numWorkers  int

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New constructs a Pool with the given number of workers (default 5),
// split 4:1 across priority and normal queues per spec.md §4.I.
func New(st store.Store, handler JobHandler, coordinator Coordinator, priorityQueue, normalQueue string, numWorkers int) *Pool {
	if numWorkers <= 0 {
		numWorkers = defaultWorkers
	}
	return &Pool{
		store:       st,
		handler:     handler,
		coordinator: coordinator,
		priorityQ:   priorityQueue,
		normalQ:     normalQueue,
		numWorkers:  numWorkers,
	}
}

// plans returns the poll order for each worker index. Every 5th worker
// (by construction, 1 in numWorkers when numWorkers==5) polls the normal
// queue exclusively; the rest prefer priority with normal as fallback.
// For pool sizes other than 5 the same 4:1 ratio is approximated by
// reserving numWorkers/5 workers (rounded down, but at least one) for
// normal-only polling.
func (p *Pool) plans() []pollPlan {
	normalOnly := p.numWorkers / 5
	if normalOnly == 0 && p.numWorkers > 0 {
		normalOnly = 1
	}
	plans := make([]pollPlan, p.numWorkers)
	for i := range plans {
		if i < p.numWorkers-normalOnly {
			plans[i] = pollPlan{queues: []string{p.priorityQ, p.normalQ}}
		} else {
			plans[i] = pollPlan{queues: []string{p.normalQ}}
		}
	}
	return plans
}

// Run starts the worker loops and the coordinator tick, blocking until
// ctx is cancelled. Pending jobs in flight run to completion before Run
// returns.
func (p *Pool) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for i, plan := range p.plans() {
		p.wg.Add(1)
		go p.workerLoop(ctx, i, plan)
	}

	if p.coordinator != nil {
		p.wg.Add(1)
		go p.coordinatorLoop(ctx)
	}

	p.wg.Wait()
}

// Shutdown signals every worker to stop and waits for in-flight jobs to
// finish.
func (p *Pool) Shutdown() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Pool) workerLoop(ctx context.Context, id int, plan pollPlan) {
	defer p.wg.Done()
	logger := slog.With("component", "worker_dispatcher", "worker", id)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		queue, payload, err := p.store.Pop(ctx, plan.queues, popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("pop failed", "error", err)
			continue
		}
		if payload == nil {
			continue
		}

		var job scanadapter.JobMetadata
		if err := decodeJob(payload, &job); err != nil {
			logger.Warn("dropping malformed job metadata", "queue", queue, "error", err)
			continue
		}

		startProcess := time.Now()
		p.handler(ctx, job, startProcess)
	}
}

func (p *Pool) coordinatorLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(coordinatorTick)
	defer ticker.Stop()

	p.coordinator.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.coordinator.Tick(ctx)
		}
	}
}
