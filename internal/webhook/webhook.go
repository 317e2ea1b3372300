// Package webhook delivers infection notifications to the operator's
// console: one fire-and-forget notice per detection (a failed POST is
// retried up to maxAttempts times), backed by a worker pool so a slow or
// dead console never blocks a scan result.
// See spec.md §4.J and the failure table in §4 ("Webhook failure: logged;
// scan result is unaffected").
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/aether-platform/ncs-scalable-virusscanner/internal/circuitbreaker"
)

const (
	deliveryPath     = "/api/webhooks/virus-scan"
	deliveryDeadline = 5 * time.Second
	queueCapacity    = 1000
	maxAttempts      = 3
)

// InfectionNotice is the payload POSTed to the console on every detection.
type InfectionNotice struct {
	TenantID  string `json:"tenant_id"`
	ClientIP  string `json:"client_ip"`
	VirusName string `json:"virus_name"`
	TaskID    string `json:"task_id"`
	Status    string `json:"status"`
}

type deliveryJob struct {
	notice  InfectionNotice
	attempt int
}

// Dispatcher sends InfectionNotices to the console asynchronously via a
// bounded worker pool.
type Dispatcher struct {
	url        string
	httpClient *http.Client
	breaker    *circuitbreaker.CircuitBreaker
	queue      chan deliveryJob
	logger     *slog.Logger
	wg         sync.WaitGroup
}

// NewDispatcher constructs a Dispatcher that posts to
// {consoleAPIURL}/api/webhooks/virus-scan, with workers background
// delivery goroutines. breaker may be nil; production callers should pass
// GatewayCircuitBreakers.Webhook so a dead console stops soaking up worker
// goroutines in retry backoff and instead drops notices immediately.
func NewDispatcher(consoleAPIURL string, workers int, breaker *circuitbreaker.CircuitBreaker) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	d := &Dispatcher{
		url:        consoleAPIURL + deliveryPath,
		httpClient: &http.Client{Timeout: deliveryDeadline},
		breaker:    breaker,
		queue:      make(chan deliveryJob, queueCapacity),
		logger:     slog.With("component", "webhook_dispatcher"),
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Emit enqueues an infection notice for delivery. Never blocks the
// caller: if the queue is full the notice is dropped and logged.
func (d *Dispatcher) Emit(notice InfectionNotice) {
	select {
	case d.queue <- deliveryJob{notice: notice, attempt: 1}:
	default:
		d.logger.Warn("webhook queue full, dropping infection notice", "task_id", notice.TaskID)
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.queue {
		d.deliver(job)
	}
}

func (d *Dispatcher) deliver(job deliveryJob) {
	payload, err := json.Marshal(job.notice)
	if err != nil {
		d.logger.Error("failed to marshal infection notice", "error", err)
		return
	}

	var send func() error
	if d.breaker == nil {
		send = func() error { return d.post(payload, job.attempt) }
	} else {
		send = func() error {
			_, err := circuitbreaker.ExecuteWithFallback(d.breaker,
				func() (struct{}, error) { return struct{}{}, d.post(payload, job.attempt) },
				func(err error) (struct{}, error) { return struct{}{}, err },
			)
			return err
		}
	}

	if err := send(); err != nil {
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
			d.logger.Warn("webhook circuit open, dropping infection notice", "task_id", job.notice.TaskID)
			return
		}
		d.logger.Warn("webhook delivery failed", "task_id", job.notice.TaskID, "error", err)
		d.retry(job)
		return
	}
	d.logger.Info("webhook delivered", "task_id", job.notice.TaskID)
}

// post performs one HTTP delivery attempt.
func (d *Dispatcher) post(payload []byte, attempt int) error {
	ctx, cancel := context.WithTimeout(context.Background(), deliveryDeadline)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Delivery-Attempt", fmt.Sprintf("%d", attempt))

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (d *Dispatcher) retry(job deliveryJob) {
	if job.attempt >= maxAttempts {
		d.logger.Warn("webhook delivery exhausted retries, dropping", "task_id", job.notice.TaskID)
		return
	}
	time.Sleep(time.Duration(job.attempt*job.attempt) * time.Second)
	job.attempt++
	select {
	case d.queue <- job:
	default:
		d.logger.Warn("webhook queue full on retry, dropping", "task_id", job.notice.TaskID)
	}
}

// Shutdown drains in-flight deliveries and stops all workers.
func (d *Dispatcher) Shutdown() {
	close(d.queue)
	d.wg.Wait()
}
