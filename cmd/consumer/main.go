// Command consumer runs the queue-facing half of the gateway: the worker
// pool that pops jobs pushed by the producer's External-Processor Handler,
// runs them through the Scanner Engine Client, and notifies the console on
// infection. It also exposes a one-shot set_epoch subcommand operators use
// to trigger a fleet-wide sequential signature reload. See spec.md §4.I,
// §4.J, §4.D.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aether-platform/ncs-scalable-virusscanner/internal/circuitbreaker"
	"github.com/aether-platform/ncs-scalable-virusscanner/internal/config"
	"github.com/aether-platform/ncs-scalable-virusscanner/internal/coordinator"
	"github.com/aether-platform/ncs-scalable-virusscanner/internal/dispatcher"
	"github.com/aether-platform/ncs-scalable-virusscanner/internal/engine"
	"github.com/aether-platform/ncs-scalable-virusscanner/internal/metrics"
	"github.com/aether-platform/ncs-scalable-virusscanner/internal/scanadapter"
	"github.com/aether-platform/ncs-scalable-virusscanner/internal/store"
	"github.com/aether-platform/ncs-scalable-virusscanner/internal/taskservice"
	"github.com/aether-platform/ncs-scalable-virusscanner/internal/webhook"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, relying on process environment", "error", err)
	}

	if len(os.Args) > 1 && os.Args[1] == "set_epoch" {
		runSetEpoch(os.Args[2:])
		return
	}

	runServe()
}

// runServe starts the worker pool and blocks until a shutdown signal.
func runServe() {
	cfg := config.Get()
	breakers := circuitbreaker.NewGatewayCircuitBreakers()

	st, err := store.NewRedisStore(cfg.RedisAddr(), cfg.Redis.Password, cfg.Redis.DB, breakers.StateStore)
	if err != nil {
		slog.Error("failed to connect to state store", "addr", cfg.RedisAddr(), "error", err)
		os.Exit(1)
	}
	defer st.Close()

	eng, err := engine.New(cfg.Engine.URL, breakers.Engine)
	if err != nil {
		slog.Error("failed to connect to scan engine", "url", cfg.Engine.URL, "error", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	st.WithMetrics(m)

	adapter := scanadapter.New(st)
	wh := webhook.NewDispatcher(cfg.Console.APIURL, cfg.Webhook.Workers, breakers.Webhook)

	gate := taskservice.MemoryGate{
		Enabled:   cfg.Scan.EnableMemoryCheck,
		MinFreeMB: float64(cfg.Scan.MinFreeMemoryMB),
	}
	service := taskservice.New(st, adapter, eng, m, wh, gate)

	coord := coordinator.New(st, eng, cfg.Cluster.NodeName, cfg.Cluster.DeploymentName).WithMetrics(m)

	priorityQ, normalQ := queueNames(cfg)
	pool := dispatcher.New(st, service.HandleJob, coord, priorityQ, normalQ, cfg.Dispatcher.Workers)

	ctx, cancel := context.WithCancel(context.Background())
	go pool.Run(ctx)

	httpServer := startAdminServer(reg)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	slog.Info("consumer: received shutdown signal, draining")

	cancel()
	pool.Shutdown()
	wh.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("admin server shutdown error", "error", err)
	}

	slog.Info("consumer: stopped")
}

// runSetEpoch is a one-shot operator command: it records a new target
// engine epoch so every node's coordinator tick picks up a sequential
// reload, then exits without running the worker pool.
func runSetEpoch(args []string) {
	fs := flag.NewFlagSet("set_epoch", flag.ExitOnError)
	epoch := fs.Int64("epoch", 0, "target engine epoch to converge the cluster on")
	fs.Parse(args)

	if *epoch <= 0 {
		fmt.Fprintln(os.Stderr, "set_epoch: --epoch must be a positive integer")
		os.Exit(1)
	}

	cfg := config.Get()
	breakers := circuitbreaker.NewGatewayCircuitBreakers()

	st, err := store.NewRedisStore(cfg.RedisAddr(), cfg.Redis.Password, cfg.Redis.DB, breakers.StateStore)
	if err != nil {
		slog.Error("failed to connect to state store", "addr", cfg.RedisAddr(), "error", err)
		os.Exit(1)
	}
	defer st.Close()

	coord := coordinator.New(st, nil, cfg.Cluster.NodeName, cfg.Cluster.DeploymentName)
	if err := coord.RequestEpoch(context.Background(), *epoch); err != nil {
		slog.Error("failed to request epoch", "epoch", *epoch, "error", err)
		os.Exit(1)
	}

	slog.Info("requested cluster reload", "target_epoch", *epoch)
}

// queueNames returns the priority and normal queue names from config,
// falling back to the documented defaults if the list is short.
func queueNames(cfg *config.Config) (priority, normal string) {
	priority, normal = "scan_priority", "scan_normal"
	if len(cfg.Queue.Names) > 0 {
		priority = cfg.Queue.Names[0]
	}
	if len(cfg.Queue.Names) > 1 {
		normal = cfg.Queue.Names[1]
	}
	return priority, normal
}

// startAdminServer exposes /health and /metrics for the orchestration
// platform's readiness probes and Prometheus scrape.
func startAdminServer(reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	server := &http.Server{Addr: ":8081", Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("admin server failed", "error", err)
		}
	}()
	return server
}
