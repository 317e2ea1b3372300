// Command producer runs the proxy-facing half of the gateway: the
// External-Processor Handler Envoy's ext_proc filter dials into on every
// request, and the SDS listener that mints the TLS certificates Envoy's
// dynamic listener needs. See spec.md §4.H, §4.K.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"

	"github.com/aether-platform/ncs-scalable-virusscanner/internal/cache"
	"github.com/aether-platform/ncs-scalable-virusscanner/internal/circuitbreaker"
	"github.com/aether-platform/ncs-scalable-virusscanner/internal/config"
	"github.com/aether-platform/ncs-scalable-virusscanner/internal/extproc"
	"github.com/aether-platform/ncs-scalable-virusscanner/internal/featureflag"
	"github.com/aether-platform/ncs-scalable-virusscanner/internal/metrics"
	"github.com/aether-platform/ncs-scalable-virusscanner/internal/orchestrator"
	"github.com/aether-platform/ncs-scalable-virusscanner/internal/scanadapter"
	"github.com/aether-platform/ncs-scalable-virusscanner/internal/sds"
	"github.com/aether-platform/ncs-scalable-virusscanner/internal/store"
	pbExtproc "github.com/aether-platform/ncs-scalable-virusscanner/pb/extproc"
	pbSDS "github.com/aether-platform/ncs-scalable-virusscanner/pb/sds"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, relying on process environment", "error", err)
	}

	cfg := config.Get()
	breakers := circuitbreaker.NewGatewayCircuitBreakers()

	st, err := store.NewRedisStore(cfg.RedisAddr(), cfg.Redis.Password, cfg.Redis.DB, breakers.StateStore)
	if err != nil {
		slog.Error("failed to connect to state store", "addr", cfg.RedisAddr(), "error", err)
		os.Exit(1)
	}
	defer st.Close()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	st.WithMetrics(m)

	adapter := scanadapter.New(st)
	orch := orchestrator.New(adapter, st)
	cachePolicy := cache.New(st)

	var flags featureflag.Provider
	if cfg.FeatureFlag.Engine == "envvar" {
		flags = featureflag.NewEnvVarProvider(cfg.FeatureFlag.ScanPriority)
	} else {
		flags = featureflag.NewExternalProvider(cfg.FeatureFlag.BaseURL, breakers.FeatureFlag)
	}

	handler := extproc.New(orch, cachePolicy, flags, m, extproc.Config{
		Mode:          extproc.InfectionMode(cfg.Scan.InfectionMode),
		DefaultTenant: cfg.Tenant.DefaultID,
	})

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	extprocServer := grpc.NewServer()
	pbExtproc.RegisterExternalProcessorServer(extprocServer, handler)

	extprocLis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPC.Port))
	if err != nil {
		slog.Error("failed to bind ext_proc listener", "port", cfg.GRPC.Port, "error", err)
		os.Exit(1)
	}
	go func() {
		slog.Info("ext_proc server listening", "port", cfg.GRPC.Port)
		if err := extprocServer.Serve(extprocLis); err != nil {
			slog.Error("ext_proc server stopped", "error", err)
		}
	}()

	sdsServer, sdsLis, sdsCleanup := startSDSServer(cfg)
	if sdsCleanup != nil {
		defer sdsCleanup()
	}
	if sdsServer != nil {
		go func() {
			slog.Info("sds server listening", "port", cfg.SDS.Port)
			if err := sdsServer.Serve(sdsLis); err != nil {
				slog.Error("sds server stopped", "error", err)
			}
		}()
	}

	httpServer := startAdminServer(reg)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	slog.Info("producer: received shutdown signal, draining")

	shutdownCancel()
	extprocServer.GracefulStop()
	if sdsServer != nil {
		sdsServer.GracefulStop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Error("admin server shutdown error", "error", err)
	}

	_ = shutdownCtx
	slog.Info("producer: stopped")
}

// startSDSServer wires the SDS Issuer onto its own gRPC server when a CA is
// configured. Peer mTLS is enabled only when a SPIRE socket is configured
// and reachable; otherwise the listener serves plaintext gRPC. A missing
// CA disables SDS rather than
// failing startup, since a gateway deployed behind a static Envoy
// bootstrap config never calls it.
func startSDSServer(cfg *config.Config) (*grpc.Server, net.Listener, func()) {
	if cfg.SDS.CACertPath == "" || cfg.SDS.CAKeyPath == "" {
		slog.Info("sds: no CA configured, secret discovery service disabled")
		return nil, nil, nil
	}

	issuer, err := sds.New(sds.Config{
		CACertPath:      cfg.SDS.CACertPath,
		CAKeyPath:       cfg.SDS.CAKeyPath,
		CacheMaxSize:    cfg.SDS.CacheMaxSize,
		CacheTTLSeconds: cfg.SDS.CacheTTLSeconds,
	})
	if err != nil {
		slog.Error("sds: failed to load intermediate CA, secret discovery disabled", "error", err)
		return nil, nil, nil
	}

	var opts []grpc.ServerOption
	var cleanup func()
	if cfg.SDS.SpireSocketPath != "" {
		auth, err := sds.NewPeerAuthenticator(cfg.SDS.SpireSocketPath, cfg.SDS.TrustDomain)
		if err != nil {
			slog.Warn("sds: SPIRE agent unavailable, serving without peer mTLS", "error", err)
		} else {
			opt, err := auth.ServerOption()
			if err != nil {
				slog.Warn("sds: failed to build mTLS server option, serving without peer mTLS", "error", err)
			} else {
				opts = append(opts, opt)
			}
			cleanup = func() { auth.Close() }
		}
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.SDS.Port))
	if err != nil {
		slog.Error("sds: failed to bind listener", "port", cfg.SDS.Port, "error", err)
		return nil, nil, cleanup
	}

	server := grpc.NewServer(opts...)
	pbSDS.RegisterSecretDiscoveryServiceServer(server, issuer)
	return server, lis, cleanup
}

// startAdminServer exposes /health and /metrics for the orchestration
// platform's readiness probes and Prometheus scrape.
func startAdminServer(reg *prometheus.Registry) *http.Server {
	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods("GET")
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods("GET")

	server := &http.Server{Addr: ":8080", Handler: router}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("admin server failed", "error", err)
		}
	}()
	return server
}
