// Package coordinator implements the Cluster Coordinator: a heartbeat
// registry, a distributed lock, and a sequential signature-reload
// protocol that lets a fleet of workers converge on a new engine epoch
// without ever running two reloads at once. See spec.md §4.D.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aether-platform/ncs-scalable-virusscanner/internal/errs"
	"github.com/aether-platform/ncs-scalable-virusscanner/internal/metrics"
	"github.com/aether-platform/ncs-scalable-virusscanner/internal/store"
)

const (
	heartbeatTTL       = 60 * time.Second
	heartbeatInterval  = 30 * time.Second
	updateLockTTL      = 600 * time.Second
	reloadReadyTimeout = 60 * time.Second
	reloadPollInterval = 2 * time.Second

	activeNodesKey    = "active_nodes"
	targetEpochKey    = "target_epoch"
	targetEpochAtKey  = "target_epoch_updated_at"
	updateLockKey     = "update_lock"
	scalingRequestKey = "scaling_request"
)

// EngineClient is the subset of the Scanner Engine Client the Coordinator
// drives during a reload.
type EngineClient interface {
	Reload(ctx context.Context) error
	Ping(ctx context.Context) (bool, error)
}

// Coordinator is the Cluster Coordinator.
type Coordinator struct {
	st             store.Store
	engine         EngineClient
	nodeName       string
	deploymentName string

	mu            sync.Mutex
	currentEpoch  int64
	lastHeartbeat time.Time

	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New constructs a Coordinator for this node.
func New(st store.Store, engine EngineClient, nodeName, deploymentName string) *Coordinator {
	return &Coordinator{
		st:             st,
		engine:         engine,
		nodeName:       nodeName,
		deploymentName: deploymentName,
		logger:         slog.With("component", "cluster_coordinator", "node", nodeName),
	}
}

// WithMetrics attaches the gauge the coordinator publishes its converged
// epoch to. Optional: a Coordinator with no metrics attached still
// converges correctly, it just leaves virusscan_cluster_epoch unset.
func (c *Coordinator) WithMetrics(m *metrics.Metrics) *Coordinator {
	c.metrics = m
	return c
}

func heartbeatKey(node string) string { return "heartbeat:" + node }

// Heartbeat writes this node's liveness entry. Calls made less than half a
// heartbeatInterval after the last write are skipped, so extra callers
// don't spam the store while a 30s-tick caller still writes on every tick.
func (c *Coordinator) Heartbeat(ctx context.Context) error {
	c.mu.Lock()
	since := time.Since(c.lastHeartbeat)
	epoch := c.currentEpoch
	c.mu.Unlock()

	if since < heartbeatInterval/2 {
		return nil
	}

	value := fmt.Sprintf("%d|%d", time.Now().Unix(), epoch)
	if _, err := c.st.Set(ctx, heartbeatKey(c.nodeName), []byte(value), heartbeatTTL, false); err != nil {
		return errs.New(errs.TransientTransport, "write_heartbeat", err)
	}
	if err := c.st.SAdd(ctx, activeNodesKey, c.nodeName); err != nil {
		return errs.New(errs.TransientTransport, "register_active_node", err)
	}

	c.mu.Lock()
	c.lastHeartbeat = time.Now()
	c.mu.Unlock()
	return nil
}

// CurrentEpoch returns the epoch this node has last converged to.
func (c *Coordinator) CurrentEpoch() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentEpoch
}

// peerEpoch parses the epoch component of a heartbeat value; returns -1
// on malformed or missing input.
func peerEpoch(raw []byte) int64 {
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return -1
	}
	epoch, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return -1
	}
	return epoch
}

// activeNodeEpochs reports each live node's last-known epoch, pruning
// stale membership whose heartbeat has expired.
func (c *Coordinator) activeNodeEpochs(ctx context.Context) (map[string]int64, error) {
	members, err := c.st.SMembers(ctx, activeNodesKey)
	if err != nil {
		return nil, errs.New(errs.TransientTransport, "list_active_nodes", err)
	}

	epochs := make(map[string]int64, len(members))
	for _, node := range members {
		v, err := c.st.Get(ctx, heartbeatKey(node))
		if err == store.ErrNotFound {
			if srmErr := c.st.SRem(ctx, activeNodesKey, node); srmErr != nil {
				c.logger.Warn("failed to evict stale node", "stale_node", node, "error", srmErr)
			}
			continue
		}
		if err != nil {
			return nil, errs.New(errs.TransientTransport, "read_heartbeat", err)
		}
		epochs[node] = peerEpoch(v)
	}
	return epochs, nil
}

// Tick runs one coordinator cycle: refresh this node's heartbeat, then
// attempt a sequential update if the operator has requested one. Intended
// to be called on a 30s ticker (spec.md §4.I).
func (c *Coordinator) Tick(ctx context.Context) {
	if err := c.Heartbeat(ctx); err != nil {
		c.logger.Warn("heartbeat failed", "error", err)
	}
	if err := c.HandleSequentialUpdate(ctx); err != nil {
		c.logger.Warn("sequential update failed", "error", err)
	}
}

// HandleSequentialUpdate implements the nine-step reload protocol in
// spec.md §4.D. It is a no-op when no target epoch has been requested or
// this node has already converged to it.
func (c *Coordinator) HandleSequentialUpdate(ctx context.Context) error {
	raw, err := c.st.MGet(ctx, targetEpochKey, targetEpochAtKey)
	if err != nil {
		return errs.New(errs.TransientTransport, "read_target_epoch", err)
	}
	if raw[0] == nil {
		return nil
	}
	targetEpoch, err := strconv.ParseInt(string(raw[0]), 10, 64)
	if err != nil {
		return errs.New(errs.Protocol, "parse_target_epoch", err)
	}

	c.mu.Lock()
	current := c.currentEpoch
	c.mu.Unlock()
	if targetEpoch <= current {
		return nil
	}

	acquired, err := c.st.Set(ctx, updateLockKey, []byte(c.nodeName), updateLockTTL, true)
	if err != nil {
		return errs.New(errs.TransientTransport, "acquire_update_lock", err)
	}
	if !acquired {
		c.logger.Debug("update lock held by another node, skipping this tick")
		return nil
	}
	defer func() {
		if err := c.st.Delete(ctx, updateLockKey); err != nil {
			c.logger.Warn("failed to release update lock", "error", err)
		}
	}()

	epochs, err := c.activeNodeEpochs(ctx)
	if err != nil {
		return err
	}

	if len(epochs) == 1 && c.deploymentName != "" {
		if err := c.st.Delete(ctx, scalingRequestKey); err != nil {
			c.logger.Warn("failed to clear stale scaling request", "error", err)
		}
		if err := c.st.Push(ctx, scalingRequestKey, []byte("surge")); err != nil {
			return errs.New(errs.TransientTransport, "request_surge", err)
		}
		c.logger.Info("single-node cluster, requested surge capacity instead of reloading", "target_epoch", targetEpoch)
		return nil
	}

	if err := c.reloadAndAwaitReady(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	c.currentEpoch = targetEpoch
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.ClusterEpoch.Set(float64(targetEpoch))
	}
	c.logger.Info("converged to new epoch", "epoch", targetEpoch)

	return c.maybeClearScalingRequest(ctx, targetEpoch)
}

// RequestEpoch records epoch as the cluster's target engine epoch. This is
// the write an operator-facing command makes to trigger a sequential
// reload across the fleet: every node picks it up on its next Tick via
// HandleSequentialUpdate.
func (c *Coordinator) RequestEpoch(ctx context.Context, epoch int64) error {
	now := strconv.FormatInt(time.Now().Unix(), 10)
	if _, err := c.st.Set(ctx, targetEpochKey, []byte(strconv.FormatInt(epoch, 10)), 0, false); err != nil {
		return errs.New(errs.TransientTransport, "write_target_epoch", err)
	}
	if _, err := c.st.Set(ctx, targetEpochAtKey, []byte(now), 0, false); err != nil {
		return errs.New(errs.TransientTransport, "write_target_epoch_timestamp", err)
	}
	c.logger.Info("requested cluster reload", "target_epoch", epoch)
	return nil
}

func (c *Coordinator) reloadAndAwaitReady(ctx context.Context) error {
	if err := c.engine.Reload(ctx); err != nil {
		return errs.New(errs.TransientTransport, "reload_engine", err)
	}

	deadline := time.Now().Add(reloadReadyTimeout)
	for {
		ready, err := c.engine.Ping(ctx)
		if err == nil && ready {
			return nil
		}
		if time.Now().After(deadline) {
			return errs.New(errs.Timeout, "await_engine_ready", fmt.Errorf("engine did not become ready within %s", reloadReadyTimeout))
		}
		select {
		case <-ctx.Done():
			return errs.New(errs.Timeout, "await_engine_ready", ctx.Err())
		case <-time.After(reloadPollInterval):
		}
	}
}

func (c *Coordinator) maybeClearScalingRequest(ctx context.Context, targetEpoch int64) error {
	epochs, err := c.activeNodeEpochs(ctx)
	if err != nil {
		return err
	}
	for _, e := range epochs {
		if e < targetEpoch {
			return nil
		}
	}
	if err := c.st.Delete(ctx, scalingRequestKey); err != nil {
		c.logger.Warn("failed to clear scaling request after full convergence", "error", err)
	}
	return nil
}
