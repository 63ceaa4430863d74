package coordinator

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dreamware/blurd/internal/cluster"
	"github.com/dreamware/blurd/internal/logging"
)

// Health states reported by the monitor.
const (
	StatusUnknown   = "unknown"
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// NodeHealth tracks the health status of a single node in the cluster.
// It maintains the current status, last successful check time, and failure count.
type NodeHealth struct {
	LastCheck        time.Time `json:"last_check"`
	LastHealthy      time.Time `json:"last_healthy"`
	NodeID           string    `json:"node_id"`
	Status           string    `json:"status"`
	ConsecutiveFails int       `json:"consecutive_fails"`
}

// HealthMonitor performs periodic health checks on all registered nodes.
// After maxFailures consecutive failures a node is marked unhealthy and the
// onUnhealthy callback runs once; the coordinator uses it to move the
// node's shards to the surviving nodes.
// Thread-safe: All methods are safe for concurrent access.
type HealthMonitor struct {
	nodes       map[string]*NodeHealth  // Current health status per node
	httpClient  *http.Client            // HTTP client for health checks
	checkFunc   func(addr string) error // Function to perform health check
	onUnhealthy func(nodeID string)     // Callback when node becomes unhealthy
	onRecovered func(nodeID string)     // Callback when an unhealthy node passes a check
	log         logging.Logger
	ctx         context.Context    // Context for cancellation
	cancel      context.CancelFunc // Cancel function for shutdown
	interval    time.Duration      // How often to check node health
	mu          sync.RWMutex       // Protects nodes map
	wg          sync.WaitGroup     // Wait group for graceful shutdown
	maxFailures int                // Failures before marking unhealthy
}

// NewHealthMonitor creates a health monitor that checks each node's /health
// endpoint every interval and marks it unhealthy after maxFailures
// consecutive failures (3 if maxFailures <= 0).
//
// Example:
//
//	monitor := NewHealthMonitor(5*time.Second, 3, logger)
//	go monitor.Start(ctx, members.All)
func NewHealthMonitor(interval time.Duration, maxFailures int, log logging.Logger) *HealthMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	if maxFailures <= 0 {
		maxFailures = 3
	}
	if log == nil {
		log = logging.Discard()
	}

	return &HealthMonitor{
		interval:    interval,
		maxFailures: maxFailures,
		nodes:       make(map[string]*NodeHealth),
		httpClient: &http.Client{
			Timeout: 2 * time.Second,
		},
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
}

// SetOnUnhealthy sets the callback invoked when a node becomes unhealthy.
//
// Example:
//
//	monitor.SetOnUnhealthy(func(nodeID string) {
//	    registry.ReassignServer(command.Server(nodeID), healthyServers())
//	})
func (h *HealthMonitor) SetOnUnhealthy(callback func(nodeID string)) {
	h.onUnhealthy = callback
}

// SetOnRecovered sets the callback invoked when an unhealthy node passes a
// health check again.
func (h *HealthMonitor) SetOnRecovered(callback func(nodeID string)) {
	h.onRecovered = callback
}

// SetCheckFunction overrides the default HTTP health check.
func (h *HealthMonitor) SetCheckFunction(checkFunc func(addr string) error) {
	h.checkFunc = checkFunc
}

// Start runs health checks until ctx or the monitor is cancelled. It checks
// the nodes returned by nodeProvider immediately and then every interval.
func (h *HealthMonitor) Start(ctx context.Context, nodeProvider func() []cluster.NodeInfo) {
	h.wg.Add(1)
	defer h.wg.Done()

	if ctx == nil {
		ctx = h.ctx
	}
	if h.checkFunc == nil {
		h.checkFunc = h.defaultHealthCheck
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.log.Info("health monitor started", "interval", h.interval)

	h.CheckAll(nodeProvider())

	for {
		select {
		case <-ticker.C:
			h.CheckAll(nodeProvider())
		case <-ctx.Done():
			h.log.Info("health monitor stopping", "reason", "context cancelled")
			return
		case <-h.ctx.Done():
			h.log.Info("health monitor stopping", "reason", "stopped")
			return
		}
	}
}

// Stop cancels the monitoring loop and waits for it to return.
func (h *HealthMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
	h.log.Info("health monitor stopped")
}

// CheckAll performs one round of health checks and forgets nodes that are
// no longer in the cluster.
func (h *HealthMonitor) CheckAll(nodes []cluster.NodeInfo) {
	if h.checkFunc == nil {
		h.checkFunc = h.defaultHealthCheck
	}
	current := make(map[string]bool, len(nodes))
	for _, node := range nodes {
		current[node.ID] = true
		h.checkNode(node)
	}

	h.mu.Lock()
	for nodeID := range h.nodes {
		if !current[nodeID] {
			delete(h.nodes, nodeID)
			h.log.Info("removed node from health monitoring", "node", nodeID)
		}
	}
	h.mu.Unlock()
}

func (h *HealthMonitor) checkNode(node cluster.NodeInfo) {
	h.mu.Lock()
	health, exists := h.nodes[node.ID]
	if !exists {
		health = &NodeHealth{
			NodeID:      node.ID,
			Status:      StatusUnknown,
			LastCheck:   time.Now(),
			LastHealthy: time.Now(),
		}
		h.nodes[node.ID] = health
	}
	h.mu.Unlock()

	err := h.checkFunc(node.Addr)

	h.mu.Lock()
	health.LastCheck = time.Now()
	var callback func(string)
	if err != nil {
		health.ConsecutiveFails++
		h.log.Warn("health check failed", "node", node.ID,
			"attempt", health.ConsecutiveFails, "max", h.maxFailures, "err", err)

		if health.ConsecutiveFails >= h.maxFailures && health.Status != StatusUnhealthy {
			health.Status = StatusUnhealthy
			h.log.Error("node marked unhealthy", "node", node.ID, "fails", health.ConsecutiveFails)
			callback = h.onUnhealthy
		}
	} else {
		if health.Status == StatusUnhealthy {
			h.log.Info("node recovered", "node", node.ID)
			callback = h.onRecovered
		}
		health.Status = StatusHealthy
		health.ConsecutiveFails = 0
		health.LastHealthy = time.Now()
	}
	h.mu.Unlock()

	if callback != nil {
		callback(node.ID)
	}
}

// defaultHealthCheck performs an HTTP GET against the node's /health endpoint.
func (h *HealthMonitor) defaultHealthCheck(addr string) error {
	resp, err := h.httpClient.Get(cluster.BaseURL(addr) + "/health")
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// GetNodeHealth returns a copy of the health record of one node, or nil if
// the node is not monitored.
func (h *HealthMonitor) GetNodeHealth(nodeID string) *NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.nodes[nodeID]
	if !exists {
		return nil
	}
	cp := *health
	return &cp
}

// GetAllNodeHealth returns copies of every health record keyed by node ID.
func (h *HealthMonitor) GetAllNodeHealth() map[string]*NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make(map[string]*NodeHealth, len(h.nodes))
	for id, health := range h.nodes {
		cp := *health
		result[id] = &cp
	}
	return result
}

// IsHealthy reports whether a node is currently healthy. Unmonitored nodes
// are not.
func (h *HealthMonitor) IsHealthy(nodeID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.nodes[nodeID]
	return exists && health.Status == StatusHealthy
}

// Usable reports whether a node may own shards: it is healthy or has not
// been checked yet.
func (h *HealthMonitor) Usable(nodeID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.nodes[nodeID]
	return !exists || health.Status != StatusUnhealthy
}
