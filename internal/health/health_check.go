package health

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/devrev/pairdb/changelog/internal/model"
	"github.com/devrev/pairdb/changelog/internal/storage/diskmanager"
	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ExternalChangelogService is the gRPC health service name of the
// external changelog
const ExternalChangelogService = "pairdb.changelog.ExternalChangelog"

const (
	statusHealthy  = "healthy"
	statusWarning  = "warning"
	statusCritical = "critical"
)

// IndexerProbe reports whether the change number indexer runs
type IndexerProbe interface {
	IsAlive() bool
	Err() error
}

// DiskProbe reports disk usage of the changelog filesystem
type DiskProbe interface {
	GetDiskUsage() diskmanager.DiskUsageStats
}

// HealthChecker performs health checks for the changelog node and mirrors
// the external changelog availability into a gRPC health server
type HealthChecker struct {
	nodeID  string
	dataDir string
	indexer IndexerProbe
	disk    DiskProbe
	grpc    *health.Server
	logger  *zap.Logger

	mu          sync.RWMutex
	lastCheck   time.Time
	status      model.NodeStatus
	checks      map[string]CheckResult
	readinessOK bool
	listener    func(model.NodeStatus)
}

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string
	Status    string
	Message   string
	Timestamp time.Time
}

// HealthCheckConfig holds configuration for health checks
type HealthCheckConfig struct {
	NodeID  string
	DataDir string
}

// NewHealthChecker creates a new health checker. disk may be nil.
func NewHealthChecker(cfg *HealthCheckConfig, indexer IndexerProbe, disk DiskProbe, logger *zap.Logger) *HealthChecker {
	h := &HealthChecker{
		nodeID:  cfg.NodeID,
		dataDir: cfg.DataDir,
		indexer: indexer,
		disk:    disk,
		grpc:    health.NewServer(),
		logger:  logger,
		checks:  make(map[string]CheckResult),
		status:  model.NodeStatusHealthy,
	}
	h.RunChecks()
	return h
}

// SetStatusListener registers fn to be called with the node status now and
// whenever a check run changes it
func (h *HealthChecker) SetStatusListener(fn func(model.NodeStatus)) {
	h.mu.Lock()
	h.listener = fn
	status := h.status
	h.mu.Unlock()
	if fn != nil {
		fn(status)
	}
}

// GRPCServer returns the gRPC health server to register on the node's
// gRPC server
func (h *HealthChecker) GRPCServer() *health.Server {
	return h.grpc
}

// Start runs the checks every interval until ctx is done
func (h *HealthChecker) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.RunChecks()
		case <-ctx.Done():
			h.logger.Info("Health checker stopped")
			return
		}
	}
}

// RunChecks runs all health checks and updates the gRPC serving status
func (h *HealthChecker) RunChecks() {
	results := []CheckResult{
		h.checkIndexer(),
		h.checkDiskSpace(),
		h.checkDataDirAccessible(),
	}

	h.mu.Lock()
	h.lastCheck = time.Now()
	previous := h.status
	degraded, critical := false, false
	for _, result := range results {
		h.checks[result.Name] = result
		switch result.Status {
		case statusWarning:
			degraded = true
		case statusCritical:
			critical = true
		}
	}
	indexerOK := h.checks["indexer"].Status == statusHealthy

	switch {
	case critical:
		h.status = model.NodeStatusUnhealthy
	case degraded || !indexerOK:
		h.status = model.NodeStatusDegraded
	default:
		h.status = model.NodeStatusHealthy
	}
	h.readinessOK = !critical && indexerOK
	status := h.status
	ready := h.readinessOK
	listener := h.listener
	h.mu.Unlock()

	if status != previous {
		h.logger.Info("Node status changed",
			zap.String("from", string(previous)),
			zap.String("to", string(status)))
		if listener != nil {
			listener(status)
		}
	}

	// replication runs while degraded, the external changelog does not
	overall := healthpb.HealthCheckResponse_SERVING
	if critical {
		overall = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.grpc.SetServingStatus("", overall)
	if ready {
		h.grpc.SetServingStatus(ExternalChangelogService, healthpb.HealthCheckResponse_SERVING)
	} else {
		h.grpc.SetServingStatus(ExternalChangelogService, healthpb.HealthCheckResponse_NOT_SERVING)
	}

	h.logger.Debug("Health check completed",
		zap.String("status", string(status)),
		zap.Bool("readiness", ready))
}

func (h *HealthChecker) checkIndexer() CheckResult {
	result := CheckResult{Name: "indexer", Status: statusHealthy, Message: "change number indexer running", Timestamp: time.Now()}
	if h.indexer.IsAlive() {
		return result
	}
	result.Status = statusWarning
	if err := h.indexer.Err(); err != nil {
		result.Message = fmt.Sprintf("change number indexer failed: %v", err)
	} else {
		result.Message = "change number indexer stopped"
	}
	return result
}

// checkDiskSpace checks if disk space is sufficient
func (h *HealthChecker) checkDiskSpace() CheckResult {
	if h.disk == nil {
		return CheckResult{Name: "disk_space", Status: statusHealthy, Message: "disk guard disabled", Timestamp: time.Now()}
	}
	usage := h.disk.GetDiskUsage()
	switch {
	case usage.IsCircuitBroken:
		return CheckResult{
			Name:      "disk_space",
			Status:    statusCritical,
			Message:   fmt.Sprintf("Disk usage critical: %.2f%%", usage.UsagePercent),
			Timestamp: time.Now(),
		}
	case usage.IsThrottled:
		return CheckResult{
			Name:      "disk_space",
			Status:    statusWarning,
			Message:   fmt.Sprintf("Disk usage high: %.2f%%", usage.UsagePercent),
			Timestamp: time.Now(),
		}
	}
	return CheckResult{
		Name:      "disk_space",
		Status:    statusHealthy,
		Message:   fmt.Sprintf("Disk usage: %.2f%%, available: %.2f GB", usage.UsagePercent, float64(usage.AvailableBytes)/1024/1024/1024),
		Timestamp: time.Now(),
	}
}

// checkDataDirAccessible checks if data directory is accessible
func (h *HealthChecker) checkDataDirAccessible() CheckResult {
	info, err := os.Stat(h.dataDir)
	if err != nil {
		return CheckResult{
			Name:      "data_dir_accessible",
			Status:    statusCritical,
			Message:   fmt.Sprintf("Data directory not accessible: %v", err),
			Timestamp: time.Now(),
		}
	}
	if !info.IsDir() {
		return CheckResult{
			Name:      "data_dir_accessible",
			Status:    statusCritical,
			Message:   "Data path is not a directory",
			Timestamp: time.Now(),
		}
	}

	testFile := filepath.Join(h.dataDir, fmt.Sprintf(".health_check_%d", time.Now().UnixNano()))
	f, err := os.Create(testFile)
	if err != nil {
		return CheckResult{
			Name:      "data_dir_accessible",
			Status:    statusCritical,
			Message:   fmt.Sprintf("Cannot write to data directory: %v", err),
			Timestamp: time.Now(),
		}
	}
	f.Close()
	os.Remove(testFile)

	return CheckResult{
		Name:      "data_dir_accessible",
		Status:    statusHealthy,
		Message:   "Data directory is accessible and writable",
		Timestamp: time.Now(),
	}
}

// IsReady returns whether the external changelog can be served
func (h *HealthChecker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.readinessOK
}

// GetStatus returns the current health status
func (h *HealthChecker) GetStatus() model.HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	checks := make(map[string]string, len(h.checks))
	for name, c := range h.checks {
		checks[name] = c.Status
	}
	return model.HealthStatus{
		NodeID:    h.nodeID,
		Status:    h.status,
		Timestamp: h.lastCheck.Unix(),
		Checks:    checks,
	}
}

// GetChecks returns all check results
func (h *HealthChecker) GetChecks() map[string]CheckResult {
	h.mu.RLock()
	defer h.mu.RUnlock()

	checks := make(map[string]CheckResult, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	return checks
}

// Shutdown marks every service NOT_SERVING
func (h *HealthChecker) Shutdown() {
	h.mu.Lock()
	h.readinessOK = false
	h.mu.Unlock()
	h.grpc.Shutdown()
}
