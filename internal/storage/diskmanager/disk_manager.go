package diskmanager

import (
	"fmt"
	"sync"
	"syscall"
	"time"

	clerrors "github.com/devrev/pairdb/changelog/internal/errors"
	"go.uber.org/zap"
)

// UsageReporter receives disk usage after every check
type UsageReporter interface {
	UpdateDiskStats(usagePercent float64, availableBytes uint64)
}

// StatFunc reports total and available bytes of the filesystem holding dir
type StatFunc func(dir string) (totalBytes, availableBytes uint64, err error)

// DiskManager guards changelog appends against a filling disk
type DiskManager struct {
	dataDir              string
	logger               *zap.Logger
	reporter             UsageReporter
	stat                 StatFunc
	mu                   sync.RWMutex
	lastCheck            time.Time
	cachedUsagePercent   float64
	cachedAvailableBytes uint64
	checkInterval        time.Duration

	// Thresholds, in percent of the filesystem
	warningThreshold        float64
	throttleThreshold       float64
	circuitBreakerThreshold float64

	isThrottled     bool
	isCircuitBroken bool
}

// DiskManagerConfig holds configuration for disk manager
type DiskManagerConfig struct {
	DataDir                 string
	CheckInterval           time.Duration
	WarningThreshold        float64
	ThrottleThreshold       float64
	CircuitBreakerThreshold float64
	Reporter                UsageReporter
	// Stat defaults to statfs(2)
	Stat StatFunc
}

// NewDiskManager creates a new disk manager with specified thresholds
func NewDiskManager(cfg *DiskManagerConfig, logger *zap.Logger) (*DiskManager, error) {
	if cfg.DataDir == "" {
		return nil, clerrors.InvalidArgument("data directory is required", nil)
	}
	stat := cfg.Stat
	if stat == nil {
		stat = statfs
	}

	dm := &DiskManager{
		dataDir:                 cfg.DataDir,
		logger:                  logger,
		reporter:                cfg.Reporter,
		stat:                    stat,
		checkInterval:           cfg.CheckInterval,
		warningThreshold:        cfg.WarningThreshold,
		throttleThreshold:       cfg.ThrottleThreshold,
		circuitBreakerThreshold: cfg.CircuitBreakerThreshold,
	}

	if err := dm.checkDiskSpace(); err != nil {
		logger.Warn("Initial disk space check failed", zap.Error(err))
	}

	return dm, nil
}

// DefaultConfig returns default disk manager configuration
func DefaultConfig(dataDir string) *DiskManagerConfig {
	return &DiskManagerConfig{
		DataDir:                 dataDir,
		CheckInterval:           10 * time.Second,
		WarningThreshold:        80.0,
		ThrottleThreshold:       90.0,
		CircuitBreakerThreshold: 95.0,
	}
}

func statfs(dir string) (uint64, uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		return 0, 0, err
	}
	return stat.Blocks * uint64(stat.Bsize), stat.Bavail * uint64(stat.Bsize), nil
}

// CheckBeforeWrite checks if a write of the given size can proceed.
// Returns a DiskFull or DiskThrottled error when it must be rejected.
func (dm *DiskManager) CheckBeforeWrite(estimatedBytes uint64) error {
	dm.refreshIfStale()

	dm.mu.RLock()
	defer dm.mu.RUnlock()

	if dm.isCircuitBroken {
		return clerrors.DiskFull(dm.cachedUsagePercent, dm.cachedAvailableBytes).
			WithDetail("circuit_broken", true)
	}

	// small writes still pass while throttled
	if dm.isThrottled && estimatedBytes > dm.cachedAvailableBytes/10 {
		return clerrors.DiskThrottled(dm.cachedUsagePercent)
	}

	if estimatedBytes > dm.cachedAvailableBytes {
		return clerrors.DiskFull(dm.cachedUsagePercent, dm.cachedAvailableBytes).
			WithDetail("requested_bytes", estimatedBytes)
	}

	return nil
}

func (dm *DiskManager) refreshIfStale() {
	dm.mu.RLock()
	stale := time.Since(dm.lastCheck) > dm.checkInterval
	dm.mu.RUnlock()
	if !stale {
		return
	}
	if err := dm.checkDiskSpace(); err != nil {
		dm.logger.Warn("Disk space check failed", zap.Error(err))
	}
}

// checkDiskSpace checks current disk usage and updates state
func (dm *DiskManager) checkDiskSpace() error {
	totalBytes, availableBytes, err := dm.stat(dm.dataDir)
	if err != nil {
		return fmt.Errorf("failed to stat filesystem: %w", err)
	}
	if totalBytes == 0 {
		return fmt.Errorf("filesystem of %s reports zero size", dm.dataDir)
	}

	usedBytes := totalBytes - availableBytes
	usagePercent := (float64(usedBytes) / float64(totalBytes)) * 100.0

	dm.mu.Lock()
	defer dm.mu.Unlock()

	dm.cachedUsagePercent = usagePercent
	dm.cachedAvailableBytes = availableBytes
	dm.lastCheck = time.Now()

	wasThrottled, wasBroken := dm.isThrottled, dm.isCircuitBroken
	dm.isCircuitBroken = usagePercent >= dm.circuitBreakerThreshold
	dm.isThrottled = usagePercent >= dm.throttleThreshold && !dm.isCircuitBroken

	fields := []zap.Field{
		zap.String("dir", dm.dataDir),
		zap.Float64("usage_percent", usagePercent),
		zap.Uint64("available_bytes", availableBytes),
	}
	switch {
	case dm.isCircuitBroken && !wasBroken:
		dm.logger.Error("Changelog writes rejected, disk nearly full", fields...)
	case !dm.isCircuitBroken && wasBroken:
		dm.logger.Info("Changelog writes accepted again", fields...)
	}
	switch {
	case dm.isThrottled && !wasThrottled:
		dm.logger.Warn("Large changelog writes throttled", fields...)
	case !dm.isThrottled && wasThrottled:
		dm.logger.Info("Changelog write throttling lifted", fields...)
	case !dm.isThrottled && !dm.isCircuitBroken && usagePercent >= dm.warningThreshold:
		dm.logger.Warn("Disk usage above warning threshold", fields...)
	}

	if dm.reporter != nil {
		dm.reporter.UpdateDiskStats(usagePercent, availableBytes)
	}
	return nil
}

// GetDiskUsage returns current disk usage statistics
func (dm *DiskManager) GetDiskUsage() DiskUsageStats {
	dm.refreshIfStale()

	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return DiskUsageStats{
		UsagePercent:    dm.cachedUsagePercent,
		AvailableBytes:  dm.cachedAvailableBytes,
		IsThrottled:     dm.isThrottled,
		IsCircuitBroken: dm.isCircuitBroken,
		LastCheck:       dm.lastCheck,
	}
}

// DiskUsageStats contains disk usage statistics
type DiskUsageStats struct {
	UsagePercent    float64
	AvailableBytes  uint64
	IsThrottled     bool
	IsCircuitBroken bool
	LastCheck       time.Time
}
