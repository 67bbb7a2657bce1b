package health

import (
	"context"
	"errors"
	"testing"

	"github.com/devrev/pairdb/changelog/internal/model"
	"github.com/devrev/pairdb/changelog/internal/storage/diskmanager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type fakeIndexer struct {
	alive bool
	err   error
}

func (f *fakeIndexer) IsAlive() bool { return f.alive }
func (f *fakeIndexer) Err() error    { return f.err }

type fakeDisk struct {
	stats diskmanager.DiskUsageStats
}

func (f *fakeDisk) GetDiskUsage() diskmanager.DiskUsageStats { return f.stats }

func servingStatus(t *testing.T, h *HealthChecker, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := h.GRPCServer().Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.Status
}

func TestHealthChecker_IndexerAlive(t *testing.T) {
	h := NewHealthChecker(&HealthCheckConfig{NodeID: "node-1", DataDir: t.TempDir()},
		&fakeIndexer{alive: true}, &fakeDisk{}, zap.NewNop())

	assert.True(t, h.IsReady())
	assert.Equal(t, model.NodeStatusHealthy, h.GetStatus().Status)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, servingStatus(t, h, ExternalChangelogService))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, servingStatus(t, h, ""))
}

func TestHealthChecker_IndexerDead(t *testing.T) {
	indexer := &fakeIndexer{alive: true}
	h := NewHealthChecker(&HealthCheckConfig{NodeID: "node-1", DataDir: t.TempDir()},
		indexer, nil, zap.NewNop())

	indexer.alive = false
	indexer.err = errors.New("corrupted replica log")
	h.RunChecks()

	assert.False(t, h.IsReady())
	assert.Equal(t, model.NodeStatusDegraded, h.GetStatus().Status)
	assert.Contains(t, h.GetChecks()["indexer"].Message, "corrupted replica log")
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, servingStatus(t, h, ExternalChangelogService))
	// replication itself is still served
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, servingStatus(t, h, ""))
}

func TestHealthChecker_DiskFull(t *testing.T) {
	disk := &fakeDisk{stats: diskmanager.DiskUsageStats{UsagePercent: 97, IsCircuitBroken: true}}
	h := NewHealthChecker(&HealthCheckConfig{NodeID: "node-1", DataDir: t.TempDir()},
		&fakeIndexer{alive: true}, disk, zap.NewNop())

	assert.False(t, h.IsReady())
	assert.Equal(t, model.NodeStatusUnhealthy, h.GetStatus().Status)
	assert.Equal(t, "critical", h.GetStatus().Checks["disk_space"])
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, servingStatus(t, h, ""))
}

func TestHealthChecker_MissingDataDir(t *testing.T) {
	h := NewHealthChecker(&HealthCheckConfig{NodeID: "node-1", DataDir: "/nonexistent/changelog"},
		&fakeIndexer{alive: true}, nil, zap.NewNop())
	assert.False(t, h.IsReady())
	assert.Equal(t, statusCritical, h.GetChecks()["data_dir_accessible"].Status)
}

func TestHealthChecker_StatusListener(t *testing.T) {
	indexer := &fakeIndexer{alive: true}
	h := NewHealthChecker(&HealthCheckConfig{NodeID: "node-1", DataDir: t.TempDir()},
		indexer, nil, zap.NewNop())

	var seen []model.NodeStatus
	h.SetStatusListener(func(status model.NodeStatus) {
		seen = append(seen, status)
	})
	assert.Equal(t, []model.NodeStatus{model.NodeStatusHealthy}, seen)

	// unchanged status is not reported again
	h.RunChecks()
	assert.Len(t, seen, 1)

	indexer.alive = false
	h.RunChecks()
	h.RunChecks()
	assert.Equal(t, []model.NodeStatus{model.NodeStatusHealthy, model.NodeStatusDegraded}, seen)

	indexer.alive = true
	h.RunChecks()
	assert.Equal(t, model.NodeStatusHealthy, seen[len(seen)-1])
}
