package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_AppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
server:
  node_id: changelog-1
storage:
  data_dir: /data
indexer:
  excluded_domains: ["cn=admin data"]
`))
	require.NoError(t, err)

	assert.Equal(t, "changelog-1", cfg.Server.NodeID)
	assert.Equal(t, 50053, cfg.Server.Port)
	assert.Equal(t, "/data/changelog", cfg.Storage.ChangelogDir)
	assert.Equal(t, "/data/changelog/changelog_state.db", cfg.Storage.StateFile)
	assert.Equal(t, int64(100*1024*1024), cfg.Log.SegmentSize)
	assert.Equal(t, 10000, cfg.Indexer.QueueSize)
	assert.Equal(t, 5*time.Second, cfg.Indexer.PublishTimeout)
	assert.Equal(t, []string{"cn=admin data"}, cfg.Indexer.ExcludedDomains)
	assert.Equal(t, 72*time.Hour, cfg.Purge.Delay)
	assert.Equal(t, 95.0, cfg.Disk.CircuitBreakerThreshold)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestParse_Validation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing node id", "server: {port: 1}"},
		{"bad port", "server: {node_id: n, port: 70000}"},
		{"tiny segments", "server: {node_id: n}\nlog: {segment_size: 10}"},
		{"inverted thresholds", "server: {node_id: n}\ndisk: {warning_threshold: 99, throttle_threshold: 90}"},
		{"bad log format", "server: {node_id: n}\nlogging: {format: xml}"},
		{"negative replica", "server: {node_id: n}\ngossip: {enabled: true, replica_id: -1}"},
		{"malformed yaml", "server: ["},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  node_id: n1\nlog:\n  sync_writes: true\n"), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.True(t, cfg.Log.SyncWrites)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
