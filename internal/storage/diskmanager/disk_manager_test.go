package diskmanager

import (
	"testing"
	"time"

	clerrors "github.com/devrev/pairdb/changelog/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func fixedStat(total, available uint64) StatFunc {
	return func(string) (uint64, uint64, error) {
		return total, available, nil
	}
}

func newManager(t *testing.T, total, available uint64) *DiskManager {
	t.Helper()
	cfg := DefaultConfig(t.TempDir())
	cfg.CheckInterval = time.Hour
	cfg.Stat = fixedStat(total, available)
	dm, err := NewDiskManager(cfg, zap.NewNop())
	require.NoError(t, err)
	return dm
}

func TestCheckBeforeWrite(t *testing.T) {
	tests := []struct {
		name      string
		available uint64
		write     uint64
		code      clerrors.ErrorCode
	}{
		{"healthy disk", 500, 10, clerrors.ErrCodeOK},
		{"throttled small write", 80, 5, clerrors.ErrCodeOK},
		{"throttled large write", 80, 50, clerrors.ErrCodeDiskThrottled},
		{"circuit broken", 20, 1, clerrors.ErrCodeDiskFull},
		{"write larger than free space", 500, 600, clerrors.ErrCodeDiskFull},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dm := newManager(t, 1000, tt.available)
			err := dm.CheckBeforeWrite(tt.write)
			if tt.code == clerrors.ErrCodeOK {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.code, clerrors.GetCode(err))
		})
	}
}

type recordingReporter struct {
	usage     float64
	available uint64
}

func (r *recordingReporter) UpdateDiskStats(usage float64, available uint64) {
	r.usage, r.available = usage, available
}

func TestDiskManager_ReportsUsage(t *testing.T) {
	reporter := &recordingReporter{}
	cfg := DefaultConfig(t.TempDir())
	cfg.Stat = fixedStat(200, 50)
	cfg.Reporter = reporter
	dm, err := NewDiskManager(cfg, zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, 75.0, reporter.usage)
	assert.Equal(t, uint64(50), reporter.available)
	stats := dm.GetDiskUsage()
	assert.Equal(t, 75.0, stats.UsagePercent)
	assert.False(t, stats.IsThrottled)
}

func TestNewDiskManager_RequiresDataDir(t *testing.T) {
	_, err := NewDiskManager(&DiskManagerConfig{}, zap.NewNop())
	assert.True(t, clerrors.HasCode(err, clerrors.ErrCodeInvalidArgument))
}
