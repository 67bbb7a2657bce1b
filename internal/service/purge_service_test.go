package service

import (
	"context"
	"testing"
	"time"

	"github.com/devrev/pairdb/changelog/internal/util/workerpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestPurgeService(t *testing.T, db *testDB, interval time.Duration) *PurgeService {
	t.Helper()
	pool := workerpool.NewWorkerPool(&workerpool.Config{Name: "purge", MaxWorkers: 2, Logger: zap.NewNop()})
	t.Cleanup(func() { pool.Stop(time.Second) })
	return NewPurgeService(&PurgeConfig{
		Interval: interval,
		Delay:    time.Millisecond,
		Now:      func() time.Time { return time.UnixMilli(101) },
	}, db.ChangelogDB, pool, db.metrics, zap.NewNop())
}

func TestPurgeService_PurgesIndexedRecords(t *testing.T) {
	db := newTestDB(t)
	for ts := uint64(1); ts <= 5; ts++ {
		db.publish(t, domainA, ts, 1)
	}
	db.settle(t)
	require.Len(t, db.indexed(t), 5)

	purge := newTestPurgeService(t, db, time.Hour)
	require.NoError(t, purge.RunOnce(context.Background()))

	rl, ok := db.Environment().ReplicaLog(domainA, 1)
	require.True(t, ok)
	assert.Equal(t, int64(1), rl.NumberOfRecords())
	assert.Equal(t, csn(5, 1), rl.NewestCSN())

	// the newest index record survives so numbering continues
	assert.Equal(t, []uint64{5}, changeNumbers(t, db))
	assert.Equal(t, int64(8), purge.PurgedRecords())

	db.publish(t, domainA, 6, 1)
	db.settle(t)
	assert.Equal(t, []uint64{5, 6}, changeNumbers(t, db))
}

func TestPurgeService_KeepsUnindexedUpdates(t *testing.T) {
	db := newTestDB(t, domainB)
	ctx := context.Background()

	require.NoError(t, db.PublishHeartbeat(ctx, domainA, csn(1, 1)))
	for ts := uint64(2); ts <= 4; ts++ {
		db.publish(t, domainA, ts, 2)
		db.publish(t, domainB, ts, 2)
	}
	db.settle(t)
	require.Empty(t, db.indexed(t))

	purge := newTestPurgeService(t, db, time.Hour)
	require.NoError(t, purge.RunOnce(ctx))

	rl, ok := db.Environment().ReplicaLog(domainA, 2)
	require.True(t, ok)
	assert.Equal(t, int64(3), rl.NumberOfRecords())

	// excluded domains are only bound by age
	rl, ok = db.Environment().ReplicaLog(domainB, 2)
	require.True(t, ok)
	assert.Equal(t, int64(1), rl.NumberOfRecords())
}

func TestPurgeService_Scheduler(t *testing.T) {
	db := newTestDB(t)
	for ts := uint64(1); ts <= 3; ts++ {
		db.publish(t, domainA, ts, 1)
	}
	db.settle(t)

	purge := newTestPurgeService(t, db, 10*time.Millisecond)
	purge.Start()
	defer purge.Stop()

	require.Eventually(t, func() bool {
		return purge.PurgedRecords() >= 4
	}, 5*time.Second, 10*time.Millisecond)
}

func changeNumbers(t *testing.T, db *testDB) []uint64 {
	t.Helper()
	reader, err := db.GetCNIndexReader()
	require.NoError(t, err)
	c, err := reader.CursorFrom(0)
	require.NoError(t, err)
	defer c.Close()
	var cns []uint64
	for {
		ok, err := c.Next()
		require.NoError(t, err)
		if !ok {
			return cns
		}
		cns = append(cns, c.Record().Key)
	}
}
