package cnindex

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/devrev/pairdb/changelog/internal/model"
	"github.com/devrev/pairdb/changelog/internal/storage/logfile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func record(ts uint64) *model.ChangeNumberIndexRecord {
	return &model.ChangeNumberIndexRecord{
		Domain:         "dc=example,dc=com",
		CSN:            model.NewCSN(ts, 0, 1),
		PreviousCookie: "dc=example,dc=com:" + model.NewCSN(ts-1, 0, 1).String() + ";",
	}
}

func openIndex(t *testing.T, dir string) *ChangeNumberIndexLog {
	t.Helper()
	idx, err := Open(dir, logfile.Options{SegmentSize: 512}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func changeNumbers(t *testing.T, c Cursor) []uint64 {
	t.Helper()
	defer c.Close()
	var cns []uint64
	for {
		ok, err := c.Next()
		require.NoError(t, err)
		if !ok {
			return cns
		}
		assert.Equal(t, c.Record().Key, c.Record().Value.ChangeNumber)
		cns = append(cns, c.Record().Key)
	}
}

func TestChangeNumberIndexLog_AssignsSequentialNumbers(t *testing.T) {
	idx := openIndex(t, t.TempDir())
	assert.Nil(t, idx.OldestRecord())

	for ts := uint64(1); ts <= 5; ts++ {
		rec := record(ts)
		cn, err := idx.AddRecord(rec)
		require.NoError(t, err)
		assert.Equal(t, ts, cn)
		assert.Equal(t, ts, rec.ChangeNumber)
	}
	assert.Equal(t, int64(5), idx.Count())
	assert.Equal(t, uint64(1), idx.OldestRecord().ChangeNumber)
	assert.Equal(t, record(5).CSN, idx.NewestRecord().CSN)
	assert.Equal(t, record(5).PreviousCookie, idx.NewestRecord().PreviousCookie)

	c, err := idx.CursorFrom(3)
	require.NoError(t, err)
	assert.Equal(t, []uint64{3, 4, 5}, changeNumbers(t, c))
}

func TestChangeNumberIndexLog_NumberingSurvivesPurgeAndRestart(t *testing.T) {
	dir := t.TempDir()
	idx, err := Open(dir, logfile.Options{SegmentSize: 512}, zap.NewNop())
	require.NoError(t, err)
	for ts := uint64(1); ts <= 10; ts++ {
		_, err := idx.AddRecord(record(ts))
		require.NoError(t, err)
	}
	_, err = idx.PurgeUpTo(^uint64(0))
	require.NoError(t, err)
	assert.Equal(t, int64(1), idx.Count())
	require.NoError(t, idx.Close())

	reopened := openIndex(t, dir)
	assert.Equal(t, uint64(10), reopened.OldestRecord().ChangeNumber)
	cn, err := reopened.AddRecord(record(11))
	require.NoError(t, err)
	assert.Equal(t, uint64(11), cn)
}

func TestChangeNumberIndexLog_ChangeNumberAtOrAfter(t *testing.T) {
	idx := openIndex(t, t.TempDir())
	for _, ts := range []uint64{10, 20, 30} {
		_, err := idx.AddRecord(record(ts))
		require.NoError(t, err)
	}

	tests := []struct {
		name     string
		bound    uint64
		expected uint64
		found    bool
	}{
		{"before all", 5, 1, true},
		{"exact", 20, 2, true},
		{"between", 21, 3, true},
		{"after all", 31, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cn, ok, err := idx.ChangeNumberAtOrAfter(tt.bound)
			require.NoError(t, err)
			assert.Equal(t, tt.found, ok)
			assert.Equal(t, tt.expected, cn)
		})
	}
}

func TestChangeNumberIndexLog_ChangeNumberAtOrAfterSkipsOlderFiles(t *testing.T) {
	dir := t.TempDir()
	idx, err := Open(dir, logfile.Options{SegmentSize: 1 << 20}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	add := func(tss ...uint64) {
		for _, ts := range tss {
			_, err := idx.AddRecord(record(ts))
			require.NoError(t, err)
		}
	}
	add(10, 20, 30)
	require.NoError(t, idx.log.Rotate())
	add(40, 50)
	require.NoError(t, idx.log.Rotate())
	add(60)

	// the first file is never read when the bound is past its newest record
	first := filepath.Join(dir, "0000000000000001_0000000000000003.log")
	info, err := os.Stat(first)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(first, bytes.Repeat([]byte{0xff}, int(info.Size())), 0644))

	cn, ok, err := idx.ChangeNumberAtOrAfter(45)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(5), cn)

	cn, ok, err = idx.ChangeNumberAtOrAfter(55)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(6), cn)

	_, ok, err = idx.ChangeNumberAtOrAfter(61)
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = idx.ChangeNumberAtOrAfter(15)
	assert.Error(t, err)
}

func TestChangeNumberIndexLog_Clear(t *testing.T) {
	idx := openIndex(t, t.TempDir())
	_, err := idx.AddRecord(record(1))
	require.NoError(t, err)
	require.NoError(t, idx.Clear())
	assert.Equal(t, int64(0), idx.Count())

	cn, err := idx.AddRecord(record(2))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cn)
}

func TestChangeNumberIndexLog_RejectsIncompleteRecord(t *testing.T) {
	idx := openIndex(t, t.TempDir())
	_, err := idx.AddRecord(&model.ChangeNumberIndexRecord{Domain: "dc=example,dc=com"})
	assert.Error(t, err)
}
