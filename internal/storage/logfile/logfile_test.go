package logfile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// shortWriteFile writes only the first limit bytes of the next write and
// then fails it, like a disk filling up mid-record
type shortWriteFile struct {
	storageFile
	limit int
}

func (s *shortWriteFile) WriteAt(p []byte, off int64) (int, error) {
	if s.limit <= 0 || len(p) <= s.limit {
		return s.storageFile.WriteAt(p, off)
	}
	n, err := s.storageFile.WriteAt(p[:s.limit], off)
	if err != nil {
		return n, err
	}
	s.limit = 0
	return n, errors.New("no space left on device")
}

func TestLogFile_FailedAppendLeavesNoTornBytes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	f, err := OpenLogFile[string, string](path, stringParser{}, FileOptions{}, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, f.Append(Record[string, string]{Key: key(1), Value: "v" + key(1)}))
	sizeBefore := f.SizeInBytes()

	f.file = &shortWriteFile{storageFile: f.file, limit: 5}
	err = f.Append(Record[string, string]{Key: key(2), Value: "v" + key(2)})
	require.Error(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, sizeBefore, info.Size())
	assert.Equal(t, sizeBefore, f.SizeInBytes())
	assert.Equal(t, int64(1), f.NumberOfRecords())

	require.NoError(t, f.Append(Record[string, string]{Key: key(3), Value: "v" + key(3)}))
	require.NoError(t, f.Close())

	reopened, err := OpenLogFile[string, string](path, stringParser{}, FileOptions{}, zap.NewNop())
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, int64(2), reopened.NumberOfRecords())
	assert.Equal(t, key(1), reopened.OldestRecord().Key)
	assert.Equal(t, key(3), reopened.NewestRecord().Key)
}

func TestLogFile_ZeroFilledGapBeforeRecordIsFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	f, err := OpenLogFile[string, string](path, stringParser{}, FileOptions{}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, f.Append(Record[string, string]{Key: key(1), Value: "v"}))
	require.NoError(t, f.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data = append(data, make([]byte, 8)...)
	data = append(data, encodeFrame([]byte(key(2)), []byte("v"))...)
	require.NoError(t, os.WriteFile(path, data, 0644))

	_, err = OpenLogFile[string, string](path, stringParser{}, FileOptions{}, zap.NewNop())
	require.Error(t, err)
}
