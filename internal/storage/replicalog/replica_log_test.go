package replicalog

import (
	"testing"

	clerrors "github.com/devrev/pairdb/changelog/internal/errors"
	"github.com/devrev/pairdb/changelog/internal/model"
	"github.com/devrev/pairdb/changelog/internal/storage/logfile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func csn(ts uint64) model.CSN {
	return model.NewCSN(ts, 0, 1)
}

func update(ts uint64) *model.UpdateMsg {
	return &model.UpdateMsg{
		CSN:      csn(ts),
		Type:     model.UpdateTypeModify,
		TargetDN: "cn=user,dc=example,dc=com",
		Payload:  []byte{0x00, 0x01, 0x00},
	}
}

func openReplicaLog(t *testing.T, dir string) *ReplicaLog {
	t.Helper()
	r, err := Open(dir, "dc=example,dc=com", 1, logfile.Options{SegmentSize: 256}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func collect(t *testing.T, c Cursor) []model.CSN {
	t.Helper()
	defer c.Close()
	var csns []model.CSN
	for {
		ok, err := c.Next()
		require.NoError(t, err)
		if !ok {
			return csns
		}
		csns = append(csns, c.Record().Key)
	}
}

func TestParser_RoundTrip(t *testing.T) {
	p := Parser{}
	msg := update(42)

	b, err := p.EncodeValue(msg)
	require.NoError(t, err)
	decoded, err := p.DecodeValue(b)
	require.NoError(t, err)
	assert.Equal(t, msg, decoded)

	_, err = p.DecodeValue([]byte{0xff})
	assert.Error(t, err)

	key, err := p.DecodeKey(p.EncodeKey(msg.CSN))
	require.NoError(t, err)
	assert.Equal(t, msg.CSN, key)
}

func TestReplicaLog_AddAndRead(t *testing.T) {
	r := openReplicaLog(t, t.TempDir())
	assert.True(t, r.OldestCSN().IsZero())

	for ts := uint64(1); ts <= 20; ts++ {
		require.NoError(t, r.Add(update(ts)))
	}
	assert.Equal(t, csn(1), r.OldestCSN())
	assert.Equal(t, csn(20), r.NewestCSN())
	assert.Equal(t, int64(20), r.NumberOfRecords())

	c, err := r.CursorAt(csn(5), logfile.EqualToKey, logfile.OnMatchingKey)
	require.NoError(t, err)
	got := collect(t, c)
	require.Len(t, got, 16)
	assert.Equal(t, csn(5), got[0])

	c, err = r.CursorAfter(csn(18))
	require.NoError(t, err)
	assert.Equal(t, []model.CSN{csn(19), csn(20)}, collect(t, c))

	c, err = r.CursorAfter(csn(20))
	require.NoError(t, err)
	assert.Empty(t, collect(t, c))

	c, err = r.CursorAt(csn(20), logfile.GreaterThanOrEqualToKey, logfile.OnMatchingKey)
	require.NoError(t, err)
	assert.Equal(t, []model.CSN{csn(20)}, collect(t, c))
}

func TestReplicaLog_RejectsForeignAndOutOfOrderCSN(t *testing.T) {
	r := openReplicaLog(t, t.TempDir())
	require.NoError(t, r.Add(update(10)))

	foreign := update(11)
	foreign.CSN.ReplicaID = 2
	err := r.Add(foreign)
	assert.True(t, clerrors.HasCode(err, clerrors.ErrCodeInvalidArgument))

	err = r.Add(update(9))
	assert.True(t, clerrors.HasCode(err, clerrors.ErrCodeKeyOrdering))
	assert.Equal(t, csn(10), r.NewestCSN())
}

func TestReplicaLog_PurgeRetainsNewest(t *testing.T) {
	r := openReplicaLog(t, t.TempDir())
	for ts := uint64(1); ts <= 10; ts++ {
		require.NoError(t, r.Add(update(ts)))
	}

	_, err := r.PurgeUpTo(model.NewCSN(^uint64(0), model.MaxSeqNum, 1))
	require.NoError(t, err)
	assert.Equal(t, int64(1), r.NumberOfRecords())
	assert.Equal(t, csn(10), r.OldestCSN())
	assert.Equal(t, csn(10), r.NewestCSN())
}

func TestReplicaLog_ReopenIsIdentical(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir, "dc=example,dc=com", 1, logfile.Options{SegmentSize: 256}, zap.NewNop())
	require.NoError(t, err)
	for ts := uint64(1); ts <= 30; ts++ {
		require.NoError(t, r.Add(update(ts)))
	}
	oldest, newest, count := r.OldestCSN(), r.NewestCSN(), r.NumberOfRecords()
	require.NoError(t, r.Close())

	reopened := openReplicaLog(t, dir)
	assert.Equal(t, oldest, reopened.OldestCSN())
	assert.Equal(t, newest, reopened.NewestCSN())
	assert.Equal(t, count, reopened.NumberOfRecords())
}

func TestReplicaLog_Clear(t *testing.T) {
	r := openReplicaLog(t, t.TempDir())
	require.NoError(t, r.Add(update(1)))
	require.NoError(t, r.Clear())
	assert.Equal(t, int64(0), r.NumberOfRecords())
	assert.True(t, r.NewestCSN().IsZero())
	require.NoError(t, r.Add(update(1)))
}
