package memstore

import (
	"testing"

	"github.com/devrev/pairdb/changelog/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const domain = "dc=example,dc=com"

func msg(ts uint64, rid int32) *model.UpdateMsg {
	return &model.UpdateMsg{CSN: model.NewCSN(ts, 0, rid), Type: model.UpdateTypeAdd}
}

func TestStore_CursorSeesLaterAdds(t *testing.T) {
	s := New()
	require.NoError(t, s.Add(domain, msg(1, 1)))
	require.NoError(t, s.Add(domain, msg(1, 2)))

	c, err := s.ReplicaCursor(domain, 1, model.CSN{})
	require.NoError(t, err)
	defer c.Close()

	ok, err := c.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.NewCSN(1, 0, 1), c.Record().Key)

	ok, err = c.Next()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, c.Record())

	require.NoError(t, s.Add(domain, msg(2, 1)))
	ok, err = c.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.NewCSN(2, 0, 1), c.Record().Key)
}

func TestStore_CursorAfter(t *testing.T) {
	s := New()
	for ts := uint64(1); ts <= 3; ts++ {
		require.NoError(t, s.Add(domain, msg(ts, 1)))
	}
	c, err := s.ReplicaCursor(domain, 1, model.NewCSN(2, 0, 1))
	require.NoError(t, err)
	ok, err := c.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.NewCSN(3, 0, 1), c.Record().Key)
}

func TestStore_RejectsOutOfOrder(t *testing.T) {
	s := New()
	require.NoError(t, s.Add(domain, msg(5, 1)))
	assert.Error(t, s.Add(domain, msg(5, 1)))
	assert.Error(t, s.Add(domain, msg(4, 1)))
	assert.Equal(t, model.NewCSN(5, 0, 1), s.NewestCSN(domain, 1))
}

func TestStore_ListsStoredReplicas(t *testing.T) {
	s := New()
	require.NoError(t, s.Add(domain, msg(1, 3)))
	require.NoError(t, s.Add(domain, msg(1, 1)))
	require.NoError(t, s.Add("dc=other", msg(1, 2)))

	assert.Equal(t, []string{"dc=example,dc=com", "dc=other"}, s.Domains())
	assert.Equal(t, []int32{1, 3}, s.Replicas(domain))
	assert.Empty(t, s.Replicas("dc=missing"))

	s.ClearDomain(domain)
	assert.Equal(t, []string{"dc=other"}, s.Domains())
	assert.True(t, s.NewestCSN(domain, 1).IsZero())
}
