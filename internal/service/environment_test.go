package service

import (
	"os"
	"path/filepath"
	"testing"

	clerrors "github.com/devrev/pairdb/changelog/internal/errors"
	"github.com/devrev/pairdb/changelog/internal/model"
	"github.com/devrev/pairdb/changelog/internal/storage/logfile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openEnvironment(t *testing.T, dir string) *ReplicationEnvironment {
	t.Helper()
	env, err := NewReplicationEnvironment(&EnvironmentConfig{ChangelogDir: dir, Log: logfile.Options{}}, zap.NewNop())
	require.NoError(t, err)
	return env
}

func TestReplicationEnvironment_CreateAndReopen(t *testing.T) {
	dir := t.TempDir()
	env := openEnvironment(t, dir)

	domain := "o=my org/east"
	rl, err := env.GetOrCreateReplicaLog(domain, 3)
	require.NoError(t, err)
	require.NoError(t, rl.Add(&model.UpdateMsg{CSN: csn(10, 3), Type: model.UpdateTypeAdd}))
	require.NoError(t, env.SetGenerationID(domain, 42))
	require.NoError(t, env.NotifyReplicaOffline(domain, csn(11, 4)))
	_, err = env.GetOrCreateReplicaLog(domain, 4)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, "o=my%20org%2Feast.dom", "3.server"))
	require.NoError(t, err)
	require.NoError(t, env.Shutdown())

	env = openEnvironment(t, dir)
	defer env.Shutdown()

	state := env.ChangelogState()
	assert.Equal(t, []string{domain}, state.Domains())
	assert.Equal(t, []int32{3, 4}, state.ServerIDs(domain))
	gen, ok := state.GenerationID(domain)
	require.True(t, ok)
	assert.Equal(t, int64(42), gen)
	offline, ok := state.OfflineReplicas().Get(domain, 4)
	require.True(t, ok)
	assert.Equal(t, csn(11, 4), offline)

	assert.Equal(t, csn(10, 3), env.NewestCSN(domain, 3))
	assert.Len(t, env.ReplicaLogs(domain), 2)
	newest := env.DomainNewestCSNs(domain)
	assert.Equal(t, csn(10, 3), newest[3])
}

func TestReplicationEnvironment_MissingReplicaDirectory(t *testing.T) {
	dir := t.TempDir()
	env := openEnvironment(t, dir)
	_, err := env.GetOrCreateReplicaLog("dc=example", 1)
	require.NoError(t, err)
	require.NoError(t, env.Shutdown())

	require.NoError(t, os.RemoveAll(filepath.Join(dir, "dc=example.dom", "1.server")))

	_, err = NewReplicationEnvironment(&EnvironmentConfig{ChangelogDir: dir}, zap.NewNop())
	require.Error(t, err)
	assert.True(t, clerrors.HasCode(err, clerrors.ErrCodeConsistency))
}

func TestReplicationEnvironment_RegistersOrphanDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "dc=example.dom", "7.server"), 0755))

	env := openEnvironment(t, dir)
	defer env.Shutdown()
	assert.True(t, env.ChangelogState().HasServerID("dc=example", 7))
	_, ok := env.ReplicaLog("dc=example", 7)
	assert.True(t, ok)
}

func TestReplicationEnvironment_NotifyOnline(t *testing.T) {
	env := openEnvironment(t, t.TempDir())
	defer env.Shutdown()

	require.NoError(t, env.NotifyReplicaOffline("dc=example", csn(5, 2)))
	require.NoError(t, env.NotifyReplicaOnline("dc=example", 2))
	_, offline := env.ChangelogState().OfflineReplicas().Get("dc=example", 2)
	assert.False(t, offline)

	// online for a replica that never went offline is a no-op
	require.NoError(t, env.NotifyReplicaOnline("dc=example", 9))
}

func TestReplicationEnvironment_ClearDomain(t *testing.T) {
	dir := t.TempDir()
	env := openEnvironment(t, dir)

	rl, err := env.GetOrCreateReplicaLog("dc=gone", 1)
	require.NoError(t, err)
	require.NoError(t, rl.Add(&model.UpdateMsg{CSN: csn(1, 1)}))
	_, err = env.GetOrCreateReplicaLog("dc=kept", 1)
	require.NoError(t, err)

	require.NoError(t, env.ClearDomain("dc=gone"))
	assert.Empty(t, env.ReplicaLogs("dc=gone"))
	assert.Equal(t, []string{"dc=kept"}, env.Domains())
	_, err = os.Stat(filepath.Join(dir, "dc=gone.dom"))
	assert.True(t, os.IsNotExist(err))
	require.NoError(t, env.Shutdown())

	env = openEnvironment(t, dir)
	defer env.Shutdown()
	assert.Equal(t, []string{"dc=kept"}, env.Domains())
}

func TestReplicationEnvironment_ReplicaCursorCreatesLog(t *testing.T) {
	env := openEnvironment(t, t.TempDir())
	defer env.Shutdown()

	c, err := env.ReplicaCursor("dc=example", 5, model.CSN{})
	require.NoError(t, err)
	defer c.Close()
	ok, err := c.Next()
	require.NoError(t, err)
	assert.False(t, ok)

	rl, found := env.ReplicaLog("dc=example", 5)
	require.True(t, found)
	require.NoError(t, rl.Add(&model.UpdateMsg{CSN: csn(1, 5)}))
	ok, err = c.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, csn(1, 5), c.Record().Key)
}

func TestReplicationEnvironment_ClosedRejectsNewLogs(t *testing.T) {
	env := openEnvironment(t, t.TempDir())
	require.NoError(t, env.Shutdown())
	require.NoError(t, env.Shutdown())

	_, err := env.GetOrCreateReplicaLog("dc=example", 1)
	assert.True(t, clerrors.HasCode(err, clerrors.ErrCodeUnavailable))
}
