package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	clerrors "github.com/devrev/pairdb/changelog/internal/errors"
	"github.com/devrev/pairdb/changelog/internal/metrics"
	"github.com/devrev/pairdb/changelog/internal/model"
	"github.com/devrev/pairdb/changelog/internal/storage/cnindex"
	"github.com/devrev/pairdb/changelog/internal/storage/logfile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeReader struct {
	index *cnindex.ChangeNumberIndexLog
	err   error
}

func (f *fakeReader) GetCNIndexReader() (*cnindex.ChangeNumberIndexLog, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.index, nil
}

type fakeHealth struct {
	status model.NodeStatus
	ready  bool
}

func (f *fakeHealth) GetStatus() model.HealthStatus {
	return model.HealthStatus{NodeID: "node-1", Status: f.status}
}
func (f *fakeHealth) IsReady() bool { return f.ready }

func newTestServer(t *testing.T, records int) (*AdminServer, *fakeReader, *fakeHealth) {
	t.Helper()
	index, err := cnindex.Open(t.TempDir(), logfile.Options{}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { index.Close() })

	cookie := model.NewMultiDomainServerState()
	for i := 1; i <= records; i++ {
		csn := model.NewCSN(uint64(i), 0, 1)
		_, err := index.AddRecord(&model.ChangeNumberIndexRecord{Domain: "dc=example", CSN: csn, PreviousCookie: cookie.String()})
		require.NoError(t, err)
		cookie.Update("dc=example", csn)
	}

	reader := &fakeReader{index: index}
	hr := &fakeHealth{status: model.NodeStatusHealthy, ready: true}
	s := NewAdminServer(&AdminServerConfig{Port: 0}, reader, hr, metrics.NewMetrics("node-1"), zap.NewNop())
	return s, reader, hr
}

func get(t *testing.T, s *AdminServer, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestAdminServer_ChangelogEndpoints(t *testing.T) {
	s, _, _ := newTestServer(t, 5)

	rec := get(t, s, "/changelog/oldest")
	require.Equal(t, http.StatusOK, rec.Code)
	var oldest ChangeRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &oldest))
	assert.Equal(t, uint64(1), oldest.ChangeNumber)
	assert.Equal(t, "", oldest.PreviousCookie)

	rec = get(t, s, "/changelog/newest")
	require.Equal(t, http.StatusOK, rec.Code)
	var newest ChangeRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &newest))
	assert.Equal(t, uint64(5), newest.ChangeNumber)
	assert.Equal(t, model.NewCSN(5, 0, 1).String(), newest.CSN)

	rec = get(t, s, "/changelog/count")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"count":5}`, rec.Body.String())

	rec = get(t, s, "/changelog/changes?from=2&limit=2")
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Changes []ChangeRecord `json:"changes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Changes, 2)
	assert.Equal(t, uint64(2), page.Changes[0].ChangeNumber)
	assert.Equal(t, uint64(3), page.Changes[1].ChangeNumber)

	rec = get(t, s, "/changelog/changes?from=abc")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminServer_EmptyChangelog(t *testing.T) {
	s, _, _ := newTestServer(t, 0)

	assert.Equal(t, http.StatusNotFound, get(t, s, "/changelog/oldest").Code)
	assert.Equal(t, http.StatusNotFound, get(t, s, "/changelog/newest").Code)
	rec := get(t, s, "/changelog/changes")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"changes":[]}`, rec.Body.String())
}

func TestAdminServer_RefusesReadsWhenIndexerStopped(t *testing.T) {
	s, reader, _ := newTestServer(t, 3)
	reader.err = clerrors.Unavailable("change number indexer is not running", nil)

	for _, path := range []string{"/changelog/oldest", "/changelog/newest", "/changelog/count", "/changelog/changes", "/ready"} {
		assert.Equal(t, http.StatusServiceUnavailable, get(t, s, path).Code, path)
	}
	assert.Equal(t, http.StatusOK, get(t, s, "/health").Code)
}

func TestAdminServer_HealthAndReady(t *testing.T) {
	s, _, hr := newTestServer(t, 0)

	assert.Equal(t, http.StatusOK, get(t, s, "/ready").Code)

	hr.ready = false
	assert.Equal(t, http.StatusServiceUnavailable, get(t, s, "/ready").Code)

	hr.status = model.NodeStatusUnhealthy
	rec := get(t, s, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"unhealthy"`)
}

func TestAdminServer_Metrics(t *testing.T) {
	s, _, _ := newTestServer(t, 0)
	s.metrics.RecordIndexRecord("dc=example")

	rec := get(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "pairdb_changelog_"))
}
