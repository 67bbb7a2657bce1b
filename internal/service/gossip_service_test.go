package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/devrev/pairdb/changelog/internal/metrics"
	"github.com/devrev/pairdb/changelog/internal/model"
	"github.com/hashicorp/memberlist"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingHandler struct {
	mu      sync.Mutex
	offline map[string]model.CSN
	online  map[string]int32
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{offline: make(map[string]model.CSN), online: make(map[string]int32)}
}

func (h *recordingHandler) ReplicaOffline(_ context.Context, domain string, csn model.CSN) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.offline[domain] = csn
	return nil
}

func (h *recordingHandler) ReplicaOnline(_ context.Context, domain string, replicaID int32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.online[domain] = replicaID
	return nil
}

type fixedCSNs map[string]model.CSN

func (f fixedCSNs) NewestCSN(domain string, _ int32) model.CSN {
	return f[domain]
}

func member(t *testing.T, name string, replicaID int32, domains ...string) *memberlist.Node {
	t.Helper()
	meta, err := json.Marshal(model.MemberMetadata{NodeID: name, ReplicaID: replicaID, Domains: domains})
	require.NoError(t, err)
	return &memberlist.Node{Name: name, Meta: meta}
}

func TestGossipService_LeaveMarksReplicaOffline(t *testing.T) {
	handler := newRecordingHandler()
	gs := newGossipService(&GossipConfig{ReplicaID: 1, Domains: []string{domainA}}, "node-1",
		handler, fixedCSNs{domainA: csn(42, 2)}, metrics.NewMetrics("node-1"), zap.NewNop())
	gs.now = func() time.Time { return time.UnixMilli(1000) }
	events := &GossipEventDelegate{service: gs}

	events.NotifyLeave(member(t, "node-2", 2, domainA, domainB))

	assert.Equal(t, csn(42, 2), handler.offline[domainA])
	// nothing stored for domainB: offline from now on
	assert.Equal(t, csn(1000, 2), handler.offline[domainB])

	events.NotifyJoin(member(t, "node-2", 2, domainA))
	assert.Equal(t, int32(2), handler.online[domainA])
}

func TestGossipService_IgnoresSelfAndBadMetadata(t *testing.T) {
	handler := newRecordingHandler()
	gs := newGossipService(&GossipConfig{ReplicaID: 1, Domains: []string{domainA}}, "node-1",
		handler, fixedCSNs{}, metrics.NewMetrics("node-1"), zap.NewNop())
	events := &GossipEventDelegate{service: gs}

	events.NotifyLeave(member(t, "node-1", 1, domainA))
	events.NotifyLeave(&memberlist.Node{Name: "node-3", Meta: []byte("{not json")})
	events.NotifyJoin(&memberlist.Node{Name: "node-4"})

	assert.Empty(t, handler.offline)
	assert.Empty(t, handler.online)
}

func TestGossipService_NodeMeta(t *testing.T) {
	gs := newGossipService(&GossipConfig{ReplicaID: 7, Domains: []string{domainA}}, "node-1",
		newRecordingHandler(), fixedCSNs{}, metrics.NewMetrics("node-1"), zap.NewNop())
	gs.UpdateStatus(model.NodeStatusDegraded)

	var meta model.MemberMetadata
	require.NoError(t, json.Unmarshal(gs.NodeMeta(memberlist.MetaMaxSize), &meta))
	assert.Equal(t, int32(7), meta.ReplicaID)
	assert.Equal(t, []string{domainA}, meta.Domains)
	assert.Equal(t, model.NodeStatusDegraded, meta.Status)

	assert.Nil(t, gs.NodeMeta(4))
	assert.Equal(t, 1, gs.NumMembers())
	assert.NoError(t, gs.Shutdown())
}
