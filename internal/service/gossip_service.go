package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/devrev/pairdb/changelog/internal/metrics"
	"github.com/devrev/pairdb/changelog/internal/model"
	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
)

const livenessTimeout = 5 * time.Second

// ReplicaLivenessHandler reacts to replicas leaving and rejoining the
// cluster
type ReplicaLivenessHandler interface {
	ReplicaOffline(ctx context.Context, domain string, offlineCSN model.CSN) error
	ReplicaOnline(ctx context.Context, domain string, replicaID int32) error
}

// NewestCSNSource reports the newest CSN stored for a replica
type NewestCSNSource interface {
	NewestCSN(domain string, replicaID int32) model.CSN
}

// GossipService tracks the other changelog nodes with memberlist and turns
// membership changes into replica offline/online notifications
type GossipService struct {
	config     *GossipConfig
	memberlist *memberlist.Memberlist
	nodeID     string
	handler    ReplicaLivenessHandler
	csns       NewestCSNSource
	metrics    *metrics.Metrics
	logger     *zap.Logger
	now        func() time.Time

	mu    sync.RWMutex
	local model.MemberMetadata
}

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	Enabled   bool
	BindPort  int
	SeedNodes []string
	// ReplicaID and Domains describe the replica served by this node
	ReplicaID      int32
	Domains        []string
	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
}

func newGossipService(
	cfg *GossipConfig,
	nodeID string,
	handler ReplicaLivenessHandler,
	csns NewestCSNSource,
	m *metrics.Metrics,
	logger *zap.Logger,
) *GossipService {
	return &GossipService{
		config:  cfg,
		nodeID:  nodeID,
		handler: handler,
		csns:    csns,
		metrics: m,
		logger:  logger,
		now:     time.Now,
		local: model.MemberMetadata{
			NodeID:    nodeID,
			ReplicaID: cfg.ReplicaID,
			Domains:   cfg.Domains,
			Status:    model.NodeStatusHealthy,
			Timestamp: time.Now().Unix(),
		},
	}
}

// NewGossipService creates a new gossip service and joins the seed nodes
func NewGossipService(
	cfg *GossipConfig,
	nodeID string,
	handler ReplicaLivenessHandler,
	csns NewestCSNSource,
	m *metrics.Metrics,
	logger *zap.Logger,
) (*GossipService, error) {
	gs := newGossipService(cfg, nodeID, handler, csns, m, logger)

	// Configure memberlist
	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = nodeID
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertisePort = cfg.BindPort
	if cfg.GossipInterval > 0 {
		mlConfig.GossipInterval = cfg.GossipInterval
	}
	if cfg.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = cfg.ProbeTimeout
	}
	if cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	}
	mlConfig.Delegate = gs
	mlConfig.Events = &GossipEventDelegate{service: gs}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	gs.memberlist = ml

	if len(cfg.SeedNodes) > 0 {
		if _, err := ml.Join(cfg.SeedNodes); err != nil {
			logger.Warn("Failed to join some seed nodes", zap.Error(err))
		}
	}
	m.UpdateGossipMembers(ml.NumMembers())

	return gs, nil
}

func (s *GossipService) localMetadata() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := json.Marshal(s.local)
	if err != nil {
		s.logger.Warn("Failed to marshal member metadata", zap.Error(err))
		return nil
	}
	return data
}

// NodeMeta implements memberlist.Delegate
func (s *GossipService) NodeMeta(limit int) []byte {
	data := s.localMetadata()
	if len(data) > limit {
		s.logger.Warn("Member metadata exceeds gossip limit",
			zap.Int("size", len(data)),
			zap.Int("limit", limit))
		return nil
	}
	return data
}

// NotifyMsg implements memberlist.Delegate
func (s *GossipService) NotifyMsg(data []byte) {
	s.logger.Debug("Ignoring gossip message", zap.Int("size", len(data)))
}

// GetBroadcasts implements memberlist.Delegate
func (s *GossipService) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

// LocalState implements memberlist.Delegate
func (s *GossipService) LocalState(join bool) []byte {
	return s.localMetadata()
}

// MergeRemoteState implements memberlist.Delegate
func (s *GossipService) MergeRemoteState(buf []byte, join bool) {
	var meta model.MemberMetadata
	if err := json.Unmarshal(buf, &meta); err != nil {
		s.logger.Warn("Failed to unmarshal remote state", zap.Error(err))
		return
	}
	s.logger.Debug("Merged remote state",
		zap.String("node_id", meta.NodeID),
		zap.Int32("replica_id", meta.ReplicaID))
}

// UpdateStatus updates the status gossiped for this node
func (s *GossipService) UpdateStatus(status model.NodeStatus) {
	s.mu.Lock()
	s.local.Status = status
	s.local.Timestamp = s.now().Unix()
	s.mu.Unlock()
	if s.memberlist != nil {
		if err := s.memberlist.UpdateNode(livenessTimeout); err != nil {
			s.logger.Warn("Failed to propagate node status", zap.Error(err))
		}
	}
}

// NumMembers returns the number of known live members
func (s *GossipService) NumMembers() int {
	if s.memberlist == nil {
		return 1
	}
	return s.memberlist.NumMembers()
}

// Shutdown leaves the cluster and shuts down the gossip service
func (s *GossipService) Shutdown() error {
	if s.memberlist == nil {
		return nil
	}
	if err := s.memberlist.Leave(livenessTimeout); err != nil {
		s.logger.Warn("Failed to leave cluster gracefully", zap.Error(err))
	}
	return s.memberlist.Shutdown()
}

func (s *GossipService) remoteMetadata(node *memberlist.Node) (model.MemberMetadata, bool) {
	var meta model.MemberMetadata
	if node.Name == s.nodeID || len(node.Meta) == 0 {
		return meta, false
	}
	if err := json.Unmarshal(node.Meta, &meta); err != nil {
		s.logger.Warn("Failed to unmarshal member metadata",
			zap.String("node_id", node.Name),
			zap.Error(err))
		return meta, false
	}
	return meta, true
}

// replicaLeft marks the replica of a departed node offline in each of its
// domains at the newest CSN stored for it
func (s *GossipService) replicaLeft(meta model.MemberMetadata) {
	ctx, cancel := context.WithTimeout(context.Background(), livenessTimeout)
	defer cancel()
	for _, domain := range meta.Domains {
		offline := s.csns.NewestCSN(domain, meta.ReplicaID)
		if offline.IsZero() {
			offline = model.NewCSN(uint64(s.now().UnixMilli()), 0, meta.ReplicaID)
		}
		if err := s.handler.ReplicaOffline(ctx, domain, offline); err != nil {
			s.logger.Error("Failed to mark replica offline",
				zap.String("domain", domain),
				zap.Int32("replica_id", meta.ReplicaID),
				zap.Error(err))
		}
	}
}

func (s *GossipService) replicaJoined(meta model.MemberMetadata) {
	ctx, cancel := context.WithTimeout(context.Background(), livenessTimeout)
	defer cancel()
	for _, domain := range meta.Domains {
		if err := s.handler.ReplicaOnline(ctx, domain, meta.ReplicaID); err != nil {
			s.logger.Error("Failed to mark replica online",
				zap.String("domain", domain),
				zap.Int32("replica_id", meta.ReplicaID),
				zap.Error(err))
		}
	}
}

// GossipEventDelegate handles memberlist events
type GossipEventDelegate struct {
	service *GossipService
}

// NotifyJoin is called when a node joins
func (d *GossipEventDelegate) NotifyJoin(node *memberlist.Node) {
	s := d.service
	s.metrics.RecordGossipEvent("join")
	s.metrics.UpdateGossipMembers(s.NumMembers())
	s.logger.Info("Node joined",
		zap.String("node_id", node.Name),
		zap.String("addr", node.Address()))
	if meta, ok := s.remoteMetadata(node); ok {
		s.replicaJoined(meta)
	}
}

// NotifyLeave is called when a node leaves
func (d *GossipEventDelegate) NotifyLeave(node *memberlist.Node) {
	s := d.service
	s.metrics.RecordGossipEvent("leave")
	s.metrics.UpdateGossipMembers(s.NumMembers())
	s.logger.Info("Node left",
		zap.String("node_id", node.Name))
	if meta, ok := s.remoteMetadata(node); ok {
		s.replicaLeft(meta)
	}
}

// NotifyUpdate is called when a node is updated
func (d *GossipEventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.service.metrics.RecordGossipEvent("update")
	d.service.logger.Debug("Node updated",
		zap.String("node_id", node.Name))
}
