package service

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/partition-router/internal/model"
)

// UnavailabilityMarker records endpoint failures
type UnavailabilityMarker interface {
	MarkEndpointUnavailable(endpoint string, op model.RequestOperation)
}

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	Enabled        bool
	BindAddr       string
	BindPort       int
	SeedNodes      []string
	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
	RetransmitMult int
}

// unavailabilityMessage is the gossip payload announcing an endpoint failure
type unavailabilityMessage struct {
	NodeID    string `json:"node_id"`
	Endpoint  string `json:"endpoint"`
	Operation string `json:"operation"`
	Timestamp int64  `json:"timestamp"`
}

type unavailabilityBroadcast struct {
	key string
	msg []byte
}

// Invalidates implements memberlist.Broadcast
func (b *unavailabilityBroadcast) Invalidates(other memberlist.Broadcast) bool {
	o, ok := other.(*unavailabilityBroadcast)
	return ok && o.key == b.key
}

// Message implements memberlist.Broadcast
func (b *unavailabilityBroadcast) Message() []byte { return b.msg }

// Finished implements memberlist.Broadcast
func (b *unavailabilityBroadcast) Finished() {}

// GossipService shares endpoint unavailability between router instances.
// Marks received from peers are applied locally and never re-broadcast.
type GossipService struct {
	config     *GossipConfig
	memberlist *memberlist.Memberlist
	broadcasts *memberlist.TransmitLimitedQueue
	marker     UnavailabilityMarker
	nodeID     string
	logger     *zap.Logger
}

// NewGossipService creates a new gossip service and joins the seed nodes
func NewGossipService(cfg *GossipConfig, nodeID string, marker UnavailabilityMarker, logger *zap.Logger) (*GossipService, error) {
	gs := newGossipDelegate(cfg, nodeID, marker, logger)

	// Configure memberlist
	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = nodeID
	if cfg.BindAddr != "" {
		mlConfig.BindAddr = cfg.BindAddr
	}
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
	mlConfig.LogOutput = zap.NewStdLog(gs.logger.Named("memberlist")).Writer()

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	gs.memberlist = ml

	if len(cfg.SeedNodes) > 0 {
		if _, err := ml.Join(cfg.SeedNodes); err != nil {
			gs.logger.Warn("Failed to join some seed nodes", zap.Error(err))
		}
	}

	return gs, nil
}

func newGossipDelegate(cfg *GossipConfig, nodeID string, marker UnavailabilityMarker, logger *zap.Logger) *GossipService {
	if logger == nil {
		logger = zap.NewNop()
	}
	gs := &GossipService{
		config: cfg,
		marker: marker,
		nodeID: nodeID,
		logger: logger,
	}
	retransmit := cfg.RetransmitMult
	if retransmit <= 0 {
		retransmit = 3
	}
	gs.broadcasts = &memberlist.TransmitLimitedQueue{
		NumNodes:       gs.NumMembers,
		RetransmitMult: retransmit,
	}
	return gs
}

// MarkEndpointUnavailable marks the endpoint locally and tells the peers
func (s *GossipService) MarkEndpointUnavailable(endpoint string, op model.RequestOperation) {
	s.marker.MarkEndpointUnavailable(endpoint, op)

	msg, err := json.Marshal(unavailabilityMessage{
		NodeID:    s.nodeID,
		Endpoint:  endpoint,
		Operation: op.String(),
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		s.logger.Warn("Failed to marshal gossip message", zap.Error(err))
		return
	}

	s.broadcasts.QueueBroadcast(&unavailabilityBroadcast{
		key: endpoint + "|" + op.String(),
		msg: msg,
	})
}

// NodeMeta implements memberlist.Delegate
func (s *GossipService) NodeMeta(limit int) []byte {
	data, _ := json.Marshal(map[string]string{"node_id": s.nodeID, "role": "router"})
	if len(data) > limit {
		return nil
	}
	return data
}

// NotifyMsg implements memberlist.Delegate
func (s *GossipService) NotifyMsg(data []byte) {
	var msg unavailabilityMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn("Failed to unmarshal gossip message", zap.Error(err))
		return
	}
	if msg.NodeID == s.nodeID {
		return
	}

	op, ok := model.ParseRequestOperation(msg.Operation)
	if !ok || msg.Endpoint == "" {
		s.logger.Warn("Ignoring malformed unavailability message",
			zap.String("node_id", msg.NodeID),
			zap.String("endpoint", msg.Endpoint),
			zap.String("operation", msg.Operation))
		return
	}

	s.logger.Debug("Received endpoint unavailability",
		zap.String("node_id", msg.NodeID),
		zap.String("endpoint", msg.Endpoint),
		zap.String("operation", msg.Operation))
	s.marker.MarkEndpointUnavailable(msg.Endpoint, op)
}

// GetBroadcasts implements memberlist.Delegate
func (s *GossipService) GetBroadcasts(overhead, limit int) [][]byte {
	return s.broadcasts.GetBroadcasts(overhead, limit)
}

// LocalState implements memberlist.Delegate. Marks are only exchanged as
// broadcasts so an expired mark is never revived by a state sync.
func (s *GossipService) LocalState(join bool) []byte {
	return nil
}

// MergeRemoteState implements memberlist.Delegate
func (s *GossipService) MergeRemoteState(buf []byte, join bool) {}

// NumMembers returns the number of live cluster members
func (s *GossipService) NumMembers() int {
	if s.memberlist == nil {
		return 1
	}
	return s.memberlist.NumMembers()
}

// Members returns the names of the live cluster members
func (s *GossipService) Members() []string {
	if s.memberlist == nil {
		return []string{s.nodeID}
	}
	members := s.memberlist.Members()
	names := make([]string, 0, len(members))
	for _, m := range members {
		names = append(names, m.Name)
	}
	return names
}

// Shutdown leaves the cluster and shuts down the gossip service
func (s *GossipService) Shutdown() error {
	if s.memberlist == nil {
		return nil
	}
	if err := s.memberlist.Leave(time.Second); err != nil {
		s.logger.Warn("Failed to leave gossip cluster", zap.Error(err))
	}
	return s.memberlist.Shutdown()
}

// GossipEventDelegate handles memberlist events
type GossipEventDelegate struct {
	service *GossipService
}

// NotifyJoin is called when a node joins
func (d *GossipEventDelegate) NotifyJoin(node *memberlist.Node) {
	d.service.logger.Info("Router joined",
		zap.String("node_id", node.Name),
		zap.String("addr", node.Addr.String()))
}

// NotifyLeave is called when a node leaves
func (d *GossipEventDelegate) NotifyLeave(node *memberlist.Node) {
	d.service.logger.Info("Router left",
		zap.String("node_id", node.Name))
}

// NotifyUpdate is called when a node is updated
func (d *GossipEventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.service.logger.Debug("Router updated",
		zap.String("node_id", node.Name))
}
