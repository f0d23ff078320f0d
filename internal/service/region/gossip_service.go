package region

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/canonical/maas-sub025/internal/config"
	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
)

// MessageDiscoveryConfigChanged tells regions to re-read the discovery config
const MessageDiscoveryConfigChanged = "discovery_config_changed"

// ConfigChangeHandler is invoked when another region reports a config change
type ConfigChangeHandler func(ctx context.Context)

// clusterMessage is the payload exchanged between region processes
type clusterMessage struct {
	Type      string `json:"type"`
	Origin    string `json:"origin"`
	Timestamp int64  `json:"timestamp"`
}

// regionMeta is advertised as memberlist node metadata
type regionMeta struct {
	Eventloop string `json:"eventloop"`
}

// GossipService keeps region processes in a memberlist cluster so that a
// settings change on one region reaches the others promptly.
type GossipService struct {
	memberlist *memberlist.Memberlist
	broadcasts *memberlist.TransmitLimitedQueue
	nodeName   string
	meta       regionMeta
	onChange   ConfigChangeHandler
	logger     *zap.Logger
}

// NewGossipService creates the memberlist node and joins the seed nodes
func NewGossipService(
	cfg config.ClusterConfig,
	nodeName, eventloop string,
	onChange ConfigChangeHandler,
	logger *zap.Logger,
) (*GossipService, error) {
	gs := &GossipService{
		nodeName: nodeName,
		meta:     regionMeta{Eventloop: eventloop},
		onChange: onChange,
		logger:   logger,
	}
	gs.broadcasts = &memberlist.TransmitLimitedQueue{
		NumNodes:       gs.NumMembers,
		RetransmitMult: 3,
	}

	mlConfig := memberlist.DefaultLANConfig()
	mlConfig.Name = nodeName
	mlConfig.BindAddr = cfg.BindAddr
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertisePort = cfg.BindPort
	mlConfig.Delegate = gs
	mlConfig.Events = &GossipEventDelegate{service: gs}
	mlConfig.Logger = zap.NewStdLog(logger.Named("memberlist"))

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

	logger.Info("Joined region cluster",
		zap.String("node", nodeName),
		zap.Int("members", ml.NumMembers()))
	return gs, nil
}

// Address returns host:port of this node's gossip listener
func (s *GossipService) Address() string {
	n := s.memberlist.LocalNode()
	return net.JoinHostPort(n.Addr.String(), strconv.Itoa(int(n.Port)))
}

// NumMembers returns the number of live cluster members
func (s *GossipService) NumMembers() int {
	if s.memberlist == nil {
		return 1
	}
	return s.memberlist.NumMembers()
}

// NotifyDiscoveryConfigChanged tells every other region to refresh its
// discovery configuration. Delivery is attempted directly to every member
// and also gossiped.
func (s *GossipService) NotifyDiscoveryConfigChanged() {
	msg, err := json.Marshal(clusterMessage{
		Type:      MessageDiscoveryConfigChanged,
		Origin:    s.nodeName,
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		s.logger.Error("Failed to encode cluster message", zap.Error(err))
		return
	}

	for _, member := range s.memberlist.Members() {
		if member.Name == s.nodeName {
			continue
		}
		if err := s.memberlist.SendReliable(member, msg); err != nil {
			s.logger.Warn("Failed to notify region of config change",
				zap.String("node", member.Name),
				zap.Error(err))
		}
	}
	s.broadcasts.QueueBroadcast(&configBroadcast{msg: msg})
}

// NodeMeta implements memberlist.Delegate
func (s *GossipService) NodeMeta(limit int) []byte {
	data, _ := json.Marshal(s.meta)
	if len(data) > limit {
		return data[:limit]
	}
	return data
}

// NotifyMsg implements memberlist.Delegate
func (s *GossipService) NotifyMsg(data []byte) {
	var msg clusterMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn("Failed to unmarshal gossip message", zap.Error(err))
		return
	}
	if msg.Origin == s.nodeName {
		return
	}

	switch msg.Type {
	case MessageDiscoveryConfigChanged:
		s.logger.Debug("Discovery configuration changed on another region",
			zap.String("origin", msg.Origin))
		if s.onChange != nil {
			// NotifyMsg must not block the memberlist receive loop
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				s.onChange(ctx)
			}()
		}
	default:
		s.logger.Debug("Ignoring unknown cluster message", zap.String("type", msg.Type))
	}
}

// GetBroadcasts implements memberlist.Delegate
func (s *GossipService) GetBroadcasts(overhead, limit int) [][]byte {
	return s.broadcasts.GetBroadcasts(overhead, limit)
}

// LocalState implements memberlist.Delegate
func (s *GossipService) LocalState(join bool) []byte {
	return nil
}

// MergeRemoteState implements memberlist.Delegate
func (s *GossipService) MergeRemoteState(buf []byte, join bool) {}

// Shutdown leaves the cluster and stops the listener
func (s *GossipService) Shutdown() error {
	if err := s.memberlist.Leave(time.Second); err != nil {
		s.logger.Warn("Failed to leave region cluster cleanly", zap.Error(err))
	}
	return s.memberlist.Shutdown()
}

// configBroadcast carries one encoded message through the gossip queue. A
// newer config change supersedes an older one still queued.
type configBroadcast struct {
	msg []byte
}

func (b *configBroadcast) Invalidates(other memberlist.Broadcast) bool {
	_, ok := other.(*configBroadcast)
	return ok
}

func (b *configBroadcast) Message() []byte { return b.msg }

func (b *configBroadcast) Finished() {}

// GossipEventDelegate handles memberlist events
type GossipEventDelegate struct {
	service *GossipService
}

// NotifyJoin is called when a node joins
func (d *GossipEventDelegate) NotifyJoin(node *memberlist.Node) {
	var meta regionMeta
	_ = json.Unmarshal(node.Meta, &meta)
	d.service.logger.Info("Region joined",
		zap.String("node", node.Name),
		zap.String("eventloop", meta.Eventloop),
		zap.String("addr", node.Addr.String()))
}

// NotifyLeave is called when a node leaves
func (d *GossipEventDelegate) NotifyLeave(node *memberlist.Node) {
	d.service.logger.Info("Region left",
		zap.String("node", node.Name))
}

// NotifyUpdate is called when a node is updated
func (d *GossipEventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.service.logger.Debug("Region updated",
		zap.String("node", node.Name))
}
