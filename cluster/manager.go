// Package cluster provides gossip discovery of replication siblings and a
// deterministic leader using HashiCorp memberlist.
package cluster

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"github.com/migadu/warden/config"
	"github.com/migadu/warden/logger"
	"github.com/migadu/warden/replication"
)

// SiblingRegistry receives siblings discovered through gossip.
type SiblingRegistry interface {
	AddSibling(host string, port int, proto replication.Proto, key *[32]byte) error
	RemoveSibling(host string, port int) error
	HasSibling(host string, port int) bool
}

// Manager handles cluster membership and leader election
type Manager struct {
	config     config.ClusterConfig
	memberlist *memberlist.Memberlist
	nodeID     string
	registry   SiblingRegistry

	mu       sync.RWMutex
	isLeader bool
	leaderID string
	// siblings added on join, by node name, so leave removes the same one
	joined map[string]replication.Sibling

	ctx                   context.Context
	cancel                context.CancelFunc
	leaderChangeCallbacks []func(isLeader bool, newLeaderID string)
	callbackMu            sync.RWMutex
}

// New joins the gossip cluster and advertises advertise (host:port[:proto]),
// the replication endpoint of this node. Peers that join are added to
// registry and removed when they leave, unless registry already had a sibling
// at that address.
func New(cfg config.ClusterConfig, advertise string, registry SiblingRegistry) (*Manager, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("cluster mode is not enabled")
	}

	nodeID := cfg.NodeID
	if nodeID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("failed to get hostname for node ID: %w", err)
		}
		nodeID = hostname
	}

	meta, err := advertisedMeta(advertise)
	if err != nil {
		return nil, err
	}
	if len(meta) > memberlist.MetaMaxSize {
		return nil, fmt.Errorf("advertised replication endpoint too long: %d bytes", len(meta))
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		config:   cfg,
		nodeID:   nodeID,
		registry: registry,
		joined:   make(map[string]replication.Sibling),
		ctx:      ctx,
		cancel:   cancel,
	}

	mlConfig := memberlist.DefaultLANConfig()
	mlConfig.Name = nodeID
	mlConfig.BindAddr = cfg.GetBindAddr()
	if mlConfig.BindAddr == "" {
		mlConfig.BindAddr = "0.0.0.0"
	}
	mlConfig.BindPort = cfg.GetBindPort()
	mlConfig.AdvertisePort = mlConfig.BindPort
	mlConfig.Delegate = &metaDelegate{meta: meta}
	mlConfig.Events = &eventDelegate{manager: m}
	mlConfig.Logger = slog.NewLogLogger(logger.Get().Handler(), slog.LevelDebug)

	if cfg.SecretKey != "" {
		keyBytes, err := base64.StdEncoding.DecodeString(cfg.SecretKey)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to decode cluster secret_key: %w", err)
		}
		if len(keyBytes) != 32 {
			cancel()
			return nil, fmt.Errorf("cluster secret_key must be 32 bytes (got %d bytes)", len(keyBytes))
		}
		mlConfig.SecretKey = keyBytes
		logger.Info("Cluster encryption enabled with secret key")
	} else {
		logger.Warn("Cluster encryption disabled - secret_key not configured (NOT recommended for production)")
	}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	m.memberlist = ml

	// A node listing itself as a peer confuses gossip.
	peers := make([]string, 0, len(cfg.Peers))
	for _, peer := range cfg.Peers {
		if peer == nodeID {
			logger.Warn("Cluster configuration: node_id found in peers list, ignoring self-reference", "node_id", nodeID)
			continue
		}
		peers = append(peers, peer)
	}
	if len(peers) > 0 {
		n, err := ml.Join(peers)
		if err != nil {
			logger.Warn("Failed to join cluster peers (gossip will keep trying)", "error", err)
		} else {
			logger.Info("Joined cluster", "contacted", n)
		}
	}

	go m.leaderElectionLoop()

	logger.Info("Cluster manager started", "node_id", nodeID, "bind", net.JoinHostPort(mlConfig.BindAddr, strconv.Itoa(mlConfig.BindPort)), "peers", peers, "advertise", advertise)
	return m, nil
}

// advertisedMeta validates the advertised endpoint and returns it as node
// metadata.
func advertisedMeta(advertise string) ([]byte, error) {
	if advertise == "" {
		return nil, nil
	}
	if _, err := replication.ParseSibling(advertise); err != nil {
		return nil, fmt.Errorf("invalid advertised replication endpoint: %w", err)
	}
	return []byte(advertise), nil
}

// siblingFor decodes a member's advertised endpoint. An unspecified host is
// replaced with the address gossip saw the member on.
func siblingFor(node *memberlist.Node) (replication.Sibling, bool) {
	if len(node.Meta) == 0 {
		return replication.Sibling{}, false
	}
	sib, err := replication.ParseSibling(string(node.Meta))
	if err != nil {
		logger.Warn("Cluster: member advertises an invalid replication endpoint", "node", node.Name, "meta", string(node.Meta), "error", err)
		return replication.Sibling{}, false
	}
	if ip := net.ParseIP(sib.Host); ip != nil && ip.IsUnspecified() && node.Addr != nil {
		sib.Host = node.Addr.String()
	}
	return sib, true
}

func (m *Manager) handleJoin(node *memberlist.Node) {
	if node.Name == m.nodeID || m.registry == nil {
		return
	}
	sib, ok := siblingFor(node)
	if !ok {
		return
	}
	// Configured siblings keep their own key and are never removed on leave.
	if m.registry.HasSibling(sib.Host, sib.Port) {
		logger.Debug("Cluster: member is already a sibling", "node", node.Name, "sibling", sib.String())
		return
	}
	if err := m.registry.AddSibling(sib.Host, sib.Port, sib.Proto, nil); err != nil {
		logger.Warn("Cluster: failed to add discovered sibling", "node", node.Name, "sibling", sib.String(), "error", err)
		return
	}
	m.mu.Lock()
	m.joined[node.Name] = sib
	m.mu.Unlock()
	logger.Info("Cluster: member joined", "node", node.Name, "sibling", sib.String())
}

func (m *Manager) handleLeave(node *memberlist.Node) {
	if node.Name == m.nodeID || m.registry == nil {
		return
	}
	m.mu.Lock()
	sib, ok := m.joined[node.Name]
	delete(m.joined, node.Name)
	m.mu.Unlock()
	if !ok {
		return
	}
	if err := m.registry.RemoveSibling(sib.Host, sib.Port); err != nil {
		logger.Debug("Cluster: sibling already removed", "node", node.Name, "error", err)
	}
	logger.Info("Cluster: member left", "node", node.Name, "sibling", sib.String())
}

// leaderElectionLoop periodically recomputes the leader
func (m *Manager) leaderElectionLoop() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	m.electLeader()

	for {
		select {
		case <-m.ctx.Done():
			logger.Info("Cluster leader election loop stopping")
			return
		case <-ticker.C:
			m.electLeader()
		}
	}
}

// electLeader picks the member with the lexicographically smallest name.
// Every node computes the same answer from the same membership.
func (m *Manager) electLeader() {
	leader := m.nodeID
	for _, member := range m.memberlist.Members() {
		if member.Name < leader {
			leader = member.Name
		}
	}

	m.mu.Lock()
	oldLeader := m.leaderID
	oldIsLeader := m.isLeader
	m.leaderID = leader
	m.isLeader = leader == m.nodeID
	newIsLeader := m.isLeader
	m.mu.Unlock()

	if oldLeader == leader && oldIsLeader == newIsLeader {
		return
	}
	logger.Info("Cluster leader changed", "old", oldLeader, "new", leader, "is_leader", newIsLeader)
	m.notifyLeaderChange(newIsLeader, leader)
}

// OnLeaderChange registers a callback run when leadership changes.
func (m *Manager) OnLeaderChange(callback func(isLeader bool, newLeaderID string)) {
	m.callbackMu.Lock()
	defer m.callbackMu.Unlock()
	m.leaderChangeCallbacks = append(m.leaderChangeCallbacks, callback)
}

func (m *Manager) notifyLeaderChange(isLeader bool, newLeaderID string) {
	m.callbackMu.RLock()
	callbacks := make([]func(bool, string), len(m.leaderChangeCallbacks))
	copy(callbacks, m.leaderChangeCallbacks)
	m.callbackMu.RUnlock()

	for _, callback := range callbacks {
		go func(cb func(bool, string)) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("Panic in leader change callback", "panic", fmt.Sprint(r))
				}
			}()
			cb(isLeader, newLeaderID)
		}(callback)
	}
}

// IsLeader returns true if this node is the current cluster leader
func (m *Manager) IsLeader() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isLeader
}

// GetLeaderID returns the node ID of the current cluster leader
func (m *Manager) GetLeaderID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.leaderID
}

func (m *Manager) GetNodeID() string {
	return m.nodeID
}

// GetMembers returns information about all cluster members
func (m *Manager) GetMembers() []MemberInfo {
	members := m.memberlist.Members()
	result := make([]MemberInfo, len(members))
	for i, member := range members {
		result[i] = MemberInfo{
			Name:        member.Name,
			Addr:        member.Addr.String(),
			Port:        member.Port,
			Replication: string(member.Meta),
		}
	}
	return result
}

// MemberInfo holds information about a cluster member
type MemberInfo struct {
	Name        string `json:"name"`
	Addr        string `json:"addr"`
	Port        uint16 `json:"port"`
	Replication string `json:"replication,omitempty"`
}

// LocalPort returns the gossip port actually bound.
func (m *Manager) LocalPort() int {
	return int(m.memberlist.LocalNode().Port)
}

// Shutdown leaves the cluster and stops gossip.
func (m *Manager) Shutdown() error {
	logger.Info("Shutting down cluster manager")
	m.cancel()

	if m.memberlist != nil {
		if err := m.memberlist.Leave(5 * time.Second); err != nil {
			logger.Warn("Error leaving cluster", "error", err)
		}
		if err := m.memberlist.Shutdown(); err != nil {
			return fmt.Errorf("failed to shutdown memberlist: %w", err)
		}
	}

	logger.Info("Cluster manager shutdown complete")
	return nil
}

// metaDelegate implements memberlist.Delegate to advertise the replication
// endpoint.
type metaDelegate struct {
	meta []byte
}

func (d *metaDelegate) NodeMeta(limit int) []byte {
	if len(d.meta) > limit {
		return nil
	}
	return d.meta
}

func (d *metaDelegate) NotifyMsg([]byte)                           {}
func (d *metaDelegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (d *metaDelegate) LocalState(join bool) []byte                { return nil }
func (d *metaDelegate) MergeRemoteState(buf []byte, join bool)     {}

// eventDelegate implements memberlist.EventDelegate.
type eventDelegate struct {
	manager *Manager
}

func (e *eventDelegate) NotifyJoin(node *memberlist.Node)  { e.manager.handleJoin(node) }
func (e *eventDelegate) NotifyLeave(node *memberlist.Node) { e.manager.handleLeave(node) }

// NotifyUpdate re-registers a member whose advertised endpoint changed.
func (e *eventDelegate) NotifyUpdate(node *memberlist.Node) {
	sib, ok := siblingFor(node)
	if !ok {
		return
	}
	e.manager.mu.RLock()
	prev, known := e.manager.joined[node.Name]
	e.manager.mu.RUnlock()
	if known && prev.Addr() == sib.Addr() && prev.Proto == sib.Proto {
		return
	}
	e.manager.handleLeave(node)
	e.manager.handleJoin(node)
}
