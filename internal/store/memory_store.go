package store

import (
	"context"
	"sort"
	"sync"

	maaserrors "github.com/canonical/maas-sub025/internal/errors"
	"github.com/canonical/maas-sub025/internal/model"
)

// MemoryLocker is a process local Locker
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]*memoryLock
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]*memoryLock)}
}

// TryLock implements Locker
func (l *MemoryLocker) TryLock(_ context.Context, name string) (Lock, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[name]; ok {
		return nil, false, nil
	}
	lock := &memoryLock{owner: l, name: name}
	l.held[name] = lock
	return lock, true, nil
}

type memoryLock struct {
	owner *MemoryLocker
	name  string
}

func (m *memoryLock) Unlock(context.Context) error {
	m.owner.mu.Lock()
	defer m.owner.mu.Unlock()
	if m.owner.held[m.name] == m {
		delete(m.owner.held, m.name)
	}
	return nil
}

// MemoryStore is an in-memory ConfigStore and ControllerStore
type MemoryStore struct {
	mu sync.RWMutex

	interval    *int64
	lastScan    *int64
	passive     bool
	subnets     map[string]bool
	nodes       map[string]*MemoryNode
	time        model.TimeConfiguration
	dns         model.DNSSettings
	proxy       model.ProxySettings
	syslog      model.SyslogSettings
	brokenNotes map[string]string
}

// MemoryNode is a node row held by MemoryStore
type MemoryNode struct {
	Type       model.ControllerType
	PowerState model.PowerState
	Broken     bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		passive:     true,
		subnets:     make(map[string]bool),
		nodes:       make(map[string]*MemoryNode),
		proxy:       model.ProxySettings{Enabled: true, Port: defaultProxyPort},
		syslog:      model.SyslogSettings{Port: defaultSyslogPort},
		brokenNotes: make(map[string]string),
	}
}

func (s *MemoryStore) GetActiveDiscoveryConfig(context.Context) (model.DiscoveryConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	interval := model.DefaultActiveDiscoveryInterval
	if s.interval != nil {
		interval = *s.interval
	}
	lastScan := model.DefaultActiveDiscoveryLastScan
	if s.lastScan != nil {
		lastScan = *s.lastScan
	}
	return model.NewDiscoveryConfig(interval, lastScan), nil
}

func (s *MemoryStore) SetActiveDiscoveryInterval(_ context.Context, seconds int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interval = &seconds
	return nil
}

func (s *MemoryStore) SetActiveDiscoveryLastScan(_ context.Context, epoch int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastScan = &epoch
	return nil
}

func (s *MemoryStore) SetPassiveDiscovery(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.passive = enabled
}

func (s *MemoryStore) IsPassiveDiscoveryEnabled(context.Context) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.passive, nil
}

// SetSubnet records a subnet and whether active discovery is on for it
func (s *MemoryStore) SetSubnet(cidr string, activeDiscovery bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subnets[cidr] = activeDiscovery
}

func (s *MemoryStore) ListActiveDiscoverySubnets(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for cidr, active := range s.subnets {
		if active {
			out = append(out, cidr)
		}
	}
	sort.Strings(out)
	return out, nil
}

// AddNode registers a node with the given controller roles
func (s *MemoryStore) AddNode(systemID string, ct model.ControllerType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[systemID] = &MemoryNode{Type: ct, PowerState: model.PowerStateUnknown}
}

// Node returns a copy of the node row
func (s *MemoryStore) Node(systemID string) (MemoryNode, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[systemID]
	if !ok {
		return MemoryNode{}, false
	}
	return *n, true
}

// SetControllerSettings replaces the settings returned to racks
func (s *MemoryStore) SetControllerSettings(t model.TimeConfiguration, d model.DNSSettings, p model.ProxySettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.time, s.dns, s.proxy = t, d, p
}

// SetSyslogSettings replaces the rsyslog settings returned to racks
func (s *MemoryStore) SetSyslogSettings(settings model.SyslogSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syslog = settings
}

func (s *MemoryStore) GetControllerType(_ context.Context, systemID string) (model.ControllerType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[systemID]
	if !ok {
		return model.ControllerType{}, maaserrors.NoSuchNode(systemID)
	}
	return n.Type, nil
}

func (s *MemoryStore) GetTimeConfiguration(ctx context.Context, systemID string) (model.TimeConfiguration, error) {
	if _, err := s.GetControllerType(ctx, systemID); err != nil {
		return model.TimeConfiguration{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.time, nil
}

func (s *MemoryStore) GetDNSConfiguration(ctx context.Context, systemID string) (model.DNSSettings, error) {
	if _, err := s.GetControllerType(ctx, systemID); err != nil {
		return model.DNSSettings{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dns, nil
}

func (s *MemoryStore) GetProxyConfiguration(ctx context.Context, systemID string) (model.ProxySettings, error) {
	if _, err := s.GetControllerType(ctx, systemID); err != nil {
		return model.ProxySettings{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.proxy, nil
}

func (s *MemoryStore) GetSyslogConfiguration(ctx context.Context, systemID string) (model.SyslogSettings, error) {
	if _, err := s.GetControllerType(ctx, systemID); err != nil {
		return model.SyslogSettings{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.syslog, nil
}

func (s *MemoryStore) UpdateNodePowerState(_ context.Context, systemID string, state model.PowerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[systemID]
	if !ok {
		return maaserrors.NoSuchNode(systemID)
	}
	n.PowerState = state
	return nil
}

func (s *MemoryStore) MarkNodeBroken(_ context.Context, systemID, description string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[systemID]
	if !ok {
		return maaserrors.NoSuchNode(systemID)
	}
	n.Broken = true
	s.brokenNotes[systemID] = description
	return nil
}

// BrokenReason returns the description recorded by MarkNodeBroken
func (s *MemoryStore) BrokenReason(systemID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.brokenNotes[systemID]
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
func (s *MemoryStore) Close()                     {}
