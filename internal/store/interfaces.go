package store

import (
	"context"
	"errors"

	"github.com/canonical/maas-sub025/internal/model"
)

// ErrNotFound is returned when a key is not found
var ErrNotFound = errors.New("not found")

// ConfigStore reads and writes the shared discovery configuration
type ConfigStore interface {
	// GetActiveDiscoveryConfig reads interval and last scan. Missing keys
	// take their defaults.
	GetActiveDiscoveryConfig(ctx context.Context) (model.DiscoveryConfig, error)
	SetActiveDiscoveryInterval(ctx context.Context, seconds int64) error
	SetActiveDiscoveryLastScan(ctx context.Context, epoch int64) error
	// IsPassiveDiscoveryEnabled reports the network_discovery setting
	IsPassiveDiscoveryEnabled(ctx context.Context) (bool, error)
	// ListActiveDiscoverySubnets returns CIDRs with active scanning turned on
	ListActiveDiscoverySubnets(ctx context.Context) ([]string, error)

	Ping(ctx context.Context) error
	Close()
}

// ControllerStore answers rack controller queries about their configuration
// and records power state reported by racks.
type ControllerStore interface {
	// GetControllerType fails with NoSuchNode for unknown system ids
	GetControllerType(ctx context.Context, systemID string) (model.ControllerType, error)
	GetTimeConfiguration(ctx context.Context, systemID string) (model.TimeConfiguration, error)
	GetDNSConfiguration(ctx context.Context, systemID string) (model.DNSSettings, error)
	GetProxyConfiguration(ctx context.Context, systemID string) (model.ProxySettings, error)
	GetSyslogConfiguration(ctx context.Context, systemID string) (model.SyslogSettings, error)

	UpdateNodePowerState(ctx context.Context, systemID string, state model.PowerState) error
	MarkNodeBroken(ctx context.Context, systemID, description string) error
}

// Locker hands out named cluster-wide advisory locks
type Locker interface {
	// TryLock acquires name without waiting. ok is false when another holder
	// has it.
	TryLock(ctx context.Context, name string) (lock Lock, ok bool, err error)
}

// Lock is a held advisory lock
type Lock interface {
	Unlock(ctx context.Context) error
}
