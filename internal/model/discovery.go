package model

import "time"

// Defaults used when the config table has no row for a key
const (
	DefaultActiveDiscoveryInterval = int64(3 * 60 * 60)
	DefaultActiveDiscoveryLastScan = int64(0)
)

// DiscoveryConfig is the persisted active discovery configuration
type DiscoveryConfig struct {
	Enabled         bool
	IntervalSeconds int64
	LastScan        int64
}

// NewDiscoveryConfig builds a config from the stored interval and last scan.
// A non-positive interval means discovery is disabled.
func NewDiscoveryConfig(interval, lastScan int64) DiscoveryConfig {
	return DiscoveryConfig{
		Enabled:         interval > 0,
		IntervalSeconds: interval,
		LastScan:        lastScan,
	}
}

// Interval returns the interval as a duration
func (c DiscoveryConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// NextScan is the earliest epoch second at which a scan is due
func (c DiscoveryConfig) NextScan() int64 {
	return c.LastScan + c.IntervalSeconds
}

// ScanResult summarises a scan fanned out to racks
type ScanResult struct {
	ScanID         string
	Scheduled      []string
	Failed         map[string]error
	CIDRs          []string
	StartedAt      time.Time
	CompletedAfter time.Duration
}

// Succeeded reports whether at least one rack acknowledged the scan
func (r ScanResult) Succeeded() bool {
	return len(r.Scheduled) > 0
}
