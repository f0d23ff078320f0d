package model

import (
	"slices"
	"sort"
)

// ControllerType carries the role flags of a controller
type ControllerType struct {
	IsRegion bool `json:"is_region"`
	IsRack   bool `json:"is_rack"`
}

// RackOnly reports whether this controller must manage rack-side services
// itself. A region+rack defers to the region.
func (c ControllerType) RackOnly() bool {
	return c.IsRack && !c.IsRegion
}

// RegionConnection is one live connection from a rack to a region process
type RegionConnection struct {
	// Eventloop identifies the region process as "host:pid"
	Eventloop string
	// Address is the remote IP of the connection
	Address string
}

// StringSet is an ordered, de-duplicated set of strings comparable by value
type StringSet []string

// NewStringSet sorts and de-duplicates values
func NewStringSet(values ...string) StringSet {
	set := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		set = append(set, v)
	}
	sort.Strings(set)
	return StringSet(set)
}

// Equal compares two sets by value
func (s StringSet) Equal(other StringSet) bool {
	return slices.Equal(s, other)
}

// NTPConfiguration is the comparable NTP state for a rack
type NTPConfiguration struct {
	References StringSet
	Peers      StringSet
	ControllerType
}

func (c *NTPConfiguration) Equal(other *NTPConfiguration) bool {
	if c == nil || other == nil {
		return c == other
	}
	return c.References.Equal(other.References) &&
		c.Peers.Equal(other.Peers) &&
		c.ControllerType == other.ControllerType
}

// DNSConfiguration is the comparable DNS state for a rack
type DNSConfiguration struct {
	UpstreamDNS     StringSet
	TrustedNetworks StringSet
	ControllerType
}

func (c *DNSConfiguration) Equal(other *DNSConfiguration) bool {
	if c == nil || other == nil {
		return c == other
	}
	return c.UpstreamDNS.Equal(other.UpstreamDNS) &&
		c.TrustedNetworks.Equal(other.TrustedNetworks) &&
		c.ControllerType == other.ControllerType
}

// ProxyConfiguration is the comparable HTTP proxy state for a rack
type ProxyConfiguration struct {
	Enabled         bool
	Port            int
	AllowedCIDRs    StringSet
	PreferV4Proxy   bool
	UpstreamProxies StringSet
	ControllerType
}

func (c *ProxyConfiguration) Equal(other *ProxyConfiguration) bool {
	if c == nil || other == nil {
		return c == other
	}
	return c.Enabled == other.Enabled &&
		c.Port == other.Port &&
		c.PreferV4Proxy == other.PreferV4Proxy &&
		c.AllowedCIDRs.Equal(other.AllowedCIDRs) &&
		c.UpstreamProxies.Equal(other.UpstreamProxies) &&
		c.ControllerType == other.ControllerType
}

// SyslogForwarder is a region rsyslog the rack forwards to
type SyslogForwarder struct {
	Name string
	IP   string
}

// SyslogConfiguration is the comparable rsyslog state for a rack
type SyslogConfiguration struct {
	Port         int
	PromtailPort int
	Forwarders   []SyslogForwarder
	ControllerType
}

func (c *SyslogConfiguration) Equal(other *SyslogConfiguration) bool {
	if c == nil || other == nil {
		return c == other
	}
	return c.Port == other.Port &&
		c.PromtailPort == other.PromtailPort &&
		slices.Equal(c.Forwarders, other.Forwarders) &&
		c.ControllerType == other.ControllerType
}

// AgentConfiguration is the config written for the local agent process
type AgentConfiguration struct {
	SystemID    string    `yaml:"system_id"`
	Controllers StringSet `yaml:"controllers"`
	LogLevel    string    `yaml:"log_level"`
}

func (c *AgentConfiguration) Equal(other *AgentConfiguration) bool {
	if c == nil || other == nil {
		return c == other
	}
	return c.SystemID == other.SystemID &&
		c.LogLevel == other.LogLevel &&
		c.Controllers.Equal(other.Controllers)
}

// TimeConfiguration is what the region reports for NTP
type TimeConfiguration struct {
	Servers []string `json:"servers"`
	Peers   []string `json:"peers"`
}

// DNSSettings is what the region reports for DNS
type DNSSettings struct {
	TrustedNetworks []string `json:"trusted_networks"`
}

// SyslogSettings is what the region reports for rsyslog. PromtailPort is
// zero when promtail forwarding is off.
type SyslogSettings struct {
	Port         int `json:"port"`
	PromtailPort int `json:"promtail_port,omitempty"`
}

// ProxySettings is what the region reports for the HTTP proxy
type ProxySettings struct {
	Enabled       bool     `json:"enabled"`
	Port          int      `json:"port"`
	AllowedCIDRs  []string `json:"allowed_cidrs"`
	PreferV4Proxy bool     `json:"prefer_v4_proxy"`
}
