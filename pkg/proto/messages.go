package proto

// Empty is used for requests and acks without a payload
type Empty struct{}

// PowerRequest addresses one node's power controller
type PowerRequest struct {
	SystemID  string         `json:"system_id"`
	Hostname  string         `json:"hostname"`
	PowerType string         `json:"power_type"`
	Context   map[string]any `json:"context"`
}

type PowerQueryResponse struct {
	State string `json:"state"`
	Error string `json:"error_msg,omitempty"`
}

type PowerDriverCheckRequest struct {
	PowerType string `json:"power_type"`
}

type PowerDriverCheckResponse struct {
	MissingPackages []string `json:"missing_packages"`
}

type SetBootOrderRequest struct {
	SystemID  string         `json:"system_id"`
	Hostname  string         `json:"hostname"`
	PowerType string         `json:"power_type"`
	Context   map[string]any `json:"context"`
	Order     []string       `json:"order"`
}

type ScanNetworksRequest struct {
	CIDRs   []string `json:"cidrs"`
	Threads int      `json:"threads,omitempty"`
	Ping    bool     `json:"ping,omitempty"`
	Slow    bool     `json:"slow,omitempty"`
	ScanID  string   `json:"scan_id,omitempty"`
}

type ScanNetworksResponse struct {
	ScanID string   `json:"scan_id"`
	CIDRs  []string `json:"cidrs"`
}

type IdentifyResponse struct {
	Ident string `json:"ident"`
}

type RegisterRackControllerRequest struct {
	SystemID string `json:"system_id"`
	Hostname string `json:"hostname"`
	Address  string `json:"address"`
}

type RegisterRackControllerResponse struct {
	SystemID string `json:"system_id"`
}

type SystemIDRequest struct {
	SystemID string `json:"system_id"`
}

type ControllerTypeResponse struct {
	IsRegion bool `json:"is_region"`
	IsRack   bool `json:"is_rack"`
}

type TimeConfigurationResponse struct {
	Servers []string `json:"servers"`
	Peers   []string `json:"peers"`
}

type DNSConfigurationResponse struct {
	TrustedNetworks []string `json:"trusted_networks"`
}

type ProxyConfigurationResponse struct {
	Enabled       bool     `json:"enabled"`
	Port          int      `json:"port"`
	AllowedCIDRs  []string `json:"allowed_cidrs"`
	PreferV4Proxy bool     `json:"prefer_v4_proxy"`
}

type SyslogConfigurationResponse struct {
	Port         int  `json:"port"`
	PromtailPort *int `json:"promtail_port"`
}

type UpdateNodePowerStateRequest struct {
	SystemID   string `json:"system_id"`
	PowerState string `json:"power_state"`
}

type MarkNodeBrokenRequest struct {
	SystemID         string `json:"system_id"`
	ErrorDescription string `json:"error_description"`
}
