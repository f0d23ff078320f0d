package config

import (
	"errors"
	"time"
)

// RegionConfig represents the region controller configuration
type RegionConfig struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Locks     LocksConfig     `mapstructure:"locks"`
	Power     PowerConfig     `mapstructure:"power"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Cluster   ClusterConfig   `mapstructure:"cluster"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// RackConfig represents the rack controller configuration
type RackConfig struct {
	Server   ServerConfig   `mapstructure:"server"`
	Rack     RackIdentity   `mapstructure:"rack"`
	Regions  RegionsConfig  `mapstructure:"regions"`
	Drivers  DriversConfig  `mapstructure:"drivers"`
	Scan     ScanConfig     `mapstructure:"scan"`
	External ExternalConfig `mapstructure:"external"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig represents gRPC server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig represents the PostgreSQL config store configuration
type DatabaseConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MinConnections int    `mapstructure:"min_connections"`
}

// RedisConfig is only required when locks.backend is "redis"
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LocksConfig selects the cluster lock backend
type LocksConfig struct {
	Backend  string        `mapstructure:"backend"`
	RedisTTL time.Duration `mapstructure:"redis_ttl"`
}

// PowerConfig holds the dispatcher timeouts
type PowerConfig struct {
	ActionTimeout     time.Duration `mapstructure:"action_timeout"`
	CycleTimeout      time.Duration `mapstructure:"cycle_timeout"`
	QueryAllTimeout   time.Duration `mapstructure:"query_all_timeout"`
	ClientWaitTimeout time.Duration `mapstructure:"client_wait_timeout"`
	RackDialTimeout   time.Duration `mapstructure:"rack_dial_timeout"`
}

// DiscoveryConfig holds the active discovery loop settings
type DiscoveryConfig struct {
	TickInterval time.Duration `mapstructure:"tick_interval"`
	Threads      int           `mapstructure:"threads"`
	Ping         bool          `mapstructure:"ping"`
	Slow         bool          `mapstructure:"slow"`
}

// ClusterConfig configures region membership gossip
type ClusterConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	BindAddr  string   `mapstructure:"bind_addr"`
	BindPort  int      `mapstructure:"bind_port"`
	SeedNodes []string `mapstructure:"seed_nodes"`
}

// HTTPConfig configures the operations HTTP server (health, settings)
type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// MetricsConfig represents Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// RackIdentity identifies this rack controller to the regions
type RackIdentity struct {
	SystemID         string `mapstructure:"system_id"`
	Hostname         string `mapstructure:"hostname"`
	AdvertiseAddress string `mapstructure:"advertise_address"`
}

// RegionsConfig lists the region endpoints the rack connects to
type RegionsConfig struct {
	Endpoints        []string      `mapstructure:"endpoints"`
	DialTimeout      time.Duration `mapstructure:"dial_timeout"`
	RegisterInterval time.Duration `mapstructure:"register_interval"`
	CallTimeout      time.Duration `mapstructure:"call_timeout"`
}

// DriversConfig configures the power drivers on the rack
type DriversConfig struct {
	IPMIToolPath   string        `mapstructure:"ipmitool_path"`
	VirshPath      string        `mapstructure:"virsh_path"`
	CallTimeout    time.Duration `mapstructure:"call_timeout"`
	ChangeTimeout  time.Duration `mapstructure:"change_timeout"`
	WaitingPolicy  []int         `mapstructure:"waiting_policy"`
	MaxWorkers     int           `mapstructure:"max_workers"`
	QueueSize      int           `mapstructure:"queue_size"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	RateBurst      int           `mapstructure:"rate_burst"`
	HTTPRetryMax   int           `mapstructure:"http_retry_max"`
	ProxmoxTickets int           `mapstructure:"proxmox_ticket_cache_size"`
}

// ScanConfig configures the rack network scanner
type ScanConfig struct {
	Command     []string      `mapstructure:"command"`
	Parallelism int           `mapstructure:"parallelism"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// ExternalConfig configures the external services reconciler
type ExternalConfig struct {
	IntervalLow     time.Duration     `mapstructure:"interval_low"`
	IntervalHigh    time.Duration     `mapstructure:"interval_high"`
	ChronyConfPath  string            `mapstructure:"chrony_conf_path"`
	BindOptionsPath string            `mapstructure:"bind_options_path"`
	BindACLPath     string            `mapstructure:"bind_acl_path"`
	ProxyConfPath   string            `mapstructure:"proxy_conf_path"`
	SyslogConfPath  string            `mapstructure:"syslog_conf_path"`
	AgentConfPath   string            `mapstructure:"agent_conf_path"`
	RNDCPath        string            `mapstructure:"rndc_path"`
	Units           map[string]string `mapstructure:"units"`
	SystemdDisabled bool              `mapstructure:"systemd_disabled"`
}

// Validate validates the region configuration
func (c *RegionConfig) Validate() error {
	if err := c.Server.validate(); err != nil {
		return err
	}
	if c.Database.Host == "" {
		return errors.New("database.host is required")
	}
	if c.Database.Database == "" {
		return errors.New("database.database is required")
	}
	if c.Database.User == "" {
		return errors.New("database.user is required")
	}
	if c.Locks.Backend == "" {
		c.Locks.Backend = "postgres"
	}
	switch c.Locks.Backend {
	case "postgres", "memory":
	case "redis":
		if c.Redis.Host == "" {
			return errors.New("redis.host is required when locks.backend is redis")
		}
		if c.Locks.RedisTTL <= 0 {
			return errors.New("locks.redis_ttl must be positive")
		}
	default:
		return errors.New("locks.backend must be one of: postgres, redis, memory")
	}
	if c.Power.QueryAllTimeout <= 0 || c.Power.ActionTimeout <= 0 || c.Power.CycleTimeout <= 0 {
		return errors.New("power timeouts must be positive")
	}
	if c.Discovery.TickInterval <= 0 {
		return errors.New("discovery.tick_interval must be positive")
	}
	if c.Cluster.Enabled && c.Cluster.BindPort <= 0 {
		return errors.New("cluster.bind_port is required when cluster is enabled")
	}
	c.Logging.defaults()
	return nil
}

// Validate validates the rack configuration
func (c *RackConfig) Validate() error {
	if err := c.Server.validate(); err != nil {
		return err
	}
	if c.Rack.SystemID == "" {
		return errors.New("rack.system_id is required")
	}
	if len(c.Regions.Endpoints) == 0 {
		return errors.New("regions.endpoints must list at least one region")
	}
	if c.Drivers.MaxWorkers <= 0 {
		return errors.New("drivers.max_workers must be positive")
	}
	if len(c.Drivers.WaitingPolicy) == 0 {
		return errors.New("drivers.waiting_policy must not be empty")
	}
	if c.External.IntervalLow <= 0 || c.External.IntervalHigh < c.External.IntervalLow {
		return errors.New("external.interval_high must be at least external.interval_low")
	}
	if len(c.Scan.Command) == 0 {
		return errors.New("scan.command is required")
	}
	c.Logging.defaults()
	return nil
}

func (s *ServerConfig) validate() error {
	if s.Host == "" {
		return errors.New("server.host is required")
	}
	if s.Port <= 0 || s.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	return nil
}

func (l *LoggingConfig) defaults() {
	if l.Level == "" {
		l.Level = "info"
	}
	if l.Format == "" {
		l.Format = "json"
	}
}

// DefaultRegionConfig returns default region configuration values
func DefaultRegionConfig() *RegionConfig {
	return &RegionConfig{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            5250,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Host:           "localhost",
			Port:           5432,
			Database:       "maasdb",
			User:           "maas",
			MaxConnections: 20,
			MinConnections: 2,
		},
		Redis: RedisConfig{
			Host: "",
			Port: 6379,
		},
		Locks: LocksConfig{
			Backend:  "postgres",
			RedisTTL: 10 * time.Minute,
		},
		Power: PowerConfig{
			ActionTimeout:     15 * time.Second,
			CycleTimeout:      30 * time.Second,
			QueryAllTimeout:   60 * time.Second,
			ClientWaitTimeout: 30 * time.Second,
			RackDialTimeout:   5 * time.Second,
		},
		Discovery: DiscoveryConfig{
			TickInterval: 5 * time.Minute,
			Threads:      4,
			Ping:         false,
			Slow:         false,
		},
		Cluster: ClusterConfig{
			Enabled:  false,
			BindAddr: "0.0.0.0",
			BindPort: 7946,
		},
		HTTP: HTTPConfig{
			Port:         5248,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 7,
			MaxAgeDays: 28,
		},
	}
}

// DefaultRackConfig returns default rack configuration values
func DefaultRackConfig() *RackConfig {
	return &RackConfig{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            5251,
			ShutdownTimeout: 30 * time.Second,
		},
		Regions: RegionsConfig{
			DialTimeout:      5 * time.Second,
			RegisterInterval: 30 * time.Second,
			CallTimeout:      30 * time.Second,
		},
		Drivers: DriversConfig{
			IPMIToolPath:   "ipmitool",
			VirshPath:      "virsh",
			CallTimeout:    15 * time.Second,
			ChangeTimeout:  2 * time.Minute,
			WaitingPolicy:  []int{1, 2, 2, 4, 6, 8, 12},
			MaxWorkers:     16,
			QueueSize:      256,
			RateLimit:      5,
			RateBurst:      10,
			HTTPRetryMax:   3,
			ProxmoxTickets: 128,
		},
		Scan: ScanConfig{
			Command:     []string{"nmap", "-sn", "-n", "--max-retries", "1"},
			Parallelism: 4,
			Timeout:     30 * time.Minute,
		},
		External: ExternalConfig{
			IntervalLow:     5 * time.Second,
			IntervalHigh:    30 * time.Second,
			ChronyConfPath:  "/var/lib/maas/chrony/chrony.conf",
			BindOptionsPath: "/var/lib/maas/bind/named.conf.options.inside.maas",
			BindACLPath:     "/var/lib/maas/bind/named.conf.maas",
			ProxyConfPath:   "/var/lib/maas/maas-proxy.conf",
			SyslogConfPath:  "/var/lib/maas/rsyslog.conf",
			AgentConfPath:   "/etc/maas/agent.yaml",
			RNDCPath:        "rndc",
			Units: map[string]string{
				"ntp_rack":    "chrony.service",
				"dns_rack":    "named.service",
				"proxy_rack":  "maas-proxy.service",
				"syslog_rack": "maas-syslog.service",
				"agent":       "maas-agent.service",
			},
		},
		HTTP: HTTPConfig{
			Port:         5249,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9091,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 7,
			MaxAgeDays: 28,
		},
	}
}
