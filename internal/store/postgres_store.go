package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	maaserrors "github.com/canonical/maas-sub025/internal/errors"
	"github.com/canonical/maas-sub025/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Config keys in maasserver_config
const (
	keyActiveDiscoveryInterval = "active_discovery_interval"
	keyActiveDiscoveryLastScan = "active_discovery_last_scan"
	keyNetworkDiscovery        = "network_discovery"
	keyNTPServers              = "ntp_servers"
	keyNTPExternalOnly         = "ntp_external_only"
	keyDNSTrustedACL           = "dns_trusted_acl"
	keyEnableHTTPProxy         = "enable_http_proxy"
	keyMAASProxyPort           = "maas_proxy_port"
	keyPreferV4Proxy           = "prefer_v4_proxy"
	keyMAASSyslogPort          = "maas_syslog_port"
	keyPromtailEnabled         = "promtail_enabled"
	keyPromtailPort            = "promtail_port"
)

// Node types in maasserver_node
const (
	nodeTypeRackController          = 2
	nodeTypeRegionController        = 3
	nodeTypeRegionAndRackController = 4
)

// nodeStatusBroken is NODE_STATUS.BROKEN
const nodeStatusBroken = 8

const (
	defaultProxyPort    = 8000
	defaultSyslogPort   = 5247
	defaultPromtailPort = 5238
)

// PostgresStore implements ConfigStore and ControllerStore over the region
// database. The schema is owned by the API layer; this store only reads and
// updates a few columns.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore connects to PostgreSQL and verifies the connection
func NewPostgresStore(
	host string,
	port int,
	database, user, password string,
	maxConns, minConns int,
	logger *zap.Logger,
) (*PostgresStore, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s pool_max_conns=%d pool_min_conns=%d",
		host, port, database, user, password, maxConns, minConns,
	)

	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return NewPostgresStoreFromPool(pool, logger), nil
}

// NewPostgresStoreFromPool wraps an existing pool
func NewPostgresStoreFromPool(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// Pool exposes the connection pool so the advisory locker can share it
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

// getConfig decodes the JSON value stored under name into dest. found is
// false when there is no row.
func (s *PostgresStore) getConfig(ctx context.Context, name string, dest interface{}) (bool, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT value FROM maasserver_config WHERE name = $1`, name).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read config %s: %w", name, err)
	}
	if len(raw) == 0 || string(raw) == "null" {
		return false, nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("failed to decode config %s: %w", name, err)
	}
	return true, nil
}

func (s *PostgresStore) setConfig(ctx context.Context, name string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode config %s: %w", name, err)
	}
	query := `
		INSERT INTO maasserver_config (name, value)
		VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value
	`
	if _, err := s.pool.Exec(ctx, query, name, raw); err != nil {
		return fmt.Errorf("failed to write config %s: %w", name, err)
	}
	return nil
}

// GetActiveDiscoveryConfig implements ConfigStore
func (s *PostgresStore) GetActiveDiscoveryConfig(ctx context.Context) (model.DiscoveryConfig, error) {
	interval := model.DefaultActiveDiscoveryInterval
	lastScan := model.DefaultActiveDiscoveryLastScan

	if _, err := s.getConfig(ctx, keyActiveDiscoveryInterval, &interval); err != nil {
		return model.DiscoveryConfig{}, err
	}
	if _, err := s.getConfig(ctx, keyActiveDiscoveryLastScan, &lastScan); err != nil {
		return model.DiscoveryConfig{}, err
	}
	return model.NewDiscoveryConfig(interval, lastScan), nil
}

func (s *PostgresStore) SetActiveDiscoveryInterval(ctx context.Context, seconds int64) error {
	return s.setConfig(ctx, keyActiveDiscoveryInterval, seconds)
}

func (s *PostgresStore) SetActiveDiscoveryLastScan(ctx context.Context, epoch int64) error {
	return s.setConfig(ctx, keyActiveDiscoveryLastScan, epoch)
}

// IsPassiveDiscoveryEnabled implements ConfigStore. The setting defaults to
// enabled.
func (s *PostgresStore) IsPassiveDiscoveryEnabled(ctx context.Context) (bool, error) {
	value := "enabled"
	if _, err := s.getConfig(ctx, keyNetworkDiscovery, &value); err != nil {
		return false, err
	}
	return value == "enabled", nil
}

func (s *PostgresStore) ListActiveDiscoverySubnets(ctx context.Context) ([]string, error) {
	return s.listCIDRs(ctx, `SELECT cidr::text FROM maasserver_subnet WHERE active_discovery ORDER BY cidr`)
}

func (s *PostgresStore) listCIDRs(ctx context.Context, query string) ([]string, error) {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list subnets: %w", err)
	}
	cidrs, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan subnets: %w", err)
	}
	return cidrs, nil
}

// GetControllerType implements ControllerStore
func (s *PostgresStore) GetControllerType(ctx context.Context, systemID string) (model.ControllerType, error) {
	var nodeType int
	err := s.pool.QueryRow(ctx, `SELECT node_type FROM maasserver_node WHERE system_id = $1`, systemID).Scan(&nodeType)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ControllerType{}, maaserrors.NoSuchNode(systemID)
	}
	if err != nil {
		return model.ControllerType{}, fmt.Errorf("failed to get node %s: %w", systemID, err)
	}
	return controllerTypeOf(nodeType), nil
}

func controllerTypeOf(nodeType int) model.ControllerType {
	return model.ControllerType{
		IsRegion: nodeType == nodeTypeRegionController || nodeType == nodeTypeRegionAndRackController,
		IsRack:   nodeType == nodeTypeRackController || nodeType == nodeTypeRegionAndRackController,
	}
}

// GetTimeConfiguration implements ControllerStore
func (s *PostgresStore) GetTimeConfiguration(ctx context.Context, systemID string) (model.TimeConfiguration, error) {
	ct, err := s.GetControllerType(ctx, systemID)
	if err != nil {
		return model.TimeConfiguration{}, err
	}

	var ntpServers string
	if _, err := s.getConfig(ctx, keyNTPServers, &ntpServers); err != nil {
		return model.TimeConfiguration{}, err
	}
	var externalOnly bool
	if _, err := s.getConfig(ctx, keyNTPExternalOnly, &externalOnly); err != nil {
		return model.TimeConfiguration{}, err
	}

	regions, err := s.regionAddresses(ctx)
	if err != nil {
		return model.TimeConfiguration{}, err
	}
	return timeConfigurationFor(systemID, ct, splitConfigList(ntpServers), externalOnly, regions), nil
}

// regionAddresses maps region controller system ids to their addresses
func (s *PostgresStore) regionAddresses(ctx context.Context) (map[string][]string, error) {
	query := `
		SELECT e.system_id, host(e.address)
		FROM maasserver_controllerendpoint e
		JOIN maasserver_node n ON n.system_id = e.system_id
		WHERE n.node_type IN ($1, $2)
		ORDER BY e.system_id, e.address
	`
	rows, err := s.pool.Query(ctx, query, nodeTypeRegionController, nodeTypeRegionAndRackController)
	if err != nil {
		return nil, fmt.Errorf("failed to list region addresses: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var systemID, address string
		if err := rows.Scan(&systemID, &address); err != nil {
			return nil, fmt.Errorf("failed to scan region address: %w", err)
		}
		out[systemID] = append(out[systemID], address)
	}
	return out, rows.Err()
}

// timeConfigurationFor decides NTP servers and peers. Regions sync with the
// configured servers and peer with each other. Racks sync with the regions
// unless only external servers are allowed.
func timeConfigurationFor(systemID string, ct model.ControllerType, ntpServers []string, externalOnly bool, regions map[string][]string) model.TimeConfiguration {
	cfg := model.TimeConfiguration{Servers: []string{}, Peers: []string{}}

	switch {
	case externalOnly, ct.IsRegion:
		cfg.Servers = append(cfg.Servers, ntpServers...)
	case ct.IsRack:
		for _, addrs := range regions {
			cfg.Servers = append(cfg.Servers, addrs...)
		}
	}

	if ct.IsRegion && !externalOnly {
		for id, addrs := range regions {
			if id != systemID {
				cfg.Peers = append(cfg.Peers, addrs...)
			}
		}
	}

	cfg.Servers = model.NewStringSet(cfg.Servers...)
	cfg.Peers = model.NewStringSet(cfg.Peers...)
	return cfg
}

// GetDNSConfiguration implements ControllerStore. Trusted networks are the
// operator supplied ACL plus every known subnet.
func (s *PostgresStore) GetDNSConfiguration(ctx context.Context, systemID string) (model.DNSSettings, error) {
	if _, err := s.GetControllerType(ctx, systemID); err != nil {
		return model.DNSSettings{}, err
	}

	var acl string
	if _, err := s.getConfig(ctx, keyDNSTrustedACL, &acl); err != nil {
		return model.DNSSettings{}, err
	}
	subnets, err := s.listCIDRs(ctx, `SELECT cidr::text FROM maasserver_subnet ORDER BY cidr`)
	if err != nil {
		return model.DNSSettings{}, err
	}

	trusted := append(splitConfigList(acl), subnets...)
	return model.DNSSettings{TrustedNetworks: model.NewStringSet(trusted...)}, nil
}

// GetProxyConfiguration implements ControllerStore
func (s *PostgresStore) GetProxyConfiguration(ctx context.Context, systemID string) (model.ProxySettings, error) {
	if _, err := s.GetControllerType(ctx, systemID); err != nil {
		return model.ProxySettings{}, err
	}

	settings := model.ProxySettings{Enabled: true, Port: defaultProxyPort}
	if _, err := s.getConfig(ctx, keyEnableHTTPProxy, &settings.Enabled); err != nil {
		return model.ProxySettings{}, err
	}
	if _, err := s.getConfig(ctx, keyMAASProxyPort, &settings.Port); err != nil {
		return model.ProxySettings{}, err
	}
	if _, err := s.getConfig(ctx, keyPreferV4Proxy, &settings.PreferV4Proxy); err != nil {
		return model.ProxySettings{}, err
	}

	cidrs, err := s.listCIDRs(ctx, `SELECT cidr::text FROM maasserver_subnet WHERE allow_proxy ORDER BY cidr`)
	if err != nil {
		return model.ProxySettings{}, err
	}
	settings.AllowedCIDRs = cidrs
	return settings, nil
}

// GetSyslogConfiguration implements ControllerStore. The promtail port is
// only reported while promtail is enabled.
func (s *PostgresStore) GetSyslogConfiguration(ctx context.Context, systemID string) (model.SyslogSettings, error) {
	if _, err := s.GetControllerType(ctx, systemID); err != nil {
		return model.SyslogSettings{}, err
	}

	settings := model.SyslogSettings{Port: defaultSyslogPort}
	if _, err := s.getConfig(ctx, keyMAASSyslogPort, &settings.Port); err != nil {
		return model.SyslogSettings{}, err
	}
	if settings.Port == 0 {
		settings.Port = defaultSyslogPort
	}

	var promtail bool
	if _, err := s.getConfig(ctx, keyPromtailEnabled, &promtail); err != nil {
		return model.SyslogSettings{}, err
	}
	if promtail {
		settings.PromtailPort = defaultPromtailPort
		if _, err := s.getConfig(ctx, keyPromtailPort, &settings.PromtailPort); err != nil {
			return model.SyslogSettings{}, err
		}
	}
	return settings, nil
}

// UpdateNodePowerState implements ControllerStore
func (s *PostgresStore) UpdateNodePowerState(ctx context.Context, systemID string, state model.PowerState) error {
	query := `
		UPDATE maasserver_node
		SET power_state = $2, power_state_updated = now()
		WHERE system_id = $1
	`
	result, err := s.pool.Exec(ctx, query, systemID, string(state))
	if err != nil {
		return fmt.Errorf("failed to update power state: %w", err)
	}
	if result.RowsAffected() == 0 {
		return maaserrors.NoSuchNode(systemID)
	}
	return nil
}

// MarkNodeBroken implements ControllerStore
func (s *PostgresStore) MarkNodeBroken(ctx context.Context, systemID, description string) error {
	query := `
		UPDATE maasserver_node
		SET status = $2, error_description = $3
		WHERE system_id = $1
	`
	result, err := s.pool.Exec(ctx, query, systemID, nodeStatusBroken, description)
	if err != nil {
		return fmt.Errorf("failed to mark node broken: %w", err)
	}
	if result.RowsAffected() == 0 {
		return maaserrors.NoSuchNode(systemID)
	}
	s.logger.Warn("Node marked broken",
		zap.String("system_id", systemID),
		zap.String("reason", description))
	return nil
}

// Ping checks the database connection
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// splitConfigList splits settings holding space or comma separated values
func splitConfigList(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
}
