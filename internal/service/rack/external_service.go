package rack

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/canonical/maas-sub025/internal/client"
	"github.com/canonical/maas-sub025/internal/config"
	"github.com/canonical/maas-sub025/internal/driver"
	maaserrors "github.com/canonical/maas-sub025/internal/errors"
	"github.com/canonical/maas-sub025/internal/model"
	"github.com/canonical/maas-sub025/internal/servicemonitor"
	"github.com/canonical/maas-sub025/internal/sysconf"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Reconcile outcomes reported to the recorder
const (
	OutcomeApplied       = "applied"
	OutcomeUnchanged     = "unchanged"
	OutcomeRegionManaged = "region_managed"
	OutcomeError         = "error"
)

const (
	rndcAttempts = 5
	rndcInterval = time.Second
)

// RegionConnections is the view of the region connection pool the
// reconciler needs
type RegionConnections interface {
	RegionSource
	Connections() map[string][]model.RegionConnection
}

// ReconcileRecorder receives reconcile metrics
type ReconcileRecorder interface {
	RecordReconcile(service, outcome string)
}

// AgentSettings is the static part of the agent configuration
type AgentSettings struct {
	Controllers []string
	LogLevel    string
}

// desiredState is everything fetched from the region in one tick
type desiredState struct {
	controllerType model.ControllerType
	time           model.TimeConfiguration
	dns            model.DNSSettings
	proxy          model.ProxySettings
	syslog         model.SyslogSettings
	connections    map[string][]model.RegionConnection
}

type subReconciler interface {
	name() string
	// update returns the reconcile outcome for this tick
	update(ctx context.Context, desired desiredState) (string, error)
}

// ExternalService keeps the configuration of the services the rack runs for
// its regions in line with what the region reports
type ExternalService struct {
	regions     RegionConnections
	systemID    string
	cfg         config.ExternalConfig
	callTimeout time.Duration
	recorder    ReconcileRecorder
	logger      *zap.Logger
	services    []subReconciler

	mu       sync.Mutex
	interval time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewExternalService creates the reconciler with its sub-reconcilers
func NewExternalService(
	regions RegionConnections,
	systemID string,
	cfg config.ExternalConfig,
	callTimeout time.Duration,
	monitor servicemonitor.Monitor,
	runner driver.Runner,
	agent AgentSettings,
	recorder ReconcileRecorder,
	logger *zap.Logger,
) *ExternalService {
	logger = logger.Named("external")
	return &ExternalService{
		regions:     regions,
		systemID:    systemID,
		cfg:         cfg,
		callTimeout: callTimeout,
		recorder:    recorder,
		logger:      logger,
		interval:    cfg.IntervalLow,
		stopCh:      make(chan struct{}),
		services: []subReconciler{
			&ntpReconciler{path: cfg.ChronyConfPath, monitor: monitor, logger: logger},
			&dnsReconciler{
				optionsPath: cfg.BindOptionsPath,
				aclPath:     cfg.BindACLPath,
				rndcPath:    cfg.RNDCPath,
				monitor:     monitor,
				runner:      runner,
				sleep:       sleepContext,
				logger:      logger,
			},
			&proxyReconciler{path: cfg.ProxyConfPath, monitor: monitor, logger: logger},
			&syslogReconciler{path: cfg.SyslogConfPath, monitor: monitor, logger: logger},
			&agentReconciler{
				path:     cfg.AgentConfPath,
				systemID: systemID,
				settings: agent,
				monitor:  monitor,
				logger:   logger,
			},
		},
	}
}

// Interval returns the delay before the next tick
func (s *ExternalService) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

func (s *ExternalService) setInterval(d time.Duration) {
	s.mu.Lock()
	s.interval = d
	s.mu.Unlock()
}

// Start runs the reconcile loop until ctx ends or Stop is called
func (s *ExternalService) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			if err := s.TryUpdate(ctx); err != nil {
				s.logger.Error("Failed to update external services", zap.Error(err))
			}

			timer := time.NewTimer(s.Interval())
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return
			case <-s.stopCh:
				timer.Stop()
				return
			}
		}
	}()
}

// Stop ends the reconcile loop and waits for the current tick
func (s *ExternalService) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// TryUpdate runs one reconcile tick. Sub-reconciler failures are logged and
// recorded but do not fail the tick.
func (s *ExternalService) TryUpdate(ctx context.Context) error {
	region, err := s.regions.GetClientNow()
	if err != nil {
		s.setInterval(s.cfg.IntervalLow)
		if errors.Is(err, maaserrors.ErrNoConnectionsAvailable) {
			s.logger.Debug("No region connection, retrying soon")
			return nil
		}
		return err
	}

	desired, err := s.fetch(ctx, region)
	if err != nil {
		s.setInterval(s.cfg.IntervalLow)
		if errors.Is(err, maaserrors.ErrNoSuchNode) || errors.Is(err, maaserrors.ErrNoConnectionsAvailable) {
			// Not registered yet.
			s.logger.Debug("Rack not known to the region yet", zap.String("system_id", s.systemID))
			return nil
		}
		return err
	}

	var g errgroup.Group
	for _, svc := range s.services {
		svc := svc
		g.Go(func() error {
			outcome, err := svc.update(ctx, desired)
			if err != nil {
				outcome = OutcomeError
				s.logger.Error("Failed to update service",
					zap.String("service", svc.name()),
					zap.Error(err))
			}
			s.recorder.RecordReconcile(svc.name(), outcome)
			return nil
		})
	}
	_ = g.Wait()

	if len(desired.connections) == 0 {
		s.setInterval(s.cfg.IntervalLow)
	} else {
		s.setInterval(s.cfg.IntervalHigh)
	}
	return nil
}

func (s *ExternalService) fetch(ctx context.Context, region client.RegionClient) (desiredState, error) {
	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	var desired desiredState
	var err error
	if desired.controllerType, err = region.GetControllerType(ctx, s.systemID); err != nil {
		return desired, err
	}
	if desired.time, err = region.GetTimeConfiguration(ctx, s.systemID); err != nil {
		return desired, err
	}
	if desired.dns, err = region.GetDNSConfiguration(ctx, s.systemID); err != nil {
		return desired, err
	}
	if desired.proxy, err = region.GetProxyConfiguration(ctx, s.systemID); err != nil {
		return desired, err
	}
	if desired.syslog, err = region.GetSyslogConfiguration(ctx, s.systemID); err != nil {
		return desired, err
	}
	desired.connections = s.regions.Connections()
	return desired, nil
}

// RegionIPs picks one address per region host from the live connections.
// Within a host the lowest address wins so that the result is stable from
// tick to tick. IPv4-mapped addresses become plain IPv4, and IPv6 addresses
// are bracketed when bracketIPv6 is set.
func RegionIPs(connections map[string][]model.RegionConnection, bracketIPv6 bool) model.StringSet {
	hosts := regionHosts(connections)
	ips := make([]string, 0, len(hosts))
	for _, addr := range hosts {
		ips = append(ips, normalizeIP(addr, bracketIPv6))
	}
	return model.NewStringSet(ips...)
}

// RegionForwarders is RegionIPs with IPv6 bracketed, keeping the region
// host name alongside each address. It is sorted by name.
func RegionForwarders(connections map[string][]model.RegionConnection) []model.SyslogForwarder {
	hosts := regionHosts(connections)
	out := make([]model.SyslogForwarder, 0, len(hosts))
	for host, addr := range hosts {
		out = append(out, model.SyslogForwarder{Name: host, IP: normalizeIP(addr, true)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// regionHosts maps each region host to its lowest connected address
func regionHosts(connections map[string][]model.RegionConnection) map[string]string {
	byHost := make(map[string][]string)
	for eventloop, conns := range connections {
		host, _, _ := strings.Cut(eventloop, ":")
		for _, conn := range conns {
			byHost[host] = append(byHost[host], conn.Address)
		}
	}

	hosts := make(map[string]string, len(byHost))
	for host, addrs := range byHost {
		if len(addrs) == 0 {
			continue
		}
		sort.Strings(addrs)
		hosts[host] = addrs[0]
	}
	return hosts
}

func normalizeIP(address string, bracketIPv6 bool) string {
	addr, err := netip.ParseAddr(address)
	if err != nil {
		return address
	}
	addr = addr.Unmap()
	if addr.Is6() && bracketIPv6 {
		return "[" + addr.String() + "]"
	}
	return addr.String()
}

type ntpReconciler struct {
	path    string
	monitor servicemonitor.Monitor
	logger  *zap.Logger
	last    *model.NTPConfiguration
}

func (r *ntpReconciler) name() string { return servicemonitor.NTP }

func (r *ntpReconciler) update(ctx context.Context, desired desiredState) (string, error) {
	cfg := &model.NTPConfiguration{
		References:     model.NewStringSet(desired.time.Servers...),
		Peers:          model.NewStringSet(desired.time.Peers...),
		ControllerType: desired.controllerType,
	}
	if cfg.Equal(r.last) {
		return OutcomeUnchanged, nil
	}
	if !cfg.RackOnly() {
		r.last = cfg
		return OutcomeRegionManaged, nil
	}

	if _, err := sysconf.WriteChrony(r.path, cfg.References, cfg.Peers); err != nil {
		return "", err
	}
	if err := r.monitor.Restart(ctx, servicemonitor.NTP); err != nil {
		return "", err
	}
	r.last = cfg
	r.logger.Info("Applied NTP configuration",
		zap.Strings("references", cfg.References),
		zap.Strings("peers", cfg.Peers))
	return OutcomeApplied, nil
}

type dnsReconciler struct {
	optionsPath string
	aclPath     string
	rndcPath    string
	monitor     servicemonitor.Monitor
	runner      driver.Runner
	sleep       func(ctx context.Context, d time.Duration) error
	logger      *zap.Logger
	last        *model.DNSConfiguration
}

func (r *dnsReconciler) name() string { return servicemonitor.DNS }

func (r *dnsReconciler) update(ctx context.Context, desired desiredState) (string, error) {
	cfg := &model.DNSConfiguration{
		UpstreamDNS:     RegionIPs(desired.connections, false),
		TrustedNetworks: model.NewStringSet(desired.dns.TrustedNetworks...),
		ControllerType:  desired.controllerType,
	}
	if cfg.Equal(r.last) {
		return OutcomeUnchanged, nil
	}
	if !cfg.RackOnly() {
		r.last = cfg
		return OutcomeRegionManaged, nil
	}

	if _, err := sysconf.WriteBind(r.optionsPath, r.aclPath, cfg.UpstreamDNS, cfg.TrustedNetworks); err != nil {
		return "", err
	}
	if err := r.monitor.Start(ctx, servicemonitor.DNS); err != nil {
		return "", err
	}
	if err := r.reload(ctx); err != nil {
		return "", err
	}
	r.last = cfg
	r.logger.Info("Applied DNS configuration",
		zap.Strings("upstream_dns", cfg.UpstreamDNS),
		zap.Strings("trusted_networks", cfg.TrustedNetworks))
	return OutcomeApplied, nil
}

// reload asks named to reload, retrying while it finishes starting
func (r *dnsReconciler) reload(ctx context.Context) error {
	var err error
	for attempt := 1; attempt <= rndcAttempts; attempt++ {
		if _, err = r.runner.Run(ctx, nil, r.rndcPath, "reload"); err == nil {
			return nil
		}
		r.logger.Debug("rndc reload failed",
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt < rndcAttempts {
			if serr := r.sleep(ctx, rndcInterval); serr != nil {
				return serr
			}
		}
	}
	return fmt.Errorf("failed to reload DNS after %d attempts: %w", rndcAttempts, err)
}

type proxyReconciler struct {
	path    string
	monitor servicemonitor.Monitor
	logger  *zap.Logger
	last    *model.ProxyConfiguration
}

func (r *proxyReconciler) name() string { return servicemonitor.Proxy }

func (r *proxyReconciler) update(ctx context.Context, desired desiredState) (string, error) {
	cfg := &model.ProxyConfiguration{
		Enabled:         desired.proxy.Enabled,
		Port:            desired.proxy.Port,
		AllowedCIDRs:    model.NewStringSet(desired.proxy.AllowedCIDRs...),
		PreferV4Proxy:   desired.proxy.PreferV4Proxy,
		UpstreamProxies: RegionIPs(desired.connections, true),
		ControllerType:  desired.controllerType,
	}
	if cfg.Equal(r.last) {
		return OutcomeUnchanged, nil
	}
	if !cfg.RackOnly() {
		r.last = cfg
		return OutcomeRegionManaged, nil
	}

	if !cfg.Enabled {
		if err := r.monitor.Stop(ctx, servicemonitor.Proxy); err != nil {
			return "", err
		}
		r.last = cfg
		r.logger.Info("Proxy disabled")
		return OutcomeApplied, nil
	}

	peers := make([]sysconf.PeerProxy, 0, len(cfg.UpstreamProxies))
	for _, host := range cfg.UpstreamProxies {
		peers = append(peers, sysconf.PeerProxy{Host: host, Port: cfg.Port})
	}
	if _, err := sysconf.WriteProxy(r.path, sysconf.ProxyConfig{
		Port:          cfg.Port,
		AllowedCIDRs:  cfg.AllowedCIDRs,
		PeerProxies:   peers,
		PreferV4Proxy: cfg.PreferV4Proxy,
	}); err != nil {
		return "", err
	}
	if err := r.monitor.Reload(ctx, servicemonitor.Proxy); err != nil {
		return "", err
	}
	r.last = cfg
	r.logger.Info("Applied proxy configuration",
		zap.Strings("upstream_proxies", cfg.UpstreamProxies),
		zap.Int("port", cfg.Port))
	return OutcomeApplied, nil
}

type syslogReconciler struct {
	path    string
	monitor servicemonitor.Monitor
	logger  *zap.Logger
	last    *model.SyslogConfiguration
}

func (r *syslogReconciler) name() string { return servicemonitor.Syslog }

func (r *syslogReconciler) update(ctx context.Context, desired desiredState) (string, error) {
	cfg := &model.SyslogConfiguration{
		Port:           desired.syslog.Port,
		PromtailPort:   desired.syslog.PromtailPort,
		Forwarders:     RegionForwarders(desired.connections),
		ControllerType: desired.controllerType,
	}
	if cfg.Equal(r.last) {
		return OutcomeUnchanged, nil
	}
	if !cfg.RackOnly() {
		r.last = cfg
		return OutcomeRegionManaged, nil
	}

	if _, err := sysconf.WriteSyslog(r.path, sysconf.SyslogConfig{
		Port:         cfg.Port,
		PromtailPort: cfg.PromtailPort,
		Forwarders:   cfg.Forwarders,
	}); err != nil {
		return "", err
	}
	if err := r.monitor.Restart(ctx, servicemonitor.Syslog); err != nil {
		return "", err
	}
	r.last = cfg
	r.logger.Info("Applied syslog configuration",
		zap.Int("port", cfg.Port),
		zap.Int("forwarders", len(cfg.Forwarders)))
	return OutcomeApplied, nil
}

// agentReconciler manages the agent on every rack regardless of role
type agentReconciler struct {
	path     string
	systemID string
	settings AgentSettings
	monitor  servicemonitor.Monitor
	logger   *zap.Logger
	last     *model.AgentConfiguration
}

func (r *agentReconciler) name() string { return servicemonitor.Agent }

func (r *agentReconciler) update(ctx context.Context, _ desiredState) (string, error) {
	cfg := &model.AgentConfiguration{
		SystemID:    r.systemID,
		Controllers: model.NewStringSet(r.settings.Controllers...),
		LogLevel:    r.settings.LogLevel,
	}
	if cfg.Equal(r.last) {
		return OutcomeUnchanged, nil
	}

	changed, err := sysconf.WriteAgent(r.path, *cfg)
	if err != nil {
		return "", err
	}
	if changed {
		if err := r.monitor.Restart(ctx, servicemonitor.Agent); err != nil {
			return "", err
		}
	}
	r.last = cfg
	if !changed {
		return OutcomeUnchanged, nil
	}
	r.logger.Info("Applied agent configuration", zap.Strings("controllers", cfg.Controllers))
	return OutcomeApplied, nil
}
