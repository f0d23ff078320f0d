package client

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sort"
	"sync"
	"time"

	maaserrors "github.com/canonical/maas-sub025/internal/errors"
	"github.com/canonical/maas-sub025/internal/model"
	pb "github.com/canonical/maas-sub025/pkg/proto"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// RackIdentity is what the rack announces when it registers with a region
type RackIdentity struct {
	SystemID string
	Hostname string
	// Address is where regions dial back to reach this rack's RPC server
	Address string
}

// RegionConnectionPool holds the rack's connections to region processes,
// one per configured endpoint.
type RegionConnectionPool struct {
	endpoints   []string
	identity    RackIdentity
	dialTimeout time.Duration
	callTimeout time.Duration
	dialOptions []grpc.DialOption
	resolver    *net.Resolver
	gauge       Gauge
	logger      *zap.Logger

	mu          sync.RWMutex
	connections map[string]*regionClient
	next        int
}

// RegionPoolConfig configures a RegionConnectionPool
type RegionPoolConfig struct {
	Endpoints   []string
	Identity    RackIdentity
	DialTimeout time.Duration
	CallTimeout time.Duration
	Gauge       Gauge
	Logger      *zap.Logger
	DialOptions []grpc.DialOption
}

// NewRegionConnectionPool creates a pool. Nothing is dialled until Connect.
func NewRegionConnectionPool(cfg RegionPoolConfig) *RegionConnectionPool {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	return &RegionConnectionPool{
		endpoints:   cfg.Endpoints,
		identity:    cfg.Identity,
		dialTimeout: cfg.DialTimeout,
		callTimeout: cfg.CallTimeout,
		dialOptions: DefaultDialOptions(cfg.DialOptions...),
		resolver:    net.DefaultResolver,
		gauge:       cfg.Gauge,
		logger:      cfg.Logger,
		connections: make(map[string]*regionClient),
	}
}

// Connect dials every endpoint that has no live connection, learns the
// eventloop behind it and registers this rack. Endpoints that are already
// connected are identified and registered again, since a region that
// restarted behind the same address has a new eventloop and no record of
// this rack. Endpoints that fail are retried on the next call.
func (p *RegionConnectionPool) Connect(ctx context.Context) error {
	var failed []string
	for _, endpoint := range p.endpoints {
		var err error
		if p.connected(endpoint) {
			err = p.refresh(ctx, endpoint)
		} else {
			err = p.connectOne(ctx, endpoint)
		}
		if err != nil {
			p.logger.Warn("Failed to connect to region",
				zap.String("endpoint", endpoint),
				zap.Error(err))
			failed = append(failed, endpoint)
		}
	}
	p.updateGauge()

	if len(failed) == len(p.endpoints) && len(p.endpoints) > 0 {
		return maaserrors.NoConnectionsAvailable(fmt.Sprintf("unable to reach any region endpoint %v", failed))
	}
	return nil
}

func (p *RegionConnectionPool) connected(endpoint string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.connections[endpoint]
	return ok && c.alive()
}

func (p *RegionConnectionPool) connectOne(ctx context.Context, endpoint string) error {
	conn, err := grpc.NewClient(endpoint, p.dialOptions...)
	if err != nil {
		return fmt.Errorf("failed to create connection: %w", err)
	}
	rpc := pb.NewRegionServiceClient(conn)

	callCtx, cancel := context.WithTimeout(ctx, p.dialTimeout)
	defer cancel()
	ident, err := rpc.Identify(callCtx, &pb.Empty{}, grpc.WaitForReady(true))
	if err != nil {
		conn.Close()
		return fmt.Errorf("identify failed: %w", err)
	}

	c := &regionClient{
		endpoint:  endpoint,
		eventloop: ident.Ident,
		address:   p.remoteAddress(ctx, endpoint),
		conn:      conn,
		rpc:       rpc,
	}

	if p.identity.SystemID != "" {
		if err := c.RegisterRackController(callCtx, p.identity.SystemID, p.identity.Hostname, p.identity.Address); err != nil {
			conn.Close()
			return fmt.Errorf("registration failed: %w", err)
		}
	}

	p.mu.Lock()
	if old, ok := p.connections[endpoint]; ok {
		old.conn.Close()
	}
	p.connections[endpoint] = c
	p.mu.Unlock()

	p.logger.Info("Connected to region",
		zap.String("endpoint", endpoint),
		zap.String("eventloop", c.eventloop),
		zap.String("address", c.address))
	return nil
}

// refresh identifies and registers over an existing connection. A changed
// eventloop replaces the pooled client. A connection that no longer answers
// is dropped and the endpoint dialled again.
func (p *RegionConnectionPool) refresh(ctx context.Context, endpoint string) error {
	p.mu.RLock()
	c, ok := p.connections[endpoint]
	p.mu.RUnlock()
	if !ok {
		return p.connectOne(ctx, endpoint)
	}

	callCtx, cancel := context.WithTimeout(ctx, p.dialTimeout)
	defer cancel()
	ident, err := c.rpc.Identify(callCtx, &pb.Empty{}, grpc.WaitForReady(true))
	if err != nil {
		p.logger.Debug("Region connection lost, redialling",
			zap.String("endpoint", endpoint),
			zap.Error(err))
		p.drop(endpoint, c)
		return p.connectOne(ctx, endpoint)
	}
	if p.identity.SystemID != "" {
		if err := c.RegisterRackController(callCtx, p.identity.SystemID, p.identity.Hostname, p.identity.Address); err != nil {
			p.drop(endpoint, c)
			return fmt.Errorf("registration failed: %w", err)
		}
	}
	if ident.Ident == c.eventloop {
		return nil
	}

	renewed := &regionClient{
		endpoint:  c.endpoint,
		eventloop: ident.Ident,
		address:   c.address,
		conn:      c.conn,
		rpc:       c.rpc,
	}
	p.mu.Lock()
	if p.connections[endpoint] == c {
		p.connections[endpoint] = renewed
	}
	p.mu.Unlock()

	p.logger.Info("Region restarted",
		zap.String("endpoint", endpoint),
		zap.String("old_eventloop", c.eventloop),
		zap.String("eventloop", renewed.eventloop))
	return nil
}

// drop closes c and removes it if it is still the client for endpoint
func (p *RegionConnectionPool) drop(endpoint string, c *regionClient) {
	p.mu.Lock()
	if p.connections[endpoint] == c {
		delete(p.connections, endpoint)
	}
	p.mu.Unlock()
	c.conn.Close()
}

// remoteAddress returns the IP behind endpoint, resolving host names. An
// unresolvable host is kept verbatim.
func (p *RegionConnectionPool) remoteAddress(ctx context.Context, endpoint string) string {
	host, _, err := net.SplitHostPort(endpoint)
	if err != nil {
		host = endpoint
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr.Unmap().String()
	}
	addrs, err := p.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil || len(addrs) == 0 {
		return host
	}
	return addrs[0].Unmap().String()
}

// Connections returns the live connections grouped by region eventloop
func (p *RegionConnectionPool) Connections() map[string][]model.RegionConnection {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string][]model.RegionConnection)
	for _, c := range p.connections {
		if !c.alive() {
			continue
		}
		out[c.eventloop] = append(out[c.eventloop], model.RegionConnection{
			Eventloop: c.eventloop,
			Address:   c.address,
		})
	}
	for _, conns := range out {
		sort.Slice(conns, func(i, j int) bool { return conns[i].Address < conns[j].Address })
	}
	return out
}

// GetClientNow returns a live region client without waiting. Clients are
// handed out round robin.
func (p *RegionConnectionPool) GetClientNow() (RegionClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	endpoints := make([]string, 0, len(p.connections))
	for endpoint, c := range p.connections {
		if c.alive() {
			endpoints = append(endpoints, endpoint)
		}
	}
	if len(endpoints) == 0 {
		return nil, maaserrors.NoConnectionsAvailable("Unable to connect to the region controller; no connections available.")
	}
	sort.Strings(endpoints)
	p.next = (p.next + 1) % len(endpoints)
	return p.connections[endpoints[p.next]], nil
}

// CallTimeout is the deadline applied to region RPCs made through the pool
func (p *RegionConnectionPool) CallTimeout() time.Duration {
	return p.callTimeout
}

// Run keeps the pool connected until ctx is cancelled
func (p *RegionConnectionPool) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	_ = p.Connect(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.prune()
			_ = p.Connect(ctx)
		}
	}
}

func (p *RegionConnectionPool) prune() {
	p.mu.Lock()
	for endpoint, c := range p.connections {
		if !c.alive() {
			delete(p.connections, endpoint)
		}
	}
	p.mu.Unlock()
	p.updateGauge()
}

func (p *RegionConnectionPool) updateGauge() {
	if p.gauge == nil {
		return
	}
	p.mu.RLock()
	n := len(p.connections)
	p.mu.RUnlock()
	p.gauge.Set(float64(n))
}

// Close closes every region connection
func (p *RegionConnectionPool) Close() {
	p.mu.Lock()
	for endpoint, c := range p.connections {
		c.conn.Close()
		delete(p.connections, endpoint)
	}
	p.mu.Unlock()
	p.updateGauge()
}
