package client

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	maaserrors "github.com/canonical/maas-sub025/internal/errors"
	pb "github.com/canonical/maas-sub025/pkg/proto"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
)

// RackClientPool holds the region's connections to rack controllers, keyed
// by rack ident. A rack may have several connections at once.
type RackClientPool struct {
	mu      sync.RWMutex
	clients map[string][]*rackClient
	// changed is closed and replaced whenever a connection is added
	changed chan struct{}

	dialTimeout time.Duration
	dialOptions []grpc.DialOption
	gauge       Gauge
	logger      *zap.Logger

	// failureGrace is how long a connection may keep failing before it is
	// dropped
	failureGrace time.Duration
}

const defaultFailureGrace = time.Minute

// NewRackClientPool creates an empty pool
func NewRackClientPool(dialTimeout time.Duration, gauge Gauge, logger *zap.Logger, extra ...grpc.DialOption) *RackClientPool {
	return &RackClientPool{
		clients:      make(map[string][]*rackClient),
		changed:      make(chan struct{}),
		dialTimeout:  dialTimeout,
		dialOptions:  DefaultDialOptions(extra...),
		failureGrace: defaultFailureGrace,
		gauge:        gauge,
		logger:       logger,
	}
}

// Register dials back to a rack controller at address and stores the
// connection under the ident the rack reports. It is a no-op when the rack
// is already connected at that address.
func (p *RackClientPool) Register(ctx context.Context, systemID, address string) error {
	p.mu.RLock()
	for _, c := range p.clients[systemID] {
		if c.address == address && c.alive() {
			p.mu.RUnlock()
			return nil
		}
	}
	p.mu.RUnlock()

	conn, err := grpc.NewClient(address, p.dialOptions...)
	if err != nil {
		return fmt.Errorf("failed to connect to rack %s at %s: %w", systemID, address, err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.dialTimeout)
	defer cancel()
	resp, err := pb.NewRackServiceClient(conn).Identify(ctx, &pb.Empty{}, grpc.WaitForReady(true))
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to identify rack %s at %s: %w", systemID, address, err)
	}
	if resp.Ident != systemID {
		conn.Close()
		return maaserrors.InvalidArgument(
			fmt.Sprintf("rack at %s identifies as %q, not %q", address, resp.Ident, systemID), nil)
	}

	p.add(newRackClient(systemID, address, conn))
	p.logger.Info("Rack controller connected",
		zap.String("system_id", systemID),
		zap.String("address", address))
	return nil
}

// add stores c. An older connection at the same address is replaced, and
// older connections at other addresses are closed unless they are Ready:
// a rack that comes back from a new address leaves its old one behind.
func (p *RackClientPool) add(c *rackClient) {
	p.mu.Lock()
	defer p.mu.Unlock()

	existing := p.clients[c.ident][:0]
	for _, old := range p.clients[c.ident] {
		if old.address == c.address || old.conn.GetState() != connectivity.Ready {
			old.conn.Close()
			if old.address != c.address {
				p.logger.Info("Dropped stale rack connection",
					zap.String("system_id", c.ident),
					zap.String("address", old.address))
			}
			continue
		}
		existing = append(existing, old)
	}
	p.clients[c.ident] = append(existing, c)

	close(p.changed)
	p.changed = make(chan struct{})
	p.updateGaugeLocked()
}

// Remove drops and closes every connection for ident
func (p *RackClientPool) Remove(ident string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.clients[ident] {
		c.conn.Close()
	}
	delete(p.clients, ident)
	p.updateGaugeLocked()
}

// GetAllClients returns one client per connected rack, sorted by ident. A
// Ready connection is preferred over the rack's other connections.
func (p *RackClientPool) GetAllClients() []RackClient {
	p.prune()

	p.mu.RLock()
	defer p.mu.RUnlock()
	idents := make([]string, 0, len(p.clients))
	for ident := range p.clients {
		idents = append(idents, ident)
	}
	sort.Strings(idents)

	out := make([]RackClient, 0, len(idents))
	for _, ident := range idents {
		if c := pick(p.clients[ident]); c != nil {
			out = append(out, c)
		}
	}
	return out
}

// GetClientFor returns a client for ident, waiting up to timeout for the rack
// to connect.
func (p *RackClientPool) GetClientFor(ctx context.Context, ident string, timeout time.Duration) (RackClient, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		p.prune()

		p.mu.RLock()
		c := pick(p.clients[ident])
		changed := p.changed
		p.mu.RUnlock()

		if c != nil {
			return c, nil
		}

		select {
		case <-changed:
		case <-timer.C:
			return nil, maaserrors.NoConnectionsAvailable(
				fmt.Sprintf("Unable to connect to rack controller %s; no connections available.", ident)).
				WithDetail("system_id", ident)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Count returns the number of connected racks
func (p *RackClientPool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.clients)
}

// prune drops connections that have been shut down or have kept failing
// for longer than the grace period
func (p *RackClientPool) prune() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	for ident, conns := range p.clients {
		live := conns[:0]
		for _, c := range conns {
			if !c.alive() {
				continue
			}
			if c.failedFor(now) > p.failureGrace {
				c.conn.Close()
				p.logger.Info("Dropped failing rack connection",
					zap.String("system_id", ident),
					zap.String("address", c.address))
				continue
			}
			live = append(live, c)
		}
		if len(live) == 0 {
			delete(p.clients, ident)
			continue
		}
		p.clients[ident] = live
	}
	p.updateGaugeLocked()
}

func (p *RackClientPool) updateGaugeLocked() {
	if p.gauge != nil {
		p.gauge.Set(float64(len(p.clients)))
	}
}

// Close closes all connections
func (p *RackClientPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for ident, conns := range p.clients {
		for _, c := range conns {
			c.conn.Close()
		}
		delete(p.clients, ident)
	}
	p.updateGaugeLocked()
}
