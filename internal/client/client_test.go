package client

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	maaserrors "github.com/canonical/maas-sub025/internal/errors"
	"github.com/canonical/maas-sub025/internal/model"
	pb "github.com/canonical/maas-sub025/pkg/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

// network hosts in-memory gRPC servers addressed by name
type network struct {
	mu        sync.Mutex
	listeners map[string]*bufconn.Listener
	servers   map[string]*grpc.Server
}

func newNetwork(t *testing.T) *network {
	n := &network{
		listeners: make(map[string]*bufconn.Listener),
		servers:   make(map[string]*grpc.Server),
	}
	t.Cleanup(func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		for _, s := range n.servers {
			s.Stop()
		}
	})
	return n
}

// serve starts a server under name, replacing one already running there
func (n *network) serve(name string, register func(*grpc.Server)) string {
	n.stop(name)

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	register(srv)
	go srv.Serve(lis)

	n.mu.Lock()
	n.listeners[name] = lis
	n.servers[name] = srv
	n.mu.Unlock()
	return "passthrough:///" + name
}

// stop takes the server under name off the network
func (n *network) stop(name string) {
	n.mu.Lock()
	srv, ok := n.servers[name]
	delete(n.servers, name)
	delete(n.listeners, name)
	n.mu.Unlock()
	if ok {
		srv.Stop()
	}
}

func (n *network) dialer() grpc.DialOption {
	return grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
		n.mu.Lock()
		lis, ok := n.listeners[addr]
		n.mu.Unlock()
		if !ok {
			return nil, errors.New("no such host " + addr)
		}
		return lis.DialContext(ctx)
	})
}

type fakeRack struct {
	pb.UnimplementedRackServiceServer
	ident string
	state string
}

func (f *fakeRack) Identify(context.Context, *pb.Empty) (*pb.IdentifyResponse, error) {
	return &pb.IdentifyResponse{Ident: f.ident}, nil
}

func (f *fakeRack) PowerQuery(_ context.Context, req *pb.PowerRequest) (*pb.PowerQueryResponse, error) {
	if req.SystemID == "missing" {
		return nil, maaserrors.ToGRPCError(maaserrors.NoSuchNode(req.SystemID))
	}
	return &pb.PowerQueryResponse{State: f.state}, nil
}

type gauge struct {
	mu sync.Mutex
	v  float64
}

func (g *gauge) Set(v float64) {
	g.mu.Lock()
	g.v = v
	g.mu.Unlock()
}

func (g *gauge) get() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.v
}

func TestRackClientPool_RegisterAndCall(t *testing.T) {
	nw := newNetwork(t)
	addrA := nw.serve("rack-a", func(s *grpc.Server) {
		pb.RegisterRackServiceServer(s, &fakeRack{ident: "abc123", state: "on"})
	})
	addrB := nw.serve("rack-b", func(s *grpc.Server) {
		pb.RegisterRackServiceServer(s, &fakeRack{ident: "def456", state: "off"})
	})

	g := &gauge{}
	pool := NewRackClientPool(time.Second, g, zap.NewNop(), nw.dialer())
	defer pool.Close()

	ctx := context.Background()
	require.NoError(t, pool.Register(ctx, "def456", addrB))
	require.NoError(t, pool.Register(ctx, "abc123", addrA))
	// Same rack, same address: no new connection
	require.NoError(t, pool.Register(ctx, "abc123", addrA))

	clients := pool.GetAllClients()
	require.Len(t, clients, 2)
	assert.Equal(t, "abc123", clients[0].Ident())
	assert.Equal(t, "def456", clients[1].Ident())
	assert.Equal(t, float64(2), g.get())

	resp, err := clients[0].PowerQuery(ctx, &pb.PowerRequest{SystemID: "node1", PowerType: "ipmi"})
	require.NoError(t, err)
	assert.Equal(t, "on", resp.State)

	_, err = clients[1].PowerQuery(ctx, &pb.PowerRequest{SystemID: "missing"})
	assert.ErrorIs(t, err, maaserrors.ErrNoSuchNode)

	// Not implemented by the fake rack at all
	_, err = clients[1].PowerDriverCheck(ctx, "ipmi")
	assert.True(t, maaserrors.IsUnhandledCommand(err))
}

func TestRackClientPool_RegisterIdentMismatch(t *testing.T) {
	nw := newNetwork(t)
	addr := nw.serve("rack-a", func(s *grpc.Server) {
		pb.RegisterRackServiceServer(s, &fakeRack{ident: "abc123"})
	})

	pool := NewRackClientPool(time.Second, nil, zap.NewNop(), nw.dialer())
	defer pool.Close()

	err := pool.Register(context.Background(), "other", addr)
	require.Error(t, err)
	assert.Equal(t, 0, pool.Count())
}

func TestRackClientPool_GetClientForTimesOut(t *testing.T) {
	pool := NewRackClientPool(time.Second, nil, zap.NewNop())

	start := time.Now()
	_, err := pool.GetClientFor(context.Background(), "abc123", 50*time.Millisecond)
	assert.ErrorIs(t, err, maaserrors.ErrNoConnectionsAvailable)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestRackClientPool_GetClientForWaitsForRegistration(t *testing.T) {
	nw := newNetwork(t)
	addr := nw.serve("rack-a", func(s *grpc.Server) {
		pb.RegisterRackServiceServer(s, &fakeRack{ident: "abc123", state: "on"})
	})

	pool := NewRackClientPool(time.Second, nil, zap.NewNop(), nw.dialer())
	defer pool.Close()

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = pool.Register(context.Background(), "abc123", addr)
	}()

	c, err := pool.GetClientFor(context.Background(), "abc123", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "abc123", c.Ident())
}

func TestRackClientPool_RemoveDropsRack(t *testing.T) {
	nw := newNetwork(t)
	addr := nw.serve("rack-a", func(s *grpc.Server) {
		pb.RegisterRackServiceServer(s, &fakeRack{ident: "abc123"})
	})

	pool := NewRackClientPool(time.Second, nil, zap.NewNop(), nw.dialer())
	require.NoError(t, pool.Register(context.Background(), "abc123", addr))
	pool.Remove("abc123")

	assert.Empty(t, pool.GetAllClients())
}

func TestRackClientPool_RackReturnsFromNewAddress(t *testing.T) {
	nw := newNetwork(t)
	addrA := nw.serve("rack-a", func(s *grpc.Server) {
		pb.RegisterRackServiceServer(s, &fakeRack{ident: "abc123", state: "on"})
	})

	pool := NewRackClientPool(time.Second, nil, zap.NewNop(), nw.dialer())
	defer pool.Close()

	ctx := context.Background()
	require.NoError(t, pool.Register(ctx, "abc123", addrA))

	// The rack restarts and dials in from another interface
	nw.stop("rack-a")
	addrB := nw.serve("rack-b", func(s *grpc.Server) {
		pb.RegisterRackServiceServer(s, &fakeRack{ident: "abc123", state: "off"})
	})
	require.NoError(t, pool.Register(ctx, "abc123", addrB))

	clients := pool.GetAllClients()
	require.Len(t, clients, 1)
	resp, err := clients[0].PowerQuery(ctx, &pb.PowerRequest{SystemID: "node1", PowerType: "ipmi"})
	require.NoError(t, err)
	assert.Equal(t, "off", resp.State)

	c, err := pool.GetClientFor(ctx, "abc123", time.Second)
	require.NoError(t, err)
	resp, err = c.PowerQuery(ctx, &pb.PowerRequest{SystemID: "node1", PowerType: "ipmi"})
	require.NoError(t, err)
	assert.Equal(t, "off", resp.State)
	assert.Equal(t, 1, pool.Count())
}

func TestRackClientPool_PrefersReadyConnection(t *testing.T) {
	nw := newNetwork(t)
	addrA := nw.serve("rack-a", func(s *grpc.Server) {
		pb.RegisterRackServiceServer(s, &fakeRack{ident: "abc123", state: "on"})
	})
	addrB := nw.serve("rack-b", func(s *grpc.Server) {
		pb.RegisterRackServiceServer(s, &fakeRack{ident: "abc123", state: "off"})
	})

	pool := NewRackClientPool(time.Second, nil, zap.NewNop(), nw.dialer())
	defer pool.Close()

	ctx := context.Background()
	require.NoError(t, pool.Register(ctx, "abc123", addrA))
	require.NoError(t, pool.Register(ctx, "abc123", addrB))

	// Both are Ready, so the newest wins
	clients := pool.GetAllClients()
	require.Len(t, clients, 1)
	resp, err := clients[0].PowerQuery(ctx, &pb.PowerRequest{SystemID: "node1"})
	require.NoError(t, err)
	assert.Equal(t, "off", resp.State)

	// The newest goes away and fails; the older Ready one takes over
	nw.stop("rack-b")
	require.Eventually(t, func() bool {
		callCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		c, err := pool.GetClientFor(callCtx, "abc123", 10*time.Millisecond)
		if err != nil {
			return false
		}
		resp, err := c.PowerQuery(callCtx, &pb.PowerRequest{SystemID: "node1"})
		return err == nil && resp.State == "on"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestRackClientPool_DropsConnectionFailingPastGrace(t *testing.T) {
	nw := newNetwork(t)
	addr := nw.serve("rack-a", func(s *grpc.Server) {
		pb.RegisterRackServiceServer(s, &fakeRack{ident: "abc123", state: "on"})
	})

	g := &gauge{}
	pool := NewRackClientPool(time.Second, g, zap.NewNop(), nw.dialer())
	pool.failureGrace = 50 * time.Millisecond
	defer pool.Close()

	ctx := context.Background()
	require.NoError(t, pool.Register(ctx, "abc123", addr))
	c := pool.GetAllClients()[0]

	nw.stop("rack-a")
	require.Eventually(t, func() bool {
		// Calls keep the channel trying to reconnect
		callCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		_, _ = c.PowerQuery(callCtx, &pb.PowerRequest{SystemID: "node1"})
		return len(pool.GetAllClients()) == 0
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, 0, pool.Count())
	assert.Equal(t, float64(0), g.get())
	_, err := pool.GetClientFor(ctx, "abc123", 10*time.Millisecond)
	assert.ErrorIs(t, err, maaserrors.ErrNoConnectionsAvailable)
}

type fakeRegion struct {
	eventloop  string
	mu         sync.Mutex
	registered []string
}

func (f *fakeRegion) Identify(context.Context, *pb.Empty) (*pb.IdentifyResponse, error) {
	return &pb.IdentifyResponse{Ident: f.eventloop}, nil
}

func (f *fakeRegion) RegisterRackController(_ context.Context, req *pb.RegisterRackControllerRequest) (*pb.RegisterRackControllerResponse, error) {
	f.mu.Lock()
	f.registered = append(f.registered, req.SystemID+"@"+req.Address)
	f.mu.Unlock()
	return &pb.RegisterRackControllerResponse{SystemID: req.SystemID}, nil
}

func (f *fakeRegion) GetControllerType(context.Context, *pb.SystemIDRequest) (*pb.ControllerTypeResponse, error) {
	return &pb.ControllerTypeResponse{IsRack: true}, nil
}

func (f *fakeRegion) GetTimeConfiguration(context.Context, *pb.SystemIDRequest) (*pb.TimeConfigurationResponse, error) {
	return &pb.TimeConfigurationResponse{Servers: []string{"ntp.ubuntu.com"}}, nil
}

func (f *fakeRegion) GetDNSConfiguration(context.Context, *pb.SystemIDRequest) (*pb.DNSConfigurationResponse, error) {
	return &pb.DNSConfigurationResponse{TrustedNetworks: []string{"10.0.0.0/24"}}, nil
}

func (f *fakeRegion) GetProxyConfiguration(context.Context, *pb.SystemIDRequest) (*pb.ProxyConfigurationResponse, error) {
	return &pb.ProxyConfigurationResponse{Enabled: true, Port: 8000}, nil
}

func (f *fakeRegion) GetSyslogConfiguration(context.Context, *pb.SystemIDRequest) (*pb.SyslogConfigurationResponse, error) {
	promtail := 5238
	return &pb.SyslogConfigurationResponse{Port: 5247, PromtailPort: &promtail}, nil
}

func (f *fakeRegion) UpdateNodePowerState(_ context.Context, req *pb.UpdateNodePowerStateRequest) (*pb.Empty, error) {
	if req.SystemID == "missing" {
		return nil, maaserrors.ToGRPCError(maaserrors.NoSuchNode(req.SystemID))
	}
	return &pb.Empty{}, nil
}

func (f *fakeRegion) MarkNodeBroken(context.Context, *pb.MarkNodeBrokenRequest) (*pb.Empty, error) {
	return &pb.Empty{}, nil
}

func TestRegionConnectionPool_ConnectGroupsByEventloop(t *testing.T) {
	nw := newNetwork(t)
	region1 := &fakeRegion{eventloop: "region1:1234"}
	region2 := &fakeRegion{eventloop: "region2:5678"}
	ep1 := nw.serve("r1a", func(s *grpc.Server) { pb.RegisterRegionServiceServer(s, region1) })
	ep2 := nw.serve("r1b", func(s *grpc.Server) { pb.RegisterRegionServiceServer(s, region1) })
	ep3 := nw.serve("r2", func(s *grpc.Server) { pb.RegisterRegionServiceServer(s, region2) })

	g := &gauge{}
	pool := NewRegionConnectionPool(RegionPoolConfig{
		Endpoints:   []string{ep1, ep2, ep3, "passthrough:///down"},
		Identity:    RackIdentity{SystemID: "rack01", Hostname: "rack01", Address: "10.0.0.5:5251"},
		DialTimeout: 200 * time.Millisecond,
		Gauge:       g,
		Logger:      zap.NewNop(),
		DialOptions: []grpc.DialOption{nw.dialer()},
	})
	defer pool.Close()

	require.NoError(t, pool.Connect(context.Background()))

	conns := pool.Connections()
	assert.Len(t, conns, 2)
	assert.Len(t, conns["region1:1234"], 2)
	assert.Len(t, conns["region2:5678"], 1)
	assert.Equal(t, float64(3), g.get())
	assert.Equal(t, []string{"rack01@10.0.0.5:5251", "rack01@10.0.0.5:5251"}, region1.registered)

	c, err := pool.GetClientNow()
	require.NoError(t, err)
	ct, err := c.GetControllerType(context.Background(), "rack01")
	require.NoError(t, err)
	assert.True(t, ct.RackOnly())

	syslog, err := c.GetSyslogConfiguration(context.Background(), "rack01")
	require.NoError(t, err)
	assert.Equal(t, model.SyslogSettings{Port: 5247, PromtailPort: 5238}, syslog)

	err = c.UpdateNodePowerState(context.Background(), "missing", model.PowerStateOn)
	assert.ErrorIs(t, err, maaserrors.ErrNoSuchNode)
}

func TestRegionConnectionPool_ReregistersAfterRegionRestart(t *testing.T) {
	nw := newNetwork(t)
	before := &fakeRegion{eventloop: "region1:1234"}
	ep := nw.serve("r1", func(s *grpc.Server) { pb.RegisterRegionServiceServer(s, before) })

	pool := NewRegionConnectionPool(RegionPoolConfig{
		Endpoints:   []string{ep},
		Identity:    RackIdentity{SystemID: "rack01", Hostname: "rack01", Address: "10.0.0.5:5251"},
		DialTimeout: 5 * time.Second,
		Logger:      zap.NewNop(),
		DialOptions: []grpc.DialOption{nw.dialer()},
	})
	defer pool.Close()

	ctx := context.Background()
	require.NoError(t, pool.Connect(ctx))
	require.Contains(t, pool.Connections(), "region1:1234")

	// Same address, new process
	after := &fakeRegion{eventloop: "region1:9999"}
	nw.serve("r1", func(s *grpc.Server) { pb.RegisterRegionServiceServer(s, after) })

	require.NoError(t, pool.Connect(ctx))

	after.mu.Lock()
	assert.Equal(t, []string{"rack01@10.0.0.5:5251"}, after.registered)
	after.mu.Unlock()

	conns := pool.Connections()
	assert.Len(t, conns, 1)
	assert.Contains(t, conns, "region1:9999")
	assert.NotContains(t, conns, "region1:1234")

	c, err := pool.GetClientNow()
	require.NoError(t, err)
	assert.Equal(t, "region1:9999", c.Eventloop())
}

func TestRegionConnectionPool_DropsRegionThatWentAway(t *testing.T) {
	nw := newNetwork(t)
	region := &fakeRegion{eventloop: "region1:1234"}
	ep := nw.serve("r1", func(s *grpc.Server) { pb.RegisterRegionServiceServer(s, region) })

	g := &gauge{}
	pool := NewRegionConnectionPool(RegionPoolConfig{
		Endpoints:   []string{ep},
		Identity:    RackIdentity{SystemID: "rack01", Hostname: "rack01", Address: "10.0.0.5:5251"},
		DialTimeout: 200 * time.Millisecond,
		Gauge:       g,
		Logger:      zap.NewNop(),
		DialOptions: []grpc.DialOption{nw.dialer()},
	})
	defer pool.Close()

	ctx := context.Background()
	require.NoError(t, pool.Connect(ctx))
	assert.Equal(t, float64(1), g.get())

	nw.stop("r1")
	err := pool.Connect(ctx)
	assert.ErrorIs(t, err, maaserrors.ErrNoConnectionsAvailable)
	assert.Empty(t, pool.Connections())
	assert.Equal(t, float64(0), g.get())

	_, err = pool.GetClientNow()
	assert.ErrorIs(t, err, maaserrors.ErrNoConnectionsAvailable)
}

func TestRegionConnectionPool_NoConnections(t *testing.T) {
	pool := NewRegionConnectionPool(RegionPoolConfig{Logger: zap.NewNop()})

	_, err := pool.GetClientNow()
	assert.ErrorIs(t, err, maaserrors.ErrNoConnectionsAvailable)
	assert.Empty(t, pool.Connections())
}

func TestRemoteAddress(t *testing.T) {
	pool := NewRegionConnectionPool(RegionPoolConfig{})
	ctx := context.Background()

	assert.Equal(t, "10.0.0.1", pool.remoteAddress(ctx, "10.0.0.1:5250"))
	assert.Equal(t, "fd00::1", pool.remoteAddress(ctx, "[fd00::1]:5250"))
	assert.Equal(t, "192.168.1.1", pool.remoteAddress(ctx, "[::ffff:192.168.1.1]:5250"))
}
