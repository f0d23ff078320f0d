package client

import (
	"context"
	"time"

	maaserrors "github.com/canonical/maas-sub025/internal/errors"
	pb "github.com/canonical/maas-sub025/pkg/proto"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
)

// RackClient is a borrowed handle on one rack controller connection. Errors
// carrying a known reason come back as PowerErrors.
type RackClient interface {
	// Ident is the rack's system id, stable across reconnects
	Ident() string

	PowerOn(ctx context.Context, req *pb.PowerRequest) error
	PowerOff(ctx context.Context, req *pb.PowerRequest) error
	PowerCycle(ctx context.Context, req *pb.PowerRequest) error
	PowerQuery(ctx context.Context, req *pb.PowerRequest) (*pb.PowerQueryResponse, error)
	PowerDriverCheck(ctx context.Context, powerType string) ([]string, error)
	SetBootOrder(ctx context.Context, req *pb.SetBootOrderRequest) error
	ScanNetworks(ctx context.Context, req *pb.ScanNetworksRequest) (*pb.ScanNetworksResponse, error)
}

// rackClient implements RackClient over one gRPC connection
type rackClient struct {
	ident   string
	address string
	conn    *grpc.ClientConn
	rpc     pb.RackServiceClient

	// failingSince is when the connection last left Ready and started
	// failing. Guarded by the pool lock.
	failingSince time.Time
}

func newRackClient(ident, address string, conn *grpc.ClientConn) *rackClient {
	return &rackClient{
		ident:   ident,
		address: address,
		conn:    conn,
		rpc:     pb.NewRackServiceClient(conn),
	}
}

func (c *rackClient) Ident() string { return c.ident }

func (c *rackClient) alive() bool {
	return c.conn.GetState() != connectivity.Shutdown
}

// failedFor reports how long the connection has been failing as of now.
// Only Ready clears the clock; an Idle connection that failed before keeps
// counting.
func (c *rackClient) failedFor(now time.Time) time.Duration {
	switch c.conn.GetState() {
	case connectivity.Ready:
		c.failingSince = time.Time{}
		return 0
	case connectivity.Connecting, connectivity.TransientFailure:
		if c.failingSince.IsZero() {
			c.failingSince = now
		}
	}
	if c.failingSince.IsZero() {
		return 0
	}
	return now.Sub(c.failingSince)
}

// stateRank orders connection states from most to least usable
func stateRank(state connectivity.State) int {
	switch state {
	case connectivity.Ready:
		return 0
	case connectivity.Idle:
		return 1
	case connectivity.Connecting:
		return 2
	case connectivity.TransientFailure:
		return 3
	default:
		return 4
	}
}

// pick returns the most usable connection. Ties go to the most recently
// registered one.
func pick(conns []*rackClient) *rackClient {
	var best *rackClient
	bestRank := 0
	for _, c := range conns {
		rank := stateRank(c.conn.GetState())
		if best == nil || rank <= bestRank {
			best, bestRank = c, rank
		}
	}
	return best
}

func (c *rackClient) PowerOn(ctx context.Context, req *pb.PowerRequest) error {
	_, err := c.rpc.PowerOn(ctx, req)
	return maaserrors.FromGRPCError(err)
}

func (c *rackClient) PowerOff(ctx context.Context, req *pb.PowerRequest) error {
	_, err := c.rpc.PowerOff(ctx, req)
	return maaserrors.FromGRPCError(err)
}

func (c *rackClient) PowerCycle(ctx context.Context, req *pb.PowerRequest) error {
	_, err := c.rpc.PowerCycle(ctx, req)
	return maaserrors.FromGRPCError(err)
}

func (c *rackClient) PowerQuery(ctx context.Context, req *pb.PowerRequest) (*pb.PowerQueryResponse, error) {
	resp, err := c.rpc.PowerQuery(ctx, req)
	if err != nil {
		return nil, maaserrors.FromGRPCError(err)
	}
	return resp, nil
}

func (c *rackClient) PowerDriverCheck(ctx context.Context, powerType string) ([]string, error) {
	resp, err := c.rpc.PowerDriverCheck(ctx, &pb.PowerDriverCheckRequest{PowerType: powerType})
	if err != nil {
		return nil, maaserrors.FromGRPCError(err)
	}
	return resp.MissingPackages, nil
}

func (c *rackClient) SetBootOrder(ctx context.Context, req *pb.SetBootOrderRequest) error {
	_, err := c.rpc.SetBootOrder(ctx, req)
	return maaserrors.FromGRPCError(err)
}

func (c *rackClient) ScanNetworks(ctx context.Context, req *pb.ScanNetworksRequest) (*pb.ScanNetworksResponse, error) {
	resp, err := c.rpc.ScanNetworks(ctx, req)
	if err != nil {
		return nil, maaserrors.FromGRPCError(err)
	}
	return resp, nil
}
