package region

import (
	"context"
	"time"

	"github.com/canonical/maas-sub025/internal/client"
	maaserrors "github.com/canonical/maas-sub025/internal/errors"
	pb "github.com/canonical/maas-sub025/pkg/proto"
	"github.com/stretchr/testify/mock"
)

// MockRackClient is a mock implementation of client.RackClient
type MockRackClient struct {
	mock.Mock
	ident string
}

func newMockRack(ident string) *MockRackClient {
	return &MockRackClient{ident: ident}
}

func (m *MockRackClient) Ident() string { return m.ident }

func (m *MockRackClient) PowerOn(ctx context.Context, req *pb.PowerRequest) error {
	return m.Called(ctx, req).Error(0)
}

func (m *MockRackClient) PowerOff(ctx context.Context, req *pb.PowerRequest) error {
	return m.Called(ctx, req).Error(0)
}

func (m *MockRackClient) PowerCycle(ctx context.Context, req *pb.PowerRequest) error {
	return m.Called(ctx, req).Error(0)
}

func (m *MockRackClient) PowerQuery(ctx context.Context, req *pb.PowerRequest) (*pb.PowerQueryResponse, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*pb.PowerQueryResponse)
	return resp, args.Error(1)
}

func (m *MockRackClient) PowerDriverCheck(ctx context.Context, powerType string) ([]string, error) {
	args := m.Called(ctx, powerType)
	missing, _ := args.Get(0).([]string)
	return missing, args.Error(1)
}

func (m *MockRackClient) SetBootOrder(ctx context.Context, req *pb.SetBootOrderRequest) error {
	return m.Called(ctx, req).Error(0)
}

func (m *MockRackClient) ScanNetworks(ctx context.Context, req *pb.ScanNetworksRequest) (*pb.ScanNetworksResponse, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*pb.ScanNetworksResponse)
	return resp, args.Error(1)
}

// fakePool serves a fixed set of rack clients
type fakePool struct {
	clients []client.RackClient
}

func (p *fakePool) GetAllClients() []client.RackClient {
	return p.clients
}

func (p *fakePool) GetClientFor(_ context.Context, ident string, _ time.Duration) (client.RackClient, error) {
	for _, c := range p.clients {
		if c.Ident() == ident {
			return c, nil
		}
	}
	return nil, maaserrors.NoConnectionsAvailable("no connections for " + ident)
}
