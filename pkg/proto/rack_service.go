package proto

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// RackServiceName is served by every rack controller
const RackServiceName = "maas.rack.v1.RackService"

// RackServiceServer is implemented by the rack controller
type RackServiceServer interface {
	Identify(context.Context, *Empty) (*IdentifyResponse, error)
	PowerOn(context.Context, *PowerRequest) (*Empty, error)
	PowerOff(context.Context, *PowerRequest) (*Empty, error)
	PowerCycle(context.Context, *PowerRequest) (*Empty, error)
	PowerQuery(context.Context, *PowerRequest) (*PowerQueryResponse, error)
	PowerDriverCheck(context.Context, *PowerDriverCheckRequest) (*PowerDriverCheckResponse, error)
	SetBootOrder(context.Context, *SetBootOrderRequest) (*Empty, error)
	ScanNetworks(context.Context, *ScanNetworksRequest) (*ScanNetworksResponse, error)
}

// RackService_ServiceDesc describes RackService for grpc.Server
var RackService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: RackServiceName,
	HandlerType: (*RackServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(RackServiceName, "Identify", RackServiceServer.Identify),
		unaryMethod(RackServiceName, "PowerOn", RackServiceServer.PowerOn),
		unaryMethod(RackServiceName, "PowerOff", RackServiceServer.PowerOff),
		unaryMethod(RackServiceName, "PowerCycle", RackServiceServer.PowerCycle),
		unaryMethod(RackServiceName, "PowerQuery", RackServiceServer.PowerQuery),
		unaryMethod(RackServiceName, "PowerDriverCheck", RackServiceServer.PowerDriverCheck),
		unaryMethod(RackServiceName, "SetBootOrder", RackServiceServer.SetBootOrder),
		unaryMethod(RackServiceName, "ScanNetworks", RackServiceServer.ScanNetworks),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "maas/rack/v1/rack.proto",
}

// RegisterRackServiceServer registers srv with s
func RegisterRackServiceServer(s grpc.ServiceRegistrar, srv RackServiceServer) {
	s.RegisterService(&RackService_ServiceDesc, srv)
}

// UnimplementedRackServiceServer answers every command as unhandled. Embed it
// to serve a subset of the commands.
type UnimplementedRackServiceServer struct{}

func (UnimplementedRackServiceServer) Identify(context.Context, *Empty) (*IdentifyResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Identify not implemented")
}
func (UnimplementedRackServiceServer) PowerOn(context.Context, *PowerRequest) (*Empty, error) {
	return nil, status.Error(codes.Unimplemented, "method PowerOn not implemented")
}
func (UnimplementedRackServiceServer) PowerOff(context.Context, *PowerRequest) (*Empty, error) {
	return nil, status.Error(codes.Unimplemented, "method PowerOff not implemented")
}
func (UnimplementedRackServiceServer) PowerCycle(context.Context, *PowerRequest) (*Empty, error) {
	return nil, status.Error(codes.Unimplemented, "method PowerCycle not implemented")
}
func (UnimplementedRackServiceServer) PowerQuery(context.Context, *PowerRequest) (*PowerQueryResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method PowerQuery not implemented")
}
func (UnimplementedRackServiceServer) PowerDriverCheck(context.Context, *PowerDriverCheckRequest) (*PowerDriverCheckResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method PowerDriverCheck not implemented")
}
func (UnimplementedRackServiceServer) SetBootOrder(context.Context, *SetBootOrderRequest) (*Empty, error) {
	return nil, status.Error(codes.Unimplemented, "method SetBootOrder not implemented")
}
func (UnimplementedRackServiceServer) ScanNetworks(context.Context, *ScanNetworksRequest) (*ScanNetworksResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method ScanNetworks not implemented")
}

// RackServiceClient is the region's view of a rack controller
type RackServiceClient interface {
	Identify(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*IdentifyResponse, error)
	PowerOn(ctx context.Context, in *PowerRequest, opts ...grpc.CallOption) (*Empty, error)
	PowerOff(ctx context.Context, in *PowerRequest, opts ...grpc.CallOption) (*Empty, error)
	PowerCycle(ctx context.Context, in *PowerRequest, opts ...grpc.CallOption) (*Empty, error)
	PowerQuery(ctx context.Context, in *PowerRequest, opts ...grpc.CallOption) (*PowerQueryResponse, error)
	PowerDriverCheck(ctx context.Context, in *PowerDriverCheckRequest, opts ...grpc.CallOption) (*PowerDriverCheckResponse, error)
	SetBootOrder(ctx context.Context, in *SetBootOrderRequest, opts ...grpc.CallOption) (*Empty, error)
	ScanNetworks(ctx context.Context, in *ScanNetworksRequest, opts ...grpc.CallOption) (*ScanNetworksResponse, error)
}

type rackServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewRackServiceClient wraps a connection to a rack controller
func NewRackServiceClient(cc grpc.ClientConnInterface) RackServiceClient {
	return &rackServiceClient{cc: cc}
}

func rackMethod(name string) string {
	return "/" + RackServiceName + "/" + name
}

func (c *rackServiceClient) Identify(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*IdentifyResponse, error) {
	return invoke[IdentifyResponse](ctx, c.cc, rackMethod("Identify"), in, opts...)
}

func (c *rackServiceClient) PowerOn(ctx context.Context, in *PowerRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, rackMethod("PowerOn"), in, opts...)
}

func (c *rackServiceClient) PowerOff(ctx context.Context, in *PowerRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, rackMethod("PowerOff"), in, opts...)
}

func (c *rackServiceClient) PowerCycle(ctx context.Context, in *PowerRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, rackMethod("PowerCycle"), in, opts...)
}

func (c *rackServiceClient) PowerQuery(ctx context.Context, in *PowerRequest, opts ...grpc.CallOption) (*PowerQueryResponse, error) {
	return invoke[PowerQueryResponse](ctx, c.cc, rackMethod("PowerQuery"), in, opts...)
}

func (c *rackServiceClient) PowerDriverCheck(ctx context.Context, in *PowerDriverCheckRequest, opts ...grpc.CallOption) (*PowerDriverCheckResponse, error) {
	return invoke[PowerDriverCheckResponse](ctx, c.cc, rackMethod("PowerDriverCheck"), in, opts...)
}

func (c *rackServiceClient) SetBootOrder(ctx context.Context, in *SetBootOrderRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, rackMethod("SetBootOrder"), in, opts...)
}

func (c *rackServiceClient) ScanNetworks(ctx context.Context, in *ScanNetworksRequest, opts ...grpc.CallOption) (*ScanNetworksResponse, error) {
	return invoke[ScanNetworksResponse](ctx, c.cc, rackMethod("ScanNetworks"), in, opts...)
}
