package proto

import (
	"context"

	"google.golang.org/grpc"
)

// RegionServiceName is served by every region controller process
const RegionServiceName = "maas.region.v1.RegionService"

// RegionServiceServer is implemented by the region controller
type RegionServiceServer interface {
	Identify(context.Context, *Empty) (*IdentifyResponse, error)
	RegisterRackController(context.Context, *RegisterRackControllerRequest) (*RegisterRackControllerResponse, error)
	GetControllerType(context.Context, *SystemIDRequest) (*ControllerTypeResponse, error)
	GetTimeConfiguration(context.Context, *SystemIDRequest) (*TimeConfigurationResponse, error)
	GetDNSConfiguration(context.Context, *SystemIDRequest) (*DNSConfigurationResponse, error)
	GetProxyConfiguration(context.Context, *SystemIDRequest) (*ProxyConfigurationResponse, error)
	GetSyslogConfiguration(context.Context, *SystemIDRequest) (*SyslogConfigurationResponse, error)
	UpdateNodePowerState(context.Context, *UpdateNodePowerStateRequest) (*Empty, error)
	MarkNodeBroken(context.Context, *MarkNodeBrokenRequest) (*Empty, error)
}

// RegionService_ServiceDesc describes RegionService for grpc.Server
var RegionService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: RegionServiceName,
	HandlerType: (*RegionServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(RegionServiceName, "Identify", RegionServiceServer.Identify),
		unaryMethod(RegionServiceName, "RegisterRackController", RegionServiceServer.RegisterRackController),
		unaryMethod(RegionServiceName, "GetControllerType", RegionServiceServer.GetControllerType),
		unaryMethod(RegionServiceName, "GetTimeConfiguration", RegionServiceServer.GetTimeConfiguration),
		unaryMethod(RegionServiceName, "GetDNSConfiguration", RegionServiceServer.GetDNSConfiguration),
		unaryMethod(RegionServiceName, "GetProxyConfiguration", RegionServiceServer.GetProxyConfiguration),
		unaryMethod(RegionServiceName, "GetSyslogConfiguration", RegionServiceServer.GetSyslogConfiguration),
		unaryMethod(RegionServiceName, "UpdateNodePowerState", RegionServiceServer.UpdateNodePowerState),
		unaryMethod(RegionServiceName, "MarkNodeBroken", RegionServiceServer.MarkNodeBroken),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "maas/region/v1/region.proto",
}

// RegisterRegionServiceServer registers srv with s
func RegisterRegionServiceServer(s grpc.ServiceRegistrar, srv RegionServiceServer) {
	s.RegisterService(&RegionService_ServiceDesc, srv)
}

// RegionServiceClient is the rack's view of a region process
type RegionServiceClient interface {
	Identify(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*IdentifyResponse, error)
	RegisterRackController(ctx context.Context, in *RegisterRackControllerRequest, opts ...grpc.CallOption) (*RegisterRackControllerResponse, error)
	GetControllerType(ctx context.Context, in *SystemIDRequest, opts ...grpc.CallOption) (*ControllerTypeResponse, error)
	GetTimeConfiguration(ctx context.Context, in *SystemIDRequest, opts ...grpc.CallOption) (*TimeConfigurationResponse, error)
	GetDNSConfiguration(ctx context.Context, in *SystemIDRequest, opts ...grpc.CallOption) (*DNSConfigurationResponse, error)
	GetProxyConfiguration(ctx context.Context, in *SystemIDRequest, opts ...grpc.CallOption) (*ProxyConfigurationResponse, error)
	GetSyslogConfiguration(ctx context.Context, in *SystemIDRequest, opts ...grpc.CallOption) (*SyslogConfigurationResponse, error)
	UpdateNodePowerState(ctx context.Context, in *UpdateNodePowerStateRequest, opts ...grpc.CallOption) (*Empty, error)
	MarkNodeBroken(ctx context.Context, in *MarkNodeBrokenRequest, opts ...grpc.CallOption) (*Empty, error)
}

type regionServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewRegionServiceClient wraps a connection to a region process
func NewRegionServiceClient(cc grpc.ClientConnInterface) RegionServiceClient {
	return &regionServiceClient{cc: cc}
}

func regionMethod(name string) string {
	return "/" + RegionServiceName + "/" + name
}

func (c *regionServiceClient) Identify(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*IdentifyResponse, error) {
	return invoke[IdentifyResponse](ctx, c.cc, regionMethod("Identify"), in, opts...)
}

func (c *regionServiceClient) RegisterRackController(ctx context.Context, in *RegisterRackControllerRequest, opts ...grpc.CallOption) (*RegisterRackControllerResponse, error) {
	return invoke[RegisterRackControllerResponse](ctx, c.cc, regionMethod("RegisterRackController"), in, opts...)
}

func (c *regionServiceClient) GetControllerType(ctx context.Context, in *SystemIDRequest, opts ...grpc.CallOption) (*ControllerTypeResponse, error) {
	return invoke[ControllerTypeResponse](ctx, c.cc, regionMethod("GetControllerType"), in, opts...)
}

func (c *regionServiceClient) GetTimeConfiguration(ctx context.Context, in *SystemIDRequest, opts ...grpc.CallOption) (*TimeConfigurationResponse, error) {
	return invoke[TimeConfigurationResponse](ctx, c.cc, regionMethod("GetTimeConfiguration"), in, opts...)
}

func (c *regionServiceClient) GetDNSConfiguration(ctx context.Context, in *SystemIDRequest, opts ...grpc.CallOption) (*DNSConfigurationResponse, error) {
	return invoke[DNSConfigurationResponse](ctx, c.cc, regionMethod("GetDNSConfiguration"), in, opts...)
}

func (c *regionServiceClient) GetProxyConfiguration(ctx context.Context, in *SystemIDRequest, opts ...grpc.CallOption) (*ProxyConfigurationResponse, error) {
	return invoke[ProxyConfigurationResponse](ctx, c.cc, regionMethod("GetProxyConfiguration"), in, opts...)
}

func (c *regionServiceClient) GetSyslogConfiguration(ctx context.Context, in *SystemIDRequest, opts ...grpc.CallOption) (*SyslogConfigurationResponse, error) {
	return invoke[SyslogConfigurationResponse](ctx, c.cc, regionMethod("GetSyslogConfiguration"), in, opts...)
}

func (c *regionServiceClient) UpdateNodePowerState(ctx context.Context, in *UpdateNodePowerStateRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, regionMethod("UpdateNodePowerState"), in, opts...)
}

func (c *regionServiceClient) MarkNodeBroken(ctx context.Context, in *MarkNodeBrokenRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, regionMethod("MarkNodeBroken"), in, opts...)
}
