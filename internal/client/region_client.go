package client

import (
	"context"

	maaserrors "github.com/canonical/maas-sub025/internal/errors"
	"github.com/canonical/maas-sub025/internal/model"
	pb "github.com/canonical/maas-sub025/pkg/proto"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
)

// RegionClient is the rack's handle on one region process
type RegionClient interface {
	// Eventloop identifies the region process as "host:pid"
	Eventloop() string

	RegisterRackController(ctx context.Context, systemID, hostname, address string) error
	GetControllerType(ctx context.Context, systemID string) (model.ControllerType, error)
	GetTimeConfiguration(ctx context.Context, systemID string) (model.TimeConfiguration, error)
	GetDNSConfiguration(ctx context.Context, systemID string) (model.DNSSettings, error)
	GetProxyConfiguration(ctx context.Context, systemID string) (model.ProxySettings, error)
	GetSyslogConfiguration(ctx context.Context, systemID string) (model.SyslogSettings, error)
	UpdateNodePowerState(ctx context.Context, systemID string, state model.PowerState) error
	MarkNodeBroken(ctx context.Context, systemID, description string) error
}

type regionClient struct {
	endpoint  string
	eventloop string
	address   string
	conn      *grpc.ClientConn
	rpc       pb.RegionServiceClient
}

func (c *regionClient) Eventloop() string { return c.eventloop }

func (c *regionClient) alive() bool {
	return c.conn.GetState() != connectivity.Shutdown
}

func (c *regionClient) RegisterRackController(ctx context.Context, systemID, hostname, address string) error {
	_, err := c.rpc.RegisterRackController(ctx, &pb.RegisterRackControllerRequest{
		SystemID: systemID,
		Hostname: hostname,
		Address:  address,
	})
	return maaserrors.FromGRPCError(err)
}

func (c *regionClient) GetControllerType(ctx context.Context, systemID string) (model.ControllerType, error) {
	resp, err := c.rpc.GetControllerType(ctx, &pb.SystemIDRequest{SystemID: systemID})
	if err != nil {
		return model.ControllerType{}, maaserrors.FromGRPCError(err)
	}
	return model.ControllerType{IsRegion: resp.IsRegion, IsRack: resp.IsRack}, nil
}

func (c *regionClient) GetTimeConfiguration(ctx context.Context, systemID string) (model.TimeConfiguration, error) {
	resp, err := c.rpc.GetTimeConfiguration(ctx, &pb.SystemIDRequest{SystemID: systemID})
	if err != nil {
		return model.TimeConfiguration{}, maaserrors.FromGRPCError(err)
	}
	return model.TimeConfiguration{Servers: resp.Servers, Peers: resp.Peers}, nil
}

func (c *regionClient) GetDNSConfiguration(ctx context.Context, systemID string) (model.DNSSettings, error) {
	resp, err := c.rpc.GetDNSConfiguration(ctx, &pb.SystemIDRequest{SystemID: systemID})
	if err != nil {
		return model.DNSSettings{}, maaserrors.FromGRPCError(err)
	}
	return model.DNSSettings{TrustedNetworks: resp.TrustedNetworks}, nil
}

func (c *regionClient) GetProxyConfiguration(ctx context.Context, systemID string) (model.ProxySettings, error) {
	resp, err := c.rpc.GetProxyConfiguration(ctx, &pb.SystemIDRequest{SystemID: systemID})
	if err != nil {
		return model.ProxySettings{}, maaserrors.FromGRPCError(err)
	}
	return model.ProxySettings{
		Enabled:       resp.Enabled,
		Port:          resp.Port,
		AllowedCIDRs:  resp.AllowedCIDRs,
		PreferV4Proxy: resp.PreferV4Proxy,
	}, nil
}

func (c *regionClient) GetSyslogConfiguration(ctx context.Context, systemID string) (model.SyslogSettings, error) {
	resp, err := c.rpc.GetSyslogConfiguration(ctx, &pb.SystemIDRequest{SystemID: systemID})
	if err != nil {
		return model.SyslogSettings{}, maaserrors.FromGRPCError(err)
	}
	settings := model.SyslogSettings{Port: resp.Port}
	if resp.PromtailPort != nil {
		settings.PromtailPort = *resp.PromtailPort
	}
	return settings, nil
}

func (c *regionClient) UpdateNodePowerState(ctx context.Context, systemID string, state model.PowerState) error {
	_, err := c.rpc.UpdateNodePowerState(ctx, &pb.UpdateNodePowerStateRequest{
		SystemID:   systemID,
		PowerState: string(state),
	})
	return maaserrors.FromGRPCError(err)
}

func (c *regionClient) MarkNodeBroken(ctx context.Context, systemID, description string) error {
	_, err := c.rpc.MarkNodeBroken(ctx, &pb.MarkNodeBrokenRequest{
		SystemID:         systemID,
		ErrorDescription: description,
	})
	return maaserrors.FromGRPCError(err)
}
