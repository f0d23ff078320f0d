package handler

import (
	"context"

	maaserrors "github.com/canonical/maas-sub025/internal/errors"
	"github.com/canonical/maas-sub025/internal/model"
	"github.com/canonical/maas-sub025/internal/store"
	pb "github.com/canonical/maas-sub025/pkg/proto"
	"go.uber.org/zap"
)

// RackRegistrar accepts rack controllers connecting to this region
type RackRegistrar interface {
	Register(ctx context.Context, systemID, address string) error
}

// RegionHandler serves the calls racks make to this region process
type RegionHandler struct {
	eventloop   string
	controllers store.ControllerStore
	racks       RackRegistrar
	logger      *zap.Logger
}

// NewRegionHandler creates a new region handler. eventloop identifies this
// process as "host:pid".
func NewRegionHandler(eventloop string, controllers store.ControllerStore, racks RackRegistrar, logger *zap.Logger) *RegionHandler {
	return &RegionHandler{
		eventloop:   eventloop,
		controllers: controllers,
		racks:       racks,
		logger:      logger,
	}
}

func (h *RegionHandler) Identify(context.Context, *pb.Empty) (*pb.IdentifyResponse, error) {
	return &pb.IdentifyResponse{Ident: h.eventloop}, nil
}

// RegisterRackController dials back to the rack and adds it to the rack
// client pool
func (h *RegionHandler) RegisterRackController(
	ctx context.Context,
	req *pb.RegisterRackControllerRequest,
) (*pb.RegisterRackControllerResponse, error) {
	if req.SystemID == "" || req.Address == "" {
		return nil, maaserrors.ToGRPCError(maaserrors.InvalidArgument("system_id and address are required", nil))
	}
	if _, err := h.controllers.GetControllerType(ctx, req.SystemID); err != nil {
		return nil, maaserrors.ToGRPCError(err)
	}

	if err := h.racks.Register(ctx, req.SystemID, req.Address); err != nil {
		h.logger.Error("Failed to register rack controller",
			zap.String("system_id", req.SystemID),
			zap.String("address", req.Address),
			zap.Error(err))
		return nil, maaserrors.ToGRPCError(err)
	}

	h.logger.Info("Rack controller registered",
		zap.String("system_id", req.SystemID),
		zap.String("hostname", req.Hostname),
		zap.String("address", req.Address))
	return &pb.RegisterRackControllerResponse{SystemID: req.SystemID}, nil
}

func (h *RegionHandler) GetControllerType(ctx context.Context, req *pb.SystemIDRequest) (*pb.ControllerTypeResponse, error) {
	ct, err := h.controllers.GetControllerType(ctx, req.SystemID)
	if err != nil {
		return nil, maaserrors.ToGRPCError(err)
	}
	return &pb.ControllerTypeResponse{IsRegion: ct.IsRegion, IsRack: ct.IsRack}, nil
}

func (h *RegionHandler) GetTimeConfiguration(ctx context.Context, req *pb.SystemIDRequest) (*pb.TimeConfigurationResponse, error) {
	cfg, err := h.controllers.GetTimeConfiguration(ctx, req.SystemID)
	if err != nil {
		return nil, maaserrors.ToGRPCError(err)
	}
	return &pb.TimeConfigurationResponse{Servers: cfg.Servers, Peers: cfg.Peers}, nil
}

func (h *RegionHandler) GetDNSConfiguration(ctx context.Context, req *pb.SystemIDRequest) (*pb.DNSConfigurationResponse, error) {
	cfg, err := h.controllers.GetDNSConfiguration(ctx, req.SystemID)
	if err != nil {
		return nil, maaserrors.ToGRPCError(err)
	}
	return &pb.DNSConfigurationResponse{TrustedNetworks: cfg.TrustedNetworks}, nil
}

func (h *RegionHandler) GetProxyConfiguration(ctx context.Context, req *pb.SystemIDRequest) (*pb.ProxyConfigurationResponse, error) {
	cfg, err := h.controllers.GetProxyConfiguration(ctx, req.SystemID)
	if err != nil {
		return nil, maaserrors.ToGRPCError(err)
	}
	return &pb.ProxyConfigurationResponse{
		Enabled:       cfg.Enabled,
		Port:          cfg.Port,
		AllowedCIDRs:  cfg.AllowedCIDRs,
		PreferV4Proxy: cfg.PreferV4Proxy,
	}, nil
}

func (h *RegionHandler) GetSyslogConfiguration(ctx context.Context, req *pb.SystemIDRequest) (*pb.SyslogConfigurationResponse, error) {
	cfg, err := h.controllers.GetSyslogConfiguration(ctx, req.SystemID)
	if err != nil {
		return nil, maaserrors.ToGRPCError(err)
	}
	resp := &pb.SyslogConfigurationResponse{Port: cfg.Port}
	if cfg.PromtailPort != 0 {
		port := cfg.PromtailPort
		resp.PromtailPort = &port
	}
	return resp, nil
}

func (h *RegionHandler) UpdateNodePowerState(ctx context.Context, req *pb.UpdateNodePowerStateRequest) (*pb.Empty, error) {
	state := model.ParsePowerState(req.PowerState)
	if err := h.controllers.UpdateNodePowerState(ctx, req.SystemID, state); err != nil {
		return nil, maaserrors.ToGRPCError(err)
	}
	h.logger.Debug("Node power state updated",
		zap.String("system_id", req.SystemID),
		zap.String("state", string(state)))
	return &pb.Empty{}, nil
}

func (h *RegionHandler) MarkNodeBroken(ctx context.Context, req *pb.MarkNodeBrokenRequest) (*pb.Empty, error) {
	if err := h.controllers.MarkNodeBroken(ctx, req.SystemID, req.ErrorDescription); err != nil {
		return nil, maaserrors.ToGRPCError(err)
	}
	h.logger.Warn("Node marked broken",
		zap.String("system_id", req.SystemID),
		zap.String("description", req.ErrorDescription))
	return &pb.Empty{}, nil
}
