package handler

import (
	"context"

	maaserrors "github.com/canonical/maas-sub025/internal/errors"
	"github.com/canonical/maas-sub025/internal/model"
	"github.com/canonical/maas-sub025/internal/service/rack"
	pb "github.com/canonical/maas-sub025/pkg/proto"
	"go.uber.org/zap"
)

// PowerActions is the rack power service used by RackHandler
type PowerActions interface {
	PowerChange(ctx context.Context, systemID, hostname, powerType string, change model.PowerChange, params model.PowerParameters) error
	PowerQuery(ctx context.Context, systemID, powerType string, params model.PowerParameters) (model.PowerState, string, error)
	PowerDriverCheck(powerType string) ([]string, error)
	SetBootOrder(ctx context.Context, systemID, powerType string, params model.PowerParameters, order []string) error
}

// NetworkScanner is the rack scan service used by RackHandler
type NetworkScanner interface {
	ScanNetworks(req rack.ScanRequest) (string, []string, error)
}

// RackHandler serves the commands regions send to this rack
type RackHandler struct {
	pb.UnimplementedRackServiceServer
	systemID string
	power    PowerActions
	scanner  NetworkScanner
	logger   *zap.Logger
}

// NewRackHandler creates a new rack handler
func NewRackHandler(systemID string, power PowerActions, scanner NetworkScanner, logger *zap.Logger) *RackHandler {
	return &RackHandler{
		systemID: systemID,
		power:    power,
		scanner:  scanner,
		logger:   logger,
	}
}

// Identify returns this rack's system id
func (h *RackHandler) Identify(context.Context, *pb.Empty) (*pb.IdentifyResponse, error) {
	return &pb.IdentifyResponse{Ident: h.systemID}, nil
}

func (h *RackHandler) PowerOn(ctx context.Context, req *pb.PowerRequest) (*pb.Empty, error) {
	return h.change(ctx, req, model.PowerChangeOn)
}

func (h *RackHandler) PowerOff(ctx context.Context, req *pb.PowerRequest) (*pb.Empty, error) {
	return h.change(ctx, req, model.PowerChangeOff)
}

func (h *RackHandler) PowerCycle(ctx context.Context, req *pb.PowerRequest) (*pb.Empty, error) {
	return h.change(ctx, req, model.PowerChangeCycle)
}

func (h *RackHandler) change(ctx context.Context, req *pb.PowerRequest, change model.PowerChange) (*pb.Empty, error) {
	if err := validatePowerRequest(req); err != nil {
		return nil, maaserrors.ToGRPCError(err)
	}
	err := h.power.PowerChange(ctx, req.SystemID, req.Hostname, req.PowerType, change, model.PowerParameters(req.Context))
	if err != nil {
		h.logger.Warn("Power change rejected",
			zap.String("system_id", req.SystemID),
			zap.String("change", string(change)),
			zap.Error(err))
		return nil, maaserrors.ToGRPCError(err)
	}
	return &pb.Empty{}, nil
}

// PowerQuery reports driver failures in the response rather than as an RPC error
func (h *RackHandler) PowerQuery(ctx context.Context, req *pb.PowerRequest) (*pb.PowerQueryResponse, error) {
	if err := validatePowerRequest(req); err != nil {
		return nil, maaserrors.ToGRPCError(err)
	}
	state, msg, err := h.power.PowerQuery(ctx, req.SystemID, req.PowerType, model.PowerParameters(req.Context))
	if err != nil {
		return nil, maaserrors.ToGRPCError(err)
	}
	return &pb.PowerQueryResponse{State: string(state), Error: msg}, nil
}

func (h *RackHandler) PowerDriverCheck(_ context.Context, req *pb.PowerDriverCheckRequest) (*pb.PowerDriverCheckResponse, error) {
	missing, err := h.power.PowerDriverCheck(req.PowerType)
	if err != nil {
		return nil, maaserrors.ToGRPCError(err)
	}
	return &pb.PowerDriverCheckResponse{MissingPackages: missing}, nil
}

func (h *RackHandler) SetBootOrder(ctx context.Context, req *pb.SetBootOrderRequest) (*pb.Empty, error) {
	if req.SystemID == "" || req.PowerType == "" {
		return nil, maaserrors.ToGRPCError(maaserrors.InvalidArgument("system_id and power_type are required", nil))
	}
	err := h.power.SetBootOrder(ctx, req.SystemID, req.PowerType, model.PowerParameters(req.Context), req.Order)
	if err != nil {
		return nil, maaserrors.ToGRPCError(err)
	}
	return &pb.Empty{}, nil
}

func (h *RackHandler) ScanNetworks(_ context.Context, req *pb.ScanNetworksRequest) (*pb.ScanNetworksResponse, error) {
	id, cidrs, err := h.scanner.ScanNetworks(rack.ScanRequest{
		ScanID:  req.ScanID,
		CIDRs:   req.CIDRs,
		Threads: req.Threads,
		Ping:    req.Ping,
		Slow:    req.Slow,
	})
	if err != nil {
		return nil, maaserrors.ToGRPCError(err)
	}
	return &pb.ScanNetworksResponse{ScanID: id, CIDRs: cidrs}, nil
}

func validatePowerRequest(req *pb.PowerRequest) error {
	if req.SystemID == "" {
		return maaserrors.InvalidArgument("system_id is required", nil)
	}
	if req.PowerType == "" {
		return maaserrors.InvalidArgument("power_type is required", nil)
	}
	return nil
}
