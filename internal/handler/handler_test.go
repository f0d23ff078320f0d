package handler

import (
	"context"
	"errors"
	"testing"

	maaserrors "github.com/canonical/maas-sub025/internal/errors"
	"github.com/canonical/maas-sub025/internal/model"
	"github.com/canonical/maas-sub025/internal/service/rack"
	"github.com/canonical/maas-sub025/internal/store"
	pb "github.com/canonical/maas-sub025/pkg/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// MockPowerActions is a mock implementation of PowerActions
type MockPowerActions struct {
	mock.Mock
}

func (m *MockPowerActions) PowerChange(ctx context.Context, systemID, hostname, powerType string, change model.PowerChange, params model.PowerParameters) error {
	return m.Called(ctx, systemID, hostname, powerType, change, params).Error(0)
}

func (m *MockPowerActions) PowerQuery(ctx context.Context, systemID, powerType string, params model.PowerParameters) (model.PowerState, string, error) {
	args := m.Called(ctx, systemID, powerType, params)
	return args.Get(0).(model.PowerState), args.String(1), args.Error(2)
}

func (m *MockPowerActions) PowerDriverCheck(powerType string) ([]string, error) {
	args := m.Called(powerType)
	missing, _ := args.Get(0).([]string)
	return missing, args.Error(1)
}

func (m *MockPowerActions) SetBootOrder(ctx context.Context, systemID, powerType string, params model.PowerParameters, order []string) error {
	return m.Called(ctx, systemID, powerType, params, order).Error(0)
}

// MockScanner is a mock implementation of NetworkScanner
type MockScanner struct {
	mock.Mock
}

func (m *MockScanner) ScanNetworks(req rack.ScanRequest) (string, []string, error) {
	args := m.Called(req)
	cidrs, _ := args.Get(1).([]string)
	return args.String(0), cidrs, args.Error(2)
}

type fakeRegistrar struct {
	registered map[string]string
	err        error
}

func (f *fakeRegistrar) Register(_ context.Context, systemID, address string) error {
	if f.err != nil {
		return f.err
	}
	f.registered[systemID] = address
	return nil
}

func TestRackHandler_PowerChange(t *testing.T) {
	power := &MockPowerActions{}
	h := NewRackHandler("rack01", power, &MockScanner{}, zap.NewNop())
	ctx := context.Background()
	params := model.PowerParameters{"power_address": "10.0.0.10"}

	power.On("PowerChange", ctx, "abc123", "node1", "ipmi", model.PowerChangeCycle, params).Return(nil)
	_, err := h.PowerCycle(ctx, &pb.PowerRequest{
		SystemID:  "abc123",
		Hostname:  "node1",
		PowerType: "ipmi",
		Context:   map[string]any{"power_address": "10.0.0.10"},
	})
	require.NoError(t, err)

	power.On("PowerChange", ctx, "abc123", "node1", "ipmi", model.PowerChangeOff, mock.Anything).
		Return(maaserrors.PowerActionAlreadyInProgress("abc123", "node1", "off"))
	_, err = h.PowerOff(ctx, &pb.PowerRequest{SystemID: "abc123", Hostname: "node1", PowerType: "ipmi"})
	require.Error(t, err)
	_, isStatus := status.FromError(err)
	assert.True(t, isStatus)
	assert.True(t, errors.Is(maaserrors.FromGRPCError(err), maaserrors.ErrPowerActionAlreadyInProgress))

	power.AssertExpectations(t)
}

func TestRackHandler_RejectsIncompleteRequest(t *testing.T) {
	power := &MockPowerActions{}
	h := NewRackHandler("rack01", power, &MockScanner{}, zap.NewNop())

	_, err := h.PowerOn(context.Background(), &pb.PowerRequest{SystemID: "abc123"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	power.AssertNotCalled(t, "PowerChange")
}

func TestRackHandler_PowerQuery(t *testing.T) {
	power := &MockPowerActions{}
	h := NewRackHandler("rack01", power, &MockScanner{}, zap.NewNop())
	ctx := context.Background()

	power.On("PowerQuery", ctx, "abc123", "virsh", mock.Anything).
		Return(model.PowerStateError, "connection refused", nil)

	resp, err := h.PowerQuery(ctx, &pb.PowerRequest{SystemID: "abc123", PowerType: "virsh"})
	require.NoError(t, err)
	assert.Equal(t, "error", resp.State)
	assert.Equal(t, "connection refused", resp.Error)
}

func TestRackHandler_PowerDriverCheckAndBootOrder(t *testing.T) {
	power := &MockPowerActions{}
	h := NewRackHandler("rack01", power, &MockScanner{}, zap.NewNop())
	ctx := context.Background()

	power.On("PowerDriverCheck", "ipmi").Return([]string{"ipmitool"}, nil)
	resp, err := h.PowerDriverCheck(ctx, &pb.PowerDriverCheckRequest{PowerType: "ipmi"})
	require.NoError(t, err)
	assert.Equal(t, []string{"ipmitool"}, resp.MissingPackages)

	power.On("SetBootOrder", ctx, "abc123", "manual", mock.Anything, []string{"pxe"}).
		Return(maaserrors.NotImplemented("set_boot_order", "manual"))
	_, err = h.SetBootOrder(ctx, &pb.SetBootOrderRequest{SystemID: "abc123", PowerType: "manual", Order: []string{"pxe"}})
	assert.True(t, errors.Is(maaserrors.FromGRPCError(err), maaserrors.ErrNotImplemented))
	assert.False(t, maaserrors.IsUnhandledCommand(err))
}

func TestRackHandler_ScanNetworks(t *testing.T) {
	scanner := &MockScanner{}
	h := NewRackHandler("rack01", &MockPowerActions{}, scanner, zap.NewNop())
	ctx := context.Background()

	scanner.On("ScanNetworks", rack.ScanRequest{ScanID: "s1", CIDRs: []string{"10.0.0.0/24"}, Threads: 2}).
		Return("s1", []string{"10.0.0.0/24"}, nil).Once()
	resp, err := h.ScanNetworks(ctx, &pb.ScanNetworksRequest{ScanID: "s1", CIDRs: []string{"10.0.0.0/24"}, Threads: 2})
	require.NoError(t, err)
	assert.Equal(t, "s1", resp.ScanID)
	assert.Equal(t, []string{"10.0.0.0/24"}, resp.CIDRs)

	scanner.On("ScanNetworks", mock.Anything).Return("", nil, maaserrors.ScanAlreadyInProgress())
	_, err = h.ScanNetworks(ctx, &pb.ScanNetworksRequest{CIDRs: []string{"10.0.0.0/24"}})
	assert.True(t, errors.Is(maaserrors.FromGRPCError(err), maaserrors.ErrScanAlreadyInProgress))
}

func TestRackHandler_Identify(t *testing.T) {
	h := NewRackHandler("rack01", &MockPowerActions{}, &MockScanner{}, zap.NewNop())
	resp, err := h.Identify(context.Background(), &pb.Empty{})
	require.NoError(t, err)
	assert.Equal(t, "rack01", resp.Ident)
}

func newRegionHandler() (*RegionHandler, *store.MemoryStore, *fakeRegistrar) {
	s := store.NewMemoryStore()
	s.AddNode("rack01", model.ControllerType{IsRack: true})
	s.AddNode("node01", model.ControllerType{})
	registrar := &fakeRegistrar{registered: make(map[string]string)}
	return NewRegionHandler("region1:1234", s, registrar, zap.NewNop()), s, registrar
}

func TestRegionHandler_RegisterRackController(t *testing.T) {
	h, _, registrar := newRegionHandler()
	ctx := context.Background()

	resp, err := h.RegisterRackController(ctx, &pb.RegisterRackControllerRequest{
		SystemID: "rack01",
		Hostname: "rack01.maas",
		Address:  "10.0.0.5:5251",
	})
	require.NoError(t, err)
	assert.Equal(t, "rack01", resp.SystemID)
	assert.Equal(t, "10.0.0.5:5251", registrar.registered["rack01"])

	_, err = h.RegisterRackController(ctx, &pb.RegisterRackControllerRequest{SystemID: "ghost", Address: "10.0.0.6:5251"})
	assert.True(t, errors.Is(maaserrors.FromGRPCError(err), maaserrors.ErrNoSuchNode))

	_, err = h.RegisterRackController(ctx, &pb.RegisterRackControllerRequest{SystemID: "rack01"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	registrar.err = maaserrors.InvalidArgument("ident mismatch", nil)
	_, err = h.RegisterRackController(ctx, &pb.RegisterRackControllerRequest{SystemID: "rack01", Address: "10.0.0.7:5251"})
	assert.Error(t, err)
}

func TestRegionHandler_Configuration(t *testing.T) {
	h, s, _ := newRegionHandler()
	ctx := context.Background()
	s.SetControllerSettings(
		model.TimeConfiguration{Servers: []string{"ntp.ubuntu.com"}, Peers: []string{"10.0.0.2"}},
		model.DNSSettings{TrustedNetworks: []string{"10.0.0.0/24"}},
		model.ProxySettings{Enabled: true, Port: 8000, AllowedCIDRs: []string{"10.0.0.0/24"}},
	)

	ident, err := h.Identify(ctx, &pb.Empty{})
	require.NoError(t, err)
	assert.Equal(t, "region1:1234", ident.Ident)

	ct, err := h.GetControllerType(ctx, &pb.SystemIDRequest{SystemID: "rack01"})
	require.NoError(t, err)
	assert.True(t, ct.IsRack)
	assert.False(t, ct.IsRegion)

	ntp, err := h.GetTimeConfiguration(ctx, &pb.SystemIDRequest{SystemID: "rack01"})
	require.NoError(t, err)
	assert.Equal(t, []string{"ntp.ubuntu.com"}, ntp.Servers)

	dns, err := h.GetDNSConfiguration(ctx, &pb.SystemIDRequest{SystemID: "rack01"})
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.0/24"}, dns.TrustedNetworks)

	proxy, err := h.GetProxyConfiguration(ctx, &pb.SystemIDRequest{SystemID: "rack01"})
	require.NoError(t, err)
	assert.Equal(t, 8000, proxy.Port)
	assert.True(t, proxy.Enabled)

	syslog, err := h.GetSyslogConfiguration(ctx, &pb.SystemIDRequest{SystemID: "rack01"})
	require.NoError(t, err)
	assert.Equal(t, 5247, syslog.Port)
	assert.Nil(t, syslog.PromtailPort)

	s.SetSyslogSettings(model.SyslogSettings{Port: 5514, PromtailPort: 5238})
	syslog, err = h.GetSyslogConfiguration(ctx, &pb.SystemIDRequest{SystemID: "rack01"})
	require.NoError(t, err)
	assert.Equal(t, 5514, syslog.Port)
	require.NotNil(t, syslog.PromtailPort)
	assert.Equal(t, 5238, *syslog.PromtailPort)

	_, err = h.GetControllerType(ctx, &pb.SystemIDRequest{SystemID: "ghost"})
	assert.True(t, errors.Is(maaserrors.FromGRPCError(err), maaserrors.ErrNoSuchNode))

	_, err = h.GetSyslogConfiguration(ctx, &pb.SystemIDRequest{SystemID: "ghost"})
	assert.True(t, errors.Is(maaserrors.FromGRPCError(err), maaserrors.ErrNoSuchNode))
}

func TestRegionHandler_NodeCallbacks(t *testing.T) {
	h, s, _ := newRegionHandler()
	ctx := context.Background()

	_, err := h.UpdateNodePowerState(ctx, &pb.UpdateNodePowerStateRequest{SystemID: "node01", PowerState: "on"})
	require.NoError(t, err)
	node, ok := s.Node("node01")
	require.True(t, ok)
	assert.Equal(t, model.PowerStateOn, node.PowerState)

	_, err = h.UpdateNodePowerState(ctx, &pb.UpdateNodePowerStateRequest{SystemID: "node01", PowerState: "sideways"})
	require.NoError(t, err)
	node, _ = s.Node("node01")
	assert.Equal(t, model.PowerStateUnknown, node.PowerState)

	_, err = h.MarkNodeBroken(ctx, &pb.MarkNodeBrokenRequest{SystemID: "node01", ErrorDescription: "Timeout after 7 tries"})
	require.NoError(t, err)
	assert.Equal(t, "Timeout after 7 tries", s.BrokenReason("node01"))

	_, err = h.MarkNodeBroken(ctx, &pb.MarkNodeBrokenRequest{SystemID: "ghost"})
	assert.True(t, errors.Is(maaserrors.FromGRPCError(err), maaserrors.ErrNoSuchNode))
}
