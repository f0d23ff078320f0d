package region

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/canonical/maas-sub025/internal/client"
	"github.com/canonical/maas-sub025/internal/config"
	maaserrors "github.com/canonical/maas-sub025/internal/errors"
	"github.com/canonical/maas-sub025/internal/metrics"
	"github.com/canonical/maas-sub025/internal/model"
	pb "github.com/canonical/maas-sub025/pkg/proto"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var ipmiInfo = model.PowerInfo{
	PowerType:       "ipmi",
	PowerParameters: model.PowerParameters{"power_address": "10.0.0.10", "power_user": "maas"},
}

func newTestPowerService(clients ...client.RackClient) (*PowerService, *metrics.Metrics) {
	m := metrics.NewTestMetrics()
	cfg := config.DefaultRegionConfig().Power
	return NewPowerService(&fakePool{clients: clients}, cfg, m, zap.NewNop()), m
}

func TestPickBestPowerState_Priority(t *testing.T) {
	tests := []struct {
		name   string
		states []model.PowerState
		want   model.PowerState
	}{
		{"empty", nil, model.PowerStateUnknown},
		{"on wins", []model.PowerState{"unknown", "error", "off", "on"}, model.PowerStateOn},
		{"off beats error", []model.PowerState{"error", "off", "unknown"}, model.PowerStateOff},
		{"error beats unknown", []model.PowerState{"unknown", "error"}, model.PowerStateError},
		{"only unknown", []model.PowerState{"unknown", "unknown"}, model.PowerStateUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PickBestPowerState(tt.states))
		})
	}
}

func TestPickBestPowerState_OrderIndependent(t *testing.T) {
	all := []model.PowerState{model.PowerStateOn, model.PowerStateOff, model.PowerStateError, model.PowerStateUnknown}

	// Every sequence of length 1..4 drawn from the four states
	var walk func(prefix []model.PowerState)
	walk = func(prefix []model.PowerState) {
		if len(prefix) > 0 {
			want := model.PowerStateUnknown
			for _, candidate := range all {
				if containsState(prefix, candidate) {
					want = candidate
					break
				}
			}
			require.Equal(t, want, PickBestPowerState(prefix), "states %v", prefix)
		}
		if len(prefix) == 4 {
			return
		}
		for _, st := range all {
			walk(append(append([]model.PowerState{}, prefix...), st))
		}
	}
	walk(nil)
}

func containsState(states []model.PowerState, st model.PowerState) bool {
	for _, s := range states {
		if s == st {
			return true
		}
	}
	return false
}

func TestPowerQueryAll_MixedResults(t *testing.T) {
	r1 := newMockRack("R1")
	r2 := newMockRack("R2")
	r3 := newMockRack("R3")
	r1.On("PowerQuery", mock.Anything, mock.Anything).Return(&pb.PowerQueryResponse{State: "off"}, nil)
	r2.On("PowerQuery", mock.Anything, mock.Anything).Return(nil, status.Error(codes.Unavailable, "connection reset"))
	r3.On("PowerQuery", mock.Anything, mock.Anything).Return(&pb.PowerQueryResponse{State: "on"}, nil)

	svc, m := newTestPowerService(r1, r2, r3)
	outcome := svc.PowerQueryAll(context.Background(), "node1", "node1.maas", ipmiInfo, time.Second)

	assert.Equal(t, model.PowerStateOn, outcome.State)
	assert.Equal(t, []string{"R1", "R3"}, outcome.RespondedRackIDs)
	assert.Equal(t, []string{"R2"}, outcome.FailedRackIDs)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.QueryAllOutcomes.WithLabelValues("on", "false")))
}

func TestPowerQueryAll_ErrorStateCountsAsFailed(t *testing.T) {
	r1 := newMockRack("R1")
	r2 := newMockRack("R2")
	r1.On("PowerQuery", mock.Anything, mock.Anything).
		Return(&pb.PowerQueryResponse{State: "error", Error: "BMC unreachable"}, nil)
	r2.On("PowerQuery", mock.Anything, mock.Anything).Return(&pb.PowerQueryResponse{State: "unknown"}, nil)

	svc, _ := newTestPowerService(r1, r2)
	outcome := svc.PowerQueryAll(context.Background(), "node1", "node1.maas", ipmiInfo, time.Second)

	assert.Equal(t, model.PowerStateUnknown, outcome.State)
	assert.Equal(t, []string{"R2"}, outcome.RespondedRackIDs)
	assert.Equal(t, []string{"R1"}, outcome.FailedRackIDs)
}

func TestPowerQueryAll_TimeoutReturnsPartialResults(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	fast := newMockRack("fast")
	slow := newMockRack("slow")
	fast.On("PowerQuery", mock.Anything, mock.Anything).Return(&pb.PowerQueryResponse{State: "off"}, nil)
	// The slow rack ignores cancellation entirely
	slow.On("PowerQuery", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { <-release }).
		Return(&pb.PowerQueryResponse{State: "on"}, nil)

	svc, m := newTestPowerService(fast, slow)

	start := time.Now()
	outcome := svc.PowerQueryAll(context.Background(), "node1", "node1.maas", ipmiInfo, 50*time.Millisecond)

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, model.PowerStateOff, outcome.State)
	assert.Equal(t, []string{"fast"}, outcome.RespondedRackIDs)
	assert.Equal(t, []string{"slow"}, outcome.FailedRackIDs)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.QueryAllOutcomes.WithLabelValues("off", "true")))
}

func TestPowerQueryAll_NoRacks(t *testing.T) {
	svc, _ := newTestPowerService()
	outcome := svc.PowerQueryAll(context.Background(), "node1", "node1.maas", ipmiInfo, time.Second)

	assert.Equal(t, model.PowerStateUnknown, outcome.State)
	assert.Empty(t, outcome.RespondedRackIDs)
	assert.Empty(t, outcome.FailedRackIDs)
}

func TestReducePowerQueryResults_Partition(t *testing.T) {
	results := []model.PowerQueryResult{
		{RackID: "a", State: model.PowerStateOn, Success: true},
		{RackID: "b", State: model.PowerStateError, Success: true},
		{RackID: "c", Err: errors.New("boom")},
		{RackID: "d", State: model.PowerStateUnknown, Success: true},
	}
	outcome := ReducePowerQueryResults(results)

	union := append(append([]string{}, outcome.RespondedRackIDs...), outcome.FailedRackIDs...)
	assert.ElementsMatch(t, []string{"a", "b", "c", "d"}, union)
	for _, id := range outcome.RespondedRackIDs {
		assert.NotContains(t, outcome.FailedRackIDs, id)
	}
	assert.Equal(t, model.PowerStateOn, outcome.State)
}

func TestPowerOn_InProgressBecomesPowerProblem(t *testing.T) {
	rack := newMockRack("R1")
	rack.On("PowerOn", mock.Anything, mock.MatchedBy(func(req *pb.PowerRequest) bool {
		return req.SystemID == "node1" && req.PowerType == "ipmi" && req.Context["power_address"] == "10.0.0.10"
	})).Return(maaserrors.PowerActionAlreadyInProgress("node1", "node1.maas", "off"))

	svc, m := newTestPowerService(rack)
	err := svc.PowerOn(context.Background(), rack, "node1", "node1.maas", ipmiInfo)

	require.Error(t, err)
	assert.ErrorIs(t, err, maaserrors.ErrPowerProblem)
	assert.ErrorIs(t, err, maaserrors.ErrPowerActionAlreadyInProgress)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.PowerActionsTotal.WithLabelValues("on", "ipmi", "conflict")))
	rack.AssertNumberOfCalls(t, "PowerOn", 1)
}

func TestPowerOff_OtherErrorsPropagate(t *testing.T) {
	rack := newMockRack("R1")
	rack.On("PowerOff", mock.Anything, mock.Anything).Return(maaserrors.UnknownPowerType("bogus"))

	svc, _ := newTestPowerService(rack)
	err := svc.PowerOff(context.Background(), rack, "node1", "node1.maas", model.PowerInfo{PowerType: "bogus"})

	assert.ErrorIs(t, err, maaserrors.ErrUnknownPowerType)
	assert.NotErrorIs(t, err, maaserrors.ErrPowerProblem)
}

func TestPowerCycle_UsesCycleTimeout(t *testing.T) {
	rack := newMockRack("R1")
	rack.On("PowerCycle", mock.MatchedBy(func(ctx context.Context) bool {
		deadline, ok := ctx.Deadline()
		return ok && time.Until(deadline) > 20*time.Second
	}), mock.Anything).Return(nil)

	svc, _ := newTestPowerService(rack)
	require.NoError(t, svc.PowerCycle(context.Background(), rack, "node1", "node1.maas", ipmiInfo))
	rack.AssertExpectations(t)
}

func TestPowerQuery_SingleRack(t *testing.T) {
	rack := newMockRack("R1")
	rack.On("PowerQuery", mock.Anything, mock.Anything).Return(&pb.PowerQueryResponse{State: "on"}, nil)

	svc, _ := newTestPowerService(rack)
	result, err := svc.PowerQuery(context.Background(), rack, "node1", "node1.maas", ipmiInfo)

	require.NoError(t, err)
	assert.Equal(t, model.PowerStateOn, result.State)
	assert.True(t, result.Success)
	assert.Equal(t, "R1", result.RackID)
}

func TestPowerDriverCheck_UnhandledCommandFailsOpen(t *testing.T) {
	rack := newMockRack("R1")
	rack.On("PowerDriverCheck", mock.Anything, "ipmi").
		Return(nil, status.Error(codes.Unimplemented, "unknown method PowerDriverCheck"))

	svc, _ := newTestPowerService(rack)
	missing, err := svc.PowerDriverCheck(context.Background(), rack, "ipmi")

	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestPowerDriverCheck_ReportsMissingPackages(t *testing.T) {
	rack := newMockRack("R1")
	rack.On("PowerDriverCheck", mock.Anything, "ipmi").Return([]string{"ipmitool"}, nil)
	rack.On("PowerDriverCheck", mock.Anything, "bogus").Return(nil, maaserrors.UnknownPowerType("bogus"))

	svc, _ := newTestPowerService(rack)
	missing, err := svc.PowerDriverCheck(context.Background(), rack, "ipmi")
	require.NoError(t, err)
	assert.Equal(t, []string{"ipmitool"}, missing)

	_, err = svc.PowerDriverCheck(context.Background(), rack, "bogus")
	assert.ErrorIs(t, err, maaserrors.ErrUnknownPowerType)
}

func TestSetBootOrder_EmptyOrderIsNoop(t *testing.T) {
	rack := newMockRack("R1")

	svc, _ := newTestPowerService(rack)
	require.NoError(t, svc.SetBootOrder(context.Background(), rack, "node1", "node1.maas", ipmiInfo, nil))
	require.NoError(t, svc.SetBootOrder(context.Background(), rack, "node1", "node1.maas", ipmiInfo, []string{}))

	rack.AssertNotCalled(t, "SetBootOrder", mock.Anything, mock.Anything)
}

func TestSetBootOrder_SendsOrder(t *testing.T) {
	rack := newMockRack("R1")
	rack.On("SetBootOrder", mock.Anything, mock.MatchedBy(func(req *pb.SetBootOrderRequest) bool {
		return len(req.Order) == 2 && req.Order[0] == "pxe"
	})).Return(nil)

	svc, _ := newTestPowerService(rack)
	require.NoError(t, svc.SetBootOrder(context.Background(), rack, "node1", "node1.maas", ipmiInfo, []string{"pxe", "disk"}))
	rack.AssertExpectations(t)
}

func TestClientFor_UnknownRack(t *testing.T) {
	svc, _ := newTestPowerService(newMockRack("R1"))

	_, err := svc.ClientFor(context.Background(), "R9")
	assert.ErrorIs(t, err, maaserrors.ErrNoConnectionsAvailable)
}
