package region

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/canonical/maas-sub025/internal/client"
	"github.com/canonical/maas-sub025/internal/config"
	maaserrors "github.com/canonical/maas-sub025/internal/errors"
	"github.com/canonical/maas-sub025/internal/model"
	pb "github.com/canonical/maas-sub025/pkg/proto"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// RackPool is the subset of the rack client pool the region services use
type RackPool interface {
	GetAllClients() []client.RackClient
	GetClientFor(ctx context.Context, ident string, timeout time.Duration) (client.RackClient, error)
}

// PowerRecorder receives power dispatch metrics
type PowerRecorder interface {
	RecordPowerAction(action, powerType, outcome string, duration time.Duration)
	RecordQueryAll(state string, responded, failed int, timedOut bool)
}

// PowerService dispatches power commands to rack controllers and reduces
// fleet-wide query answers into one state.
type PowerService struct {
	pool     RackPool
	cfg      config.PowerConfig
	recorder PowerRecorder
	logger   *zap.Logger
}

// NewPowerService creates a new power service
func NewPowerService(pool RackPool, cfg config.PowerConfig, recorder PowerRecorder, logger *zap.Logger) *PowerService {
	return &PowerService{
		pool:     pool,
		cfg:      cfg,
		recorder: recorder,
		logger:   logger,
	}
}

// ClientFor resolves the client of a rack, waiting up to the configured
// client wait timeout for it to connect.
func (s *PowerService) ClientFor(ctx context.Context, rackID string) (client.RackClient, error) {
	return s.pool.GetClientFor(ctx, rackID, s.cfg.ClientWaitTimeout)
}

func powerRequest(systemID, hostname string, info model.PowerInfo) *pb.PowerRequest {
	return &pb.PowerRequest{
		SystemID:  systemID,
		Hostname:  hostname,
		PowerType: info.PowerType,
		Context:   info.PowerParameters,
	}
}

// PowerOn asks the rack to power the node on
func (s *PowerService) PowerOn(ctx context.Context, c client.RackClient, systemID, hostname string, info model.PowerInfo) error {
	return s.dispatch(ctx, "on", systemID, info.PowerType, s.cfg.ActionTimeout, func(ctx context.Context) error {
		return c.PowerOn(ctx, powerRequest(systemID, hostname, info))
	})
}

// PowerOff asks the rack to power the node off
func (s *PowerService) PowerOff(ctx context.Context, c client.RackClient, systemID, hostname string, info model.PowerInfo) error {
	return s.dispatch(ctx, "off", systemID, info.PowerType, s.cfg.ActionTimeout, func(ctx context.Context) error {
		return c.PowerOff(ctx, powerRequest(systemID, hostname, info))
	})
}

// PowerCycle asks the rack to power cycle the node
func (s *PowerService) PowerCycle(ctx context.Context, c client.RackClient, systemID, hostname string, info model.PowerInfo) error {
	return s.dispatch(ctx, "cycle", systemID, info.PowerType, s.cfg.CycleTimeout, func(ctx context.Context) error {
		return c.PowerCycle(ctx, powerRequest(systemID, hostname, info))
	})
}

// PowerQuery asks one rack for the node's power state. A rack that reached
// the BMC but got an error back answers with state error and a message.
func (s *PowerService) PowerQuery(ctx context.Context, c client.RackClient, systemID, hostname string, info model.PowerInfo) (model.PowerQueryResult, error) {
	result := model.PowerQueryResult{SystemID: systemID, RackID: c.Ident()}
	err := s.dispatch(ctx, "query", systemID, info.PowerType, s.cfg.ActionTimeout, func(ctx context.Context) error {
		resp, err := c.PowerQuery(ctx, powerRequest(systemID, hostname, info))
		if err != nil {
			return err
		}
		result.State = model.ParsePowerState(resp.State)
		if resp.Error != "" {
			result.Err = errors.New(resp.Error)
		}
		return nil
	})
	if err != nil {
		result.State = model.PowerStateError
		result.Err = err
		return result, err
	}
	result.Success = result.State != model.PowerStateError
	return result, nil
}

// PowerDriverCheck returns the packages the rack lacks for powerType. A rack
// that does not know the command reports nothing missing.
func (s *PowerService) PowerDriverCheck(ctx context.Context, c client.RackClient, powerType string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.CycleTimeout)
	defer cancel()

	missing, err := c.PowerDriverCheck(ctx, powerType)
	if err != nil {
		if maaserrors.IsUnhandledCommand(err) {
			s.logger.Debug("Rack does not support driver checks",
				zap.String("rack_id", c.Ident()),
				zap.String("power_type", powerType))
			return []string{}, nil
		}
		return nil, err
	}
	if missing == nil {
		missing = []string{}
	}
	return missing, nil
}

// SetBootOrder sends a boot order to the rack. An empty order succeeds
// without contacting the rack.
func (s *PowerService) SetBootOrder(ctx context.Context, c client.RackClient, systemID, hostname string, info model.PowerInfo, order []string) error {
	if len(order) == 0 {
		return nil
	}
	return s.dispatch(ctx, "set_boot_order", systemID, info.PowerType, s.cfg.CycleTimeout, func(ctx context.Context) error {
		return c.SetBootOrder(ctx, &pb.SetBootOrderRequest{
			SystemID:  systemID,
			Hostname:  hostname,
			PowerType: info.PowerType,
			Context:   info.PowerParameters,
			Order:     order,
		})
	})
}

// dispatch bounds one rack call by timeout. An in-progress conflict on the
// rack comes back as a power problem; every other error is returned as is.
func (s *PowerService) dispatch(
	ctx context.Context,
	action, systemID, powerType string,
	timeout time.Duration,
	call func(context.Context) error,
) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := call(ctx)

	outcome := "success"
	switch {
	case err == nil:
	case errors.Is(err, maaserrors.ErrPowerActionAlreadyInProgress):
		outcome = "conflict"
		err = maaserrors.PowerProblem(systemID, err)
	default:
		outcome = maaserrors.GetCode(err).Reason()
	}
	if s.recorder != nil {
		s.recorder.RecordPowerAction(action, powerType, outcome, time.Since(start))
	}

	if err != nil {
		s.logger.Warn("Power action failed",
			zap.String("action", action),
			zap.String("system_id", systemID),
			zap.String("power_type", powerType),
			zap.Error(err))
	}
	return err
}

// PowerQueryAll queries every connected rack for the node's power state and
// reduces the answers. When timeout expires the outstanding calls are
// abandoned and the racks that have not answered are counted as failed. A
// zero timeout uses the configured default.
func (s *PowerService) PowerQueryAll(
	ctx context.Context,
	systemID, hostname string,
	info model.PowerInfo,
	timeout time.Duration,
) model.AggregatePowerOutcome {
	if timeout <= 0 {
		timeout = s.cfg.QueryAllTimeout
	}
	clients := s.pool.GetAllClients()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Results are correlated by the rack ident captured at dispatch time.
	var mu sync.Mutex
	results := make(map[string]model.PowerQueryResult, len(clients))

	g := new(errgroup.Group)
	for _, c := range clients {
		c := c
		g.Go(func() error {
			resp, err := c.PowerQuery(ctx, powerRequest(systemID, hostname, info))
			r := model.PowerQueryResult{SystemID: systemID, RackID: c.Ident(), Err: err}
			if err == nil {
				r.State = model.ParsePowerState(resp.State)
				r.Success = true
			}
			mu.Lock()
			results[c.Ident()] = r
			mu.Unlock()
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	timedOut := false
	select {
	case <-done:
	case <-ctx.Done():
		timedOut = true
		s.logger.Info("Fleet power query timed out; using partial results",
			zap.String("system_id", systemID),
			zap.Duration("timeout", timeout))
	}

	mu.Lock()
	settled := make([]model.PowerQueryResult, 0, len(clients))
	for _, c := range clients {
		r, ok := results[c.Ident()]
		if !ok {
			r = model.PowerQueryResult{
				SystemID: systemID,
				RackID:   c.Ident(),
				Err:      ctx.Err(),
			}
		}
		settled = append(settled, r)
	}
	mu.Unlock()

	outcome := ReducePowerQueryResults(settled)
	if s.recorder != nil {
		s.recorder.RecordQueryAll(string(outcome.State), len(outcome.RespondedRackIDs), len(outcome.FailedRackIDs), timedOut)
	}
	s.logger.Debug("Fleet power query completed",
		zap.String("system_id", systemID),
		zap.String("state", string(outcome.State)),
		zap.Strings("responded", outcome.RespondedRackIDs),
		zap.Strings("failed", outcome.FailedRackIDs))
	return outcome
}

// ReducePowerQueryResults classifies each rack as responded or failed and
// picks the best state among the responders. A rack that reported error is
// failed, as is one whose call did not succeed.
func ReducePowerQueryResults(results []model.PowerQueryResult) model.AggregatePowerOutcome {
	outcome := model.AggregatePowerOutcome{
		RespondedRackIDs: []string{},
		FailedRackIDs:    []string{},
	}
	var states []model.PowerState
	for _, r := range results {
		if !r.Success || r.Err != nil || r.State == model.PowerStateError {
			outcome.FailedRackIDs = append(outcome.FailedRackIDs, r.RackID)
			continue
		}
		outcome.RespondedRackIDs = append(outcome.RespondedRackIDs, r.RackID)
		states = append(states, r.State)
	}
	sort.Strings(outcome.RespondedRackIDs)
	sort.Strings(outcome.FailedRackIDs)
	outcome.State = PickBestPowerState(states)
	return outcome
}

var powerStatePriority = map[model.PowerState]int{
	model.PowerStateOn:      3,
	model.PowerStateOff:     2,
	model.PowerStateError:   1,
	model.PowerStateUnknown: 0,
}

// PickBestPowerState returns the highest priority state present: on, then
// off, then error, then unknown.
func PickBestPowerState(states []model.PowerState) model.PowerState {
	best := model.PowerStateUnknown
	for _, st := range states {
		if powerStatePriority[st] > powerStatePriority[best] {
			best = st
		}
	}
	return best
}
