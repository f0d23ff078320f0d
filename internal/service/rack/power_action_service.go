package rack

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/canonical/maas-sub025/internal/client"
	"github.com/canonical/maas-sub025/internal/driver"
	maaserrors "github.com/canonical/maas-sub025/internal/errors"
	"github.com/canonical/maas-sub025/internal/model"
	"go.uber.org/zap"
)

// RegionSource hands out a connected region client
type RegionSource interface {
	GetClientNow() (client.RegionClient, error)
}

// PowerChangeRecorder receives power change metrics
type PowerChangeRecorder interface {
	RecordPowerChange(powerType, change, outcome string)
}

// PowerActionConfig configures a PowerActionService
type PowerActionConfig struct {
	// WaitingPolicy is the sequence of pauses between state checks after a change
	WaitingPolicy []time.Duration
	// ChangeTimeout bounds one whole background change
	ChangeTimeout time.Duration
	// CallTimeout bounds synchronous driver calls and region callbacks
	CallTimeout time.Duration
}

// WaitingPolicy converts a list of seconds into durations
func WaitingPolicy(seconds []int) []time.Duration {
	out := make([]time.Duration, len(seconds))
	for i, s := range seconds {
		out[i] = time.Duration(s) * time.Second
	}
	return out
}

// PowerActionService performs power changes and queries on this rack. At
// most one change per node is in flight.
type PowerActionService struct {
	registry *driver.Registry
	regions  RegionSource
	cfg      PowerActionConfig
	recorder PowerChangeRecorder
	logger   *zap.Logger
	sleep    func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	inFlight map[string]model.PowerChange

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPowerActionService creates a new power action service
func NewPowerActionService(
	registry *driver.Registry,
	regions RegionSource,
	cfg PowerActionConfig,
	recorder PowerChangeRecorder,
	logger *zap.Logger,
) *PowerActionService {
	ctx, cancel := context.WithCancel(context.Background())
	return &PowerActionService{
		registry: registry,
		regions:  regions,
		cfg:      cfg,
		recorder: recorder,
		logger:   logger,
		sleep:    sleepContext,
		inFlight: make(map[string]model.PowerChange),
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InFlight returns the change currently running for systemID, if any
func (s *PowerActionService) InFlight(systemID string) (model.PowerChange, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	change, ok := s.inFlight[systemID]
	return change, ok
}

// PowerChange starts a power change in the background and returns once it
// is accepted. Requesting the change already in flight succeeds without
// starting another; a different change fails with
// ErrPowerActionAlreadyInProgress.
func (s *PowerActionService) PowerChange(
	ctx context.Context,
	systemID, hostname, powerType string,
	change model.PowerChange,
	params model.PowerParameters,
) error {
	d, err := s.registry.Get(powerType)
	if err != nil {
		return err
	}
	if missing := d.DetectMissingPackages(); len(missing) > 0 {
		return maaserrors.PowerActionError(
			fmt.Sprintf("Missing packages required for %s: %s", powerType, strings.Join(missing, ", ")), nil)
	}

	s.mu.Lock()
	if current, ok := s.inFlight[systemID]; ok {
		s.mu.Unlock()
		if current == change {
			s.logger.Debug("Power change already in progress",
				zap.String("system_id", systemID),
				zap.String("change", string(change)))
			return nil
		}
		return maaserrors.PowerActionAlreadyInProgress(systemID, hostname, string(change))
	}
	s.inFlight[systemID] = change
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Info("Changing power state",
		zap.String("system_id", systemID),
		zap.String("hostname", hostname),
		zap.String("power_type", powerType),
		zap.String("change", string(change)))

	go s.perform(d, systemID, hostname, change, params)
	return nil
}

func (s *PowerActionService) perform(
	d driver.Driver,
	systemID, hostname string,
	change model.PowerChange,
	params model.PowerParameters,
) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.inFlight, systemID)
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(s.baseCtx, s.cfg.ChangeTimeout)
	defer cancel()

	state, err := s.changeAndWait(ctx, d, systemID, change, params)
	if err != nil {
		s.logger.Error("Power change failed",
			zap.String("system_id", systemID),
			zap.String("hostname", hostname),
			zap.String("change", string(change)),
			zap.Error(err))
		s.record(d.Name(), change, "failed")
		s.reportBroken(systemID, brokenDescription(err))
		return
	}

	s.logger.Info("Power change completed",
		zap.String("system_id", systemID),
		zap.String("hostname", hostname),
		zap.String("change", string(change)),
		zap.String("state", string(state)))
	s.record(d.Name(), change, "success")
	s.reportState(systemID, state)
}

// changeAndWait performs the change, then polls until the node reaches the
// expected state. An unknown state ends polling successfully.
func (s *PowerActionService) changeAndWait(
	ctx context.Context,
	d driver.Driver,
	systemID string,
	change model.PowerChange,
	params model.PowerParameters,
) (model.PowerState, error) {
	var err error
	switch change {
	case model.PowerChangeOn:
		err = d.PowerOn(ctx, systemID, params)
	case model.PowerChangeOff:
		err = d.PowerOff(ctx, systemID, params)
	case model.PowerChangeCycle:
		err = driver.Cycle(ctx, d, systemID, params)
	default:
		return "", maaserrors.InvalidArgument(fmt.Sprintf("unknown power change %q", change), nil)
	}
	if err != nil {
		return "", changeFailed(change, err)
	}

	if !d.Queryable() {
		return model.PowerStateUnknown, nil
	}

	expected := change.ExpectedState()
	for _, wait := range s.cfg.WaitingPolicy {
		if err := s.sleep(ctx, wait); err != nil {
			return "", changeFailed(change, err)
		}
		state, err := d.PowerQuery(ctx, systemID, params)
		if err != nil {
			s.logger.Debug("Power state check failed",
				zap.String("system_id", systemID),
				zap.Error(err))
			continue
		}
		if state == expected || state == model.PowerStateUnknown {
			return state, nil
		}
	}
	tries := len(s.cfg.WaitingPolicy)
	return "", &changeFailure{
		description: fmt.Sprintf("Timeout after %d tries", tries),
		err:         fmt.Errorf("timeout after %d tries", tries),
	}
}

// changeFailure is a failed power change. description is what the region
// records on the broken node.
type changeFailure struct {
	description string
	err         error
}

func (e *changeFailure) Error() string { return e.err.Error() }
func (e *changeFailure) Unwrap() error { return e.err }

func changeFailed(change model.PowerChange, err error) error {
	verb := changeVerb(change)
	return &changeFailure{
		description: fmt.Sprintf("Node could not be %s: %v", verb, err),
		err:         fmt.Errorf("node could not be %s: %w", verb, err),
	}
}

func brokenDescription(err error) string {
	var failure *changeFailure
	if errors.As(err, &failure) {
		return failure.description
	}
	return err.Error()
}

func changeVerb(change model.PowerChange) string {
	switch change {
	case model.PowerChangeOff:
		return "powered off"
	case model.PowerChangeCycle:
		return "power cycled"
	default:
		return "powered on"
	}
}

func (s *PowerActionService) reportState(systemID string, state model.PowerState) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CallTimeout)
	defer cancel()

	region, err := s.regions.GetClientNow()
	if err == nil {
		err = region.UpdateNodePowerState(ctx, systemID, state)
	}
	if err != nil {
		s.logger.Error("Failed to report power state to region",
			zap.String("system_id", systemID),
			zap.String("state", string(state)),
			zap.Error(err))
	}
}

func (s *PowerActionService) reportBroken(systemID, description string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CallTimeout)
	defer cancel()

	region, err := s.regions.GetClientNow()
	if err == nil {
		err = region.MarkNodeBroken(ctx, systemID, description)
	}
	if err != nil {
		s.logger.Error("Failed to mark node broken",
			zap.String("system_id", systemID),
			zap.String("description", description),
			zap.Error(err))
	}
}

// PowerQuery asks the driver for the node's state. A driver failure is not
// an error: it comes back as state error with the failure message.
func (s *PowerActionService) PowerQuery(
	ctx context.Context,
	systemID, powerType string,
	params model.PowerParameters,
) (model.PowerState, string, error) {
	d, err := s.registry.Get(powerType)
	if err != nil {
		return "", "", err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	state, err := d.PowerQuery(ctx, systemID, params)
	if err != nil {
		s.logger.Warn("Power query failed",
			zap.String("system_id", systemID),
			zap.String("power_type", powerType),
			zap.Error(err))
		return model.PowerStateError, err.Error(), nil
	}
	return state, "", nil
}

// PowerDriverCheck lists the packages missing for powerType
func (s *PowerActionService) PowerDriverCheck(powerType string) ([]string, error) {
	d, err := s.registry.Get(powerType)
	if err != nil {
		return nil, err
	}
	missing := d.DetectMissingPackages()
	if missing == nil {
		missing = []string{}
	}
	return missing, nil
}

// SetBootOrder configures the node's boot order through its driver
func (s *PowerActionService) SetBootOrder(
	ctx context.Context,
	systemID, powerType string,
	params model.PowerParameters,
	order []string,
) error {
	d, err := s.registry.Get(powerType)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	return driver.SetBootOrder(ctx, d, systemID, params, order)
}

func (s *PowerActionService) record(powerType string, change model.PowerChange, outcome string) {
	if s.recorder != nil {
		s.recorder.RecordPowerChange(powerType, string(change), outcome)
	}
}

// Stop cancels in-flight changes and waits for them to report
func (s *PowerActionService) Stop(timeout time.Duration) error {
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("power changes still running after %v", timeout)
	}
}
