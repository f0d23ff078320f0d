package region

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/canonical/maas-sub025/internal/model"
	"github.com/canonical/maas-sub025/internal/store"
	"go.uber.org/zap"
)

// ActiveDiscoveryLock is the cluster lock serialising scans across regions
const ActiveDiscoveryLock = "active_discovery"

// Reasons returned by TryLockAndScan when no scan is started
const (
	ReasonLockHeld        = "Skipping active scan. Another region controller is already scanning."
	ReasonPassiveDisabled = "Active scanning is not enabled. (Passive discovery is disabled.)"
	ReasonDisabled        = "Skipping active scan. Active subnet mapping is disabled."
	ReasonNotDue          = "Another region controller has already scanned recently. Skipping active scan."
	ReasonNoSubnets       = "Active scanning is not enabled on any subnet. Skipping active scan."
	ReasonNoRacks         = "Unable to initiate network scanning on any rack controller. The scan will be retried on the next tick."
)

// DiscoveryState is the coordinator's lifecycle state
type DiscoveryState int

const (
	StateUninitialized DiscoveryState = iota
	StateIdle
	StateScanning
)

func (s DiscoveryState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateScanning:
		return "SCANNING"
	default:
		return "UNINITIALIZED"
	}
}

// Scanner dispatches a scan to the racks
type Scanner interface {
	ScanAllRackNetworks(ctx context.Context, cidrs []string) model.ScanResult
}

// DiscoveryRecorder receives discovery metrics
type DiscoveryRecorder interface {
	RecordDiscoveryScan(outcome string)
	RecordDiscoveryLastScan(epoch int64)
}

// DiscoveryService periodically starts an active network scan when the
// configured interval has elapsed. At most one region in the cluster scans
// at a time.
type DiscoveryService struct {
	store        store.ConfigStore
	locker       store.Locker
	scanner      Scanner
	tickInterval time.Duration
	recorder     DiscoveryRecorder
	logger       *zap.Logger
	now          func() time.Time

	mu     sync.Mutex
	state  DiscoveryState
	config *model.DiscoveryConfig

	// runMu serialises Run between the ticker and out of band triggers
	runMu   sync.Mutex
	trigger chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup
	stopped bool
}

// NewDiscoveryService creates a new discovery service
func NewDiscoveryService(
	configStore store.ConfigStore,
	locker store.Locker,
	scanner Scanner,
	tickInterval time.Duration,
	recorder DiscoveryRecorder,
	logger *zap.Logger,
) *DiscoveryService {
	return &DiscoveryService{
		store:        configStore,
		locker:       locker,
		scanner:      scanner,
		tickInterval: tickInterval,
		recorder:     recorder,
		logger:       logger,
		now:          time.Now,
		trigger:      make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
	}
}

// SetClock replaces the wall clock
func (s *DiscoveryService) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *DiscoveryService) clock() time.Time {
	s.mu.Lock()
	now := s.now
	s.mu.Unlock()
	return now()
}

// State returns the current lifecycle state
func (s *DiscoveryService) State() DiscoveryState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Config returns the cached configuration, or false before the first refresh
func (s *DiscoveryService) Config() (model.DiscoveryConfig, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.config == nil {
		return model.DiscoveryConfig{}, false
	}
	return *s.config, true
}

// Start runs the coordinator loop in the background until Stop
func (s *DiscoveryService) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.loop(ctx)

	s.logger.Info("Active discovery service started",
		zap.Duration("tick_interval", s.tickInterval))
}

func (s *DiscoveryService) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	s.Run(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Run(ctx)
		case <-s.trigger:
			s.Run(ctx)
		}
	}
}

// Stop halts the timer and waits for an in-flight tick to finish
func (s *DiscoveryService) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("Active discovery service stopped")
}

// Run performs one tick. It never returns an error and recovers from panics
// so that the loop keeps ticking.
func (s *DiscoveryService) Run(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Active discovery tick panicked", zap.Any("panic", r))
			s.setState(StateIdle)
		}
	}()

	cfg, ok := s.Config()
	if !ok {
		var err error
		cfg, err = s.refresh(ctx)
		if err != nil {
			s.logger.Error("Failed to read active discovery configuration", zap.Error(err))
			return
		}
		s.logInitialConfig(cfg)
	}

	if !cfg.Enabled {
		return
	}
	if reason := s.ScanIfNeeded(ctx); reason != "" {
		s.logger.Debug("Active discovery tick finished", zap.String("result", reason))
	}
}

func (s *DiscoveryService) logInitialConfig(cfg model.DiscoveryConfig) {
	if !cfg.Enabled {
		s.logger.Info("Active network discovery disabled")
		return
	}
	if cfg.IntervalSeconds != model.DefaultActiveDiscoveryInterval {
		s.logger.Info("Active network discovery interval set",
			zap.Int64("interval_seconds", cfg.IntervalSeconds))
	}
}

// refresh reads the configuration and caches it
func (s *DiscoveryService) refresh(ctx context.Context) (model.DiscoveryConfig, error) {
	cfg, err := s.store.GetActiveDiscoveryConfig(ctx)
	if err != nil {
		return model.DiscoveryConfig{}, err
	}
	s.mu.Lock()
	s.config = &cfg
	if s.state == StateUninitialized {
		s.state = StateIdle
	}
	s.mu.Unlock()
	return cfg, nil
}

// RefreshDiscoveryConfig re-reads the configuration. When the interval or
// last scan changed, a tick is triggered without waiting for the timer.
// Errors are logged and swallowed.
func (s *DiscoveryService) RefreshDiscoveryConfig(ctx context.Context) bool {
	previous, hadConfig := s.Config()
	cfg, err := s.refresh(ctx)
	if err != nil {
		s.logger.Error("Failed to refresh active discovery configuration", zap.Error(err))
		return false
	}
	if hadConfig && previous.IntervalSeconds == cfg.IntervalSeconds && previous.LastScan == cfg.LastScan {
		return false
	}

	if hadConfig && previous.IntervalSeconds != cfg.IntervalSeconds {
		s.logger.Info("Active network discovery interval changed",
			zap.Int64("old_interval_seconds", previous.IntervalSeconds),
			zap.Int64("interval_seconds", cfg.IntervalSeconds))
	}

	select {
	case s.trigger <- struct{}{}:
	default:
	}
	return true
}

// ScanIfNeeded starts a scan when the interval has elapsed since the last
// one. It returns the outcome, or "" when no scan was due.
func (s *DiscoveryService) ScanIfNeeded(ctx context.Context) string {
	cfg, ok := s.Config()
	if !ok || !cfg.Enabled {
		return ""
	}

	now := s.clock().Unix()
	if now < cfg.LastScan {
		s.logger.Warn("Last active scan is in the future; check the clock of this region controller",
			zap.Int64("last_scan", cfg.LastScan),
			zap.Int64("now", now))
		s.record("clock_skew")
		return ""
	}
	if now < cfg.NextScan() {
		return ""
	}
	return s.TryLockAndScan(ctx)
}

// TryLockAndScan takes the cluster lock without waiting, re-checks the
// configuration under it and dispatches the scan. The returned string
// describes what happened.
func (s *DiscoveryService) TryLockAndScan(ctx context.Context) string {
	lock, ok, err := s.locker.TryLock(ctx, ActiveDiscoveryLock)
	if err != nil {
		s.logger.Error("Failed to acquire active discovery lock", zap.Error(err))
		s.record("lock_error")
		return fmt.Sprintf("Unable to acquire the active discovery lock: %v", err)
	}
	if !ok {
		s.record("lock_held")
		return ReasonLockHeld
	}
	defer func() {
		if err := lock.Unlock(context.Background()); err != nil {
			s.logger.Error("Failed to release active discovery lock", zap.Error(err))
		}
	}()

	s.setState(StateScanning)
	defer s.setState(StateIdle)

	reason, err := s.scanUnderLock(ctx)
	if err != nil {
		s.logger.Error("Active discovery scan failed", zap.Error(err))
		s.record("error")
		return fmt.Sprintf("Active scan failed: %v", err)
	}
	return reason
}

func (s *DiscoveryService) scanUnderLock(ctx context.Context) (string, error) {
	passive, err := s.store.IsPassiveDiscoveryEnabled(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to read network discovery setting: %w", err)
	}
	if !passive {
		s.record("passive_disabled")
		return ReasonPassiveDisabled, nil
	}

	cfg, err := s.refresh(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to re-read active discovery configuration: %w", err)
	}
	if !cfg.Enabled {
		s.record("disabled")
		return ReasonDisabled, nil
	}
	now := s.clock().Unix()
	if now < cfg.NextScan() {
		s.record("not_due")
		return ReasonNotDue, nil
	}

	cidrs, err := s.store.ListActiveDiscoverySubnets(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list subnets: %w", err)
	}
	if len(cidrs) == 0 {
		s.record("no_subnets")
		return ReasonNoSubnets, nil
	}

	result := s.scanner.ScanAllRackNetworks(ctx, cidrs)
	if !result.Succeeded() {
		s.record("no_racks")
		s.logger.Warn("No rack controller accepted the active scan",
			zap.String("scan_id", result.ScanID),
			zap.Int("failed", len(result.Failed)))
		return ReasonNoRacks, nil
	}

	if err := s.store.SetActiveDiscoveryLastScan(ctx, now); err != nil {
		return "", fmt.Errorf("failed to record last scan: %w", err)
	}
	s.mu.Lock()
	updated := model.NewDiscoveryConfig(cfg.IntervalSeconds, now)
	s.config = &updated
	s.mu.Unlock()

	s.record("scanned")
	if s.recorder != nil {
		s.recorder.RecordDiscoveryLastScan(now)
	}

	msg := fmt.Sprintf("Active scan of %d subnet(s) started on %d rack controller(s).",
		len(cidrs), len(result.Scheduled))
	s.logger.Info(msg,
		zap.String("scan_id", result.ScanID),
		zap.Strings("racks", result.Scheduled))
	return msg, nil
}

func (s *DiscoveryService) setState(state DiscoveryState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *DiscoveryService) record(outcome string) {
	if s.recorder != nil {
		s.recorder.RecordDiscoveryScan(outcome)
	}
}
