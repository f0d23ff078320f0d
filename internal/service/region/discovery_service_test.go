package region

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/canonical/maas-sub025/internal/metrics"
	"github.com/canonical/maas-sub025/internal/model"
	"github.com/canonical/maas-sub025/internal/store"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeScanner struct {
	mu        sync.Mutex
	calls     [][]string
	scheduled []string
	entered   chan struct{}
	release   chan struct{}
}

func (f *fakeScanner) ScanAllRackNetworks(_ context.Context, cidrs []string) model.ScanResult {
	f.mu.Lock()
	f.calls = append(f.calls, cidrs)
	f.mu.Unlock()

	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}

	result := model.ScanResult{ScanID: "scan-1", CIDRs: cidrs, Failed: map[string]error{}}
	result.Scheduled = append(result.Scheduled, f.scheduled...)
	if len(f.scheduled) == 0 {
		result.Failed["R1"] = errors.New("rack unreachable")
	}
	return result
}

func (f *fakeScanner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type failingStore struct {
	*store.MemoryStore
}

func (failingStore) GetActiveDiscoveryConfig(context.Context) (model.DiscoveryConfig, error) {
	return model.DiscoveryConfig{}, errors.New("database is down")
}

func clockAt(epoch int64) func() time.Time {
	return func() time.Time { return time.Unix(epoch, 0) }
}

func newDueStore(t *testing.T, interval, lastScan int64) *store.MemoryStore {
	t.Helper()
	s := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.SetActiveDiscoveryInterval(ctx, interval))
	require.NoError(t, s.SetActiveDiscoveryLastScan(ctx, lastScan))
	s.SetSubnet("10.0.0.0/24", true)
	s.SetSubnet("192.168.1.0/24", false)
	return s
}

func newTestDiscovery(cs store.ConfigStore, locker store.Locker, scanner Scanner, now int64) (*DiscoveryService, *metrics.Metrics) {
	m := metrics.NewTestMetrics()
	svc := NewDiscoveryService(cs, locker, scanner, time.Hour, m, zap.NewNop())
	svc.SetClock(clockAt(now))
	return svc, m
}

func storedLastScan(t *testing.T, s store.ConfigStore) int64 {
	t.Helper()
	cfg, err := s.GetActiveDiscoveryConfig(context.Background())
	require.NoError(t, err)
	return cfg.LastScan
}

func TestDiscovery_RunScansWhenDue(t *testing.T) {
	cs := newDueStore(t, 600, 1000)
	scanner := &fakeScanner{scheduled: []string{"R1", "R2"}}
	svc, m := newTestDiscovery(cs, store.NewMemoryLocker(), scanner, 2000)

	assert.Equal(t, StateUninitialized, svc.State())
	svc.Run(context.Background())

	assert.Equal(t, StateIdle, svc.State())
	require.Equal(t, 1, scanner.callCount())
	assert.Equal(t, []string{"10.0.0.0/24"}, scanner.calls[0])
	assert.Equal(t, int64(2000), storedLastScan(t, cs))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.DiscoveryScansTotal.WithLabelValues("scanned")))
	assert.Equal(t, float64(2000), testutil.ToFloat64(m.DiscoveryLastScan))

	cfg, ok := svc.Config()
	require.True(t, ok)
	assert.Equal(t, int64(2000), cfg.LastScan)
}

func TestDiscovery_NotDueDoesNothing(t *testing.T) {
	cs := newDueStore(t, 600, 1000)
	scanner := &fakeScanner{scheduled: []string{"R1"}}
	svc, _ := newTestDiscovery(cs, store.NewMemoryLocker(), scanner, 1500)

	svc.Run(context.Background())

	assert.Equal(t, 0, scanner.callCount())
	assert.Equal(t, int64(1000), storedLastScan(t, cs))
}

func TestDiscovery_ClockSkewSkipsScan(t *testing.T) {
	cs := newDueStore(t, 600, 1000)
	scanner := &fakeScanner{scheduled: []string{"R1"}}
	svc, m := newTestDiscovery(cs, store.NewMemoryLocker(), scanner, 500)

	svc.Run(context.Background())
	assert.Equal(t, "", svc.ScanIfNeeded(context.Background()))

	assert.Equal(t, 0, scanner.callCount())
	assert.Equal(t, int64(1000), storedLastScan(t, cs))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.DiscoveryScansTotal.WithLabelValues("clock_skew")))
}

func TestDiscovery_NoAckLeavesLastScan(t *testing.T) {
	cs := newDueStore(t, 600, 1000)
	scanner := &fakeScanner{}
	svc, _ := newTestDiscovery(cs, store.NewMemoryLocker(), scanner, 5000)

	svc.Run(context.Background())
	assert.Equal(t, 1, scanner.callCount())
	assert.Equal(t, int64(1000), storedLastScan(t, cs))

	// Still due on the next tick
	assert.Equal(t, ReasonNoRacks, svc.ScanIfNeeded(context.Background()))
	assert.Equal(t, 2, scanner.callCount())
}

func TestDiscovery_DisabledIntervalNeverScans(t *testing.T) {
	cs := newDueStore(t, 0, 1000)
	scanner := &fakeScanner{scheduled: []string{"R1"}}
	svc, _ := newTestDiscovery(cs, store.NewMemoryLocker(), scanner, 1_000_000)

	svc.Run(context.Background())

	cfg, ok := svc.Config()
	require.True(t, ok)
	assert.False(t, cfg.Enabled)
	assert.Equal(t, int64(0), cfg.IntervalSeconds)
	assert.Equal(t, int64(1000), cfg.LastScan)
	assert.Equal(t, 0, scanner.callCount())
}

func TestDiscovery_PreconditionsUnderLock(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(s *store.MemoryStore)
		want   string
	}{
		{
			name:   "passive discovery disabled",
			mutate: func(s *store.MemoryStore) { s.SetPassiveDiscovery(false) },
			want:   ReasonPassiveDisabled,
		},
		{
			name: "disabled by another region",
			mutate: func(s *store.MemoryStore) {
				_ = s.SetActiveDiscoveryInterval(context.Background(), 0)
			},
			want: ReasonDisabled,
		},
		{
			name: "another region already scanned",
			mutate: func(s *store.MemoryStore) {
				_ = s.SetActiveDiscoveryLastScan(context.Background(), 1900)
			},
			want: ReasonNotDue,
		},
		{
			name:   "no subnets",
			mutate: func(s *store.MemoryStore) { s.SetSubnet("10.0.0.0/24", false) },
			want:   ReasonNoSubnets,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cs := newDueStore(t, 600, 1000)
			scanner := &fakeScanner{scheduled: []string{"R1"}}
			svc, _ := newTestDiscovery(cs, store.NewMemoryLocker(), scanner, 2000)

			// Cache a config that looks due, then change the store behind it
			svc.RefreshDiscoveryConfig(context.Background())
			tt.mutate(cs)

			assert.Equal(t, tt.want, svc.ScanIfNeeded(context.Background()))
			assert.Equal(t, 0, scanner.callCount())
		})
	}
}

func TestDiscovery_SingleFlightAcrossRegions(t *testing.T) {
	cs := newDueStore(t, 600, 1000)
	locker := store.NewMemoryLocker()
	scanner := &fakeScanner{
		scheduled: []string{"R1"},
		entered:   make(chan struct{}, 1),
		release:   make(chan struct{}),
	}
	regionA, _ := newTestDiscovery(cs, locker, scanner, 2000)
	regionB, _ := newTestDiscovery(cs, locker, scanner, 2000)
	regionA.RefreshDiscoveryConfig(context.Background())
	regionB.RefreshDiscoveryConfig(context.Background())

	resultA := make(chan string, 1)
	go func() { resultA <- regionA.TryLockAndScan(context.Background()) }()

	<-scanner.entered
	assert.Equal(t, StateScanning, regionA.State())
	assert.Equal(t, ReasonLockHeld, regionB.TryLockAndScan(context.Background()))
	assert.Equal(t, int64(1000), storedLastScan(t, cs))

	close(scanner.release)
	assert.Contains(t, <-resultA, "Active scan of 1 subnet(s) started on 1 rack controller(s)")
	assert.Equal(t, 1, scanner.callCount())
	assert.Equal(t, int64(2000), storedLastScan(t, cs))

	// The lock is free again, but the scan is no longer due
	assert.Equal(t, ReasonNotDue, regionB.TryLockAndScan(context.Background()))
}

func TestDiscovery_RefreshFailureKeepsUninitialized(t *testing.T) {
	scanner := &fakeScanner{scheduled: []string{"R1"}}
	svc, _ := newTestDiscovery(failingStore{store.NewMemoryStore()}, store.NewMemoryLocker(), scanner, 2000)

	assert.NotPanics(t, func() { svc.Run(context.Background()) })
	assert.Equal(t, StateUninitialized, svc.State())
	assert.False(t, svc.RefreshDiscoveryConfig(context.Background()))
	assert.Equal(t, 0, scanner.callCount())
}

func TestDiscovery_RefreshTriggersOnChange(t *testing.T) {
	cs := newDueStore(t, 600, 1000)
	svc, _ := newTestDiscovery(cs, store.NewMemoryLocker(), &fakeScanner{}, 1200)

	assert.True(t, svc.RefreshDiscoveryConfig(context.Background()))
	<-svc.trigger
	assert.False(t, svc.RefreshDiscoveryConfig(context.Background()))

	require.NoError(t, cs.SetActiveDiscoveryInterval(context.Background(), 60))
	assert.True(t, svc.RefreshDiscoveryConfig(context.Background()))
	select {
	case <-svc.trigger:
	default:
		t.Fatal("expected an out of band run to be triggered")
	}
}

func TestDiscovery_StartRunsImmediatelyAndOnTrigger(t *testing.T) {
	cs := newDueStore(t, 600, 1000)
	scanner := &fakeScanner{scheduled: []string{"R1"}}
	svc, _ := newTestDiscovery(cs, store.NewMemoryLocker(), scanner, 2000)

	svc.Start(context.Background())
	defer svc.Stop()

	assert.Eventually(t, func() bool { return scanner.callCount() == 1 }, time.Second, 10*time.Millisecond)

	// Shrinking the interval makes the next scan due at once
	svc.SetClock(clockAt(2100))
	require.NoError(t, cs.SetActiveDiscoveryInterval(context.Background(), 60))
	svc.RefreshDiscoveryConfig(context.Background())

	assert.Eventually(t, func() bool { return scanner.callCount() == 2 }, time.Second, 10*time.Millisecond)
}
