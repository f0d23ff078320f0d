package rack

import (
	"context"
	"sync"

	"github.com/canonical/maas-sub025/internal/client"
	maaserrors "github.com/canonical/maas-sub025/internal/errors"
	"github.com/canonical/maas-sub025/internal/model"
	"github.com/stretchr/testify/mock"
)

// fakeDriver is a scriptable power driver
type fakeDriver struct {
	mu        sync.Mutex
	name      string
	queryable bool
	missing   []string
	state     model.PowerState
	stuck     bool
	onErr     error
	queryErr  error
	release   chan struct{}
	calls     []string
}

func newFakeDriver(name string) *fakeDriver {
	return &fakeDriver{name: name, queryable: true, state: model.PowerStateOff}
}

func (d *fakeDriver) Name() string                   { return d.name }
func (d *fakeDriver) Queryable() bool                { return d.queryable }
func (d *fakeDriver) DetectMissingPackages() []string { return d.missing }

func (d *fakeDriver) change(ctx context.Context, call string, to model.PowerState) error {
	if d.release != nil {
		select {
		case <-d.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, call)
	if d.onErr != nil {
		return d.onErr
	}
	if !d.stuck {
		d.state = to
	}
	return nil
}

func (d *fakeDriver) PowerOn(ctx context.Context, _ string, _ model.PowerParameters) error {
	return d.change(ctx, "on", model.PowerStateOn)
}

func (d *fakeDriver) PowerOff(ctx context.Context, _ string, _ model.PowerParameters) error {
	return d.change(ctx, "off", model.PowerStateOff)
}

func (d *fakeDriver) PowerQuery(context.Context, string, model.PowerParameters) (model.PowerState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "query")
	if d.queryErr != nil {
		return "", d.queryErr
	}
	return d.state, nil
}

func (d *fakeDriver) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

// fakeRegion records the callbacks a rack makes to its region
type fakeRegion struct {
	mu     sync.Mutex
	states map[string]model.PowerState
	broken map[string]string

	controllerType model.ControllerType
	time           model.TimeConfiguration
	dns            model.DNSSettings
	proxy          model.ProxySettings
	syslog         model.SyslogSettings
	typeErr        error
}

func newFakeRegion() *fakeRegion {
	return &fakeRegion{
		states:         make(map[string]model.PowerState),
		broken:         make(map[string]string),
		controllerType: model.ControllerType{IsRack: true},
	}
}

func (r *fakeRegion) Eventloop() string { return "region1:100" }

func (r *fakeRegion) RegisterRackController(context.Context, string, string, string) error {
	return nil
}

func (r *fakeRegion) GetControllerType(context.Context, string) (model.ControllerType, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.controllerType, r.typeErr
}

func (r *fakeRegion) GetTimeConfiguration(context.Context, string) (model.TimeConfiguration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.time, nil
}

func (r *fakeRegion) GetDNSConfiguration(context.Context, string) (model.DNSSettings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dns, nil
}

func (r *fakeRegion) GetProxyConfiguration(context.Context, string) (model.ProxySettings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.proxy, nil
}

func (r *fakeRegion) GetSyslogConfiguration(context.Context, string) (model.SyslogSettings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.syslog, nil
}

func (r *fakeRegion) UpdateNodePowerState(_ context.Context, systemID string, state model.PowerState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[systemID] = state
	return nil
}

func (r *fakeRegion) MarkNodeBroken(_ context.Context, systemID, description string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broken[systemID] = description
	return nil
}

func (r *fakeRegion) State(systemID string) model.PowerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[systemID]
}

func (r *fakeRegion) Broken(systemID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	desc, ok := r.broken[systemID]
	return desc, ok
}

// fakeRegions is a connection pool holding at most one region
type fakeRegions struct {
	mu          sync.Mutex
	region      *fakeRegion
	connections map[string][]model.RegionConnection
}

func (f *fakeRegions) GetClientNow() (client.RegionClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.region == nil {
		return nil, maaserrors.NoConnectionsAvailable("no region connections")
	}
	return f.region, nil
}

func (f *fakeRegions) Connections() map[string][]model.RegionConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connections
}

// MockRunner is a mock implementation of driver.Runner
type MockRunner struct {
	mock.Mock
}

func (m *MockRunner) Run(ctx context.Context, env []string, name string, args ...string) (string, error) {
	call := append([]interface{}{ctx, env, name}, stringsToArgs(args)...)
	ret := m.Called(call...)
	return ret.String(0), ret.Error(1)
}

func stringsToArgs(args []string) []interface{} {
	out := make([]interface{}, len(args))
	for i, a := range args {
		out[i] = a
	}
	return out
}

// fakeMonitor records service control calls
type fakeMonitor struct {
	mu      sync.Mutex
	calls   []string
	failFor map[string]error
}

func (m *fakeMonitor) do(action, service string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failFor[service]; err != nil {
		return err
	}
	m.calls = append(m.calls, action+" "+service)
	return nil
}

func (m *fakeMonitor) Start(_ context.Context, service string) error   { return m.do("start", service) }
func (m *fakeMonitor) Stop(_ context.Context, service string) error    { return m.do("stop", service) }
func (m *fakeMonitor) Restart(_ context.Context, service string) error { return m.do("restart", service) }
func (m *fakeMonitor) Reload(_ context.Context, service string) error  { return m.do("reload", service) }

func (m *fakeMonitor) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]string(nil), m.calls...)
	m.calls = nil
	return out
}

// countingRecorder counts outcomes by label
type countingRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{counts: make(map[string]int)}
}

func (r *countingRecorder) add(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[key]++
}

func (r *countingRecorder) RecordPowerChange(powerType, change, outcome string) {
	r.add(powerType + "/" + change + "/" + outcome)
}

func (r *countingRecorder) RecordReconcile(service, outcome string) {
	r.add(service + "/" + outcome)
}

func (r *countingRecorder) Count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[key]
}
