package servicemonitor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestSystemdMonitor_UnknownService(t *testing.T) {
	m := &SystemdMonitor{units: map[string]string{NTP: "chrony.service"}, logger: zap.NewNop()}

	unit, err := m.unit(NTP)
	assert.NoError(t, err)
	assert.Equal(t, "chrony.service", unit)

	err = m.Restart(context.Background(), "syslog_rack")
	assert.ErrorContains(t, err, "no unit configured")
}

func TestSystemdMonitor_JobResult(t *testing.T) {
	m := &SystemdMonitor{units: map[string]string{DNS: "named.service"}, logger: zap.NewNop()}
	ctx := context.Background()

	ok := func(_ context.Context, name, mode string, ch chan<- string) (int, error) {
		assert.Equal(t, "named.service", name)
		assert.Equal(t, "replace", mode)
		ch <- "done"
		return 1, nil
	}
	assert.NoError(t, m.run(ctx, "reload", DNS, ok))

	failed := func(_ context.Context, _, _ string, ch chan<- string) (int, error) {
		ch <- "failed"
		return 1, nil
	}
	assert.ErrorContains(t, m.run(ctx, "reload", DNS, failed), `result "failed"`)
}

func TestNoopMonitor(t *testing.T) {
	m := NewNoopMonitor(zap.NewNop())
	ctx := context.Background()
	assert.NoError(t, m.Start(ctx, NTP))
	assert.NoError(t, m.Stop(ctx, Proxy))
	assert.NoError(t, m.Restart(ctx, Agent))
	assert.NoError(t, m.Reload(ctx, DNS))
}
