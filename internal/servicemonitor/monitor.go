package servicemonitor

import (
	"context"
	"fmt"

	"github.com/coreos/go-systemd/v22/dbus"
	"go.uber.org/zap"
)

// Service names understood by a Monitor. They are mapped to unit names by
// configuration.
const (
	NTP    = "ntp_rack"
	DNS    = "dns_rack"
	Proxy  = "proxy_rack"
	Syslog = "syslog_rack"
	Agent  = "agent"
)

// Monitor controls the long running services managed by the rack
type Monitor interface {
	Start(ctx context.Context, service string) error
	Stop(ctx context.Context, service string) error
	Restart(ctx context.Context, service string) error
	Reload(ctx context.Context, service string) error
}

// SystemdMonitor drives units through the systemd D-Bus API
type SystemdMonitor struct {
	conn   *dbus.Conn
	units  map[string]string
	logger *zap.Logger
}

// NewSystemdMonitor connects to the system bus
func NewSystemdMonitor(ctx context.Context, units map[string]string, logger *zap.Logger) (*SystemdMonitor, error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to systemd: %w", err)
	}
	return &SystemdMonitor{conn: conn, units: units, logger: logger}, nil
}

func (m *SystemdMonitor) unit(service string) (string, error) {
	unit, ok := m.units[service]
	if !ok {
		return "", fmt.Errorf("no unit configured for service %s", service)
	}
	return unit, nil
}

type unitJob func(ctx context.Context, name, mode string, ch chan<- string) (int, error)

func (m *SystemdMonitor) run(ctx context.Context, action, service string, job unitJob) error {
	unit, err := m.unit(service)
	if err != nil {
		return err
	}

	done := make(chan string, 1)
	if _, err := job(ctx, unit, "replace", done); err != nil {
		return fmt.Errorf("failed to %s %s: %w", action, unit, err)
	}

	select {
	case result := <-done:
		if result != "done" {
			return fmt.Errorf("%s of %s finished with result %q", action, unit, result)
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	m.logger.Info("Service unit changed",
		zap.String("service", service),
		zap.String("unit", unit),
		zap.String("action", action))
	return nil
}

func (m *SystemdMonitor) Start(ctx context.Context, service string) error {
	return m.run(ctx, "start", service, m.conn.StartUnitContext)
}

func (m *SystemdMonitor) Stop(ctx context.Context, service string) error {
	return m.run(ctx, "stop", service, m.conn.StopUnitContext)
}

func (m *SystemdMonitor) Restart(ctx context.Context, service string) error {
	return m.run(ctx, "restart", service, m.conn.RestartUnitContext)
}

// Reload falls back to a restart for units without reload support
func (m *SystemdMonitor) Reload(ctx context.Context, service string) error {
	return m.run(ctx, "reload", service, m.conn.ReloadOrRestartUnitContext)
}

func (m *SystemdMonitor) Close() {
	m.conn.Close()
}

// NoopMonitor only logs. It is used when the rack does not own its units,
// for example in containers.
type NoopMonitor struct {
	logger *zap.Logger
}

func NewNoopMonitor(logger *zap.Logger) *NoopMonitor {
	return &NoopMonitor{logger: logger}
}

func (m *NoopMonitor) log(action, service string) error {
	m.logger.Debug("Skipping service control",
		zap.String("service", service),
		zap.String("action", action))
	return nil
}

func (m *NoopMonitor) Start(_ context.Context, service string) error {
	return m.log("start", service)
}

func (m *NoopMonitor) Stop(_ context.Context, service string) error {
	return m.log("stop", service)
}

func (m *NoopMonitor) Restart(_ context.Context, service string) error {
	return m.log("restart", service)
}

func (m *NoopMonitor) Reload(_ context.Context, service string) error {
	return m.log("reload", service)
}
