package driver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	maaserrors "github.com/canonical/maas-sub025/internal/errors"
	"github.com/canonical/maas-sub025/internal/model"
	"go.uber.org/zap"
)

// IPMIDriver drives BMCs through ipmitool
type IPMIDriver struct {
	toolPath string
	runner   Runner
	logger   *zap.Logger
}

// NewIPMIDriver creates an ipmitool backed driver
func NewIPMIDriver(toolPath string, runner Runner, logger *zap.Logger) *IPMIDriver {
	if toolPath == "" {
		toolPath = "ipmitool"
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &IPMIDriver{toolPath: toolPath, runner: runner, logger: logger}
}

func (d *IPMIDriver) Name() string    { return "ipmi" }
func (d *IPMIDriver) Queryable() bool { return true }

func (d *IPMIDriver) DetectMissingPackages() []string {
	return missingBinary(d.toolPath, "ipmitool")
}

func (d *IPMIDriver) PowerOn(ctx context.Context, systemID string, params model.PowerParameters) error {
	_, err := d.chassis(ctx, systemID, params, "power", "on")
	return err
}

func (d *IPMIDriver) PowerOff(ctx context.Context, systemID string, params model.PowerParameters) error {
	_, err := d.chassis(ctx, systemID, params, "power", "off")
	return err
}

func (d *IPMIDriver) PowerCycle(ctx context.Context, systemID string, params model.PowerParameters) error {
	state, err := d.PowerQuery(ctx, systemID, params)
	if err != nil {
		return err
	}
	// "chassis power cycle" is rejected by most BMCs when the chassis is off
	if state == model.PowerStateOff {
		return d.PowerOn(ctx, systemID, params)
	}
	_, err = d.chassis(ctx, systemID, params, "power", "cycle")
	return err
}

func (d *IPMIDriver) PowerQuery(ctx context.Context, systemID string, params model.PowerParameters) (model.PowerState, error) {
	out, err := d.chassis(ctx, systemID, params, "power", "status")
	if err != nil {
		return model.PowerStateError, err
	}
	return parseChassisPower(out), nil
}

// SetBootOrder maps the first boot device onto an IPMI boot device. IPMI can
// only express the first device, so the rest of the order is ignored.
func (d *IPMIDriver) SetBootOrder(ctx context.Context, systemID string, params model.PowerParameters, order []string) error {
	if len(order) == 0 {
		return nil
	}
	device := "disk"
	first := strings.ToLower(order[0])
	if first == "pxe" || first == "network" || strings.Count(first, ":") == 5 {
		device = "pxe"
	}
	_, err := d.chassis(ctx, systemID, params, "bootdev", device, "options=persistent")
	return err
}

func (d *IPMIDriver) chassis(ctx context.Context, systemID string, params model.PowerParameters, args ...string) (string, error) {
	address, err := requireParam(params, "power_address")
	if err != nil {
		return "", err
	}

	iface := "lanplus"
	if params.String("power_driver") == "LAN" {
		iface = "lan"
	}

	cmd := []string{"-I", iface, "-H", address, "-U", params.String("power_user"), "-E"}
	if priv := params.String("privilege_level"); priv != "" {
		cmd = append(cmd, "-L", priv)
	}
	if suite := params.String("cipher_suite_id"); suite != "" {
		cmd = append(cmd, "-C", suite)
	}
	if kg := params.String("k_g"); kg != "" {
		cmd = append(cmd, "-y", kg)
	}
	cmd = append(cmd, "chassis")
	cmd = append(cmd, args...)

	// -E reads the password from the environment so it never shows in ps
	env := []string{"IPMI_PASSWORD=" + params.String("power_pass")}

	d.logger.Debug("Running ipmitool",
		zap.String("system_id", systemID),
		zap.String("address", address),
		zap.Strings("command", args))

	out, err := d.runner.Run(ctx, env, d.toolPath, cmd...)
	if err != nil {
		return "", classifyIPMIError(address, err)
	}
	return out, nil
}

func parseChassisPower(out string) model.PowerState {
	out = strings.ToLower(out)
	switch {
	case strings.Contains(out, "power is on"):
		return model.PowerStateOn
	case strings.Contains(out, "power is off"):
		return model.PowerStateOff
	default:
		return model.PowerStateUnknown
	}
}

func classifyIPMIError(address string, err error) error {
	msg := err.Error()
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		msg = cmdErr.Stderr
	}
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "invalid user name"),
		strings.Contains(lower, "unauthorized name"),
		strings.Contains(lower, "hmac is invalid"),
		strings.Contains(lower, "password"):
		return maaserrors.PowerAuthError(fmt.Sprintf("ipmi authentication failed for %s", address), err)
	case strings.Contains(lower, "unable to establish"),
		strings.Contains(lower, "no response"),
		strings.Contains(lower, "connection timed out"),
		errors.Is(err, context.DeadlineExceeded):
		return maaserrors.PowerConnError(fmt.Sprintf("unable to reach BMC at %s", address), err)
	default:
		return maaserrors.PowerActionError(fmt.Sprintf("ipmitool failed against %s", address), err)
	}
}
