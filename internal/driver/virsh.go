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

// virsh domain states and the power state each one represents
var virshStates = map[string]model.PowerState{
	"shut off":    model.PowerStateOff,
	"running":     model.PowerStateOn,
	"no state":    model.PowerStateOff,
	"idle":        model.PowerStateOff,
	"paused":      model.PowerStateOff,
	"in shutdown": model.PowerStateOn,
	"crashed":     model.PowerStateOff,
	"pmsuspended": model.PowerStateOff,
}

// VirshDriver controls libvirt domains through the virsh CLI
type VirshDriver struct {
	virshPath string
	runner    Runner
	logger    *zap.Logger
}

func NewVirshDriver(virshPath string, runner Runner, logger *zap.Logger) *VirshDriver {
	if virshPath == "" {
		virshPath = "virsh"
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &VirshDriver{virshPath: virshPath, runner: runner, logger: logger}
}

func (d *VirshDriver) Name() string    { return "virsh" }
func (d *VirshDriver) Queryable() bool { return true }

func (d *VirshDriver) DetectMissingPackages() []string {
	return missingBinary(d.virshPath, "libvirt-clients")
}

func (d *VirshDriver) PowerOn(ctx context.Context, systemID string, params model.PowerParameters) error {
	state, err := d.PowerQuery(ctx, systemID, params)
	if err != nil {
		return err
	}
	if state == model.PowerStateOn {
		return nil
	}
	return d.domain(ctx, params, "start")
}

func (d *VirshDriver) PowerOff(ctx context.Context, systemID string, params model.PowerParameters) error {
	state, err := d.PowerQuery(ctx, systemID, params)
	if err != nil {
		return err
	}
	if state == model.PowerStateOff {
		return nil
	}
	return d.domain(ctx, params, "destroy")
}

func (d *VirshDriver) PowerQuery(ctx context.Context, systemID string, params model.PowerParameters) (model.PowerState, error) {
	out, err := d.run(ctx, params, "domstate")
	if err != nil {
		return model.PowerStateError, err
	}
	raw := strings.TrimSpace(out)
	state, ok := virshStates[raw]
	if !ok {
		d.logger.Warn("Unrecognised virsh domain state",
			zap.String("system_id", systemID),
			zap.String("state", raw))
		return model.PowerStateUnknown, nil
	}
	return state, nil
}

func (d *VirshDriver) domain(ctx context.Context, params model.PowerParameters, verb string) error {
	_, err := d.run(ctx, params, verb)
	return err
}

func (d *VirshDriver) run(ctx context.Context, params model.PowerParameters, verb string) (string, error) {
	uri, err := requireParam(params, "power_address")
	if err != nil {
		return "", err
	}
	domain, err := requireParam(params, "power_id")
	if err != nil {
		return "", err
	}

	var env []string
	if pass := params.String("power_pass"); pass != "" {
		env = append(env, "LIBVIRT_AUTH_PASSWORD="+pass)
	}

	out, err := d.runner.Run(ctx, env, d.virshPath, "-c", uri, verb, domain)
	if err != nil {
		return "", classifyVirshError(uri, domain, err)
	}
	return out, nil
}

func classifyVirshError(uri, domain string, err error) error {
	msg := err.Error()
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		msg = cmdErr.Stderr
	}
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "authentication"), strings.Contains(lower, "permission denied"):
		return maaserrors.PowerAuthError(fmt.Sprintf("virsh authentication failed for %s", uri), err)
	case strings.Contains(lower, "failed to connect"), strings.Contains(lower, "unable to connect"),
		errors.Is(err, context.DeadlineExceeded):
		return maaserrors.PowerConnError(fmt.Sprintf("unable to connect to %s", uri), err)
	case strings.Contains(lower, "failed to get domain"):
		return maaserrors.PowerActionError(fmt.Sprintf("%s: domain not found on %s", domain, uri), err)
	default:
		return maaserrors.PowerActionError(fmt.Sprintf("%s: virsh failed on %s", domain, uri), err)
	}
}
