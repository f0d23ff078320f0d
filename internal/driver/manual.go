package driver

import (
	"context"

	"github.com/canonical/maas-sub025/internal/model"
	"go.uber.org/zap"
)

// ManualDriver is used for machines an operator powers by hand
type ManualDriver struct {
	logger *zap.Logger
}

func NewManualDriver(logger *zap.Logger) *ManualDriver {
	return &ManualDriver{logger: logger}
}

func (d *ManualDriver) Name() string                    { return "manual" }
func (d *ManualDriver) Queryable() bool                 { return false }
func (d *ManualDriver) DetectMissingPackages() []string { return nil }

func (d *ManualDriver) PowerOn(_ context.Context, systemID string, _ model.PowerParameters) error {
	d.logger.Info("You need to power on the node manually", zap.String("system_id", systemID))
	return nil
}

func (d *ManualDriver) PowerOff(_ context.Context, systemID string, _ model.PowerParameters) error {
	d.logger.Info("You need to power off the node manually", zap.String("system_id", systemID))
	return nil
}

func (d *ManualDriver) PowerQuery(context.Context, string, model.PowerParameters) (model.PowerState, error) {
	return model.PowerStateUnknown, nil
}
