package driver

import (
	"github.com/canonical/maas-sub025/internal/config"
	"github.com/canonical/maas-sub025/internal/util/workerpool"
	"go.uber.org/zap"
)

// NewDefaultRegistry builds the rack's driver registry. Drivers that exec a
// tool run on pool; every driver is rate limited per power type.
func NewDefaultRegistry(cfg config.DriversConfig, pool *workerpool.Pool, recorder CallRecorder, logger *zap.Logger) (*Registry, error) {
	httpOpts := HTTPOptions{
		Timeout:  cfg.CallTimeout,
		RetryMax: cfg.HTTPRetryMax,
		Logger:   logger.Named("http"),
	}
	proxmox, err := NewProxmoxDriver(httpOpts, cfg.ProxmoxTickets)
	if err != nil {
		return nil, err
	}

	blocking := GuardOptions{RateLimit: cfg.RateLimit, RateBurst: cfg.RateBurst, Pool: pool, Recorder: recorder}
	network := GuardOptions{RateLimit: cfg.RateLimit, RateBurst: cfg.RateBurst, Recorder: recorder}

	return NewRegistry(
		Guard(NewIPMIDriver(cfg.IPMIToolPath, ExecRunner{}, logger.Named("ipmi")), blocking),
		Guard(NewVirshDriver(cfg.VirshPath, ExecRunner{}, logger.Named("virsh")), blocking),
		Guard(proxmox, network),
		Guard(NewWebhookDriver(httpOpts), network),
		Guard(NewManualDriver(logger.Named("manual")), GuardOptions{Recorder: recorder}),
	), nil
}
