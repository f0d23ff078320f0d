package region

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/canonical/maas-sub025/internal/config"
	"github.com/canonical/maas-sub025/internal/model"
	pb "github.com/canonical/maas-sub025/pkg/proto"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var errNothingToScan = errors.New("rack is not attached to any requested network")

// ScanService fans a network scan out to every connected rack. Each rack
// filters the CIDRs down to the networks it can observe.
type ScanService struct {
	pool    RackPool
	cfg     config.DiscoveryConfig
	timeout time.Duration
	logger  *zap.Logger
}

// NewScanService creates a new scan service
func NewScanService(pool RackPool, cfg config.DiscoveryConfig, timeout time.Duration, logger *zap.Logger) *ScanService {
	return &ScanService{
		pool:    pool,
		cfg:     cfg,
		timeout: timeout,
		logger:  logger,
	}
}

// ScanAllRackNetworks asks every rack to scan cidrs. Racks that start a scan
// are listed in Scheduled; the rest in Failed with their error, including
// racks attached to none of the networks.
func (s *ScanService) ScanAllRackNetworks(ctx context.Context, cidrs []string) model.ScanResult {
	result := model.ScanResult{
		ScanID:    uuid.NewString(),
		Failed:    make(map[string]error),
		CIDRs:     cidrs,
		StartedAt: time.Now(),
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req := &pb.ScanNetworksRequest{
		CIDRs:   cidrs,
		Threads: s.cfg.Threads,
		Ping:    s.cfg.Ping,
		Slow:    s.cfg.Slow,
		ScanID:  result.ScanID,
	}

	var mu sync.Mutex
	g := new(errgroup.Group)
	for _, c := range s.pool.GetAllClients() {
		c := c
		g.Go(func() error {
			resp, err := c.ScanNetworks(ctx, req)
			if err == nil && len(resp.CIDRs) == 0 {
				err = errNothingToScan
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				s.logger.Warn("Rack did not accept scan request",
					zap.String("rack_id", c.Ident()),
					zap.String("scan_id", result.ScanID),
					zap.Error(err))
				result.Failed[c.Ident()] = err
				return nil
			}
			result.Scheduled = append(result.Scheduled, c.Ident())
			return nil
		})
	}
	_ = g.Wait()

	result.CompletedAfter = time.Since(result.StartedAt)
	s.logger.Info("Scan requests dispatched",
		zap.String("scan_id", result.ScanID),
		zap.Strings("cidrs", cidrs),
		zap.Int("scheduled", len(result.Scheduled)),
		zap.Int("failed", len(result.Failed)))
	return result
}
