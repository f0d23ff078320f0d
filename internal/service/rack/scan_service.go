package rack

import (
	"context"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/canonical/maas-sub025/internal/config"
	"github.com/canonical/maas-sub025/internal/driver"
	maaserrors "github.com/canonical/maas-sub025/internal/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ScanRequest describes one requested network scan
type ScanRequest struct {
	ScanID  string
	CIDRs   []string
	Threads int
	Ping    bool
	Slow    bool
}

// ScanService runs active network scans on this rack, one at a time
type ScanService struct {
	cfg        config.ScanConfig
	runner     driver.Runner
	interfaces func() ([]netip.Prefix, error)
	logger     *zap.Logger

	mu      sync.Mutex
	running string

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScanService creates a new scan service
func NewScanService(cfg config.ScanConfig, runner driver.Runner, logger *zap.Logger) *ScanService {
	ctx, cancel := context.WithCancel(context.Background())
	return &ScanService{
		cfg:        cfg,
		runner:     runner,
		interfaces: LocalPrefixes,
		logger:     logger,
		baseCtx:    ctx,
		cancel:     cancel,
	}
}

// SetInterfaceLister replaces the source of local interface prefixes
func (s *ScanService) SetInterfaceLister(fn func() ([]netip.Prefix, error)) {
	s.interfaces = fn
}

// Running returns the id of the scan in progress, or ""
func (s *ScanService) Running() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// ScanNetworks starts a background scan of the requested CIDRs that this
// rack can observe and returns them. A scan already running fails the
// request with ErrScanAlreadyInProgress.
func (s *ScanService) ScanNetworks(req ScanRequest) (string, []string, error) {
	local, err := s.interfaces()
	if err != nil {
		return "", nil, maaserrors.InternalError("failed to list interfaces", err)
	}
	cidrs := FilterCIDRs(req.CIDRs, local)
	if req.ScanID == "" {
		req.ScanID = uuid.NewString()
	}

	s.mu.Lock()
	if s.running != "" {
		s.mu.Unlock()
		return "", nil, maaserrors.ScanAlreadyInProgress()
	}
	if len(cidrs) == 0 {
		s.mu.Unlock()
		s.logger.Info("No requested network is attached to this rack",
			zap.String("scan_id", req.ScanID),
			zap.Strings("requested", req.CIDRs))
		return req.ScanID, []string{}, nil
	}
	s.running = req.ScanID
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(req, cidrs)
	return req.ScanID, cidrs, nil
}

func (s *ScanService) run(req ScanRequest, cidrs []string) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		s.running = ""
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(s.baseCtx, s.cfg.Timeout)
	defer cancel()

	limit := s.cfg.Parallelism
	if req.Threads > 0 {
		limit = req.Threads
	}
	if limit <= 0 {
		limit = 1
	}

	start := time.Now()
	s.logger.Info("Starting network scan",
		zap.String("scan_id", req.ScanID),
		zap.Strings("cidrs", cidrs),
		zap.Int("threads", limit))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, cidr := range cidrs {
		cidr := cidr
		g.Go(func() error {
			args := s.scanArgs(req, cidr)
			if _, err := s.runner.Run(gctx, nil, args[0], args[1:]...); err != nil {
				s.logger.Warn("Network scan command failed",
					zap.String("scan_id", req.ScanID),
					zap.String("cidr", cidr),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	s.logger.Info("Network scan finished",
		zap.String("scan_id", req.ScanID),
		zap.Duration("duration", time.Since(start)))
}

// scanArgs builds the command line for one CIDR
func (s *ScanService) scanArgs(req ScanRequest, cidr string) []string {
	args := append([]string{}, s.cfg.Command...)
	if req.Ping {
		args = append(args, "-PE")
	}
	if req.Slow {
		args = append(args, "--max-rate", strconv.Itoa(slowScanRate))
	}
	return append(args, cidr)
}

// packets per second when a slow scan is requested
const slowScanRate = 50

// Stop cancels a running scan and waits for it to end
func (s *ScanService) Stop() {
	s.cancel()
	s.wg.Wait()
}

// FilterCIDRs keeps the requested networks that overlap a local prefix,
// in request order. Unparseable entries are dropped.
func FilterCIDRs(requested []string, local []netip.Prefix) []string {
	out := []string{}
	for _, raw := range requested {
		prefix, err := netip.ParsePrefix(raw)
		if err != nil {
			continue
		}
		prefix = prefix.Masked()
		for _, l := range local {
			if l.Overlaps(prefix) {
				out = append(out, prefix.String())
				break
			}
		}
	}
	return out
}

// LocalPrefixes lists the networks of this host's up, non-loopback
// interfaces.
func LocalPrefixes() ([]netip.Prefix, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var out []netip.Prefix
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip, ok := netip.AddrFromSlice(ipnet.IP)
			if !ok {
				continue
			}
			ip = ip.Unmap()
			ones, bits := ipnet.Mask.Size()
			if ip.Is4() && bits == 128 {
				ones -= 96
			}
			out = append(out, netip.PrefixFrom(ip, ones).Masked())
		}
	}
	return out, nil
}
