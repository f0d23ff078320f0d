package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/canonical/maas-sub025/internal/client"
	"github.com/canonical/maas-sub025/internal/config"
	"github.com/canonical/maas-sub025/internal/driver"
	"github.com/canonical/maas-sub025/internal/handler"
	"github.com/canonical/maas-sub025/internal/health"
	"github.com/canonical/maas-sub025/internal/logging"
	"github.com/canonical/maas-sub025/internal/metrics"
	"github.com/canonical/maas-sub025/internal/server"
	"github.com/canonical/maas-sub025/internal/service/rack"
	"github.com/canonical/maas-sub025/internal/servicemonitor"
	"github.com/canonical/maas-sub025/internal/util/workerpool"
	pb "github.com/canonical/maas-sub025/pkg/proto"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

var (
	flagConfigPath string

	rootCmd = &cobra.Command{
		Use:   "rackd",
		Short: "MAAS rack controller",
		Long:  "Controls machine power, scans attached networks and keeps NTP, DNS, proxy and agent configuration in line with the region.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(flagConfigPath)
		},
		SilenceUsage: true,
	}
)

func init() {
	defaultPath := os.Getenv("CONFIG_PATH")
	if defaultPath == "" {
		defaultPath = "./rackd.yaml"
	}
	rootCmd.PersistentFlags().StringVarP(&flagConfigPath, "config", "C", defaultPath, "Path to configuration file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadRack(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logging.NewLogger(cfg.Logging, "rackd")
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	identity, err := rackIdentity(cfg)
	if err != nil {
		return err
	}

	logger.Info("Starting MAAS rack controller",
		zap.String("system_id", identity.SystemID),
		zap.String("advertise_address", identity.Address),
		zap.Strings("regions", cfg.Regions.Endpoints))

	m := metrics.NewMetrics()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Power drivers run their blocking calls on a bounded pool
	pool := workerpool.New(workerpool.Config{
		Name:       "power-drivers",
		MaxWorkers: cfg.Drivers.MaxWorkers,
		QueueSize:  cfg.Drivers.QueueSize,
		Logger:     logger,
		Observer:   m,
	})
	registry, err := driver.NewDefaultRegistry(cfg.Drivers, pool, m, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize power drivers: %w", err)
	}
	logger.Info("Power drivers registered", zap.Strings("power_types", registry.Names()))

	regions := client.NewRegionConnectionPool(client.RegionPoolConfig{
		Endpoints:   cfg.Regions.Endpoints,
		Identity:    identity,
		DialTimeout: cfg.Regions.DialTimeout,
		CallTimeout: cfg.Regions.CallTimeout,
		Gauge:       m.RegionConnections,
		Logger:      logger,
	})
	defer regions.Close()

	powerService := rack.NewPowerActionService(registry, regions, rack.PowerActionConfig{
		WaitingPolicy: rack.WaitingPolicy(cfg.Drivers.WaitingPolicy),
		ChangeTimeout: cfg.Drivers.ChangeTimeout,
		CallTimeout:   cfg.Regions.CallTimeout,
	}, m, logger)
	scanService := rack.NewScanService(cfg.Scan, driver.ExecRunner{}, logger)

	monitor, closeMonitor := newMonitor(ctx, cfg.External, logger)
	defer closeMonitor()

	externalService := rack.NewExternalService(
		regions,
		identity.SystemID,
		cfg.External,
		cfg.Regions.CallTimeout,
		monitor,
		driver.ExecRunner{},
		rack.AgentSettings{
			Controllers: endpointHosts(cfg.Regions.Endpoints),
			LogLevel:    cfg.Logging.Level,
		},
		m,
		logger,
	)

	// Regions dial back to this server while registering, so it has to be
	// serving before the region pool connects.
	grpcServer := grpc.NewServer()
	pb.RegisterRackServiceServer(grpcServer, handler.NewRackHandler(identity.SystemID, powerService, scanService, logger))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}

	serverErrors := make(chan error, 2)
	go func() {
		logger.Info("Starting gRPC server", zap.String("address", addr))
		serverErrors <- grpcServer.Serve(listener)
	}()

	if cfg.Metrics.Enabled {
		go serveMetrics(cfg.Metrics, logger)
	}

	healthChecker := health.NewHealthChecker(logger)
	healthChecker.AddCheck("regions", func(context.Context) error {
		if len(regions.Connections()) == 0 {
			return errors.New("no region connections")
		}
		return nil
	})
	httpServer := server.NewRackServer(cfg.HTTP, server.RackDeps{
		SystemID: identity.SystemID,
		Regions:  regions,
		Scans:    scanService,
		Health:   healthChecker,
	}, logger)
	go func() {
		if err := httpServer.Start(); err != nil {
			serverErrors <- err
		}
	}()

	go regions.Run(ctx, cfg.Regions.RegisterInterval)
	externalService.Start(ctx)

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Warn("Failed to notify systemd", zap.Error(err))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("Server error", zap.Error(err))
	case sig := <-sigChan:
		logger.Info("Received signal", zap.String("signal", sig.String()))
	}

	logger.Info("Shutting down gracefully")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	externalService.Stop()
	scanService.Stop()
	if err := powerService.Stop(cfg.Server.ShutdownTimeout); err != nil {
		logger.Warn("Power changes still running at shutdown", zap.Error(err))
	}
	if err := pool.Stop(cfg.Server.ShutdownTimeout); err != nil {
		logger.Warn("Driver pool stop failed", zap.Error(err))
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown failed", zap.Error(err))
	}
	stopGRPC(shutdownCtx, grpcServer, logger)

	logger.Info("Rack controller stopped")
	return nil
}

// rackIdentity fills in the hostname and dial-back address when the
// configuration leaves them out
func rackIdentity(cfg *config.RackConfig) (client.RackIdentity, error) {
	identity := client.RackIdentity{
		SystemID: cfg.Rack.SystemID,
		Hostname: cfg.Rack.Hostname,
		Address:  cfg.Rack.AdvertiseAddress,
	}
	if identity.Hostname == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return identity, fmt.Errorf("failed to read hostname: %w", err)
		}
		identity.Hostname = hostname
	}
	if identity.Address == "" {
		identity.Address = net.JoinHostPort(identity.Hostname, fmt.Sprint(cfg.Server.Port))
	}
	return identity, nil
}

// endpointHosts strips the ports from the region endpoints
func endpointHosts(endpoints []string) []string {
	hosts := make([]string, 0, len(endpoints))
	for _, endpoint := range endpoints {
		host, _, err := net.SplitHostPort(endpoint)
		if err != nil {
			host = endpoint
		}
		hosts = append(hosts, host)
	}
	return hosts
}

func newMonitor(ctx context.Context, cfg config.ExternalConfig, logger *zap.Logger) (servicemonitor.Monitor, func()) {
	if cfg.SystemdDisabled {
		return servicemonitor.NewNoopMonitor(logger), func() {}
	}
	monitor, err := servicemonitor.NewSystemdMonitor(ctx, cfg.Units, logger)
	if err != nil {
		logger.Warn("systemd is unavailable, services will not be restarted", zap.Error(err))
		return servicemonitor.NewNoopMonitor(logger), func() {}
	}
	return monitor, monitor.Close
}

func serveMetrics(cfg config.MetricsConfig, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.Handler())
	addr := fmt.Sprintf(":%d", cfg.Port)
	logger.Info("Starting metrics server", zap.String("address", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("Metrics server failed", zap.Error(err))
	}
}

func stopGRPC(ctx context.Context, s *grpc.Server, logger *zap.Logger) {
	stopped := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		logger.Info("gRPC server stopped gracefully")
	case <-ctx.Done():
		logger.Warn("gRPC server stop timeout, forcing shutdown")
		s.Stop()
	}
}
