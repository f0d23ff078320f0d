package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/canonical/maas-sub025/internal/client"
	"github.com/canonical/maas-sub025/internal/config"
	"github.com/canonical/maas-sub025/internal/handler"
	"github.com/canonical/maas-sub025/internal/health"
	"github.com/canonical/maas-sub025/internal/logging"
	"github.com/canonical/maas-sub025/internal/metrics"
	"github.com/canonical/maas-sub025/internal/server"
	"github.com/canonical/maas-sub025/internal/service/region"
	"github.com/canonical/maas-sub025/internal/store"
	pb "github.com/canonical/maas-sub025/pkg/proto"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

var (
	flagConfigPath string

	rootCmd = &cobra.Command{
		Use:   "regiond",
		Short: "MAAS region controller",
		Long:  "Dispatches power commands to rack controllers, coordinates active discovery and serves rack configuration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(flagConfigPath)
		},
		SilenceUsage: true,
	}
)

func init() {
	defaultPath := os.Getenv("CONFIG_PATH")
	if defaultPath == "" {
		defaultPath = "./regiond.yaml"
	}
	rootCmd.PersistentFlags().StringVarP(&flagConfigPath, "config", "C", defaultPath, "Path to configuration file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadRegion(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logging.NewLogger(cfg.Logging, "regiond")
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("failed to read hostname: %w", err)
	}
	eventloop := fmt.Sprintf("%s:%d", hostname, os.Getpid())

	logger.Info("Starting MAAS region controller",
		zap.String("eventloop", eventloop),
		zap.Int("port", cfg.Server.Port),
		zap.String("database_host", cfg.Database.Host),
		zap.String("locks_backend", cfg.Locks.Backend))

	m := metrics.NewMetrics()

	// Initialize config store (PostgreSQL)
	pgStore, err := store.NewPostgresStore(
		cfg.Database.Host,
		cfg.Database.Port,
		cfg.Database.Database,
		cfg.Database.User,
		cfg.Database.Password,
		cfg.Database.MaxConnections,
		cfg.Database.MinConnections,
		logger,
	)
	if err != nil {
		return fmt.Errorf("failed to initialize config store: %w", err)
	}
	defer pgStore.Close()
	logger.Info("Config store initialized")

	healthChecker := health.NewHealthChecker(logger)
	healthChecker.AddCheck("database", pgStore.Ping)

	locker, closeLocker, err := newLocker(cfg, pgStore, healthChecker, logger)
	if err != nil {
		return err
	}
	defer closeLocker()

	// Services
	racks := client.NewRackClientPool(cfg.Power.RackDialTimeout, m.RackClientsConnected, logger)
	defer racks.Close()

	powerService := region.NewPowerService(racks, cfg.Power, m, logger)
	scanService := region.NewScanService(racks, cfg.Discovery, cfg.Power.ActionTimeout, logger)
	discoveryService := region.NewDiscoveryService(pgStore, locker, scanService, cfg.Discovery.TickInterval, m, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var gossip *region.GossipService
	if cfg.Cluster.Enabled {
		nodeName := fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])
		gossip, err = region.NewGossipService(cfg.Cluster, nodeName, eventloop, func(ctx context.Context) {
			discoveryService.RefreshDiscoveryConfig(ctx)
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to join region cluster: %w", err)
		}
		logger.Info("Joined region cluster", zap.Int("members", gossip.NumMembers()))
	}

	// gRPC server
	grpcServer := grpc.NewServer()
	pb.RegisterRegionServiceServer(grpcServer, handler.NewRegionHandler(eventloop, pgStore, racks, logger))

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

	deps := server.RegionDeps{
		Settings:  pgStore,
		Discovery: discoveryService,
		Power:     powerService,
		Racks:     racks,
		Health:    healthChecker,
	}
	if gossip != nil {
		deps.Notifier = gossip
	}
	httpServer := server.NewRegionServer(cfg.HTTP, deps, logger)
	go func() {
		if err := httpServer.Start(); err != nil {
			serverErrors <- err
		}
	}()

	discoveryService.Start(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("Server error", zap.Error(err))
	case sig := <-sigChan:
		logger.Info("Received signal", zap.String("signal", sig.String()))
	}

	logger.Info("Shutting down gracefully")
	cancel()
	discoveryService.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown failed", zap.Error(err))
	}
	stopGRPC(shutdownCtx, grpcServer, logger)

	if gossip != nil {
		if err := gossip.Shutdown(); err != nil {
			logger.Warn("Failed to leave region cluster", zap.Error(err))
		}
	}

	logger.Info("Region controller stopped")
	return nil
}

// newLocker selects the cluster lock backend. The returned func releases
// whatever the backend holds.
func newLocker(cfg *config.RegionConfig, pgStore *store.PostgresStore, hc *health.HealthChecker, logger *zap.Logger) (store.Locker, func(), error) {
	switch cfg.Locks.Backend {
	case "redis":
		locker, err := store.NewRedisLocker(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB, cfg.Locks.RedisTTL, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize redis locker: %w", err)
		}
		hc.AddCheck("redis", locker.Ping)
		return locker, func() { _ = locker.Close() }, nil
	case "memory":
		logger.Warn("Using process local locks; run a single region process only")
		return store.NewMemoryLocker(), func() {}, nil
	default:
		return store.NewPostgresLocker(pgStore.Pool(), logger), func() {}, nil
	}
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
