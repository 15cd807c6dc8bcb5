package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/crawlbridge/bridge/internal/bridge/chrome"
	"github.com/crawlbridge/bridge/internal/bridge/dispatch"
	"github.com/crawlbridge/bridge/internal/bridge/metrics"
	"github.com/crawlbridge/bridge/internal/bridge/pool"
	"github.com/crawlbridge/bridge/internal/bridge/registry"
	"github.com/crawlbridge/bridge/internal/bridge/service"
	"github.com/crawlbridge/bridge/internal/common/config"
	"github.com/crawlbridge/bridge/internal/common/configtypes"
	logutil "github.com/crawlbridge/bridge/internal/common/logger"
	"github.com/crawlbridge/bridge/internal/common/metricsserver"
	"github.com/crawlbridge/bridge/internal/common/redis"
)

func main() {
	configPath := flag.String("c", "configs/bridge-service.yaml",
		"Path to bridge service configuration file")
	flag.Parse()

	initialLogger, err := logutil.NewDefault()
	if err != nil {
		panic(err)
	}

	initialLogger.Info("Loading configuration", zap.String("path", *configPath))

	absPath, err := config.GetConfigPath(*configPath)
	if err != nil {
		initialLogger.Fatal("Invalid config path", zap.Error(err))
	}

	cfg, err := config.LoadBridgeConfig(absPath)
	if err != nil {
		initialLogger.Fatal("Failed to load configuration", zap.Error(err))
	}

	configuredLogger, err := logutil.New(cfg.Log)
	if err != nil {
		initialLogger.Fatal("Failed to create configured logger", zap.Error(err))
	}
	logger := configuredLogger.Logger

	logger.Info("Render bridge starting",
		zap.String("service_id", cfg.Server.ID),
		zap.String("listen", cfg.Server.Listen),
		zap.String("browsers", cfg.PoolSizeLabel()))

	metricsCollector := metrics.NewCollector(cfg.Metrics.Namespace, logger)

	metricsServer, err := metricsserver.StartMetricsServer(
		cfg.Metrics.Enabled,
		cfg.Metrics.Listen,
		cfg.Metrics.Path,
		metricsCollector,
		logger,
	)
	if err != nil {
		logger.Fatal("Failed to start metrics server", zap.Error(err))
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = cfg.Server.ID
	}

	// The Redis registry is optional. Without it the bridge still
	// serves renders; it just cannot advertise itself for discovery.
	var redisClient *redis.Client
	var serviceRegistry *registry.ServiceRegistry
	var serviceInfo *registry.ServiceInfo
	var leaseBoard *registry.LeaseBoard

	poolCfg := cfg.ToPoolConfig()

	if cfg.Redis.Enabled {
		redisClient, err = redis.NewClient(&cfg.Redis, logger)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()

		listenHost, listenPort, err := configtypes.ParseListenAddress(cfg.Server.Listen)
		if err != nil {
			logger.Fatal("Failed to parse server.listen", zap.Error(err))
		}
		if listenHost == "" {
			listenHost = "0.0.0.0"
		}

		pageBudget := poolCfg.PageBudget()
		serviceInfo = &registry.ServiceInfo{
			ID:       cfg.Server.ID,
			Address:  listenHost,
			Port:     listenPort,
			Capacity: pageBudget,
			Version:  "1.0.0",
		}
		serviceInfo.SetMetadata(pageBudget, pageBudget, hostname)

		serviceRegistry = registry.NewServiceRegistry(redisClient, logger)
		leaseBoard = registry.NewLeaseBoard(redisClient, cfg.Server.ID, logger)
	}

	logger.Info("Initializing browser engine")
	eng := chrome.NewEngine(logger)

	logger.Info("Initializing browser pool")
	browserPool, err := pool.New(poolCfg, eng, serviceRegistry, serviceInfo, leaseBoard, metricsCollector, hostname, logger)
	if err != nil {
		logger.Fatal("Failed to create browser pool", zap.Error(err))
	}

	bridge, err := dispatch.New(browserPool, cfg.ToDispatchConfig(), metricsCollector, logger)
	if err != nil {
		logger.Fatal("Failed to create dispatch bridge", zap.Error(err))
	}

	httpHandler := service.CreateHTTPHandler(bridge, browserPool, metricsCollector, logger)

	serverTimeout := cfg.Render.CalculateServerTimeout()
	server := &fasthttp.Server{
		Handler:      httpHandler,
		ReadTimeout:  serverTimeout,
		WriteTimeout: serverTimeout,
		IdleTimeout:  serverTimeout,
		Name:         "RenderBridge/" + cfg.Server.ID,
	}

	serverErrCh := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server",
			zap.String("listen", cfg.Server.Listen))
		if err := server.ListenAndServe(cfg.Server.Listen); err != nil {
			serverErrCh <- err
		}
	}()

	// Give the listener a moment before advertising the service
	time.Sleep(100 * time.Millisecond)

	select {
	case err := <-serverErrCh:
		logger.Fatal("HTTP server failed to start", zap.Error(err))
	default:
	}

	if cfg.Redis.Enabled {
		logger.Info("Starting service heartbeat")
		browserPool.StartPeriodicHeartbeat(registry.HeartbeatInterval)
	}

	logger.Info("Render bridge ready",
		zap.String("service_id", cfg.Server.ID),
		zap.String("listen", cfg.Server.Listen),
		zap.Int("page_budget", poolCfg.PageBudget()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case err := <-serverErrCh:
		logger.Error("Server error", zap.Error(err))
	}

	configuredLogger.EnsureInfoForShutdown()
	logger.Info("Shutting down gracefully...")

	// Stop advertising first so no new traffic routes here while
	// in-flight renders drain.
	browserPool.StopHeartbeat()

	if cfg.Redis.Enabled {
		cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := leaseBoard.Clear(cleanupCtx); err != nil {
			logger.Error("Failed to clear lease board", zap.Error(err))
		}
		if err := serviceRegistry.UnregisterService(cleanupCtx, cfg.Server.ID); err != nil {
			logger.Error("Failed to deregister service", zap.Error(err))
		} else {
			logger.Info("Deregistered from Redis")
		}
		cleanupCancel()
	}

	if metricsServer != nil {
		metricsShutdownCtx, metricsShutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.ShutdownWithContext(metricsShutdownCtx); err != nil {
			logger.Error("Metrics server shutdown error", zap.Error(err))
		}
		metricsShutdownCancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", zap.Error(err))
	}

	if err := browserPool.Shutdown(); err != nil {
		logger.Error("Browser pool shutdown error", zap.Error(err))
	}

	logger.Info("Render bridge stopped")
}
