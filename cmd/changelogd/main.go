package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devrev/pairdb/changelog/internal/config"
	"github.com/devrev/pairdb/changelog/internal/health"
	"github.com/devrev/pairdb/changelog/internal/metrics"
	"github.com/devrev/pairdb/changelog/internal/server"
	"github.com/devrev/pairdb/changelog/internal/service"
	"github.com/devrev/pairdb/changelog/internal/storage/diskmanager"
	"github.com/devrev/pairdb/changelog/internal/storage/logfile"
	"github.com/devrev/pairdb/changelog/internal/util/workerpool"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("node_id", cfg.Server.NodeID),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("changelog_dir", cfg.Storage.ChangelogDir))

	if err := os.MkdirAll(cfg.Storage.ChangelogDir, 0755); err != nil {
		logger.Fatal("Failed to create changelog directory", zap.Error(err))
	}

	m := metrics.NewMetrics(cfg.Server.NodeID)

	diskMgr, err := diskmanager.NewDiskManager(&diskmanager.DiskManagerConfig{
		DataDir:                 cfg.Storage.ChangelogDir,
		CheckInterval:           cfg.Disk.CheckInterval,
		WarningThreshold:        cfg.Disk.WarningThreshold,
		ThrottleThreshold:       cfg.Disk.ThrottleThreshold,
		CircuitBreakerThreshold: cfg.Disk.CircuitBreakerThreshold,
		Reporter:                m,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to initialize disk manager", zap.Error(err))
	}

	env, err := service.NewReplicationEnvironment(&service.EnvironmentConfig{
		ChangelogDir: cfg.Storage.ChangelogDir,
		StateFile:    cfg.Storage.StateFile,
		Log: logfile.Options{
			SegmentSize:      cfg.Log.SegmentSize,
			RotationInterval: cfg.Log.RotationInterval,
			SyncWrites:       cfg.Log.SyncWrites,
			IndexInterval:    cfg.Log.IndexInterval,
			Observer:         m,
		},
	}, logger)
	if err != nil {
		logger.Fatal("Failed to open replication environment", zap.Error(err))
	}

	indexer := service.NewChangeNumberIndexer(
		&service.IndexerConfig{
			QueueSize:       cfg.Indexer.QueueSize,
			PublishTimeout:  cfg.Indexer.PublishTimeout,
			ExcludedDomains: cfg.Indexer.ExcludedDomains,
		},
		env,
		env.CNIndexLog(),
		env.ChangelogState(),
		m,
		logger,
	)
	if err := indexer.Start(); err != nil {
		// replication keeps running without the external changelog
		logger.Error("Failed to start change number indexer", zap.Error(err))
	}

	db := service.NewChangelogDB(env, indexer, diskMgr, logger)

	purgePool := workerpool.NewWorkerPool(&workerpool.Config{
		Name:       "purge",
		MaxWorkers: cfg.Purge.Workers,
		Logger:     logger,
	})
	var purgeSvc *service.PurgeService
	if cfg.Purge.Enabled {
		purgeSvc = service.NewPurgeService(&service.PurgeConfig{
			Interval: cfg.Purge.Interval,
			Delay:    cfg.Purge.Delay,
		}, db, purgePool, m, logger)
		purgeSvc.Start()
	}

	var gossipSvc *service.GossipService
	if cfg.Gossip.Enabled {
		gossipSvc, err = service.NewGossipService(
			&service.GossipConfig{
				Enabled:        cfg.Gossip.Enabled,
				BindPort:       cfg.Gossip.BindPort,
				SeedNodes:      cfg.Gossip.SeedNodes,
				ReplicaID:      cfg.Gossip.ReplicaID,
				Domains:        cfg.Gossip.Domains,
				GossipInterval: cfg.Gossip.GossipInterval,
				ProbeTimeout:   cfg.Gossip.ProbeTimeout,
				ProbeInterval:  cfg.Gossip.ProbeInterval,
			},
			cfg.Server.NodeID,
			db,
			env,
			m,
			logger,
		)
		if err != nil {
			logger.Error("Failed to initialize gossip service", zap.Error(err))
		} else {
			logger.Info("Gossip service initialized")
		}
	}

	healthChecker := health.NewHealthChecker(&health.HealthCheckConfig{
		NodeID:  cfg.Server.NodeID,
		DataDir: cfg.Storage.ChangelogDir,
	}, indexer, diskMgr, logger)
	if gossipSvc != nil {
		healthChecker.SetStatusListener(gossipSvc.UpdateStatus)
	}
	healthCtx, stopHealth := context.WithCancel(context.Background())
	go healthChecker.Start(healthCtx, 10*time.Second)

	var adminServer *server.AdminServer
	if cfg.Metrics.Enabled {
		adminServer = server.NewAdminServer(&server.AdminServerConfig{
			Port:        cfg.Metrics.Port,
			MetricsPath: cfg.Metrics.Path,
		}, db, healthChecker, m, logger)
		if err := adminServer.Start(); err != nil {
			logger.Fatal("Failed to start admin server", zap.Error(err))
		}
	}

	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthChecker.GRPCServer())

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Fatal("Failed to listen", zap.Error(err))
	}

	logger.Info("Changelog node starting",
		zap.String("node_id", cfg.Server.NodeID),
		zap.String("address", addr))

	// Handle graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		logger.Info("Shutting down gracefully...")
		healthChecker.Shutdown()
		stopHealth()

		if gossipSvc != nil {
			if err := gossipSvc.Shutdown(); err != nil {
				logger.Error("Failed to shut down gossip service", zap.Error(err))
			}
		}
		if purgeSvc != nil {
			purgeSvc.Stop()
		}
		if err := purgePool.Stop(cfg.Server.ShutdownTimeout); err != nil {
			logger.Error("Failed to stop purge pool", zap.Error(err))
		}
		if adminServer != nil {
			if err := adminServer.Stop(); err != nil {
				logger.Error("Failed to stop admin server", zap.Error(err))
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := db.Shutdown(ctx); err != nil {
			logger.Error("Failed to shut down changelog", zap.Error(err))
		}

		grpcServer.GracefulStop()
	}()

	if err := grpcServer.Serve(listener); err != nil {
		logger.Fatal("Failed to serve", zap.Error(err))
	}
}

// initLogger initializes the zap logger
func initLogger(cfg *config.LoggingConfig) (*zap.Logger, error) {
	var zcfg zap.Config
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}
