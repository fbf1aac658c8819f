package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/lspecian/vexfs/eventsync/internal/batch"
	"github.com/lspecian/vexfs/eventsync/internal/config"
	"github.com/lspecian/vexfs/eventsync/internal/conflict"
	"github.com/lspecian/vexfs/eventsync/internal/gossip"
	"github.com/lspecian/vexfs/eventsync/internal/metrics"
	"github.com/lspecian/vexfs/eventsync/internal/model"
	"github.com/lspecian/vexfs/eventsync/internal/server"
	"github.com/lspecian/vexfs/eventsync/internal/service"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	// Load configuration; the file is optional, VEXFS_SYNC_* variables override it
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("node_id", cfg.Node.NodeID),
		zap.String("preferred_protocol", cfg.Sync.PreferredProtocol),
		zap.Bool("gossip", cfg.Gossip.Enabled))

	m := metrics.NewMetrics(cfg.Node.NodeID, prometheus.DefaultRegisterer)

	managerCfg, err := managerConfig(cfg)
	if err != nil {
		logger.Fatal("Invalid engine configuration", zap.Error(err))
	}

	deps := service.Dependencies{
		Quorum:  service.LocalCoordinator{},
		Metrics: m,
		Logger:  logger,
	}

	var gossipSvc *gossip.Service
	if cfg.Gossip.Enabled {
		gossipSvc, err = gossip.NewService(gossip.Config{
			NodeID:         cfg.Node.NodeID,
			BindAddr:       cfg.Gossip.BindAddr,
			BindPort:       cfg.Gossip.BindPort,
			SeedNodes:      cfg.Gossip.SeedNodes,
			GossipInterval: cfg.Gossip.GossipInterval,
			ProbeTimeout:   cfg.Gossip.ProbeTimeout,
			ProbeInterval:  cfg.Gossip.ProbeInterval,
			ReceiveTimeout: cfg.Sync.CoordinationTimeout,
		}, m, logger)
		if err != nil {
			logger.Fatal("Failed to initialize gossip service", zap.Error(err))
		}
		deps.Quorum = gossipSvc
		deps.Transport = gossipSvc
		logger.Info("Gossip service initialized", zap.String("addr", gossipSvc.Address()))
	}

	manager, err := service.NewEventSynchronizationManager(managerCfg, deps)
	if err != nil {
		logger.Fatal("Failed to create synchronization engine", zap.Error(err))
	}
	if gossipSvc != nil {
		gossipSvc.SetReceiver(manager)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	manager.Start(ctx)

	var metricsServer *server.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = server.NewMetricsServer(&server.MetricsServerConfig{
			Port:       cfg.Metrics.Port,
			Path:       cfg.Metrics.Path,
			MaxPending: cfg.Sync.MaxPendingEvents,
		}, m, manager, logger)
		if err := metricsServer.Start(); err != nil {
			logger.Fatal("Failed to start metrics server", zap.Error(err))
		}
	}

	logger.Info("Synchronization node started", zap.String("node_id", cfg.Node.NodeID))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down gracefully...")
	cancel()

	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error("Failed to stop metrics server", zap.Error(err))
		}
	}
	if err := manager.Stop(cfg.Node.ShutdownTimeout); err != nil {
		logger.Error("Failed to stop synchronization engine", zap.Error(err))
	}
	if gossipSvc != nil {
		if err := gossipSvc.Shutdown(); err != nil {
			logger.Error("Failed to stop gossip service", zap.Error(err))
		}
	}

	metricsSnapshot := manager.GetSyncMetrics()
	logger.Info("Synchronization node stopped",
		zap.Uint64("total_events", metricsSnapshot.TotalEvents),
		zap.Uint64("successful_syncs", metricsSnapshot.SuccessfulSyncs),
		zap.Int("pending_events", metricsSnapshot.PendingEvents))
}

// initLogger builds a JSON or console logger at the configured level
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	zapCfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.EncoderConfig.TimeKey = "timestamp"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zapCfg.Build()
}

// managerConfig maps the file configuration onto the engine configuration
func managerConfig(cfg *config.Config) (service.ManagerConfig, error) {
	mc := service.DefaultManagerConfig(cfg.Node.NodeID)
	mc.MaxPendingEvents = cfg.Sync.MaxPendingEvents
	mc.SyncAttempts = cfg.Sync.SyncAttempts
	mc.DefaultCoordinationTimeout = cfg.Sync.CoordinationTimeout
	mc.DefaultReplicationFactor = cfg.Sync.ReplicationFactor
	mc.PreferredProtocol = model.SyncProtocol(cfg.Sync.PreferredProtocol)
	mc.MaintenanceInterval = cfg.Sync.MaintenanceInterval
	mc.MaxViolations = cfg.Sync.MaxViolations
	mc.MaxRetired = cfg.Sync.MaxRetired
	mc.OperationLogSize = cfg.Sync.OperationLogSize
	mc.ProtocolWorkers = cfg.Sync.ProtocolWorkers
	mc.FanOutLimit = cfg.Sync.FanOutLimit
	mc.NetworkBudget = cfg.Sync.NetworkBudget
	mc.OrderingBufferSize = cfg.Ordering.BufferSize

	mc.Detector = conflict.DetectorConfig{
		WindowSize:     cfg.Conflict.WindowSize,
		WindowDuration: cfg.Conflict.WindowDuration,
		BurstThreshold: cfg.Conflict.BurstThreshold,
		Rules:          cfg.Conflict.Rules,
	}
	mc.Resolver = conflict.ResolverConfig{
		Registry:       cfg.Conflict.Strategies,
		NodePriorities: cfg.Conflict.NodePriorities,
		HistorySize:    cfg.Conflict.HistorySize,
	}

	strategy := batch.Strategy(cfg.Batch.Strategy)
	if !strategy.Valid() {
		return mc, fmt.Errorf("unknown batch strategy %q", cfg.Batch.Strategy)
	}
	compression, err := batch.ParseCompressionLevel(cfg.Batch.Compression)
	if err != nil {
		return mc, err
	}
	mc.Batch = batch.Config{
		Strategy:      strategy,
		BatchSize:     cfg.Batch.BatchSize,
		MinBatchSize:  cfg.Batch.MinBatchSize,
		MaxBatchSize:  cfg.Batch.MaxBatchSize,
		FlushInterval: cfg.Batch.FlushInterval,
		MaxQueued:     cfg.Batch.MaxQueued,
		Compression:   compression,
		SendRate:      cfg.Batch.SendRate,
		SendBurst:     cfg.Batch.SendBurst,
		Workers:       cfg.Batch.Workers,
		SendTimeout:   cfg.Batch.SendTimeout,
	}

	mc.Adaptive = batch.AdaptiveConfig{
		Interval:    cfg.Adaptive.Interval,
		HistorySize: cfg.Adaptive.HistorySize,
	}
	switch {
	case !cfg.Adaptive.Enabled:
		mc.Adaptive.Rules = []batch.AdaptationRule{}
	case len(cfg.Adaptive.Rules) > 0:
		rules, err := adaptationRules(cfg.Adaptive.Rules)
		if err != nil {
			return mc, err
		}
		mc.Adaptive.Rules = rules
	}
	return mc, nil
}

func adaptationRules(in []config.AdaptiveRuleConfig) ([]batch.AdaptationRule, error) {
	rules := make([]batch.AdaptationRule, 0, len(in))
	for _, rc := range in {
		rule := batch.AdaptationRule{
			Name:      rc.Name,
			Trigger:   batch.Trigger(rc.Trigger),
			Threshold: rc.Threshold,
			Cooldown:  rc.Cooldown,
			Action: batch.Action{
				Kind:     batch.ActionKind(rc.Action),
				Factor:   rc.Factor,
				Protocol: model.SyncProtocol(rc.Protocol),
			},
		}
		if rule.Action.Kind == batch.ActionChangeCompression {
			level, err := batch.ParseCompressionLevel(rc.Compression)
			if err != nil {
				return nil, fmt.Errorf("adaptive rule %s: %w", rc.Name, err)
			}
			rule.Action.Compression = level
		}
		rules = append(rules, rule)
	}
	return rules, nil
}
