// Package main wires together the fleet orchestrator service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcppubsub "cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/inkdex/fleet-orchestrator/internal/api"
	"github.com/inkdex/fleet-orchestrator/internal/audit"
	"github.com/inkdex/fleet-orchestrator/internal/clock/system"
	"github.com/inkdex/fleet-orchestrator/internal/config"
	"github.com/inkdex/fleet-orchestrator/internal/fleet"
	"github.com/inkdex/fleet-orchestrator/internal/id/uuid"
	"github.com/inkdex/fleet-orchestrator/internal/logging"
	"github.com/inkdex/fleet-orchestrator/internal/metrics"
	memoryprovision "github.com/inkdex/fleet-orchestrator/internal/provision/memory"
	"github.com/inkdex/fleet-orchestrator/internal/provision/vultr"
	memorypublisher "github.com/inkdex/fleet-orchestrator/internal/publisher/memory"
	pubsubpublisher "github.com/inkdex/fleet-orchestrator/internal/publisher/pubsub"
	"github.com/inkdex/fleet-orchestrator/internal/queue"
	"github.com/inkdex/fleet-orchestrator/internal/ratelimit"
	"github.com/inkdex/fleet-orchestrator/internal/registry"
	"github.com/inkdex/fleet-orchestrator/internal/rotation"
	"github.com/inkdex/fleet-orchestrator/internal/storage/memory"
	"github.com/inkdex/fleet-orchestrator/internal/storage/postgres"
	"github.com/inkdex/fleet-orchestrator/internal/sweeper"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		queueStore  fleet.QueueStore
		workerStore fleet.WorkerStore
		auditStore  fleet.AuditStore
	)
	switch cfg.Providers.Store {
	case "postgres":
		pool, err := postgres.NewPool(ctx, postgres.Config{
			DSN:             cfg.DB.DSN,
			MaxConns:        cfg.DB.MaxConns,
			MinConns:        cfg.DB.MinConns,
			MaxConnLifetime: cfg.DB.MaxConnLifetime,
		})
		if err != nil {
			logger.Fatal("postgres init failed", zap.Error(err))
		}
		defer pool.Close()
		qs, err := postgres.NewQueueStore(pool)
		if err != nil {
			logger.Fatal("queue store init failed", zap.Error(err))
		}
		ws, err := postgres.NewWorkerStore(pool)
		if err != nil {
			logger.Fatal("worker store init failed", zap.Error(err))
		}
		as, err := postgres.NewAuditStore(pool)
		if err != nil {
			logger.Fatal("audit store init failed", zap.Error(err))
		}
		queueStore, workerStore, auditStore = qs, ws, as
	default:
		queueStore = memory.NewQueueStore()
		workerStore = memory.NewWorkerStore()
		auditStore = memory.NewAuditStore()
	}

	var provisioner fleet.Provisioner
	switch cfg.Providers.Provisioner {
	case "vultr":
		provisioner = vultr.New(vultr.Config{
			APIKey:       cfg.Vultr.APIKey,
			BaseURL:      cfg.Vultr.BaseURL,
			Region:       cfg.Vultr.Region,
			Plan:         cfg.Vultr.Plan,
			OSID:         cfg.Vultr.OSID,
			LabelPrefix:  cfg.Vultr.LabelPrefix,
			BootTimeout:  cfg.Vultr.BootTimeout,
			PollInterval: cfg.Vultr.PollInterval,
		}, nil, logger.Named("vultr"))
	default:
		provisioner = memoryprovision.New()
	}

	var publisher fleet.Publisher
	topic := ""
	switch cfg.Providers.Publisher {
	case "pubsub":
		client, err := gcppubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			logger.Fatal("pubsub init failed", zap.Error(err))
		}
		defer func() {
			if closeErr := client.Close(); closeErr != nil {
				logger.Warn("pubsub close failed", zap.Error(closeErr))
			}
		}()
		publisher = pubsubpublisher.New(client)
		topic = cfg.PubSub.TopicName
	case "memory":
		publisher = memorypublisher.New()
		topic = cfg.PubSub.TopicName
	}

	clock := system.New()
	idGen := uuid.New()

	auditLog := audit.New(auditStore, idGen, clock, publisher, topic, logger.Named("audit"))
	queueSvc := queue.New(queueStore, idGen, clock, queue.Config{
		LeaseDuration: cfg.Fleet.LeaseDuration,
		MaxAttempts:   cfg.Fleet.MaxAttempts,
	}, logger.Named("queue"))
	controller := rotation.New(workerStore, provisioner, auditLog, idGen, clock, logger.Named("rotation"))
	monitor := ratelimit.New(auditLog, controller, ratelimit.Config{
		Threshold:  cfg.Fleet.RotationThreshold,
		AutoRotate: cfg.Fleet.AutoRotate,
	}, logger.Named("ratelimit"))
	reg := registry.New(workerStore, auditLog, monitor, clock, registry.Config{
		HeartbeatTimeout: cfg.Fleet.HeartbeatTimeout,
		OfflineGrace:     cfg.Fleet.OfflineGrace,
		SpawnTimeout:     cfg.Fleet.SpawnTimeout,
	}, logger.Named("registry"))

	sweep := sweeper.New(queueSvc, reg, cfg.Fleet.SweepInterval, logger.Named("sweeper"))
	go sweep.Run(ctx)

	apiServer := api.NewServer(queueSvc, reg, controller, auditLog, cfg, logger)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
