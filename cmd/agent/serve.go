package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"DriverSafetyCore/internal/config"
	"DriverSafetyCore/internal/database"
	"DriverSafetyCore/internal/defensive"
	"DriverSafetyCore/internal/handler"
	"DriverSafetyCore/internal/health"
	"DriverSafetyCore/internal/ingest"
	"DriverSafetyCore/internal/lifecycle"
	"DriverSafetyCore/internal/location"
	"DriverSafetyCore/internal/logger"
	"DriverSafetyCore/internal/metrics"
	"DriverSafetyCore/internal/models"
	"DriverSafetyCore/internal/mqtt"
	"DriverSafetyCore/internal/repository"
	"DriverSafetyCore/internal/server"
	"DriverSafetyCore/internal/service"
	"DriverSafetyCore/internal/sound"
	"DriverSafetyCore/internal/store"
	"DriverSafetyCore/internal/voice"
	"DriverSafetyCore/internal/websocket"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var online bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(online)
		},
	}

	cmd.Flags().BoolVar(&online, "online", false, "go online immediately instead of waiting for POST /api/v1/presence")
	return cmd
}

func serve(startOnline bool) error {
	// 1. Load Config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// 2. Initialize Logger
	log, err := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Mode:        cfg.Logging.Mode,
		LogFilePath: cfg.Logging.FilePath,
		UseColors:   cfg.Logging.UseColors,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Close()

	if err := cfg.Validate(); err != nil {
		return err
	}

	cfg.Print()
	log.Info("Starting driver safety agent for %s", cfg.Identity.DriverID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. State store
	snapshots, err := store.OpenBadger(store.BadgerConfig{
		Path:       cfg.Store.Path,
		InMemory:   cfg.Store.InMemory,
		SyncWrites: cfg.Store.SyncWrites,
		Logger:     log,
	})
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	defer snapshots.Close()

	m := metrics.New(prometheus.DefaultRegisterer)

	// 4. Database (fallback path and own panic rows)
	db, err := database.New(&cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Health(ctx); err != nil {
		log.Warn("Database unreachable at startup, fallback poll will retry: %v", err)
	} else {
		log.Info("Database connected successfully")
	}
	panicRepo := repository.NewPanicRepository(db.DB)

	// 5. MQTT (push path and worker commands)
	mqttClient, err := mqtt.NewClient(mqtt.ClientConfig{
		MQTT:     &cfg.MQTT,
		DriverID: cfg.Identity.DriverID,
		Logger:   log,
	})
	if err != nil {
		return fmt.Errorf("failed to create MQTT client: %w", err)
	}
	defer func() {
		if err := mqttClient.Disconnect(); err != nil {
			log.Error("Failed to disconnect MQTT: %v", err)
		}
	}()

	if err := mqttClient.Connect(); err != nil {
		log.Warn("MQTT broker unavailable, retrying in background: %v", err)
	}
	broadcast := mqtt.NewBroadcast(mqttClient, cfg.MQTT.TopicPrefix, cfg.MQTT.BufferSize, log)

	// 6. Durable components
	machine := lifecycle.New(snapshots, log)
	if err := machine.Load(ctx); err != nil {
		return fmt.Errorf("failed to restore lifecycle: %w", err)
	}

	soundPolicy := sound.NewPolicy(snapshots, cfg.Alert.SilentMode, log)
	if err := soundPolicy.Load(ctx); err != nil {
		log.Warn("Sound state not restored: %v", err)
	}

	policy, err := defensive.ParseRecoveryPolicy(cfg.Defensive.RecoveryPolicy)
	if err != nil {
		return err
	}
	defensiveCtl := defensive.New(defensive.Config{
		Window:      cfg.Defensive.Window,
		Threshold:   cfg.Defensive.Threshold,
		QuietPeriod: cfg.Defensive.QuietPeriod,
		Policy:      policy,
	}, snapshots, m, log)
	if err := defensiveCtl.Load(ctx); err != nil {
		log.Warn("Defensive mode not restored: %v", err)
	}

	// 7. Device workers
	tracker := location.NewTracker(cfg.Health.FixMaxAge, mqttClient, log)
	listener := voice.NewListener(cfg.Health.HeartbeatMaxAge, mqttClient)
	recovery := voice.NewRecovery(voice.Config{
		ErrorWindow:    cfg.Voice.ErrorWindow,
		ErrorThreshold: cfg.Voice.ErrorThreshold,
		BackoffBase:    cfg.Voice.BackoffBase,
		BackoffCap:     cfg.Voice.BackoffCap,
		MaxRecoveries:  cfg.Voice.MaxRecoveries,
		RecoveryWindow: cfg.Voice.RecoveryWindow,
	}, mqttClient, m, log)
	defer recovery.Stop()

	// 8. Presentation
	hub := websocket.NewHub(log)
	go hub.Run(ctx)

	// 9. Ingestion
	pipeline := ingest.New(ingest.Config{
		SelfID:           cfg.Identity.DriverID,
		RadiusKm:         cfg.Alert.RadiusKm,
		PollInterval:     cfg.Alert.PollInterval,
		PollLimit:        cfg.Alert.PollLimit,
		PollLookback:     cfg.Alert.PollLookback,
		QueryTimeout:     db.QueryTimeout(),
		ProcessedTTL:     cfg.Alert.ProcessedTTL,
		ResolvedTTL:      cfg.Alert.ResolvedTTL,
		MaxEntries:       cfg.Alert.CacheMaxEntries,
		LocationMaxAge:   cfg.Alert.LocationMaxAge,
		LocationMinMoveM: cfg.Alert.LocationMinMoveM,
		EndedGrace:       cfg.Alert.EndedGrace,
		Spam:             ingest.DefaultConfig(cfg.Identity.DriverID).Spam,
	}, ingest.Deps{
		Broadcaster: broadcast,
		Query:       panicRepo,
		Positions:   tracker,
		Sound:       soundPolicy,
		Sink:        hub,
		Failures:    defensiveCtl,
		Metrics:     m,
		Logger:      log,
	})
	pipeline.SetPanicActive(machine.IsActive)
	pipeline.SetDefensive(defensiveCtl.Enabled)
	pipeline.SetConnectivity(mqttClient.IsConnected)
	pipeline.Start()
	defer pipeline.Shutdown()

	// 10. Supervision
	monitor := health.NewMonitor(health.Config{
		Interval:    cfg.Health.Interval,
		BackoffBase: cfg.Health.BackoffBase,
		BackoffCap:  cfg.Health.BackoffCap,
		MaxAttempts: cfg.Health.MaxAttempts,
	}, defensiveCtl, m, log)
	monitor.Register(tracker)
	monitor.Register(listener)
	monitor.Register(health.NewRealtimeWorker(mqttClient, pipeline, cfg.Health.RealtimeGrace))
	monitor.SetSuppression(health.SuppressWhen(pipeline.Online, machine.IsActive))
	monitor.SetFallbackHealth(pipeline.FallbackHealthy)
	monitor.Start()
	defer monitor.Shutdown()

	// 11. Own panic
	identity := service.Identity{DriverID: cfg.Identity.DriverID, DriverName: cfg.Identity.DriverName}
	panicService := service.NewPanicService(machine, panicRepo, broadcast, tracker, identity, log)
	ownLocation := service.NewLocationBroadcaster(cfg.Alert.OwnBroadcastInterval, machine, broadcast, tracker, cfg.Identity.DriverID, log)
	ownLocation.Start()
	defer ownLocation.Shutdown()

	presence := service.NewPresenceService(pipeline, monitor, machine, log)
	if startOnline {
		if err := presence.GoOnline(ctx); err != nil {
			log.Error("Failed to go online: %v", err)
		}
	}

	go websocket.Forward(ctx, hub, websocket.TypeHealth, monitor.Observe())
	go websocket.Forward(ctx, hub, websocket.TypeDefensive, defensiveCtl.Observe())
	go websocket.Forward(ctx, hub, websocket.TypeLifecycle, machine.Observe())
	go websocket.Forward(ctx, hub, websocket.TypeVoice, recovery.Observe())

	// 12. HTTP
	agentHandler := handler.NewAgentHandler(handler.AgentDeps{
		Presence:  presence,
		Pipeline:  pipeline,
		Lifecycle: machine,
		Health:    monitor,
		Defensive: defensiveCtl,
		Voice:     recovery,
		Sound:     soundPolicy,
		Positions: tracker,
		Heartbeat: listener,
		Workers: map[string]handler.WorkerToggle{
			models.WorkerLocation: tracker,
			models.WorkerVoice:    listener,
		},
	}, log)
	panicHandler := handler.NewPanicHandler(panicService, log)
	healthHandler := handler.NewHealthHandler(db, snapshots, mqttClient, defensiveCtl.Enabled, log)

	srv := server.New(cfg, log)
	srv.RegisterHandlers(agentHandler, panicHandler, healthHandler, hub, promhttp.Handler())

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start()
	}()

	log.Info("Agent ready on http://%s:%d", cfg.Server.Host, cfg.Server.Port)

	// 13. Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case <-quit:
		log.Warn("Shutdown signal received")
	case runErr = <-serverErr:
		if runErr != nil {
			log.Error("Server failed: %v", runErr)
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server shutdown error: %v", err)
	}

	log.Info("Shutdown complete")
	return runErr
}
