// The trading engine process. It connects the broker streams to the
// strategy, runs the reconciliation schedulers in-process, and shuts
// down cleanly on SIGTERM so the control script's grace window holds.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dbarkman/dcaTrader-sub000/config"
	"github.com/dbarkman/dcaTrader-sub000/internal/broker"
	"github.com/dbarkman/dcaTrader-sub000/internal/database"
	"github.com/dbarkman/dcaTrader-sub000/internal/engine"
	"github.com/dbarkman/dcaTrader-sub000/internal/events"
	"github.com/dbarkman/dcaTrader-sub000/internal/logging"
	"github.com/dbarkman/dcaTrader-sub000/internal/notification"
	"github.com/dbarkman/dcaTrader-sub000/internal/reconcile"
	"github.com/dbarkman/dcaTrader-sub000/internal/supervisor"
)

const (
	pidFile = "main_app.pid"

	// maintenanceInterval paces the order and cycle repair workers;
	// positionSyncInterval runs the broker position sync more often
	// because a divergent position distorts every strategy decision.
	maintenanceInterval  = 60 * time.Second
	positionSyncInterval = 15 * time.Second

	// shutdownTimeout is the backstop for a shutdown that hangs. The
	// control script escalates to SIGKILL on the same schedule.
	shutdownTimeout = 10 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		Output:  cfg.Logging.Output,
	})

	startup := logger.Info()
	for k, v := range cfg.Summary() {
		startup = startup.Str(k, v)
	}
	startup.Msg("configuration loaded")

	// The watchdog and control script find us through the PID file.
	if err := supervisor.WritePIDFile(pidFile, os.Getpid()); err != nil {
		logger.Warn().Err(err).Msg("failed to write pid file")
	}
	defer func() { _ = supervisor.RemovePIDFile(pidFile) }()

	db, err := database.NewDB(database.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Name,
		SSLMode:  cfg.Database.SSLMode,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.RunMigrations(ctx); err != nil {
		logger.Fatal().Err(err).Msg("database migrations failed")
	}
	repo := database.NewRepository(db)

	bus := events.NewEventBus()

	manager := notification.NewManager(logger)
	if cfg.Notifications.TelegramEnabled() {
		manager.AddNotifier(notification.NewTelegramNotifier(notification.TelegramConfig{
			BotToken: cfg.Notifications.TelegramBotToken,
			ChatID:   cfg.Notifications.TelegramChatID,
		}))
		logger.Info().Msg("telegram notifications enabled")
	}
	if cfg.Notifications.EmailEnabled() {
		manager.AddNotifier(notification.NewEmailNotifier(notification.SMTPConfig{
			Host:     cfg.Notifications.SMTPHost,
			Port:     cfg.Notifications.SMTPPort,
			Username: cfg.Notifications.SMTPUsername,
			Password: cfg.Notifications.SMTPPassword,
			From:     cfg.Notifications.AlertEmailFrom,
			To:       cfg.Notifications.AlertEmailTo,
		}))
		logger.Info().Msg("email notifications enabled")
	}
	notification.NewBridge(manager, cfg.Notifications.TradingAlerts).Attach(bus)

	gateway, err := broker.NewAlpacaGateway(broker.Config{
		APIKey:          cfg.Alpaca.APIKey,
		APISecret:       cfg.Alpaca.APISecret,
		BaseURL:         cfg.Alpaca.BaseURL,
		Paper:           cfg.Alpaca.IsPaper(),
		IntegrationTest: cfg.Trading.IntegrationTestMode,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("broker gateway init failed")
	}

	eng := engine.New(repo, gateway, bus, engine.Config{
		Paper:         cfg.Alpaca.IsPaper(),
		DryRun:        cfg.Trading.DryRun,
		TestingMode:   cfg.Trading.TestingMode,
		OrderCooldown: time.Duration(cfg.Trading.OrderCooldownSeconds) * time.Second,
	}, logger)

	rcfg := reconcile.Config{
		DryRun:          cfg.Trading.DryRun,
		StaleBuyLimit:   cfg.Trading.StaleOrderThreshold,
		StuckMarketSell: cfg.Trading.StuckSellThreshold,
	}
	maintenance := reconcile.NewScheduler([]reconcile.Worker{
		reconcile.NewStaleOrderCanceller(repo, gateway, rcfg, logger),
		reconcile.NewConsistencyChecker(repo, gateway, bus, rcfg, logger),
		reconcile.NewCooldownReleaser(repo, rcfg, logger),
	}, maintenanceInterval, logger)
	positionSync := reconcile.NewScheduler([]reconcile.Worker{
		reconcile.NewPositionSynchronizer(repo, gateway, bus, rcfg, logger),
	}, positionSyncInterval, logger)

	if err := eng.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("engine start failed")
	}
	if err := maintenance.Start(); err != nil {
		logger.Fatal().Err(err).Msg("maintenance scheduler start failed")
	}
	if err := positionSync.Start(); err != nil {
		logger.Fatal().Err(err).Msg("position sync scheduler start failed")
	}
	logger.Info().Int("pid", os.Getpid()).Msg("trading engine running")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	// If a component refuses to stop, exit anyway rather than hang
	// between the supervisor's SIGTERM and its SIGKILL.
	forceExit := time.AfterFunc(shutdownTimeout, func() {
		logger.Error().Msg("graceful shutdown timed out, forcing exit")
		_ = supervisor.RemovePIDFile(pidFile)
		os.Exit(1)
	})
	defer forceExit.Stop()

	if err := positionSync.Stop(); err != nil {
		logger.Warn().Err(err).Msg("position sync scheduler stop")
	}
	if err := maintenance.Stop(); err != nil {
		logger.Warn().Err(err).Msg("maintenance scheduler stop")
	}
	eng.Stop()

	logger.Info().Msg("shutdown complete")
}
