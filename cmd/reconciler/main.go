// One-shot reconciliation pass for cron. Runs the same workers the
// engine schedules in-process, so orders and cycles still get repaired
// while the engine is down or wedged.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/dbarkman/dcaTrader-sub000/config"
	"github.com/dbarkman/dcaTrader-sub000/internal/broker"
	"github.com/dbarkman/dcaTrader-sub000/internal/database"
	"github.com/dbarkman/dcaTrader-sub000/internal/events"
	"github.com/dbarkman/dcaTrader-sub000/internal/logging"
	"github.com/dbarkman/dcaTrader-sub000/internal/notification"
	"github.com/dbarkman/dcaTrader-sub000/internal/reconcile"
)

const (
	runTimeout = 5 * time.Minute

	// alertFlush gives the async alert subscribers time to deliver
	// before the process exits.
	alertFlush = 2 * time.Second
)

func main() {
	var (
		workDir  = flag.String("dir", ".", "working directory for logs")
		dryRun   = flag.Bool("dry-run", false, "log intended repairs without making them")
		logLevel = flag.String("log-level", "info", "log level")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewCaretakerLogger(*workDir, "reconciler", *logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reconciler logger init failed: %v\n", err)
		logger = logging.New(logging.Config{Level: *logLevel, Output: "stderr"})
	}

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
	repo := database.NewRepository(db)

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

	bus := events.NewEventBus()
	manager := notification.NewManager(logger)
	if cfg.Notifications.EmailEnabled() {
		manager.AddNotifier(notification.NewEmailNotifier(notification.SMTPConfig{
			Host:     cfg.Notifications.SMTPHost,
			Port:     cfg.Notifications.SMTPPort,
			Username: cfg.Notifications.SMTPUsername,
			Password: cfg.Notifications.SMTPPassword,
			From:     cfg.Notifications.AlertEmailFrom,
			To:       cfg.Notifications.AlertEmailTo,
		}))
	}
	if cfg.Notifications.TelegramEnabled() {
		manager.AddNotifier(notification.NewTelegramNotifier(notification.TelegramConfig{
			BotToken: cfg.Notifications.TelegramBotToken,
			ChatID:   cfg.Notifications.TelegramChatID,
		}))
	}
	notification.NewBridge(manager, cfg.Notifications.TradingAlerts).Attach(bus)

	rcfg := reconcile.Config{
		DryRun:          *dryRun || cfg.Trading.DryRun,
		StaleBuyLimit:   cfg.Trading.StaleOrderThreshold,
		StuckMarketSell: cfg.Trading.StuckSellThreshold,
	}
	workers := []reconcile.Worker{
		reconcile.NewStaleOrderCanceller(repo, gateway, rcfg, logger),
		reconcile.NewConsistencyChecker(repo, gateway, bus, rcfg, logger),
		reconcile.NewCooldownReleaser(repo, rcfg, logger),
		reconcile.NewPositionSynchronizer(repo, gateway, bus, rcfg, logger),
	}

	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	runErr := reconcile.RunOnce(ctx, workers, logger)
	time.Sleep(alertFlush)
	if runErr != nil {
		logger.Error().Err(runErr).Msg("reconciliation pass finished with errors")
		os.Exit(1)
	}
	logger.Info().Msg("reconciliation pass complete")
}
