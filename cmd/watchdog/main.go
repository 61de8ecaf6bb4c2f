// Cron-driven watchdog for the trading engine. One pass per invocation:
// restart the engine if it died outside a maintenance window, and alert
// an operator about the outcome.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dbarkman/dcaTrader-sub000/config"
	"github.com/dbarkman/dcaTrader-sub000/internal/events"
	"github.com/dbarkman/dcaTrader-sub000/internal/logging"
	"github.com/dbarkman/dcaTrader-sub000/internal/notification"
	"github.com/dbarkman/dcaTrader-sub000/internal/supervisor"
)

// alertFlush gives the async alert subscribers time to deliver before
// the process exits.
const alertFlush = 2 * time.Second

func main() {
	var (
		engineCmd = flag.String("engine", "./dcatrader", "path to the engine binary")
		workDir   = flag.String("dir", ".", "engine working directory")
		logLevel  = flag.String("log-level", "info", "log level")
	)
	flag.Parse()

	logger, err := logging.NewCaretakerLogger(*workDir, "watchdog", *logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "watchdog logger init failed: %v\n", err)
		logger = logging.New(logging.Config{Level: *logLevel, Output: "stderr"})
	}

	bus := events.NewEventBus()
	manager := notification.NewManager(logger)

	// The watchdog must keep restarting the engine even on a box with an
	// incomplete environment, so a config error only disables alerts.
	if cfg, err := config.Load(); err != nil {
		logger.Warn().Err(err).Msg("configuration incomplete, alerts disabled")
	} else {
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
	}

	sup := supervisor.New(supervisor.Config{
		PIDFile:         filepath.Join(*workDir, "main_app.pid"),
		MaintenanceFile: filepath.Join(*workDir, ".maintenance"),
		EngineCmd:       *engineCmd,
		WorkDir:         *workDir,
	}, logger)

	wd := supervisor.NewWatchdog(sup, bus, logger)
	res := wd.Check()

	switch res.Action {
	case supervisor.ActionRestarted, supervisor.ActionFailed:
		time.Sleep(alertFlush)
	}
	if res.Action == supervisor.ActionFailed {
		os.Exit(1)
	}
}
