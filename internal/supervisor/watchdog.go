package supervisor

import (
	"os"

	"github.com/rs/zerolog"

	"github.com/dbarkman/dcaTrader-sub000/internal/events"
)

// Watchdog actions, in the order a check can resolve.
const (
	ActionHealthy     = "healthy"
	ActionMaintenance = "maintenance"
	ActionRestarted   = "restarted"
	ActionFailed      = "restart_failed"
)

// CheckResult says what one watchdog pass found and did.
type CheckResult struct {
	Action string
	PID    int
}

// Watchdog is the cron-driven guard that restarts a dead engine, unless
// maintenance mode says an operator took it down on purpose.
type Watchdog struct {
	sup    *Supervisor
	bus    *events.EventBus
	logger zerolog.Logger
}

// NewWatchdog wires a watchdog over sup. The bus may be nil when nobody
// listens for restart alerts.
func NewWatchdog(sup *Supervisor, bus *events.EventBus, logger zerolog.Logger) *Watchdog {
	return &Watchdog{
		sup:    sup,
		bus:    bus,
		logger: logger.With().Str("component", "watchdog").Logger(),
	}
}

// Check runs one watchdog pass. A dead engine gets its stale PID file
// cleaned up and a restart attempt; both outcomes are published so the
// notifiers can alert an operator.
func (w *Watchdog) Check() CheckResult {
	if w.sup.MaintenanceEnabled() {
		w.logger.Info().Msg("maintenance mode enabled, watchdog standing down")
		return CheckResult{Action: ActionMaintenance}
	}

	st := w.sup.Status()
	if st.Running {
		w.logger.Info().Int("pid", st.PID).Str("uptime", FormatUptime(st.Uptime)).Msg("engine healthy")
		return CheckResult{Action: ActionHealthy, PID: st.PID}
	}

	w.logger.Warn().Msg("engine not running, attempting restart")
	if err := RemovePIDFile(w.sup.cfg.PIDFile); err != nil {
		w.logger.Warn().Err(err).Msg("failed to clean up stale pid file")
	}

	host := hostname()
	if err := w.sup.Start(); err != nil {
		w.logger.Error().Err(err).Msg("engine restart failed")
		w.publish(host, false, err.Error())
		return CheckResult{Action: ActionFailed}
	}

	st = w.sup.Status()
	w.logger.Info().Int("pid", st.PID).Msg("engine restarted")
	w.publish(host, true, "engine was not running and has been restarted")
	return CheckResult{Action: ActionRestarted, PID: st.PID}
}

func (w *Watchdog) publish(host string, success bool, detail string) {
	if w.bus == nil {
		return
	}
	w.bus.PublishWatchdogAction(host, "restart", success, detail)
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
