// Package supervisor manages the engine process from the outside: PID
// file bookkeeping, start and stop with a graceful SIGTERM window, the
// maintenance sentinel that pauses the watchdog, and the watchdog
// check itself.
package supervisor

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

const (
	// gracefulShutdownTimeout is how long Stop waits after SIGTERM
	// before escalating to SIGKILL.
	gracefulShutdownTimeout = 10 * time.Second

	// startupVerification is how long Start watches a freshly launched
	// engine before declaring it up.
	startupVerification = 5 * time.Second

	killWait     = 5 * time.Second
	pollInterval = 100 * time.Millisecond
)

// Config locates the engine binary and the control files.
type Config struct {
	// PIDFile is where the running engine's PID lives.
	PIDFile string

	// MaintenanceFile is the sentinel that tells the watchdog to stand
	// down while an operator works on the box.
	MaintenanceFile string

	// EngineCmd is the engine binary path; EngineArgs its arguments.
	EngineCmd  string
	EngineArgs []string

	// WorkDir is the working directory for the launched engine.
	// Empty means inherit.
	WorkDir string
}

// Supervisor starts, stops, and inspects the engine process.
type Supervisor struct {
	cfg    Config
	logger zerolog.Logger

	startupWait time.Duration
	gracePeriod time.Duration
}

// New builds a Supervisor with the default startup and shutdown windows.
func New(cfg Config, logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		cfg:         cfg,
		logger:      logger.With().Str("component", "supervisor").Logger(),
		startupWait: startupVerification,
		gracePeriod: gracefulShutdownTimeout,
	}
}

// Status is a point-in-time view of the engine process.
type Status struct {
	Running     bool
	PID         int
	Uptime      time.Duration
	Maintenance bool
}

// Status reads the PID file and probes the process. A PID file pointing
// at a dead process is stale and gets removed on the way through.
func (s *Supervisor) Status() Status {
	st := Status{Maintenance: s.MaintenanceEnabled()}
	pid := ReadPIDFile(s.cfg.PIDFile)
	if pid == 0 {
		return st
	}
	if !ProcessAlive(pid) {
		if err := RemovePIDFile(s.cfg.PIDFile); err != nil {
			s.logger.Warn().Err(err).Str("path", s.cfg.PIDFile).Msg("failed to remove stale pid file")
		} else {
			s.logger.Debug().Int("pid", pid).Msg("removed stale pid file")
		}
		return st
	}
	st.Running = true
	st.PID = pid
	st.Uptime = s.uptime()
	return st
}

// uptime approximates engine uptime from the PID file's modification
// time, which Start stamps at launch.
func (s *Supervisor) uptime() time.Duration {
	info, err := os.Stat(s.cfg.PIDFile)
	if err != nil {
		return 0
	}
	return time.Since(info.ModTime())
}

// FormatUptime renders a duration the way operators read it: whole
// seconds under a minute, fractional minutes under an hour, fractional
// hours beyond that.
func FormatUptime(d time.Duration) string {
	sec := d.Seconds()
	switch {
	case sec < 60:
		return fmt.Sprintf("%.0fs", sec)
	case sec < 3600:
		return fmt.Sprintf("%.1fm", sec/60)
	default:
		return fmt.Sprintf("%.1fh", sec/3600)
	}
}

// Start launches the engine detached from this process and verifies it
// survives the startup window. An engine that is already running counts
// as success.
func (s *Supervisor) Start() error {
	if st := s.Status(); st.Running {
		s.logger.Info().Int("pid", st.PID).Msg("engine already running")
		return nil
	}

	cmd := exec.Command(s.cfg.EngineCmd, s.cfg.EngineArgs...)
	cmd.Dir = s.cfg.WorkDir
	// New session so the engine outlives this process and ignores its
	// controlling terminal.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launch engine: %w", err)
	}
	pid := cmd.Process.Pid
	if err := WritePIDFile(s.cfg.PIDFile, pid); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	// Reap the child when it exits so a crashed engine does not linger
	// as a zombie for the life of this process.
	go func() { _ = cmd.Wait() }()

	deadline := time.Now().Add(s.startupWait)
	for time.Now().Before(deadline) {
		time.Sleep(pollInterval)
		if !ProcessAlive(pid) {
			_ = RemovePIDFile(s.cfg.PIDFile)
			return fmt.Errorf("engine pid %d exited during startup verification", pid)
		}
	}
	s.logger.Info().Int("pid", pid).Str("cmd", s.cfg.EngineCmd).Msg("engine started")
	return nil
}

// Stop sends SIGTERM, waits out the grace period, and escalates to
// SIGKILL. An engine that is not running counts as success.
func (s *Supervisor) Stop() error {
	st := s.Status()
	if !st.Running {
		s.logger.Info().Msg("engine not running")
		return nil
	}
	proc, err := os.FindProcess(st.PID)
	if err != nil {
		return fmt.Errorf("find engine process: %w", err)
	}

	s.logger.Info().Int("pid", st.PID).Msg("sending SIGTERM to engine")
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH) {
			_ = RemovePIDFile(s.cfg.PIDFile)
			return nil
		}
		return fmt.Errorf("signal engine: %w", err)
	}
	if waitForExit(st.PID, s.gracePeriod) {
		_ = RemovePIDFile(s.cfg.PIDFile)
		s.logger.Info().Int("pid", st.PID).Msg("engine stopped gracefully")
		return nil
	}

	s.logger.Warn().Int("pid", st.PID).Dur("grace_period", s.gracePeriod).Msg("graceful shutdown timed out, sending SIGKILL")
	if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill engine: %w", err)
	}
	if !waitForExit(st.PID, killWait) {
		return fmt.Errorf("engine pid %d survived SIGKILL", st.PID)
	}
	_ = RemovePIDFile(s.cfg.PIDFile)
	s.logger.Warn().Int("pid", st.PID).Msg("engine force killed")
	return nil
}

// waitForExit polls until the pid disappears or the timeout lapses.
func waitForExit(pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !ProcessAlive(pid) {
			return true
		}
		time.Sleep(pollInterval)
	}
	return !ProcessAlive(pid)
}

// EnableMaintenance drops the sentinel that pauses the watchdog.
func (s *Supervisor) EnableMaintenance() error {
	content := fmt.Sprintf("Maintenance mode enabled at %s\n",
		time.Now().UTC().Format("2006-01-02 15:04:05 UTC"))
	if err := os.WriteFile(s.cfg.MaintenanceFile, []byte(content), 0o644); err != nil {
		return fmt.Errorf("enable maintenance mode: %w", err)
	}
	s.logger.Info().Msg("maintenance mode enabled")
	return nil
}

// DisableMaintenance lifts the sentinel; already lifted is fine.
func (s *Supervisor) DisableMaintenance() error {
	err := os.Remove(s.cfg.MaintenanceFile)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("disable maintenance mode: %w", err)
	}
	s.logger.Info().Msg("maintenance mode disabled")
	return nil
}

// MaintenanceEnabled reports whether the sentinel file exists.
func (s *Supervisor) MaintenanceEnabled() bool {
	_, err := os.Stat(s.cfg.MaintenanceFile)
	return err == nil
}

// StopCommand is the operator stop: maintenance mode goes up first so
// the watchdog does not restart the engine behind the operator's back.
func (s *Supervisor) StopCommand() error {
	if err := s.EnableMaintenance(); err != nil {
		return err
	}
	return s.Stop()
}

// StartCommand is the operator start: the engine comes up, then
// maintenance mode is lifted so the watchdog resumes guarding it.
func (s *Supervisor) StartCommand() error {
	if err := s.Start(); err != nil {
		return err
	}
	return s.DisableMaintenance()
}

// RestartCommand cycles the engine under maintenance mode so the
// watchdog cannot race the restart.
func (s *Supervisor) RestartCommand() error {
	if err := s.EnableMaintenance(); err != nil {
		return err
	}
	if err := s.Stop(); err != nil {
		return err
	}
	time.Sleep(time.Second)
	if err := s.Start(); err != nil {
		return err
	}
	return s.DisableMaintenance()
}
