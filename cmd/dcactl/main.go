// Control script for the trading engine process. Stop raises
// maintenance mode before the engine goes down so the watchdog does not
// restart it behind the operator's back; start lifts it once the engine
// is back up.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dbarkman/dcaTrader-sub000/internal/logging"
	"github.com/dbarkman/dcaTrader-sub000/internal/supervisor"
)

func main() {
	var (
		engineCmd = flag.String("engine", "./dcatrader", "path to the engine binary")
		workDir   = flag.String("dir", ".", "engine working directory")
		logLevel  = flag.String("log-level", "info", "log level")
	)
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	logger := logging.New(logging.Config{Level: *logLevel, Console: true})
	sup := supervisor.New(supervisor.Config{
		PIDFile:         filepath.Join(*workDir, "main_app.pid"),
		MaintenanceFile: filepath.Join(*workDir, ".maintenance"),
		EngineCmd:       *engineCmd,
		WorkDir:         *workDir,
	}, logger)

	var err error
	switch cmd := flag.Arg(0); cmd {
	case "start":
		err = sup.StartCommand()
	case "stop":
		err = sup.StopCommand()
	case "restart":
		err = sup.RestartCommand()
	case "status":
		printStatus(sup)
	case "maintenance":
		err = toggleMaintenance(sup, flag.Arg(1))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s failed: %v\n", flag.Arg(0), err)
		os.Exit(1)
	}
}

func printStatus(sup *supervisor.Supervisor) {
	st := sup.Status()
	if st.Running {
		fmt.Printf("engine: running (pid %d, uptime %s)\n", st.PID, supervisor.FormatUptime(st.Uptime))
	} else {
		fmt.Println("engine: stopped")
	}
	if st.Maintenance {
		fmt.Println("maintenance: on")
	} else {
		fmt.Println("maintenance: off")
	}
}

func toggleMaintenance(sup *supervisor.Supervisor, arg string) error {
	switch arg {
	case "on":
		return sup.EnableMaintenance()
	case "off":
		return sup.DisableMaintenance()
	default:
		return fmt.Errorf("usage: maintenance {on|off}")
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: dcactl [flags] {start|stop|restart|status|maintenance {on|off}}")
	flag.PrintDefaults()
}
