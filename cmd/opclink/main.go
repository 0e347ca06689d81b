// Opclink - OPC-DA Gateway TUI Application
//
// A text user interface for managing OPC-DA server connections,
// browsing tags, and republishing data via REST API, MQTT, Valkey,
// and Kafka.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"opclink/config"
	"opclink/engine"
	"opclink/logging"
	"opclink/opcsim"
	"opclink/opcworker"
	"opclink/tui"
)

// Version is set at build time via -ldflags
var Version = "dev"

var (
	configPath  = flag.String("config", config.DefaultPath(), "Path to configuration file")
	showVersion = flag.Bool("version", false, "Show version and exit")
	headless    = flag.Bool("headless", false, "Run without the TUI (Ctrl+C to stop)")
	logFile     = flag.String("log", "", "Path to runtime log file (optional)")
	logDebug    = flag.String("log-debug", "", "Write debug logging to debug.log (subsystem filter, or \"all\")")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("opclink %s\n", Version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	// Shared debug store feeds the TUI debug tab and headless logging.
	tui.InitDebugStore(1000)
	store := tui.GetDebugStore()

	var fileLogger *logging.FileLogger
	if *logFile != "" {
		fileLogger, err = logging.NewFileLogger(*logFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to open log file: %v\n", err)
		}
	}

	logFn := func(format string, args ...interface{}) {
		store.Log(format, args...)
		if fileLogger != nil {
			fileLogger.Log(format, args...)
		}
	}

	var debugLogger *logging.DebugLogger
	if *logDebug != "" {
		debugLogger, err = logging.NewDebugLogger("debug.log")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to open debug log: %v\n", err)
		} else {
			filter := *logDebug
			if filter == "all" || filter == "true" || filter == "1" {
				filter = ""
			}
			debugLogger.SetFilter(filter)
			logging.SetGlobalDebugLogger(debugLogger)
		}
	}

	// Start the session worker. The simulation backend stands in for a
	// native binding; a COM-backed Connector plugs in at the same seam
	// on hosts that have one.
	var workerOpts []opcworker.Option
	if cfg.Worker.QueueDepth > 0 {
		workerOpts = append(workerOpts, opcworker.WithQueueDepth(cfg.Worker.QueueDepth))
	}
	worker, err := opcworker.Start(opcsim.NewConnector(), workerOpts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error starting session worker: %v\n", err)
		os.Exit(1)
	}

	eng := engine.New(engine.Config{
		AppConfig:  cfg,
		ConfigPath: *configPath,
		Worker:     worker,
		LogFunc:    logFn,
	})
	eng.Start()

	if *headless {
		runHeadless(eng)
	} else {
		runTUI(cfg, eng)
	}

	eng.Stop()
	worker.Close()
	if fileLogger != nil {
		fileLogger.Close()
	}
	if debugLogger != nil {
		debugLogger.Close()
	}
}

// runHeadless blocks until SIGINT or SIGTERM.
func runHeadless(eng *engine.Engine) {
	if api := eng.GetAPIServer(); api != nil {
		fmt.Printf("REST API at %s/api/\n", api.Address())
	}
	fmt.Println("Running in headless mode. Press Ctrl+C to stop.")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	fmt.Printf("\nReceived %v, shutting down...\n", sig)
}

func runTUI(cfg *config.Config, eng *engine.Engine) {
	// Redirect stderr to a file so runtime errors (panics, data races)
	// cannot corrupt the terminal display.
	stderrPath := filepath.Join(filepath.Dir(*configPath), "opclink-crash.log")
	if f, err := os.OpenFile(stderrPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err == nil {
		redirectStderr(f)
		defer f.Close()
	}

	app := tui.NewApp(cfg, eng)
	if err := app.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		eng.Stop()
		os.Exit(1)
	}

	// Give in-flight publishes a moment to drain before teardown.
	time.Sleep(100 * time.Millisecond)
}
