package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	iofs "io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/garrison-dev/garrison/internal/agent"
	"github.com/garrison-dev/garrison/internal/agent/backends"
	"github.com/garrison-dev/garrison/internal/bus"
	"github.com/garrison-dev/garrison/internal/cleanup"
	"github.com/garrison-dev/garrison/internal/config"
	"github.com/garrison-dev/garrison/internal/hub"
	"github.com/garrison-dev/garrison/internal/logger"
	"github.com/garrison-dev/garrison/internal/metrics"
	"github.com/garrison-dev/garrison/internal/recovery"
	"github.com/garrison-dev/garrison/internal/runner"
	"github.com/garrison-dev/garrison/internal/store"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0"
var Version = "dev"

func main() {
	// Check for subcommands before parsing flags
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "init":
			cmdInit()
			return
		case "--version", "-v":
			fmt.Printf("garrison %s\n", Version)
			return
		case "--help", "-h", "help":
			printUsage()
			return
		}
	}

	runServer()
}

func printUsage() {
	fmt.Printf(`Garrison %s - Coding Agent Process Orchestration

Usage: garrison [command] [options]

Commands:
  (default)    Start the server
  init         Initialize the Garrison directory structure

Server Options:
  --dir <path>       Garrison home directory
  --addr <address>   Listen address (overrides config)

Config Precedence (for server):
  1. --dir flag
  2. GARRISON_HOME env var
  3. ./.garrison (if initialized in current directory)
  4. ~/.garrison (default)

Examples:
  garrison                             Start the server (auto-detect config)
  garrison --dir /path/to/garrison     Start with a specific home directory
  garrison init                        Set up ~/.garrison
  garrison init --dir .                Set up in the current directory
`, Version)
}

func runServer() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	dirFlag := flag.String("dir", "", "Garrison home directory (default: ~/.garrison)")
	addrFlag := flag.String("addr", "", "Listen address (overrides config)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("garrison %s\n", Version)
		os.Exit(0)
	}

	garrisonDir := resolveGarrisonDir(*dirFlag)
	configDir := filepath.Join(garrisonDir, "config")

	if _, err := os.Stat(filepath.Join(configDir, config.FileName)); errors.Is(err, iofs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "Garrison not initialized. Run 'garrison init' first.")
		os.Exit(1)
	}

	cfg, err := config.Load(configDir)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	dataDir := resolvePath(garrisonDir, cfg.Paths.DataDir)
	logDir := resolvePath(garrisonDir, cfg.Paths.LogDir)
	captureDir := resolvePath(garrisonDir, cfg.Paths.CaptureDir)

	for _, dir := range []string{dataDir, captureDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf("Failed to create %s: %v", dir, err)
		}
	}

	if err := logger.Init(logDir); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Close() }()

	logger.Println("🏰 Garrison - Coding Agent Process Orchestration")
	logger.Println("")

	addr := cfg.Server.Address
	if *addrFlag != "" {
		addr = *addrFlag
	}

	st, err := store.NewStore(dataDir)
	if err != nil {
		logger.Fatalf("Failed to open agent store: %v", err)
	}
	defer func() { _ = st.Close() }()
	logger.Printf("🗄️  Agent database: %s/garrison.db", dataDir)

	snapshot, err := recovery.NewSnapshot(dataDir)
	if err != nil {
		logger.Fatalf("Failed to open process snapshot: %v", err)
	}

	eventBus := bus.New()

	run := runner.New(eventBus, st, snapshot, runner.Config{
		CaptureDir:      captureDir,
		GracePeriod:     cfg.GracePeriod(),
		DisableQueueing: cfg.Runner.DisableQueueing,
		BackendFactory: func(kind agent.Kind, model string) (agent.Backend, error) {
			if model == "" {
				if kind == agent.KindInteractive {
					model = cfg.Agents.GeminiModel
				} else {
					model = cfg.Agents.ClaudeModel
				}
			}
			return backends.ForKind(kind, model)
		},
	}, runner.Callbacks{
		OnError: func(agentID string, err error) {
			logger.Error("Agent %s failed: %v", agentID, err)
		},
	})

	observerHub := hub.New(st, run, eventBus)

	// Reconcile the snapshot from the previous run: adopt survivors as
	// orphaned, resume interrupted batch sessions, mark the rest offline.
	recoverer := recovery.NewRecoverer(snapshot,
		func(req *agent.RunnerRequest) {
			if err := run.Run(req); err != nil {
				logger.Error("Resume failed for agent %s: %v", req.AgentID, err)
			}
		},
		func(agentID string, status store.Status) {
			if err := st.UpdateAgent(agentID, store.AgentUpdate{Status: &status}, false); err != nil {
				logger.Error("Recovery status update failed for agent %s: %v", agentID, err)
			}
		},
		cfg.ResumeDelay(),
	)
	if err := recoverer.Recover(); err != nil {
		logger.Printf("⚠️  Recovery pass failed: %v", err)
	}

	cleaner := cleanup.New(cleanup.Config{
		CaptureDir:      captureDir,
		Schedule:        cfg.Cleanup.Schedule,
		Retention:       time.Duration(cfg.Cleanup.RetentionHours) * time.Hour,
		DiskWarnPercent: cfg.Cleanup.DiskWarnPercent,
	})
	if err := cleaner.Start(); err != nil {
		logger.Fatalf("Failed to start cleanup: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", observerHub.ServeWS)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		agents, _ := st.ListAgents()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":          "ok",
			"agents":          len(agents),
			"observers":       observerHub.ClientCount(),
			"activeProcesses": run.ActiveCount(),
		})
	})

	server := &http.Server{Addr: addr, Handler: metrics.Instrument(mux)}

	logger.Println("🚀 Starting Garrison server...")
	logger.Printf("📡 Observers:  ws://localhost%s/ws", addr)
	logger.Printf("📈 Metrics:    http://localhost%s/metrics", addr)
	logger.Printf("📁 Captures:   %s", captureDir)
	logger.Println("")

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		logger.Fatalf("Server error: %v", err)
	case sig := <-shutdownChan:
		logger.Printf("⚠️  Received signal %v, initiating graceful shutdown...", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)

		logger.Println("   Closing observer connections...")
		observerHub.Close()

		logger.Println("   Stopping agent processes...")
		run.Shutdown()

		logger.Println("   Stopping cleanup...")
		cleaner.Stop()

		logger.Println("   Closing agent database...")
		_ = st.Close()

		logger.Println("✅ Shutdown complete")
		_ = logger.Close()
		os.Exit(0)
	}
}

// resolveGarrisonDir applies the documented precedence for the home dir
func resolveGarrisonDir(dirFlag string) string {
	if dirFlag != "" {
		abs, err := filepath.Abs(dirFlag)
		if err != nil {
			log.Fatalf("Invalid directory: %v", err)
		}
		return abs
	}
	if env := os.Getenv("GARRISON_HOME"); env != "" {
		return env
	}
	local := filepath.Join(".", ".garrison")
	if _, err := os.Stat(filepath.Join(local, "config", config.FileName)); err == nil {
		abs, err := filepath.Abs(local)
		if err == nil {
			return abs
		}
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		log.Fatalf("Could not determine home directory: %v", err)
	}
	return filepath.Join(homeDir, ".garrison")
}

// resolvePath anchors a relative config path to the garrison home dir
func resolvePath(garrisonDir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(garrisonDir, path)
}

func cmdInit() {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	dirFlag := fs.String("dir", "", "Directory to initialize (default: ~/.garrison)")
	_ = fs.Parse(os.Args[2:])

	var garrisonDir string
	if *dirFlag != "" {
		absDir, err := filepath.Abs(*dirFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid directory: %v\n", err)
			os.Exit(1)
		}
		garrisonDir = filepath.Join(absDir, ".garrison")
		if filepath.Base(absDir) == ".garrison" {
			garrisonDir = absDir
		}
	} else {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: could not determine home directory: %v\n", err)
			os.Exit(1)
		}
		garrisonDir = filepath.Join(homeDir, ".garrison")
	}

	configDir := filepath.Join(garrisonDir, "config")

	configFile := filepath.Join(configDir, config.FileName)
	if _, err := os.Stat(configFile); err == nil {
		fmt.Printf("⚠️  %s is already initialized.\n", garrisonDir)
		fmt.Print("Overwrite? [y/N]: ")
		var response string
		_, _ = fmt.Scanln(&response)
		if response != "y" && response != "Y" {
			fmt.Println("Aborted.")
			return
		}
	}

	fmt.Println("🏰 Initializing Garrison")
	fmt.Println("")

	dirs := []string{
		configDir,
		filepath.Join(garrisonDir, "data", "captures"),
		filepath.Join(garrisonDir, "logs"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating %s: %v\n", dir, err)
			os.Exit(1)
		}
		fmt.Printf("   Created %s\n", dir)
	}

	if err := config.WriteExample(configDir); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("   Created %s\n", configFile)
	fmt.Println("")
	fmt.Println("✅ Garrison initialized. Start the server with:")
	fmt.Printf("   garrison --dir %s\n", garrisonDir)
}
