// Package main provides the entry point for VPN Orchestrator.
// VPN Orchestrator keeps a single VPN tunnel up: it drives a native IKEv2
// engine helper, configures the tunnel interface, retries failed attempts
// with backoff and follows network changes.
//
// Usage:
//
//	vpn-orchestrator [options]
//
// Without a command the orchestrator runs in the foreground and resumes the
// profile that was active when it last stopped.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/yllada/vpn-orchestrator/cli"
	"github.com/yllada/vpn-orchestrator/common"
	"github.com/yllada/vpn-orchestrator/config"
)

// Build-time variables injected via ldflags (-X main.appVersion=x.y.z)
// Default values are used for local development builds
var (
	appVersion = "dev"
	buildTime  = "unknown"
	commitSHA  = "unknown"
)

var (
	// General flags
	showVersion = flag.Bool("version", false, "Show version and exit")
	verbose     = flag.Bool("verbose", false, "Enable verbose logging")
	showHelp    = flag.Bool("help", false, "Show help message")
	configPath  = flag.String("config", "", "Configuration file (default ~/.config/vpn-orchestrator/config.yaml)")
	plain       = flag.Bool("plain", false, "Print state changes as lines instead of the live view")

	// Commands
	listProfiles   = flag.Bool("list", false, "List all VPN profiles")
	importFile     = flag.String("import", "", "Import profiles from a YAML file")
	setPassword    = flag.String("set-password", "", "Store the password of a profile")
	connectProfile = flag.String("connect", "", "Connect to a VPN profile by name and stay in the foreground")
	disconnectVPN  = flag.Bool("disconnect", false, "Forget the active profile so it is not restored")
	showStatus     = flag.Bool("status", false, "Show the active profile and last recorded state")
	historyN       = flag.Int("history", 0, "Show the last N state transitions")
)

func main() {
	flag.Parse()

	// Handle help flag
	if *showHelp {
		cli.PrintHelp()
		os.Exit(0)
	}

	// Handle version flag
	if *showVersion {
		fmt.Printf("VPN Orchestrator v%s\n", appVersion)
		if buildTime != "unknown" {
			fmt.Printf("  Build:  %s\n", buildTime)
			fmt.Printf("  Commit: %s\n", commitSHA)
		}
		os.Exit(0)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logLevel := common.ParseLogLevel(cfg.Logging.Level)
	if *verbose {
		logLevel = common.LevelDebug
	}
	if err := common.InitLogger(common.LogConfig{
		Level:       logLevel,
		EnableFile:  cfg.Logging.File,
		MaxFileSize: int64(cfg.Logging.MaxFileSizeMB) * 1024 * 1024,
		MaxBackups:  cfg.Logging.MaxBackups,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not initialize file logging: %v\n", err)
	}
	// The live view owns the terminal, so records only go to the file there.
	if !isCommand() && !*plain {
		common.GetLogger().DisableConsole()
	}
	defer common.CloseLogger()

	// Setup graceful shutdown context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals (SIGINT, SIGTERM)
	setupSignalHandler(cancel)

	app, err := cli.New(cfg)
	if err != nil {
		common.LogError("Initialization failed: %v", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := run(ctx, app); err != nil {
		app.Close()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	app.Close()
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Load()
	}
	return config.LoadFrom(path)
}

func isCommand() bool {
	return *listProfiles || *importFile != "" || *setPassword != "" ||
		*disconnectVPN || *showStatus || *historyN > 0
}

// run dispatches the selected command, or starts the foreground runtime.
func run(ctx context.Context, app *cli.CLI) error {
	switch {
	case *listProfiles:
		return app.ListProfiles()
	case *importFile != "":
		return app.ImportProfiles(*importFile)
	case *setPassword != "":
		return app.SetPassword(*setPassword)
	case *disconnectVPN:
		return app.Disconnect()
	case *showStatus:
		return app.Status(ctx)
	case *historyN > 0:
		return app.History(ctx, *historyN)
	}

	common.LogInfo("Starting %s v%s", common.AppName, appVersion)
	err := app.Run(ctx, cli.RunOptions{Connect: *connectProfile, Plain: *plain})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// setupSignalHandler configures graceful shutdown on SIGINT/SIGTERM.
// When a signal is received, it cancels the context to allow cleanup.
func setupSignalHandler(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		common.LogInfo("Received signal %v, initiating graceful shutdown...", sig)
		cancel()
	}()
}
