// Command callrelay runs the signal relay: it ingests call and message
// signals, delivers them to attached consumers and raises alerts when no
// consumer is available.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/securecall/callrelay/config"
	"github.com/securecall/callrelay/pkg/logger"
	"github.com/securecall/callrelay/pkg/telemetry/tracing"
	"github.com/securecall/callrelay/pkg/version"
)

var (
	configPath  = flag.String("config", "", "Path to configuration file")
	versionFlag = flag.Bool("version", false, "Print version information")
	helpFlag    = flag.Bool("help", false, "Print help information")
	watchFlag   = flag.Bool("watch", false, "Reload the log level when the config file changes")

	// CLI overrides
	serverPort = flag.Int("port", 0, "Override server port")
	logLevel   = flag.String("log-level", "", "Override log level")
	busType    = flag.String("bus", "", "Override consumer bus (local, redis)")
	debugMode  = flag.Bool("debug", false, "Enable debug mode")
)

func main() {
	flag.Parse()

	if *helpFlag {
		printHelp()
		os.Exit(0)
	}
	if *versionFlag {
		printVersion()
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath, buildOverrides())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration:\n%s\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg)
	logger.SetGlobal(log)
	defer log.Close()

	if err := run(cfg, log); err != nil {
		log.Error("callrelay stopped with error", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) logger.Logger {
	logCfg := &logger.Config{
		Level:  logger.ParseLevel(cfg.Log.Level),
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	}
	if cfg.App.Debug {
		logCfg.Level = logger.DebugLevel
	}
	return logger.New(logCfg)
}

func run(cfg *config.Config, log logger.Logger) error {
	log.Info("starting callrelay",
		"version", version.Version,
		"gitCommit", version.GitCommit,
		"app", cfg.App.Name,
		"environment", cfg.App.Environment,
	)
	log.Debug("configuration loaded", "config", cfg.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hostname, _ := os.Hostname()
	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, tracing.ServiceFor(cfg, version.Version, hostname))
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	app, err := NewApp(cfg, log)
	if err != nil {
		_ = shutdownTracing(context.Background())
		return err
	}

	if *watchFlag && *configPath != "" {
		go watchConfig(ctx, *configPath, cfg, log)
	}

	runErr := app.Run(ctx)
	if runErr != nil {
		log.Error("HTTP server error", "error", runErr)
	} else {
		log.Info("received shutdown signal")
	}

	timeout := cfg.Server.HTTP.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := app.Shutdown(shutdownCtx); err != nil {
		log.Error("error during shutdown", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Error("error shutting down tracing", "error", err)
	}

	log.Info("callrelay stopped")
	return runErr
}

// watchConfig applies hot-reloadable settings whenever the config file changes.
func watchConfig(ctx context.Context, path string, initial *config.Config, log logger.Logger) {
	watcher, err := config.NewWatcher(path, config.NewLoader(), config.WithLogger(log))
	if err != nil {
		log.Warn("config watching disabled", "error", err)
		return
	}
	defer watcher.Stop()

	current := config.ExtractHotReloadable(initial)
	updates := make(chan config.HotReloadableConfig, 1)
	watcher.OnChange(func(cfg *config.Config) {
		updates <- config.ExtractHotReloadable(cfg)
	})

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case next := <-updates:
				if next.Changed(current) {
					next.Apply(log)
					current = next
				}
			}
		}
	}()

	if err := watcher.Watch(ctx); err != nil && ctx.Err() == nil {
		log.Warn("config watcher stopped", "error", err)
	}
}

func buildOverrides() map[string]any {
	overrides := make(map[string]any)

	if *serverPort != 0 {
		overrides["server.port"] = *serverPort
	}
	if *logLevel != "" {
		overrides["log.level"] = *logLevel
	}
	if *busType != "" {
		overrides["consumer.bus"] = *busType
	}
	if *debugMode {
		overrides["app.debug"] = true
	}

	return overrides
}

func printVersion() {
	fmt.Printf("callrelay - call and message signal relay\n")
	fmt.Printf("Version:    %s\n", version.Version)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Printf("Git Commit: %s\n", version.GitCommit)
	fmt.Printf("Go Version: %s\n", version.GoVersion)
}

func printHelp() {
	fmt.Printf("callrelay - call and message signal relay\n\n")
	fmt.Printf("Usage: callrelay [options]\n\n")
	fmt.Printf("Options:\n")
	flag.PrintDefaults()
	fmt.Printf("\nExamples:\n")
	fmt.Printf("  callrelay                               # Run with default config\n")
	fmt.Printf("  callrelay -config callrelay.yaml -watch # Use a config file and follow log level changes\n")
	fmt.Printf("  callrelay -port 9090 -log-level debug   # Override specific options\n")
	fmt.Printf("  callrelay -bus redis                    # Fan events out through Redis\n")
}
