package commands

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/rmedina/waflow/internal/logger"
	"github.com/rmedina/waflow/internal/telemetry"
	"github.com/rmedina/waflow/pkg/api"
	"github.com/rmedina/waflow/pkg/breaker"
	"github.com/rmedina/waflow/pkg/config"
	"github.com/rmedina/waflow/pkg/flow"
	"github.com/rmedina/waflow/pkg/flows"
	"github.com/rmedina/waflow/pkg/media"
	"github.com/rmedina/waflow/pkg/metrics"
	"github.com/rmedina/waflow/pkg/provider"
	"github.com/rmedina/waflow/pkg/ratelimit"
	"github.com/rmedina/waflow/pkg/reaper"
	"github.com/rmedina/waflow/pkg/session/store"
	"github.com/rmedina/waflow/pkg/webhook"
	"github.com/rmedina/waflow/pkg/worker"
)

var (
	foreground bool
	pidFile    string
	logFile    string
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the waflow engine",
	Long: `Start the waflow engine with the specified configuration.

By default, the engine runs in the background (daemon mode). Use --foreground
to run in the foreground for debugging or when managed by a process supervisor.

Use --config to specify a custom configuration file, or it will use the
default location at $XDG_CONFIG_HOME/waflow/config.yaml.

Examples:
  # Start in background (default)
  waflow start

  # Start in foreground
  waflow start --foreground

  # Start with custom config file
  waflow start --config /etc/waflow/config.yaml

  # Start with environment variable overrides
  WAFLOW_LOGGING_LEVEL=DEBUG waflow start --foreground`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().BoolVarP(&foreground, "foreground", "f", false, "Run in foreground (default: background/daemon mode)")
	startCmd.Flags().StringVar(&pidFile, "pid-file", "", "Path to PID file (default: $XDG_STATE_HOME/waflow/waflow.pid)")
	startCmd.Flags().StringVar(&logFile, "log-file", "", "Path to log file for daemon mode (default: $XDG_STATE_HOME/waflow/waflow.log)")
}

func runStart(cmd *cobra.Command, args []string) error {
	// Handle daemon mode (background)
	if !foreground {
		return startDaemon()
	}

	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	// Initialize the structured logger
	if err := InitLogger(cfg); err != nil {
		return err
	}

	// Create cancellable context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize OpenTelemetry (if enabled)
	telemetryCfg := telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "waflow",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	}
	telemetryShutdown, err := telemetry.Init(ctx, telemetryCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := telemetryShutdown(ctx); err != nil {
			logger.Error("telemetry shutdown error", logger.Err(err))
		}
	}()

	// Initialize Pyroscope profiling (if enabled)
	profilingCfg := telemetry.ProfilingConfig{
		Enabled:        cfg.Telemetry.Profiling.Enabled,
		ServiceName:    "waflow",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Profiling.Endpoint,
		ProfileTypes:   cfg.Telemetry.Profiling.ProfileTypes,
	}
	profilingShutdown, err := telemetry.InitProfiling(profilingCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize profiling: %w", err)
	}
	defer func() {
		if err := profilingShutdown(); err != nil {
			logger.Error("profiling shutdown error", logger.Err(err))
		}
	}()

	fmt.Println("waflow - Conversational workflow engine")
	logger.Info("log level", "level", cfg.Logging.Level, "format", cfg.Logging.Format)
	logger.Info("configuration loaded", "source", getConfigSource(GetConfigFile()))
	if telemetry.IsEnabled() {
		logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.Endpoint, "sample_rate", cfg.Telemetry.SampleRate)
	}
	if telemetry.IsProfilingEnabled() {
		logger.Info("profiling enabled", "endpoint", cfg.Telemetry.Profiling.Endpoint)
	}

	// Metrics registry is always wired as the observer; the scrape server
	// only runs when enabled.
	m := metrics.New()
	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics, m)
	}

	// Session store. A dead database is an environment problem, not a
	// config problem; exit code 2 distinguishes the two for supervisors.
	st, err := store.New(&cfg.Database, m)
	if err != nil {
		PrintErr("failed to initialize session store: %v", err)
		os.Exit(2)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("session store close error", logger.Err(err))
		}
	}()
	logger.Info("session store ready", "driver", string(cfg.Database.Type))

	// Rate limiter, backed by Redis when reachable.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() { _ = rdb.Close() }()
	limiter := ratelimit.New(cfg.RateLimit, rdb)

	// Rate-limit budgets follow config file edits without a restart.
	if GetConfigFile() != "" || config.DefaultConfigExists() {
		if err := config.Watch(GetConfigFile(), func(next *config.Config) {
			limiter.UpdateConfig(next.RateLimit)
		}); err != nil {
			logger.Warn("config watch unavailable", logger.Err(err))
		}
	}

	// Outbound provider behind a circuit breaker.
	guard := breaker.New("provider", cfg.Breaker)
	wa, err := provider.NewWhatsApp(&cfg.Provider, guard)
	if err != nil {
		return fmt.Errorf("failed to initialize provider client: %w", err)
	}

	// Flow registry and dispatcher.
	registry := flow.NewRegistry(flow.Dependencies{
		Store:    st,
		Sender:   wa,
		Observer: m,
	})
	if err := flows.RegisterAll(registry); err != nil {
		return fmt.Errorf("failed to register flows: %w", err)
	}
	if len(cfg.Manager.PassthroughPrefixes) == 0 {
		cfg.Manager.PassthroughPrefixes = []string{flows.SurveyButtonPrefix}
	}
	manager := flow.NewManager(registry, st, wa, cfg.Manager)
	logger.Info("flows registered", "flows", registry.Flows())

	// Background enrichment pool.
	pool := worker.NewPool(cfg.Background, m)
	enrichment := worker.EnrichmentDeps{
		Store:    st,
		Sender:   wa,
		Provider: wa,
		Retry:    cfg.Retry.Options(),
	}
	if cfg.Archive.Enabled {
		archive, err := media.NewFromConfig(ctx, cfg.Archive.S3)
		if err != nil {
			return fmt.Errorf("failed to initialize media archive: %w", err)
		}
		enrichment.Archive = archive
		logger.Info("media archive enabled", "bucket", cfg.Archive.S3.Bucket)
	}

	// Inactivity reaper.
	rp := reaper.New(cfg.Reaper, st, wa, m)
	go rp.Run(ctx)

	// Ingress pipeline.
	ocrFields := cfg.OCRFields
	if len(ocrFields) == 0 {
		ocrFields = flows.ReportFields
	}
	ingress := webhook.NewIngress(cfg.Webhook, webhook.Deps{
		Store:      st,
		Limiter:    limiter,
		Manager:    manager,
		Sender:     wa,
		Pool:       pool,
		Enrichment: enrichment,
		Observer:   m,
		Retry:      cfg.Retry.Options(),
		OCRFields:  ocrFields,
	})

	// Admin API and webhook servers.
	apiServer, err := api.NewServer(cfg.API, st, manager.Registry(), ingress)
	if err != nil {
		return fmt.Errorf("failed to create admin api server: %w", err)
	}
	apiServer.SetLimiter(limiter)
	webhookServer := webhook.NewServer(cfg.Webhook, ingress)

	// Write PID file if specified
	if pidFile != "" {
		if err := os.WriteFile(pidFile, []byte(fmt.Sprintf("%d", os.Getpid())), 0644); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = os.Remove(pidFile) }()
	}

	serverDone := make(chan error, 3)
	go func() { serverDone <- webhookServer.Start() }()
	go func() { serverDone <- apiServer.Start() }()
	if metricsServer != nil {
		go func() { serverDone <- metricsServer.Start() }()
	}

	// Wait for interrupt signal or server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("engine is running. Press Ctrl+C to stop.")

	var runErr error
	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("shutdown signal received, initiating graceful shutdown")
	case runErr = <-serverDone:
		signal.Stop(sigChan)
		if runErr != nil {
			logger.Error("server error", logger.Err(runErr))
		}
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := webhookServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("webhook server shutdown error", logger.Err(err))
	}
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("admin api shutdown error", logger.Err(err))
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown error", logger.Err(err))
		}
	}
	if err := pool.Shutdown(shutdownCtx); err != nil {
		logger.Warn("worker pool shutdown error", logger.Err(err))
	}

	if runErr != nil {
		return runErr
	}
	logger.Info("engine stopped gracefully")
	return nil
}

// getConfigSource returns a description of where the config was loaded from.
func getConfigSource(configFile string) string {
	if configFile != "" {
		return configFile
	}
	if config.DefaultConfigExists() {
		return config.GetDefaultConfigPath()
	}
	return "defaults"
}

// startDaemon starts the engine as a background daemon process.
func startDaemon() error {
	stateDir := GetDefaultStateDir()

	// Create state directory if it doesn't exist
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	// Set default PID file if not specified
	pidPath := pidFile
	if pidPath == "" {
		pidPath = filepath.Join(stateDir, "waflow.pid")
	}

	// Check if already running
	if _, err := os.Stat(pidPath); err == nil {
		pidData, err := os.ReadFile(pidPath)
		if err == nil {
			var pid int
			if _, err := fmt.Sscanf(string(pidData), "%d", &pid); err == nil {
				if process, err := os.FindProcess(pid); err == nil {
					if err := process.Signal(syscall.Signal(0)); err == nil {
						return fmt.Errorf("waflow is already running (PID %d)\nUse 'waflow stop' to stop the running instance", pid)
					}
				}
			}
		}
		// Stale PID file, remove it
		_ = os.Remove(pidPath)
	}

	// Set default log file if not specified
	logPath := logFile
	if logPath == "" {
		logPath = filepath.Join(stateDir, "waflow.log")
	}

	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	daemonArgs := []string{"start", "--foreground", "--pid-file", pidPath}
	if GetConfigFile() != "" {
		daemonArgs = append(daemonArgs, "--config", GetConfigFile())
	}

	cmd := exec.Command(executable, daemonArgs...)

	logFileHandle, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	cmd.Stdout = logFileHandle
	cmd.Stderr = logFileHandle

	// Detach from parent process
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}

	if err := cmd.Start(); err != nil {
		_ = logFileHandle.Close()
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	_ = logFileHandle.Close()

	fmt.Printf("waflow started in background (PID %d)\n", cmd.Process.Pid)
	fmt.Printf("  PID file: %s\n", pidPath)
	fmt.Printf("  Log file: %s\n", logPath)
	fmt.Println("\nUse 'waflow stop' to stop the engine")
	fmt.Println("Use 'waflow status' to check engine status")

	return nil
}
