package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/cty-ut/real-time-translation/internal/config"
	"github.com/cty-ut/real-time-translation/internal/downstream"
	"github.com/cty-ut/real-time-translation/internal/metrics"
	"github.com/cty-ut/real-time-translation/internal/registry"
	"github.com/cty-ut/real-time-translation/internal/relay"
	"github.com/cty-ut/real-time-translation/internal/server"
	"github.com/cty-ut/real-time-translation/internal/staging"
	"github.com/cty-ut/real-time-translation/internal/transcription"
	"github.com/cty-ut/real-time-translation/internal/translation"
)

const (
	defaultConfigPath  = "configs/config.yaml"
	defaultEnvFilePath = ".env"
	serviceName        = "real-time-translation"
	serviceVersion     = "1.0.0"
)

var rootCmd = &cobra.Command{
	Use:           "relay",
	Short:         "Real-time speech transcription and translation relay",
	Long:          `Relays browser audio chunks to a speech-to-text service and an optional translation service over a websocket.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the relay server",
	RunE:  runServe,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Probe the downstream services once and print their health",
	RunE:  runCheck,
}

func init() {
	rootCmd.PersistentFlags().String("config", defaultConfigPath, "Path to configuration file")
	rootCmd.PersistentFlags().String("env-file", defaultEnvFilePath, "Path to a .env file loaded before the environment overlay")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads the .env file and configuration named by the persistent flags. The
// default config path is optional; an explicitly passed one must exist.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	flags := cmd.Flags()

	envFile, _ := flags.GetString("env-file")
	if err := config.LoadEnvFile(envFile, flags.Changed("env-file")); err != nil {
		return nil, "", err
	}

	configPath, _ := flags.GetString("config")
	if !flags.Changed("config") {
		if _, err := os.Stat(configPath); errors.Is(err, fs.ErrNotExist) {
			configPath = ""
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, configPath, nil
}

func newDownstreamClient(cfg *config.Config, logger *slog.Logger, recorder downstream.Recorder) *downstream.Client {
	return downstream.NewClient(downstream.Config{
		MaxRetries:    cfg.Downstream.MaxRetries,
		BaseDelay:     cfg.Downstream.GetRetryDelayDuration(),
		HealthTimeout: cfg.Downstream.GetHealthTimeoutDuration(),
		UserAgent:     serviceName + "/" + serviceVersion,
	}, logger.With(slog.String("component", "downstream")), recorder)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, configPath, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", configPath),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.String("address", cfg.Server.Address()),
		slog.String("environment", cfg.Server.Environment),
		slog.String("websocket_path", cfg.WebSocket.Path),
		slog.String("whisper_url", cfg.Whisper.URL),
		slog.String("translator_url", cfg.Translator.URL),
		slog.Int("max_retries", cfg.Downstream.MaxRetries),
		slog.Duration("retry_delay", cfg.Downstream.GetRetryDelayDuration()),
		slog.String("upload_dir", cfg.Staging.Dir),
		slog.String("max_file_size", cfg.Staging.MaxFileSize.String()),
		slog.Int("max_in_flight", cfg.WebSocket.MaxInFlight),
		slog.String("log_level", cfg.Logging.Level),
	)

	// Initialize Prometheus metrics on a dedicated registry
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	appMetrics := metrics.NewMetrics(reg)
	logger.Info("Prometheus metrics initialized")

	client := newDownstreamClient(cfg, logger, appMetrics)

	stager, err := staging.NewStager(staging.Config{
		Dir:     cfg.Staging.Dir,
		MaxSize: int64(cfg.Staging.MaxFileSize),
	}, logger.With(slog.String("component", "staging")), appMetrics)
	if err != nil {
		return fmt.Errorf("failed to create staging area: %w", err)
	}
	if pending, err := stager.Pending(); err == nil && pending > 0 {
		logger.Warn("Staging area holds leftover files from a previous run",
			slog.String("dir", stager.Dir()),
			slog.Int("files", pending),
		)
	}

	transcriber, err := transcription.NewClient(transcription.Config{
		BaseURL: cfg.Whisper.URL,
		Timeout: cfg.Whisper.GetTimeoutDuration(),
	}, client, stager, logger.With(slog.String("component", "transcription")))
	if err != nil {
		return fmt.Errorf("failed to create transcription client: %w", err)
	}

	translator, err := translation.NewClient(translation.Config{
		BaseURL: cfg.Translator.URL,
		Timeout: cfg.Translator.GetTimeoutDuration(),
	}, client, logger.With(slog.String("component", "translation")))
	if err != nil {
		return fmt.Errorf("failed to create translation client: %w", err)
	}

	connections := registry.New(logger.With(slog.String("component", "registry")), appMetrics)
	orchestrator := relay.New(stager, transcriber, translator,
		logger.With(slog.String("component", "relay")), appMetrics)

	httpServer := server.NewHTTPServer(cfg, logger, server.Services{
		Downstream:  client,
		Stager:      stager,
		Transcriber: transcriber,
		Translator:  translator,
		Relay:       orchestrator,
		Registry:    connections,
		Metrics:     appMetrics,
		Gatherer:    reg,
	})

	if err := httpServer.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Service started successfully, waiting for signals...")
	<-ctx.Done()
	stop()

	logger.Info("Starting graceful shutdown...",
		slog.Duration("timeout", cfg.Server.GetShutdownTimeoutDuration()),
		slog.Int("open_connections", connections.Len()),
	)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GetShutdownTimeoutDuration())
	defer cancel()

	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
	}

	stats := client.Stats()
	logger.Info("Final downstream statistics",
		slog.Uint64("total_requests", stats.TotalRequests),
		slog.Uint64("success_requests", stats.SuccessRequests),
		slog.Uint64("failed_requests", stats.FailedRequests),
		slog.Uint64("total_retries", stats.TotalRetries),
	)

	logger.Info("Service stopped")
	return nil
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	case "console":
		handler = newConsoleHandler(output, level)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
