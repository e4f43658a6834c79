package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ahmad-alqaisi215/NETIXS-AI/internal/aggregator"
	"github.com/ahmad-alqaisi215/NETIXS-AI/internal/audio"
	"github.com/ahmad-alqaisi215/NETIXS-AI/internal/config"
	"github.com/ahmad-alqaisi215/NETIXS-AI/internal/gate"
	"github.com/ahmad-alqaisi215/NETIXS-AI/internal/metrics"
	"github.com/ahmad-alqaisi215/NETIXS-AI/internal/source"
	"github.com/ahmad-alqaisi215/NETIXS-AI/internal/transcription"
	"github.com/ahmad-alqaisi215/NETIXS-AI/internal/transport"
	"github.com/ahmad-alqaisi215/NETIXS-AI/internal/vad"
)

const (
	serviceName    = "closest-speaker"
	serviceVersion = "1.0.0"

	shutdownTimeout = 10 * time.Second
)

var (
	// Global flags
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   serviceName,
	Short: "Closest-speaker selection service",
	Long: `closest-speaker - elects the closest active speaker among several microphones.

Each source meters its capture device, decides locally whether someone is
speaking and reports loudness to an aggregator. The aggregator ranks the
speaking sources by loudness, marks the loudest one as closest and relays
audio from eligible sources to a transcription backend.

Examples:
  # Run the aggregator with a config file
  closest-speaker serve -c configs/config.yaml

  # Stream a WAV file as a source
  closest-speaker source --id desk-1 --device desk.wav --url ws://localhost:8000/ws

  # Everything in one process
  closest-speaker local desk.wav window.wav

  # Watch a running aggregator
  closest-speaker watch --url ws://localhost:8000/ws`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging level (debug, info, warn, error)")
}

// loadConfig reads the configuration, applies global flag overrides and builds the logger
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if logLevel != "" {
		cfg.Logging.Level = logLevel
		if err := cfg.Logging.Validate(); err != nil {
			return nil, nil, fmt.Errorf("invalid --log-level: %w", err)
		}
	}

	logger := initLogger(cfg.Logging)
	logger.Info("Configuration loaded",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", configPath),
		slog.Float64("vad_threshold_db", cfg.VAD.ThresholdDB),
		slog.Int("vad_hang_ms", cfg.VAD.HangMs),
		slog.String("policy", cfg.Source.Policy),
		slog.String("transcription_provider", cfg.Transcription.Provider),
		slog.String("log_level", cfg.Logging.Level),
	)

	return cfg, logger, nil
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
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
		// Anything else is a file path
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
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}

func transcriptionConfig(cfg *config.Config, m *metrics.Metrics) transcription.Config {
	return transcription.Config{
		Provider:      cfg.Transcription.Provider,
		Endpoint:      cfg.Transcription.Endpoint,
		APIKey:        cfg.Transcription.APIKey,
		Model:         cfg.Transcription.Model,
		Language:      cfg.Transcription.Language,
		Timeout:       cfg.Transcription.GetTimeoutDuration(),
		MaxRetries:    cfg.Transcription.MaxRetries,
		MaxConcurrent: cfg.Transcription.MaxConcurrent,
		OutputFormat:  cfg.Transcription.OutputFormat,
		Metrics:       m,
	}
}

func hubConfig(cfg *config.Config) aggregator.HubConfig {
	hc := aggregator.DefaultHubConfig()
	hc.Chunking = audio.ChunkingConfig{
		MinDuration:        cfg.Audio.GetChunkMinDuration(),
		MaxDuration:        cfg.Audio.GetChunkMaxDuration(),
		MinSilenceDuration: cfg.Audio.GetChunkSilenceDuration(),
		SampleRate:         cfg.Audio.SampleRate,
		Format:             "wav",
	}
	hc.SessionTimeout = cfg.Server.GetSessionTimeout()
	hc.TranscriptionTimeout = cfg.Transcription.GetTimeoutDuration()
	hc.Language = cfg.Transcription.Language
	return hc
}

func connConfig(cfg *config.Config, m *metrics.Metrics) transport.Config {
	return transport.Config{
		SendQueueSize: cfg.Server.SendQueueSize,
		WriteTimeout:  cfg.Server.GetWriteTimeout(),
		PingInterval:  cfg.Server.GetPingInterval(),
		Metrics:       m,
	}
}

func sourceConfig(cfg *config.Config) (source.Config, error) {
	policy, err := gate.ParsePolicy(cfg.Source.Policy)
	if err != nil {
		return source.Config{}, err
	}

	return source.Config{
		ID:             cfg.Source.ID,
		Label:          cfg.Source.Label,
		ReportInterval: cfg.Source.GetReportInterval(),
		Policy:         policy,
		VAD: vad.Config{
			ThresholdDB: cfg.VAD.ThresholdDB,
			Hang:        cfg.VAD.GetHang(),
		},
		MeterWindow:  cfg.Audio.GetMeterWindow(),
		TransmitRate: cfg.Audio.SampleRate,
	}, nil
}

func captureConfig(cfg *config.Config, device string) source.CaptureConfig {
	return source.CaptureConfig{
		Device:         device,
		FallbackDevice: cfg.Source.FallbackDevice,
		BufferSize:     cfg.Source.BufferSize,
		Realtime:       cfg.Source.Realtime,
		Loop:           cfg.Source.Loop,
	}
}
