package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ahmad-alqaisi215/NETIXS-AI/internal/aggregator"
	"github.com/ahmad-alqaisi215/NETIXS-AI/internal/config"
	"github.com/ahmad-alqaisi215/NETIXS-AI/internal/metrics"
	"github.com/ahmad-alqaisi215/NETIXS-AI/internal/registry"
	"github.com/ahmad-alqaisi215/NETIXS-AI/internal/server"
	"github.com/ahmad-alqaisi215/NETIXS-AI/internal/transcription"
)

var (
	serveAddress string
	servePort    int
	serveNoHTTP  bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the aggregator",
	Long: `Run the aggregator.

Sources and observers connect to the websocket endpoint (default /ws).
GET /speakers returns the ordered speaker snapshot and POST /reset clears it.
The monitoring API (/health, /sessions, /stats, /config, /metrics) listens on
the http section's address when enabled.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}

		if serveAddress != "" {
			cfg.Server.Address = serveAddress
		}
		if servePort != 0 {
			cfg.Server.Port = servePort
		}
		if serveNoHTTP {
			cfg.HTTP.Enabled = false
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid flags: %w", err)
		}

		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		return runAggregator(ctx, cfg, logger, nil)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddress, "address", "", "listen address (overrides server.address)")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "listen port (overrides server.port)")
	serveCmd.Flags().BoolVar(&serveNoHTTP, "no-http", false, "disable the monitoring API")

	rootCmd.AddCommand(serveCmd)
}

// runAggregator serves the hub until ctx is cancelled. attach, when set, is
// called with the running hub; the function it returns is called after the
// servers stop and before the hub does.
func runAggregator(ctx context.Context, cfg *config.Config, logger *slog.Logger, attach func(ctx context.Context, hub *aggregator.Hub) func()) error {
	appMetrics := metrics.NewMetrics(prometheus.DefaultRegisterer)
	logger.Info("Prometheus metrics initialized")

	tr, err := transcription.New(transcriptionConfig(cfg, appMetrics))
	if err != nil {
		return fmt.Errorf("failed to create transcriber: %w", err)
	}
	logger.Info("Transcriber initialized",
		slog.String("provider", tr.Name()),
		slog.String("endpoint", cfg.Transcription.Endpoint),
	)

	agg := aggregator.New(registry.New(), logger, appMetrics)
	hub := aggregator.NewHub(agg, tr, hubConfig(cfg), logger, appMetrics)
	logger.Info("Hub initialized",
		slog.Duration("session_timeout", cfg.Server.GetSessionTimeout()),
		slog.Duration("chunk_max_duration", cfg.Audio.GetChunkMaxDuration()),
	)

	public := server.NewServer(cfg.Server, hub, logger, appMetrics)

	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(cfg.HTTP, logger, cfg, hub, public, appMetrics, nil)
	}

	if err := public.Start(); err != nil {
		hub.Stop()
		return fmt.Errorf("failed to start aggregator server: %w", err)
	}

	if httpServer != nil {
		if err := httpServer.Start(); err != nil {
			logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
		}
	}

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("address", public.Addr()),
	)

	detach := func() {}
	if attach != nil {
		detach = attach(ctx, hub)
	}

	<-ctx.Done()
	logger.Info("Starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting requests before tearing down the hub
	if httpServer != nil {
		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}

	if err := public.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping aggregator server", slog.String("error", err.Error()))
	}

	detach()
	hub.Stop()

	stats := hub.GetStats()
	logger.Info("Final hub statistics",
		slog.Int("records", stats.Records),
		slog.String("closest", stats.Closest),
		slog.Uint64("version", stats.Version),
	)

	logger.Info("Service stopped")
	return nil
}
