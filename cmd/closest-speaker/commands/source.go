package commands

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/ahmad-alqaisi215/NETIXS-AI/internal/source"
	"github.com/ahmad-alqaisi215/NETIXS-AI/internal/transport"
)

var (
	sourceID     string
	sourceLabel  string
	sourceURL    string
	sourcePolicy string
	sourceDevice string
	sourceLoop   bool
)

var sourceCmd = &cobra.Command{
	Use:   "source",
	Short: "Stream one capture device to an aggregator",
	Long: `Stream one capture device to an aggregator.

The device is a mono 16-bit PCM WAV file played back at its own rate. The
source reports loudness and speaking state every report interval and sends
audio only while its gate policy allows it:

  speaking  transmit whenever the local detector hears speech
  closest   transmit only while the aggregator ranks this source first

There is no reconnect: when the connection drops the source stops.

Examples:
  closest-speaker source --id desk-1 --label "Desk 1" --device desk.wav
  closest-speaker source --device desk.wav --policy closest --loop`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}

		overrideString(&cfg.Source.ID, sourceID)
		overrideString(&cfg.Source.Label, sourceLabel)
		overrideString(&cfg.Source.AggregatorURL, sourceURL)
		overrideString(&cfg.Source.Policy, sourcePolicy)
		overrideString(&cfg.Source.Device, sourceDevice)
		if sourceLoop {
			cfg.Source.Loop = true
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid flags: %w", err)
		}
		if cfg.Source.Device == "" {
			return fmt.Errorf("no capture device: set --device or source.device")
		}
		if cfg.Source.AggregatorURL == "" {
			return fmt.Errorf("no aggregator: set --url or source.aggregator_url")
		}

		srcConfig, err := sourceConfig(cfg)
		if err != nil {
			return err
		}

		capture, err := source.OpenCapture(captureConfig(cfg, cfg.Source.Device), logger)
		if err != nil {
			return err
		}

		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		conn, err := transport.Dial(ctx, cfg.Source.AggregatorURL, connConfig(cfg, nil), logger)
		if err != nil {
			return err
		}
		logger.Info("Connected to aggregator", slog.String("url", cfg.Source.AggregatorURL))

		src, err := source.New(srcConfig, capture, conn, logger, nil)
		if err != nil {
			conn.Close()
			return err
		}

		if err := src.RunConn(ctx, conn); err != nil {
			return err
		}

		stats := conn.GetStats()
		logger.Info("Source finished",
			slog.Uint64("frames_sent", stats.FramesSent),
			slog.Uint64("frames_dropped", stats.FramesDropped),
		)
		return nil
	},
}

func init() {
	sourceCmd.Flags().StringVar(&sourceID, "id", "", "source id (random when empty)")
	sourceCmd.Flags().StringVar(&sourceLabel, "label", "", "display label (defaults to the device name)")
	sourceCmd.Flags().StringVarP(&sourceURL, "url", "u", "", "aggregator websocket URL")
	sourceCmd.Flags().StringVar(&sourcePolicy, "policy", "", "gate policy: speaking or closest")
	sourceCmd.Flags().StringVarP(&sourceDevice, "device", "d", "", "capture device (WAV file)")
	sourceCmd.Flags().BoolVar(&sourceLoop, "loop", false, "restart the device when it ends")

	rootCmd.AddCommand(sourceCmd)
}

func overrideString(dst *string, flag string) {
	if flag != "" {
		*dst = flag
	}
}
