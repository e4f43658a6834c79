package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/ahmad-alqaisi215/NETIXS-AI/internal/aggregator"
	"github.com/ahmad-alqaisi215/NETIXS-AI/internal/source"
)

var localQuiet bool

var localCmd = &cobra.Command{
	Use:   "local [device...]",
	Short: "Run several capture devices against an in-process aggregator",
	Long: `Run several capture devices against an in-process aggregator.

Every device becomes a source wired straight into the hub, with no network
hop. The aggregator endpoints are served as in 'serve', so observers and
GET /speakers work the same way. Devices come from the arguments or from
source.devices in the configuration.

Examples:
  closest-speaker local desk.wav window.wav door.wav
  closest-speaker local -c configs/local.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}

		devices := args
		if len(devices) == 0 {
			devices = cfg.Source.Devices
		}
		if len(devices) == 0 {
			return fmt.Errorf("no capture devices: pass them as arguments or set source.devices")
		}

		base, err := sourceConfig(cfg)
		if err != nil {
			return err
		}

		// Open every device up front so a bad path fails before anything listens
		captures := make([]source.Capture, 0, len(devices))
		for _, device := range devices {
			capture, err := source.OpenCapture(captureConfig(cfg, device), logger)
			if err != nil {
				return err
			}
			captures = append(captures, capture)
		}

		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		return runAggregator(ctx, cfg, logger, func(ctx context.Context, hub *aggregator.Hub) func() {
			var wg sync.WaitGroup

			for i, capture := range captures {
				srcConfig := base
				srcConfig.ID = localSourceID(devices[i], i)
				srcConfig.Label = ""

				sink := hub.OpenLocal()
				src, err := source.New(srcConfig, capture, sink, logger, nil)
				if err != nil {
					logger.Error("Failed to create source",
						slog.String("device", devices[i]),
						slog.String("error", err.Error()),
					)
					sink.Close()
					continue
				}
				sink.SetReceiver(src.HandleMessage)

				wg.Add(1)
				go func() {
					defer wg.Done()
					defer sink.Close()
					if err := src.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
						logger.Warn("Source stopped with error",
							slog.String("source_id", src.ID()),
							slog.String("error", err.Error()),
						)
					}
				}()
			}

			if !localQuiet {
				wg.Add(1)
				go func() {
					defer wg.Done()
					printSpeakers(ctx, hub.Aggregator().Registry(), os.Stdout)
				}()
			}

			return wg.Wait
		})
	},
}

func init() {
	localCmd.Flags().BoolVarP(&localQuiet, "quiet", "q", false, "do not print the speaker table")

	rootCmd.AddCommand(localCmd)
}

// localSourceID derives a stable id from the device file name
func localSourceID(device string, index int) string {
	name := strings.TrimSuffix(filepath.Base(device), filepath.Ext(device))
	if name == "" || name == "." {
		return fmt.Sprintf("source-%d", index+1)
	}
	return fmt.Sprintf("%s-%d", name, index+1)
}
