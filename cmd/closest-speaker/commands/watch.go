package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ahmad-alqaisi215/NETIXS-AI/internal/aggregator"
	"github.com/ahmad-alqaisi215/NETIXS-AI/internal/registry"
	"github.com/ahmad-alqaisi215/NETIXS-AI/internal/transport"
)

var watchURL string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Mirror a remote aggregator and print its speaker table",
	Long: `Mirror a remote aggregator and print its speaker table.

The command connects as an observer, rebuilds the aggregator's registry from
the roster and live updates, and prints the table whenever it changes.

Examples:
  closest-speaker watch --url ws://localhost:8000/ws`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}

		overrideString(&cfg.Source.AggregatorURL, watchURL)
		if cfg.Source.AggregatorURL == "" {
			return fmt.Errorf("no aggregator: set --url or source.aggregator_url")
		}

		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		conn, err := transport.Dial(ctx, cfg.Source.AggregatorURL, connConfig(cfg, nil), logger)
		if err != nil {
			return err
		}

		replica := aggregator.New(registry.New(), logger, nil)
		mirror := aggregator.NewMirror(replica, "watch-"+uuid.NewString()[:8], logger)

		printed := make(chan struct{})
		go func() {
			defer close(printed)
			printSpeakers(ctx, replica.Registry(), os.Stdout)
		}()

		err = mirror.Run(ctx, conn)
		cancel()
		<-printed

		if err != nil {
			logger.Warn("Connection lost", slog.String("error", err.Error()))
			return err
		}
		return nil
	},
}

func init() {
	watchCmd.Flags().StringVarP(&watchURL, "url", "u", "", "aggregator websocket URL")

	rootCmd.AddCommand(watchCmd)
}

// printSpeakers writes the registry table on every change until ctx is cancelled
func printSpeakers(ctx context.Context, reg *registry.Registry, w io.Writer) {
	changes, unsubscribe := reg.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case <-changes:
			writeSpeakers(w, reg.Snapshot(), time.Now())
		}
	}
}

func writeSpeakers(w io.Writer, records []registry.Record, now time.Time) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "-- %s --\n", now.Format("15:04:05.000"))
	fmt.Fprintln(tw, "\tID\tLABEL\tDB\tSPEAKING\tTRANSCRIPT")
	for _, rec := range records {
		marker := ""
		if rec.IsClosest {
			marker = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.1f\t%t\t%s\n",
			marker, rec.ID, rec.Label, rec.DB, rec.Speaking, rec.Transcript)
	}
	tw.Flush()
}
