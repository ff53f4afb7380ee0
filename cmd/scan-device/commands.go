package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/mmdatafocus/kanban_backend/config"
	"github.com/mmdatafocus/kanban_backend/models"
	"github.com/mmdatafocus/kanban_backend/offlinequeue"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	ConfigFile string
	QueuePath  string
	JSON       bool

	cfg *config.DeviceConfig
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "scan-device",
		Short:         "Offline kanban scan queue",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadDeviceConfig(opts.ConfigFile)
			if err != nil {
				return err
			}
			if opts.QueuePath != "" {
				cfg.QueuePath = opts.QueuePath
			}
			opts.cfg = cfg
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&opts.ConfigFile, "config", "", "device config file (default ./scan-device.yaml)")
	cmd.PersistentFlags().StringVar(&opts.QueuePath, "queue", "", "queue database path (overrides config)")
	cmd.PersistentFlags().BoolVar(&opts.JSON, "json", false, "print JSON")

	cmd.AddCommand(
		newEnqueueCommand(opts),
		newReplayCommand(opts),
		newListCommand(opts),
		newRetryCommand(opts),
		newClearCommand(opts),
		newStatsCommand(opts),
	)
	return cmd
}

func withQueue(opts *rootOptions, fn func(q *offlinequeue.Queue) error) error {
	q, err := offlinequeue.Open(opts.cfg.QueuePath)
	if err != nil {
		return err
	}
	defer q.Close()
	return fn(q)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newEnqueueCommand(opts *rootOptions) *cobra.Command {
	var lat, lng, accuracy float64
	cmd := &cobra.Command{
		Use:   "enqueue <card-id-or-scan-url>",
		Short: "Record a scan for later replay",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cardId, err := models.ParseCardId(args[0])
			if err != nil {
				return err
			}
			var loc *offlinequeue.Geolocation
			if cmd.Flags().Changed("lat") && cmd.Flags().Changed("lng") {
				loc = &offlinequeue.Geolocation{Latitude: lat, Longitude: lng}
				if cmd.Flags().Changed("accuracy") {
					loc.Accuracy = &accuracy
				}
			}
			return withQueue(opts, func(q *offlinequeue.Queue) error {
				ev, err := q.Enqueue(cmd.Context(), cardId.String(), loc)
				if err != nil {
					return err
				}
				if opts.JSON {
					return printJSON(cmd.OutOrStdout(), ev)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "queued %s for card %s\n", ev.ID, ev.CardId)
				return nil
			})
		},
	}
	cmd.Flags().Float64Var(&lat, "lat", 0, "latitude")
	cmd.Flags().Float64Var(&lng, "lng", 0, "longitude")
	cmd.Flags().Float64Var(&accuracy, "accuracy", 0, "location accuracy in meters")
	return cmd
}

func newReplayCommand(opts *rootOptions) *cobra.Command {
	var watch time.Duration
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Send pending scans to the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg := opts.cfg
			sender := offlinequeue.NewHTTPSender(cfg.AppURL, cfg.Token, cfg.RequestTimeout)
			sender.Method = cfg.Method
			sender.ActorRole = cfg.ActorRole
			sender.ToStage = cfg.ToStage

			return withQueue(opts, func(q *offlinequeue.Queue) error {
				q.Logger = config.GetLogger()
				for {
					summary, err := q.Replay(ctx, sender.Send)
					if summary != nil {
						if perr := printSummary(cmd.OutOrStdout(), opts.JSON, summary); perr != nil {
							return perr
						}
					}
					if err != nil {
						if ctx.Err() != nil {
							return nil
						}
						return err
					}
					if watch <= 0 {
						return nil
					}
					select {
					case <-ctx.Done():
						return nil
					case <-time.After(watch):
					}
				}
			})
		},
	}
	cmd.Flags().DurationVar(&watch, "watch", 0, "keep replaying at this interval")
	return cmd
}

func printSummary(w io.Writer, asJSON bool, s *offlinequeue.ReplaySummary) error {
	if asJSON {
		return printJSON(w, s)
	}
	_, err := fmt.Fprintf(w, "attempted=%d synced=%d retried=%d failed=%d reclaimed=%d\n",
		s.Attempted, s.Synced, s.Retried, s.Failed, s.Reclaimed)
	return err
}

func newListCommand(opts *rootOptions) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued scans by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st := offlinequeue.Status(status)
			switch st {
			case offlinequeue.StatusPending, offlinequeue.StatusSyncing, offlinequeue.StatusSynced, offlinequeue.StatusFailed:
			default:
				return fmt.Errorf("invalid status %q", status)
			}
			return withQueue(opts, func(q *offlinequeue.Queue) error {
				events, err := q.ListByStatus(cmd.Context(), st)
				if err != nil {
					return err
				}
				if opts.JSON {
					return printJSON(cmd.OutOrStdout(), events)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tCARD\tSCANNED\tRETRIES\tERROR")
				for _, ev := range events {
					errText := ""
					if ev.LastError != nil {
						errText = *ev.LastError
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", ev.ID, ev.CardId, ev.ScannedAt.Format(time.RFC3339), ev.RetryCount, errText)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", string(offlinequeue.StatusPending), "pending|syncing|synced|failed")
	return cmd
}

func newRetryCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <scan-id>...",
		Short: "Put failed scans back in the queue with their original key",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(opts, func(q *offlinequeue.Queue) error {
				for _, id := range args {
					if err := q.RetryFailed(cmd.Context(), id); err != nil {
						return fmt.Errorf("retry %s: %w", id, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "requeued %s\n", id)
				}
				return nil
			})
		},
	}
}

func newClearCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete synced scans",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(opts, func(q *offlinequeue.Queue) error {
				n, err := q.ClearSyncedItems(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cleared %d synced scans\n", n)
				return nil
			})
		},
	}
}

func newStatsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count queued scans by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(opts, func(q *offlinequeue.Queue) error {
				s, err := q.Stats(cmd.Context())
				if err != nil {
					return err
				}
				if opts.JSON {
					return printJSON(cmd.OutOrStdout(), s)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "pending=%d syncing=%d synced=%d failed=%d\n", s.Pending, s.Syncing, s.Synced, s.Failed)
				return nil
			})
		},
	}
}
