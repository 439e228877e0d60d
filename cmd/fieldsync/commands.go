package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/fieldsync/internal/logging"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync daemon and the local API",
		Long: `Run the sync daemon: the local API and event stream for the field UI,
the upload queue, the connectivity monitor, the background worker, the
capture inbox watcher and the daily route eviction.

Examples:
  fieldsync serve --server https://dispatch.example.com
  FIELDSYNC_LISTEN=127.0.0.1:9000 fieldsync serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := rootOpts.cfg
			if listen != "" {
				cfg.Listen = listen
			}
			if err := cfg.RequireServer(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a := newApp(cfg)
			defer a.close()

			logging.Info("FieldSync starting", map[string]interface{}{
				"data_dir": cfg.DataDir,
				"server":   cfg.ServerURL,
				"worker":   cfg.WorkerVersion,
			})
			return a.run(ctx)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "local API address (overrides FIELDSYNC_LISTEN)")
	return cmd
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queued photos, pending changes and the last sync time",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a := newApp(rootOpts.cfg)
			defer a.close()

			a.probe(ctx)
			snap, err := a.status.Snapshot(ctx)
			if err != nil {
				return err
			}
			jobs, err := a.jobs.Pending(ctx)
			if err != nil {
				return err
			}
			shifts, err := a.store.GetUnsyncedShifts(ctx)
			if err != nil {
				return err
			}

			report := map[string]interface{}{
				"online":          snap.Online,
				"queue":           snap.Queue,
				"last_sync_at":    snap.LastSyncAt,
				"pending_jobs":    len(jobs),
				"unsynced_shifts": len(shifts),
				"data_dir":        rootOpts.cfg.DataDir,
				"server":          rootOpts.cfg.ServerURL,
			}
			if rootOpts.Format == "json" {
				return writeJSONOut(cmd.OutOrStdout(), report)
			}

			out := cmd.OutOrStdout()
			last := "never"
			if snap.LastSyncAt != nil {
				last = snap.LastSyncAt.Local().Format(time.RFC1123)
			}
			fmt.Fprintf(out, "Online:          %v\n", snap.Online)
			fmt.Fprintf(out, "Photos:          %d pending, %d uploading, %d failed\n",
				snap.Queue.Pending, snap.Queue.Uploading, snap.Queue.Failed)
			fmt.Fprintf(out, "Pending jobs:    %d\n", len(jobs))
			fmt.Fprintf(out, "Unsynced shifts: %d\n", len(shifts))
			fmt.Fprintf(out, "Last sync:       %s\n", last)
			return nil
		},
	}
}

// NewDrainCommand creates the drain command.
func NewDrainCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Push every pending photo, job and shift once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := rootOpts.cfg.RequireServer(); err != nil {
				return err
			}
			ctx := cmd.Context()
			a := newApp(rootOpts.cfg)
			defer a.close()

			a.probe(ctx)
			result, err := a.scheduler.SyncNow(ctx)
			if err != nil {
				return err
			}
			if rootOpts.Format == "json" {
				return writeJSONOut(cmd.OutOrStdout(), result)
			}

			out := cmd.OutOrStdout()
			if result.Offline {
				fmt.Fprintln(out, "Server unreachable, nothing was sent.")
				return nil
			}
			fmt.Fprintf(out, "Photos: %d uploaded, %d failed\n", result.Photos.Uploaded, result.Photos.Failed)
			fmt.Fprintf(out, "Jobs:   %d synced\n", result.Jobs)
			fmt.Fprintf(out, "Shifts: %d synced\n", result.Shifts)
			if !result.Clean() {
				fmt.Fprintln(out, "Some changes are still pending.")
			}
			return nil
		},
	}
}

// NewEvictCommand creates the evict command.
func NewEvictCommand(rootOpts *RootOptions) *cobra.Command {
	var maxAge time.Duration

	cmd := &cobra.Command{
		Use:   "evict",
		Short: "Delete cached routes older than --max-age",
		RunE: func(cmd *cobra.Command, args []string) error {
			if maxAge <= 0 {
				maxAge = rootOpts.cfg.RouteMaxAge
			}
			a := newApp(rootOpts.cfg)
			defer a.close()

			n, err := a.store.EvictOldRoutes(cmd.Context(), maxAge)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Evicted %d route(s) older than %s\n", n, maxAge)
			return nil
		},
	}

	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "eviction age (default FIELDSYNC_ROUTE_MAX_AGE)")
	return cmd
}

// NewResetCommand creates the reset command.
func NewResetCommand(rootOpts *RootOptions) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete all cached data and queued photos",
		Long: `Delete every cached route, pending job, shift and queued photo.
Unsynced changes are lost.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to delete unsynced data without --yes")
			}
			ctx := cmd.Context()
			a := newApp(rootOpts.cfg)
			defer a.close()

			if err := a.store.ClearAll(ctx); err != nil {
				return err
			}
			n, err := a.queue.Clear(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared cache and %d queued photo(s)\n", n)
			return nil
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deletion")
	return cmd
}

// probe sets connectivity from one server probe.
func (a *app) probe(ctx context.Context) {
	if a.cfg.ServerURL == "" {
		a.monitor.SetOnline(false)
		return
	}
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	a.monitor.SetOnline(a.client.Probe(probeCtx) == nil)
}

func writeJSONOut(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
