package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/factsync/internal/model"
	"github.com/sells-group/factsync/internal/notify"
	"github.com/sells-group/factsync/internal/syncer"
)

var syncCmd = &cobra.Command{
	Use:   "sync <ticker>...",
	Short: "Sync one or more tickers in the foreground",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, cfg, "sync", notify.LogNotifier{})
		if err != nil {
			return err
		}
		defer env.Close()

		profileRef, _ := cmd.Flags().GetString("profile")
		fields, _ := cmd.Flags().GetStringSlice("fields")
		bulk, _ := cmd.Flags().GetBool("bulk")
		actor, _ := cmd.Flags().GetString("actor")

		req := syncer.SyncRequest{Tickers: args, ProfileID: profileRef, Fields: fields, Actor: actor}
		if req.From, err = flagDate(cmd, "from"); err != nil {
			return err
		}
		if req.To, err = flagDate(cmd, "to"); err != nil {
			return err
		}

		results, p, err := env.Sync.Sync(ctx, req, bulk)
		if err != nil {
			return eris.Wrap(err, "sync")
		}

		fmt.Fprintf(os.Stderr, "Profile: %s\n", p.Name)
		formatSyncResults(os.Stdout, results)

		for _, r := range results {
			if r.Err != nil || r.Status == model.StatusFailed {
				return eris.New("sync: one or more tickers failed")
			}
		}
		return nil
	},
}

func flagDate(cmd *cobra.Command, name string) (time.Time, error) {
	v, _ := cmd.Flags().GetString(name)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := model.ParseDate(v)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "--%s must be YYYY-MM-DD", name)
	}
	return t, nil
}

// formatSyncResults writes one row per synced ticker to w.
func formatSyncResults(out io.Writer, results []syncer.AssetResult) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TICKER\tRUN\tSTATUS\tOBSERVATIONS\tRECORDS\tFLAGGED\tERROR")
	for _, r := range results {
		errMsg := ""
		if r.Err != nil {
			errMsg = r.Err.Error()
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			r.Ticker, r.RunStatus, r.Status, r.Observations, r.Records, r.Flagged, truncate(errMsg, 60))
	}
	_ = w.Flush()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

var statusCmd = &cobra.Command{
	Use:   "status [ticker]",
	Short: "Show per-asset sync status",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, cfg, "admin", nil)
		if err != nil {
			return err
		}
		defer env.Close()

		var rows []model.AssetStatus
		if len(args) == 1 {
			st, err := env.Status.Status(ctx, strings.ToUpper(args[0]))
			if err != nil {
				return eris.Wrap(err, "status")
			}
			rows = []model.AssetStatus{st}
		} else {
			rows, err = env.Status.Statuses(ctx)
			if err != nil {
				return eris.Wrap(err, "status")
			}
		}

		if len(rows) == 0 {
			fmt.Fprintln(os.Stderr, "No assets synced yet.")
			return nil
		}
		formatStatuses(os.Stdout, rows)
		return nil
	},
}

// formatStatuses writes the status table to w.
func formatStatuses(out io.Writer, rows []model.AssetStatus) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TICKER\tSTATUS\tRECORDS\tOLDEST\tNEWEST\tLAST_SYNC\tDURATION")
	for _, r := range rows {
		last := "-"
		if r.LastSyncAt != nil {
			last = r.LastSyncAt.UTC().Format("2006-01-02 15:04")
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			r.Ticker, r.Status, r.RecordsLoaded, dash(r.OldestDate), dash(r.NewestDate), last,
			r.LastSyncDuration.Round(time.Millisecond))
	}
	_ = w.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func init() {
	syncCmd.Flags().String("profile", "", "profile id or name (default profile when empty)")
	syncCmd.Flags().String("from", "", "start date (YYYY-MM-DD)")
	syncCmd.Flags().String("to", "", "end date (YYYY-MM-DD)")
	syncCmd.Flags().StringSlice("fields", nil, "fields to collect (all when empty)")
	syncCmd.Flags().Bool("bulk", false, "sync one asset at a time without the ticker cap")
	syncCmd.Flags().String("actor", "cli", "actor recorded in the profile audit log")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
}
