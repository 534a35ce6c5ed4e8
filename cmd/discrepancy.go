package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/factsync/internal/model"
)

var discrepancyCmd = &cobra.Command{
	Use:     "discrepancy",
	Aliases: []string{"disc"},
	Short:   "Review and resolve flagged discrepancies",
}

var discrepancyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List discrepancy candidates",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, cfg, "admin", nil)
		if err != nil {
			return err
		}
		defer env.Close()

		asset, _ := cmd.Flags().GetString("asset")
		status, _ := cmd.Flags().GetString("status")
		sev, _ := cmd.Flags().GetString("min-severity")
		limit, _ := cmd.Flags().GetInt("limit")

		cs, err := env.Discrepancies.List(ctx, model.DiscrepancyFilter{
			AssetID:     strings.ToUpper(asset),
			Status:      model.CandidateStatus(status),
			MinSeverity: model.Severity(sev),
			Limit:       limit,
		})
		if err != nil {
			return eris.Wrap(err, "discrepancy list")
		}
		if len(cs) == 0 {
			fmt.Fprintln(os.Stderr, "No discrepancies found.")
			return nil
		}
		formatCandidates(os.Stdout, cs)
		return nil
	},
}

var discrepancyShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a candidate with its source snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, cfg, "admin", nil)
		if err != nil {
			return err
		}
		defer env.Close()

		c, err := env.Discrepancies.Get(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "discrepancy show")
		}
		return printJSON(os.Stdout, c)
	},
}

var discrepancyResolveCmd = &cobra.Command{
	Use:   "resolve <id>",
	Short: "Resolve a candidate by source or by manual value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, cfg, "admin", nil)
		if err != nil {
			return err
		}
		defer env.Close()

		auto, _ := cmd.Flags().GetBool("auto")
		if auto {
			res, err := env.Discrepancies.AutoResolve(ctx, args[0])
			if err != nil {
				return eris.Wrap(err, "discrepancy resolve")
			}
			return printJSON(os.Stdout, res)
		}

		source, _ := cmd.Flags().GetString("source")
		value, _ := cmd.Flags().GetString("value")
		resolver, _ := cmd.Flags().GetString("resolver")
		reason, _ := cmd.Flags().GetString("reason")

		res, err := env.Discrepancies.Resolve(ctx, args[0], model.Selection{Source: source, Value: value}, resolver, reason)
		if err != nil {
			return eris.Wrap(err, "discrepancy resolve")
		}
		return printJSON(os.Stdout, res)
	},
}

var discrepancyHistoryCmd = &cobra.Command{
	Use:   "history <ticker> <field> <date>",
	Short: "Show the resolution history of one field",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, cfg, "admin", nil)
		if err != nil {
			return err
		}
		defer env.Close()

		kind, _ := cmd.Flags().GetString("kind")
		if !model.RecordKind(kind).Valid() {
			return eris.Errorf("--kind must be fundamental or price, got %q", kind)
		}

		rs, err := env.Discrepancies.History(ctx, strings.ToUpper(args[0]), model.RecordKind(kind), args[2], args[1])
		if err != nil {
			return eris.Wrap(err, "discrepancy history")
		}
		if len(rs) == 0 {
			fmt.Fprintln(os.Stderr, "No resolutions found.")
			return nil
		}
		formatResolutions(os.Stdout, rs)
		return nil
	},
}

// formatCandidates writes the candidate table to w.
func formatCandidates(out io.Writer, cs []model.DiscrepancyCandidate) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tASSET\tKIND\tDATE\tFIELD\tSEVERITY\tDEVIATION\tSTATUS\tSOURCES")
	for _, c := range cs {
		sources := make([]string, 0, len(c.Snapshot))
		for _, o := range c.Snapshot {
			sources = append(sources, o.Source+"="+o.Value)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s%%\t%s\t%s\n",
			shortID(c.ID), c.AssetID, c.Kind, c.RefDate, c.Field, c.Severity,
			c.Deviation.Shift(2).StringFixed(2), c.Status, strings.Join(sources, " "))
	}
	_ = w.Flush()
}

// formatResolutions writes resolution history to w in the order applied.
func formatResolutions(out io.Writer, rs []model.DiscrepancyResolution) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "WHEN\tDATE\tOLD\tNEW\tSOURCE\tMETHOD\tRESOLVER\tREASON")
	for _, r := range rs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.CreatedAt.UTC().Format("2006-01-02 15:04"), r.RefDate, r.OldValue, r.NewValue,
			r.SelectedSource, r.Method, r.Resolver, r.Reason)
	}
	_ = w.Flush()
}

func init() {
	discrepancyListCmd.Flags().String("asset", "", "filter by ticker")
	discrepancyListCmd.Flags().String("status", "open", "filter by status (open, resolved, or empty for all)")
	discrepancyListCmd.Flags().String("min-severity", "", "minimum severity (low, medium, high)")
	discrepancyListCmd.Flags().Int("limit", 50, "max rows to display")

	discrepancyResolveCmd.Flags().String("source", "", "adopt the value reported by this source")
	discrepancyResolveCmd.Flags().String("value", "", "manual override value")
	discrepancyResolveCmd.Flags().String("resolver", os.Getenv("USER"), "who is resolving")
	discrepancyResolveCmd.Flags().String("reason", "", "free-text reason")
	discrepancyResolveCmd.Flags().Bool("auto", false, "pick the most reliable source")

	discrepancyHistoryCmd.Flags().String("kind", string(model.KindFundamental), "record kind (fundamental, price)")

	discrepancyCmd.AddCommand(discrepancyListCmd, discrepancyShowCmd, discrepancyResolveCmd, discrepancyHistoryCmd)
	rootCmd.AddCommand(discrepancyCmd)
}
