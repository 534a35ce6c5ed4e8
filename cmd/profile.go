package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/factsync/internal/model"
	"github.com/sells-group/factsync/internal/profile"
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage scraper profiles",
}

var profileListCmd = &cobra.Command{
	Use:   "list",
	Short: "List profiles",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, cfg, "admin", nil)
		if err != nil {
			return err
		}
		defer env.Close()

		ps, err := env.Profiles.List(ctx)
		if err != nil {
			return eris.Wrap(err, "profile list")
		}
		formatProfiles(os.Stdout, ps)
		return nil
	},
}

var profileShowCmd = &cobra.Command{
	Use:   "show <id-or-name>",
	Short: "Show one profile as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, cfg, "admin", nil)
		if err != nil {
			return err
		}
		defer env.Close()

		p, err := env.Profiles.Resolve(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "profile show")
		}
		return printJSON(os.Stdout, p)
	},
}

var profileDefaultCmd = &cobra.Command{
	Use:   "default [id-or-name]",
	Short: "Show the default profile, or set it",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, cfg, "admin", nil)
		if err != nil {
			return err
		}
		defer env.Close()

		if len(args) == 0 {
			p, err := env.Profiles.Default(ctx)
			if err != nil {
				return eris.Wrap(err, "profile default")
			}
			fmt.Println(p.Name)
			return nil
		}

		target, err := env.Profiles.Resolve(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "profile default")
		}
		actor, _ := cmd.Flags().GetString("actor")
		p, err := env.Profiles.SetDefault(ctx, target.ID, actor)
		if err != nil {
			return eris.Wrap(err, "profile default")
		}
		fmt.Fprintf(os.Stderr, "Default profile is now %s\n", p.Name)
		return nil
	},
}

// profileFile is the YAML layout accepted by profile create.
type profileFile struct {
	Name             string   `yaml:"name"`
	DisplayName      string   `yaml:"display_name"`
	Description      string   `yaml:"description"`
	MinScrapers      int      `yaml:"min_scrapers"`
	MaxScrapers      int      `yaml:"max_scrapers"`
	Adapters         []string `yaml:"adapters"`
	FallbackEnabled  bool     `yaml:"fallback_enabled"`
	FallbackAdapter  string   `yaml:"fallback_adapter"`
	AssetConcurrency int      `yaml:"asset_concurrency"`
}

func parseProfileFile(data []byte) (*model.Profile, error) {
	var f profileFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "parse profile yaml")
	}
	return &model.Profile{
		Name:             f.Name,
		DisplayName:      f.DisplayName,
		Description:      f.Description,
		MinScrapers:      f.MinScrapers,
		MaxScrapers:      f.MaxScrapers,
		Adapters:         f.Adapters,
		FallbackEnabled:  f.FallbackEnabled,
		FallbackAdapter:  f.FallbackAdapter,
		AssetConcurrency: f.AssetConcurrency,
	}, nil
}

var profileCreateCmd = &cobra.Command{
	Use:   "create <file.yaml>",
	Short: "Create a custom profile from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		data, err := os.ReadFile(args[0])
		if err != nil {
			return eris.Wrap(err, "read profile file")
		}
		p, err := parseProfileFile(data)
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, cfg, "admin", nil)
		if err != nil {
			return err
		}
		defer env.Close()

		actor, _ := cmd.Flags().GetString("actor")
		created, err := env.Profiles.Create(ctx, p, actor)
		if err != nil {
			return eris.Wrap(err, "profile create")
		}
		return printJSON(os.Stdout, created)
	},
}

var profileDuplicateCmd = &cobra.Command{
	Use:   "duplicate <id-or-name> <new-name>",
	Short: "Copy a profile into a new custom profile",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, cfg, "admin", nil)
		if err != nil {
			return err
		}
		defer env.Close()

		src, err := env.Profiles.Resolve(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "profile duplicate")
		}
		actor, _ := cmd.Flags().GetString("actor")
		p, err := env.Profiles.Duplicate(ctx, src.ID, args[1], actor)
		if err != nil {
			return eris.Wrap(err, "profile duplicate")
		}
		fmt.Fprintf(os.Stderr, "Created %s (%s)\n", p.Name, p.ID)
		return nil
	},
}

var profileDeleteCmd = &cobra.Command{
	Use:   "delete <id-or-name>",
	Short: "Delete a custom profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, cfg, "admin", nil)
		if err != nil {
			return err
		}
		defer env.Close()

		p, err := env.Profiles.Resolve(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "profile delete")
		}
		actor, _ := cmd.Flags().GetString("actor")
		if err := env.Profiles.Delete(ctx, p.ID, actor); err != nil {
			return eris.Wrap(err, "profile delete")
		}
		fmt.Fprintf(os.Stderr, "Deleted %s\n", p.Name)
		return nil
	},
}

var profilePreviewCmd = &cobra.Command{
	Use:   "preview <adapter>...",
	Short: "Estimate duration, cost and confidence for an adapter set",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, cfg, "sync", nil)
		if err != nil {
			return err
		}
		defer env.Close()

		minS, _ := cmd.Flags().GetInt("min")
		maxS, _ := cmd.Flags().GetInt("max")
		ticker, _ := cmd.Flags().GetString("test-ticker")

		out, err := env.Profiles.Preview(ctx, profile.PreviewRequest{
			Adapters:    args,
			MinScrapers: minS,
			MaxScrapers: maxS,
			TestTicker:  ticker,
		})
		if err != nil {
			return eris.Wrap(err, "profile preview")
		}
		formatImpact(os.Stdout, out)
		return nil
	},
}

var profileAuditCmd = &cobra.Command{
	Use:   "audit [id-or-name]",
	Short: "Show the profile audit log",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, cfg, "admin", nil)
		if err != nil {
			return err
		}
		defer env.Close()

		id := ""
		if len(args) == 1 {
			p, err := env.Profiles.Resolve(ctx, args[0])
			if err != nil {
				return eris.Wrap(err, "profile audit")
			}
			id = p.ID
		}
		limit, _ := cmd.Flags().GetInt("limit")
		rows, err := env.Profiles.Audit(ctx, id, limit)
		if err != nil {
			return eris.Wrap(err, "profile audit")
		}
		formatAudit(os.Stdout, rows)
		return nil
	},
}

// formatProfiles writes the profile table to w.
func formatProfiles(out io.Writer, ps []model.Profile) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tTYPE\tDEFAULT\tMIN\tMAX\tADAPTERS\tEST_SECS\tEST_COST")
	for _, p := range ps {
		kind := "custom"
		if p.IsSystem {
			kind = "system"
		}
		def := ""
		if p.IsDefault {
			def = "*"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%.1f\t$%.4f\n",
			p.Name, kind, def, p.MinScrapers, p.MaxScrapers, strings.Join(p.Adapters, ","),
			p.EstimatedDurationSecs, p.EstimatedCostUSD)
	}
	_ = w.Flush()
}

// formatImpact writes a preview summary to w.
func formatImpact(out io.Writer, a *model.ImpactAnalysis) {
	_, _ = fmt.Fprintf(out, "Adapters:          %s\n", strings.Join(a.Adapters, ", "))
	_, _ = fmt.Fprintf(out, "Sources:           min %d, max %d, expected %.2f\n", a.MinSources, a.MaxSources, a.ExpectedSources)
	_, _ = fmt.Fprintf(out, "Estimated time:    %s\n", a.EstimatedDuration)
	_, _ = fmt.Fprintf(out, "Estimated cost:    $%.4f\n", a.EstimatedCostUSD)
	_, _ = fmt.Fprintf(out, "Confidence:        %s\n", a.ConfidenceLevel)
	for _, warn := range a.Warnings {
		_, _ = fmt.Fprintf(out, "Warning:           %s\n", warn)
	}
	if tr := a.TestRun; tr != nil {
		_, _ = fmt.Fprintf(out, "Test run (%s):    %d observations, %s\n", tr.Ticker, tr.Observations, tr.Status)
	}
}

// formatAudit writes audit rows to w, newest first.
func formatAudit(out io.Writer, rows []model.ProfileAudit) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "WHEN\tPROFILE\tACTION\tACTOR\tADAPTERS")
	for _, r := range rows {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			r.CreatedAt.UTC().Format("2006-01-02 15:04:05"), shortID(r.ProfileID), r.Action, r.Actor,
			strings.Join(r.Adapters, ","))
	}
	_ = w.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	for _, c := range []*cobra.Command{profileDefaultCmd, profileCreateCmd, profileDuplicateCmd, profileDeleteCmd} {
		c.Flags().String("actor", "cli", "actor recorded in the profile audit log")
	}
	profilePreviewCmd.Flags().Int("min", 0, "minimum sources (default 1)")
	profilePreviewCmd.Flags().Int("max", 0, "maximum sources (default all)")
	profilePreviewCmd.Flags().String("test-ticker", "", "run the adapter set once against this ticker")
	profileAuditCmd.Flags().Int("limit", 50, "max rows to display")

	profileCmd.AddCommand(profileListCmd, profileShowCmd, profileDefaultCmd, profileCreateCmd,
		profileDuplicateCmd, profileDeleteCmd, profilePreviewCmd, profileAuditCmd)
	rootCmd.AddCommand(profileCmd)
}
