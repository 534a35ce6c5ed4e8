package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Inspect and change reconciliation thresholds",
}

var settingsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current thresholds as JSON",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, cfg, "admin", nil)
		if err != nil {
			return err
		}
		defer env.Close()

		t, err := env.Settings.Thresholds(ctx)
		if err != nil {
			return eris.Wrap(err, "settings show")
		}
		return printJSON(os.Stdout, t)
	},
}

var settingsImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Replace thresholds from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, cfg, "admin", nil)
		if err != nil {
			return err
		}
		defer env.Close()

		t, err := env.Settings.Import(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "settings import")
		}
		fmt.Fprintf(os.Stderr, "Imported thresholds: bands %s/%s/%s, flag at %s\n",
			t.Bands.Low, t.Bands.Medium, t.Bands.High, t.FlagSeverity)
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("admin"); err != nil {
			return err
		}
		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		fmt.Fprintf(os.Stderr, "Migrations applied (%s).\n", cfg.Store.Driver)
		return nil
	},
}

func init() {
	settingsCmd.AddCommand(settingsShowCmd, settingsImportCmd)
	rootCmd.AddCommand(settingsCmd, migrateCmd)
}
