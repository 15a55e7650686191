package main

import (
	"bytes"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mschirtzinger/ledger/internal/config"
)

var configForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Create or inspect the configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a configuration file holding every default",
	Long: `Write a TOML configuration file with every setting at its default value.

The file is written to ledger.toml in the current directory unless a path
is given. An existing file is kept unless --force is set.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "ledger.toml"
		if len(args) == 1 {
			path = args[0]
		}

		if _, err := os.Stat(path); err == nil && !configForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}

		var buf bytes.Buffer
		if err := config.WriteDefaultTOML(&buf); err != nil {
			return err
		}
		if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "%s Wrote %s\n", paint(okStyle, "✓"), path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after applying the config file, LEDGER_*
environment variables and flags, with every path resolved.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		out := cmd.OutOrStdout()
		if outputFormat == formatJSON {
			return render(out, a.cfg, nil)
		}

		// Durations encode as strings such as "60s"
		if a.cfg.File != "" {
			fmt.Fprintf(out, "# %s\n", a.cfg.File)
		}
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(a.cfg); err != nil {
			return err
		}
		return enc.Close()
	},
}

func init() {
	configInitCmd.Flags().BoolVarP(&configForce, "force", "f", false, "overwrite an existing file")

	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}
