package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/ledger/internal/config"
	"github.com/mschirtzinger/ledger/internal/gitsync"
	"github.com/mschirtzinger/ledger/internal/history"
	"github.com/mschirtzinger/ledger/internal/ledger"
	"github.com/mschirtzinger/ledger/internal/logging"
)

var (
	cfgFile      string
	dataDir      string
	outputFormat string
	quiet        bool
)

// errSyncFailed marks a sync run where at least one target failed
var errSyncFailed = errors.New("sync finished with failures")

var rootCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Record income and expenses and publish them with git",
	Long: `ledger keeps income and expense records in two JSON documents,
each inside its own git working copy, and publishes changes to the
configured remote.

Configuration is read from ledger.toml or ledger.yaml (current directory,
then the user config directory), overridden by LEDGER_* environment
variables and command-line flags.

Example:
  ledger serve                         # HTTP API on :5000
  ledger record add expenses amount=12.50 category=food
  ledger record list income --since "last month"
  ledger sync`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		switch outputFormat {
		case formatText, formatJSON, formatYAML:
			return nil
		default:
			return fmt.Errorf("unknown output format %q (want text, json or yaml)", outputFormat)
		}
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "records", Title: "Records:"},
		&cobra.Group{ID: "sync", Title: "Synchronization:"},
	)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ledger.toml or ledger.yaml)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "directory holding income/ and expenses/ (overrides data_dir)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", formatText, "output format: text, json or yaml")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress log output on stderr")
}

// exitCode maps command errors to process exit codes
func exitCode(err error) int {
	if errors.Is(err, gitsync.ErrBusy) {
		return 2
	}
	return 1
}

// app is the runtime assembled from configuration for one command
type app struct {
	cfg      *config.Config
	logs     *logging.Logging
	income   *ledger.Store
	expenses *ledger.Store
}

func newApp(cmd *cobra.Command) (*app, error) {
	v := config.NewViper()
	if cmd.Flags().Changed("data-dir") {
		v.Set("data_dir", dataDir)
	}

	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return nil, err
	}

	logs, err := logging.New(logging.Options{
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Quiet:      quiet,
		Stderr:     cmd.ErrOrStderr(),
	})
	if err != nil {
		return nil, err
	}

	policy := ledger.ParseWritePolicy(cfg.Ledger.StrictWrites)
	a := &app{cfg: cfg, logs: logs}
	a.income = ledger.NewStore(cfg.IncomePath(), ledger.Options{
		Name:        "income",
		Logger:      logs.Logger("store"),
		WritePolicy: policy,
	})
	a.expenses = ledger.NewStore(cfg.ExpensesPath(), ledger.Options{
		Name:        "expenses",
		Logger:      logs.Logger("store"),
		WritePolicy: policy,
	})
	return a, nil
}

// bootstrap creates the collection documents and the receipts directory
func (a *app) bootstrap() error {
	for _, s := range []*ledger.Store{a.income, a.expenses} {
		if err := s.Init(); err != nil {
			return err
		}
	}
	return os.MkdirAll(a.cfg.ReceiptsPath(), 0755)
}

func (a *app) close() {
	_ = a.logs.Close()
}

// store returns the collection named by the user
func (a *app) store(name string) (*ledger.Store, error) {
	switch name {
	case "income", "revenues":
		return a.income, nil
	case "expenses", "expense":
		return a.expenses, nil
	default:
		return nil, fmt.Errorf("unknown collection %q (want income or expenses)", name)
	}
}

func (a *app) engine(observers ...gitsync.Observer) *gitsync.Engine {
	return gitsync.NewEngine(&gitsync.Config{
		Identity:     a.cfg.Sync.Identity,
		Remote:       a.cfg.Sync.Remote,
		Timeout:      a.cfg.Sync.CommandTimeout,
		CommitPrefix: a.cfg.Sync.CommitPrefix,
		LockFile:     a.cfg.Sync.LockFile,
		Logger:       a.logs.Logger("sync"),
		Observers:    observers,
	})
}

func (a *app) openHistory() (*history.DB, error) {
	db, err := history.Open(a.cfg.History.Path)
	if err != nil {
		return nil, err
	}
	db.SetRetention(a.cfg.History.Keep)
	return db, nil
}

// collectionArgs completes the collection argument
func collectionArgs(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	return []string{"income", "expenses"}, cobra.ShellCompDirectiveNoFileComp
}
