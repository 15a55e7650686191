package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/ledger/internal/server"
	"github.com/mschirtzinger/ledger/internal/watch"
)

var (
	serveAddr string
	serveAuto bool
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "records",
	Short:   "Serve the HTTP API and live event stream",
	Long: `Start the ledger HTTP server.

Endpoints:
  GET    /api/data                 both raw collections
  GET    /api/income|expenses      records, newest first
  POST   /api/income|expenses      add or replace a record
  DELETE /api/income|expenses/{id} delete a record
  POST   /api/upload_receipt       store a receipt (multipart)
  GET    /api/summary              totals
  POST   /api/sync                 sync now (409 while a sync runs)
  GET    /api/sync/history         recent sync runs
  GET    /ws                       record_update and sync_complete events

With --auto (or sync.auto = true) target directories are watched and
changes are synced after sync.debounce of quiet.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		if cmd.Flags().Changed("addr") {
			a.cfg.Server.Addr = serveAddr
		}
		auto := a.cfg.Sync.Auto
		if cmd.Flags().Changed("auto") {
			auto = serveAuto
		}

		if err := a.bootstrap(); err != nil {
			return err
		}

		db, err := a.openHistory()
		if err != nil {
			return err
		}
		defer db.Close()

		engine := a.engine(db)
		srv, err := server.New(&server.Config{
			Addr:           a.cfg.Server.Addr,
			Income:         a.income,
			Expenses:       a.expenses,
			ReceiptsDir:    a.cfg.ReceiptsPath(),
			WebDir:         a.cfg.Server.WebDir,
			MaxUploadBytes: a.cfg.MaxUploadBytes(),
			Sync:           engine,
			Targets:        a.cfg.Sync.Targets,
			History:        db,
			Logger:         a.logs.Logger("server"),
		})
		if err != nil {
			return err
		}
		engine.AddObserver(srv.Hub())

		if err := srv.Start(); err != nil {
			_ = srv.Stop()
			return err
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		var watcher *watch.Watcher
		if auto {
			watcher, err = watch.New(engine, a.cfg.Sync.Targets, &watch.Config{
				Debounce: a.cfg.Sync.Debounce,
				Logger:   a.logs.Logger("watch"),
			})
			if err == nil {
				err = watcher.Start()
			}
			if err != nil {
				_ = srv.Stop()
				return fmt.Errorf("failed to start auto-sync: %w", err)
			}
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s Ledger server listening on %s\n", paint(okStyle, "✓"), paint(accentStyle, srv.Addr()))
		fmt.Fprintf(out, "Data: %s\n", a.cfg.DataDir)
		if auto {
			fmt.Fprintf(out, "Auto-sync: %d targets, %s debounce\n", len(a.cfg.Sync.Targets), a.cfg.Sync.Debounce)
		}
		fmt.Fprintln(out, "\nPress Ctrl+C to stop...")

		<-ctx.Done()
		fmt.Fprintln(out, "\nShutting down...")

		if watcher != nil {
			if err := watcher.Stop(); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Error stopping watcher: %v\n", err)
			}
		}
		return srv.Stop()
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.addr)")
	serveCmd.Flags().BoolVar(&serveAuto, "auto", false, "sync target directories automatically on change")

	rootCmd.AddCommand(serveCmd)
}
