package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/ledger/internal/gitsync"
	"github.com/mschirtzinger/ledger/internal/history"
	"github.com/mschirtzinger/ledger/internal/vcs"
)

var (
	syncNoHistory bool
	historyLimit  int
)

var syncCmd = &cobra.Command{
	Use:     "sync [label...]",
	GroupID: "sync",
	Short:   "Commit and push changes in every configured target",
	Long: `Synchronize each configured target directory with its git remote.

For every target with changes: stage everything, commit, rebase onto the
remote branch and push. Targets are processed in configuration order and
one failing target does not stop the others. Name labels to sync only
those targets.

Exit status is 0 when every target succeeded, 1 when any failed and 2 when
another sync was already running.`,
	Args: cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		targets, err := pickTargets(a.cfg.Sync.Targets, args)
		if err != nil {
			return err
		}

		var observers []gitsync.Observer
		if !syncNoHistory {
			db, err := a.openHistory()
			if err != nil {
				return err
			}
			defer db.Close()
			observers = append(observers, db)
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		start := time.Now()
		outcomes, err := a.engine(observers...).Run(ctx, targets, gitsync.WithTrigger(gitsync.TriggerManual))
		if err != nil {
			return err
		}

		if err := render(cmd.OutOrStdout(), outcomes, func(w io.Writer) error {
			return writeOutcomes(w, outcomes, time.Since(start))
		}); err != nil {
			return err
		}
		for _, o := range outcomes {
			if !o.OK() {
				return errSyncFailed
			}
		}
		return nil
	},
}

var syncHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent sync runs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		db, err := a.openHistory()
		if err != nil {
			return err
		}
		defer db.Close()

		runs, err := db.Recent(cmd.Context(), historyLimit)
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), runs, func(w io.Writer) error {
			return writeRuns(w, runs)
		})
	},
}

func init() {
	syncCmd.Flags().BoolVar(&syncNoHistory, "no-history", false, "do not record this run in the history database")
	syncHistoryCmd.Flags().IntVarP(&historyLimit, "limit", "n", history.DefaultLimit, "number of runs to show")

	syncCmd.AddCommand(syncHistoryCmd)
	rootCmd.AddCommand(syncCmd)
}

// pickTargets selects targets by label in configuration order
func pickTargets(all []gitsync.Target, labels []string) ([]gitsync.Target, error) {
	if len(labels) == 0 {
		return all, nil
	}
	var out []gitsync.Target
	for _, l := range labels {
		found := false
		for _, t := range all {
			if t.Name() == l {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("unknown sync target %q", l)
		}
	}
	for _, t := range all {
		for _, l := range labels {
			if t.Name() == l {
				out = append(out, t)
				break
			}
		}
	}
	return out, nil
}

func stateMark(o gitsync.Outcome) string {
	switch {
	case !o.OK():
		return paint(failStyle, "✗")
	case o.Pushed:
		return paint(okStyle, "✓")
	default:
		return paint(mutedStyle, "·")
	}
}

func outcomeDetail(o gitsync.Outcome) string {
	switch {
	case !o.OK():
		msg := o.Error
		if msg == "" && o.Err != nil {
			msg = o.Err.Error()
		}
		if len(o.Conflicts) > 0 {
			msg += " (conflicts: " + strings.Join(o.Conflicts, ", ") + ")"
		}
		if hint := remedy(o.Err); hint != "" {
			return paint(failStyle, msg) + " " + paint(warnStyle, hint)
		}
		return paint(failStyle, msg)
	case o.Pushed:
		commit := o.Commit
		if len(commit) > 12 {
			commit = commit[:12]
		}
		return fmt.Sprintf("pushed %s to %s/%s", paint(accentStyle, commit), o.Remote, o.Branch)
	case !o.Changed:
		return "no changes"
	default:
		return o.State.String()
	}
}

// remedy tells the user what to do about a failed target
func remedy(err error) string {
	switch {
	case vcs.IsFatal(err):
		return "(fix the target configuration)"
	case vcs.IsUserActionRequired(err):
		return "(resolve in the working copy, then rerun)"
	case vcs.IsRetryable(err):
		return "(retry later)"
	default:
		return ""
	}
}

func writeOutcomes(w io.Writer, outcomes []gitsync.Outcome, elapsed time.Duration) error {
	if len(outcomes) == 0 {
		_, err := fmt.Fprintln(w, "No sync targets configured")
		return err
	}
	for _, o := range outcomes {
		if _, err := fmt.Fprintf(w, "%s %-10s %s\n", stateMark(o), o.Target, outcomeDetail(o)); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(w, paint(mutedStyle, fmt.Sprintf("Finished in %s", elapsed.Round(time.Millisecond))))
	return err
}

func writeRuns(w io.Writer, runs []history.Run) error {
	if len(runs) == 0 {
		_, err := fmt.Fprintln(w, "No sync runs recorded")
		return err
	}
	rows := make([][]string, len(runs))
	for i, r := range runs {
		status := paint(okStyle, "ok")
		if !r.OK {
			status = paint(failStyle, "failed")
		}
		var names []string
		for _, o := range r.Outcomes {
			names = append(names, o.Target)
		}
		rows[i] = []string{
			fmt.Sprint(r.ID),
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			r.Trigger,
			status,
			fmt.Sprintf("%d/%d", r.Pushed(), len(r.Outcomes)),
			strings.Join(names, ", "),
		}
	}
	return renderTable(w, []string{"run", "started", "trigger", "status", "pushed", "targets"}, rows)
}
