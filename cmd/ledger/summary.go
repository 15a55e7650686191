package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/ledger/internal/ledger"
)

var summaryCmd = &cobra.Command{
	Use:     "summary",
	GroupID: "records",
	Short:   "Show income, expenses and balance totals",
	Long: `Total the amount field of every record with exact decimal arithmetic.

Amounts may be numbers or numeric strings ("1,200.50"); records without a
readable amount are counted as skipped. Expenses are also broken down by
category.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		sum := ledger.Summarize(a.income.ReadRaw(), a.expenses.ReadRaw())
		return render(cmd.OutOrStdout(), sum, func(w io.Writer) error {
			return writeSummary(w, sum)
		})
	},
}

func init() {
	rootCmd.AddCommand(summaryCmd)
}

func writeSummary(w io.Writer, sum ledger.Summary) error {
	balance := paint(okStyle, sum.Balance.StringFixed(2))
	if sum.Balance.IsNegative() {
		balance = paint(failStyle, sum.Balance.StringFixed(2))
	}

	fmt.Fprintf(w, "Income:   %12s  (%d records)\n", sum.Income.StringFixed(2), sum.IncomeCount)
	fmt.Fprintf(w, "Expenses: %12s  (%d records)\n", sum.Expenses.StringFixed(2), sum.ExpenseCount)
	fmt.Fprintf(w, "Balance:  %12s\n", balance)
	if sum.Skipped > 0 {
		fmt.Fprintln(w, paint(warnStyle, fmt.Sprintf("Skipped %d records without a readable amount", sum.Skipped)))
	}

	if len(sum.ByCategory) == 0 {
		return nil
	}
	categories := make([]string, 0, len(sum.ByCategory))
	for c := range sum.ByCategory {
		categories = append(categories, c)
	}
	sort.Strings(categories)

	rows := make([][]string, len(categories))
	for i, c := range categories {
		rows[i] = []string{c, sum.ByCategory[c].StringFixed(2)}
	}
	fmt.Fprintln(w)
	return renderTable(w, []string{"category", "expenses"}, rows)
}
