package ledger

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	amountField   = "amount"
	categoryField = "category"

	// Uncategorized groups expenses without a category
	Uncategorized = "uncategorized"
)

// Summary aggregates the two collections
type Summary struct {
	Income       decimal.Decimal            `json:"income"`
	Expenses     decimal.Decimal            `json:"expenses"`
	Balance      decimal.Decimal            `json:"balance"`
	IncomeCount  int                        `json:"income_count"`
	ExpenseCount int                        `json:"expense_count"`
	ByCategory   map[string]decimal.Decimal `json:"expenses_by_category"`

	// Skipped counts records whose amount could not be read
	Skipped int `json:"skipped"`
}

// Summarize totals income and expenses using exact decimal arithmetic.
// Records with a missing or unreadable amount are counted but not summed.
func Summarize(income, expenses []Record) Summary {
	s := Summary{
		Income:       decimal.Zero,
		Expenses:     decimal.Zero,
		IncomeCount:  len(income),
		ExpenseCount: len(expenses),
		ByCategory:   map[string]decimal.Decimal{},
	}

	for _, r := range income {
		amt, ok := Amount(r)
		if !ok {
			s.Skipped++
			continue
		}
		s.Income = s.Income.Add(amt)
	}

	for _, r := range expenses {
		amt, ok := Amount(r)
		if !ok {
			s.Skipped++
			continue
		}
		s.Expenses = s.Expenses.Add(amt)

		cat := Uncategorized
		if c, ok := r[categoryField].(string); ok && strings.TrimSpace(c) != "" {
			cat = strings.TrimSpace(c)
		}
		s.ByCategory[cat] = s.ByCategory[cat].Add(amt)
	}

	s.Balance = s.Income.Sub(s.Expenses)
	return s
}

// Amount reads a record's amount as a decimal
func Amount(r Record) (decimal.Decimal, bool) {
	switch v := r[amountField].(type) {
	case json.Number:
		d, err := decimal.NewFromString(v.String())
		return d, err == nil
	case float64:
		return decimal.NewFromFloat(v), true
	case int:
		return decimal.NewFromInt(int64(v)), true
	case int64:
		return decimal.NewFromInt(v), true
	case string:
		s := strings.ReplaceAll(strings.TrimSpace(v), ",", "")
		if s == "" {
			return decimal.Zero, false
		}
		d, err := decimal.NewFromString(s)
		return d, err == nil
	default:
		return decimal.Zero, false
	}
}
