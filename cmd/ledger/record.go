package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/mschirtzinger/ledger/internal/ledger"
)

var (
	recordSince string
	recordLimit int
	recordJSON  string
)

var recordCmd = &cobra.Command{
	Use:     "record",
	GroupID: "records",
	Short:   "List, add and delete income or expense records",
}

var recordListCmd = &cobra.Command{
	Use:   "list <income|expenses>",
	Short: "List records, newest first",
	Long: `List the records of a collection, newest first.

--since accepts a date (2024-03-01) or a relative phrase such as
"last month", "2 weeks ago" or "yesterday".

Example:
  ledger record list expenses
  ledger record list income --since "last month" -o json`,
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: collectionArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		store, err := a.store(args[0])
		if err != nil {
			return err
		}

		records := store.ListSorted()
		if recordSince != "" {
			since, err := parseSince(recordSince, time.Now())
			if err != nil {
				return err
			}
			records = filterSince(records, since)
		}
		if recordLimit > 0 && len(records) > recordLimit {
			records = records[:recordLimit]
		}
		if records == nil {
			records = []ledger.Record{}
		}

		return render(cmd.OutOrStdout(), records, func(w io.Writer) error {
			if len(records) == 0 {
				_, err := fmt.Fprintf(w, "No %s records\n", store.Name())
				return err
			}
			headers, rows := recordTable(records)
			return renderTable(w, headers, rows)
		})
	},
}

var recordAddCmd = &cobra.Command{
	Use:   "add <income|expenses> [key=value...]",
	Short: "Add a record, or replace the one with the same id",
	Long: `Add a record built from key=value pairs or a --json object.

Values that parse as JSON (numbers, true/false, quoted strings) keep their
type; anything else is stored as a string. A record whose id matches an
existing one replaces it; otherwise a new id is assigned.

Example:
  ledger record add expenses amount=12.50 category=food date=2024-03-01
  ledger record add income --json '{"amount": 1200, "source": "client"}'`,
	Args:              cobra.MinimumNArgs(1),
	ValidArgsFunction: collectionArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := buildPayload(args[1:], recordJSON)
		if err != nil {
			return err
		}

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		store, err := a.store(args[0])
		if err != nil {
			return err
		}
		if err := store.Init(); err != nil {
			return err
		}

		saved, err := store.Upsert(payload)
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), saved, func(w io.Writer) error {
			id, _ := saved.ID()
			_, err := fmt.Fprintf(w, "%s Saved %s record %s\n", paint(okStyle, "✓"), store.Name(), paint(accentStyle, strconv.FormatInt(id, 10)))
			return err
		})
	},
}

var recordDeleteCmd = &cobra.Command{
	Use:               "delete <income|expenses> <id>",
	Short:             "Delete every record with the given id",
	Args:              cobra.ExactArgs(2),
	ValidArgsFunction: collectionArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid id %q", args[1])
		}

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		store, err := a.store(args[0])
		if err != nil {
			return err
		}
		if err := store.Delete(id); err != nil {
			return fmt.Errorf("%s record %d: %w", store.Name(), id, err)
		}
		return render(cmd.OutOrStdout(), map[string]bool{"success": true}, func(w io.Writer) error {
			_, err := fmt.Fprintf(w, "%s Deleted %s record %d\n", paint(okStyle, "✓"), store.Name(), id)
			return err
		})
	},
}

func init() {
	recordListCmd.Flags().StringVar(&recordSince, "since", "", `only records dated on or after this (e.g. "2024-01-01", "last month")`)
	recordListCmd.Flags().IntVarP(&recordLimit, "limit", "n", 0, "show at most n records (0 for all)")
	recordAddCmd.Flags().StringVar(&recordJSON, "json", "", "record as a JSON object; key=value pairs are applied on top")

	recordCmd.AddCommand(recordListCmd, recordAddCmd, recordDeleteCmd)
	rootCmd.AddCommand(recordCmd)
}

// parseSince reads an absolute date or a natural-language phrase relative to now
func parseSince(text string, now time.Time) (time.Time, error) {
	if t, ok := ledger.CoerceTime(text); ok {
		return t, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	r, err := w.Parse(text, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: %w", text, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: not a date", text)
	}
	return r.Time, nil
}

// filterSince keeps records whose sort key is at or after since
func filterSince(records []ledger.Record, since time.Time) []ledger.Record {
	var out []ledger.Record
	for _, r := range records {
		if at, ok := ledger.SortKey(r); ok && !at.Before(since) {
			out = append(out, r)
		}
	}
	return out
}

// buildPayload merges a JSON object with key=value assignments
func buildPayload(assignments []string, rawJSON string) (ledger.Record, error) {
	payload := ledger.Record{}
	if rawJSON != "" {
		dec := json.NewDecoder(strings.NewReader(rawJSON))
		dec.UseNumber()
		if err := dec.Decode(&payload); err != nil {
			return nil, fmt.Errorf("invalid --json: %w", err)
		}
		if payload == nil {
			payload = ledger.Record{}
		}
	}

	for _, a := range assignments {
		key, value, ok := strings.Cut(a, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid field %q (want key=value)", a)
		}
		payload[key] = parseValue(value)
	}

	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: no fields given", ledger.ErrInvalidPayload)
	}
	return payload, nil
}

// parseValue keeps JSON scalars typed and falls back to the raw string
func parseValue(s string) any {
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return s
	}
	switch v.(type) {
	case json.Number, bool, string:
		return v
	default:
		return s
	}
}

// preferredColumns lead the table in this order when present
var preferredColumns = []string{ledger.IDField, "date", "amount", "category", "description"}

func recordTable(records []ledger.Record) ([]string, [][]string) {
	seen := map[string]bool{}
	var extra []string
	for _, r := range records {
		for k := range r {
			if !seen[k] {
				seen[k] = true
				extra = append(extra, k)
			}
		}
	}

	var headers []string
	for _, c := range preferredColumns {
		if seen[c] {
			headers = append(headers, c)
			delete(seen, c)
		}
	}
	sort.Strings(extra)
	for _, k := range extra {
		if seen[k] {
			headers = append(headers, k)
		}
	}

	rows := make([][]string, len(records))
	for i, r := range records {
		row := make([]string, len(headers))
		for j, h := range headers {
			if v, ok := r[h]; ok && v != nil {
				row[j] = cellText(v)
			}
		}
		rows[i] = row
	}
	return headers, rows
}

func cellText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(data)
	}
}
