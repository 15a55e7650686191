package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
)

var (
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true)
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

// colorEnabled is set once: styles only apply when stdout is a terminal
var colorEnabled = isTerminal(os.Stdout)

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

func paint(style lipgloss.Style, s string) string {
	if !colorEnabled {
		return s
	}
	return style.Render(s)
}

// render writes v as JSON or YAML, or calls text for the text format
func render(w io.Writer, v any, text func(io.Writer) error) error {
	switch outputFormat {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		enc.SetEscapeHTML(false)
		return enc.Encode(v)
	case formatYAML:
		return writeYAML(w, v)
	default:
		return text(w)
	}
}

// writeYAML encodes v through its JSON form so json tags and marshalers apply
func writeYAML(w io.Writer, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return err
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(yamlNumbers(generic)); err != nil {
		return err
	}
	return enc.Close()
}

// yamlNumbers replaces json.Number values with ints or floats
func yamlNumbers(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			t[k] = yamlNumbers(e)
		}
	case []any:
		for i, e := range t {
			t[i] = yamlNumbers(e)
		}
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	}
	return v
}

// renderTable draws a bordered table; borders are dropped off-terminal
func renderTable(w io.Writer, headers []string, rows [][]string) error {
	t := table.New().
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	if colorEnabled {
		t = t.Border(lipgloss.RoundedBorder()).BorderStyle(mutedStyle)
	} else {
		t = t.Border(lipgloss.HiddenBorder())
	}
	_, err := fmt.Fprintln(w, t.Render())
	return err
}
