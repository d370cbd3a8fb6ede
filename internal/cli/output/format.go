// Package output renders waflowctl results: tables for operators at a
// terminal, JSON or YAML for scripts. Every command takes -o to pick the
// encoding.
package output

import (
	"fmt"
	"io"
	"strings"
)

// Format selects the output encoding.
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// ParseFormat maps the -o flag value to a Format. Empty means table.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "table", "":
		return FormatTable, nil
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("invalid output format: %q (valid: table, json, yaml)", s)
	}
}

func (f Format) String() string {
	return string(f)
}

// Printer writes status lines, colored when the terminal supports it.
type Printer struct {
	out   io.Writer
	color bool
}

// NewPrinter creates a Printer. format is accepted for call-site symmetry
// with ParseFormat; status lines only ever print in table mode.
func NewPrinter(out io.Writer, _ Format, color bool) *Printer {
	return &Printer{out: out, color: color}
}

// Success prints msg in green.
func (p *Printer) Success(msg string) {
	if p.color {
		_, _ = fmt.Fprintf(p.out, "\033[32m%s\033[0m\n", msg)
		return
	}
	_, _ = fmt.Fprintln(p.out, msg)
}

// Error prints msg in red.
func (p *Printer) Error(msg string) {
	if p.color {
		_, _ = fmt.Fprintf(p.out, "\033[31m%s\033[0m\n", msg)
		return
	}
	_, _ = fmt.Fprintln(p.out, msg)
}
