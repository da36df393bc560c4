package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/docker/go-units"
	"golang.org/x/term"

	"github.com/wippyai/wasm-sandbox/engine"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	funcStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	typeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// paint renders s with style only when output is a terminal.
func paint(styled bool, style lipgloss.Style, s string) string {
	if !styled {
		return s
	}
	return style.Render(s)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func humanBytes(n int64) string {
	return units.BytesSize(float64(n))
}

// printResult writes an execution result in text form.
func printResult(w io.Writer, styled bool, res *engine.Result) {
	style := resultStyle
	if res.Outcome != engine.Completed {
		style = errorStyle
	}
	fmt.Fprintf(w, "%s %s\n", paint(styled, titleStyle, "outcome"), paint(styled, style, res.Outcome.String()))
	if res.Outcome == engine.Completed && res.ReturnValue != nil {
		fmt.Fprintf(w, "result:     %v\n", res.ReturnValue)
	}
	if res.Detail != "" {
		fmt.Fprintf(w, "detail:     %s\n", res.Detail)
	}
	fmt.Fprintf(w, "elapsed:    %s\n", res.Elapsed.Round(time.Microsecond))
	fmt.Fprintf(w, "host calls: %d\n", res.HostCallsConsumed)
	fmt.Fprintf(w, "module:     %s (cache hit: %t)\n", res.Hash, res.CacheHit)
	if len(res.Logs) > 0 {
		fmt.Fprintln(w, paint(styled, helpStyle, "--- log ---"))
		for _, l := range res.Logs {
			fmt.Fprintf(w, "[%d] %s\n", l.Seq, strings.TrimRight(l.Text, "\n"))
		}
	}
}
