package cmd

import (
	"io"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"golang.org/x/term"
)

// newTable returns a rounded table writing to w with highlighted headers.
func newTable(w io.Writer, headers ...string) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)

	row := make(table.Row, len(headers))
	for i, h := range headers {
		row[i] = text.FgHiCyan.Sprint(h)
	}
	t.AppendHeader(row)
	return t
}

// isTerminal reports whether f is attached to a terminal.
var isTerminal = func(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// startSpinner shows progress on stderr for a long-running step. It returns
// a stop function that prints final, if non-empty. Nothing is shown with
// --quiet or when stderr is not a terminal.
func startSpinner(suffix string) func(final string) {
	if quiet || !isTerminal(os.Stderr) {
		return func(string) {}
	}
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
	s.Suffix = " " + suffix
	s.Start()
	return func(final string) {
		if final != "" {
			s.FinalMSG = final + "\n"
		}
		s.Stop()
	}
}

// outcomeColor highlights a step or check outcome.
func outcomeColor(s string) string {
	switch s {
	case "applied", "ok", "issued":
		return text.FgGreen.Sprint(s)
	case "already-satisfied", "self-signed":
		return text.FgHiBlack.Sprint(s)
	case "warning", "renewal-due", "requesting":
		return text.FgYellow.Sprint(s)
	default:
		return text.FgRed.Sprint(s)
	}
}
