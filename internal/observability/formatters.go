// Package observability provides formatted recipe output for the CLI.
package observability

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"

	"github.com/jonathan/recipe-agent/internal/pipeline"
	"github.com/jonathan/recipe-agent/internal/recipe"
)

const (
	// boxWidth is the default width for formatted output boxes
	boxWidth = 60
	// maxDetailWidth truncates progress details in tables
	maxDetailWidth = 48
)

// Printer renders recipes for people at a terminal and as plain
// tab-separated lines for everything else.
type Printer struct {
	out io.Writer
	tty bool
}

// NewPrinter creates a Printer that writes to out.
func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out, tty: isTerminal(out)}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// printBox prints a formatted box with a title and content
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) printBox(title string, content string) {
	border := strings.Repeat("─", boxWidth-2)
	fmt.Fprintf(p.out, "┌%s┐\n", border)
	fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, title)
	fmt.Fprintf(p.out, "├%s┤\n", border)

	for line := range strings.SplitSeq(content, "\n") {
		if len(line) > boxWidth-4 {
			line = line[:boxWidth-7] + "..."
		}
		fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, line)
	}

	fmt.Fprintf(p.out, "└%s┘\n", border)
}

// PrintRecipe outputs the status of a recipe.
//
//nolint:errcheck
func (p *Printer) PrintRecipe(r *recipe.Recipe) {
	if r == nil {
		return
	}

	fields := [][2]string{
		{"id", r.ID.String()},
		{"source", r.SourceURL},
		{"status", string(r.Status)},
		{"step", r.Step.String()},
		{"views", fmt.Sprint(r.ViewCount)},
		{"created", r.CreatedAt.Format(time.RFC3339)},
		{"updated", r.UpdatedAt.Format(time.RFC3339)},
	}

	if !p.tty {
		for _, f := range fields {
			fmt.Fprintf(p.out, "%s\t%s\n", f[0], f[1])
		}
		return
	}

	var sb strings.Builder
	for _, f := range fields {
		fmt.Fprintf(&sb, "%-9s %s\n", f[0]+":", f[1])
	}
	p.printBox("RECIPE", strings.TrimSuffix(sb.String(), "\n"))
}

// PrintProgress outputs the progress trail of a recipe in order.
//
//nolint:errcheck
func (p *Printer) PrintProgress(entries []recipe.ProgressEntry) {
	if !p.tty {
		for _, e := range entries {
			p.PrintEntry(e)
		}
		return
	}

	if len(entries) == 0 {
		fmt.Fprintln(p.out, "No progress recorded.")
		return
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"Seq", "Time", "Step", "Outcome", "Detail"})
	for _, e := range entries {
		tw.AppendRow(table.Row{e.Seq, e.CreatedAt.Local().Format(time.TimeOnly), e.Step.String(), outcomeText(e.Outcome), e.Detail})
	}
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignRight, AlignHeader: text.AlignLeft},
		{Number: 5, WidthMax: maxDetailWidth},
	})
	fmt.Fprintln(p.out, tw.Render())
}

// PrintEntry outputs a single progress entry as one line.
//
//nolint:errcheck
func (p *Printer) PrintEntry(e recipe.ProgressEntry) {
	outcome := string(e.Outcome)
	if p.tty {
		outcome = outcomeText(e.Outcome)
	}
	fmt.Fprintf(p.out, "%d\t%s\t%s\t%s\t%s\n", e.Seq, e.CreatedAt.Format(time.RFC3339), e.Step, outcome, e.Detail)
}

func outcomeText(o recipe.Outcome) string {
	switch o {
	case recipe.OutcomeSucceeded:
		return text.FgGreen.Sprint(string(o))
	case recipe.OutcomeFailed:
		return text.FgRed.Sprint(string(o))
	default:
		return text.FgYellow.Sprint(string(o))
	}
}

// PrintReport outputs the result of a reconciliation pass.
//
//nolint:errcheck
func (p *Printer) PrintReport(report pipeline.Report) {
	if !p.tty {
		fmt.Fprintf(p.out, "failed\t%d\ncompensated\t%d\nerrors\t%d\n", report.Failed, report.Compensated, report.Errors)
		return
	}
	p.printBox("RECONCILIATION", fmt.Sprintf("Stale recipes failed: %d\nCharges refunded:     %d\nErrors:               %d",
		report.Failed, report.Compensated, report.Errors))
}
