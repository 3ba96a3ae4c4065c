// Package output renders fcrelease results on the terminal.
//
// [Printer] formats step progress, the status table of a release and the
// summary of a run using lipgloss styles. Colors are chosen by the renderer
// for the writer, so output written to a file or buffer stays plain.
package output

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// Row is one line of the status table.
type Row struct {
	Step   string
	Branch string
	Status string
	Detail string
}

// Summary describes the outcome of a run.
type Summary struct {
	ReleaseID    string
	Done         int
	Skipped      int
	Failed       int
	FirstFailure string
	Interrupted  bool
	Duration     time.Duration
}

type styles struct {
	header  lipgloss.Style
	label   lipgloss.Style
	dim     lipgloss.Style
	done    lipgloss.Style
	skipped lipgloss.Style
	failed  lipgloss.Style
	pending lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) styles {
	return styles{
		header:  r.NewStyle().Bold(true).Foreground(lipgloss.Color("51")),
		label:   r.NewStyle().Foreground(lipgloss.Color("45")),
		dim:     r.NewStyle().Foreground(lipgloss.Color("245")),
		done:    r.NewStyle().Foreground(lipgloss.Color("46")).Bold(true),
		skipped: r.NewStyle().Foreground(lipgloss.Color("226")),
		failed:  r.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
		pending: r.NewStyle().Foreground(lipgloss.Color("245")),
	}
}

// Printer writes formatted output.
type Printer struct {
	out    io.Writer
	styles styles
}

// NewPrinter returns a Printer writing to stdout.
func NewPrinter() *Printer {
	return NewPrinterWithWriter(os.Stdout)
}

// NewPrinterWithWriter returns a Printer writing to w.
func NewPrinterWithWriter(w io.Writer) *Printer {
	return &Printer{out: w, styles: newStyles(lipgloss.NewRenderer(w))}
}

// Header prints a section title.
func (p *Printer) Header(title string) {
	fmt.Fprintln(p.out, p.styles.header.Render(title))
}

// Field prints a labelled value.
func (p *Printer) Field(label, value string) {
	fmt.Fprintf(p.out, "%s %s\n", p.styles.label.Render(label+":"), value)
}

// Info prints a plain line.
func (p *Printer) Info(format string, args ...any) {
	fmt.Fprintf(p.out, format+"\n", args...)
}

// Hint prints a dimmed line.
func (p *Printer) Hint(format string, args ...any) {
	fmt.Fprintln(p.out, p.styles.dim.Render(fmt.Sprintf(format, args...)))
}

// StepStart announces an action before it runs.
func (p *Printer) StepStart(index, total int, action string) {
	fmt.Fprintf(p.out, "%s %s\n", p.styles.dim.Render(fmt.Sprintf("[%d/%d]", index, total)), action)
}

// StepResult reports the recorded outcome of an action.
func (p *Printer) StepResult(action, status, detail string, d time.Duration) {
	line := fmt.Sprintf("  %s %s", p.Status(status), action)
	if d > 0 {
		line += " " + p.styles.dim.Render("("+d.Round(time.Millisecond).String()+")")
	}
	if detail != "" {
		line += ": " + detail
	}
	fmt.Fprintln(p.out, line)
}

// Status renders a step status in its color.
func (p *Printer) Status(status string) string {
	switch status {
	case "done":
		return p.styles.done.Render(status)
	case "skipped":
		return p.styles.skipped.Render(status)
	case "failed":
		return p.styles.failed.Render(status)
	default:
		return p.styles.pending.Render(status)
	}
}

// Table prints rows as aligned columns.
func (p *Printer) Table(rows []Row) {
	if len(rows) == 0 {
		return
	}

	stepWidth, branchWidth, statusWidth := len("STEP"), len("BRANCH"), len("STATUS")
	for _, r := range rows {
		stepWidth = max(stepWidth, len(r.Step))
		branchWidth = max(branchWidth, len(r.Branch))
		statusWidth = max(statusWidth, len(r.Status))
	}

	cell := func(text string, width int) string {
		return text + strings.Repeat(" ", width+2-lipgloss.Width(text))
	}

	fmt.Fprintln(p.out, p.styles.dim.Render(
		cell("STEP", stepWidth)+cell("BRANCH", branchWidth)+cell("STATUS", statusWidth)+"DETAIL"))
	for _, r := range rows {
		line := cell(r.Step, stepWidth) + cell(r.Branch, branchWidth) + cell(p.Status(r.Status), statusWidth) + r.Detail
		fmt.Fprintln(p.out, strings.TrimRight(line, " "))
	}
}

// Summary prints the totals of a run.
func (p *Printer) Summary(s Summary) {
	parts := []string{
		p.styles.done.Render(fmt.Sprintf("%d done", s.Done)),
		p.styles.skipped.Render(fmt.Sprintf("%d skipped", s.Skipped)),
		p.styles.failed.Render(fmt.Sprintf("%d failed", s.Failed)),
	}
	line := fmt.Sprintf("Release %s: %s", s.ReleaseID, strings.Join(parts, ", "))
	if s.Duration > 0 {
		line += " " + p.styles.dim.Render("in "+s.Duration.Round(time.Second).String())
	}
	fmt.Fprintln(p.out, line)

	if s.FirstFailure != "" {
		fmt.Fprintf(p.out, "%s %s\n", p.styles.failed.Render("first failure:"), s.FirstFailure)
	}
	if s.Interrupted {
		fmt.Fprintln(p.out, p.styles.skipped.Render("interrupted, run again to resume"))
	}
}
