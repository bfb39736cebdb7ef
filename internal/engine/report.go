package engine

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/alexisbeaulieu97/stagehand/internal/dryrun"
	"github.com/alexisbeaulieu97/stagehand/internal/stage"
)

// RunReport summarises one pipeline run.
type RunReport struct {
	RunID      string
	Pipeline   string
	Mode       stage.Mode
	State      State
	Results    []stage.Result
	HookErrors []HookError
	Started    time.Time
	Finished   time.Time
}

func (r *RunReport) skipRemaining(ids []string, reason string) {
	for _, id := range ids {
		r.Results = append(r.Results, stage.Skipped(id, reason))
	}
}

// Succeeded reports whether the run completed without a failed stage.
func (r *RunReport) Succeeded() bool {
	return r != nil && r.State == StateCompleted && len(r.Failed()) == 0
}

// Failed returns the failed stage results.
func (r *RunReport) Failed() []stage.Result {
	if r == nil {
		return nil
	}
	var failed []stage.Result
	for _, result := range r.Results {
		if result.IsFailure() {
			failed = append(failed, result)
		}
	}
	return failed
}

// Result returns the result recorded for stageID.
func (r *RunReport) Result(stageID string) (stage.Result, bool) {
	if r == nil {
		return stage.Result{}, false
	}
	for _, result := range r.Results {
		if result.StageID == stageID {
			return result, true
		}
	}
	return stage.Result{}, false
}

// Duration is the wall time between start and finish.
func (r *RunReport) Duration() time.Duration {
	if r == nil || r.Finished.IsZero() {
		return 0
	}
	return r.Finished.Sub(r.Started)
}

// DryRunTrailer closes every dry-run report.
const DryRunTrailer = "To execute these changes, run the same command without the --dry-run flag."

// ReportStyle decorates the sections of a rendered report.
type ReportStyle struct {
	Title   lipgloss.Style
	Section lipgloss.Style
	Op      lipgloss.Style
	Note    lipgloss.Style
	Failure lipgloss.Style
	Warning lipgloss.Style
	Summary lipgloss.Style
}

// PlainStyle renders text unchanged.
func PlainStyle() ReportStyle {
	plain := lipgloss.NewStyle()
	return ReportStyle{Title: plain, Section: plain, Op: plain, Note: plain, Failure: plain, Warning: plain, Summary: plain}
}

// TerminalStyle colours the report for interactive output.
func TerminalStyle() ReportStyle {
	return ReportStyle{
		Title:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")),
		Section: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
		Op:      lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		Note:    lipgloss.NewStyle().Foreground(lipgloss.Color("244")),
		Failure: lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
		Warning: lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true),
		Summary: lipgloss.NewStyle().Bold(true),
	}
}

// StyleFor picks TerminalStyle when w is a terminal and PlainStyle otherwise.
func StyleFor(w io.Writer) ReportStyle {
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return TerminalStyle()
	}
	return PlainStyle()
}

// DryRunReport renders the simulation of pipeline as plain text.
func DryRunReport(pipeline *stage.Pipeline, ops *dryrun.Context, results []stage.Result) string {
	return RenderDryRunReport(pipeline, ops, results, PlainStyle())
}

// RenderDryRunReport renders one block per pipeline stage, then the summary,
// the conflicts and the trailer.
func RenderDryRunReport(pipeline *stage.Pipeline, ops *dryrun.Context, results []stage.Result, style ReportStyle) string {
	if ops == nil {
		ops = dryrun.NewContext()
	}
	byStage := make(map[string]stage.Result, len(results))
	for _, result := range results {
		byStage[result.StageID] = result
	}

	var ids []string
	if pipeline != nil {
		ids = pipeline.StageIDs()
	} else {
		ids = ops.Stages()
	}

	var b strings.Builder
	title := "Dry Run Results"
	if pipeline != nil && pipeline.Name() != "" {
		title = fmt.Sprintf("Dry Run Results: %s", pipeline.Name())
	}
	fmt.Fprintln(&b, style.Title.Render(title))
	fmt.Fprintln(&b, style.Title.Render(strings.Repeat("=", len(title))))

	for n, id := range ids {
		fmt.Fprintln(&b)
		fmt.Fprintln(&b, style.Section.Render(fmt.Sprintf("[%d] %s", n+1, id)))

		stageOps := ops.StageOperations(id)
		for _, op := range stageOps {
			fmt.Fprintln(&b, "  "+style.Op.Render(op.Description()))
			if p, ok := op.(dryrun.Previewer); ok && p.Preview() != "" {
				for _, line := range strings.Split(strings.TrimSuffix(p.Preview(), "\n"), "\n") {
					fmt.Fprintln(&b, "    "+style.Note.Render(line))
				}
			}
		}
		if note, ok := ops.NoteFor(id); ok {
			fmt.Fprintln(&b, "  "+style.Note.Render(note))
		}

		result, ran := byStage[id]
		switch {
		case ran && result.IsFailure():
			fmt.Fprintln(&b, "  "+style.Failure.Render("Simulated failure: "+result.Reason))
		case ran && result.IsSkipped() && result.Reason != ReasonNoDryRun:
			fmt.Fprintln(&b, "  "+style.Note.Render("Skipped: "+result.Reason))
		case len(stageOps) == 0 && !ran:
			fmt.Fprintln(&b, "  "+style.Note.Render("No operations recorded"))
		}
	}

	fmt.Fprintln(&b)
	fmt.Fprintln(&b, style.Summary.Render("Summary"))
	fmt.Fprintf(&b, "Total operations: %d\n", ops.Len())
	fmt.Fprintf(&b, "Total stages: %d\n", len(ids))
	fmt.Fprintf(&b, "Estimated disk usage: %d bytes\n", ops.EstimatedDiskUsage())
	fmt.Fprintf(&b, "Estimated duration: %s\n", ops.EstimatedDuration())

	if conflicts := ops.Conflicts(); len(conflicts) > 0 {
		fmt.Fprintln(&b, style.Warning.Render("WARNING: Potential conflicts detected!"))
		for _, conflict := range conflicts {
			fmt.Fprintln(&b, "  - "+conflict)
		}
	} else {
		fmt.Fprintln(&b, "No potential conflicts detected")
	}

	fmt.Fprintln(&b)
	fmt.Fprintln(&b, DryRunTrailer)
	return b.String()
}

// Summary renders the per-stage outcome of a live run.
func Summary(report *RunReport, style ReportStyle) string {
	if report == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintln(&b, style.Title.Render(fmt.Sprintf("Pipeline %s: %s", report.Pipeline, report.State)))
	for _, result := range report.Results {
		line := fmt.Sprintf("  %-40s %s", result.StageID, result.String())
		switch {
		case result.IsFailure():
			line = style.Failure.Render(line)
		case result.IsSkipped():
			line = style.Note.Render(line)
		default:
			line = style.Op.Render(line)
		}
		fmt.Fprintln(&b, line)
	}
	for _, hookErr := range report.HookErrors {
		fmt.Fprintln(&b, style.Warning.Render("  hook error: "+hookErr.Error()))
	}
	fmt.Fprintln(&b, style.Summary.Render(fmt.Sprintf("Completed in %s", report.Duration().Round(time.Millisecond))))
	return b.String()
}
