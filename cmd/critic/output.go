package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/ShayCichocki/critic/internal/orchestrator"
	"github.com/ShayCichocki/critic/pkg/models"
)

func printStatus(w io.Writer, symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Fprintf(w, "%s %s\n", c.Sprint(symbol), message)
}

// progressPrinter renders review progress events as status lines.
type progressPrinter struct {
	w     io.Writer
	paths map[string]string
}

func newProgressPrinter(w io.Writer) *progressPrinter {
	return &progressPrinter{w: w, paths: make(map[string]string)}
}

// Print writes one line for ev, or nothing for events with no operator value.
func (p *progressPrinter) Print(ev orchestrator.ProgressEvent) {
	for _, t := range ev.Tasks {
		p.paths[t.TaskID] = t.Path
	}
	path := p.paths[ev.TaskID]
	if path == "" {
		path = ev.TaskID
	}
	counter := fmt.Sprintf("[%d/%d]", ev.Done, ev.Total)

	switch ev.Type {
	case orchestrator.EventStateChanged:
		printStatus(p.w, "●", string(ev.State), color.FgCyan)
	case orchestrator.EventTaskStarted:
		printStatus(p.w, "▸", fmt.Sprintf("%s %s", counter, path), color.FgBlue)
	case orchestrator.EventTaskCompleted:
		msg := fmt.Sprintf("%s %s", counter, path)
		if ev.Remaining > 0 {
			msg += fmt.Sprintf(" (~%s left)", formatDuration(ev.Remaining))
		}
		printStatus(p.w, "✓", msg, color.FgGreen)
	case orchestrator.EventTaskFailed:
		printStatus(p.w, "✗", fmt.Sprintf("%s %s: %s", counter, path, ev.Message), color.FgRed)
	case orchestrator.EventTaskSkipped:
		printStatus(p.w, "⚠", fmt.Sprintf("%s %s skipped", counter, path), color.FgYellow)
	case orchestrator.EventEffectPublished:
		printStatus(p.w, "↑", ev.Message, color.FgGreen)
	case orchestrator.EventEffectWithheld:
		printStatus(p.w, "⊘", ev.Message, color.FgYellow)
	case orchestrator.EventReviewDone:
		attr := color.FgGreen
		if ev.State != orchestrator.StateCompleted {
			attr = color.FgRed
		}
		printStatus(p.w, "■", fmt.Sprintf("%s in %s", ev.State, formatDuration(ev.Elapsed)), attr)
	}
}

var severityColors = map[models.Severity]color.Attribute{
	models.SeverityError:      color.FgRed,
	models.SeverityWarning:    color.FgYellow,
	models.SeverityInfo:       color.FgCyan,
	models.SeveritySuggestion: color.FgWhite,
}

func severityColor(s models.Severity) color.Attribute {
	if attr, ok := severityColors[s]; ok {
		return attr
	}
	return color.FgWhite
}

// printReport writes a human-readable report.
func printReport(w io.Writer, r *models.AnalysisReport) {
	bold := color.New(color.Bold)
	bold.Fprintf(w, "\nReview %s (%s)\n", r.ReviewID, r.ChangeSetID)
	if r.Incomplete {
		msg := "Report is incomplete"
		if r.AbortReason != "" {
			msg += ": " + r.AbortReason
		}
		printStatus(w, "⚠", msg, color.FgYellow)
	}

	for _, u := range r.Units {
		if len(u.Findings) == 0 {
			continue
		}
		bold.Fprintf(w, "\n%s\n", u.Path)
		for _, f := range u.Findings {
			sev := color.New(severityColor(f.Severity)).Sprintf("%-10s", f.Severity)
			fmt.Fprintf(w, "  %4d  %s %s: %s\n", f.Line, sev, f.Category, f.Message)
			if f.Suggestion != "" {
				fmt.Fprintf(w, "        → %s\n", f.Suggestion)
			}
		}
	}

	if len(r.Failures) > 0 {
		bold.Fprintln(w, "\nNot reviewed:")
		for _, f := range r.Failures {
			fmt.Fprintf(w, "  %s (%s): %s\n", f.Path, f.Category, f.Summary)
		}
	}

	fmt.Fprintf(w, "\n%s\n", summaryLine(r))
}

func summaryLine(r *models.AnalysisReport) string {
	var parts []string
	for _, sev := range []models.Severity{
		models.SeverityError, models.SeverityWarning, models.SeverityInfo, models.SeveritySuggestion,
	} {
		if n := r.Stats.BySeverity[sev]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, sev))
		}
	}
	findings := "no findings"
	if len(parts) > 0 {
		findings = strings.Join(parts, ", ")
	}
	return fmt.Sprintf("%d findings (%s), %d duplicates folded, %d/%d tasks completed in %s",
		r.Stats.Total, findings, r.Stats.Duplicates,
		r.Stats.TasksCompleted, r.Stats.TasksCompleted+r.Stats.TasksFailed,
		formatDuration(r.Stats.Elapsed))
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if m > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dh", h)
}
