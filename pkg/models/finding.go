package models

import "time"

// Severity is the severity of a finding.
type Severity string

const (
	// SeverityError is a defect that should block merging.
	SeverityError Severity = "error"
	// SeverityWarning is a probable problem.
	SeverityWarning Severity = "warning"
	// SeverityInfo is an observation worth reading.
	SeverityInfo Severity = "info"
	// SeveritySuggestion is an optional improvement.
	SeveritySuggestion Severity = "suggestion"
)

// Rank orders severities; higher is more severe. Unknown severities rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityError:
		return 4
	case SeverityWarning:
		return 3
	case SeverityInfo:
		return 2
	case SeveritySuggestion:
		return 1
	default:
		return 0
	}
}

// Valid returns true if the severity is a known value.
func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// ParseSeverity normalizes a backend-provided severity string.
// Unknown values become SeveritySuggestion.
func ParseSeverity(raw string) Severity {
	switch Severity(raw) {
	case SeverityError, SeverityWarning, SeverityInfo, SeveritySuggestion:
		return Severity(raw)
	case "critical", "high":
		return SeverityError
	case "medium":
		return SeverityWarning
	case "low":
		return SeverityInfo
	default:
		return SeveritySuggestion
	}
}

// Finding is one reviewable issue.
// Producer-written fields are never changed after creation; the aggregator
// only sets DedupKey.
type Finding struct {
	// ID is the finding identifier.
	ID string `json:"id"`
	// Path is the file the finding refers to.
	Path string `json:"path"`
	// Line is the 1-based line in the post-change file; 0 means file level.
	Line int `json:"line"`
	// Severity of the issue.
	Severity Severity `json:"severity"`
	// Category such as logic, security, performance, style.
	Category string `json:"category"`
	// Message is the rationale.
	Message string `json:"message"`
	// Suggestion is an optional fix.
	Suggestion string `json:"suggestion,omitempty"`
	// Confidence in [0, 1].
	Confidence float64 `json:"confidence"`
	// Comment is the rendered reviewer-facing text.
	Comment string `json:"comment,omitempty"`
	// AgentSessionID is the session that produced the finding.
	AgentSessionID string `json:"agent_session_id"`
	// TaskID is the task that session executed.
	TaskID string `json:"task_id"`
	// WorkUnitID is the unit the task analyzed.
	WorkUnitID string `json:"work_unit_id"`
	// DedupKey is set by the aggregator.
	DedupKey string `json:"dedup_key,omitempty"`
}

// AgentAnalysisResult is the output of one agent session.
type AgentAnalysisResult struct {
	// SessionID of the producing session.
	SessionID string `json:"session_id"`
	// TaskID of the analyzed task.
	TaskID string `json:"task_id"`
	// WorkUnitID of the analyzed unit.
	WorkUnitID string `json:"work_unit_id"`
	// Path of the analyzed unit.
	Path string `json:"path"`
	// FinalState is COMPLETED or ERROR.
	FinalState AgentState `json:"final_state"`
	// Findings produced by the session.
	Findings []Finding `json:"findings"`
	// Recommendations are free-form improvement notes.
	Recommendations []string `json:"recommendations,omitempty"`
	// Confidence is the session's overall confidence.
	Confidence float64 `json:"confidence"`
	// QuestionsAsked counts questioning turns.
	QuestionsAsked int `json:"questions_asked"`
	// Turns is the number of completed turns.
	Turns int `json:"turns"`
	// Degraded is true when a budget cut questioning short.
	Degraded bool `json:"degraded,omitempty"`
	// Interrupted is true when the review was cancelled mid-session.
	Interrupted bool `json:"interrupted,omitempty"`
	// Err is the failure for ERROR results.
	Err error `json:"-"`
}

// UnitReport holds the findings for one work unit.
type UnitReport struct {
	// WorkUnitID identifies the unit.
	WorkUnitID string `json:"work_unit_id"`
	// Path of the unit.
	Path string `json:"path"`
	// Findings ordered by severity, then line.
	Findings []Finding `json:"findings"`
}

// TaskFailure describes a task that did not complete.
type TaskFailure struct {
	// TaskID of the failed task.
	TaskID string `json:"task_id"`
	// WorkUnitID of the unit.
	WorkUnitID string `json:"work_unit_id"`
	// Path of the unit.
	Path string `json:"path"`
	// Category is the error category.
	Category ErrorCategory `json:"category"`
	// Summary is a human-readable explanation.
	Summary string `json:"summary"`
}

// ReportStats are aggregate statistics over a report.
type ReportStats struct {
	// Total is the number of findings.
	Total int `json:"total"`
	// BySeverity counts findings per severity.
	BySeverity map[Severity]int `json:"by_severity"`
	// MeanConfidence over all findings; 0 with no findings.
	MeanConfidence float64 `json:"mean_confidence"`
	// Duplicates is the number of findings folded by deduplication.
	Duplicates int `json:"duplicates"`
	// Rejected counts findings dropped for unresolvable provenance.
	Rejected int `json:"rejected,omitempty"`
	// TasksCompleted counts completed tasks.
	TasksCompleted int `json:"tasks_completed"`
	// TasksFailed counts failed or skipped tasks.
	TasksFailed int `json:"tasks_failed"`
	// Elapsed is the review wall time.
	Elapsed time.Duration `json:"elapsed"`
}

// AnalysisReport is the aggregated output of one review.
type AnalysisReport struct {
	// ReviewID identifies the review run.
	ReviewID string `json:"review_id"`
	// ChangeSetID identifies the change-set.
	ChangeSetID string `json:"change_set_id"`
	// Units ordered by path.
	Units []UnitReport `json:"units"`
	// Failures ordered by path.
	Failures []TaskFailure `json:"failures,omitempty"`
	// Stats summarises the findings.
	Stats ReportStats `json:"stats"`
	// Incomplete is true for cancelled or aborted reviews.
	Incomplete bool `json:"incomplete"`
	// AbortReason is set when the review was aborted.
	AbortReason string `json:"abort_reason,omitempty"`
}

// Findings returns all findings in report order.
func (r *AnalysisReport) Findings() []Finding {
	var out []Finding
	for _, u := range r.Units {
		out = append(out, u.Findings...)
	}
	return out
}
