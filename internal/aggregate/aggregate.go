// Package aggregate merges agent results into one deduplicated report.
//
// Aggregation is a pure function of its input: the same set of results, in
// any arrival order, yields a byte-identical report.
package aggregate

import (
	"fmt"
	"log"
	"math"
	"sort"
	"time"

	"github.com/ShayCichocki/critic/pkg/models"
)

// Input is everything a report is built from.
type Input struct {
	ReviewID  string
	ChangeSet *models.ChangeSet
	// Tasks are the decomposed tasks; findings must trace back to one of them.
	Tasks []models.AnalysisTask
	// Results are terminal agent results. Only COMPLETED results contribute findings.
	Results []models.AgentAnalysisResult
	// Failures are tasks that did not complete.
	Failures    []models.TaskFailure
	Incomplete  bool
	AbortReason string
	Elapsed     time.Duration
}

// DedupKey identifies findings that describe the same issue.
func DedupKey(f models.Finding) string {
	return fmt.Sprintf("%s:%d:%s", f.Path, f.Line, f.Category)
}

// Aggregate builds the report for in.
func Aggregate(in Input) models.AnalysisReport {
	report := models.AnalysisReport{
		ReviewID:    in.ReviewID,
		Incomplete:  in.Incomplete,
		AbortReason: in.AbortReason,
	}
	units := make(map[string]models.WorkUnit)
	if in.ChangeSet != nil {
		report.ChangeSetID = in.ChangeSet.ID
		for _, u := range in.ChangeSet.Units {
			units[u.ID] = u
		}
	}
	tasks := make(map[string]models.AnalysisTask, len(in.Tasks))
	for _, t := range in.Tasks {
		tasks[t.ID] = t
	}

	best := make(map[string]models.Finding)
	reported := make(map[string]bool)
	considered := 0
	completed := 0
	for _, res := range in.Results {
		if res.FinalState != models.AgentStateCompleted {
			continue
		}
		task, ok := tasks[res.TaskID]
		if !ok || task.Unit.ID != res.WorkUnitID {
			report.Stats.Rejected += len(res.Findings)
			continue
		}
		unit, ok := units[task.Unit.ID]
		if !ok || unit.ChangeSetID != report.ChangeSetID {
			report.Stats.Rejected += len(res.Findings)
			continue
		}
		completed++
		reported[unit.ID] = true

		for _, f := range res.Findings {
			if f.AgentSessionID != res.SessionID || f.TaskID != task.ID || f.WorkUnitID != unit.ID || f.Path != unit.Path {
				report.Stats.Rejected++
				continue
			}
			considered++
			f.DedupKey = DedupKey(f)
			if cur, ok := best[f.DedupKey]; !ok || wins(f, cur) {
				best[f.DedupKey] = f
			}
		}
	}
	if report.Stats.Rejected > 0 {
		log.Printf("[aggregate] review %s: rejected %d findings with unresolvable provenance", in.ReviewID, report.Stats.Rejected)
	}

	byUnit := make(map[string][]models.Finding)
	for _, f := range best {
		byUnit[f.WorkUnitID] = append(byUnit[f.WorkUnitID], f)
	}
	for id := range reported {
		unit := units[id]
		findings := byUnit[id]
		sortFindings(findings)
		if findings == nil {
			findings = []models.Finding{}
		}
		report.Units = append(report.Units, models.UnitReport{
			WorkUnitID: id,
			Path:       unit.Path,
			Findings:   findings,
		})
	}
	sort.Slice(report.Units, func(i, j int) bool {
		if report.Units[i].Path != report.Units[j].Path {
			return report.Units[i].Path < report.Units[j].Path
		}
		return report.Units[i].WorkUnitID < report.Units[j].WorkUnitID
	})

	report.Failures = append([]models.TaskFailure(nil), in.Failures...)
	sort.Slice(report.Failures, func(i, j int) bool {
		if report.Failures[i].Path != report.Failures[j].Path {
			return report.Failures[i].Path < report.Failures[j].Path
		}
		return report.Failures[i].TaskID < report.Failures[j].TaskID
	})

	report.Stats = stats(report, considered, completed, len(in.Failures), in.Elapsed)
	return report
}

// wins reports whether a should replace b as the representative of their
// dedup key: higher severity, then higher confidence, then the smaller
// session ID. Message and ID settle findings from the same session.
func wins(a, b models.Finding) bool {
	if a.Severity.Rank() != b.Severity.Rank() {
		return a.Severity.Rank() > b.Severity.Rank()
	}
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	if a.AgentSessionID != b.AgentSessionID {
		return a.AgentSessionID < b.AgentSessionID
	}
	if a.Message != b.Message {
		return a.Message < b.Message
	}
	return a.ID < b.ID
}

func sortFindings(fs []models.Finding) {
	sort.Slice(fs, func(i, j int) bool {
		a, b := fs[i], fs[j]
		if a.Severity.Rank() != b.Severity.Rank() {
			return a.Severity.Rank() > b.Severity.Rank()
		}
		if a.Line != b.Line {
			return a.Line < b.Line
		}
		if a.Category != b.Category {
			return a.Category < b.Category
		}
		if a.AgentSessionID != b.AgentSessionID {
			return a.AgentSessionID < b.AgentSessionID
		}
		return a.ID < b.ID
	})
}

func stats(r models.AnalysisReport, considered, completed, failed int, elapsed time.Duration) models.ReportStats {
	s := models.ReportStats{
		BySeverity:     make(map[models.Severity]int),
		TasksCompleted: completed,
		TasksFailed:    failed,
		Elapsed:        elapsed,
		Rejected:       r.Stats.Rejected,
	}
	sum := 0.0
	for _, u := range r.Units {
		for _, f := range u.Findings {
			s.Total++
			s.BySeverity[f.Severity]++
			sum += f.Confidence
		}
	}
	if s.Total > 0 {
		s.MeanConfidence = math.Round(sum/float64(s.Total)*10000) / 10000
	}
	s.Duplicates = considered - s.Total
	return s
}
