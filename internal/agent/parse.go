package agent

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/ShayCichocki/critic/internal/conversation"
	"github.com/ShayCichocki/critic/pkg/models"
)

const (
	defaultIssueConfidence  = 0.8
	defaultResultConfidence = 0.8
	fallbackConfidence      = 0.5
	fallbackNotesLen        = 500
)

// issue is one problem as reported by the backend.
type issue struct {
	Line       lineNumber `json:"line_number"`
	Severity   string     `json:"severity"`
	Category   string     `json:"category"`
	Message    string     `json:"message"`
	Suggestion string     `json:"suggestion"`
	Confidence *float64   `json:"confidence"`
}

func (i issue) severity() models.Severity {
	if i.Severity == "" {
		return models.SeverityInfo
	}
	return models.ParseSeverity(strings.ToLower(strings.TrimSpace(i.Severity)))
}

func (i issue) category() string {
	c := strings.ToLower(strings.TrimSpace(i.Category))
	if c == "" {
		return "general"
	}
	return c
}

func (i issue) confidence() float64 {
	if i.Confidence == nil {
		return defaultIssueConfidence
	}
	return clamp01(*i.Confidence)
}

// finding converts the issue into a finding on unit. Lines outside the new
// content are reported at file level.
func (i issue) finding(unit models.WorkUnit) models.Finding {
	line := int(i.Line)
	if line < 0 || line > strings.Count(unit.Content, "\n")+1 {
		line = 0
	}
	return models.Finding{
		Path:       unit.Path,
		Line:       line,
		Severity:   i.severity(),
		Category:   i.category(),
		Message:    strings.TrimSpace(i.Message),
		Suggestion: strings.TrimSpace(i.Suggestion),
		Confidence: i.confidence(),
	}
}

// lineNumber accepts both numbers and numeric strings.
type lineNumber int

func (l *lineNumber) UnmarshalJSON(data []byte) error {
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		*l = lineNumber(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		*l = 0
		return nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		v = 0
	}
	*l = lineNumber(v)
	return nil
}

// analysis is the parsed payload of an analysis or consolidation turn.
type analysis struct {
	Issues          []issue
	Notes           string
	Confidence      *float64
	Recommendations []string

	// parsed is false when the reply carried no usable JSON.
	parsed bool
}

func (a analysis) confidence() float64 {
	if a.Confidence == nil {
		return defaultResultConfidence
	}
	return clamp01(*a.Confidence)
}

type analysisPayload struct {
	Issues          []issue           `json:"issues"`
	Notes           string            `json:"notes"`
	Confidence      *float64          `json:"confidence"`
	Recommendations []json.RawMessage `json:"recommendations"`
}

// parseAnalysis decodes a reply. Replies without JSON fall back to no
// issues, confidence 0.5 and the leading text as notes.
func parseAnalysis(text string) analysis {
	var p analysisPayload
	if err := conversation.ParseJSON(text, &p); err != nil {
		notes := text
		if len(notes) > fallbackNotesLen {
			notes = notes[:fallbackNotesLen]
		}
		c := fallbackConfidence
		return analysis{Notes: notes, Confidence: &c}
	}
	return analysis{
		Issues:          p.Issues,
		Notes:           p.Notes,
		Confidence:      p.Confidence,
		Recommendations: recommendations(p.Recommendations),
		parsed:          true,
	}
}

func recommendations(raw []json.RawMessage) []string {
	var out []string
	for _, r := range raw {
		var s string
		if err := json.Unmarshal(r, &s); err == nil {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
			continue
		}
		out = append(out, string(r))
	}
	return out
}

// question is one follow-up question produced by the generation turn.
type question struct {
	ID       string `json:"question_id"`
	Text     string `json:"question_text"`
	Type     string `json:"question_type"`
	Priority int    `json:"priority"`
}

// parseQuestions returns at most limit questions ordered by priority, where
// 1 is the most urgent. Questions whose text is in asked are skipped.
func parseQuestions(text string, limit int, asked map[string]bool) []question {
	var p struct {
		Questions []question `json:"questions"`
	}
	if err := conversation.ParseJSON(text, &p); err != nil {
		return nil
	}
	var out []question
	for _, q := range p.Questions {
		if len(out) == limit {
			break
		}
		q.Text = strings.TrimSpace(q.Text)
		if q.Text == "" || asked[q.Text] {
			continue
		}
		if q.ID == "" {
			q.ID = "q" + strconv.Itoa(len(out)+1)
		}
		if q.Priority <= 0 {
			q.Priority = 3
		}
		out = append(out, q)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority < out[j].Priority
	})
	return out
}

// probeQuestions are asked when the backend produced no usable questions.
func probeQuestions() []question {
	return []question{
		{ID: "logic", Text: "Walk through the control flow of the changed lines. Is any branch or early return wrong?", Priority: 1},
		{ID: "boundaries", Text: "Which boundary conditions (empty input, zero, nil, overflow, off-by-one) do the changed lines mishandle?", Priority: 2},
		{ID: "context", Text: "What assumptions do the changed lines make about their callers or surrounding code, and do they hold?", Priority: 3},
	}
}

func unasked(qs []question, asked map[string]bool) []question {
	var out []question
	for _, q := range qs {
		if !asked[q.Text] {
			out = append(out, q)
		}
	}
	return out
}

func mentionsUncertainty(notes string) bool {
	n := strings.ToLower(notes)
	return strings.Contains(n, "unclear") || strings.Contains(n, "need more context")
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
