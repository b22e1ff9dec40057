package agent

import (
	"fmt"
	"strings"

	"github.com/ShayCichocki/critic/internal/conversation"
	"github.com/ShayCichocki/critic/internal/diff"
	"github.com/ShayCichocki/critic/pkg/models"
)

const issueSchema = `{
  "issues": [
    {
      "line_number": <line>,
      "severity": "error|warning|info",
      "category": "logic|performance|security|style|best_practices",
      "message": "<what is wrong>",
      "suggestion": "<how to fix it>",
      "confidence": 0.8
    }
  ]%s
}`

const lineRules = `Line number rules:
- line_number must be a line marked ">>>" in the full file listing.
- Prefer the line that causes a problem over the line that suffers from it:
  control statements over their bodies, declarations over their contents,
  definitions over uses, allocation over release.
- If the cause is on an unchanged line, pick the closest related changed line.

Confidence: 0.9-1.0 for clear bugs or vulnerabilities, 0.7-0.9 for likely
problems, 0.5-0.7 for possible problems, below 0.5 for suggestions.`

func systemPrompt(unit models.WorkUnit, level SeverityLevel) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are a code reviewer analyzing a change to a %s file over several turns.\n", unit.Language)
	b.WriteString("You perform an initial analysis, ask clarifying questions when something is unclear, and then give a consolidated review.\n\n")
	fmt.Fprintf(&b, "Review strictness: %s\n", level)
	fmt.Fprintf(&b, "File: %s\n", unit.Path)
	if unit.Title != "" {
		fmt.Fprintf(&b, "Change title: %s\n", unit.Title)
	}
	b.WriteString("\nReport only problems that need fixing. Never report good practice or praise. Always answer with JSON when JSON is requested.")
	return b.String()
}

func codeContext(unit models.WorkUnit) string {
	var b strings.Builder
	b.WriteString("## File\n")
	fmt.Fprintf(&b, "Path: %s\nLanguage: %s\nChanged lines: %d\n", unit.Path, unit.Language, unit.ChangedLineCount())
	if unit.Description != "" {
		fmt.Fprintf(&b, "Change description: %s\n", unit.Description)
	}
	if unit.Diff != "" {
		fmt.Fprintf(&b, "\n## Diff\n```diff\n%s\n```\n", strings.TrimRight(unit.Diff, "\n"))
	}
	fmt.Fprintf(&b, "\n## Full file (changed lines marked >>>)\n```%s\n%s```\n", unit.Language, diff.AnnotateChanged(unit))
	return b.String()
}

func initialAnalysisPrompt() string {
	return fmt.Sprintf(`Analyze the change above. Report only code that needs to improve, focusing on:
1. Bugs and logic errors
2. Security risks
3. Performance problems and resource leaks
4. Violations of established practice
5. Style problems

If the code has no problems, return an empty issues array. If you need more
information to judge something, say so in notes.

Respond with JSON:
%s

%s`, fmt.Sprintf(issueSchema, `,
  "notes": "<what you would need to know>"`), lineRules)
}

func questionGenerationPrompt(limit int) string {
	return fmt.Sprintf(`Based on your initial analysis, list at most %d questions whose answers
would make the review more accurate. Each question has:
- question_id: unique identifier
- question_text: the question
- question_type: clarification, detail_request or confirmation
- priority: 1 (most important) to 5

Respond with JSON: {"questions": [...]}
If nothing needs clarifying, reply with %s.`, limit, conversation.DoneMarker)
}

func questionPrompt(q question) string {
	return fmt.Sprintf(`Investigate this question against the code above:

%s

Answer from the code itself. If the answer reveals new problems, include them
as JSON in the same shape as before. If there is nothing more to examine,
end your answer with %s.`, q.Text, conversation.DoneMarker)
}

func consolidationPrompt(notes string, found int) string {
	var b strings.Builder
	b.WriteString("Using the whole conversation, give the final review of this change.\n\n")
	if notes != "" {
		fmt.Fprintf(&b, "Open notes from the initial analysis: %s\n", notes)
	}
	fmt.Fprintf(&b, "Issues found so far: %d\n\n", found)
	b.WriteString("Report only confirmed problems. Return an empty issues array if the change is sound.\n\n")
	fmt.Fprintf(&b, "Respond with JSON:\n%s\n\n%s", fmt.Sprintf(issueSchema, `,
  "recommendations": ["<improvement>"],
  "confidence": 0.8`), lineRules)
	return b.String()
}
