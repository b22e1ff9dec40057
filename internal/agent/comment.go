package agent

import (
	"fmt"
	"strings"

	"github.com/ShayCichocki/critic/pkg/models"
)

// Tone is the register of a rendered comment.
type Tone string

const (
	ToneAssertive   Tone = "assertive"
	ToneSuggestive  Tone = "suggestive"
	ToneQuestioning Tone = "questioning"
)

// ToneFor picks the tone for a confidence value.
func ToneFor(confidence float64) Tone {
	switch {
	case confidence > 0.9:
		return ToneAssertive
	case confidence > 0.7:
		return ToneSuggestive
	default:
		return ToneQuestioning
	}
}

var tonePrefix = map[Tone]string{
	ToneAssertive:   "",
	ToneSuggestive:  "This looks like a problem: ",
	ToneQuestioning: "Could this be an issue? ",
}

// categoryHeadings maps a finding category to its comment heading.
// Categories not listed use the general heading.
var categoryHeadings = map[string]string{
	"security":    "Security risk",
	"logic":       "Logic error",
	"performance": "Performance",
	"style":       "Code style",
	"general":     "Code review",
}

// RenderComment renders the reviewer-facing text of f.
func RenderComment(f models.Finding) string {
	heading, ok := categoryHeadings[f.Category]
	if !ok {
		heading = categoryHeadings["general"]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**%s** (%s): %s%s", heading, f.Severity, tonePrefix[ToneFor(f.Confidence)], f.Message)
	if f.Suggestion != "" {
		fmt.Fprintf(&b, "\n\n**Suggestion**: %s", f.Suggestion)
	}
	return b.String()
}
