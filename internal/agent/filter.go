package agent

import "github.com/ShayCichocki/critic/pkg/models"

// SeverityLevel selects which severities survive consolidation.
type SeverityLevel string

const (
	// SeverityStrict keeps errors, warnings and info.
	SeverityStrict SeverityLevel = "strict"
	// SeverityStandard keeps errors and warnings.
	SeverityStandard SeverityLevel = "standard"
	// SeverityRelaxed keeps errors only.
	SeverityRelaxed SeverityLevel = "relaxed"
)

var allowedSeverities = map[SeverityLevel]map[models.Severity]bool{
	SeverityStrict: {
		models.SeverityError:   true,
		models.SeverityWarning: true,
		models.SeverityInfo:    true,
	},
	SeverityStandard: {
		models.SeverityError:   true,
		models.SeverityWarning: true,
	},
	SeverityRelaxed: {
		models.SeverityError: true,
	},
}

// Valid returns true if the level is known.
func (l SeverityLevel) Valid() bool {
	_, ok := allowedSeverities[l]
	return ok
}

// Allows reports whether a finding of severity s is kept at this level.
// Unknown levels behave like standard.
func (l SeverityLevel) Allows(s models.Severity) bool {
	allowed, ok := allowedSeverities[l]
	if !ok {
		allowed = allowedSeverities[SeverityStandard]
	}
	return allowed[s]
}

func filterIssues(issues []issue, level SeverityLevel, minConfidence float64) []issue {
	kept := make([]issue, 0, len(issues))
	for _, is := range issues {
		if !level.Allows(is.severity()) {
			continue
		}
		if is.confidence() < minConfidence {
			continue
		}
		if is.Message == "" {
			continue
		}
		kept = append(kept, is)
	}
	return kept
}
