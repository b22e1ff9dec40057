package decompose

import (
	"os"
	"path/filepath"
	"strings"

	"go.yaml.in/yaml/v3"
)

// PriorityClass is the coarse importance of a path.
type PriorityClass int

const (
	ClassLow PriorityClass = iota
	ClassMedium
	ClassHigh
	ClassCritical
)

// String returns the class name.
func (c PriorityClass) String() string {
	switch c {
	case ClassCritical:
		return "critical"
	case ClassHigh:
		return "high"
	case ClassLow:
		return "low"
	default:
		return "medium"
	}
}

// defaultCritical matches entry points and core business logic.
var defaultCritical = []string{
	"**/main.*",
	"**/index.*",
	"**/app.*",
	"**/model/**",
	"**/models/**",
	"**/service/**",
	"**/services/**",
	"**/controller/**",
	"**/controllers/**",
}

// defaultHigh matches security and data access code.
var defaultHigh = []string{
	"**/auth*",
	"**/auth*/**",
	"**/security*",
	"**/security*/**",
	"**/api/**",
	"**/endpoint/**",
	"**/endpoints/**",
	"**/database*",
	"**/database*/**",
}

// defaultLow matches documentation, tests and configuration.
var defaultLow = []string{
	"**/*.md",
	"**/*.txt",
	"**/*.yml",
	"**/*.yaml",
	"**/*.json",
	"**/test/**",
	"**/tests/**",
	"**/doc/**",
	"**/docs/**",
	"**/config*",
	"**/config*/**",
	"**/setting*",
	"**/settings/**",
}

// Patterns classifies paths by glob. Critical patterns win over high, high
// over low; a path matching nothing is medium.
type Patterns struct {
	Critical []string `yaml:"critical" mapstructure:"critical"`
	High     []string `yaml:"high" mapstructure:"high"`
	Low      []string `yaml:"low" mapstructure:"low"`
}

// patternFile is the on-disk layout of a priority pattern file.
type patternFile struct {
	Priority Patterns `yaml:"priority_patterns"`
}

// DefaultPatterns returns the built-in pattern set.
func DefaultPatterns() Patterns {
	return Patterns{
		Critical: append([]string{}, defaultCritical...),
		High:     append([]string{}, defaultHigh...),
		Low:      append([]string{}, defaultLow...),
	}
}

// LoadPatterns reads a YAML pattern file and appends its entries to the
// defaults.
func LoadPatterns(path string) (Patterns, error) {
	p := DefaultPatterns()
	data, err := os.ReadFile(path)
	if err != nil {
		return p, err
	}
	var file patternFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return p, err
	}
	p.Critical = append(p.Critical, file.Priority.Critical...)
	p.High = append(p.High, file.Priority.High...)
	p.Low = append(p.Low, file.Priority.Low...)
	return p, nil
}

// Classify returns the priority class of path.
func (p Patterns) Classify(path string) PriorityClass {
	normalized := strings.ToLower(filepath.ToSlash(path))
	switch {
	case matchAny(normalized, p.Critical):
		return ClassCritical
	case matchAny(normalized, p.High):
		return ClassHigh
	case matchAny(normalized, p.Low):
		return ClassLow
	default:
		return ClassMedium
	}
}

func matchAny(path string, patterns []string) bool {
	for _, pattern := range patterns {
		if matchGlobPattern(path, strings.ToLower(pattern)) {
			return true
		}
	}
	return false
}

// matchGlobPattern matches a path against a glob pattern with ** support.
func matchGlobPattern(path, pattern string) bool {
	return matchParts(strings.Split(path, "/"), strings.Split(pattern, "/"))
}

func matchParts(path, pattern []string) bool {
	if len(pattern) == 0 {
		return len(path) == 0
	}

	p := pattern[0]
	rest := pattern[1:]

	if p == "**" {
		if len(rest) == 0 {
			return true
		}
		// ** matches zero or more segments.
		for i := 0; i <= len(path); i++ {
			if matchParts(path[i:], rest) {
				return true
			}
		}
		return false
	}

	if len(path) == 0 || !matchSegment(path[0], p) {
		return false
	}
	return matchParts(path[1:], rest)
}

func matchSegment(segment, pattern string) bool {
	if pattern == "*" || pattern == segment {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return false
	}
	ok, err := filepath.Match(pattern, segment)
	return err == nil && ok
}
