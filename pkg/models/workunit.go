package models

import (
	"encoding/json"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// LanguageText is the language tag for files with no known extension.
// Text units are not analyzable.
const LanguageText = "text"

// languageByExt maps file extensions to language tags.
var languageByExt = map[string]string{
	".go":    "go",
	".py":    "python",
	".js":    "javascript",
	".jsx":   "javascript",
	".mjs":   "javascript",
	".ts":    "typescript",
	".tsx":   "typescript",
	".java":  "java",
	".kt":    "kotlin",
	".c":     "c",
	".h":     "c",
	".cc":    "cpp",
	".cpp":   "cpp",
	".hpp":   "cpp",
	".cs":    "csharp",
	".rb":    "ruby",
	".php":   "php",
	".rs":    "rust",
	".swift": "swift",
	".scala": "scala",
	".sh":    "shell",
	".sql":   "sql",
	".yaml":  "yaml",
	".yml":   "yaml",
	".json":  "json",
	".md":    "markdown",
}

// DetectLanguage returns the language tag for a file path.
// Unknown extensions map to LanguageText.
func DetectLanguage(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if lang, ok := languageByExt[ext]; ok {
		return lang
	}
	return LanguageText
}

// SupportedLanguage reports whether units in lang can be analyzed.
func SupportedLanguage(lang string) bool {
	if lang == "" || lang == LanguageText {
		return false
	}
	for _, l := range languageByExt {
		if l == lang {
			return true
		}
	}
	return false
}

// modelValidate is the shared validator for model types.
var modelValidate *validator.Validate

func init() {
	modelValidate = validator.New()
}

// ChangeSet is one submitted set of changes (a merge request, a patch series).
type ChangeSet struct {
	// ID identifies the change-set.
	ID string `json:"id" validate:"required"`
	// Title is the change-set title.
	Title string `json:"title"`
	// Description is the change-set body text.
	Description string `json:"description,omitempty"`
	// SourceBranch is the branch being merged.
	SourceBranch string `json:"source_branch,omitempty"`
	// TargetBranch is the branch being merged into.
	TargetBranch string `json:"target_branch,omitempty"`
	// Units are the per-file work units.
	Units []WorkUnit `json:"units" validate:"dive"`
}

// Validate checks the change-set structure.
func (c *ChangeSet) Validate() error {
	return modelValidate.Struct(c)
}

// WorkUnit identifies one file change to analyze.
// WorkUnits are immutable once created; use NewWorkUnit.
type WorkUnit struct {
	// ID is the unit identifier, unique within its change-set.
	ID string `json:"id" validate:"required"`
	// ChangeSetID is the enclosing change-set.
	ChangeSetID string `json:"change_set_id" validate:"required"`
	// Path is the file path relative to the repository root.
	Path string `json:"path" validate:"required"`
	// Language is the language tag derived from the path.
	Language string `json:"language" validate:"required"`
	// Diff is the unified diff text for this file.
	Diff string `json:"diff,omitempty"`
	// Content is the full post-change file content.
	Content string `json:"content"`
	// Title is the enclosing change-set title.
	Title string `json:"title,omitempty"`
	// Description is the enclosing change-set description.
	Description string `json:"description,omitempty"`

	changedLines []int
}

// NewWorkUnit creates a WorkUnit. changed is copied, sorted and deduplicated.
// An empty language is detected from the path.
func NewWorkUnit(id, changeSetID, path, language string, changed []int, diff, content string) WorkUnit {
	if language == "" {
		language = DetectLanguage(path)
	}
	return WorkUnit{
		ID:           id,
		ChangeSetID:  changeSetID,
		Path:         path,
		Language:     language,
		Diff:         diff,
		Content:      content,
		changedLines: normalizeLines(changed),
	}
}

// WithChangeSetInfo returns a copy of the unit carrying the change-set title and description.
func (w WorkUnit) WithChangeSetInfo(title, description string) WorkUnit {
	w.Title = title
	w.Description = description
	w.changedLines = normalizeLines(w.changedLines)
	return w
}

// ChangedLines returns a copy of the changed line numbers in ascending order.
func (w WorkUnit) ChangedLines() []int {
	out := make([]int, len(w.changedLines))
	copy(out, w.changedLines)
	return out
}

// ChangedLineCount returns the number of changed lines.
func (w WorkUnit) ChangedLineCount() int {
	return len(w.changedLines)
}

// IsChanged reports whether line is in the changed-line set.
func (w WorkUnit) IsChanged(line int) bool {
	i := sort.SearchInts(w.changedLines, line)
	return i < len(w.changedLines) && w.changedLines[i] == line
}

// Validate checks the unit is well formed. It does not check analyzability.
func (w WorkUnit) Validate() error {
	return modelValidate.Struct(w)
}

type workUnitJSON struct {
	ID           string `json:"id"`
	ChangeSetID  string `json:"change_set_id"`
	Path         string `json:"path"`
	Language     string `json:"language"`
	ChangedLines []int  `json:"changed_lines,omitempty"`
	Diff         string `json:"diff,omitempty"`
	Content      string `json:"content"`
	Title        string `json:"title,omitempty"`
	Description  string `json:"description,omitempty"`
}

// MarshalJSON includes the changed-line set.
func (w WorkUnit) MarshalJSON() ([]byte, error) {
	return json.Marshal(workUnitJSON{
		ID:           w.ID,
		ChangeSetID:  w.ChangeSetID,
		Path:         w.Path,
		Language:     w.Language,
		ChangedLines: w.changedLines,
		Diff:         w.Diff,
		Content:      w.Content,
		Title:        w.Title,
		Description:  w.Description,
	})
}

// UnmarshalJSON restores a unit, normalizing the changed-line set.
func (w *WorkUnit) UnmarshalJSON(data []byte) error {
	var raw workUnitJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*w = NewWorkUnit(raw.ID, raw.ChangeSetID, raw.Path, raw.Language, raw.ChangedLines, raw.Diff, raw.Content)
	w.Title = raw.Title
	w.Description = raw.Description
	return nil
}

func normalizeLines(lines []int) []int {
	if len(lines) == 0 {
		return nil
	}
	out := make([]int, 0, len(lines))
	seen := make(map[int]bool, len(lines))
	for _, l := range lines {
		if l <= 0 || seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	sort.Ints(out)
	return out
}
