// Package diff turns unified diffs into change-sets of work units.
package diff

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bluekeyes/go-gitdiff/gitdiff"

	"github.com/ShayCichocki/critic/pkg/models"
)

// ContentSource returns the full post-change content of a file.
type ContentSource func(path string) (string, error)

// RepoContent reads post-change file content from a working tree.
func RepoContent(repoDir string) ContentSource {
	return func(path string) (string, error) {
		data, err := os.ReadFile(filepath.Join(repoDir, filepath.FromSlash(path)))
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
}

// Options controls how a diff becomes a change-set.
type Options struct {
	// ChangeSetID is the change-set identifier.
	ChangeSetID string
	// Title and Description describe the change-set.
	Title       string
	Description string
	// Content supplies full file contents. When nil or failing, the content is
	// rebuilt from the new side of the hunks.
	Content ContentSource
}

// Parse reads a unified diff and returns a change-set with one work unit per
// changed text file. Deleted and binary files are skipped.
func Parse(raw string, opts Options) (*models.ChangeSet, error) {
	if opts.ChangeSetID == "" {
		return nil, fmt.Errorf("change-set id is required")
	}
	parsed, _, err := gitdiff.Parse(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parsing diff: %w", err)
	}

	cs := &models.ChangeSet{
		ID:          opts.ChangeSetID,
		Title:       opts.Title,
		Description: opts.Description,
	}
	for _, f := range parsed {
		if f.IsDelete || f.IsBinary || f.NewName == "" {
			continue
		}

		changed := ChangedLines(f.TextFragments)
		content := ""
		if opts.Content != nil {
			if c, err := opts.Content(f.NewName); err == nil {
				content = c
			}
		}
		if content == "" {
			content = reconstruct(f.TextFragments)
		}

		unit := models.NewWorkUnit(
			UnitID(opts.ChangeSetID, f.NewName),
			opts.ChangeSetID,
			f.NewName,
			"",
			changed,
			f.String(),
			content,
		).WithChangeSetInfo(opts.Title, opts.Description)
		cs.Units = append(cs.Units, unit)
	}

	return cs, nil
}

// UnitID derives a stable work unit identifier from the change-set and path.
func UnitID(changeSetID, path string) string {
	return changeSetID + ":" + path
}

// ChangedLines returns the post-change line numbers added by the fragments.
func ChangedLines(frags []*gitdiff.TextFragment) []int {
	var lines []int
	for _, frag := range frags {
		n := int(frag.NewPosition)
		for _, line := range frag.Lines {
			switch line.Op {
			case gitdiff.OpAdd:
				lines = append(lines, n)
				n++
			case gitdiff.OpContext:
				n++
			}
		}
	}
	return lines
}

// reconstruct rebuilds as much of the new file as the hunks show.
// Gaps between hunks are left as blank lines so line numbers stay aligned.
func reconstruct(frags []*gitdiff.TextFragment) string {
	var out []string
	for _, frag := range frags {
		start := int(frag.NewPosition)
		for len(out) < start-1 {
			out = append(out, "")
		}
		for _, line := range frag.Lines {
			if line.Op == gitdiff.OpDelete {
				continue
			}
			out = append(out, strings.TrimRight(line.Line, "\n"))
		}
	}
	return strings.Join(out, "\n")
}

// AnnotateChanged renders content with line numbers, marking changed lines
// with ">>>" so the backend can cite them.
func AnnotateChanged(unit models.WorkUnit) string {
	var b strings.Builder
	for i, line := range strings.Split(unit.Content, "\n") {
		n := i + 1
		marker := "   "
		if unit.IsChanged(n) {
			marker = ">>>"
		}
		fmt.Fprintf(&b, "%4d %s %s\n", n, marker, line)
	}
	return b.String()
}
