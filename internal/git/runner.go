package git

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/ShayCichocki/critic/internal/diff"
	"github.com/ShayCichocki/critic/pkg/models"
)

// ExecRunner implements Reader using the git binary.
type ExecRunner struct {
	repoPath string
}

var _ Reader = (*ExecRunner)(nil)

// NewRunner creates a new git runner for the repository at the given path.
func NewRunner(repoPath string) *ExecRunner {
	return &ExecRunner{repoPath: repoPath}
}

// raw executes a git command and returns its untrimmed stdout.
func (r *ExecRunner) raw(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.repoPath
	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return string(out), nil
}

// run executes a git command and returns its trimmed output.
func (r *ExecRunner) run(ctx context.Context, args ...string) (string, error) {
	out, err := r.raw(ctx, args...)
	return strings.TrimSpace(out), err
}

// CurrentBranch returns the name of the current branch.
func (r *ExecRunner) CurrentBranch(ctx context.Context) (string, error) {
	return r.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
}

// MergeBase returns the common ancestor of two refs.
func (r *ExecRunner) MergeBase(ctx context.Context, ref1, ref2 string) (string, error) {
	return r.run(ctx, "merge-base", ref1, ref2)
}

// Subject returns the first line of the commit message at ref.
func (r *ExecRunner) Subject(ctx context.Context, ref string) (string, error) {
	return r.run(ctx, "log", "-1", "--format=%s", ref)
}

// Body returns the commit message body at ref.
func (r *ExecRunner) Body(ctx context.Context, ref string) (string, error) {
	return r.run(ctx, "log", "-1", "--format=%b", ref)
}

// Diff returns the diff between base and the working tree.
func (r *ExecRunner) Diff(ctx context.Context, base string) (string, error) {
	return r.raw(ctx, "diff", "--no-color", "--no-ext-diff", base)
}

// DiffRange returns the diff of head against its merge base with base.
func (r *ExecRunner) DiffRange(ctx context.Context, base, head string) (string, error) {
	return r.raw(ctx, "diff", "--no-color", "--no-ext-diff", base+"..."+head)
}

// ChangedFiles returns the files changed between base and head.
func (r *ExecRunner) ChangedFiles(ctx context.Context, base, head string) ([]string, error) {
	args := []string{"diff", "--name-only", base}
	if head != "" {
		args = []string{"diff", "--name-only", base + "..." + head}
	}
	out, err := r.run(ctx, args...)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// ShowFile returns the contents of a file at a specific ref.
func (r *ExecRunner) ShowFile(ctx context.Context, ref, path string) (string, error) {
	return r.raw(ctx, "show", ref+":"+path)
}

// Content returns a content source reading files at ref. An empty ref
// reads the working tree.
func Content(ctx context.Context, r Reader, repoPath, ref string) diff.ContentSource {
	if ref == "" {
		return diff.RepoContent(repoPath)
	}
	return func(path string) (string, error) {
		return r.ShowFile(ctx, ref, path)
	}
}

// ChangeSetOptions selects the refs a change-set is built from.
type ChangeSetOptions struct {
	// ID is the change-set identifier.
	ID string
	// DeriveID computes the ID from the raw diff when ID is empty.
	DeriveID func(raw string) string
	// Base is the ref the change is compared against.
	Base string
	// Head is the reviewed ref; empty reviews the working tree.
	Head string
}

// ChangeSet builds a change-set from the repository. With a head ref the
// title and description come from its commit message and the branches are
// recorded.
func ChangeSet(ctx context.Context, r Reader, repoPath string, opts ChangeSetOptions) (*models.ChangeSet, string, error) {
	if opts.Base == "" {
		return nil, "", fmt.Errorf("base ref is required")
	}

	var (
		raw string
		err error
	)
	if opts.Head == "" {
		raw, err = r.Diff(ctx, opts.Base)
	} else {
		raw, err = r.DiffRange(ctx, opts.Base, opts.Head)
	}
	if err != nil {
		return nil, "", err
	}
	if strings.TrimSpace(raw) == "" {
		return nil, "", fmt.Errorf("no changes between %s and %s", opts.Base, headLabel(opts.Head))
	}

	id := opts.ID
	if id == "" && opts.DeriveID != nil {
		id = opts.DeriveID(raw)
	}
	parseOpts := diff.Options{
		ChangeSetID: id,
		Content:     Content(ctx, r, repoPath, opts.Head),
	}
	if opts.Head != "" {
		parseOpts.Title, _ = r.Subject(ctx, opts.Head)
		parseOpts.Description, _ = r.Body(ctx, opts.Head)
	}
	cs, err := diff.Parse(raw, parseOpts)
	if err != nil {
		return nil, "", err
	}
	cs.TargetBranch = opts.Base
	cs.SourceBranch = opts.Head
	if cs.SourceBranch == "" {
		cs.SourceBranch, _ = r.CurrentBranch(ctx)
	}
	return cs, raw, nil
}

func headLabel(head string) string {
	if head == "" {
		return "the working tree"
	}
	return head
}
