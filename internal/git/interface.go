// Package git reads change-sets from a local repository. It only runs
// read-only git commands; reviews never modify the repository.
package git

import "context"

// DiffOperations produces unified diffs.
type DiffOperations interface {
	// Diff returns the diff between base and the working tree.
	Diff(ctx context.Context, base string) (string, error)
	// DiffRange returns the diff of head against its merge base with base
	// (git diff base...head).
	DiffRange(ctx context.Context, base, head string) (string, error)
	// ChangedFiles returns the files changed between base and head; an empty
	// head means the working tree.
	ChangedFiles(ctx context.Context, base, head string) ([]string, error)
}

// RefOperations resolves refs and their metadata.
type RefOperations interface {
	// CurrentBranch returns the name of the current branch.
	CurrentBranch(ctx context.Context) (string, error)
	// MergeBase returns the common ancestor of two refs.
	MergeBase(ctx context.Context, ref1, ref2 string) (string, error)
	// Subject returns the first line of the commit message at ref.
	Subject(ctx context.Context, ref string) (string, error)
	// Body returns the commit message body at ref.
	Body(ctx context.Context, ref string) (string, error)
}

// FileOperations reads file contents.
type FileOperations interface {
	// ShowFile returns the contents of a file at a specific ref.
	ShowFile(ctx context.Context, ref, path string) (string, error)
}

// Reader combines every read-only operation.
type Reader interface {
	DiffOperations
	RefOperations
	FileOperations
}
