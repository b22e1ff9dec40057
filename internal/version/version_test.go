package version

import (
	"strings"
	"testing"
)

func TestGet(t *testing.T) {
	v := Get()
	if v == "" {
		t.Fatal("expected non-empty version")
	}
	if strings.TrimSpace(v) != v {
		t.Errorf("expected trimmed version, got %q", v)
	}
}

func TestStringUsesCommit(t *testing.T) {
	old := Commit
	defer func() { Commit = old }()

	Commit = "0123456789abcdef"
	want := Get() + " (0123456789ab)"
	if got := String(); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}
