package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"

	"github.com/ShayCichocki/critic/internal/config"
	"github.com/ShayCichocki/critic/internal/orchestrator"
	"github.com/ShayCichocki/critic/pkg/models"
)

func init() {
	color.NoColor = true
}

func TestReadDiff(t *testing.T) {
	path := filepath.Join(t.TempDir(), "change.diff")
	if err := os.WriteFile(path, []byte("diff --git a/x b/x\n"), 0644); err != nil {
		t.Fatalf("failed to write diff: %v", err)
	}

	got, err := readDiff(path, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(got, "diff --git") {
		t.Errorf("expected diff content, got %q", got)
	}

	got, err = readDiff("-", strings.NewReader("diff --git a/y b/y\n"))
	if err != nil {
		t.Fatalf("unexpected error reading stdin: %v", err)
	}
	if !strings.Contains(got, "a/y") {
		t.Errorf("expected stdin content, got %q", got)
	}

	if _, err := readDiff("-", strings.NewReader("  \n")); err == nil {
		t.Error("expected error for empty input")
	}
	if _, err := readDiff(filepath.Join(t.TempDir(), "missing.diff"), nil); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestChangeSetID(t *testing.T) {
	a := changeSetID("diff one")
	if a != changeSetID("diff one") {
		t.Error("expected stable change-set ID")
	}
	if a == changeSetID("diff two") {
		t.Error("expected different diffs to get different IDs")
	}
	if !strings.HasPrefix(a, "cs-") || len(a) != 15 {
		t.Errorf("expected cs- prefix and 12 hex digits, got %q", a)
	}
}

func TestExceedsFailOn(t *testing.T) {
	report := &models.AnalysisReport{
		Units: []models.UnitReport{{
			Path: "main.go",
			Findings: []models.Finding{
				{Severity: models.SeverityWarning},
				{Severity: models.SeveritySuggestion},
			},
		}},
	}

	tests := []struct {
		threshold string
		want      bool
	}{
		{"none", false},
		{"error", false},
		{"warning", true},
		{"info", true},
	}
	for _, tt := range tests {
		if got := exceedsFailOn(report, tt.threshold); got != tt.want {
			t.Errorf("exceedsFailOn(%q) = %v, want %v", tt.threshold, got, tt.want)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{12 * time.Second, "12s"},
		{90 * time.Second, "1m30s"},
		{2 * time.Hour, "2h"},
		{2*time.Hour + 5*time.Minute, "2h5m"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestPrintReport(t *testing.T) {
	report := &models.AnalysisReport{
		ReviewID:    "rev-1",
		ChangeSetID: "cs-1",
		Units: []models.UnitReport{{
			Path: "auth/login.go",
			Findings: []models.Finding{{
				Path:       "auth/login.go",
				Line:       42,
				Severity:   models.SeverityError,
				Category:   "security",
				Message:    "password compared in non-constant time",
				Suggestion: "use subtle.ConstantTimeCompare",
			}},
		}},
		Failures: []models.TaskFailure{{Path: "db/query.go", Category: models.CategoryBackend, Summary: "backend unavailable"}},
		Stats: models.ReportStats{
			Total:          1,
			BySeverity:     map[models.Severity]int{models.SeverityError: 1},
			TasksCompleted: 1,
			TasksFailed:    1,
		},
		Incomplete: true,
	}

	var buf bytes.Buffer
	printReport(&buf, report)
	out := buf.String()

	for _, want := range []string{
		"auth/login.go",
		"42",
		"password compared in non-constant time",
		"subtle.ConstantTimeCompare",
		"Not reviewed:",
		"db/query.go",
		"Report is incomplete",
		"1 findings (1 error)",
		"1/2 tasks completed",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("expected report to contain %q, got:\n%s", want, out)
		}
	}
}

func TestProgressPrinter(t *testing.T) {
	var buf bytes.Buffer
	p := newProgressPrinter(&buf)

	p.Print(orchestrator.ProgressEvent{
		Type:   orchestrator.EventTaskStarted,
		TaskID: "t1",
		Tasks:  []orchestrator.TaskProgress{{TaskID: "t1", Path: "main.go"}},
		Total:  2,
	})
	p.Print(orchestrator.ProgressEvent{
		Type:    orchestrator.EventTaskFailed,
		TaskID:  "t1",
		Message: "backend unavailable",
		Done:    1,
		Total:   2,
	})
	p.Print(orchestrator.ProgressEvent{Type: orchestrator.EventAgentState, TaskID: "t1"})

	out := buf.String()
	if !strings.Contains(out, "[0/2] main.go") {
		t.Errorf("expected started line with path, got:\n%s", out)
	}
	if !strings.Contains(out, "[1/2] main.go: backend unavailable") {
		t.Errorf("expected failure line to reuse the known path, got:\n%s", out)
	}
	if lines := strings.Count(out, "\n"); lines != 2 {
		t.Errorf("expected agent state events to be silent, got %d lines", lines)
	}
}

func TestNewBackend(t *testing.T) {
	t.Run("openai", func(t *testing.T) {
		cfg := config.Default()
		cfg.Backend.Provider = config.ProviderOpenAI
		cfg.Backend.APIKey = "local-token"
		t.Setenv("OPENAI_API_KEY", "")

		b, err := newBackend(cfg)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if b.Name() != "openai" {
			t.Errorf("expected openai backend, got %q", b.Name())
		}
	})

	t.Run("missing key", func(t *testing.T) {
		t.Setenv("ANTHROPIC_API_KEY", "")
		if _, err := newBackend(config.Default()); !errors.Is(err, config.ErrNoAPIKey) {
			t.Errorf("expected ErrNoAPIKey, got %v", err)
		}
	})

	t.Run("malformed anthropic key", func(t *testing.T) {
		cfg := config.Default()
		cfg.Backend.APIKey = "not-a-key"
		t.Setenv("ANTHROPIC_API_KEY", "")
		if _, err := newBackend(cfg); err == nil {
			t.Error("expected key format error")
		}
	})
}
