package publish

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/ShayCichocki/critic/pkg/models"
)

func TestEffectsFor(t *testing.T) {
	report := models.AnalysisReport{
		ReviewID: "r1",
		Units: []models.UnitReport{{
			Path: "a.go",
			Findings: []models.Finding{
				{ID: "f1", Path: "a.go", Line: 3, Severity: models.SeverityError, Message: "m1", Comment: "c1"},
				{ID: "f2", Path: "a.go", Line: 0, Severity: models.SeverityInfo, Message: "m2"},
			},
		}},
	}
	effects := EffectsFor(report)
	if len(effects) != 2 {
		t.Fatalf("expected 2 effects, got %d", len(effects))
	}
	if effects[0].Body != "c1" || effects[1].Body != "m2" {
		t.Errorf("unexpected bodies %q, %q", effects[0].Body, effects[1].Body)
	}
	if effects[0].Location() != "a.go:3" || effects[1].Location() != "a.go" {
		t.Errorf("unexpected locations %q, %q", effects[0].Location(), effects[1].Location())
	}
	if again := EffectsFor(report); again[0].ID != effects[0].ID {
		t.Error("expected stable effect IDs")
	}
}

func TestOutbox(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "comments.jsonl")
	o, err := NewOutbox(path)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	for _, e := range []Effect{
		{ID: "1", Path: "a.go", Line: 1, Body: "first"},
		{ID: "2", Path: "b.go", Line: 2, Body: "second"},
	} {
		ack, err := o.Apply(ctx, e)
		if err != nil {
			t.Fatalf("Apply: %v", err)
		}
		if ack.EffectID != e.ID {
			t.Errorf("expected ack for %s, got %s", e.ID, ack.EffectID)
		}
	}
	if _, err := o.Apply(ctx, Effect{ID: "3"}); !errors.Is(err, ErrRejected) {
		t.Errorf("expected ErrRejected, got %v", err)
	}

	got, err := ReadOutbox(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Body != "first" || got[1].Path != "b.go" {
		t.Errorf("unexpected outbox contents %+v", got)
	}
}

func TestReadOutbox_Missing(t *testing.T) {
	got, err := ReadOutbox(filepath.Join(t.TempDir(), "none.jsonl"))
	if err != nil || got != nil {
		t.Errorf("expected empty result, got %v, %v", got, err)
	}
}
