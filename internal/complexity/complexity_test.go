package complexity

import (
	"context"
	"math"
	"testing"

	"github.com/ShayCichocki/critic/pkg/models"
)

const goSource = `package sample

func Sum(xs []int) int {
	total := 0
	for _, x := range xs {
		if x > 0 {
			total += x
		}
	}
	return total
}
`

func TestAnalyze_TreeSitterGo(t *testing.T) {
	unit := models.NewWorkUnit("u1", "cs1", "sample.go", "", []int{3, 4, 5, 6, 7}, "", goSource)

	m := Analyze(context.Background(), unit)
	if m.Parser != "tree-sitter" {
		t.Fatalf("expected tree-sitter parser, got %q", m.Parser)
	}
	if m.Declarations != 1 {
		t.Errorf("expected 1 declaration, got %d", m.Declarations)
	}
	if m.Loops != 1 {
		t.Errorf("expected 1 loop, got %d", m.Loops)
	}
	if m.Conditionals != 1 {
		t.Errorf("expected 1 conditional, got %d", m.Conditionals)
	}

	want := 0.5 + 0.5 + 0.3 + 1
	if math.Abs(m.Score()-want) > 1e-9 {
		t.Errorf("expected score %v, got %v", want, m.Score())
	}
}

func TestAnalyze_OnlyChangedLinesCount(t *testing.T) {
	unit := models.NewWorkUnit("u1", "cs1", "sample.go", "", []int{10}, "", goSource)

	m := Analyze(context.Background(), unit)
	if m.Declarations+m.Loops+m.Conditionals != 0 {
		t.Errorf("expected no constructs on unchanged lines, got %+v", m)
	}
	if got := m.Score(); got != 0.1 {
		t.Errorf("expected score 0.1, got %v", got)
	}
	if models.DepthFor(m.Score()) != models.DepthShallow {
		t.Error("expected trivial unit to be shallow")
	}
}

func TestAnalyze_KeywordFallback(t *testing.T) {
	src := "def run(items)\n  items.each do |i|\n    if i > 1\n      puts i\n    end\n  end\nend\n"
	unit := models.NewWorkUnit("u1", "cs1", "run.rb", "", []int{1, 2, 3}, "", src)

	m := Analyze(context.Background(), unit)
	if m.Parser != "keywords" {
		t.Fatalf("expected keyword parser, got %q", m.Parser)
	}
	if m.Declarations != 1 || m.Conditionals != 1 {
		t.Errorf("unexpected metrics %+v", m)
	}
}

func TestScore_Capped(t *testing.T) {
	m := Metrics{ChangedLines: 500, Declarations: 20}
	if m.Score() != models.MaxComplexity {
		t.Errorf("expected score capped at %v, got %v", models.MaxComplexity, m.Score())
	}
}
