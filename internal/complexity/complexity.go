// Package complexity scores work units to choose a conversation depth.
package complexity

import (
	"context"
	"math"
	"regexp"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/typescript"

	"github.com/ShayCichocki/critic/pkg/models"
)

// Weights applied to the counted constructs.
const (
	changedLinesDivisor = 10.0
	conditionalWeight   = 0.5
	loopWeight          = 0.3
	declarationWeight   = 1.0
)

// Metrics are the construct counts behind a score.
type Metrics struct {
	ChangedLines int
	Conditionals int
	Loops        int
	Declarations int
	// Parser is "tree-sitter" or "keywords".
	Parser string
}

// Score is the weighted sum of the metrics, capped at models.MaxComplexity.
func (m Metrics) Score() float64 {
	s := float64(m.ChangedLines)/changedLinesDivisor +
		float64(m.Conditionals)*conditionalWeight +
		float64(m.Loops)*loopWeight +
		float64(m.Declarations)*declarationWeight
	s = math.Round(s*100) / 100
	return math.Min(s, models.MaxComplexity)
}

// grammar holds the node kinds counted for one tree-sitter language.
type grammar struct {
	lang         *sitter.Language
	conditionals map[string]bool
	loops        map[string]bool
	declarations map[string]bool
}

func set(kinds ...string) map[string]bool {
	m := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		m[k] = true
	}
	return m
}

var grammars = map[string]grammar{
	"go": {
		lang:         golang.GetLanguage(),
		conditionals: set("if_statement", "expression_switch_statement", "type_switch_statement", "select_statement"),
		loops:        set("for_statement"),
		declarations: set("function_declaration", "method_declaration", "type_spec"),
	},
	"python": {
		lang:         python.GetLanguage(),
		conditionals: set("if_statement", "elif_clause", "conditional_expression", "match_statement"),
		loops:        set("for_statement", "while_statement"),
		declarations: set("function_definition", "class_definition"),
	},
	"javascript": {
		lang:         javascript.GetLanguage(),
		conditionals: set("if_statement", "switch_statement", "ternary_expression"),
		loops:        set("for_statement", "for_in_statement", "while_statement", "do_statement"),
		declarations: set("function_declaration", "class_declaration", "method_definition", "generator_function_declaration"),
	},
	"typescript": {
		lang:         typescript.GetLanguage(),
		conditionals: set("if_statement", "switch_statement", "ternary_expression"),
		loops:        set("for_statement", "for_in_statement", "while_statement", "do_statement"),
		declarations: set("function_declaration", "class_declaration", "method_definition", "interface_declaration", "type_alias_declaration"),
	},
}

var (
	conditionalPattern = regexp.MustCompile(`\b(if|elif|elsif|switch|case|when|match)\b`)
	loopPattern        = regexp.MustCompile(`\b(for|foreach|while|loop|until)\b`)
	declPattern        = regexp.MustCompile(`^\s*(export\s+)?(pub\s+)?(public\s+|private\s+|protected\s+|static\s+)*(func|function|def|class|struct|interface|enum|trait|impl|fn)\b`)
)

// Analyze counts constructs on the changed lines of unit. Languages with a
// tree-sitter grammar are parsed; others fall back to keyword scanning.
func Analyze(ctx context.Context, unit models.WorkUnit) Metrics {
	m := Metrics{ChangedLines: unit.ChangedLineCount()}
	if g, ok := grammars[unit.Language]; ok {
		if countTree(ctx, g, unit, &m) {
			m.Parser = "tree-sitter"
			return m
		}
	}
	countKeywords(unit, &m)
	m.Parser = "keywords"
	return m
}

// Score returns the capped complexity score of unit.
func Score(ctx context.Context, unit models.WorkUnit) float64 {
	return Analyze(ctx, unit).Score()
}

func countTree(ctx context.Context, g grammar, unit models.WorkUnit, m *Metrics) bool {
	// new parser per call; parsers are not safe for concurrent use
	parser := sitter.NewParser()
	parser.SetLanguage(g.lang)

	tree, err := parser.ParseCtx(ctx, nil, []byte(unit.Content))
	if err != nil || tree == nil {
		return false
	}
	defer tree.Close()

	root := tree.RootNode()
	if root == nil {
		return false
	}

	stack := []*sitter.Node{root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		line := int(n.StartPoint().Row) + 1
		if unit.IsChanged(line) {
			kind := n.Type()
			switch {
			case g.conditionals[kind]:
				m.Conditionals++
			case g.loops[kind]:
				m.Loops++
			case g.declarations[kind]:
				m.Declarations++
			}
		}

		for i := int(n.ChildCount()) - 1; i >= 0; i-- {
			if c := n.Child(i); c != nil {
				stack = append(stack, c)
			}
		}
	}
	return true
}

func countKeywords(unit models.WorkUnit, m *Metrics) {
	lines := strings.Split(unit.Content, "\n")
	for _, n := range unit.ChangedLines() {
		if n > len(lines) {
			break
		}
		line := stripComment(lines[n-1])
		m.Conditionals += len(conditionalPattern.FindAllString(line, -1))
		m.Loops += len(loopPattern.FindAllString(line, -1))
		if declPattern.MatchString(line) {
			m.Declarations++
		}
	}
}

func stripComment(line string) string {
	trimmed := strings.TrimSpace(line)
	if strings.HasPrefix(trimmed, "//") || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "*") {
		return ""
	}
	return line
}
