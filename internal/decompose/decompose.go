// Package decompose turns a change-set into analysis tasks.
//
// Decomposition is deterministic: the same change-set always yields the same
// tasks with the same IDs, priorities, groups and dependencies.
package decompose

import (
	"context"
	"fmt"
	"log"
	"path"
	"sort"

	"github.com/google/uuid"

	"github.com/ShayCichocki/critic/internal/complexity"
	"github.com/ShayCichocki/critic/internal/graph"
	"github.com/ShayCichocki/critic/pkg/models"
)

// taskNamespace seeds deterministic task IDs.
var taskNamespace = uuid.MustParse("6f1c2a4e-3b7d-4c1e-9a55-2d8e0b7f4c10")

// classWeight is the priority contribution of each path class.
var classWeight = map[PriorityClass]int{
	ClassCritical: 40,
	ClassHigh:     30,
	ClassMedium:   20,
	ClassLow:      10,
}

// Config bounds group sizes.
type Config struct {
	// MaxGroupSize is the most units one group may hold before it is split.
	MaxGroupSize int `mapstructure:"max_group_size" validate:"min=1"`
	// MaxGroupComplexity is the most summed complexity one group may hold.
	MaxGroupComplexity float64 `mapstructure:"max_group_complexity" validate:"gt=0"`
}

// DefaultConfig returns the default decomposition limits.
func DefaultConfig() Config {
	return Config{
		MaxGroupSize:       5,
		MaxGroupComplexity: 20,
	}
}

// Scorer computes the complexity of a unit.
type Scorer func(ctx context.Context, unit models.WorkUnit) float64

// Decomposer builds analysis tasks from change-sets.
type Decomposer struct {
	cfg      Config
	patterns Patterns
	score    Scorer
}

// Option configures a Decomposer.
type Option func(*Decomposer)

// WithPatterns replaces the priority patterns.
func WithPatterns(p Patterns) Option {
	return func(d *Decomposer) {
		d.patterns = p
	}
}

// WithScorer replaces the complexity scorer.
func WithScorer(s Scorer) Option {
	return func(d *Decomposer) {
		d.score = s
	}
}

// New creates a Decomposer.
func New(cfg Config, opts ...Option) *Decomposer {
	if cfg.MaxGroupSize < 1 {
		cfg.MaxGroupSize = DefaultConfig().MaxGroupSize
	}
	if cfg.MaxGroupComplexity <= 0 {
		cfg.MaxGroupComplexity = DefaultConfig().MaxGroupComplexity
	}
	d := &Decomposer{
		cfg:      cfg,
		patterns: DefaultPatterns(),
		score:    complexity.Score,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Decompose returns one task per unit of cs, ordered by Seq.
func (d *Decomposer) Decompose(ctx context.Context, cs *models.ChangeSet) ([]models.AnalysisTask, error) {
	if err := cs.Validate(); err != nil {
		return nil, fmt.Errorf("invalid change-set: %w", err)
	}

	units := append([]models.WorkUnit(nil), cs.Units...)
	sort.SliceStable(units, func(i, j int) bool {
		if units[i].Path != units[j].Path {
			return units[i].Path < units[j].Path
		}
		return units[i].ID < units[j].ID
	})

	tasks := make([]models.AnalysisTask, len(units))
	for i, unit := range units {
		c := d.score(ctx, unit)
		class := d.patterns.Classify(unit.Path)
		tasks[i] = models.AnalysisTask{
			ID:         TaskID(cs.ID, unit.ID),
			Seq:        i,
			Unit:       unit,
			Complexity: c,
			Depth:      models.DepthFor(c),
			Priority:   priority(class, c, unit.ChangedLineCount()),
			Critical:   class == ClassCritical,
		}
	}

	groups := d.group(tasks)
	for gi, members := range groups {
		for si, sub := range d.split(tasks, members) {
			label := fmt.Sprintf("g%d", gi+1)
			if len(sub) != len(members) {
				label = fmt.Sprintf("g%d.%d", gi+1, si+1)
			}
			for _, i := range sub {
				tasks[i].Group = label
			}
			link(tasks, sub)
		}
	}

	tasks, dropped := graph.BreakCycles(tasks)
	if dropped > 0 {
		log.Printf("[decompose] change-set %s: dropped %d dependency edges to keep the graph acyclic", cs.ID, dropped)
	}
	log.Printf("[decompose] change-set %s: %d tasks in %d groups", cs.ID, len(tasks), len(groups))
	return tasks, nil
}

// TaskID derives the task ID for a unit of a change-set.
func TaskID(changeSetID, unitID string) string {
	return uuid.NewSHA1(taskNamespace, []byte(changeSetID+"\x00"+unitID)).String()
}

// priority scores a task; higher runs first.
func priority(class PriorityClass, c float64, changed int) int {
	p := classWeight[class] + int(c*2)
	if bonus := changed / 20; bonus > 10 {
		p += 10
	} else {
		p += bonus
	}
	return p
}

// group unions tasks that share a directory, reference each other or form a
// test/source pair. Groups are returned in order of their first member.
func (d *Decomposer) group(tasks []models.AnalysisTask) [][]int {
	parent := make([]int, len(tasks))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		if parent[i] != i {
			parent[i] = find(parent[i])
		}
		return parent[i]
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra == rb {
			return
		}
		if ra < rb {
			parent[rb] = ra
		} else {
			parent[ra] = rb
		}
	}

	byPath := make(map[string]int, len(tasks))
	byDir := make(map[string]int)
	for i, t := range tasks {
		byPath[t.Unit.Path] = i
		dir := path.Dir(t.Unit.Path)
		if first, ok := byDir[dir]; ok {
			union(first, i)
		} else {
			byDir[dir] = i
		}
	}
	for i, t := range tasks {
		if src := testPair(t.Unit.Path); src != "" {
			if j, ok := byPath[src]; ok {
				union(i, j)
			}
		}
		for _, j := range d.referenced(tasks, i) {
			union(i, j)
		}
	}

	var order []int
	members := make(map[int][]int)
	for i := range tasks {
		r := find(i)
		if _, ok := members[r]; !ok {
			order = append(order, r)
		}
		members[r] = append(members[r], i)
	}
	groups := make([][]int, 0, len(order))
	for _, r := range order {
		groups = append(groups, members[r])
	}
	return groups
}

// referenced returns the indexes of tasks that task i imports.
func (d *Decomposer) referenced(tasks []models.AnalysisTask, i int) []int {
	var out []int
	for _, ref := range references(tasks[i].Unit) {
		for j, other := range tasks {
			if j != i && resolves(ref, other.Unit.Path) {
				out = append(out, j)
			}
		}
	}
	return out
}

// split cuts a group into consecutive chunks that respect the size and
// complexity limits. Members stay in Seq order.
func (d *Decomposer) split(tasks []models.AnalysisTask, members []int) [][]int {
	var out [][]int
	var cur []int
	sum := 0.0
	for _, i := range members {
		c := tasks[i].Complexity
		if len(cur) > 0 && (len(cur) >= d.cfg.MaxGroupSize || sum+c > d.cfg.MaxGroupComplexity) {
			out = append(out, cur)
			cur, sum = nil, 0
		}
		cur = append(cur, i)
		sum += c
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

// link sets DependsOn inside one chunk: importers wait for what they import
// and tests wait for their source.
func link(tasks []models.AnalysisTask, chunk []int) {
	byPath := make(map[string]int, len(chunk))
	for _, i := range chunk {
		byPath[tasks[i].Unit.Path] = i
	}
	for _, i := range chunk {
		var deps []string
		seen := make(map[string]bool)
		add := func(j int) {
			id := tasks[j].ID
			if j == i || seen[id] {
				return
			}
			seen[id] = true
			deps = append(deps, id)
		}
		if src := testPair(tasks[i].Unit.Path); src != "" {
			if j, ok := byPath[src]; ok {
				add(j)
			}
		}
		for _, ref := range references(tasks[i].Unit) {
			for _, j := range chunk {
				if resolves(ref, tasks[j].Unit.Path) {
					add(j)
				}
			}
		}
		sort.Strings(deps)
		tasks[i].DependsOn = deps
	}
}
