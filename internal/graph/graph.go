// Package graph provides a dependency graph for analysis task scheduling.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ShayCichocki/critic/pkg/models"
)

// ErrCycleDetected indicates a circular dependency was found in the task graph.
var ErrCycleDetected = errors.New("circular dependency detected")

// DependencyGraph is a directed acyclic graph of task dependencies.
// Tasks are nodes, and edges represent "waits for" relationships.
type DependencyGraph struct {
	mu sync.RWMutex
	// nodes maps task ID to its creation order.
	nodes map[string]int
	// edges maps task ID to IDs of tasks it depends on.
	edges map[string][]string
	// resolved tracks tasks that reached a terminal status.
	resolved map[string]bool
	// debugLog is an optional logging function.
	debugLog func(format string, args ...interface{})
}

// New creates a new empty dependency graph.
func New() *DependencyGraph {
	return &DependencyGraph{
		nodes:    make(map[string]int),
		edges:    make(map[string][]string),
		resolved: make(map[string]bool),
		debugLog: func(format string, args ...interface{}) {},
	}
}

// SetDebugLog sets the debug logging function.
func (g *DependencyGraph) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		g.debugLog = fn
	}
}

// Build constructs the graph from tasks.
// Returns an error if a cycle is detected or dependencies reference unknown tasks.
func (g *DependencyGraph) Build(tasks []models.AnalysisTask) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, task := range tasks {
		g.nodes[task.ID] = task.Seq
		g.edges[task.ID] = nil
	}
	for _, task := range tasks {
		for _, depID := range task.DependsOn {
			if _, exists := g.nodes[depID]; !exists {
				return fmt.Errorf("task %s depends on unknown task %s", task.ID, depID)
			}
			g.edges[task.ID] = append(g.edges[task.ID], depID)
		}
	}
	g.debugLog("[graph.Build] %d nodes, edges: %v", len(g.nodes), g.edges)

	if g.hasCycleLocked() {
		return ErrCycleDetected
	}
	return nil
}

// HasCycle returns true if the graph contains a circular dependency.
func (g *DependencyGraph) HasCycle() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.hasCycleLocked()
}

// hasCycleLocked uses depth-first search with coloring to detect back edges.
func (g *DependencyGraph) hasCycleLocked() bool {
	// 0 = unvisited, 1 = in progress, 2 = done.
	colors := make(map[string]int, len(g.nodes))

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1
		for _, depID := range g.edges[id] {
			switch colors[depID] {
			case 1:
				return true
			case 0:
				if visit(depID) {
					return true
				}
			}
		}
		colors[id] = 2
		return false
	}

	for _, id := range g.orderedLocked() {
		if colors[id] == 0 && visit(id) {
			return true
		}
	}
	return false
}

// TopologicalSort returns task IDs with every dependency before its
// dependents. Ties follow creation order.
func (g *DependencyGraph) TopologicalSort() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.hasCycleLocked() {
		return nil, ErrCycleDetected
	}

	visited := make(map[string]bool, len(g.nodes))
	result := make([]string, 0, len(g.nodes))

	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		for _, depID := range g.edges[id] {
			visit(depID)
		}
		result = append(result, id)
	}

	for _, id := range g.orderedLocked() {
		visit(id)
	}
	return result, nil
}

// Ready reports whether every dependency of taskID is resolved.
func (g *DependencyGraph) Ready(taskID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, depID := range g.edges[taskID] {
		if !g.resolved[depID] {
			return false
		}
	}
	return true
}

// MarkResolved records that a task finished, successfully or not.
func (g *DependencyGraph) MarkResolved(taskID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resolved[taskID] = true
}

// Size returns the number of tasks in the graph.
func (g *DependencyGraph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Dependencies returns the IDs of tasks that taskID depends on.
func (g *DependencyGraph) Dependencies(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.edges[taskID]...)
}

func (g *DependencyGraph) orderedLocked() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if g.nodes[ids[i]] != g.nodes[ids[j]] {
			return g.nodes[ids[i]] < g.nodes[ids[j]]
		}
		return ids[i] < ids[j]
	})
	return ids
}

// BreakCycles returns tasks with DependsOn rewritten so the graph is
// acyclic. Tasks are visited in Seq order and each dependency is kept only
// if it does not close a cycle, so the dropped edge is always the one added
// by the later task. Unknown dependencies are dropped. The second return
// value counts dropped edges.
func BreakCycles(tasks []models.AnalysisTask) ([]models.AnalysisTask, int) {
	out := make([]models.AnalysisTask, len(tasks))
	copy(out, tasks)

	order := make([]int, len(out))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return out[order[a]].Seq < out[order[b]].Seq
	})

	known := make(map[string]bool, len(out))
	for _, t := range out {
		known[t.ID] = true
	}

	edges := make(map[string][]string, len(out))
	dropped := 0
	for _, i := range order {
		task := &out[i]
		var kept []string
		seen := make(map[string]bool)
		for _, dep := range task.DependsOn {
			if !known[dep] || dep == task.ID || seen[dep] || reaches(edges, dep, task.ID) {
				dropped++
				continue
			}
			seen[dep] = true
			kept = append(kept, dep)
			edges[task.ID] = append(edges[task.ID], dep)
		}
		task.DependsOn = kept
	}
	return out, dropped
}

// reaches reports whether to is reachable from from along edges.
func reaches(edges map[string][]string, from, to string) bool {
	stack := []string{from}
	seen := map[string]bool{}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == to {
			return true
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, edges[n]...)
	}
	return false
}
