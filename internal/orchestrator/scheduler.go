package orchestrator

import (
	"sort"
	"sync"

	"github.com/ShayCichocki/critic/internal/graph"
	"github.com/ShayCichocki/critic/pkg/models"
)

// Scheduler picks the next tasks to hand to free agent slots.
// It never blocks: Schedule returns whatever is ready right now.
type Scheduler struct {
	// graph is the dependency graph of tasks.
	graph *graph.DependencyGraph
	// tasks maps task IDs to tasks.
	tasks map[string]models.AnalysisTask
	// queue holds pending task IDs in dispatch order.
	queue []string
	// status tracks every task's scheduling status.
	status map[string]models.TaskStatus
	// running counts dispatched tasks not yet complete.
	running int
	// mu protects all mutable fields.
	mu sync.RWMutex
}

// NewScheduler creates a Scheduler over tasks. g must already be built from
// the same tasks.
func NewScheduler(g *graph.DependencyGraph, tasks []models.AnalysisTask) *Scheduler {
	s := &Scheduler{
		graph:  g,
		tasks:  make(map[string]models.AnalysisTask, len(tasks)),
		queue:  make([]string, 0, len(tasks)),
		status: make(map[string]models.TaskStatus, len(tasks)),
	}
	ordered := append([]models.AnalysisTask(nil), tasks...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority > ordered[j].Priority
		}
		return ordered[i].Seq < ordered[j].Seq
	})
	for _, t := range ordered {
		s.tasks[t.ID] = t
		s.queue = append(s.queue, t.ID)
		s.status[t.ID] = models.TaskStatusPending
	}
	return s
}

// Schedule returns up to capacity ready tasks, highest priority first, and
// marks them running. A task is ready once every dependency is completed or
// failed. Tasks left behind stay queued for the next call.
func (s *Scheduler) Schedule(capacity int) []models.AnalysisTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	if capacity <= 0 {
		debugLog("[scheduler] no available slots: running=%d", s.running)
		return nil
	}

	var (
		out  []models.AnalysisTask
		kept = s.queue[:0]
	)
	for _, id := range s.queue {
		if len(out) < capacity && s.graph.Ready(id) {
			out = append(out, s.tasks[id])
			s.status[id] = models.TaskStatusRunning
			s.running++
			continue
		}
		kept = append(kept, id)
	}
	s.queue = kept

	if len(out) > 0 {
		debugLog("[scheduler] dispatching %d tasks (capacity %d, %d still queued)", len(out), capacity, len(s.queue))
		for _, t := range out {
			debugLog("[scheduler]   - %s (%s) [priority %d]", t.ID, t.Unit.Path, t.Priority)
		}
	}
	return out
}

// OnTaskComplete records the terminal status of a dispatched task and
// resolves it in the graph so its dependents become ready. Dependents are
// released whether the task completed or failed.
func (s *Scheduler) OnTaskComplete(taskID string, status models.TaskStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status[taskID] != models.TaskStatusRunning {
		debugLog("[scheduler.OnTaskComplete] task %s is not running (status %q)", taskID, s.status[taskID])
		return
	}
	if status != models.TaskStatusCompleted {
		status = models.TaskStatusError
	}
	s.status[taskID] = status
	s.running--
	s.graph.MarkResolved(taskID)
	debugLog("[scheduler.OnTaskComplete] task %s -> %s, %d running", taskID, status, s.running)
}

// Drain marks every queued task skipped and returns them in dispatch order.
// Used when a review stops dispatching.
func (s *Scheduler) Drain() []models.AnalysisTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.AnalysisTask, 0, len(s.queue))
	for _, id := range s.queue {
		s.status[id] = models.TaskStatusSkipped
		s.graph.MarkResolved(id)
		out = append(out, s.tasks[id])
	}
	s.queue = nil
	if len(out) > 0 {
		debugLog("[scheduler] drained %d queued tasks", len(out))
	}
	return out
}

// Status returns the scheduling status of taskID.
func (s *Scheduler) Status(taskID string) models.TaskStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status[taskID]
}

// RunningCount returns the number of dispatched tasks not yet complete.
func (s *Scheduler) RunningCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// QueuedCount returns the number of tasks waiting for dispatch.
func (s *Scheduler) QueuedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.queue)
}

// Counts returns how many tasks completed, failed and were skipped.
func (s *Scheduler) Counts() (completed, failed, skipped int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, st := range s.status {
		switch st {
		case models.TaskStatusCompleted:
			completed++
		case models.TaskStatusError:
			failed++
		case models.TaskStatusSkipped:
			skipped++
		}
	}
	return completed, failed, skipped
}

// Done reports whether nothing is queued or running.
func (s *Scheduler) Done() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.queue) == 0 && s.running == 0
}
