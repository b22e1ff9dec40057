package models

// Depth bounds the number of questioning turns an agent may take.
type Depth string

const (
	// DepthShallow is for trivial units (1-2 turns).
	DepthShallow Depth = "shallow"
	// DepthMedium is for moderate units (3-4 turns).
	DepthMedium Depth = "medium"
	// DepthDeep is for complex units (5+ turns).
	DepthDeep Depth = "deep"
)

// Valid returns true if the depth is a known value.
func (d Depth) Valid() bool {
	switch d {
	case DepthShallow, DepthMedium, DepthDeep:
		return true
	default:
		return false
	}
}

// Lower returns the next simpler depth. Shallow stays shallow.
func (d Depth) Lower() Depth {
	switch d {
	case DepthDeep:
		return DepthMedium
	default:
		return DepthShallow
	}
}

// MaxComplexity is the ceiling of the complexity score.
const MaxComplexity = 10.0

// DepthFor maps a complexity score to a depth.
func DepthFor(complexity float64) Depth {
	switch {
	case complexity >= 7:
		return DepthDeep
	case complexity >= 3:
		return DepthMedium
	default:
		return DepthShallow
	}
}

// TaskStatus represents the current state of an analysis task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task has not been dispatched.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusRunning indicates an agent is working on the task.
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusCompleted indicates the agent finished successfully.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusError indicates the task failed.
	TaskStatusError TaskStatus = "error"
	// TaskStatusSkipped indicates the task was never dispatched (cancelled review).
	TaskStatusSkipped TaskStatus = "skipped"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusCompleted, TaskStatusError, TaskStatusSkipped:
		return true
	default:
		return false
	}
}

// Terminal returns true once the task will not change state again.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusError || s == TaskStatusSkipped
}

// AnalysisTask is a WorkUnit prepared for scheduling.
type AnalysisTask struct {
	// ID is the task identifier, derived from the change-set and unit.
	ID string `json:"id"`
	// Seq is the creation order within the decomposition.
	Seq int `json:"seq"`
	// Unit is the work unit to analyze.
	Unit WorkUnit `json:"unit"`
	// Complexity is the score in [0, MaxComplexity].
	Complexity float64 `json:"complexity"`
	// Depth is the conversation depth derived from Complexity.
	Depth Depth `json:"depth"`
	// Priority orders dispatch; higher runs first.
	Priority int `json:"priority"`
	// Group names the related-unit group this task came from.
	Group string `json:"group"`
	// Critical is true when the path matched a critical-path pattern.
	Critical bool `json:"critical,omitempty"`
	// DependsOn lists task IDs that must finish before this task.
	DependsOn []string `json:"depends_on,omitempty"`
}
