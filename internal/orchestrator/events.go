package orchestrator

import (
	"time"

	"github.com/ShayCichocki/critic/pkg/models"
)

// ReviewState is the lifecycle state of a review.
type ReviewState string

const (
	// StatePlanning covers decomposition and graph construction.
	StatePlanning ReviewState = "PLANNING"
	// StateExecuting covers agent dispatch.
	StateExecuting ReviewState = "EXECUTING"
	// StateAggregating covers report construction.
	StateAggregating ReviewState = "AGGREGATING"
	// StatePublishing covers routing findings through the permission gate.
	StatePublishing ReviewState = "PUBLISHING"
	// StateCompleted is a review that ran to the end.
	StateCompleted ReviewState = "COMPLETED"
	// StateCancelled is a review stopped by Cancel.
	StateCancelled ReviewState = "CANCELLED"
	// StateError is a review that failed or was aborted.
	StateError ReviewState = "ERROR"
)

// Terminal returns true for states a review never leaves.
func (s ReviewState) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateError
}

// EventType represents the type of progress event.
type EventType string

const (
	// EventStateChanged indicates the review entered a new state.
	EventStateChanged EventType = "state_changed"
	// EventTaskStarted indicates an agent picked up a task.
	EventTaskStarted EventType = "task_started"
	// EventAgentState indicates an agent moved to a new state.
	EventAgentState EventType = "agent_state"
	// EventTaskCompleted indicates a task completed successfully.
	EventTaskCompleted EventType = "task_completed"
	// EventTaskFailed indicates a task failed after recovery gave up.
	EventTaskFailed EventType = "task_failed"
	// EventTaskSkipped indicates a task was never run because the review stopped.
	EventTaskSkipped EventType = "task_skipped"
	// EventEffectPublished indicates a finding reached the publish target.
	EventEffectPublished EventType = "effect_published"
	// EventEffectWithheld indicates a finding was denied or not confirmed.
	EventEffectWithheld EventType = "effect_withheld"
	// EventReviewDone is the last event of every review. It carries the report.
	EventReviewDone EventType = "review_done"
)

// TaskProgress is the per-task view carried by progress events.
type TaskProgress struct {
	TaskID string            `json:"task_id"`
	Path   string            `json:"path"`
	Status models.TaskStatus `json:"status"`
	// AgentState is the latest state of the running or last agent session.
	AgentState models.AgentState `json:"agent_state,omitempty"`
	// Runs counts agent runs, including retries.
	Runs int `json:"runs"`
}

// ProgressEvent reports review progress.
type ProgressEvent struct {
	// Type is the kind of event.
	Type EventType `json:"type"`
	// ReviewID identifies the review.
	ReviewID string `json:"review_id"`
	// State is the review state when the event was emitted.
	State ReviewState `json:"state"`
	// TaskID is the related task, if any.
	TaskID string `json:"task_id,omitempty"`
	// Message provides additional context about the event.
	Message string `json:"message,omitempty"`
	// Tasks is a snapshot of every task, in decomposition order.
	Tasks []TaskProgress `json:"tasks,omitempty"`
	// Done counts tasks in a terminal status; Total counts all tasks.
	Done  int `json:"done"`
	Total int `json:"total"`
	// Fraction is Done/Total; 1 once the review finished.
	Fraction float64 `json:"fraction"`
	// Elapsed is the time since the review started.
	Elapsed time.Duration `json:"elapsed"`
	// Remaining estimates the time left from the mean time per finished task.
	Remaining time.Duration `json:"remaining"`
	// Report is set on EventReviewDone when aggregation ran.
	Report *models.AnalysisReport `json:"report,omitempty"`
	// Published and Withheld count publish effects on EventReviewDone.
	Published int `json:"published,omitempty"`
	Withheld  int `json:"withheld,omitempty"`
	// Err is set on EventReviewDone for reviews that ended in ERROR.
	Err error `json:"-"`
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`
}

// estimateRemaining projects the time left assuming the remaining tasks take
// as long on average as the finished ones.
func estimateRemaining(elapsed time.Duration, done, total int) time.Duration {
	if done <= 0 || done >= total {
		return 0
	}
	per := elapsed / time.Duration(done)
	return per * time.Duration(total-done)
}
