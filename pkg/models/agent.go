package models

import (
	"fmt"
	"time"
)

// AgentState is a state of the analysis agent state machine.
type AgentState string

const (
	// AgentStateInitializing validates the work unit.
	AgentStateInitializing AgentState = "INITIALIZING"
	// AgentStateAnalyzing performs the initial structural scan.
	AgentStateAnalyzing AgentState = "ANALYZING"
	// AgentStateQuestioning runs follow-up turns.
	AgentStateQuestioning AgentState = "QUESTIONING"
	// AgentStateReviewing consolidates gathered information into issues.
	AgentStateReviewing AgentState = "REVIEWING"
	// AgentStateCommentGeneration renders issues into reviewer-facing text.
	AgentStateCommentGeneration AgentState = "COMMENT_GENERATION"
	// AgentStateCompleted is terminal and successful.
	AgentStateCompleted AgentState = "COMPLETED"
	// AgentStateError is terminal and failed.
	AgentStateError AgentState = "ERROR"
)

// validAgentTransitions defines the allowed state transitions.
// QUESTIONING may loop onto itself once per turn.
var validAgentTransitions = map[AgentState]map[AgentState]bool{
	AgentStateInitializing: {
		AgentStateAnalyzing: true,
		AgentStateError:     true,
	},
	AgentStateAnalyzing: {
		AgentStateQuestioning: true,
		AgentStateReviewing:   true,
		AgentStateError:       true,
	},
	AgentStateQuestioning: {
		AgentStateQuestioning: true,
		AgentStateReviewing:   true,
		AgentStateError:       true,
	},
	AgentStateReviewing: {
		AgentStateCommentGeneration: true,
		AgentStateError:             true,
	},
	AgentStateCommentGeneration: {
		AgentStateCompleted: true,
		AgentStateError:     true,
	},
	AgentStateCompleted: {},
	AgentStateError:     {},
}

// Valid returns true if the state is a known value.
func (s AgentState) Valid() bool {
	_, ok := validAgentTransitions[s]
	return ok
}

// Terminal returns true for COMPLETED and ERROR.
func (s AgentState) Terminal() bool {
	return s == AgentStateCompleted || s == AgentStateError
}

// CanTransition checks if a transition from one state to another is valid.
func CanTransition(from, to AgentState) bool {
	targets, ok := validAgentTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// ValidPath reports whether states is a legal walk through the state machine
// starting at INITIALIZING.
func ValidPath(states []AgentState) bool {
	if len(states) == 0 || states[0] != AgentStateInitializing {
		return false
	}
	for i := 1; i < len(states); i++ {
		if !CanTransition(states[i-1], states[i]) {
			return false
		}
	}
	return true
}

// Turn is one request/response exchange with the reasoning backend.
type Turn struct {
	// Index is the zero-based turn number within the session.
	Index int `json:"index"`
	// Phase names the agent phase that issued the turn.
	Phase string `json:"phase"`
	// Prompt is the text sent.
	Prompt string `json:"prompt"`
	// Response is the text received.
	Response string `json:"response"`
	// InputTokens reported by the backend, if known.
	InputTokens int64 `json:"input_tokens,omitempty"`
	// OutputTokens reported by the backend, if known.
	OutputTokens int64 `json:"output_tokens,omitempty"`
	// Attempts is the number of backend calls it took (1 when no retry happened).
	Attempts int `json:"attempts"`
	// At is when the turn completed.
	At time.Time `json:"at"`
}

// AgentSession is the runtime record of one agent executing one task.
// Owned by its agent; others read snapshots.
type AgentSession struct {
	// ID is the session identifier.
	ID string `json:"id"`
	// ReviewID is the review that dispatched the task.
	ReviewID string `json:"review_id"`
	// TaskID is the analysis task being executed.
	TaskID string `json:"task_id"`
	// WorkUnitID is the unit under analysis.
	WorkUnitID string `json:"work_unit_id"`
	// ChangeSetID is the enclosing change-set.
	ChangeSetID string `json:"change_set_id"`
	// State is the current state.
	State AgentState `json:"state"`
	// Visited records every state entered, in order.
	Visited []AgentState `json:"visited"`
	// Turns is the ordered conversation history.
	Turns []Turn `json:"turns"`
	// Depth is the conversation depth in effect.
	Depth Depth `json:"depth"`
	// StartedAt is when the session began.
	StartedAt time.Time `json:"started_at"`
	// CompletedAt is when the session reached a terminal state.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewAgentSession creates a session in the INITIALIZING state.
func NewAgentSession(id, reviewID string, task AnalysisTask) *AgentSession {
	return &AgentSession{
		ID:          id,
		ReviewID:    reviewID,
		TaskID:      task.ID,
		WorkUnitID:  task.Unit.ID,
		ChangeSetID: task.Unit.ChangeSetID,
		State:       AgentStateInitializing,
		Visited:     []AgentState{AgentStateInitializing},
		Depth:       task.Depth,
		StartedAt:   time.Now(),
	}
}

// Transition moves the session to a new state.
func (s *AgentSession) Transition(to AgentState) error {
	if !CanTransition(s.State, to) {
		return fmt.Errorf("invalid agent transition %s -> %s", s.State, to)
	}
	s.State = to
	s.Visited = append(s.Visited, to)
	if to.Terminal() {
		now := time.Now()
		s.CompletedAt = &now
	}
	return nil
}

// Snapshot returns a deep copy safe to hand to readers.
func (s *AgentSession) Snapshot() AgentSession {
	out := *s
	out.Visited = append([]AgentState(nil), s.Visited...)
	out.Turns = append([]Turn(nil), s.Turns...)
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	return out
}
