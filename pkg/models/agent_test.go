package models

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from AgentState
		to   AgentState
		want bool
	}{
		{AgentStateInitializing, AgentStateAnalyzing, true},
		{AgentStateAnalyzing, AgentStateQuestioning, true},
		{AgentStateAnalyzing, AgentStateReviewing, true},
		{AgentStateQuestioning, AgentStateQuestioning, true},
		{AgentStateQuestioning, AgentStateReviewing, true},
		{AgentStateReviewing, AgentStateCommentGeneration, true},
		{AgentStateCommentGeneration, AgentStateCompleted, true},
		{AgentStateInitializing, AgentStateReviewing, false},
		{AgentStateReviewing, AgentStateQuestioning, false},
		{AgentStateCompleted, AgentStateAnalyzing, false},
		{AgentStateCompleted, AgentStateError, false},
		{AgentStateError, AgentStateInitializing, false},
		{AgentState("bogus"), AgentStateAnalyzing, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestErrorReachableFromEveryNonTerminalState(t *testing.T) {
	for state := range validAgentTransitions {
		if state.Terminal() {
			continue
		}
		if !CanTransition(state, AgentStateError) {
			t.Errorf("expected ERROR reachable from %s", state)
		}
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	for _, s := range []AgentState{AgentStateCompleted, AgentStateError} {
		if len(validAgentTransitions[s]) != 0 {
			t.Errorf("expected no transitions out of %s", s)
		}
	}
}

func TestValidPath(t *testing.T) {
	good := []AgentState{
		AgentStateInitializing, AgentStateAnalyzing, AgentStateQuestioning,
		AgentStateQuestioning, AgentStateReviewing, AgentStateCommentGeneration,
		AgentStateCompleted,
	}
	if !ValidPath(good) {
		t.Error("expected full path to be valid")
	}

	if ValidPath([]AgentState{AgentStateAnalyzing, AgentStateReviewing}) {
		t.Error("expected path not starting at INITIALIZING to be invalid")
	}
	if ValidPath(append(good, AgentStateAnalyzing)) {
		t.Error("expected path revisiting a state after COMPLETED to be invalid")
	}
}

func TestAgentSession_Transition(t *testing.T) {
	task := AnalysisTask{ID: "t1", Depth: DepthShallow, Unit: NewWorkUnit("u1", "cs1", "main.go", "", []int{1}, "", "package main")}
	s := NewAgentSession("s1", "r1", task)

	if s.State != AgentStateInitializing {
		t.Fatalf("expected INITIALIZING, got %s", s.State)
	}
	if err := s.Transition(AgentStateReviewing); err == nil {
		t.Error("expected error for INITIALIZING -> REVIEWING")
	}
	if err := s.Transition(AgentStateAnalyzing); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Transition(AgentStateError); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.CompletedAt == nil {
		t.Error("expected CompletedAt set on terminal state")
	}
	if len(s.Visited) != 3 {
		t.Errorf("expected 3 visited states, got %d", len(s.Visited))
	}

	snap := s.Snapshot()
	snap.Visited[0] = AgentStateError
	if s.Visited[0] != AgentStateInitializing {
		t.Error("expected snapshot to be independent of session")
	}
}
