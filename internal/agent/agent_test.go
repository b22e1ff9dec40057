package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ShayCichocki/critic/internal/backend"
	"github.com/ShayCichocki/critic/internal/conversation"
	"github.com/ShayCichocki/critic/pkg/models"
)

// replayBackend answers each call with the next scripted reply.
type replayBackend struct {
	mu      sync.Mutex
	replies []string
	errs    map[int]error
	calls   int
	onCall  func(n int)
}

func (b *replayBackend) Name() string { return "replay" }

func (b *replayBackend) Converse(ctx context.Context, history []backend.Message, prompt string, opts backend.Options) (backend.Reply, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.onCall != nil {
		b.onCall(b.calls)
	}
	if err, ok := b.errs[b.calls]; ok {
		return backend.Reply{}, err
	}
	if len(b.replies) == 0 {
		return backend.Reply{}, errors.New("no scripted reply left")
	}
	r := b.replies[0]
	b.replies = b.replies[1:]
	return backend.Reply{Text: r}, nil
}

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func newTestAgent(b backend.ReasoningBackend, cfg Config, engineCfg conversation.Config, opts ...Option) *Agent {
	engine := conversation.NewEngine(b, engineCfg, conversation.WithSleep(noSleep))
	n := 0
	opts = append([]Option{WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("session-%d", n)
	})}, opts...)
	return New(engine, cfg, opts...)
}

func testTask(depth models.Depth, content string) models.AnalysisTask {
	unit := models.NewWorkUnit("cs1:calc.go", "cs1", "calc.go", "go", []int{3, 4}, "", content)
	return models.AnalysisTask{ID: "task-1", Unit: unit, Depth: depth, Complexity: 1}
}

const calcSource = "package calc\n\nfunc Div(a, b int) int {\n\treturn a / b\n}\n"

func states(s models.AgentSession) []models.AgentState {
	return s.Visited
}

func TestRun_ShallowNoQuestions(t *testing.T) {
	b := &replayBackend{replies: []string{
		`{"issues": [{"line_number": 4, "severity": "warning", "category": "logic", "message": "division by zero", "confidence": 0.6}], "notes": ""}`,
		`{"issues": [
			{"line_number": 4, "severity": "warning", "category": "logic", "message": "b may be zero", "suggestion": "check b", "confidence": 0.95},
			{"line_number": 3, "severity": "info", "category": "style", "message": "missing doc comment", "confidence": 0.9},
			{"line_number": 4, "severity": "warning", "category": "style", "message": "weak guess", "confidence": 0.2}
		], "recommendations": ["guard the divisor"], "confidence": 0.85}`,
	}}
	cfg := DefaultConfig()
	cfg.MinConfidence = 0.5
	a := newTestAgent(b, cfg, conversation.DefaultConfig())

	res, sess := a.Run(context.Background(), testTask(models.DepthShallow, calcSource), RunOptions{ReviewID: "r1"})

	if res.FinalState != models.AgentStateCompleted {
		t.Fatalf("expected COMPLETED, got %s (err %v)", res.FinalState, res.Err)
	}
	if res.Turns != 2 || b.calls != 2 {
		t.Errorf("expected 2 turns, got %d turns and %d calls", res.Turns, b.calls)
	}
	want := []models.AgentState{
		models.AgentStateInitializing,
		models.AgentStateAnalyzing,
		models.AgentStateReviewing,
		models.AgentStateCommentGeneration,
		models.AgentStateCompleted,
	}
	if got := states(sess); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("expected states %v, got %v", want, got)
	}
	if !models.ValidPath(states(sess)) {
		t.Error("expected a valid state path")
	}
	if len(res.Findings) != 1 {
		t.Fatalf("expected 1 finding after filters, got %d: %+v", len(res.Findings), res.Findings)
	}
	f := res.Findings[0]
	if f.Line != 4 || f.Severity != models.SeverityWarning || f.AgentSessionID != "session-1" || f.TaskID != "task-1" {
		t.Errorf("unexpected finding %+v", f)
	}
	if !strings.Contains(f.Comment, "Logic error") || !strings.Contains(f.Comment, "check b") {
		t.Errorf("unexpected comment %q", f.Comment)
	}
	if res.Confidence != 0.85 {
		t.Errorf("expected confidence 0.85, got %v", res.Confidence)
	}
	if len(res.Recommendations) != 1 {
		t.Errorf("expected 1 recommendation, got %v", res.Recommendations)
	}
	if sess.CompletedAt == nil {
		t.Error("expected CompletedAt to be set")
	}
}

func TestRun_QuestioningOnErrorIssue(t *testing.T) {
	b := &replayBackend{replies: []string{
		`{"issues": [{"line_number": 4, "severity": "error", "category": "logic", "message": "division by zero"}], "notes": "unclear who calls Div"}`,
		`{"questions": [
			{"question_id": "callers", "question_text": "Who calls Div?", "priority": 2},
			{"question_id": "zero", "question_text": "Can b be zero?", "priority": 1}
		]}`,
		`b comes from user input, so yes.`,
		`{"issues": [{"line_number": 4, "severity": "error", "category": "logic", "message": "divide by user input", "confidence": 0.97}], "confidence": 0.9}`,
	}}
	a := newTestAgent(b, DefaultConfig(), conversation.DefaultConfig())

	res, sess := a.Run(context.Background(), testTask(models.DepthShallow, calcSource), RunOptions{})

	if res.FinalState != models.AgentStateCompleted {
		t.Fatalf("expected COMPLETED, got %s (err %v)", res.FinalState, res.Err)
	}
	// shallow allows two questioning turns: generation plus one question
	if res.QuestionsAsked != 2 {
		t.Errorf("expected 2 questioning turns, got %d", res.QuestionsAsked)
	}
	if b.calls != 4 {
		t.Errorf("expected 4 backend calls, got %d", b.calls)
	}
	if sess.Turns[2].Phase != "questioning_zero" {
		t.Errorf("expected highest priority question first, got phase %s", sess.Turns[2].Phase)
	}
	if !models.ValidPath(states(sess)) {
		t.Errorf("invalid state path %v", states(sess))
	}
	if len(res.Findings) != 1 || !strings.HasPrefix(res.Findings[0].Comment, "**Logic error** (error): divide") {
		t.Errorf("unexpected findings %+v", res.Findings)
	}
}

func TestRun_DeepStopsOnDoneMarker(t *testing.T) {
	b := &replayBackend{replies: []string{
		`{"issues": [], "notes": ""}`,
		`NO_FURTHER_QUESTIONS`,
		`{"issues": [], "confidence": 0.9}`,
	}}
	a := newTestAgent(b, DefaultConfig(), conversation.DefaultConfig())

	res, _ := a.Run(context.Background(), testTask(models.DepthDeep, calcSource), RunOptions{})

	if res.FinalState != models.AgentStateCompleted {
		t.Fatalf("expected COMPLETED, got %s (err %v)", res.FinalState, res.Err)
	}
	if b.calls != 3 {
		t.Errorf("expected 3 calls, got %d", b.calls)
	}
	if len(res.Findings) != 0 {
		t.Errorf("expected no findings, got %d", len(res.Findings))
	}
}

// chattyBackend always offers the same follow-up questions and never signals
// that it is done.
type chattyBackend struct {
	mu    sync.Mutex
	calls int
}

func (b *chattyBackend) Name() string { return "chatty" }

func (b *chattyBackend) Converse(ctx context.Context, history []backend.Message, prompt string, opts backend.Options) (backend.Reply, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	return backend.Reply{Text: `{"issues": [], "questions": [
		{"question_id": "q1", "question_text": "one?", "priority": 1},
		{"question_id": "q2", "question_text": "two?", "priority": 2},
		{"question_id": "q3", "question_text": "three?", "priority": 3},
		{"question_id": "q4", "question_text": "four?", "priority": 4},
		{"question_id": "q5", "question_text": "five?", "priority": 5}
	]}`}, nil
}

func TestRun_QuestioningScalesWithDepth(t *testing.T) {
	tests := []struct {
		depth     models.Depth
		wantTurns int
	}{
		{models.DepthMedium, 4},
		{models.DepthDeep, 6},
	}
	for _, tt := range tests {
		t.Run(string(tt.depth), func(t *testing.T) {
			b := &chattyBackend{}
			a := newTestAgent(b, DefaultConfig(), conversation.DefaultConfig())

			res, sess := a.Run(context.Background(), testTask(tt.depth, calcSource), RunOptions{})

			if res.FinalState != models.AgentStateCompleted {
				t.Fatalf("expected COMPLETED, got %s (err %v)", res.FinalState, res.Err)
			}
			if res.QuestionsAsked != tt.wantTurns {
				t.Errorf("expected %d questioning turns, got %d", tt.wantTurns, res.QuestionsAsked)
			}
			if b.calls != tt.wantTurns+2 {
				t.Errorf("expected %d backend calls, got %d", tt.wantTurns+2, b.calls)
			}
			seen := make(map[string]bool)
			for _, turn := range sess.Turns {
				if strings.HasPrefix(turn.Phase, "questioning_") {
					if seen[turn.Phase] {
						t.Errorf("question %s asked twice", turn.Phase)
					}
					seen[turn.Phase] = true
				}
			}
			if !models.ValidPath(states(sess)) {
				t.Errorf("invalid state path %v", states(sess))
			}
		})
	}
}

func TestRun_ValidationError(t *testing.T) {
	tests := []struct {
		name string
		unit models.WorkUnit
	}{
		{"empty content", models.NewWorkUnit("u", "cs", "a.go", "go", []int{1}, "", "")},
		{"unsupported language", models.NewWorkUnit("u", "cs", "notes", models.LanguageText, []int{1}, "", "hello")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &replayBackend{}
			a := newTestAgent(b, DefaultConfig(), conversation.DefaultConfig())
			res, sess := a.Run(context.Background(), models.AnalysisTask{ID: "t", Unit: tt.unit, Depth: models.DepthShallow}, RunOptions{})

			if res.FinalState != models.AgentStateError {
				t.Fatalf("expected ERROR, got %s", res.FinalState)
			}
			var verr *ValidationError
			if !errors.As(res.Err, &verr) {
				t.Errorf("expected ValidationError, got %v", res.Err)
			}
			if b.calls != 0 {
				t.Errorf("expected no backend calls, got %d", b.calls)
			}
			if len(sess.Visited) != 2 || sess.Visited[1] != models.AgentStateError {
				t.Errorf("expected INITIALIZING -> ERROR, got %v", sess.Visited)
			}
		})
	}
}

func TestRun_BackendFailureStopsTurns(t *testing.T) {
	b := &replayBackend{
		replies: []string{`{"issues": [{"line_number": 4, "severity": "error", "message": "x"}]}`},
		errs:    map[int]error{2: &backend.Error{Kind: backend.KindAuth, Status: 401, Err: errors.New("bad key")}},
	}
	a := newTestAgent(b, DefaultConfig(), conversation.DefaultConfig())

	res, sess := a.Run(context.Background(), testTask(models.DepthMedium, calcSource), RunOptions{})

	if res.FinalState != models.AgentStateError {
		t.Fatalf("expected ERROR, got %s", res.FinalState)
	}
	if !errors.Is(res.Err, backend.ErrAuth) {
		t.Errorf("expected auth error, got %v", res.Err)
	}
	if b.calls != 2 {
		t.Errorf("expected no turns after the failure, got %d calls", b.calls)
	}
	if res.Findings != nil {
		t.Error("expected no findings on ERROR")
	}
	if !models.ValidPath(sess.Visited) {
		t.Errorf("invalid state path %v", sess.Visited)
	}
}

func TestRun_BudgetExhaustionDegrades(t *testing.T) {
	initial := `{"issues": [{"line_number": 4, "severity": "warning", "category": "logic", "message": "division by zero"}]}`
	b := &replayBackend{replies: []string{
		initial,
		`{"issues": [{"line_number": 4, "severity": "warning", "category": "logic", "message": "division by zero", "confidence": 0.9}]}`,
	}}
	task := testTask(models.DepthDeep, calcSource)
	engineCfg := conversation.DefaultConfig()
	engineCfg.CharBudget = len(codeContext(task.Unit)) + len(initialAnalysisPrompt()) + len(initial) + 10
	a := newTestAgent(b, DefaultConfig(), engineCfg)

	res, sess := a.Run(context.Background(), task, RunOptions{})

	if res.FinalState != models.AgentStateCompleted {
		t.Fatalf("expected COMPLETED, got %s (err %v)", res.FinalState, res.Err)
	}
	if !res.Degraded {
		t.Error("expected Degraded")
	}
	if b.calls != 2 {
		t.Errorf("expected analysis and final turn only, got %d calls", b.calls)
	}
	if len(res.Findings) != 1 {
		t.Errorf("expected 1 finding, got %d", len(res.Findings))
	}
	if !models.ValidPath(sess.Visited) {
		t.Errorf("invalid state path %v", sess.Visited)
	}
}

func TestRun_StopBeforeStart(t *testing.T) {
	stop := make(chan struct{})
	close(stop)
	b := &replayBackend{}
	a := newTestAgent(b, DefaultConfig(), conversation.DefaultConfig())

	res, _ := a.Run(context.Background(), testTask(models.DepthShallow, calcSource), RunOptions{Stop: stop})

	if !errors.Is(res.Err, ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", res.Err)
	}
	if b.calls != 0 {
		t.Errorf("expected no backend calls, got %d", b.calls)
	}
}

func TestRun_StopAfterAnalysisConsolidatesLocally(t *testing.T) {
	stop := make(chan struct{})
	b := &replayBackend{
		replies: []string{`{"issues": [{"line_number": 4, "severity": "error", "category": "logic", "message": "division by zero", "confidence": 0.95}]}`},
		onCall: func(n int) {
			if n == 1 {
				close(stop)
			}
		},
	}
	a := newTestAgent(b, DefaultConfig(), conversation.DefaultConfig())

	res, sess := a.Run(context.Background(), testTask(models.DepthDeep, calcSource), RunOptions{Stop: stop})

	if res.FinalState != models.AgentStateCompleted {
		t.Fatalf("expected COMPLETED, got %s (err %v)", res.FinalState, res.Err)
	}
	if !res.Interrupted {
		t.Error("expected Interrupted")
	}
	if b.calls != 1 {
		t.Errorf("expected no turns after stop, got %d calls", b.calls)
	}
	if len(res.Findings) != 1 {
		t.Errorf("expected gathered finding to survive, got %d", len(res.Findings))
	}
	for _, s := range sess.Visited {
		if s == models.AgentStateQuestioning {
			t.Error("expected questioning to be skipped after stop")
		}
	}
}

func TestRun_NonJSONReplyFallsBack(t *testing.T) {
	b := &replayBackend{replies: []string{
		"The code looks fine to me.",
		"Still nothing to report.",
	}}
	a := newTestAgent(b, DefaultConfig(), conversation.DefaultConfig())

	res, _ := a.Run(context.Background(), testTask(models.DepthShallow, calcSource), RunOptions{})

	if res.FinalState != models.AgentStateCompleted {
		t.Fatalf("expected COMPLETED, got %s (err %v)", res.FinalState, res.Err)
	}
	if len(res.Findings) != 0 {
		t.Errorf("expected no findings, got %d", len(res.Findings))
	}
	if res.Confidence != 0.5 {
		t.Errorf("expected fallback confidence 0.5, got %v", res.Confidence)
	}
}

type denyChecker struct {
	op models.OperationType
}

func (d denyChecker) Check(ctx context.Context, op models.OperationType, opCtx models.OperationContext) error {
	if op == d.op {
		return fmt.Errorf("%s denied", op)
	}
	return nil
}

func TestRun_PermissionDenied(t *testing.T) {
	b := &replayBackend{}
	a := newTestAgent(b, DefaultConfig(), conversation.DefaultConfig(), WithPermissions(denyChecker{op: models.OpAnalyzeCode}))

	res, _ := a.Run(context.Background(), testTask(models.DepthShallow, calcSource), RunOptions{})

	if res.FinalState != models.AgentStateError {
		t.Fatalf("expected ERROR, got %s", res.FinalState)
	}
	if b.calls != 0 {
		t.Errorf("expected no backend calls, got %d", b.calls)
	}
}

func TestRun_OnStateSnapshots(t *testing.T) {
	b := &replayBackend{replies: []string{`{"issues": []}`, `{"issues": []}`}}
	a := newTestAgent(b, DefaultConfig(), conversation.DefaultConfig())

	var seen []models.AgentState
	_, _ = a.Run(context.Background(), testTask(models.DepthShallow, calcSource), RunOptions{
		OnState: func(s models.AgentSession) { seen = append(seen, s.State) },
	})

	if len(seen) != 5 || seen[0] != models.AgentStateInitializing || seen[4] != models.AgentStateCompleted {
		t.Errorf("unexpected state notifications %v", seen)
	}
}

func TestRun_DepthOverride(t *testing.T) {
	b := &replayBackend{replies: []string{`{"issues": []}`, `{"issues": []}`}}
	a := newTestAgent(b, DefaultConfig(), conversation.DefaultConfig())

	_, sess := a.Run(context.Background(), testTask(models.DepthDeep, calcSource), RunOptions{Depth: models.DepthShallow})

	if sess.Depth != models.DepthShallow {
		t.Errorf("expected shallow override, got %s", sess.Depth)
	}
}

func TestToneFor(t *testing.T) {
	tests := []struct {
		confidence float64
		want       Tone
	}{
		{0.95, ToneAssertive},
		{0.9, ToneSuggestive},
		{0.71, ToneSuggestive},
		{0.7, ToneQuestioning},
		{0.1, ToneQuestioning},
	}
	for _, tt := range tests {
		if got := ToneFor(tt.confidence); got != tt.want {
			t.Errorf("ToneFor(%v): expected %s, got %s", tt.confidence, tt.want, got)
		}
	}
}

func TestRenderComment(t *testing.T) {
	f := models.Finding{Severity: models.SeverityWarning, Category: "unknown-category", Message: "m", Confidence: 0.5}
	got := RenderComment(f)
	if !strings.HasPrefix(got, "**Code review** (warning): Could this be an issue? m") {
		t.Errorf("unexpected comment %q", got)
	}
	if strings.Contains(got, "Suggestion") {
		t.Error("expected no suggestion section")
	}
}

func TestSeverityLevelAllows(t *testing.T) {
	tests := []struct {
		level SeverityLevel
		sev   models.Severity
		want  bool
	}{
		{SeverityStrict, models.SeverityInfo, true},
		{SeverityStrict, models.SeveritySuggestion, false},
		{SeverityStandard, models.SeverityWarning, true},
		{SeverityStandard, models.SeverityInfo, false},
		{SeverityRelaxed, models.SeverityWarning, false},
		{SeverityRelaxed, models.SeverityError, true},
		{SeverityLevel("bogus"), models.SeverityWarning, true},
	}
	for _, tt := range tests {
		if got := tt.level.Allows(tt.sev); got != tt.want {
			t.Errorf("%s.Allows(%s): expected %v, got %v", tt.level, tt.sev, tt.want, got)
		}
	}
}

func TestParseQuestions(t *testing.T) {
	text := `{"questions": [
		{"question_text": "a", "priority": 3},
		{"question_text": "b", "priority": 1},
		{"question_text": "", "priority": 1},
		{"question_text": "c", "priority": 2},
		{"question_text": "d", "priority": 1}
	]}`
	qs := parseQuestions(text, 3, nil)
	if len(qs) != 3 {
		t.Fatalf("expected 3 questions, got %d", len(qs))
	}
	if qs[0].Text != "b" || qs[1].Text != "c" || qs[2].Text != "a" {
		t.Errorf("unexpected order %+v", qs)
	}

	qs = parseQuestions(text, 3, map[string]bool{"a": true, "b": true})
	if len(qs) != 2 || qs[0].Text != "d" || qs[1].Text != "c" {
		t.Errorf("expected asked questions skipped, got %+v", qs)
	}
}

func TestParseAnalysis_LineAsString(t *testing.T) {
	a := parseAnalysis(`{"issues": [{"line_number": "12", "message": "x"}]}`)
	if !a.parsed || len(a.Issues) != 1 || a.Issues[0].Line != 12 {
		t.Errorf("unexpected parse %+v", a)
	}
	if a.Issues[0].severity() != models.SeverityInfo || a.Issues[0].category() != "general" {
		t.Errorf("expected defaults, got %s/%s", a.Issues[0].severity(), a.Issues[0].category())
	}
}

func TestParseAnalysis_FallbackTruncatesNotes(t *testing.T) {
	a := parseAnalysis(strings.Repeat("x", 800))
	if a.parsed {
		t.Error("expected fallback")
	}
	if len(a.Notes) != 500 {
		t.Errorf("expected 500 note chars, got %d", len(a.Notes))
	}
}
