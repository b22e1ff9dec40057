// Package agent runs one analysis task through the review state machine.
//
// An Agent walks INITIALIZING → ANALYZING → QUESTIONING → REVIEWING →
// COMMENT_GENERATION → COMPLETED, or lands in ERROR from any non-terminal
// state. It never retries; failures are returned to the caller, which owns
// recovery.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ShayCichocki/critic/internal/conversation"
	"github.com/ShayCichocki/critic/internal/telemetry"
	"github.com/ShayCichocki/critic/pkg/models"
)

var tracer = otel.Tracer("critic/agent")

// ErrStopped is returned when a run is stopped before it gathered anything.
var ErrStopped = errors.New("agent stopped")

// ValidationError reports a work unit that cannot be analyzed.
type ValidationError struct {
	UnitID string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("work unit %s: %s", e.UnitID, e.Reason)
}

// Checker authorizes operations before the agent performs them.
type Checker interface {
	Check(ctx context.Context, op models.OperationType, opCtx models.OperationContext) error
}

// Config controls the conversation shape of a run.
type Config struct {
	// ShallowTurns, MediumTurns and DeepTurns bound the questioning turns per depth.
	ShallowTurns int
	MediumTurns  int
	DeepTurns    int
	// MaxQuestions caps the questions taken from the generation turn.
	MaxQuestions int
	// SeverityLevel filters consolidated issues.
	SeverityLevel SeverityLevel
	// MinConfidence drops issues below this confidence.
	MinConfidence float64
	// Timeout bounds a whole run; 0 disables it.
	Timeout time.Duration
}

// DefaultConfig returns the default agent configuration.
func DefaultConfig() Config {
	return Config{
		ShallowTurns:  2,
		MediumTurns:   4,
		DeepTurns:     6,
		MaxQuestions:  3,
		SeverityLevel: SeverityStandard,
		MinConfidence: 0,
		Timeout:       10 * time.Minute,
	}
}

// QuestionTurns returns the questioning turn ceiling for depth.
func (c Config) QuestionTurns(d models.Depth) int {
	var n int
	switch d {
	case models.DepthDeep:
		n = c.DeepTurns
	case models.DepthMedium:
		n = c.MediumTurns
	default:
		n = c.ShallowTurns
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Agent executes analysis tasks. One Agent may run many tasks, one at a time
// or concurrently; each run owns its own session.
type Agent struct {
	engine *conversation.Engine
	cfg    Config
	perms  Checker
	sink   telemetry.Sink
	newID  func() string
}

// Option configures an Agent.
type Option func(*Agent)

// WithPermissions sets the checker consulted before reads, analysis and
// comment generation. Without one the checks are skipped.
func WithPermissions(c Checker) Option {
	return func(a *Agent) {
		a.perms = c
	}
}

// WithSink sets the telemetry sink.
func WithSink(s telemetry.Sink) Option {
	return func(a *Agent) {
		a.sink = telemetry.OrNop(s)
	}
}

// WithIDGenerator replaces the session ID generator.
func WithIDGenerator(f func() string) Option {
	return func(a *Agent) {
		a.newID = f
	}
}

// New creates an Agent that converses through engine.
func New(engine *conversation.Engine, cfg Config, opts ...Option) *Agent {
	if cfg.MaxQuestions <= 0 {
		cfg.MaxQuestions = 3
	}
	if !cfg.SeverityLevel.Valid() {
		cfg.SeverityLevel = SeverityStandard
	}
	a := &Agent{
		engine: engine,
		cfg:    cfg,
		sink:   telemetry.Nop{},
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// RunOptions carries per-run inputs.
type RunOptions struct {
	// ReviewID is recorded on the session.
	ReviewID string
	// Stop is checked between turns; closing it ends the run at the next boundary.
	Stop <-chan struct{}
	// Depth overrides the task depth when valid (used for fallback runs).
	Depth models.Depth
	// OnState receives a snapshot after every state change.
	OnState func(models.AgentSession)
}

// run is the state of a single task execution.
type run struct {
	agent  *Agent
	task   models.AnalysisTask
	opts   RunOptions
	rec    *models.AgentSession
	conv   *conversation.Session
	result models.AgentAnalysisResult

	// issues gathered so far; replaced by the consolidation turn.
	issues []issue
	notes  string
}

// Run executes task and returns its result together with a final snapshot
// of the session. The result's FinalState is COMPLETED or ERROR.
func (a *Agent) Run(ctx context.Context, task models.AnalysisTask, opts RunOptions) (models.AgentAnalysisResult, models.AgentSession) {
	if opts.Depth.Valid() {
		task.Depth = opts.Depth
	}
	rec := models.NewAgentSession(a.newID(), opts.ReviewID, task)
	r := &run{
		agent: a,
		task:  task,
		opts:  opts,
		rec:   rec,
		result: models.AgentAnalysisResult{
			SessionID:  rec.ID,
			TaskID:     task.ID,
			WorkUnitID: task.Unit.ID,
			Path:       task.Unit.Path,
		},
	}

	ctx, span := tracer.Start(ctx, "agent.Run",
		trace.WithAttributes(
			attribute.String("session.id", rec.ID),
			attribute.String("task.id", task.ID),
			attribute.String("unit.path", task.Unit.Path),
			attribute.String("task.depth", string(task.Depth)),
		),
	)
	defer span.End()

	if a.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()
	}

	r.notify()
	if err := r.execute(ctx); err != nil {
		r.fail(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	r.result.FinalState = rec.State
	if r.conv != nil {
		r.result.Turns = r.conv.TurnsUsed()
	}
	span.SetAttributes(
		attribute.String("agent.final_state", string(rec.State)),
		attribute.Int("agent.findings", len(r.result.Findings)),
	)
	return r.result, rec.Snapshot()
}

func (r *run) execute(ctx context.Context) error {
	a := r.agent
	unit := r.task.Unit

	// INITIALIZING
	if err := r.check(ctx, models.OpReadFile, "read "+unit.Path); err != nil {
		return err
	}
	if err := validateUnit(unit); err != nil {
		return err
	}
	questionTurns := a.cfg.QuestionTurns(r.task.Depth)
	r.conv = a.engine.NewSession(r.rec, systemPrompt(unit, a.cfg.SeverityLevel), 1+questionTurns)
	if r.stopped() {
		return ErrStopped
	}

	// ANALYZING
	if err := r.check(ctx, models.OpAnalyzeCode, "analyze "+unit.Path); err != nil {
		return err
	}
	if err := r.enter(models.AgentStateAnalyzing); err != nil {
		return err
	}
	r.conv.Seed(codeContext(unit))
	res, err := a.engine.SendTurn(ctx, r.conv, "initial_analysis", initialAnalysisPrompt())
	if err != nil {
		return fmt.Errorf("initial analysis: %w", err)
	}
	initial := parseAnalysis(res.Text)
	r.issues = initial.Issues
	r.notes = initial.Notes

	// QUESTIONING
	if !r.stopped() && (needsQuestions(initial, unit) || r.task.Depth != models.DepthShallow) {
		if err := r.question(ctx); err != nil {
			return err
		}
	}

	// REVIEWING
	if err := r.enter(models.AgentStateReviewing); err != nil {
		return err
	}
	final := analysis{Issues: r.issues, Confidence: initial.Confidence}
	if r.stopped() {
		r.result.Interrupted = true
		log.Printf("[agent] session %s: stopped, consolidating %d gathered issues locally", r.rec.ID, len(r.issues))
	} else {
		res, err := a.engine.SendFinalTurn(ctx, r.conv, "comprehensive_analysis", consolidationPrompt(r.notes, len(r.issues)))
		if err != nil {
			return fmt.Errorf("consolidation: %w", err)
		}
		parsed := parseAnalysis(res.Text)
		if parsed.parsed {
			final = parsed
		}
	}
	kept := filterIssues(final.Issues, a.cfg.SeverityLevel, a.cfg.MinConfidence)
	r.result.Confidence = final.confidence()
	r.result.Recommendations = final.Recommendations

	// COMMENT_GENERATION
	if err := r.check(ctx, models.OpGenerateComment, fmt.Sprintf("comment on %d issues in %s", len(kept), unit.Path)); err != nil {
		return err
	}
	if err := r.enter(models.AgentStateCommentGeneration); err != nil {
		return err
	}
	r.result.Findings = r.render(kept)

	if err := r.enter(models.AgentStateCompleted); err != nil {
		return err
	}
	log.Printf("[agent] session %s: %s completed with %d findings in %d turns (confidence %.2f)",
		r.rec.ID, unit.Path, len(r.result.Findings), r.conv.TurnsUsed(), r.result.Confidence)
	return nil
}

// question runs the QUESTIONING phase. It returns only unrecoverable errors;
// budget exhaustion and stop requests end the phase early.
//
// Questioning lasts until the session's turn budget is spent or the backend
// signals it is done. An empty queue is refilled by another generation turn,
// then by probe questions not asked yet.
func (r *run) question(ctx context.Context) error {
	a := r.agent
	asked := make(map[string]bool)
	probes := probeQuestions()
	var queue []question

	for r.conv.Remaining() > 0 && !r.stopped() {
		if err := r.enter(models.AgentStateQuestioning); err != nil {
			return err
		}
		if len(queue) == 0 {
			res, err := a.engine.SendTurn(ctx, r.conv, "question_generation", questionGenerationPrompt(a.cfg.MaxQuestions))
			if err != nil {
				return r.endQuestioning(err)
			}
			r.result.QuestionsAsked++
			if res.Done {
				return nil
			}
			queue = parseQuestions(res.Text, a.cfg.MaxQuestions, asked)
			if len(queue) == 0 {
				queue = unasked(probes, asked)
			}
			if len(queue) == 0 {
				return nil
			}
			continue
		}

		q := queue[0]
		queue = queue[1:]
		asked[q.Text] = true
		res, err := a.engine.SendTurn(ctx, r.conv, "questioning_"+q.ID, questionPrompt(q))
		if err != nil {
			return r.endQuestioning(err)
		}
		r.result.QuestionsAsked++
		if extra := parseAnalysis(res.Text); extra.parsed {
			r.issues = append(r.issues, extra.Issues...)
		}
		if res.Done {
			return nil
		}
	}
	return nil
}

func (r *run) endQuestioning(err error) error {
	if errors.Is(err, conversation.ErrBudgetExhausted) {
		r.result.Degraded = true
		log.Printf("[agent] session %s: %v, moving to review", r.rec.ID, err)
		return nil
	}
	return fmt.Errorf("questioning: %w", err)
}

func (r *run) enter(state models.AgentState) error {
	if err := r.rec.Transition(state); err != nil {
		return err
	}
	r.notify()
	return nil
}

func (r *run) notify() {
	r.agent.sink.Emit(telemetry.Event{
		Kind:      telemetry.KindTaskState,
		Component: "agent",
		ReviewID:  r.rec.ReviewID,
		TaskID:    r.rec.TaskID,
		SessionID: r.rec.ID,
		Label:     string(r.rec.State),
	})
	if r.opts.OnState != nil {
		r.opts.OnState(r.rec.Snapshot())
	}
}

func (r *run) fail(err error) {
	r.result.Err = err
	r.result.Findings = nil
	if r.rec.State.Terminal() {
		return
	}
	if terr := r.rec.Transition(models.AgentStateError); terr != nil {
		log.Printf("[agent] session %s: %v", r.rec.ID, terr)
		return
	}
	r.notify()
	log.Printf("[agent] session %s: %s failed: %v", r.rec.ID, r.task.Unit.Path, err)
}

func (r *run) stopped() bool {
	if r.opts.Stop == nil {
		return false
	}
	select {
	case <-r.opts.Stop:
		return true
	default:
		return false
	}
}

func (r *run) check(ctx context.Context, op models.OperationType, summary string) error {
	if r.agent.perms == nil {
		return nil
	}
	return r.agent.perms.Check(ctx, op, models.OperationContext{
		ReviewID:  r.rec.ReviewID,
		SessionID: r.rec.ID,
		Resource:  r.task.Unit.Path,
		Summary:   summary,
		Requester: "agent",
	})
}

func (r *run) render(issues []issue) []models.Finding {
	unit := r.task.Unit
	findings := make([]models.Finding, 0, len(issues))
	for i, is := range issues {
		f := is.finding(unit)
		f.ID = fmt.Sprintf("%s-%d", r.rec.ID, i+1)
		f.AgentSessionID = r.rec.ID
		f.TaskID = r.task.ID
		f.WorkUnitID = unit.ID
		f.Comment = RenderComment(f)
		findings = append(findings, f)
	}
	return findings
}

func validateUnit(unit models.WorkUnit) error {
	if err := unit.Validate(); err != nil {
		return &ValidationError{UnitID: unit.ID, Reason: err.Error()}
	}
	if unit.Content == "" {
		return &ValidationError{UnitID: unit.ID, Reason: "empty content"}
	}
	if !models.SupportedLanguage(unit.Language) {
		return &ValidationError{UnitID: unit.ID, Reason: fmt.Sprintf("unsupported language %q", unit.Language)}
	}
	return nil
}

// needsQuestions reports whether the initial scan shows enough complexity to
// warrant follow-up turns on a shallow unit.
func needsQuestions(a analysis, unit models.WorkUnit) bool {
	if len(a.Issues) > 5 {
		return true
	}
	for _, is := range a.Issues {
		if is.severity() == models.SeverityError {
			return true
		}
	}
	if unit.ChangedLineCount() > 100 {
		return true
	}
	return mentionsUncertainty(a.Notes)
}
