package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/critic/internal/agent"
	"github.com/ShayCichocki/critic/internal/aggregate"
	"github.com/ShayCichocki/critic/internal/graph"
	"github.com/ShayCichocki/critic/internal/pool"
	"github.com/ShayCichocki/critic/internal/publish"
	"github.com/ShayCichocki/critic/internal/recovery"
	"github.com/ShayCichocki/critic/internal/state"
	"github.com/ShayCichocki/critic/internal/telemetry"
	"github.com/ShayCichocki/critic/pkg/models"
)

// ErrAborted is reported on EventReviewDone when a critical failure stopped
// the review.
var ErrAborted = errors.New("review aborted")

// review is one running review.
type review struct {
	orch    *Orchestrator
	id      string
	cs      *models.ChangeSet
	opts    ReviewOptions
	emitter *EventEmitter
	started time.Time
	ctx     context.Context

	// stop is closed on Cancel or abort; agents check it between turns.
	stop chan struct{}
	// haltCtx is cancelled together with stop. It bounds slot waits, retry
	// backoff and authorization waits, never an agent turn.
	haltCtx    context.Context
	haltCancel context.CancelFunc
	haltOnce   sync.Once

	sched *Scheduler

	mu          sync.Mutex
	state       ReviewState
	cancelled   bool
	abortReason string
	tasks       []models.AnalysisTask
	progress    map[string]*TaskProgress
	results     []models.AgentAnalysisResult
	failures    []models.TaskFailure
}

// taskOutcome is what a task goroutine hands back to the dispatch loop.
// Exactly one of result and failure is set.
type taskOutcome struct {
	task    models.AnalysisTask
	result  *models.AgentAnalysisResult
	failure *models.TaskFailure
}

func newReview(ctx context.Context, o *Orchestrator, id string, cs *models.ChangeSet, opts ReviewOptions) *review {
	haltCtx, haltCancel := context.WithCancel(ctx)
	return &review{
		orch:       o,
		id:         id,
		cs:         cs,
		opts:       opts,
		emitter:    NewEventEmitter(o.cfg.EventBuffer),
		started:    time.Now(),
		ctx:        ctx,
		stop:       make(chan struct{}),
		haltCtx:    haltCtx,
		haltCancel: haltCancel,
		state:      StatePlanning,
		progress:   make(map[string]*TaskProgress),
	}
}

func (r *review) halt() {
	r.haltOnce.Do(func() {
		close(r.stop)
		r.haltCancel()
	})
}

// halted reports whether the review was cancelled, aborted or abandoned by
// its caller.
func (r *review) halted() bool {
	select {
	case <-r.stop:
		return true
	default:
		return r.ctx.Err() != nil
	}
}

// watchParent turns cancellation of the caller's context into a cancel, so
// running agents see the stop signal between turns.
func (r *review) watchParent() {
	<-r.haltCtx.Done()
	if r.ctx.Err() != nil {
		r.cancel()
	}
}

func (r *review) cancel() {
	r.mu.Lock()
	r.cancelled = true
	r.mu.Unlock()
	r.halt()
}

func (r *review) abort(reason string) {
	r.mu.Lock()
	if r.abortReason == "" {
		r.abortReason = reason
	}
	r.mu.Unlock()
	log.Printf("[orchestrator] review %s aborting: %s", r.id, reason)
	r.halt()
}

func (r *review) run() {
	ctx, span := tracer.Start(r.ctx, "orchestrator.Review",
		trace.WithAttributes(
			attribute.String("review.id", r.id),
			attribute.String("changeset.id", r.cs.ID),
			attribute.Int("changeset.units", len(r.cs.Units)),
		),
	)
	defer span.End()
	defer r.haltCancel()
	go r.watchParent()

	r.enter(StatePlanning, "decomposing change-set")
	tasks, err := r.plan(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.finish(StateError, nil, 0, 0, err)
		return
	}

	r.enter(StateExecuting, fmt.Sprintf("%d tasks", len(tasks)))
	r.execute(ctx)
	if r.ctx.Err() != nil {
		r.cancel()
	}

	r.enter(StateAggregating, "")
	report := r.aggregate()

	r.mu.Lock()
	cancelled, reason := r.cancelled, r.abortReason
	r.mu.Unlock()

	final := StateCompleted
	switch {
	case reason != "":
		final = StateError
		err = fmt.Errorf("%w: %s", ErrAborted, reason)
	case cancelled:
		final = StateCancelled
	}

	var published, withheld int
	if final == StateCompleted && r.opts.Publish && r.orch.publisher != nil {
		r.enter(StatePublishing, fmt.Sprintf("%d findings", report.Stats.Total))
		published, withheld, err = r.publish(ctx, report)
		switch {
		case r.isCancelled():
			final = StateCancelled
		case err != nil:
			final = StateError
		}
	}
	if final != StateCompleted {
		report.Incomplete = true
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(
		attribute.String("review.state", string(final)),
		attribute.Int("review.findings", report.Stats.Total),
		attribute.Int("review.failures", len(report.Failures)),
	)
	r.finish(final, &report, published, withheld, err)
}

// plan decomposes the change-set and prepares the scheduler.
func (r *review) plan(ctx context.Context) ([]models.AnalysisTask, error) {
	tasks, err := r.orch.decomposer.Decompose(ctx, r.cs)
	if err != nil {
		return nil, fmt.Errorf("decompose: %w", err)
	}
	tasks, broken := graph.BreakCycles(tasks)
	if broken > 0 {
		log.Printf("[orchestrator] review %s: dropped %d dependency edges to break cycles", r.id, broken)
	}

	g := graph.New()
	g.SetDebugLog(debugLog)
	if err := g.Build(tasks); err != nil {
		return nil, fmt.Errorf("build task graph: %w", err)
	}
	r.sched = NewScheduler(g, tasks)

	r.mu.Lock()
	r.tasks = tasks
	for _, t := range tasks {
		r.progress[t.ID] = &TaskProgress{
			TaskID: t.ID,
			Path:   t.Unit.Path,
			Status: models.TaskStatusPending,
		}
	}
	r.mu.Unlock()
	return tasks, nil
}

// execute dispatches tasks until none are queued or running. One goroutine
// runs per dispatched task; the loop itself only waits on their outcomes.
func (r *review) execute(ctx context.Context) {
	// Zero capacity still dispatches one task so the pool reports the failure.
	capacity := max(r.orch.pool.Capacity(), 1)
	outcomes := make(chan taskOutcome)
	running := 0

	for {
		if !r.halted() {
			for _, t := range r.sched.Schedule(capacity - running) {
				running++
				go func(t models.AnalysisTask) {
					outcomes <- r.runTask(ctx, t)
				}(t)
			}
		}
		if running == 0 {
			break
		}
		out := <-outcomes
		running--
		r.record(out)
	}

	if !r.halted() && r.sched.QueuedCount() > 0 {
		log.Printf("[orchestrator] review %s: %d tasks never became ready", r.id, r.sched.QueuedCount())
	}
	for _, t := range r.sched.Drain() {
		r.skip(t)
	}
}

// runTask runs t to a terminal outcome, consulting the error handler after
// every failed attempt.
func (r *review) runTask(ctx context.Context, t models.AnalysisTask) taskOutcome {
	defer r.orch.recovery.Reset(r.id, t.ID)

	depth := t.Depth
	for {
		if r.halted() {
			return r.stopped(t, nil)
		}

		var (
			err       error
			component string
		)
		slot, aerr := r.orch.pool.Acquire(r.haltCtx, pool.Hint{TaskID: t.ID, Language: t.Unit.Language})
		if aerr != nil {
			if r.halted() {
				return r.stopped(t, nil)
			}
			err, component = aerr, "pool"
		} else {
			res := r.runAgent(ctx, t, depth, slot)
			if res.FinalState == models.AgentStateCompleted {
				return taskOutcome{task: t, result: &res}
			}
			if errors.Is(res.Err, agent.ErrStopped) {
				return r.stopped(t, nil)
			}
			err, component = res.Err, "agent"
			if err == nil {
				err = fmt.Errorf("agent ended in %s without an error", res.FinalState)
			}
		}

		act, herr := r.orch.recovery.Handle(r.haltCtx, recovery.Failure{
			Err:       err,
			Component: component,
			ReviewID:  r.id,
			TaskID:    t.ID,
			Depth:     depth,
		})
		if herr != nil {
			return r.stopped(t, err)
		}

		r.trace("task %s attempt %d failed (%s/%s): %s", t.ID, act.Attempt, act.Category, act.Severity, act.Strategy)
		switch act.Strategy {
		case models.ActionRetry:
			continue
		case models.ActionRestart:
			depth = t.Depth
			continue
		case models.ActionFallback:
			r.trace("task %s falls back from %s to %s", t.ID, depth, act.Depth)
			depth = act.Depth
			continue
		case models.ActionAbort:
			r.abort(fmt.Sprintf("%s failure in task %s: %v", act.Category, t.ID, err))
		}
		return taskOutcome{task: t, failure: &models.TaskFailure{
			TaskID:     t.ID,
			WorkUnitID: t.Unit.ID,
			Path:       t.Unit.Path,
			Category:   act.Category,
			Summary:    err.Error(),
		}}
	}
}

// runAgent runs one agent session for t inside slot and gives the slot back.
func (r *review) runAgent(ctx context.Context, t models.AnalysisTask, depth models.Depth, slot pool.Slot) models.AgentAnalysisResult {
	r.mu.Lock()
	p := r.progress[t.ID]
	p.Status = models.TaskStatusRunning
	p.Runs++
	runs := p.Runs
	r.mu.Unlock()
	r.emit(EventTaskStarted, t.ID, fmt.Sprintf("%s at %s depth (run %d)", t.Unit.Path, depth, runs))

	start := time.Now()
	res, sess := r.orch.runner.Run(ctx, t, agent.RunOptions{
		ReviewID: r.id,
		Stop:     r.stop,
		Depth:    depth,
		OnState: func(s models.AgentSession) {
			r.mu.Lock()
			r.progress[t.ID].AgentState = s.State
			r.mu.Unlock()
			r.emit(EventAgentState, t.ID, string(s.State))
		},
	})

	outcome := pool.Outcome{
		Success:  res.FinalState == models.AgentStateCompleted,
		Duration: time.Since(start),
		Language: t.Unit.Language,
	}
	if err := r.orch.pool.Release(slot, outcome); err != nil {
		log.Printf("[orchestrator] review %s: release slot for task %s: %v", r.id, t.ID, err)
	}
	if r.orch.store != nil {
		if err := r.orch.store.SaveSession(sess); err != nil {
			log.Printf("[orchestrator] review %s: save session %s: %v", r.id, sess.ID, err)
		}
	}
	return res
}

// stopped is the outcome of a task cut short by Cancel or abort.
func (r *review) stopped(t models.AnalysisTask, cause error) taskOutcome {
	summary := "review stopped before the task completed"
	if cause != nil {
		summary += ": " + cause.Error()
	}
	return taskOutcome{task: t, failure: &models.TaskFailure{
		TaskID:     t.ID,
		WorkUnitID: t.Unit.ID,
		Path:       t.Unit.Path,
		Category:   models.CategoryCancelled,
		Summary:    summary,
	}}
}

// record folds a task outcome into the review.
func (r *review) record(out taskOutcome) {
	t := out.task
	status := models.TaskStatusCompleted
	if out.failure != nil {
		status = models.TaskStatusError
	}
	r.sched.OnTaskComplete(t.ID, status)

	r.mu.Lock()
	if out.result != nil {
		r.results = append(r.results, *out.result)
	}
	if out.failure != nil {
		r.failures = append(r.failures, *out.failure)
	}
	r.progress[t.ID].Status = status
	r.mu.Unlock()

	switch {
	case out.failure == nil:
		r.emit(EventTaskCompleted, t.ID, fmt.Sprintf("%s: %d findings", t.Unit.Path, len(out.result.Findings)))
	case out.failure.Category == models.CategoryCancelled:
		r.emit(EventTaskSkipped, t.ID, out.failure.Summary)
	default:
		log.Printf("[orchestrator] review %s: task %s (%s) failed: %s: %s",
			r.id, t.ID, t.Unit.Path, out.failure.Category, out.failure.Summary)
		r.emit(EventTaskFailed, t.ID, out.failure.Summary)
	}
}

// skip records a task that was never dispatched.
func (r *review) skip(t models.AnalysisTask) {
	r.mu.Lock()
	why := "review cancelled"
	if r.abortReason != "" {
		why = "review aborted"
	}
	r.failures = append(r.failures, models.TaskFailure{
		TaskID:     t.ID,
		WorkUnitID: t.Unit.ID,
		Path:       t.Unit.Path,
		Category:   models.CategoryCancelled,
		Summary:    "not dispatched: " + why,
	})
	r.progress[t.ID].Status = models.TaskStatusSkipped
	r.mu.Unlock()
	r.emit(EventTaskSkipped, t.ID, "not dispatched: "+why)
}

func (r *review) aggregate() models.AnalysisReport {
	r.mu.Lock()
	in := aggregate.Input{
		ReviewID:    r.id,
		ChangeSet:   r.cs,
		Tasks:       r.tasks,
		Results:     r.results,
		Failures:    r.failures,
		Incomplete:  r.cancelled || r.abortReason != "",
		AbortReason: r.abortReason,
		Elapsed:     time.Since(r.started),
	}
	r.mu.Unlock()
	return aggregate.Aggregate(in)
}

// publish routes every finding of report through the publisher. Denied,
// unconfirmed and rejected effects are withheld; an unreachable target
// stops the phase.
func (r *review) publish(ctx context.Context, report models.AnalysisReport) (published, withheld int, err error) {
	_, span := tracer.Start(ctx, "orchestrator.publish")
	defer span.End()

	effects := publish.EffectsFor(report)
	if len(effects) == 0 {
		return 0, 0, nil
	}

	g, gctx := errgroup.WithContext(r.haltCtx)
	g.SetLimit(r.orch.cfg.PublishConcurrency)
	var mu sync.Mutex
	for _, e := range effects {
		g.Go(func() error {
			ack, perr := r.orch.publisher.Publish(gctx, e)
			mu.Lock()
			if perr == nil {
				published++
			} else {
				withheld++
			}
			mu.Unlock()

			if perr != nil {
				r.emit(EventEffectWithheld, "", fmt.Sprintf("%s: %v", e.Location(), perr))
				if errors.Is(perr, publish.ErrUnreachable) {
					return perr
				}
				return nil
			}
			r.emit(EventEffectPublished, "", fmt.Sprintf("%s as %s", e.Location(), ack.ExternalID))
			return nil
		})
	}
	err = g.Wait()

	span.SetAttributes(
		attribute.Int("publish.published", published),
		attribute.Int("publish.withheld", withheld),
	)
	log.Printf("[orchestrator] review %s: published %d of %d effects", r.id, published, len(effects))
	if err != nil {
		return published, withheld, fmt.Errorf("publish: %w", err)
	}
	return published, withheld, nil
}

func (r *review) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled || r.ctx.Err() != nil
}

// enter moves the review to st and announces it.
func (r *review) enter(st ReviewState, msg string) {
	r.mu.Lock()
	r.state = st
	r.mu.Unlock()
	r.trace("-> %s %s", st, msg)
	r.persist(st, nil)
	r.emit(EventStateChanged, "", msg)
}

// finish persists the outcome and sends the final event.
func (r *review) finish(st ReviewState, report *models.AnalysisReport, published, withheld int, err error) {
	r.mu.Lock()
	r.state = st
	r.mu.Unlock()

	msg := string(st)
	if err != nil {
		msg = err.Error()
	}
	ev := r.snapshot(EventReviewDone, "", msg)
	ev.Fraction = 1
	ev.Remaining = 0
	ev.Report = report
	ev.Published = published
	ev.Withheld = withheld
	ev.Err = err

	r.persist(st, report)
	r.orch.sink.Emit(telemetry.Event{
		Kind:      telemetry.KindReview,
		Component: "orchestrator",
		ReviewID:  r.id,
		Label:     string(st),
		Duration:  ev.Elapsed,
		At:        ev.Timestamp,
	})
	if report != nil {
		log.Printf("[orchestrator] review %s %s in %v: %d findings, %d failed tasks",
			r.id, st, ev.Elapsed.Round(time.Millisecond), report.Stats.Total, len(report.Failures))
	} else {
		log.Printf("[orchestrator] review %s %s: %v", r.id, st, err)
	}
	r.emitter.EmitFinal(ev)
}

func (r *review) persist(st ReviewState, report *models.AnalysisReport) {
	if r.orch.store == nil {
		return
	}
	r.mu.Lock()
	rec := &state.Review{
		ID:          r.id,
		ChangeSetID: r.cs.ID,
		Title:       r.cs.Title,
		State:       string(st),
		TaskCount:   len(r.tasks),
		StartedAt:   r.started,
		Report:      report,
	}
	r.mu.Unlock()
	if st.Terminal() {
		now := time.Now()
		rec.FinishedAt = &now
	}
	if err := r.orch.store.SaveReview(rec); err != nil {
		log.Printf("[orchestrator] review %s: save history: %v", r.id, err)
	}
}

func (r *review) emit(typ EventType, taskID, msg string) {
	r.emitter.Emit(r.snapshot(typ, taskID, msg))
}

// snapshot builds an event carrying the current per-task view.
func (r *review) snapshot(typ EventType, taskID, msg string) ProgressEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	ev := ProgressEvent{
		Type:      typ,
		ReviewID:  r.id,
		State:     r.state,
		TaskID:    taskID,
		Message:   msg,
		Tasks:     make([]TaskProgress, 0, len(r.tasks)),
		Total:     len(r.tasks),
		Elapsed:   time.Since(r.started),
		Timestamp: time.Now(),
	}
	for _, t := range r.tasks {
		p := *r.progress[t.ID]
		if p.Status.Terminal() {
			ev.Done++
		}
		ev.Tasks = append(ev.Tasks, p)
	}
	if ev.Total > 0 {
		ev.Fraction = float64(ev.Done) / float64(ev.Total)
	}
	ev.Remaining = estimateRemaining(ev.Elapsed, ev.Done, ev.Total)
	return ev
}
