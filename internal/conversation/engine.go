// Package conversation runs bounded, retrying turn exchanges with a
// reasoning backend on behalf of agent sessions.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/ShayCichocki/critic/internal/backend"
	"github.com/ShayCichocki/critic/internal/telemetry"
	"github.com/ShayCichocki/critic/pkg/models"
)

var tracer = otel.Tracer("critic/conversation")

// ErrBudgetExhausted is returned when a session has used its turn or
// character budget. It is not a failure; callers should wrap up.
var ErrBudgetExhausted = errors.New("conversation budget exhausted")

// Config bounds retries and per-session budgets.
type Config struct {
	// MaxRetries is the number of retries after the first attempt of a turn.
	MaxRetries int
	// InitialBackoff is the wait before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps a single wait.
	MaxBackoff time.Duration
	// BackoffFactor multiplies the wait per retry.
	BackoffFactor float64
	// Jitter randomizes each wait to [50%, 100%] of its nominal value.
	Jitter bool
	// MaxTurns is the per-session turn ceiling for non-final turns.
	MaxTurns int
	// CharBudget is the per-session prompt+response character ceiling.
	CharBudget int
	// RequestsPerSecond paces backend calls across sessions; 0 disables pacing.
	RequestsPerSecond float64
	// Burst is the limiter burst size.
	Burst int
	// Model overrides the backend default.
	Model string
	// MaxTokens caps each reply.
	MaxTokens int
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:        3,
		InitialBackoff:    time.Second,
		MaxBackoff:        60 * time.Second,
		BackoffFactor:     2,
		Jitter:            true,
		MaxTurns:          8,
		CharBudget:        400_000,
		RequestsPerSecond: 0,
		Burst:             1,
		MaxTokens:         4096,
	}
}

// Engine sends turns to a backend with retry, pacing and budgets.
type Engine struct {
	backend backend.ReasoningBackend
	cfg     Config
	limiter *rate.Limiter
	sink    telemetry.Sink

	// sleep waits for d or until ctx is done.
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures an Engine.
type Option func(*Engine)

// WithSink sets the telemetry sink.
func WithSink(s telemetry.Sink) Option {
	return func(e *Engine) {
		e.sink = telemetry.OrNop(s)
	}
}

// WithSleep replaces the backoff wait function.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) {
		e.sleep = sleep
	}
}

// NewEngine creates an engine for b.
func NewEngine(b backend.ReasoningBackend, cfg Config, opts ...Option) *Engine {
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = 1
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	e := &Engine{
		backend: b,
		cfg:     cfg,
		sink:    telemetry.Nop{},
		sleep:   sleepCtx,
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Session is the conversation state of one agent session.
// Turns on one session are strictly sequential.
type Session struct {
	mu       sync.Mutex
	record   *models.AgentSession
	system   string
	history  []backend.Message
	chars    int
	maxTurns int
	budget   int
	turns    int
}

// NewSession creates conversation state for rec with the given system prompt.
// maxTurns <= 0 uses the engine default.
func (e *Engine) NewSession(rec *models.AgentSession, system string, maxTurns int) *Session {
	if maxTurns <= 0 {
		maxTurns = e.cfg.MaxTurns
	}
	return &Session{
		record:   rec,
		system:   system,
		maxTurns: maxTurns,
		budget:   e.cfg.CharBudget,
	}
}

// Seed appends context to the history without a backend call (e.g. the code under review).
func (s *Session) Seed(content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, backend.Message{Role: backend.RoleUser, Content: content})
	s.history = append(s.history, backend.Message{Role: backend.RoleAssistant, Content: "Understood. Ready to review."})
	s.chars += len(content)
}

// TurnsUsed returns the number of successful turns.
func (s *Session) TurnsUsed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turns
}

// Remaining returns the turns left before the ceiling.
func (s *Session) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.maxTurns - s.turns; r > 0 {
		return r
	}
	return 0
}

// TurnResult is the outcome of a successful turn.
type TurnResult struct {
	Turn models.Turn
	Text string
	// Done is true when the backend signalled it has nothing more to add.
	Done bool
}

// SendTurn sends prompt for phase, honouring the session's turn and character budgets.
// It returns ErrBudgetExhausted without calling the backend when a budget is used up.
func (e *Engine) SendTurn(ctx context.Context, s *Session, phase, prompt string) (TurnResult, error) {
	return e.send(ctx, s, phase, prompt, false)
}

// SendFinalTurn sends a wrap-up turn that is exempt from the budgets, so a
// degraded session can still consolidate what it gathered.
func (e *Engine) SendFinalTurn(ctx context.Context, s *Session, phase, prompt string) (TurnResult, error) {
	return e.send(ctx, s, phase, prompt, true)
}

func (e *Engine) send(ctx context.Context, s *Session, phase, prompt string, final bool) (TurnResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !final {
		if s.turns >= s.maxTurns {
			return TurnResult{}, fmt.Errorf("%w: %d turns used", ErrBudgetExhausted, s.turns)
		}
		if s.budget > 0 && s.chars+len(prompt) > s.budget {
			return TurnResult{}, fmt.Errorf("%w: %d of %d characters used", ErrBudgetExhausted, s.chars, s.budget)
		}
	}

	ctx, span := tracer.Start(ctx, "conversation.SendTurn",
		trace.WithAttributes(
			attribute.String("session.id", s.record.ID),
			attribute.String("turn.phase", phase),
			attribute.Int("turn.index", s.turns),
		),
	)
	defer span.End()

	start := time.Now()
	opts := backend.Options{
		Model:     e.cfg.Model,
		System:    s.system,
		MaxTokens: e.cfg.MaxTokens,
		MaxTurns:  s.maxTurns,
	}

	var reply backend.Reply
	attempts := 0
	for {
		attempts++
		if err := ctx.Err(); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return TurnResult{}, err
		}
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				span.SetStatus(codes.Error, err.Error())
				return TurnResult{}, err
			}
		}

		var err error
		reply, err = e.backend.Converse(ctx, s.history, prompt, opts)
		if err == nil {
			break
		}

		var be *backend.Error
		if !errors.As(err, &be) || !be.Transient() {
			e.emitTurn(s, "failed", time.Since(start))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return TurnResult{}, err
		}
		if attempts > e.cfg.MaxRetries {
			e.emitTurn(s, "failed", time.Since(start))
			span.RecordError(err)
			span.SetStatus(codes.Error, "retries exhausted")
			return TurnResult{}, fmt.Errorf("turn %d failed after %d attempts: %w", s.turns, attempts, err)
		}

		wait := e.backoff(attempts)
		log.Printf("[conversation] session %s: %s on attempt %d, retrying in %v", s.record.ID, be.Kind, attempts, wait)
		e.sink.Emit(telemetry.Event{
			Kind:      telemetry.KindRetry,
			Component: "conversation",
			SessionID: s.record.ID,
			TaskID:    s.record.TaskID,
			ReviewID:  s.record.ReviewID,
			Label:     string(be.Kind),
		})
		if err := e.sleep(ctx, wait); err != nil {
			return TurnResult{}, err
		}
	}

	turn := models.Turn{
		Index:        s.turns,
		Phase:        phase,
		Prompt:       prompt,
		Response:     reply.Text,
		InputTokens:  reply.InputTokens,
		OutputTokens: reply.OutputTokens,
		Attempts:     attempts,
		At:           time.Now(),
	}
	s.history = append(s.history,
		backend.Message{Role: backend.RoleUser, Content: prompt},
		backend.Message{Role: backend.RoleAssistant, Content: reply.Text},
	)
	s.record.Turns = append(s.record.Turns, turn)
	s.chars += len(prompt) + len(reply.Text)
	s.turns++

	e.emitTurn(s, "ok", time.Since(start))
	span.SetAttributes(attribute.Int("turn.attempts", attempts))

	return TurnResult{
		Turn: turn,
		Text: reply.Text,
		Done: signalsDone(reply),
	}, nil
}

func (e *Engine) emitTurn(s *Session, outcome string, d time.Duration) {
	e.sink.Emit(telemetry.Event{
		Kind:      telemetry.KindTurn,
		Component: "conversation",
		SessionID: s.record.ID,
		TaskID:    s.record.TaskID,
		ReviewID:  s.record.ReviewID,
		Label:     outcome,
		Duration:  d,
	})
}

// backoff returns the wait before retry number attempt (1-based).
func (e *Engine) backoff(attempt int) time.Duration {
	d := float64(e.cfg.InitialBackoff) * math.Pow(e.cfg.BackoffFactor, float64(attempt-1))
	if ceiling := float64(e.cfg.MaxBackoff); ceiling > 0 && d > ceiling {
		d = ceiling
	}
	if e.cfg.Jitter {
		d *= 0.5 + rand.Float64()*0.5
	}
	return time.Duration(d)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
