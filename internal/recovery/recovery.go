// Package recovery classifies task failures and chooses how the review
// continues: retry, fallback to a simpler depth, restart, skip, escalate or
// abort.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/ShayCichocki/critic/internal/agent"
	"github.com/ShayCichocki/critic/internal/backend"
	"github.com/ShayCichocki/critic/internal/permission"
	"github.com/ShayCichocki/critic/internal/pool"
	"github.com/ShayCichocki/critic/internal/telemetry"
	"github.com/ShayCichocki/critic/pkg/models"
)

// Config bounds recovery.
type Config struct {
	// MaxConcurrent caps recoveries in flight across the process.
	MaxConcurrent int `mapstructure:"max_concurrent" validate:"gte=1"`
	// MaxAttempts caps recovery attempts per task.
	MaxAttempts int `mapstructure:"max_attempts" validate:"gte=1"`
	// BaseDelay is the first retry delay; it doubles per attempt.
	BaseDelay time.Duration `mapstructure:"base_delay" validate:"gte=0"`
	// MaxDelay caps the retry delay.
	MaxDelay time.Duration `mapstructure:"max_delay" validate:"gte=0"`
	// Retention is how long error records are kept.
	Retention time.Duration `mapstructure:"retention" validate:"gte=0"`
}

// DefaultConfig returns the default recovery bounds.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 5,
		MaxAttempts:   3,
		BaseDelay:     time.Second,
		MaxDelay:      60 * time.Second,
		Retention:     24 * time.Hour,
	}
}

// Failure describes one failed task attempt.
type Failure struct {
	Err       error
	Component string
	ReviewID  string
	TaskID    string
	// Depth is the depth the failed attempt ran at.
	Depth models.Depth
}

// Action is the recovery decision for a Failure.
type Action struct {
	Strategy models.RecoveryAction
	Category models.ErrorCategory
	Severity models.ErrorSeverity
	// Attempt is the 1-based recovery attempt for the task.
	Attempt int
	// Depth is the depth to rerun at for ActionFallback, otherwise the failed depth.
	Depth models.Depth
	// Record is the error record emitted for this decision.
	Record models.ErrorRecord
}

// Terminal reports whether the task should not be run again.
func (a Action) Terminal() bool {
	switch a.Strategy {
	case models.ActionRetry, models.ActionFallback, models.ActionRestart:
		return false
	default:
		return true
	}
}

// Handler chooses recovery actions and keeps per-task attempt counts.
type Handler struct {
	cfg   Config
	sem   *semaphore.Weighted
	sink  telemetry.Sink
	sleep func(context.Context, time.Duration) error

	mu sync.Mutex
	// attempts is keyed by review and task.
	attempts map[string]int
}

// Option configures a Handler.
type Option func(*Handler)

// WithSink sets the telemetry sink that receives error records.
func WithSink(s telemetry.Sink) Option {
	return func(h *Handler) {
		h.sink = telemetry.OrNop(s)
	}
}

// WithSleep overrides the backoff wait.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(h *Handler) {
		h.sleep = sleep
	}
}

// New creates a Handler.
func New(cfg Config, opts ...Option) *Handler {
	def := DefaultConfig()
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	h := &Handler{
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		sink:     telemetry.Nop{},
		sleep:    sleepCtx,
		attempts: make(map[string]int),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Classify maps err to a category and severity.
func Classify(err error) (models.ErrorCategory, models.ErrorSeverity) {
	var (
		be *backend.Error
		ve *agent.ValidationError
		ne net.Error
	)
	switch {
	case err == nil:
		return models.CategoryUnknown, models.ErrorSeverityLow
	case errors.Is(err, pool.ErrNoCapacity):
		return models.CategoryResource, models.ErrorSeverityCritical
	case errors.Is(err, pool.ErrPoolExhausted):
		return models.CategoryResource, models.ErrorSeverityHigh
	case errors.Is(err, permission.ErrPermissionDenied):
		return models.CategoryPermission, models.ErrorSeverityHigh
	case errors.As(err, &ve):
		return models.CategoryValidation, models.ErrorSeverityLow
	case errors.As(err, &be):
		switch be.Kind {
		case backend.KindTimeout:
			return models.CategoryTimeout, models.ErrorSeverityMedium
		case backend.KindAuth:
			return models.CategoryConfiguration, models.ErrorSeverityCritical
		case backend.KindMalformedRequest:
			return models.CategoryValidation, models.ErrorSeverityLow
		case backend.KindUnavailable:
			if errors.As(be.Err, &ne) {
				return models.CategoryNetwork, models.ErrorSeverityMedium
			}
			return models.CategoryBackend, models.ErrorSeverityMedium
		default:
			return models.CategoryBackend, models.ErrorSeverityMedium
		}
	case errors.Is(err, context.DeadlineExceeded):
		return models.CategoryTimeout, models.ErrorSeverityMedium
	case errors.As(err, &ne):
		if ne.Timeout() {
			return models.CategoryTimeout, models.ErrorSeverityMedium
		}
		return models.CategoryNetwork, models.ErrorSeverityMedium
	default:
		return models.CategoryUnknown, models.ErrorSeverityMedium
	}
}

// Handle chooses the action for f, records it, and waits out the retry
// backoff before returning. At most MaxConcurrent calls run at once.
func (h *Handler) Handle(ctx context.Context, f Failure) (Action, error) {
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return Action{}, err
	}
	defer h.sem.Release(1)

	key := attemptKey(f.ReviewID, f.TaskID)
	h.mu.Lock()
	h.attempts[key]++
	attempt := h.attempts[key]
	h.mu.Unlock()

	category, severity := Classify(f.Err)
	act := Action{
		Strategy: h.choose(category, severity, attempt, f.Depth),
		Category: category,
		Severity: severity,
		Attempt:  attempt,
		Depth:    f.Depth,
	}
	if act.Strategy == models.ActionFallback {
		act.Depth = f.Depth.Lower()
	}

	msg := ""
	if f.Err != nil {
		msg = f.Err.Error()
	}
	act.Record = models.ErrorRecord{
		ID:        uuid.New().String(),
		Category:  category,
		Severity:  severity,
		Component: f.Component,
		Message:   msg,
		Action:    act.Strategy,
		Attempt:   attempt,
		ReviewID:  f.ReviewID,
		TaskID:    f.TaskID,
		Timestamp: time.Now(),
	}
	rec := act.Record
	h.sink.Emit(telemetry.Event{
		Kind:      telemetry.KindRecovery,
		Component: "recovery",
		ReviewID:  f.ReviewID,
		TaskID:    f.TaskID,
		Label:     string(act.Strategy),
		Record:    &rec,
		At:        rec.Timestamp,
	})
	log.Printf("[recovery] task %s: %s/%s error on attempt %d, action %s: %s",
		f.TaskID, category, severity, attempt, act.Strategy, msg)

	if act.Strategy == models.ActionRetry {
		if err := h.sleep(ctx, h.backoff(attempt)); err != nil {
			return act, fmt.Errorf("retry wait: %w", err)
		}
	}
	return act, nil
}

// choose walks the policy table for category: the first applicable
// strategy wins. Abort is reserved for critical failures of the shared pool.
func (h *Handler) choose(category models.ErrorCategory, severity models.ErrorSeverity, attempt int, depth models.Depth) models.RecoveryAction {
	if severity == models.ErrorSeverityCritical && category == models.CategoryResource {
		return models.ActionAbort
	}
	if attempt > h.cfg.MaxAttempts {
		return models.ActionEscalate
	}
	canRetry := attempt < h.cfg.MaxAttempts

	switch category {
	case models.CategoryNetwork, models.CategoryBackend, models.CategoryTimeout:
		if canRetry {
			return models.ActionRetry
		}
		if depth != "" && depth.Lower() != depth {
			return models.ActionFallback
		}
		return models.ActionEscalate
	case models.CategoryResource:
		if canRetry {
			return models.ActionRetry
		}
		return models.ActionRestart
	case models.CategoryValidation:
		return models.ActionSkip
	case models.CategoryPermission, models.CategoryConfiguration:
		return models.ActionEscalate
	default:
		if canRetry {
			return models.ActionRetry
		}
		return models.ActionEscalate
	}
}

// backoff is BaseDelay doubled per prior attempt, capped at MaxDelay.
func (h *Handler) backoff(attempt int) time.Duration {
	d := h.cfg.BaseDelay
	for i := 1; i < attempt && d < h.cfg.MaxDelay; i++ {
		d *= 2
	}
	return min(d, h.cfg.MaxDelay)
}

// Attempts returns how many recoveries have been handled for a task of a review.
func (h *Handler) Attempts(reviewID, taskID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attempts[attemptKey(reviewID, taskID)]
}

// Reset forgets the attempt count for a task of a review.
func (h *Handler) Reset(reviewID, taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.attempts, attemptKey(reviewID, taskID))
}

func attemptKey(reviewID, taskID string) string {
	return reviewID + "/" + taskID
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
