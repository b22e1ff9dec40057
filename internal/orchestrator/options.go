package orchestrator

import (
	"context"

	"github.com/ShayCichocki/critic/internal/agent"
	"github.com/ShayCichocki/critic/internal/pool"
	"github.com/ShayCichocki/critic/internal/publish"
	"github.com/ShayCichocki/critic/internal/recovery"
	"github.com/ShayCichocki/critic/internal/state"
	"github.com/ShayCichocki/critic/internal/telemetry"
	"github.com/ShayCichocki/critic/pkg/models"
)

// Decomposer turns a change-set into analysis tasks.
type Decomposer interface {
	Decompose(ctx context.Context, cs *models.ChangeSet) ([]models.AnalysisTask, error)
}

// Runner executes one analysis task. *agent.Agent implements it.
type Runner interface {
	Run(ctx context.Context, task models.AnalysisTask, opts agent.RunOptions) (models.AgentAnalysisResult, models.AgentSession)
}

// Publisher routes one effect to the outside world. *permission.Gate
// implements it.
type Publisher interface {
	Publish(ctx context.Context, e publish.Effect) (publish.Ack, error)
}

// SlotPool bounds concurrent agents. *pool.Manager implements it.
type SlotPool interface {
	Capacity() int
	Acquire(ctx context.Context, hint pool.Hint) (pool.Slot, error)
	Release(slot pool.Slot, outcome pool.Outcome) error
}

// HistoryStore persists reviews and agent sessions. *state.DB implements it.
type HistoryStore interface {
	SaveReview(r *state.Review) error
	SaveSession(s models.AgentSession) error
}

// Config holds orchestrator settings.
type Config struct {
	// EventBuffer is the per-review progress channel size.
	EventBuffer int `mapstructure:"event_buffer" validate:"gte=1"`
	// PublishConcurrency caps effects awaiting authorization at once.
	PublishConcurrency int `mapstructure:"publish_concurrency" validate:"gte=1"`
}

// DefaultConfig returns the default orchestrator settings.
func DefaultConfig() Config {
	return Config{
		EventBuffer:        100,
		PublishConcurrency: 4,
	}
}

// RequiredConfig contains the collaborators every Orchestrator needs.
type RequiredConfig struct {
	// Decomposer plans the tasks of a review.
	Decomposer Decomposer
	// Runner executes tasks. Runs share nothing, so a restart is a fresh run.
	Runner Runner
	// Pool hands out agent slots.
	Pool SlotPool
}

// Option configures an Orchestrator. Use With* functions to create Options.
type Option func(*orchestratorOptions)

// orchestratorOptions holds all optional configuration.
type orchestratorOptions struct {
	cfg       Config
	recovery  *recovery.Handler
	publisher Publisher
	store     HistoryStore
	sink      telemetry.Sink
	newID     func() string
}

// WithConfig sets the orchestrator settings.
func WithConfig(cfg Config) Option {
	return func(o *orchestratorOptions) { o.cfg = cfg }
}

// WithRecovery sets the error handler. Without one a default handler is used.
func WithRecovery(h *recovery.Handler) Option {
	return func(o *orchestratorOptions) { o.recovery = h }
}

// WithPublisher enables the publish phase for reviews that ask for it.
func WithPublisher(p Publisher) Option {
	return func(o *orchestratorOptions) { o.publisher = p }
}

// WithStore persists reviews and sessions.
func WithStore(s HistoryStore) Option {
	return func(o *orchestratorOptions) { o.store = s }
}

// WithSink sets the telemetry sink.
func WithSink(s telemetry.Sink) Option {
	return func(o *orchestratorOptions) { o.sink = telemetry.OrNop(s) }
}

// WithIDGenerator replaces the review ID generator.
func WithIDGenerator(f func() string) Option {
	return func(o *orchestratorOptions) { o.newID = f }
}
