package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/ShayCichocki/critic/internal/recovery"
	"github.com/ShayCichocki/critic/internal/telemetry"
	"github.com/ShayCichocki/critic/pkg/models"
)

var tracer = otel.Tracer("critic/orchestrator")

var (
	// ErrUnknownReview is returned by Cancel for reviews that are not running.
	ErrUnknownReview = errors.New("unknown or finished review")
	// ErrStopped is returned by Review after Stop.
	ErrStopped = errors.New("orchestrator stopped")
	// ErrInvalidChangeSet is returned by Review for a nil or malformed change-set.
	ErrInvalidChangeSet = errors.New("invalid change-set")
)

// ReviewOptions are per-review settings.
type ReviewOptions struct {
	// Publish routes the report's findings through the publisher after
	// aggregation. Ignored when the orchestrator has no publisher.
	Publish bool
}

// Orchestrator runs reviews and tracks the ones in flight.
type Orchestrator struct {
	cfg        Config
	decomposer Decomposer
	runner     Runner
	pool       SlotPool
	recovery   *recovery.Handler
	publisher  Publisher
	store      HistoryStore
	sink       telemetry.Sink
	newID      func() string

	// reviews tracks running reviews by ID.
	reviews map[string]*review
	stopped bool
	mu      sync.RWMutex

	// wg tracks running reviews.
	wg sync.WaitGroup
}

// New creates an Orchestrator.
func New(req RequiredConfig, opts ...Option) *Orchestrator {
	o := orchestratorOptions{
		cfg:   DefaultConfig(),
		sink:  telemetry.Nop{},
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(&o)
	}
	def := DefaultConfig()
	if o.cfg.EventBuffer < 1 {
		o.cfg.EventBuffer = def.EventBuffer
	}
	if o.cfg.PublishConcurrency < 1 {
		o.cfg.PublishConcurrency = def.PublishConcurrency
	}
	if o.recovery == nil {
		o.recovery = recovery.New(recovery.DefaultConfig(), recovery.WithSink(o.sink))
	}

	return &Orchestrator{
		cfg:        o.cfg,
		decomposer: req.Decomposer,
		runner:     req.Runner,
		pool:       req.Pool,
		recovery:   o.recovery,
		publisher:  o.publisher,
		store:      o.store,
		sink:       o.sink,
		newID:      o.newID,
		reviews:    make(map[string]*review),
	}
}

// Review starts reviewing cs and returns immediately. Progress arrives on the
// returned channel, which closes after the EventReviewDone event; the caller
// must drain it. Cancelling ctx abandons in-flight turns; use Cancel for a
// cooperative stop.
func (o *Orchestrator) Review(ctx context.Context, cs *models.ChangeSet, opts ReviewOptions) (string, <-chan ProgressEvent, error) {
	if cs == nil {
		return "", nil, fmt.Errorf("%w: nil", ErrInvalidChangeSet)
	}
	if err := cs.Validate(); err != nil {
		return "", nil, fmt.Errorf("%w: %w", ErrInvalidChangeSet, err)
	}

	id := o.newID()
	r := newReview(ctx, o, id, cs, opts)

	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		r.halt()
		return "", nil, ErrStopped
	}
	o.reviews[id] = r
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		r.run()

		o.mu.Lock()
		delete(o.reviews, id)
		o.mu.Unlock()
	}()

	log.Printf("[orchestrator] review %s started for change-set %s (%d units)", id, cs.ID, len(cs.Units))
	return id, r.emitter.Events(), nil
}

// Cancel stops dispatching new tasks for reviewID. Running agents stop at
// their next turn boundary and the review finishes with a partial report.
func (o *Orchestrator) Cancel(reviewID string) error {
	o.mu.RLock()
	r, ok := o.reviews[reviewID]
	o.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownReview, reviewID)
	}
	r.cancel()
	log.Printf("[orchestrator] review %s cancellation requested", reviewID)
	return nil
}

// Stop cancels every running review and waits for them to finish. Reviews
// submitted afterwards fail with ErrStopped.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	o.stopped = true
	running := make([]*review, 0, len(o.reviews))
	for _, r := range o.reviews {
		running = append(running, r)
	}
	o.mu.Unlock()

	for _, r := range running {
		r.cancel()
	}
	o.wg.Wait()
}

// Count returns the number of running reviews.
func (o *Orchestrator) Count() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.reviews)
}

// Active returns the IDs of running reviews.
func (o *Orchestrator) Active() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ids := make([]string, 0, len(o.reviews))
	for id := range o.reviews {
		ids = append(ids, id)
	}
	return ids
}

// DroppedEventCount returns the dropped progress events across running reviews.
func (o *Orchestrator) DroppedEventCount() uint64 {
	o.mu.RLock()
	defer o.mu.RUnlock()

	var total uint64
	for _, r := range o.reviews {
		total += r.emitter.DroppedCount()
	}
	return total
}
