// Package telemetry collects structured events from every component into
// one consumer that owns the metrics and the error-record window.
package telemetry

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ShayCichocki/critic/pkg/models"
)

// Kind identifies the type of a telemetry event.
type Kind string

const (
	// KindTurn is a completed or failed conversation turn.
	KindTurn Kind = "turn"
	// KindRetry is a backend retry after a transient failure.
	KindRetry Kind = "retry"
	// KindTaskState is a task status change.
	KindTaskState Kind = "task_state"
	// KindPoolLoad is a pool size/load sample.
	KindPoolLoad Kind = "pool_load"
	// KindPoolExhausted is an acquire that timed out.
	KindPoolExhausted Kind = "pool_exhausted"
	// KindRecovery carries an ErrorRecord.
	KindRecovery Kind = "recovery"
	// KindAuthorization is a permission decision.
	KindAuthorization Kind = "authorization"
	// KindReview is a finished review.
	KindReview Kind = "review"

	flushKind Kind = "flush"
)

// Event is one structured telemetry event.
type Event struct {
	Kind      Kind
	Component string
	ReviewID  string
	TaskID    string
	SessionID string
	// Label is the kind-specific dimension (outcome, state, action).
	Label string
	// Value is the kind-specific measurement.
	Value float64
	// Size and Busy are pool samples for KindPoolLoad.
	Size     int
	Busy     int
	Duration time.Duration
	Record   *models.ErrorRecord
	At       time.Time

	ack chan struct{}
}

// Sink receives events. Implementations must not block for long.
type Sink interface {
	Emit(Event)
}

// Nop discards every event.
type Nop struct{}

// Emit drops the event.
func (Nop) Emit(Event) {}

// OrNop returns s, or a Nop sink when s is nil.
func OrNop(s Sink) Sink {
	if s == nil {
		return Nop{}
	}
	return s
}

// RecordStore persists error records. Satisfied by state.Store.
type RecordStore interface {
	AppendErrorRecord(rec models.ErrorRecord) error
}

// metrics groups the collector's Prometheus instruments.
type metrics struct {
	turns          *prometheus.CounterVec
	turnDuration   prometheus.Histogram
	retries        *prometheus.CounterVec
	taskStates     *prometheus.CounterVec
	poolSize       prometheus.Gauge
	poolBusy       prometheus.Gauge
	poolLoad       prometheus.Gauge
	poolExhausted  prometheus.Counter
	recoveries     *prometheus.CounterVec
	authorizations *prometheus.CounterVec
	reviews        *prometheus.CounterVec
	dropped        prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		turns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "critic_turns_total",
			Help: "Conversation turns by outcome",
		}, []string{"outcome"}),
		turnDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "critic_turn_duration_seconds",
			Help:    "Conversation turn latency including retries",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "critic_backend_retries_total",
			Help: "Backend retries by failure kind",
		}, []string{"kind"}),
		taskStates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "critic_task_transitions_total",
			Help: "Task status transitions by target status",
		}, []string{"status"}),
		poolSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "critic_pool_slots",
			Help: "Current number of agent slots",
		}),
		poolBusy: f.NewGauge(prometheus.GaugeOpts{
			Name: "critic_pool_busy_slots",
			Help: "Agent slots currently running a task",
		}),
		poolLoad: f.NewGauge(prometheus.GaugeOpts{
			Name: "critic_pool_load",
			Help: "Rolling pool load (busy/total)",
		}),
		poolExhausted: f.NewCounter(prometheus.CounterOpts{
			Name: "critic_pool_exhausted_total",
			Help: "Acquire calls that timed out",
		}),
		recoveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "critic_recoveries_total",
			Help: "Recovery actions by error category and action",
		}, []string{"category", "action"}),
		authorizations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "critic_authorizations_total",
			Help: "Permission checks by outcome",
		}, []string{"outcome"}),
		reviews: f.NewCounterVec(prometheus.CounterOpts{
			Name: "critic_reviews_total",
			Help: "Finished reviews by outcome",
		}, []string{"outcome"}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Name: "critic_telemetry_dropped_total",
			Help: "Telemetry events dropped because the collector was full",
		}),
	}
}

// Collector is the single consumer of telemetry events.
type Collector struct {
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedCount atomic.Uint64
	m            *metrics

	store     RecordStore
	retention time.Duration

	mu      sync.RWMutex
	records []models.ErrorRecord
}

// CollectorConfig configures a Collector.
type CollectorConfig struct {
	// Registerer receives the metrics; nil uses a private registry.
	Registerer prometheus.Registerer
	// BufferSize is the event channel capacity.
	BufferSize int
	// Store persists error records; optional.
	Store RecordStore
	// Retention bounds the in-memory error record window.
	Retention time.Duration
}

// NewCollector creates and starts a collector.
func NewCollector(cfg CollectorConfig) *Collector {
	reg := cfg.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	size := cfg.BufferSize
	if size <= 0 {
		size = 256
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = 24 * time.Hour
	}

	c := &Collector{
		events:    make(chan Event, size),
		done:      make(chan struct{}),
		m:         newMetrics(reg),
		store:     cfg.Store,
		retention: retention,
	}
	c.wg.Add(1)
	go c.run()
	return c
}

// Emit queues an event. If the buffer is full it waits briefly, then drops.
// Recovery and authorization events are never dropped: they wait for room,
// and after Close they are handled inline.
func (c *Collector) Emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	if ev.Kind.durable() {
		c.emitDurable(ev)
		return
	}
	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.events <- ev:
		return
	default:
	}

	select {
	case c.events <- ev:
	case <-c.done:
	case <-time.After(100 * time.Millisecond):
		count := c.droppedCount.Add(1)
		c.m.dropped.Inc()
		if count%10 == 1 {
			log.Printf("[telemetry] WARNING: event buffer full, dropped event (total dropped: %d): kind=%s", count, ev.Kind)
		}
	}
}

func (c *Collector) emitDurable(ev Event) {
	select {
	case <-c.done:
		c.handle(ev)
		return
	default:
	}
	select {
	case c.events <- ev:
	case <-c.done:
		c.handle(ev)
	}
}

// durable reports whether events of kind k carry records that must reach
// the store.
func (k Kind) durable() bool {
	return k == KindRecovery || k == KindAuthorization
}

// DroppedCount returns the number of events dropped.
func (c *Collector) DroppedCount() uint64 {
	return c.droppedCount.Load()
}

// Close stops accepting events, drains the buffer and waits for the consumer.
func (c *Collector) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	c.wg.Wait()
}

// Flush blocks until every event queued before the call has been handled.
func (c *Collector) Flush() {
	ack := make(chan struct{})
	select {
	case c.events <- Event{Kind: flushKind, ack: ack}:
	case <-c.done:
		return
	}
	select {
	case <-ack:
	case <-c.done:
	}
}

// ErrorRecords returns the retained records newer than the retention window.
func (c *Collector) ErrorRecords() []models.ErrorRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cutoff := time.Now().Add(-c.retention)
	var out []models.ErrorRecord
	for _, r := range c.records {
		if r.Timestamp.After(cutoff) {
			out = append(out, r)
		}
	}
	return out
}

func (c *Collector) run() {
	defer c.wg.Done()
	for {
		select {
		case ev := <-c.events:
			c.handle(ev)
		case <-c.done:
			for {
				select {
				case ev := <-c.events:
					c.handle(ev)
				default:
					return
				}
			}
		}
	}
}

func (c *Collector) handle(ev Event) {
	switch ev.Kind {
	case flushKind:
		close(ev.ack)
	case KindTurn:
		c.m.turns.WithLabelValues(ev.Label).Inc()
		if ev.Duration > 0 {
			c.m.turnDuration.Observe(ev.Duration.Seconds())
		}
	case KindRetry:
		c.m.retries.WithLabelValues(ev.Label).Inc()
	case KindTaskState:
		c.m.taskStates.WithLabelValues(ev.Label).Inc()
	case KindPoolLoad:
		c.m.poolSize.Set(float64(ev.Size))
		c.m.poolBusy.Set(float64(ev.Busy))
		c.m.poolLoad.Set(ev.Value)
	case KindPoolExhausted:
		c.m.poolExhausted.Inc()
	case KindRecovery:
		if ev.Record != nil {
			c.m.recoveries.WithLabelValues(string(ev.Record.Category), string(ev.Record.Action)).Inc()
			c.retain(*ev.Record)
		}
	case KindAuthorization:
		c.m.authorizations.WithLabelValues(ev.Label).Inc()
	case KindReview:
		c.m.reviews.WithLabelValues(ev.Label).Inc()
	}
}

func (c *Collector) retain(rec models.ErrorRecord) {
	c.mu.Lock()
	cutoff := time.Now().Add(-c.retention)
	kept := c.records[:0]
	for _, r := range c.records {
		if r.Timestamp.After(cutoff) {
			kept = append(kept, r)
		}
	}
	c.records = append(kept, rec)
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.AppendErrorRecord(rec); err != nil {
			log.Printf("[telemetry] failed to persist error record %s: %v", rec.ID, err)
		}
	}
}
