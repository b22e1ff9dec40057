// Package pool bounds how many agents run at once and hands out slots to
// the scheduler.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/ShayCichocki/critic/internal/telemetry"
)

var (
	// ErrPoolExhausted is returned when no slot frees up before the acquire timeout.
	ErrPoolExhausted = errors.New("agent pool exhausted")
	// ErrNoCapacity accompanies ErrPoolExhausted when the pool can never hand out a slot.
	ErrNoCapacity = errors.New("agent pool has zero capacity")
	// ErrUnknownSlot is returned when releasing a slot the pool did not hand out.
	ErrUnknownSlot = errors.New("unknown or idle slot")
)

// Config bounds the pool.
type Config struct {
	// MinAgents is the floor the pool never shrinks below.
	MinAgents int `mapstructure:"min_agents" validate:"min=0"`
	// MaxAgents is the hard ceiling on concurrent slots.
	MaxAgents int `mapstructure:"max_agents" validate:"min=0,gtefield=MinAgents"`
	// AcquireTimeout bounds how long Acquire waits; 0 waits until ctx is done.
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
	// HighWatermark is the load above which an idle slot is pre-warmed.
	HighWatermark float64 `mapstructure:"high_watermark" validate:"gt=0,lte=1"`
	// LowWatermark is the load below which idle slots are retired.
	LowWatermark float64 `mapstructure:"low_watermark" validate:"gte=0,ltfield=HighWatermark"`
}

// DefaultConfig returns the default pool bounds.
func DefaultConfig() Config {
	return Config{
		MinAgents:      2,
		MaxAgents:      8,
		AcquireTimeout: 5 * time.Minute,
		HighWatermark:  0.8,
		LowWatermark:   0.3,
	}
}

// Slot is an opaque handle to one unit of agent capacity.
type Slot struct {
	id string
}

// ID returns the slot identifier.
func (s Slot) ID() string {
	return s.id
}

// Hint describes the work a slot is wanted for.
type Hint struct {
	TaskID   string
	Language string
}

// Outcome reports how a slot's task went.
type Outcome struct {
	Success  bool
	Duration time.Duration
	Language string
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Total     int     `json:"total"`
	Busy      int     `json:"busy"`
	Idle      int     `json:"idle"`
	Load      float64 `json:"load"`
	Acquired  uint64  `json:"acquired"`
	Released  uint64  `json:"released"`
	Exhausted uint64  `json:"exhausted"`
}

// slot is the internal record behind a Slot handle.
type slot struct {
	id        string
	seq       int
	busy      bool
	tasks     int
	failures  int
	totalTime time.Duration
	languages map[string]int
}

// score rates a slot's track record in [0.1, 1]. Fresh slots score 1.
func (s *slot) score() float64 {
	if s.tasks == 0 {
		return 1
	}
	success := 1 - float64(s.failures)/float64(s.tasks)
	avg := (s.totalTime / time.Duration(s.tasks)).Seconds()
	speed := clamp(300/max(avg, 30), 0.1, 1)
	return clamp(success*0.7+speed*0.3, 0.1, 1)
}

// Manager hands out slots up to MaxAgents.
type Manager struct {
	cfg  Config
	sink telemetry.Sink

	mu        sync.Mutex
	slots     map[string]*slot
	nextSeq   int
	freed     chan struct{}
	acquired  uint64
	released  uint64
	exhausted uint64
}

// Option configures a Manager.
type Option func(*Manager)

// WithSink sets the telemetry sink.
func WithSink(s telemetry.Sink) Option {
	return func(m *Manager) {
		m.sink = telemetry.OrNop(s)
	}
}

// New creates a pool with MinAgents idle slots.
func New(cfg Config, opts ...Option) *Manager {
	if cfg.MaxAgents < 0 {
		cfg.MaxAgents = 0
	}
	if cfg.MinAgents > cfg.MaxAgents {
		cfg.MinAgents = cfg.MaxAgents
	}
	if cfg.HighWatermark <= 0 || cfg.HighWatermark > 1 {
		cfg.HighWatermark = DefaultConfig().HighWatermark
	}
	if cfg.LowWatermark < 0 || cfg.LowWatermark >= cfg.HighWatermark {
		cfg.LowWatermark = DefaultConfig().LowWatermark
	}
	m := &Manager{
		cfg:   cfg,
		sink:  telemetry.Nop{},
		slots: make(map[string]*slot),
		freed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	for i := 0; i < cfg.MinAgents; i++ {
		m.addLocked()
	}
	return m
}

// Capacity returns the maximum number of concurrent slots.
func (m *Manager) Capacity() int {
	return m.cfg.MaxAgents
}

// Acquire returns an idle slot, growing the pool when every slot is busy
// and the ceiling allows. It blocks until a slot frees up, ctx is done or
// the acquire timeout elapses; the timeout yields ErrPoolExhausted.
func (m *Manager) Acquire(ctx context.Context, hint Hint) (Slot, error) {
	if err := ctx.Err(); err != nil {
		return Slot{}, err
	}
	if m.cfg.MaxAgents == 0 {
		m.markExhausted(hint)
		return Slot{}, fmt.Errorf("%w: %w", ErrPoolExhausted, ErrNoCapacity)
	}

	var timeout <-chan time.Time
	if m.cfg.AcquireTimeout > 0 {
		t := time.NewTimer(m.cfg.AcquireTimeout)
		defer t.Stop()
		timeout = t.C
	}

	for {
		m.mu.Lock()
		if s := m.pickLocked(hint); s != nil {
			s.busy = true
			m.acquired++
			m.scaleUpLocked()
			stats := m.statsLocked()
			m.mu.Unlock()
			m.emitLoad(stats)
			return Slot{id: s.id}, nil
		}
		freed := m.freed
		m.mu.Unlock()

		select {
		case <-freed:
		case <-ctx.Done():
			return Slot{}, ctx.Err()
		case <-timeout:
			m.markExhausted(hint)
			return Slot{}, fmt.Errorf("%w: no slot free after %v", ErrPoolExhausted, m.cfg.AcquireTimeout)
		}
	}
}

// TryAcquire returns an idle slot without blocking.
func (m *Manager) TryAcquire(hint Hint) (Slot, bool) {
	m.mu.Lock()
	s := m.pickLocked(hint)
	if s == nil {
		m.mu.Unlock()
		return Slot{}, false
	}
	s.busy = true
	m.acquired++
	m.scaleUpLocked()
	stats := m.statsLocked()
	m.mu.Unlock()
	m.emitLoad(stats)
	return Slot{id: s.id}, true
}

// Release returns slot to the pool and records the outcome against it.
func (m *Manager) Release(sl Slot, outcome Outcome) error {
	m.mu.Lock()
	s, ok := m.slots[sl.id]
	if !ok || !s.busy {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownSlot, sl.id)
	}
	s.busy = false
	s.tasks++
	s.totalTime += outcome.Duration
	if !outcome.Success {
		s.failures++
	}
	if outcome.Language != "" {
		s.languages[outcome.Language]++
	}
	m.released++
	m.scaleDownLocked()
	close(m.freed)
	m.freed = make(chan struct{})
	stats := m.statsLocked()
	m.mu.Unlock()

	m.emitLoad(stats)
	return nil
}

// Stats returns a snapshot of the pool.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statsLocked()
}

// pickLocked chooses the best idle slot for hint, adding one if every slot
// is busy and the ceiling allows. Returns nil when nothing is available.
func (m *Manager) pickLocked(hint Hint) *slot {
	var idle []*slot
	for _, s := range m.slots {
		if !s.busy {
			idle = append(idle, s)
		}
	}
	if len(idle) == 0 {
		if len(m.slots) >= m.cfg.MaxAgents {
			return nil
		}
		return m.addLocked()
	}

	sort.Slice(idle, func(i, j int) bool {
		si, sj := fit(idle[i], hint), fit(idle[j], hint)
		if si != sj {
			return si > sj
		}
		return idle[i].seq < idle[j].seq
	})
	return idle[0]
}

// fit is the best-fit score of s for hint: track record plus a bonus for
// slots that already handled the language.
func fit(s *slot, hint Hint) float64 {
	f := s.score()
	if hint.Language != "" && s.languages[hint.Language] > 0 {
		f += 0.1
	}
	return f
}

func (m *Manager) addLocked() *slot {
	m.nextSeq++
	s := &slot{
		id:        fmt.Sprintf("slot-%d", m.nextSeq),
		seq:       m.nextSeq,
		languages: make(map[string]int),
	}
	m.slots[s.id] = s
	return s
}

// scaleUpLocked pre-warms one idle slot when load is above the high watermark.
func (m *Manager) scaleUpLocked() {
	if len(m.slots) >= m.cfg.MaxAgents || m.loadLocked() <= m.cfg.HighWatermark {
		return
	}
	s := m.addLocked()
	log.Printf("[pool] load above %.0f%%, added %s (%d slots)", m.cfg.HighWatermark*100, s.id, len(m.slots))
}

// scaleDownLocked retires the weakest idle slot when load is below the low
// watermark. Busy slots are never removed.
func (m *Manager) scaleDownLocked() {
	if len(m.slots) <= m.cfg.MinAgents || m.loadLocked() >= m.cfg.LowWatermark {
		return
	}
	var victim *slot
	for _, s := range m.slots {
		if s.busy {
			continue
		}
		if victim == nil || s.score() < victim.score() || (s.score() == victim.score() && s.seq > victim.seq) {
			victim = s
		}
	}
	if victim == nil {
		return
	}
	delete(m.slots, victim.id)
	log.Printf("[pool] load below %.0f%%, retired %s (%d slots)", m.cfg.LowWatermark*100, victim.id, len(m.slots))
}

func (m *Manager) loadLocked() float64 {
	if len(m.slots) == 0 {
		return 0
	}
	return float64(m.busyLocked()) / float64(len(m.slots))
}

func (m *Manager) busyLocked() int {
	n := 0
	for _, s := range m.slots {
		if s.busy {
			n++
		}
	}
	return n
}

func (m *Manager) statsLocked() Stats {
	busy := m.busyLocked()
	return Stats{
		Total:     len(m.slots),
		Busy:      busy,
		Idle:      len(m.slots) - busy,
		Load:      m.loadLocked(),
		Acquired:  m.acquired,
		Released:  m.released,
		Exhausted: m.exhausted,
	}
}

func (m *Manager) markExhausted(hint Hint) {
	m.mu.Lock()
	m.exhausted++
	m.mu.Unlock()
	log.Printf("[pool] exhausted acquiring for task %s", hint.TaskID)
	m.sink.Emit(telemetry.Event{
		Kind:      telemetry.KindPoolExhausted,
		Component: "pool",
		TaskID:    hint.TaskID,
	})
}

func (m *Manager) emitLoad(s Stats) {
	m.sink.Emit(telemetry.Event{
		Kind:      telemetry.KindPoolLoad,
		Component: "pool",
		Size:      s.Total,
		Busy:      s.Busy,
		Value:     s.Load,
	})
}

func clamp(v, lo, hi float64) float64 {
	return min(max(v, lo), hi)
}
