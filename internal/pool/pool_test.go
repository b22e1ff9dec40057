package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ShayCichocki/critic/internal/telemetry"
)

type countSink struct {
	mu     sync.Mutex
	counts map[telemetry.Kind]int
}

func (c *countSink) Emit(ev telemetry.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = make(map[telemetry.Kind]int)
	}
	c.counts[ev.Kind]++
}

func (c *countSink) count(k telemetry.Kind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[k]
}

func fixedConfig(n int, timeout time.Duration) Config {
	cfg := DefaultConfig()
	cfg.MinAgents = n
	cfg.MaxAgents = n
	cfg.AcquireTimeout = timeout
	return cfg
}

func TestAcquire_BlocksAtCapacity(t *testing.T) {
	m := New(fixedConfig(2, time.Second))
	ctx := context.Background()

	a, err := m.Acquire(ctx, Hint{TaskID: "a"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Acquire(ctx, Hint{TaskID: "b"}); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.TryAcquire(Hint{TaskID: "c"}); ok {
		t.Fatal("expected no third slot while two are busy")
	}

	got := make(chan Slot, 1)
	go func() {
		s, err := m.Acquire(ctx, Hint{TaskID: "c"})
		if err == nil {
			got <- s
		}
		close(got)
	}()

	select {
	case <-got:
		t.Fatal("expected third acquire to block")
	case <-time.After(50 * time.Millisecond):
	}

	if err := m.Release(a, Outcome{Success: true, Duration: time.Second}); err != nil {
		t.Fatal(err)
	}
	select {
	case s, ok := <-got:
		if !ok {
			t.Fatal("expected third acquire to succeed after release")
		}
		if s.ID() != a.ID() {
			t.Errorf("expected released slot %s to be reused, got %s", a.ID(), s.ID())
		}
	case <-time.After(time.Second):
		t.Fatal("third acquire did not unblock")
	}

	if st := m.Stats(); st.Total != 2 || st.Busy != 2 {
		t.Errorf("expected 2 busy of 2, got %+v", st)
	}
}

func TestAcquire_Timeout(t *testing.T) {
	sink := &countSink{}
	m := New(fixedConfig(1, 20*time.Millisecond), WithSink(sink))
	if _, err := m.Acquire(context.Background(), Hint{}); err != nil {
		t.Fatal(err)
	}
	_, err := m.Acquire(context.Background(), Hint{TaskID: "late"})
	if !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}
	if m.Stats().Exhausted != 1 {
		t.Errorf("expected 1 exhausted acquire, got %d", m.Stats().Exhausted)
	}
	if sink.count(telemetry.KindPoolExhausted) != 1 {
		t.Error("expected a pool exhausted event")
	}
}

func TestAcquire_ContextCancelled(t *testing.T) {
	m := New(fixedConfig(1, 0))
	if _, err := m.Acquire(context.Background(), Hint{}); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Acquire(ctx, Hint{}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context canceled, got %v", err)
	}
}

func TestAcquire_CancelledContextWithIdleSlot(t *testing.T) {
	m := New(fixedConfig(2, 0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Acquire(ctx, Hint{}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context canceled, got %v", err)
	}
	if st := m.Stats(); st.Busy != 0 {
		t.Errorf("expected no busy slots, got %d", st.Busy)
	}
}

func TestAcquire_ZeroCapacity(t *testing.T) {
	m := New(fixedConfig(0, time.Second))
	_, err := m.Acquire(context.Background(), Hint{})
	if !errors.Is(err, ErrPoolExhausted) || !errors.Is(err, ErrNoCapacity) {
		t.Errorf("expected ErrPoolExhausted with ErrNoCapacity, got %v", err)
	}
	if m.Capacity() != 0 {
		t.Errorf("expected capacity 0, got %d", m.Capacity())
	}
}

func TestRelease_UnknownSlot(t *testing.T) {
	m := New(fixedConfig(1, time.Second))
	if err := m.Release(Slot{id: "nope"}, Outcome{}); !errors.Is(err, ErrUnknownSlot) {
		t.Errorf("expected ErrUnknownSlot, got %v", err)
	}
	s, _ := m.Acquire(context.Background(), Hint{})
	if err := m.Release(s, Outcome{Success: true}); err != nil {
		t.Fatal(err)
	}
	if err := m.Release(s, Outcome{Success: true}); !errors.Is(err, ErrUnknownSlot) {
		t.Errorf("expected double release to fail, got %v", err)
	}
}

func TestScaling(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinAgents = 1
	cfg.MaxAgents = 4
	m := New(cfg)
	ctx := context.Background()

	var held []Slot
	for i := 0; i < 3; i++ {
		s, err := m.Acquire(ctx, Hint{})
		if err != nil {
			t.Fatal(err)
		}
		held = append(held, s)
	}
	st := m.Stats()
	if st.Busy != 3 {
		t.Fatalf("expected 3 busy, got %+v", st)
	}
	if st.Total != 4 {
		t.Errorf("expected a pre-warmed slot above the high watermark, got %d total", st.Total)
	}

	for _, s := range held {
		if err := m.Release(s, Outcome{Success: true}); err != nil {
			t.Fatal(err)
		}
	}
	st = m.Stats()
	if st.Total < cfg.MinAgents || st.Total >= 4 {
		t.Errorf("expected idle slots retired toward the floor, got %d total", st.Total)
	}
	if st.Busy != 0 {
		t.Errorf("expected no busy slots, got %d", st.Busy)
	}
}

func TestScaleDownKeepsBusySlots(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinAgents = 0
	cfg.MaxAgents = 4
	m := New(cfg)
	ctx := context.Background()

	busy, _ := m.Acquire(ctx, Hint{})
	other, _ := m.Acquire(ctx, Hint{})
	if err := m.Release(other, Outcome{Success: true}); err != nil {
		t.Fatal(err)
	}
	if err := m.Release(busy, Outcome{Success: true}); err != nil {
		t.Errorf("expected the busy slot to survive scale down, got %v", err)
	}
}

func TestBestFitPrefersTrackRecordAndLanguage(t *testing.T) {
	m := New(fixedConfig(2, time.Second))
	ctx := context.Background()

	a, _ := m.Acquire(ctx, Hint{})
	b, _ := m.Acquire(ctx, Hint{})
	_ = m.Release(a, Outcome{Success: false, Duration: 10 * time.Minute, Language: "go"})
	_ = m.Release(b, Outcome{Success: true, Duration: 10 * time.Second, Language: "python"})

	s, _ := m.Acquire(ctx, Hint{Language: "go"})
	if s.ID() != b.ID() {
		t.Errorf("expected the reliable slot %s, got %s", b.ID(), s.ID())
	}
}

func TestSlotScore(t *testing.T) {
	fresh := &slot{languages: map[string]int{}}
	if fresh.score() != 1 {
		t.Errorf("expected fresh score 1, got %v", fresh.score())
	}
	fast := &slot{tasks: 2, totalTime: 40 * time.Second}
	if got := fast.score(); got != 1 {
		t.Errorf("expected perfect score, got %v", got)
	}
	failing := &slot{tasks: 2, failures: 2, totalTime: 2 * time.Hour}
	if got := failing.score(); got < 0.1 || got > 0.1+1e-9 {
		t.Errorf("expected floor score 0.1, got %v", got)
	}
}
