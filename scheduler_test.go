package mdstream

import (
	"testing"
	"time"

	"pkt.systems/mdstream/internal/clock"
)

func newManual() *clock.Manual {
	return clock.NewManual(time.Unix(1_700_000_000, 0))
}

func TestIdleLoopRunsOnIdle(t *testing.T) {
	clk := newManual()
	loop := NewIdleLoop(clk)
	s := NewScheduler(loop)
	calls := 0
	s.Schedule(func() { calls++ }, ScheduleOptions{Timeout: time.Second})
	if calls != 0 {
		t.Fatalf("callback ran synchronously")
	}
	if ran := loop.RunIdle(0); ran != 1 || calls != 1 {
		t.Fatalf("expected one idle run, ran=%d calls=%d", ran, calls)
	}
	if clk.Pending() != 0 {
		t.Fatalf("timeout timer still armed after idle run")
	}
	clk.Advance(2 * time.Second)
	if calls != 1 {
		t.Fatalf("callback ran twice")
	}
}

func TestIdleLoopTimeoutWithoutIdle(t *testing.T) {
	clk := newManual()
	loop := NewIdleLoop(clk)
	s := NewScheduler(loop)
	var firedAt time.Time
	start := clk.Now()
	s.Schedule(func() { firedAt = clk.Now() }, ScheduleOptions{Timeout: 50 * time.Millisecond})
	clk.Advance(49 * time.Millisecond)
	if !firedAt.IsZero() {
		t.Fatalf("callback fired before timeout")
	}
	clk.Advance(time.Millisecond)
	if firedAt.IsZero() {
		t.Fatalf("callback did not fire at the timeout")
	}
	if d := firedAt.Sub(start); d > 50*time.Millisecond {
		t.Fatalf("callback fired after %v, bound was 50ms", d)
	}
	if loop.RunIdle(0) != 0 {
		t.Fatalf("timed-out callback ran again on idle")
	}
	if loop.Pending() != 0 {
		t.Fatalf("expected empty idle queue")
	}
}

func TestIdleLoopCancel(t *testing.T) {
	clk := newManual()
	loop := NewIdleLoop(clk)
	s := NewScheduler(loop)
	calls := 0
	cancel := s.Schedule(func() { calls++ }, ScheduleOptions{Timeout: 10 * time.Millisecond})
	cancel()
	cancel()
	loop.RunIdle(0)
	clk.Advance(time.Second)
	if calls != 0 {
		t.Fatalf("cancelled callback ran %d times", calls)
	}
	if clk.Pending() != 0 {
		t.Fatalf("cancel left a timer armed")
	}
}

func TestIdleLoopCancelAfterRunIsNoop(t *testing.T) {
	loop := NewIdleLoop(newManual())
	calls := 0
	cancel := loop.Schedule(func() { calls++ }, time.Second)
	loop.RunIdle(0)
	cancel()
	if calls != 1 {
		t.Fatalf("expected one call, got %d", calls)
	}
}

func TestIdleLoopBudget(t *testing.T) {
	clk := newManual()
	loop := NewIdleLoop(clk)
	var order []int
	for i := 0; i < 3; i++ {
		i := i
		loop.Schedule(func() {
			order = append(order, i)
			clk.Advance(10 * time.Millisecond)
		}, time.Hour)
	}
	if ran := loop.RunIdle(15 * time.Millisecond); ran != 2 {
		t.Fatalf("expected two callbacks within the budget, ran %d", ran)
	}
	if loop.Pending() != 1 {
		t.Fatalf("expected one callback left, got %d", loop.Pending())
	}
	loop.RunIdle(0)
	if len(order) != 3 || order[0] != 0 || order[1] != 1 || order[2] != 2 {
		t.Fatalf("unexpected run order %v", order)
	}
}

func TestTimerStrategyRunsSoon(t *testing.T) {
	clk := newManual()
	s := NewScheduler(NewTimerStrategy(clk))
	calls := 0
	s.Schedule(func() { calls++ }, ScheduleOptions{})
	if calls != 0 {
		t.Fatalf("fallback ran synchronously")
	}
	clk.Advance(FallbackDelay)
	if calls != 1 {
		t.Fatalf("expected fallback to run after %v", FallbackDelay)
	}
}

func TestTimerStrategyRespectsShortTimeout(t *testing.T) {
	clk := newManual()
	strategy := NewTimerStrategy(clk)
	calls := 0
	strategy.Schedule(func() { calls++ }, 100*time.Microsecond)
	clk.Advance(100 * time.Microsecond)
	if calls != 1 {
		t.Fatalf("expected callback within the 100µs timeout")
	}
}

func TestTimerStrategyCancel(t *testing.T) {
	clk := newManual()
	s := NewScheduler(NewTimerStrategy(clk))
	calls := 0
	cancel := s.Schedule(func() { calls++ }, ScheduleOptions{})
	cancel()
	clk.Advance(time.Second)
	cancel()
	if calls != 0 {
		t.Fatalf("cancelled fallback ran")
	}
}

func TestSchedulerNilCallback(t *testing.T) {
	s := NewScheduler(NewIdleLoop(newManual()))
	cancel := s.Schedule(nil, ScheduleOptions{})
	cancel()
}

func TestSchedulerDefaultStrategyUsesWallClock(t *testing.T) {
	s := NewScheduler(nil)
	done := make(chan struct{})
	s.Schedule(func() { close(done) }, ScheduleOptions{Timeout: time.Second})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("fallback callback never ran")
	}
}
