package mdstream

import (
	"sync"
	"time"

	"pkt.systems/mdstream/internal/clock"
)

const (
	// DefaultIdleTimeout bounds how long a scheduled callback may wait for idle time.
	DefaultIdleTimeout = 200 * time.Millisecond
	// FallbackDelay is the timer delay used when idle detection is unavailable.
	FallbackDelay = time.Millisecond
)

// CancelFunc cancels a scheduled callback that has not run yet. It is safe
// to call more than once and after the callback ran.
type CancelFunc func()

// IdleStrategy runs fn when the host has spare capacity, or once timeout
// elapses, whichever is first.
type IdleStrategy interface {
	Schedule(fn func(), timeout time.Duration) CancelFunc
}

// ScheduleOptions configures Scheduler.Schedule.
type ScheduleOptions struct {
	// Timeout is the longest the callback may be deferred. Zero uses DefaultIdleTimeout.
	Timeout time.Duration
}

// Scheduler defers non-critical rendering work.
type Scheduler struct {
	strategy IdleStrategy
}

// NewScheduler returns a Scheduler using strategy. A nil strategy selects the
// timer fallback.
func NewScheduler(strategy IdleStrategy) *Scheduler {
	if strategy == nil {
		strategy = NewTimerStrategy(nil)
	}
	return &Scheduler{strategy: strategy}
}

// Schedule defers fn and returns a handle cancelling it.
func (s *Scheduler) Schedule(fn func(), opts ScheduleOptions) CancelFunc {
	if fn == nil {
		return func() {}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultIdleTimeout
	}
	return s.strategy.Schedule(fn, timeout)
}

// deferred is a callback that runs at most once, from whichever path claims it first.
type deferred struct {
	mu    sync.Mutex
	fn    func()
	timer clock.Timer
}

func (d *deferred) claim() func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn := d.fn
	d.fn = nil
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	return fn
}

func (d *deferred) run() {
	if fn := d.claim(); fn != nil {
		fn()
	}
}

func (d *deferred) cancel() {
	d.claim()
}

func (d *deferred) done() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fn == nil
}

func (d *deferred) arm(c clock.Clock, delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.timer = c.AfterFunc(delay, d.run)
}

// TimerStrategy runs callbacks after a minimal delay. It is the fallback when
// the host cannot report idle time.
type TimerStrategy struct {
	clock clock.Clock
	delay time.Duration
}

// NewTimerStrategy returns a TimerStrategy firing after FallbackDelay. A nil
// clock uses wall time.
func NewTimerStrategy(c clock.Clock) *TimerStrategy {
	if c == nil {
		c = clock.Real()
	}
	return &TimerStrategy{clock: c, delay: FallbackDelay}
}

// Schedule runs fn after the fallback delay, or after timeout if that is shorter.
func (s *TimerStrategy) Schedule(fn func(), timeout time.Duration) CancelFunc {
	delay := s.delay
	if timeout > 0 && timeout < delay {
		delay = timeout
	}
	d := &deferred{fn: fn}
	d.arm(s.clock, delay)
	return d.cancel
}

// IdleLoop runs callbacks when its host calls RunIdle, falling back to a
// per-callback timeout when no idle period arrives in time.
type IdleLoop struct {
	clock clock.Clock

	mu    sync.Mutex
	queue []*deferred
}

// NewIdleLoop returns an IdleLoop. A nil clock uses wall time.
func NewIdleLoop(c clock.Clock) *IdleLoop {
	if c == nil {
		c = clock.Real()
	}
	return &IdleLoop{clock: c}
}

// Schedule queues fn for the next idle period, bounded by timeout.
func (l *IdleLoop) Schedule(fn func(), timeout time.Duration) CancelFunc {
	d := &deferred{fn: fn}
	d.arm(l.clock, timeout)
	l.mu.Lock()
	l.compactLocked()
	l.queue = append(l.queue, d)
	l.mu.Unlock()
	return d.cancel
}

// RunIdle runs callbacks queued before the call, in scheduling order, until
// budget is spent. A non-positive budget runs all of them. Callbacks that do
// not fit stay queued. It returns the number of callbacks run.
func (l *IdleLoop) RunIdle(budget time.Duration) int {
	l.mu.Lock()
	queue := l.queue
	l.queue = nil
	l.mu.Unlock()

	var deadline time.Time
	if budget > 0 {
		deadline = l.clock.Now().Add(budget)
	}
	ran := 0
	for i, d := range queue {
		if budget > 0 && ran > 0 && !l.clock.Now().Before(deadline) {
			l.mu.Lock()
			l.queue = append(append([]*deferred(nil), queue[i:]...), l.queue...)
			l.compactLocked()
			l.mu.Unlock()
			break
		}
		if fn := d.claim(); fn != nil {
			fn()
			ran++
		}
	}
	return ran
}

// Pending returns the number of callbacks waiting for idle time.
func (l *IdleLoop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.compactLocked()
	return len(l.queue)
}

func (l *IdleLoop) compactLocked() {
	live := l.queue[:0]
	for _, d := range l.queue {
		if !d.done() {
			live = append(live, d)
		}
	}
	for i := len(live); i < len(l.queue); i++ {
		l.queue[i] = nil
	}
	l.queue = live
}
