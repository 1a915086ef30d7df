package mdstream

import (
	"sync"
	"time"

	"pkt.systems/mdstream/internal/clock"
)

const (
	// DefaultThrottle is the minimum spacing between emissions in a steady stream.
	DefaultThrottle = 120 * time.Millisecond
	// DefaultDebounce is the quiet period after which a pending value is emitted.
	DefaultDebounce = 24 * time.Millisecond
)

// CoalescerOption configures a Coalescer.
type CoalescerOption func(*coalescerConfig)

type coalescerConfig struct {
	throttle time.Duration
	debounce time.Duration
	clock    clock.Clock
}

// WithThrottle sets the minimum spacing between emissions.
func WithThrottle(d time.Duration) CoalescerOption {
	return func(cfg *coalescerConfig) {
		cfg.throttle = d
	}
}

// WithDebounce sets the quiet period required before a pending value is emitted.
func WithDebounce(d time.Duration) CoalescerOption {
	return func(cfg *coalescerConfig) {
		cfg.debounce = d
	}
}

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clock.Clock) CoalescerOption {
	return func(cfg *coalescerConfig) {
		cfg.clock = c
	}
}

type coalescerState uint8

const (
	coalescerIdle coalescerState = iota
	coalescerPending
	coalescerDestroyed
)

// Coalescer turns a high-frequency sequence of values into a lower-frequency
// sequence of emissions. A push after the throttle window has elapsed is
// emitted at once; otherwise it becomes the pending value and is emitted
// after the debounce period passes without further pushes. The most recent
// value is always the one emitted.
//
// emit runs on the goroutine that caused the emission: the caller of Push or
// Flush, or a timer goroutine. Emissions never overlap. emit must not call
// Push or Flush on the same Coalescer.
type Coalescer[T any] struct {
	emit     func(T)
	throttle time.Duration
	debounce time.Duration
	clock    clock.Clock

	// emitMu serializes emissions so they are observed in push order.
	emitMu sync.Mutex

	mu        sync.Mutex
	state     coalescerState
	pending   T
	lastEmit  time.Time
	timer     clock.Timer
	timerGen  uint64
	emissions uint64
}

// NewCoalescer returns a Coalescer delivering values to emit.
func NewCoalescer[T any](emit func(T), opts ...CoalescerOption) *Coalescer[T] {
	cfg := coalescerConfig{throttle: DefaultThrottle, debounce: DefaultDebounce}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.clock == nil {
		cfg.clock = clock.Real()
	}
	if cfg.throttle < 0 {
		cfg.throttle = 0
	}
	if cfg.debounce < 0 {
		cfg.debounce = 0
	}
	// The throttle window starts at construction, so an opening burst is
	// coalesced instead of emitting its first fragment.
	return &Coalescer[T]{
		emit:     emit,
		throttle: cfg.throttle,
		debounce: cfg.debounce,
		clock:    cfg.clock,
		lastEmit: cfg.clock.Now(),
	}
}

// Push records v as the latest value.
func (c *Coalescer[T]) Push(v T) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.mu.Lock()
	if c.state == coalescerDestroyed {
		c.mu.Unlock()
		return
	}
	now := c.clock.Now()
	if now.Sub(c.lastEmit) >= c.throttle {
		c.stopTimerLocked()
		c.clearPendingLocked()
		c.markEmittedLocked(now)
		c.mu.Unlock()
		c.deliver(v)
		return
	}
	c.pending = v
	c.state = coalescerPending
	c.stopTimerLocked()
	gen := c.timerGen
	c.timer = c.clock.AfterFunc(c.debounce, func() { c.fire(gen) })
	c.mu.Unlock()
}

// Flush emits the pending value, if any, without waiting for the debounce.
func (c *Coalescer[T]) Flush() {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.mu.Lock()
	c.stopTimerLocked()
	if c.state != coalescerPending {
		c.mu.Unlock()
		return
	}
	v := c.pending
	c.clearPendingLocked()
	c.markEmittedLocked(c.clock.Now())
	c.mu.Unlock()
	c.deliver(v)
}

// Destroy cancels the timer and discards the pending value without emitting.
// Later calls to Push and Flush do nothing.
func (c *Coalescer[T]) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopTimerLocked()
	c.clearPendingLocked()
	c.state = coalescerDestroyed
}

// Pending reports whether a value is waiting to be emitted.
func (c *Coalescer[T]) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == coalescerPending
}

// Emissions returns how many values have been emitted.
func (c *Coalescer[T]) Emissions() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.emissions
}

func (c *Coalescer[T]) fire(gen uint64) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.mu.Lock()
	if gen != c.timerGen || c.timer == nil {
		// replaced or stopped after the timer had already fired
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.timerGen++
	if c.state != coalescerPending {
		c.mu.Unlock()
		return
	}
	v := c.pending
	c.clearPendingLocked()
	c.markEmittedLocked(c.clock.Now())
	c.mu.Unlock()
	c.deliver(v)
}

func (c *Coalescer[T]) deliver(v T) {
	if c.emit != nil {
		c.emit(v)
	}
}

func (c *Coalescer[T]) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerGen++
}

func (c *Coalescer[T]) clearPendingLocked() {
	var zero T
	c.pending = zero
	if c.state == coalescerPending {
		c.state = coalescerIdle
	}
}

func (c *Coalescer[T]) markEmittedLocked(now time.Time) {
	c.lastEmit = now
	c.emissions++
}
