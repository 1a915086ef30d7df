package mdstream

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrViewClosed is returned when writing to a closed or destroyed View.
var ErrViewClosed = errors.New("view closed")

// Frame is one rendering of the document.
type Frame struct {
	Seq    uint64
	Source string
	Output string
	// Err is set when the pipeline failed; Output is empty then.
	Err error
}

// ViewStats is a point-in-time view of rendering activity.
type ViewStats struct {
	Frames       uint64
	RenderErrors uint64
	Emissions    uint64
	Secondary    uint64
}

// ViewOption configures a View.
type ViewOption func(*viewConfig)

type viewConfig struct {
	cache            *ProcessorCache
	scheduler        *Scheduler
	coalescer        []CoalescerOption
	onRender         func(Frame)
	secondary        func(string)
	secondaryTimeout time.Duration
}

// WithCache shares a ProcessorCache between views.
func WithCache(c *ProcessorCache) ViewOption {
	return func(cfg *viewConfig) {
		cfg.cache = c
	}
}

// WithScheduler sets the scheduler used for secondary renders.
func WithScheduler(s *Scheduler) ViewOption {
	return func(cfg *viewConfig) {
		cfg.scheduler = s
	}
}

// WithCoalescerOptions configures the view's update coalescer.
func WithCoalescerOptions(opts ...CoalescerOption) ViewOption {
	return func(cfg *viewConfig) {
		cfg.coalescer = append(cfg.coalescer, opts...)
	}
}

// WithOnRender sets the frame callback.
func WithOnRender(fn func(Frame)) ViewOption {
	return func(cfg *viewConfig) {
		cfg.onRender = fn
	}
}

// WithSecondary sets a non-critical render that runs in idle time after frames.
func WithSecondary(fn func(src string)) ViewOption {
	return func(cfg *viewConfig) {
		cfg.secondary = fn
	}
}

// WithSecondaryTimeout bounds how long the secondary render may be deferred.
func WithSecondaryTimeout(d time.Duration) ViewOption {
	return func(cfg *viewConfig) {
		cfg.secondaryTimeout = d
	}
}

// View renders a streamed markdown document. Chunks written to it are
// coalesced, processed by the configured pipeline and delivered as frames.
type View struct {
	cache            *ProcessorCache
	scheduler        *Scheduler
	onRender         func(Frame)
	secondary        func(string)
	secondaryTimeout time.Duration
	coalescer        *Coalescer[string]

	mu              sync.Mutex
	pipeline        *Pipeline
	key             string
	buf             ChunkBuffer
	closed          bool
	destroyed       bool
	lastFinal       bool
	seq             uint64
	lastSource      string
	cancelSecondary CancelFunc
	secondarySeq    uint64
	secondaryDone   uint64
	frames          uint64
	renderErrors    uint64
	secondaryRuns   uint64
}

// NewView returns a View with no pipeline; frames carry the document unchanged
// until SetConfig is called.
func NewView(opts ...ViewOption) *View {
	cfg := viewConfig{}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.cache == nil {
		cfg.cache = NewProcessorCache(0)
	}
	if cfg.scheduler == nil {
		cfg.scheduler = NewScheduler(nil)
	}
	v := &View{
		cache:            cfg.cache,
		scheduler:        cfg.scheduler,
		onRender:         cfg.onRender,
		secondary:        cfg.secondary,
		secondaryTimeout: cfg.secondaryTimeout,
	}
	v.coalescer = NewCoalescer(v.render, cfg.coalescer...)
	return v
}

// SetConfig switches the view to the pipeline for cfg, reusing a cached
// pipeline when one exists. On a build error the previous pipeline stays live.
// A non-empty document is re-rendered with the new pipeline.
func (v *View) SetConfig(cfg Config) error {
	p, key, err := v.cache.Pipeline(cfg)
	if err != nil {
		return fmt.Errorf("view: build pipeline: %w", err)
	}
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return ErrViewClosed
	}
	changed := key != v.key
	v.pipeline = p
	v.key = key
	doc := ""
	if changed && v.buf.Len() > 0 {
		doc = v.buf.String()
	}
	v.mu.Unlock()
	if doc != "" {
		v.coalescer.Push(doc)
	}
	return nil
}

// Write appends a chunk of markdown to the document.
func (v *View) Write(p []byte) (int, error) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return 0, ErrViewClosed
	}
	doc := v.buf.Append(p)
	v.mu.Unlock()
	v.coalescer.Push(doc)
	return len(p), nil
}

// WriteString appends a chunk of markdown to the document.
func (v *View) WriteString(s string) (int, error) {
	return v.Write([]byte(s))
}

// Close ends the stream: the latest document is rendered as final and a
// pending secondary render runs immediately. Close is idempotent.
func (v *View) Close() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	v.mu.Unlock()

	v.coalescer.Flush()

	// the last frame may predate the end of input
	v.mu.Lock()
	refinal := !v.destroyed && !v.lastFinal && v.buf.Len() > 0 &&
		v.pipeline != nil && v.pipeline.HasFinal()
	doc := v.buf.String()
	v.mu.Unlock()
	if refinal {
		v.render(doc)
	}

	v.mu.Lock()
	cancel := v.cancelSecondary
	v.cancelSecondary = nil
	run := !v.destroyed && v.secondary != nil && v.secondarySeq != v.secondaryDone
	if run {
		v.secondaryDone = v.secondarySeq
		v.secondaryRuns++
	}
	src := v.lastSource
	v.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if run {
		v.secondary(src)
	}
	return nil
}

// Destroy tears the view down without rendering pending updates.
func (v *View) Destroy() {
	v.coalescer.Destroy()
	v.mu.Lock()
	v.closed = true
	v.destroyed = true
	cancel := v.cancelSecondary
	v.cancelSecondary = nil
	v.secondaryDone = v.secondarySeq
	v.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Document returns the markdown received so far.
func (v *View) Document() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.buf.String()
}

// Stats returns current counters.
func (v *View) Stats() ViewStats {
	v.mu.Lock()
	st := ViewStats{
		Frames:       v.frames,
		RenderErrors: v.renderErrors,
		Secondary:    v.secondaryRuns,
	}
	v.mu.Unlock()
	st.Emissions = v.coalescer.Emissions()
	return st
}

func (v *View) render(src string) {
	v.mu.Lock()
	if v.destroyed {
		v.mu.Unlock()
		return
	}
	p := v.pipeline
	final := v.closed
	v.seq++
	frame := Frame{Seq: v.seq, Source: src}
	v.mu.Unlock()

	switch {
	case p == nil:
		frame.Output = src
	case final:
		frame.Output, frame.Err = p.ProcessFinal(src)
	default:
		frame.Output, frame.Err = p.Process(src)
	}

	v.mu.Lock()
	if v.destroyed {
		v.mu.Unlock()
		return
	}
	v.lastFinal = final
	v.frames++
	if frame.Err != nil {
		v.renderErrors++
	}
	v.lastSource = src
	v.mu.Unlock()

	if v.onRender != nil {
		v.onRender(frame)
	}
	v.scheduleSecondary(frame.Seq, src)
}

func (v *View) scheduleSecondary(seq uint64, src string) {
	if v.secondary == nil {
		return
	}
	v.mu.Lock()
	if v.destroyed {
		v.mu.Unlock()
		return
	}
	prev := v.cancelSecondary
	v.secondarySeq = seq
	v.mu.Unlock()
	if prev != nil {
		prev()
	}
	cancel := v.scheduler.Schedule(func() {
		v.mu.Lock()
		if v.destroyed || seq != v.secondarySeq || v.secondaryDone == seq {
			v.mu.Unlock()
			return
		}
		v.secondaryDone = seq
		v.secondaryRuns++
		v.mu.Unlock()
		v.secondary(src)
	}, ScheduleOptions{Timeout: v.secondaryTimeout})
	v.mu.Lock()
	if !v.destroyed && v.secondarySeq == seq {
		v.cancelSecondary = cancel
		v.mu.Unlock()
		return
	}
	v.mu.Unlock()
	cancel()
}
