package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/spf13/pflag"
	"golang.org/x/term"
	"pkt.systems/mdstream"
	"pkt.systems/version"
)

const (
	defaultWidth     = 80
	defaultChunkSize = 3
	defaultDelay     = 20 * time.Millisecond
	idleTick         = 16 * time.Millisecond
	idleBudget       = 8 * time.Millisecond
	clearScreen      = "\x1b[H\x1b[2J"
)

func init() {
	version.SetDefaultModule("pkt.systems/mdstream")
}

type options struct {
	width           int
	throttle        time.Duration
	debounce        time.Duration
	cacheSize       int
	simulate        bool
	simChunkSize    int
	simDelay        time.Duration
	indent          uint
	pad             uint
	hardWrap        bool
	keepFrontMatter bool
	outline         bool
	noIdle          bool
	stats           bool
	logLevel        string
	outPath         string
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}
	defaults, envErrs := envDefaults(os.LookupEnv)

	var (
		o           options
		showVersion bool
	)
	flags := pflag.NewFlagSet("mdstream", pflag.ExitOnError)
	flags.IntVarP(&o.width, "width", "w", defaults.width, "Output width override (0 uses terminal width if available)")
	flags.DurationVar(&o.throttle, "throttle", defaults.throttle, "Minimum spacing between frames in a steady stream")
	flags.DurationVar(&o.debounce, "debounce", defaults.debounce, "Quiet period before a pending frame is rendered")
	flags.IntVar(&o.cacheSize, "cache-size", defaults.cacheSize, "Processor cache capacity")
	flags.BoolVar(&o.simulate, "simulate", defaults.simulate, "Stream simulator (use default delay and chunk size)")
	flags.IntVar(&o.simChunkSize, "simulate-chunk", defaults.simChunkSize, "Max bytes per stream chunk")
	flags.DurationVar(&o.simDelay, "simulate-delay", defaults.simDelay, "Delay per stream chunk")
	flags.UintVar(&o.indent, "indent", defaults.indent, "Indent every output line by N spaces")
	flags.UintVar(&o.pad, "pad", defaults.pad, "Pad every output line to N columns")
	flags.BoolVar(&o.hardWrap, "hard-wrap", defaults.hardWrap, "Split words longer than the width")
	flags.BoolVar(&o.keepFrontMatter, "keep-front-matter", defaults.keepFrontMatter, "Do not strip leading front matter")
	flags.BoolVar(&o.outline, "outline", defaults.outline, "Render a heading outline in idle time")
	flags.BoolVar(&o.noIdle, "no-idle", defaults.noIdle, "Run deferred renders on a short timer instead of idle time")
	flags.BoolVar(&o.stats, "stats", defaults.stats, "Print cache and render counters to stderr when done")
	flags.StringVar(&o.logLevel, "log-level", defaults.logLevel, "Log level: debug|info|warn|error")
	flags.StringVarP(&o.outPath, "output", "o", "", "Output file instead of stdout")
	flags.BoolVar(&showVersion, "version", false, "Print version and exit")

	flags.SetInterspersed(true)
	flags.Usage = func() {
		fmt.Fprintln(os.Stderr, version.Module(), version.Current())
		fmt.Fprintf(os.Stderr, "Usage: mdstream [flags] [inputs...]\n")
		fmt.Fprintln(os.Stderr, "\nIf no input is provided, Markdown is read from stdin.")
		fmt.Fprintln(os.Stderr, "Defaults can be set with MDSTREAM_* variables or a .env file.")
		fmt.Fprintln(os.Stderr, "\nFlags:")
		flags.PrintDefaults()
	}

	if err := flags.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}
	if showVersion {
		fmt.Fprintln(os.Stdout, version.Module(), version.Current())
		return
	}

	level, err := parseLevel(o.logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid --log-level %q: %v\n", o.logLevel, err)
		os.Exit(2)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})).
		With("session", uuid.NewString())
	for _, err := range envErrs {
		logger.Warn("ignoring environment default", "error", err)
	}

	writer, closeOut, err := resolveOutput(o.outPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open output: %v\n", err)
		os.Exit(1)
	}
	if closeOut != nil {
		defer func() { _ = closeOut.Close() }()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	o.width = resolveWidth(o.width)
	res, err := run(ctx, runRequest{
		Options: o,
		Inputs:  flags.Args(),
		Stdin:   os.Stdin,
		Output:  writer,
		Live:    isTerminal(writer),
		Logger:  logger,
	})
	if o.stats && res.cache != nil {
		if err := printStats(os.Stderr, res); err != nil {
			logger.Error("gather stats", "error", err)
		}
	}
	if err != nil {
		logger.Error("stream failed", "error", err)
		os.Exit(1)
	}
}

type runRequest struct {
	Options options
	Inputs  []string
	Stdin   io.Reader
	Output  io.Writer
	Live    bool
	Logger  *slog.Logger
}

type runResult struct {
	cache *mdstream.ProcessorCache
	view  *mdstream.View
}

// run streams the inputs through a View until they are exhausted. Deferred
// renders use idle time between ticks of the host loop unless --no-idle is set.
func run(ctx context.Context, req runRequest) (runResult, error) {
	o := req.Options
	logger := req.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	var (
		idle     *mdstream.IdleLoop
		strategy mdstream.IdleStrategy
	)
	if o.noIdle {
		strategy = mdstream.NewTimerStrategy(nil)
	} else {
		idle = mdstream.NewIdleLoop(nil)
		strategy = idle
	}

	printer := &framePrinter{w: req.Output, live: req.Live, logger: logger}
	cache := mdstream.NewProcessorCache(o.cacheSize)
	viewOpts := []mdstream.ViewOption{
		mdstream.WithCache(cache),
		mdstream.WithScheduler(mdstream.NewScheduler(strategy)),
		mdstream.WithCoalescerOptions(
			mdstream.WithThrottle(o.throttle),
			mdstream.WithDebounce(o.debounce),
		),
		mdstream.WithOnRender(printer.frame),
	}
	if o.outline {
		viewOpts = append(viewOpts, mdstream.WithSecondary(printer.outline))
	}
	view := mdstream.NewView(viewOpts...)
	res := runResult{cache: cache, view: view}
	if err := view.SetConfig(buildConfig(o)); err != nil {
		return res, err
	}

	done := make(chan error, 1)
	go func() {
		done <- produce(ctx, req, view)
	}()

	var tick <-chan time.Time
	if idle != nil {
		ticker := time.NewTicker(idleTick)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case err := <-done:
			if err != nil {
				view.Destroy()
				return res, err
			}
			if idle != nil {
				idle.RunIdle(0)
			}
			if err := printer.finish(); err != nil {
				return res, fmt.Errorf("write output: %w", err)
			}
			stats := view.Stats()
			logger.Info("stream complete",
				"frames", stats.Frames,
				"emissions", stats.Emissions,
				"render_errors", stats.RenderErrors,
				"bytes", len(view.Document()),
			)
			return res, nil
		case <-tick:
			idle.RunIdle(idleBudget)
		case <-ctx.Done():
			view.Destroy()
			return res, ctx.Err()
		}
	}
}

// produce feeds the inputs into view and closes it.
func produce(ctx context.Context, req runRequest, view *mdstream.View) error {
	o := req.Options
	if !o.simulate && len(req.Inputs) == 1 && isHTTPURL(req.Inputs[0]) {
		return mdstream.StreamHTTP(ctx, mdstream.HTTPStreamRequest{
			URL:  strings.TrimSpace(req.Inputs[0]),
			View: view,
		})
	}
	reader, closer, err := openInputs(req.Inputs, req.Stdin)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	if closer != nil {
		defer func() { _ = closer.Close() }()
	}
	if o.simulate {
		return mdstream.StreamSimulate(ctx, mdstream.StreamSimulateRequest{
			Reader:    reader,
			View:      view,
			ChunkSize: o.simChunkSize,
			Delay:     o.simDelay,
		})
	}
	return pump(ctx, reader, view)
}

func pump(ctx context.Context, r io.Reader, view *mdstream.View) error {
	buf := make([]byte, 4096)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := view.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return view.Close()
		}
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}
	}
}

func buildConfig(o options) mdstream.Config {
	cfg := mdstream.Config{
		Pre: []mdstream.Plugin{
			mdstream.Use(mdstream.NormalizeNewlines),
			mdstream.Use(mdstream.SanitizeControl),
		},
		Bridge: mdstream.BridgeOptions{
			Width:    o.width,
			HardWrap: o.hardWrap,
		},
	}
	if !o.keepFrontMatter {
		cfg.Pre = append(cfg.Pre, mdstream.Use(mdstream.StripFrontMatter))
	}
	if o.indent > 0 {
		if cfg.Bridge.Width > int(o.indent) {
			cfg.Bridge.Width -= int(o.indent)
		}
		cfg.Post = append(cfg.Post, mdstream.UseWith(mdstream.Indent, o.indent))
	}
	if o.pad > 0 {
		cfg.Post = append(cfg.Post, mdstream.UseWith(mdstream.Pad, o.pad))
	}
	return cfg
}

// framePrinter writes frames as they arrive on a terminal and only the last
// frame otherwise.
type framePrinter struct {
	w      io.Writer
	live   bool
	logger *slog.Logger

	mu      sync.Mutex
	output  string
	outline string
	err     error
}

func (p *framePrinter) frame(f mdstream.Frame) {
	if f.Err != nil {
		p.logger.Warn("render failed", "seq", f.Seq, "error", f.Err)
		return
	}
	p.logger.Debug("frame", "seq", f.Seq, "bytes", len(f.Output))
	p.mu.Lock()
	defer p.mu.Unlock()
	p.output = f.Output
	if p.live {
		p.drawLocked()
	}
}

func (p *framePrinter) outline(src string) {
	text := outlineOf(src)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outline = text
	if p.live {
		p.drawLocked()
	}
}

func (p *framePrinter) drawLocked() {
	if p.err != nil {
		return
	}
	_, p.err = io.WriteString(p.w, clearScreen+p.composeLocked())
}

func (p *framePrinter) composeLocked() string {
	var b strings.Builder
	b.WriteString(p.output)
	if p.output != "" && !strings.HasSuffix(p.output, "\n") {
		b.WriteByte('\n')
	}
	if p.outline != "" {
		b.WriteString("\n")
		b.WriteString(p.outline)
	}
	return b.String()
}

func (p *framePrinter) finish() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.live || p.err != nil {
		return p.err
	}
	out := p.composeLocked()
	if out == "" {
		return nil
	}
	_, err := io.WriteString(p.w, out)
	return err
}

// outlineOf lists the ATX headings of src, indented by level. Headings inside
// fenced code blocks are skipped.
func outlineOf(src string) string {
	body, _ := mdstream.StripFrontMatter(src, nil)
	var (
		b     strings.Builder
		fence string
	)
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimLeft(strings.TrimSuffix(line, "\r"), " ")
		if len(line)-len(trimmed) > 3 {
			continue
		}
		if fence != "" {
			if strings.HasPrefix(trimmed, fence) {
				fence = ""
			}
			continue
		}
		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			fence = trimmed[:3]
			continue
		}
		level := 0
		for level < len(trimmed) && trimmed[level] == '#' {
			level++
		}
		if level == 0 || level > 6 {
			continue
		}
		rest := trimmed[level:]
		if rest != "" && rest[0] != ' ' && rest[0] != '\t' {
			continue
		}
		title := strings.TrimSpace(strings.TrimRight(strings.TrimSpace(rest), "#"))
		if title == "" {
			continue
		}
		if b.Len() == 0 {
			b.WriteString("Outline:\n")
		}
		b.WriteString(strings.Repeat("  ", level))
		b.WriteString("- ")
		b.WriteString(title)
		b.WriteByte('\n')
	}
	return b.String()
}

func printStats(w io.Writer, res runResult) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(mdstream.NewCollector("mdstream", res.cache, res.view))
	families, err := reg.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			var value float64
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				value = m.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				value = m.GetGauge().GetValue()
			default:
				continue
			}
			fmt.Fprintf(w, "%s %s\n", mf.GetName(), strconv.FormatFloat(value, 'f', -1, 64))
		}
	}
	return nil
}

// envReader reads MDSTREAM_* defaults, collecting values it cannot parse.
type envReader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *envReader) raw(key string) (string, bool) {
	value, ok := e.lookup(key)
	value = strings.TrimSpace(value)
	return value, ok && value != ""
}

func (e *envReader) getInt(key string, fallback int) int {
	value, ok := e.raw(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return n
}

func (e *envReader) getUint(key string, fallback uint) uint {
	value, ok := e.raw(key)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseUint(value, 10, 32)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return uint(n)
}

func (e *envReader) getDuration(key string, fallback time.Duration) time.Duration {
	value, ok := e.raw(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return d
}

func (e *envReader) getBool(key string, fallback bool) bool {
	value, ok := e.raw(key)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return b
}

func (e *envReader) getString(key, fallback string) string {
	if value, ok := e.raw(key); ok {
		return value
	}
	return fallback
}

func envDefaults(lookup func(string) (string, bool)) (options, []error) {
	e := &envReader{lookup: lookup}
	o := options{
		width:           e.getInt("MDSTREAM_WIDTH", 0),
		throttle:        e.getDuration("MDSTREAM_THROTTLE", mdstream.DefaultThrottle),
		debounce:        e.getDuration("MDSTREAM_DEBOUNCE", mdstream.DefaultDebounce),
		cacheSize:       e.getInt("MDSTREAM_CACHE_SIZE", mdstream.DefaultCacheCapacity),
		simulate:        e.getBool("MDSTREAM_SIMULATE", false),
		simChunkSize:    e.getInt("MDSTREAM_SIMULATE_CHUNK", defaultChunkSize),
		simDelay:        e.getDuration("MDSTREAM_SIMULATE_DELAY", defaultDelay),
		indent:          e.getUint("MDSTREAM_INDENT", 0),
		pad:             e.getUint("MDSTREAM_PAD", 0),
		hardWrap:        e.getBool("MDSTREAM_HARD_WRAP", false),
		keepFrontMatter: e.getBool("MDSTREAM_KEEP_FRONT_MATTER", false),
		outline:         e.getBool("MDSTREAM_OUTLINE", false),
		noIdle:          e.getBool("MDSTREAM_NO_IDLE", false),
		stats:           e.getBool("MDSTREAM_STATS", false),
		logLevel:        e.getString("MDSTREAM_LOG_LEVEL", "warn"),
	}
	return o, e.errs
}

func parseLevel(value string) (slog.Level, error) {
	var level slog.Level
	err := level.UnmarshalText([]byte(strings.TrimSpace(value)))
	return level, err
}

func resolveWidth(width int) int {
	if width > 0 {
		return width
	}
	return terminalWidth(defaultWidth)
}

func terminalWidth(fallback int) int {
	fd := int(os.Stdout.Fd())
	if term.IsTerminal(fd) {
		if w, _, err := term.GetSize(fd); err == nil && w > 0 {
			return w
		}
	}
	if value := os.Getenv("COLUMNS"); value != "" {
		if w, err := strconv.Atoi(value); err == nil && w > 0 {
			return w
		}
	}
	return fallback
}

type inputSource struct {
	open func() (io.Reader, io.Closer, error)
}

type multiInputReader struct {
	sources   []inputSource
	idx       int
	cur       io.Reader
	curCloser io.Closer
	closed    bool
}

func (m *multiInputReader) Read(p []byte) (int, error) {
	for {
		if m.closed {
			return 0, io.EOF
		}
		if m.cur == nil {
			if m.idx >= len(m.sources) {
				m.closed = true
				return 0, io.EOF
			}
			reader, closer, err := m.sources[m.idx].open()
			if err != nil {
				return 0, err
			}
			m.cur = reader
			m.curCloser = closer
			m.idx++
		}
		n, err := m.cur.Read(p)
		if n > 0 {
			return n, nil
		}
		if err == io.EOF {
			if m.curCloser != nil {
				_ = m.curCloser.Close()
			}
			m.cur = nil
			m.curCloser = nil
			continue
		}
		if err != nil {
			return 0, err
		}
	}
}

func (m *multiInputReader) Close() error {
	m.closed = true
	if m.curCloser != nil {
		err := m.curCloser.Close()
		m.curCloser = nil
		return err
	}
	return nil
}

// openInputs concatenates files, file:// and http(s):// inputs in order.
// Without inputs it reads stdin.
func openInputs(args []string, stdin io.Reader) (io.Reader, io.Closer, error) {
	if len(args) == 0 {
		return stdin, nil, nil
	}
	sources := make([]inputSource, 0, len(args))
	for _, raw := range args {
		src, err := makeInputSource(raw)
		if err != nil {
			return nil, nil, err
		}
		sources = append(sources, src)
	}
	m := &multiInputReader{sources: sources}
	return m, m, nil
}

func makeInputSource(raw string) (inputSource, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return inputSource{}, fmt.Errorf("empty input argument")
	}
	u, err := url.Parse(raw)
	if err == nil && u.Scheme != "" {
		switch strings.ToLower(u.Scheme) {
		case "http", "https":
			return inputSource{open: func() (io.Reader, io.Closer, error) {
				return openURL(raw)
			}}, nil
		case "file":
			path := u.Path
			if path == "" {
				path = u.Host
			}
			if unescaped, err := url.PathUnescape(path); err == nil {
				path = unescaped
			}
			return inputSource{open: func() (io.Reader, io.Closer, error) {
				return openFile(path)
			}}, nil
		}
	}
	return inputSource{open: func() (io.Reader, io.Closer, error) {
		return openFile(raw)
	}}, nil
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return scheme == "http" || scheme == "https"
}

func openURL(raw string) (io.Reader, io.Closer, error) {
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, raw, nil)
	if err != nil {
		return nil, nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_ = resp.Body.Close()
		return nil, nil, fmt.Errorf("http %s: %s", raw, resp.Status)
	}
	return resp.Body, resp.Body, nil
}

func openFile(path string) (io.Reader, io.Closer, error) {
	f, err := os.Open(normalizePath(path))
	if err != nil {
		return nil, nil, err
	}
	return f, f, nil
}

func resolveOutput(path string) (io.Writer, io.Closer, error) {
	if strings.TrimSpace(path) == "" {
		return os.Stdout, nil, nil
	}
	clean := normalizePath(path)
	dir := filepath.Dir(clean)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, err
		}
	}
	f, err := os.Create(clean)
	if err != nil {
		return nil, nil, err
	}
	return f, f, nil
}

func normalizePath(path string) string {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err == nil {
			if path == "~" {
				path = home
			} else {
				path = filepath.Join(home, path[2:])
			}
		}
	}
	abs, err := filepath.Abs(path)
	if err == nil {
		return abs
	}
	return path
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}
