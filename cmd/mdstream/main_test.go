package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pkt.systems/mdstream"
)

const sampleDoc = "---\ntitle: Sample\n---\n# Title\n\nSome words that wrap.\n\n```\n# not a heading\n```\n\n## Section ##\n\nMore.\n"

func TestOpenInputFileAndURL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "input.md")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	reader, closer, err := openInputs([]string{path}, nil)
	if err != nil {
		t.Fatalf("openInputs file: %v", err)
	}
	if closer != nil {
		defer func() { _ = closer.Close() }()
	}
	buf, _ := io.ReadAll(reader)
	if string(buf) != "hello" {
		t.Fatalf("unexpected file content: %q", string(buf))
	}

	fileURL := "file://" + path
	reader, closer, err = openInputs([]string{fileURL}, nil)
	if err != nil {
		t.Fatalf("openInputs file URL: %v", err)
	}
	if closer != nil {
		defer func() { _ = closer.Close() }()
	}
	buf, _ = io.ReadAll(reader)
	if string(buf) != "hello" {
		t.Fatalf("unexpected file URL content: %q", string(buf))
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("stream"))
	}))
	defer srv.Close()
	reader, closer, err = openInputs([]string{srv.URL}, nil)
	if err != nil {
		t.Fatalf("openInputs http: %v", err)
	}
	if closer != nil {
		defer func() { _ = closer.Close() }()
	}
	buf, _ = io.ReadAll(reader)
	if string(buf) != "stream" {
		t.Fatalf("unexpected http content: %q", string(buf))
	}
}

func TestOpenInputsConcatenates(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "a.md")
	second := filepath.Join(dir, "b.md")
	if err := os.WriteFile(first, []byte("one "), 0o644); err != nil {
		t.Fatalf("write first: %v", err)
	}
	if err := os.WriteFile(second, []byte("two"), 0o644); err != nil {
		t.Fatalf("write second: %v", err)
	}
	reader, closer, err := openInputs([]string{first, second}, nil)
	if err != nil {
		t.Fatalf("openInputs concat: %v", err)
	}
	if closer != nil {
		defer func() { _ = closer.Close() }()
	}
	buf, _ := io.ReadAll(reader)
	if string(buf) != "one two" {
		t.Fatalf("unexpected concatenated content: %q", string(buf))
	}
}

func TestOpenInputsDefaultsToStdin(t *testing.T) {
	stdin := strings.NewReader("piped")
	reader, closer, err := openInputs(nil, stdin)
	if err != nil {
		t.Fatalf("openInputs stdin: %v", err)
	}
	if closer != nil {
		t.Fatalf("stdin must not be closed by the reader")
	}
	buf, _ := io.ReadAll(reader)
	if string(buf) != "piped" {
		t.Fatalf("unexpected stdin content: %q", string(buf))
	}
	if _, _, err := openInputs([]string{"  "}, nil); err == nil {
		t.Fatalf("expected error for empty input argument")
	}
}

func TestEnvDefaults(t *testing.T) {
	env := map[string]string{
		"MDSTREAM_WIDTH":     "100",
		"MDSTREAM_THROTTLE":  "50ms",
		"MDSTREAM_OUTLINE":   "true",
		"MDSTREAM_INDENT":    "two",
		"MDSTREAM_LOG_LEVEL": " debug ",
	}
	o, errs := envDefaults(func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	})
	if o.width != 100 || o.throttle != 50*time.Millisecond || !o.outline {
		t.Fatalf("environment not applied: %+v", o)
	}
	if o.debounce != mdstream.DefaultDebounce || o.cacheSize != mdstream.DefaultCacheCapacity {
		t.Fatalf("unset variables should keep defaults: %+v", o)
	}
	if o.indent != 0 {
		t.Fatalf("invalid indent should fall back, got %d", o.indent)
	}
	if len(errs) != 1 || !strings.Contains(errs[0].Error(), "MDSTREAM_INDENT") {
		t.Fatalf("expected one MDSTREAM_INDENT error, got %v", errs)
	}
	if o.logLevel != "debug" {
		t.Fatalf("unexpected log level %q", o.logLevel)
	}
}

func TestParseLevel(t *testing.T) {
	for _, input := range []string{"debug", "INFO", "warn", "error"} {
		if _, err := parseLevel(input); err != nil {
			t.Fatalf("parseLevel(%q): %v", input, err)
		}
	}
	if _, err := parseLevel("loud"); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestBuildConfig(t *testing.T) {
	cfg := buildConfig(options{width: 40, indent: 4, pad: 44})
	if cfg.Bridge.Width != 36 {
		t.Fatalf("indent should narrow the wrap width, got %d", cfg.Bridge.Width)
	}
	if len(cfg.Pre) != 3 || len(cfg.Post) != 2 {
		t.Fatalf("unexpected plugin counts pre=%d post=%d", len(cfg.Pre), len(cfg.Post))
	}
	kept := buildConfig(options{width: 40, keepFrontMatter: true})
	if len(kept.Pre) != 2 || len(kept.Post) != 0 {
		t.Fatalf("unexpected plugin counts pre=%d post=%d", len(kept.Pre), len(kept.Post))
	}
	cache := mdstream.NewProcessorCache(0)
	if cache.MakeKey(cfg) == cache.MakeKey(kept) {
		t.Fatalf("different flags should produce different cache keys")
	}
}

func TestOutlineOf(t *testing.T) {
	got := outlineOf(sampleDoc)
	want := "Outline:\n  - Title\n    - Section\n"
	if got != want {
		t.Fatalf("want %q got %q", want, got)
	}
	if outlineOf("no headings\n#hashtag\n") != "" {
		t.Fatalf("expected empty outline")
	}
}

func testOptions(t *testing.T) options {
	t.Helper()
	o, errs := envDefaults(func(string) (string, bool) { return "", false })
	if len(errs) != 0 {
		t.Fatalf("unexpected env errors: %v", errs)
	}
	o.width = 40
	return o
}

func writeSample(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sample.md")
	if err := os.WriteFile(path, []byte(sampleDoc), 0o644); err != nil {
		t.Fatalf("write sample: %v", err)
	}
	return path
}

func TestRunWritesFinalFrame(t *testing.T) {
	for _, noIdle := range []bool{false, true} {
		o := testOptions(t)
		o.outline = true
		o.noIdle = noIdle
		var out bytes.Buffer
		res, err := run(context.Background(), runRequest{
			Options: o,
			Inputs:  []string{writeSample(t)},
			Output:  &out,
		})
		if err != nil {
			t.Fatalf("run (noIdle=%v): %v", noIdle, err)
		}
		got := out.String()
		if strings.Contains(got, "title: Sample") {
			t.Fatalf("front matter leaked: %q", got)
		}
		if strings.Contains(got, "\x1b[") {
			t.Fatalf("non-live output must not redraw: %q", got)
		}
		for _, want := range []string{"# Title", "More.", "Outline:\n  - Title\n    - Section\n"} {
			if !strings.Contains(got, want) {
				t.Fatalf("expected %q in %q", want, got)
			}
		}
		if stats := res.view.Stats(); stats.Frames == 0 || stats.Secondary == 0 {
			t.Fatalf("unexpected view stats %+v", stats)
		}
	}
}

func TestRunLiveRedraws(t *testing.T) {
	o := testOptions(t)
	var out bytes.Buffer
	_, err := run(context.Background(), runRequest{
		Options: o,
		Stdin:   strings.NewReader("# Live\n"),
		Output:  &out,
		Live:    true,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.HasPrefix(out.String(), clearScreen) || !strings.Contains(out.String(), "# Live") {
		t.Fatalf("unexpected live output %q", out.String())
	}
}

func TestRunStreamsHTTPAndSimulated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("# Remote\n\nbody\n"))
	}))
	defer srv.Close()

	o := testOptions(t)
	var out bytes.Buffer
	if _, err := run(context.Background(), runRequest{Options: o, Inputs: []string{srv.URL}, Output: &out}); err != nil {
		t.Fatalf("run http: %v", err)
	}
	if !strings.Contains(out.String(), "# Remote") {
		t.Fatalf("unexpected http output %q", out.String())
	}

	o.simulate = true
	o.simChunkSize = 4
	o.simDelay = time.Millisecond
	out.Reset()
	if _, err := run(context.Background(), runRequest{Options: o, Stdin: strings.NewReader("# Simulated stream\n"), Output: &out}); err != nil {
		t.Fatalf("run simulate: %v", err)
	}
	if out.String() != "# Simulated stream\n" {
		t.Fatalf("unexpected simulated output %q", out.String())
	}
}

func TestRunReportsHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()
	var out bytes.Buffer
	if _, err := run(context.Background(), runRequest{Options: testOptions(t), Inputs: []string{srv.URL}, Output: &out}); err == nil {
		t.Fatalf("expected error for failed fetch")
	}
	if out.Len() != 0 {
		t.Fatalf("expected no output, got %q", out.String())
	}
}

func TestPrintStats(t *testing.T) {
	var out bytes.Buffer
	res, err := run(context.Background(), runRequest{
		Options: testOptions(t),
		Stdin:   strings.NewReader("hello\n"),
		Output:  &out,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	var stats bytes.Buffer
	if err := printStats(&stats, res); err != nil {
		t.Fatalf("printStats: %v", err)
	}
	for _, want := range []string{
		"mdstream_cache_misses_total 1\n",
		"mdstream_cache_capacity 100\n",
		"mdstream_view_render_errors_total 0\n",
	} {
		if !strings.Contains(stats.String(), want) {
			t.Fatalf("expected %q in %q", want, stats.String())
		}
	}
}
