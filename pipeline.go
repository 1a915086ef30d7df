package mdstream

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/muesli/reflow/wordwrap"
	"github.com/muesli/reflow/wrap"
)

// ErrNilTransform reports a plugin without a transform function.
var ErrNilTransform = errors.New("plugin has no transform")

// TransformFunc transforms text. options is the Plugin's Options value.
type TransformFunc func(text string, options any) (string, error)

// Plugin is a transform, optionally paired with configuration data.
//
// Pipelines are cached by plugin function and Options. Closures created from
// the same function literal count as the same function, so a closure that
// captures configuration (a replacer built for "a" and one built for "b")
// would share a cached pipeline. Pass such configuration in Options instead.
type Plugin struct {
	Transform TransformFunc
	Options   any
	// Final replaces Transform for the render made after the input has
	// ended. Nil uses Transform, except for built-ins that withhold partial
	// input while streaming, which release it at the end.
	Final TransformFunc
}

// Use returns a bare plugin.
func Use(fn TransformFunc) Plugin {
	return Plugin{Transform: fn}
}

// UseWith returns a plugin carrying options.
func UseWith(fn TransformFunc, options any) Plugin {
	return Plugin{Transform: fn, Options: options}
}

// BridgeOptions connects the pre-transform stage to the post-transform stage.
type BridgeOptions struct {
	// Width wraps words at this column. Zero disables layout.
	Width int
	// HardWrap breaks words longer than Width.
	HardWrap bool
	// JoinLines lets the word wrapper reflow across source newlines.
	JoinLines bool
}

// Config describes how raw markdown text becomes display text.
type Config struct {
	Pre    []Plugin
	Bridge BridgeOptions
	Post   []Plugin
}

// Pipeline is a ready-to-run Config.
type Pipeline struct {
	pre    []Plugin
	bridge BridgeOptions
	post   []Plugin
	// final reports whether any plugin renders differently at end of input.
	final bool
}

// Build validates cfg and returns a Pipeline.
func Build(cfg Config) (*Pipeline, error) {
	for i, p := range cfg.Pre {
		if p.Transform == nil {
			return nil, fmt.Errorf("build: pre[%d]: %w", i, ErrNilTransform)
		}
	}
	for i, p := range cfg.Post {
		if p.Transform == nil {
			return nil, fmt.Errorf("build: post[%d]: %w", i, ErrNilTransform)
		}
	}
	if cfg.Bridge.Width < 0 {
		return nil, fmt.Errorf("build: bridge width must be >= 0, got %d", cfg.Bridge.Width)
	}
	p := &Pipeline{bridge: cfg.Bridge}
	p.pre = p.resolve(cfg.Pre)
	p.post = p.resolve(cfg.Post)
	return p, nil
}

func (p *Pipeline) resolve(plugins []Plugin) []Plugin {
	out := make([]Plugin, len(plugins))
	for i, plugin := range plugins {
		if plugin.Final == nil {
			plugin.Final = builtinFinal(plugin.Transform)
		}
		if plugin.Final != nil {
			p.final = true
		} else {
			plugin.Final = plugin.Transform
		}
		out[i] = plugin
	}
	return out
}

// builtinFinal returns the end-of-input variant of a built-in transform.
func builtinFinal(fn TransformFunc) TransformFunc {
	if sameFunc(fn, StripFrontMatter) {
		return stripFrontMatterAtEnd
	}
	return nil
}

func sameFunc(a, b TransformFunc) bool {
	if a == nil || b == nil {
		return false
	}
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}

// Process runs src through the pre plugins, the bridge and the post plugins.
func (p *Pipeline) Process(src string) (string, error) {
	return p.run(src, false)
}

// ProcessFinal is Process for a document whose input has ended. Plugins run
// their Final transform.
func (p *Pipeline) ProcessFinal(src string) (string, error) {
	return p.run(src, true)
}

// HasFinal reports whether ProcessFinal can differ from Process.
func (p *Pipeline) HasFinal() bool {
	return p.final
}

func (p *Pipeline) run(src string, final bool) (string, error) {
	text := src
	var err error
	for i, plugin := range p.pre {
		text, err = plugin.apply(text, final)
		if err != nil {
			return "", fmt.Errorf("pipeline: pre[%d]: %w", i, err)
		}
	}
	text = p.bridge.layout(text)
	for i, plugin := range p.post {
		text, err = plugin.apply(text, final)
		if err != nil {
			return "", fmt.Errorf("pipeline: post[%d]: %w", i, err)
		}
	}
	return text, nil
}

func (p Plugin) apply(text string, final bool) (string, error) {
	if final {
		return p.Final(text, p.Options)
	}
	return p.Transform(text, p.Options)
}

func (b BridgeOptions) layout(text string) string {
	if b.Width <= 0 || text == "" {
		return text
	}
	ww := wordwrap.NewWriter(b.Width)
	ww.KeepNewlines = !b.JoinLines
	_, _ = ww.Write([]byte(text))
	_ = ww.Close()
	out := ww.String()
	if b.HardWrap {
		out = wrap.String(out, b.Width)
	}
	return out
}
