package mdstream

import (
	"errors"
	"strings"
	"testing"

	"github.com/muesli/reflow/ansi"
)

func TestBuildRejectsNilTransform(t *testing.T) {
	t.Parallel()
	if _, err := Build(Config{Pre: []Plugin{Use(upper), {}}}); !errors.Is(err, ErrNilTransform) {
		t.Fatalf("expected ErrNilTransform, got %v", err)
	}
	if _, err := Build(Config{Bridge: BridgeOptions{Width: -1}}); err == nil {
		t.Fatalf("expected error for negative width")
	}
}

func TestPipelineStageOrder(t *testing.T) {
	t.Parallel()
	appendTag := func(text string, options any) (string, error) {
		return text + options.(string), nil
	}
	p := mustBuild(t, Config{
		Pre:  []Plugin{UseWith(appendTag, "1"), UseWith(appendTag, "2")},
		Post: []Plugin{UseWith(appendTag, "3")},
	})
	got, err := p.Process("x")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if got != "x123" {
		t.Fatalf("unexpected stage order %q", got)
	}
}

func TestPipelineWrapsErrors(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	p := mustBuild(t, Config{Post: []Plugin{Use(func(string, any) (string, error) { return "", boom })}})
	_, err := p.Process("x")
	if !errors.Is(err, boom) || !strings.Contains(err.Error(), "post[0]") {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestBridgeWordWrap(t *testing.T) {
	t.Parallel()
	p := mustBuild(t, Config{Bridge: BridgeOptions{Width: 12}})
	got, err := p.Process("the quick brown fox jumps\nover")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	for _, line := range strings.Split(got, "\n") {
		if w := ansi.PrintableRuneWidth(line); w > 12 {
			t.Fatalf("line %q is %d wide", line, w)
		}
	}
	if !strings.HasSuffix(got, "\nover") {
		t.Fatalf("source newline not kept: %q", got)
	}
}

func TestBridgeHardWrap(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("x", 25)
	soft := mustBuild(t, Config{Bridge: BridgeOptions{Width: 10}})
	hard := mustBuild(t, Config{Bridge: BridgeOptions{Width: 10, HardWrap: true}})
	got, _ := soft.Process(long)
	if got != long {
		t.Fatalf("soft wrap should not split words: %q", got)
	}
	got, _ = hard.Process(long)
	for _, line := range strings.Split(got, "\n") {
		if len(line) > 10 {
			t.Fatalf("hard wrap left %q", line)
		}
	}
}

func TestPostTransforms(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		plugin Plugin
		src    string
		want   string
	}{
		{name: "indent", plugin: UseWith(Indent, 2), src: "a\nb", want: "  a\n  b"},
		{name: "indent zero", plugin: UseWith(Indent, uint(0)), src: "a", want: "a"},
		{name: "pad", plugin: UseWith(Pad, uint(3)), src: "a\nbc", want: "a  \nbc "},
		{name: "dedent", plugin: Use(Dedent), src: "  a\n    b", want: "a\n  b"},
		{name: "truncate", plugin: UseWith(Truncate, TruncateOptions{Width: 4, Tail: "~"}), src: "abcdefg\nab", want: "abc~\nab"},
		{name: "truncate width", plugin: UseWith(Truncate, 3), src: "abcdef", want: "abc"},
		{name: "newlines", plugin: Use(NormalizeNewlines), src: "a\r\nb\rc", want: "a\nb\nc"},
		{name: "control", plugin: Use(SanitizeControl), src: "a\x07b\tc", want: "ab\tc"},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := tc.plugin.Transform(tc.src, tc.plugin.Options)
			if err != nil {
				t.Fatalf("transform: %v", err)
			}
			if got != tc.want {
				t.Fatalf("want %q got %q", tc.want, got)
			}
		})
	}
}

func TestTransformOptionErrors(t *testing.T) {
	t.Parallel()
	if _, err := Indent("a", "two"); err == nil {
		t.Fatalf("expected error for string indent")
	}
	if _, err := Pad("a", -1); err == nil {
		t.Fatalf("expected error for negative pad")
	}
}

func TestPipelineFinalTransform(t *testing.T) {
	t.Parallel()
	plain := mustBuild(t, Config{Pre: []Plugin{Use(upper)}})
	if plain.HasFinal() {
		t.Fatalf("plain pipeline should not have a final variant")
	}
	got, _ := plain.ProcessFinal("abc")
	if got != "ABC" {
		t.Fatalf("final render without variants should match Process, got %q", got)
	}

	p := mustBuild(t, Config{Post: []Plugin{{Transform: upper, Final: lower}}})
	if !p.HasFinal() {
		t.Fatalf("expected a final variant")
	}
	streaming, _ := p.Process("MiX")
	final, _ := p.ProcessFinal("MiX")
	if streaming != "MIX" || final != "mix" {
		t.Fatalf("unexpected renders streaming=%q final=%q", streaming, final)
	}
}
