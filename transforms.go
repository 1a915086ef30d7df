package mdstream

import (
	"fmt"
	"strings"

	"github.com/muesli/reflow/ansi"
	"github.com/muesli/reflow/dedent"
	"github.com/muesli/reflow/indent"
	"github.com/muesli/reflow/padding"
	"github.com/muesli/reflow/truncate"
)

// TruncateOptions configures Truncate.
type TruncateOptions struct {
	Width uint
	Tail  string
}

// NormalizeNewlines converts CRLF and lone CR line endings to LF.
func NormalizeNewlines(text string, _ any) (string, error) {
	if !strings.ContainsRune(text, '\r') {
		return text, nil
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(text, "\r", "\n"), nil
}

// SanitizeControl removes control characters other than tab and line breaks.
func SanitizeControl(text string, _ any) (string, error) {
	clean := true
	for _, r := range text {
		if isControlRune(r) {
			clean = false
			break
		}
	}
	if clean {
		return text, nil
	}
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if !isControlRune(r) {
			b.WriteRune(r)
		}
	}
	return b.String(), nil
}

// Indent indents every line by options spaces (uint or int).
func Indent(text string, options any) (string, error) {
	n, err := uintOption(options)
	if err != nil {
		return "", fmt.Errorf("indent: %w", err)
	}
	if n == 0 {
		return text, nil
	}
	return indent.String(text, n), nil
}

// Pad right-pads every line to options columns (uint or int).
func Pad(text string, options any) (string, error) {
	n, err := uintOption(options)
	if err != nil {
		return "", fmt.Errorf("pad: %w", err)
	}
	if n == 0 {
		return text, nil
	}
	return padding.String(text, n), nil
}

// Dedent removes the indentation shared by all lines.
func Dedent(text string, _ any) (string, error) {
	return dedent.String(text), nil
}

// Truncate cuts every line wider than TruncateOptions.Width, appending Tail.
func Truncate(text string, options any) (string, error) {
	var opts TruncateOptions
	switch v := options.(type) {
	case TruncateOptions:
		opts = v
	case *TruncateOptions:
		if v != nil {
			opts = *v
		}
	default:
		n, err := uintOption(options)
		if err != nil {
			return "", fmt.Errorf("truncate: %w", err)
		}
		opts.Width = n
	}
	if opts.Width == 0 {
		return text, nil
	}
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if uint(ansi.PrintableRuneWidth(line)) <= opts.Width {
			continue
		}
		lines[i] = truncate.StringWithTail(line, opts.Width, opts.Tail)
	}
	return strings.Join(lines, "\n"), nil
}

func uintOption(options any) (uint, error) {
	switch v := options.(type) {
	case nil:
		return 0, nil
	case uint:
		return v, nil
	case int:
		if v < 0 {
			return 0, fmt.Errorf("expected a non-negative width, got %d", v)
		}
		return uint(v), nil
	default:
		return 0, fmt.Errorf("expected uint or int options, got %T", options)
	}
}
