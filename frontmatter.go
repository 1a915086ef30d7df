package mdstream

import "strings"

// StripFrontMatter removes a leading YAML (---), TOML (+++) or JSON (;;;)
// front matter block. While the block is still open the whole text is
// withheld, so a streamed document never flashes its metadata. Once the
// input has ended an unterminated block is not front matter and the text
// passes through unchanged.
func StripFrontMatter(text string, _ any) (string, error) {
	body, _ := splitFrontMatter(text, false)
	return body, nil
}

func stripFrontMatterAtEnd(text string, _ any) (string, error) {
	body, _ := splitFrontMatter(text, true)
	return body, nil
}

// splitFrontMatter returns the text after any front matter and whether a
// front matter block was recognized. Blocks that are open or undecided are
// withheld unless atEnd is set.
func splitFrontMatter(src string, atEnd bool) (string, bool) {
	body, stripped, open := scanFrontMatter(src)
	if open {
		if atEnd {
			return src, false
		}
		return "", true
	}
	return body, stripped
}

// scanFrontMatter reports open when the text so far cannot yet be told
// apart from an unfinished front matter block.
func scanFrontMatter(src string) (body string, stripped, open bool) {
	openLine, next, ok := nextLine(src, 0)
	if !ok {
		if _, isDelim := frontMatterDelimiter(src); isDelim {
			return "", false, true
		}
		return src, false, false
	}
	delim, isDelim := frontMatterDelimiter(openLine)
	if !isDelim {
		return src, false, false
	}
	second, _, ok := nextLine(src, next)
	if !ok {
		// undecided until the second line is complete
		return "", false, true
	}
	if !frontMatterMetadataLikely(second) {
		return src, false, false
	}
	for idx := next; idx < len(src); {
		line, after, ok := nextLine(src, idx)
		if !ok {
			if strings.TrimSpace(src[idx:]) == delim {
				return "", true, false
			}
			break
		}
		if strings.TrimSpace(line) == delim {
			return src[after:], true, false
		}
		idx = after
	}
	return "", false, true
}

func nextLine(src string, start int) (string, int, bool) {
	if start >= len(src) {
		return "", start, false
	}
	i := strings.IndexByte(src[start:], '\n')
	if i < 0 {
		return "", start, false
	}
	return strings.TrimSuffix(src[start:start+i], "\r"), start + i + 1, true
}

func frontMatterDelimiter(line string) (string, bool) {
	trimmed := strings.TrimSpace(strings.TrimPrefix(line, "\ufeff"))
	switch trimmed {
	case "---", "+++", ";;;":
		return trimmed, true
	default:
		return "", false
	}
}

func frontMatterMetadataLikely(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false
	}
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		return true
	}
	return strings.ContainsAny(trimmed, ":=")
}
