package mdstream

import (
	"errors"
	"unicode/utf8"
)

var (
	// ErrInvalidUTF8 reports invalid UTF-8 input.
	ErrInvalidUTF8 = errors.New("invalid utf-8 input")
	// ErrBinaryInput reports input that appears to be binary.
	ErrBinaryInput = errors.New("binary input detected")
)

const (
	minBinarySample = 64
	maxControlPct   = 2
)

// ValidateInput returns an error if the input is not valid UTF-8 or appears binary.
func ValidateInput(src []byte) error {
	if !utf8.Valid(src) {
		return ErrInvalidUTF8
	}
	var total, control int
	for _, b := range src {
		total++
		if b == 0x00 {
			return ErrBinaryInput
		}
		if isControlByte(b) {
			control++
		}
	}
	if total >= minBinarySample && control*100 >= total*maxControlPct {
		return ErrBinaryInput
	}
	return nil
}

// ChunkBuffer assembles streamed chunks into a document. A UTF-8 sequence
// split across chunks is held back until its remaining bytes arrive; invalid
// bytes and control characters are dropped.
type ChunkBuffer struct {
	doc     []byte
	tail    [utf8.UTFMax]byte
	tailLen int
}

// Append adds chunk and returns the document assembled so far.
func (b *ChunkBuffer) Append(chunk []byte) string {
	if b.tailLen > 0 {
		combined := make([]byte, 0, b.tailLen+len(chunk))
		combined = append(combined, b.tail[:b.tailLen]...)
		combined = append(combined, chunk...)
		chunk = combined
	}
	// rest is at most UTFMax-1 bytes: invalid sequences count as full runes
	rest := b.appendClean(chunk)
	b.tailLen = copy(b.tail[:], rest)
	return string(b.doc)
}

// String returns the document assembled so far.
func (b *ChunkBuffer) String() string {
	return string(b.doc)
}

// Len returns the assembled document size in bytes.
func (b *ChunkBuffer) Len() int {
	return len(b.doc)
}

// Reset discards the document and any held-back bytes.
func (b *ChunkBuffer) Reset() {
	b.doc = b.doc[:0]
	b.tailLen = 0
}

func (b *ChunkBuffer) appendClean(src []byte) []byte {
	i := 0
	for i < len(src) {
		if !utf8.FullRune(src[i:]) {
			break
		}
		r, size := utf8.DecodeRune(src[i:])
		if r == utf8.RuneError && size == 1 {
			i++
			continue
		}
		if isControlRune(r) {
			i += size
			continue
		}
		b.doc = append(b.doc, src[i:i+size]...)
		i += size
	}
	return src[i:]
}

func isControlByte(b byte) bool {
	if b < 0x09 {
		return true
	}
	if b > 0x0D && b < 0x20 {
		return true
	}
	if b == 0x7F {
		return true
	}
	return false
}

func isControlRune(r rune) bool {
	if r == '\n' || r == '\r' || r == '\t' {
		return false
	}
	if r < 0x20 || r == 0x7F {
		return true
	}
	return false
}
